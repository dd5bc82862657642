// Package anthropic is a model client for the Anthropic Messages API.
package anthropic

import (
	"context"
	"log/slog"
	"net/http"

	sdkanthropic "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/flemzord/codeclaw/internal/provider"
)

var _ provider.Provider = (*Provider)(nil)

// Provider is an Anthropic model client.
type Provider struct {
	config Config
	client sdkanthropic.Client
	logger *slog.Logger
}

// New validates cfg and creates a Provider.
func New(cfg Config, logger *slog.Logger) (*Provider, error) {
	cfg.defaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithHTTPClient(&http.Client{Timeout: cfg.Timeout}),
		// Failover across models handles retries.
		option.WithMaxRetries(0),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &Provider{config: cfg, client: sdkanthropic.NewClient(opts...), logger: logger}, nil
}

// Complete implements provider.Provider.
func (p *Provider) Complete(ctx context.Context, req provider.Request) (provider.Response, error) {
	msg, err := p.client.Messages.New(ctx, convertRequest(req, &p.config, p.logger))
	if err != nil {
		err = mapError(err)
		if ctx.Err() == nil {
			p.logger.Warn("model request failed", "model", p.config.Model, "error", err)
		}
		return provider.Response{}, err
	}
	return convertResponse(msg), nil
}

// ModelName implements provider.Provider.
func (p *Provider) ModelName() string {
	return p.config.Model
}
