// Package openaicompat is a model client for any API implementing the
// OpenAI chat completions interface (OpenAI, Mistral, Groq, vLLM, LiteLLM,
// Ollama, etc.) selected by base_url.
package openaicompat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/flemzord/codeclaw/internal/provider"
	retryablehttp "github.com/hashicorp/go-retryablehttp"
)

var _ provider.Provider = (*Provider)(nil)

// Provider is an OpenAI-compatible model client.
type Provider struct {
	config Config
	client *retryablehttp.Client
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

	client := retryablehttp.NewClient()
	client.RetryMax = cfg.RetryMax
	client.HTTPClient.Timeout = cfg.Timeout
	client.Logger = nil
	// Hand the last response back so its status maps to a sentinel error.
	client.ErrorHandler = retryablehttp.PassthroughErrorHandler

	return &Provider{config: cfg, client: client, logger: logger}, nil
}

// Complete implements provider.Provider.
func (p *Provider) Complete(ctx context.Context, req provider.Request) (provider.Response, error) {
	payload, err := json.Marshal(buildRequest(p.config.Model, p.config.MaxTokens, req))
	if err != nil {
		return provider.Response{}, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, p.config.BaseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return provider.Response{}, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.config.APIKey)
	for k, v := range p.config.Headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		// Caller cancellation is not a provider failure.
		if ctx.Err() != nil {
			return provider.Response{}, ctx.Err()
		}
		return provider.Response{}, fmt.Errorf("%w: %w", provider.ErrProviderDown, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		err := handleErrorResponse(resp)
		p.logger.Warn("model request failed", "model", p.config.Model, "status", resp.StatusCode, "error", err)
		return provider.Response{}, err
	}

	var oaiResp oaiResponse
	if err := json.NewDecoder(resp.Body).Decode(&oaiResp); err != nil {
		return provider.Response{}, fmt.Errorf("decode response: %w", err)
	}
	return parseResponse(oaiResp), nil
}

// ModelName implements provider.Provider.
func (p *Provider) ModelName() string {
	return p.config.Model
}
