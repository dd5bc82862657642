// Package app wires the codeclaw components from a loaded configuration.
// The CLI builds one App per command and asks it for the pieces it needs.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/flemzord/codeclaw/internal/catalog"
	"github.com/flemzord/codeclaw/internal/config"
	"github.com/flemzord/codeclaw/internal/security"
	"github.com/flemzord/codeclaw/internal/telemetry"
	"github.com/flemzord/codeclaw/internal/tool"
	"go.opentelemetry.io/otel/trace"
)

// Params configures New.
type Params struct {
	Config *config.Config

	// Stderr receives logs. Defaults to os.Stderr.
	Stderr io.Writer

	// Tools replaces the built-in tool catalog.
	Tools *catalog.Table
}

// App holds the shared services every command needs.
type App struct {
	Config   *config.Config
	Logger   *slog.Logger
	Redactor *security.Redactor
	Audit    *security.AuditLogger
	Metrics  *telemetry.Metrics
	Tracer   trace.Tracer
	Tools    *catalog.Table

	closers []func(context.Context) error
}

// New validates the configuration and builds the shared services.
func New(ctx context.Context, params Params) (*App, error) {
	cfg := params.Config
	if cfg == nil {
		cfg = config.Default()
	}
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}
	stderr := params.Stderr
	if stderr == nil {
		stderr = os.Stderr
	}

	a := &App{Config: cfg, Redactor: security.NewRedactor()}
	for _, secret := range secrets(cfg) {
		a.Redactor.AddLiteral(secret)
	}
	a.Logger = newLogger(stderr, cfg.Telemetry, a.Redactor)

	if err := a.openAudit(); err != nil {
		return nil, err
	}
	if cfg.Telemetry.Metrics {
		a.Metrics = telemetry.NewMetrics()
	}

	tracer, shutdown, err := telemetry.SetupTracing(ctx, cfg.Telemetry.Tracing)
	if err != nil {
		_ = a.Close(ctx)
		return nil, fmt.Errorf("app: tracing: %w", err)
	}
	a.Tracer = tracer
	a.closers = append(a.closers, shutdown)

	a.Tools = params.Tools
	if a.Tools == nil {
		toolsCfg := cfg.Tools
		toolsCfg.Logger = a.Logger
		if a.Tools, err = tool.Compile(toolsCfg); err != nil {
			_ = a.Close(ctx)
			return nil, fmt.Errorf("app: tools: %w", err)
		}
	}
	return a, nil
}

// Close releases everything New and the component builders opened, in
// reverse order.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i](ctx))
	}
	a.closers = nil
	return errors.Join(errs...)
}

func (a *App) onClose(fn func(context.Context) error) {
	a.closers = append(a.closers, fn)
}

func (a *App) openAudit() error {
	path := a.Config.Telemetry.AuditPath
	if path == "" {
		a.Audit = security.NewAuditLogger(security.AuditLoggerConfig{Redactor: a.Redactor})
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("app: audit directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("app: audit log: %w", err)
	}
	a.Audit = security.NewAuditLogger(security.AuditLoggerConfig{Writer: f, Redactor: a.Redactor})
	a.onClose(func(context.Context) error { return f.Close() })
	return nil
}

// secrets lists the configured credentials the redactor must hide.
func secrets(cfg *config.Config) []string {
	out := []string{cfg.Host.Secret, cfg.Host.WorkerSecret, cfg.Worker.Secret}
	for _, p := range cfg.Model.Providers {
		key := p.APIKey
		if key == "" && p.APIKeyEnv != "" {
			key = os.Getenv(p.APIKeyEnv)
		}
		out = append(out, key)
	}
	for _, p := range cfg.Model.Anthropic {
		key := p.APIKey
		if key == "" {
			env := p.APIKeyEnv
			if env == "" {
				env = "ANTHROPIC_API_KEY"
			}
			key = os.Getenv(env)
		}
		out = append(out, key)
	}
	return out
}

func newLogger(w io.Writer, cfg config.TelemetryConfig, redactor *security.Redactor) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(cfg.LogLevel)}
	var inner slog.Handler
	if cfg.LogFormat == "json" {
		inner = slog.NewJSONHandler(w, opts)
	} else {
		inner = slog.NewTextHandler(w, opts)
	}
	return slog.New(security.NewRedactingHandler(inner, redactor))
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
