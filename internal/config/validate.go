package config

import (
	"errors"
	"fmt"
	"net/url"
	"slices"

	"github.com/flemzord/codeclaw/internal/cron"
)

// ErrNoConfig is returned when no configuration file is found.
var ErrNoConfig = errors.New("config: no configuration file found")

var (
	logLevels  = []string{"debug", "info", "warn", "error"}
	logFormats = []string{"text", "json"}
)

// Validate checks the structural validity of a Config. Every problem is
// reported, joined into one error.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Version == "" {
		errs = append(errs, errors.New("config: version field is required"))
	} else if cfg.Version != "1" {
		errs = append(errs, fmt.Errorf("config: unsupported version %q (supported: \"1\")", cfg.Version))
	}

	errs = append(errs, validateSandbox(cfg.Sandbox)...)
	errs = append(errs, validateAgent(cfg.Agent)...)
	errs = append(errs, validateApproval(cfg.Approval)...)
	errs = append(errs, validateHost(cfg.Host)...)
	errs = append(errs, validateModel(cfg.Model)...)
	errs = append(errs, validateTelemetry(cfg.Telemetry)...)

	switch cfg.Store.Driver {
	case StoreMemory, StoreSQLite:
	default:
		errs = append(errs, fmt.Errorf("config: store.driver must be %q or %q, got %q", StoreMemory, StoreSQLite, cfg.Store.Driver))
	}

	return errors.Join(errs...)
}

func nonNegative(field string, v int64) error {
	if v < 0 {
		return fmt.Errorf("config: %s must not be negative", field)
	}
	return nil
}

func validateSandbox(s SandboxConfig) []error {
	return compact(
		nonNegative("sandbox.timeout", int64(s.Timeout)),
		nonNegative("sandbox.max_tool_calls", int64(s.MaxToolCalls)),
		nonNegative("sandbox.preview_bytes", int64(s.PreviewBytes)),
		nonNegative("sandbox.max_log_lines", int64(s.MaxLogLines)),
	)
}

func validateAgent(a AgentConfig) []error {
	// max_typecheck_retries may be negative: it disables retries.
	return compact(
		nonNegative("agent.max_code_runs", int64(a.MaxCodeRuns)),
		nonNegative("agent.max_turns", int64(a.MaxTurns)),
		nonNegative("agent.discovery_threshold", int64(a.DiscoveryThreshold)),
		nonNegative("agent.token_budget", int64(a.TokenBudget)),
		nonNegative("agent.timeout", int64(a.Timeout)),
	)
}

func validateApproval(a ApprovalConfig) []error {
	var errs []error
	if err := a.Policy.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("config: approval.policy: %w", err))
	}
	if err := cron.ValidateSchedule(a.SweepSchedule); err != nil {
		errs = append(errs, fmt.Errorf("config: approval.sweep_schedule: %w", err))
	}
	return append(errs, compact(
		nonNegative("approval.ttl", int64(a.TTL)),
		nonNegative("approval.poll_interval", int64(a.PollInterval)),
		nonNegative("approval.retention", int64(a.Retention)),
	)...)
}

func validateHost(h HostConfig) []error {
	var errs []error
	if _, err := url.Parse(h.PublicURL); err != nil {
		errs = append(errs, fmt.Errorf("config: host.public_url: %w", err))
	}
	if h.WorkerURL != "" {
		if u, err := url.Parse(h.WorkerURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			errs = append(errs, fmt.Errorf("config: host.worker_url must be an http(s) URL, got %q", h.WorkerURL))
		}
	}
	if h.RateLimit.ToolCallsPerMin < 0 || h.RateLimit.PerToolPerMin < 0 {
		errs = append(errs, errors.New("config: host.rate_limit values must not be negative"))
	}
	return append(errs, nonNegative("host.task_timeout", int64(h.TaskTimeout)))
}

func validateModel(m ModelConfig) []error {
	var errs []error
	for i, p := range m.Providers {
		if p.BaseURL == "" {
			errs = append(errs, fmt.Errorf("config: model.providers[%d]: base_url is required", i))
		}
		if p.Model == "" {
			errs = append(errs, fmt.Errorf("config: model.providers[%d]: model is required", i))
		}
	}
	for i, a := range m.Anthropic {
		if a.MaxTokens < 0 {
			errs = append(errs, fmt.Errorf("config: model.anthropic[%d]: max_tokens must not be negative", i))
		}
	}
	if m.BackoffMax != 0 && m.BackoffMax < m.BackoffInitial {
		errs = append(errs, errors.New("config: model.backoff_max must not be below backoff_initial"))
	}
	return errs
}

func validateTelemetry(t TelemetryConfig) []error {
	var errs []error
	if !slices.Contains(logLevels, t.LogLevel) {
		errs = append(errs, fmt.Errorf("config: telemetry.log_level must be one of %v, got %q", logLevels, t.LogLevel))
	}
	if !slices.Contains(logFormats, t.LogFormat) {
		errs = append(errs, fmt.Errorf("config: telemetry.log_format must be one of %v, got %q", logFormats, t.LogFormat))
	}
	if t.Tracing.SampleRate < 0 || t.Tracing.SampleRate > 1 {
		errs = append(errs, fmt.Errorf("config: telemetry.tracing.sample_rate must be within [0, 1], got %v", t.Tracing.SampleRate))
	}
	return errs
}

func compact(errs ...error) []error {
	return slices.DeleteFunc(errs, func(err error) bool { return err == nil })
}
