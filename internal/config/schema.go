// Package config handles YAML configuration loading, environment variable
// expansion, defaults and structural validation for codeclaw.
package config

import (
	"time"

	"github.com/flemzord/codeclaw/internal/approval"
	"github.com/flemzord/codeclaw/internal/security"
	"github.com/flemzord/codeclaw/internal/telemetry"
	"github.com/flemzord/codeclaw/internal/tool"
	"github.com/flemzord/codeclaw/modules/approvalstore/sqlite"
	"github.com/flemzord/codeclaw/modules/provider/anthropic"
	"github.com/flemzord/codeclaw/modules/provider/openaicompat"
)

// Config is the top-level configuration structure.
type Config struct {
	// Version is the config format version. Currently only "1" is supported.
	Version string `yaml:"version"`

	Sandbox   SandboxConfig   `yaml:"sandbox"`
	Agent     AgentConfig     `yaml:"agent"`
	Approval  ApprovalConfig  `yaml:"approval"`
	Bridge    BridgeConfig    `yaml:"bridge"`
	Host      HostConfig      `yaml:"host"`
	Worker    WorkerConfig    `yaml:"worker"`
	Model     ModelConfig     `yaml:"model"`
	Tools     tool.Config     `yaml:"tools"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Store     StoreConfig     `yaml:"store"`
}

// SandboxConfig bounds script execution.
type SandboxConfig struct {
	Timeout      time.Duration `yaml:"timeout"`
	MaxToolCalls int           `yaml:"max_tool_calls"`
	PreviewBytes int           `yaml:"preview_bytes"`
	MaxLogLines  int           `yaml:"max_log_lines"`
}

// AgentConfig controls the agent loop.
type AgentConfig struct {
	MaxCodeRuns         int           `yaml:"max_code_runs"`
	MaxTypecheckRetries int           `yaml:"max_typecheck_retries"`
	MaxTurns            int           `yaml:"max_turns"`
	DiscoveryThreshold  int           `yaml:"discovery_threshold"`
	TokenBudget         int           `yaml:"token_budget"`
	Timeout             time.Duration `yaml:"timeout"`
	PreviewBytes        int           `yaml:"preview_bytes"`
	SystemPrompt        string        `yaml:"system_prompt"`

	// Typecheck disables the pre-execution syntax and reference check
	// when false.
	Typecheck *bool `yaml:"typecheck"`
}

// ApprovalConfig configures the approval gate and registry.
type ApprovalConfig struct {
	Policy approval.Policy `yaml:"policy"`

	TTL          time.Duration `yaml:"ttl"`
	PollInterval time.Duration `yaml:"poll_interval"`
	Retention    time.Duration `yaml:"retention"`

	// SweepSchedule is the cron expression of the expiry sweep.
	SweepSchedule string `yaml:"sweep_schedule"`

	// Interactive prompts on the terminal for ask-level calls in local
	// runs. When false, or without a terminal, they are denied.
	Interactive *bool `yaml:"interactive"`
}

// BridgeConfig configures tool calls bridged from a worker to the host.
type BridgeConfig struct {
	PollInterval time.Duration `yaml:"poll_interval"`
	MaxWait      time.Duration `yaml:"max_wait"`
	Subscribe    bool          `yaml:"subscribe"`
}

// HostConfig configures the host HTTP server and task dispatch.
type HostConfig struct {
	Listen string `yaml:"listen"`

	// PublicURL is the callback URL workers use. Defaults to
	// http://<listen>.
	PublicURL string `yaml:"public_url"`
	Secret    string `yaml:"secret"`

	MaxBodySize int                      `yaml:"max_body_size"`
	RateLimit   security.RateLimitConfig `yaml:"rate_limit"`

	// WorkerURL dispatches agent scripts to a remote worker instead of the
	// local sandbox.
	WorkerURL    string        `yaml:"worker_url"`
	WorkerSecret string        `yaml:"worker_secret"`
	TaskTimeout  time.Duration `yaml:"task_timeout"`

	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// WorkerConfig configures the worker HTTP server.
type WorkerConfig struct {
	Listen      string `yaml:"listen"`
	Secret      string `yaml:"secret"`
	MaxBodySize int    `yaml:"max_body_size"`
}

// ModelConfig lists model endpoints tried in order: every OpenAI-compatible
// provider first, then every Anthropic one.
type ModelConfig struct {
	Providers []openaicompat.Config `yaml:"providers"`
	Anthropic []anthropic.Config    `yaml:"anthropic"`

	// BackoffInitial and BackoffMax bound how long a failing endpoint is
	// skipped before it is tried again.
	BackoffInitial time.Duration `yaml:"backoff_initial"`
	BackoffMax     time.Duration `yaml:"backoff_max"`
}

// TelemetryConfig configures logging, audit, metrics and tracing.
type TelemetryConfig struct {
	// LogLevel is debug, info, warn or error.
	LogLevel string `yaml:"log_level"`

	// LogFormat is text or json.
	LogFormat string `yaml:"log_format"`

	// AuditPath receives audit events as JSONL. Empty disables the file.
	AuditPath string `yaml:"audit_path"`

	Metrics bool                    `yaml:"metrics"`
	Tracing telemetry.TracingConfig `yaml:"tracing"`
}

// Store drivers.
const (
	StoreMemory = "memory"
	StoreSQLite = "sqlite"
)

// StoreConfig selects the approval store.
type StoreConfig struct {
	Driver string        `yaml:"driver"`
	SQLite sqlite.Config `yaml:"sqlite"`
}
