// Package sandbox runs model-written scripts in an isolated JavaScript
// runtime whose only capability is the tool catalog.
//
// Every tool invocation from a script goes through the Runner: it gets a
// call id, its input is validated, approval is requested when the tool
// demands it and a receipt is recorded whatever happens. The Runner never
// returns an error; failures are reported in the RunResult.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/flemzord/codeclaw/internal/approval"
	"github.com/flemzord/codeclaw/internal/catalog"
	"github.com/flemzord/codeclaw/internal/security"
	"github.com/flemzord/codeclaw/internal/telemetry"
	"go.opentelemetry.io/otel/trace"
)

var (
	// ErrSandboxViolation is raised when a script reaches for a capability
	// outside the tool catalog.
	ErrSandboxViolation = errors.New("sandbox violation")

	// ErrTimeout is reported when a script exceeds its wall-clock budget.
	ErrTimeout = errors.New("execution timed out")

	// ErrToolCallLimit is raised in the script once MaxToolCalls is exceeded.
	ErrToolCallLimit = errors.New("tool call limit reached")

	// ErrToolPanic wraps a panic recovered from a tool's run function.
	ErrToolPanic = errors.New("tool panicked")

	// ErrUnfinished marks receipts of calls still running when the script ended.
	ErrUnfinished = errors.New("run ended before tool call completed")
)

// Defaults for Config.
const (
	DefaultTimeout      = 30 * time.Second
	DefaultPreviewBytes = 1024
	DefaultMaxLogLines  = 200
	maxLogLineBytes     = 2048
)

// Status is the final state of one tool call.
type Status string

const (
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusDenied    Status = "denied"
)

// Receipt records one tool invocation. Receipts appear in a RunResult in
// the order their calls were issued.
type Receipt struct {
	CallID        string            `json:"callId"`
	ToolPath      string            `json:"toolPath"`
	Approval      approval.Mode     `json:"approval"`
	Decision      approval.Decision `json:"decision,omitempty"`
	Status        Status            `json:"status"`
	Timestamp     time.Time         `json:"timestamp"`
	InputPreview  string            `json:"inputPreview,omitempty"`
	OutputPreview string            `json:"outputPreview,omitempty"`
	Error         string            `json:"error,omitempty"`
}

// RunResult is the outcome of one script execution.
type RunResult struct {
	OK       bool          `json:"ok"`
	Value    any           `json:"value,omitempty"`
	Error    string        `json:"error,omitempty"`
	TimedOut bool          `json:"timedOut,omitempty"`
	Receipts []Receipt     `json:"receipts"`
	Logs     []string      `json:"logs,omitempty"`
	Duration time.Duration `json:"duration"`
}

// Denied returns the receipts of denied calls.
func (r RunResult) Denied() []Receipt {
	var out []Receipt
	for _, rc := range r.Receipts {
		if rc.Status == StatusDenied {
			out = append(out, rc)
		}
	}
	return out
}

// Outcome is a short label for metrics and logs.
func (r RunResult) Outcome() string {
	switch {
	case r.TimedOut:
		return "timed_out"
	case len(r.Denied()) > 0:
		return "denied"
	case r.OK:
		return "ok"
	default:
		return "failed"
	}
}

// Config configures a Runner. Zero values take defaults.
type Config struct {
	// Tools is the catalog used by Run.
	Tools *catalog.Table

	// Timeout bounds each script's wall-clock time.
	Timeout time.Duration

	// MaxToolCalls caps tool invocations per script. Zero means unlimited.
	MaxToolCalls int

	// PreviewBytes bounds the input and output previews on receipts.
	PreviewBytes int

	// MaxLogLines bounds captured console output.
	MaxLogLines int

	// Gate decides approvals for the default local invoker. Nil denies
	// every tool that requires approval.
	Gate approval.Gate

	// Invoker replaces local execution, e.g. with the tool-call bridge.
	Invoker Invoker

	Logger   *slog.Logger
	Audit    *security.AuditLogger
	Redactor *security.Redactor
	Metrics  *telemetry.Metrics
	Tracer   trace.Tracer
}

func (c Config) withDefaults() Config {
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.PreviewBytes <= 0 {
		c.PreviewBytes = DefaultPreviewBytes
	}
	if c.MaxLogLines <= 0 {
		c.MaxLogLines = DefaultMaxLogLines
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	c.Tracer = telemetry.Tracer(c.Tracer)
	return c
}

// Runner executes scripts. It keeps no state between executions and is
// safe for concurrent use.
type Runner struct {
	cfg     Config
	invoker Invoker
}

// New creates a Runner.
func New(cfg Config) *Runner {
	cfg = cfg.withDefaults()
	inv := cfg.Invoker
	if inv == nil {
		inv = &LocalInvoker{Gate: cfg.Gate, Metrics: cfg.Metrics, Tracer: cfg.Tracer, Logger: cfg.Logger}
	}
	return &Runner{cfg: cfg, invoker: inv}
}

// Run executes code against the configured catalog.
func (r *Runner) Run(ctx context.Context, code string) RunResult {
	return r.Execute(ctx, r.cfg.Tools, code)
}

// Execute executes code with tools as the only capability.
func (r *Runner) Execute(ctx context.Context, tools *catalog.Table, code string) RunResult {
	ctx, span := r.cfg.Tracer.Start(ctx, "sandbox.run")
	start := time.Now()

	if tools == nil {
		tools, _ = catalog.NewTree().Compile()
	}
	res := r.execute(ctx, tools, code)
	res.Duration = time.Since(start)

	r.cfg.Metrics.CodeRun(res.Outcome(), res.Duration)
	r.cfg.Logger.Info("script finished",
		"outcome", res.Outcome(),
		"tool_calls", len(res.Receipts),
		"duration", res.Duration,
	)
	var spanErr error
	if !res.OK {
		spanErr = errors.New(res.Error)
	}
	telemetry.EndSpan(span, spanErr)
	return res
}

func (r *Runner) execute(ctx context.Context, tools *catalog.Table, code string) (res RunResult) {
	// The runtime must never take the host down; a panic becomes a failed run.
	defer func() {
		if p := recover(); p != nil {
			r.cfg.Logger.Error("sandbox panic", "panic", p)
			res = RunResult{Error: fmt.Sprintf("internal sandbox error: %v", p), Receipts: res.Receipts}
		}
	}()

	if err := CheckImports(code); err != nil {
		return RunResult{Error: err.Error(), Receipts: []Receipt{}}
	}

	e, err := newExecution(ctx, r, tools)
	if err != nil {
		return RunResult{Error: err.Error(), Receipts: []Receipt{}}
	}
	return e.run(code)
}

// finalize applies the denial rule: any denied receipt fails the run.
func finalize(res RunResult) RunResult {
	denied := res.Denied()
	if len(denied) == 0 {
		return res
	}
	paths := make([]string, 0, len(denied))
	for _, d := range denied {
		paths = append(paths, d.ToolPath)
	}
	note := "tool call denied: " + strings.Join(paths, ", ")
	res.OK = false
	if res.Error == "" {
		res.Error = note
	} else {
		res.Error += " (" + note + ")"
	}
	return res
}
