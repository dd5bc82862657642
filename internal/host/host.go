// Package host is the side of the sandbox boundary that owns the real
// tools and the approval registry. Workers call back into it for every
// tool invocation; approvers resolve parked calls through its HTTP API.
package host

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/flemzord/codeclaw/internal/approval"
	"github.com/flemzord/codeclaw/internal/bridge"
	"github.com/flemzord/codeclaw/internal/catalog"
	"github.com/flemzord/codeclaw/internal/sandbox"
	"github.com/flemzord/codeclaw/internal/security"
	"github.com/flemzord/codeclaw/internal/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var (
	ErrUnknownTool     = errors.New("unknown tool")
	ErrBadRequest      = errors.New("callId and toolPath are required")
	ErrCallMismatch    = errors.New("call id already used for another tool")
	ErrAlreadyExecuted = errors.New("approved call already executed")
	ErrApprovalExpired = errors.New("approval expired")
)

// Config configures a Host.
type Config struct {
	// Tools is the catalog used for calls that carry no bound task id.
	Tools *catalog.Table

	// Registry parks calls to tools that require approval. Nil uses an
	// in-memory registry.
	Registry *approval.Registry

	// Policy, when set, settles allowed and denied paths before anything
	// is parked. Its Next gate is not used.
	Policy *approval.PolicyGate

	RateLimiter *security.RateLimiter

	// Secret is the bearer token required on every API route. Empty
	// disables authentication.
	Secret string

	// MaxBodySize bounds request bodies.
	MaxBodySize int

	Logger  *slog.Logger
	Audit   *security.AuditLogger
	Metrics *telemetry.Metrics
	Tracer  trace.Tracer
}

// Host executes tool calls on behalf of workers.
type Host struct {
	cfg      Config
	registry *approval.Registry
	logger   *slog.Logger
	tracer   trace.Tracer

	mu    sync.RWMutex
	tasks map[string]*catalog.Table
}

// New creates a Host.
func New(cfg Config) *Host {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Tools == nil {
		cfg.Tools, _ = catalog.NewTree().Compile()
	}
	reg := cfg.Registry
	if reg == nil {
		reg = approval.NewRegistry(nil, approval.RegistryConfig{Logger: cfg.Logger})
	}
	return &Host{
		cfg:      cfg,
		registry: reg,
		logger:   cfg.Logger,
		tracer:   telemetry.Tracer(cfg.Tracer),
		tasks:    make(map[string]*catalog.Table),
	}
}

// Registry returns the approval registry.
func (h *Host) Registry() *approval.Registry {
	return h.registry
}

// Bind routes calls tagged with taskID to tools until Unbind.
func (h *Host) Bind(taskID string, tools *catalog.Table) {
	h.mu.Lock()
	h.tasks[taskID] = tools
	h.mu.Unlock()
}

// Unbind forgets a task's catalog.
func (h *Host) Unbind(taskID string) {
	h.mu.Lock()
	delete(h.tasks, taskID)
	h.mu.Unlock()
}

func (h *Host) table(taskID string) *catalog.Table {
	if taskID != "" {
		h.mu.RLock()
		tbl, ok := h.tasks[taskID]
		h.mu.RUnlock()
		if ok {
			return tbl
		}
	}
	return h.cfg.Tools
}

// HandleToolCall runs one forwarded tool call. Calls to tools that require
// approval are parked on the first request and answered pending; the
// worker re-issues the same call id once the approval is decided.
func (h *Host) HandleToolCall(ctx context.Context, req bridge.ToolCallRequest) bridge.ToolCallResult {
	ctx, span := h.tracer.Start(ctx, "host.tool_call", trace.WithAttributes(
		attribute.String("tool.path", req.ToolPath),
		attribute.String("call.id", req.CallID),
	))
	defer span.End()

	res := h.handleToolCall(ctx, req)
	kind := string(res.Kind)
	if res.OK {
		kind = "ok"
	}
	span.SetAttributes(attribute.String("result.kind", kind))
	return res
}

func (h *Host) handleToolCall(ctx context.Context, req bridge.ToolCallRequest) bridge.ToolCallResult {
	if req.CallID == "" || req.ToolPath == "" {
		return h.failed(req, "", ErrBadRequest)
	}
	entry, ok := h.table(req.TaskID).Lookup(req.ToolPath)
	if !ok {
		return h.failed(req, "", fmt.Errorf("%w: %s", ErrUnknownTool, req.ToolPath))
	}

	var input any
	if len(req.Input) > 0 {
		if err := json.Unmarshal(req.Input, &input); err != nil {
			return h.failed(req, "", fmt.Errorf("%w: %w", security.ErrInvalidJSON, err))
		}
	}
	validated, err := entry.Validate(input)
	if err != nil {
		return h.failed(req, "", err)
	}

	if !entry.Def.RequiresApproval() {
		return h.execute(ctx, req, entry, validated, approval.DecisionAuto)
	}
	if h.cfg.Policy != nil {
		switch h.cfg.Policy.Level(req.ToolPath) {
		case approval.LevelAllow:
			return h.execute(ctx, req, entry, validated, approval.DecisionApproved)
		case approval.LevelDeny:
			return h.denied(req, "denied by policy")
		}
	}
	return h.gated(ctx, req, entry, validated)
}

// gated walks the approval state of the call id.
func (h *Host) gated(ctx context.Context, req bridge.ToolCallRequest, entry *catalog.Entry, input any) bridge.ToolCallResult {
	rec, err := h.registry.Lookup(ctx, req.CallID)
	if errors.Is(err, approval.ErrNotFound) {
		return h.park(ctx, req, entry, input)
	}
	if err != nil {
		return h.failed(req, "", err)
	}
	if rec.ToolPath != req.ToolPath {
		return h.failed(req, "", fmt.Errorf("%w: %s", ErrCallMismatch, req.CallID))
	}

	switch rec.Status {
	case approval.StatusPending:
		return pending(req.CallID)
	case approval.StatusApproved:
		if err := h.registry.Consume(ctx, req.CallID); err != nil {
			return h.failed(req, approval.DecisionApproved, fmt.Errorf("%w: %s", ErrAlreadyExecuted, req.CallID))
		}
		return h.execute(ctx, req, entry, input, approval.DecisionApproved)
	case approval.StatusConsumed:
		return h.failed(req, approval.DecisionApproved, fmt.Errorf("%w: %s", ErrAlreadyExecuted, req.CallID))
	case approval.StatusDenied:
		return h.denied(req, "denied by approver")
	default:
		return h.failed(req, "", fmt.Errorf("%w: %s", ErrApprovalExpired, req.CallID))
	}
}

func (h *Host) park(ctx context.Context, req bridge.ToolCallRequest, entry *catalog.Entry, input any) bridge.ToolCallResult {
	raw, err := json.Marshal(input)
	if err != nil {
		return h.failed(req, "", err)
	}
	_, err = h.registry.Submit(ctx, approval.Request{
		CallID:   req.CallID,
		ToolPath: req.ToolPath,
		Input:    raw,
		Preview:  entry.Preview(input),
	})
	if err != nil && !errors.Is(err, approval.ErrDuplicate) {
		return h.failed(req, "", err)
	}
	h.cfg.Audit.Log(security.AuditEvent{
		Type:     security.EventApproval,
		CallID:   req.CallID,
		ToolPath: req.ToolPath,
		TaskID:   req.TaskID,
		Status:   string(approval.StatusPending),
	})
	return pending(req.CallID)
}

func (h *Host) execute(ctx context.Context, req bridge.ToolCallRequest, entry *catalog.Entry, input any, decision approval.Decision) bridge.ToolCallResult {
	if err := h.cfg.RateLimiter.Allow(req.ToolPath); err != nil {
		h.cfg.Metrics.RateLimited()
		h.cfg.Audit.Log(security.AuditEvent{
			Type:     security.EventRateLimit,
			CallID:   req.CallID,
			ToolPath: req.ToolPath,
			Detail:   err.Error(),
		})
		return h.failed(req, decision, err)
	}

	// The worker may give up on the request; the call still runs to completion.
	out, err := sandbox.RunTool(context.WithoutCancel(ctx), entry, input)
	if err != nil {
		return h.failed(req, decision, err)
	}
	raw, err := json.Marshal(out)
	if err != nil {
		return h.failed(req, decision, fmt.Errorf("tool output is not JSON-serializable: %w", err))
	}
	h.record(req, sandbox.StatusSucceeded, decision, "")
	return bridge.ToolCallResult{OK: true, Value: raw, Decision: decision}
}

func (h *Host) failed(req bridge.ToolCallRequest, decision approval.Decision, err error) bridge.ToolCallResult {
	h.record(req, sandbox.StatusFailed, decision, err.Error())
	return bridge.ToolCallResult{Kind: bridge.KindFailed, Error: err.Error(), Decision: decision}
}

func (h *Host) denied(req bridge.ToolCallRequest, reason string) bridge.ToolCallResult {
	h.record(req, sandbox.StatusDenied, approval.DecisionDenied, reason)
	return bridge.ToolCallResult{Kind: bridge.KindDenied, Error: reason, Decision: approval.DecisionDenied}
}

func pending(callID string) bridge.ToolCallResult {
	return bridge.ToolCallResult{Kind: bridge.KindPending, ApprovalID: callID}
}

func (h *Host) record(req bridge.ToolCallRequest, status sandbox.Status, decision approval.Decision, errMsg string) {
	h.cfg.Metrics.ToolCall(string(status), string(decision))
	ev := security.AuditEvent{
		Type:     security.EventToolResult,
		CallID:   req.CallID,
		ToolPath: req.ToolPath,
		TaskID:   req.TaskID,
		Decision: string(decision),
		Status:   string(status),
	}
	if errMsg != "" {
		ev.Metadata = map[string]string{"error": errMsg}
	}
	h.cfg.Audit.Log(ev)
	h.logger.Debug("host tool call",
		"call_id", req.CallID,
		"tool_path", req.ToolPath,
		"status", string(status),
		"decision", string(decision),
	)
}
