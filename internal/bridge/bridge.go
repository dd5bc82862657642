// Package bridge carries tool calls from a sandbox running in a separate
// worker back to the host that owns the real tools and the approval
// registry.
//
// The Bridge is a sandbox.Invoker. A call the host parks for approval is
// waited on through a Waiter and re-issued once approved; every transport
// failure ends as a failed call, never as an error escaping the run.
package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/flemzord/codeclaw/internal/approval"
	"github.com/flemzord/codeclaw/internal/sandbox"
	"github.com/flemzord/codeclaw/internal/telemetry"
	retryablehttp "github.com/hashicorp/go-retryablehttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Defaults for Config.
const (
	DefaultPollInterval = time.Second
	DefaultMaxWait      = 10 * time.Minute
	DefaultRetryMax     = 2
	maxResponseBytes    = 8 << 20
)

var (
	// ErrTransport marks failures talking to the host.
	ErrTransport = errors.New("bridge transport failure")

	// ErrApprovalWait is reported when an approval is not decided within MaxWait.
	ErrApprovalWait = errors.New("approval wait exceeded")

	// ErrApprovalMissing is reported when the host no longer knows the approval.
	ErrApprovalMissing = errors.New("approval expired or missing")
)

// Config configures a Bridge.
type Config struct {
	// URL is the host base URL, the callback URL of the task.
	URL    string
	Secret string

	// TaskID is sent with every call so the host can pick the task's catalog.
	TaskID string

	// PollInterval is the status polling interval. Default 1s.
	PollInterval time.Duration

	// MaxWait caps the total time one call may spend waiting for approval.
	MaxWait time.Duration

	// Subscribe uses the host's websocket watch stream, polling when it
	// is unavailable.
	Subscribe bool

	// RetryMax is the retry count for transient failures of status
	// queries. Tool calls are sent once: a retried call could run twice.
	RetryMax int

	// Client overrides the HTTP client used for status queries. Tool calls
	// share its transport without retries.
	Client *retryablehttp.Client

	// Waiter overrides the approval waiter built from the fields above.
	Waiter Waiter

	Logger *slog.Logger
	Tracer trace.Tracer
}

// Bridge forwards tool calls to the host.
type Bridge struct {
	cfg    Config
	calls  *retryablehttp.Client
	waiter Waiter
	logger *slog.Logger
	tracer trace.Tracer
}

// New creates a Bridge.
func New(cfg Config) *Bridge {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.MaxWait <= 0 {
		cfg.MaxWait = DefaultMaxWait
	}
	if cfg.RetryMax <= 0 {
		cfg.RetryMax = DefaultRetryMax
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	cfg.URL = strings.TrimRight(cfg.URL, "/")

	client := cfg.Client
	if client == nil {
		client = retryablehttp.NewClient()
		client.RetryMax = cfg.RetryMax
		client.RetryWaitMin = 100 * time.Millisecond
		client.RetryWaitMax = 2 * time.Second
		client.Logger = nil
	}
	calls := retryablehttp.NewClient()
	calls.HTTPClient = client.HTTPClient
	calls.RetryMax = 0
	calls.Logger = nil

	waiter := cfg.Waiter
	if waiter == nil {
		poller := &Poller{BaseURL: cfg.URL, Secret: cfg.Secret, Interval: cfg.PollInterval, Client: client}
		waiter = poller
		if cfg.Subscribe {
			waiter = &Subscriber{
				BaseURL:    cfg.URL,
				Secret:     cfg.Secret,
				HTTPClient: client.HTTPClient,
				Fallback:   poller,
				Logger:     cfg.Logger,
			}
		}
	}

	return &Bridge{
		cfg:    cfg,
		calls:  calls,
		waiter: waiter,
		logger: cfg.Logger,
		tracer: telemetry.Tracer(cfg.Tracer),
	}
}

// Invoke implements sandbox.Invoker. It loops until the host gives a
// terminal answer: a value, a denial or a failure.
func (b *Bridge) Invoke(ctx context.Context, call sandbox.Call) sandbox.Outcome {
	ctx, span := b.tracer.Start(ctx, "bridge.tool_call", trace.WithAttributes(
		attribute.String("tool.path", call.ToolPath),
		attribute.String("call.id", call.CallID),
	))
	out := b.invoke(ctx, call)
	span.SetAttributes(attribute.String("approval.decision", string(out.Decision)))
	telemetry.EndSpan(span, out.Err)
	return out
}

func (b *Bridge) invoke(ctx context.Context, call sandbox.Call) sandbox.Outcome {
	input, err := json.Marshal(call.Input)
	if err != nil {
		return sandbox.Outcome{Err: fmt.Errorf("encoding input: %w", err)}
	}
	req := ToolCallRequest{TaskID: b.cfg.TaskID, CallID: call.CallID, ToolPath: call.ToolPath, Input: input}

	// One deadline for every approval wait of this call.
	deadline := time.Now().Add(b.cfg.MaxWait)

	for {
		res, err := b.callTool(ctx, req)
		if err != nil {
			b.logger.Warn("tool call transport failed", "call_id", call.CallID, "tool_path", call.ToolPath, "error", err)
			return sandbox.Outcome{Err: err}
		}

		if res.OK {
			var value any
			if len(res.Value) > 0 {
				if err := json.Unmarshal(res.Value, &value); err != nil {
					return sandbox.Outcome{Decision: res.Decision, Err: fmt.Errorf("%w: decoding value: %w", ErrTransport, err)}
				}
			}
			return sandbox.Outcome{Decision: res.Decision, Value: value}
		}

		switch res.Kind {
		case KindDenied:
			return sandbox.Outcome{Decision: approval.DecisionDenied, Err: hostError(res.Error, "denied by host")}
		case KindFailed:
			return sandbox.Outcome{Decision: res.Decision, Err: hostError(res.Error, "tool call failed on host")}
		case KindPending:
		default:
			return sandbox.Outcome{Err: fmt.Errorf("%w: unknown result kind %q", ErrTransport, res.Kind)}
		}

		id := res.ApprovalID
		if id == "" {
			id = call.CallID
		}
		status, err := b.wait(ctx, id, deadline)
		if err != nil {
			return sandbox.Outcome{Err: err}
		}
		switch status {
		case approval.StatusApproved:
			b.logger.Debug("approval granted, re-issuing tool call", "call_id", call.CallID, "approval_id", id)
		case approval.StatusDenied:
			return sandbox.Outcome{Decision: approval.DecisionDenied}
		default:
			return sandbox.Outcome{Err: fmt.Errorf("%w: %s", ErrApprovalMissing, id)}
		}
	}
}

func (b *Bridge) wait(ctx context.Context, id string, deadline time.Time) (approval.Status, error) {
	waitCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	status, err := b.waiter.Wait(waitCtx, id)
	if err == nil {
		return status, nil
	}
	if ctx.Err() != nil {
		return "", ctx.Err()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "", fmt.Errorf("%w: %s after %s", ErrApprovalWait, id, b.cfg.MaxWait)
	}
	return "", err
}

func (b *Bridge) callTool(ctx context.Context, call ToolCallRequest) (ToolCallResult, error) {
	body, err := json.Marshal(call)
	if err != nil {
		return ToolCallResult{}, err
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, b.cfg.URL+PathToolCalls, bytes.NewReader(body))
	if err != nil {
		return ToolCallResult{}, fmt.Errorf("%w: %w", ErrTransport, err)
	}
	req.Header.Set("Content-Type", "application/json")
	setAuth(req.Header, b.cfg.Secret)

	resp, err := b.calls.Do(req)
	if err != nil {
		return ToolCallResult{}, fmt.Errorf("%w: %w", ErrTransport, err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return ToolCallResult{}, fmt.Errorf("%w: reading response: %w", ErrTransport, err)
	}
	if resp.StatusCode != http.StatusOK {
		return ToolCallResult{}, fmt.Errorf("%w: host returned %s: %s", ErrTransport, resp.Status, strings.TrimSpace(string(data)))
	}

	var res ToolCallResult
	if err := json.Unmarshal(data, &res); err != nil {
		return ToolCallResult{}, fmt.Errorf("%w: decoding response: %w", ErrTransport, err)
	}
	return res, nil
}

func hostError(msg, fallback string) error {
	if msg == "" {
		msg = fallback
	}
	return errors.New(msg)
}
