package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/flemzord/codeclaw/internal/approval"
	"github.com/flemzord/codeclaw/internal/catalog"
	"github.com/flemzord/codeclaw/internal/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Call is a validated tool invocation handed to an Invoker.
type Call struct {
	CallID    string
	ToolPath  string
	Entry     *catalog.Entry
	Input     any
	Timestamp time.Time
}

// Outcome is what an Invoker reports back. Decision is denied when the
// call did not run because of the gate; otherwise Err is set when the
// tool failed.
type Outcome struct {
	Decision approval.Decision
	Value    any
	Err      error
}

// Invoker performs the approval and execution half of a tool call.
// Implementations must not panic and must honor ctx.
type Invoker interface {
	Invoke(ctx context.Context, call Call) Outcome
}

// InvokerFunc adapts a function to Invoker.
type InvokerFunc func(ctx context.Context, call Call) Outcome

// Invoke implements Invoker.
func (f InvokerFunc) Invoke(ctx context.Context, call Call) Outcome {
	return f(ctx, call)
}

// LocalInvoker asks Gate when the tool requires approval and then runs the
// tool in-process.
type LocalInvoker struct {
	Gate    approval.Gate
	Metrics *telemetry.Metrics
	Tracer  trace.Tracer
	Logger  *slog.Logger
}

// Invoke implements Invoker.
func (l *LocalInvoker) Invoke(ctx context.Context, call Call) Outcome {
	decision := approval.DecisionAuto
	if call.Entry.Def.RequiresApproval() {
		d, err := l.approve(ctx, call)
		if err != nil {
			return Outcome{Decision: approval.DecisionDenied, Err: fmt.Errorf("approval for %s failed: %w", call.ToolPath, err)}
		}
		if d != approval.DecisionApproved {
			return Outcome{Decision: approval.DecisionDenied}
		}
		decision = approval.DecisionApproved
	}

	out, err := RunTool(ctx, call.Entry, call.Input)
	return Outcome{Decision: decision, Value: out, Err: err}
}

func (l *LocalInvoker) approve(ctx context.Context, call Call) (approval.Decision, error) {
	if l.Gate == nil {
		return approval.DecisionDenied, nil
	}
	raw, err := json.Marshal(call.Input)
	if err != nil {
		return approval.DecisionDenied, err
	}

	tracer := telemetry.Tracer(l.Tracer)
	ctx, span := tracer.Start(ctx, "approval.request", trace.WithAttributes(
		attribute.String("tool.path", call.ToolPath),
		attribute.String("call.id", call.CallID),
	))
	start := time.Now()
	d, err := l.Gate.RequestApproval(ctx, approval.Request{
		CallID:   call.CallID,
		ToolPath: call.ToolPath,
		Input:    raw,
		Preview:  call.Entry.Preview(call.Input),
	})
	outcome := string(d)
	if err != nil {
		outcome = "error"
	}
	l.Metrics.Approval(outcome, time.Since(start))
	span.SetAttributes(attribute.String("approval.decision", outcome))
	telemetry.EndSpan(span, err)
	return d, err
}

// RunTool calls the tool's run function, turning a panic into an error.
func RunTool(ctx context.Context, entry *catalog.Entry, input any) (out any, err error) {
	defer func() {
		if p := recover(); p != nil {
			out = nil
			err = fmt.Errorf("%w: %s: %v", ErrToolPanic, entry.Path, p)
		}
	}()
	return entry.Def.Run(ctx, input)
}
