package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/flemzord/codeclaw/internal/catalog"
	"github.com/flemzord/codeclaw/internal/provider"
	"github.com/flemzord/codeclaw/internal/sandbox"
	"github.com/flemzord/codeclaw/internal/telemetry"
	"github.com/flemzord/codeclaw/internal/typecheck"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Sentinel errors reported in Result.Error.
var (
	ErrModel               = errors.New("agent: model call failed")
	ErrTokenBudgetExceeded = errors.New("agent: token budget exceeded")
	ErrMaxTurns            = errors.New("agent: max turns reached")
)

const maxRunsMessage = "Maximum number of code executions (%d) reached."

// Runner executes one script against a catalog. *sandbox.Runner runs it
// in process; *host.TaskClient ships it to an isolate worker.
type Runner interface {
	Execute(ctx context.Context, tools *catalog.Table, code string) sandbox.RunResult
}

// Option configures optional Loop behavior.
type Option func(*Loop)

// WithChecker replaces the default syntax checker.
func WithChecker(c typecheck.Checker) Option {
	return func(l *Loop) { l.checker = c }
}

// WithObserver subscribes o to every Run.
func WithObserver(o Observer) Option {
	return func(l *Loop) { l.observer = o }
}

// WithLogger injects a structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Loop) { l.logger = logger }
}

// WithMetrics records agent turns.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(l *Loop) { l.metrics = m }
}

// WithTracer wraps each Run in an agent.turn span.
func WithTracer(t trace.Tracer) Option {
	return func(l *Loop) { l.tracer = t }
}

// Loop drives the model. It holds no per-run state and may serve
// concurrent Runs.
type Loop struct {
	provider provider.Provider
	runner   Runner
	tools    *catalog.Table
	cfg      Config

	checker  typecheck.Checker
	observer Observer
	logger   *slog.Logger
	metrics  *telemetry.Metrics
	tracer   trace.Tracer
}

// NewLoop creates a Loop over the given catalog.
func NewLoop(p provider.Provider, runner Runner, tools *catalog.Table, cfg Config, opts ...Option) *Loop {
	l := &Loop{
		provider: p,
		runner:   runner,
		tools:    tools,
		cfg:      cfg.withDefaults(),
		checker:  typecheck.SyntaxChecker{},
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.logger == nil {
		l.logger = slog.Default()
	}
	l.tracer = telemetry.Tracer(l.tracer)
	if l.tools == nil {
		l.tools, _ = catalog.NewTree().Compile()
	}
	return l
}

// Run answers prompt. It never returns an error: model failures, timeouts
// and limits end the run with the matching StopReason.
func (l *Loop) Run(ctx context.Context, prompt string) Result {
	return l.run(ctx, prompt, l.observer)
}

// RunStream runs in the background and streams its events. The channel is
// closed after EventCompleted; callers must drain it.
func (l *Loop) RunStream(ctx context.Context, prompt string) <-chan Event {
	ch := make(chan Event, 16)
	obs := ChannelObserver(ch)
	if l.observer != nil {
		outer := l.observer
		obs = ObserverFunc(func(e Event) {
			outer.Observe(e)
			ch <- e
		})
	}
	go func() {
		defer close(ch)
		l.run(ctx, prompt, obs)
	}()
	return ch
}

func (l *Loop) run(ctx context.Context, prompt string, obs Observer) Result {
	ctx, cancel := context.WithTimeout(ctx, l.cfg.Timeout)
	defer cancel()
	ctx, span := l.tracer.Start(ctx, "agent.turn", trace.WithAttributes(
		attribute.String("agent.model", l.provider.ModelName()),
	))

	t := &turn{
		loop:     l,
		obs:      obs,
		tracker:  newTokenTracker(l.cfg.TokenBudget),
		runs:     []CodeRun{},
		receipts: []sandbox.Receipt{},
	}
	res := t.run(ctx, prompt)

	span.SetAttributes(
		attribute.String("agent.stop_reason", string(res.StopReason)),
		attribute.Int("agent.code_runs", len(res.Runs)),
	)
	var spanErr error
	if res.Error != "" {
		spanErr = errors.New(res.Error)
	}
	telemetry.EndSpan(span, spanErr)
	l.metrics.AgentTurn(string(res.StopReason))
	l.logger.Info("agent turn finished",
		"stop_reason", res.StopReason,
		"code_runs", len(res.Runs),
		"tool_calls", len(res.Receipts),
		"turns", res.Turns,
		"total_tokens", res.Usage.TotalTokens,
	)
	t.emit(Event{Type: EventCompleted, Result: &res})
	return res
}

// turn is the state of one Run. It is owned by the Run's goroutine.
type turn struct {
	loop     *Loop
	obs      Observer
	tracker  *tokenTracker
	view     catalog.View
	messages []provider.Message
	runs     []CodeRun
	receipts []sandbox.Receipt
	turns    int
}

func (t *turn) run(ctx context.Context, prompt string) Result {
	l := t.loop
	view, err := catalog.Partition(l.tools, l.cfg.DiscoveryThreshold)
	if err != nil {
		return t.stop(StopReasonError, fmt.Errorf("building tool view: %w", err))
	}
	t.view = view
	t.messages = []provider.Message{
		{Role: provider.MessageRoleSystem, Content: systemPrompt(view.Declarations, view.Prompt, l.cfg.SystemPrompt)},
		{Role: provider.MessageRoleUser, Content: prompt},
	}

	for t.turns < l.cfg.MaxTurns {
		if err := ctx.Err(); err != nil {
			return t.stop(stopReasonFor(err), err)
		}
		if t.tracker.exceeded() {
			return t.stop(StopReasonTokenBudget, ErrTokenBudgetExceeded)
		}

		t.emit(Event{Type: EventStatus, Status: StatusThinking})
		resp, err := t.complete(ctx, t.messages)
		if err != nil {
			return t.stop(stopReasonFor(err), fmt.Errorf("%w: %w", ErrModel, err))
		}
		t.turns++

		if len(resp.ToolCalls) == 0 {
			t.emit(Event{Type: EventAgentMessage, Message: resp.Content})
			return t.finish(StopReasonComplete, resp.Content)
		}
		if resp.Content != "" {
			t.emit(Event{Type: EventAgentMessage, Message: resp.Content})
		}

		idx := len(t.messages)
		t.messages = append(t.messages, provider.Message{
			Role:      provider.MessageRoleAssistant,
			Content:   resp.Content,
			ToolCalls: slices.Clone(resp.ToolCalls),
		})

		for i, call := range resp.ToolCalls {
			if call.Name != RunCodeTool {
				t.reply(call.ID, fmt.Sprintf("Error: unknown tool %q. The only available tool is %s.", call.Name, RunCodeTool))
				continue
			}
			code, err := parseRunCode(call.Arguments)
			if err != nil {
				t.reply(call.ID, "Error: "+err.Error())
				continue
			}

			run := t.execute(ctx, t.messages[:idx], resp.Content, call, code)
			t.messages[idx].ToolCalls[i].Arguments = runCodeArguments(run.Code)
			t.reply(call.ID, summarize(run, l.cfg.PreviewBytes))

			if len(t.runs) >= l.cfg.MaxCodeRuns {
				return t.finish(StopReasonMaxCodeRuns, fmt.Sprintf(maxRunsMessage, l.cfg.MaxCodeRuns))
			}
		}
	}
	return t.stop(StopReasonMaxTurns, ErrMaxTurns)
}

// execute typechecks code, asks the model for fixes in a scratch
// conversation and runs the last version.
func (t *turn) execute(ctx context.Context, history []provider.Message, content string, call provider.ToolCall, code string) CodeRun {
	l := t.loop
	t.emit(Event{Type: EventCodeGenerated, Code: code})
	run := CodeRun{}
	diags := t.check(ctx, code)

	scratch := append(slices.Clone(history), provider.Message{
		Role:      provider.MessageRoleAssistant,
		Content:   content,
		ToolCalls: []provider.ToolCall{{ID: call.ID, Name: RunCodeTool, Arguments: runCodeArguments(code)}},
	})
	callID := call.ID
	for len(diags) > 0 && run.TypecheckRetries < l.cfg.MaxTypecheckRetries && ctx.Err() == nil {
		scratch = append(scratch, provider.Message{
			Role:       provider.MessageRoleTool,
			ToolCallID: callID,
			Content:    "Typecheck failed:\n" + typecheck.Format(diags) + "\nFix the code and call run_code again.",
		})
		run.TypecheckRetries++
		resp, err := t.complete(ctx, scratch)
		if err != nil {
			l.logger.Warn("typecheck fix request failed", "error", err)
			break
		}
		next, ok := firstRunCode(resp.ToolCalls)
		if !ok {
			break
		}
		fixed, err := parseRunCode(next.Arguments)
		if err != nil {
			break
		}
		code, callID = fixed, next.ID
		scratch = append(scratch, provider.Message{
			Role:      provider.MessageRoleAssistant,
			Content:   resp.Content,
			ToolCalls: []provider.ToolCall{next},
		})
		t.emit(Event{Type: EventCodeGenerated, Code: code})
		diags = t.check(ctx, code)
	}

	t.emit(Event{Type: EventStatus, Status: StatusExecuting})
	run.Code = code
	run.Diagnostics = diags
	run.Result = l.runner.Execute(ctx, t.view.Sandbox, code)
	t.runs = append(t.runs, run)
	t.receipts = append(t.receipts, run.Result.Receipts...)
	t.emit(Event{Type: EventToolResult, Run: &run})
	return run
}

func (t *turn) check(ctx context.Context, code string) []typecheck.Diagnostic {
	t.emit(Event{Type: EventStatus, Status: StatusTypechecking})
	diags, err := t.loop.checker.Check(ctx, code, t.view.Declarations)
	if err != nil {
		t.loop.logger.Warn("typecheck unavailable, running unchecked", "error", err)
		return nil
	}
	return diags
}

func (t *turn) complete(ctx context.Context, messages []provider.Message) (resp provider.Response, err error) {
	defer func() {
		if p := recover(); p != nil {
			t.loop.logger.Error("model call panicked", "panic", p)
			resp, err = provider.Response{}, fmt.Errorf("%w: panic: %v", provider.ErrProviderDown, p)
		}
	}()
	resp, err = t.loop.provider.Complete(ctx, provider.Request{
		Messages: messages,
		Tools:    []provider.ToolDefinition{runCodeDefinition()},
	})
	if err != nil {
		return provider.Response{}, err
	}
	t.tracker.add(resp.Usage)
	return resp, nil
}

func (t *turn) reply(callID, content string) {
	t.messages = append(t.messages, provider.Message{
		Role:       provider.MessageRoleTool,
		ToolCallID: callID,
		Content:    content,
	})
}

func (t *turn) emit(e Event) {
	if t.obs != nil {
		t.obs.Observe(e)
	}
}

func (t *turn) finish(reason StopReason, text string) Result {
	return Result{
		Text:       text,
		Runs:       t.runs,
		Receipts:   t.receipts,
		Usage:      t.tracker.usage,
		Turns:      t.turns,
		StopReason: reason,
	}
}

// stop ends the run early. Text explains why for people; Error keeps the
// raw cause.
func (t *turn) stop(reason StopReason, err error) Result {
	res := t.finish(reason, "The run stopped: "+err.Error())
	res.Error = err.Error()
	return res
}

func firstRunCode(calls []provider.ToolCall) (provider.ToolCall, bool) {
	for _, c := range calls {
		if c.Name == RunCodeTool {
			return c, true
		}
	}
	return provider.ToolCall{}, false
}

func stopReasonFor(err error) StopReason {
	if errors.Is(err, context.DeadlineExceeded) {
		return StopReasonTimeout
	}
	return StopReasonError
}
