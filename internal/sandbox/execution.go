package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dop251/goja"
	"github.com/flemzord/codeclaw/internal/approval"
	"github.com/flemzord/codeclaw/internal/catalog"
	"github.com/flemzord/codeclaw/internal/security"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// execution is the state of one script run. Everything that touches the
// goja runtime happens on the goroutine that called run; tool goroutines
// hand their results back through jobs.
type execution struct {
	r       *Runner
	parent  context.Context
	ctx     context.Context
	cancel  context.CancelFunc
	vm      *goja.Runtime
	helpers helpers

	jobs     chan func()
	done     chan struct{}
	inflight int

	// halted is the first error raised while continuations ran inside a
	// resolver call, such as an interrupt.
	halted error

	receipts  []Receipt
	committed []bool
	calls     int

	logs        []string
	logsDropped int
}

func newExecution(parent context.Context, r *Runner, tbl *catalog.Table) (*execution, error) {
	vm := goja.New()
	h, err := loadHelpers(vm)
	if err != nil {
		return nil, fmt.Errorf("initializing runtime: %w", err)
	}
	ctx, cancel := context.WithTimeout(parent, r.cfg.Timeout)
	e := &execution{
		r:       r,
		parent:  parent,
		ctx:     ctx,
		cancel:  cancel,
		vm:      vm,
		helpers: h,
		jobs:    make(chan func(), 16),
		done:    make(chan struct{}),
	}
	for _, install := range []func() error{
		e.blockCapabilities,
		e.installConsole,
		func() error { return e.installTools(tbl) },
	} {
		if err := install(); err != nil {
			cancel()
			return nil, fmt.Errorf("initializing runtime: %w", err)
		}
	}
	return e, nil
}

func (e *execution) run(code string) RunResult {
	defer e.cancel()
	defer close(e.done)

	stop := context.AfterFunc(e.ctx, func() {
		e.vm.Interrupt(ErrTimeout)
	})
	defer stop()

	res := RunResult{}
	prg, err := goja.Compile("script.js", WrapScript(code), false)
	if err != nil {
		res.Error = "SyntaxError: " + err.Error()
		return e.result(res)
	}

	val, err := e.vm.RunProgram(prg)
	if err != nil {
		return e.result(e.failure(res, err))
	}

	promise, ok := val.Export().(*goja.Promise)
	if !ok {
		return e.result(e.settled(res, val))
	}

	for promise.State() == goja.PromiseStatePending {
		if e.halted != nil {
			return e.result(e.failure(res, e.halted))
		}
		if err := e.ctx.Err(); err != nil {
			return e.result(e.failure(res, err))
		}
		if e.inflight == 0 {
			res.Error = "script awaited a promise that can never settle"
			return e.result(res)
		}
		select {
		case job := <-e.jobs:
			job()
		case <-e.ctx.Done():
			return e.result(e.failure(res, e.ctx.Err()))
		}
	}

	if e.halted != nil {
		return e.result(e.failure(res, e.halted))
	}
	if promise.State() == goja.PromiseStateRejected {
		res.Error = errorText(e.vm, promise.Result())
		return e.result(res)
	}
	return e.result(e.settled(res, promise.Result()))
}

// failure maps a runtime error to a result.
func (e *execution) failure(res RunResult, err error) RunResult {
	var interrupted *goja.InterruptedError
	var exception *goja.Exception
	switch {
	case errors.As(err, &interrupted), errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		if e.parent.Err() != nil {
			res.Error = "execution cancelled: " + e.parent.Err().Error()
			return res
		}
		res.TimedOut = true
		res.Error = fmt.Sprintf("%s after %s", ErrTimeout, e.r.cfg.Timeout)
	case errors.As(err, &exception):
		res.Error = errorText(e.vm, exception.Value())
	default:
		res.Error = err.Error()
	}
	return res
}

// settled converts the script's return value to plain JSON data.
func (e *execution) settled(res RunResult, v goja.Value) RunResult {
	res.OK = true
	if v == nil || goja.IsUndefined(v) {
		return res
	}
	out, err := e.helpers.stringify(goja.Undefined(), v)
	if err != nil {
		res.OK = false
		res.Error = "return value is not JSON-serializable: " + err.Error()
		return res
	}
	if goja.IsUndefined(out) {
		return res
	}
	var value any
	if err := json.Unmarshal([]byte(out.String()), &value); err != nil {
		res.OK = false
		res.Error = "return value is not JSON-serializable: " + err.Error()
		return res
	}
	res.Value = value
	return res
}

func (e *execution) result(res RunResult) RunResult {
	for i, ok := range e.committed {
		if !ok {
			rc := e.receipts[i]
			rc.Status = StatusFailed
			rc.Error = ErrUnfinished.Error()
			e.receipts[i] = rc
			e.record(rc)
		}
	}
	res.Receipts = e.receipts
	if res.Receipts == nil {
		res.Receipts = []Receipt{}
	}
	res.Logs = e.logs
	if e.logsDropped > 0 {
		res.Logs = append(res.Logs, fmt.Sprintf("… %d more log lines dropped", e.logsDropped))
	}
	return finalize(res)
}

// post hands a job to the runtime goroutine, or drops it once the run is over.
func (e *execution) post(job func()) {
	select {
	case e.jobs <- job:
	case <-e.done:
	}
}

// invoke is the body of every tool stub. It runs on the runtime goroutine
// and returns a promise settled when the call completes.
func (e *execution) invoke(entry *catalog.Entry, call goja.FunctionCall) goja.Value {
	promise, resolve, reject := e.newPromise()

	mode := entry.Def.Approval
	if mode == "" {
		mode = approval.ModeAuto
	}
	rc := Receipt{
		CallID:    uuid.NewString(),
		ToolPath:  entry.Path,
		Approval:  mode,
		Timestamp: time.Now(),
	}
	if mode == approval.ModeAuto {
		rc.Decision = approval.DecisionAuto
	}

	var input any
	if arg := call.Argument(0); !goja.IsUndefined(arg) && !goja.IsNull(arg) {
		input = arg.Export()
	}
	rc.InputPreview = e.preview(input)

	idx := len(e.receipts)
	e.receipts = append(e.receipts, rc)
	e.committed = append(e.committed, false)
	e.calls++
	e.r.cfg.Audit.Log(security.AuditEvent{
		Type:     security.EventToolCall,
		CallID:   rc.CallID,
		ToolPath: rc.ToolPath,
		Detail:   rc.InputPreview,
	})

	if limit := e.r.cfg.MaxToolCalls; limit > 0 && e.calls > limit {
		err := fmt.Errorf("%w: at most %d tool calls per run", ErrToolCallLimit, limit)
		e.fail(idx, err, reject)
		return promise
	}

	validated, err := entry.Validate(input)
	if err != nil {
		e.fail(idx, err, reject)
		return promise
	}

	e.inflight++
	c := Call{CallID: rc.CallID, ToolPath: entry.Path, Entry: entry, Input: validated, Timestamp: rc.Timestamp}
	go func() {
		ctx, span := e.r.cfg.Tracer.Start(e.ctx, "sandbox.tool_call", trace.WithAttributes(
			attribute.String("tool.path", c.ToolPath),
			attribute.String("call.id", c.CallID),
		))
		out := e.r.invoker.Invoke(ctx, c)
		span.SetAttributes(attribute.String("approval.decision", string(out.Decision)))
		span.End()
		e.post(func() {
			e.inflight--
			e.settle(idx, out, resolve, reject)
		})
	}()
	return promise
}

func (e *execution) settle(idx int, out Outcome, resolve, reject goja.Callable) {
	rc := e.receipts[idx]
	if out.Decision != "" {
		rc.Decision = out.Decision
	}

	switch {
	case out.Decision == approval.DecisionDenied:
		rc.Status = StatusDenied
		if out.Err != nil {
			rc.Error = out.Err.Error()
		} else {
			rc.Error = "denied by approval gate"
		}
		e.commit(idx, rc)
		// A denied call reads as absence in the script.
		e.call(resolve, goja.Undefined())

	case out.Err != nil:
		rc.Status = StatusFailed
		rc.Error = out.Err.Error()
		e.commit(idx, rc)
		e.call(reject, e.vm.NewGoError(out.Err))

	default:
		raw, err := json.Marshal(out.Value)
		if err != nil {
			rc.Status = StatusFailed
			rc.Error = fmt.Sprintf("tool output is not JSON-serializable: %v", err)
			e.commit(idx, rc)
			e.call(reject, e.vm.NewGoError(errors.New(rc.Error)))
			return
		}
		rc.Status = StatusSucceeded
		rc.OutputPreview = e.bounded(string(raw))
		e.commit(idx, rc)
		value, err := e.helpers.parse(goja.Undefined(), e.vm.ToValue(string(raw)))
		if err != nil {
			value = goja.Undefined()
		}
		e.call(resolve, value)
	}
}

// call settles a promise. Continuations may run inside it, so an interrupt
// raised by the script surfaces here and is kept for the pump.
func (e *execution) call(fn goja.Callable, v goja.Value) {
	if _, err := fn(goja.Undefined(), v); err != nil && e.halted == nil {
		e.halted = err
	}
}

func (e *execution) fail(idx int, err error, reject goja.Callable) {
	rc := e.receipts[idx]
	rc.Status = StatusFailed
	rc.Error = err.Error()
	e.commit(idx, rc)
	e.call(reject, e.vm.NewGoError(err))
}

func (e *execution) commit(idx int, rc Receipt) {
	e.receipts[idx] = rc
	e.committed[idx] = true
	e.record(rc)
}

// record reports a final receipt to the audit log, metrics and logger.
func (e *execution) record(rc Receipt) {
	cfg := e.r.cfg
	cfg.Metrics.ToolCall(string(rc.Status), string(rc.Decision))
	if rc.Decision == approval.DecisionApproved || rc.Decision == approval.DecisionDenied {
		cfg.Audit.Log(security.AuditEvent{
			Type:     security.EventApproval,
			CallID:   rc.CallID,
			ToolPath: rc.ToolPath,
			Decision: string(rc.Decision),
		})
	}
	cfg.Audit.Log(security.AuditEvent{
		Type:     security.EventToolResult,
		CallID:   rc.CallID,
		ToolPath: rc.ToolPath,
		Decision: string(rc.Decision),
		Status:   string(rc.Status),
		Detail:   rc.OutputPreview,
		Metadata: errorMeta(rc.Error),
	})
	cfg.Logger.Debug("tool call finished",
		"call_id", rc.CallID,
		"tool_path", rc.ToolPath,
		"status", string(rc.Status),
		"decision", string(rc.Decision),
	)
}

func errorMeta(msg string) map[string]string {
	if msg == "" {
		return nil
	}
	return map[string]string{"error": msg}
}

func (e *execution) newPromise() (goja.Value, goja.Callable, goja.Callable) {
	v, err := e.helpers.newPromise(goja.Undefined())
	if err != nil {
		panic(e.vm.NewGoError(err))
	}
	arr := v.ToObject(e.vm)
	resolve, _ := goja.AssertFunction(arr.Get("1"))
	reject, _ := goja.AssertFunction(arr.Get("2"))
	return arr.Get("0"), resolve, reject
}

func (e *execution) preview(v any) string {
	if v == nil {
		return ""
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return e.bounded(string(raw))
}

func (e *execution) bounded(s string) string {
	return approval.Truncate(e.r.cfg.Redactor.Redact(s), e.r.cfg.PreviewBytes)
}
