package sandbox

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/flemzord/codeclaw/internal/approval"
	"github.com/flemzord/codeclaw/internal/approval/approvaltest"
	"github.com/flemzord/codeclaw/internal/catalog"
	"github.com/flemzord/codeclaw/internal/security/securitytest"
	"github.com/google/jsonschema-go/jsonschema"
)

type fixture struct {
	table   *catalog.Table
	runs    atomic.Int32
	deletes atomic.Int32
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{}

	tree := catalog.NewTree()
	tree.Namespace("math").Add("add", catalog.Definition{
		Description: "Adds two numbers.",
		Args: &jsonschema.Schema{
			Type: "object",
			Properties: map[string]*jsonschema.Schema{
				"a": {Type: "number"},
				"b": {Type: "number"},
			},
			Required: []string{"a", "b"},
		},
		Run: func(_ context.Context, input any) (any, error) {
			f.runs.Add(1)
			m := input.(map[string]any)
			return m["a"].(float64) + m["b"].(float64), nil
		},
	})
	tree.Namespace("files").Add("deleteAll", catalog.Definition{
		Approval: approval.ModeRequired,
		Run: func(_ context.Context, _ any) (any, error) {
			f.deletes.Add(1)
			return map[string]any{"deleted": 3}, nil
		},
	})
	tree.Add("sleepy", catalog.Definition{
		Run: func(ctx context.Context, input any) (any, error) {
			m, _ := input.(map[string]any)
			ms, _ := m["ms"].(float64)
			select {
			case <-time.After(time.Duration(ms) * time.Millisecond):
				return m["i"], nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		},
	})
	tree.Add("explode", catalog.Definition{
		Run: func(context.Context, any) (any, error) {
			return nil, errors.New("upstream returned 502")
		},
	})
	tree.Add("panics", catalog.Definition{
		Run: func(context.Context, any) (any, error) {
			panic("nil map")
		},
	})

	tbl, err := tree.Compile()
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	f.table = tbl
	return f
}

func run(t *testing.T, cfg Config, code string) RunResult {
	t.Helper()
	if cfg.Timeout == 0 {
		cfg.Timeout = 5 * time.Second
	}
	return New(cfg).Run(context.Background(), code)
}

func TestRun_ReturnsValue(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	res := run(t, Config{Tools: f.table}, `
		const x = await tools.math.add({ a: 1, b: 2 });
		return { sum: x };
	`)
	if !res.OK {
		t.Fatalf("run failed: %s", res.Error)
	}
	if got := res.Value.(map[string]any)["sum"]; got != float64(3) {
		t.Errorf("sum = %v, want 3", got)
	}
	if len(res.Receipts) != 1 {
		t.Fatalf("got %d receipts, want 1", len(res.Receipts))
	}
	rc := res.Receipts[0]
	if rc.Status != StatusSucceeded || rc.Decision != approval.DecisionAuto || rc.ToolPath != "math.add" {
		t.Errorf("receipt = %+v", rc)
	}
	if rc.CallID == "" || rc.Timestamp.IsZero() {
		t.Error("receipt must carry a call id and timestamp")
	}
	if rc.OutputPreview != "3" {
		t.Errorf("output preview = %q, want 3", rc.OutputPreview)
	}
}

func TestRun_ValidationFailureNeverRuns(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	res := run(t, Config{Tools: f.table}, `
		try {
			await tools.math.add({ a: "one" });
			return "unreachable";
		} catch (e) {
			return e.message;
		}
	`)
	if f.runs.Load() != 0 {
		t.Fatal("tool ran despite invalid input")
	}
	if !res.OK {
		t.Fatalf("script handled the error, run should be ok: %s", res.Error)
	}
	if msg, _ := res.Value.(string); !strings.Contains(msg, "input validation failed") {
		t.Errorf("script saw %q", msg)
	}
	if res.Receipts[0].Status != StatusFailed {
		t.Errorf("status = %q, want failed", res.Receipts[0].Status)
	}
}

func TestRun_DeniedCallReadsAsUndefined(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	gate := approvaltest.Sequence(approval.DecisionDenied)
	res := run(t, Config{Tools: f.table, Gate: gate}, `
		const r = await tools.files.deleteAll({ path: "/tmp" });
		return r === undefined;
	`)
	if f.deletes.Load() != 0 {
		t.Fatal("denied tool ran")
	}
	if res.OK {
		t.Fatal("a denied call must fail the run")
	}
	if res.Value != true {
		t.Errorf("script should see undefined, value = %v", res.Value)
	}
	if !strings.Contains(res.Error, "denied") {
		t.Errorf("error should mention the denial: %q", res.Error)
	}
	rc := res.Receipts[0]
	if rc.Status != StatusDenied || rc.Decision != approval.DecisionDenied || rc.Approval != approval.ModeRequired {
		t.Errorf("receipt = %+v", rc)
	}

	reqs := gate.Requests()
	if len(reqs) != 1 {
		t.Fatalf("gate saw %d requests", len(reqs))
	}
	if reqs[0].CallID != rc.CallID || reqs[0].Preview.Title != "Delete via files.deleteAll" || !reqs[0].Preview.IsDestructive {
		t.Errorf("request = %+v", reqs[0])
	}
}

func TestRun_ApprovalSequence(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	gate := approvaltest.Sequence(approval.DecisionApproved, approval.DecisionDenied, approval.DecisionApproved)
	res := run(t, Config{Tools: f.table, Gate: gate}, `
		const out = [];
		for (let i = 0; i < 3; i++) {
			out.push(await tools.files.deleteAll({ id: String(i) }));
		}
		return out;
	`)
	if got := f.deletes.Load(); got != 2 {
		t.Errorf("tool ran %d times, want 2", got)
	}
	want := []Status{StatusSucceeded, StatusDenied, StatusSucceeded}
	if len(res.Receipts) != 3 {
		t.Fatalf("got %d receipts", len(res.Receipts))
	}
	for i, s := range want {
		if res.Receipts[i].Status != s {
			t.Errorf("receipt %d status = %q, want %q", i, res.Receipts[i].Status, s)
		}
	}
	if res.OK {
		t.Error("run with a denial must not be ok")
	}
}

func TestRun_NilGateDeniesRequiredTools(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	res := run(t, Config{Tools: f.table}, `await tools.files.deleteAll({});`)
	if f.deletes.Load() != 0 || res.Receipts[0].Status != StatusDenied {
		t.Errorf("required tool without gate must be denied: %+v", res.Receipts)
	}
}

func TestRun_GateErrorIsDenial(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	gate := approval.GateFunc(func(context.Context, approval.Request) (approval.Decision, error) {
		return approval.DecisionDenied, approval.ErrTimeout
	})
	res := run(t, Config{Tools: f.table, Gate: gate}, `return await tools.files.deleteAll({});`)
	rc := res.Receipts[0]
	if rc.Status != StatusDenied || !strings.Contains(rc.Error, "timed out") {
		t.Errorf("receipt = %+v", rc)
	}
}

func TestRun_CapabilitiesBlocked(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	scripts := map[string]string{
		"fetch":          `await fetch("https://example.com");`,
		"process":        `return process.env.HOME;`,
		"require":        `const fs = require("fs");`,
		"timers":         `setTimeout(() => {}, 10);`,
		"dynamic import": `const m = await import("fs");`,
		"static import":  "import fs from 'fs';\nreturn 1;",
		"buffer":         `return Buffer.from("x");`,
	}
	for name, code := range scripts {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			res := run(t, Config{Tools: f.table}, code)
			if res.OK {
				t.Fatal("blocked capability should fail the run")
			}
			if !strings.Contains(res.Error, "not available in the sandbox") {
				t.Errorf("error = %q", res.Error)
			}
		})
	}
}

func TestRun_ConstructorChainStaysLocal(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	res := run(t, Config{Tools: f.table}, `
		const g = (() => {}).constructor("return this")();
		let blocked = false;
		try { g.fetch; } catch (e) { blocked = e.message.includes("not available"); }
		return { same: g.tools === tools, blocked };
	`)
	if !res.OK {
		t.Fatalf("run failed: %s", res.Error)
	}
	v := res.Value.(map[string]any)
	if v["same"] != true || v["blocked"] != true {
		t.Errorf("escaped global is not the sandbox global: %v", v)
	}
}

func TestRun_ToolsAreOpaqueAndReadOnly(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	res := run(t, Config{Tools: f.table}, `
		tools.math.add = () => 42;
		tools.extra = 1;
		return [String(tools.math.add), tools.math.add.toString(), typeof tools.extra];
	`)
	if !res.OK {
		t.Fatalf("run failed: %s", res.Error)
	}
	got := res.Value.([]any)
	if got[0] != ToolPlaceholder || got[1] != ToolPlaceholder {
		t.Errorf("stringified tool = %v", got[:2])
	}
	if got[2] != "undefined" {
		t.Error("tools object must not be extensible")
	}
}

func TestRun_TimeoutSyncLoop(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	start := time.Now()
	res := run(t, Config{Tools: f.table, Timeout: 100 * time.Millisecond}, `while (true) {}`)
	if !res.TimedOut || res.OK {
		t.Fatalf("expected timeout, got %+v", res)
	}
	if !strings.Contains(res.Error, "timed out") {
		t.Errorf("error = %q", res.Error)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("timeout took %s", elapsed)
	}
}

func TestRun_TimeoutLoopAfterAwait(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	start := time.Now()
	res := run(t, Config{Tools: f.table, Timeout: 200 * time.Millisecond}, `
		await tools.math.add({ a: 1, b: 2 });
		while (true) {}
	`)
	if !res.TimedOut || res.OK {
		t.Fatalf("expected timeout, got %+v", res)
	}
	if !strings.Contains(res.Error, "timed out") {
		t.Errorf("error = %q", res.Error)
	}
	if len(res.Receipts) != 1 || res.Receipts[0].Status != StatusSucceeded {
		t.Errorf("receipts = %+v", res.Receipts)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("timeout took %s", elapsed)
	}
}

func TestRun_TimeoutWhileAwaitingTool(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	res := run(t, Config{Tools: f.table, Timeout: 100 * time.Millisecond}, `return await tools.sleepy({ ms: 10000 });`)
	if !res.TimedOut {
		t.Fatalf("expected timeout, got %+v", res)
	}
	if len(res.Receipts) != 1 || res.Receipts[0].Status != StatusFailed {
		t.Errorf("unfinished call should have a failed receipt: %+v", res.Receipts)
	}
}

func TestRun_ReceiptOrderIsIssueOrder(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	res := run(t, Config{Tools: f.table}, `
		const calls = [];
		for (let i = 0; i < 5; i++) {
			calls.push(tools.sleepy({ i, ms: (5 - i) * 20 }));
		}
		return await Promise.all(calls);
	`)
	if !res.OK {
		t.Fatalf("run failed: %s", res.Error)
	}
	if len(res.Receipts) != 5 {
		t.Fatalf("got %d receipts", len(res.Receipts))
	}
	seen := map[string]bool{}
	for i, rc := range res.Receipts {
		want := `"i":` + string(rune('0'+i))
		if !strings.Contains(rc.InputPreview, want) {
			t.Errorf("receipt %d input = %s, want %s", i, rc.InputPreview, want)
		}
		if seen[rc.CallID] {
			t.Errorf("duplicate call id %s", rc.CallID)
		}
		seen[rc.CallID] = true
	}
}

func TestRun_ToolErrorsReachScript(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	res := run(t, Config{Tools: f.table}, `
		const msgs = [];
		for (const fn of [tools.explode, tools.panics]) {
			try { await fn(); } catch (e) { msgs.push(e.message); }
		}
		return msgs;
	`)
	if !res.OK {
		t.Fatalf("run failed: %s", res.Error)
	}
	msgs := res.Value.([]any)
	if !strings.Contains(msgs[0].(string), "upstream returned 502") {
		t.Errorf("msgs[0] = %v", msgs[0])
	}
	if !strings.Contains(msgs[1].(string), "tool panicked") {
		t.Errorf("msgs[1] = %v", msgs[1])
	}
	for _, rc := range res.Receipts {
		if rc.Status != StatusFailed || rc.Error == "" {
			t.Errorf("receipt = %+v", rc)
		}
	}
}

func TestRun_UncaughtErrors(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	tests := map[string]struct {
		code string
		want string
	}{
		"throw":       {`throw new Error("boom");`, "Error: boom"},
		"type error":  {`null.x;`, "TypeError"},
		"syntax":      {`return (;`, "SyntaxError"},
		"never":       {`await new Promise(() => {});`, "never settle"},
		"tool reject": {`await tools.explode();`, "upstream returned 502"},
	}
	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			res := run(t, Config{Tools: f.table}, tt.code)
			if res.OK || !strings.Contains(res.Error, tt.want) {
				t.Errorf("got ok=%v error=%q, want error containing %q", res.OK, res.Error, tt.want)
			}
		})
	}
}

func TestRun_ConsoleCaptured(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	res := run(t, Config{Tools: f.table, MaxLogLines: 2}, `
		console.log("hello", { a: 1 }, 2);
		console.warn("careful");
		console.log("dropped");
		return null;
	`)
	if !res.OK {
		t.Fatalf("run failed: %s", res.Error)
	}
	want := []string{`hello {"a":1} 2`, "[warn] careful", "… 1 more log lines dropped"}
	if len(res.Logs) != len(want) {
		t.Fatalf("logs = %q", res.Logs)
	}
	for i := range want {
		if res.Logs[i] != want[i] {
			t.Errorf("logs[%d] = %q, want %q", i, res.Logs[i], want[i])
		}
	}
}

func TestRun_MaxToolCalls(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	res := run(t, Config{Tools: f.table, MaxToolCalls: 2}, `
		await tools.math.add({ a: 1, b: 1 });
		await tools.math.add({ a: 1, b: 1 });
		try { await tools.math.add({ a: 1, b: 1 }); } catch (e) { return e.message; }
	`)
	if f.runs.Load() != 2 {
		t.Errorf("tool ran %d times, want 2", f.runs.Load())
	}
	if msg, _ := res.Value.(string); !strings.Contains(msg, "tool call limit") {
		t.Errorf("script saw %v", res.Value)
	}
	if len(res.Receipts) != 3 || res.Receipts[2].Status != StatusFailed {
		t.Errorf("receipts = %+v", res.Receipts)
	}
}

func TestRun_AuditAndRedaction(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	audit, events := securitytest.NewTestAuditLogger()
	redactor := securitytest.NewTestRedactor()
	redactor.AddLiteral("hunter22")

	res := run(t, Config{Tools: f.table, Audit: audit, Redactor: redactor, Gate: approval.AutoApprove}, `
		await tools.files.deleteAll({ password: "hunter22" });
	`)
	if !res.OK {
		t.Fatalf("run failed: %s", res.Error)
	}
	if strings.Contains(res.Receipts[0].InputPreview, "hunter22") {
		t.Errorf("secret leaked into receipt: %s", res.Receipts[0].InputPreview)
	}

	var types []string
	for _, ev := range events() {
		types = append(types, string(ev.Type))
	}
	if got := strings.Join(types, ","); got != "tool_call,approval,tool_result" {
		t.Errorf("audit events = %s", got)
	}
}

func TestRun_CustomInvoker(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	var seen []string
	inv := InvokerFunc(func(_ context.Context, c Call) Outcome {
		seen = append(seen, c.ToolPath)
		return Outcome{Decision: approval.DecisionApproved, Value: "remote"}
	})
	res := New(Config{Tools: f.table, Invoker: inv}).Run(context.Background(), `return await tools.files.deleteAll({});`)
	if res.Value != "remote" || f.deletes.Load() != 0 {
		t.Errorf("invoker not used: %+v", res)
	}
	if len(seen) != 1 || seen[0] != "files.deleteAll" {
		t.Errorf("seen = %v", seen)
	}
}

func TestRun_CancelledContext(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()
	res := New(Config{Tools: f.table}).Run(ctx, `await tools.sleepy({ ms: 5000 });`)
	if res.OK || res.TimedOut || !strings.Contains(res.Error, "cancelled") {
		t.Errorf("got %+v", res)
	}
}
