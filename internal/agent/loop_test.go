package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/flemzord/codeclaw/internal/approval"
	"github.com/flemzord/codeclaw/internal/catalog"
	"github.com/flemzord/codeclaw/internal/provider"
	"github.com/flemzord/codeclaw/internal/provider/providertest"
	"github.com/flemzord/codeclaw/internal/sandbox"
	"github.com/flemzord/codeclaw/internal/typecheck"
	"github.com/google/jsonschema-go/jsonschema"
)

func testTools(t *testing.T) *catalog.Table {
	t.Helper()
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
			m := input.(map[string]any)
			return m["a"].(float64) + m["b"].(float64), nil
		},
	})
	tree.Namespace("files").Add("delete", catalog.Definition{
		Approval: approval.ModeRequired,
		Run: func(context.Context, any) (any, error) {
			return "deleted", nil
		},
	})
	tbl, err := tree.Compile()
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	return tbl
}

// fakeRunner records scripts instead of running them.
type fakeRunner struct {
	mu     sync.Mutex
	codes  []string
	tables []*catalog.Table
}

func (f *fakeRunner) Execute(_ context.Context, tools *catalog.Table, code string) sandbox.RunResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.codes = append(f.codes, code)
	f.tables = append(f.tables, tools)
	return sandbox.RunResult{OK: true, Value: len(f.codes), Receipts: []sandbox.Receipt{}}
}

func runCode(id, code string) provider.Response {
	return providertest.Call(id, RunCodeTool, string(runCodeArguments(code)))
}

func lastMessage(req provider.Request) provider.Message {
	return req.Messages[len(req.Messages)-1]
}

func noop(context.Context, any) (any, error) { return nil, nil }

var alwaysFails = typecheck.CheckerFunc(func(context.Context, string, string) ([]typecheck.Diagnostic, error) {
	return []typecheck.Diagnostic{{Line: 1, Column: 1, Message: "nope"}}, nil
})

func TestRun_TextResponse(t *testing.T) {
	t.Parallel()

	p := providertest.Script(providertest.Text("hello world"))
	res := NewLoop(p, &fakeRunner{}, testTools(t), Config{}).Run(context.Background(), "hi")

	if res.StopReason != StopReasonComplete || res.Text != "hello world" {
		t.Errorf("result = %+v", res)
	}
	if res.Turns != 1 || len(res.Runs) != 0 || res.Receipts == nil {
		t.Errorf("turns = %d, runs = %d, receipts = %v", res.Turns, len(res.Runs), res.Receipts)
	}

	req := p.Requests()[0]
	if len(req.Tools) != 1 || req.Tools[0].Name != RunCodeTool {
		t.Errorf("tools = %+v", req.Tools)
	}
	sys := req.Messages[0]
	if sys.Role != provider.MessageRoleSystem || !strings.Contains(sys.Content, "add(input: { a: number; b: number }): Promise<unknown>;") {
		t.Errorf("system prompt = %q", sys.Content)
	}
	if req.Messages[1].Content != "hi" {
		t.Errorf("user message = %+v", req.Messages[1])
	}
}

func TestRun_ExecutesAndFeedsBackReceipts(t *testing.T) {
	t.Parallel()

	p := providertest.Script(
		runCode("c1", `const s = await tools.math.add({ a: 1, b: 2 }); console.log("s", s); return s;`),
		providertest.Text("the sum is 3"),
	)
	runner := sandbox.New(sandbox.Config{})
	res := NewLoop(p, runner, testTools(t), Config{}).Run(context.Background(), "add 1 and 2")

	if res.StopReason != StopReasonComplete || res.Text != "the sum is 3" {
		t.Fatalf("result = %+v", res)
	}
	if len(res.Runs) != 1 || len(res.Receipts) != 1 {
		t.Fatalf("runs = %d, receipts = %d", len(res.Runs), len(res.Receipts))
	}

	msg := lastMessage(p.Requests()[1])
	if msg.Role != provider.MessageRoleTool || msg.ToolCallID != "c1" {
		t.Fatalf("tool message = %+v", msg)
	}
	for _, want := range []string{`[OK] math.add({"a":1,"b":2}) → 3`, "Return value: 3", "Console:\ns 3"} {
		if !strings.Contains(msg.Content, want) {
			t.Errorf("summary %q missing %q", msg.Content, want)
		}
	}
}

func TestRun_DeniedCallIsReported(t *testing.T) {
	t.Parallel()

	p := providertest.Script(
		runCode("c1", `const r = await tools.files.delete({ id: "1" }); return r === undefined;`),
		providertest.Text("could not delete"),
	)
	runner := sandbox.New(sandbox.Config{})
	res := NewLoop(p, runner, testTools(t), Config{}).Run(context.Background(), "delete it")

	if res.Runs[0].Result.OK {
		t.Error("denied run must not be ok")
	}
	if res.Receipts[0].Status != sandbox.StatusDenied {
		t.Errorf("receipt = %+v", res.Receipts[0])
	}
	summary := lastMessage(p.Requests()[1]).Content
	if !strings.Contains(summary, `[DENIED] files.delete({"id":"1"})`) || !strings.Contains(summary, "Error: tool call denied: files.delete") {
		t.Errorf("summary = %q", summary)
	}
}

func TestRun_UnknownToolIsNotCounted(t *testing.T) {
	t.Parallel()

	p := providertest.Script(
		providertest.Call("c1", "web_search", `{"q":"x"}`),
		runCode("c2", "return 1"),
		providertest.Text("done"),
	)
	runner := &fakeRunner{}
	res := NewLoop(p, runner, testTools(t), Config{MaxCodeRuns: 1}).Run(context.Background(), "go")

	if res.StopReason != StopReasonMaxCodeRuns || len(res.Runs) != 1 {
		t.Fatalf("result = %+v", res)
	}
	msg := lastMessage(p.Requests()[1])
	if msg.ToolCallID != "c1" || !strings.Contains(msg.Content, `unknown tool "web_search"`) {
		t.Errorf("tool message = %+v", msg)
	}
}

func TestRun_InvalidArguments(t *testing.T) {
	t.Parallel()

	p := providertest.Script(
		providertest.Call("c1", RunCodeTool, `{"code":""}`),
		providertest.Text("ok"),
	)
	runner := &fakeRunner{}
	res := NewLoop(p, runner, testTools(t), Config{}).Run(context.Background(), "go")

	if len(runner.codes) != 0 || res.StopReason != StopReasonComplete {
		t.Errorf("result = %+v, runs = %d", res, len(runner.codes))
	}
	if msg := lastMessage(p.Requests()[1]); !strings.Contains(msg.Content, "non-empty") {
		t.Errorf("tool message = %q", msg.Content)
	}
}

func TestRun_MaxCodeRuns(t *testing.T) {
	t.Parallel()

	p := providertest.Script(
		runCode("c1", "return 1"),
		runCode("c2", "return 2"),
		runCode("c3", "return 3"),
		providertest.Text("never"),
	)
	runner := &fakeRunner{}
	res := NewLoop(p, runner, testTools(t), Config{MaxCodeRuns: 2}).Run(context.Background(), "go")

	if res.StopReason != StopReasonMaxCodeRuns {
		t.Fatalf("stop = %s", res.StopReason)
	}
	if res.Text != "Maximum number of code executions (2) reached." {
		t.Errorf("text = %q", res.Text)
	}
	if len(runner.codes) != 2 || p.Calls() != 2 {
		t.Errorf("runs = %d, model calls = %d", len(runner.codes), p.Calls())
	}
}

func TestRun_TypecheckRetriesExactlyN(t *testing.T) {
	t.Parallel()

	p := providertest.Script(
		runCode("c1", "return v0"),
		runCode("f1", "return v1"),
		runCode("f2", "return v2"),
		runCode("f3", "return v3"),
		providertest.Text("gave up"),
	)
	runner := &fakeRunner{}
	loop := NewLoop(p, runner, testTools(t), Config{}, WithChecker(alwaysFails))
	res := loop.Run(context.Background(), "go")

	if p.Calls() != 5 {
		t.Fatalf("model calls = %d, want 1 + 3 fixes + 1", p.Calls())
	}
	run := res.Runs[0]
	if run.TypecheckRetries != DefaultMaxTypecheckRetries || run.Code != "return v3" || len(run.Diagnostics) != 1 {
		t.Errorf("run = %+v", run)
	}
	if len(runner.codes) != 1 || runner.codes[0] != "return v3" {
		t.Errorf("executed = %q", runner.codes)
	}

	reqs := p.Requests()
	fix := lastMessage(reqs[1])
	if fix.ToolCallID != "c1" || !strings.HasPrefix(fix.Content, "Typecheck failed:\n1:1: nope") {
		t.Errorf("first fix request = %+v", fix)
	}
	if fix := lastMessage(reqs[3]); fix.ToolCallID != "f2" {
		t.Errorf("third fix request answers %q, want f2", fix.ToolCallID)
	}

	final := reqs[4]
	for _, m := range final.Messages {
		if strings.HasPrefix(m.Content, "Typecheck failed") {
			t.Error("fix requests leaked into the main conversation")
		}
	}
	if got := lastMessage(final).Content; !strings.HasPrefix(got, "Typecheck errors (the code ran anyway):\n1:1: nope") {
		t.Errorf("tool message = %q", got)
	}
}

func TestRun_TypecheckFixed(t *testing.T) {
	t.Parallel()

	checker := typecheck.CheckerFunc(func(_ context.Context, code, _ string) ([]typecheck.Diagnostic, error) {
		if strings.Contains(code, "bad") {
			return []typecheck.Diagnostic{{Message: "bad code"}}, nil
		}
		return nil, nil
	})
	p := providertest.Script(
		runCode("c1", "return bad"),
		runCode("f1", "return good"),
		providertest.Text("ok"),
	)
	runner := &fakeRunner{}
	res := NewLoop(p, runner, testTools(t), Config{}, WithChecker(checker)).Run(context.Background(), "go")

	run := res.Runs[0]
	if run.TypecheckRetries != 1 || run.Code != "return good" || len(run.Diagnostics) != 0 {
		t.Errorf("run = %+v", run)
	}

	// The main conversation shows the code that actually ran.
	final := p.Requests()[2]
	assistant := final.Messages[len(final.Messages)-2]
	if assistant.Role != provider.MessageRoleAssistant || !strings.Contains(string(assistant.ToolCalls[0].Arguments), "return good") {
		t.Errorf("assistant message = %+v", assistant)
	}
}

func TestRun_TypecheckDisabledRetries(t *testing.T) {
	t.Parallel()

	p := providertest.Script(runCode("c1", "return 1"), providertest.Text("ok"))
	runner := &fakeRunner{}
	res := NewLoop(p, runner, testTools(t), Config{MaxTypecheckRetries: -1}, WithChecker(alwaysFails)).Run(context.Background(), "go")

	if p.Calls() != 2 || res.Runs[0].TypecheckRetries != 0 {
		t.Errorf("calls = %d, run = %+v", p.Calls(), res.Runs[0])
	}
}

func TestRun_CheckerErrorRunsUnchecked(t *testing.T) {
	t.Parallel()

	broken := typecheck.CheckerFunc(func(context.Context, string, string) ([]typecheck.Diagnostic, error) {
		return nil, errors.New("checker crashed")
	})
	p := providertest.Script(runCode("c1", "return 1"), providertest.Text("ok"))
	runner := &fakeRunner{}
	res := NewLoop(p, runner, testTools(t), Config{}, WithChecker(broken)).Run(context.Background(), "go")

	if len(runner.codes) != 1 || len(res.Runs[0].Diagnostics) != 0 {
		t.Errorf("result = %+v", res)
	}
}

func TestRun_ModelErrorIsTerminal(t *testing.T) {
	t.Parallel()

	p := &providertest.MockProvider{
		CompleteFunc: func(context.Context, provider.Request) (provider.Response, error) {
			return provider.Response{}, fmt.Errorf("503: %w", provider.ErrProviderDown)
		},
	}
	res := NewLoop(p, &fakeRunner{}, testTools(t), Config{}).Run(context.Background(), "go")

	if res.StopReason != StopReasonError || !strings.Contains(res.Error, "model call failed") {
		t.Errorf("result = %+v", res)
	}
	if !strings.HasPrefix(res.Text, "The run stopped: ") || !strings.Contains(res.Text, "provider unavailable") {
		t.Errorf("text = %q", res.Text)
	}
}

func TestRun_ModelPanicIsTerminal(t *testing.T) {
	t.Parallel()

	p := &providertest.MockProvider{
		CompleteFunc: func(context.Context, provider.Request) (provider.Response, error) {
			panic("sdk bug")
		},
	}
	res := NewLoop(p, &fakeRunner{}, testTools(t), Config{}).Run(context.Background(), "go")

	if res.StopReason != StopReasonError {
		t.Errorf("stop = %s, want error", res.StopReason)
	}
	if !strings.Contains(res.Error, "sdk bug") || !strings.Contains(res.Text, "sdk bug") {
		t.Errorf("result = %+v", res)
	}
}

func TestRun_Timeout(t *testing.T) {
	t.Parallel()

	p := &providertest.MockProvider{
		CompleteFunc: func(ctx context.Context, _ provider.Request) (provider.Response, error) {
			<-ctx.Done()
			return provider.Response{}, ctx.Err()
		},
	}
	res := NewLoop(p, &fakeRunner{}, testTools(t), Config{Timeout: 50 * time.Millisecond}).Run(context.Background(), "go")

	if res.StopReason != StopReasonTimeout {
		t.Errorf("stop = %s, want timeout", res.StopReason)
	}
}

func TestRun_TokenBudget(t *testing.T) {
	t.Parallel()

	first := runCode("c1", "return 1")
	first.Usage = provider.TokenUsage{TotalTokens: 100}
	p := providertest.Script(first, providertest.Text("never"))
	res := NewLoop(p, &fakeRunner{}, testTools(t), Config{TokenBudget: 50}).Run(context.Background(), "go")

	if res.StopReason != StopReasonTokenBudget || res.Usage.TotalTokens != 100 {
		t.Errorf("result = %+v", res)
	}
}

func TestRun_Discovery(t *testing.T) {
	t.Parallel()

	tree := catalog.NewTree()
	crm := tree.Namespace("crm")
	for i := range 5 {
		crm.Add(fmt.Sprintf("op%d", i), catalog.Definition{Run: noop})
	}
	tree.Namespace("math").Add("add", catalog.Definition{Run: noop})
	tbl, err := tree.Compile()
	if err != nil {
		t.Fatal(err)
	}

	p := providertest.Script(runCode("c1", "return 1"), providertest.Text("ok"))
	runner := &fakeRunner{}
	NewLoop(p, runner, tbl, Config{DiscoveryThreshold: 3}).Run(context.Background(), "go")

	sys := p.Requests()[0].Messages[0].Content
	if !strings.Contains(sys, "crm: Record<string, any>;") || !strings.Contains(sys, "tools.discover") {
		t.Errorf("system prompt = %q", sys)
	}
	sandboxView := runner.tables[0]
	if _, ok := sandboxView.Lookup(catalog.DiscoverName); !ok {
		t.Error("sandbox view lacks discover")
	}
	if _, ok := sandboxView.Lookup("crm.op4"); !ok {
		t.Error("sandbox view must keep the full catalog")
	}
}

func TestRun_Events(t *testing.T) {
	t.Parallel()

	var (
		mu     sync.Mutex
		events []Event
	)
	obs := ObserverFunc(func(e Event) {
		mu.Lock()
		events = append(events, e)
		mu.Unlock()
	})
	p := providertest.Script(runCode("c1", "return 1"), providertest.Text("done"))
	NewLoop(p, &fakeRunner{}, testTools(t), Config{}, WithObserver(obs)).Run(context.Background(), "go")

	want := []string{
		"status:thinking",
		"code_generated",
		"status:typechecking",
		"status:executing",
		"tool_result",
		"status:thinking",
		"agent_message",
		"completed",
	}
	var got []string
	for _, e := range events {
		label := string(e.Type)
		if e.Status != "" {
			label += ":" + e.Status
		}
		got = append(got, label)
	}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("events = %v\nwant %v", got, want)
	}
	if last := events[len(events)-1]; last.Result == nil || last.Result.Text != "done" {
		t.Errorf("completed event = %+v", last)
	}
}

func TestRunStream(t *testing.T) {
	t.Parallel()

	p := providertest.Script(runCode("c1", "return 1"), providertest.Text("done"))
	ch := NewLoop(p, &fakeRunner{}, testTools(t), Config{}).RunStream(context.Background(), "go")

	var last Event
	var results int
	for e := range ch {
		if e.Type == EventToolResult {
			results++
		}
		last = e
	}
	if results != 1 || last.Type != EventCompleted || last.Result.StopReason != StopReasonComplete {
		t.Errorf("results = %d, last = %+v", results, last)
	}
}
