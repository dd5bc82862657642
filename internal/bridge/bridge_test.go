package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/flemzord/codeclaw/internal/approval"
	"github.com/flemzord/codeclaw/internal/catalog"
	"github.com/flemzord/codeclaw/internal/sandbox"
	retryablehttp "github.com/hashicorp/go-retryablehttp"
)

// fakeHost parks every call to a required tool until statuses runs out,
// then answers the re-issued call.
type fakeHost struct {
	mu         sync.Mutex
	posts      int
	executions int
	statuses   []approval.Status
	approved   bool
	auth       []string
}

func (h *fakeHost) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /tool-calls", func(w http.ResponseWriter, r *http.Request) {
		var req ToolCallRequest
		_ = json.NewDecoder(r.Body).Decode(&req)

		h.mu.Lock()
		h.posts++
		h.auth = append(h.auth, r.Header.Get("Authorization"))
		approved := h.approved
		if approved {
			h.executions++
		}
		h.mu.Unlock()

		var res ToolCallResult
		if approved {
			res = ToolCallResult{OK: true, Value: req.Input, Decision: approval.DecisionApproved}
		} else {
			res = ToolCallResult{Kind: KindPending, ApprovalID: req.CallID}
		}
		_ = json.NewEncoder(w).Encode(res)
	})
	mux.HandleFunc("GET /approvals/{id}", func(w http.ResponseWriter, r *http.Request) {
		h.mu.Lock()
		status := approval.StatusPending
		if len(h.statuses) > 0 {
			status = h.statuses[0]
			h.statuses = h.statuses[1:]
		}
		if status == approval.StatusApproved {
			h.approved = true
		}
		h.mu.Unlock()
		_ = json.NewEncoder(w).Encode(StatusResponse{ApprovalID: r.PathValue("id"), Status: status})
	})
	return mux
}

func (h *fakeHost) counts() (posts, executions int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.posts, h.executions
}

func testClient() *retryablehttp.Client {
	c := retryablehttp.NewClient()
	c.RetryMax = 0
	c.Logger = nil
	return c
}

func testCall(path string, input any) sandbox.Call {
	return sandbox.Call{CallID: "call-1", ToolPath: path, Input: input, Timestamp: time.Now()}
}

func TestInvoke_PendingThenApprovedRunsOnce(t *testing.T) {
	t.Parallel()

	host := &fakeHost{statuses: []approval.Status{approval.StatusPending, approval.StatusApproved}}
	srv := httptest.NewServer(host.handler())
	defer srv.Close()

	b := New(Config{URL: srv.URL, Secret: "s3cret", PollInterval: 10 * time.Millisecond, Client: testClient()})
	out := b.Invoke(context.Background(), testCall("files.delete", map[string]any{"id": "a"}))

	if out.Err != nil {
		t.Fatalf("unexpected error: %v", out.Err)
	}
	if out.Decision != approval.DecisionApproved {
		t.Errorf("decision = %q, want approved", out.Decision)
	}
	if m, _ := out.Value.(map[string]any); m["id"] != "a" {
		t.Errorf("value = %v", out.Value)
	}
	posts, execs := host.counts()
	if posts != 2 || execs != 1 {
		t.Errorf("posts = %d, executions = %d; want 2 and 1", posts, execs)
	}
	for _, a := range host.auth {
		if a != "Bearer s3cret" {
			t.Errorf("authorization = %q", a)
		}
	}
}

func TestInvoke_PendingAgainAfterApproval(t *testing.T) {
	t.Parallel()

	var (
		mu             sync.Mutex
		posts, queries int
	)
	mux := http.NewServeMux()
	mux.HandleFunc("POST /tool-calls", func(w http.ResponseWriter, r *http.Request) {
		var req ToolCallRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		mu.Lock()
		posts++
		n := posts
		mu.Unlock()

		res := ToolCallResult{Kind: KindPending, ApprovalID: req.CallID}
		if n == 3 {
			res = ToolCallResult{OK: true, Value: json.RawMessage(`42`), Decision: approval.DecisionApproved}
		}
		_ = json.NewEncoder(w).Encode(res)
	})
	mux.HandleFunc("GET /approvals/{id}", func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		queries++
		mu.Unlock()
		_ = json.NewEncoder(w).Encode(StatusResponse{ApprovalID: r.PathValue("id"), Status: approval.StatusApproved})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	b := New(Config{URL: srv.URL, PollInterval: 10 * time.Millisecond, Client: testClient()})
	out := b.Invoke(context.Background(), testCall("files.delete", nil))

	if out.Err != nil || out.Decision != approval.DecisionApproved || out.Value != float64(42) {
		t.Fatalf("outcome = %+v", out)
	}
	mu.Lock()
	defer mu.Unlock()
	if posts != 3 || queries != 2 {
		t.Errorf("posts = %d, status queries = %d; want 3 and 2", posts, queries)
	}
}

func TestInvoke_ToolCallIsNotRetried(t *testing.T) {
	t.Parallel()

	var posts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		posts.Add(1)
		// Drop the connection as if the response were lost after the tool ran.
		conn, _, err := w.(http.Hijacker).Hijack()
		if err == nil {
			_ = conn.Close()
		}
	}))
	defer srv.Close()

	out := New(Config{URL: srv.URL, RetryMax: 2}).Invoke(context.Background(), testCall("files.delete", nil))
	if !errors.Is(out.Err, ErrTransport) {
		t.Errorf("err = %v, want ErrTransport", out.Err)
	}
	if got := posts.Load(); got != 1 {
		t.Errorf("tool call sent %d times, want 1", got)
	}
}

func TestInvoke_PendingThenDeniedNeverRuns(t *testing.T) {
	t.Parallel()

	host := &fakeHost{statuses: []approval.Status{approval.StatusDenied}}
	srv := httptest.NewServer(host.handler())
	defer srv.Close()

	b := New(Config{URL: srv.URL, PollInterval: 10 * time.Millisecond, Client: testClient()})
	out := b.Invoke(context.Background(), testCall("files.delete", nil))

	if out.Decision != approval.DecisionDenied {
		t.Errorf("decision = %q, want denied", out.Decision)
	}
	if posts, execs := host.counts(); posts != 1 || execs != 0 {
		t.Errorf("posts = %d, executions = %d; want 1 and 0", posts, execs)
	}
}

func TestInvoke_MissingApproval(t *testing.T) {
	t.Parallel()

	host := &fakeHost{statuses: []approval.Status{approval.StatusMissing}}
	srv := httptest.NewServer(host.handler())
	defer srv.Close()

	out := New(Config{URL: srv.URL, PollInterval: 10 * time.Millisecond, Client: testClient()}).
		Invoke(context.Background(), testCall("files.delete", nil))
	if !errors.Is(out.Err, ErrApprovalMissing) {
		t.Errorf("err = %v, want ErrApprovalMissing", out.Err)
	}
}

func TestInvoke_WaitCeiling(t *testing.T) {
	t.Parallel()

	host := &fakeHost{}
	srv := httptest.NewServer(host.handler())
	defer srv.Close()

	start := time.Now()
	out := New(Config{URL: srv.URL, PollInterval: 10 * time.Millisecond, MaxWait: 80 * time.Millisecond, Client: testClient()}).
		Invoke(context.Background(), testCall("files.delete", nil))
	if !errors.Is(out.Err, ErrApprovalWait) {
		t.Fatalf("err = %v, want ErrApprovalWait", out.Err)
	}
	if time.Since(start) > 2*time.Second {
		t.Error("wait ceiling not enforced")
	}
	if out.Decision == approval.DecisionDenied {
		t.Error("a wait timeout is a failure, not a denial")
	}
}

func TestInvoke_HostResults(t *testing.T) {
	t.Parallel()

	tests := map[string]struct {
		res      ToolCallResult
		decision approval.Decision
		errText  string
		value    any
	}{
		"ok":     {res: ToolCallResult{OK: true, Value: json.RawMessage(`42`), Decision: approval.DecisionAuto}, decision: approval.DecisionAuto, value: float64(42)},
		"denied": {res: ToolCallResult{Kind: KindDenied, Error: "policy denies files.delete"}, decision: approval.DecisionDenied, errText: "policy denies"},
		"failed": {res: ToolCallResult{Kind: KindFailed, Error: "boom"}, errText: "boom"},
		"bogus":  {res: ToolCallResult{Kind: "weird"}, errText: "unknown result kind"},
	}
	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				_ = json.NewEncoder(w).Encode(tt.res)
			}))
			defer srv.Close()

			out := New(Config{URL: srv.URL, Client: testClient()}).Invoke(context.Background(), testCall("x", nil))
			if out.Decision != tt.decision {
				t.Errorf("decision = %q, want %q", out.Decision, tt.decision)
			}
			if tt.errText == "" && out.Err != nil {
				t.Errorf("unexpected error: %v", out.Err)
			}
			if tt.errText != "" && (out.Err == nil || !strings.Contains(out.Err.Error(), tt.errText)) {
				t.Errorf("err = %v, want %q", out.Err, tt.errText)
			}
			if tt.value != nil && out.Value != tt.value {
				t.Errorf("value = %v, want %v", out.Value, tt.value)
			}
		})
	}
}

func TestInvoke_TransportFailures(t *testing.T) {
	t.Parallel()

	t.Run("status", func(t *testing.T) {
		t.Parallel()
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
		}))
		defer srv.Close()
		out := New(Config{URL: srv.URL, Client: testClient()}).Invoke(context.Background(), testCall("x", nil))
		if !errors.Is(out.Err, ErrTransport) {
			t.Errorf("err = %v, want ErrTransport", out.Err)
		}
	})

	t.Run("unreachable", func(t *testing.T) {
		t.Parallel()
		srv := httptest.NewServer(http.NotFoundHandler())
		url := srv.URL
		srv.Close()
		out := New(Config{URL: url, Client: testClient()}).Invoke(context.Background(), testCall("x", nil))
		if !errors.Is(out.Err, ErrTransport) {
			t.Errorf("err = %v, want ErrTransport", out.Err)
		}
	})

	t.Run("garbage", func(t *testing.T) {
		t.Parallel()
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte("not json"))
		}))
		defer srv.Close()
		out := New(Config{URL: srv.URL, Client: testClient()}).Invoke(context.Background(), testCall("x", nil))
		if !errors.Is(out.Err, ErrTransport) {
			t.Errorf("err = %v, want ErrTransport", out.Err)
		}
	})
}

func TestSubscriber_PushedStatus(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc("GET /approvals/{id}/watch", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer func() { _ = conn.Close(websocket.StatusNormalClosure, "") }()
		for _, s := range []approval.Status{approval.StatusPending, approval.StatusApproved} {
			data, _ := json.Marshal(StatusResponse{ApprovalID: r.PathValue("id"), Status: s})
			if err := conn.Write(r.Context(), websocket.MessageText, data); err != nil {
				return
			}
		}
		_, _, _ = conn.Read(r.Context())
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	sub := &Subscriber{BaseURL: srv.URL, Secret: "tok"}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	status, err := sub.Wait(ctx, "abc")
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if status != approval.StatusApproved {
		t.Errorf("status = %q, want approved", status)
	}
}

func TestSubscriber_FallsBackToPolling(t *testing.T) {
	t.Parallel()

	host := &fakeHost{statuses: []approval.Status{approval.StatusDenied}}
	srv := httptest.NewServer(host.handler())
	defer srv.Close()

	b := New(Config{URL: srv.URL, Subscribe: true, PollInterval: 10 * time.Millisecond, Client: testClient()})
	out := b.Invoke(context.Background(), testCall("files.delete", nil))
	if out.Decision != approval.DecisionDenied {
		t.Errorf("decision = %q, want denied via polling fallback", out.Decision)
	}
}

func TestBridge_AsSandboxInvoker(t *testing.T) {
	t.Parallel()

	host := &fakeHost{statuses: []approval.Status{approval.StatusApproved, approval.StatusDenied}}
	srv := httptest.NewServer(host.handler())
	defer srv.Close()

	tree := catalog.NewTree()
	tree.Namespace("files").Add("delete", catalog.Definition{
		Approval: approval.ModeRequired,
		Run: func(context.Context, any) (any, error) {
			return nil, errors.New("runs on the host")
		},
	})
	tbl, err := tree.Compile()
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}

	b := New(Config{URL: srv.URL, PollInterval: 10 * time.Millisecond, Client: testClient()})
	res := sandbox.New(sandbox.Config{Tools: tbl, Invoker: b, Timeout: 5 * time.Second}).Run(context.Background(), `
		const first = await tools.files.delete({ id: "1" });
		return first;
	`)
	if !res.OK {
		t.Fatalf("run failed: %s", res.Error)
	}
	if m, _ := res.Value.(map[string]any); m["id"] != "1" {
		t.Errorf("value = %v", res.Value)
	}
	if len(res.Receipts) != 1 || res.Receipts[0].Decision != approval.DecisionApproved {
		t.Errorf("receipts = %+v", res.Receipts)
	}
}
