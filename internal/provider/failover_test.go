package provider

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

type stubProvider struct {
	name  string
	err   error
	calls int
}

func (s *stubProvider) Complete(context.Context, Request) (Response, error) {
	s.calls++
	if s.err != nil {
		return Response{}, s.err
	}
	return Response{Content: s.name}, nil
}

func (s *stubProvider) ModelName() string { return s.name }

func TestNewFailover_Empty(t *testing.T) {
	t.Parallel()

	if _, err := NewFailover(nil); !errors.Is(err, ErrNoProvider) {
		t.Errorf("err = %v, want ErrNoProvider", err)
	}
	if _, err := NewFailover([]Provider{nil}); !errors.Is(err, ErrNoProvider) {
		t.Errorf("err = %v, want ErrNoProvider", err)
	}
}

func TestFailover_FallsBackOnRetryable(t *testing.T) {
	t.Parallel()

	primary := &stubProvider{name: "a", err: fmt.Errorf("429: %w", ErrRateLimit)}
	backup := &stubProvider{name: "b"}
	f, err := NewFailover([]Provider{primary, backup})
	if err != nil {
		t.Fatal(err)
	}
	now := time.Unix(1000, 0)
	f.now = func() time.Time { return now }

	resp, err := f.Complete(context.Background(), Request{})
	if err != nil || resp.Content != "b" {
		t.Fatalf("resp = %+v, err = %v", resp, err)
	}

	// The primary is cooling down and is skipped.
	if _, err := f.Complete(context.Background(), Request{}); err != nil {
		t.Fatal(err)
	}
	if primary.calls != 1 {
		t.Errorf("primary calls = %d, want 1", primary.calls)
	}

	now = now.Add(2 * DefaultInitialBackoff)
	primary.err = nil
	resp, _ = f.Complete(context.Background(), Request{})
	if resp.Content != "a" {
		t.Errorf("after cooldown content = %q, want a", resp.Content)
	}
}

func TestFailover_NonRetryableStops(t *testing.T) {
	t.Parallel()

	boom := errors.New("bad request")
	primary := &stubProvider{name: "a", err: boom}
	backup := &stubProvider{name: "b"}
	f, _ := NewFailover([]Provider{primary, backup})

	if _, err := f.Complete(context.Background(), Request{}); !errors.Is(err, boom) {
		t.Errorf("err = %v, want %v", err, boom)
	}
	if backup.calls != 0 {
		t.Error("backup must not be tried after a non-retryable error")
	}
}

func TestFailover_AllExhausted(t *testing.T) {
	t.Parallel()

	a := &stubProvider{name: "a", err: ErrProviderDown}
	b := &stubProvider{name: "b", err: ErrRateLimit}
	f, _ := NewFailover([]Provider{a, b})

	_, err := f.Complete(context.Background(), Request{})
	if !errors.Is(err, ErrAllProviders) || !errors.Is(err, ErrRateLimit) {
		t.Errorf("err = %v", err)
	}
	_, err = f.Complete(context.Background(), Request{})
	if !errors.Is(err, ErrAllProviders) {
		t.Errorf("err = %v", err)
	}
	if a.calls != 1 || b.calls != 1 {
		t.Errorf("calls = %d/%d, cooling providers must be skipped", a.calls, b.calls)
	}
	if got := f.ModelName(); got != "a,b" {
		t.Errorf("ModelName = %q", got)
	}
}

func TestFailover_BackoffDoubles(t *testing.T) {
	t.Parallel()

	e := &failoverEntry{}
	now := time.Unix(0, 0)
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 5 * time.Second}
	for i, w := range want {
		if got := e.recordFailure(now, time.Second, 5*time.Second); got != w {
			t.Errorf("failure %d backoff = %s, want %s", i+1, got, w)
		}
	}
	e.recordSuccess()
	if !e.available(now) {
		t.Error("success must clear the cooldown")
	}
}

func TestIsRetryable(t *testing.T) {
	t.Parallel()

	tests := []struct {
		err  error
		want bool
	}{
		{ErrRateLimit, true},
		{fmt.Errorf("wrapped: %w", ErrProviderDown), true},
		{ErrContextLength, false},
		{errors.New("other"), false},
	}
	for _, tt := range tests {
		if got := IsRetryable(tt.err); got != tt.want {
			t.Errorf("IsRetryable(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}

func TestTokenUsage_Add(t *testing.T) {
	t.Parallel()

	var u TokenUsage
	u.Add(TokenUsage{PromptTokens: 1, CompletionTokens: 2, TotalTokens: 3})
	u.Add(TokenUsage{PromptTokens: 1, CompletionTokens: 2, TotalTokens: 3})
	if u.TotalTokens != 6 || u.PromptTokens != 2 {
		t.Errorf("usage = %+v", u)
	}
}
