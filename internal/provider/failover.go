package provider

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// Cooldown bounds applied to a provider after a retryable failure.
const (
	DefaultInitialBackoff = time.Second
	DefaultMaxBackoff     = time.Minute
)

// Failover tries providers in order. A provider that fails with a
// retryable error is skipped until its cooldown elapses; the cooldown
// doubles on each consecutive failure. Non-retryable errors are returned
// as is without trying the next provider.
type Failover struct {
	entries []*failoverEntry
	initial time.Duration
	max     time.Duration
	logger  *slog.Logger
	now     func() time.Time
}

type failoverEntry struct {
	p Provider

	mu       sync.Mutex
	failures int
	until    time.Time
}

// FailoverOption configures a Failover.
type FailoverOption func(*Failover)

// WithBackoff overrides the cooldown bounds.
func WithBackoff(initial, maxBackoff time.Duration) FailoverOption {
	return func(f *Failover) {
		if initial > 0 {
			f.initial = initial
		}
		if maxBackoff > 0 {
			f.max = maxBackoff
		}
	}
}

// WithLogger injects a structured logger.
func WithLogger(l *slog.Logger) FailoverOption {
	return func(f *Failover) { f.logger = l }
}

// NewFailover wraps providers, tried in the given order.
func NewFailover(providers []Provider, opts ...FailoverOption) (*Failover, error) {
	if len(providers) == 0 {
		return nil, ErrNoProvider
	}
	f := &Failover{
		initial: DefaultInitialBackoff,
		max:     DefaultMaxBackoff,
		now:     time.Now,
	}
	for i, p := range providers {
		if p == nil {
			return nil, fmt.Errorf("%w: provider %d is nil", ErrNoProvider, i)
		}
		f.entries = append(f.entries, &failoverEntry{p: p})
	}
	for _, opt := range opts {
		opt(f)
	}
	if f.logger == nil {
		f.logger = slog.Default()
	}
	return f, nil
}

// Complete implements Provider.
func (f *Failover) Complete(ctx context.Context, req Request) (Response, error) {
	var lastErr error
	for _, e := range f.entries {
		if err := ctx.Err(); err != nil {
			return Response{}, err
		}
		if !e.available(f.now()) {
			continue
		}
		resp, err := e.p.Complete(ctx, req)
		if err == nil {
			e.recordSuccess()
			return resp, nil
		}
		if !IsRetryable(err) {
			return Response{}, err
		}
		lastErr = err
		backoff := e.recordFailure(f.now(), f.initial, f.max)
		f.logger.Warn("provider failed, failing over",
			"model", e.p.ModelName(),
			"backoff", backoff,
			"error", err,
		)
	}
	if lastErr == nil {
		return Response{}, fmt.Errorf("%w: all providers cooling down", ErrAllProviders)
	}
	return Response{}, fmt.Errorf("%w: %w", ErrAllProviders, lastErr)
}

// ModelName lists the wrapped models, primary first.
func (f *Failover) ModelName() string {
	names := make([]string, len(f.entries))
	for i, e := range f.entries {
		names[i] = e.p.ModelName()
	}
	return strings.Join(names, ",")
}

func (e *failoverEntry) available(now time.Time) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return !now.Before(e.until)
}

func (e *failoverEntry) recordSuccess() {
	e.mu.Lock()
	e.failures = 0
	e.until = time.Time{}
	e.mu.Unlock()
}

func (e *failoverEntry) recordFailure(now time.Time, initial, maxBackoff time.Duration) time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	backoff := initial
	for i := 0; i < e.failures && backoff < maxBackoff; i++ {
		backoff *= 2
	}
	backoff = min(backoff, maxBackoff)
	e.failures++
	e.until = now.Add(backoff)
	return backoff
}

var _ Provider = (*Failover)(nil)

