package approval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Default timings for the Registry.
const (
	DefaultTTL          = 10 * time.Minute
	DefaultPollInterval = time.Second
	DefaultRetention    = 24 * time.Hour
)

// RegistryConfig configures a Registry. Zero values take defaults.
type RegistryConfig struct {
	// TTL is how long a request stays pending before it becomes missing.
	TTL time.Duration

	// PollInterval re-reads the store while waiting, so decisions written
	// by another process are observed. In-process resolutions wake waiters
	// immediately.
	PollInterval time.Duration

	// Retention is how long resolved records are kept before Sweep prunes them.
	Retention time.Duration

	Logger *slog.Logger
}

func (c RegistryConfig) withDefaults() RegistryConfig {
	if c.TTL <= 0 {
		c.TTL = DefaultTTL
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.Retention <= 0 {
		c.Retention = DefaultRetention
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Registry parks approval requests keyed by call id until they are resolved
// out-of-band. Each request is resolved at most once and expiry is terminal.
// It implements Gate.
type Registry struct {
	store  Store
	cfg    RegistryConfig
	now    func() time.Time
	logger *slog.Logger

	mu      sync.Mutex
	waiters map[string][]chan struct{}
}

// NewRegistry creates a Registry over store. A nil store uses a MemoryStore.
func NewRegistry(store Store, cfg RegistryConfig) *Registry {
	if store == nil {
		store = NewMemoryStore()
	}
	cfg = cfg.withDefaults()
	return &Registry{
		store:   store,
		cfg:     cfg,
		now:     time.Now,
		logger:  cfg.Logger,
		waiters: make(map[string][]chan struct{}),
	}
}

// Submit parks a new pending request.
func (r *Registry) Submit(ctx context.Context, req Request) (Record, error) {
	now := r.now()
	rec := Record{
		CallID:    req.CallID,
		ToolPath:  req.ToolPath,
		Input:     req.Input,
		Preview:   req.Preview,
		Status:    StatusPending,
		CreatedAt: now,
		ExpiresAt: now.Add(r.cfg.TTL),
	}
	if err := r.store.Put(ctx, rec); err != nil {
		return Record{}, fmt.Errorf("submitting approval %s: %w", req.CallID, err)
	}
	r.logger.Info("approval requested", "call_id", req.CallID, "tool_path", req.ToolPath)
	return rec, nil
}

// Lookup returns the record for callID. A pending record past its expiry is
// moved to missing first.
func (r *Registry) Lookup(ctx context.Context, callID string) (Record, error) {
	rec, err := r.store.Get(ctx, callID)
	if err != nil {
		return Record{}, err
	}
	if rec.Status == StatusPending && !rec.ExpiresAt.After(r.now()) {
		if err := r.expire(ctx, callID); err != nil && !errors.Is(err, ErrConflict) {
			return Record{}, err
		}
		return r.store.Get(ctx, callID)
	}
	return rec, nil
}

// Status returns the public status for callID. Unknown ids are missing.
func (r *Registry) Status(ctx context.Context, callID string) (Status, error) {
	rec, err := r.Lookup(ctx, callID)
	if errors.Is(err, ErrNotFound) {
		return StatusMissing, nil
	}
	if err != nil {
		return "", err
	}
	return rec.PublicStatus(), nil
}

// Resolve records the decision for callID. It fails with ErrAlreadyResolved
// when a decision exists and ErrExpired when the request timed out.
func (r *Registry) Resolve(ctx context.Context, callID string, decision Decision) error {
	var to Status
	switch decision {
	case DecisionApproved:
		to = StatusApproved
	case DecisionDenied:
		to = StatusDenied
	default:
		return fmt.Errorf("resolving approval %s: invalid decision %q", callID, decision)
	}

	rec, err := r.Lookup(ctx, callID)
	if err != nil {
		return fmt.Errorf("resolving approval %s: %w", callID, err)
	}
	switch rec.Status {
	case StatusPending:
	case StatusMissing:
		return fmt.Errorf("resolving approval %s: %w", callID, ErrExpired)
	default:
		return fmt.Errorf("resolving approval %s: %w", callID, ErrAlreadyResolved)
	}

	if err := r.store.Transition(ctx, callID, StatusPending, to, r.now()); err != nil {
		if errors.Is(err, ErrConflict) {
			return fmt.Errorf("resolving approval %s: %w", callID, ErrAlreadyResolved)
		}
		return fmt.Errorf("resolving approval %s: %w", callID, err)
	}
	r.logger.Info("approval resolved", "call_id", callID, "decision", string(decision))
	r.notify(callID)
	return nil
}

// Consume marks an approved request as used. A second Consume fails with
// ErrAlreadyResolved, so an approval authorizes exactly one execution.
func (r *Registry) Consume(ctx context.Context, callID string) error {
	err := r.store.Transition(ctx, callID, StatusApproved, StatusConsumed, r.now())
	if errors.Is(err, ErrConflict) {
		return fmt.Errorf("consuming approval %s: %w", callID, ErrAlreadyResolved)
	}
	if err != nil {
		return fmt.Errorf("consuming approval %s: %w", callID, err)
	}
	return nil
}

// Pending lists requests still waiting for a decision.
func (r *Registry) Pending(ctx context.Context) ([]Record, error) {
	if _, err := r.Sweep(ctx); err != nil {
		return nil, err
	}
	return r.store.List(ctx, StatusPending)
}

// List returns every stored record.
func (r *Registry) List(ctx context.Context) ([]Record, error) {
	return r.store.List(ctx, "")
}

// Sweep expires overdue requests, wakes their waiters and prunes records
// resolved longer than the retention period ago. It returns the number of
// requests expired.
func (r *Registry) Sweep(ctx context.Context) (int, error) {
	now := r.now()
	ids, err := r.store.ExpireBefore(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("expiring approvals: %w", err)
	}
	for _, id := range ids {
		r.logger.Info("approval expired", "call_id", id)
		r.notify(id)
	}
	pruned, err := r.store.Prune(ctx, now.Add(-r.cfg.Retention))
	if err != nil {
		return len(ids), fmt.Errorf("pruning approvals: %w", err)
	}
	if pruned > 0 {
		r.logger.Debug("approvals pruned", "count", pruned)
	}
	return len(ids), nil
}

// Wait blocks until callID leaves pending, its expiry passes or ctx is done.
// It returns the public status.
func (r *Registry) Wait(ctx context.Context, callID string) (Status, error) {
	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	for {
		ch := r.subscribe(callID)
		rec, err := r.Lookup(ctx, callID)
		if err != nil {
			r.unsubscribe(callID, ch)
			if errors.Is(err, ErrNotFound) {
				return StatusMissing, nil
			}
			return "", err
		}
		if rec.Status != StatusPending {
			r.unsubscribe(callID, ch)
			return rec.PublicStatus(), nil
		}

		expiry := time.NewTimer(rec.ExpiresAt.Sub(r.now()))
		select {
		case <-ch:
		case <-ticker.C:
		case <-expiry.C:
		case <-ctx.Done():
			expiry.Stop()
			r.unsubscribe(callID, ch)
			return "", ctx.Err()
		}
		expiry.Stop()
		r.unsubscribe(callID, ch)
	}
}

// RequestApproval implements Gate by parking the request and waiting for a
// decision. An expired request is reported as ErrTimeout.
func (r *Registry) RequestApproval(ctx context.Context, req Request) (Decision, error) {
	if _, err := r.Submit(ctx, req); err != nil {
		return DecisionDenied, err
	}
	status, err := r.Wait(ctx, req.CallID)
	if err != nil {
		return DecisionDenied, err
	}
	switch status {
	case StatusApproved:
		if err := r.Consume(ctx, req.CallID); err != nil {
			return DecisionDenied, err
		}
		return DecisionApproved, nil
	case StatusDenied:
		return DecisionDenied, nil
	default:
		return DecisionDenied, fmt.Errorf("%w: %s", ErrTimeout, req.CallID)
	}
}

func (r *Registry) expire(ctx context.Context, callID string) error {
	if err := r.store.Transition(ctx, callID, StatusPending, StatusMissing, r.now()); err != nil {
		return err
	}
	r.logger.Info("approval expired", "call_id", callID)
	r.notify(callID)
	return nil
}

func (r *Registry) subscribe(callID string) chan struct{} {
	ch := make(chan struct{})
	r.mu.Lock()
	r.waiters[callID] = append(r.waiters[callID], ch)
	r.mu.Unlock()
	return ch
}

func (r *Registry) unsubscribe(callID string, ch chan struct{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	list := r.waiters[callID]
	for i, c := range list {
		if c == ch {
			list = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(r.waiters, callID)
		return
	}
	r.waiters[callID] = list
}

func (r *Registry) notify(callID string) {
	r.mu.Lock()
	list := r.waiters[callID]
	delete(r.waiters, callID)
	r.mu.Unlock()
	for _, ch := range list {
		close(ch)
	}
}
