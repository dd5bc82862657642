package approval

import (
	"cmp"
	"context"
	"encoding/json"
	"slices"
	"sync"
	"time"
)

// Status is the lifecycle state of a parked approval.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusDenied   Status = "denied"

	// StatusMissing is terminal: the approval expired or never existed.
	StatusMissing Status = "missing"

	// StatusConsumed marks an approval whose tool call already ran. It is
	// reported as approved to status queries.
	StatusConsumed Status = "consumed"
)

// Terminal reports whether no further transition is possible from s,
// other than approved → consumed.
func (s Status) Terminal() bool {
	return s != StatusPending
}

// Record is a stored approval.
type Record struct {
	CallID     string          `json:"callId"`
	ToolPath   string          `json:"toolPath"`
	Input      json.RawMessage `json:"input,omitempty"`
	Preview    Preview         `json:"preview"`
	Status     Status          `json:"status"`
	CreatedAt  time.Time       `json:"createdAt"`
	ExpiresAt  time.Time       `json:"expiresAt"`
	ResolvedAt time.Time       `json:"resolvedAt,omitzero"`
}

// PublicStatus is the status exposed over the status query.
func (r Record) PublicStatus() Status {
	if r.Status == StatusConsumed {
		return StatusApproved
	}
	return r.Status
}

// Store persists approval records. Transition is a compare-and-set: it
// fails with ErrConflict when the record is not in status from.
type Store interface {
	Put(ctx context.Context, rec Record) error
	Get(ctx context.Context, callID string) (Record, error)
	Transition(ctx context.Context, callID string, from, to Status, at time.Time) error
	// List returns records with the given status, or all when status is empty,
	// oldest first.
	List(ctx context.Context, status Status) ([]Record, error)
	// ExpireBefore moves pending records whose ExpiresAt is not after t to
	// missing and returns their call ids.
	ExpireBefore(ctx context.Context, t time.Time) ([]string, error)
	// Prune deletes terminal records resolved before t.
	Prune(ctx context.Context, t time.Time) (int, error)
}

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]Record
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]Record)}
}

// Put implements Store.
func (s *MemoryStore) Put(_ context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[rec.CallID]; ok {
		return ErrDuplicate
	}
	s.records[rec.CallID] = rec
	return nil
}

// Get implements Store.
func (s *MemoryStore) Get(_ context.Context, callID string) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[callID]
	if !ok {
		return Record{}, ErrNotFound
	}
	return rec, nil
}

// Transition implements Store.
func (s *MemoryStore) Transition(_ context.Context, callID string, from, to Status, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[callID]
	if !ok {
		return ErrNotFound
	}
	if rec.Status != from {
		return ErrConflict
	}
	rec.Status = to
	rec.ResolvedAt = at
	s.records[callID] = rec
	return nil
}

// List implements Store.
func (s *MemoryStore) List(_ context.Context, status Status) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Record, 0, len(s.records))
	for _, rec := range s.records {
		if status == "" || rec.Status == status {
			out = append(out, rec)
		}
	}
	slices.SortFunc(out, func(a, b Record) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.CallID, b.CallID)
	})
	return out, nil
}

// ExpireBefore implements Store.
func (s *MemoryStore) ExpireBefore(_ context.Context, t time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	for id, rec := range s.records {
		if rec.Status == StatusPending && !rec.ExpiresAt.After(t) {
			rec.Status = StatusMissing
			rec.ResolvedAt = t
			s.records[id] = rec
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	return ids, nil
}

// Prune implements Store.
func (s *MemoryStore) Prune(_ context.Context, t time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, rec := range s.records {
		if rec.Status.Terminal() && !rec.ResolvedAt.IsZero() && rec.ResolvedAt.Before(t) {
			delete(s.records, id)
			n++
		}
	}
	return n, nil
}
