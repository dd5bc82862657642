// Package approvaltest provides test helpers for the approval package.
package approvaltest

import (
	"context"
	"sync"

	"github.com/flemzord/codeclaw/internal/approval"
)

// Gate is a configurable approval.Gate that records every request.
type Gate struct {
	// DecideFunc returns the decision. When nil, Decisions is consumed in
	// order and the gate denies once it is exhausted.
	DecideFunc func(ctx context.Context, req approval.Request) (approval.Decision, error)
	Decisions  []approval.Decision

	mu       sync.Mutex
	requests []approval.Request
}

// Sequence returns a gate answering with decisions in order.
func Sequence(decisions ...approval.Decision) *Gate {
	return &Gate{Decisions: decisions}
}

// RequestApproval implements approval.Gate.
func (g *Gate) RequestApproval(ctx context.Context, req approval.Request) (approval.Decision, error) {
	g.mu.Lock()
	g.requests = append(g.requests, req)
	idx := len(g.requests) - 1
	g.mu.Unlock()

	if g.DecideFunc != nil {
		return g.DecideFunc(ctx, req)
	}
	if idx < len(g.Decisions) {
		return g.Decisions[idx], nil
	}
	return approval.DecisionDenied, nil
}

// Requests returns a copy of the recorded requests.
func (g *Gate) Requests() []approval.Request {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]approval.Request, len(g.requests))
	copy(out, g.requests)
	return out
}

// Calls returns the number of requests seen.
func (g *Gate) Calls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.requests)
}
