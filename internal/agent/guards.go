package agent

import "github.com/flemzord/codeclaw/internal/provider"

// tokenTracker accumulates token usage across the main conversation and
// typecheck fix requests, and checks it against a budget.
// It is owned by a single Run.
type tokenTracker struct {
	budget int
	usage  provider.TokenUsage
}

func newTokenTracker(budget int) *tokenTracker {
	return &tokenTracker{budget: budget}
}

func (t *tokenTracker) add(usage provider.TokenUsage) {
	t.usage.Add(usage)
}

// exceeded reports whether the cumulative token usage has reached the budget.
// A zero budget means unlimited and never exceeds.
func (t *tokenTracker) exceeded() bool {
	return t.budget > 0 && t.usage.TotalTokens >= t.budget
}
