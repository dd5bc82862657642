package approval

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

// Level defines how a policy treats a tool path.
type Level string

const (
	// LevelAllow grants the call without asking.
	LevelAllow Level = "allow"

	// LevelAsk defers to the next gate.
	LevelAsk Level = "ask"

	// LevelDeny refuses the call.
	LevelDeny Level = "deny"
)

// Policy maps tool paths to levels. Entries are exact paths ("math.add")
// or namespace wildcards ("math.*"); the most specific entry wins.
type Policy struct {
	// Default is used for paths no entry matches. Empty means ask.
	Default Level `yaml:"default"`

	// Tools maps paths to explicit levels.
	Tools map[string]Level `yaml:"tools"`

	Allow []string `yaml:"allow"`
	Ask   []string `yaml:"ask"`
	Deny  []string `yaml:"deny"`
}

// Resolve returns the effective level for a tool path.
func (p Policy) Resolve(toolPath string) Level {
	explicit := p.explicit()
	if level, ok := explicit[toolPath]; ok {
		return level
	}

	// Walk from the closest namespace outward.
	segments := strings.Split(toolPath, ".")
	for i := len(segments) - 1; i > 0; i-- {
		pattern := strings.Join(segments[:i], ".") + ".*"
		if level, ok := explicit[pattern]; ok {
			return level
		}
	}
	if level, ok := explicit["*"]; ok {
		return level
	}
	if p.Default != "" {
		return p.Default
	}
	return LevelAsk
}

func (p Policy) explicit() map[string]Level {
	out := make(map[string]Level, len(p.Tools)+len(p.Allow)+len(p.Ask)+len(p.Deny))
	for name, level := range p.Tools {
		out[strings.TrimSpace(name)] = level
	}
	// Deny is applied last so it wins when lists overlap in an unvalidated policy.
	for _, name := range p.Allow {
		out[strings.TrimSpace(name)] = LevelAllow
	}
	for _, name := range p.Ask {
		out[strings.TrimSpace(name)] = LevelAsk
	}
	for _, name := range p.Deny {
		out[strings.TrimSpace(name)] = LevelDeny
	}
	return out
}

// Validate checks levels and rejects paths listed with conflicting levels.
func (p Policy) Validate() error {
	if p.Default != "" && !validLevel(p.Default) {
		return fmt.Errorf("policy: invalid default level %q", p.Default)
	}

	explicit := make(map[string]Level)
	for name, level := range p.Tools {
		path := strings.TrimSpace(name)
		if path == "" {
			return fmt.Errorf("policy: tool mapping has empty path")
		}
		if !validLevel(level) {
			return fmt.Errorf("policy: tool %q has invalid level %q", path, level)
		}
		explicit[path] = level
	}

	lists := []struct {
		names []string
		level Level
	}{
		{p.Allow, LevelAllow},
		{p.Ask, LevelAsk},
		{p.Deny, LevelDeny},
	}
	for _, l := range lists {
		for _, raw := range l.names {
			path := strings.TrimSpace(raw)
			if path == "" {
				return fmt.Errorf("policy: %s list contains empty path", l.level)
			}
			if existing, ok := explicit[path]; ok && existing != l.level {
				return fmt.Errorf("%w: %q appears in both %q and %q", ErrInMultipleLists, path, existing, l.level)
			}
			explicit[path] = l.level
		}
	}
	return nil
}

func validLevel(level Level) bool {
	switch level {
	case LevelAllow, LevelAsk, LevelDeny:
		return true
	default:
		return false
	}
}

// ElevatedState tracks a temporary window during which "ask" is upgraded
// to "allow". "deny" is never changed.
type ElevatedState struct {
	mu    sync.Mutex
	until time.Time
	now   func() time.Time
}

// NewElevatedState creates an inactive ElevatedState.
func NewElevatedState() *ElevatedState {
	return &ElevatedState{now: time.Now}
}

// Elevate activates the window for d.
func (e *ElevatedState) Elevate(d time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.until = e.now().Add(d)
}

// Revoke closes the window immediately.
func (e *ElevatedState) Revoke() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.until = time.Time{}
}

// IsActive reports whether the window is open.
func (e *ElevatedState) IsActive() bool {
	if e == nil {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return !e.until.IsZero() && e.now().Before(e.until)
}

// Apply upgrades ask to allow while the window is open.
func (e *ElevatedState) Apply(level Level) Level {
	if level == LevelAsk && e.IsActive() {
		return LevelAllow
	}
	return level
}

// PolicyGate is a synchronous gate. Allowed paths are approved, denied
// paths are denied and everything else is forwarded to Next. A nil Next
// denies what the policy would ask about.
type PolicyGate struct {
	Policy   Policy
	Elevated *ElevatedState
	Next     Gate
}

// RequestApproval implements Gate.
func (g *PolicyGate) RequestApproval(ctx context.Context, req Request) (Decision, error) {
	switch g.Level(req.ToolPath) {
	case LevelAllow:
		return DecisionApproved, nil
	case LevelDeny:
		return DecisionDenied, nil
	}
	if g.Next == nil {
		return DecisionDenied, nil
	}
	return g.Next.RequestApproval(ctx, req)
}

// Level returns the effective level for a tool path, elevated window included.
func (g *PolicyGate) Level(toolPath string) Level {
	return g.Elevated.Apply(g.Policy.Resolve(toolPath))
}
