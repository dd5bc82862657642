package security

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrRateLimited is returned when a tool call exceeds the rate limit.
var ErrRateLimited = errors.New("rate limit exceeded")

// RateLimitConfig bounds how often the host executes tool calls.
// Zero disables a limit.
type RateLimitConfig struct {
	// ToolCallsPerMin caps all tool executions.
	ToolCallsPerMin int `yaml:"tool_calls_per_min"`

	// PerToolPerMin caps executions of any single tool path.
	PerToolPerMin int `yaml:"per_tool_per_min"`
}

// RateLimiter is a sliding-window limiter over tool calls.
type RateLimiter struct {
	mu      sync.Mutex
	cfg     RateLimitConfig
	global  window
	perTool map[string]*window
	now     func() time.Time
}

type window struct {
	events []time.Time
}

// NewRateLimiter creates a limiter.
func NewRateLimiter(cfg RateLimitConfig) *RateLimiter {
	return &RateLimiter{
		cfg:     cfg,
		perTool: make(map[string]*window),
		now:     time.Now,
	}
}

// Allow records one call of toolPath, or returns ErrRateLimited without
// recording anything. A nil limiter allows everything.
func (rl *RateLimiter) Allow(toolPath string) error {
	if rl == nil {
		return nil
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	cutoff := now.Add(-time.Minute)

	rl.global.evict(cutoff)
	if rl.cfg.ToolCallsPerMin > 0 && len(rl.global.events) >= rl.cfg.ToolCallsPerMin {
		return fmt.Errorf("%w: %d tool calls per minute", ErrRateLimited, rl.cfg.ToolCallsPerMin)
	}

	w, ok := rl.perTool[toolPath]
	if !ok {
		w = &window{}
		rl.perTool[toolPath] = w
	}
	w.evict(cutoff)
	if rl.cfg.PerToolPerMin > 0 && len(w.events) >= rl.cfg.PerToolPerMin {
		return fmt.Errorf("%w: %s called more than %d times per minute", ErrRateLimited, toolPath, rl.cfg.PerToolPerMin)
	}

	rl.global.events = append(rl.global.events, now)
	w.events = append(w.events, now)
	return nil
}

// evict drops events before cutoff. Events are chronological.
func (w *window) evict(cutoff time.Time) {
	i := 0
	for i < len(w.events) && w.events[i].Before(cutoff) {
		i++
	}
	if i > 0 {
		w.events = w.events[i:]
	}
}
