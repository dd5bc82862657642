package agent

import (
	"time"

	"github.com/flemzord/codeclaw/internal/catalog"
)

// Default values for Config.
const (
	DefaultMaxCodeRuns         = 100
	DefaultMaxTypecheckRetries = 3
	DefaultTimeout             = 30 * time.Minute
	DefaultPreviewBytes        = 512
)

// Config controls the agent loop.
type Config struct {
	// MaxCodeRuns caps executed scripts per Run.
	MaxCodeRuns int

	// MaxTypecheckRetries is how many times the model is asked to fix a
	// script that fails the typecheck before it runs anyway.
	MaxTypecheckRetries int

	// MaxTurns caps model calls on the main conversation. Zero derives it
	// from MaxCodeRuns.
	MaxTurns int

	// DiscoveryThreshold is the tool count above which discovery mode is
	// used.
	DiscoveryThreshold int

	// TokenBudget is the cumulative token limit. Zero means unlimited.
	TokenBudget int

	// Timeout bounds the whole Run.
	Timeout time.Duration

	// PreviewBytes bounds previews in receipt summaries.
	PreviewBytes int

	// SystemPrompt is appended to the built-in instructions.
	SystemPrompt string
}

func (c Config) withDefaults() Config {
	if c.MaxCodeRuns <= 0 {
		c.MaxCodeRuns = DefaultMaxCodeRuns
	}
	if c.MaxTypecheckRetries < 0 {
		c.MaxTypecheckRetries = 0
	} else if c.MaxTypecheckRetries == 0 {
		c.MaxTypecheckRetries = DefaultMaxTypecheckRetries
	}
	if c.MaxTurns <= 0 {
		c.MaxTurns = 2*c.MaxCodeRuns + 10
	}
	if c.DiscoveryThreshold <= 0 {
		c.DiscoveryThreshold = catalog.DefaultDiscoveryThreshold
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.PreviewBytes <= 0 {
		c.PreviewBytes = DefaultPreviewBytes
	}
	return c
}
