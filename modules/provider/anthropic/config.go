package anthropic

import (
	"fmt"
	"os"
	"time"
)

const (
	defaultModel     = "claude-sonnet-4-5-20250929"
	defaultMaxTokens = 4096
	defaultTimeout   = 2 * time.Minute
	defaultKeyEnv    = "ANTHROPIC_API_KEY"
)

// Config holds the configuration for the Anthropic provider.
type Config struct {
	APIKey    string        `yaml:"api_key"`
	APIKeyEnv string        `yaml:"api_key_env"`
	Model     string        `yaml:"model"`
	BaseURL   string        `yaml:"base_url"`
	MaxTokens int           `yaml:"max_tokens"`
	Timeout   time.Duration `yaml:"timeout"`
}

func (c *Config) defaults() {
	if c.Model == "" {
		c.Model = defaultModel
	}
	if c.MaxTokens == 0 {
		c.MaxTokens = defaultMaxTokens
	}
	if c.Timeout == 0 {
		c.Timeout = defaultTimeout
	}
	if c.APIKey == "" {
		env := c.APIKeyEnv
		if env == "" {
			env = defaultKeyEnv
		}
		c.APIKey = os.Getenv(env)
	}
}

func (c *Config) validate() error {
	if c.APIKey == "" {
		env := c.APIKeyEnv
		if env == "" {
			env = defaultKeyEnv
		}
		return fmt.Errorf("anthropic: api_key is empty and %s is not set", env)
	}
	if c.MaxTokens < 0 {
		return fmt.Errorf("anthropic: max_tokens must not be negative")
	}
	return nil
}
