package openaicompat

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"
)

// Config holds the configuration for an OpenAI-compatible provider.
type Config struct {
	BaseURL   string            `yaml:"base_url"`
	APIKey    string            `yaml:"api_key"`
	APIKeyEnv string            `yaml:"api_key_env"`
	Model     string            `yaml:"model"`
	MaxTokens int               `yaml:"max_tokens"`
	Headers   map[string]string `yaml:"headers"`
	Timeout   time.Duration     `yaml:"timeout"`

	// RetryMax is how many times a 429 or 5xx response is retried before
	// the error is reported. Defaults to 2; negative disables retries.
	RetryMax int `yaml:"retry_max"`
}

// defaults sets default values for unset fields.
func (c *Config) defaults() {
	if c.Timeout == 0 {
		c.Timeout = 2 * time.Minute
	}
	if c.RetryMax == 0 {
		c.RetryMax = 2
	} else if c.RetryMax < 0 {
		c.RetryMax = 0
	}
	c.BaseURL = strings.TrimRight(c.BaseURL, "/")
	if c.APIKey == "" && c.APIKeyEnv != "" {
		c.APIKey = os.Getenv(c.APIKeyEnv)
	}
}

// validate returns an error if required fields are missing.
func (c *Config) validate() error {
	if c.BaseURL == "" {
		return errMissingField("base_url")
	}
	u, err := url.Parse(c.BaseURL)
	if err != nil {
		return fmt.Errorf("openaicompat: base_url is not a valid URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("openaicompat: base_url scheme must be http or https, got %q", u.Scheme)
	}
	if c.APIKey == "" {
		if c.APIKeyEnv != "" {
			return fmt.Errorf("openaicompat: environment variable %s is empty", c.APIKeyEnv)
		}
		return fmt.Errorf("openaicompat: one of api_key or api_key_env is required")
	}
	if c.Model == "" {
		return errMissingField("model")
	}
	if c.MaxTokens < 0 {
		return fmt.Errorf("openaicompat: max_tokens must not be negative")
	}
	return nil
}

func errMissingField(field string) error {
	return fmt.Errorf("openaicompat: %s is required", field)
}
