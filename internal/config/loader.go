package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// envPattern matches ${VAR} and ${VAR:-default} expressions.
var envPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-((?:[^}\\]|\\.)*))?\}`)

// Default values filled by Load.
const (
	DefaultHostListen      = "127.0.0.1:8700"
	DefaultWorkerListen    = "127.0.0.1:8701"
	DefaultSweepSchedule   = "* * * * *"
	DefaultShutdownTimeout = 10 * time.Second
	DefaultBridgeMaxWait   = 10 * time.Minute
)

// Load reads a YAML configuration file, expands environment variables,
// parses it into a Config struct and fills defaults.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}
	cfg, err := Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return cfg, nil
}

// Parse expands environment variables in raw YAML and decodes it.
func Parse(raw []byte) (*Config, error) {
	expanded, err := expandEnv(raw)
	if err != nil {
		return nil, fmt.Errorf("expanding variables: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(expanded, &cfg); err != nil {
		return nil, fmt.Errorf("parsing: %w", err)
	}
	cfg.defaults()
	return &cfg, nil
}

// Default returns the configuration used when no file is found.
func Default() *Config {
	cfg := &Config{Version: "1"}
	cfg.defaults()
	return cfg
}

// defaults fills zero values the components do not default themselves.
func (c *Config) defaults() {
	if c.Host.Listen == "" {
		c.Host.Listen = DefaultHostListen
	}
	if c.Host.PublicURL == "" {
		c.Host.PublicURL = "http://" + c.Host.Listen
	}
	if c.Host.ShutdownTimeout == 0 {
		c.Host.ShutdownTimeout = DefaultShutdownTimeout
	}
	if c.Worker.Listen == "" {
		c.Worker.Listen = DefaultWorkerListen
	}
	if c.Approval.SweepSchedule == "" {
		c.Approval.SweepSchedule = DefaultSweepSchedule
	}
	if c.Bridge.MaxWait == 0 {
		c.Bridge.MaxWait = DefaultBridgeMaxWait
	}
	if c.Store.Driver == "" {
		c.Store.Driver = StoreMemory
	}
	if c.Telemetry.LogLevel == "" {
		c.Telemetry.LogLevel = "info"
	}
	if c.Telemetry.LogFormat == "" {
		c.Telemetry.LogFormat = "text"
	}
}

// expandEnv replaces ${VAR} and ${VAR:-default} patterns in raw YAML bytes.
// Returns an error listing all unresolved variables (no default, no env value).
func expandEnv(raw []byte) ([]byte, error) {
	var errs []error

	result := envPattern.ReplaceAllFunc(raw, func(match []byte) []byte {
		subs := envPattern.FindSubmatch(match)
		name := string(subs[1])
		hasDefault := len(subs) > 2 && subs[2] != nil

		if value, ok := os.LookupEnv(name); ok {
			return []byte(value)
		}
		if hasDefault {
			return subs[2]
		}

		errs = append(errs, fmt.Errorf("unresolved variable: %s", name))
		return match
	})

	return result, errors.Join(errs...)
}
