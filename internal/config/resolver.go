package config

import (
	"fmt"
	"os"
	"path/filepath"
)

// ResolvePath searches for a config file in standard locations.
// Search order: $XDG_CONFIG_HOME/codeclaw/codeclaw.yaml → ./codeclaw.yaml
func ResolvePath() (string, error) {
	var candidates []string

	if xdg, ok := os.LookupEnv("XDG_CONFIG_HOME"); ok {
		candidates = append(candidates, filepath.Join(xdg, "codeclaw", "codeclaw.yaml"))
	} else if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(home, ".config", "codeclaw", "codeclaw.yaml"))
	}

	candidates = append(candidates, "codeclaw.yaml")

	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}

	return "", fmt.Errorf("%w (searched: %v)", ErrNoConfig, candidates)
}

// LoadDefault loads path, or the first config found by ResolvePath when
// path is empty. With no file anywhere it returns Default.
func LoadDefault(path string) (*Config, error) {
	if path != "" {
		return Load(path)
	}
	resolved, err := ResolvePath()
	if err != nil {
		return Default(), nil
	}
	return Load(resolved)
}
