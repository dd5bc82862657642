// Package tool provides the built-in tools exposed to scripts: file access
// confined to a workspace directory and an HTTP fetch. Every tool declares
// a scope, and the scope decides whether it needs approval.
package tool

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/flemzord/codeclaw/internal/approval"
	"github.com/flemzord/codeclaw/internal/catalog"
)

// Scope declares what kind of access a tool requires.
type Scope string

// Scope values for tool access requirements.
const (
	ScopeReadOnly  Scope = "read_only"
	ScopeReadWrite Scope = "read_write"
	ScopeExec      Scope = "exec"
	ScopeNetwork   Scope = "network"
)

// Mode returns the approval mode for a scope. Only read-only tools run
// without asking.
func (s Scope) Mode() approval.Mode {
	if s == ScopeReadOnly {
		return approval.ModeAuto
	}
	return approval.ModeRequired
}

// Defaults for Config.
const (
	DefaultMaxReadBytes = 256 << 10
	DefaultFetchTimeout = 30 * time.Second
)

// Config configures the built-in tools.
type Config struct {
	// Workspace is the directory file tools are confined to. Empty uses
	// the working directory.
	Workspace string `yaml:"workspace"`

	// MaxReadBytes bounds fs.read and web.fetch bodies.
	MaxReadBytes int `yaml:"max_read_bytes"`

	// Fetch enables the web namespace.
	Fetch bool `yaml:"fetch"`

	FetchTimeout time.Duration `yaml:"fetch_timeout"`

	Logger *slog.Logger `yaml:"-"`
}

func (c Config) withDefaults() Config {
	if c.Workspace == "" {
		c.Workspace = "."
	}
	if c.MaxReadBytes <= 0 {
		c.MaxReadBytes = DefaultMaxReadBytes
	}
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = DefaultFetchTimeout
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Builtin returns the built-in tool tree.
func Builtin(cfg Config) (*catalog.Tree, error) {
	cfg = cfg.withDefaults()
	root, err := filepath.Abs(cfg.Workspace)
	if err != nil {
		return nil, fmt.Errorf("tool: resolving workspace: %w", err)
	}

	tree := catalog.NewTree()
	fs := &files{root: root, maxRead: cfg.MaxReadBytes, logger: cfg.Logger}
	fs.register(tree.Namespace("fs"))
	if cfg.Fetch {
		newFetcher(cfg).register(tree.Namespace("web"))
	}
	return tree, nil
}

// Compile builds the built-in tools into a table.
func Compile(cfg Config) (*catalog.Table, error) {
	tree, err := Builtin(cfg)
	if err != nil {
		return nil, err
	}
	return tree.Compile()
}

// stringArg returns a string field of a validated object input.
func stringArg(input any, key string) string {
	m, _ := input.(map[string]any)
	s, _ := m[key].(string)
	return s
}

// confine resolves rel inside root and rejects anything that escapes it.
func confine(root, rel string) (string, error) {
	if rel == "" {
		rel = "."
	}
	if filepath.IsAbs(rel) {
		return "", fmt.Errorf("%w: %s", ErrOutsideWorkspace, rel)
	}
	full := filepath.Join(root, rel)
	if full != root && !strings.HasPrefix(full, root+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrOutsideWorkspace, rel)
	}
	return full, nil
}
