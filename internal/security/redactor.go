// Package security holds the pieces that keep secrets and abuse out of the
// execution engine: redaction of logs and previews, the receipt audit log,
// request size checks and the tool-call rate limiter.
package security

import (
	"regexp"
	"strings"
	"sync"
)

// RedactPlaceholder replaces every redacted secret.
const RedactPlaceholder = "***REDACTED***"

// secretKeyPattern matches map keys that likely hold secrets.
var secretKeyPattern = regexp.MustCompile(`(?i)(secret|token|password|passwd|api_?key|credential|authorization)`)

// Redactor replaces secret values in strings and maps. It matches known
// credential formats by pattern and runtime secrets (bridge secrets, model
// API keys) by literal value. Safe for concurrent use.
type Redactor struct {
	mu       sync.RWMutex
	patterns []*regexp.Regexp
	literals []string
}

// NewRedactor creates a Redactor with DefaultPatterns.
func NewRedactor() *Redactor {
	return &Redactor{patterns: DefaultPatterns()}
}

// AddPattern registers an extra pattern.
func (r *Redactor) AddPattern(pattern *regexp.Regexp) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.patterns = append(r.patterns, pattern)
}

// AddLiteral registers a secret value. Values shorter than four bytes are
// ignored since they would redact ordinary text.
func (r *Redactor) AddLiteral(secret string) {
	if len(secret) < 4 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.literals = append(r.literals, secret)
}

// Redact replaces known secrets in s.
func (r *Redactor) Redact(s string) string {
	if s == "" || r == nil {
		return s
	}

	r.mu.RLock()
	patterns := r.patterns
	literals := r.literals
	r.mu.RUnlock()

	for _, lit := range literals {
		s = strings.ReplaceAll(s, lit, RedactPlaceholder)
	}
	for _, p := range patterns {
		s = p.ReplaceAllString(s, RedactPlaceholder)
	}
	return s
}

// RedactMap redacts m in place. String values under secret-looking keys
// are replaced whole; everything else is scanned with Redact.
func (r *Redactor) RedactMap(m map[string]any) {
	for k, v := range m {
		switch val := v.(type) {
		case string:
			if val != "" && secretKeyPattern.MatchString(k) {
				m[k] = RedactPlaceholder
			} else {
				m[k] = r.Redact(val)
			}
		case map[string]any:
			r.RedactMap(val)
		case []any:
			r.redactSlice(val)
		}
	}
}

func (r *Redactor) redactSlice(items []any) {
	for i, item := range items {
		switch val := item.(type) {
		case string:
			items[i] = r.Redact(val)
		case map[string]any:
			r.RedactMap(val)
		case []any:
			r.redactSlice(val)
		}
	}
}

// DefaultPatterns returns patterns for common credential formats.
func DefaultPatterns() []*regexp.Regexp {
	return []*regexp.Regexp{
		// Anthropic before OpenAI so the longer prefix is caught whole.
		regexp.MustCompile(`sk-ant-[a-zA-Z0-9\-]{20,}`),
		regexp.MustCompile(`sk-[a-zA-Z0-9]{20,}`),
		regexp.MustCompile(`(ghp_|gho_|ghs_|github_pat_)[a-zA-Z0-9_]{20,}`),
		regexp.MustCompile(`AKIA[A-Z0-9]{16}`),
		regexp.MustCompile(`xox[bp]-[0-9]+-[a-zA-Z0-9\-]+`),
		regexp.MustCompile(`(?i)bearer\s+[a-zA-Z0-9\-._~+/]{16,}=*`),
	}
}
