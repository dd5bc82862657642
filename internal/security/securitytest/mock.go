// Package securitytest provides test doubles for the security package.
package securitytest

import (
	"sync"

	"github.com/flemzord/codeclaw/internal/security"
)

// NewTestRedactor returns a Redactor without patterns, so fixtures that
// happen to look like API keys are left alone.
func NewTestRedactor() *security.Redactor {
	return &security.Redactor{}
}

// NewTestAuditLogger returns an AuditLogger collecting events in memory
// and a function returning a snapshot of them.
func NewTestAuditLogger() (*security.AuditLogger, func() []security.AuditEvent) {
	var mu sync.Mutex
	var events []security.AuditEvent
	logger := security.NewAuditLogger(security.AuditLoggerConfig{
		OnEvent: func(e security.AuditEvent) {
			mu.Lock()
			events = append(events, e)
			mu.Unlock()
		},
	})
	return logger, func() []security.AuditEvent {
		mu.Lock()
		defer mu.Unlock()
		out := make([]security.AuditEvent, len(events))
		copy(out, events)
		return out
	}
}
