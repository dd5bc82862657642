package security

import (
	"encoding/json"
	"io"
	"maps"
	"sync"
	"sync/atomic"
	"time"
)

// EventType categorizes audit events.
type EventType string

// Audit event types.
const (
	EventToolCall    EventType = "tool_call"
	EventToolResult  EventType = "tool_result"
	EventApproval    EventType = "approval"
	EventTask        EventType = "task"
	EventAuthFailure EventType = "auth_failure"
	EventRateLimit   EventType = "rate_limit"
)

// AuditEvent is a single audit log line.
type AuditEvent struct {
	Timestamp time.Time         `json:"timestamp"`
	Type      EventType         `json:"type"`
	CallID    string            `json:"call_id,omitempty"`
	ToolPath  string            `json:"tool_path,omitempty"`
	TaskID    string            `json:"task_id,omitempty"`
	Decision  string            `json:"decision,omitempty"`
	Status    string            `json:"status,omitempty"`
	Detail    string            `json:"detail,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// AuditLoggerConfig configures the audit logger.
type AuditLoggerConfig struct {
	// Writer receives JSONL output. If nil, events only go to OnEvent.
	Writer io.Writer

	// Redactor, if non-nil, is applied to Detail and Metadata values.
	Redactor *Redactor

	// OnEvent, if non-nil, is called for every event.
	OnEvent func(AuditEvent)

	// Now overrides time.Now.
	Now func() time.Time
}

// AuditLogger writes audit events as JSONL with optional redaction.
// A nil *AuditLogger discards everything.
type AuditLogger struct {
	writer   io.Writer
	redactor *Redactor
	onEvent  func(AuditEvent)
	now      func() time.Time
	mu       sync.Mutex

	writeErrors atomic.Int64
}

// NewAuditLogger creates an audit logger.
func NewAuditLogger(cfg AuditLoggerConfig) *AuditLogger {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &AuditLogger{
		writer:   cfg.Writer,
		redactor: cfg.Redactor,
		onEvent:  cfg.OnEvent,
		now:      now,
	}
}

// Log writes an event, stamping it when Timestamp is zero. The caller's
// Metadata map is never mutated.
func (l *AuditLogger) Log(event AuditEvent) {
	if l == nil {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = l.now()
	}
	if len(event.Metadata) > 0 {
		event.Metadata = maps.Clone(event.Metadata)
	}

	if l.redactor != nil {
		event.Detail = l.redactor.Redact(event.Detail)
		for k, v := range event.Metadata {
			event.Metadata[k] = l.redactor.Redact(v)
		}
	}

	// Same lock for callback and writer keeps both in one order.
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.onEvent != nil {
		l.onEvent(event)
	}
	if l.writer != nil {
		if err := json.NewEncoder(l.writer).Encode(event); err != nil {
			l.writeErrors.Add(1)
		}
	}
}

// WriteErrors returns how many events failed to reach the writer.
func (l *AuditLogger) WriteErrors() int64 {
	if l == nil {
		return 0
	}
	return l.writeErrors.Load()
}
