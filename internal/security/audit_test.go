package security

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestAuditLogger_WritesJSONL(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	fixedTime := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	logger := NewAuditLogger(AuditLoggerConfig{
		Writer: &buf,
		Now:    func() time.Time { return fixedTime },
	})

	logger.Log(AuditEvent{
		Type:     EventToolResult,
		CallID:   "call-1",
		ToolPath: "crm.contacts.delete",
		Decision: "approved",
		Status:   "succeeded",
	})

	var got AuditEvent
	if err := json.NewDecoder(&buf).Decode(&got); err != nil {
		t.Fatalf("failed to decode JSONL: %v", err)
	}
	if got.Type != EventToolResult {
		t.Errorf("type = %q, want %q", got.Type, EventToolResult)
	}
	if got.CallID != "call-1" || got.ToolPath != "crm.contacts.delete" {
		t.Errorf("call fields = %q %q", got.CallID, got.ToolPath)
	}
	if got.Timestamp != fixedTime {
		t.Errorf("timestamp = %v, want %v", got.Timestamp, fixedTime)
	}
}

func TestAuditLogger_KeepsExplicitTimestamp(t *testing.T) {
	t.Parallel()

	var events []AuditEvent
	logger := NewAuditLogger(AuditLoggerConfig{OnEvent: func(e AuditEvent) { events = append(events, e) }})
	ts := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	logger.Log(AuditEvent{Type: EventToolCall, Timestamp: ts})
	if !events[0].Timestamp.Equal(ts) {
		t.Errorf("timestamp = %v, want %v", events[0].Timestamp, ts)
	}
}

func TestAuditLogger_RedactsDetail(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	r := NewRedactor()
	r.AddLiteral("my-secret-key")

	logger := NewAuditLogger(AuditLoggerConfig{
		Writer:   &buf,
		Redactor: r,
	})

	meta := map[string]string{"input": "value is my-secret-key here"}
	logger.Log(AuditEvent{
		Type:     EventToolCall,
		Detail:   "calling with my-secret-key",
		Metadata: meta,
	})

	output := buf.String()
	if strings.Contains(output, "my-secret-key") {
		t.Errorf("secret found in audit output: %s", output)
	}
	if !strings.Contains(output, RedactPlaceholder) {
		t.Errorf("expected placeholder in audit output: %s", output)
	}
	if meta["input"] != "value is my-secret-key here" {
		t.Error("caller metadata must not be mutated")
	}
}

func TestAuditLogger_ConcurrentWrites(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	logger := NewAuditLogger(AuditLoggerConfig{Writer: &buf})

	var wg sync.WaitGroup
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			logger.Log(AuditEvent{Type: EventToolCall, Detail: "concurrent"})
		}()
	}
	wg.Wait()

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 50 {
		t.Fatalf("got %d lines, want 50", len(lines))
	}
}

func TestAuditLogger_NilLogger(t *testing.T) {
	t.Parallel()

	var logger *AuditLogger
	logger.Log(AuditEvent{Type: EventApproval})
	if logger.WriteErrors() != 0 {
		t.Error("nil logger should report no errors")
	}
}

type errWriter struct{}

func (errWriter) Write(_ []byte) (int, error) {
	return 0, errors.New("write failed")
}

func TestAuditLogger_WriteErrors(t *testing.T) {
	t.Parallel()

	failing := NewAuditLogger(AuditLoggerConfig{Writer: errWriter{}})
	failing.Log(AuditEvent{Type: EventTask})
	failing.Log(AuditEvent{Type: EventTask})
	if got := failing.WriteErrors(); got != 2 {
		t.Errorf("WriteErrors() = %d, want 2", got)
	}

	ok := NewAuditLogger(AuditLoggerConfig{Writer: io.Discard})
	ok.Log(AuditEvent{Type: EventTask})
	if got := ok.WriteErrors(); got != 0 {
		t.Errorf("WriteErrors() = %d, want 0", got)
	}
}
