package security

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
)

func newRedactingLogger(r *Redactor, level slog.Level) (*slog.Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	inner := slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: level})
	return slog.New(NewRedactingHandler(inner, r)), &buf
}

func TestRedactingHandler_RedactsMessageAndAttrs(t *testing.T) {
	t.Parallel()

	r := NewRedactor()
	r.AddLiteral("super-secret-value")
	logger, buf := newRedactingLogger(r, slog.LevelDebug)

	logger.Info("key is sk-abcdefghijklmnopqrstuvwxyz", "input", "super-secret-value", "tool_path", "crm.list")

	out := buf.String()
	for _, secret := range []string{"sk-abcdefghijklmnopqrstuvwxyz", "super-secret-value"} {
		if strings.Contains(out, secret) {
			t.Errorf("secret %q leaked: %s", secret, out)
		}
	}
	if !strings.Contains(out, "crm.list") {
		t.Errorf("safe value missing: %s", out)
	}
}

func TestRedactingHandler_WithAttrsAndGroups(t *testing.T) {
	t.Parallel()

	r := NewRedactor()
	r.AddLiteral("persistent-secret")
	logger, buf := newRedactingLogger(r, slog.LevelDebug)

	logger.With("secret", "persistent-secret").WithGroup("call").Info("tool call",
		slog.Group("input", slog.String("token", "persistent-secret")),
		"err", errors.New("auth failed with persistent-secret"),
	)

	if strings.Contains(buf.String(), "persistent-secret") {
		t.Errorf("secret leaked: %s", buf.String())
	}
}

func TestRedactingHandler_Enabled(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	inner := slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelWarn})
	handler := NewRedactingHandler(inner, NewRedactor())

	if handler.Enabled(context.Background(), slog.LevelDebug) {
		t.Error("debug should be disabled at warn level")
	}
	if !handler.Enabled(context.Background(), slog.LevelError) {
		t.Error("error should be enabled at warn level")
	}
}

func TestRedactingHandler_NoSecrets(t *testing.T) {
	t.Parallel()

	logger, buf := newRedactingLogger(NewRedactor(), slog.LevelDebug)
	logger.Info("normal message", "key", "value")

	if strings.Contains(buf.String(), RedactPlaceholder) {
		t.Errorf("unexpected redaction: %s", buf.String())
	}
}
