package security

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
}

func TestBearerAuth(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		token  string
		header string
		want   int
	}{
		{"valid", "secret-token", "Bearer secret-token", http.StatusOK},
		{"wrong token", "secret-token", "Bearer wrong-token", http.StatusUnauthorized},
		{"missing header", "secret-token", "", http.StatusUnauthorized},
		{"basic scheme", "secret-token", "Basic c2VjcmV0LXRva2Vu", http.StatusUnauthorized},
		{"auth disabled", "", "", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			handler := BearerAuth(tt.token, nil)(okHandler())
			req := httptest.NewRequest(http.MethodGet, "/test", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rr := httptest.NewRecorder()
			handler.ServeHTTP(rr, req)
			if rr.Code != tt.want {
				t.Errorf("status = %d, want %d", rr.Code, tt.want)
			}
		})
	}
}

func TestBearerAuth_AuditsFailures(t *testing.T) {
	t.Parallel()

	var events []AuditEvent
	audit := NewAuditLogger(AuditLoggerConfig{OnEvent: func(e AuditEvent) { events = append(events, e) }})
	handler := BearerAuth("secret-token", audit)(okHandler())

	req := httptest.NewRequest(http.MethodPost, "/tool-calls", nil)
	req.Header.Set("Authorization", "Bearer nope")
	handler.ServeHTTP(httptest.NewRecorder(), req)

	if len(events) != 1 {
		t.Fatalf("got %d events, want 1", len(events))
	}
	if events[0].Type != EventAuthFailure || events[0].Metadata["path"] != "/tool-calls" {
		t.Errorf("event = %+v", events[0])
	}
}
