package security

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// BearerAuth returns a chi-compatible middleware that requires
// "Authorization: Bearer <token>" using constant-time comparison.
// An empty token lets every request through. Failures are reported to
// audit when it is non-nil.
func BearerAuth(token string, audit *AuditLogger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if token == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			auth := r.Header.Get("Authorization")
			if auth == "" {
				authFailure(audit, r, "missing authorization header")
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			if after, ok := strings.CutPrefix(auth, "Bearer "); ok && constantTimeEqual(after, token) {
				next.ServeHTTP(w, r)
				return
			}
			authFailure(audit, r, "invalid credentials")
			http.Error(w, "unauthorized", http.StatusUnauthorized)
		})
	}
}

func authFailure(logger *AuditLogger, r *http.Request, detail string) {
	logger.Log(AuditEvent{
		Type:   EventAuthFailure,
		Detail: detail,
		Metadata: map[string]string{
			"remote_addr": r.RemoteAddr,
			"method":      r.Method,
			"path":        r.URL.Path,
		},
	})
}

func constantTimeEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
