package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/edvin/proxyhost/internal/api/response"
)

// Auth returns a middleware that requires "Authorization: Bearer <token>".
// An empty token disables the check, for deployments that rely on mTLS alone.
func Auth(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if token == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := extractAPIKey(r)
			if key == "" {
				response.WriteError(w, http.StatusUnauthorized, "missing API token")
				return
			}
			if subtle.ConstantTimeCompare([]byte(key), []byte(token)) != 1 {
				response.WriteError(w, http.StatusUnauthorized, "invalid API token")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func extractAPIKey(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}
