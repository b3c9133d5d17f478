// Package middleware provides HTTP middleware for the chat gateway.
package middleware

import (
	"net/http"
	"strings"

	"github.com/ashureev/shsh-chat/internal/protocol"
)

var (
	allowedHeaders = strings.Join([]string{"Content-Type", "Last-Event-ID", protocol.HeaderTenantID}, ", ")
	exposedHeaders = strings.Join([]string{
		protocol.HeaderRateLimitLimit,
		protocol.HeaderRateLimitRemaining,
		protocol.HeaderRateLimitReset,
		protocol.HeaderRetryAfter,
	}, ", ")
)

// CORS returns middleware that handles CORS headers.
func CORS(allowedOrigins []string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")

			allowed := false
			for _, o := range allowedOrigins {
				if o == "*" || o == origin {
					allowed = true
					break
				}
			}

			if allowed {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", allowedHeaders)
				w.Header().Set("Access-Control-Expose-Headers", exposedHeaders)
				// Only allow credentials for explicit origins, not wildcard matches.
				// Setting Allow-Credentials with a wildcard-echoed origin enables CSRF.
				for _, o := range allowedOrigins {
					if o != "*" && o == origin {
						w.Header().Set("Access-Control-Allow-Credentials", "true")
						break
					}
				}
			}

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusOK)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
