// Package middleware provides HTTP middleware for the stub service.
package middleware

import (
	"net/http"
	"strconv"
	"time"
)

// preflightMaxAge caps how long browsers may cache a preflight answer.
// The client polls status frequently; without this every poll pays a
// preflight round trip.
const preflightMaxAge = 10 * time.Minute

// CORS returns middleware answering cross-origin requests from the
// browser-hosted client. Methods mirror the session-control surface:
// GET (status, list, health), POST (create, file, run, command),
// DELETE (teardown).
func CORS(allowedOrigins []string) func(http.Handler) http.Handler {
	maxAge := strconv.Itoa(int(preflightMaxAge.Seconds()))

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			w.Header().Add("Vary", "Origin")

			if explicit, ok := originAllowed(allowedOrigins, origin); ok {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
				w.Header().Set("Access-Control-Max-Age", maxAge)
				// Credentials only for explicitly listed origins. With a
				// wildcard-echoed origin they would enable CSRF.
				if explicit {
					w.Header().Set("Access-Control-Allow-Credentials", "true")
				}
			}

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// originAllowed reports whether origin may cross, and whether it was
// listed explicitly rather than matched by the wildcard.
func originAllowed(allowed []string, origin string) (explicit, ok bool) {
	wildcard := false
	for _, o := range allowed {
		if o == origin {
			return true, true
		}
		if o == "*" {
			wildcard = true
		}
	}
	return false, wildcard
}
