// Package middleware provides HTTP middleware for the trip chat API.
package middleware

import (
	"net/http"
	"strings"

	"github.com/samber/lo"

	"github.com/ashureev/tripchat/internal/identity"
)

var (
	corsMethods = strings.Join([]string{
		http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete, http.MethodOptions,
	}, ", ")
	corsHeaders = strings.Join([]string{"Content-Type", "Last-Event-ID", identity.ChatHeaderName}, ", ")
)

// preflightMaxAge is how long browsers may cache a preflight answer, in seconds.
const preflightMaxAge = "600"

// CORS returns middleware that handles CORS headers. A "*" entry allows any
// origin but never with credentials.
func CORS(allowedOrigins []string) func(http.Handler) http.Handler {
	wildcard := lo.Contains(allowedOrigins, "*")
	explicit := lo.Without(allowedOrigins, "*")

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			w.Header().Add("Vary", "Origin")

			named := origin != "" && lo.Contains(explicit, origin)
			if named || (wildcard && origin != "") {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Methods", corsMethods)
				w.Header().Set("Access-Control-Allow-Headers", corsHeaders)
				w.Header().Set("Access-Control-Max-Age", preflightMaxAge)
				// Echoing a wildcard-matched origin with credentials enables CSRF.
				if named {
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
