// Package middleware provides HTTP middleware for the chatpact API.
package middleware

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ashureev/chatpact/internal/identity"
)

// CORSOptions configures the CORS middleware.
type CORSOptions struct {
	// AllowedOrigins lists exact origins. "*" echoes any origin back but
	// never grants credentials.
	AllowedOrigins []string
	AllowedMethods []string
	AllowedHeaders []string
	MaxAge         time.Duration
}

// DefaultCORSOptions returns the options the chatpact browser client needs:
// the session header for identity and Last-Event-ID for stream resume.
func DefaultCORSOptions(origins ...string) CORSOptions {
	return CORSOptions{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", identity.SessionHeaderName, "Last-Event-ID"},
		MaxAge:         10 * time.Minute,
	}
}

// CORS returns middleware that answers preflight requests and decorates
// responses for allowed origins.
func CORS(opts CORSOptions) func(http.Handler) http.Handler {
	methods := strings.Join(opts.AllowedMethods, ", ")
	headers := strings.Join(opts.AllowedHeaders, ", ")
	maxAge := strconv.Itoa(int(opts.MaxAge.Seconds()))

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			preflight := r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != ""

			if origin != "" {
				w.Header().Add("Vary", "Origin")
				if exact, ok := matchOrigin(opts.AllowedOrigins, origin); ok {
					h := w.Header()
					h.Set("Access-Control-Allow-Origin", origin)
					// Credentials only for explicitly listed origins.
					if exact {
						h.Set("Access-Control-Allow-Credentials", "true")
					}
					if preflight {
						h.Set("Access-Control-Allow-Methods", methods)
						h.Set("Access-Control-Allow-Headers", headers)
						if opts.MaxAge > 0 {
							h.Set("Access-Control-Max-Age", maxAge)
						}
					}
				}
			}

			if preflight {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// matchOrigin reports whether origin is allowed and whether it matched an
// explicit entry rather than the wildcard.
func matchOrigin(allowed []string, origin string) (exact, ok bool) {
	for _, o := range allowed {
		if o == origin {
			return true, true
		}
		if o == "*" {
			ok = true
		}
	}
	return false, ok
}
