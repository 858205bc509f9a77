package middleware

import (
	"net/http"
	"strings"
)

// Header values sent to browser players. Streams and the playlist are read
// only; DELETE is needed to stop a stream from the admin API.
const (
	corsMethods = "GET, HEAD, DELETE, OPTIONS"
	corsHeaders = "Accept, Content-Type, Range, X-Request-ID"
	corsExposed = "X-Request-ID, X-Stream-Id, X-Stream-Mode"
	corsMaxAge  = "86400"
)

// CORS lets browser players on the given origins read streams and the API.
// With no origins, or when "*" is listed, any origin is allowed.
// Preflight requests are answered directly with 204.
func CORS(origins ...string) func(http.Handler) http.Handler {
	anyOrigin := len(origins) == 0
	allowed := make(map[string]struct{}, len(origins))
	for _, o := range origins {
		o = strings.TrimRight(strings.TrimSpace(o), "/")
		if o == "*" {
			anyOrigin = true
		}
		allowed[o] = struct{}{}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin == "" {
				next.ServeHTTP(w, r)
				return
			}

			h := w.Header()
			_, listed := allowed[origin]
			switch {
			case anyOrigin:
				h.Set("Access-Control-Allow-Origin", "*")
			case listed:
				h.Set("Access-Control-Allow-Origin", origin)
				h.Add("Vary", "Origin")
			default:
				next.ServeHTTP(w, r)
				return
			}
			h.Set("Access-Control-Expose-Headers", corsExposed)

			if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
				h.Set("Access-Control-Allow-Methods", corsMethods)
				h.Set("Access-Control-Allow-Headers", corsHeaders)
				h.Set("Access-Control-Max-Age", corsMaxAge)
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
