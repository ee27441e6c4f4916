package gateway

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/rcourtman/funnelgate/internal/gateway/origins"
	"github.com/rcourtman/funnelgate/internal/logging"
	"github.com/rs/cors"
)

// Paths that are never called from a browser funnel page. Requests to them
// skip origin enforcement.
var originExemptPrefixes = []string{
	"/payments/webhook",
	"/assets/download",
	"/healthz",
	"/readyz",
	"/metrics",
	"/status",
	"/admin/",
}

// CORS applies the origin allow-list to every browser-facing endpoint. A
// request carrying an Origin header outside the list is refused with 403
// before any handler runs; allowed origins get the usual CORS headers and
// preflight handling.
func CORS(allowed *origins.AllowList, next http.Handler) http.Handler {
	c := cors.New(cors.Options{
		AllowOriginFunc:  allowed.Allowed,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"Content-Type", requestIDHeader},
		ExposedHeaders:   []string{requestIDHeader, "Retry-After"},
		AllowCredentials: false,
		MaxAge:           600,
	})
	wrapped := c.Handler(next)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if originExempt(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}
		origin := r.Header.Get("Origin")
		if origin != "" && !allowed.Allowed(origin) {
			logging.FromContext(r.Context()).Warn().
				Str("origin", origin).
				Msg("Rejected request from origin outside allow-list")
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusForbidden)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": "origin_not_allowed"})
			return
		}
		wrapped.ServeHTTP(w, r)
	})
}

func originExempt(path string) bool {
	for _, prefix := range originExemptPrefixes {
		if path == strings.TrimSuffix(prefix, "/") || strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}
