package gateway

import (
	"net/http"

	"github.com/rcourtman/funnelgate/internal/logging"
	"github.com/rs/zerolog/log"
)

const requestIDHeader = "X-Request-ID"

const maxRequestIDLength = 128

// RequestID reuses the caller's X-Request-ID (or generates one), echoes it on
// the response and attaches a request-scoped logger to the context.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		incoming := r.Header.Get(requestIDHeader)
		if len(incoming) > maxRequestIDLength {
			incoming = ""
		}
		ctx, id := logging.WithRequestID(r.Context(), incoming)

		logger := log.With().
			Str("request_id", id).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Logger()
		ctx = logging.WithLogger(ctx, logger)

		w.Header().Set(requestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
