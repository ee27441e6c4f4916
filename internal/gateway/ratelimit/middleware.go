package ratelimit

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/rcourtman/funnelgate/internal/gateway/gwmetrics"
	"github.com/rcourtman/funnelgate/internal/logging"
	"github.com/rs/zerolog/log"
)

// Policy is the limit applied to one named endpoint.
type Policy struct {
	Endpoint string
	Limit    int
	Window   time.Duration
}

type rateLimitedResponse struct {
	Error             string `json:"error"`
	RetryAfterSeconds int    `json:"retryAfterSeconds"`
}

// Key builds the counter key for a client and endpoint.
func Key(clientIP, endpoint string) string {
	return clientIP + "|" + endpoint
}

// Middleware enforces p before next runs. Counter store failures are logged
// and the request is admitted.
func (l *Limiter) Middleware(p Policy, next http.Handler) http.Handler {
	windowSeconds := int(p.Window / time.Second)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}

		ip := l.proxies.ClientIP(r)
		decision, err := l.Check(r.Context(), Key(ip, p.Endpoint), windowSeconds, p.Limit)
		if err != nil {
			gwmetrics.RateLimitDecisions.WithLabelValues(p.Endpoint, "error").Inc()
			logging.FromContext(r.Context()).Warn().Err(err).
				Str("endpoint", p.Endpoint).
				Str("client_ip", ip).
				Msg("Rate limit check failed; admitting request")
			next.ServeHTTP(w, r)
			return
		}

		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(decision.Limit))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(decision.Remaining))
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(decision.ResetAt.Unix(), 10))

		if !decision.Allowed {
			gwmetrics.RateLimitDecisions.WithLabelValues(p.Endpoint, "denied").Inc()
			w.Header().Set("Retry-After", strconv.Itoa(decision.RetryAfterSeconds))
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			if err := json.NewEncoder(w).Encode(rateLimitedResponse{
				Error:             "rate_limited",
				RetryAfterSeconds: decision.RetryAfterSeconds,
			}); err != nil {
				log.Error().Err(err).Msg("gateway.ratelimit: encode response")
			}
			return
		}

		gwmetrics.RateLimitDecisions.WithLabelValues(p.Endpoint, "allowed").Inc()
		next.ServeHTTP(w, r)
	})
}
