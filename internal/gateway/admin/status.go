package admin

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/rcourtman/funnelgate/internal/gateway/gwmetrics"
	"github.com/rcourtman/funnelgate/internal/gateway/ledger"
)

// Pinger reports backing store reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}

type statusResponse struct {
	Version        string                `json:"version"`
	TotalPurchases int                   `json:"total_purchases"`
	ByStatus       map[ledger.Status]int `json:"by_status"`
	RateLimitMode  string                `json:"rate_limit_mode"`
	WebhookSecrets int                   `json:"webhook_secrets"`
}

// StatusInfo carries runtime settings reported by HandleStatus.
type StatusInfo struct {
	Version        string
	RateLimitMode  string
	WebhookSecrets func() int
}

// HandleHealthz returns 200 "ok" unconditionally (liveness probe).
func HandleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// HandleReadyz returns a handler that checks store connectivity (readiness probe).
func HandleReadyz(p Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if p == nil || p.Ping(r.Context()) != nil {
			w.Header().Set("Content-Type", "text/plain")
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("not ready"))
			return
		}
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	}
}

// HandleStatus returns a handler that reports aggregate purchase status.
func HandleStatus(purchases PurchaseReader, info StatusInfo) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		counts, err := purchases.CountByStatus(r.Context())
		if err != nil {
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}

		// Opportunistically sync gauges on status calls (in addition to the background updater).
		for status, c := range counts {
			gwmetrics.PurchasesByStatus.WithLabelValues(string(status)).Set(float64(c))
		}

		total := 0
		for _, c := range counts {
			total += c
		}
		secrets := 0
		if info.WebhookSecrets != nil {
			secrets = info.WebhookSecrets()
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(statusResponse{
			Version:        info.Version,
			TotalPurchases: total,
			ByStatus:       counts,
			RateLimitMode:  info.RateLimitMode,
			WebhookSecrets: secrets,
		})
	}
}
