package admin

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/rcourtman/funnelgate/internal/gateway/ledger"
	"github.com/rcourtman/funnelgate/internal/logging"
)

const maxListLimit = 1000

// PurchaseReader is the read side of the purchase ledger.
type PurchaseReader interface {
	List(ctx context.Context, f ledger.Filter) ([]*ledger.PurchaseRecord, error)
	CountByStatus(ctx context.Context) (map[ledger.Status]int, error)
}

// HandleListPurchases returns an authenticated handler that lists ledger rows,
// optionally filtered by session_id and status.
func HandleListPurchases(purchases PurchaseReader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		q := r.URL.Query()
		filter := ledger.Filter{
			SessionID: strings.TrimSpace(q.Get("session_id")),
			Status:    ledger.Status(strings.TrimSpace(q.Get("status"))),
		}
		if filter.Status != "" && !filter.Status.Valid() {
			http.Error(w, "invalid status", http.StatusBadRequest)
			return
		}
		if raw := strings.TrimSpace(q.Get("limit")); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n <= 0 || n > maxListLimit {
				http.Error(w, "invalid limit", http.StatusBadRequest)
				return
			}
			filter.Limit = n
		}

		rows, err := purchases.List(r.Context(), filter)
		if err != nil {
			logging.FromContext(r.Context()).Error().Err(err).Msg("List purchases failed")
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		if rows == nil {
			rows = []*ledger.PurchaseRecord{}
		}
		// Raw provider payloads stay out of listings; they may carry customer PII.
		if q.Get("include_raw") != "true" {
			for _, row := range rows {
				row.Raw = nil
			}
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"purchases": rows,
			"count":     len(rows),
		})
	}
}

// AdminKeyMiddleware returns middleware that requires a valid admin API key.
func AdminKeyMiddleware(adminKey string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := strings.TrimSpace(r.Header.Get("X-Admin-Key"))
		if key == "" {
			// Also check Authorization: Bearer <key>
			auth := r.Header.Get("Authorization")
			if strings.HasPrefix(auth, "Bearer ") {
				key = strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
			}
		}

		if key == "" || adminKey == "" || subtle.ConstantTimeCompare([]byte(key), []byte(adminKey)) != 1 {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			_ = json.NewEncoder(w).Encode(map[string]string{
				"error": "unauthorized",
			})
			return
		}

		next.ServeHTTP(w, r)
	})
}
