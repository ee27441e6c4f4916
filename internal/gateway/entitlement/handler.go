package entitlement

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/rcourtman/funnelgate/internal/gateway/gwmetrics"
	"github.com/rcourtman/funnelgate/internal/logging"
	"github.com/rs/zerolog/log"
)

const requestBodyLimit = 16 * 1024

// SessionRequest is the body shared by every session-keyed endpoint.
type SessionRequest struct {
	SessionID string `json:"session_id"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// HandleQuery serves POST /entitlement.
func HandleQuery(resolver *Resolver) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeJSON(w, http.StatusMethodNotAllowed, errorResponse{Error: "method not allowed"})
			return
		}

		var req SessionRequest
		r.Body = http.MaxBytesReader(w, r.Body, requestBodyLimit)
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid_body"})
			return
		}
		sessionID := strings.TrimSpace(req.SessionID)
		if sessionID == "" {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "session_id_required"})
			return
		}

		ent, err := resolver.Resolve(r.Context(), sessionID)
		if err != nil {
			gwmetrics.EntitlementChecks.WithLabelValues("entitlement", "error").Inc()
			logging.FromContext(r.Context()).Error().Err(err).
				Str("session_id", sessionID).
				Msg("Entitlement lookup failed")
			writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "entitlement_lookup_failed"})
			return
		}

		result := "unpaid"
		if ent.IsPaid {
			result = "paid"
		}
		gwmetrics.EntitlementChecks.WithLabelValues("entitlement", result).Inc()
		writeJSON(w, http.StatusOK, ent)
	}
}

func writeJSON[T any](w http.ResponseWriter, status int, v T) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Int("status", status).Msg("gateway.entitlement: encode response")
	}
}
