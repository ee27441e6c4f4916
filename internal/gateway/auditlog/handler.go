package auditlog

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/rcourtman/funnelgate/internal/gateway/gwmetrics"
	"github.com/rcourtman/funnelgate/internal/logging"
	"github.com/rs/zerolog/log"
)

const eventBodyLimit = 16 * 1024

type recordEventRequest struct {
	SessionID string `json:"session_id"`
	Event     string `json:"event"`
	Detail    string `json:"detail"`
}

type recordEventResponse struct {
	Recorded bool `json:"recorded"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// HandleRecordEvent accepts funnel milestones posted by clients, including
// the analysis fallback path taken when generation times out. Forwarded
// client addresses are honoured only from proxies.
func HandleRecordEvent(rec Recorder, proxies *TrustedProxies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeJSON(w, http.StatusMethodNotAllowed, errorResponse{Error: "method not allowed"})
			return
		}

		var req recordEventRequest
		r.Body = http.MaxBytesReader(w, r.Body, eventBodyLimit)
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid_body"})
			return
		}
		req.SessionID = strings.TrimSpace(req.SessionID)
		if req.SessionID == "" {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "session_id_required"})
			return
		}
		if !IsClientEvent(req.Event) {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid_event"})
			return
		}

		ev := &Event{
			SessionID: req.SessionID,
			Event:     req.Event,
			Detail:    req.Detail,
			ClientIP:  proxies.ClientIP(r),
			RequestID: logging.GetRequestID(r.Context()),
		}
		if err := rec.Record(r.Context(), ev); err != nil {
			logging.FromContext(r.Context()).Error().Err(err).
				Str("session_id", req.SessionID).
				Str("event", req.Event).
				Msg("Failed to record funnel event")
			writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "record_failed"})
			return
		}
		gwmetrics.FunnelEventsTotal.WithLabelValues(req.Event).Inc()
		writeJSON(w, http.StatusAccepted, recordEventResponse{Recorded: true})
	}
}

func writeJSON[T any](w http.ResponseWriter, status int, v T) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Int("status", status).Msg("gateway.auditlog: encode response")
	}
}
