package reading

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/rcourtman/funnelgate/internal/gateway/gwmetrics"
	"github.com/rcourtman/funnelgate/internal/logging"
	"github.com/rcourtman/funnelgate/pkg/entitlements"
	"github.com/rs/zerolog/log"
)

const (
	requestBodyLimit = 64 * 1024
	maxQuizAnswers   = 64
)

// Authorizer is the entitlement check performed before generation.
type Authorizer interface {
	Authorize(ctx context.Context, endpoint, sessionID string, allow func(entitlements.Entitlement) bool) (entitlements.Entitlement, bool, error)
}

type generateRequest struct {
	SessionID string  `json:"session_id"`
	Profile   Profile `json:"profile"`
}

type generateResponse struct {
	Reading string `json:"reading"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// Gate serves POST /generate-reading. Entitlement is always checked before
// the generator is invoked.
type Gate struct {
	auth      Authorizer
	generator Generator
	timeout   time.Duration
}

// NewGate returns a generation gate. generator may be nil when no generator
// is configured.
func NewGate(auth Authorizer, generator Generator, timeout time.Duration) *Gate {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Gate{auth: auth, generator: generator, timeout: timeout}
}

// ServeHTTP implements http.Handler.
func (g *Gate) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, errorResponse{Error: "method not allowed"})
		return
	}

	var req generateRequest
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
	if len(req.Profile.QuizAnswers) > maxQuizAnswers {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid_profile"})
		return
	}

	logger := logging.FromContext(r.Context())
	ent, ok, err := g.auth.Authorize(r.Context(), "generate-reading", sessionID, entitlements.Entitlement.CanGenerateReading)
	if err != nil {
		logger.Error().Err(err).Str("session_id", sessionID).Msg("Entitlement lookup failed for reading generation")
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "entitlement_lookup_failed"})
		return
	}
	if !ok {
		writeJSON(w, http.StatusForbidden, errorResponse{Error: "forbidden"})
		return
	}

	if g.generator == nil {
		gwmetrics.GenerationsTotal.WithLabelValues("unavailable").Inc()
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "generation_unavailable"})
		return
	}

	// Generation already paid for runs to completion even if the client goes away.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), g.timeout)
	defer cancel()

	start := time.Now()
	text, err := g.generator.Generate(ctx, Request{
		SessionID:    sessionID,
		PaidProducts: ent.PaidProducts,
		Profile:      req.Profile,
	})
	if err != nil {
		gwmetrics.GenerationsTotal.WithLabelValues("failed").Inc()
		logger.Error().Err(err).
			Str("session_id", sessionID).
			Dur("elapsed", time.Since(start)).
			Msg("Reading generation failed")
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "generation_failed"})
		return
	}

	gwmetrics.GenerationsTotal.WithLabelValues("generated").Inc()
	logger.Info().
		Str("session_id", sessionID).
		Dur("elapsed", time.Since(start)).
		Int("quiz_answers", len(req.Profile.QuizAnswers)).
		Msg("Generated reading")
	writeJSON(w, http.StatusOK, generateResponse{Reading: text})
}

func writeJSON[T any](w http.ResponseWriter, status int, v T) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Int("status", status).Msg("gateway.reading: encode response")
	}
}
