package assets

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/rcourtman/funnelgate/internal/gateway/gwmetrics"
	"github.com/rcourtman/funnelgate/internal/logging"
	"github.com/rcourtman/funnelgate/pkg/entitlements"
	"github.com/rs/zerolog/log"
)

const requestBodyLimit = 16 * 1024

// Authorizer is the entitlement check performed before minting a link.
type Authorizer interface {
	Authorize(ctx context.Context, endpoint, sessionID string, allow func(entitlements.Entitlement) bool) (entitlements.Entitlement, bool, error)
}

type signedURLRequest struct {
	SessionID string `json:"session_id"`
}

type signedURLResponse struct {
	SignedURL string    `json:"signedUrl"`
	ExpiresAt time.Time `json:"expiresAt"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// SignedURLHandler serves POST /signed-asset-url for the guide asset.
type SignedURLHandler struct {
	auth   Authorizer
	signer Signer
	object string
	ttl    time.Duration
}

// NewSignedURLHandler returns a handler minting links to object. signer may be
// nil when asset delivery is not configured.
func NewSignedURLHandler(auth Authorizer, signer Signer, object string, ttl time.Duration) *SignedURLHandler {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &SignedURLHandler{auth: auth, signer: signer, object: object, ttl: ttl}
}

// ServeHTTP authorizes the session and returns a short-lived link.
func (h *SignedURLHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, errorResponse{Error: "method not allowed"})
		return
	}

	var req signedURLRequest
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

	logger := logging.FromContext(r.Context())
	_, ok, err := h.auth.Authorize(r.Context(), "signed-asset-url", sessionID, entitlements.Entitlement.CanDownloadGuide)
	if err != nil {
		logger.Error().Err(err).Str("session_id", sessionID).Msg("Entitlement lookup failed for asset link")
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "entitlement_lookup_failed"})
		return
	}
	if !ok {
		writeJSON(w, http.StatusForbidden, errorResponse{Error: "forbidden"})
		return
	}

	if h.signer == nil || strings.TrimSpace(h.object) == "" {
		gwmetrics.SignedURLsTotal.WithLabelValues("failed").Inc()
		logger.Error().Str("session_id", sessionID).Msg("Asset signing is not configured")
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "signed_url_failed"})
		return
	}

	signed, expiresAt, err := h.signer.SignedURL(r.Context(), h.object, h.ttl)
	if err != nil {
		gwmetrics.SignedURLsTotal.WithLabelValues("failed").Inc()
		logger.Error().Err(err).Str("session_id", sessionID).Msg("Failed to sign asset URL")
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "signed_url_failed"})
		return
	}

	gwmetrics.SignedURLsTotal.WithLabelValues("issued").Inc()
	logger.Info().
		Str("session_id", sessionID).
		Time("expires_at", expiresAt).
		Msg("Issued signed asset URL")
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, signedURLResponse{SignedURL: signed, ExpiresAt: expiresAt.UTC()})
}

// DownloadHandler redeems LocalSigner links from files under dir.
type DownloadHandler struct {
	signer *LocalSigner
	dir    string
}

// NewDownloadHandler returns a handler serving files under dir.
func NewDownloadHandler(signer *LocalSigner, dir string) *DownloadHandler {
	return &DownloadHandler{signer: signer, dir: dir}
}

// ServeHTTP implements GET /assets/download?token=.
func (h *DownloadHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		writeJSON(w, http.StatusMethodNotAllowed, errorResponse{Error: "method not allowed"})
		return
	}

	object, err := h.signer.Verify(r.URL.Query().Get("token"))
	switch {
	case errors.Is(err, ErrLinkExpired):
		writeJSON(w, http.StatusGone, errorResponse{Error: "link_expired"})
		return
	case err != nil:
		logging.FromContext(r.Context()).Warn().Err(err).Msg("Rejected asset download link")
		writeJSON(w, http.StatusForbidden, errorResponse{Error: "invalid_link"})
		return
	}

	full, ok := confine(h.dir, object)
	if !ok {
		writeJSON(w, http.StatusForbidden, errorResponse{Error: "invalid_link"})
		return
	}
	info, err := os.Stat(full)
	if err != nil || info.IsDir() {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "not_found"})
		return
	}

	w.Header().Set("Cache-Control", "private, no-store")
	w.Header().Set("Content-Disposition", `attachment; filename="`+path.Base(filepath.ToSlash(object))+`"`)
	http.ServeFile(w, r, full)
}

// confine joins object onto dir and rejects anything that escapes dir.
func confine(dir, object string) (string, bool) {
	base, err := filepath.Abs(dir)
	if err != nil {
		return "", false
	}
	full := filepath.Join(base, filepath.FromSlash(path.Clean("/"+object)))
	rel, err := filepath.Rel(base, full)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return "", false
	}
	return full, true
}

func writeJSON[T any](w http.ResponseWriter, status int, v T) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Int("status", status).Msg("gateway.assets: encode response")
	}
}
