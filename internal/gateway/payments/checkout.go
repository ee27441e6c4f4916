package payments

import (
	"encoding/json"
	"net/http"
	"net/mail"
	"net/url"
	"strings"

	"github.com/rcourtman/funnelgate/internal/gateway/gwmetrics"
	"github.com/rcourtman/funnelgate/internal/logging"
	"github.com/rcourtman/funnelgate/pkg/entitlements"
	stripe "github.com/stripe/stripe-go/v82"
	stripesession "github.com/stripe/stripe-go/v82/checkout/session"
)

const (
	checkoutBodyLimit                  = 16 * 1024
	stripeCheckoutSessionIDPlaceholder = "{CHECKOUT_SESSION_ID}"
)

// OriginChecker reports whether a return URL points at an allowed origin.
type OriginChecker interface {
	AllowedURL(rawURL string) bool
}

// CheckoutConfig carries the Stripe settings for checkout creation.
type CheckoutConfig struct {
	APIKey string
	// Prices maps each sellable product to its Stripe price id.
	Prices map[entitlements.ProductCode]string
}

// CheckoutHandler creates Stripe Checkout Sessions for funnel products.
type CheckoutHandler struct {
	cfg     CheckoutConfig
	origins OriginChecker

	createCheckoutSession func(params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error)
}

type checkoutRequest struct {
	ProductCode     string `json:"productCode"`
	Email           string `json:"email"`
	ReturnURL       string `json:"returnUrl"`
	FunnelSessionID string `json:"funnelSessionId"`
}

type checkoutResponse struct {
	URL       string `json:"url"`
	SessionID string `json:"sessionId,omitempty"`
}

// NewCheckoutHandler returns a checkout handler backed by the Stripe API.
func NewCheckoutHandler(cfg CheckoutConfig, origins OriginChecker) *CheckoutHandler {
	return &CheckoutHandler{
		cfg:                   cfg,
		origins:               origins,
		createCheckoutSession: stripesession.New,
	}
}

// Configured reports whether an API key and at least one price are set.
func (h *CheckoutHandler) Configured() bool {
	return strings.TrimSpace(h.cfg.APIKey) != "" && len(h.cfg.Prices) > 0
}

// ServeHTTP validates the request and redirects the caller to hosted checkout
// by returning the session URL.
func (h *CheckoutHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, webhookErrorResponse{Error: "method not allowed"})
		return
	}

	var req checkoutRequest
	r.Body = http.MaxBytesReader(w, r.Body, checkoutBodyLimit)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, webhookErrorResponse{Error: "invalid_body"})
		return
	}

	code, ok := entitlements.ParseProductCode(req.ProductCode)
	if !ok {
		gwmetrics.CheckoutSessionsTotal.WithLabelValues("unknown", "invalid").Inc()
		writeJSON(w, http.StatusBadRequest, webhookErrorResponse{Error: "invalid_product_code"})
		return
	}
	if !isValidReturnURL(req.ReturnURL) || h.origins == nil || !h.origins.AllowedURL(req.ReturnURL) {
		gwmetrics.CheckoutSessionsTotal.WithLabelValues(string(code), "invalid").Inc()
		writeJSON(w, http.StatusBadRequest, webhookErrorResponse{Error: "invalid_return_url"})
		return
	}
	email := strings.TrimSpace(req.Email)
	if email != "" && !isValidEmail(email) {
		gwmetrics.CheckoutSessionsTotal.WithLabelValues(string(code), "invalid").Inc()
		writeJSON(w, http.StatusBadRequest, webhookErrorResponse{Error: "invalid_email"})
		return
	}

	priceID := strings.TrimSpace(h.cfg.Prices[code])
	if strings.TrimSpace(h.cfg.APIKey) == "" || priceID == "" {
		gwmetrics.CheckoutSessionsTotal.WithLabelValues(string(code), "unavailable").Inc()
		writeJSON(w, http.StatusServiceUnavailable, webhookErrorResponse{Error: "checkout_unavailable"})
		return
	}

	successURL, err := buildSuccessURL(req.ReturnURL)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, webhookErrorResponse{Error: "invalid_return_url"})
		return
	}
	cancelURL, err := appendQueryParams(req.ReturnURL, map[string]string{"checkout": "cancelled"})
	if err != nil {
		writeJSON(w, http.StatusBadRequest, webhookErrorResponse{Error: "invalid_return_url"})
		return
	}

	stripe.Key = strings.TrimSpace(h.cfg.APIKey)
	metadata := map[string]string{MetadataProductCode: string(code)}
	params := &stripe.CheckoutSessionParams{
		Mode:       stripe.String(string(stripe.CheckoutSessionModePayment)),
		SuccessURL: stripe.String(successURL),
		CancelURL:  stripe.String(cancelURL),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				Price:    stripe.String(priceID),
				Quantity: stripe.Int64(1),
			},
		},
		Metadata: metadata,
		PaymentIntentData: &stripe.CheckoutSessionPaymentIntentDataParams{
			Metadata: map[string]string{MetadataProductCode: string(code)},
		},
	}
	if email != "" {
		params.CustomerEmail = stripe.String(email)
	}
	if ref := strings.TrimSpace(req.FunnelSessionID); ref != "" && len(ref) <= 200 {
		params.ClientReferenceID = stripe.String(ref)
	}

	session, err := h.createCheckoutSession(params)
	if err != nil || session == nil || strings.TrimSpace(session.URL) == "" {
		logging.FromContext(r.Context()).Error().Err(err).
			Str("product_code", string(code)).
			Msg("Checkout session creation failed")
		gwmetrics.CheckoutSessionsTotal.WithLabelValues(string(code), "failed").Inc()
		writeJSON(w, http.StatusBadGateway, webhookErrorResponse{Error: "checkout_failed"})
		return
	}

	gwmetrics.CheckoutSessionsTotal.WithLabelValues(string(code), "created").Inc()
	logging.FromContext(r.Context()).Info().
		Str("product_code", string(code)).
		Str("session_id", session.ID).
		Msg("Created checkout session")
	writeJSON(w, http.StatusOK, checkoutResponse{URL: session.URL, SessionID: session.ID})
}

func isValidEmail(email string) bool {
	parsed, err := mail.ParseAddress(email)
	if err != nil {
		return false
	}
	// Reject display-name forms like "Ana <ana@example.com>".
	return strings.TrimSpace(parsed.Address) == email
}

func isValidReturnURL(raw string) bool {
	parsed, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || parsed == nil {
		return false
	}
	if !parsed.IsAbs() || strings.TrimSpace(parsed.Host) == "" {
		return false
	}
	switch strings.ToLower(parsed.Scheme) {
	case "http", "https":
		return true
	default:
		return false
	}
}

// buildSuccessURL appends session_id={CHECKOUT_SESSION_ID} to returnURL,
// leaving the placeholder unescaped so Stripe substitutes it.
func buildSuccessURL(returnURL string) (string, error) {
	parsed, err := url.Parse(strings.TrimSpace(returnURL))
	if err != nil {
		return "", err
	}
	query := parsed.Query()
	query.Del("checkout")
	query.Set("session_id", stripeCheckoutSessionIDPlaceholder)
	parsed.RawQuery = strings.ReplaceAll(
		query.Encode(),
		url.QueryEscape(stripeCheckoutSessionIDPlaceholder),
		stripeCheckoutSessionIDPlaceholder,
	)
	return parsed.String(), nil
}

func appendQueryParams(base string, params map[string]string) (string, error) {
	parsed, err := url.Parse(strings.TrimSpace(base))
	if err != nil {
		return "", err
	}
	query := parsed.Query()
	for key, value := range params {
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		query.Set(key, value)
	}
	parsed.RawQuery = query.Encode()
	return parsed.String(), nil
}
