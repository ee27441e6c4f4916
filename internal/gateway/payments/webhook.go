// Package payments ingests Stripe webhook events into the purchase ledger and
// creates hosted checkout sessions.
package payments

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rcourtman/funnelgate/internal/gateway/auditlog"
	"github.com/rcourtman/funnelgate/internal/gateway/gwmetrics"
	"github.com/rcourtman/funnelgate/internal/gateway/ledger"
	"github.com/rcourtman/funnelgate/internal/logging"
	"github.com/rcourtman/funnelgate/pkg/entitlements"
	"github.com/rs/zerolog/log"
	stripelib "github.com/stripe/stripe-go/v82"
)

const webhookBodyLimit = 1024 * 1024 // 1 MiB

// Stripe event types the ingestor acts on.
const (
	EventCheckoutCompleted          = "checkout.session.completed"
	EventCheckoutAsyncPaymentOK     = "checkout.session.async_payment_succeeded"
	EventCheckoutAsyncPaymentFailed = "checkout.session.async_payment_failed"
	EventChargeRefunded             = "charge.refunded"
)

// Metadata keys carrying the product code on checkout sessions.
const (
	MetadataProductCode       = "product_code"
	legacyMetadataProductCode = "product"
)

// UnknownProductPolicy decides what happens to a completed checkout whose
// metadata names no recognized product.
type UnknownProductPolicy string

const (
	// PolicyDefaultBasic records the purchase as the basic reading.
	PolicyDefaultBasic UnknownProductPolicy = "default_basic"
	// PolicyQuarantine skips the ledger write and records an audit event.
	PolicyQuarantine UnknownProductPolicy = "quarantine"
)

// ParseUnknownProductPolicy parses a policy name; empty means PolicyDefaultBasic.
func ParseUnknownProductPolicy(raw string) (UnknownProductPolicy, error) {
	switch UnknownProductPolicy(strings.ToLower(strings.TrimSpace(raw))) {
	case "", PolicyDefaultBasic:
		return PolicyDefaultBasic, nil
	case PolicyQuarantine:
		return PolicyQuarantine, nil
	}
	return "", fmt.Errorf("unknown product policy %q", raw)
}

// PurchaseWriter is the subset of the ledger the ingestor writes through.
type PurchaseWriter interface {
	Upsert(ctx context.Context, rec *ledger.PurchaseRecord) (ledger.Status, error)
	MarkRefunded(ctx context.Context, paymentIntentID, eventID string) (int64, error)
}

// errBadPayload marks events whose body cannot be turned into a ledger write.
var errBadPayload = errors.New("malformed event payload")

// WebhookHandler handles incoming Stripe webhook events.
type WebhookHandler struct {
	secrets *SecretSet
	ledger  PurchaseWriter
	audit   auditlog.Recorder
	policy  UnknownProductPolicy
}

type webhookErrorResponse struct {
	Error string `json:"error"`
}

type webhookReceivedResponse struct {
	Received bool `json:"received"`
}

// NewWebhookHandler creates a Stripe webhook HTTP handler. audit may be nil,
// in which case quarantined events are only logged.
func NewWebhookHandler(secrets *SecretSet, l PurchaseWriter, audit auditlog.Recorder, policy UnknownProductPolicy) *WebhookHandler {
	if policy == "" {
		policy = PolicyDefaultBasic
	}
	return &WebhookHandler{
		secrets: secrets,
		ledger:  l,
		audit:   audit,
		policy:  policy,
	}
}

// ServeHTTP verifies the Stripe signature and dispatches the event.
func (h *WebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	eventType := "unknown"
	status := http.StatusOK
	defer func() {
		gwmetrics.WebhookRequestsTotal.WithLabelValues(eventType, strconv.Itoa(status)).Inc()
		gwmetrics.WebhookDuration.WithLabelValues(eventType).Observe(time.Since(start).Seconds())
	}()

	if r.Method != http.MethodPost {
		status = http.StatusMethodNotAllowed
		writeJSON(w, http.StatusMethodNotAllowed, webhookErrorResponse{Error: "method not allowed"})
		return
	}
	if h.secrets.Len() == 0 {
		status = http.StatusServiceUnavailable
		writeJSON(w, http.StatusServiceUnavailable, webhookErrorResponse{Error: "webhook secret not configured"})
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, webhookBodyLimit)
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		status = http.StatusBadRequest
		writeJSON(w, http.StatusBadRequest, webhookErrorResponse{Error: "failed to read request body"})
		return
	}

	sigHeader := r.Header.Get("Stripe-Signature")
	if strings.TrimSpace(sigHeader) == "" {
		status = http.StatusBadRequest
		writeJSON(w, http.StatusBadRequest, webhookErrorResponse{Error: "missing Stripe signature"})
		return
	}

	event, err := h.secrets.ConstructEvent(payload, sigHeader)
	if err != nil {
		logging.FromContext(r.Context()).Warn().Err(err).Msg("Rejected Stripe webhook with invalid signature")
		status = http.StatusBadRequest
		writeJSON(w, http.StatusBadRequest, webhookErrorResponse{Error: "invalid Stripe signature"})
		return
	}
	eventType = string(event.Type)

	if err := h.handleEvent(r.Context(), &event, payload); err != nil {
		if errors.Is(err, errBadPayload) {
			logging.FromContext(r.Context()).Warn().Err(err).
				Str("event_id", event.ID).
				Str("type", eventType).
				Msg("Stripe webhook payload rejected")
			status = http.StatusBadRequest
			writeJSON(w, http.StatusBadRequest, webhookErrorResponse{Error: "invalid payload"})
			return
		}
		logging.FromContext(r.Context()).Error().Err(err).
			Str("event_id", event.ID).
			Str("type", eventType).
			Msg("Stripe webhook processing failed")
		status = http.StatusInternalServerError
		writeJSON(w, http.StatusInternalServerError, webhookErrorResponse{Error: "processing failed"})
		return
	}

	status = http.StatusOK
	writeJSON(w, http.StatusOK, webhookReceivedResponse{Received: true})
}

func (h *WebhookHandler) handleEvent(ctx context.Context, event *stripelib.Event, payload []byte) error {
	switch event.Type {
	case EventCheckoutCompleted, EventCheckoutAsyncPaymentOK:
		return h.handleCheckoutSession(ctx, event, payload, ledger.StatusPaid)

	case EventCheckoutAsyncPaymentFailed:
		return h.handleCheckoutSession(ctx, event, payload, ledger.StatusUnpaid)

	case EventChargeRefunded:
		var charge Charge
		if err := json.Unmarshal(event.Data.Raw, &charge); err != nil {
			return fmt.Errorf("%w: decode charge: %v", errBadPayload, err)
		}
		return h.handleRefund(ctx, event, charge)

	default:
		log.Info().
			Str("type", string(event.Type)).
			Str("event_id", event.ID).
			Msg("Stripe webhook ignored (unhandled type)")
		return nil
	}
}

func (h *WebhookHandler) handleCheckoutSession(ctx context.Context, event *stripelib.Event, payload []byte, status ledger.Status) error {
	var session CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
		return fmt.Errorf("%w: decode checkout.session: %v", errBadPayload, err)
	}
	sessionID := strings.TrimSpace(session.ID)
	if sessionID == "" {
		return fmt.Errorf("%w: checkout.session without id", errBadPayload)
	}

	// Delayed payment methods complete checkout before the money moves; the
	// async succeeded/failed event settles the row later.
	pending := event.Type == EventCheckoutCompleted &&
		session.PaymentStatus == string(stripelib.CheckoutSessionPaymentStatusUnpaid)
	if pending {
		status = ledger.StatusUnpaid
	}

	code, ok := ProductCodeFromMetadata(session.Metadata)
	if !ok {
		raw := rawProductCode(session.Metadata)
		gwmetrics.UnrecognizedProductCodes.WithLabelValues(string(h.policy)).Inc()
		if h.policy == PolicyQuarantine && (status == ledger.StatusPaid || pending) {
			h.quarantine(ctx, event, sessionID, raw)
			return nil
		}
		log.Warn().
			Str("event_id", event.ID).
			Str("session_id", sessionID).
			Str("product_code", raw).
			Msg("Checkout session carries no recognized product code; recording as basic")
		code = entitlements.ProductBasic
	}

	rec := &ledger.PurchaseRecord{
		SessionID:       sessionID,
		Status:          status,
		ProductCode:     code,
		Email:           session.Email(),
		CustomerID:      session.Customer.ID,
		PaymentIntentID: session.PaymentIntent.ID,
		AmountTotal:     session.AmountTotal,
		Currency:        strings.ToLower(session.Currency),
		Raw:             compactRaw(payload),
		Pending:         pending,
	}
	stored, err := h.ledger.Upsert(ctx, rec)
	if err != nil {
		return fmt.Errorf("record purchase: %w", err)
	}

	log.Info().
		Str("event_id", event.ID).
		Str("type", string(event.Type)).
		Str("session_id", sessionID).
		Str("product_code", string(code)).
		Str("status", string(stored)).
		Bool("pending", pending).
		Msg("Recorded purchase from Stripe webhook")
	return nil
}

func (h *WebhookHandler) handleRefund(ctx context.Context, event *stripelib.Event, charge Charge) error {
	paymentIntentID := strings.TrimSpace(charge.PaymentIntent.ID)
	if paymentIntentID == "" {
		log.Warn().
			Str("event_id", event.ID).
			Str("charge_id", charge.ID).
			Msg("Refund event has no payment intent; ignoring")
		return nil
	}

	n, err := h.ledger.MarkRefunded(ctx, paymentIntentID, event.ID)
	if err != nil {
		return fmt.Errorf("mark refunded: %w", err)
	}
	if n == 0 {
		log.Warn().
			Str("event_id", event.ID).
			Str("payment_intent_id", paymentIntentID).
			Msg("Refund matched no purchase; recorded tombstone for late checkout events")
		return nil
	}

	log.Info().
		Str("event_id", event.ID).
		Str("payment_intent_id", paymentIntentID).
		Int64("purchases", n).
		Msg("Marked purchase refunded from Stripe webhook")
	return nil
}

func (h *WebhookHandler) quarantine(ctx context.Context, event *stripelib.Event, sessionID, rawCode string) {
	log.Warn().
		Str("event_id", event.ID).
		Str("session_id", sessionID).
		Str("product_code", rawCode).
		Msg("Quarantined checkout session with unrecognized product code")
	if h.audit == nil {
		return
	}
	detail := fmt.Sprintf("event_id=%s product_code=%q", event.ID, rawCode)
	if err := h.audit.Record(ctx, &auditlog.Event{
		SessionID: sessionID,
		Event:     auditlog.EventWebhookQuarantined,
		Detail:    detail,
		RequestID: logging.GetRequestID(ctx),
	}); err != nil {
		log.Error().Err(err).Str("session_id", sessionID).Msg("Failed to record quarantine audit event")
	}
}

// ProductCodeFromMetadata returns the recognized product code carried in
// checkout metadata.
func ProductCodeFromMetadata(metadata map[string]string) (entitlements.ProductCode, bool) {
	return entitlements.ParseProductCode(rawProductCode(metadata))
}

func rawProductCode(metadata map[string]string) string {
	if v := strings.TrimSpace(metadata[MetadataProductCode]); v != "" {
		return v
	}
	return strings.TrimSpace(metadata[legacyMetadataProductCode])
}

func compactRaw(payload []byte) json.RawMessage {
	var buf bytes.Buffer
	if err := json.Compact(&buf, payload); err != nil {
		return nil
	}
	return json.RawMessage(buf.Bytes())
}

// ExpandableID decodes a Stripe reference that is either an id string or an
// expanded object carrying an "id" field.
type ExpandableID struct {
	ID string
}

// UnmarshalJSON implements json.Unmarshaler.
func (e *ExpandableID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		e.ID = ""
		return nil
	}
	if data[0] == '"' {
		return json.Unmarshal(data, &e.ID)
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	e.ID = obj.ID
	return nil
}

// CheckoutSession is a minimal representation of a Stripe checkout.session event.
type CheckoutSession struct {
	ID              string       `json:"id"`
	Mode            string       `json:"mode"`
	PaymentStatus   string       `json:"payment_status"`
	Customer        ExpandableID `json:"customer"`
	PaymentIntent   ExpandableID `json:"payment_intent"`
	CustomerEmail   string       `json:"customer_email"`
	CustomerDetails struct {
		Email string `json:"email"`
	} `json:"customer_details"`
	AmountTotal *int64            `json:"amount_total"`
	Currency    string            `json:"currency"`
	Metadata    map[string]string `json:"metadata"`
}

// Email prefers the address collected at checkout over the prefilled one.
func (s CheckoutSession) Email() string {
	if e := strings.TrimSpace(s.CustomerDetails.Email); e != "" {
		return e
	}
	return strings.TrimSpace(s.CustomerEmail)
}

// Charge is a minimal representation of a Stripe charge event.
type Charge struct {
	ID            string       `json:"id"`
	PaymentIntent ExpandableID `json:"payment_intent"`
	Refunded      bool         `json:"refunded"`
	AmountRefund  int64        `json:"amount_refunded"`
}

func writeJSON[T any](w http.ResponseWriter, status int, v T) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Int("status", status).Msg("gateway.payments: encode response")
	}
}
