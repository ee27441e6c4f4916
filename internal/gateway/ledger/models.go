package ledger

import (
	"encoding/json"
	"time"

	"github.com/rcourtman/funnelgate/pkg/entitlements"
)

// Status is the payment state of a checkout attempt.
type Status string

const (
	StatusPaid     Status = "paid"
	StatusUnpaid   Status = "unpaid"
	StatusRefunded Status = "refunded"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPaid, StatusUnpaid, StatusRefunded:
		return true
	}
	return false
}

// PurchaseRecord is one row per checkout attempt, keyed by the
// provider-issued checkout session id.
type PurchaseRecord struct {
	SessionID       string                   `json:"session_id"`
	Status          Status                   `json:"status"`
	ProductCode     entitlements.ProductCode `json:"product_code"`
	Email           string                   `json:"email,omitempty"`
	CustomerID      string                   `json:"customer_id,omitempty"`
	PaymentIntentID string                   `json:"payment_intent_id,omitempty"`
	AmountTotal     *int64                   `json:"amount_total,omitempty"`
	Currency        string                   `json:"currency,omitempty"`
	Raw             json.RawMessage          `json:"raw,omitempty"`
	CreatedAt       time.Time                `json:"created_at"`
	UpdatedAt       time.Time                `json:"updated_at"`

	// Pending marks an unpaid write for a payment still in flight. It never
	// downgrades a row that is already paid. Not persisted.
	Pending bool `json:"-"`
}

// Filter narrows List results. Zero values match everything.
type Filter struct {
	SessionID string
	Status    Status
	Limit     int
}
