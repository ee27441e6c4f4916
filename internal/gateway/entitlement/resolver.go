// Package entitlement derives a session's paid capabilities from the purchase
// ledger. Every caller re-reads the ledger; no client-supplied flag is trusted.
package entitlement

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rcourtman/funnelgate/internal/gateway/gwmetrics"
	"github.com/rcourtman/funnelgate/pkg/entitlements"
)

// ErrSessionIDRequired is returned when Resolve is called without a session id.
var ErrSessionIDRequired = errors.New("entitlement: session id is required")

// PaidProductLister is the ledger query the resolver depends on.
type PaidProductLister interface {
	PaidProductCodes(ctx context.Context, sessionID string) ([]entitlements.ProductCode, error)
}

// Resolver answers entitlement questions for checkout sessions.
type Resolver struct {
	ledger PaidProductLister
}

// NewResolver returns a resolver over l.
func NewResolver(l PaidProductLister) *Resolver {
	return &Resolver{ledger: l}
}

// Resolve returns the union of capabilities granted by every paid row for
// sessionID.
func (r *Resolver) Resolve(ctx context.Context, sessionID string) (entitlements.Entitlement, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return entitlements.Entitlement{}, ErrSessionIDRequired
	}
	codes, err := r.ledger.PaidProductCodes(ctx, sessionID)
	if err != nil {
		return entitlements.Entitlement{}, fmt.Errorf("resolve entitlement: %w", err)
	}
	return entitlements.Resolve(codes), nil
}

// Authorize resolves sessionID and applies allow, recording the outcome under
// endpoint. It returns the entitlement, whether access is granted, and any
// lookup error.
func (r *Resolver) Authorize(ctx context.Context, endpoint, sessionID string, allow func(entitlements.Entitlement) bool) (entitlements.Entitlement, bool, error) {
	ent, err := r.Resolve(ctx, sessionID)
	if err != nil {
		gwmetrics.EntitlementChecks.WithLabelValues(endpoint, "error").Inc()
		return ent, false, err
	}
	if !allow(ent) {
		gwmetrics.EntitlementChecks.WithLabelValues(endpoint, "denied").Inc()
		return ent, false, nil
	}
	gwmetrics.EntitlementChecks.WithLabelValues(endpoint, "granted").Inc()
	return ent, true, nil
}
