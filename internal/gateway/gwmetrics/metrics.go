package gwmetrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// PurchasesByStatus tracks the number of ledger rows in each status.
	PurchasesByStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "funnel",
		Subsystem: "gate",
		Name:      "purchases_by_status",
		Help:      "Number of purchase ledger rows by status.",
	}, []string{"status"})

	// WebhookRequestsTotal counts payment webhook requests by event type and status.
	WebhookRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "funnel",
		Subsystem: "gate",
		Name:      "webhook_requests_total",
		Help:      "Total payment webhook requests by event type and HTTP status.",
	}, []string{"event_type", "status"})

	// WebhookDuration tracks webhook processing latency.
	WebhookDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "funnel",
		Subsystem: "gate",
		Name:      "webhook_duration_seconds",
		Help:      "Payment webhook processing duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"event_type"})

	// UnrecognizedProductCodes counts completions whose metadata named no known product.
	UnrecognizedProductCodes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "funnel",
		Subsystem: "gate",
		Name:      "unrecognized_product_codes_total",
		Help:      "Checkout events with missing or unknown product codes, by applied policy.",
	}, []string{"policy"})

	// RateLimitDecisions counts limiter outcomes per endpoint.
	RateLimitDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "funnel",
		Subsystem: "gate",
		Name:      "rate_limit_decisions_total",
		Help:      "Rate limiter decisions by endpoint and outcome (allowed, denied, error).",
	}, []string{"endpoint", "decision"})

	// EntitlementChecks counts entitlement checks by caller and result.
	EntitlementChecks = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "funnel",
		Subsystem: "gate",
		Name:      "entitlement_checks_total",
		Help:      "Entitlement resolutions by calling endpoint and result (granted, denied, error).",
	}, []string{"endpoint", "result"})

	// SignedURLsTotal counts signed asset link issuance outcomes.
	SignedURLsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "funnel",
		Subsystem: "gate",
		Name:      "signed_urls_total",
		Help:      "Signed asset URL issuance by outcome.",
	}, []string{"outcome"})

	// GenerationsTotal counts reading generator invocations by outcome.
	GenerationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "funnel",
		Subsystem: "gate",
		Name:      "generations_total",
		Help:      "Premium reading generator invocations by outcome.",
	}, []string{"outcome"})

	// CheckoutSessionsTotal counts checkout session creation attempts by product and outcome.
	CheckoutSessionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "funnel",
		Subsystem: "gate",
		Name:      "checkout_sessions_total",
		Help:      "Checkout session creation attempts by product code and outcome.",
	}, []string{"product_code", "outcome"})

	// FunnelEventsTotal counts recorded funnel audit events.
	FunnelEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "funnel",
		Subsystem: "gate",
		Name:      "funnel_events_total",
		Help:      "Funnel audit events recorded by event name.",
	}, []string{"event"})
)
