package gwmetrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func gatherFamilies(t *testing.T) map[string]*dto.MetricFamily {
	t.Helper()
	families, err := prometheus.DefaultGatherer.Gather()
	require.NoError(t, err)
	out := make(map[string]*dto.MetricFamily, len(families))
	for _, mf := range families {
		out[mf.GetName()] = mf
	}
	return out
}

func TestMetricsRegisteredUnderFunnelNamespace(t *testing.T) {
	// Vec families only appear once a child exists.
	PurchasesByStatus.WithLabelValues("paid").Set(0)
	WebhookRequestsTotal.WithLabelValues("checkout.session.completed", "200").Add(0)
	WebhookDuration.WithLabelValues("checkout.session.completed").Observe(0.01)
	UnrecognizedProductCodes.WithLabelValues("default_basic").Add(0)
	RateLimitDecisions.WithLabelValues("entitlement", "allowed").Add(0)
	EntitlementChecks.WithLabelValues("entitlement", "granted").Add(0)
	SignedURLsTotal.WithLabelValues("issued").Add(0)
	GenerationsTotal.WithLabelValues("ok").Add(0)
	CheckoutSessionsTotal.WithLabelValues("guide", "created").Add(0)
	FunnelEventsTotal.WithLabelValues("checkout_started").Add(0)

	families := gatherFamilies(t)
	expected := map[string]dto.MetricType{
		"funnel_gate_purchases_by_status":              dto.MetricType_GAUGE,
		"funnel_gate_webhook_requests_total":           dto.MetricType_COUNTER,
		"funnel_gate_webhook_duration_seconds":         dto.MetricType_HISTOGRAM,
		"funnel_gate_unrecognized_product_codes_total": dto.MetricType_COUNTER,
		"funnel_gate_rate_limit_decisions_total":       dto.MetricType_COUNTER,
		"funnel_gate_entitlement_checks_total":         dto.MetricType_COUNTER,
		"funnel_gate_signed_urls_total":                dto.MetricType_COUNTER,
		"funnel_gate_generations_total":                dto.MetricType_COUNTER,
		"funnel_gate_checkout_sessions_total":          dto.MetricType_COUNTER,
		"funnel_gate_funnel_events_total":              dto.MetricType_COUNTER,
	}
	for name, typ := range expected {
		mf, ok := families[name]
		if !assert.Truef(t, ok, "metric family %s not registered", name) {
			continue
		}
		assert.Equal(t, typ, mf.GetType(), name)
	}
}

func TestRateLimitDecisionLabels(t *testing.T) {
	c := RateLimitDecisions.WithLabelValues("checkout", "denied")
	var before dto.Metric
	require.NoError(t, c.Write(&before))

	c.Inc()

	var after dto.Metric
	require.NoError(t, c.Write(&after))
	assert.InDelta(t, before.GetCounter().GetValue()+1, after.GetCounter().GetValue(), 1e-9)

	labels := map[string]string{}
	for _, lp := range after.GetLabel() {
		labels[lp.GetName()] = lp.GetValue()
	}
	assert.Equal(t, map[string]string{"endpoint": "checkout", "decision": "denied"}, labels)
}
