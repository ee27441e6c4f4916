package gateway

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rcourtman/funnelgate/internal/gateway/admin"
	"github.com/rcourtman/funnelgate/internal/gateway/assets"
	"github.com/rcourtman/funnelgate/internal/gateway/auditlog"
	"github.com/rcourtman/funnelgate/internal/gateway/entitlement"
	"github.com/rcourtman/funnelgate/internal/gateway/ledger"
	"github.com/rcourtman/funnelgate/internal/gateway/payments"
	"github.com/rcourtman/funnelgate/internal/gateway/ratelimit"
	"github.com/rcourtman/funnelgate/internal/gateway/reading"
)

// Endpoint names used as rate-limit and metric labels.
const (
	EndpointEntitlement    = "entitlement"
	EndpointSignedAssetURL = "signed-asset-url"
	EndpointGenerate       = "generate-reading"
	EndpointCheckout       = "checkout"
	EndpointFunnelEvents   = "funnel-events"
	EndpointWebhook        = "payments-webhook"
)

// Deps holds shared dependencies injected into HTTP handlers.
type Deps struct {
	Config    *Config
	Ledger    *ledger.Ledger
	Limiter   *ratelimit.Limiter
	Secrets   *payments.SecretSet
	Audit     auditlog.Recorder
	Signer    assets.Signer       // nil if asset delivery is not configured
	Local     *assets.LocalSigner // non-nil only when serving assets from disk
	Generator reading.Generator   // nil if no generator is configured
	Checkout  *payments.CheckoutHandler
	Version   string

	pruner *ratelimit.SQLStore
}

// RegisterRoutes wires all HTTP handlers onto the given ServeMux.
func RegisterRoutes(mux *http.ServeMux, deps *Deps) {
	cfg := deps.Config
	adminAuth := func(next http.Handler) http.Handler {
		return admin.AdminKeyMiddleware(cfg.AdminKey, next)
	}
	limit := func(endpoint string, n int, window time.Duration, next http.Handler) http.Handler {
		return deps.Limiter.Middleware(ratelimit.Policy{Endpoint: endpoint, Limit: n, Window: window}, next)
	}
	resolver := entitlement.NewResolver(deps.Ledger)

	// Health / readiness are unauthenticated liveness/readiness probes.
	mux.HandleFunc("/healthz", admin.HandleHealthz)
	mux.HandleFunc("/readyz", admin.HandleReadyz(deps.Ledger))

	// Status and metrics are private.
	mux.Handle("/status", adminAuth(admin.HandleStatus(deps.Ledger, admin.StatusInfo{
		Version:        deps.Version,
		RateLimitMode:  string(deps.Limiter.Mode()),
		WebhookSecrets: deps.Secrets.Len,
	})))
	mux.Handle("/metrics", adminAuth(promhttp.Handler()))
	mux.Handle("/admin/purchases", adminAuth(admin.HandleListPurchases(deps.Ledger)))

	// Payment processor webhook (signature-authenticated)
	webhook := payments.NewWebhookHandler(deps.Secrets, deps.Ledger, deps.Audit, cfg.UnknownProductPolicy)
	mux.Handle("/payments/webhook", limit(EndpointWebhook, cfg.WebhookRateLimit, cfg.WebhookRateWindow, webhook))

	// Funnel endpoints (browser-facing, CORS-guarded, per-IP limited)
	mux.Handle("/entitlement", limit(EndpointEntitlement, cfg.EntitlementRateLimit, cfg.RateWindow,
		entitlement.HandleQuery(resolver)))
	mux.Handle("/funnel/events", limit(EndpointFunnelEvents, cfg.EntitlementRateLimit, cfg.RateWindow,
		auditlog.HandleRecordEvent(deps.Audit, cfg.TrustedProxies)))
	mux.Handle("/signed-asset-url", limit(EndpointSignedAssetURL, cfg.RateLimit, cfg.RateWindow,
		assets.NewSignedURLHandler(resolver, deps.Signer, cfg.AssetGuideObject, cfg.AssetURLTTL)))
	mux.Handle("/generate-reading", limit(EndpointGenerate, cfg.RateLimit, cfg.RateWindow,
		reading.NewGate(resolver, deps.Generator, cfg.GeneratorTimeout)))
	mux.Handle("/checkout", limit(EndpointCheckout, cfg.RateLimit, cfg.RateWindow, deps.Checkout))

	// Local asset links are token-authenticated.
	if deps.Local != nil {
		mux.Handle(assets.DownloadPath, assets.NewDownloadHandler(deps.Local, cfg.AssetLocalDir))
	}
}

// Handler builds the full middleware chain around a freshly registered mux.
func Handler(deps *Deps) http.Handler {
	mux := http.NewServeMux()
	RegisterRoutes(mux, deps)
	return RequestID(SecurityHeaders(CORS(deps.Config.AllowedOrigins, mux)))
}
