package gateway

import (
	"strings"
	"testing"
	"time"

	"github.com/rcourtman/funnelgate/internal/gateway/payments"
	"github.com/rcourtman/funnelgate/internal/gateway/ratelimit"
	"github.com/rcourtman/funnelgate/pkg/entitlements"
)

func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("FUNNEL_ADMIN_KEY", "test-admin-key")
	t.Setenv("FUNNEL_BASE_URL", "https://gate.example.com/")
	t.Setenv("FUNNEL_ALLOWED_ORIGINS", "https://reading.example.com, https://*.preview.example.com")
	t.Setenv("STRIPE_WEBHOOK_SECRET", "whsec_one")
	t.Setenv("FUNNEL_TRUSTED_PROXIES", "")
}

func TestLoadConfig_Defaults(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Port != 8080 || cfg.BindAddress != "0.0.0.0" {
		t.Errorf("listen = %s:%d, want 0.0.0.0:8080", cfg.BindAddress, cfg.Port)
	}
	if cfg.BaseURL != "https://gate.example.com" {
		t.Errorf("BaseURL = %q, want trailing slash trimmed", cfg.BaseURL)
	}
	if cfg.RateLimit != 20 || cfg.RateWindow != 600*time.Second {
		t.Errorf("paid limit = %d per %s, want 20 per 10m", cfg.RateLimit, cfg.RateWindow)
	}
	if cfg.EntitlementRateLimit != 60 || cfg.WebhookRateLimit != 120 {
		t.Errorf("entitlement/webhook limits = %d/%d, want 60/120", cfg.EntitlementRateLimit, cfg.WebhookRateLimit)
	}
	if cfg.RateLimitMode != ratelimit.ModeSoft {
		t.Errorf("RateLimitMode = %q, want soft", cfg.RateLimitMode)
	}
	if cfg.UnknownProductPolicy != payments.PolicyDefaultBasic {
		t.Errorf("UnknownProductPolicy = %q, want default_basic", cfg.UnknownProductPolicy)
	}
	if cfg.AssetURLTTL != 10*time.Minute || cfg.GeneratorTimeout != 90*time.Second {
		t.Errorf("ttl/timeout = %s/%s, want 10m/90s", cfg.AssetURLTTL, cfg.GeneratorTimeout)
	}
	if !cfg.AllowedOrigins.Allowed("https://pr-12.preview.example.com") {
		t.Error("wildcard origin not allowed")
	}
	if len(cfg.StripeWebhookSecrets) != 1 || cfg.StripeWebhookSecrets[0] != "whsec_one" {
		t.Errorf("StripeWebhookSecrets = %v, want [whsec_one]", cfg.StripeWebhookSecrets)
	}
	if cfg.TrustedProxies != nil {
		t.Errorf("TrustedProxies = %v, want none by default", cfg.TrustedProxies)
	}
}

func TestLoadConfig_Overrides(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("STRIPE_WEBHOOK_SECRETS", "whsec_two, whsec_three")
	t.Setenv("STRIPE_PRICE_BASIC", "price_basic")
	t.Setenv("STRIPE_PRICE_UPSELL", "price_upsell")
	t.Setenv("FUNNEL_RATE_LIMIT_MODE", "atomic")
	t.Setenv("FUNNEL_UNKNOWN_PRODUCT_POLICY", "quarantine")
	t.Setenv("ASSET_URL_TTL", "5m")
	t.Setenv("FUNNEL_DATABASE_URL", "postgres://funnel@db/funnel")
	t.Setenv("FUNNEL_TRUSTED_PROXIES", "10.0.0.0/8, 127.0.0.1")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if got := strings.Join(cfg.StripeWebhookSecrets, ","); got != "whsec_one,whsec_two,whsec_three" {
		t.Errorf("StripeWebhookSecrets = %q", got)
	}
	if cfg.StripePrices[entitlements.ProductBasic] != "price_basic" || cfg.StripePrices[entitlements.ProductUpsell] != "price_upsell" {
		t.Errorf("StripePrices = %v", cfg.StripePrices)
	}
	if _, ok := cfg.StripePrices[entitlements.ProductGuide]; ok {
		t.Error("unset price should be absent")
	}
	if cfg.RateLimitMode != ratelimit.ModeAtomic || cfg.UnknownProductPolicy != payments.PolicyQuarantine {
		t.Errorf("mode/policy = %q/%q", cfg.RateLimitMode, cfg.UnknownProductPolicy)
	}
	if cfg.AssetURLTTL != 5*time.Minute {
		t.Errorf("AssetURLTTL = %s, want 5m", cfg.AssetURLTTL)
	}
	if cfg.TrustedProxies.Len() != 2 || !cfg.TrustedProxies.Contains("10.4.5.6") {
		t.Errorf("TrustedProxies = %v, want 10.0.0.0/8 and 127.0.0.1", cfg.TrustedProxies)
	}
}

func TestLoadConfig_ListsAllMissingVariables(t *testing.T) {
	for _, key := range []string{"FUNNEL_ADMIN_KEY", "FUNNEL_BASE_URL", "FUNNEL_ALLOWED_ORIGINS", "STRIPE_WEBHOOK_SECRET", "STRIPE_WEBHOOK_SECRETS", "STRIPE_WEBHOOK_SECRETS_FILE"} {
		t.Setenv(key, "")
	}

	_, err := LoadConfig()
	if err == nil {
		t.Fatal("LoadConfig() error = nil, want missing variables")
	}
	for _, key := range []string{"FUNNEL_ADMIN_KEY", "FUNNEL_BASE_URL", "FUNNEL_ALLOWED_ORIGINS", "STRIPE_WEBHOOK_SECRET"} {
		if !strings.Contains(err.Error(), key) {
			t.Errorf("error %q does not name %s", err, key)
		}
	}
}

func TestLoadConfig_InvalidValues(t *testing.T) {
	tests := []struct {
		key, value, want string
	}{
		{"FUNNEL_PORT", "abc", "FUNNEL_PORT must be a valid integer"},
		{"FUNNEL_PORT", "70000", "FUNNEL_PORT must be between"},
		{"FUNNEL_RATE_LIMIT", "0", "rate limits must be greater than 0"},
		{"FUNNEL_RATE_LIMIT_MODE", "eventual", "FUNNEL_RATE_LIMIT_MODE"},
		{"FUNNEL_UNKNOWN_PRODUCT_POLICY", "drop", "FUNNEL_UNKNOWN_PRODUCT_POLICY"},
		{"ASSET_URL_TTL", "2000h", "ASSET_URL_TTL must be between"},
		{"ASSET_URL_TTL", "soon", "ASSET_URL_TTL must be a valid duration"},
		{"ASSET_BUCKET", "guides", "GCS_CREDENTIALS_FILE is required"},
		{"ASSET_LOCAL_DIR", "/srv/assets", "ASSET_SIGNING_SECRET must be at least 16 characters"},
		{"FUNNEL_DATABASE_URL", "mysql://db", "must be a postgres:// URL"},
		{"FUNNEL_BASE_URL", "ftp://gate.example.com", "http or https"},
		{"FUNNEL_TRUSTED_PROXIES", "10.0.0.0/40", "FUNNEL_TRUSTED_PROXIES"},
	}

	for _, tt := range tests {
		t.Run(tt.key+"="+tt.value, func(t *testing.T) {
			setRequiredEnv(t)
			t.Setenv(tt.key, tt.value)

			_, err := LoadConfig()
			if err == nil {
				t.Fatalf("LoadConfig() error = nil, want %q", tt.want)
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("LoadConfig() error = %q, want %q", err, tt.want)
			}
		})
	}
}
