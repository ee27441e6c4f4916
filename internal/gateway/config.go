package gateway

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rcourtman/funnelgate/internal/gateway/auditlog"
	"github.com/rcourtman/funnelgate/internal/gateway/origins"
	"github.com/rcourtman/funnelgate/internal/gateway/payments"
	"github.com/rcourtman/funnelgate/internal/gateway/ratelimit"
	"github.com/rcourtman/funnelgate/pkg/entitlements"
)

// Config holds all configuration for the funnel gateway.
type Config struct {
	DataDir     string
	DatabaseURL string
	BindAddress string
	Port        int
	AdminKey    string
	BaseURL     string

	AllowedOrigins *origins.AllowList
	TrustedProxies *auditlog.TrustedProxies

	StripeAPIKey             string
	StripeWebhookSecrets     []string
	StripeWebhookSecretsFile string
	StripePrices             map[entitlements.ProductCode]string
	UnknownProductPolicy     payments.UnknownProductPolicy

	RateLimit            int
	RateWindow           time.Duration
	EntitlementRateLimit int
	WebhookRateLimit     int
	WebhookRateWindow    time.Duration
	RateLimitMode        ratelimit.Mode

	AssetBucket        string
	AssetGuideObject   string
	GCSCredentialsFile string
	AssetLocalDir      string
	AssetSigningSecret string
	AssetURLTTL        time.Duration

	GeneratorURL     string
	GeneratorToken   string
	GeneratorTimeout time.Duration

	LogLevel  string
	LogFormat string
}

// StoreDir returns the directory holding the SQLite store.
func (c *Config) StoreDir() string {
	return filepath.Join(c.DataDir, "gateway")
}

// LoadConfig loads gateway configuration from environment variables.
// A .env file is loaded if present but not required.
func LoadConfig() (*Config, error) {
	// Best-effort .env loading (not required)
	_ = godotenv.Load()

	port, err := envOrDefaultInt("FUNNEL_PORT", 8080)
	if err != nil {
		return nil, err
	}
	rateLimit, err := envOrDefaultInt("FUNNEL_RATE_LIMIT", 20)
	if err != nil {
		return nil, err
	}
	rateWindow, err := envOrDefaultInt("FUNNEL_RATE_WINDOW_SECONDS", 600)
	if err != nil {
		return nil, err
	}
	entitlementLimit, err := envOrDefaultInt("FUNNEL_ENTITLEMENT_RATE_LIMIT", 60)
	if err != nil {
		return nil, err
	}
	webhookLimit, err := envOrDefaultInt("FUNNEL_WEBHOOK_RATE_LIMIT", 120)
	if err != nil {
		return nil, err
	}
	mode, err := ratelimit.ParseMode(os.Getenv("FUNNEL_RATE_LIMIT_MODE"))
	if err != nil {
		return nil, fmt.Errorf("FUNNEL_RATE_LIMIT_MODE: %w", err)
	}
	proxies, err := auditlog.ParseTrustedProxies(os.Getenv("FUNNEL_TRUSTED_PROXIES"))
	if err != nil {
		return nil, fmt.Errorf("FUNNEL_TRUSTED_PROXIES: %w", err)
	}
	policy, err := payments.ParseUnknownProductPolicy(os.Getenv("FUNNEL_UNKNOWN_PRODUCT_POLICY"))
	if err != nil {
		return nil, fmt.Errorf("FUNNEL_UNKNOWN_PRODUCT_POLICY: %w", err)
	}
	assetTTL, err := envOrDefaultDuration("ASSET_URL_TTL", 10*time.Minute)
	if err != nil {
		return nil, err
	}
	generatorTimeout, err := envOrDefaultDuration("READING_GENERATOR_TIMEOUT", 90*time.Second)
	if err != nil {
		return nil, err
	}

	secrets := splitList(os.Getenv("STRIPE_WEBHOOK_SECRETS"))
	if single := strings.TrimSpace(os.Getenv("STRIPE_WEBHOOK_SECRET")); single != "" {
		secrets = append([]string{single}, secrets...)
	}

	prices := make(map[entitlements.ProductCode]string)
	for _, code := range entitlements.ProductCodes {
		if v := strings.TrimSpace(os.Getenv("STRIPE_PRICE_" + strings.ToUpper(string(code)))); v != "" {
			prices[code] = v
		}
	}

	cfg := &Config{
		DataDir:     envOrDefault("FUNNEL_DATA_DIR", "/data"),
		DatabaseURL: strings.TrimSpace(os.Getenv("FUNNEL_DATABASE_URL")),
		BindAddress: envOrDefault("FUNNEL_BIND_ADDRESS", "0.0.0.0"),
		Port:        port,
		AdminKey:    strings.TrimSpace(os.Getenv("FUNNEL_ADMIN_KEY")),
		BaseURL:     strings.TrimRight(strings.TrimSpace(os.Getenv("FUNNEL_BASE_URL")), "/"),

		AllowedOrigins: origins.Parse(os.Getenv("FUNNEL_ALLOWED_ORIGINS")),
		TrustedProxies: proxies,

		StripeAPIKey:             strings.TrimSpace(os.Getenv("STRIPE_API_KEY")),
		StripeWebhookSecrets:     secrets,
		StripeWebhookSecretsFile: strings.TrimSpace(os.Getenv("STRIPE_WEBHOOK_SECRETS_FILE")),
		StripePrices:             prices,
		UnknownProductPolicy:     policy,

		RateLimit:            rateLimit,
		RateWindow:           time.Duration(rateWindow) * time.Second,
		EntitlementRateLimit: entitlementLimit,
		WebhookRateLimit:     webhookLimit,
		WebhookRateWindow:    time.Minute,
		RateLimitMode:        mode,

		AssetBucket:        strings.TrimSpace(os.Getenv("ASSET_BUCKET")),
		AssetGuideObject:   envOrDefault("ASSET_GUIDE_OBJECT", "guide.pdf"),
		GCSCredentialsFile: strings.TrimSpace(os.Getenv("GCS_CREDENTIALS_FILE")),
		AssetLocalDir:      strings.TrimSpace(os.Getenv("ASSET_LOCAL_DIR")),
		AssetSigningSecret: strings.TrimSpace(os.Getenv("ASSET_SIGNING_SECRET")),
		AssetURLTTL:        assetTTL,

		GeneratorURL:     strings.TrimSpace(os.Getenv("READING_GENERATOR_URL")),
		GeneratorToken:   strings.TrimSpace(os.Getenv("READING_GENERATOR_TOKEN")),
		GeneratorTimeout: generatorTimeout,

		LogLevel:  envOrDefault("LOG_LEVEL", "info"),
		LogFormat: envOrDefault("LOG_FORMAT", "auto"),
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validate gateway config: %w", err)
	}
	return cfg, nil
}

func (c *Config) validate() error {
	var missing []string
	if c.AdminKey == "" {
		missing = append(missing, "FUNNEL_ADMIN_KEY")
	}
	if c.BaseURL == "" {
		missing = append(missing, "FUNNEL_BASE_URL")
	}
	if c.AllowedOrigins.Empty() {
		missing = append(missing, "FUNNEL_ALLOWED_ORIGINS")
	}
	if len(c.StripeWebhookSecrets) == 0 && c.StripeWebhookSecretsFile == "" {
		missing = append(missing, "STRIPE_WEBHOOK_SECRET")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required environment variables: %s", strings.Join(missing, ", "))
	}

	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("FUNNEL_PORT must be between 1 and 65535, got %d", c.Port)
	}
	if c.RateLimit <= 0 || c.EntitlementRateLimit <= 0 || c.WebhookRateLimit <= 0 {
		return fmt.Errorf("rate limits must be greater than 0")
	}
	if c.RateWindow <= 0 {
		return fmt.Errorf("FUNNEL_RATE_WINDOW_SECONDS must be greater than 0")
	}
	if c.AssetURLTTL <= 0 || c.AssetURLTTL > 7*24*time.Hour {
		return fmt.Errorf("ASSET_URL_TTL must be between 1s and 168h, got %s", c.AssetURLTTL)
	}
	if c.AssetBucket != "" && c.GCSCredentialsFile == "" {
		return fmt.Errorf("GCS_CREDENTIALS_FILE is required when ASSET_BUCKET is set")
	}
	if c.AssetLocalDir != "" && len(c.AssetSigningSecret) < 16 {
		return fmt.Errorf("ASSET_SIGNING_SECRET must be at least 16 characters when ASSET_LOCAL_DIR is set")
	}
	if c.DatabaseURL != "" && !strings.HasPrefix(c.DatabaseURL, "postgres://") && !strings.HasPrefix(c.DatabaseURL, "postgresql://") {
		return fmt.Errorf("FUNNEL_DATABASE_URL must be a postgres:// URL")
	}

	parsedBaseURL, err := url.Parse(c.BaseURL)
	if err != nil {
		return fmt.Errorf("FUNNEL_BASE_URL must be a valid URL: %w", err)
	}
	if parsedBaseURL.Scheme != "http" && parsedBaseURL.Scheme != "https" {
		return fmt.Errorf("FUNNEL_BASE_URL must use http or https scheme")
	}
	if parsedBaseURL.Host == "" {
		return fmt.Errorf("FUNNEL_BASE_URL must include a host")
	}
	return nil
}

func envOrDefault(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func envOrDefaultInt(key string, fallback int) (int, error) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return 0, fmt.Errorf("%s must be a valid integer: %w", key, err)
		}
		return n, nil
	}
	return fallback, nil
}

func envOrDefaultDuration(key string, fallback time.Duration) (time.Duration, error) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return 0, fmt.Errorf("%s must be a valid duration: %w", key, err)
		}
		return d, nil
	}
	return fallback, nil
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
