package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rcourtman/funnelgate/internal/gateway/assets"
	"github.com/rcourtman/funnelgate/internal/gateway/auditlog"
	"github.com/rcourtman/funnelgate/internal/gateway/ledger"
	"github.com/rcourtman/funnelgate/internal/gateway/payments"
	"github.com/rcourtman/funnelgate/internal/gateway/ratelimit"
	"github.com/rcourtman/funnelgate/internal/gateway/reading"
	"github.com/rcourtman/funnelgate/internal/gateway/store"
	"github.com/rcourtman/funnelgate/internal/logging"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// Run starts the funnel gateway and blocks until ctx is cancelled or a
// termination signal arrives.
func Run(ctx context.Context, version string) error {
	cfg, err := LoadConfig()
	if err != nil {
		logging.Init(logging.Config{Format: "auto", Level: "info", Component: "funnel-gateway"})
		return fmt.Errorf("load config: %w", err)
	}

	logging.Init(logging.Config{
		Format:    cfg.LogFormat,
		Level:     cfg.LogLevel,
		Component: "funnel-gateway",
	})
	log.Info().Str("version", version).Msg("Starting funnel gateway")

	db, err := OpenStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	deps, err := BuildDeps(cfg, db, version)
	if err != nil {
		return err
	}

	addr := fmt.Sprintf("%s:%d", cfg.BindAddress, cfg.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           Handler(deps),
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	// Signal handling
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	// Background loops stop with the group context.
	g.Go(func() error {
		runPurchaseStatusMetrics(gctx, deps.Ledger)
		return nil
	})
	if deps.pruner != nil {
		g.Go(func() error {
			deps.pruner.RunPruner(gctx)
			return nil
		})
	}
	g.Go(func() error {
		if err := deps.Secrets.Watch(gctx); err != nil {
			log.Warn().Err(err).Msg("Webhook secrets watcher stopped; rotation requires restart")
		}
		return nil
	})

	g.Go(func() error {
		log.Info().Str("addr", addr).Msg("Funnel gateway listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("Shutting down...")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Server shutdown error")
		}
		return nil
	})

	err = g.Wait()
	log.Info().Msg("Funnel gateway stopped")
	return err
}

// OpenStore opens the backing store selected by cfg.
func OpenStore(ctx context.Context, cfg *Config) (*store.DB, error) {
	db, err := store.Open(ctx, store.Config{DatabaseURL: cfg.DatabaseURL, Dir: cfg.StoreDir()})
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	log.Info().Str("dialect", string(db.Dialect())).Msg("Store opened")
	return db, nil
}

// BuildDeps constructs the handler dependencies for cfg over an open store.
func BuildDeps(cfg *Config, db *store.DB, version string) (*Deps, error) {
	secrets, err := payments.NewSecretSet(cfg.StripeWebhookSecrets, cfg.StripeWebhookSecretsFile)
	if err != nil {
		return nil, fmt.Errorf("load webhook secrets: %w", err)
	}

	limiterStore := ratelimit.NewSQLStore(db)
	deps := &Deps{
		Config:   cfg,
		Ledger:   ledger.New(db),
		Limiter:  ratelimit.New(limiterStore, ratelimit.WithMode(cfg.RateLimitMode), ratelimit.WithTrustedProxies(cfg.TrustedProxies)),
		Secrets:  secrets,
		Audit:    auditlog.NewStore(db),
		Checkout: payments.NewCheckoutHandler(payments.CheckoutConfig{APIKey: cfg.StripeAPIKey, Prices: cfg.StripePrices}, cfg.AllowedOrigins),
		Version:  version,
		pruner:   limiterStore,
	}

	switch {
	case cfg.AssetBucket != "":
		creds, err := assets.LoadGCSCredentials(cfg.GCSCredentialsFile)
		if err != nil {
			return nil, fmt.Errorf("load asset signing credentials: %w", err)
		}
		deps.Signer = assets.NewGCSSigner(cfg.AssetBucket, creds)
		log.Info().Str("bucket", cfg.AssetBucket).Msg("Asset delivery: GCS signed URLs")
	case cfg.AssetLocalDir != "":
		local, err := assets.NewLocalSigner(cfg.BaseURL, cfg.AssetSigningSecret)
		if err != nil {
			return nil, fmt.Errorf("init local asset signer: %w", err)
		}
		deps.Signer = local
		deps.Local = local
		log.Info().Str("dir", cfg.AssetLocalDir).Msg("Asset delivery: local signed links")
	default:
		log.Warn().Msg("Asset delivery disabled (set ASSET_BUCKET or ASSET_LOCAL_DIR)")
	}

	if n := cfg.TrustedProxies.Len(); n > 0 {
		log.Info().Int("ranges", n).Msg("Honouring forwarded client addresses from trusted proxies")
	}

	if cfg.GeneratorURL != "" {
		deps.Generator = reading.NewHTTPGenerator(cfg.GeneratorURL, cfg.GeneratorToken, cfg.GeneratorTimeout)
	} else {
		log.Warn().Msg("Reading generator disabled (set READING_GENERATOR_URL)")
	}

	if !deps.Checkout.Configured() {
		log.Warn().Msg("Checkout disabled (set STRIPE_API_KEY and STRIPE_PRICE_*)")
	}
	return deps, nil
}
