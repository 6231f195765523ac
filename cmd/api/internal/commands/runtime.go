package commands

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"riskmate/api/internal/app"
	"riskmate/api/internal/billing"
	"riskmate/api/internal/cache"
	"riskmate/api/internal/config"
	"riskmate/api/internal/export"
	"riskmate/api/internal/notify"
	"riskmate/api/internal/ratelimit"
	"riskmate/api/internal/reconcile"
	"riskmate/api/internal/search"
	"riskmate/api/internal/storage"
	"riskmate/api/internal/store"
)

// runtime holds the backends shared by serve and the one-shot commands.
// Optional backends stay nil when their configuration is absent.
type runtime struct {
	db         *sql.DB
	store      *store.PostgresStore
	provider   billing.Provider
	catalog    billing.PlanCatalog
	reconciler *reconcile.Reconciler
	redis      *redis.Client
	cache      *cache.EntitlementsCache
	limiter    ratelimit.Limiter
	objects    *storage.Store
	exporter   *export.Service
	meili      *search.Meili
	search     *search.Service
	notifier   *notify.Notifier
}

func newRuntime(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*runtime, error) {
	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("database connection failed: %w", err)
	}

	rt := &runtime{
		db:      db,
		store:   store.NewPostgresStore(db),
		catalog: billing.NewPlanCatalog(cfg.PlanPrices()),
	}

	if strings.TrimSpace(cfg.RedisURL) != "" {
		client, err := cache.Connect(ctx, cfg.RedisURL)
		if err != nil {
			rt.Close()
			return nil, fmt.Errorf("redis connection failed: %w", err)
		}
		rt.redis = client
		rt.cache = cache.NewEntitlementsCache(client, cache.DefaultTTL)
		rt.limiter = ratelimit.NewRedis(client, cfg.RateLimitRequests, cfg.RateLimitWindow)
		logger.Info().Msg("using redis for entitlements cache and rate limiting")
	} else {
		rt.limiter = ratelimit.NewMemory(cfg.RateLimitRequests, cfg.RateLimitWindow)
		logger.Warn().Msg("REDIS_URL not set, rate limiting is per-instance and entitlements are uncached")
	}

	mailer := notify.NewMailer(notify.Config{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		Username: cfg.SMTPUsername,
		Password: cfg.SMTPPassword,
		From:     cfg.SMTPFrom,
		FromName: cfg.SMTPFromName,
	})
	rt.notifier = notify.New(rt.store, mailer, cfg.AppURL, logger)

	if cfg.StripeSecretKey != "" || cfg.StripeWebhookSecret != "" {
		rt.provider = billing.NewStripeProvider(cfg.StripeSecretKey, cfg.StripeWebhookSecret)
	}
	if cfg.StripeSecretKey != "" {
		rt.reconciler = reconcile.New(rt.provider, rt.store, rt.catalog, logger)
		rt.reconciler.SetNotifier(rt.notifier)
		if rt.cache != nil {
			rt.reconciler.SetInvalidator(rt.cache)
		}
	} else {
		logger.Warn().Msg("STRIPE_SECRET_KEY not set, reconciliation and checkout are disabled")
	}

	if cfg.StorageEnabled() {
		objects, err := storage.New(storage.Config{
			Endpoint:  cfg.S3Endpoint,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
			UseSSL:    cfg.S3UseSSL,
			Region:    cfg.S3Region,
		})
		if err != nil {
			rt.Close()
			return nil, fmt.Errorf("object storage setup failed: %w", err)
		}
		for _, bucket := range []string{cfg.S3BucketProofPacks, cfg.S3BucketEvidence} {
			if bucket == "" {
				continue
			}
			if err := objects.EnsureBucket(ctx, bucket); err != nil {
				logger.Warn().Err(err).Str("bucket", bucket).Msg("ensure bucket failed")
			}
		}
		rt.objects = objects
	}

	rt.exporter = export.NewService(rt.store, export.NewChromeRenderer(cfg.PDFRendererWSURL), logger)
	if rt.objects != nil {
		rt.exporter.SetObjects(rt.objects, cfg.S3BucketEvidence)
	}

	if strings.TrimSpace(cfg.MeiliURL) != "" {
		rt.meili = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, logger)
	}
	rt.search = search.NewService(rt.meili, search.NewPgFTS(db), logger)

	return rt, nil
}

func (rt *runtime) options() app.Options {
	return app.Options{
		Billing:    rt.provider,
		Catalog:    rt.catalog,
		Reconciler: rt.reconciler,
		Exporter:   rt.exporter,
		Objects:    rt.objects,
		Cache:      rt.cache,
		Search:     rt.search,
		Notifier:   rt.notifier,
	}
}

func (rt *runtime) Close() {
	if rt.meili != nil {
		rt.meili.Close()
	}
	if rt.redis != nil {
		_ = rt.redis.Close()
	}
	if rt.db != nil {
		_ = rt.db.Close()
	}
}
