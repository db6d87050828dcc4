package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/dmitrymomot/billingcore/pkg/audit"
	"github.com/dmitrymomot/billingcore/pkg/batch"
	"github.com/dmitrymomot/billingcore/pkg/config"
	"github.com/dmitrymomot/billingcore/pkg/dedup"
	"github.com/dmitrymomot/billingcore/pkg/httpserver"
	"github.com/dmitrymomot/billingcore/pkg/ledger"
	"github.com/dmitrymomot/billingcore/pkg/lifecycle"
	"github.com/dmitrymomot/billingcore/pkg/lock"
	"github.com/dmitrymomot/billingcore/pkg/logger"
	"github.com/dmitrymomot/billingcore/pkg/pg"
	redisconn "github.com/dmitrymomot/billingcore/pkg/redis"
	"github.com/dmitrymomot/billingcore/pkg/webhook"
	"github.com/dmitrymomot/billingcore/svc/billing"

	"github.com/dmitrymomot/billingcore/internal/db"
)

type appConfig struct {
	Env         string `env:"APP_ENV" envDefault:"development"`
	ServiceName string `env:"APP_NAME" envDefault:"billingd"`

	PlansFile     string `env:"BILLING_PLANS_FILE,required"`
	DefaultPlanID string `env:"BILLING_DEFAULT_PLAN" envDefault:"free"`
	TenantHeader  string `env:"BILLING_TENANT_HEADER" envDefault:"X-Tenant-Id"`

	// UsageBackend selects the counter store: "postgres" or "redis".
	UsageBackend    string        `env:"BILLING_USAGE_BACKEND" envDefault:"postgres"`
	UsageCounterTTL time.Duration `env:"BILLING_USAGE_COUNTER_TTL" envDefault:"1080h"`

	StripeWebhookSecret string        `env:"WEBHOOK_STRIPE_SECRET"`
	PaypalWebhookSecret string        `env:"WEBHOOK_PAYPAL_SECRET"`
	WebhookMaxAge       time.Duration `env:"WEBHOOK_MAX_AGE" envDefault:"5m"`
	WebhookMaxAttempts  int           `env:"WEBHOOK_RETRY_MAX_ATTEMPTS" envDefault:"5"`
	WebhookRetryEvery   time.Duration `env:"WEBHOOK_RETRY_INTERVAL" envDefault:"1m"`
	WebhookRetryBatch   int           `env:"WEBHOOK_RETRY_BATCH" envDefault:"50"`

	BatchInterval time.Duration `env:"BATCH_INTERVAL" envDefault:"15m"`
}

func main() {
	if err := run(); err != nil {
		slog.Error("billingd exited", logger.Error(err))
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var cfg appConfig
	if err := config.Load(&cfg); err != nil {
		return err
	}
	var pgCfg pg.Config
	if err := config.Load(&pgCfg); err != nil {
		return err
	}
	var httpCfg httpserver.Config
	if err := config.Load(&httpCfg); err != nil {
		return err
	}
	var batchCfg batch.Config
	if err := config.Load(&batchCfg); err != nil {
		return err
	}

	log := logger.New(
		logger.WithEnvironment(cfg.Env, cfg.ServiceName),
	)
	slog.SetDefault(log)

	pool, err := pg.Connect(ctx, pgCfg)
	if err != nil {
		return err
	}
	defer pool.Close()

	if err := pg.Migrate(ctx, pool, db.Migrations, "migrations", pgCfg, log); err != nil {
		return err
	}

	healthProbes := []func(context.Context) error{pg.Healthcheck(pool)}

	// Usage counters default to Postgres; Redis serves deployments where the
	// metered endpoints are hot enough that counter writes need to stay off
	// the primary database.
	var counters ledger.CounterStore = ledger.NewPostgresCounterStore(pool)
	if cfg.UsageBackend == "redis" {
		var redisCfg redisconn.Config
		if err := config.Load(&redisCfg); err != nil {
			return err
		}
		client, err := redisconn.Connect(ctx, redisCfg)
		if err != nil {
			return err
		}
		defer client.Close()
		counters = ledger.NewRedisCounterStore(client, cfg.UsageCounterTTL)
		healthProbes = append(healthProbes, redisconn.Healthcheck(client))
	}

	subs := lifecycle.NewPostgresStore(pool)
	auditStorage := audit.NewPostgresStorage(pool)
	auditLogger := audit.NewLogger(auditStorage)
	auditReader := audit.NewReader(auditStorage)

	plans := ledger.NewFileSource(cfg.PlansFile)
	defaultPlan, err := resolveDefaultPlan(ctx, plans, cfg.DefaultPlanID)
	if err != nil {
		return err
	}

	ledgerSvc, err := ledger.NewService(ctx, plans, counters, ledger.NewPostgresOverrideStore(pool),
		subscriptionPlanResolver(subs), defaultPlan,
		ledger.WithPeriodResolver(subscriptionPeriodResolver(subs)),
		ledger.WithLogger(log),
	)
	if err != nil {
		return err
	}

	mgr, err := lifecycle.NewManager(ctx, subs, auditStorage, plans,
		lifecycle.WithUsageGuard(ledgerSvc),
		lifecycle.WithLogger(log),
	)
	if err != nil {
		return err
	}

	providers := webhookProviders(cfg)
	if len(providers) == 0 {
		return errors.New("no webhook provider secrets configured")
	}
	processor := webhook.NewProcessor(dedup.NewPostgresStore(pool), auditLogger, providers,
		webhook.WithLogger(log),
	)

	svc := billing.New(ledgerSvc, mgr, subs, processor, auditReader, billing.WithLogger(log))

	renewals := batch.NewProcessor(subs, mgr, lock.NewPostgresStore(pool), batchCfg,
		batch.WithLogger(log),
	)

	router := billing.Router(svc, billing.HeaderTenantResolver(cfg.TenantHeader),
		billing.Healthz(requestProbes(healthProbes)...),
	)

	srv := httpserver.NewFromConfig(httpCfg, httpserver.WithLogger(log))

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Run(ctx, router)
	})
	g.Go(func() error {
		return runEvery(ctx, cfg.BatchInterval, func(ctx context.Context) {
			report, err := renewals.Run(ctx)
			if err != nil {
				log.ErrorContext(ctx, "renewal sweep failed", logger.Error(err))
				return
			}
			log.InfoContext(ctx, "renewal sweep finished",
				slog.Int("processed", report.Processed),
				slog.Int("skipped_locked", report.SkippedLocked),
				slog.Int("failed", report.Failed),
			)
		})
	})
	g.Go(func() error {
		return runEvery(ctx, cfg.WebhookRetryEvery, func(ctx context.Context) {
			report, err := processor.RetryFailed(ctx, cfg.WebhookMaxAttempts, cfg.WebhookRetryBatch)
			if err != nil {
				log.ErrorContext(ctx, "webhook retry sweep failed", logger.Error(err))
				return
			}
			if report.Retried > 0 {
				log.InfoContext(ctx, "webhook retry sweep finished",
					slog.Int("retried", report.Retried),
					slog.Int("succeeded", report.Succeeded),
					slog.Int("failed", report.Failed),
					slog.Int("exhausted", report.Exhausted),
				)
			}
		})
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// runEvery invokes fn on a fixed interval until ctx is cancelled. The first
// run happens immediately so a fresh deploy does not wait a full interval.
func runEvery(ctx context.Context, interval time.Duration, fn func(context.Context)) error {
	fn(ctx)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			fn(ctx)
		}
	}
}

func resolveDefaultPlan(ctx context.Context, src ledger.PlanSource, id string) (ledger.Plan, error) {
	all, err := src.Load(ctx)
	if err != nil {
		return ledger.Plan{}, err
	}
	plan, ok := all[id]
	if !ok {
		return ledger.Plan{}, fmt.Errorf("default plan %q not found in plans file", id)
	}
	return plan, nil
}

// subscriptionPlanResolver maps a tenant to its live subscription's plan.
// Tenants without a subscription fall through to the ledger's default plan.
func subscriptionPlanResolver(subs lifecycle.Store) ledger.PlanResolver {
	return func(ctx context.Context, tenantID uuid.UUID) (string, error) {
		sub, err := subs.Get(ctx, tenantID)
		if err != nil {
			if errors.Is(err, lifecycle.ErrSubscriptionNotFound) {
				return "", nil
			}
			return "", err
		}
		return sub.PlanID, nil
	}
}

// subscriptionPeriodResolver aligns usage periods with the subscription's
// billing period instead of the calendar month.
func subscriptionPeriodResolver(subs lifecycle.Store) ledger.PeriodResolver {
	return func(ctx context.Context, tenantID uuid.UUID) (time.Time, error) {
		sub, err := subs.Get(ctx, tenantID)
		if err != nil {
			if errors.Is(err, lifecycle.ErrSubscriptionNotFound) {
				return ledger.CalendarMonthPeriod(ctx, tenantID)
			}
			return time.Time{}, err
		}
		return sub.CurrentPeriodStart, nil
	}
}

func webhookProviders(cfg appConfig) map[string]webhook.ProviderConfig {
	providers := make(map[string]webhook.ProviderConfig, 2)
	if cfg.StripeWebhookSecret != "" {
		providers["stripe"] = webhook.ProviderConfig{Secret: cfg.StripeWebhookSecret, MaxAge: cfg.WebhookMaxAge}
	}
	if cfg.PaypalWebhookSecret != "" {
		providers["paypal"] = webhook.ProviderConfig{Secret: cfg.PaypalWebhookSecret, MaxAge: cfg.WebhookMaxAge}
	}
	return providers
}

func requestProbes(probes []func(context.Context) error) []func(r *http.Request) error {
	out := make([]func(r *http.Request) error, 0, len(probes))
	for _, probe := range probes {
		out = append(out, func(r *http.Request) error {
			return probe(r.Context())
		})
	}
	return out
}
