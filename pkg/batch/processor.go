package batch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/dmitrymomot/billingcore/pkg/lifecycle"
	"github.com/dmitrymomot/billingcore/pkg/lock"
)

// Config tunes a billing pass. Populated from the environment.
type Config struct {
	WorkerID    string        `env:"BATCH_WORKER_ID"`
	PageSize    int           `env:"BATCH_PAGE_SIZE" envDefault:"100"`
	MaxAttempts int           `env:"BATCH_MAX_ATTEMPTS" envDefault:"3"`
	LeaseTTL    time.Duration `env:"BATCH_LEASE_TTL" envDefault:"5m"`

	// LockRetention is how long an expired lock row is kept before the
	// sweep deletes it. Expired rows carry the attempt counts of failing
	// subscriptions between passes, so retention must outlast the gap
	// between passes.
	LockRetention time.Duration `env:"BATCH_LOCK_RETENTION" envDefault:"720h"`
}

// Report summarizes one billing pass.
type Report struct {
	Processed     int // renewals charged plus cancellations finalized
	SkippedLocked int // rows another worker held the lease for
	Failed        int // rows that failed, including ones parked for good
}

// Processor drives billing passes.
type Processor struct {
	store lifecycle.Store
	mgr   lifecycle.Manager
	locks lock.Store
	cfg   Config
	now   func() time.Time
	log   *slog.Logger
}

// Option configures optional processor behavior.
type Option func(*Processor)

// WithClock overrides the time source for tests.
func WithClock(now func() time.Time) Option {
	return func(p *Processor) { p.now = now }
}

// WithLogger sets the processor's logger.
func WithLogger(log *slog.Logger) Option {
	return func(p *Processor) { p.log = log }
}

// NewProcessor builds a billing pass processor. Panics on nil required
// dependencies to fail fast during initialization.
func NewProcessor(store lifecycle.Store, mgr lifecycle.Manager, locks lock.Store, cfg Config, opts ...Option) *Processor {
	if store == nil {
		panic("batch: subscription store is required")
	}
	if mgr == nil {
		panic("batch: lifecycle manager is required")
	}
	if locks == nil {
		panic("batch: lock store is required")
	}

	if cfg.WorkerID == "" {
		cfg.WorkerID = fmt.Sprintf("worker-%d", time.Now().UnixNano())
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = 100
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = 5 * time.Minute
	}
	if cfg.LockRetention <= 0 {
		cfg.LockRetention = 30 * 24 * time.Hour
	}

	p := &Processor{
		store: store,
		mgr:   mgr,
		locks: locks,
		cfg:   cfg,
		now:   func() time.Time { return time.Now().UTC() },
		log:   slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run executes one billing pass over everything due at its start time.
// Subscriptions that become due while the pass runs wait for the next one.
func (p *Processor) Run(ctx context.Context) (Report, error) {
	if swept, err := p.locks.Sweep(ctx, p.cfg.LockRetention); err != nil {
		p.log.WarnContext(ctx, "lease sweep failed", slog.Any("error", err))
	} else if swept > 0 {
		p.log.InfoContext(ctx, "swept expired leases", slog.Int("count", swept))
	}

	var (
		report Report
		before = p.now()
		seen   = make(map[string]bool)
	)

	for {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		page, err := p.store.ListDue(ctx, before, p.cfg.PageSize)
		if err != nil {
			return report, err
		}

		progressed := false
		for _, sub := range page {
			if seen[sub.ID.String()] {
				continue
			}
			seen[sub.ID.String()] = true
			progressed = true

			switch p.processOne(ctx, sub) {
			case outcomeProcessed:
				report.Processed++
			case outcomeSkipped:
				report.SkippedLocked++
			case outcomeFailed:
				report.Failed++
			}
		}

		// Every remaining due row was already attempted this pass.
		if !progressed || len(page) < p.cfg.PageSize {
			return report, nil
		}
	}
}

type outcome int

const (
	outcomeProcessed outcome = iota
	outcomeSkipped
	outcomeFailed
)

func (p *Processor) processOne(ctx context.Context, sub lifecycle.Subscription) outcome {
	resource := "subscription:" + sub.ID.String()

	lease, err := p.locks.Acquire(ctx, resource, p.cfg.WorkerID, p.cfg.LeaseTTL)
	if err != nil {
		if errors.Is(err, lock.ErrHeld) {
			return outcomeSkipped
		}
		p.log.ErrorContext(ctx, "lease acquire failed",
			slog.Any("subscription_id", sub.ID), slog.Any("error", err))
		return outcomeFailed
	}

	// The key pins this pass's action to the subscription's current period,
	// so a crashed-and-rerun pass replays instead of double-charging.
	period := sub.CurrentPeriodStart.UTC().Format("2006-01-02")

	// The lock row outlives its lease, so the attempt count spans passes.
	// A row past its budget is poison: park it instead of failing into
	// the same error forever.
	if lease.Attempts > p.cfg.MaxAttempts {
		key := fmt.Sprintf("renewal-failed:%s:%s:%s", sub.TenantID, sub.ID, period)
		if _, err := p.mgr.MarkRenewalFailed(ctx, sub.ID, key, "attempt budget exhausted"); err != nil {
			p.log.ErrorContext(ctx, "failed to park subscription",
				slog.Any("subscription_id", sub.ID), slog.Any("error", err))
			return outcomeFailed
		}
		p.release(ctx, resource, sub.ID)
		p.log.ErrorContext(ctx, "subscription parked after repeated failures",
			slog.Any("subscription_id", sub.ID),
			slog.Any("tenant_id", sub.TenantID),
			slog.Int("attempts", lease.Attempts-1))
		return outcomeFailed
	}

	if sub.CancelAtPeriodEnd {
		key := fmt.Sprintf("finalize:%s:%s:%s", sub.TenantID, sub.ID, period)
		_, err = p.mgr.FinalizeScheduledCancel(ctx, sub.ID, key)
	} else {
		key := fmt.Sprintf("renewal:%s:%s:%s", sub.TenantID, sub.ID, period)
		_, err = p.mgr.RenewCharge(ctx, sub.ID, key)
	}
	if err == nil {
		p.release(ctx, resource, sub.ID)
		return outcomeProcessed
	}
	if errors.Is(err, lifecycle.ErrCancelScheduled) {
		// The tenant scheduled a cancel after this row was listed; the
		// finalize pass owns it once the period ends.
		p.release(ctx, resource, sub.ID)
		return outcomeSkipped
	}

	// Leave the lease to expire on its own: the surviving lock row carries
	// the attempt count into the next pass.
	p.log.ErrorContext(ctx, "billing pass row failed",
		slog.Any("subscription_id", sub.ID),
		slog.Any("tenant_id", sub.TenantID),
		slog.Int("attempt", lease.Attempts),
		slog.Any("error", err))
	return outcomeFailed
}

func (p *Processor) release(ctx context.Context, resource string, subID uuid.UUID) {
	if err := p.locks.Release(ctx, resource, p.cfg.WorkerID); err != nil {
		p.log.WarnContext(ctx, "lease release failed",
			slog.Any("subscription_id", subID), slog.Any("error", err))
	}
}
