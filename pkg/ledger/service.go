package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Service is the public interface of the usage and feature ledger.
type Service interface {
	// CheckUsage returns the current counter, limit, and remaining headroom
	// for a usage type.
	CheckUsage(ctx context.Context, tenantID uuid.UUID, usageType UsageType) (UsageInfo, error)

	// CanPerform reports whether the tenant may consume amount more units.
	// Infrastructure failures fail closed: the tenant is denied with a
	// human-readable reason rather than granted access on a read error.
	//
	// CanPerform followed by IncrementUsage is not atomic; under concurrent
	// callers the counter may overshoot the limit by the number of racers.
	// Limits are soft limits, not hard quotas.
	CanPerform(ctx context.Context, tenantID uuid.UUID, usageType UsageType, amount int64) (Decision, error)

	// IncrementUsage atomically adds delta to the tenant's counter and
	// returns the new value. It never checks limits; pair with CanPerform.
	IncrementUsage(ctx context.Context, tenantID uuid.UUID, usageType UsageType, delta int64) (int64, error)

	// IsFeatureEnabled resolves the feature level for a tenant: plan default
	// first, then an unexpired tenant override, which always wins.
	IsFeatureEnabled(ctx context.Context, tenantID uuid.UUID, feature Feature) FeatureLevel

	// AllUsage returns every metered counter for the tenant's plan. Used by
	// dashboards; counter read failures surface as zero current values.
	AllUsage(ctx context.Context, tenantID uuid.UUID) (map[UsageType]UsageInfo, error)
}

// PeriodResolver returns the usage period start for a tenant, normally the
// tenant subscription's current_period_start. The default resolver uses the
// start of the current UTC calendar month.
type PeriodResolver func(ctx context.Context, tenantID uuid.UUID) (time.Time, error)

// CalendarMonthPeriod is the default PeriodResolver.
func CalendarMonthPeriod(ctx context.Context, tenantID uuid.UUID) (time.Time, error) {
	now := time.Now().UTC()
	return time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC), nil
}

type service struct {
	plans       map[string]Plan
	defaultPlan Plan
	counters    CounterStore
	overrides   OverrideStore
	resolver    PlanResolver
	period      PeriodResolver
	now         func() time.Time
	log         *slog.Logger
}

// Option configures optional service behavior.
type Option func(*service)

// WithPeriodResolver replaces the default calendar-month period resolver.
func WithPeriodResolver(r PeriodResolver) Option {
	return func(s *service) { s.period = r }
}

// WithLogger sets the logger used for degraded-mode warnings.
func WithLogger(log *slog.Logger) Option {
	return func(s *service) { s.log = log }
}

// WithClock overrides the time source. Tests use this to pin override expiry.
func WithClock(now func() time.Time) Option {
	return func(s *service) { s.now = now }
}

// NewService builds the ledger service. The defaultPlan is the explicit
// fail-closed fallback applied whenever a tenant's plan cannot be resolved;
// it should be the most restrictive free tier. Panics on nil required
// dependencies to fail fast during initialization.
func NewService(ctx context.Context, src PlanSource, counters CounterStore, overrides OverrideStore, resolver PlanResolver, defaultPlan Plan, opts ...Option) (Service, error) {
	if src == nil {
		panic("ledger: PlanSource is required")
	}
	if counters == nil {
		panic("ledger: CounterStore is required")
	}
	if overrides == nil {
		panic("ledger: OverrideStore is required")
	}
	if resolver == nil {
		panic("ledger: PlanResolver is required")
	}
	if defaultPlan.ID == "" {
		return nil, ErrDefaultPlanRequired
	}

	plans, err := src.Load(ctx)
	if err != nil {
		return nil, errors.Join(ErrFailedToLoadPlans, err)
	}
	if err := validatePlans(plans); err != nil {
		return nil, err
	}

	s := &service{
		plans:       plans,
		defaultPlan: defaultPlan,
		counters:    counters,
		overrides:   overrides,
		resolver:    resolver,
		period:      CalendarMonthPeriod,
		now:         func() time.Time { return time.Now().UTC() },
		log:         slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// planFor resolves the tenant's plan, degrading to the default plan on any
// failure so a transient read error never widens access.
func (s *service) planFor(ctx context.Context, tenantID uuid.UUID) Plan {
	planID, err := s.resolver(ctx, tenantID)
	if err != nil {
		s.log.WarnContext(ctx, "plan resolution failed, using default plan",
			slog.Any("tenant_id", tenantID), slog.Any("error", err))
		return s.defaultPlan
	}

	plan, ok := s.plans[planID]
	if !ok {
		s.log.WarnContext(ctx, "unknown plan, using default plan",
			slog.Any("tenant_id", tenantID), slog.String("plan_id", planID))
		return s.defaultPlan
	}
	return plan
}

func (s *service) CheckUsage(ctx context.Context, tenantID uuid.UUID, usageType UsageType) (UsageInfo, error) {
	plan := s.planFor(ctx, tenantID)

	limit, ok := plan.Limits[usageType]
	if !ok {
		return UsageInfo{}, ErrInvalidUsageType
	}

	periodStart, err := s.period(ctx, tenantID)
	if err != nil {
		return UsageInfo{}, err
	}

	current, err := s.counters.Get(ctx, tenantID, usageType, periodStart)
	if err != nil {
		return UsageInfo{}, err
	}

	info := UsageInfo{Current: current, Limit: limit}
	if limit == Unlimited {
		info.Unlimited = true
	} else {
		info.Remaining = max(0, limit-current)
	}
	return info, nil
}

func (s *service) CanPerform(ctx context.Context, tenantID uuid.UUID, usageType UsageType, amount int64) (Decision, error) {
	if amount <= 0 {
		return Decision{}, ErrInvalidAmount
	}

	plan := s.planFor(ctx, tenantID)

	limit, ok := plan.Limits[usageType]
	if !ok {
		return Deny(fmt.Sprintf("%s is not included in your plan", usageType)), nil
	}
	if limit == Unlimited {
		return Allow(), nil
	}

	periodStart, err := s.period(ctx, tenantID)
	if err != nil {
		return Deny("usage information is temporarily unavailable"), nil
	}

	current, err := s.counters.Get(ctx, tenantID, usageType, periodStart)
	if err != nil {
		// Fail closed: a counter read error must not grant access.
		s.log.WarnContext(ctx, "counter read failed, denying",
			slog.Any("tenant_id", tenantID), slog.String("usage_type", string(usageType)), slog.Any("error", err))
		return Deny("usage information is temporarily unavailable"), nil
	}

	if current+amount > limit {
		return Deny(fmt.Sprintf("%s limit reached (%d of %d used)", usageType, current, limit)), nil
	}
	return Allow(), nil
}

func (s *service) IncrementUsage(ctx context.Context, tenantID uuid.UUID, usageType UsageType, delta int64) (int64, error) {
	if delta <= 0 {
		return 0, ErrInvalidAmount
	}

	periodStart, err := s.period(ctx, tenantID)
	if err != nil {
		return 0, err
	}
	return s.counters.Increment(ctx, tenantID, usageType, periodStart, delta)
}

func (s *service) IsFeatureEnabled(ctx context.Context, tenantID uuid.UUID, feature Feature) FeatureLevel {
	plan := s.planFor(ctx, tenantID)
	level := plan.Features[feature] // zero value is LevelDisabled

	override, err := s.overrides.Get(ctx, tenantID, feature)
	switch {
	case err == nil:
		if !override.Expired(s.now()) {
			return override.Level
		}
	case !errors.Is(err, ErrOverrideNotFound):
		// Degraded override store keeps the plan default; overrides only
		// ever widen or narrow a single tenant, never the whole catalog.
		s.log.WarnContext(ctx, "override lookup failed, using plan default",
			slog.Any("tenant_id", tenantID), slog.String("feature", string(feature)), slog.Any("error", err))
	}
	return level
}

func (s *service) AllUsage(ctx context.Context, tenantID uuid.UUID) (map[UsageType]UsageInfo, error) {
	plan := s.planFor(ctx, tenantID)

	periodStart, err := s.period(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	result := make(map[UsageType]UsageInfo, len(plan.Limits))
	for usageType, limit := range plan.Limits {
		info := UsageInfo{Limit: limit}
		if limit == Unlimited {
			info.Unlimited = true
		}

		if current, err := s.counters.Get(ctx, tenantID, usageType, periodStart); err == nil {
			info.Current = current
			if !info.Unlimited {
				info.Remaining = max(0, limit-current)
			}
		}
		result[usageType] = info
	}
	return result, nil
}
