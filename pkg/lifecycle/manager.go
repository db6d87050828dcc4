package lifecycle

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/dmitrymomot/billingcore/pkg/audit"
	"github.com/dmitrymomot/billingcore/pkg/ledger"
	"github.com/dmitrymomot/billingcore/pkg/proration"
)

// ErrCancelScheduled rejects a renewal charge for a subscription already
// scheduled to cancel at period end; the batch processor finalizes the
// cancellation instead.
var ErrCancelScheduled = errors.New("lifecycle: subscription is scheduled to cancel at period end")

// Result is the outcome of a lifecycle operation.
type Result struct {
	Subscription Subscription      `json:"subscription"`
	Event        audit.Event       `json:"event"`
	Proration    *proration.Result `json:"proration,omitempty"`
	Replayed     bool              `json:"replayed"` // true when the idempotency key matched a prior run
}

// Manager drives subscription state transitions.
type Manager interface {
	// Signup creates the tenant's subscription on the given plan: trialing
	// when the plan carries a trial, active otherwise.
	Signup(ctx context.Context, tenantID uuid.UUID, planID, idemKey string) (*Result, error)

	// Activate converts a trialing subscription to active after a successful
	// payment event. occurredAt is the provider's event time and is checked
	// against the subscription's audit trail for staleness.
	Activate(ctx context.Context, tenantID uuid.UUID, idemKey string, occurredAt time.Time) (*Result, error)

	// ChangePlan moves the subscription to a new plan mid-cycle, prorated.
	ChangePlan(ctx context.Context, tenantID uuid.UUID, newPlanID, idemKey string) (*Result, error)

	// Pause suspends billing, crediting the unused remainder of the period.
	Pause(ctx context.Context, tenantID uuid.UUID, idemKey string) (*Result, error)

	// Resume restarts a paused subscription on a fresh billing period.
	Resume(ctx context.Context, tenantID uuid.UUID, idemKey string) (*Result, error)

	// Cancel ends the subscription now or at period end. occurredAt is
	// when the cancellation happened at its origin (the provider's event
	// time for webhook-driven cancels, the request time for API calls)
	// and is checked against the subscription's audit trail for staleness.
	Cancel(ctx context.Context, tenantID uuid.UUID, mode CancelMode, idemKey string, occurredAt time.Time) (*Result, error)

	// RecordPaymentFailure appends a payment-failure audit event without a
	// state change. Declines are permanent business errors, not retries.
	RecordPaymentFailure(ctx context.Context, tenantID uuid.UUID, idemKey string, occurredAt time.Time, reason string) (*Result, error)

	// RenewCharge rolls an active subscription into its next billing period
	// and records the recurring charge. Called by the batch processor.
	RenewCharge(ctx context.Context, subscriptionID uuid.UUID, idemKey string) (*Result, error)

	// FinalizeScheduledCancel transitions a subscription whose period has
	// ended with a pending period-end cancellation into cancelled.
	FinalizeScheduledCancel(ctx context.Context, subscriptionID uuid.UUID, idemKey string) (*Result, error)

	// MarkRenewalFailed records that the batch gave up on billing the
	// subscription and parks it out of the due queue. The subscription
	// keeps its status; the audit event is the operator's signal to
	// intervene.
	MarkRenewalFailed(ctx context.Context, subscriptionID uuid.UUID, idemKey, reason string) (*Result, error)
}

// Notifier is the outbound notification collaborator. Calls are
// fire-and-forget: failures are logged and never block a transition.
type Notifier interface {
	Notify(ctx context.Context, tenantID uuid.UUID, action audit.Action) error
}

// UsageGuard supplies current usage for downgrade protection.
type UsageGuard interface {
	AllUsage(ctx context.Context, tenantID uuid.UUID) (map[ledger.UsageType]ledger.UsageInfo, error)
}

type manager struct {
	store    Store
	auditlog audit.Storage
	plans    map[string]ledger.Plan
	guard    UsageGuard
	notifier Notifier
	now      func() time.Time
	log      *slog.Logger
}

// ManagerOption configures optional manager behavior.
type ManagerOption func(*manager)

// WithUsageGuard enables downgrade protection against current usage.
func WithUsageGuard(g UsageGuard) ManagerOption {
	return func(m *manager) { m.guard = g }
}

// WithNotifier wires the outbound notification collaborator.
func WithNotifier(n Notifier) ManagerOption {
	return func(m *manager) { m.notifier = n }
}

// WithClock overrides the time source for tests.
func WithClock(now func() time.Time) ManagerOption {
	return func(m *manager) { m.now = now }
}

// WithLogger sets the manager's logger.
func WithLogger(log *slog.Logger) ManagerOption {
	return func(m *manager) { m.log = log }
}

// NewManager builds the lifecycle manager. Panics on nil required
// dependencies to fail fast during initialization.
func NewManager(ctx context.Context, store Store, auditlog audit.Storage, plansSrc ledger.PlanSource, opts ...ManagerOption) (Manager, error) {
	if store == nil {
		panic("lifecycle: store is required")
	}
	if auditlog == nil {
		panic("lifecycle: audit storage is required")
	}
	if plansSrc == nil {
		panic("lifecycle: plan source is required")
	}

	plans, err := plansSrc.Load(ctx)
	if err != nil {
		return nil, errors.Join(ErrPlanNotFound, err)
	}

	m := &manager{
		store:    store,
		auditlog: auditlog,
		plans:    plans,
		now:      func() time.Time { return time.Now().UTC() },
		log:      slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// replay returns the recorded outcome when the idempotency key already
// produced an audit event, enforcing that the key was used for the same
// operation.
func (m *manager) replay(ctx context.Context, tenantID uuid.UUID, idemKey string, action audit.Action) (*Result, error) {
	if idemKey == "" {
		return nil, ErrMissingIdempotency
	}

	event, err := m.auditlog.FindByIdempotencyKey(ctx, tenantID, idemKey)
	if err != nil {
		if errors.Is(err, audit.ErrEventNotFound) {
			return nil, nil
		}
		return nil, errors.Join(ErrStorageFailure, err)
	}

	if event.Action != action {
		return nil, ErrIdempotencyConflict
	}

	sub, err := m.store.GetByID(ctx, event.SubscriptionID)
	if err != nil {
		return nil, err
	}
	return &Result{Subscription: *sub, Event: event, Replayed: true}, nil
}

// guardMonotonic rejects events that would move the subscription backwards
// relative to its last recorded audit event.
func (m *manager) guardMonotonic(ctx context.Context, subscriptionID uuid.UUID, occurredAt time.Time) error {
	last, err := m.auditlog.LastForSubscription(ctx, subscriptionID)
	if err != nil {
		if errors.Is(err, audit.ErrEventNotFound) {
			return nil
		}
		return errors.Join(ErrStorageFailure, err)
	}
	if occurredAt.Before(last.OccurredAt) {
		return ErrStaleEvent
	}
	return nil
}

func (m *manager) newEvent(tenantID, subscriptionID uuid.UUID, action audit.Action, idemKey, actor string, opts ...audit.EventOption) *audit.Event {
	event := &audit.Event{
		TenantID:       tenantID,
		SubscriptionID: subscriptionID,
		Action:         action,
		Actor:          actor,
		IdempotencyKey: idemKey,
		OccurredAt:     m.now(),
	}
	event.ID = audit.NewEventID(event.OccurredAt)
	for _, opt := range opts {
		opt(event)
	}
	return event
}

func (m *manager) notify(ctx context.Context, tenantID uuid.UUID, action audit.Action) {
	if m.notifier == nil {
		return
	}
	if err := m.notifier.Notify(ctx, tenantID, action); err != nil {
		m.log.WarnContext(ctx, "notification failed",
			slog.Any("tenant_id", tenantID), slog.String("action", string(action)), slog.Any("error", err))
	}
}

func (m *manager) Signup(ctx context.Context, tenantID uuid.UUID, planID, idemKey string) (*Result, error) {
	if replayed, err := m.replay(ctx, tenantID, idemKey, audit.ActionSubscriptionCreated); replayed != nil || err != nil {
		return replayed, err
	}

	plan, ok := m.plans[planID]
	if !ok {
		return nil, ErrPlanNotFound
	}

	now := m.now()
	sub := &Subscription{
		ID:                 uuid.New(),
		TenantID:           tenantID,
		PlanID:             planID,
		BillingCycle:       cycleForPlan(plan),
		Amount:             plan.Amount,
		CurrentPeriodStart: now,
		CreatedAt:          now,
		UpdatedAt:          now,
	}

	if plan.TrialDays > 0 {
		sub.Status = StatusTrialing
		sub.CurrentPeriodEnd = plan.TrialEndsAt(now)
	} else {
		sub.Status = StatusActive
		sub.CurrentPeriodEnd = sub.BillingCycle.advance(now)
	}
	nextCharge := sub.CurrentPeriodEnd
	sub.NextChargeAt = &nextCharge

	event := m.newEvent(tenantID, sub.ID, audit.ActionSubscriptionCreated, idemKey, "tenant",
		audit.WithAmount(plan.Amount),
		audit.WithMetadata("plan_id", planID),
		audit.WithMetadata("status", string(sub.Status)),
	)
	if err := m.store.Create(ctx, sub, event); err != nil {
		return nil, err
	}

	m.notify(ctx, tenantID, audit.ActionSubscriptionCreated)
	return &Result{Subscription: *sub, Event: *event}, nil
}

func (m *manager) Activate(ctx context.Context, tenantID uuid.UUID, idemKey string, occurredAt time.Time) (*Result, error) {
	if replayed, err := m.replay(ctx, tenantID, idemKey, audit.ActionTrialActivated); replayed != nil || err != nil {
		return replayed, err
	}

	sub, err := m.store.Get(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if err := m.guardMonotonic(ctx, sub.ID, occurredAt); err != nil {
		return nil, err
	}
	if !canTransition(sub.Status, StatusActive) || sub.Status != StatusTrialing {
		return nil, &InvalidTransitionError{From: sub.Status, To: StatusActive}
	}

	now := m.now()
	sub.Status = StatusActive
	sub.CurrentPeriodStart = now
	sub.CurrentPeriodEnd = sub.BillingCycle.advance(now)
	nextCharge := sub.CurrentPeriodEnd
	sub.NextChargeAt = &nextCharge
	sub.UpdatedAt = now

	event := m.newEvent(tenantID, sub.ID, audit.ActionTrialActivated, idemKey, "webhook",
		audit.WithAmount(sub.Amount),
		audit.WithMetadata("plan_id", sub.PlanID),
	)
	if err := m.store.SaveWithAudit(ctx, sub, event); err != nil {
		return nil, err
	}

	m.notify(ctx, tenantID, audit.ActionTrialActivated)
	return &Result{Subscription: *sub, Event: *event}, nil
}

func (m *manager) ChangePlan(ctx context.Context, tenantID uuid.UUID, newPlanID, idemKey string) (*Result, error) {
	if replayed, err := m.replay(ctx, tenantID, idemKey, audit.ActionPlanChanged); replayed != nil || err != nil {
		return replayed, err
	}

	newPlan, ok := m.plans[newPlanID]
	if !ok {
		return nil, ErrPlanNotFound
	}

	sub, err := m.store.Get(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if !canTransition(sub.Status, StatusActive) || sub.Status != StatusActive {
		return nil, &InvalidTransitionError{From: sub.Status, To: StatusActive}
	}

	if err := m.checkDowngrade(ctx, tenantID, newPlan); err != nil {
		return nil, err
	}

	now := m.now()
	prorated, err := proration.Prorate(proration.Input{
		OldAmount:   sub.Amount,
		NewAmount:   newPlan.Amount,
		PeriodStart: sub.CurrentPeriodStart,
		PeriodEnd:   sub.CurrentPeriodEnd,
		Now:         now,
	})
	if err != nil {
		return nil, err
	}

	oldPlanID := sub.PlanID
	sub.PlanID = newPlanID
	sub.Amount = newPlan.Amount
	sub.UpdatedAt = now

	event := m.newEvent(tenantID, sub.ID, audit.ActionPlanChanged, idemKey, "tenant",
		audit.WithAmount(prorated.ImmediateCharge),
		audit.WithMetadata("from_plan", oldPlanID),
		audit.WithMetadata("to_plan", newPlanID),
		audit.WithMetadata("credit", prorated.Credit.String()),
	)
	if err := m.store.SaveWithAudit(ctx, sub, event); err != nil {
		return nil, err
	}

	m.notify(ctx, tenantID, audit.ActionPlanChanged)
	return &Result{Subscription: *sub, Event: *event, Proration: &prorated}, nil
}

func (m *manager) Pause(ctx context.Context, tenantID uuid.UUID, idemKey string) (*Result, error) {
	if replayed, err := m.replay(ctx, tenantID, idemKey, audit.ActionPaused); replayed != nil || err != nil {
		return replayed, err
	}

	sub, err := m.store.Get(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if !canTransition(sub.Status, StatusPaused) {
		return nil, &InvalidTransitionError{From: sub.Status, To: StatusPaused}
	}

	now := m.now()
	credit, err := proration.ProrateCredit(sub.Amount, sub.CurrentPeriodStart, sub.CurrentPeriodEnd, now)
	if err != nil {
		return nil, err
	}

	sub.Status = StatusPaused
	sub.PausedAt = &now
	sub.NextChargeAt = nil
	sub.UpdatedAt = now

	event := m.newEvent(tenantID, sub.ID, audit.ActionPaused, idemKey, "tenant",
		audit.WithAmount(credit),
		audit.WithMetadata("credit", credit.String()),
	)
	if err := m.store.SaveWithAudit(ctx, sub, event); err != nil {
		return nil, err
	}

	m.notify(ctx, tenantID, audit.ActionPaused)
	return &Result{Subscription: *sub, Event: *event}, nil
}

func (m *manager) Resume(ctx context.Context, tenantID uuid.UUID, idemKey string) (*Result, error) {
	if replayed, err := m.replay(ctx, tenantID, idemKey, audit.ActionResumed); replayed != nil || err != nil {
		return replayed, err
	}

	sub, err := m.store.Get(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if sub.Status != StatusPaused || !canTransition(sub.Status, StatusActive) {
		return nil, &InvalidTransitionError{From: sub.Status, To: StatusActive}
	}

	// Resuming starts a fresh billing period; the pause credit already
	// settled the unused remainder of the old one.
	now := m.now()
	sub.Status = StatusActive
	sub.PausedAt = nil
	sub.CurrentPeriodStart = now
	sub.CurrentPeriodEnd = sub.BillingCycle.advance(now)
	nextCharge := sub.CurrentPeriodEnd
	sub.NextChargeAt = &nextCharge
	sub.UpdatedAt = now

	event := m.newEvent(tenantID, sub.ID, audit.ActionResumed, idemKey, "tenant",
		audit.WithMetadata("next_charge_at", nextCharge.Format(time.RFC3339)),
	)
	if err := m.store.SaveWithAudit(ctx, sub, event); err != nil {
		return nil, err
	}

	m.notify(ctx, tenantID, audit.ActionResumed)
	return &Result{Subscription: *sub, Event: *event}, nil
}

func (m *manager) Cancel(ctx context.Context, tenantID uuid.UUID, mode CancelMode, idemKey string, occurredAt time.Time) (*Result, error) {
	action := audit.ActionCancelled
	if mode == CancelPeriodEnd {
		action = audit.ActionCancelScheduled
	}
	if replayed, err := m.replay(ctx, tenantID, idemKey, action); replayed != nil || err != nil {
		return replayed, err
	}

	sub, err := m.store.Get(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if err := m.guardMonotonic(ctx, sub.ID, occurredAt); err != nil {
		return nil, err
	}
	if !canTransition(sub.Status, StatusCancelled) {
		return nil, &InvalidTransitionError{From: sub.Status, To: StatusCancelled}
	}

	now := m.now()

	if mode == CancelPeriodEnd {
		// No state change yet: the subscription stays live until the period
		// ends and the batch processor finalizes the cancellation.
		sub.CancelAtPeriodEnd = true
		sub.NextChargeAt = nil
		sub.UpdatedAt = now

		event := m.newEvent(tenantID, sub.ID, audit.ActionCancelScheduled, idemKey, "tenant",
			audit.WithMetadata("effective_at", sub.CurrentPeriodEnd.Format(time.RFC3339)),
		)
		if err := m.store.SaveWithAudit(ctx, sub, event); err != nil {
			return nil, err
		}

		m.notify(ctx, tenantID, audit.ActionCancelScheduled)
		return &Result{Subscription: *sub, Event: *event}, nil
	}

	credit, err := proration.ProrateCredit(sub.Amount, sub.CurrentPeriodStart, sub.CurrentPeriodEnd, now)
	if err != nil {
		return nil, err
	}

	sub.Status = StatusCancelled
	sub.CancelledAt = &now
	sub.NextChargeAt = nil
	sub.UpdatedAt = now

	event := m.newEvent(tenantID, sub.ID, audit.ActionCancelled, idemKey, "tenant",
		audit.WithAmount(credit),
		audit.WithMetadata("credit", credit.String()),
		audit.WithMetadata("mode", string(CancelImmediate)),
	)
	if err := m.store.SaveWithAudit(ctx, sub, event); err != nil {
		return nil, err
	}

	m.notify(ctx, tenantID, audit.ActionCancelled)
	return &Result{Subscription: *sub, Event: *event}, nil
}

func (m *manager) RecordPaymentFailure(ctx context.Context, tenantID uuid.UUID, idemKey string, occurredAt time.Time, reason string) (*Result, error) {
	if replayed, err := m.replay(ctx, tenantID, idemKey, audit.ActionPaymentFailed); replayed != nil || err != nil {
		return replayed, err
	}

	sub, err := m.store.Get(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if err := m.guardMonotonic(ctx, sub.ID, occurredAt); err != nil {
		return nil, err
	}

	event := m.newEvent(tenantID, sub.ID, audit.ActionPaymentFailed, idemKey, "webhook",
		audit.WithMetadata("reason", reason),
	)
	if err := m.auditlog.Store(ctx, event); err != nil {
		return nil, errors.Join(ErrStorageFailure, err)
	}

	return &Result{Subscription: *sub, Event: *event}, nil
}

func (m *manager) RenewCharge(ctx context.Context, subscriptionID uuid.UUID, idemKey string) (*Result, error) {
	sub, err := m.store.GetByID(ctx, subscriptionID)
	if err != nil {
		return nil, err
	}

	if replayed, err := m.replay(ctx, sub.TenantID, idemKey, audit.ActionRenewalCharged); replayed != nil || err != nil {
		return replayed, err
	}

	if sub.CancelAtPeriodEnd {
		return nil, ErrCancelScheduled
	}
	if sub.Status != StatusActive {
		return nil, &InvalidTransitionError{From: sub.Status, To: StatusActive}
	}

	now := m.now()
	sub.CurrentPeriodStart = sub.CurrentPeriodEnd
	sub.CurrentPeriodEnd = sub.BillingCycle.advance(sub.CurrentPeriodStart)
	nextCharge := sub.CurrentPeriodEnd
	sub.NextChargeAt = &nextCharge
	sub.UpdatedAt = now

	event := m.newEvent(sub.TenantID, sub.ID, audit.ActionRenewalCharged, idemKey, "batch",
		audit.WithAmount(sub.Amount),
		audit.WithMetadata("period_start", sub.CurrentPeriodStart.Format(time.RFC3339)),
		audit.WithMetadata("period_end", sub.CurrentPeriodEnd.Format(time.RFC3339)),
	)
	if err := m.store.SaveWithAudit(ctx, sub, event); err != nil {
		return nil, err
	}

	return &Result{Subscription: *sub, Event: *event}, nil
}

func (m *manager) FinalizeScheduledCancel(ctx context.Context, subscriptionID uuid.UUID, idemKey string) (*Result, error) {
	sub, err := m.store.GetByID(ctx, subscriptionID)
	if err != nil {
		return nil, err
	}

	if replayed, err := m.replay(ctx, sub.TenantID, idemKey, audit.ActionCancelled); replayed != nil || err != nil {
		return replayed, err
	}

	if !sub.CancelAtPeriodEnd {
		return nil, &InvalidTransitionError{From: sub.Status, To: StatusCancelled}
	}
	if !canTransition(sub.Status, StatusCancelled) {
		return nil, &InvalidTransitionError{From: sub.Status, To: StatusCancelled}
	}

	now := m.now()
	sub.Status = StatusCancelled
	sub.CancelledAt = &now
	sub.CancelAtPeriodEnd = false
	sub.NextChargeAt = nil
	sub.UpdatedAt = now

	// No credit: the tenant used the full period it paid for.
	event := m.newEvent(sub.TenantID, sub.ID, audit.ActionCancelled, idemKey, "batch",
		audit.WithAmount(decimal.Zero),
		audit.WithMetadata("mode", string(CancelPeriodEnd)),
	)
	if err := m.store.SaveWithAudit(ctx, sub, event); err != nil {
		return nil, err
	}

	m.notify(ctx, sub.TenantID, audit.ActionCancelled)
	return &Result{Subscription: *sub, Event: *event}, nil
}

func (m *manager) MarkRenewalFailed(ctx context.Context, subscriptionID uuid.UUID, idemKey, reason string) (*Result, error) {
	sub, err := m.store.GetByID(ctx, subscriptionID)
	if err != nil {
		return nil, err
	}

	if replayed, err := m.replay(ctx, sub.TenantID, idemKey, audit.ActionRenewalFailed); replayed != nil || err != nil {
		return replayed, err
	}

	// Park the row: clear both due conditions so the batch stops picking
	// it up until an operator steps in.
	now := m.now()
	sub.NextChargeAt = nil
	sub.CancelAtPeriodEnd = false
	sub.UpdatedAt = now

	event := m.newEvent(sub.TenantID, sub.ID, audit.ActionRenewalFailed, idemKey, "batch",
		audit.WithMetadata("reason", reason),
	)
	if err := m.store.SaveWithAudit(ctx, sub, event); err != nil {
		return nil, err
	}

	m.notify(ctx, sub.TenantID, audit.ActionRenewalFailed)
	return &Result{Subscription: *sub, Event: *event}, nil
}

// checkDowngrade refuses a plan whose limits sit below the tenant's current
// usage. Skipped when no usage guard is wired.
func (m *manager) checkDowngrade(ctx context.Context, tenantID uuid.UUID, target ledger.Plan) error {
	if m.guard == nil {
		return nil
	}

	usage, err := m.guard.AllUsage(ctx, tenantID)
	if err != nil {
		// A degraded usage read must not block an upgrade; the downgrade
		// guard is best-effort protection, not an invariant.
		m.log.WarnContext(ctx, "usage read failed, skipping downgrade guard",
			slog.Any("tenant_id", tenantID), slog.Any("error", err))
		return nil
	}

	for usageType, targetLimit := range target.Limits {
		if targetLimit == ledger.Unlimited {
			continue
		}
		if info, ok := usage[usageType]; ok && info.Current > targetLimit {
			return ErrDowngradeBlocked
		}
	}
	return nil
}

func cycleForPlan(plan ledger.Plan) BillingCycle {
	if plan.Interval == ledger.IntervalYearly {
		return CycleYearly
	}
	return CycleMonthly
}
