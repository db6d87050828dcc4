package lifecycle_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/billingcore/pkg/audit"
	"github.com/dmitrymomot/billingcore/pkg/ledger"
	"github.com/dmitrymomot/billingcore/pkg/lifecycle"
)

func testPlans() ledger.PlanSource {
	return ledger.NewInMemSource(map[string]ledger.Plan{
		"basic": {
			ID:       "basic",
			Name:     "Basic",
			Amount:   decimal.NewFromInt(20),
			Interval: ledger.IntervalMonthly,
			Limits:   map[ledger.UsageType]int64{ledger.UsageReceipts: 100},
		},
		"pro": {
			ID:       "pro",
			Name:     "Pro",
			Amount:   decimal.NewFromInt(40),
			Interval: ledger.IntervalMonthly,
			Limits:   map[ledger.UsageType]int64{ledger.UsageReceipts: 1000},
		},
		"starter": {
			ID:        "starter",
			Name:      "Starter",
			Amount:    decimal.NewFromInt(30),
			Interval:  ledger.IntervalMonthly,
			TrialDays: 14,
			Limits:    map[ledger.UsageType]int64{ledger.UsageReceipts: 50},
		},
	})
}

type testClock struct{ now time.Time }

func (c *testClock) Now() time.Time          { return c.now }
func (c *testClock) Set(t time.Time)         { c.now = t }
func (c *testClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestManager(t *testing.T, clock *testClock, opts ...lifecycle.ManagerOption) (lifecycle.Manager, *lifecycle.MemoryStore, *audit.MemoryStorage) {
	t.Helper()

	auditlog := audit.NewMemoryStorage()
	store := lifecycle.NewMemoryStore(auditlog)

	opts = append(opts, lifecycle.WithClock(clock.Now))
	mgr, err := lifecycle.NewManager(context.Background(), store, auditlog, testPlans(), opts...)
	require.NoError(t, err)
	return mgr, store, auditlog
}

func TestManager_Signup(t *testing.T) {
	t.Parallel()

	t.Run("paid plan starts active", func(t *testing.T) {
		t.Parallel()

		clock := &testClock{now: time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC)}
		mgr, _, _ := newTestManager(t, clock)
		tenantID := uuid.New()

		res, err := mgr.Signup(context.Background(), tenantID, "basic", "signup-1")
		require.NoError(t, err)

		assert.Equal(t, lifecycle.StatusActive, res.Subscription.Status)
		assert.Equal(t, "basic", res.Subscription.PlanID)
		assert.Equal(t, time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC), res.Subscription.CurrentPeriodEnd)
		require.NotNil(t, res.Subscription.NextChargeAt)
		assert.Equal(t, audit.ActionSubscriptionCreated, res.Event.Action)
	})

	t.Run("trial plan starts trialing", func(t *testing.T) {
		t.Parallel()

		clock := &testClock{now: time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC)}
		mgr, _, _ := newTestManager(t, clock)

		res, err := mgr.Signup(context.Background(), uuid.New(), "starter", "signup-1")
		require.NoError(t, err)

		assert.Equal(t, lifecycle.StatusTrialing, res.Subscription.Status)
		assert.Equal(t, clock.Now().AddDate(0, 0, 14), res.Subscription.CurrentPeriodEnd)
	})

	t.Run("second live subscription is rejected", func(t *testing.T) {
		t.Parallel()

		clock := &testClock{now: time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC)}
		mgr, _, _ := newTestManager(t, clock)
		tenantID := uuid.New()

		_, err := mgr.Signup(context.Background(), tenantID, "basic", "signup-1")
		require.NoError(t, err)

		_, err = mgr.Signup(context.Background(), tenantID, "pro", "signup-2")
		assert.ErrorIs(t, err, lifecycle.ErrAlreadySubscribed)
	})

	t.Run("same key replays the recorded outcome", func(t *testing.T) {
		t.Parallel()

		clock := &testClock{now: time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC)}
		mgr, _, _ := newTestManager(t, clock)
		tenantID := uuid.New()

		first, err := mgr.Signup(context.Background(), tenantID, "basic", "signup-1")
		require.NoError(t, err)

		second, err := mgr.Signup(context.Background(), tenantID, "basic", "signup-1")
		require.NoError(t, err)

		assert.True(t, second.Replayed)
		assert.Equal(t, first.Subscription.ID, second.Subscription.ID)
		assert.Equal(t, first.Event.ID, second.Event.ID)
	})

	t.Run("unknown plan", func(t *testing.T) {
		t.Parallel()

		clock := &testClock{now: time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC)}
		mgr, _, _ := newTestManager(t, clock)

		_, err := mgr.Signup(context.Background(), uuid.New(), "enterprise", "signup-1")
		assert.ErrorIs(t, err, lifecycle.ErrPlanNotFound)
	})

	t.Run("missing idempotency key", func(t *testing.T) {
		t.Parallel()

		clock := &testClock{now: time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC)}
		mgr, _, _ := newTestManager(t, clock)

		_, err := mgr.Signup(context.Background(), uuid.New(), "basic", "")
		assert.ErrorIs(t, err, lifecycle.ErrMissingIdempotency)
	})
}

func TestManager_Activate(t *testing.T) {
	t.Parallel()

	t.Run("trial converts to active", func(t *testing.T) {
		t.Parallel()

		clock := &testClock{now: time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC)}
		mgr, _, _ := newTestManager(t, clock)
		tenantID := uuid.New()

		_, err := mgr.Signup(context.Background(), tenantID, "starter", "signup-1")
		require.NoError(t, err)

		clock.Advance(24 * time.Hour)
		res, err := mgr.Activate(context.Background(), tenantID, "activate-1", clock.Now())
		require.NoError(t, err)

		assert.Equal(t, lifecycle.StatusActive, res.Subscription.Status)
		assert.Equal(t, clock.Now(), res.Subscription.CurrentPeriodStart)
		assert.Equal(t, audit.ActionTrialActivated, res.Event.Action)
	})

	t.Run("stale event is rejected", func(t *testing.T) {
		t.Parallel()

		clock := &testClock{now: time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC)}
		mgr, _, _ := newTestManager(t, clock)
		tenantID := uuid.New()

		_, err := mgr.Signup(context.Background(), tenantID, "starter", "signup-1")
		require.NoError(t, err)

		stale := clock.Now().Add(-time.Hour)
		_, err = mgr.Activate(context.Background(), tenantID, "activate-1", stale)
		assert.ErrorIs(t, err, lifecycle.ErrStaleEvent)
	})

	t.Run("already active", func(t *testing.T) {
		t.Parallel()

		clock := &testClock{now: time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC)}
		mgr, _, _ := newTestManager(t, clock)
		tenantID := uuid.New()

		_, err := mgr.Signup(context.Background(), tenantID, "basic", "signup-1")
		require.NoError(t, err)

		clock.Advance(time.Hour)
		_, err = mgr.Activate(context.Background(), tenantID, "activate-1", clock.Now())
		assert.True(t, lifecycle.IsInvalidTransition(err))
	})
}

func TestManager_ChangePlan(t *testing.T) {
	t.Parallel()

	t.Run("upgrade is prorated at the boundary", func(t *testing.T) {
		t.Parallel()

		// 30-day period, upgrade after 10 elapsed days: credit 20/30 of $20,
		// charge the difference against 20/30 of $40.
		clock := &testClock{now: time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC)}
		mgr, _, _ := newTestManager(t, clock)
		tenantID := uuid.New()

		_, err := mgr.Signup(context.Background(), tenantID, "basic", "signup-1")
		require.NoError(t, err)

		clock.Set(time.Date(2025, 4, 11, 0, 0, 0, 0, time.UTC))
		res, err := mgr.ChangePlan(context.Background(), tenantID, "pro", "change-1")
		require.NoError(t, err)
		require.NotNil(t, res.Proration)

		assert.Equal(t, "13.33", res.Proration.Credit.StringFixed(2))
		assert.Equal(t, "13.34", res.Proration.ImmediateCharge.StringFixed(2))
		assert.Equal(t, "pro", res.Subscription.PlanID)
		assert.True(t, res.Subscription.Amount.Equal(decimal.NewFromInt(40)))
		// Period boundaries survive a plan change.
		assert.Equal(t, time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC), res.Subscription.CurrentPeriodEnd)
	})

	t.Run("downgrade below current usage is blocked", func(t *testing.T) {
		t.Parallel()

		clock := &testClock{now: time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC)}
		guard := &stubGuard{usage: map[ledger.UsageType]ledger.UsageInfo{
			ledger.UsageReceipts: {Current: 700, Limit: 1000},
		}}
		mgr, _, _ := newTestManager(t, clock, lifecycle.WithUsageGuard(guard))
		tenantID := uuid.New()

		_, err := mgr.Signup(context.Background(), tenantID, "pro", "signup-1")
		require.NoError(t, err)

		_, err = mgr.ChangePlan(context.Background(), tenantID, "basic", "change-1")
		assert.ErrorIs(t, err, lifecycle.ErrDowngradeBlocked)
	})

	t.Run("guard failure does not block the change", func(t *testing.T) {
		t.Parallel()

		clock := &testClock{now: time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC)}
		guard := &stubGuard{err: errors.New("counters unavailable")}
		mgr, _, _ := newTestManager(t, clock, lifecycle.WithUsageGuard(guard))
		tenantID := uuid.New()

		_, err := mgr.Signup(context.Background(), tenantID, "pro", "signup-1")
		require.NoError(t, err)

		_, err = mgr.ChangePlan(context.Background(), tenantID, "basic", "change-1")
		assert.NoError(t, err)
	})

	t.Run("key reuse across operations conflicts", func(t *testing.T) {
		t.Parallel()

		clock := &testClock{now: time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC)}
		mgr, _, _ := newTestManager(t, clock)
		tenantID := uuid.New()

		_, err := mgr.Signup(context.Background(), tenantID, "basic", "key-1")
		require.NoError(t, err)

		_, err = mgr.ChangePlan(context.Background(), tenantID, "pro", "key-1")
		assert.ErrorIs(t, err, lifecycle.ErrIdempotencyConflict)
	})
}

func TestManager_PauseResume(t *testing.T) {
	t.Parallel()

	t.Run("pause credits the unused remainder", func(t *testing.T) {
		t.Parallel()

		clock := &testClock{now: time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC)}
		mgr, _, _ := newTestManager(t, clock)
		tenantID := uuid.New()

		_, err := mgr.Signup(context.Background(), tenantID, "basic", "signup-1")
		require.NoError(t, err)

		clock.Set(time.Date(2025, 4, 16, 0, 0, 0, 0, time.UTC))
		res, err := mgr.Pause(context.Background(), tenantID, "pause-1")
		require.NoError(t, err)

		assert.Equal(t, lifecycle.StatusPaused, res.Subscription.Status)
		assert.Nil(t, res.Subscription.NextChargeAt)
		require.NotNil(t, res.Event.Amount)
		assert.Equal(t, "10.00", res.Event.Amount.StringFixed(2)) // 15 of 30 days unused
	})

	t.Run("resume starts a fresh period", func(t *testing.T) {
		t.Parallel()

		clock := &testClock{now: time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC)}
		mgr, _, _ := newTestManager(t, clock)
		tenantID := uuid.New()

		_, err := mgr.Signup(context.Background(), tenantID, "basic", "signup-1")
		require.NoError(t, err)
		clock.Advance(10 * 24 * time.Hour)
		_, err = mgr.Pause(context.Background(), tenantID, "pause-1")
		require.NoError(t, err)

		clock.Set(time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC))
		res, err := mgr.Resume(context.Background(), tenantID, "resume-1")
		require.NoError(t, err)

		assert.Equal(t, lifecycle.StatusActive, res.Subscription.Status)
		assert.Equal(t, clock.Now(), res.Subscription.CurrentPeriodStart)
		assert.Equal(t, time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC), res.Subscription.CurrentPeriodEnd)
		require.NotNil(t, res.Subscription.NextChargeAt)
		assert.Nil(t, res.Subscription.PausedAt)
	})

	t.Run("resume on an active subscription is invalid", func(t *testing.T) {
		t.Parallel()

		clock := &testClock{now: time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC)}
		mgr, _, _ := newTestManager(t, clock)
		tenantID := uuid.New()

		_, err := mgr.Signup(context.Background(), tenantID, "basic", "signup-1")
		require.NoError(t, err)

		_, err = mgr.Resume(context.Background(), tenantID, "resume-1")
		assert.True(t, lifecycle.IsInvalidTransition(err))
	})
}

func TestManager_Cancel(t *testing.T) {
	t.Parallel()

	t.Run("immediate cancel credits and terminates", func(t *testing.T) {
		t.Parallel()

		clock := &testClock{now: time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC)}
		mgr, store, _ := newTestManager(t, clock)
		tenantID := uuid.New()

		_, err := mgr.Signup(context.Background(), tenantID, "basic", "signup-1")
		require.NoError(t, err)

		clock.Set(time.Date(2025, 4, 16, 0, 0, 0, 0, time.UTC))
		res, err := mgr.Cancel(context.Background(), tenantID, lifecycle.CancelImmediate, "cancel-1", clock.Now())
		require.NoError(t, err)

		assert.Equal(t, lifecycle.StatusCancelled, res.Subscription.Status)
		require.NotNil(t, res.Event.Amount)
		assert.Equal(t, "10.00", res.Event.Amount.StringFixed(2))

		// Terminal: the tenant no longer has a live subscription.
		_, err = store.Get(context.Background(), tenantID)
		assert.ErrorIs(t, err, lifecycle.ErrSubscriptionNotFound)
	})

	t.Run("period-end cancel keeps the subscription live until finalized", func(t *testing.T) {
		t.Parallel()

		clock := &testClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
		mgr, _, _ := newTestManager(t, clock)
		tenantID := uuid.New()

		_, err := mgr.Signup(context.Background(), tenantID, "basic", "signup-1")
		require.NoError(t, err)

		clock.Set(time.Date(2025, 1, 16, 0, 0, 0, 0, time.UTC))
		res, err := mgr.Cancel(context.Background(), tenantID, lifecycle.CancelPeriodEnd, "cancel-1", clock.Now())
		require.NoError(t, err)

		assert.Equal(t, lifecycle.StatusActive, res.Subscription.Status)
		assert.True(t, res.Subscription.CancelAtPeriodEnd)
		assert.Nil(t, res.Subscription.NextChargeAt)
		assert.Equal(t, audit.ActionCancelScheduled, res.Event.Action)

		// Renewal must refuse it: the batch finalizes instead of charging.
		_, err = mgr.RenewCharge(context.Background(), res.Subscription.ID, "renew-1")
		assert.ErrorIs(t, err, lifecycle.ErrCancelScheduled)

		clock.Set(time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC))
		final, err := mgr.FinalizeScheduledCancel(context.Background(), res.Subscription.ID, "finalize-1")
		require.NoError(t, err)

		assert.Equal(t, lifecycle.StatusCancelled, final.Subscription.Status)
		require.NotNil(t, final.Event.Amount)
		assert.True(t, final.Event.Amount.IsZero())
	})

	t.Run("out-of-order cancellation is refused", func(t *testing.T) {
		t.Parallel()

		clock := &testClock{now: time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC)}
		mgr, store, auditlog := newTestManager(t, clock)
		tenantID := uuid.New()

		_, err := mgr.Signup(context.Background(), tenantID, "basic", "signup-1")
		require.NoError(t, err)

		// A cancellation that happened before the last recorded change is
		// stale; applying it would roll the subscription back in time.
		stale := time.Date(2025, 3, 20, 0, 0, 0, 0, time.UTC)
		_, err = mgr.Cancel(context.Background(), tenantID, lifecycle.CancelImmediate, "cancel-1", stale)
		assert.ErrorIs(t, err, lifecycle.ErrStaleEvent)

		sub, err := store.Get(context.Background(), tenantID)
		require.NoError(t, err)
		assert.Equal(t, lifecycle.StatusActive, sub.Status)

		events, err := auditlog.Query(context.Background(), audit.Criteria{TenantID: tenantID})
		require.NoError(t, err)
		assert.Len(t, events, 1)
	})

	t.Run("cancelled is terminal", func(t *testing.T) {
		t.Parallel()

		clock := &testClock{now: time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC)}
		mgr, _, auditlog := newTestManager(t, clock)
		tenantID := uuid.New()

		_, err := mgr.Signup(context.Background(), tenantID, "basic", "signup-1")
		require.NoError(t, err)
		_, err = mgr.Cancel(context.Background(), tenantID, lifecycle.CancelImmediate, "cancel-1", clock.Now())
		require.NoError(t, err)

		before, err := auditlog.Query(context.Background(), audit.Criteria{TenantID: tenantID})
		require.NoError(t, err)

		// No operation resurrects it, and none of the attempts leaves a trace
		// in the audit trail.
		_, err = mgr.Resume(context.Background(), tenantID, "resume-1")
		assert.ErrorIs(t, err, lifecycle.ErrSubscriptionNotFound)
		_, err = mgr.Pause(context.Background(), tenantID, "pause-1")
		assert.ErrorIs(t, err, lifecycle.ErrSubscriptionNotFound)

		after, err := auditlog.Query(context.Background(), audit.Criteria{TenantID: tenantID})
		require.NoError(t, err)
		assert.Len(t, after, len(before))
	})
}

func TestManager_RenewCharge(t *testing.T) {
	t.Parallel()

	t.Run("rolls the period forward", func(t *testing.T) {
		t.Parallel()

		clock := &testClock{now: time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC)}
		mgr, _, _ := newTestManager(t, clock)
		tenantID := uuid.New()

		created, err := mgr.Signup(context.Background(), tenantID, "basic", "signup-1")
		require.NoError(t, err)

		clock.Set(time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC))
		res, err := mgr.RenewCharge(context.Background(), created.Subscription.ID, "renew-1")
		require.NoError(t, err)

		assert.Equal(t, time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC), res.Subscription.CurrentPeriodStart)
		assert.Equal(t, time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC), res.Subscription.CurrentPeriodEnd)
		assert.Equal(t, audit.ActionRenewalCharged, res.Event.Action)
		require.NotNil(t, res.Event.Amount)
		assert.Equal(t, "20.00", res.Event.Amount.StringFixed(2))
	})

	t.Run("replays under the same key", func(t *testing.T) {
		t.Parallel()

		clock := &testClock{now: time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC)}
		mgr, _, _ := newTestManager(t, clock)
		tenantID := uuid.New()

		created, err := mgr.Signup(context.Background(), tenantID, "basic", "signup-1")
		require.NoError(t, err)

		clock.Set(time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC))
		first, err := mgr.RenewCharge(context.Background(), created.Subscription.ID, "renew-1")
		require.NoError(t, err)

		second, err := mgr.RenewCharge(context.Background(), created.Subscription.ID, "renew-1")
		require.NoError(t, err)

		assert.True(t, second.Replayed)
		assert.Equal(t, first.Event.ID, second.Event.ID)
		// The period advanced exactly once.
		assert.Equal(t, first.Subscription.CurrentPeriodEnd, second.Subscription.CurrentPeriodEnd)
	})
}

func TestManager_MarkRenewalFailed(t *testing.T) {
	t.Parallel()

	t.Run("parks the subscription and records the failure", func(t *testing.T) {
		t.Parallel()

		clock := &testClock{now: time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC)}
		mgr, store, _ := newTestManager(t, clock)
		tenantID := uuid.New()

		created, err := mgr.Signup(context.Background(), tenantID, "basic", "signup-1")
		require.NoError(t, err)

		clock.Set(time.Date(2025, 5, 3, 0, 0, 0, 0, time.UTC))
		res, err := mgr.MarkRenewalFailed(context.Background(), created.Subscription.ID, "renewal-failed-1", "attempt budget exhausted")
		require.NoError(t, err)

		assert.Equal(t, audit.ActionRenewalFailed, res.Event.Action)
		assert.Equal(t, lifecycle.StatusActive, res.Subscription.Status)
		assert.Nil(t, res.Subscription.NextChargeAt)

		// Parked: the batch has nothing left to pick up.
		sub, err := store.Get(context.Background(), tenantID)
		require.NoError(t, err)
		assert.Nil(t, sub.NextChargeAt)
		assert.False(t, sub.CancelAtPeriodEnd)
	})

	t.Run("replays under the same key", func(t *testing.T) {
		t.Parallel()

		clock := &testClock{now: time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC)}
		mgr, _, _ := newTestManager(t, clock)
		tenantID := uuid.New()

		created, err := mgr.Signup(context.Background(), tenantID, "basic", "signup-1")
		require.NoError(t, err)

		first, err := mgr.MarkRenewalFailed(context.Background(), created.Subscription.ID, "renewal-failed-1", "attempt budget exhausted")
		require.NoError(t, err)

		second, err := mgr.MarkRenewalFailed(context.Background(), created.Subscription.ID, "renewal-failed-1", "attempt budget exhausted")
		require.NoError(t, err)

		assert.True(t, second.Replayed)
		assert.Equal(t, first.Event.ID, second.Event.ID)
	})
}

type stubGuard struct {
	usage map[ledger.UsageType]ledger.UsageInfo
	err   error
}

func (g *stubGuard) AllUsage(ctx context.Context, tenantID uuid.UUID) (map[ledger.UsageType]ledger.UsageInfo, error) {
	if g.err != nil {
		return nil, g.err
	}
	return g.usage, nil
}
