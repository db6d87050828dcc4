package ledger_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/billingcore/pkg/ledger"
)

func testPlans() map[string]ledger.Plan {
	return map[string]ledger.Plan{
		"free": {
			ID:     "free",
			Name:   "Free",
			Amount: decimal.Zero,
			Limits: map[ledger.UsageType]int64{
				ledger.UsageReceipts: 10,
				ledger.UsageInvoices: 3,
			},
			Features: map[ledger.Feature]ledger.FeatureLevel{},
			Interval: ledger.IntervalNone,
		},
		"pro": {
			ID:     "pro",
			Name:   "Pro",
			Amount: decimal.NewFromInt(20),
			Limits: map[ledger.UsageType]int64{
				ledger.UsageReceipts: ledger.Unlimited,
				ledger.UsageInvoices: 100,
			},
			Features: map[ledger.Feature]ledger.FeatureLevel{
				ledger.FeatureOCR:    ledger.LevelBasic,
				ledger.FeatureExport: ledger.LevelAdvanced,
			},
			Interval: ledger.IntervalMonthly,
		},
	}
}

func fixedPlan(planID string) ledger.PlanResolver {
	return func(ctx context.Context, tenantID uuid.UUID) (string, error) {
		return planID, nil
	}
}

func newTestService(t *testing.T, resolver ledger.PlanResolver, opts ...ledger.Option) (ledger.Service, *ledger.MemoryCounterStore, *ledger.MemoryOverrideStore) {
	t.Helper()

	counters := ledger.NewMemoryCounterStore()
	overrides := ledger.NewMemoryOverrideStore()
	svc, err := ledger.NewService(
		context.Background(),
		ledger.NewInMemSource(testPlans()),
		counters,
		overrides,
		resolver,
		testPlans()["free"],
		opts...,
	)
	require.NoError(t, err)
	return svc, counters, overrides
}

func TestIncrementUsage(t *testing.T) {
	t.Parallel()

	t.Run("no lost increments under concurrency", func(t *testing.T) {
		t.Parallel()

		svc, _, _ := newTestService(t, fixedPlan("pro"))
		tenantID := uuid.New()

		const n = 100
		var wg sync.WaitGroup
		wg.Add(n)
		for range n {
			go func() {
				defer wg.Done()
				_, err := svc.IncrementUsage(context.Background(), tenantID, ledger.UsageReceipts, 1)
				assert.NoError(t, err)
			}()
		}
		wg.Wait()

		info, err := svc.CheckUsage(context.Background(), tenantID, ledger.UsageReceipts)
		require.NoError(t, err)
		assert.Equal(t, int64(n), info.Current)
	})

	t.Run("rejects non-positive delta", func(t *testing.T) {
		t.Parallel()

		svc, _, _ := newTestService(t, fixedPlan("pro"))

		_, err := svc.IncrementUsage(context.Background(), uuid.New(), ledger.UsageReceipts, 0)
		assert.ErrorIs(t, err, ledger.ErrInvalidAmount)
	})
}

func TestCanPerform(t *testing.T) {
	t.Parallel()

	t.Run("denies once limit is reached", func(t *testing.T) {
		t.Parallel()

		svc, _, _ := newTestService(t, fixedPlan("free"))
		tenantID := uuid.New()

		for range 10 {
			_, err := svc.IncrementUsage(context.Background(), tenantID, ledger.UsageReceipts, 1)
			require.NoError(t, err)
		}

		decision, err := svc.CanPerform(context.Background(), tenantID, ledger.UsageReceipts, 1)
		require.NoError(t, err)
		assert.False(t, decision.Allowed)
		assert.NotEmpty(t, decision.Reason)
	})

	t.Run("allows under the limit", func(t *testing.T) {
		t.Parallel()

		svc, _, _ := newTestService(t, fixedPlan("free"))
		tenantID := uuid.New()

		decision, err := svc.CanPerform(context.Background(), tenantID, ledger.UsageReceipts, 10)
		require.NoError(t, err)
		assert.True(t, decision.Allowed)

		decision, err = svc.CanPerform(context.Background(), tenantID, ledger.UsageReceipts, 11)
		require.NoError(t, err)
		assert.False(t, decision.Allowed)
	})

	t.Run("unlimited never denies", func(t *testing.T) {
		t.Parallel()

		svc, _, _ := newTestService(t, fixedPlan("pro"))
		tenantID := uuid.New()

		_, err := svc.IncrementUsage(context.Background(), tenantID, ledger.UsageReceipts, 1_000_000)
		require.NoError(t, err)

		decision, err := svc.CanPerform(context.Background(), tenantID, ledger.UsageReceipts, 1_000_000)
		require.NoError(t, err)
		assert.True(t, decision.Allowed)
	})

	t.Run("denies usage type missing from plan", func(t *testing.T) {
		t.Parallel()

		svc, _, _ := newTestService(t, fixedPlan("free"))

		decision, err := svc.CanPerform(context.Background(), uuid.New(), ledger.UsageExports, 1)
		require.NoError(t, err)
		assert.False(t, decision.Allowed)
	})
}

func TestFailClosedDefaults(t *testing.T) {
	t.Parallel()

	failingResolver := func(ctx context.Context, tenantID uuid.UUID) (string, error) {
		return "", errors.New("subscription store timeout")
	}

	t.Run("plan resolution failure degrades to default plan", func(t *testing.T) {
		t.Parallel()

		svc, _, _ := newTestService(t, failingResolver)
		tenantID := uuid.New()

		// Default (free) plan limits apply, not an open grant.
		info, err := svc.CheckUsage(context.Background(), tenantID, ledger.UsageReceipts)
		require.NoError(t, err)
		assert.Equal(t, int64(10), info.Limit)

		// Pro-only features stay off.
		assert.False(t, svc.IsFeatureEnabled(context.Background(), tenantID, ledger.FeatureOCR).Enabled())
	})

	t.Run("unknown plan id degrades to default plan", func(t *testing.T) {
		t.Parallel()

		svc, _, _ := newTestService(t, fixedPlan("enterprise-deleted"))

		info, err := svc.CheckUsage(context.Background(), uuid.New(), ledger.UsageReceipts)
		require.NoError(t, err)
		assert.Equal(t, int64(10), info.Limit)
	})
}

func TestIsFeatureEnabled(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, time.June, 15, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	t.Run("plan default applies without override", func(t *testing.T) {
		t.Parallel()

		svc, _, _ := newTestService(t, fixedPlan("pro"), ledger.WithClock(clock))

		assert.Equal(t, ledger.LevelBasic, svc.IsFeatureEnabled(context.Background(), uuid.New(), ledger.FeatureOCR))
		assert.Equal(t, ledger.LevelDisabled, svc.IsFeatureEnabled(context.Background(), uuid.New(), ledger.FeatureAPI))
	})

	t.Run("unexpired override wins over plan", func(t *testing.T) {
		t.Parallel()

		svc, _, overrides := newTestService(t, fixedPlan("free"), ledger.WithClock(clock))
		tenantID := uuid.New()

		expires := now.Add(24 * time.Hour)
		require.NoError(t, overrides.Set(context.Background(), ledger.Override{
			TenantID:  tenantID,
			Feature:   ledger.FeatureOCR,
			Level:     ledger.LevelAdvanced,
			ExpiresAt: &expires,
		}))

		assert.Equal(t, ledger.LevelAdvanced, svc.IsFeatureEnabled(context.Background(), tenantID, ledger.FeatureOCR))
	})

	t.Run("expired override falls back to plan", func(t *testing.T) {
		t.Parallel()

		svc, _, overrides := newTestService(t, fixedPlan("pro"), ledger.WithClock(clock))
		tenantID := uuid.New()

		expired := now.Add(-time.Hour)
		require.NoError(t, overrides.Set(context.Background(), ledger.Override{
			TenantID:  tenantID,
			Feature:   ledger.FeatureOCR,
			Level:     ledger.LevelDisabled,
			ExpiresAt: &expired,
		}))

		assert.Equal(t, ledger.LevelBasic, svc.IsFeatureEnabled(context.Background(), tenantID, ledger.FeatureOCR))
	})

	t.Run("override can disable a plan feature", func(t *testing.T) {
		t.Parallel()

		svc, _, overrides := newTestService(t, fixedPlan("pro"), ledger.WithClock(clock))
		tenantID := uuid.New()

		require.NoError(t, overrides.Set(context.Background(), ledger.Override{
			TenantID: tenantID,
			Feature:  ledger.FeatureExport,
			Level:    ledger.LevelDisabled,
		}))

		assert.False(t, svc.IsFeatureEnabled(context.Background(), tenantID, ledger.FeatureExport).Enabled())
	})
}

func TestAllUsage(t *testing.T) {
	t.Parallel()

	svc, _, _ := newTestService(t, fixedPlan("pro"))
	tenantID := uuid.New()

	_, err := svc.IncrementUsage(context.Background(), tenantID, ledger.UsageInvoices, 7)
	require.NoError(t, err)

	all, err := svc.AllUsage(context.Background(), tenantID)
	require.NoError(t, err)
	require.Len(t, all, 2)

	assert.True(t, all[ledger.UsageReceipts].Unlimited)
	assert.Equal(t, int64(7), all[ledger.UsageInvoices].Current)
	assert.Equal(t, int64(93), all[ledger.UsageInvoices].Remaining)
}

func TestCheckUsage(t *testing.T) {
	t.Parallel()

	t.Run("remaining headroom", func(t *testing.T) {
		t.Parallel()

		svc, _, _ := newTestService(t, fixedPlan("free"))
		tenantID := uuid.New()

		_, err := svc.IncrementUsage(context.Background(), tenantID, ledger.UsageInvoices, 2)
		require.NoError(t, err)

		info, err := svc.CheckUsage(context.Background(), tenantID, ledger.UsageInvoices)
		require.NoError(t, err)
		assert.Equal(t, int64(2), info.Current)
		assert.Equal(t, int64(3), info.Limit)
		assert.Equal(t, int64(1), info.Remaining)
		assert.False(t, info.Unlimited)
	})

	t.Run("unknown usage type errors", func(t *testing.T) {
		t.Parallel()

		svc, _, _ := newTestService(t, fixedPlan("free"))

		_, err := svc.CheckUsage(context.Background(), uuid.New(), ledger.UsageStorage)
		assert.ErrorIs(t, err, ledger.ErrInvalidUsageType)
	})
}
