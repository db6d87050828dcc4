package batch_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/billingcore/pkg/audit"
	"github.com/dmitrymomot/billingcore/pkg/batch"
	"github.com/dmitrymomot/billingcore/pkg/ledger"
	"github.com/dmitrymomot/billingcore/pkg/lifecycle"
	"github.com/dmitrymomot/billingcore/pkg/lock"
)

type fixture struct {
	store    *lifecycle.MemoryStore
	mgr      lifecycle.Manager
	locks    *lock.MemoryStore
	auditlog *audit.MemoryStorage
	clock    time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	f := &fixture{clock: time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC)}

	auditlog := audit.NewMemoryStorage()
	f.auditlog = auditlog
	f.store = lifecycle.NewMemoryStore(auditlog)
	f.locks = lock.NewMemoryStore()

	plans := ledger.NewInMemSource(map[string]ledger.Plan{
		"basic": {
			ID:       "basic",
			Name:     "Basic",
			Amount:   decimal.NewFromInt(20),
			Interval: ledger.IntervalMonthly,
		},
	})

	mgr, err := lifecycle.NewManager(context.Background(), f.store, auditlog, plans,
		lifecycle.WithClock(func() time.Time { return f.clock }))
	require.NoError(t, err)
	f.mgr = mgr
	return f
}

func (f *fixture) processor(t *testing.T, cfg batch.Config) *batch.Processor {
	t.Helper()
	return batch.NewProcessor(f.store, f.mgr, f.locks, cfg,
		batch.WithClock(func() time.Time { return f.clock }))
}

func (f *fixture) signup(t *testing.T, key string) lifecycle.Subscription {
	t.Helper()
	res, err := f.mgr.Signup(context.Background(), uuid.New(), "basic", key)
	require.NoError(t, err)
	return res.Subscription
}

func TestProcessor_Run(t *testing.T) {
	t.Parallel()

	t.Run("charges due renewals", func(t *testing.T) {
		t.Parallel()

		f := newFixture(t)
		subA := f.signup(t, "signup-a")
		subB := f.signup(t, "signup-b")

		f.clock = time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC)
		report, err := f.processor(t, batch.Config{}).Run(context.Background())
		require.NoError(t, err)

		assert.Equal(t, 2, report.Processed)
		assert.Zero(t, report.Failed)

		for _, id := range []uuid.UUID{subA.ID, subB.ID} {
			sub, err := f.store.GetByID(context.Background(), id)
			require.NoError(t, err)
			assert.Equal(t, time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC), sub.CurrentPeriodEnd)
		}
	})

	t.Run("finalizes scheduled cancellations without charging", func(t *testing.T) {
		t.Parallel()

		f := newFixture(t)
		sub := f.signup(t, "signup-a")

		_, err := f.mgr.Cancel(context.Background(), sub.TenantID, lifecycle.CancelPeriodEnd, "cancel-1", f.clock)
		require.NoError(t, err)

		f.clock = time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC)
		report, err := f.processor(t, batch.Config{}).Run(context.Background())
		require.NoError(t, err)

		assert.Equal(t, 1, report.Processed)

		got, err := f.store.GetByID(context.Background(), sub.ID)
		require.NoError(t, err)
		assert.Equal(t, lifecycle.StatusCancelled, got.Status)
	})

	t.Run("nothing due", func(t *testing.T) {
		t.Parallel()

		f := newFixture(t)
		f.signup(t, "signup-a")

		report, err := f.processor(t, batch.Config{}).Run(context.Background())
		require.NoError(t, err)
		assert.Zero(t, report.Processed)
	})

	t.Run("rerun after a completed pass is a no-op", func(t *testing.T) {
		t.Parallel()

		f := newFixture(t)
		f.signup(t, "signup-a")

		f.clock = time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC)
		p := f.processor(t, batch.Config{})

		first, err := p.Run(context.Background())
		require.NoError(t, err)
		require.Equal(t, 1, first.Processed)

		second, err := p.Run(context.Background())
		require.NoError(t, err)
		assert.Zero(t, second.Processed)
	})

	t.Run("held lease skips the row", func(t *testing.T) {
		t.Parallel()

		f := newFixture(t)
		sub := f.signup(t, "signup-a")

		f.clock = time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC)
		_, err := f.locks.Acquire(context.Background(), "subscription:"+sub.ID.String(), "other-worker", time.Hour)
		require.NoError(t, err)

		report, err := f.processor(t, batch.Config{WorkerID: "this-worker"}).Run(context.Background())
		require.NoError(t, err)

		assert.Equal(t, 1, report.SkippedLocked)
		assert.Zero(t, report.Processed)
	})

	t.Run("concurrent runs never double-charge", func(t *testing.T) {
		t.Parallel()

		f := newFixture(t)
		sub := f.signup(t, "signup-a")
		f.clock = time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC)

		var (
			wg      sync.WaitGroup
			mu      sync.Mutex
			charged int
		)
		for _, worker := range []string{"worker-a", "worker-b"} {
			wg.Add(1)
			go func(id string) {
				defer wg.Done()
				report, err := f.processor(t, batch.Config{WorkerID: id}).Run(context.Background())
				require.NoError(t, err)
				mu.Lock()
				charged += report.Processed
				mu.Unlock()
			}(worker)
		}
		wg.Wait()

		// Between the lease and the idempotency key, the period advanced
		// exactly once regardless of interleaving.
		got, err := f.store.GetByID(context.Background(), sub.ID)
		require.NoError(t, err)
		assert.Equal(t, time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC), got.CurrentPeriodEnd)
		assert.LessOrEqual(t, charged, 2)
	})

	t.Run("persistently failing row is parked after its attempt budget", func(t *testing.T) {
		t.Parallel()

		f := newFixture(t)
		sub := f.signup(t, "signup-a")
		f.clock = time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC)

		broken := &brokenRenewals{Manager: f.mgr}
		p := batch.NewProcessor(f.store, broken, f.locks,
			batch.Config{WorkerID: "worker-a", MaxAttempts: 2},
			batch.WithClock(func() time.Time { return f.clock }))

		// The lock row counts one attempt per pass; two failing passes
		// burn the budget.
		for range 2 {
			report, err := p.Run(context.Background())
			require.NoError(t, err)
			assert.Equal(t, 1, report.Failed)
			assert.Zero(t, report.Processed)
		}

		// The third pass gives up: no further charge attempt, the row is
		// parked and the failure lands in the audit trail.
		report, err := p.Run(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 1, report.Failed)
		assert.Equal(t, int64(2), broken.calls.Load())

		got, err := f.store.GetByID(context.Background(), sub.ID)
		require.NoError(t, err)
		assert.Nil(t, got.NextChargeAt)
		assert.Equal(t, lifecycle.StatusActive, got.Status)

		events, err := f.auditlog.Query(context.Background(), audit.Criteria{TenantID: sub.TenantID})
		require.NoError(t, err)
		var parked bool
		for _, event := range events {
			if event.Action == audit.ActionRenewalFailed {
				parked = true
			}
		}
		assert.True(t, parked)

		// Parked means gone from the due queue for good.
		final, err := p.Run(context.Background())
		require.NoError(t, err)
		assert.Zero(t, final.Failed)
		assert.Zero(t, final.Processed)
	})
}

// brokenRenewals simulates a subscription whose charge never goes through.
type brokenRenewals struct {
	lifecycle.Manager
	calls atomic.Int64
}

func (m *brokenRenewals) RenewCharge(ctx context.Context, subscriptionID uuid.UUID, idemKey string) (*lifecycle.Result, error) {
	m.calls.Add(1)
	return nil, lifecycle.ErrStorageFailure
}
