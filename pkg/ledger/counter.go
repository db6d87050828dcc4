package ledger

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// CounterStore persists per-tenant usage counters. Counters are scoped to a
// billing period: the periodStart argument is the reset boundary, and a new
// period's counter is created lazily on its first increment.
//
// Increment must be a single atomic add at the datastore level. Callers never
// read-modify-write a counter; that is what makes concurrent increments safe.
type CounterStore interface {
	// Increment atomically adds delta and returns the new value.
	Increment(ctx context.Context, tenantID uuid.UUID, usageType UsageType, periodStart time.Time, delta int64) (int64, error)

	// Get returns the current value, or 0 if no counter exists for the period.
	Get(ctx context.Context, tenantID uuid.UUID, usageType UsageType, periodStart time.Time) (int64, error)

	// Reset removes the counter for the period. Used by period rollover.
	Reset(ctx context.Context, tenantID uuid.UUID, usageType UsageType, periodStart time.Time) error
}

type counterKey struct {
	tenantID    uuid.UUID
	usageType   UsageType
	periodStart int64 // unix seconds; time.Time is not a comparable map key across locations
}

func newCounterKey(tenantID uuid.UUID, usageType UsageType, periodStart time.Time) counterKey {
	return counterKey{tenantID: tenantID, usageType: usageType, periodStart: periodStart.UTC().Unix()}
}

// MemoryCounterStore is a mutex-guarded in-process CounterStore for tests and
// local development.
type MemoryCounterStore struct {
	mu       sync.Mutex
	counters map[counterKey]int64
}

// NewMemoryCounterStore returns an empty in-memory counter store.
func NewMemoryCounterStore() *MemoryCounterStore {
	return &MemoryCounterStore{counters: make(map[counterKey]int64)}
}

func (s *MemoryCounterStore) Increment(ctx context.Context, tenantID uuid.UUID, usageType UsageType, periodStart time.Time, delta int64) (int64, error) {
	key := newCounterKey(tenantID, usageType, periodStart)

	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.counters[key] + delta
	if next < 0 {
		return s.counters[key], ErrNegativeCounter
	}
	s.counters[key] = next
	return next, nil
}

func (s *MemoryCounterStore) Get(ctx context.Context, tenantID uuid.UUID, usageType UsageType, periodStart time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counters[newCounterKey(tenantID, usageType, periodStart)], nil
}

func (s *MemoryCounterStore) Reset(ctx context.Context, tenantID uuid.UUID, usageType UsageType, periodStart time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.counters, newCounterKey(tenantID, usageType, periodStart))
	return nil
}
