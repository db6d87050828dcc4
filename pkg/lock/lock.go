package lock

import (
	"context"
	"errors"
	"sync"
	"time"
)

var (
	ErrHeld           = errors.New("lock: resource is held by another owner")
	ErrNotHeld        = errors.New("lock: lease is not held by this owner")
	ErrStorageFailure = errors.New("lock: storage failure")
)

// Lease is a granted hold on a resource. Attempts counts how many times
// the resource has been acquired since its lock row was last released,
// including this grant; the count survives lease expiry.
type Lease struct {
	Resource  string
	Owner     string
	ExpiresAt time.Time
	LockedAt  time.Time
	Attempts  int
}

// Store grants and tracks leases.
type Store interface {
	// Acquire grants a lease on the resource for ttl, or returns ErrHeld
	// when an unexpired lease belongs to another owner. Re-acquiring a
	// resource already held by the same owner extends the lease. Each
	// grant increments the lock row's attempt count; Release resets it.
	Acquire(ctx context.Context, resource, owner string, ttl time.Duration) (Lease, error)

	// Release frees the resource if the owner still holds it, discarding
	// its attempt count. Returns ErrNotHeld when the lease expired and
	// was taken over.
	Release(ctx context.Context, resource, owner string) error

	// Extend pushes the expiry of a held lease forward by ttl from now.
	Extend(ctx context.Context, resource, owner string, ttl time.Duration) (Lease, error)

	// Sweep removes lock rows whose lease expired at least olderThan ago
	// and reports how many were removed. Recently expired rows are kept
	// so their attempt counts carry into the next acquisition.
	Sweep(ctx context.Context, olderThan time.Duration) (int, error)
}

// MemoryStore is an in-process Store for tests and single-node setups.
type MemoryStore struct {
	mu     sync.Mutex
	leases map[string]Lease
	now    func() time.Time
}

// MemoryOption configures the in-memory store.
type MemoryOption func(*MemoryStore)

// WithClock overrides the time source for tests.
func WithClock(now func() time.Time) MemoryOption {
	return func(s *MemoryStore) { s.now = now }
}

// NewMemoryStore returns an empty in-memory lease store.
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		leases: make(map[string]Lease),
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *MemoryStore) Acquire(ctx context.Context, resource, owner string, ttl time.Duration) (Lease, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	attempts := 1
	if current, ok := s.leases[resource]; ok {
		if current.Owner != owner && current.ExpiresAt.After(now) {
			return Lease{}, ErrHeld
		}
		attempts = current.Attempts + 1
	}

	lease := Lease{
		Resource:  resource,
		Owner:     owner,
		ExpiresAt: now.Add(ttl),
		LockedAt:  now,
		Attempts:  attempts,
	}
	s.leases[resource] = lease
	return lease, nil
}

func (s *MemoryStore) Release(ctx context.Context, resource, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.leases[resource]
	if !ok || current.Owner != owner {
		return ErrNotHeld
	}
	delete(s.leases, resource)
	return nil
}

func (s *MemoryStore) Extend(ctx context.Context, resource, owner string, ttl time.Duration) (Lease, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	current, ok := s.leases[resource]
	if !ok || current.Owner != owner || !current.ExpiresAt.After(now) {
		return Lease{}, ErrNotHeld
	}

	current.ExpiresAt = now.Add(ttl)
	s.leases[resource] = current
	return current, nil
}

func (s *MemoryStore) Sweep(ctx context.Context, olderThan time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.now().Add(-olderThan)
	removed := 0
	for resource, lease := range s.leases {
		if !lease.ExpiresAt.After(cutoff) {
			delete(s.leases, resource)
			removed++
		}
	}
	return removed, nil
}
