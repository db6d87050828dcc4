package audit

import (
	"context"
	"slices"
	"sync"

	"github.com/google/uuid"
)

// Storage persists audit events. The trail is append-only: implementations
// must never update or delete stored events.
type Storage interface {
	// Store appends the event and assigns its sequence number.
	Store(ctx context.Context, event *Event) error

	// Query returns events matching the criteria, ordered by sequence.
	Query(ctx context.Context, criteria Criteria) ([]Event, error)

	// LastForSubscription returns the most recent event for a subscription,
	// or ErrEventNotFound when the subscription has no trail yet.
	LastForSubscription(ctx context.Context, subscriptionID uuid.UUID) (Event, error)

	// FindByIdempotencyKey returns the event recorded under the key, or
	// ErrEventNotFound. This lookup backs exactly-once lifecycle operations.
	FindByIdempotencyKey(ctx context.Context, tenantID uuid.UUID, key string) (Event, error)
}

// MemoryStorage is an in-process Storage for tests and local development.
// Sequence numbers are assigned under the same lock as the append, so order
// is total even when writers race.
type MemoryStorage struct {
	mu     sync.RWMutex
	events []Event
	seq    uint64
}

// NewMemoryStorage returns an empty in-memory audit storage.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{}
}

func (s *MemoryStorage) Store(ctx context.Context, event *Event) error {
	if err := event.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.seq++
	event.Seq = s.seq
	s.events = append(s.events, *event)
	return nil
}

func (s *MemoryStorage) Query(ctx context.Context, criteria Criteria) ([]Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Event
	for _, e := range s.events {
		if !matches(e, criteria) {
			continue
		}
		out = append(out, e)
		if criteria.Limit > 0 && len(out) >= criteria.Limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStorage) LastForSubscription(ctx context.Context, subscriptionID uuid.UUID) (Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, e := range slices.Backward(s.events) {
		if e.SubscriptionID == subscriptionID {
			return e, nil
		}
	}
	return Event{}, ErrEventNotFound
}

func (s *MemoryStorage) FindByIdempotencyKey(ctx context.Context, tenantID uuid.UUID, key string) (Event, error) {
	if key == "" {
		return Event{}, ErrEventNotFound
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, e := range s.events {
		if e.TenantID == tenantID && e.IdempotencyKey == key {
			return e, nil
		}
	}
	return Event{}, ErrEventNotFound
}

func matches(e Event, c Criteria) bool {
	if c.TenantID != uuid.Nil && e.TenantID != c.TenantID {
		return false
	}
	if c.SubscriptionID != uuid.Nil && e.SubscriptionID != c.SubscriptionID {
		return false
	}
	if c.Action != "" && e.Action != c.Action {
		return false
	}
	if !c.Since.IsZero() && e.OccurredAt.Before(c.Since) {
		return false
	}
	if !c.Until.IsZero() && e.OccurredAt.After(c.Until) {
		return false
	}
	return true
}
