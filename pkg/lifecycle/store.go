package lifecycle

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dmitrymomot/billingcore/pkg/audit"
)

// Store persists subscriptions. Create and SaveWithAudit couple the
// subscription write with its audit event: both land or neither does, which
// is what lets a failed operation be retried wholesale under the same
// idempotency key.
type Store interface {
	// Get returns the tenant's live (non-cancelled) subscription.
	Get(ctx context.Context, tenantID uuid.UUID) (*Subscription, error)

	// GetByID returns a subscription regardless of status.
	GetByID(ctx context.Context, id uuid.UUID) (*Subscription, error)

	// Create inserts a new subscription plus its creation audit event.
	// Returns ErrAlreadySubscribed when the tenant already has a live one.
	Create(ctx context.Context, sub *Subscription, event *audit.Event) error

	// SaveWithAudit updates the subscription and appends the audit event in
	// the same unit of work.
	SaveWithAudit(ctx context.Context, sub *Subscription, event *audit.Event) error

	// ListDue returns up to limit subscriptions needing batch attention
	// before the given instant: active rows whose next charge is due, and
	// rows scheduled to cancel whose period has ended. Ordered by next
	// action time so repeated pages make progress.
	ListDue(ctx context.Context, before time.Time, limit int) ([]Subscription, error)
}

// MemoryStore is an in-process Store for tests and local development. The
// audit storage is written under the same mutex as the subscription map,
// which is the in-memory equivalent of a transaction.
type MemoryStore struct {
	mu       sync.Mutex
	byID     map[uuid.UUID]*Subscription
	auditlog audit.Storage
}

// NewMemoryStore returns an empty in-memory subscription store writing
// audit events to the given storage.
func NewMemoryStore(auditlog audit.Storage) *MemoryStore {
	if auditlog == nil {
		panic("lifecycle: audit storage cannot be nil")
	}
	return &MemoryStore{
		byID:     make(map[uuid.UUID]*Subscription),
		auditlog: auditlog,
	}
}

func (s *MemoryStore) Get(ctx context.Context, tenantID uuid.UUID) (*Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, sub := range s.byID {
		if sub.TenantID == tenantID && !sub.IsCancelled() {
			copied := *sub
			return &copied, nil
		}
	}
	return nil, ErrSubscriptionNotFound
}

func (s *MemoryStore) GetByID(ctx context.Context, id uuid.UUID) (*Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub, ok := s.byID[id]
	if !ok {
		return nil, ErrSubscriptionNotFound
	}
	copied := *sub
	return &copied, nil
}

func (s *MemoryStore) Create(ctx context.Context, sub *Subscription, event *audit.Event) error {
	if err := sub.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.byID {
		if existing.TenantID == sub.TenantID && !existing.IsCancelled() {
			return ErrAlreadySubscribed
		}
	}

	if err := s.auditlog.Store(ctx, event); err != nil {
		return err
	}
	copied := *sub
	s.byID[sub.ID] = &copied
	return nil
}

func (s *MemoryStore) SaveWithAudit(ctx context.Context, sub *Subscription, event *audit.Event) error {
	if err := sub.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byID[sub.ID]; !ok {
		return ErrSubscriptionNotFound
	}

	if err := s.auditlog.Store(ctx, event); err != nil {
		return err
	}
	copied := *sub
	s.byID[sub.ID] = &copied
	return nil
}

func (s *MemoryStore) ListDue(ctx context.Context, before time.Time, limit int) ([]Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []Subscription
	for _, sub := range s.byID {
		if isDue(sub, before) {
			due = append(due, *sub)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		return nextActionAt(&due[i]).Before(nextActionAt(&due[j]))
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func isDue(sub *Subscription, before time.Time) bool {
	if sub.IsCancelled() {
		return false
	}
	if sub.CancelAtPeriodEnd && !sub.CurrentPeriodEnd.After(before) {
		return true
	}
	return sub.Status == StatusActive && sub.NextChargeAt != nil && !sub.NextChargeAt.After(before)
}

func nextActionAt(sub *Subscription) time.Time {
	if sub.CancelAtPeriodEnd {
		return sub.CurrentPeriodEnd
	}
	if sub.NextChargeAt != nil {
		return *sub.NextChargeAt
	}
	return sub.CurrentPeriodEnd
}
