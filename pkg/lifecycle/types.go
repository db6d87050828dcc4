package lifecycle

import (
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Status is a subscription lifecycle state.
type Status string

const (
	StatusTrialing  Status = "trialing"
	StatusActive    Status = "active"
	StatusPaused    Status = "paused"
	StatusCancelled Status = "cancelled" // terminal
)

// transitions is the state machine as data: every allowed move, nothing else.
// Cancelled has no outgoing edges.
var transitions = map[Status][]Status{
	StatusTrialing: {StatusActive, StatusCancelled},
	StatusActive:   {StatusActive, StatusPaused, StatusCancelled}, // active->active is a plan change
	StatusPaused:   {StatusActive, StatusCancelled},
}

// canTransition reports whether the move is in the transition table.
func canTransition(from, to Status) bool {
	return slices.Contains(transitions[from], to)
}

// BillingCycle is the renewal period length.
type BillingCycle string

const (
	CycleMonthly BillingCycle = "monthly"
	CycleYearly  BillingCycle = "yearly"
)

// advance returns start's period end for the cycle.
func (c BillingCycle) advance(start time.Time) time.Time {
	if c == CycleYearly {
		return start.AddDate(1, 0, 0)
	}
	return start.AddDate(0, 1, 0)
}

// CancelMode selects when a cancellation takes effect.
type CancelMode string

const (
	CancelImmediate CancelMode = "immediate"
	CancelPeriodEnd CancelMode = "period_end"
)

// Subscription is a tenant's subscription row. Exactly one non-cancelled
// subscription exists per tenant; rows are never hard-deleted.
type Subscription struct {
	ID                 uuid.UUID       `json:"id"`
	TenantID           uuid.UUID       `json:"tenant_id"`
	PlanID             string          `json:"plan_id"`
	BillingCycle       BillingCycle    `json:"billing_cycle"`
	Status             Status          `json:"status"`
	CurrentPeriodStart time.Time       `json:"current_period_start"`
	CurrentPeriodEnd   time.Time       `json:"current_period_end"`
	Amount             decimal.Decimal `json:"amount"`
	NextChargeAt       *time.Time      `json:"next_charge_at,omitempty"` // nil while paused or cancelled
	CancelAtPeriodEnd  bool            `json:"cancel_at_period_end"`
	PausedAt           *time.Time      `json:"paused_at,omitempty"`
	CancelledAt        *time.Time      `json:"cancelled_at,omitempty"`
	CreatedAt          time.Time       `json:"created_at"`
	UpdatedAt          time.Time       `json:"updated_at"`
}

// Validate checks the row's internal invariants.
func (s *Subscription) Validate() error {
	if s.TenantID == uuid.Nil {
		return ErrMissingTenant
	}
	if !s.CurrentPeriodStart.Before(s.CurrentPeriodEnd) {
		return ErrInvalidPeriod
	}
	return nil
}

// IsCancelled reports whether the subscription reached its terminal state.
func (s *Subscription) IsCancelled() bool {
	return s.Status == StatusCancelled
}
