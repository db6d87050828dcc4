package lifecycle

import (
	"errors"
	"fmt"
)

var (
	ErrSubscriptionNotFound = errors.New("lifecycle: subscription not found")
	ErrAlreadySubscribed    = errors.New("lifecycle: tenant already has a live subscription")
	ErrPlanNotFound         = errors.New("lifecycle: plan not found")
	ErrMissingTenant        = errors.New("lifecycle: tenant ID is required")
	ErrInvalidPeriod        = errors.New("lifecycle: period start must precede period end")
	ErrMissingIdempotency   = errors.New("lifecycle: idempotency key is required")
	ErrIdempotencyConflict  = errors.New("lifecycle: idempotency key was used for a different operation")
	ErrStaleEvent           = errors.New("lifecycle: event is older than the subscription's last recorded change")
	ErrDowngradeBlocked     = errors.New("lifecycle: current usage exceeds the target plan's limits")
	ErrStorageFailure       = errors.New("lifecycle: storage failure")
)

// InvalidTransitionError reports a state machine violation: the requested
// move is not in the transition table.
type InvalidTransitionError struct {
	From Status
	To   Status
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("lifecycle: cannot transition from %s to %s", e.From, e.To)
}

// IsInvalidTransition reports whether err is a state machine violation.
func IsInvalidTransition(err error) bool {
	var e *InvalidTransitionError
	return errors.As(err, &e)
}
