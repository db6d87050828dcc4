package ledger

import "errors"

var (
	ErrPlanNotFound        = errors.New("ledger: plan not found")
	ErrInvalidUsageType    = errors.New("ledger: usage type not defined for plan")
	ErrLimitExceeded       = errors.New("ledger: usage limit exceeded")
	ErrInvalidAmount       = errors.New("ledger: amount must be positive")
	ErrFailedToLoadPlans   = errors.New("ledger: failed to load plans")
	ErrInvalidPlanConfig   = errors.New("ledger: invalid plan configuration")
	ErrOverrideNotFound    = errors.New("ledger: feature override not found")
	ErrCounterUnavailable  = errors.New("ledger: counter store unavailable")
	ErrNegativeCounter     = errors.New("ledger: counter must not go negative")
	ErrDefaultPlanRequired = errors.New("ledger: default plan is required")
)
