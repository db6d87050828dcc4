package proration

import "errors"

var (
	ErrZeroLengthPeriod = errors.New("proration: billing period has zero length")
	ErrInvalidPeriod    = errors.New("proration: period start must be before period end")
	ErrNegativeAmount   = errors.New("proration: amounts must not be negative")
)
