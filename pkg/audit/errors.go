package audit

import "errors"

var (
	ErrEventValidation = errors.New("audit: event validation failed")
	ErrEventNotFound   = errors.New("audit: event not found")
	ErrStorageFailure  = errors.New("audit: storage failure")
)
