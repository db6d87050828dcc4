package webhook

import "errors"

var (
	ErrInvalidSignature = errors.New("webhook: signature verification failed")
	ErrMissingSignature = errors.New("webhook: required signature headers are missing")
	ErrStaleTimestamp   = errors.New("webhook: signature timestamp outside the accepted window")
	ErrMalformedPayload = errors.New("webhook: payload cannot be parsed")
	ErrUnknownProvider  = errors.New("webhook: provider is not configured")
	ErrNoHandler        = errors.New("webhook: no handler registered for event type")
	ErrHandlerFailed    = errors.New("webhook: handler failed")
	ErrInvalidConfig    = errors.New("webhook: invalid configuration")
)
