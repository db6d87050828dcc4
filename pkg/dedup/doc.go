// Package dedup persists provider event records keyed by
// (provider, provider_event_id) so that at-least-once webhook delivery
// collapses into at-most-once application.
//
// The uniqueness of the natural key is the entire idempotency mechanism:
// InsertPending either claims the key or reports the existing record, and the
// webhook processor short-circuits re-deliveries whose record is already
// processed. No cooperation from the transport layer is assumed.
package dedup
