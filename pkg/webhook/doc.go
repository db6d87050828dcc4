// Package webhook turns at-least-once payment provider deliveries into
// exactly-once effects on the billing state.
//
// Every inbound delivery passes through the same pipeline: verify the
// HMAC signature, parse the provider envelope, claim the event's identity
// in the dedup store, dispatch to the registered handler, and record the
// outcome. A redelivered event short-circuits at the dedup claim and is
// acknowledged without side effects. Unknown event types are recorded as
// processed no-ops so redeliveries of them stay cheap.
//
// Handler failures are acknowledged to the provider (retrying a decline
// from the provider side would not help) and kept as failed records; the
// RetryFailed loop reprocesses them with exponential backoff.
package webhook
