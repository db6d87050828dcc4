// Package lifecycle owns the tenant subscription state machine.
//
// A subscription moves through trialing, active, paused, and cancelled;
// cancelled is terminal. Every transition validates against the transition
// table, computes prorated financial effects when money changes hands, and
// persists the new subscription row together with an audit event in one
// logical unit of work. Operations accept an idempotency key: a retried call
// with a key that already produced an audit event replays the recorded
// outcome instead of re-applying effects.
//
// The manager also refuses to move a subscription backwards: an operation
// carrying an occurrence time older than the subscription's last audit event
// is rejected as stale, which keeps out-of-order webhook deliveries from
// resurrecting cancelled subscriptions.
package lifecycle
