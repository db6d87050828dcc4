// Package audit records the append-only trail of billing-relevant
// occurrences: state transitions, charges, credits, and failed operations.
//
// Audit events are immutable once stored and are the sole source of truth for
// "what happened and why" during support and compliance review. Within one
// subscription, events are strictly ordered by occurrence time with a
// monotonically increasing sequence number breaking same-millisecond ties.
//
// The trail also backs the lifecycle manager's idempotency: every lifecycle
// operation records its idempotency key on the event it writes, and a retried
// operation short-circuits when an event with its key already exists.
package audit
