// Package billing composes the billing packages into one service with an
// HTTP surface: webhook intake, usage and feature queries, subscription
// lifecycle operations, and a tenant-facing summary.
//
// Every route runs inside tenant middleware; handlers read the tenant from
// context and never from request parameters, so one tenant cannot address
// another's billing state. Mutating subscription routes require an
// Idempotency-Key header and pass it straight through to the lifecycle
// manager's replay machinery.
package billing
