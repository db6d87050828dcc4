// Package batch runs the periodic billing pass over due subscriptions.
//
// Each run pages through subscriptions whose next action time has arrived,
// takes a per-subscription lease, and either charges the renewal or
// finalizes a scheduled cancellation. The lease keeps concurrent runs from
// touching the same subscription; a run that cannot get the lease skips the
// row and lets the holder finish. Failures are isolated per subscription:
// one tenant's broken renewal never stops the rest of the pass.
package batch
