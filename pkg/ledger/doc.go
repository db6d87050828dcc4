// Package ledger tracks per-tenant usage counters, plan limits, and feature
// flags for the billing core.
//
// The ledger answers two questions for every feature-gated action in the
// product: "may this tenant do this now?" and "how much has it already done
// this period?". Plan limits come from a PlanSource, per-tenant feature
// overrides from an OverrideStore, and running counters from a CounterStore
// whose Increment is a single atomic add at the datastore level.
//
// Limit checks and increments are deliberately separate calls: CanPerform
// followed by IncrementUsage may overshoot a limit by the number of
// concurrent callers. The counter itself never loses updates; the limit is a
// soft limit. Callers needing a hard limit must serialize the pair
// themselves.
//
// Any failure to resolve a tenant's plan degrades to the default plan the
// service was constructed with, which should be the most restrictive free
// tier. A transient read error must never grant access.
package ledger
