// Package lock provides lease-based mutual exclusion for batch workers.
//
// A lease names a resource, an owner, and an expiry. Acquiring is a
// compare-and-set: the lease is granted when the resource is free or its
// current lease has expired, so a crashed holder never blocks the resource
// longer than the lease duration. Holders extend long-running work and
// release on completion; expired leases are swept opportunistically.
package lock
