// Package redis bootstraps the Redis connection used by the usage counter
// hot path: URL-based configuration, startup retries, and a health check
// closure for readiness endpoints.
package redis
