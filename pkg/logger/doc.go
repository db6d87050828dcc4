// Package logger builds slog loggers the way the billing services expect
// them: JSON to stdout in production, text in development, with static
// service attributes and per-call attribute extraction from context.
//
// The attr helpers give billing log lines a consistent vocabulary:
// tenant_id, subscription_id, plan_id, provider, event_type, and friends
// always use the same keys regardless of which component logs them.
package logger
