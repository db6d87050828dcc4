// Package config loads typed configuration structs from environment
// variables, with a .env file picked up automatically in development.
//
// Each configuration type is parsed once per process and cached; repeated
// Load calls for the same type return the cached copy, so every component
// can load its own config without coordinating startup order.
//
// Usage:
//
//	type WebhookConfig struct {
//		StripeSecret string        `env:"WEBHOOK_STRIPE_SECRET,required"`
//		MaxAge       time.Duration `env:"WEBHOOK_MAX_AGE" envDefault:"5m"`
//	}
//
//	var cfg WebhookConfig
//	config.MustLoad(&cfg)
package config
