// Package httpserver wraps net/http with graceful shutdown and env-driven
// configuration for the billing API binary.
//
// Construction goes through New with functional options, or NewFromConfig
// when the caller loads Config from the environment. Run blocks until the
// context is cancelled, an interrupt or TERM signal arrives, or the listener
// fails; it then drains in-flight requests within the shutdown deadline.
//
//	srv := httpserver.NewFromConfig(cfg, httpserver.WithLogger(log))
//	if err := srv.Run(ctx, router); err != nil {
//		log.Error("server stopped", logger.Error(err))
//	}
//
// Listen failures are wrapped with ErrStart and shutdown failures with
// ErrShutdown so callers can tell them apart with errors.Is.
package httpserver
