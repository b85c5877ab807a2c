package sandbox

import (
	"context"
	"log/slog"
)

// Option configures a Domain.
type Option func(*Domain)

// WithLogger sets the logger. The domain scopes it with its application id.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Domain) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// WithShutdownHook registers fn to run during teardown, after the inbox has
// stopped and the domain's handlers have been stopped. Hooks run in
// registration order.
func WithShutdownHook(fn func(ctx context.Context) error) Option {
	return func(d *Domain) {
		if fn != nil {
			d.hooks = append(d.hooks, fn)
		}
	}
}

// WithLivenessProbe adds a check consulted by IsLive. Once the probe
// reports false the domain begins shutting down on its own.
func WithLivenessProbe(probe func() bool) Option {
	return func(d *Domain) {
		d.probe = probe
	}
}

// WithIdle sets the initial idle state. Domains start idle by default.
func WithIdle(idle bool) Option {
	return func(d *Domain) {
		d.idle.Store(idle)
	}
}
