// Package health exposes liveness and readiness endpoints for the worker
// process.
package health

import (
	"errors"

	"github.com/heptiolabs/healthcheck"
)

var ErrShuttingDown = errors.New("application domains are shutting down")

// Status is the part of the domain manager the checks read.
type Status interface {
	FatalError() error
	ShuttingDown() bool
}

// Options tunes the process-level checks.
type Options struct {
	// MaxGoroutines fails liveness above this count. Zero disables the check.
	MaxGoroutines int
}

// NewHandler returns a handler serving /live and /ready.
//
// Liveness fails once any domain has reported an unhandled fault; readiness
// also fails while every domain is being shut down.
func NewHandler(status Status, opts Options) healthcheck.Handler {
	h := healthcheck.NewHandler()
	h.AddLivenessCheck("fatal-error", status.FatalError)
	if opts.MaxGoroutines > 0 {
		h.AddLivenessCheck("goroutine-threshold", healthcheck.GoroutineCountCheck(opts.MaxGoroutines))
	}
	h.AddReadinessCheck("shutdown", func() error {
		if status.ShuttingDown() {
			return ErrShuttingDown
		}
		return nil
	})
	return h
}
