package domains

import (
	"log/slog"
	"time"

	"github.com/tomyedwab/workerhost/metrics"
	"github.com/tomyedwab/workerhost/types"
)

const (
	defaultShutdownTimeout = 2 * time.Minute
	defaultWorkerPoolSize  = 16
)

// ErrorSink receives errors that operators should see even when callers
// swallow them.
type ErrorSink interface {
	// ReportHostingError is called for every failed domain creation.
	ReportHostingError(op string, appID types.ApplicationID, err error)
	// ReportFatalError is called once, for the first unhandled domain fault.
	ReportFatalError(appID types.ApplicationID, err error)
}

// logSink is the ErrorSink used when none is configured.
type logSink struct {
	logger *slog.Logger
}

func (s logSink) ReportHostingError(op string, appID types.ApplicationID, err error) {
	s.logger.Error("Hosting initialization failed", "op", op, "appID", appID, "error", err)
}

func (s logSink) ReportFatalError(appID types.ApplicationID, err error) {
	s.logger.Error("Unhandled domain fault", "appID", appID, "error", err)
}

// Config holds configuration options for the Manager.
type Config struct {
	Factory         types.DomainFactory
	Logger          *slog.Logger      // Optional, defaults to slog.Default()
	MaxDomains      int               // Optional, 0 means unlimited
	ShutdownTimeout time.Duration     // Optional, defaults to 2m
	ErrorSink       ErrorSink         // Optional, defaults to logging
	Metrics         metrics.Collector // Optional, defaults to no-op
	WorkerPoolSize  int               // Optional, defaults to 16
}
