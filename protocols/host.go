// Package protocols is the process host: it starts and stops applications
// and routes listener channel requests to protocol handlers, either shared
// by the whole process or living inside one application's domain.
package protocols

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	cmap "github.com/orcaman/concurrent-map/v2"

	"github.com/tomyedwab/workerhost/domains"
	"github.com/tomyedwab/workerhost/metrics"
	"github.com/tomyedwab/workerhost/types"
)

const (
	defaultReleaseInitialInterval = 10 * time.Millisecond
	defaultReleaseMaxInterval     = time.Second
)

// Config holds configuration options for the Host.
type Config struct {
	Applications *domains.Manager
	Resolver     types.HandlerResolver
	Logger       *slog.Logger       // Optional, defaults to slog.Default()
	Native       types.NativeHandle // Optional, released at the end of Shutdown
	ErrorSink    domains.ErrorSink  // Optional, defaults to logging
	Metrics      metrics.Collector  // Optional, defaults to no-op
	// ReleaseBackOff builds the retry schedule for releasing Native.
	// Optional, defaults to an exponential schedule that never gives up.
	ReleaseBackOff func() backoff.BackOff
}

// application is what StartApplication remembers about an app, so its
// domain can be re-created on demand after an eviction.
type application struct {
	host   types.HostDescriptor
	params types.CreationParams
}

// Host routes work to applications and protocol handlers.
type Host struct {
	apps           *domains.Manager
	resolver       types.HandlerResolver
	logger         *slog.Logger
	native         types.NativeHandle
	sink           domains.ErrorSink
	metrics        metrics.Collector
	releaseBackOff func() backoff.BackOff

	handlers     cmap.ConcurrentMap[string, *handlerEntry]
	applications cmap.ConcurrentMap[string, application]

	shutdown atomic.Bool
}

// NewHost creates a new Host.
func NewHost(config Config) (*Host, error) {
	if config.Applications == nil {
		return nil, fmt.Errorf("application manager is required")
	}
	if config.Resolver == nil {
		return nil, fmt.Errorf("handler resolver is required")
	}

	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "protocols")

	sink := config.ErrorSink
	if sink == nil {
		sink = &logSink{logger: logger}
	}
	collector := config.Metrics
	if collector == nil {
		collector = metrics.NewNoopCollector()
	}
	releaseBackOff := config.ReleaseBackOff
	if releaseBackOff == nil {
		releaseBackOff = defaultReleaseBackOff
	}

	return &Host{
		apps:           config.Applications,
		resolver:       config.Resolver,
		logger:         logger,
		native:         config.Native,
		sink:           sink,
		metrics:        collector,
		releaseBackOff: releaseBackOff,
		handlers:       cmap.New[*handlerEntry](),
		applications:   cmap.New[application](),
	}, nil
}

func defaultReleaseBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = defaultReleaseInitialInterval
	b.MaxInterval = defaultReleaseMaxInterval
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

type logSink struct {
	logger *slog.Logger
}

func (s *logSink) ReportHostingError(op string, appID types.ApplicationID, err error) {
	s.logger.Error("Hosting initialization failed", "op", op, "appID", appID, "error", err)
}

func (s *logSink) ReportFatalError(appID types.ApplicationID, err error) {
	s.logger.Error("Unhandled domain fault", "appID", appID, "error", err)
}

// StartApplication records the application and returns its live domain,
// creating it if needed.
func (h *Host) StartApplication(ctx context.Context, appID types.ApplicationID, host types.HostDescriptor, params types.CreationParams) (types.Domain, error) {
	const op = "StartApplication"

	appID = types.NewApplicationID(string(appID))
	if err := types.ValidateApplicationID(appID); err != nil {
		return nil, types.NewClientError(op, appID, err)
	}
	if err := host.Validate(); err != nil {
		return nil, types.NewClientError(op, appID, err)
	}
	if h.shutdown.Load() {
		return nil, types.NewClientError(op, appID, types.ErrShuttingDown)
	}

	h.applications.Set(string(appID), application{host: host, params: params})
	d, err := h.apps.GetOrCreate(ctx, appID, host, params)
	if err != nil {
		return nil, err
	}
	h.logger.Info("Application started", "appID", appID, "virtualPath", host.VirtualPath)
	return d, nil
}

// StopApplication forgets the application and asks its domain to shut
// down. It returns false when the application had no domain.
func (h *Host) StopApplication(appID types.ApplicationID) bool {
	appID = types.NewApplicationID(string(appID))
	h.applications.Remove(string(appID))
	return h.apps.ShutdownApplication(appID)
}

// IsIdle reports whether every application is idle.
func (h *Host) IsIdle() bool {
	return h.apps.IsIdle()
}

// Ping asks for cb to be answered asynchronously.
func (h *Host) Ping(cb types.PingCallback) bool {
	return h.apps.Ping(cb)
}

// Shutdown stops every process handler, shuts down every domain and then
// releases the native counterpart. Handlers are stopped immediately. Only
// the first call does any work.
func (h *Host) Shutdown(ctx context.Context) error {
	if !h.shutdown.CompareAndSwap(false, true) {
		return nil
	}
	h.logger.Info("Process host shutting down")

	var errs []error
	if err := h.stopAllProcessHandlers(ctx); err != nil {
		errs = append(errs, err)
	}
	if !h.apps.ShutdownAll(ctx) {
		errs = append(errs, fmt.Errorf("domains did not finish shutting down, %d still active", h.apps.ActiveDomains()))
	}
	if err := h.releaseNative(); err != nil {
		errs = append(errs, err)
	}

	err := errors.Join(errs...)
	if err != nil {
		h.logger.Warn("Process host shut down with errors", "error", err)
	} else {
		h.logger.Info("Process host shut down")
	}
	return err
}

func (h *Host) stopAllProcessHandlers(ctx context.Context) error {
	var removed []*handlerEntry
	for _, protocolID := range h.handlers.Keys() {
		if e, ok := h.handlers.Pop(protocolID); ok {
			removed = append(removed, e)
		}
	}

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for _, e := range removed {
		wg.Add(1)
		go func(e *handlerEntry) {
			defer wg.Done()
			if err := h.stopEntry(ctx, e, true); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
		}(e)
	}
	wg.Wait()
	return errors.Join(errs...)
}

// releaseNative drops references to the native counterpart until none are
// left. The native side takes no new references once shutdown has begun,
// so the loop has no deadline.
func (h *Host) releaseNative() error {
	if h.native == nil {
		return nil
	}
	attempts := 0
	release := func() error {
		attempts++
		if remaining := h.native.Release(); remaining > 0 {
			return fmt.Errorf("native host still holds %d references", remaining)
		}
		return nil
	}
	notify := func(err error, next time.Duration) {
		h.logger.Debug("Retrying native release", "error", err, "next", next)
	}
	if err := backoff.RetryNotify(release, h.releaseBackOff(), notify); err != nil {
		return fmt.Errorf("releasing native host: %w", err)
	}
	h.logger.Debug("Native host released", "attempts", attempts)
	return nil
}
