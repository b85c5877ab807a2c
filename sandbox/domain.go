// Package sandbox is an in-process implementation of an isolated application
// domain. Each Domain owns a registered-object table and an inbox goroutine
// that runs every message posted to it, so handlers created inside a domain
// are only ever touched from that domain's own goroutine.
package sandbox

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/tomyedwab/workerhost/types"
)

// clock orders uses across every domain in the process.
var clock atomic.Int64

type noopEvents struct{}

func (noopEvents) ShutdownInitiated()   {}
func (noopEvents) ShutdownComplete()    {}
func (noopEvents) UnhandledFault(error) {}

// Domain is a single application domain.
type Domain struct {
	id     string
	appID  types.ApplicationID
	host   types.HostDescriptor
	params types.CreationParams
	events types.DomainEvents
	logger *slog.Logger
	hooks  []func(ctx context.Context) error
	probe  func() bool

	mu      sync.Mutex
	objects map[string]any

	live         atomic.Bool
	idle         atomic.Bool
	lru          atomic.Int64
	shutdownOnce sync.Once

	ctx    context.Context
	cancel context.CancelFunc

	inbox    chan types.Message
	done     chan struct{} // closed to stop the inbox loop
	exited   chan struct{} // closed when the inbox loop has returned
	finished chan struct{} // closed after ShutdownComplete
}

// New creates a live domain for req and starts its inbox loop. events may
// be nil.
func New(req types.CreateRequest, events types.DomainEvents, opts ...Option) (*Domain, error) {
	if err := types.ValidateApplicationID(req.ApplicationID); err != nil {
		return nil, err
	}
	if events == nil {
		events = noopEvents{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	d := &Domain{
		id:       uuid.New().String(),
		appID:    req.ApplicationID,
		host:     req.Host,
		params:   req.Params,
		events:   events,
		logger:   slog.Default(),
		objects:  make(map[string]any),
		ctx:      ctx,
		cancel:   cancel,
		inbox:    make(chan types.Message),
		done:     make(chan struct{}),
		exited:   make(chan struct{}),
		finished: make(chan struct{}),
	}
	d.idle.Store(true)
	for _, opt := range opts {
		opt(d)
	}
	d.logger = d.logger.With("component", "sandbox", "appID", d.appID, "domainID", d.id)

	d.live.Store(true)
	d.Touch()
	go d.run()

	d.logger.Debug("Domain created", "generation", req.Generation)
	return d, nil
}

// IsLive reports whether the domain still accepts work.
func (d *Domain) IsLive() bool {
	if !d.live.Load() {
		return false
	}
	if d.probe != nil && !d.probe() {
		d.logger.Info("Liveness probe failed, unloading domain")
		d.BeginShutdown()
		return false
	}
	return true
}

// Info returns the domain's identity and idle state.
func (d *Domain) Info() types.DomainInfo {
	return types.DomainInfo{
		ID:            d.id,
		ApplicationID: d.appID,
		VirtualPath:   d.host.VirtualPath,
		PhysicalPath:  d.host.PhysicalPath,
		SiteID:        d.host.SiteID,
		Idle:          d.idle.Load(),
	}
}

// Params returns the creation parameters the domain was built with.
func (d *Domain) Params() types.CreationParams {
	return d.params
}

// SetIdle marks the domain busy or idle.
func (d *Domain) SetIdle(idle bool) {
	d.idle.Store(idle)
}

// Touch records a use of the domain.
func (d *Domain) Touch() {
	d.lru.Store(clock.Add(1))
}

// LRUScore returns the logical time of the most recent use.
func (d *Domain) LRUScore() int64 {
	return d.lru.Load()
}

// Done is closed once the domain has fully torn down.
func (d *Domain) Done() <-chan struct{} {
	return d.finished
}

// GetRegisteredObject returns the object registered under typeName.
func (d *Domain) GetRegisteredObject(typeName string) (any, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	obj, ok := d.objects[typeName]
	return obj, ok
}

// CreateRegisteredObject returns the object registered under desc.Name,
// constructing it first if needed.
func (d *Domain) CreateRegisteredObject(desc types.TypeDescriptor, failIfExists bool) (any, error) {
	if desc.Name == "" {
		return nil, fmt.Errorf("%w: empty type name", types.ErrInvalidArgument)
	}
	if !d.live.Load() {
		return nil, types.ErrDomainUnloaded
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if obj, ok := d.objects[desc.Name]; ok {
		if failIfExists {
			return nil, fmt.Errorf("%w: %s", types.ErrObjectExists, desc.Name)
		}
		return obj, nil
	}
	if desc.New == nil {
		return nil, fmt.Errorf("%w: type %s has no constructor", types.ErrInvalidArgument, desc.Name)
	}

	obj, err := desc.New()
	if err != nil {
		return nil, fmt.Errorf("constructing %s: %w", desc.Name, err)
	}
	if obj == nil {
		return nil, fmt.Errorf("constructing %s: constructor returned nil", desc.Name)
	}
	d.objects[desc.Name] = obj
	return obj, nil
}

func (d *Domain) removeRegisteredObject(typeName string) (any, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	obj, ok := d.objects[typeName]
	if ok {
		delete(d.objects, typeName)
	}
	return obj, ok
}

// BeginShutdown starts tearing the domain down. It returns immediately; the
// lifecycle events are reported from another goroutine.
func (d *Domain) BeginShutdown() {
	d.shutdownOnce.Do(func() {
		d.live.Store(false)
		go d.shutdown()
	})
}

func (d *Domain) shutdown() {
	d.logger.Info("Domain shutting down")
	d.events.ShutdownInitiated()

	d.cancel()
	close(d.done)
	<-d.exited

	ctx := context.Background()

	d.mu.Lock()
	objects := d.objects
	d.objects = make(map[string]any)
	d.mu.Unlock()

	for name, obj := range objects {
		h, ok := obj.(types.ProtocolHandler)
		if !ok {
			continue
		}
		if err := h.StopProtocol(ctx, true); err != nil {
			d.logger.Warn("Failed to stop protocol handler", "type", name, "error", err)
		}
	}

	for _, hook := range d.hooks {
		if err := hook(ctx); err != nil {
			d.logger.Warn("Shutdown hook failed", "error", err)
		}
	}

	d.events.ShutdownComplete()
	close(d.finished)
	d.logger.Info("Domain shut down")
}

var _ types.Domain = (*Domain)(nil)
