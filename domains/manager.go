// Package domains manages the isolated application domains of one worker
// process: it creates them on demand, caches one live domain per
// application, evicts under capacity pressure and tears them all down on
// shutdown.
package domains

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/panjf2000/ants/v2"

	"github.com/tomyedwab/workerhost/metrics"
	"github.com/tomyedwab/workerhost/types"
)

// errRetryUnloaded marks a freshly created domain that was already dead.
var errRetryUnloaded = errors.New("created domain was not live")

// Manager owns the table of live domains, keyed by application id.
type Manager struct {
	factory         types.DomainFactory
	logger          *slog.Logger
	sink            ErrorSink
	metrics         metrics.Collector
	maxDomains      int
	shutdownTimeout time.Duration

	pool   *ants.Pool
	submit func(task func()) error

	mu      sync.Mutex
	domains map[types.ApplicationID]*entry
	// detached holds unpublished domains that are still running, so
	// ShutdownAll can reach them.
	detached map[*entry]struct{}

	shutdowns     atomic.Int32 // ShutdownAll calls in progress
	openCount     atomic.Int64
	activeDomains atomic.Int64
	generation    atomic.Int64
	drained       chan struct{}

	pendingPing atomic.Pointer[pingSlot]
	fatal       atomic.Pointer[fatalRecord]
}

// NewManager creates a new Manager instance.
func NewManager(config Config) (*Manager, error) {
	if config.Factory == nil {
		return nil, fmt.Errorf("DomainFactory is required")
	}
	if config.MaxDomains < 0 {
		return nil, fmt.Errorf("MaxDomains must not be negative, got %d", config.MaxDomains)
	}

	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "domains")

	sink := config.ErrorSink
	if sink == nil {
		sink = logSink{logger: logger}
	}
	collector := config.Metrics
	if collector == nil {
		collector = metrics.NewNoopCollector()
	}
	shutdownTimeout := config.ShutdownTimeout
	if shutdownTimeout == 0 {
		shutdownTimeout = defaultShutdownTimeout
	}
	poolSize := config.WorkerPoolSize
	if poolSize == 0 {
		poolSize = defaultWorkerPoolSize
	}

	m := &Manager{
		factory:         config.Factory,
		logger:          logger,
		sink:            sink,
		metrics:         collector,
		maxDomains:      config.MaxDomains,
		shutdownTimeout: shutdownTimeout,
		domains:         make(map[types.ApplicationID]*entry),
		detached:        make(map[*entry]struct{}),
		drained:         make(chan struct{}, 1),
	}

	pool, err := ants.NewPool(poolSize,
		ants.WithNonblocking(true),
		ants.WithPanicHandler(func(p any) {
			m.logger.Error("Background task panicked", "panic", p)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create worker pool: %w", err)
	}
	m.pool = pool
	m.submit = m.submitToPool

	return m, nil
}

// submitToPool runs task on the pool, falling back to a goroutine when the
// pool is saturated.
func (m *Manager) submitToPool(task func()) error {
	if err := m.pool.Submit(task); err != nil {
		if errors.Is(err, ants.ErrPoolClosed) {
			return err
		}
		go task()
	}
	return nil
}

// Release frees the background worker pool.
func (m *Manager) Release() {
	m.pool.Release()
}

// Open registers a user of the manager and returns the new open count.
func (m *Manager) Open() int64 {
	return m.openCount.Add(1)
}

// Close unregisters a user. When the last user leaves, every domain is
// shut down before Close returns.
func (m *Manager) Close(ctx context.Context) int64 {
	n := m.openCount.Add(-1)
	switch {
	case n == 0:
		m.logger.Info("Last user closed, shutting down all domains")
		m.ShutdownAll(ctx)
	case n < 0:
		m.logger.Warn("Close called more often than Open", "openCount", n)
	}
	return n
}

// OpenCount returns the number of registered users.
func (m *Manager) OpenCount() int64 {
	return m.openCount.Load()
}

// Count returns the number of domains in the table.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.domains)
}

// ActiveDomains returns the number of domains created and not yet fully
// torn down, including those already removed from the table.
func (m *Manager) ActiveDomains() int64 {
	return m.activeDomains.Load()
}

// ShuttingDown reports whether a ShutdownAll is in progress.
func (m *Manager) ShuttingDown() bool {
	return m.shutdowns.Load() > 0
}

// GetOrCreate returns the live domain for appID, creating one if needed.
func (m *Manager) GetOrCreate(ctx context.Context, appID types.ApplicationID, host types.HostDescriptor, params types.CreationParams) (types.Domain, error) {
	const op = "GetOrCreate"

	appID = types.NewApplicationID(string(appID))
	if err := types.ValidateApplicationID(appID); err != nil {
		return nil, types.NewClientError(op, appID, err)
	}
	if err := host.Validate(); err != nil {
		return nil, types.NewClientError(op, appID, err)
	}
	if m.shutdowns.Load() > 0 {
		return nil, types.NewClientError(op, appID, types.ErrShuttingDown)
	}

	d, err := m.getOrCreateLocked(ctx, op, appID, host, params)
	if errors.Is(err, errRetryUnloaded) {
		m.logger.Info("Created domain was already unloaded, retrying", "appID", appID)
		d, err = m.getOrCreateLocked(ctx, op, appID, host, params)
	}
	if errors.Is(err, errRetryUnloaded) {
		herr := types.NewHostingError(op, appID, types.ErrDomainUnloaded)
		m.reportHostingError(op, appID, herr)
		return nil, herr
	}
	return d, err
}

func (m *Manager) getOrCreateLocked(ctx context.Context, op string, appID types.ApplicationID, host types.HostDescriptor, params types.CreationParams) (types.Domain, error) {
	// Victims are told to shut down once the table lock is released.
	var victims []*entry
	defer func() {
		for _, v := range victims {
			v.requestShutdown()
		}
	}()

	m.mu.Lock()
	defer m.mu.Unlock()

	if e, ok := m.domains[appID]; ok {
		if e.domain.IsLive() {
			e.domain.Touch()
			return e.domain, nil
		}
		m.logger.Info("Discarding unloaded domain", "appID", appID)
		m.discardLocked(e)
	}

	if m.shutdowns.Load() > 0 {
		return nil, types.NewClientError(op, appID, types.ErrShuttingDown)
	}

	if m.maxDomains > 0 {
		for {
			victim := m.evictOneLocked(m.maxDomains)
			if victim == nil {
				break
			}
			m.metrics.DomainEvicted(victim.appID)
			m.logger.Info("Evicting least recently used domain", "appID", victim.appID, "limit", m.maxDomains)
			victims = append(victims, victim)
		}
	}

	e := &entry{m: m, appID: appID}
	req := types.CreateRequest{
		ApplicationID: appID,
		Host:          host,
		Params:        params,
		Generation:    m.generation.Add(1),
	}

	m.activeDomains.Add(1)
	d, err := m.createDomain(ctx, req, e)
	if err != nil {
		e.completed.Store(true)
		m.domainFinished()
		m.metrics.DomainCreateFailed(appID)
		herr := types.NewHostingError(op, appID, err)
		m.reportHostingError(op, appID, herr)
		return nil, herr
	}
	e.domain = d

	if !d.IsLive() || e.removed.Load() {
		e.removed.Store(true)
		m.shutdownInBackground(e)
		return nil, errRetryUnloaded
	}

	m.domains[appID] = e
	m.metrics.DomainCreated(appID)
	m.metrics.ActiveDomains(m.activeDomains.Load())
	m.logger.Info("Domain created", "appID", appID, "generation", req.Generation, "domainID", d.Info().ID)
	return d, nil
}

// createDomain calls the factory, turning a panic into an error.
func (m *Manager) createDomain(ctx context.Context, req types.CreateRequest, e *entry) (d types.Domain, err error) {
	defer func() {
		if r := recover(); r != nil {
			d, err = nil, fmt.Errorf("domain construction panicked: %v", r)
		}
	}()
	d, err = m.factory.CreateDomain(ctx, req, e)
	if err == nil && d == nil {
		err = errors.New("domain factory returned no domain")
	}
	return d, err
}

// Find returns the live domain for appID without creating one.
func (m *Manager) Find(appID types.ApplicationID) (types.Domain, bool) {
	appID = types.NewApplicationID(string(appID))

	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.domains[appID]
	if !ok {
		return nil, false
	}
	if !e.domain.IsLive() {
		m.discardLocked(e)
		return nil, false
	}
	return e.domain, true
}

// RemoveIfObjectOfTypeExists drops appID's domain from the table when it
// has an object registered under typeName. The domain itself keeps running
// until it shuts down on its own or ShutdownAll reaches it.
func (m *Manager) RemoveIfObjectOfTypeExists(appID types.ApplicationID, typeName string) bool {
	appID = types.NewApplicationID(string(appID))

	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.domains[appID]
	if !ok {
		return false
	}
	if _, found := e.domain.GetRegisteredObject(typeName); !found {
		return false
	}
	delete(m.domains, appID)
	e.removed.Store(true)
	if !e.completed.Load() {
		m.detached[e] = struct{}{}
	}
	m.logger.Debug("Removed domain holding registered object", "appID", appID, "type", typeName)
	return true
}

func (m *Manager) forgetDetached(e *entry) {
	m.mu.Lock()
	delete(m.detached, e)
	m.mu.Unlock()
}

// IsIdle reports whether every domain in the table is idle.
func (m *Manager) IsIdle() bool {
	for _, d := range m.snapshot() {
		if !d.Info().Idle {
			return false
		}
	}
	return true
}

// discardLocked drops a stale entry and makes sure its domain is torn down.
func (m *Manager) discardLocked(e *entry) {
	if m.domains[e.appID] == e {
		delete(m.domains, e.appID)
	}
	e.removed.Store(true)
	m.shutdownInBackground(e)
}

// removeEntry deletes e from the table if it is still the current entry
// for its application.
func (m *Manager) removeEntry(e *entry) {
	if !e.removed.CompareAndSwap(false, true) {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.domains[e.appID] == e {
		delete(m.domains, e.appID)
		m.logger.Debug("Domain removed from table", "appID", e.appID)
	}
}

func (m *Manager) shutdownInBackground(e *entry) {
	if e.shutdownRequested.Load() {
		return
	}
	if err := m.submit(func() { e.requestShutdown() }); err != nil {
		e.requestShutdown()
	}
}

func (m *Manager) domainFinished() {
	n := m.activeDomains.Add(-1)
	m.metrics.ActiveDomains(n)
	if n <= 0 {
		select {
		case m.drained <- struct{}{}:
		default:
		}
	}
}

func (m *Manager) reportHostingError(op string, appID types.ApplicationID, err error) {
	m.sink.ReportHostingError(op, appID, err)
}

// snapshot returns the table's domains ordered by application id.
func (m *Manager) snapshot() []types.Domain {
	m.mu.Lock()
	ids := make([]types.ApplicationID, 0, len(m.domains))
	for id := range m.domains {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	out := make([]types.Domain, 0, len(ids))
	for _, id := range ids {
		out = append(out, m.domains[id].domain)
	}
	m.mu.Unlock()
	return out
}
