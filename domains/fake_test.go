package domains

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tomyedwab/workerhost/types"
)

// fakeDomain is a Domain whose lifecycle the test drives directly.
type fakeDomain struct {
	appID  types.ApplicationID
	gen    int64
	events types.DomainEvents

	live  atomic.Bool
	idle  atomic.Bool
	lru     atomic.Int64
	calls   atomic.Int32 // BeginShutdown calls, including repeats
	touches atomic.Int32

	// neverComplete keeps the domain from reporting ShutdownComplete.
	neverComplete bool
	shutdownDelay time.Duration

	once    sync.Once
	mu      sync.Mutex
	objects map[string]any
}

func (d *fakeDomain) IsLive() bool { return d.live.Load() }

func (d *fakeDomain) GetRegisteredObject(typeName string) (any, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	obj, ok := d.objects[typeName]
	return obj, ok
}

func (d *fakeDomain) CreateRegisteredObject(desc types.TypeDescriptor, failIfExists bool) (any, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if obj, ok := d.objects[desc.Name]; ok {
		if failIfExists {
			return nil, types.ErrObjectExists
		}
		return obj, nil
	}
	obj, err := desc.New()
	if err != nil {
		return nil, err
	}
	d.objects[desc.Name] = obj
	return obj, nil
}

func (d *fakeDomain) BeginShutdown() {
	d.calls.Add(1)
	d.once.Do(func() {
		d.live.Store(false)
		go func() {
			d.events.ShutdownInitiated()
			if d.neverComplete {
				return
			}
			time.Sleep(d.shutdownDelay)
			d.events.ShutdownComplete()
		}()
	})
}

func (d *fakeDomain) Info() types.DomainInfo {
	return types.DomainInfo{ID: "fake", ApplicationID: d.appID, Idle: d.idle.Load()}
}

func (d *fakeDomain) LRUScore() int64 { return d.lru.Load() }

func (d *fakeDomain) Touch() {
	d.touches.Add(1)
	d.lru.Add(100)
}

func (d *fakeDomain) Post(context.Context, types.Message) error {
	return errors.New("fake domains have no inbox")
}

// fakeFactory records every domain it creates.
type fakeFactory struct {
	mu      sync.Mutex
	created []*fakeDomain

	err           error
	panicWith     any
	deadCreations atomic.Int32 // next N creations produce dead domains
	neverComplete bool
	shutdownDelay time.Duration
	delay         time.Duration
}

func (f *fakeFactory) CreateDomain(ctx context.Context, req types.CreateRequest, events types.DomainEvents) (types.Domain, error) {
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if f.panicWith != nil {
		panic(f.panicWith)
	}
	if f.err != nil {
		return nil, f.err
	}
	d := &fakeDomain{
		appID:         req.ApplicationID,
		gen:           req.Generation,
		events:        events,
		neverComplete: f.neverComplete,
		shutdownDelay: f.shutdownDelay,
		objects:       make(map[string]any),
	}
	d.idle.Store(true)
	d.live.Store(true)
	if f.deadCreations.Load() > 0 {
		f.deadCreations.Add(-1)
		d.live.Store(false)
	}

	f.mu.Lock()
	f.created = append(f.created, d)
	f.mu.Unlock()
	return d, nil
}

func (f *fakeFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.created)
}

func (f *fakeFactory) domain(i int) *fakeDomain {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.created[i]
}

type recordingSink struct {
	mu      sync.Mutex
	hosting []error
	fatal   []error
}

func (s *recordingSink) ReportHostingError(op string, appID types.ApplicationID, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hosting = append(s.hosting, err)
}

func (s *recordingSink) ReportFatalError(appID types.ApplicationID, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fatal = append(s.fatal, err)
}

func (s *recordingSink) counts() (int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.hosting), len(s.fatal)
}
