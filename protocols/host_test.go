package protocols

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/suite"

	"github.com/tomyedwab/workerhost/channels"
	"github.com/tomyedwab/workerhost/config"
	"github.com/tomyedwab/workerhost/domains"
	"github.com/tomyedwab/workerhost/sandbox"
	"github.com/tomyedwab/workerhost/types"
)

const (
	tcpProtocol  = "net.tcp"
	pipeProtocol = "net.pipe"
)

type testHandler struct {
	*channels.BasicHandler
	onStop func()
}

func (h *testHandler) StopProtocol(ctx context.Context, immediate bool) error {
	if h.onStop != nil {
		h.onStop()
	}
	return h.BasicHandler.StopProtocol(ctx, immediate)
}

type nopCallback struct{}

func (nopCallback) ReportStarted(int)         {}
func (nopCallback) ReportStopped(int, error)  {}
func (nopCallback) ReportMessageReceived(int) {}

type countingNative struct {
	refs  atomic.Int32
	calls atomic.Int32
}

func (n *countingNative) Release() int {
	n.calls.Add(1)
	return int(n.refs.Add(-1))
}

type recordingSink struct {
	mu      sync.Mutex
	hosting []error
}

func (s *recordingSink) ReportHostingError(op string, appID types.ApplicationID, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hosting = append(s.hosting, err)
}

func (s *recordingSink) ReportFatalError(types.ApplicationID, error) {}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.hosting)
}

type HostSuite struct {
	suite.Suite

	constructed  atomic.Int32
	failNext     atomic.Int32
	stopObserver func(h *testHandler)
	handlersMu   sync.Mutex
	handlers     []*testHandler

	factory types.DomainFactory
	sink    *recordingSink
	native  *countingNative
	apps    *domains.Manager
	host    *Host
}

func TestHostSuite(t *testing.T) {
	suite.Run(t, new(HostSuite))
}

func (s *HostSuite) SetupTest() {
	s.constructed.Store(0)
	s.failNext.Store(0)
	s.stopObserver = nil
	s.handlers = nil
	s.sink = &recordingSink{}
	s.native = &countingNative{}
	if s.factory == nil {
		s.factory = sandbox.NewFactory()
	}

	catalog := config.NewCatalog()
	s.Require().NoError(catalog.Register("test-handler", s.newHandler))
	bindings := config.NewBindings(catalog)
	s.Require().NoError(bindings.Bind(tcpProtocol, types.ScopeProcess, "test-handler"))
	s.Require().NoError(bindings.Bind(pipeProtocol, types.ScopeAppDomain, "test-handler"))

	apps, err := domains.NewManager(domains.Config{
		Factory:         s.factory,
		ErrorSink:       s.sink,
		ShutdownTimeout: 5 * time.Second,
	})
	s.Require().NoError(err)
	s.apps = apps

	host, err := NewHost(Config{
		Applications: apps,
		Resolver:     bindings,
		Native:       s.native,
		ErrorSink:    s.sink,
		ReleaseBackOff: func() backoff.BackOff {
			return backoff.NewConstantBackOff(time.Millisecond)
		},
	})
	s.Require().NoError(err)
	s.host = host
}

func (s *HostSuite) TearDownTest() {
	s.apps.ShutdownAll(context.Background())
	s.apps.Release()
	s.factory = nil
}

func (s *HostSuite) newHandler() (any, error) {
	if s.failNext.Load() > 0 {
		s.failNext.Add(-1)
		return nil, errors.New("listener socket unavailable")
	}
	s.constructed.Add(1)
	h := &testHandler{BasicHandler: channels.NewBasicHandler(nil)}
	h.onStop = func() {
		if s.stopObserver != nil {
			s.stopObserver(h)
		}
	}
	s.handlersMu.Lock()
	s.handlers = append(s.handlers, h)
	s.handlersMu.Unlock()
	return h, nil
}

func (s *HostSuite) startApp(appID types.ApplicationID) types.Domain {
	d, err := s.host.StartApplication(context.Background(), appID, types.HostDescriptor{
		VirtualPath:  "/" + string(appID),
		PhysicalPath: "/srv/" + string(appID),
		SiteID:       "1",
	}, types.CreationParams{})
	s.Require().NoError(err)
	return d
}

func (s *HostSuite) TestNewHostRequiresDependencies() {
	_, err := NewHost(Config{})
	s.Error(err)
	_, err = NewHost(Config{Applications: s.apps})
	s.Error(err)
}

func (s *HostSuite) TestProcessHandlerSingletonUnderConcurrency() {
	const callers = 32
	ids := make(chan int, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id, err := s.host.StartProcessProtocolListenerChannel(context.Background(), tcpProtocol, nopCallback{})
			s.NoError(err)
			ids <- id
		}()
	}
	wg.Wait()
	close(ids)

	s.Equal(int32(1), s.constructed.Load())
	seen := map[int]bool{}
	for id := range ids {
		s.False(seen[id], "channel id %d assigned twice", id)
		seen[id] = true
	}
	s.Len(seen, callers)
	s.Equal(callers, s.handlers[0].Channels())
}

func (s *HostSuite) TestUnknownProtocolIsClientError() {
	_, err := s.host.StartProcessProtocolListenerChannel(context.Background(), "net.msmq", nopCallback{})
	s.Require().Error(err)
	s.True(types.IsClientError(err))
	s.ErrorIs(err, types.ErrUnknownProtocol)
	s.False(s.host.handlers.Has("net.msmq"), "failed slots are not kept")

	// The pipe protocol is only bound for domains.
	_, err = s.host.StartProcessProtocolListenerChannel(context.Background(), pipeProtocol, nopCallback{})
	s.ErrorIs(err, types.ErrUnknownProtocol)
	s.Zero(s.sink.count())
}

func (s *HostSuite) TestStartRejectsBadArguments() {
	_, err := s.host.StartProcessProtocolListenerChannel(context.Background(), "", nopCallback{})
	s.ErrorIs(err, types.ErrInvalidArgument)
	_, err = s.host.StartProcessProtocolListenerChannel(context.Background(), tcpProtocol, nil)
	s.ErrorIs(err, types.ErrInvalidArgument)
	s.True(types.IsClientError(err))
}

func (s *HostSuite) TestProcessHandlerConstructionFailureIsRetried() {
	s.failNext.Store(1)

	_, err := s.host.StartProcessProtocolListenerChannel(context.Background(), tcpProtocol, nopCallback{})
	s.Require().Error(err)
	s.True(types.IsHostingInitializationError(err))
	s.Equal(1, s.sink.count())

	id, err := s.host.StartProcessProtocolListenerChannel(context.Background(), tcpProtocol, nopCallback{})
	s.Require().NoError(err)
	s.Equal(1, id)
	s.Equal(int32(1), s.constructed.Load())
}

func (s *HostSuite) TestStopProcessProtocolRemovesBeforeStopping() {
	_, err := s.host.StartProcessProtocolListenerChannel(context.Background(), tcpProtocol, nopCallback{})
	s.Require().NoError(err)

	var registeredDuringStop atomic.Bool
	registeredDuringStop.Store(true)
	s.stopObserver = func(*testHandler) {
		registeredDuringStop.Store(s.host.handlers.Has(tcpProtocol))
	}

	s.Require().NoError(s.host.StopProcessProtocol(context.Background(), tcpProtocol, false))
	s.False(registeredDuringStop.Load())
	s.True(s.handlers[0].Stopped())

	// A stop that finds nothing is a no-op.
	s.NoError(s.host.StopProcessProtocol(context.Background(), tcpProtocol, false))

	// The next start builds a fresh handler.
	_, err = s.host.StartProcessProtocolListenerChannel(context.Background(), tcpProtocol, nopCallback{})
	s.Require().NoError(err)
	s.Equal(int32(2), s.constructed.Load())
}

func (s *HostSuite) TestStopProcessListenerChannel() {
	id, err := s.host.StartProcessProtocolListenerChannel(context.Background(), tcpProtocol, nopCallback{})
	s.Require().NoError(err)

	s.Require().NoError(s.host.StopProcessProtocolListenerChannel(context.Background(), tcpProtocol, id, true))
	s.Equal(0, s.handlers[0].Channels())

	err = s.host.StopProcessProtocolListenerChannel(context.Background(), tcpProtocol, id, true)
	s.ErrorIs(err, channels.ErrUnknownChannel)

	s.NoError(s.host.StopProcessProtocolListenerChannel(context.Background(), "net.none", 1, true))
}

func (s *HostSuite) TestAppDomainChannelLifecycle() {
	d := s.startApp("app1")

	id, err := s.host.StartAppDomainProtocolListenerChannel(context.Background(), "APP1", pipeProtocol, nopCallback{})
	s.Require().NoError(err)
	s.Equal(1, id)

	obj, ok := d.GetRegisteredObject("test-handler")
	s.Require().True(ok)
	h := obj.(*testHandler)
	s.Equal(1, h.Channels())

	second, err := s.host.StartAppDomainProtocolListenerChannel(context.Background(), "app1", pipeProtocol, nopCallback{})
	s.Require().NoError(err)
	s.NotEqual(id, second)
	s.Equal(int32(1), s.constructed.Load(), "one handler per application and protocol")

	s.Require().NoError(s.host.StopAppDomainProtocolListenerChannel(context.Background(), "app1", pipeProtocol, id, false))
	s.Equal(1, h.Channels())

	s.Require().NoError(s.host.StopAppDomainProtocol(context.Background(), "app1", pipeProtocol, true))
	s.True(h.Stopped())
	_, ok = d.GetRegisteredObject("test-handler")
	s.False(ok)

	s.NoError(s.host.StopAppDomainProtocol(context.Background(), "app1", pipeProtocol, true))
}

func (s *HostSuite) TestAppDomainHandlersAreIsolatedPerApplication() {
	d1 := s.startApp("app1")
	d2 := s.startApp("app2")

	_, err := s.host.StartAppDomainProtocolListenerChannel(context.Background(), "app1", pipeProtocol, nopCallback{})
	s.Require().NoError(err)
	_, err = s.host.StartAppDomainProtocolListenerChannel(context.Background(), "app2", pipeProtocol, nopCallback{})
	s.Require().NoError(err)

	h1, _ := d1.GetRegisteredObject("test-handler")
	h2, _ := d2.GetRegisteredObject("test-handler")
	s.NotSame(h1, h2)
	s.Equal(int32(2), s.constructed.Load())
}

func (s *HostSuite) TestAppDomainStartForUnknownApplication() {
	_, err := s.host.StartAppDomainProtocolListenerChannel(context.Background(), "ghost", pipeProtocol, nopCallback{})
	s.Require().Error(err)
	s.True(types.IsClientError(err))
	s.ErrorIs(err, types.ErrUnknownApplication)
}

func (s *HostSuite) TestAppDomainStartRecreatesEvictedDomain() {
	first := s.startApp("app1")
	s.Require().True(s.apps.ShutdownApplication("app1"))
	s.Eventually(func() bool { return s.apps.Count() == 0 }, time.Second, 5*time.Millisecond)

	_, err := s.host.StartAppDomainProtocolListenerChannel(context.Background(), "app1", pipeProtocol, nopCallback{})
	s.Require().NoError(err)

	second, ok := s.apps.Find("app1")
	s.Require().True(ok)
	s.NotEqual(first.Info().ID, second.Info().ID)
}

func (s *HostSuite) TestStoppedApplicationIsForgotten() {
	s.startApp("app1")
	s.True(s.host.StopApplication("app1"))
	s.Eventually(func() bool { return s.apps.Count() == 0 }, time.Second, 5*time.Millisecond)

	_, err := s.host.StartAppDomainProtocolListenerChannel(context.Background(), "app1", pipeProtocol, nopCallback{})
	s.ErrorIs(err, types.ErrUnknownApplication)
	s.False(s.host.StopApplication("app1"))
}

func (s *HostSuite) TestAppDomainStopOnMissingDomainIsNoop() {
	s.NoError(s.host.StopAppDomainProtocolListenerChannel(context.Background(), "ghost", pipeProtocol, 1, true))
	s.NoError(s.host.StopAppDomainProtocol(context.Background(), "ghost", pipeProtocol, true))

	err := s.host.StopAppDomainProtocol(context.Background(), "ghost", "net.none", true)
	s.ErrorIs(err, types.ErrUnknownProtocol)
}

func (s *HostSuite) TestFailingApplicationDoesNotAffectOthers() {
	inner := sandbox.NewFactory()
	s.apps.Release()
	s.factory = types.DomainFactoryFunc(func(ctx context.Context, req types.CreateRequest, events types.DomainEvents) (types.Domain, error) {
		if req.ApplicationID == "app1" {
			return nil, errors.New("application failed to load")
		}
		return inner.CreateDomain(ctx, req, events)
	})
	s.SetupTest()

	_, err := s.host.StartApplication(context.Background(), "app1", types.HostDescriptor{
		VirtualPath: "/app1", PhysicalPath: "/srv/app1", SiteID: "1",
	}, types.CreationParams{})
	s.Require().Error(err)
	s.True(types.IsHostingInitializationError(err))

	d := s.startApp("app2")
	s.True(d.IsLive())
	_, err = s.host.StartAppDomainProtocolListenerChannel(context.Background(), "app2", pipeProtocol, nopCallback{})
	s.NoError(err)
	s.Equal(1, s.apps.Count())
}

func (s *HostSuite) TestShutdownStopsEverythingAndReleasesNative() {
	s.native.refs.Store(3)
	_, err := s.host.StartProcessProtocolListenerChannel(context.Background(), tcpProtocol, nopCallback{})
	s.Require().NoError(err)
	s.startApp("app1")
	_, err = s.host.StartAppDomainProtocolListenerChannel(context.Background(), "app1", pipeProtocol, nopCallback{})
	s.Require().NoError(err)

	s.Require().NoError(s.host.Shutdown(context.Background()))

	s.Equal(int32(3), s.native.calls.Load(), "release is retried until no references remain")
	s.Equal(0, s.host.handlers.Count())
	s.Equal(0, s.apps.Count())
	s.Equal(int64(0), s.apps.ActiveDomains())
	for _, h := range s.handlers {
		s.True(h.Stopped())
	}

	_, err = s.host.StartProcessProtocolListenerChannel(context.Background(), tcpProtocol, nopCallback{})
	s.ErrorIs(err, types.ErrShuttingDown)
	_, err = s.host.StartApplication(context.Background(), "app1", types.HostDescriptor{
		VirtualPath: "/app1", PhysicalPath: "/srv/app1", SiteID: "1",
	}, types.CreationParams{})
	s.ErrorIs(err, types.ErrShuttingDown)

	s.NoError(s.host.Shutdown(context.Background()))
	s.Equal(int32(3), s.native.calls.Load())
}

func (s *HostSuite) TestIdleAndPingDelegate() {
	d := s.startApp("app1")
	s.True(s.host.IsIdle())
	d.(*sandbox.Domain).SetIdle(false)
	s.False(s.host.IsIdle())

	answered := make(chan struct{}, 1)
	s.True(s.host.Ping(types.PingFunc(func() { answered <- struct{}{} })))
	select {
	case <-answered:
	case <-time.After(time.Second):
		s.Fail("ping was not answered")
	}
}
