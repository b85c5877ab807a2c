package types

import (
	"context"
)

// HostDescriptor describes where an application lives. It is supplied by the
// native host when an application is started.
type HostDescriptor struct {
	VirtualPath  string `validate:"required,startswith=/"`
	PhysicalPath string `validate:"required"`
	SiteID       string `validate:"required"`
}

// CreationParams carries per-domain settings handed to the domain factory.
type CreationParams struct {
	Settings map[string]string
	Module   []byte // Compiled application module, used by wasm-backed factories.
}

// DomainInfo is a point-in-time view of a domain.
type DomainInfo struct {
	ID            string // Incarnation id, unique per created domain.
	ApplicationID ApplicationID
	VirtualPath   string
	PhysicalPath  string
	SiteID        string
	Idle          bool
}

// CreateRequest bundles everything a DomainFactory needs to build a domain.
type CreateRequest struct {
	ApplicationID ApplicationID
	Host          HostDescriptor
	Params        CreationParams
	Generation    int64 // Process-wide creation counter value for this domain.
}

// DomainEvents is handed to each domain at creation. The domain reports its
// own lifecycle through it; every method may be called from any goroutine.
type DomainEvents interface {
	// ShutdownInitiated is reported once the domain has started shutting
	// down, whether asked to or on its own.
	ShutdownInitiated()
	// ShutdownComplete is reported when the domain has fully torn down.
	ShutdownComplete()
	// UnhandledFault reports a fault that escaped the domain's own code.
	UnhandledFault(err error)
}

// Domain is one isolated execution domain hosting a single application.
type Domain interface {
	// IsLive reports whether the domain is still usable. A domain may be
	// unloaded asynchronously at any time.
	IsLive() bool
	// GetRegisteredObject returns the singleton registered under typeName.
	GetRegisteredObject(typeName string) (any, bool)
	// CreateRegisteredObject instantiates and registers desc. If an instance
	// already exists it is returned, unless failIfExists is set, in which
	// case ErrObjectExists is returned.
	CreateRegisteredObject(desc TypeDescriptor, failIfExists bool) (any, error)
	// BeginShutdown asks the domain to start shutting down. Repeated calls
	// are ignored.
	BeginShutdown()
	// Info returns the domain's identity and idle state.
	Info() DomainInfo
	// LRUScore is a recency-of-use signal; lower means used less recently.
	LRUScore() int64
	// Touch records a use of the domain, raising its LRUScore.
	Touch()
	// Post enqueues a message onto the domain runtime's inbox. Replies, if
	// any, arrive on the message's Reply channel.
	Post(ctx context.Context, msg Message) error
}

// DomainFactory creates domains.
type DomainFactory interface {
	CreateDomain(ctx context.Context, req CreateRequest, events DomainEvents) (Domain, error)
}

// DomainFactoryFunc adapts a function to DomainFactory.
type DomainFactoryFunc func(ctx context.Context, req CreateRequest, events DomainEvents) (Domain, error)

// CreateDomain calls f.
func (f DomainFactoryFunc) CreateDomain(ctx context.Context, req CreateRequest, events DomainEvents) (Domain, error) {
	return f(ctx, req, events)
}

// PingCallback receives the answer to an idle/health ping.
type PingCallback interface {
	Respond()
}

// PingFunc adapts a function to PingCallback.
type PingFunc func()

// Respond calls f.
func (f PingFunc) Respond() { f() }
