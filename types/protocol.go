package types

import (
	"context"
)

// Scope selects which registry a protocol handler belongs to.
type Scope int

const (
	// ScopeProcess handlers are shared by the whole worker process.
	ScopeProcess Scope = iota
	// ScopeAppDomain handlers live inside one application's domain.
	ScopeAppDomain
)

// String returns the string representation of the scope.
func (s Scope) String() string {
	switch s {
	case ScopeProcess:
		return "process"
	case ScopeAppDomain:
		return "appdomain"
	default:
		return "unknown"
	}
}

// ParseScope is the inverse of Scope.String.
func ParseScope(s string) (Scope, bool) {
	switch s {
	case "process":
		return ScopeProcess, true
	case "appdomain":
		return ScopeAppDomain, true
	default:
		return 0, false
	}
}

// TypeDescriptor names a constructible type. Name doubles as the
// registered-object key inside a domain.
type TypeDescriptor struct {
	Name string
	New  func() (any, error)
}

// HandlerResolver maps a protocol id to the handler type configured for it.
// An unknown protocol must be reported as ErrUnknownProtocol.
type HandlerResolver interface {
	ResolveHandlerType(protocolID string, scope Scope) (TypeDescriptor, error)
}

// ListenerChannelCallback is the native host's view of one listener channel.
type ListenerChannelCallback interface {
	ReportStarted(channelID int)
	ReportStopped(channelID int, err error)
	ReportMessageReceived(channelID int)
}

// ProtocolHandler owns the listener channels of one protocol. The same
// contract serves process-scoped and domain-scoped handlers.
type ProtocolHandler interface {
	// StartListenerChannel starts a new channel and returns the id it
	// assigned to it.
	StartListenerChannel(ctx context.Context, cb ListenerChannelCallback) (int, error)
	// StopListenerChannel stops one channel. immediate=false asks for a
	// graceful drain.
	StopListenerChannel(ctx context.Context, channelID int, immediate bool) error
	// StopProtocol stops every channel and the handler itself.
	StopProtocol(ctx context.Context, immediate bool) error
}

// NativeHandle is the native counterpart of the process host. Release drops
// one reference and returns the number still held.
type NativeHandle interface {
	Release() int
}
