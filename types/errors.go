package types

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidArgument    = errors.New("invalid argument")
	ErrUnknownProtocol    = errors.New("unknown protocol")
	ErrUnknownApplication = errors.New("unknown application")
	ErrShuttingDown       = errors.New("host is shutting down")
	ErrDomainUnloaded     = errors.New("domain was unloaded")
	ErrObjectExists       = errors.New("registered object already exists")
	ErrNotHandler         = errors.New("type does not implement ProtocolHandler")
)

// ErrorKind classifies errors by who is expected to act on them.
type ErrorKind int

const (
	// KindClient errors are the caller's fault and never affect other domains.
	KindClient ErrorKind = iota + 1
	// KindHostingInitialization errors occur while building a domain or
	// handler. They are reported to the error sink before being returned.
	KindHostingInitialization
)

// String returns the string representation of the error kind.
func (k ErrorKind) String() string {
	switch k {
	case KindClient:
		return "client"
	case KindHostingInitialization:
		return "hosting-initialization"
	default:
		return "unknown"
	}
}

// Error is a structured hosting error.
type Error struct {
	Kind          ErrorKind
	Op            string
	ApplicationID ApplicationID
	Protocol      string
	Err           error
}

// Error implements the error interface
func (e *Error) Error() string {
	msg := e.Op
	if e.ApplicationID != "" {
		msg += " " + string(e.ApplicationID)
	}
	if e.Protocol != "" {
		msg += " protocol=" + e.Protocol
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

// Unwrap returns the underlying cause
func (e *Error) Unwrap() error {
	return e.Err
}

// NewClientError wraps err as a client error.
func NewClientError(op string, appID ApplicationID, err error) *Error {
	return &Error{Kind: KindClient, Op: op, ApplicationID: appID, Err: err}
}

// NewHostingError wraps err as a hosting-initialization error.
func NewHostingError(op string, appID ApplicationID, err error) *Error {
	return &Error{Kind: KindHostingInitialization, Op: op, ApplicationID: appID, Err: err}
}

// IsClientError reports whether err is, or wraps, a client error.
func IsClientError(err error) bool {
	var herr *Error
	return errors.As(err, &herr) && herr.Kind == KindClient
}

// IsHostingInitializationError reports whether err is, or wraps, a
// hosting-initialization error.
func IsHostingInitializationError(err error) bool {
	var herr *Error
	return errors.As(err, &herr) && herr.Kind == KindHostingInitialization
}
