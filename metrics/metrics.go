// Package metrics defines the measurements recorded by the application
// manager and the process host.
package metrics

import (
	"time"

	"github.com/tomyedwab/workerhost/types"
)

// Collector defines the interface for collecting hosting metrics
type Collector interface {
	// DomainCreated records a domain added to the table
	DomainCreated(appID types.ApplicationID)

	// DomainCreateFailed records a failed domain creation
	DomainCreateFailed(appID types.ApplicationID)

	// DomainEvicted records a capacity eviction
	DomainEvicted(appID types.ApplicationID)

	// ActiveDomains records the number of domains not yet fully torn down
	ActiveDomains(n int64)

	// ShutdownAllDuration records how long a bulk shutdown waited
	ShutdownAllDuration(d time.Duration, drained bool)

	// PingDropped records a ping refused because another was pending
	PingDropped()

	// HandlerStarted records a protocol handler instantiation
	HandlerStarted(protocolID string, scope types.Scope)

	// HandlerStopped records a protocol handler teardown
	HandlerStopped(protocolID string, scope types.Scope)
}

// noopCollector is a no-op implementation of Collector
type noopCollector struct{}

func (n *noopCollector) DomainCreated(types.ApplicationID)                  {}
func (n *noopCollector) DomainCreateFailed(types.ApplicationID)             {}
func (n *noopCollector) DomainEvicted(types.ApplicationID)                  {}
func (n *noopCollector) ActiveDomains(int64)                                {}
func (n *noopCollector) ShutdownAllDuration(time.Duration, bool)            {}
func (n *noopCollector) PingDropped()                                       {}
func (n *noopCollector) HandlerStarted(protocolID string, scope types.Scope) {}
func (n *noopCollector) HandlerStopped(protocolID string, scope types.Scope) {}

// NewNoopCollector creates a no-op metrics collector
func NewNoopCollector() Collector {
	return &noopCollector{}
}
