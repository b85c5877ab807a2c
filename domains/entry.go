package domains

import (
	"sync/atomic"

	"github.com/tomyedwab/workerhost/types"
)

// entry is the table's record of one domain. It is also the DomainEvents
// handed to that domain, so lifecycle reports route back to the exact
// incarnation that made them.
type entry struct {
	m      *Manager
	appID  types.ApplicationID
	domain types.Domain // set before the entry is inserted

	removed           atomic.Bool
	shutdownRequested atomic.Bool
	completed         atomic.Bool
}

// requestShutdown delivers BeginShutdown at most once.
func (e *entry) requestShutdown() bool {
	if e.domain == nil || !e.shutdownRequested.CompareAndSwap(false, true) {
		return false
	}
	e.domain.BeginShutdown()
	return true
}

// ShutdownInitiated removes the entry from the table. During ShutdownAll the
// table has already been cleared.
func (e *entry) ShutdownInitiated() {
	e.shutdownRequested.Store(true)
	if e.m.shutdowns.Load() > 0 {
		return
	}
	e.m.removeEntry(e)
}

// ShutdownComplete counts the domain out of the active set.
func (e *entry) ShutdownComplete() {
	if !e.completed.CompareAndSwap(false, true) {
		return
	}
	e.m.forgetDetached(e)
	e.m.domainFinished()
}

// UnhandledFault records the fault as the process fatal error.
func (e *entry) UnhandledFault(err error) {
	e.m.RecordFatalError(e.appID, err)
}

var _ types.DomainEvents = (*entry)(nil)
