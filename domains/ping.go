package domains

import (
	"fmt"
	"time"

	"github.com/tomyedwab/workerhost/types"
)

type pingSlot struct {
	cb types.PingCallback
}

// Ping schedules cb to be answered from a background worker. Only one ping
// may be pending; Ping returns false when another is still outstanding.
func (m *Manager) Ping(cb types.PingCallback) bool {
	if cb == nil {
		return false
	}
	slot := &pingSlot{cb: cb}
	if !m.pendingPing.CompareAndSwap(nil, slot) {
		m.metrics.PingDropped()
		return false
	}
	if err := m.submit(func() { m.answerPing(slot) }); err != nil {
		m.logger.Warn("Worker pool unavailable, answering ping inline", "error", err)
		m.answerPing(slot)
	}
	return true
}

func (m *Manager) answerPing(slot *pingSlot) {
	if !m.pendingPing.CompareAndSwap(slot, nil) {
		return
	}
	slot.cb.Respond()
}

type fatalRecord struct {
	appID types.ApplicationID
	err   error
	at    time.Time
}

// RecordFatalError stores the first unhandled fault of the process. Later
// faults are ignored. It reports whether err was the one recorded.
func (m *Manager) RecordFatalError(appID types.ApplicationID, err error) bool {
	if err == nil {
		return false
	}
	rec := &fatalRecord{appID: appID, err: err, at: time.Now()}
	if !m.fatal.CompareAndSwap(nil, rec) {
		m.logger.Debug("Ignoring fault after first fatal error", "appID", appID, "error", err)
		return false
	}
	m.sink.ReportFatalError(appID, err)
	return true
}

// FatalError returns the recorded fatal error, or nil.
func (m *Manager) FatalError() error {
	rec := m.fatal.Load()
	if rec == nil {
		return nil
	}
	return fmt.Errorf("fatal fault in %s at %s: %w", rec.appID, rec.at.Format(time.RFC3339), rec.err)
}
