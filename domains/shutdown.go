package domains

import (
	"context"
	"time"

	"github.com/tomyedwab/workerhost/types"
)

// ShutdownApplication asks appID's domain to shut down. The entry leaves the
// table once the domain reports that shutdown has begun. It returns false
// when there is no such domain.
func (m *Manager) ShutdownApplication(appID types.ApplicationID) bool {
	appID = types.NewApplicationID(string(appID))

	m.mu.Lock()
	e, ok := m.domains[appID]
	m.mu.Unlock()
	if !ok {
		return false
	}

	if e.requestShutdown() {
		m.logger.Info("Application shutdown requested", "appID", appID)
	}
	return true
}

// ShutdownAll shuts down every domain and waits for them to finish, bounded
// by the configured shutdown timeout and ctx. It returns true when every
// domain reported completion in time.
func (m *Manager) ShutdownAll(ctx context.Context) bool {
	m.shutdowns.Add(1)
	defer m.shutdowns.Add(-1)

	start := time.Now()

	m.mu.Lock()
	entries := make([]*entry, 0, len(m.domains)+len(m.detached))
	for id, e := range m.domains {
		entries = append(entries, e)
		e.removed.Store(true)
		delete(m.domains, id)
	}
	for e := range m.detached {
		entries = append(entries, e)
		delete(m.detached, e)
	}
	m.mu.Unlock()

	m.logger.Info("Shutting down all domains", "count", len(entries), "active", m.activeDomains.Load())
	for _, e := range entries {
		e.requestShutdown()
	}

	drained := m.waitForDrain(ctx)
	elapsed := time.Since(start)
	m.metrics.ShutdownAllDuration(elapsed, drained)
	if drained {
		m.logger.Info("All domains shut down", "elapsed", elapsed)
	} else {
		m.logger.Warn("Timed out waiting for domains to shut down",
			"elapsed", elapsed, "remaining", m.activeDomains.Load())
	}
	return drained
}

func (m *Manager) waitForDrain(ctx context.Context) bool {
	timer := time.NewTimer(m.shutdownTimeout)
	defer timer.Stop()

	for m.activeDomains.Load() > 0 {
		select {
		case <-m.drained:
		case <-timer.C:
			return false
		case <-ctx.Done():
			return false
		}
	}
	return true
}

// ReduceDomainCount evicts least recently used domains until fewer than
// limit remain, making room for one more. It returns how many were evicted.
func (m *Manager) ReduceDomainCount(limit int) int {
	evicted := 0
	for m.shutdowns.Load() == 0 {
		victim := m.evictOne(limit)
		if victim == nil {
			break
		}
		evicted++
		m.metrics.DomainEvicted(victim.appID)
		m.logger.Info("Evicting least recently used domain", "appID", victim.appID, "limit", limit)
		victim.requestShutdown()
	}
	return evicted
}

// evictOne removes the lowest-scored entry while the table holds at least
// limit entries.
func (m *Manager) evictOne(limit int) *entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.evictOneLocked(limit)
}

func (m *Manager) evictOneLocked(limit int) *entry {
	if len(m.domains) < limit || len(m.domains) == 0 {
		return nil
	}

	var victim *entry
	var victimScore int64
	for _, e := range m.domains {
		score := e.domain.LRUScore()
		if victim == nil || score < victimScore || (score == victimScore && e.appID < victim.appID) {
			victim, victimScore = e, score
		}
	}
	delete(m.domains, victim.appID)
	victim.removed.Store(true)
	return victim
}
