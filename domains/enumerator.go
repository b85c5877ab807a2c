package domains

import "github.com/tomyedwab/workerhost/types"

// Enumerator walks a snapshot of the table taken when it was created.
// Domains created or removed afterwards are not reflected.
type Enumerator struct {
	domains []types.Domain
	pos     int
}

// Domains returns an enumerator over the current domains, in application
// id order.
func (m *Manager) Domains() *Enumerator {
	return &Enumerator{domains: m.snapshot(), pos: -1}
}

// MoveNext advances to the next domain.
func (it *Enumerator) MoveNext() bool {
	if it.pos+1 >= len(it.domains) {
		it.pos = len(it.domains)
		return false
	}
	it.pos++
	return true
}

// Current returns the domain at the current position, or nil before the
// first MoveNext and after the last.
func (it *Enumerator) Current() types.Domain {
	if it.pos < 0 || it.pos >= len(it.domains) {
		return nil
	}
	return it.domains[it.pos]
}

// Count returns the size of the snapshot.
func (it *Enumerator) Count() int {
	return len(it.domains)
}

// Reset rewinds to before the first domain.
func (it *Enumerator) Reset() {
	it.pos = -1
}
