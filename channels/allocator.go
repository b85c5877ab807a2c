package channels

import (
	"errors"
	"fmt"
	"slices"
	"sync"
)

// ErrNoChannelIDs is returned when every id in the range is open.
var ErrNoChannelIDs = errors.New("channel id range exhausted")

// IDAllocator hands out listener channel ids from [minID, maxID]. Fresh ids
// are issued in ascending order; released ids queue up and are reused,
// oldest first, only once the fresh ids have run out.
type IDAllocator struct {
	mu    sync.Mutex
	minID int
	maxID int
	next  int   // lowest id never issued
	free  []int // released ids, in release order
	inUse int
}

// NewIDAllocator creates an allocator for ids in [minID, maxID].
func NewIDAllocator(minID, maxID int) (*IDAllocator, error) {
	if minID < 0 || minID > maxID {
		return nil, fmt.Errorf("channel ids need 0 <= min <= max, got [%d, %d]", minID, maxID)
	}
	return &IDAllocator{minID: minID, maxID: maxID, next: minID}, nil
}

// Allocate returns an id that is not open.
func (a *IDAllocator) Allocate() (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	var id int
	switch {
	case a.next <= a.maxID:
		id = a.next
		a.next++
	case len(a.free) > 0:
		id = a.free[0]
		a.free = a.free[1:]
	default:
		return 0, fmt.Errorf("%w: %d open in [%d, %d]", ErrNoChannelIDs, a.inUse, a.minID, a.maxID)
	}
	a.inUse++
	return id, nil
}

// Release returns id to the allocator. Ids never issued, or already
// released, are ignored.
func (a *IDAllocator) Release(id int) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if id < a.minID || id >= a.next || slices.Contains(a.free, id) {
		return
	}
	a.free = append(a.free, id)
	a.inUse--
}

// InUse returns how many ids are open.
func (a *IDAllocator) InUse() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.inUse
}
