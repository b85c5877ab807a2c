package channels

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tomyedwab/workerhost/types"
)

type recordingCallback struct {
	mu      sync.Mutex
	started []int
	stopped map[int]error
}

func newRecordingCallback() *recordingCallback {
	return &recordingCallback{stopped: make(map[int]error)}
}

func (c *recordingCallback) ReportStarted(id int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.started = append(c.started, id)
}

func (c *recordingCallback) ReportStopped(id int, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopped[id] = err
}

func (c *recordingCallback) ReportMessageReceived(int) {}

func TestNewIDAllocatorRejectsBadRange(t *testing.T) {
	_, err := NewIDAllocator(5, 1)
	assert.Error(t, err)
	_, err = NewIDAllocator(-1, 1)
	assert.Error(t, err)
}

func TestIDAllocatorExhaustionAndRelease(t *testing.T) {
	a, err := NewIDAllocator(1, 3)
	require.NoError(t, err)

	seen := map[int]bool{}
	for i := 0; i < 3; i++ {
		id, err := a.Allocate()
		require.NoError(t, err)
		assert.False(t, seen[id], "id %d handed out twice", id)
		seen[id] = true
	}
	_, err = a.Allocate()
	assert.ErrorIs(t, err, ErrNoChannelIDs)
	assert.Equal(t, 3, a.InUse())

	a.Release(2)
	a.Release(99) // never issued, ignored
	a.Release(2)  // already released, ignored
	assert.Equal(t, 2, a.InUse())

	id, err := a.Allocate()
	require.NoError(t, err)
	assert.Equal(t, 2, id)
	_, err = a.Allocate()
	assert.ErrorIs(t, err, ErrNoChannelIDs)
}

func TestIDAllocatorPrefersFreshIDs(t *testing.T) {
	a, err := NewIDAllocator(1, 10)
	require.NoError(t, err)

	first, _ := a.Allocate()
	a.Release(first)
	second, _ := a.Allocate()
	assert.Equal(t, 1, first)
	assert.Equal(t, 2, second, "a released id is not reused while fresh ids remain")
}

func TestIDAllocatorReusesReleasedInOrder(t *testing.T) {
	a, err := NewIDAllocator(1, 4)
	require.NoError(t, err)
	for i := 0; i < 4; i++ {
		_, err := a.Allocate()
		require.NoError(t, err)
	}

	a.Release(3)
	a.Release(1)
	id, _ := a.Allocate()
	assert.Equal(t, 3, id)
	id, _ = a.Allocate()
	assert.Equal(t, 1, id)
}

func TestListenerSetOpenClose(t *testing.T) {
	ids, _ := NewIDAllocator(1, 100)
	var stops []bool
	set := NewListenerSet(ids, func(ctx context.Context, ch *Channel, immediate bool) error {
		stops = append(stops, immediate)
		return nil
	})
	cb := newRecordingCallback()

	ch, err := set.Open(cb)
	require.NoError(t, err)
	assert.Equal(t, []int{ch.ID}, cb.started)
	assert.Equal(t, 1, set.Len())

	require.NoError(t, set.Close(context.Background(), ch.ID, false))
	assert.Equal(t, []bool{false}, stops)
	assert.Contains(t, cb.stopped, ch.ID)
	assert.Equal(t, 0, set.Len())
	assert.Equal(t, 0, ids.InUse())

	err = set.Close(context.Background(), ch.ID, false)
	assert.ErrorIs(t, err, ErrUnknownChannel)
}

func TestListenerSetOpenRejectsNilCallback(t *testing.T) {
	ids, _ := NewIDAllocator(1, 2)
	set := NewListenerSet(ids, nil)
	_, err := set.Open(nil)
	assert.ErrorIs(t, err, types.ErrInvalidArgument)
}

func TestListenerSetCloseAll(t *testing.T) {
	ids, _ := NewIDAllocator(1, 100)
	boom := errors.New("boom")
	set := NewListenerSet(ids, func(ctx context.Context, ch *Channel, immediate bool) error {
		assert.True(t, immediate)
		if ch.ID == 2 {
			return boom
		}
		return nil
	})
	cb := newRecordingCallback()
	for i := 0; i < 3; i++ {
		_, err := set.Open(cb)
		require.NoError(t, err)
	}

	err := set.CloseAll(context.Background(), true)
	assert.ErrorIs(t, err, boom)
	assert.Len(t, cb.stopped, 3)
	assert.Equal(t, boom, cb.stopped[2])

	_, err = set.Open(cb)
	assert.ErrorIs(t, err, ErrStopped)
}

func TestBasicHandlerStopProtocolOnce(t *testing.T) {
	calls := 0
	h := NewBasicHandler(func(ctx context.Context, ch *Channel, immediate bool) error {
		calls++
		return nil
	})
	cb := newRecordingCallback()
	id, err := h.StartListenerChannel(context.Background(), cb)
	require.NoError(t, err)
	assert.Equal(t, 1, h.Channels())

	require.NoError(t, h.StopProtocol(context.Background(), true))
	require.NoError(t, h.StopProtocol(context.Background(), true))
	assert.Equal(t, 1, calls)
	assert.True(t, h.Stopped())
	assert.Contains(t, cb.stopped, id)

	_, err = h.StartListenerChannel(context.Background(), cb)
	assert.ErrorIs(t, err, ErrStopped)
}
