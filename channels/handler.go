package channels

import (
	"context"
	"sync/atomic"

	"github.com/tomyedwab/workerhost/types"
)

const (
	defaultMinChannelID = 1
	defaultMaxChannelID = 1 << 16
)

// BasicHandler is a ProtocolHandler that only does channel bookkeeping. It
// suits protocols whose transport is driven entirely through the callbacks,
// and serves as the base for richer handlers.
type BasicHandler struct {
	listeners *ListenerSet
	stopped   atomic.Bool
}

// NewBasicHandler creates a handler whose channels are torn down with onStop.
func NewBasicHandler(onStop StopFunc) *BasicHandler {
	ids, _ := NewIDAllocator(defaultMinChannelID, defaultMaxChannelID)
	return &BasicHandler{listeners: NewListenerSet(ids, onStop)}
}

// StartListenerChannel opens a channel for cb.
func (h *BasicHandler) StartListenerChannel(ctx context.Context, cb types.ListenerChannelCallback) (int, error) {
	ch, err := h.listeners.Open(cb)
	if err != nil {
		return 0, err
	}
	return ch.ID, nil
}

// StopListenerChannel stops one channel.
func (h *BasicHandler) StopListenerChannel(ctx context.Context, channelID int, immediate bool) error {
	return h.listeners.Close(ctx, channelID, immediate)
}

// StopProtocol stops every channel. Only the first call does any work.
func (h *BasicHandler) StopProtocol(ctx context.Context, immediate bool) error {
	if !h.stopped.CompareAndSwap(false, true) {
		return nil
	}
	return h.listeners.CloseAll(ctx, immediate)
}

// Channels returns the number of open channels.
func (h *BasicHandler) Channels() int {
	return h.listeners.Len()
}

// Stopped reports whether StopProtocol has been called.
func (h *BasicHandler) Stopped() bool {
	return h.stopped.Load()
}

var _ types.ProtocolHandler = (*BasicHandler)(nil)
