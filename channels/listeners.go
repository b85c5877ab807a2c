// Package channels provides building blocks for protocol handlers: listener
// channel id allocation and bookkeeping for the channels a handler owns.
package channels

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/tomyedwab/workerhost/types"
)

var (
	ErrUnknownChannel = errors.New("unknown listener channel")
	ErrStopped        = errors.New("listener set is stopped")
)

// Channel is one open listener channel.
type Channel struct {
	ID       int
	Callback types.ListenerChannelCallback
}

// StopFunc tears down the transport behind a channel. immediate=false
// requests a graceful drain.
type StopFunc func(ctx context.Context, ch *Channel, immediate bool) error

// ListenerSet tracks the channels owned by one protocol handler.
type ListenerSet struct {
	ids    *IDAllocator
	onStop StopFunc

	mu       sync.Mutex
	channels map[int]*Channel
	stopped  bool
}

// NewListenerSet creates a set drawing ids from ids. onStop may be nil.
func NewListenerSet(ids *IDAllocator, onStop StopFunc) *ListenerSet {
	return &ListenerSet{
		ids:      ids,
		onStop:   onStop,
		channels: make(map[int]*Channel),
	}
}

// Open registers a new channel for cb and reports it started.
func (s *ListenerSet) Open(cb types.ListenerChannelCallback) (*Channel, error) {
	if cb == nil {
		return nil, fmt.Errorf("%w: nil listener channel callback", types.ErrInvalidArgument)
	}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil, ErrStopped
	}
	id, err := s.ids.Allocate()
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	ch := &Channel{ID: id, Callback: cb}
	s.channels[id] = ch
	s.mu.Unlock()

	cb.ReportStarted(id)
	return ch, nil
}

// Get returns the open channel with the given id.
func (s *ListenerSet) Get(id int) (*Channel, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.channels[id]
	return ch, ok
}

// Len returns the number of open channels.
func (s *ListenerSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.channels)
}

// Close removes one channel and then stops it.
func (s *ListenerSet) Close(ctx context.Context, id int, immediate bool) error {
	s.mu.Lock()
	ch, ok := s.channels[id]
	if ok {
		delete(s.channels, id)
	}
	s.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownChannel, id)
	}
	return s.stop(ctx, ch, immediate)
}

// CloseAll stops every channel; afterwards Open fails with ErrStopped.
func (s *ListenerSet) CloseAll(ctx context.Context, immediate bool) error {
	s.mu.Lock()
	s.stopped = true
	snapshot := make([]*Channel, 0, len(s.channels))
	for id, ch := range s.channels {
		snapshot = append(snapshot, ch)
		delete(s.channels, id)
	}
	s.mu.Unlock()

	var errs []error
	for _, ch := range snapshot {
		if err := s.stop(ctx, ch, immediate); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *ListenerSet) stop(ctx context.Context, ch *Channel, immediate bool) error {
	var err error
	if s.onStop != nil {
		err = s.onStop(ctx, ch, immediate)
	}
	s.ids.Release(ch.ID)
	ch.Callback.ReportStopped(ch.ID, err)
	return err
}
