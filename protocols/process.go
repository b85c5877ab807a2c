package protocols

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/tomyedwab/workerhost/types"
)

// handlerEntry is a registry slot for one process-scoped protocol. It is
// inserted before the handler exists; whoever reaches it first builds the
// handler, everyone else waits on the same sync.Once.
type handlerEntry struct {
	protocolID string
	once       sync.Once
	init       func() (types.ProtocolHandler, error)
	handler    types.ProtocolHandler
	err        error
}

func (e *handlerEntry) get() (types.ProtocolHandler, error) {
	e.once.Do(func() {
		e.handler, e.err = e.init()
	})
	return e.handler, e.err
}

// StartProcessProtocolListenerChannel starts a listener channel on the
// process-wide handler for protocolID, creating the handler on first use.
func (h *Host) StartProcessProtocolListenerChannel(ctx context.Context, protocolID string, cb types.ListenerChannelCallback) (int, error) {
	const op = "StartProcessProtocolListenerChannel"

	if err := validateProtocolRequest(protocolID, cb); err != nil {
		return 0, protocolError(types.KindClient, op, "", protocolID, err)
	}
	if h.shutdown.Load() {
		return 0, protocolError(types.KindClient, op, "", protocolID, types.ErrShuttingDown)
	}

	handler, err := h.processHandler(ctx, op, protocolID)
	if err != nil {
		return 0, err
	}
	id, err := handler.StartListenerChannel(ctx, cb)
	if err != nil {
		return 0, protocolError(types.KindHostingInitialization, op, "", protocolID, err)
	}
	h.logger.Debug("Process listener channel started", "protocol", protocolID, "channelID", id)
	return id, nil
}

// StopProcessProtocolListenerChannel stops one channel on the cached
// handler. A protocol with no handler has nothing to stop.
func (h *Host) StopProcessProtocolListenerChannel(ctx context.Context, protocolID string, channelID int, immediate bool) error {
	const op = "StopProcessProtocolListenerChannel"

	e, ok := h.handlers.Get(protocolID)
	if !ok {
		return nil
	}
	handler, err := e.get()
	if err != nil {
		return nil
	}
	if err := handler.StopListenerChannel(ctx, channelID, immediate); err != nil {
		return protocolError(types.KindClient, op, "", protocolID, err)
	}
	return nil
}

// StopProcessProtocol unregisters the handler for protocolID and then
// stops it. Concurrent callers find it already gone and return nil.
func (h *Host) StopProcessProtocol(ctx context.Context, protocolID string, immediate bool) error {
	e, ok := h.handlers.Pop(protocolID)
	if !ok {
		return nil
	}
	return h.stopEntry(ctx, e, immediate)
}

func (h *Host) stopEntry(ctx context.Context, e *handlerEntry, immediate bool) error {
	const op = "StopProcessProtocol"

	handler, err := e.get()
	if err != nil {
		// Construction failed; there is nothing running.
		return nil
	}
	h.logger.Info("Stopping process protocol handler", "protocol", e.protocolID, "immediate", immediate)
	err = handler.StopProtocol(ctx, immediate)
	h.metrics.HandlerStopped(e.protocolID, types.ScopeProcess)
	if err != nil {
		return protocolError(types.KindClient, op, "", e.protocolID, err)
	}
	return nil
}

// processHandler returns the process handler for protocolID, building it
// exactly once however many callers race for it.
func (h *Host) processHandler(ctx context.Context, op, protocolID string) (types.ProtocolHandler, error) {
	if e, ok := h.handlers.Get(protocolID); ok {
		if handler, err := e.get(); err == nil {
			return handler, nil
		}
	}

	fresh := &handlerEntry{protocolID: protocolID}
	fresh.init = func() (types.ProtocolHandler, error) {
		return h.buildProcessHandler(op, protocolID)
	}
	e := h.handlers.Upsert(protocolID, fresh, func(exists bool, current, candidate *handlerEntry) *handlerEntry {
		if exists {
			return current
		}
		return candidate
	})

	handler, err := e.get()
	if err != nil {
		// Drop the failed slot so a later request can try again, unless
		// someone already replaced it.
		h.handlers.RemoveCb(protocolID, func(_ string, current *handlerEntry, exists bool) bool {
			return exists && current == e
		})
		return nil, err
	}
	return handler, nil
}

func (h *Host) buildProcessHandler(op, protocolID string) (types.ProtocolHandler, error) {
	desc, err := h.resolve(op, "", protocolID, types.ScopeProcess)
	if err != nil {
		return nil, err
	}
	handler, err := construct(desc)
	if err != nil {
		herr := protocolError(types.KindHostingInitialization, op, "", protocolID, err)
		h.sink.ReportHostingError(op, "", herr)
		return nil, herr
	}
	h.metrics.HandlerStarted(protocolID, types.ScopeProcess)
	h.logger.Info("Process protocol handler created", "protocol", protocolID, "type", desc.Name)
	return handler, nil
}

// resolve looks up the handler type for protocolID. An unknown protocol is
// the caller's mistake.
func (h *Host) resolve(op string, appID types.ApplicationID, protocolID string, scope types.Scope) (types.TypeDescriptor, error) {
	desc, err := h.resolver.ResolveHandlerType(protocolID, scope)
	switch {
	case errors.Is(err, types.ErrUnknownProtocol):
		return types.TypeDescriptor{}, protocolError(types.KindClient, op, appID, protocolID, err)
	case err != nil:
		return types.TypeDescriptor{}, protocolError(types.KindHostingInitialization, op, appID, protocolID, err)
	case desc.Name == "":
		return types.TypeDescriptor{}, protocolError(types.KindHostingInitialization, op, appID, protocolID,
			fmt.Errorf("%w: resolver returned an unnamed type", types.ErrInvalidArgument))
	}
	return desc, nil
}

// construct instantiates desc as a protocol handler.
func construct(desc types.TypeDescriptor) (handler types.ProtocolHandler, err error) {
	if desc.New == nil {
		return nil, fmt.Errorf("type %s has no constructor", desc.Name)
	}
	defer func() {
		if r := recover(); r != nil {
			handler, err = nil, fmt.Errorf("constructing %s panicked: %v", desc.Name, r)
		}
	}()
	obj, err := desc.New()
	if err != nil {
		return nil, fmt.Errorf("constructing %s: %w", desc.Name, err)
	}
	handler, ok := obj.(types.ProtocolHandler)
	if !ok {
		return nil, fmt.Errorf("%w: %s is %T", types.ErrNotHandler, desc.Name, obj)
	}
	return handler, nil
}

func validateProtocolRequest(protocolID string, cb types.ListenerChannelCallback) error {
	if protocolID == "" {
		return fmt.Errorf("%w: empty protocol id", types.ErrInvalidArgument)
	}
	if cb == nil {
		return fmt.Errorf("%w: nil listener channel callback", types.ErrInvalidArgument)
	}
	return nil
}

func protocolError(kind types.ErrorKind, op string, appID types.ApplicationID, protocolID string, err error) error {
	var herr *types.Error
	if errors.As(err, &herr) {
		return err
	}
	return &types.Error{Kind: kind, Op: op, ApplicationID: appID, Protocol: protocolID, Err: err}
}
