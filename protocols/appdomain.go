package protocols

import (
	"context"
	"errors"

	"github.com/tomyedwab/workerhost/types"
)

// StartAppDomainProtocolListenerChannel starts a listener channel on the
// handler for protocolID inside appID's domain. The domain is re-created if
// it was evicted; the handler is created inside it on first use.
func (h *Host) StartAppDomainProtocolListenerChannel(ctx context.Context, appID types.ApplicationID, protocolID string, cb types.ListenerChannelCallback) (int, error) {
	const op = "StartAppDomainProtocolListenerChannel"

	appID = types.NewApplicationID(string(appID))
	if err := types.ValidateApplicationID(appID); err != nil {
		return 0, protocolError(types.KindClient, op, appID, protocolID, err)
	}
	if err := validateProtocolRequest(protocolID, cb); err != nil {
		return 0, protocolError(types.KindClient, op, appID, protocolID, err)
	}
	if h.shutdown.Load() {
		return 0, protocolError(types.KindClient, op, appID, protocolID, types.ErrShuttingDown)
	}

	desc, err := h.resolve(op, appID, protocolID, types.ScopeAppDomain)
	if err != nil {
		return 0, err
	}
	dom, err := h.domainFor(ctx, op, appID, protocolID)
	if err != nil {
		return 0, err
	}

	_, existed := dom.GetRegisteredObject(desc.Name)
	reply, err := h.post(ctx, dom, types.Message{
		Kind:     types.MessageStartChannel,
		Handler:  desc,
		Callback: cb,
	})
	if err != nil {
		herr := protocolError(types.KindHostingInitialization, op, appID, protocolID, err)
		h.sink.ReportHostingError(op, appID, herr)
		return 0, herr
	}
	if !existed {
		h.metrics.HandlerStarted(protocolID, types.ScopeAppDomain)
	}
	h.logger.Debug("Domain listener channel started",
		"appID", appID, "protocol", protocolID, "channelID", reply.ChannelID)
	return reply.ChannelID, nil
}

// StopAppDomainProtocolListenerChannel stops one channel of appID's handler
// for protocolID. A missing domain or handler is not an error.
func (h *Host) StopAppDomainProtocolListenerChannel(ctx context.Context, appID types.ApplicationID, protocolID string, channelID int, immediate bool) error {
	const op = "StopAppDomainProtocolListenerChannel"
	_, err := h.stopInDomain(ctx, op, appID, protocolID, types.Message{
		Kind:      types.MessageStopChannel,
		ChannelID: channelID,
		Immediate: immediate,
	})
	return err
}

// StopAppDomainProtocol unregisters and stops appID's handler for
// protocolID. A missing domain or handler is not an error.
func (h *Host) StopAppDomainProtocol(ctx context.Context, appID types.ApplicationID, protocolID string, immediate bool) error {
	const op = "StopAppDomainProtocol"
	found, err := h.stopInDomain(ctx, op, appID, protocolID, types.Message{
		Kind:      types.MessageStopProtocol,
		Immediate: immediate,
	})
	if found {
		h.metrics.HandlerStopped(protocolID, types.ScopeAppDomain)
		h.logger.Info("Domain protocol handler stopped", "appID", appID, "protocol", protocolID, "immediate", immediate)
	}
	return err
}

func (h *Host) stopInDomain(ctx context.Context, op string, appID types.ApplicationID, protocolID string, msg types.Message) (bool, error) {
	appID = types.NewApplicationID(string(appID))
	if err := types.ValidateApplicationID(appID); err != nil {
		return false, protocolError(types.KindClient, op, appID, protocolID, err)
	}

	desc, err := h.resolve(op, appID, protocolID, types.ScopeAppDomain)
	if err != nil {
		return false, err
	}
	dom, ok := h.apps.Find(appID)
	if !ok {
		return false, nil
	}

	msg.Handler = desc
	reply, err := h.post(ctx, dom, msg)
	if errors.Is(err, types.ErrDomainUnloaded) {
		return false, nil
	}
	if err != nil {
		return reply.Found, protocolError(types.KindClient, op, appID, protocolID, err)
	}
	return reply.Found, nil
}

// domainFor returns appID's live domain, re-creating it from what
// StartApplication recorded when it is gone.
func (h *Host) domainFor(ctx context.Context, op string, appID types.ApplicationID, protocolID string) (types.Domain, error) {
	if dom, ok := h.apps.Find(appID); ok {
		return dom, nil
	}
	app, ok := h.applications.Get(string(appID))
	if !ok {
		return nil, protocolError(types.KindClient, op, appID, protocolID, types.ErrUnknownApplication)
	}
	return h.apps.GetOrCreate(ctx, appID, app.host, app.params)
}

// post sends msg to dom and waits for its reply.
func (h *Host) post(ctx context.Context, dom types.Domain, msg types.Message) (types.Reply, error) {
	replies := make(chan types.Reply, 1)
	msg.Reply = replies
	if err := dom.Post(ctx, msg); err != nil {
		return types.Reply{}, err
	}
	select {
	case reply := <-replies:
		return reply, reply.Err
	case <-ctx.Done():
		return types.Reply{}, ctx.Err()
	}
}
