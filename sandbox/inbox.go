package sandbox

import (
	"context"
	"fmt"

	"github.com/tomyedwab/workerhost/types"
)

// Post hands msg to the domain's inbox loop. It blocks until the loop has
// taken the message, the domain shuts down, or ctx is done.
func (d *Domain) Post(ctx context.Context, msg types.Message) error {
	if !d.live.Load() {
		return types.ErrDomainUnloaded
	}
	select {
	case d.inbox <- msg:
		return nil
	case <-d.done:
		return types.ErrDomainUnloaded
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Domain) run() {
	defer close(d.exited)
	for {
		select {
		case <-d.done:
			return
		case msg := <-d.inbox:
			d.handle(msg)
		}
	}
}

func (d *Domain) handle(msg types.Message) {
	d.Touch()
	reply := d.dispatchSafely(msg)
	if msg.Reply == nil {
		return
	}
	select {
	case msg.Reply <- reply:
	default:
		d.logger.Warn("Dropped reply, channel full or unbuffered", "kind", msg.Kind)
	}
}

// dispatchSafely turns a panic in handler code into an error reply and an
// unhandled fault report.
func (d *Domain) dispatchSafely(msg types.Message) (reply types.Reply) {
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("panic handling %s for %s: %v", msg.Kind, msg.Handler.Name, r)
			d.logger.Error("Unhandled fault in domain", "error", err)
			d.events.UnhandledFault(err)
			reply = types.Reply{ChannelID: msg.ChannelID, Found: true, Err: err}
		}
	}()
	return d.dispatch(msg)
}

func (d *Domain) dispatch(msg types.Message) types.Reply {
	switch msg.Kind {
	case types.MessageStartChannel:
		if msg.Callback == nil {
			return types.Reply{Err: fmt.Errorf("%w: nil listener channel callback", types.ErrInvalidArgument)}
		}
		obj, err := d.CreateRegisteredObject(msg.Handler, false)
		if err != nil {
			return types.Reply{Err: err}
		}
		h, err := asHandler(msg.Handler.Name, obj)
		if err != nil {
			return types.Reply{Found: true, Err: err}
		}
		id, err := h.StartListenerChannel(d.ctx, msg.Callback)
		return types.Reply{ChannelID: id, Found: true, Err: err}

	case types.MessageStopChannel:
		obj, ok := d.GetRegisteredObject(msg.Handler.Name)
		if !ok {
			return types.Reply{ChannelID: msg.ChannelID}
		}
		h, err := asHandler(msg.Handler.Name, obj)
		if err != nil {
			return types.Reply{ChannelID: msg.ChannelID, Found: true, Err: err}
		}
		err = h.StopListenerChannel(d.ctx, msg.ChannelID, msg.Immediate)
		return types.Reply{ChannelID: msg.ChannelID, Found: true, Err: err}

	case types.MessageStopProtocol:
		// Unregister first so a concurrent start creates a fresh handler
		// instead of reaching the one being stopped.
		obj, ok := d.removeRegisteredObject(msg.Handler.Name)
		if !ok {
			return types.Reply{}
		}
		h, err := asHandler(msg.Handler.Name, obj)
		if err != nil {
			return types.Reply{Found: true, Err: err}
		}
		return types.Reply{Found: true, Err: h.StopProtocol(d.ctx, msg.Immediate)}

	default:
		return types.Reply{Err: fmt.Errorf("%w: message kind %d", types.ErrInvalidArgument, int(msg.Kind))}
	}
}

func asHandler(name string, obj any) (types.ProtocolHandler, error) {
	h, ok := obj.(types.ProtocolHandler)
	if !ok {
		return nil, fmt.Errorf("%w: %s is %T", types.ErrNotHandler, name, obj)
	}
	return h, nil
}
