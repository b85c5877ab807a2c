package types

// MessageKind identifies what a domain runtime should do with a Message.
type MessageKind int

const (
	// MessageStartChannel creates the handler if needed and starts a channel on it.
	MessageStartChannel MessageKind = iota + 1
	// MessageStopChannel stops one channel on an existing handler.
	MessageStopChannel
	// MessageStopProtocol unregisters the handler and stops it.
	MessageStopProtocol
)

// String returns the string representation of the message kind.
func (k MessageKind) String() string {
	switch k {
	case MessageStartChannel:
		return "StartChannel"
	case MessageStopChannel:
		return "StopChannel"
	case MessageStopProtocol:
		return "StopProtocol"
	default:
		return "Unknown"
	}
}

// Message is posted by the host onto a domain's inbox. The callback travels
// inside the message so the handler running in the domain can call it
// directly.
type Message struct {
	Kind      MessageKind
	Handler   TypeDescriptor
	Callback  ListenerChannelCallback
	ChannelID int
	Immediate bool
	// Reply receives exactly one Reply. It should be buffered.
	Reply chan<- Reply
}

// Reply answers a Message.
type Reply struct {
	ChannelID int
	// Found is false when a stop message found no registered handler.
	Found bool
	Err   error
}
