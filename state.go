package pushnet

import "fmt"

// ConnectionState is the lifecycle state of the physical connection.
type ConnectionState int

const (
	// StateDisconnected means there is no transport and no connect attempt in flight.
	StateDisconnected ConnectionState = iota
	// StateConnecting means a transport is being opened and the server handshake is pending.
	StateConnecting
	// StateConnected means pusher:connection_established has been received.
	StateConnected
	// StateDisconnecting means a close was requested and the transport has not yet reported it.
	StateDisconnecting
	// StateReconnecting means the transport dropped and a new attempt is scheduled.
	StateReconnecting

	// StateAll is only valid when binding listeners: it matches every transition.
	StateAll
)

// String returns the string representation of a ConnectionState.
func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	case StateDisconnecting:
		return "DISCONNECTING"
	case StateReconnecting:
		return "RECONNECTING"
	case StateAll:
		return "ALL"
	default:
		return "UNKNOWN"
	}
}

// ConnectionStates lists every concrete state, excluding StateAll.
func ConnectionStates() []ConnectionState {
	return []ConnectionState{StateDisconnected, StateConnecting, StateConnected, StateDisconnecting, StateReconnecting}
}

// ConnectionStateChange records a single transition. Previous and Current always differ.
type ConnectionStateChange struct {
	Previous ConnectionState
	Current  ConnectionState
}

// NewConnectionStateChange builds a transition record. It panics when previous equals
// current: emitting such a record is a programming error in the state machine.
func NewConnectionStateChange(previous, current ConnectionState) ConnectionStateChange {
	if previous == current {
		panic(fmt.Sprintf("pushnet: attempted to create a state change where previous == current (%s)", current))
	}
	return ConnectionStateChange{Previous: previous, Current: current}
}

func (c ConnectionStateChange) String() string {
	return fmt.Sprintf("%s -> %s", c.Previous, c.Current)
}

// ChannelState is the subscription state of a single channel.
type ChannelState int

const (
	ChannelInitial ChannelState = iota
	ChannelSubscribeSent
	ChannelSubscribed
	ChannelUnsubscribed
	// ChannelFailed is entered when authorization for the channel failed.
	ChannelFailed
)

func (s ChannelState) String() string {
	switch s {
	case ChannelInitial:
		return "INITIAL"
	case ChannelSubscribeSent:
		return "SUBSCRIBE_SENT"
	case ChannelSubscribed:
		return "SUBSCRIBED"
	case ChannelUnsubscribed:
		return "UNSUBSCRIBED"
	case ChannelFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}
