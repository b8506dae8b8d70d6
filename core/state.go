package core

import (
	"fmt"

	"pkt.systems/piclient/schema"
)

// State is the connection state of a Manager.
type State int

const (
	StateIdle State = iota
	StateTokenWriting
	StateTokenTransferring
	StateCommandConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateTokenWriting:
		return "token-writing"
	case StateTokenTransferring:
		return "token-transferring"
	case StateCommandConnecting:
		return "command-connecting"
	case StateConnected:
		return "connected"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Event drives state transitions.
type Event int

const (
	EventConnect Event = iota
	EventTokenWritten
	EventTokenSent
	EventCommandConnected
	EventFailed
	EventDisconnect
)

func (e Event) String() string {
	switch e {
	case EventConnect:
		return "connect"
	case EventTokenWritten:
		return "token-written"
	case EventTokenSent:
		return "token-sent"
	case EventCommandConnected:
		return "command-connected"
	case EventFailed:
		return "failed"
	case EventDisconnect:
		return "disconnect"
	default:
		return fmt.Sprintf("event(%d)", int(e))
	}
}

// Transition returns the state that follows s on e. Disconnect is accepted in
// every state; failure only while a connect is in progress.
func Transition(s State, e Event) (State, error) {
	switch e {
	case EventDisconnect:
		return StateIdle, nil
	case EventFailed:
		if s != StateIdle && s != StateConnected {
			return StateIdle, nil
		}
	case EventConnect:
		if s == StateIdle {
			return StateTokenWriting, nil
		}
	case EventTokenWritten:
		if s == StateTokenWriting {
			return StateTokenTransferring, nil
		}
	case EventTokenSent:
		if s == StateTokenTransferring {
			return StateCommandConnecting, nil
		}
	case EventCommandConnected:
		if s == StateCommandConnecting {
			return StateConnected, nil
		}
	}
	return s, fmt.Errorf("%w: %s on %s", schema.ErrInvalidTransition, e, s)
}
