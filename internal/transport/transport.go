// Package transport implements the agent-side transport fabric: a
// uniform send/receive/state interface over either a peer-to-peer
// media transport (T1) or a duplex relay socket (T2), per spec §4.8.
package transport

import "context"

// State is the transport's current connection state (spec §3).
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateFailed
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Mode identifies which transport alternative is active.
type Mode int

const (
	ModeP2P Mode = iota
	ModeRelay
)

func (m Mode) String() string {
	if m == ModeP2P {
		return "p2p"
	}
	return "relay"
}

// Transport is the uniform interface both T1 (p2p) and T2 (relay)
// implementations satisfy. Mutations of transport state flow only
// from the agent supervisor that owns the instance.
type Transport interface {
	// Send delivers one opaque message (a complete multiplex frame).
	Send(ctx context.Context, raw []byte) error
	// OnRecv registers the callback invoked for every inbound message.
	// Must be called before the transport starts delivering data.
	OnRecv(func(raw []byte))
	// State reports the current connection state.
	State() State
	// Close tears the transport down. Idempotent.
	Close() error
}
