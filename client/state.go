package client

import "time"

// State is the connection lifecycle state, owned exclusively by the
// Manager. External code observes it through Status and
// OnConnectionChange and never mutates it directly.
type State int

const (
	// StateDisconnected is the initial state and the result of an
	// explicit Disconnect.
	StateDisconnected State = iota
	// StateConnecting means a dial is in flight.
	StateConnecting
	// StateConnected means the transport is up and heartbeats are
	// running.
	StateConnected
	// StateReconnecting means the connection was lost and recovery is
	// in progress or scheduled.
	StateReconnecting
	// StateError means recovery was abandoned (retries exhausted or a
	// non-retryable failure). Only an explicit Connect leaves it.
	StateError
)

// String returns the lowercase state name.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Status is a point-in-time snapshot of the connection.
type Status struct {
	State             State
	Message           string
	LastConnectedAt   time.Time
	ReconnectAttempts int
	MissedHeartbeats  int
}
