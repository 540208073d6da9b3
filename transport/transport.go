// Package transport abstracts the client-side connection to the
// namespace router. The connection manager depends only on the Dialer
// and Conn interfaces; the WebSocket implementation lives alongside and
// tests substitute in-memory fakes.
package transport

import (
	"context"

	"github.com/guerillacodester/vehicle-simulator-sub007/envelope"
)

// Initiator identifies which side ended a connection. The connection
// manager's reconnect decision depends on it: a client-initiated close
// never reconnects, a server-initiated close gets one manual attempt,
// anything else goes to the backoff policy.
type Initiator int

const (
	// InitiatorClient means the local side called Close.
	InitiatorClient Initiator = iota
	// InitiatorServer means the remote side closed the connection cleanly.
	InitiatorServer
	// InitiatorTransport means the connection failed (timeout, reset,
	// network error).
	InitiatorTransport
)

// String returns a human-readable initiator name.
func (i Initiator) String() string {
	switch i {
	case InitiatorClient:
		return "client"
	case InitiatorServer:
		return "server"
	case InitiatorTransport:
		return "transport"
	default:
		return "unknown"
	}
}

// CloseInfo describes how a connection ended.
type CloseInfo struct {
	Initiator Initiator
	Err       error
}

// Conn is one established connection. Receive yields decoded inbound
// envelopes until the connection ends; Done delivers exactly one
// CloseInfo when it does. Close tears the connection down as a
// client-initiated close and is safe to call more than once.
type Conn interface {
	Send(env *envelope.Envelope) error
	Receive() <-chan *envelope.Envelope
	Done() <-chan CloseInfo
	Close() error
}

// Dialer establishes connections. Dial blocks until the connection is
// up, the context expires, or the attempt fails.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}
