package transport

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/guerillacodester/vehicle-simulator-sub007/envelope"
	"github.com/guerillacodester/vehicle-simulator-sub007/errors"
)

const (
	writeTimeout = 10 * time.Second
	recvBuffer   = 64
)

// WebSocketDialer dials the router's WebSocket endpoints.
type WebSocketDialer struct {
	dialer *websocket.Dialer
	logger *slog.Logger
}

// NewWebSocketDialer creates a dialer with the given logger. A nil
// logger falls back to slog.Default().
func NewWebSocketDialer(logger *slog.Logger) *WebSocketDialer {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebSocketDialer{
		dialer: &websocket.Dialer{
			HandshakeTimeout: 10 * time.Second,
			ReadBufferSize:   1024,
			WriteBufferSize:  1024,
		},
		logger: logger,
	}
}

// Dial connects to url and starts the read pump. The context bounds the
// handshake only; the returned Conn lives until closed.
func (d *WebSocketDialer) Dial(ctx context.Context, url string) (Conn, error) {
	ws, _, err := d.dialer.DialContext(ctx, url, nil)
	if err != nil {
		if ctx.Err() != nil {
			return nil, errors.WrapTransient(errors.ErrConnectTimeout, "WebSocketDialer", "Dial", "handshake")
		}
		return nil, errors.WrapTransient(err, "WebSocketDialer", "Dial", "handshake")
	}

	conn := &wsConn{
		ws:     ws,
		recv:   make(chan *envelope.Envelope, recvBuffer),
		done:   make(chan CloseInfo, 1),
		logger: d.logger,
	}
	go conn.readPump()
	return conn, nil
}

// wsConn wraps a gorilla connection with a decoded receive channel and a
// single-shot close notification.
type wsConn struct {
	ws     *websocket.Conn
	recv   chan *envelope.Envelope
	done   chan CloseInfo
	logger *slog.Logger

	// The gorilla library does not allow concurrent writers.
	writeMu sync.Mutex

	closeOnce sync.Once
}

// Send marshals the envelope and writes it as a text message.
func (c *wsConn) Send(env *envelope.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return errors.WrapInvalid(err, "wsConn", "Send", "marshal envelope")
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		return errors.WrapTransient(err, "wsConn", "Send", "write message")
	}
	return nil
}

// Receive returns the inbound envelope channel; it is closed when the
// connection ends.
func (c *wsConn) Receive() <-chan *envelope.Envelope {
	return c.recv
}

// Done returns the close-notification channel; it delivers exactly one
// CloseInfo.
func (c *wsConn) Done() <-chan CloseInfo {
	return c.done
}

// Close performs a client-initiated close. The read pump observes the
// closed socket and finishes, but the close reason recorded here wins.
func (c *wsConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		_ = c.ws.SetWriteDeadline(time.Now().Add(time.Second))
		_ = c.ws.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client close"))
		c.writeMu.Unlock()

		err = c.ws.Close()
		c.finish(CloseInfo{Initiator: InitiatorClient, Err: errors.ErrClientClosed})
	})
	return err
}

// finish records the close reason exactly once.
func (c *wsConn) finish(info CloseInfo) {
	select {
	case c.done <- info:
	default:
	}
}

// readPump decodes inbound messages until the socket fails or closes.
// Malformed frames are logged and skipped; they never surface as
// envelopes.
func (c *wsConn) readPump() {
	defer close(c.recv)

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			c.finish(closeInfoFromError(err))
			return
		}

		env, err := envelope.Decode(data)
		if err != nil {
			c.logger.Warn("dropping malformed inbound message", "error", err)
			continue
		}

		select {
		case c.recv <- env:
		default:
			// Receiver stalled; drop rather than block the pump.
			c.logger.Warn("receive buffer full, dropping envelope",
				"envelope_id", env.ID, "event", env.Type.String())
		}
	}
}

// closeInfoFromError classifies a read error into a close reason.
func closeInfoFromError(err error) CloseInfo {
	if websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseServiceRestart) {
		return CloseInfo{Initiator: InitiatorServer, Err: errors.ErrServerClosed}
	}
	return CloseInfo{
		Initiator: InitiatorTransport,
		Err:       errors.WrapTransient(err, "wsConn", "readPump", "read message"),
	}
}
