package router

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/guerillacodester/vehicle-simulator-sub007/envelope"
)

// connection is one attached WebSocket client. Outbound envelopes flow
// through a buffered queue drained by a single write pump, so a stalled
// consumer backs up only its own queue and never a sender's goroutine.
type connection struct {
	id     string
	room   string
	nsName string
	ws     *websocket.Conn
	logger *slog.Logger

	send      chan *envelope.Envelope
	closed    chan struct{}
	closeOnce sync.Once

	writeTimeout time.Duration
}

func newConnection(id, room, nsName string, ws *websocket.Conn, buffer int, writeTimeout time.Duration, logger *slog.Logger) *connection {
	return &connection{
		id:           id,
		room:         room,
		nsName:       nsName,
		ws:           ws,
		logger:       logger.With("conn_id", id, "namespace", nsName),
		send:         make(chan *envelope.Envelope, buffer),
		closed:       make(chan struct{}),
		writeTimeout: writeTimeout,
	}
}

// enqueue queues an envelope for delivery. Returns false when the
// connection is closed or its queue is full; the caller decides whether
// that is a drop worth counting.
func (c *connection) enqueue(env *envelope.Envelope) bool {
	select {
	case <-c.closed:
		return false
	default:
	}

	select {
	case c.send <- env:
		return true
	default:
		return false
	}
}

// writePump drains the outbound queue onto the socket. It exits when
// the connection closes or a write fails, closing the socket either way.
func (c *connection) writePump() {
	for {
		select {
		case env := <-c.send:
			data, err := json.Marshal(env)
			if err != nil {
				c.logger.Warn("outbound envelope marshal failed", "event", env.Type.String(), "error", err)
				continue
			}
			if c.writeTimeout > 0 {
				_ = c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				c.logger.Debug("write failed, closing connection", "error", err)
				c.close()
				return
			}
		case <-c.closed:
			return
		}
	}
}

// close shuts the connection down exactly once. A best-effort close
// frame is sent before the socket is torn down; the read loop observes
// the closed socket and unregisters the member.
func (c *connection) close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		deadline := time.Now().Add(time.Second)
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		_ = c.ws.Close()
	})
}
