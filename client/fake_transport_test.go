package client

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/guerillacodester/vehicle-simulator-sub007/envelope"
	"github.com/guerillacodester/vehicle-simulator-sub007/errors"
	"github.com/guerillacodester/vehicle-simulator-sub007/transport"
)

// fakeConn is an in-memory transport.Conn driven by the test.
type fakeConn struct {
	mu   sync.Mutex
	sent []*envelope.Envelope

	sentCh chan *envelope.Envelope
	recv   chan *envelope.Envelope
	done   chan transport.CloseInfo

	closeOnce sync.Once
	sendErr   atomic.Value // stores error
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		sentCh: make(chan *envelope.Envelope, 128),
		recv:   make(chan *envelope.Envelope, 128),
		done:   make(chan transport.CloseInfo, 1),
	}
}

func (c *fakeConn) Send(env *envelope.Envelope) error {
	if err, ok := c.sendErr.Load().(error); ok && err != nil {
		return err
	}
	c.mu.Lock()
	c.sent = append(c.sent, env)
	c.mu.Unlock()
	select {
	case c.sentCh <- env:
	default:
	}
	return nil
}

func (c *fakeConn) Receive() <-chan *envelope.Envelope { return c.recv }
func (c *fakeConn) Done() <-chan transport.CloseInfo   { return c.done }

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() {
		close(c.recv)
		c.done <- transport.CloseInfo{Initiator: transport.InitiatorClient, Err: errors.ErrClientClosed}
	})
	return nil
}

// deliver injects an inbound envelope as if the server sent it.
func (c *fakeConn) deliver(env *envelope.Envelope) {
	c.recv <- env
}

// closeFromServer simulates a clean server-side close.
func (c *fakeConn) closeFromServer() {
	c.closeOnce.Do(func() {
		close(c.recv)
		c.done <- transport.CloseInfo{Initiator: transport.InitiatorServer, Err: errors.ErrServerClosed}
	})
}

// failTransport simulates an abrupt connection failure.
func (c *fakeConn) failTransport(err error) {
	c.closeOnce.Do(func() {
		close(c.recv)
		c.done <- transport.CloseInfo{Initiator: transport.InitiatorTransport, Err: err}
	})
}

// sentEnvelopes returns a snapshot of everything sent on this conn.
func (c *fakeConn) sentEnvelopes() []*envelope.Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*envelope.Envelope(nil), c.sent...)
}

// fakeDialer scripts dial outcomes: the first `failures` dials error,
// later ones return fresh fakeConns. An optional gate blocks dials until
// released, for testing the concurrent-connect guard.
type fakeDialer struct {
	mu       sync.Mutex
	conns    []*fakeConn
	failures int
	dials    atomic.Int32
	gate     chan struct{}
}

func (d *fakeDialer) Dial(ctx context.Context, _ string) (transport.Conn, error) {
	d.dials.Add(1)

	if d.gate != nil {
		select {
		case <-d.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.failures > 0 {
		d.failures--
		return nil, errors.ErrConnectionLost
	}
	conn := newFakeConn()
	d.conns = append(d.conns, conn)
	return conn, nil
}

// conn returns the i-th connection handed out, waiting briefly for it to
// appear.
func (d *fakeDialer) conn(t *testing.T, i int) *fakeConn {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		d.mu.Lock()
		if len(d.conns) > i {
			c := d.conns[i]
			d.mu.Unlock()
			return c
		}
		d.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("connection %d never dialed", i)
	return nil
}

// waitState polls until the manager reaches the given state.
func waitState(t *testing.T, m *Manager, want State) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if m.Status().State == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("manager never reached %s, stuck in %s (%s)",
		want, m.Status().State, m.Status().Message)
}
