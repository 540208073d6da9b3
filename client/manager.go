// Package client implements the client-side connection manager: a state
// machine orchestrating connect, disconnect and reconnect over an
// injected transport, with an application-level heartbeat for half-open
// detection and an event bus for local dispatch.
//
// Control plane traffic (heartbeats, acks, announcements) is consumed
// inside the manager; everything else is forwarded to the event bus as
// the data plane.
package client

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/guerillacodester/vehicle-simulator-sub007/backoff"
	"github.com/guerillacodester/vehicle-simulator-sub007/envelope"
	"github.com/guerillacodester/vehicle-simulator-sub007/errors"
	"github.com/guerillacodester/vehicle-simulator-sub007/eventbus"
	"github.com/guerillacodester/vehicle-simulator-sub007/heartbeat"
	"github.com/guerillacodester/vehicle-simulator-sub007/transport"
)

// DefaultConnectTimeout bounds a single dial attempt.
const DefaultConnectTimeout = 10 * time.Second

// Config holds connection manager settings.
type Config struct {
	URL            string           // Router endpoint, e.g. ws://host:8080/ns/vehicles
	Source         string           // Identifier stamped on outbound envelopes
	ConnectTimeout time.Duration    // Per-dial timeout (default 10s)
	Heartbeat      heartbeat.Config // Liveness probe settings
}

// Validate rejects configurations the manager cannot run with.
func (c Config) Validate() error {
	if c.URL == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "client.Config", "Validate", "URL required")
	}
	if c.Source == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "client.Config", "Validate", "Source required")
	}
	if c.ConnectTimeout < 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "client.Config", "Validate", "ConnectTimeout cannot be negative")
	}
	return nil
}

// StatusHandler observes connection state transitions.
type StatusHandler func(Status)

// Manager owns one logical connection. All state (state enum, counters,
// timers) is mutated only through the public API; asynchronous events
// from stale connections are discarded via a generation counter so an
// old socket's close notification can never disturb its successor.
type Manager struct {
	cfg    Config
	dialer transport.Dialer
	policy backoff.Policy
	bus    *eventbus.Bus
	logger *slog.Logger

	mu                sync.Mutex
	state             State
	message           string
	conn              transport.Conn
	monitor           *heartbeat.Monitor
	lastConnectedAt   time.Time
	reconnectAttempts int
	gen               uint64
	reconnectTimer    *time.Timer
	dialCancel        context.CancelFunc
	observers         map[uint64]StatusHandler
	nextObserver      uint64
	notifyQueue       []notification
	notifying         bool
}

// notification pairs a committed status with the observers registered
// at commit time.
type notification struct {
	status   Status
	handlers []StatusHandler
}

// New creates a connection manager. A nil dialer gets the WebSocket
// implementation, a nil policy gets default exponential backoff, a nil
// logger gets slog.Default().
func New(cfg Config, dialer transport.Dialer, policy backoff.Policy, logger *slog.Logger) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	if dialer == nil {
		dialer = transport.NewWebSocketDialer(logger)
	}
	if policy == nil {
		var err error
		policy, err = backoff.NewExponential(backoff.DefaultConfig())
		if err != nil {
			return nil, err
		}
	}

	return &Manager{
		cfg:       cfg,
		dialer:    dialer,
		policy:    policy,
		bus:       eventbus.New(logger),
		logger:    logger.With("component", "client.Manager", "source", cfg.Source),
		state:     StateDisconnected,
		message:   "not connected",
		observers: map[uint64]StatusHandler{},
	}, nil
}

// Connect establishes the connection. It is a no-op when already
// connected and rejects a second concurrent attempt while one is in
// flight. It returns once the transport is up, the connect timeout
// expires, or the dial fails; a retryable failure also arms the
// reconnect schedule so recovery continues in the background.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	switch m.state {
	case StateConnected:
		m.mu.Unlock()
		return nil
	case StateConnecting:
		m.mu.Unlock()
		return errors.WrapInvalid(errors.ErrConnectInProgress, "Manager", "Connect", "concurrent connect")
	case StateReconnecting:
		// An explicit Connect during backoff short-circuits the timer.
		m.mu.Unlock()
		m.NotifyOnline()
		return nil
	}

	m.gen++
	gen := m.gen
	m.setStateLocked(StateConnecting, "connecting")
	dialCtx, cancel := context.WithTimeout(ctx, m.cfg.ConnectTimeout)
	m.dialCancel = cancel
	m.mu.Unlock()

	conn, err := m.dialer.Dial(dialCtx, m.cfg.URL)
	cancel()

	m.mu.Lock()
	m.dialCancel = nil
	if gen != m.gen {
		// Disconnect raced the dial; discard the late connection.
		m.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
		return errors.WrapInvalid(errors.ErrClientClosed, "Manager", "Connect", "cancelled by disconnect")
	}

	if err != nil {
		wrapped := errors.WrapTransient(err, "Manager", "Connect", "dial transport")
		if m.policy.ShouldReconnect(err) {
			m.scheduleReconnectLocked(gen)
		} else {
			m.setStateLocked(StateError, fmt.Sprintf("connect failed: %v", err))
		}
		m.mu.Unlock()
		return wrapped
	}

	m.becomeConnectedLocked(conn, gen)
	m.mu.Unlock()
	return nil
}

// Disconnect forces the Disconnected state immediately: it cancels any
// in-flight dial, pending reconnect timer and heartbeat timers, and
// suppresses all further auto-reconnect. Socket teardown completes
// asynchronously; the manager's state is final before return.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.gen++ // invalidate every outstanding async event
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
		m.reconnectTimer = nil
	}
	if m.dialCancel != nil {
		m.dialCancel()
		m.dialCancel = nil
	}
	monitor := m.monitor
	conn := m.conn
	m.monitor = nil
	m.conn = nil
	m.reconnectAttempts = 0
	m.setStateLocked(StateDisconnected, "disconnected by client")
	m.mu.Unlock()

	if monitor != nil {
		monitor.Stop()
	}
	if conn != nil {
		// Fire-and-forget close; the generation bump already detached it.
		go func() { _ = conn.Close() }()
	}
}

// Emit publishes a domain event through the connection. Callers run in
// fire-and-forget contexts: when not connected the envelope is logged
// and dropped, never an error.
func (m *Manager) Emit(eventType envelope.EventType, data any) {
	m.mu.Lock()
	conn := m.conn
	state := m.state
	m.mu.Unlock()

	if state != StateConnected || conn == nil {
		m.logger.Debug("emit dropped, not connected",
			"event", eventType.String(), "state", state.String())
		return
	}

	env, err := envelope.New(eventType, data, m.cfg.Source)
	if err != nil {
		m.logger.Warn("emit dropped, envelope rejected", "event", eventType.String(), "error", err)
		return
	}
	if err := conn.Send(env); err != nil {
		m.logger.Warn("emit dropped, send failed", "event", eventType.String(), "error", err)
	}
}

// On subscribes a handler to a data-plane event type and returns its
// unsubscribe function.
func (m *Manager) On(eventType envelope.EventType, handler eventbus.Handler) func() {
	return m.bus.Subscribe(eventType, handler)
}

// Off removes every handler subscribed to the event type.
func (m *Manager) Off(eventType envelope.EventType) {
	m.bus.Unsubscribe(eventType)
}

// Status returns a snapshot of the connection state.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.statusLocked()
}

func (m *Manager) statusLocked() Status {
	missed := 0
	if m.monitor != nil {
		missed = m.monitor.Missed()
	}
	return Status{
		State:             m.state,
		Message:           m.message,
		LastConnectedAt:   m.lastConnectedAt,
		ReconnectAttempts: m.reconnectAttempts,
		MissedHeartbeats:  missed,
	}
}

// OnConnectionChange registers a status observer. The handler is invoked
// immediately with the current status, so no initial transition can be
// missed, and then on every subsequent transition. The returned function
// removes the observer.
func (m *Manager) OnConnectionChange(handler StatusHandler) func() {
	if handler == nil {
		return func() {}
	}

	m.mu.Lock()
	m.nextObserver++
	id := m.nextObserver
	m.observers[id] = handler
	current := m.statusLocked()
	m.mu.Unlock()

	handler(current)

	return func() {
		m.mu.Lock()
		delete(m.observers, id)
		m.mu.Unlock()
	}
}

// NotifyOnline is the environment connectivity hook: when the host
// signals resumed connectivity (network online, wake from sleep) a
// pending backoff timer is short-circuited and the reconnect attempt
// runs immediately.
func (m *Manager) NotifyOnline() {
	m.mu.Lock()
	if m.state != StateReconnecting || m.reconnectTimer == nil {
		m.mu.Unlock()
		return
	}
	if !m.reconnectTimer.Stop() {
		// Timer already fired; its attempt is running.
		m.mu.Unlock()
		return
	}
	m.reconnectTimer = nil
	gen := m.gen
	m.mu.Unlock()

	go m.attemptReconnect(gen)
}

// setStateLocked records a transition and queues observer
// notifications. A single notifier goroutine drains the queue, so
// observers see transitions in commit order; callbacks run without the
// manager lock and may call back into the manager.
func (m *Manager) setStateLocked(state State, message string) {
	m.state = state
	m.message = message

	if len(m.observers) > 0 {
		status := m.statusLocked()
		handlers := make([]StatusHandler, 0, len(m.observers))
		for _, h := range m.observers {
			handlers = append(handlers, h)
		}
		m.notifyQueue = append(m.notifyQueue, notification{status: status, handlers: handlers})
		if !m.notifying {
			m.notifying = true
			go m.notifyLoop()
		}
	}

	m.logger.Debug("connection state changed", "state", state.String(), "message", message)
}

// notifyLoop delivers queued notifications one at a time until the
// queue runs dry.
func (m *Manager) notifyLoop() {
	for {
		m.mu.Lock()
		if len(m.notifyQueue) == 0 {
			m.notifying = false
			m.mu.Unlock()
			return
		}
		next := m.notifyQueue[0]
		m.notifyQueue = m.notifyQueue[1:]
		m.mu.Unlock()

		for _, h := range next.handlers {
			h(next.status)
		}
	}
}

// becomeConnectedLocked installs an established connection: resets the
// attempt counters, starts the heartbeat monitor and the read loop.
func (m *Manager) becomeConnectedLocked(conn transport.Conn, gen uint64) {
	m.conn = conn
	m.lastConnectedAt = time.Now()
	m.reconnectAttempts = 0
	m.policy.Reset()

	m.monitor = heartbeat.NewMonitor(m.cfg.Heartbeat,
		func(nonce string) error {
			return conn.Send(envelope.NewHeartbeat(m.cfg.Source, nonce))
		},
		func(missed int) { m.forceReconnect(gen, missed) },
		m.logger,
	)
	m.monitor.Start()
	m.setStateLocked(StateConnected, "connected")

	go m.readLoop(conn, gen)
}

// readLoop consumes inbound envelopes until the connection ends, then
// routes the close reason to the reconnect decision.
func (m *Manager) readLoop(conn transport.Conn, gen uint64) {
	for env := range conn.Receive() {
		if env.Type.IsSystem() {
			m.handleControl(conn, env)
			continue
		}
		m.bus.Publish(env)
	}

	info := <-conn.Done()
	m.handleDisconnect(info, gen)
}

// handleControl processes control-plane envelopes inside the manager so
// they never trigger business handlers.
func (m *Manager) handleControl(conn transport.Conn, env *envelope.Envelope) {
	switch env.Type {
	case envelope.EventHeartbeat:
		// The remote end probes us; answer immediately with its nonce.
		if err := conn.Send(envelope.NewHeartbeatAck(m.cfg.Source, env.CorrelationID)); err != nil {
			m.logger.Warn("heartbeat ack send failed", "error", err)
		}
	case envelope.EventHeartbeatAck:
		m.mu.Lock()
		monitor := m.monitor
		m.mu.Unlock()
		if monitor != nil {
			monitor.Ack(env.CorrelationID)
		}
	default:
		// Announces and health responses are observability traffic;
		// nothing to do on the client side.
	}
}

// handleDisconnect decides what happens after a connection ends, based
// on who initiated the close.
func (m *Manager) handleDisconnect(info transport.CloseInfo, gen uint64) {
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return
	}

	monitor := m.monitor
	m.monitor = nil
	m.conn = nil

	switch info.Initiator {
	case transport.InitiatorClient:
		// Intentional teardown; Disconnect already set the final state.
		m.mu.Unlock()

	case transport.InitiatorServer:
		// One explicit manual reconnect attempt, no retry loop.
		m.gen++
		newGen := m.gen
		m.reconnectAttempts++
		m.setStateLocked(StateReconnecting,
			fmt.Sprintf("server closed connection, reconnecting (attempt %d)", m.reconnectAttempts))
		m.mu.Unlock()
		go m.manualReconnect(newGen)

	default:
		if !m.policy.ShouldReconnect(info.Err) {
			m.setStateLocked(StateError, fmt.Sprintf("connection lost: %v", info.Err))
			m.mu.Unlock()
		} else {
			m.gen++
			newGen := m.gen
			m.scheduleReconnectLocked(newGen)
			m.mu.Unlock()
		}
	}

	if monitor != nil {
		monitor.Stop()
	}
}

// forceReconnect is the heartbeat escalation path: the transport looks
// healthy but the application layer is not responding, so close the
// socket and dial fresh instead of waiting for transport failure
// detection.
func (m *Manager) forceReconnect(gen uint64, missed int) {
	m.mu.Lock()
	if gen != m.gen || m.state != StateConnected {
		m.mu.Unlock()
		return
	}

	m.gen++
	newGen := m.gen
	monitor := m.monitor
	conn := m.conn
	m.monitor = nil
	m.conn = nil
	m.reconnectAttempts++
	m.setStateLocked(StateReconnecting,
		fmt.Sprintf("missed %d heartbeat ack(s), reconnecting (attempt %d)", missed, m.reconnectAttempts))
	m.mu.Unlock()

	if monitor != nil {
		monitor.Stop()
	}
	if conn != nil {
		_ = conn.Close()
	}

	go m.attemptReconnect(newGen)
}

// manualReconnect performs the single attempt granted after a
// server-initiated close. Failure settles in Error; no retry loop.
func (m *Manager) manualReconnect(gen uint64) {
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.ConnectTimeout)
	conn, err := m.dialer.Dial(ctx, m.cfg.URL)
	cancel()

	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.gen {
		if conn != nil {
			go func() { _ = conn.Close() }()
		}
		return
	}

	if err != nil {
		m.setStateLocked(StateError, fmt.Sprintf("manual reconnect failed: %v", err))
		return
	}
	m.becomeConnectedLocked(conn, gen)
}

// scheduleReconnectLocked arms the backoff timer for the next attempt,
// or settles in Error once the policy says stop. The attempt is counted
// here, when it is committed, so each dial is counted exactly once.
func (m *Manager) scheduleReconnectLocked(gen uint64) {
	attempt := m.reconnectAttempts + 1
	delay, ok := m.policy.Delay(attempt)
	if !ok {
		m.setStateLocked(StateError, "maximum reconnect attempts exceeded")
		return
	}

	m.reconnectAttempts = attempt
	m.setStateLocked(StateReconnecting,
		fmt.Sprintf("reconnecting in %s (attempt %d)", delay.Round(time.Millisecond), attempt))
	m.reconnectTimer = time.AfterFunc(delay, func() {
		m.mu.Lock()
		m.reconnectTimer = nil
		m.mu.Unlock()
		m.attemptReconnect(gen)
	})
}

// attemptReconnect runs one dial in the reconnect loop. The caller has
// already counted the attempt, either when arming the timer or when
// forcing the reconnect.
func (m *Manager) attemptReconnect(gen uint64) {
	m.mu.Lock()
	if gen != m.gen || m.state != StateReconnecting {
		m.mu.Unlock()
		return
	}
	attempt := m.reconnectAttempts
	m.mu.Unlock()

	m.logger.Info("reconnect attempt", "attempt", attempt)

	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.ConnectTimeout)
	conn, err := m.dialer.Dial(ctx, m.cfg.URL)
	cancel()

	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.gen {
		if conn != nil {
			go func() { _ = conn.Close() }()
		}
		return
	}

	if err != nil {
		if m.policy.ShouldReconnect(err) {
			m.scheduleReconnectLocked(gen)
		} else {
			m.setStateLocked(StateError, fmt.Sprintf("reconnect failed: %v", err))
		}
		return
	}

	m.becomeConnectedLocked(conn, gen)
}
