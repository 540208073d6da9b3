// Package heartbeat implements the application-level liveness probe for
// long-lived connections. Transport keepalive can silently fail through
// NAT timeouts and proxies; this monitor detects connections that are
// structurally open but unresponsive at the application layer.
package heartbeat

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultInterval is the probe period when none is configured.
const DefaultInterval = 3 * time.Second

// maxAckTimeout caps the default ack-timeout window.
const maxAckTimeout = 4 * time.Second

// ackMargin is subtracted from the interval so a timeout always fires
// before the next probe is due.
const ackMargin = 100 * time.Millisecond

// DefaultAckTimeout derives the ack-timeout window from the probe
// interval: min(interval - 100ms, 4s), floored at half the interval for
// very short test intervals.
func DefaultAckTimeout(interval time.Duration) time.Duration {
	timeout := interval - ackMargin
	if timeout > maxAckTimeout {
		timeout = maxAckTimeout
	}
	if timeout <= 0 {
		timeout = interval / 2
	}
	return timeout
}

// Config holds heartbeat monitor settings.
type Config struct {
	Interval      time.Duration // Probe period (default 3s)
	AckTimeout    time.Duration // Per-probe ack window (default min(Interval-100ms, 4s))
	MissThreshold int           // Consecutive misses before escalation (default 1)
}

// withDefaults fills zero-value fields.
func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.AckTimeout <= 0 {
		c.AckTimeout = DefaultAckTimeout(c.Interval)
	}
	if c.MissThreshold <= 0 {
		c.MissThreshold = 1
	}
	return c
}

// SendFunc emits a heartbeat probe carrying the given nonce. Returning
// an error counts the round as missed immediately.
type SendFunc func(nonce string) error

// MissFunc is the escalation callback, invoked exactly once per monitor
// run when the consecutive-miss count reaches the threshold. The owning
// connection manager uses it to force a hard reconnect.
type MissFunc func(missed int)

// Monitor probes liveness on a fixed interval, independent of payload
// traffic. Each probe carries a nonce and arms a per-nonce ack timer;
// acks are matched by nonce so out-of-order delivery still resolves
// correctly. Start and Stop are idempotent, and Stop cancels every
// pending ack timer so no callback fires after teardown.
type Monitor struct {
	cfg    Config
	send   SendFunc
	onMiss MissFunc
	logger *slog.Logger

	nonceSeq atomic.Uint64

	mu        sync.Mutex
	running   bool
	escalated bool
	missed    int
	pending   map[string]*time.Timer
	stop      chan struct{}
	wg        sync.WaitGroup
}

// NewMonitor creates a heartbeat monitor. send must be non-nil; onMiss
// and logger may be nil.
func NewMonitor(cfg Config, send SendFunc, onMiss MissFunc, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		cfg:     cfg.withDefaults(),
		send:    send,
		onMiss:  onMiss,
		logger:  logger,
		pending: make(map[string]*time.Timer),
	}
}

// Interval returns the configured probe period.
func (m *Monitor) Interval() time.Duration { return m.cfg.Interval }

// Missed returns the current consecutive-miss count.
func (m *Monitor) Missed() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.missed
}

// Start begins probing. Calling Start on a running monitor is a no-op.
func (m *Monitor) Start() {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.escalated = false
	m.missed = 0
	m.stop = make(chan struct{})
	stop := m.stop
	m.mu.Unlock()

	m.wg.Add(1)
	go m.probeLoop(stop)
}

// Stop halts probing and cancels all pending ack timers. Calling Stop on
// a stopped monitor is a no-op. On return no further probe or miss
// callback will fire.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	close(m.stop)
	for nonce, timer := range m.pending {
		timer.Stop()
		delete(m.pending, nonce)
	}
	m.mu.Unlock()

	m.wg.Wait()
}

// Ack resolves the probe with the matching nonce: the pending timer is
// cancelled and the consecutive-miss counter resets to zero. Acks for
// unknown nonces (late, after their timeout already fired) are ignored.
func (m *Monitor) Ack(nonce string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	timer, ok := m.pending[nonce]
	if !ok {
		return
	}
	timer.Stop()
	delete(m.pending, nonce)
	m.missed = 0
}

// probeLoop emits one probe per interval until stopped.
func (m *Monitor) probeLoop(stop <-chan struct{}) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			m.probe()
		}
	}
}

// probe sends one heartbeat and arms its ack timer.
func (m *Monitor) probe() {
	nonce := fmt.Sprintf("%d-%d", time.Now().UnixMilli(), m.nonceSeq.Add(1))

	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.pending[nonce] = time.AfterFunc(m.cfg.AckTimeout, func() {
		m.ackTimeout(nonce)
	})
	m.mu.Unlock()

	if err := m.send(nonce); err != nil {
		m.logger.Warn("heartbeat send failed", "nonce", nonce, "error", err)
		// Escalation may call Stop, and Stop waits for the probe loop,
		// so the miss must be recorded off this goroutine just as a
		// timer expiry would be.
		go m.ackTimeout(nonce)
	}
}

// ackTimeout records a missed round and escalates when the threshold is
// reached. The escalated flag guarantees exactly one escalation per run
// even when several timers fire close together.
func (m *Monitor) ackTimeout(nonce string) {
	m.mu.Lock()
	timer, ok := m.pending[nonce]
	if !ok {
		// Already acked, cleared by Stop, or counted by the other path.
		m.mu.Unlock()
		return
	}
	timer.Stop()
	delete(m.pending, nonce)
	if !m.running {
		m.mu.Unlock()
		return
	}

	m.missed++
	missed := m.missed
	escalate := missed >= m.cfg.MissThreshold && !m.escalated
	if escalate {
		m.escalated = true
	}
	m.mu.Unlock()

	m.logger.Debug("heartbeat ack missed", "nonce", nonce, "missed", missed)

	if escalate && m.onMiss != nil {
		m.onMiss(missed)
	}
}
