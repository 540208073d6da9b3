// Package natsbridge feeds the namespace router from NATS. External
// collaborators (persistence services, schedule importers, simulation
// drivers) publish domain envelopes to broker subjects; the bridge
// validates each message and hands it to the router for namespace
// fan-out. Invalid payloads are counted and dropped, never forwarded.
package natsbridge

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/guerillacodester/vehicle-simulator-sub007/envelope"
	"github.com/guerillacodester/vehicle-simulator-sub007/errors"
	"github.com/guerillacodester/vehicle-simulator-sub007/metric"
)

// Defaults for optional Config fields.
const (
	DefaultSubjectPrefix = "vsim.events"
	DefaultReconnectWait = 2 * time.Second
	DefaultDrainTimeout  = 5 * time.Second
)

// Publisher dispatches an externally produced envelope into a
// namespace. Implemented by the router.
type Publisher interface {
	Publish(namespace string, env *envelope.Envelope) error
}

// Config holds bridge settings.
type Config struct {
	URL           string        // NATS server URL
	SubjectPrefix string        // Subject root, namespace is the next token (default vsim.events)
	Name          string        // Connection name shown in NATS monitoring
	MaxReconnects int           // -1 = retry forever (default)
	ReconnectWait time.Duration // Wait between broker reconnect attempts (default 2s)
}

// Validate rejects configurations the bridge cannot run with.
func (c Config) Validate() error {
	if c.URL == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "natsbridge.Config", "Validate", "URL required")
	}
	if strings.ContainsAny(c.SubjectPrefix, " >*") {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "natsbridge.Config", "Validate",
			fmt.Sprintf("SubjectPrefix %q must be a literal subject root", c.SubjectPrefix))
	}
	return nil
}

// Bridge subscribes to broker subjects and forwards valid envelopes to
// the router.
type Bridge struct {
	cfg       Config
	publisher Publisher
	logger    *slog.Logger
	metrics   *metric.Metrics

	mu      sync.Mutex
	conn    *nats.Conn
	sub     *nats.Subscription
	running bool

	forwarded atomic.Uint64
	rejected  atomic.Uint64
}

// New creates a bridge. Core metrics are optional.
func New(cfg Config, publisher Publisher, metrics *metric.Metrics, logger *slog.Logger) (*Bridge, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if publisher == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "natsbridge", "New", "publisher required")
	}
	if cfg.SubjectPrefix == "" {
		cfg.SubjectPrefix = DefaultSubjectPrefix
	}
	if cfg.Name == "" {
		cfg.Name = "vsim-router"
	}
	if cfg.MaxReconnects == 0 {
		cfg.MaxReconnects = -1
	}
	if cfg.ReconnectWait == 0 {
		cfg.ReconnectWait = DefaultReconnectWait
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Bridge{
		cfg:       cfg,
		publisher: publisher,
		metrics:   metrics,
		logger:    logger.With("component", "natsbridge"),
	}, nil
}

// Start connects to the broker and subscribes to the subject tree.
func (b *Bridge) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.running {
		return errors.WrapInvalid(fmt.Errorf("bridge already running"), "Bridge", "Start", "double start")
	}

	opts := []nats.Option{
		nats.Name(b.cfg.Name),
		nats.MaxReconnects(b.cfg.MaxReconnects),
		nats.ReconnectWait(b.cfg.ReconnectWait),
		nats.DrainTimeout(DefaultDrainTimeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			b.logger.Warn("nats disconnected", "error", err)
			if b.metrics != nil {
				b.metrics.NATSConnected.Set(0)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			b.logger.Info("nats reconnected", "url", nc.ConnectedUrl())
			if b.metrics != nil {
				b.metrics.NATSConnected.Set(1)
				b.metrics.NATSReconnects.Inc()
			}
		}),
		nats.ClosedHandler(func(*nats.Conn) {
			b.logger.Info("nats connection closed")
			if b.metrics != nil {
				b.metrics.NATSConnected.Set(0)
			}
		}),
	}

	conn, err := nats.Connect(b.cfg.URL, opts...)
	if err != nil {
		return errors.WrapTransient(err, "Bridge", "Start", "connect to NATS")
	}

	subject := b.cfg.SubjectPrefix + ".>"
	sub, err := conn.Subscribe(subject, func(msg *nats.Msg) {
		b.handleMessage(ctx, msg.Subject, msg.Data)
	})
	if err != nil {
		conn.Close()
		return errors.WrapTransient(err, "Bridge", "Start", fmt.Sprintf("subscribe %s", subject))
	}

	b.conn = conn
	b.sub = sub
	b.running = true
	if b.metrics != nil {
		b.metrics.NATSConnected.Set(1)
	}

	b.logger.Info("bridge subscribed", "url", b.cfg.URL, "subject", subject)
	return nil
}

// Stop drains the subscription and closes the broker connection.
func (b *Bridge) Stop() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.running {
		return nil
	}
	b.running = false

	if b.sub != nil {
		if err := b.sub.Drain(); err != nil {
			b.logger.Warn("subscription drain failed", "error", err)
		}
		b.sub = nil
	}
	if b.conn != nil {
		b.conn.Close()
		b.conn = nil
	}
	if b.metrics != nil {
		b.metrics.NATSConnected.Set(0)
	}
	return nil
}

// Forwarded returns how many envelopes reached the router.
func (b *Bridge) Forwarded() uint64 { return b.forwarded.Load() }

// Rejected returns how many broker messages were dropped.
func (b *Bridge) Rejected() uint64 { return b.rejected.Load() }

// handleMessage validates one broker message and forwards it. The
// namespace is the first subject token after the prefix.
func (b *Bridge) handleMessage(_ context.Context, subject string, data []byte) {
	ns, ok := b.namespaceFor(subject)
	if !ok {
		b.drop(subject, fmt.Errorf("subject outside prefix %s", b.cfg.SubjectPrefix))
		return
	}

	env, err := envelope.Decode(data)
	if err != nil {
		b.drop(subject, err)
		return
	}

	if err := b.publisher.Publish(ns, env); err != nil {
		b.drop(subject, err)
		return
	}

	b.forwarded.Add(1)
	if b.metrics != nil {
		b.metrics.MessagesReceived.WithLabelValues("natsbridge", env.Type.String()).Inc()
		b.metrics.MessagesPublished.WithLabelValues("natsbridge", b.cfg.SubjectPrefix+"."+ns).Inc()
	}
}

// namespaceFor extracts the namespace token from a subject:
// vsim.events.vehicles.position -> vehicles.
func (b *Bridge) namespaceFor(subject string) (string, bool) {
	prefix := b.cfg.SubjectPrefix + "."
	rest, found := strings.CutPrefix(subject, prefix)
	if !found || rest == "" {
		return "", false
	}
	if i := strings.IndexByte(rest, '.'); i >= 0 {
		rest = rest[:i]
	}
	if rest == "" {
		return "", false
	}
	return rest, true
}

func (b *Bridge) drop(subject string, cause error) {
	b.rejected.Add(1)
	if b.metrics != nil {
		b.metrics.ErrorsTotal.WithLabelValues("natsbridge", errors.Classify(cause).String()).Inc()
	}
	b.logger.Warn("broker message dropped", "subject", subject, "error", cause)
}
