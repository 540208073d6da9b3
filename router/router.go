package router

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/guerillacodester/vehicle-simulator-sub007/envelope"
	"github.com/guerillacodester/vehicle-simulator-sub007/errors"
	"github.com/guerillacodester/vehicle-simulator-sub007/metric"
)

// SystemNamespace is the reserved channel carrying connection
// announcements and health-check traffic.
const SystemNamespace = "system"

// Defaults for optional Config fields.
const (
	DefaultAddr         = ":8080"
	DefaultSendBuffer   = 64
	DefaultWriteTimeout = 10 * time.Second
)

// Config holds namespace router settings.
type Config struct {
	Service      string        // Service name stamped on router-originated envelopes
	Addr         string        // HTTP listen address (default :8080)
	Namespaces   []string      // Statically declared namespaces, system is always added
	SendBuffer   int           // Per-connection outbound queue size (default 64)
	WriteTimeout time.Duration // Per-write deadline (default 10s)
}

// Validate rejects configurations the router cannot serve.
func (c Config) Validate() error {
	if c.Service == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "router.Config", "Validate", "Service required")
	}
	seen := make(map[string]bool, len(c.Namespaces))
	for _, name := range c.Namespaces {
		if name == "" {
			return errors.WrapInvalid(errors.ErrInvalidConfig, "router.Config", "Validate", "empty namespace name")
		}
		if seen[name] {
			return errors.WrapInvalid(errors.ErrInvalidConfig, "router.Config", "Validate",
				fmt.Sprintf("duplicate namespace %q", name))
		}
		seen[name] = true
	}
	if c.SendBuffer < 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "router.Config", "Validate", "SendBuffer cannot be negative")
	}
	if c.WriteTimeout < 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "router.Config", "Validate", "WriteTimeout cannot be negative")
	}
	return nil
}

// Router hosts one WebSocket endpoint per namespace and dispatches
// envelopes between their members. It is explicitly constructed and
// carries its own lifecycle; nothing here is process-global.
type Router struct {
	cfg        Config
	logger     *slog.Logger
	registry   *metric.MetricsRegistry
	metrics    *routerMetrics
	stats      *stats
	upgrader   websocket.Upgrader
	namespaces map[string]*namespace

	mu       sync.Mutex
	running  bool
	server   *http.Server
	listener net.Listener
	shutdown chan struct{}
	wg       sync.WaitGroup
}

// New creates a namespace router. The metrics registry is optional; a
// nil registry disables Prometheus instrumentation.
func New(cfg Config, registry *metric.MetricsRegistry, logger *slog.Logger) (*Router, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Addr == "" {
		cfg.Addr = DefaultAddr
	}
	if cfg.SendBuffer == 0 {
		cfg.SendBuffer = DefaultSendBuffer
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}

	namespaces := make(map[string]*namespace, len(cfg.Namespaces)+1)
	namespaces[SystemNamespace] = newNamespace(SystemNamespace)
	for _, name := range cfg.Namespaces {
		namespaces[name] = newNamespace(name)
	}

	metrics, err := newRouterMetrics(registry)
	if err != nil {
		return nil, err
	}

	return &Router{
		cfg:        cfg,
		logger:     logger.With("component", "router", "service", cfg.Service),
		registry:   registry,
		metrics:    metrics,
		stats:      newStats(),
		namespaces: namespaces,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}, nil
}

// Init binds the listener and starts serving. It returns once the
// router is accepting connections.
func (r *Router) Init() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return errors.WrapInvalid(fmt.Errorf("router already running"), "Router", "Init", "double init")
	}

	listener, err := net.Listen("tcp", r.cfg.Addr)
	if err != nil {
		return errors.WrapFatal(err, "Router", "Init", fmt.Sprintf("listen on %s", r.cfg.Addr))
	}

	mux := http.NewServeMux()
	for name, ns := range r.namespaces {
		mux.HandleFunc("/ns/"+name, r.websocketHandler(ns))
	}
	mux.HandleFunc("/healthz", r.healthzHandler)

	r.listener = listener
	r.server = &http.Server{Handler: mux}
	r.shutdown = make(chan struct{})
	r.running = true

	r.wg.Add(1)
	go r.serve(r.server, listener)

	r.logger.Info("router listening", "addr", listener.Addr().String(),
		"namespaces", len(r.namespaces))
	return nil
}

func (r *Router) serve(server *http.Server, listener net.Listener) {
	defer r.wg.Done()
	if err := server.Serve(listener); err != nil && err != http.ErrServerClosed {
		r.logger.Error("http server failed", "error", err)
	}
}

// Close stops the listener, disconnects every member and waits for all
// router goroutines to finish.
func (r *Router) Close() error {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		if r.metrics != nil {
			r.metrics.unregister(r.registry)
		}
		return nil
	}
	r.running = false
	server := r.server
	close(r.shutdown)
	r.mu.Unlock()

	err := server.Close()

	for _, ns := range r.namespaces {
		for _, c := range ns.snapshot() {
			c.close()
		}
	}

	r.wg.Wait()

	if r.metrics != nil {
		r.metrics.unregister(r.registry)
	}

	if err != nil {
		return errors.WrapTransient(err, "Router", "Close", "stop HTTP server")
	}
	return nil
}

// Addr returns the bound listen address, available after Init.
func (r *Router) Addr() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.listener == nil {
		return r.cfg.Addr
	}
	return r.listener.Addr().String()
}

// Publish dispatches an externally produced envelope into a namespace,
// honoring the same target semantics as client traffic. Used by bridge
// collaborators that feed the router from a message broker.
func (r *Router) Publish(namespaceName string, env *envelope.Envelope) error {
	ns, ok := r.namespaces[namespaceName]
	if !ok {
		return errors.WrapInvalid(errors.ErrNamespaceUnknown, "Router", "Publish",
			fmt.Sprintf("namespace %q", namespaceName))
	}
	if err := env.Validate(); err != nil {
		r.stats.messageRejected()
		if r.metrics != nil {
			r.metrics.messagesRejected.Inc()
		}
		return err
	}
	r.dispatch(ns, "", env)
	return nil
}

// Health returns the aggregate health snapshot in the wire shape used
// by health-check responses.
func (r *Router) Health() envelope.HealthCheckPayload {
	snap := r.stats.snapshot()

	status := "healthy"
	if snap.RejectedMessages > 0 && snap.RejectedMessages*2 > snap.TotalMessages {
		status = "degraded"
	}

	return envelope.HealthCheckPayload{
		Service:           r.cfg.Service,
		Status:            status,
		UptimeSeconds:     snap.Uptime.Seconds(),
		ActiveConnections: snap.ActiveConnections,
		MessagesPerMinute: float64(snap.MessagesPerMinute),
		TotalConnections:  int64(snap.TotalConnections),
		TotalMessages:     int64(snap.TotalMessages),
		LastCheck:         time.Now().UTC().Format(time.RFC3339),
	}
}

func (r *Router) healthzHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(r.Health())
}

// websocketHandler upgrades an HTTP request into a namespace member.
// The connection identifier comes from the id query parameter so
// clients keep a stable routing identity across reconnects; absent an
// id, one is generated. An optional room parameter attaches a routing
// label.
func (r *Router) websocketHandler(ns *namespace) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		id := req.URL.Query().Get("id")
		if id == "" {
			id = uuid.NewString()
		}
		room := req.URL.Query().Get("room")

		ws, err := r.upgrader.Upgrade(w, req, nil)
		if err != nil {
			r.logger.Warn("websocket upgrade failed", "namespace", ns.name, "error", err)
			return
		}

		c := newConnection(id, room, ns.name, ws, r.cfg.SendBuffer, r.cfg.WriteTimeout, r.logger)
		if !ns.add(c) {
			r.logger.Warn("connection rejected, duplicate id", "namespace", ns.name, "conn_id", id)
			deadline := time.Now().Add(time.Second)
			_ = ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "duplicate connection id"), deadline)
			_ = ws.Close()
			return
		}

		r.stats.connOpened()
		if r.metrics != nil {
			r.metrics.connectionsTotal.Inc()
			r.metrics.connectionsActive.Inc()
		}
		r.logger.Info("connection joined", "namespace", ns.name, "conn_id", id, "room", room)

		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			c.writePump()
		}()

		r.announce(envelope.EventConnectionAnnounce, c)

		r.readLoop(ns, c)
	}
}

// readLoop consumes inbound frames until the socket closes, then
// unregisters the member and announces the departure.
func (r *Router) readLoop(ns *namespace, c *connection) {
	defer func() {
		ns.remove(c.id)
		c.close()
		r.stats.connClosed()
		if r.metrics != nil {
			r.metrics.connectionsActive.Dec()
			r.metrics.disconnectionTotal.WithLabelValues("closed").Inc()
		}
		r.logger.Info("connection left", "namespace", ns.name, "conn_id", c.id)
		r.announce(envelope.EventDisconnectionAnnounce, c)
	}()

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}

		env, err := envelope.Decode(data)
		if err != nil {
			r.reject(ns, c, err)
			continue
		}

		if env.Type.IsSystem() {
			r.handleSystem(c, env)
			continue
		}

		r.dispatch(ns, c.id, env)
	}
}

// reject answers an invalid inbound message with an error envelope and
// never forwards it.
func (r *Router) reject(ns *namespace, c *connection, cause error) {
	r.stats.messageRejected()
	if r.metrics != nil {
		r.metrics.messagesRejected.Inc()
	}
	r.logger.Warn("invalid envelope rejected", "namespace", ns.name, "conn_id", c.id, "error", cause)

	reply := envelope.NewError(r.cfg.Service, "", "invalid_envelope", cause.Error())
	if !c.enqueue(reply) {
		r.countDrop("slow_consumer")
	}
}

// handleSystem consumes control-plane envelopes. Heartbeat probes are
// answered immediately with their nonce; health-check requests get the
// aggregate snapshot, correlated to the request, without touching any
// namespace dispatch path.
func (r *Router) handleSystem(c *connection, env *envelope.Envelope) {
	switch env.Type {
	case envelope.EventHeartbeat:
		if !c.enqueue(envelope.NewHeartbeatAck(r.cfg.Service, env.CorrelationID)) {
			r.countDrop("slow_consumer")
		}

	case envelope.EventHealthCheckRequest:
		reply, err := envelope.New(envelope.EventHealthCheckResponse, r.Health(), r.cfg.Service,
			envelope.WithTarget(c.id), envelope.WithCorrelationID(env.ID))
		if err != nil {
			r.logger.Error("health response build failed", "error", err)
			return
		}
		if !c.enqueue(reply) {
			r.countDrop("slow_consumer")
		}

	default:
		// Acks without a monitor and client-sent announces carry no
		// routing obligation.
	}
}

// dispatch fans an envelope out according to its targets: none means
// broadcast to every member except the sender, otherwise each target is
// resolved and delivered independently so one missing target never
// fails the batch.
func (r *Router) dispatch(ns *namespace, senderID string, env *envelope.Envelope) {
	r.stats.messageProcessed()
	if r.metrics != nil {
		r.metrics.messagesReceived.WithLabelValues(ns.name).Inc()
	}

	var timer *prometheus.Timer
	if r.metrics != nil {
		timer = prometheus.NewTimer(r.metrics.broadcastDuration.WithLabelValues(ns.name))
	}

	var recipients []*connection
	if env.IsBroadcast() {
		recipients = ns.snapshotExcept(senderID)
	} else {
		for _, target := range env.Targets {
			matched := ns.resolve(target)
			if len(matched) == 0 {
				r.logger.Warn("target not found, skipping",
					"namespace", ns.name, "target", target, "event", env.Type.String())
				r.countDrop("unknown_target")
				continue
			}
			recipients = append(recipients, matched...)
		}
	}

	r.deliver(ns, recipients, env)

	if timer != nil {
		timer.ObserveDuration()
	}
}

// deliver enqueues the envelope to each recipient. With more than one
// recipient every delivery gets its own copy, so no handler downstream
// can observe shared mutable state.
func (r *Router) deliver(ns *namespace, recipients []*connection, env *envelope.Envelope) {
	for _, c := range recipients {
		out := env
		if len(recipients) > 1 {
			out = env.Clone()
		}
		if !c.enqueue(out) {
			r.logger.Warn("delivery dropped, queue full or closed",
				"namespace", ns.name, "conn_id", c.id, "event", env.Type.String())
			r.countDrop("slow_consumer")
			continue
		}
		if r.metrics != nil {
			r.metrics.messagesSent.WithLabelValues(ns.name).Inc()
		}
	}
}

// announce publishes a membership event into the system namespace.
func (r *Router) announce(eventType envelope.EventType, c *connection) {
	system := r.namespaces[SystemNamespace]

	env, err := envelope.New(eventType, envelope.AnnouncePayload{
		ConnectionID: c.id,
		Namespace:    c.nsName,
		Room:         c.room,
	}, r.cfg.Service)
	if err != nil {
		r.logger.Error("announce build failed", "error", err)
		return
	}

	// The departing or arriving connection itself is excluded when it
	// lives in the system namespace.
	r.deliver(system, system.snapshotExcept(c.id), env)
}

func (r *Router) countDrop(reason string) {
	if r.metrics != nil {
		r.metrics.messagesDropped.WithLabelValues(reason).Inc()
	}
}
