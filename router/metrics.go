package router

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/guerillacodester/vehicle-simulator-sub007/metric"
)

// metricComponent keys the router's collectors in the shared registry.
const metricComponent = "router"

// routerMetrics holds Prometheus metrics for the namespace router.
type routerMetrics struct {
	connectionsActive  prometheus.Gauge
	connectionsTotal   prometheus.Counter
	disconnectionTotal *prometheus.CounterVec
	messagesReceived   *prometheus.CounterVec
	messagesSent       *prometheus.CounterVec
	messagesRejected   prometheus.Counter
	messagesDropped    *prometheus.CounterVec
	broadcastDuration  *prometheus.HistogramVec
}

// newRouterMetrics creates router metrics and registers them under the
// router's component key, so Close can release them and a successor can
// reuse the registry. A nil registry yields nil metrics (nil input =
// nil feature).
func newRouterMetrics(registry *metric.MetricsRegistry) (*routerMetrics, error) {
	if registry == nil {
		return nil, nil
	}

	m := &routerMetrics{
		connectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "vsim",
			Subsystem: "router",
			Name:      "connections_active",
			Help:      "Number of currently connected clients across all namespaces",
		}),

		connectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "vsim",
			Subsystem: "router",
			Name:      "connections_total",
			Help:      "Total client connections accepted (including disconnected)",
		}),

		disconnectionTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vsim",
			Subsystem: "router",
			Name:      "disconnections_total",
			Help:      "Total client disconnections",
		}, []string{"reason"}),

		messagesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vsim",
			Subsystem: "router",
			Name:      "messages_received_total",
			Help:      "Total envelopes received from clients",
		}, []string{"namespace"}),

		messagesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vsim",
			Subsystem: "router",
			Name:      "messages_sent_total",
			Help:      "Total envelopes delivered to clients",
		}, []string{"namespace"}),

		messagesRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "vsim",
			Subsystem: "router",
			Name:      "messages_rejected_total",
			Help:      "Total inbound messages rejected by envelope validation",
		}),

		messagesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vsim",
			Subsystem: "router",
			Name:      "messages_dropped_total",
			Help:      "Total envelopes dropped before delivery",
		}, []string{"reason"}),

		broadcastDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "vsim",
			Subsystem: "router",
			Name:      "broadcast_duration_seconds",
			Help:      "Time to fan an envelope out to a namespace",
			Buckets:   []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		}, []string{"namespace"}),
	}

	var registered []string
	for name, collector := range m.collectorsByName() {
		if err := registry.RegisterCollector(metricComponent, name, collector); err != nil {
			// Release only what this instance managed to register; the
			// conflicting names belong to someone else.
			for _, n := range registered {
				registry.Unregister(metricComponent, n)
			}
			return nil, err
		}
		registered = append(registered, name)
	}

	return m, nil
}

// collectorsByName lists every router collector under its tracked
// registration name.
func (m *routerMetrics) collectorsByName() map[string]prometheus.Collector {
	return map[string]prometheus.Collector{
		"connections_active":         m.connectionsActive,
		"connections_total":          m.connectionsTotal,
		"disconnections_total":       m.disconnectionTotal,
		"messages_received_total":    m.messagesReceived,
		"messages_sent_total":        m.messagesSent,
		"messages_rejected_total":    m.messagesRejected,
		"messages_dropped_total":     m.messagesDropped,
		"broadcast_duration_seconds": m.broadcastDuration,
	}
}

// unregister releases the router's collectors. Names that never made it
// into the registry are ignored.
func (m *routerMetrics) unregister(registry *metric.MetricsRegistry) {
	if registry == nil {
		return
	}
	for name := range m.collectorsByName() {
		registry.Unregister(metricComponent, name)
	}
}
