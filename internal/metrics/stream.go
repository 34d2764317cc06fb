package metrics

import "github.com/prometheus/client_golang/prometheus"

// Eviction and rejection reasons.
const (
	ReasonSlowConsumer = "slow_consumer"
	ReasonWriteError   = "write_error"
	ReasonClientClosed = "client_closed"
	ReasonShutdown     = "shutdown"
	ReasonCapacity     = "capacity"
	ReasonPerIPLimit   = "per_ip_limit"
	ReasonRateLimit    = "rate_limit"
)

// StreamMetrics covers the generator and the broadcast registry.
type StreamMetrics struct {
	ActiveConnections   prometheus.Gauge
	SamplesGenerated    prometheus.Counter
	FramesDelivered     prometheus.Counter
	ConnectionsRemoved  *prometheus.CounterVec
	ConnectionsRejected *prometheus.CounterVec
	ListenerPanics      prometheus.Counter
	GenerationErrors    prometheus.Counter
	ConnectionDuration  prometheus.Histogram
}

// NewStreamMetrics creates and registers stream metrics on the given registry.
func NewStreamMetrics(reg prometheus.Registerer) *StreamMetrics {
	m := &StreamMetrics{
		ActiveConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "active_connections",
			Help:      "Number of live stream connections.",
		}),
		SamplesGenerated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "generator",
			Name:      "samples_total",
			Help:      "Total number of samples produced by the generator.",
		}),
		FramesDelivered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "frames_delivered_total",
			Help:      "Total number of sample frames written to connections.",
		}),
		ConnectionsRemoved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "connections_removed_total",
			Help:      "Total number of removed connections, by reason.",
		}, []string{"reason"}),
		ConnectionsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "connections_rejected_total",
			Help:      "Total number of rejected connection attempts, by reason.",
		}, []string{"reason"}),
		ListenerPanics: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "generator",
			Name:      "listener_panics_total",
			Help:      "Total number of recovered listener panics.",
		}),
		GenerationErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "generator",
			Name:      "generation_errors_total",
			Help:      "Total number of skipped ticks due to a generation fault.",
		}),
		ConnectionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "connection_duration_seconds",
			Help:      "Lifetime of stream connections in seconds.",
			Buckets:   []float64{1, 10, 60, 300, 900, 3600, 14400},
		}),
	}

	reg.MustRegister(
		m.ActiveConnections,
		m.SamplesGenerated,
		m.FramesDelivered,
		m.ConnectionsRemoved,
		m.ConnectionsRejected,
		m.ListenerPanics,
		m.GenerationErrors,
		m.ConnectionDuration,
	)
	return m
}
