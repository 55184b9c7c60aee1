package shard

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Connection attempt results used as the "result" label.
const (
	ResultSuccess  = "success"
	ResultFailure  = "failure"
	ResultDenied   = "denied"
	ResultNoDomain = "no_domain"
	ResultInsecure = "insecure_scheme"
)

// Metrics holds all Prometheus metrics for shard connections
type Metrics struct {
	connectAttempts *prometheus.CounterVec
	connectDuration *prometheus.HistogramVec
	resolveErrors   *prometheus.CounterVec
	shardsActive    prometheus.Gauge
	messages        *prometheus.CounterVec
	containerSwaps  *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics instance on its own registry
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		connectAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "shard_connect_attempts_total",
				Help: "Total number of shard connection attempts by result",
			},
			[]string{"result"},
		),

		connectDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "shard_connect_duration_seconds",
				Help:    "Time from resolve to an open websocket in seconds",
				Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
			},
			[]string{"result"},
		),

		resolveErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "shard_resolve_errors_total",
				Help: "Total number of gateway URLs the TLS container rejected",
			},
			[]string{"kind"},
		),

		shardsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "shards_active",
				Help: "Number of currently open shard connections",
			},
		),

		messages: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "shard_messages_received_total",
				Help: "Total number of websocket messages received by type",
			},
			[]string{"type"},
		),

		containerSwaps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "shard_container_swaps_total",
				Help: "Total number of TLS container rebuilds after configuration changes by status",
			},
			[]string{"status"},
		),

		registry: registry,
	}

	registry.MustRegister(
		m.connectAttempts,
		m.connectDuration,
		m.resolveErrors,
		m.shardsActive,
		m.messages,
		m.containerSwaps,
	)

	return m
}

// RecordAttempt records the outcome of one connection attempt
func (m *Metrics) RecordAttempt(result string, duration time.Duration) {
	m.connectAttempts.WithLabelValues(result).Inc()
	m.connectDuration.WithLabelValues(result).Observe(duration.Seconds())
}

// RecordResolveError records a gateway URL rejected by the container
func (m *Metrics) RecordResolveError(kind string) {
	m.resolveErrors.WithLabelValues(kind).Inc()
}

// ShardOpened increments the active shard gauge
func (m *Metrics) ShardOpened() {
	m.shardsActive.Inc()
}

// ShardClosed decrements the active shard gauge
func (m *Metrics) ShardClosed() {
	m.shardsActive.Dec()
}

// RecordMessage records a received websocket message
func (m *Metrics) RecordMessage(messageType string) {
	m.messages.WithLabelValues(messageType).Inc()
}

// RecordContainerSwap records a container rebuild attempt
func (m *Metrics) RecordContainerSwap(success bool) {
	status := "success"
	if !success {
		status = "failure"
	}
	m.containerSwaps.WithLabelValues(status).Inc()
}

// Register adds extra collectors, such as the OpenTelemetry bridge, to the
// registry served by Handler.
func (m *Metrics) Register(collectors ...prometheus.Collector) error {
	for _, c := range collectors {
		if err := m.registry.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// Handler returns the HTTP handler for the /metrics endpoint
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the Prometheus registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
