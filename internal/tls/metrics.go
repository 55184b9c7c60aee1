package tls

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "polis.shard.tls"

// MetricsCollector records container and handshake metrics
type MetricsCollector struct {
	// Container metrics
	containerBuilds        metric.Int64Counter
	containerBuildDuration metric.Float64Histogram
	trustAnchors           metric.Int64Gauge

	// Resolve metrics
	resolves      metric.Int64Counter
	resolveErrors metric.Int64Counter

	// Handshake metrics
	handshakeDuration       metric.Float64Histogram
	handshakeErrors         metric.Int64Counter
	tlsVersionDistribution  metric.Int64Counter
	cipherSuiteDistribution metric.Int64Counter
	peerExpiryDays          metric.Int64Gauge

	logger *slog.Logger
}

// NewMetricsCollector creates a collector on provider. A nil provider uses
// the global one.
func NewMetricsCollector(provider metric.MeterProvider, logger *slog.Logger) (*MetricsCollector, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if provider == nil {
		provider = otel.GetMeterProvider()
	}

	meter := provider.Meter(meterName)

	collector := &MetricsCollector{
		logger: logger,
	}

	var err error

	collector.containerBuilds, err = meter.Int64Counter(
		"tls_container_builds_total",
		metric.WithDescription("Total number of TLS container constructions"),
		metric.WithUnit("{build}"),
	)
	if err != nil {
		return nil, err
	}

	collector.containerBuildDuration, err = meter.Float64Histogram(
		"tls_container_build_duration_seconds",
		metric.WithDescription("TLS container construction duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	collector.trustAnchors, err = meter.Int64Gauge(
		"tls_trust_anchors",
		metric.WithDescription("Number of trust anchors loaded by the portable backend"),
		metric.WithUnit("{certificate}"),
	)
	if err != nil {
		return nil, err
	}

	collector.resolves, err = meter.Int64Counter(
		"tls_resolves_total",
		metric.WithDescription("Total number of gateway URL resolutions"),
		metric.WithUnit("{resolve}"),
	)
	if err != nil {
		return nil, err
	}

	collector.resolveErrors, err = meter.Int64Counter(
		"tls_resolve_errors_total",
		metric.WithDescription("Total number of rejected gateway URLs"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return nil, err
	}

	collector.handshakeDuration, err = meter.Float64Histogram(
		"tls_handshake_duration_seconds",
		metric.WithDescription("TLS handshake and upgrade duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	collector.handshakeErrors, err = meter.Int64Counter(
		"tls_handshake_errors_total",
		metric.WithDescription("Total number of TLS handshake errors"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return nil, err
	}

	collector.tlsVersionDistribution, err = meter.Int64Counter(
		"tls_version_total",
		metric.WithDescription("TLS connections by version"),
		metric.WithUnit("{connection}"),
	)
	if err != nil {
		return nil, err
	}

	collector.cipherSuiteDistribution, err = meter.Int64Counter(
		"tls_cipher_suite_total",
		metric.WithDescription("TLS connections by cipher suite"),
		metric.WithUnit("{connection}"),
	)
	if err != nil {
		return nil, err
	}

	collector.peerExpiryDays, err = meter.Int64Gauge(
		"tls_peer_certificate_expiry_days",
		metric.WithDescription("Days until the gateway certificate expires"),
		metric.WithUnit("d"),
	)
	if err != nil {
		return nil, err
	}

	return collector, nil
}

// RecordContainerBuild records a container construction attempt
func (c *MetricsCollector) RecordContainerBuild(ctx context.Context, backend BackendKind, trust TrustSource, success bool, duration time.Duration) {
	attrs := []attribute.KeyValue{
		attribute.String("backend", string(backend)),
		attribute.String("trust_source", string(trust)),
		attribute.Bool("success", success),
	}

	c.containerBuilds.Add(ctx, 1, metric.WithAttributes(attrs...))
	c.containerBuildDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
}

// RecordTrustAnchors records the size of a freshly loaded trust store
func (c *MetricsCollector) RecordTrustAnchors(ctx context.Context, source TrustSource, anchors int) {
	c.trustAnchors.Record(ctx, int64(anchors), metric.WithAttributes(
		attribute.String("trust_source", string(source)),
	))
}

// RecordResolve records a resolution. An empty kind means success.
func (c *MetricsCollector) RecordResolve(ctx context.Context, backend BackendKind, kind TLSErrorKind) {
	c.resolves.Add(ctx, 1, metric.WithAttributes(
		attribute.String("backend", string(backend)),
		attribute.Bool("success", kind == ""),
	))

	if kind != "" {
		c.resolveErrors.Add(ctx, 1, metric.WithAttributes(
			attribute.String("error_kind", string(kind)),
		))
	}
}

// RecordHandshakeSuccess records a successful TLS handshake
func (c *MetricsCollector) RecordHandshakeSuccess(ctx context.Context, backend BackendKind, version, cipherSuite string, duration time.Duration) {
	c.handshakeDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(
		attribute.String("backend", string(backend)),
		attribute.String("tls_version", version),
	))

	c.tlsVersionDistribution.Add(ctx, 1, metric.WithAttributes(
		attribute.String("tls_version", version),
	))

	c.cipherSuiteDistribution.Add(ctx, 1, metric.WithAttributes(
		attribute.String("cipher_suite", cipherSuite),
	))
}

// RecordHandshakeError records a failed handshake
func (c *MetricsCollector) RecordHandshakeError(ctx context.Context, backend BackendKind, address string) {
	c.handshakeErrors.Add(ctx, 1, metric.WithAttributes(
		attribute.String("backend", string(backend)),
		attribute.String("address", address),
	))

	c.logger.Debug("TLS handshake error recorded",
		"backend", backend,
		"address", address)
}

// RecordPeerExpiry records the remaining lifetime of a gateway certificate
func (c *MetricsCollector) RecordPeerExpiry(ctx context.Context, serverName string, days int) {
	c.peerExpiryDays.Record(ctx, int64(days), metric.WithAttributes(
		attribute.String("server_name", serverName),
	))
}
