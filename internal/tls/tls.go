package tls

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"log/slog"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/metric"
)

// DefaultPort is the secure port every resolved address targets unless
// Config.Port overrides it.
const DefaultPort = 443

// Config contains the settings used to build a container.
type Config struct {
	// Backend selects the TLS implementation family. Nil selects
	// Portable{Trust: TrustSourceNative}.
	Backend Backend

	// MinVersion defaults to TLS 1.2. MaxVersion zero means no upper bound.
	MinVersion uint16
	MaxVersion uint16

	// CipherSuites overrides the TLS 1.2 suites offered. Empty selects the
	// forward-secret AEAD set.
	CipherSuites []uint16

	// Optional client certificate presented to the gateway.
	CertFile string
	KeyFile  string

	// Port replaces DefaultPort in resolved addresses. Zero keeps 443.
	Port int

	// NativeRoots replaces x509.SystemCertPool for the native trust source.
	NativeRoots func() (*x509.CertPool, error)

	Logger        *slog.Logger
	MeterProvider metric.MeterProvider
}

// NewContainer builds the single connector described by cfg. Each call
// returns an independent container; nothing is shared between them.
func NewContainer(cfg Config) (*Container, error) {
	start := time.Now()
	ctx := context.Background()

	logger := NewTLSLogger(cfg.Logger)
	metrics, err := NewMetricsCollector(cfg.MeterProvider, cfg.Logger)
	if err != nil {
		return nil, newBackendConstructionError(backendKindOf(cfg.Backend), err)
	}

	backend := cfg.Backend
	if backend == nil {
		backend = Portable{Trust: TrustSourceNative}
	}

	port := cfg.Port
	if port == 0 {
		port = DefaultPort
	}
	if port < 1 || port > 65535 {
		err := newConfigError("port", cfg.Port, "must be between 1 and 65535")
		logger.LogContainerBuildFailure(ctx, backend.Kind(), err)
		metrics.RecordContainerBuild(ctx, backend.Kind(), "", false, time.Since(start))
		return nil, err
	}

	clientConfig, stats, err := backend.build(&cfg)
	if err != nil {
		logger.LogContainerBuildFailure(ctx, backend.Kind(), err)
		metrics.RecordContainerBuild(ctx, backend.Kind(), stats.source, false, time.Since(start))
		return nil, err
	}

	if stats.source != "" {
		logger.LogTrustStoreLoaded(ctx, stats.source, stats.anchors)
		metrics.RecordTrustAnchors(ctx, stats.source, stats.anchors)
	}

	container := &Container{
		connector: Connector{backend: backend.Kind(), config: clientConfig},
		trust:     stats.source,
		port:      strconv.Itoa(port),
		logger:    logger,
		metrics:   metrics,
		peers:     newPeerMonitor(),
	}

	duration := time.Since(start)
	logger.LogContainerBuilt(ctx, backend.Kind(), stats.source, tls.VersionName(clientConfig.MinVersion), duration)
	metrics.RecordContainerBuild(ctx, backend.Kind(), stats.source, true, duration)

	return container, nil
}

func backendKindOf(b Backend) BackendKind {
	if b == nil {
		return BackendKindPortable
	}
	return b.Kind()
}
