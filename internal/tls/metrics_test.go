package tls

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func newTestMeterProvider(t *testing.T) (*sdkmetric.MeterProvider, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })
	return provider, reader
}

func collectInt64(t *testing.T, reader *sdkmetric.ManualReader, name string) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	var total int64
	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			if m.Name != name {
				continue
			}
			switch data := m.Data.(type) {
			case metricdata.Sum[int64]:
				for _, dp := range data.DataPoints {
					total += dp.Value
				}
			case metricdata.Gauge[int64]:
				for _, dp := range data.DataPoints {
					total += dp.Value
				}
			}
		}
	}
	return total
}

func TestMetricsCollector_ContainerAndResolve(t *testing.T) {
	provider, reader := newTestMeterProvider(t)

	container, err := NewContainer(Config{
		Backend:       Portable{Trust: TrustSourceBundled},
		MeterProvider: provider,
	})
	require.NoError(t, err)

	for _, url := range []string{"wss://a.example.com", "wss://b.example.com", "/no-host"} {
		_, _, _ = container.Resolve(url)
	}

	assert.Equal(t, int64(1), collectInt64(t, reader, "tls_container_builds_total"))
	assert.Equal(t, int64(3), collectInt64(t, reader, "tls_resolves_total"))
	assert.Equal(t, int64(1), collectInt64(t, reader, "tls_resolve_errors_total"))
	assert.Greater(t, collectInt64(t, reader, "tls_trust_anchors"), int64(50))
}

func TestMetricsCollector_FailedBuild(t *testing.T) {
	provider, reader := newTestMeterProvider(t)

	_, err := NewContainer(Config{
		Backend:       Portable{Trust: TrustSourceNative},
		NativeRoots:   func() (*x509.CertPool, error) { return nil, errors.New("no store") },
		MeterProvider: provider,
	})
	require.Error(t, err)

	assert.Equal(t, int64(1), collectInt64(t, reader, "tls_container_builds_total"))
	assert.Equal(t, int64(0), collectInt64(t, reader, "tls_trust_anchors"))
}

func TestMetricsCollector_Handshakes(t *testing.T) {
	provider, reader := newTestMeterProvider(t)

	collector, err := NewMetricsCollector(provider, slog.Default())
	require.NoError(t, err)

	ctx := context.Background()
	collector.RecordHandshakeSuccess(ctx, BackendKindPortable, "TLS 1.3", "TLS_AES_128_GCM_SHA256", 20*time.Millisecond)
	collector.RecordHandshakeSuccess(ctx, BackendKindPortable, "TLS 1.3", "TLS_AES_128_GCM_SHA256", 25*time.Millisecond)
	collector.RecordHandshakeError(ctx, BackendKindPortable, "gateway.example.com:443")

	assert.Equal(t, int64(2), collectInt64(t, reader, "tls_version_total"))
	assert.Equal(t, int64(2), collectInt64(t, reader, "tls_cipher_suite_total"))
	assert.Equal(t, int64(1), collectInt64(t, reader, "tls_handshake_errors_total"))
}

func TestTLSLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	tlsLogger := NewTLSLogger(logger)

	ctx := context.Background()

	tlsLogger.LogContainerBuilt(ctx, BackendKindPortable, TrustSourceBundled, "TLS 1.2", time.Millisecond)
	tlsLogger.LogTrustStoreLoaded(ctx, TrustSourceBundled, 140)
	tlsLogger.LogContainerBuildFailure(ctx, BackendKindNative, newBackendConstructionError(BackendKindNative, errors.New("boom")))
	tlsLogger.LogResolveFailure(ctx, "shard-0", "/gateway", newNoDomainError("/gateway", nil))
	tlsLogger.LogHandshakeSuccess(ctx, "shard-0", "gateway.example.com:443", tls.ConnectionState{
		Version:     tls.VersionTLS13,
		CipherSuite: tls.TLS_AES_128_GCM_SHA256,
		ServerName:  "gateway.example.com",
	}, 15*time.Millisecond)
	tlsLogger.LogHandshakeFailure(ctx, "shard-1", "gateway.example.com:443", errors.New("x509: unknown authority"), time.Millisecond)

	out := buf.String()
	assert.Contains(t, out, `"component":"tls"`)
	assert.Contains(t, out, `"event":"container_built"`)
	assert.Contains(t, out, `"trust_source":"bundled"`)
	assert.Contains(t, out, `"error_kind":"backend_construction"`)
	assert.Contains(t, out, `"event":"resolve_failure"`)
	assert.Contains(t, out, `"tls_version":"TLS 1.3"`)
	assert.Contains(t, out, `"cipher_suite":"TLS_AES_128_GCM_SHA256"`)
	assert.Contains(t, out, `"event":"handshake_failure"`)
}
