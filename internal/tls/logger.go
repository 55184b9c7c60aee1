package tls

import (
	"context"
	"crypto/tls"
	"log/slog"
	"time"
)

// TLSLogger provides structured logging for container and handshake events
type TLSLogger struct {
	logger *slog.Logger
}

// NewTLSLogger creates a new TLS logger
func NewTLSLogger(logger *slog.Logger) *TLSLogger {
	if logger == nil {
		logger = slog.Default()
	}

	return &TLSLogger{
		logger: logger.With("component", "tls"),
	}
}

// LogContainerBuilt logs a successfully constructed container
func (l *TLSLogger) LogContainerBuilt(ctx context.Context, backend BackendKind, trust TrustSource, minVersion string, duration time.Duration) {
	attrs := []slog.Attr{
		slog.String("event", "container_built"),
		slog.String("backend", string(backend)),
		slog.String("min_version", minVersion),
		slog.Duration("build_duration", duration),
	}
	if trust != "" {
		attrs = append(attrs, slog.String("trust_source", string(trust)))
	}

	l.logger.LogAttrs(ctx, slog.LevelInfo, "TLS container ready", attrs...)
}

// LogContainerBuildFailure logs a failed construction
func (l *TLSLogger) LogContainerBuildFailure(ctx context.Context, backend BackendKind, err error) {
	attrs := []slog.Attr{
		slog.String("event", "container_build_failure"),
		slog.String("backend", string(backend)),
		slog.String("error", err.Error()),
	}
	if kind, ok := KindOf(err); ok {
		attrs = append(attrs, slog.String("error_kind", string(kind)))
	}

	l.logger.LogAttrs(ctx, slog.LevelError, "TLS container construction failed", attrs...)
}

// LogTrustStoreLoaded logs the trust anchors picked up by the portable backend.
// Anchors is zero for the native source, whose pool size is not observable.
func (l *TLSLogger) LogTrustStoreLoaded(ctx context.Context, source TrustSource, anchors int) {
	l.logger.LogAttrs(ctx, slog.LevelDebug, "Trust store loaded",
		slog.String("event", "trust_store_loaded"),
		slog.String("trust_source", string(source)),
		slog.Int("anchors", anchors),
	)
}

// LogResolveFailure logs a gateway URL that could not be turned into an address
func (l *TLSLogger) LogResolveFailure(ctx context.Context, shardID, rawURL string, err error) {
	l.logger.LogAttrs(ctx, slog.LevelWarn, "Gateway URL rejected",
		slog.String("event", "resolve_failure"),
		slog.String("shard_id", shardID),
		slog.String("url", rawURL),
		slog.String("error", err.Error()),
	)
}

// LogHandshakeSuccess logs a successful TLS handshake
func (l *TLSLogger) LogHandshakeSuccess(ctx context.Context, shardID, address string, state tls.ConnectionState, duration time.Duration) {
	attrs := []slog.Attr{
		slog.String("event", "handshake_success"),
		slog.String("shard_id", shardID),
		slog.String("address", address),
		slog.String("tls_version", tls.VersionName(state.Version)),
		slog.String("cipher_suite", tls.CipherSuiteName(state.CipherSuite)),
		slog.String("server_name", state.ServerName),
		slog.Bool("resumed", state.DidResume),
		slog.String("negotiated_protocol", state.NegotiatedProtocol),
		slog.Duration("handshake_duration", duration),
	}

	if len(state.PeerCertificates) > 0 {
		leaf := state.PeerCertificates[0]
		attrs = append(attrs,
			slog.Int("peer_cert_count", len(state.PeerCertificates)),
			slog.String("peer_subject", leaf.Subject.String()),
			slog.Time("peer_not_after", leaf.NotAfter),
		)
	}

	l.logger.LogAttrs(ctx, slog.LevelInfo, "TLS handshake completed successfully", attrs...)
}

// LogHandshakeFailure logs a failed TLS handshake or upgrade
func (l *TLSLogger) LogHandshakeFailure(ctx context.Context, shardID, address string, err error, duration time.Duration) {
	level := slog.LevelError
	if ctx.Err() != nil {
		level = slog.LevelWarn
	}

	l.logger.LogAttrs(ctx, level, "TLS handshake failed",
		slog.String("event", "handshake_failure"),
		slog.String("shard_id", shardID),
		slog.String("address", address),
		slog.String("error", err.Error()),
		slog.Duration("handshake_duration", duration),
	)
}

// LogPeerCertificateWarning logs a gateway certificate that is expired or
// close to expiry
func (l *TLSLogger) LogPeerCertificateWarning(ctx context.Context, peer PeerCertificate) {
	level := slog.LevelWarn
	if peer.Status == PeerStatusExpired || peer.Status == PeerStatusCritical {
		level = slog.LevelError
	}

	l.logger.LogAttrs(ctx, level, "Gateway certificate expires soon",
		slog.String("event", "peer_certificate_warning"),
		slog.String("server_name", peer.ServerName),
		slog.String("subject", peer.Subject),
		slog.String("issuer", peer.Issuer),
		slog.Time("expires_on", peer.NotAfter),
		slog.Int("days_remaining", peer.DaysUntilExpiry),
		slog.String("status", string(peer.Status)),
		slog.Any("warnings", peer.Warnings),
	)
}
