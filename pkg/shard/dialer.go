package shard

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	shardtls "github.com/polisai/polis-shard/internal/tls"
	"github.com/polisai/polis-shard/pkg/policy"
	"github.com/polisai/polis-shard/pkg/telemetry"
)

const (
	tracerName              = "github.com/polisai/polis-shard/pkg/shard"
	defaultHandshakeTimeout = 10 * time.Second
)

// ErrInsecureScheme is returned for gateway URLs that would not be dialled
// over TLS.
var ErrInsecureScheme = errors.New("gateway URL scheme must be wss or https")

// NetDialFunc opens the TCP connection to a resolved address.
type NetDialFunc func(ctx context.Context, network, address string) (net.Conn, error)

// DialerOptions configures a Dialer.
type DialerOptions struct {
	Source *Source
	// Policy gates gateway hosts. Nil allows every host.
	Policy policy.Filter
	// HandshakeTimeout bounds TCP connect, TLS handshake and upgrade.
	HandshakeTimeout time.Duration
	// NetDial replaces the default net.Dialer.
	NetDial NetDialFunc
	// Header is sent with every upgrade request.
	Header         http.Header
	Metrics        *Metrics
	Logger         *slog.Logger
	TracerProvider trace.TracerProvider
}

// Dialer opens shard websockets with the connector of the current container.
type Dialer struct {
	source           *Source
	policy           policy.Filter
	handshakeTimeout time.Duration
	netDial          NetDialFunc
	header           http.Header
	metrics          *Metrics
	logger           *slog.Logger
	tracerProvider   trace.TracerProvider
	tracer           trace.Tracer
}

// NewDialer validates opts and creates a Dialer.
func NewDialer(opts DialerOptions) (*Dialer, error) {
	if opts.Source == nil {
		return nil, errors.New("shard dialer requires a container source")
	}

	d := &Dialer{
		source:           opts.Source,
		policy:           opts.Policy,
		handshakeTimeout: opts.HandshakeTimeout,
		netDial:          opts.NetDial,
		header:           opts.Header,
		metrics:          opts.Metrics,
		logger:           opts.Logger,
		tracerProvider:   opts.TracerProvider,
	}
	if d.handshakeTimeout <= 0 {
		d.handshakeTimeout = defaultHandshakeTimeout
	}
	if d.netDial == nil {
		d.netDial = (&net.Dialer{KeepAlive: 30 * time.Second}).DialContext
	}
	if d.metrics == nil {
		d.metrics = NewMetrics()
	}
	if d.logger == nil {
		d.logger = slog.Default()
	}
	d.logger = d.logger.With("component", "shard_dialer")
	if d.tracerProvider == nil {
		d.tracerProvider = otel.GetTracerProvider()
	}
	d.tracer = d.tracerProvider.Tracer(tracerName)

	return d, nil
}

// Conn is an open shard websocket.
type Conn struct {
	*websocket.Conn

	ShardID   string
	AttemptID string
	Address   string
	Backend   shardtls.BackendKind
	TLS       tls.ConnectionState

	closeOnce sync.Once
	metrics   *Metrics
}

// Close performs the websocket close handshake.
func (c *Conn) Close(code websocket.StatusCode, reason string) error {
	err := c.Conn.Close(code, reason)
	c.closeOnce.Do(c.metrics.ShardClosed)
	return err
}

// CloseNow closes the connection without a close handshake.
func (c *Conn) CloseNow() error {
	err := c.Conn.CloseNow()
	c.closeOnce.Do(c.metrics.ShardClosed)
	return err
}

// Dial connects shardID to gatewayURL. The URL is resolved by the current
// container before any I/O, then checked against the host policy.
func (d *Dialer) Dial(ctx context.Context, shardID, gatewayURL string) (*Conn, error) {
	attemptID := uuid.NewString()
	start := time.Now()

	ctx, span := d.tracer.Start(ctx, "shard.dial",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("shard.id", shardID),
			attribute.String("shard.attempt_id", attemptID),
		),
	)
	defer span.End()

	logger := d.logger.With(
		slog.String("shard_id", shardID),
		slog.String("attempt_id", attemptID),
		slog.String("trace_id", span.SpanContext().TraceID().String()),
	)

	container := d.source.Container()
	u, address, connector, err := resolve(container, gatewayURL)
	if err != nil {
		kind, _ := shardtls.KindOf(err)
		d.metrics.RecordResolveError(string(kind))
		d.metrics.RecordAttempt(ResultNoDomain, time.Since(start))
		logger.LogAttrs(ctx, slog.LevelWarn, "Gateway URL rejected",
			slog.String("url", gatewayURL),
			slog.String("error", err.Error()),
		)
		return nil, failSpan(span, fmt.Errorf("shard %s: %w", shardID, err))
	}

	if scheme := strings.ToLower(u.Scheme); scheme != "wss" && scheme != "https" {
		d.metrics.RecordResolveError("insecure_scheme")
		d.metrics.RecordAttempt(ResultInsecure, time.Since(start))
		logger.LogAttrs(ctx, slog.LevelWarn, "Gateway URL rejected",
			slog.String("url", u.Redacted()),
			slog.String("scheme", u.Scheme),
		)
		return nil, failSpan(span, fmt.Errorf("shard %s: %w: %q", shardID, ErrInsecureScheme, u.Scheme))
	}

	host := strings.ToLower(u.Hostname())
	span.SetAttributes(
		attribute.String("server.address", host),
		attribute.String("tls.backend", string(connector.Backend())),
	)

	decision, err := policy.Check(ctx, d.policy, policy.Input{
		Host:    host,
		Scheme:  u.Scheme,
		Path:    u.Path,
		ShardID: shardID,
	})
	telemetry.RecordPolicyDecision(span, decision)
	if err != nil {
		d.metrics.RecordAttempt(ResultDenied, time.Since(start))
		logger.LogAttrs(ctx, slog.LevelWarn, "Gateway host refused",
			slog.String("host", host),
			slog.String("error", err.Error()),
		)
		return nil, failSpan(span, fmt.Errorf("shard %s: %w", shardID, err))
	}

	dialCtx, cancel := context.WithTimeout(ctx, d.handshakeTimeout)
	defer cancel()

	ws, resp, err := websocket.Dial(dialCtx, u.String(), &websocket.DialOptions{
		HTTPClient: d.httpClient(address, connector, host),
		HTTPHeader: d.header,
	})
	duration := time.Since(start)
	if err != nil {
		container.ObserveHandshakeFailure(ctx, shardID, address, err, duration)
		d.metrics.RecordAttempt(ResultFailure, duration)
		if resp != nil {
			span.SetAttributes(attribute.Int("http.response.status_code", resp.StatusCode))
		}
		return nil, failSpan(span, fmt.Errorf("shard %s: dial %s: %w", shardID, address, err))
	}

	conn := &Conn{
		Conn:      ws,
		ShardID:   shardID,
		AttemptID: attemptID,
		Address:   address,
		Backend:   connector.Backend(),
		metrics:   d.metrics,
	}
	if resp != nil && resp.TLS != nil {
		conn.TLS = *resp.TLS
		container.ObserveHandshake(ctx, shardID, address, conn.TLS, duration)
		span.SetAttributes(attribute.String("tls.protocol.version", tls.VersionName(conn.TLS.Version)))
	}

	d.metrics.RecordAttempt(ResultSuccess, duration)
	d.metrics.ShardOpened()
	span.SetStatus(codes.Ok, "")

	logger.LogAttrs(ctx, slog.LevelInfo, "Shard connected",
		slog.String("address", address),
		slog.Duration("duration", duration),
	)

	return conn, nil
}

// httpClient builds a one-shot client whose connections always go to
// address with the shared connector, whatever the URL's host and port say.
func (d *Dialer) httpClient(address string, connector shardtls.Connector, serverName string) *http.Client {
	transport := &http.Transport{
		DialContext: func(ctx context.Context, network, _ string) (net.Conn, error) {
			return d.netDial(ctx, network, address)
		},
		TLSClientConfig:     connector.ClientConfig(serverName),
		TLSHandshakeTimeout: d.handshakeTimeout,
		DisableKeepAlives:   true,
	}

	return &http.Client{
		Transport: otelhttp.NewTransport(transport,
			otelhttp.WithTracerProvider(d.tracerProvider),
			otelhttp.WithSpanNameFormatter(func(string, *http.Request) string { return "shard.upgrade" }),
		),
	}
}

func resolve(container *shardtls.Container, gatewayURL string) (*url.URL, string, shardtls.Connector, error) {
	u, err := url.Parse(gatewayURL)
	if err != nil {
		// Let the container classify the failure.
		_, _, err = container.Resolve(gatewayURL)
		return nil, "", shardtls.Connector{}, err
	}

	address, connector, err := container.ResolveURL(u)
	if err != nil {
		return nil, "", shardtls.Connector{}, err
	}
	return u, address, connector, nil
}

func failSpan(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}
