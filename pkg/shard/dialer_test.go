package shard

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	shardtls "github.com/polisai/polis-shard/internal/tls"
	"github.com/polisai/polis-shard/internal/tls/tlstest"
	"github.com/polisai/polis-shard/pkg/policy"
)

const gatewayURL = "wss://example.com/gateway?v=10"

type gateway struct {
	server   *httptest.Server
	port     int
	upgrades atomic.Int32
	hello    string
}

// newGateway starts a TLS websocket server that greets every shard and then
// echoes. Its certificate is valid for example.com.
func newGateway(t *testing.T) *gateway {
	t.Helper()
	gw := &gateway{hello: "hello"}

	gw.server = httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer c.CloseNow()
		gw.upgrades.Add(1)

		ctx := r.Context()
		if err := c.Write(ctx, websocket.MessageText, []byte(gw.hello)); err != nil {
			return
		}
		for {
			typ, data, err := c.Read(ctx)
			if err != nil {
				return
			}
			if err := c.Write(ctx, typ, data); err != nil {
				return
			}
		}
	}))
	t.Cleanup(gw.server.Close)

	_, port, err := net.SplitHostPort(gw.server.Listener.Addr().String())
	require.NoError(t, err)
	gw.port, err = strconv.Atoi(port)
	require.NoError(t, err)
	return gw
}

// container trusts only the gateway's certificate and resolves to its port.
func (gw *gateway) container(t *testing.T) *shardtls.Container {
	t.Helper()
	container, err := shardtls.NewContainer(shardtls.Config{
		Backend: shardtls.Portable{
			Trust:  shardtls.TrustSourceFile,
			Bundle: shardtls.TrustBundle{Name: "gateway", Inline: string(tlstest.EncodePEM(gw.server.Certificate()))},
		},
		Port: gw.port,
	})
	require.NoError(t, err)
	return container
}

// netDial routes example.com to the loopback listener and records what the
// dialer asked for.
func (gw *gateway) netDial(seen *atomic.Value) NetDialFunc {
	return func(ctx context.Context, network, address string) (net.Conn, error) {
		if seen != nil {
			seen.Store(address)
		}
		var d net.Dialer
		return d.DialContext(ctx, network, gw.server.Listener.Addr().String())
	}
}

func newTestDialer(t *testing.T, gw *gateway, opts DialerOptions) *Dialer {
	t.Helper()
	if opts.Source == nil {
		opts.Source = NewSource(gw.container(t), nil, nil)
	}
	if opts.NetDial == nil {
		opts.NetDial = gw.netDial(nil)
	}
	if opts.HandshakeTimeout == 0 {
		opts.HandshakeTimeout = 5 * time.Second
	}
	dialer, err := NewDialer(opts)
	require.NoError(t, err)
	return dialer
}

func TestDialer_Dial(t *testing.T) {
	gw := newGateway(t)
	var seen atomic.Value
	metrics := NewMetrics()
	recorder := tracetest.NewSpanRecorder()

	dialer := newTestDialer(t, gw, DialerOptions{
		NetDial:        gw.netDial(&seen),
		Metrics:        metrics,
		TracerProvider: sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder)),
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, err := dialer.Dial(ctx, "shard-0/1", gatewayURL)
	require.NoError(t, err)

	assert.Equal(t, "example.com:"+strconv.Itoa(gw.port), seen.Load(), "dials the resolved address")
	assert.Equal(t, "example.com:"+strconv.Itoa(gw.port), conn.Address)
	assert.Equal(t, shardtls.BackendKindPortable, conn.Backend)
	assert.NotEmpty(t, conn.AttemptID)
	assert.True(t, conn.TLS.HandshakeComplete)
	assert.Equal(t, "example.com", conn.TLS.ServerName)

	typ, data, err := conn.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, websocket.MessageText, typ)
	assert.Equal(t, "hello", string(data))

	require.NoError(t, conn.Write(ctx, websocket.MessageText, []byte("ping")))
	_, data, err = conn.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(data))

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.connectAttempts.WithLabelValues(ResultSuccess)))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.shardsActive))

	_ = conn.Close(websocket.StatusNormalClosure, "")
	_ = conn.CloseNow()
	assert.Equal(t, 0.0, testutil.ToFloat64(metrics.shardsActive), "closing twice decrements once")

	var dialSpan sdktrace.ReadOnlySpan
	for _, span := range recorder.Ended() {
		if span.Name() == "shard.dial" {
			dialSpan = span
		}
	}
	require.NotNil(t, dialSpan)
	assert.Equal(t, "Ok", dialSpan.Status().Code.String())
}

func TestDialer_NoDomain(t *testing.T) {
	gw := newGateway(t)
	metrics := NewMetrics()
	dialer := newTestDialer(t, gw, DialerOptions{Metrics: metrics})

	for _, raw := range []string{"/gateway", "wss://127.0.0.1/", "://bad"} {
		conn, err := dialer.Dial(context.Background(), "shard-0/1", raw)
		require.Error(t, err, raw)
		assert.Nil(t, conn)
		assert.ErrorIs(t, err, shardtls.ErrNoDomain)
	}

	assert.Equal(t, int32(0), gw.upgrades.Load(), "no I/O happens for rejected URLs")
	assert.Equal(t, 3.0, testutil.ToFloat64(metrics.resolveErrors.WithLabelValues(string(shardtls.ErrorKindNoDomain))))
	assert.Equal(t, 3.0, testutil.ToFloat64(metrics.connectAttempts.WithLabelValues(ResultNoDomain)))
}

func TestDialer_RejectsPlaintextScheme(t *testing.T) {
	gw := newGateway(t)
	metrics := NewMetrics()
	dialer := newTestDialer(t, gw, DialerOptions{
		Metrics: metrics,
		NetDial: func(context.Context, string, string) (net.Conn, error) {
			t.Error("plaintext URL reached the network")
			return nil, errors.New("unexpected dial")
		},
		Header: http.Header{"Authorization": []string{"Bot secret"}},
	})

	for _, raw := range []string{"ws://example.com/gateway", "http://example.com/gateway", "WS://example.com/"} {
		conn, err := dialer.Dial(context.Background(), "shard-0/1", raw)
		require.Error(t, err, raw)
		assert.Nil(t, conn)
		assert.ErrorIs(t, err, ErrInsecureScheme)
		assert.False(t, IsRetryableError(err))
	}

	assert.Equal(t, int32(0), gw.upgrades.Load())
	assert.Equal(t, 3.0, testutil.ToFloat64(metrics.resolveErrors.WithLabelValues("insecure_scheme")))
	assert.Equal(t, 3.0, testutil.ToFloat64(metrics.connectAttempts.WithLabelValues(ResultInsecure)))
}

func TestDialer_PolicyDenied(t *testing.T) {
	gw := newGateway(t)
	metrics := NewMetrics()

	engine, err := policy.NewEngine(context.Background(), policy.EngineOptions{
		Modules: map[string]string{"gate.rego": `package polis.shard

default decision := {"allow": false, "reason": "not allow-listed"}

decision := {"allow": true} if input.host == "example.com"
`},
	})
	require.NoError(t, err)

	dialer := newTestDialer(t, gw, DialerOptions{Policy: engine, Metrics: metrics})

	_, err = dialer.Dial(context.Background(), "shard-0/1", "wss://other.example.org/")
	require.Error(t, err)
	assert.ErrorIs(t, err, policy.ErrDenied)
	assert.Equal(t, int32(0), gw.upgrades.Load())
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.connectAttempts.WithLabelValues(ResultDenied)))

	conn, err := dialer.Dial(context.Background(), "shard-0/1", gatewayURL)
	require.NoError(t, err)
	_ = conn.CloseNow()
}

func TestDialer_UntrustedGateway(t *testing.T) {
	gw := newGateway(t)
	metrics := NewMetrics()

	bundled, err := shardtls.NewContainer(shardtls.Config{
		Backend: shardtls.Portable{Trust: shardtls.TrustSourceBundled},
		Port:    gw.port,
	})
	require.NoError(t, err)

	dialer := newTestDialer(t, gw, DialerOptions{Source: NewSource(bundled, nil, nil), Metrics: metrics})

	_, err = dialer.Dial(context.Background(), "shard-0/1", gatewayURL)
	require.Error(t, err)
	assert.Equal(t, int32(0), gw.upgrades.Load())
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.connectAttempts.WithLabelValues(ResultFailure)))
	assert.Equal(t, 0.0, testutil.ToFloat64(metrics.shardsActive))
}

func TestDialer_ContextCancelled(t *testing.T) {
	gw := newGateway(t)
	dialer := newTestDialer(t, gw, DialerOptions{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := dialer.Dial(ctx, "shard-0/1", gatewayURL)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestNewDialer_RequiresSource(t *testing.T) {
	_, err := NewDialer(DialerOptions{})
	require.Error(t, err)
}
