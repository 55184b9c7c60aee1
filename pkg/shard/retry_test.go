package shard

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	shardtls "github.com/polisai/polis-shard/internal/tls"
	"github.com/polisai/polis-shard/pkg/policy"
)

func TestRetryPolicy_Backoff(t *testing.T) {
	rp := NewRetryPolicy(RetryConfig{
		MaxRetries:        5,
		InitialBackoff:    100 * time.Millisecond,
		MaxBackoff:        time.Second,
		BackoffMultiplier: 2,
	})

	assert.Equal(t, 100*time.Millisecond, rp.Backoff(0))
	assert.Equal(t, 200*time.Millisecond, rp.Backoff(1))
	assert.Equal(t, 400*time.Millisecond, rp.Backoff(2))
	assert.Equal(t, time.Second, rp.Backoff(4), "capped at MaxBackoff")
}

func TestRetryPolicy_BackoffJitter(t *testing.T) {
	rp := NewRetryPolicy(RetryConfig{InitialBackoff: 100 * time.Millisecond, MaxBackoff: time.Second, Jitter: true})

	for i := 0; i < 20; i++ {
		backoff := rp.Backoff(0)
		assert.GreaterOrEqual(t, backoff, 100*time.Millisecond)
		assert.Less(t, backoff, 125*time.Millisecond)
	}
}

func TestNewRetryPolicy_Defaults(t *testing.T) {
	cfg := NewRetryPolicy(RetryConfig{MaxRetries: -1}).Config()
	defaults := DefaultRetryConfig()

	assert.Equal(t, 0, cfg.MaxRetries)
	assert.Equal(t, defaults.InitialBackoff, cfg.InitialBackoff)
	assert.Equal(t, defaults.MaxBackoff, cfg.MaxBackoff)
	assert.Equal(t, defaults.BackoffMultiplier, cfg.BackoffMultiplier)
}

func TestIsRetryableError(t *testing.T) {
	container, err := shardtls.NewContainer(shardtls.Config{Backend: shardtls.Native{}})
	require.NoError(t, err)
	_, _, noDomain := container.Resolve("wss://10.1.2.3/")
	require.Error(t, noDomain)

	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "nil", err: nil, want: false},
		{name: "connection refused", err: errors.New("dial tcp: connection refused"), want: true},
		{name: "deadline", err: context.DeadlineExceeded, want: true},
		{name: "no domain", err: fmt.Errorf("shard-0/1: %w", noDomain), want: false},
		{name: "plaintext scheme", err: fmt.Errorf("shard-0/1: %w: %q", ErrInsecureScheme, "ws"), want: false},
		{name: "policy denied", err: fmt.Errorf("%w: host blocked", policy.ErrDenied), want: false},
		{name: "untrusted certificate", err: fmt.Errorf("dial: %w", &tls.CertificateVerificationError{Err: errors.New("unknown authority")}), want: false},
		{name: "cancelled", err: context.Canceled, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsRetryableError(tt.err))
		})
	}
}

func TestRetryPolicy_Do(t *testing.T) {
	rp := NewRetryPolicy(RetryConfig{MaxRetries: 3, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond})

	t.Run("succeeds after transient failures", func(t *testing.T) {
		var calls int
		err := rp.Do(context.Background(), func(_ context.Context, attempt int) error {
			calls++
			if attempt < 2 {
				return errors.New("connection reset")
			}
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, 3, calls)
	})

	t.Run("stops on permanent errors", func(t *testing.T) {
		var calls int
		err := rp.Do(context.Background(), func(context.Context, int) error {
			calls++
			return policy.ErrDenied
		})
		require.ErrorIs(t, err, policy.ErrDenied)
		assert.NotErrorIs(t, err, ErrMaxRetriesExceeded)
		assert.Equal(t, 1, calls)
	})

	t.Run("gives up after MaxRetries", func(t *testing.T) {
		cause := errors.New("connection refused")
		var calls int
		err := rp.Do(context.Background(), func(context.Context, int) error {
			calls++
			return cause
		})
		require.ErrorIs(t, err, ErrMaxRetriesExceeded)
		assert.ErrorIs(t, err, cause)
		assert.Equal(t, 4, calls)
	})

	t.Run("honours cancellation while waiting", func(t *testing.T) {
		slow := NewRetryPolicy(RetryConfig{MaxRetries: 3, InitialBackoff: time.Hour, MaxBackoff: time.Hour})
		ctx, cancel := context.WithCancel(context.Background())
		err := slow.Do(ctx, func(context.Context, int) error {
			cancel()
			return errors.New("connection refused")
		})
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestPool_ConnectRetriesTransientFailures(t *testing.T) {
	gw := newGateway(t)

	var failures atomic.Int32
	failures.Store(2)
	flaky := func(ctx context.Context, network, address string) (net.Conn, error) {
		if failures.Add(-1) >= 0 {
			return nil, errors.New("connection refused")
		}
		var d net.Dialer
		return d.DialContext(ctx, network, gw.server.Listener.Addr().String())
	}

	dialer := newTestDialer(t, gw, DialerOptions{NetDial: flaky})
	pool := NewPool(dialer, nil,
		WithRetry(RetryConfig{MaxRetries: 3, InitialBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond}),
		WithStartConcurrency(1),
	)
	t.Cleanup(func() { _ = pool.Close() })

	conns, err := pool.Connect(context.Background(), 1, gatewayURL)
	require.NoError(t, err)
	require.Len(t, conns, 1)
	assert.Equal(t, int32(1), gw.upgrades.Load())
}
