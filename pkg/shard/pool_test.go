package shard

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	shardtls "github.com/polisai/polis-shard/internal/tls"
)

func TestShardID(t *testing.T) {
	assert.Equal(t, "shard-0/4", ShardID(0, 4))
	assert.Equal(t, "shard-3/4", ShardID(3, 4))
}

func TestPool_ConnectServeClose(t *testing.T) {
	gw := newGateway(t)
	metrics := NewMetrics()
	dialer := newTestDialer(t, gw, DialerOptions{Metrics: metrics})
	pool := NewPool(dialer, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conns, err := pool.Connect(ctx, 3, gatewayURL)
	require.NoError(t, err)
	require.Len(t, conns, 3)
	assert.Len(t, pool.Conns(), 3)
	assert.Equal(t, int32(3), gw.upgrades.Load())
	assert.Equal(t, 3.0, testutil.ToFloat64(metrics.shardsActive))

	ids := map[string]bool{}
	for _, conn := range conns {
		ids[conn.ShardID] = true
		assert.Equal(t, shardtls.BackendKindPortable, conn.Backend)
	}
	assert.Len(t, ids, 3)

	var (
		mu       sync.Mutex
		received = map[string]string{}
	)
	serveCtx, stop := context.WithCancel(ctx)
	served := make(chan error, 1)
	go func() {
		served <- pool.Serve(serveCtx, func(_ context.Context, conn *Conn, _ websocket.MessageType, data []byte) {
			mu.Lock()
			defer mu.Unlock()
			received[conn.ShardID] = string(data)
		})
	}()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == 3
	}, 5*time.Second, 10*time.Millisecond)

	stop()
	select {
	case err := <-served:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}

	for _, msg := range received {
		assert.Equal(t, "hello", msg)
	}
	assert.Equal(t, 3.0, testutil.ToFloat64(metrics.messages.WithLabelValues(websocket.MessageText.String())))

	_ = pool.Close()
	assert.Empty(t, pool.Conns())
	assert.Equal(t, 0.0, testutil.ToFloat64(metrics.shardsActive))
}

func TestPool_ConnectFailureClosesPartialShards(t *testing.T) {
	gw := newGateway(t)
	metrics := NewMetrics()
	dialer := newTestDialer(t, gw, DialerOptions{Metrics: metrics})
	pool := NewPool(dialer, nil)

	_, err := pool.Connect(context.Background(), 2, "wss://10.0.0.1/gateway")
	require.Error(t, err)
	assert.ErrorIs(t, err, shardtls.ErrNoDomain)
	assert.Empty(t, pool.Conns())
	assert.Equal(t, 0.0, testutil.ToFloat64(metrics.shardsActive))
}

func TestPool_ConnectRejectsNonPositiveCount(t *testing.T) {
	gw := newGateway(t)
	pool := NewPool(newTestDialer(t, gw, DialerOptions{}), nil)

	_, err := pool.Connect(context.Background(), 0, gatewayURL)
	require.Error(t, err)
}
