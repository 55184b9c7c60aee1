package shard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/coder/websocket"
	"golang.org/x/sync/errgroup"
)

// MessageHandler receives every message read from a shard.
type MessageHandler func(ctx context.Context, conn *Conn, typ websocket.MessageType, data []byte)

// Pool opens and owns the shards of one client.
type Pool struct {
	dialer      *Dialer
	logger      *slog.Logger
	retry       *RetryPolicy
	concurrency int

	mu    sync.Mutex
	conns []*Conn
}

// PoolOption customises a Pool.
type PoolOption func(*Pool)

// WithRetry retries failed shard dials according to config.
func WithRetry(config RetryConfig) PoolOption {
	return func(p *Pool) {
		p.retry = NewRetryPolicy(config)
	}
}

// WithStartConcurrency bounds how many shards dial at the same time. Zero
// or less dials every shard at once.
func WithStartConcurrency(n int) PoolOption {
	return func(p *Pool) {
		p.concurrency = n
	}
}

// NewPool creates an empty pool. Without WithRetry a failed dial is not
// repeated.
func NewPool(dialer *Dialer, logger *slog.Logger, opts ...PoolOption) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Pool{
		dialer: dialer,
		logger: logger.With("component", "shard_pool"),
		retry:  NewRetryPolicy(RetryConfig{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// ShardID names shard i of total.
func ShardID(i, total int) string {
	return fmt.Sprintf("shard-%d/%d", i, total)
}

// Connect dials n shards concurrently. If any shard fails, the shards that
// did connect are closed and the first error is returned.
func (p *Pool) Connect(ctx context.Context, n int, gatewayURL string) ([]*Conn, error) {
	if n < 1 {
		return nil, fmt.Errorf("shard count must be positive, got %d", n)
	}

	conns := make([]*Conn, n)
	g, gctx := errgroup.WithContext(ctx)
	if p.concurrency > 0 {
		g.SetLimit(p.concurrency)
	}
	for i := 0; i < n; i++ {
		g.Go(func() error {
			shardID := ShardID(i, n)
			return p.retry.Do(gctx, func(ctx context.Context, attempt int) error {
				if attempt > 0 {
					p.logger.LogAttrs(ctx, slog.LevelInfo, "Retrying shard dial",
						slog.String("shard_id", shardID),
						slog.Int("attempt", attempt+1),
					)
				}
				conn, err := p.dialer.Dial(ctx, shardID, gatewayURL)
				if err != nil {
					return err
				}
				conns[i] = conn
				return nil
			})
		})
	}

	if err := g.Wait(); err != nil {
		for _, conn := range conns {
			if conn != nil {
				_ = conn.Close(websocket.StatusGoingAway, "shard startup failed")
			}
		}
		return nil, err
	}

	p.mu.Lock()
	p.conns = append(p.conns, conns...)
	p.mu.Unlock()

	p.logger.LogAttrs(ctx, slog.LevelInfo, "Shards connected", slog.Int("shards", n))
	return conns, nil
}

// Conns returns the shards currently owned by the pool.
func (p *Pool) Conns() []*Conn {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*Conn(nil), p.conns...)
}

// Serve reads from every shard until ctx is done or a shard fails. A
// normal closure by the gateway ends that shard's loop without error.
func (p *Pool) Serve(ctx context.Context, handle MessageHandler) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, conn := range p.Conns() {
		g.Go(func() error {
			for {
				typ, data, err := conn.Read(gctx)
				if err != nil {
					if gctx.Err() != nil || websocket.CloseStatus(err) == websocket.StatusNormalClosure {
						return nil
					}
					return fmt.Errorf("shard %s: read: %w", conn.ShardID, err)
				}
				p.dialer.metrics.RecordMessage(typ.String())
				if handle != nil {
					handle(gctx, conn, typ, data)
				}
			}
		})
	}
	return g.Wait()
}

// Close closes every shard with a normal closure.
func (p *Pool) Close() error {
	p.mu.Lock()
	conns := p.conns
	p.conns = nil
	p.mu.Unlock()

	var errs []error
	for _, conn := range conns {
		if err := conn.Close(websocket.StatusNormalClosure, ""); err != nil && websocket.CloseStatus(err) == -1 {
			errs = append(errs, fmt.Errorf("shard %s: %w", conn.ShardID, err))
		}
	}
	return errors.Join(errs...)
}
