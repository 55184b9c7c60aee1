package shard

import (
	"context"
	"log/slog"
	"sync/atomic"

	shardtls "github.com/polisai/polis-shard/internal/tls"
	"github.com/polisai/polis-shard/pkg/config"
)

// Source hands out the TLS container new connections should use. Shards
// already connected keep the connector they were opened with; a swap only
// affects later connects.
type Source struct {
	current atomic.Pointer[shardtls.Container]
	logger  *slog.Logger
	metrics *Metrics
}

// NewSource creates a source holding container.
func NewSource(container *shardtls.Container, logger *slog.Logger, metrics *Metrics) *Source {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Source{logger: logger.With("component", "shard_source"), metrics: metrics}
	s.current.Store(container)
	return s
}

// Container returns a handle to the current container.
func (s *Source) Container() *shardtls.Container {
	return s.current.Load().Clone()
}

// Swap installs container and returns the previous one.
func (s *Source) Swap(container *shardtls.Container) *shardtls.Container {
	return s.current.Swap(container)
}

// BuildFunc builds a container from a TLS configuration section.
type BuildFunc func(config.TLSConfig) (*shardtls.Container, error)

// WatchConfig rebuilds the container whenever a configuration with a
// different TLS section arrives on updates. A failed build is logged and the
// current container stays in place. It returns when ctx is done or updates
// is closed.
func (s *Source) WatchConfig(ctx context.Context, updates <-chan *config.Config, applied config.TLSConfig, build BuildFunc) {
	for {
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-updates:
			if !ok {
				return
			}
			if cfg == nil || cfg.TLS == applied {
				continue
			}

			container, err := build(cfg.TLS)
			if s.metrics != nil {
				s.metrics.RecordContainerSwap(err == nil)
			}
			if err != nil {
				s.logger.LogAttrs(ctx, slog.LevelError, "TLS container rebuild failed, keeping current connector",
					slog.String("error", err.Error()),
				)
				continue
			}

			s.Swap(container)
			applied = cfg.TLS
			s.logger.LogAttrs(ctx, slog.LevelInfo, "TLS container swapped",
				slog.String("backend", string(container.Backend())),
				slog.String("trust_source", string(container.TrustSource())),
			)
		}
	}
}
