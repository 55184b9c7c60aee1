package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const defaultDebounce = 100 * time.Millisecond

// FileProvider loads a configuration file and republishes it whenever the
// file changes on disk. Invalid edits are logged and skipped; subscribers
// keep the last good configuration.
type FileProvider struct {
	path        string
	debounce    time.Duration
	logger      *slog.Logger
	mu          sync.RWMutex
	current     *Config
	subscribers []chan *Config
	watcher     *fsnotify.Watcher
	cancel      context.CancelFunc
	done        chan struct{}
}

// FileProviderOption customises a FileProvider.
type FileProviderOption func(*FileProvider)

// WithDebounce sets how long the provider waits for writes to settle.
func WithDebounce(d time.Duration) FileProviderOption {
	return func(p *FileProvider) {
		p.debounce = d
	}
}

// WithLogger sets the logger used for reload events.
func WithLogger(logger *slog.Logger) FileProviderOption {
	return func(p *FileProvider) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// NewFileProvider loads path and starts watching it. The initial load must
// succeed.
func NewFileProvider(path string, opts ...FileProviderOption) (*FileProvider, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve absolute path: %w", err)
	}

	p := &FileProvider{
		path:     absPath,
		debounce: defaultDebounce,
		logger:   slog.Default(),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.With("component", "config", "path", absPath)

	cfg, err := Load(absPath)
	if err != nil {
		return nil, err
	}
	p.current = cfg

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	// Watch the directory so editors that replace the file are still seen.
	if err := watcher.Add(filepath.Dir(absPath)); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("failed to watch directory: %w", err)
	}
	p.watcher = watcher

	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	go p.watchLoop(ctx)

	return p, nil
}

// Current returns the last successfully loaded configuration.
func (p *FileProvider) Current() *Config {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.current
}

// Subscribe returns a channel that receives every reloaded configuration.
// The current configuration is delivered immediately. Slow consumers only
// see the newest configuration.
func (p *FileProvider) Subscribe() <-chan *Config {
	p.mu.Lock()
	defer p.mu.Unlock()
	ch := make(chan *Config, 1)
	p.subscribers = append(p.subscribers, ch)
	ch <- p.current
	return ch
}

// Close stops the watcher and closes subscriber channels.
func (p *FileProvider) Close() error {
	p.cancel()
	err := p.watcher.Close()
	<-p.done

	p.mu.Lock()
	defer p.mu.Unlock()
	for _, ch := range p.subscribers {
		close(ch)
	}
	p.subscribers = nil
	return err
}

func (p *FileProvider) watchLoop(ctx context.Context) {
	defer close(p.done)

	var debounceTimer *time.Timer
	reload := make(chan struct{}, 1)
	defer func() {
		if debounceTimer != nil {
			debounceTimer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-p.watcher.Events:
			if !ok {
				return
			}

			if filepath.Clean(event.Name) != p.path {
				continue
			}

			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				if debounceTimer != nil {
					debounceTimer.Stop()
				}
				debounceTimer = time.AfterFunc(p.debounce, func() {
					select {
					case reload <- struct{}{}:
					default:
					}
				})
			}
		case <-reload:
			p.reload(ctx)
		case err, ok := <-p.watcher.Errors:
			if !ok {
				return
			}
			p.logger.LogAttrs(ctx, slog.LevelWarn, "Config watcher error", slog.String("error", err.Error()))
		}
	}
}

func (p *FileProvider) reload(ctx context.Context) {
	cfg, err := Load(p.path)
	if err != nil {
		p.logger.LogAttrs(ctx, slog.LevelError, "Config reload failed, keeping previous configuration",
			slog.String("error", err.Error()))
		return
	}

	p.mu.Lock()
	p.current = cfg
	subscribers := make([]chan *Config, len(p.subscribers))
	copy(subscribers, p.subscribers)
	p.mu.Unlock()

	for _, ch := range subscribers {
		// Replace a pending, unread configuration with the newer one.
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- cfg:
		default:
		}
	}

	p.logger.LogAttrs(ctx, slog.LevelInfo, "Configuration reloaded",
		slog.String("tls_backend", cfg.TLS.Backend),
		slog.String("tls_trust", cfg.TLS.Trust),
	)
}
