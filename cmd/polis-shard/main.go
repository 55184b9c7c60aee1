// Package main is the entry point for the polis-shard binary.
// It resolves gateway URLs and runs sharded websocket clients that share one
// TLS connector.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coder/websocket"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	shardtls "github.com/polisai/polis-shard/internal/tls"
	"github.com/polisai/polis-shard/pkg/config"
	"github.com/polisai/polis-shard/pkg/logging"
	"github.com/polisai/polis-shard/pkg/policy"
	"github.com/polisai/polis-shard/pkg/shard"
	"github.com/polisai/polis-shard/pkg/telemetry"
)

const (
	defaultEnvFile  = ".env"
	shutdownTimeout = 10 * time.Second
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(execute(newRootCmd(), os.Stderr))
}

// execute runs cmd and reports a failure, with its recovery suggestions, to
// stderr. It returns the process exit code.
func execute(cmd *cobra.Command, stderr io.Writer) int {
	cmd.SilenceErrors = true
	err := cmd.Execute()
	if err == nil {
		return 0
	}

	fmt.Fprintf(stderr, "Error: %v\n", err)
	for _, suggestion := range suggestions(err) {
		fmt.Fprintf(stderr, "  hint: %s\n", suggestion)
	}
	return 1
}

// suggestions returns the recovery hints attached to a configuration or TLS
// error anywhere in err's chain.
func suggestions(err error) []string {
	var cfgErr *config.ConfigError
	if errors.As(err, &cfgErr) {
		return cfgErr.Suggestions
	}
	var tlsErr *shardtls.TLSError
	if errors.As(err, &tlsErr) {
		return tlsErr.Suggestions
	}
	return nil
}

// newRootCmd creates the root command for polis-shard
func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "polis-shard",
		Short: "Sharded websocket client with a shared TLS connector",
		Long: `polis-shard opens several websocket connections ("shards") to one gateway.

The TLS trust store is assembled once and every shard reuses it.

Example:
  polis-shard connect --config shard.yaml --shards 4`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			envFile, err := cmd.Flags().GetString("env-file")
			if err != nil {
				return fmt.Errorf("failed to get env-file flag: %w", err)
			}
			return loadEnvFile(envFile)
		},
	}

	rootCmd.PersistentFlags().StringP("config", "c", "", "Path to configuration file (YAML)")
	rootCmd.PersistentFlags().StringP("log-level", "l", "", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("pretty", false, "Enable pretty console logging")
	rootCmd.PersistentFlags().String("env-file", defaultEnvFile, "Dotenv file loaded before the configuration")

	rootCmd.AddCommand(newResolveCmd(), newConnectCmd(), newVersionCmd())
	return rootCmd
}

// loadEnvFile loads a dotenv file without overriding variables that are
// already set. A missing default file is not an error.
func loadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) && path == defaultEnvFile {
			return nil
		}
		return fmt.Errorf("failed to load env file %s: %w", path, err)
	}
	return nil
}

// loadConfig loads the configuration file and applies logging flags.
func loadConfig(cmd *cobra.Command) (*config.Config, string, error) {
	path, err := cmd.Flags().GetString("config")
	if err != nil {
		return nil, "", fmt.Errorf("failed to get config flag: %w", err)
	}

	cfg, err := config.Load(path)
	if err != nil {
		return nil, "", err
	}

	if cmd.Flags().Changed("log-level") {
		cfg.Logging.Level, _ = cmd.Flags().GetString("log-level")
	}
	if cmd.Flags().Changed("pretty") {
		cfg.Logging.Pretty, _ = cmd.Flags().GetBool("pretty")
	}

	return cfg, path, nil
}

func newLogger(cmd *cobra.Command, cfg *config.Config) *slog.Logger {
	return logging.SetupLogger(logging.Config{
		Level:  cfg.Logging.Level,
		Pretty: cfg.Logging.Pretty,
		Output: cmd.ErrOrStderr(),
	})
}

func newResolveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resolve <url>",
		Short: "Resolve a gateway URL to the address and connector a shard would use",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			logger := newLogger(cmd, cfg)

			container, err := cfg.TLS.NewContainer(logger, nil)
			if err != nil {
				return fmt.Errorf("failed to build TLS container: %w", err)
			}

			address, connector, err := container.Resolve(args[0])
			if err != nil {
				return err
			}

			_, err = fmt.Fprintf(cmd.OutOrStdout(), "address=%s backend=%s trust=%s\n",
				address, connector.Backend(), container.TrustSource())
			return err
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the polis-shard version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := fmt.Fprintln(cmd.OutOrStdout(), version)
			return err
		},
	}
}

func newConnectCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "connect",
		Short: "Connect the configured number of shards and read until interrupted",
		Args:  cobra.NoArgs,
		RunE:  runConnect,
	}

	cmd.Flags().String("url", "", "Gateway URL (overrides gateway.url)")
	cmd.Flags().Int("shards", 0, "Number of shards (overrides gateway.shards)")
	cmd.Flags().String("metrics-addr", "", "Prometheus listen address (overrides metrics.address)")

	return cmd
}

// connectOptions applies connect flags on top of the loaded configuration.
func connectOptions(cmd *cobra.Command, cfg *config.Config) error {
	if cmd.Flags().Changed("url") {
		cfg.Gateway.URL, _ = cmd.Flags().GetString("url")
	}
	if cmd.Flags().Changed("shards") {
		cfg.Gateway.Shards, _ = cmd.Flags().GetInt("shards")
	}
	if cmd.Flags().Changed("metrics-addr") {
		cfg.Metrics.Address, _ = cmd.Flags().GetString("metrics-addr")
	}

	if err := cfg.Gateway.Validate(); err != nil {
		return fmt.Errorf("gateway configuration: %w", err)
	}
	if cfg.Gateway.URL == "" {
		return config.NewConfigMissingError("gateway.url")
	}
	return nil
}

func runConnect(cmd *cobra.Command, _ []string) error {
	cfg, configPath, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if err := connectOptions(cmd, cfg); err != nil {
		return err
	}
	logger := newLogger(cmd, cfg)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.SetupProvider(ctx, telemetry.Config{
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: version,
		Endpoint:       cfg.Telemetry.OTLPEndpoint,
		Environment:    cfg.Telemetry.Environment,
		Insecure:       cfg.Telemetry.Insecure,
	})
	if err != nil {
		return fmt.Errorf("failed to set up telemetry: %w", err)
	}
	defer shutdown(logger, "tracing", shutdownTracing)

	bridge := telemetry.NewMetricsBridge(logger)
	defer shutdown(logger, "metrics bridge", bridge.Shutdown)

	metrics := shard.NewMetrics()
	if err := metrics.Register(bridge); err != nil {
		return fmt.Errorf("failed to register metrics bridge: %w", err)
	}

	build := func(tlsCfg config.TLSConfig) (*shardtls.Container, error) {
		return tlsCfg.NewContainer(logger, bridge.MeterProvider())
	}
	container, err := build(cfg.TLS)
	if err != nil {
		return fmt.Errorf("failed to build TLS container: %w", err)
	}
	source := shard.NewSource(container, logger, metrics)

	if configPath != "" {
		provider, err := config.NewFileProvider(configPath, config.WithLogger(logger))
		if err != nil {
			return err
		}
		defer func() {
			if err := provider.Close(); err != nil {
				logger.Error("Failed to close config provider", "error", err)
			}
		}()
		go source.WatchConfig(ctx, provider.Subscribe(), cfg.TLS, build)
	}

	filter, err := newPolicy(ctx, cfg.Policy, logger)
	if err != nil {
		return err
	}

	if cfg.Metrics.Address != "" {
		server, err := startMetricsServer(cfg.Metrics.Address, metrics, logger)
		if err != nil {
			return err
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := server.Shutdown(shutdownCtx); err != nil {
				logger.Error("Metrics server shutdown error", "error", err)
			}
		}()
	}

	dialer, err := shard.NewDialer(shard.DialerOptions{
		Source:           source,
		Policy:           filter,
		HandshakeTimeout: cfg.Gateway.HandshakeTimeout,
		Metrics:          metrics,
		Logger:           logger,
	})
	if err != nil {
		return err
	}

	retry := shard.DefaultRetryConfig()
	retry.MaxRetries = cfg.Gateway.MaxRetries
	retry.InitialBackoff = cfg.Gateway.RetryBackoff

	pool := shard.NewPool(dialer, logger,
		shard.WithRetry(retry),
		shard.WithStartConcurrency(cfg.Gateway.StartConcurrency),
	)
	if _, err := pool.Connect(ctx, cfg.Gateway.Shards, cfg.Gateway.URL); err != nil {
		return err
	}
	defer func() {
		if err := pool.Close(); err != nil {
			logger.Error("Failed to close shards", "error", err)
		}
	}()

	logger.Info("Starting polis-shard",
		"gateway", cfg.Gateway.URL,
		"shards", cfg.Gateway.Shards,
		"backend", container.Backend(),
		"trust", container.TrustSource(),
	)

	err = pool.Serve(ctx, func(ctx context.Context, conn *shard.Conn, typ websocket.MessageType, data []byte) {
		logger.DebugContext(ctx, "Message received",
			"shard_id", conn.ShardID,
			"type", typ.String(),
			"bytes", len(data),
		)
	})
	if err != nil {
		return err
	}

	logger.Info("Shards stopped")
	return nil
}

// newPolicy builds the host policy. Without modules every host is allowed.
func newPolicy(ctx context.Context, cfg config.PolicyConfig, logger *slog.Logger) (policy.Filter, error) {
	if !cfg.Enabled() {
		return policy.AllowAll{}, nil
	}

	modules, err := policy.LoadModules(cfg.Paths)
	if err != nil {
		return nil, err
	}

	engine, err := policy.NewEngine(ctx, policy.EngineOptions{
		Entrypoint:      cfg.Entrypoint,
		Modules:         modules,
		CacheMaxEntries: cfg.CacheSize,
		Logger:          logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build policy engine: %w", err)
	}

	logger.Info("Host policy loaded", "modules", len(modules))
	return engine, nil
}

func startMetricsServer(addr string, metrics *shard.Metrics, logger *slog.Logger) (*http.Server, error) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	server := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to bind metrics listener %s: %w", addr, err)
	}

	logger.Info("Metrics server listening", "addr", listener.Addr().String())

	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Metrics server failed", "error", err)
		}
	}()

	return server, nil
}

func shutdown(logger *slog.Logger, name string, fn func(context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := fn(ctx); err != nil {
		logger.Error("Shutdown error", "component", name, "error", err)
	}
}
