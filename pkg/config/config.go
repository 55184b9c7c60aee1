// Package config provides configuration structures and loading logic for
// shard clients.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is prepended to every environment override, e.g.
// POLIS_SHARD_TLS_BACKEND.
const EnvPrefix = "POLIS_SHARD_"

// Config holds the configuration of a shard client.
type Config struct {
	Gateway   GatewayConfig   `yaml:"gateway" envPrefix:"GATEWAY_"`
	TLS       TLSConfig       `yaml:"tls" envPrefix:"TLS_"`
	Policy    PolicyConfig    `yaml:"policy" envPrefix:"POLICY_"`
	Logging   LoggingConfig   `yaml:"logging" envPrefix:"LOG_"`
	Telemetry TelemetryConfig `yaml:"telemetry" envPrefix:"TELEMETRY_"`
	Metrics   MetricsConfig   `yaml:"metrics" envPrefix:"METRICS_"`
}

// GatewayConfig describes where shards connect to.
type GatewayConfig struct {
	URL              string        `yaml:"url" env:"URL"`
	Shards           int           `yaml:"shards" env:"SHARDS"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout" env:"HANDSHAKE_TIMEOUT"`
	// MaxRetries is how often a failed shard dial is repeated.
	MaxRetries   int           `yaml:"max_retries" env:"MAX_RETRIES"`
	RetryBackoff time.Duration `yaml:"retry_backoff" env:"RETRY_BACKOFF"`
	// StartConcurrency bounds simultaneous shard dials; zero means unbounded.
	StartConcurrency int `yaml:"start_concurrency" env:"START_CONCURRENCY"`
}

// PolicyConfig lists the Rego modules that gate gateway hosts.
type PolicyConfig struct {
	Paths      []string `yaml:"paths" env:"PATHS" envSeparator:","`
	Entrypoint string   `yaml:"entrypoint" env:"ENTRYPOINT"`
	CacheSize  int      `yaml:"cache_size" env:"CACHE_SIZE"`
}

// LoggingConfig holds configuration for logging.
type LoggingConfig struct {
	Level  string `yaml:"level" env:"LEVEL"`
	Pretty bool   `yaml:"pretty" env:"PRETTY"`
}

// TelemetryConfig holds configuration for OpenTelemetry.
type TelemetryConfig struct {
	OTLPEndpoint string `yaml:"otlp_endpoint" env:"OTLP_ENDPOINT"`
	Insecure     bool   `yaml:"insecure" env:"INSECURE"`
	ServiceName  string `yaml:"service_name" env:"SERVICE_NAME"`
	Environment  string `yaml:"environment" env:"ENVIRONMENT"`
}

// MetricsConfig holds configuration for the Prometheus endpoint.
type MetricsConfig struct {
	Address string `yaml:"address" env:"ADDRESS"`
}

// Default returns a configuration with every default applied.
func Default() *Config {
	return &Config{
		Gateway: GatewayConfig{
			Shards:           1,
			HandshakeTimeout: 10 * time.Second,
			MaxRetries:       3,
			RetryBackoff:     250 * time.Millisecond,
		},
		TLS: TLSConfig{
			Backend: BackendPortable,
			Trust:   TrustNative,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
		Telemetry: TelemetryConfig{
			ServiceName: "polis-shard",
		},
		Metrics: MetricsConfig{
			Address: ":9464",
		},
	}
}

// Load reads configuration from a file and applies environment variable overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		//nolint:gosec // Config file path is controlled by admin/operator
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	if err := ApplyEnvOverrides(cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// ApplyEnvOverrides overwrites fields whose POLIS_SHARD_* variable is set.
func ApplyEnvOverrides(cfg *Config) error {
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return fmt.Errorf("failed to apply environment overrides: %w", err)
	}
	return nil
}

// Validate performs comprehensive validation of the entire configuration
func (c *Config) Validate() error {
	if err := c.Gateway.Validate(); err != nil {
		return fmt.Errorf("gateway configuration: %w", err)
	}

	if err := c.TLS.Validate(); err != nil {
		return fmt.Errorf("TLS configuration: %w", err)
	}

	if err := c.Policy.Validate(); err != nil {
		return fmt.Errorf("policy configuration: %w", err)
	}

	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging configuration: %w", err)
	}

	if err := c.Metrics.Validate(); err != nil {
		return fmt.Errorf("metrics configuration: %w", err)
	}

	return nil
}

// Validate checks the gateway section. An empty URL is accepted here;
// commands that dial require one.
func (c *GatewayConfig) Validate() error {
	if c.Shards == 0 {
		c.Shards = 1
	}
	if c.Shards < 0 {
		return NewConfigValidationError("shards", c.Shards, "shard count must be positive")
	}
	if c.HandshakeTimeout < 0 {
		return NewConfigValidationError("handshake_timeout", c.HandshakeTimeout, "timeout cannot be negative")
	}
	if c.MaxRetries < 0 {
		return NewConfigValidationError("max_retries", c.MaxRetries, "retry count cannot be negative")
	}
	if c.RetryBackoff < 0 {
		return NewConfigValidationError("retry_backoff", c.RetryBackoff, "backoff cannot be negative")
	}
	if c.StartConcurrency < 0 {
		return NewConfigValidationError("start_concurrency", c.StartConcurrency, "concurrency cannot be negative")
	}

	c.URL = strings.TrimSpace(c.URL)
	if c.URL == "" {
		return nil
	}

	u, err := url.Parse(c.URL)
	if err != nil {
		return NewConfigValidationError("url", c.URL, err.Error()).
			WithSuggestion("Use an absolute URL such as wss://gateway.example.com/?v=10")
	}
	switch strings.ToLower(u.Scheme) {
	case "wss", "https":
	default:
		return NewConfigValidationError("url", c.URL, fmt.Sprintf("unsupported scheme %q", u.Scheme)).
			WithSuggestion("Shards only connect over TLS; use wss:// or https://")
	}

	return nil
}

// Validate normalises the policy section.
func (c *PolicyConfig) Validate() error {
	paths := c.Paths[:0]
	for _, path := range c.Paths {
		if path = strings.TrimSpace(path); path != "" {
			paths = append(paths, path)
		}
	}
	c.Paths = paths
	c.Entrypoint = strings.TrimSpace(c.Entrypoint)
	return nil
}

// Enabled reports whether any policy module is configured.
func (c PolicyConfig) Enabled() bool {
	return len(c.Paths) > 0
}

// Validate performs validation of logging configuration
func (c *LoggingConfig) Validate() error {
	if strings.TrimSpace(c.Level) == "" {
		c.Level = "info"
	}

	level := strings.TrimSpace(strings.ToLower(c.Level))
	switch level {
	case "debug", "info", "warn", "error":
		c.Level = level
		return nil
	default:
		return fmt.Errorf("invalid log level %q, supported levels: debug, info, warn, error", c.Level)
	}
}

// Validate performs validation of the metrics endpoint.
func (c *MetricsConfig) Validate() error {
	c.Address = strings.TrimSpace(c.Address)
	return nil
}
