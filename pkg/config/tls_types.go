package config

import (
	"crypto/tls"
	"fmt"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel/metric"

	shardtls "github.com/polisai/polis-shard/internal/tls"
)

// ConfigError represents a configuration validation error
type ConfigError struct {
	Field       string
	Value       interface{}
	Reason      string
	Suggestions []string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("configuration error in field '%s': %s", e.Field, e.Reason)
}

func (e *ConfigError) WithSuggestion(suggestion string) *ConfigError {
	e.Suggestions = append(e.Suggestions, suggestion)
	return e
}

func NewConfigMissingError(field string) *ConfigError {
	return &ConfigError{
		Field:  field,
		Reason: fmt.Sprintf("required field '%s' is missing", field),
	}
}

func NewConfigValidationError(field string, value interface{}, reason string) *ConfigError {
	return &ConfigError{
		Field:  field,
		Value:  value,
		Reason: reason,
	}
}

// TLSVersion represents supported TLS protocol versions
type TLSVersion string

const (
	TLSVersion12 TLSVersion = "1.2"
	TLSVersion13 TLSVersion = "1.3"
)

// ParseTLSVersion converts a string to a TLSVersion with validation. Versions
// below 1.2 are rejected.
func ParseTLSVersion(version string) (TLSVersion, error) {
	if version == "" {
		return TLSVersion12, nil
	}

	normalized := strings.TrimPrefix(strings.TrimSpace(version), "TLS")
	normalized = strings.TrimSpace(normalized)
	switch TLSVersion(normalized) {
	case TLSVersion12, TLSVersion13:
		return TLSVersion(normalized), nil
	case "1.0", "1.1":
		return "", fmt.Errorf("TLS version %q is deprecated and insecure", version)
	default:
		return "", fmt.Errorf("unsupported TLS version %q", version)
	}
}

// Uint16 returns the crypto/tls constant for v.
func (v TLSVersion) Uint16() uint16 {
	switch v {
	case TLSVersion13:
		return tls.VersionTLS13
	default:
		return tls.VersionTLS12
	}
}

// ParseCipherSuites resolves a comma-separated list of cipher suite names.
// Suites Go classifies as insecure are rejected.
func ParseCipherSuites(names string) ([]uint16, error) {
	if strings.TrimSpace(names) == "" {
		return nil, nil
	}

	secure := make(map[string]uint16)
	for _, suite := range tls.CipherSuites() {
		secure[suite.Name] = suite.ID
	}
	insecure := make(map[string]bool)
	for _, suite := range tls.InsecureCipherSuites() {
		insecure[suite.Name] = true
	}

	var ids []uint16
	for _, name := range strings.Split(names, ",") {
		name = strings.ToUpper(strings.TrimSpace(name))
		if name == "" {
			continue
		}
		if id, ok := secure[name]; ok {
			ids = append(ids, id)
			continue
		}
		if insecure[name] {
			return nil, fmt.Errorf("cipher suite %s is insecure", name)
		}
		return nil, fmt.Errorf("unknown cipher suite %s", name)
	}
	return ids, nil
}

// Backend names accepted in the tls.backend field.
const (
	BackendNative   = "native"
	BackendPortable = "portable"
)

// Trust sources accepted in the tls.trust field.
const (
	TrustNative  = "native"
	TrustBundled = "bundled"
	TrustFile    = "file"
)

// TLSConfig selects the connector shared by every shard.
type TLSConfig struct {
	// Backend is "native" (platform verifier) or "portable".
	Backend string `yaml:"backend" json:"backend" env:"BACKEND"`
	// Trust is the portable trust source: "native", "bundled" or "file".
	Trust  string      `yaml:"trust,omitempty" json:"trust,omitempty" env:"TRUST"`
	Bundle TrustBundle `yaml:"bundle,omitempty" json:"bundle,omitempty" envPrefix:"BUNDLE_"`

	MinVersion string `yaml:"min_version,omitempty" json:"min_version,omitempty" env:"MIN_VERSION"`
	MaxVersion string `yaml:"max_version,omitempty" json:"max_version,omitempty" env:"MAX_VERSION"`

	// CipherSuites is a comma-separated list of TLS 1.2 suite names.
	CipherSuites string `yaml:"cipher_suites,omitempty" json:"cipher_suites,omitempty" env:"CIPHER_SUITES"`

	// Client certificate presented to the gateway, if it requires one.
	CertFile string `yaml:"cert_file,omitempty" json:"cert_file,omitempty" env:"CERT_FILE"`
	KeyFile  string `yaml:"key_file,omitempty" json:"key_file,omitempty" env:"KEY_FILE"`

	// Port overrides the secure port of resolved addresses.
	Port int `yaml:"port,omitempty" json:"port,omitempty" env:"PORT"`
}

// Validate performs comprehensive validation of TLS configuration
func (c *TLSConfig) Validate() error {
	c.Backend = strings.ToLower(strings.TrimSpace(c.Backend))
	c.Trust = strings.ToLower(strings.TrimSpace(c.Trust))

	switch c.Backend {
	case "":
		c.Backend = BackendPortable
	case BackendNative, BackendPortable:
	default:
		return NewConfigValidationError("backend", c.Backend, "unknown TLS backend").
			WithSuggestion("Use 'native' for the platform verifier or 'portable' for an explicit trust store")
	}

	if c.Backend == BackendPortable {
		switch c.Trust {
		case "":
			c.Trust = TrustNative
		case TrustNative, TrustBundled:
		case TrustFile:
			if err := c.Bundle.Validate(); err != nil {
				return err
			}
		default:
			return NewConfigValidationError("trust", c.Trust, "unknown trust source").
				WithSuggestion("Use 'native', 'bundled' or 'file'")
		}
	}

	minVer, err := ParseTLSVersion(c.MinVersion)
	if err != nil {
		return NewConfigValidationError("min_version", c.MinVersion, err.Error()).
			WithSuggestion("Use a valid TLS version: 1.2 or 1.3")
	}

	if c.MaxVersion != "" {
		maxVer, err := ParseTLSVersion(c.MaxVersion)
		if err != nil {
			return NewConfigValidationError("max_version", c.MaxVersion, err.Error()).
				WithSuggestion("Use a valid TLS version: 1.2 or 1.3").
				WithSuggestion("Remove max_version to use the latest supported version")
		}
		if minVer > maxVer {
			return NewConfigValidationError("version_range",
				fmt.Sprintf("min_version=%s, max_version=%s", c.MinVersion, c.MaxVersion),
				"min_version cannot be greater than max_version").
				WithSuggestion("Ensure min_version is less than or equal to max_version")
		}
	}

	if _, err := ParseCipherSuites(c.CipherSuites); err != nil {
		return NewConfigValidationError("cipher_suites", c.CipherSuites, err.Error()).
			WithSuggestion("Use Go cipher suite names such as TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256")
	}

	if c.CertFile != "" && c.KeyFile == "" {
		return NewConfigMissingError("key_file").
			WithSuggestion("Provide the private key matching cert_file")
	}
	if c.KeyFile != "" && c.CertFile == "" {
		return NewConfigMissingError("cert_file").
			WithSuggestion("Provide the certificate matching key_file")
	}

	if c.Port < 0 || c.Port > 65535 {
		return NewConfigValidationError("port", c.Port, "port must be between 1 and 65535").
			WithSuggestion("Leave port unset to connect on 443")
	}

	return nil
}

// TLSBackend translates the configuration into the container backend.
func (c TLSConfig) TLSBackend() (shardtls.Backend, error) {
	switch strings.ToLower(c.Backend) {
	case BackendNative:
		return shardtls.Native{}, nil
	case BackendPortable, "":
		switch strings.ToLower(c.Trust) {
		case TrustNative, "":
			return shardtls.Portable{Trust: shardtls.TrustSourceNative}, nil
		case TrustBundled:
			return shardtls.Portable{Trust: shardtls.TrustSourceBundled}, nil
		case TrustFile:
			return shardtls.Portable{Trust: shardtls.TrustSourceFile, Bundle: c.Bundle.ToTLS()}, nil
		default:
			return nil, NewConfigValidationError("trust", c.Trust, "unknown trust source")
		}
	default:
		return nil, NewConfigValidationError("backend", c.Backend, "unknown TLS backend")
	}
}

// ContainerConfig builds the constructor input for shardtls.NewContainer.
func (c TLSConfig) ContainerConfig(logger *slog.Logger, provider metric.MeterProvider) (shardtls.Config, error) {
	backend, err := c.TLSBackend()
	if err != nil {
		return shardtls.Config{}, err
	}

	minVer, err := ParseTLSVersion(c.MinVersion)
	if err != nil {
		return shardtls.Config{}, NewConfigValidationError("min_version", c.MinVersion, err.Error())
	}

	var maxVersion uint16
	if c.MaxVersion != "" {
		maxVer, err := ParseTLSVersion(c.MaxVersion)
		if err != nil {
			return shardtls.Config{}, NewConfigValidationError("max_version", c.MaxVersion, err.Error())
		}
		maxVersion = maxVer.Uint16()
	}

	suites, err := ParseCipherSuites(c.CipherSuites)
	if err != nil {
		return shardtls.Config{}, NewConfigValidationError("cipher_suites", c.CipherSuites, err.Error())
	}

	return shardtls.Config{
		Backend:       backend,
		MinVersion:    minVer.Uint16(),
		MaxVersion:    maxVersion,
		CipherSuites:  suites,
		CertFile:      c.CertFile,
		KeyFile:       c.KeyFile,
		Port:          c.Port,
		Logger:        logger,
		MeterProvider: provider,
	}, nil
}

// NewContainer validates c and builds the shared container it describes.
func (c TLSConfig) NewContainer(logger *slog.Logger, provider metric.MeterProvider) (*shardtls.Container, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	cfg, err := c.ContainerConfig(logger, provider)
	if err != nil {
		return nil, err
	}
	return shardtls.NewContainer(cfg)
}
