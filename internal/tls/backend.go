package tls

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
)

// BackendKind tags which TLS implementation family a connector belongs to.
type BackendKind string

const (
	// BackendKindNative verifies peers with the platform verifier.
	BackendKindNative BackendKind = "native"
	// BackendKindPortable verifies peers against an explicit trust store.
	BackendKindPortable BackendKind = "portable"
)

// TrustSource selects where the portable backend sources its trust anchors.
type TrustSource string

const (
	// TrustSourceNative loads the operating system certificate store.
	TrustSourceNative TrustSource = "native"
	// TrustSourceBundled uses the trust anchors compiled into the binary.
	TrustSourceBundled TrustSource = "bundled"
	// TrustSourceFile loads a PEM trust bundle.
	TrustSourceFile TrustSource = "file"
)

// Backend is the closed set of TLS backends a container can be built with:
// Native and Portable.
type Backend interface {
	Kind() BackendKind
	build(cfg *Config) (*tls.Config, trustStats, error)
}

type trustStats struct {
	source  TrustSource
	anchors int
}

// Native builds connectors that defer certificate verification to the
// platform verifier (RootCAs left nil).
type Native struct{}

// Kind implements Backend.
func (Native) Kind() BackendKind { return BackendKindNative }

func (Native) build(cfg *Config) (*tls.Config, trustStats, error) {
	clientConfig, err := baseClientConfig(cfg)
	if err != nil {
		return nil, trustStats{}, newBackendConstructionError(BackendKindNative, err)
	}
	return clientConfig, trustStats{}, nil
}

// Portable builds connectors that verify peers against a trust store
// assembled once from the configured source.
type Portable struct {
	Trust TrustSource
	// Bundle is required when Trust is TrustSourceFile.
	Bundle TrustBundle
}

// Kind implements Backend.
func (Portable) Kind() BackendKind { return BackendKindPortable }

func (p Portable) build(cfg *Config) (*tls.Config, trustStats, error) {
	trust := p.Trust
	if trust == "" {
		trust = TrustSourceNative
	}

	var (
		pool    *x509.CertPool
		anchors int
		err     error
	)
	switch trust {
	case TrustSourceNative:
		loader := cfg.NativeRoots
		if loader == nil {
			loader = x509.SystemCertPool
		}
		pool, err = loader()
		if err != nil {
			return nil, trustStats{}, newNativeCertificatesError(err)
		}
		if pool == nil || pool.Equal(x509.NewCertPool()) {
			return nil, trustStats{}, newNativeCertificatesError(fmt.Errorf("system certificate pool is empty"))
		}
	case TrustSourceBundled:
		pool, anchors, err = bundledPool()
		if err != nil {
			return nil, trustStats{}, newBackendConstructionError(BackendKindPortable, err)
		}
	case TrustSourceFile:
		pool, anchors, err = p.Bundle.CertPool()
		if err != nil {
			return nil, trustStats{}, err
		}
	default:
		return nil, trustStats{}, newConfigError("trust_source", string(trust), "supported sources: native, bundled, file")
	}

	clientConfig, err := baseClientConfig(cfg)
	if err != nil {
		return nil, trustStats{}, newBackendConstructionError(BackendKindPortable, err)
	}
	clientConfig.RootCAs = pool

	return clientConfig, trustStats{source: trust, anchors: anchors}, nil
}

// baseClientConfig holds the settings shared by both backends.
func baseClientConfig(cfg *Config) (*tls.Config, error) {
	if err := validateCipherSuites(cfg.CipherSuites); err != nil {
		return nil, err
	}

	clientConfig := &tls.Config{
		MinVersion:   cfg.MinVersion,
		MaxVersion:   cfg.MaxVersion,
		CipherSuites: append([]uint16(nil), cfg.CipherSuites...),
	}
	applySecureDefaults(clientConfig)
	if clientConfig.MaxVersion != 0 && clientConfig.MaxVersion < clientConfig.MinVersion {
		return nil, fmt.Errorf("max version %s is below min version %s",
			tls.VersionName(clientConfig.MaxVersion), tls.VersionName(clientConfig.MinVersion))
	}

	if cfg.CertFile != "" || cfg.KeyFile != "" {
		if cfg.CertFile == "" || cfg.KeyFile == "" {
			return nil, fmt.Errorf("both CertFile and KeyFile are required when supplying client certificates")
		}
		certificate, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("load client certificate: %w", err)
		}
		clientConfig.Certificates = []tls.Certificate{certificate}
	}

	return clientConfig, nil
}
