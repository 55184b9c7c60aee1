package tls

import "crypto/tls"

// Connector is a backend-tagged handle to a container's TLS client
// configuration. Copies share the same configuration.
type Connector struct {
	backend BackendKind
	config  *tls.Config
}

// Backend tells the socket layer which implementation family to dispatch to.
func (c Connector) Backend() BackendKind {
	return c.backend
}

// IsZero reports whether the handle was returned by a failed resolve.
func (c Connector) IsZero() bool {
	return c.config == nil
}

// Config returns the shared configuration. Callers must not modify it.
func (c Connector) Config() *tls.Config {
	return c.config
}

// ClientConfig returns a per-connection copy of the configuration with
// ServerName set for SNI and verification.
func (c Connector) ClientConfig(serverName string) *tls.Config {
	if c.config == nil {
		return nil
	}
	clientConfig := c.config.Clone()
	clientConfig.ServerName = serverName
	return clientConfig
}
