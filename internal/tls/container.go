package tls

import (
	"context"
	"crypto/tls"
	"net"
	"net/netip"
	"net/url"
	"strings"
	"time"
)

// Container owns the one connector shared by every shard of a client.
// It is immutable after NewContainer returns and safe for concurrent use.
type Container struct {
	connector Connector
	trust     TrustSource
	port      string

	logger  *TLSLogger
	metrics *MetricsCollector
	peers   *peerMonitor
}

// Clone returns another handle to the same connector state.
func (c *Container) Clone() *Container {
	clone := *c
	return &clone
}

// Backend reports which backend the container was built with.
func (c *Container) Backend() BackendKind {
	return c.connector.backend
}

// TrustSource reports the portable trust source, or "" for the native backend.
func (c *Container) TrustSource() TrustSource {
	return c.trust
}

// Connector returns a handle to the shared connector.
func (c *Container) Connector() Connector {
	return c.connector
}

// Resolve derives the dial address and connector for a gateway URL.
func (c *Container) Resolve(rawURL string) (string, Connector, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return c.resolveFailed(newNoDomainError(rawURL, err))
	}
	return c.ResolveURL(u)
}

// ResolveURL derives the dial address and connector for u. The address is
// always "{host}:{port}" with the container port (443 by default), whatever
// port u carries. Hosts that are IP literals have no domain and are rejected.
func (c *Container) ResolveURL(u *url.URL) (string, Connector, error) {
	if u == nil {
		return c.resolveFailed(newNoDomainError("", nil))
	}

	host := strings.ToLower(u.Hostname())
	if host == "" || isIPLiteral(host) {
		return c.resolveFailed(newNoDomainError(u.String(), nil))
	}

	c.metrics.RecordResolve(context.Background(), c.connector.backend, "")
	return net.JoinHostPort(host, c.port), c.connector, nil
}

// isIPLiteral reports whether host is an IPv4 or IPv6 address, including
// IPv6 addresses carrying a zone.
func isIPLiteral(host string) bool {
	_, err := netip.ParseAddr(host)
	return err == nil
}

func (c *Container) resolveFailed(err *TLSError) (string, Connector, error) {
	c.metrics.RecordResolve(context.Background(), c.connector.backend, err.Kind())
	return "", Connector{}, err
}

// ObserveHandshake records a completed handshake made with this container's
// connector.
func (c *Container) ObserveHandshake(ctx context.Context, shardID, address string, state tls.ConnectionState, duration time.Duration) {
	c.logger.LogHandshakeSuccess(ctx, shardID, address, state, duration)
	c.metrics.RecordHandshakeSuccess(ctx, c.connector.backend, tls.VersionName(state.Version), tls.CipherSuiteName(state.CipherSuite), duration)
	c.observePeer(ctx, state, time.Now())
}

// ObserveHandshakeFailure records a failed connection attempt.
func (c *Container) ObserveHandshakeFailure(ctx context.Context, shardID, address string, err error, duration time.Duration) {
	c.logger.LogHandshakeFailure(ctx, shardID, address, err, duration)
	c.metrics.RecordHandshakeError(ctx, c.connector.backend, address)
}
