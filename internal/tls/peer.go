package tls

import (
	"context"
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/tls"
	"fmt"
	"strings"
	"sync"
	"time"
)

// PeerStatus classifies how close a gateway certificate is to expiry.
type PeerStatus string

const (
	PeerStatusOK       PeerStatus = "ok"
	PeerStatusWarning  PeerStatus = "warning"
	PeerStatusCritical PeerStatus = "critical"
	PeerStatusExpired  PeerStatus = "expired"
)

const (
	peerWarningDays  = 30
	peerCriticalDays = 7
	// A gateway certificate is reported at most once per interval.
	peerWarningInterval = 24 * time.Hour
)

// PeerCertificate summarises the leaf certificate a gateway presented.
type PeerCertificate struct {
	ServerName      string
	Subject         string
	Issuer          string
	NotAfter        time.Time
	DaysUntilExpiry int
	SelfSigned      bool
	KeySize         int
	ChainLength     int
	Status          PeerStatus
	Warnings        []string
}

// InspectPeer summarises the leaf certificate of a completed handshake. It
// reports false when the peer sent no certificate.
func InspectPeer(state tls.ConnectionState, now time.Time) (PeerCertificate, bool) {
	if len(state.PeerCertificates) == 0 {
		return PeerCertificate{}, false
	}
	leaf := state.PeerCertificates[0]

	peer := PeerCertificate{
		ServerName:  state.ServerName,
		Subject:     leaf.Subject.String(),
		Issuer:      leaf.Issuer.String(),
		NotAfter:    leaf.NotAfter,
		SelfSigned:  leaf.Subject.String() == leaf.Issuer.String(),
		KeySize:     keySize(leaf.PublicKey),
		ChainLength: len(state.PeerCertificates),
		Status:      PeerStatusOK,
	}

	if now.After(leaf.NotAfter) {
		peer.Status = PeerStatusExpired
		peer.Warnings = append(peer.Warnings, fmt.Sprintf("certificate expired on %s", leaf.NotAfter.Format(time.RFC3339)))
	} else {
		peer.DaysUntilExpiry = int(leaf.NotAfter.Sub(now).Hours() / 24)
		switch {
		case peer.DaysUntilExpiry <= peerCriticalDays:
			peer.Status = PeerStatusCritical
		case peer.DaysUntilExpiry <= peerWarningDays:
			peer.Status = PeerStatusWarning
		}
		if peer.Status != PeerStatusOK {
			peer.Warnings = append(peer.Warnings, fmt.Sprintf("certificate expires in %d days", peer.DaysUntilExpiry))
		}
	}

	if peer.KeySize > 0 && peer.KeySize < 2048 && isRSA(leaf.PublicKey) {
		peer.Warnings = append(peer.Warnings, fmt.Sprintf("weak RSA key size: %d bits", peer.KeySize))
	}
	if strings.Contains(strings.ToLower(leaf.SignatureAlgorithm.String()), "sha1") {
		peer.Warnings = append(peer.Warnings, "uses SHA-1 signature algorithm")
	}

	return peer, true
}

func keySize(publicKey any) int {
	switch key := publicKey.(type) {
	case *rsa.PublicKey:
		return key.N.BitLen()
	case *ecdsa.PublicKey:
		return key.Curve.Params().BitSize
	default:
		return 0
	}
}

func isRSA(publicKey any) bool {
	_, ok := publicKey.(*rsa.PublicKey)
	return ok
}

// peerMonitor rate-limits expiry reports per server name. It is shared by
// every clone of a container.
type peerMonitor struct {
	mu           sync.Mutex
	lastWarnings map[string]time.Time
}

func newPeerMonitor() *peerMonitor {
	return &peerMonitor{lastWarnings: make(map[string]time.Time)}
}

// shouldReport reports whether peer needs a warning now.
func (m *peerMonitor) shouldReport(peer PeerCertificate, now time.Time) bool {
	if peer.Status == PeerStatusOK {
		return false
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if last, ok := m.lastWarnings[peer.ServerName]; ok && now.Sub(last) < peerWarningInterval {
		return false
	}
	m.lastWarnings[peer.ServerName] = now
	return true
}

// observePeer inspects the handshake, records the expiry gauge and logs a
// warning when the gateway certificate is close to expiry.
func (c *Container) observePeer(ctx context.Context, state tls.ConnectionState, now time.Time) {
	peer, ok := InspectPeer(state, now)
	if !ok {
		return
	}

	c.metrics.RecordPeerExpiry(ctx, peer.ServerName, peer.DaysUntilExpiry)
	if c.peers.shouldReport(peer, now) {
		c.logger.LogPeerCertificateWarning(ctx, peer)
	}
}
