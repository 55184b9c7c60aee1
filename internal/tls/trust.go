package tls

import (
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/x509roots/fallback/bundle"
)

// bundledPool builds a pool from the NSS trust anchors embedded in the
// binary. It never touches the filesystem.
func bundledPool() (*x509.CertPool, int, error) {
	pool := x509.NewCertPool()
	count := 0
	for root := range bundle.Roots() {
		cert, err := x509.ParseCertificate(root.Certificate)
		if err != nil {
			return nil, 0, fmt.Errorf("parse bundled root %d: %w", count, err)
		}
		if root.Constraint == nil {
			pool.AddCert(cert)
		} else {
			pool.AddCertWithConstraint(cert, root.Constraint)
		}
		count++
	}
	return pool, count, nil
}

// TrustBundle describes a PEM trust bundle read from disk or supplied inline.
type TrustBundle struct {
	Name   string
	Path   string
	Inline string
	// SHA256 optionally pins the hex digest of the bundle contents.
	SHA256 string
}

// Materialise returns the PEM-encoded contents for the bundle.
func (b TrustBundle) Materialise() ([]byte, error) {
	var data []byte
	switch {
	case strings.TrimSpace(b.Inline) != "":
		data = []byte(b.Inline)
	case strings.TrimSpace(b.Path) != "":
		path := filepath.Clean(b.Path)
		// #nosec G304 -- bundle path is operator configuration
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, newTrustBundleError(b.name(), "read", err).WithContext("path", path)
		}
		data = raw
	default:
		return nil, newTrustBundleError(b.name(), "no path or inline data provided", nil)
	}

	if err := b.verifyChecksum(data); err != nil {
		return nil, err
	}
	return data, nil
}

func (b TrustBundle) verifyChecksum(data []byte) error {
	if b.SHA256 == "" {
		return nil
	}

	expected := strings.TrimSpace(strings.ToLower(b.SHA256))
	expected = strings.TrimPrefix(expected, "sha256:")
	digest := sha256.Sum256(data)
	actual := hex.EncodeToString(digest[:])
	if actual != expected {
		return newTrustBundleError(b.name(), "checksum mismatch", nil).
			WithContext("expected", expected).
			WithContext("actual", actual)
	}
	return nil
}

// CertPool parses the bundle into a new pool and reports how many anchors
// it holds.
func (b TrustBundle) CertPool() (*x509.CertPool, int, error) {
	data, err := b.Materialise()
	if err != nil {
		return nil, 0, err
	}

	pool := x509.NewCertPool()
	count := 0
	for rest := data; len(rest) > 0; {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" || len(block.Headers) != 0 {
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, 0, newTrustBundleError(b.name(), "parse certificate", err).WithContext("index", count)
		}
		pool.AddCert(cert)
		count++
	}

	if count == 0 {
		return nil, 0, newTrustBundleError(b.name(), "no certificates found", nil)
	}
	return pool, count, nil
}

func (b TrustBundle) name() string {
	if b.Name != "" {
		return b.Name
	}
	if b.Path != "" {
		return filepath.Base(b.Path)
	}
	return "inline"
}
