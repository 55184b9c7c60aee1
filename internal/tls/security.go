package tls

import (
	"crypto/tls"
	"fmt"
	"strings"
)

// secureCipherSuites are the TLS 1.2 suites a connector offers, strongest
// first. TLS 1.3 suites are not configurable and always allowed.
var secureCipherSuites = []uint16{
	tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
	tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
	tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
	tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
	tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305_SHA256,
	tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305_SHA256,
}

// applySecureDefaults restricts a client configuration to forward-secret
// AEAD suites and disables renegotiation.
func applySecureDefaults(config *tls.Config) {
	if len(config.CipherSuites) == 0 {
		config.CipherSuites = append([]uint16(nil), secureCipherSuites...)
	}
	if config.MinVersion < tls.VersionTLS12 {
		config.MinVersion = tls.VersionTLS12
	}
	config.Renegotiation = tls.RenegotiateNever
}

// validateCipherSuites rejects suites Go itself classifies as insecure and
// suites it does not know.
func validateCipherSuites(suites []uint16) error {
	known := make(map[uint16]bool)
	for _, suite := range tls.CipherSuites() {
		known[suite.ID] = true
	}

	var insecure []string
	for _, id := range suites {
		if !known[id] {
			insecure = append(insecure, tls.CipherSuiteName(id))
		}
	}

	if len(insecure) > 0 {
		return fmt.Errorf("insecure or unknown cipher suites: %s", strings.Join(insecure, ", "))
	}
	return nil
}
