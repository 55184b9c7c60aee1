package config

import (
	"encoding/hex"
	"strings"

	shardtls "github.com/polisai/polis-shard/internal/tls"
)

// TrustBundle holds the PEM bundle used by the "file" trust source.
type TrustBundle struct {
	Name   string `json:"name" yaml:"name" env:"NAME"`
	Path   string `json:"path" yaml:"path" env:"PATH"`
	Inline string `json:"inline" yaml:"inline" env:"INLINE"`
	SHA256 string `json:"sha256" yaml:"sha256" env:"SHA256"`
}

// Validate checks that exactly one source is set and that any pin is a
// SHA-256 hex digest.
func (b *TrustBundle) Validate() error {
	hasPath := strings.TrimSpace(b.Path) != ""
	hasInline := strings.TrimSpace(b.Inline) != ""

	switch {
	case !hasPath && !hasInline:
		return NewConfigMissingError("bundle.path").
			WithSuggestion("Set bundle.path to a PEM file or bundle.inline to PEM data")
	case hasPath && hasInline:
		return NewConfigValidationError("bundle", b.Name, "path and inline are mutually exclusive")
	}

	if b.SHA256 != "" {
		digest := strings.TrimPrefix(strings.ToLower(strings.TrimSpace(b.SHA256)), "sha256:")
		if decoded, err := hex.DecodeString(digest); err != nil || len(decoded) != 32 {
			return NewConfigValidationError("bundle.sha256", b.SHA256, "not a SHA-256 hex digest").
				WithSuggestion("Compute the pin with: sha256sum <bundle.pem>")
		}
	}

	return nil
}

// ToTLS converts the configuration into the container's bundle type.
func (b TrustBundle) ToTLS() shardtls.TrustBundle {
	return shardtls.TrustBundle{
		Name:   b.Name,
		Path:   strings.TrimSpace(b.Path),
		Inline: b.Inline,
		SHA256: b.SHA256,
	}
}
