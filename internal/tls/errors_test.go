package tls

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTLSError_Error(t *testing.T) {
	tests := []struct {
		name     string
		tlsError *TLSError
		expected string
	}{
		{
			name:     "kind only",
			tlsError: &TLSError{kind: ErrorKindNoDomain},
			expected: "[no_domain]",
		},
		{
			name:     "basic error",
			tlsError: &TLSError{kind: ErrorKindNativeCertificates, message: "could not load native certificates"},
			expected: "[native_certificates] could not load native certificates",
		},
		{
			name: "error with sorted context",
			tlsError: &TLSError{
				kind:    ErrorKindTrustBundle,
				message: "trust bundle ca: read",
				Context: map[string]interface{}{
					"path":   "/etc/polis/ca.pem",
					"bundle": "ca",
				},
			},
			expected: "[trust_bundle] trust bundle ca: read | context: bundle=ca, path=/etc/polis/ca.pem",
		},
		{
			name: "error with cause",
			tlsError: &TLSError{
				kind:    ErrorKindBackendConstruction,
				message: "construction of the TLS connector failed",
				cause:   fmt.Errorf("load client certificate: permission denied"),
			},
			expected: "[backend_construction] construction of the TLS connector failed | cause: load client certificate: permission denied",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.tlsError.Error())
		})
	}
}

func TestTLSError_WithContext(t *testing.T) {
	err := &TLSError{kind: ErrorKindConfig}

	result := err.WithContext("key", "value")

	assert.Same(t, err, result)
	assert.Equal(t, "value", err.Context["key"])
}

func TestTLSError_Accessors(t *testing.T) {
	cause := fmt.Errorf("underlying error")
	err := newNativeCertificatesError(cause)

	assert.Equal(t, ErrorKindNativeCertificates, err.Kind())
	assert.Equal(t, cause, err.Unwrap())

	kind, source := err.Parts()
	assert.Equal(t, ErrorKindNativeCertificates, kind)
	assert.Equal(t, cause, source)

	assert.Nil(t, newNoDomainError("/", nil).Unwrap())
}

func TestTLSError_IsMatchesKind(t *testing.T) {
	wrapped := fmt.Errorf("shard 3: %w", newNoDomainError("/gateway", nil))

	assert.True(t, errors.Is(wrapped, ErrNoDomain))
	assert.False(t, errors.Is(wrapped, ErrNativeCertificates))
	assert.False(t, errors.Is(errors.New("no_domain"), ErrNoDomain))

	kind, ok := KindOf(wrapped)
	assert.True(t, ok)
	assert.Equal(t, ErrorKindNoDomain, kind)

	_, ok = KindOf(errors.New("plain"))
	assert.False(t, ok)
}

func TestErrorClassificationHelpers(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		checker  func(error) bool
		expected bool
	}{
		{
			name:     "backend construction is a construction error",
			err:      newBackendConstructionError(BackendKindNative, errors.New("boom")),
			checker:  IsConstructionError,
			expected: true,
		},
		{
			name:     "trust bundle is a construction error",
			err:      newTrustBundleError("ca", "checksum mismatch", nil),
			checker:  IsConstructionError,
			expected: true,
		},
		{
			name:     "no domain is a resolve error",
			err:      newNoDomainError("/", nil),
			checker:  IsResolveError,
			expected: true,
		},
		{
			name:     "no domain is not a construction error",
			err:      newNoDomainError("/", nil),
			checker:  IsConstructionError,
			expected: false,
		},
		{
			name:     "non-TLS error",
			err:      fmt.Errorf("regular error"),
			checker:  IsResolveError,
			expected: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.checker(tt.err))
		})
	}
}

func TestGetErrorSeverity(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected ErrorSeverity
	}{
		{
			name:     "construction failure is critical",
			err:      newNativeCertificatesError(errors.New("missing store")),
			expected: SeverityCritical,
		},
		{
			name:     "invalid config is critical",
			err:      newConfigError("port", 0, "out of range"),
			expected: SeverityCritical,
		},
		{
			name:     "resolve failure is a warning",
			err:      newNoDomainError("/", nil),
			expected: SeverityWarning,
		},
		{
			name:     "error for non-TLS error",
			err:      fmt.Errorf("regular error"),
			expected: SeverityError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, GetErrorSeverity(tt.err))
		})
	}
}

func TestGetRecoverySuggestions(t *testing.T) {
	err := newNativeCertificatesError(nil).WithSuggestion("Check the container image")

	suggestions := GetRecoverySuggestions(err)

	assert.GreaterOrEqual(t, len(suggestions), 2)
	assert.Contains(t, suggestions, "Check the container image")
}

func TestGetRecoverySuggestions_NonTLSError(t *testing.T) {
	suggestions := GetRecoverySuggestions(fmt.Errorf("regular error"))

	assert.Len(t, suggestions, 2)
	assert.Contains(t, suggestions, "Verify TLS configuration is correct")
}
