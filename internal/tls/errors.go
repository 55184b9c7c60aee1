package tls

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// TLSErrorKind identifies the category of a container error.
type TLSErrorKind string

const (
	// Construction errors
	ErrorKindBackendConstruction TLSErrorKind = "backend_construction"
	ErrorKindNativeCertificates  TLSErrorKind = "native_certificates"
	ErrorKindTrustBundle         TLSErrorKind = "trust_bundle"
	ErrorKindConfig              TLSErrorKind = "config"

	// Resolve errors
	ErrorKindNoDomain TLSErrorKind = "no_domain"
)

// Sentinels for errors.Is. Matching compares kinds only.
var (
	ErrBackendConstruction = &TLSError{kind: ErrorKindBackendConstruction}
	ErrNativeCertificates  = &TLSError{kind: ErrorKindNativeCertificates}
	ErrTrustBundle         = &TLSError{kind: ErrorKindTrustBundle}
	ErrConfig              = &TLSError{kind: ErrorKindConfig}
	ErrNoDomain            = &TLSError{kind: ErrorKindNoDomain}
)

// TLSError is returned by container construction and URL resolution.
type TLSError struct {
	kind        TLSErrorKind
	message     string
	cause       error
	Context     map[string]interface{}
	Suggestions []string
}

// Error implements the error interface
func (e *TLSError) Error() string {
	parts := []string{fmt.Sprintf("[%s]", string(e.kind))}

	if e.message != "" {
		parts = append(parts, e.message)
	}

	if len(e.Context) > 0 {
		keys := make([]string, 0, len(e.Context))
		for key := range e.Context {
			keys = append(keys, key)
		}
		sort.Strings(keys)

		contextParts := make([]string, 0, len(keys))
		for _, key := range keys {
			contextParts = append(contextParts, fmt.Sprintf("%s=%v", key, e.Context[key]))
		}
		parts = append(parts, fmt.Sprintf("context: %s", strings.Join(contextParts, ", ")))
	}

	if e.cause != nil {
		parts = append(parts, fmt.Sprintf("cause: %v", e.cause))
	}

	return strings.Join(parts, " | ")
}

// Kind returns the category of the error.
func (e *TLSError) Kind() TLSErrorKind {
	return e.kind
}

// Unwrap returns the underlying cause, if any.
func (e *TLSError) Unwrap() error {
	return e.cause
}

// Parts returns the kind and the underlying cause.
func (e *TLSError) Parts() (TLSErrorKind, error) {
	return e.kind, e.cause
}

// Is reports whether target is a *TLSError of the same kind.
func (e *TLSError) Is(target error) bool {
	t, ok := target.(*TLSError)
	if !ok {
		return false
	}
	return t.kind == e.kind
}

// WithContext adds context information to the error
func (e *TLSError) WithContext(key string, value interface{}) *TLSError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// WithSuggestion adds a suggestion for resolving the error
func (e *TLSError) WithSuggestion(suggestion string) *TLSError {
	e.Suggestions = append(e.Suggestions, suggestion)
	return e
}

func newTLSError(kind TLSErrorKind, message string, cause error) *TLSError {
	return &TLSError{
		kind:    kind,
		message: message,
		cause:   cause,
		Context: make(map[string]interface{}),
	}
}

func newBackendConstructionError(backend BackendKind, cause error) *TLSError {
	return newTLSError(ErrorKindBackendConstruction, "construction of the TLS connector failed", cause).
		WithContext("backend", string(backend)).
		WithSuggestion("Check the protocol version bounds in the TLS configuration").
		WithSuggestion("Verify the client certificate and key files match and are readable")
}

func newNativeCertificatesError(cause error) *TLSError {
	return newTLSError(ErrorKindNativeCertificates, "could not load native certificates", cause).
		WithContext("trust_source", string(TrustSourceNative)).
		WithSuggestion("Install the operating system CA certificates package").
		WithSuggestion("Switch the trust source to 'bundled' to use the compiled-in trust anchors")
}

func newTrustBundleError(name string, reason string, cause error) *TLSError {
	return newTLSError(ErrorKindTrustBundle, fmt.Sprintf("trust bundle %s: %s", name, reason), cause).
		WithContext("bundle", name).
		WithSuggestion("Verify the bundle path or inline PEM data").
		WithSuggestion("Recompute the sha256 pin if the bundle was rotated")
}

func newConfigError(field string, value interface{}, reason string) *TLSError {
	return newTLSError(ErrorKindConfig, fmt.Sprintf("invalid configuration field '%s': %s", field, reason), nil).
		WithContext("field", field).
		WithContext("value", value)
}

func newNoDomainError(rawURL string, cause error) *TLSError {
	return newTLSError(ErrorKindNoDomain, "URL provided by the gateway has no domain part", cause).
		WithContext("url", rawURL).
		WithSuggestion("Use an absolute URL with a DNS host name, e.g. wss://gateway.example.com/")
}

// KindOf extracts the error kind from err, if err wraps a *TLSError.
func KindOf(err error) (TLSErrorKind, bool) {
	var tlsErr *TLSError
	if errors.As(err, &tlsErr) {
		return tlsErr.kind, true
	}
	return "", false
}

// IsConstructionError reports whether err came from building a container.
func IsConstructionError(err error) bool {
	kind, ok := KindOf(err)
	if !ok {
		return false
	}
	switch kind {
	case ErrorKindBackendConstruction, ErrorKindNativeCertificates, ErrorKindTrustBundle, ErrorKindConfig:
		return true
	}
	return false
}

// IsResolveError reports whether err came from resolving a gateway URL.
func IsResolveError(err error) bool {
	kind, ok := KindOf(err)
	return ok && kind == ErrorKindNoDomain
}

// GetRecoverySuggestions returns the suggestions attached to err.
func GetRecoverySuggestions(err error) []string {
	var tlsErr *TLSError
	if errors.As(err, &tlsErr) {
		return tlsErr.Suggestions
	}
	return []string{"Check client logs for more details", "Verify TLS configuration is correct"}
}

// ErrorSeverity levels
type ErrorSeverity int

const (
	SeverityInfo ErrorSeverity = iota
	SeverityWarning
	SeverityError
	SeverityCritical
)

// GetErrorSeverity classifies err. Construction failures leave the process
// without usable TLS and are critical; resolve failures only affect one shard.
func GetErrorSeverity(err error) ErrorSeverity {
	kind, ok := KindOf(err)
	if !ok {
		return SeverityError
	}
	switch kind {
	case ErrorKindBackendConstruction, ErrorKindNativeCertificates, ErrorKindTrustBundle, ErrorKindConfig:
		return SeverityCritical
	case ErrorKindNoDomain:
		return SeverityWarning
	default:
		return SeverityInfo
	}
}
