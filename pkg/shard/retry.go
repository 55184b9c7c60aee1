package shard

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	shardtls "github.com/polisai/polis-shard/internal/tls"
	"github.com/polisai/polis-shard/pkg/policy"
)

// ErrMaxRetriesExceeded is returned when every dial attempt failed.
var ErrMaxRetriesExceeded = errors.New("max retries exceeded")

// RetryConfig defines how a failed shard dial is retried.
type RetryConfig struct {
	// MaxRetries is the number of retries after the first attempt (0 = none).
	MaxRetries int
	// InitialBackoff is the delay before the first retry.
	InitialBackoff time.Duration
	// MaxBackoff caps the delay between retries.
	MaxBackoff time.Duration
	// BackoffMultiplier is the factor by which backoff increases.
	BackoffMultiplier float64
	// Jitter adds up to 25% random delay so shards do not retry in lockstep.
	Jitter bool
}

// DefaultRetryConfig returns sensible defaults for shard dials.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:        3,
		InitialBackoff:    250 * time.Millisecond,
		MaxBackoff:        10 * time.Second,
		BackoffMultiplier: 2.0,
		Jitter:            true,
	}
}

// RetryPolicy decides whether and when a failed dial is retried.
type RetryPolicy struct {
	config RetryConfig
}

// NewRetryPolicy creates a retry policy, filling unset durations and the
// multiplier from DefaultRetryConfig.
func NewRetryPolicy(config RetryConfig) *RetryPolicy {
	defaults := DefaultRetryConfig()
	if config.InitialBackoff <= 0 {
		config.InitialBackoff = defaults.InitialBackoff
	}
	if config.MaxBackoff <= 0 {
		config.MaxBackoff = defaults.MaxBackoff
	}
	if config.BackoffMultiplier <= 0 {
		config.BackoffMultiplier = defaults.BackoffMultiplier
	}
	if config.MaxRetries < 0 {
		config.MaxRetries = 0
	}
	return &RetryPolicy{config: config}
}

// Config returns a copy of the retry configuration.
func (rp *RetryPolicy) Config() RetryConfig {
	return rp.config
}

// ShouldRetry reports whether a dial that failed with err on attempt
// (zero-based) is worth repeating.
func (rp *RetryPolicy) ShouldRetry(err error, attempt int) bool {
	if attempt >= rp.config.MaxRetries {
		return false
	}
	return IsRetryableError(err)
}

// Backoff returns the delay before retry number attempt (zero-based).
func (rp *RetryPolicy) Backoff(attempt int) time.Duration {
	backoff := time.Duration(float64(rp.config.InitialBackoff) * math.Pow(rp.config.BackoffMultiplier, float64(attempt)))
	if backoff > rp.config.MaxBackoff || backoff <= 0 {
		backoff = rp.config.MaxBackoff
	}

	if rp.config.Jitter && backoff >= 4 {
		// #nosec G404 - Non-cryptographic random is acceptable for jitter
		backoff += time.Duration(rand.Int63n(int64(backoff / 4)))
	}

	return backoff
}

// Do runs fn until it succeeds, returns a permanent error or the retries
// are exhausted.
func (rp *RetryPolicy) Do(ctx context.Context, fn func(ctx context.Context, attempt int) error) error {
	for attempt := 0; ; attempt++ {
		err := fn(ctx, attempt)
		if err == nil {
			return nil
		}
		if !rp.ShouldRetry(err, attempt) {
			if attempt > 0 && IsRetryableError(err) {
				return fmt.Errorf("%w after %d attempts: %w", ErrMaxRetriesExceeded, attempt+1, err)
			}
			return err
		}

		timer := time.NewTimer(rp.Backoff(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// IsRetryableError reports whether a dial error may succeed on a later
// attempt. Rejected URLs, plaintext schemes, policy denials, untrusted certificates and
// cancellation are permanent.
func IsRetryableError(err error) bool {
	var verifyErr *tls.CertificateVerificationError
	switch {
	case err == nil:
		return false
	case shardtls.IsResolveError(err), shardtls.IsConstructionError(err):
		return false
	case errors.Is(err, policy.ErrDenied), errors.Is(err, ErrInsecureScheme):
		return false
	case errors.As(err, &verifyErr):
		return false
	case errors.Is(err, context.Canceled):
		return false
	default:
		return true
	}
}
