// Package retry executes operations with bounded retries and exponential
// backoff. Retry eligibility is decided by the error taxonomy in
// pkg/sequent/errors, with per-category default profiles for storage,
// messaging, and remote-call operations.
package retry

import (
	"context"
	"math/rand/v2"
	"time"

	seqerrors "github.com/randalmurphal/sequent/pkg/sequent/errors"
)

// Operation tags the category of work being retried. Each category has its
// own default profile; storage favors quick recovery from lock contention,
// remote calls back off longest.
type Operation int

const (
	// OpStorage covers sequence counter transactions and other database work.
	OpStorage Operation = iota

	// OpMessaging covers broker publishes and consumes.
	OpMessaging

	// OpRemoteCall covers HTTP calls to downstream collaborators.
	OpRemoteCall
)

// String returns the operation category name.
func (o Operation) String() string {
	switch o {
	case OpStorage:
		return "storage"
	case OpMessaging:
		return "messaging"
	case OpRemoteCall:
		return "remote_call"
	default:
		return "unknown"
	}
}

// Config controls retry behavior for a single Do call.
type Config struct {
	// MaxRetries is the number of retries after the initial attempt.
	// An operation runs at most MaxRetries+1 times.
	MaxRetries int

	// BaseDelay is the backoff before the first retry.
	BaseDelay time.Duration

	// MaxDelay caps the computed backoff.
	MaxDelay time.Duration

	// Multiplier is applied to the backoff after each failed attempt.
	Multiplier float64

	// Jitter adds up to 10% random additive jitter to each delay.
	Jitter bool

	// Timeout bounds the whole Do call, independent of per-attempt
	// retries. Zero means no overall deadline.
	Timeout time.Duration

	// RetryableFunc optionally overrides the taxonomy-based check.
	RetryableFunc func(error) bool
}

// StorageProfile favors quick recovery from lock contention: more retries,
// smaller base delay, smaller multiplier.
var StorageProfile = Config{
	MaxRetries: 5,
	BaseDelay:  100 * time.Millisecond,
	MaxDelay:   2 * time.Second,
	Multiplier: 1.5,
	Jitter:     true,
}

// MessagingProfile is the mid-range profile for broker operations.
var MessagingProfile = Config{
	MaxRetries: 3,
	BaseDelay:  500 * time.Millisecond,
	MaxDelay:   10 * time.Second,
	Multiplier: 2.0,
	Jitter:     true,
}

// RemoteCallProfile backs off longest, for HTTP collaborators.
var RemoteCallProfile = Config{
	MaxRetries: 3,
	BaseDelay:  1 * time.Second,
	MaxDelay:   30 * time.Second,
	Multiplier: 2.0,
	Jitter:     true,
}

// ProfileFor returns the default profile for an operation category.
func ProfileFor(op Operation) Config {
	switch op {
	case OpStorage:
		return StorageProfile
	case OpRemoteCall:
		return RemoteCallProfile
	default:
		return MessagingProfile
	}
}

// Option overrides a field of a category profile.
type Option func(*Config)

// WithMaxRetries sets the retry budget after the initial attempt.
func WithMaxRetries(n int) Option {
	return func(cfg *Config) { cfg.MaxRetries = n }
}

// WithBaseDelay sets the backoff before the first retry.
func WithBaseDelay(d time.Duration) Option {
	return func(cfg *Config) { cfg.BaseDelay = d }
}

// WithMaxDelay caps the computed backoff.
func WithMaxDelay(d time.Duration) Option {
	return func(cfg *Config) { cfg.MaxDelay = d }
}

// WithMultiplier sets the backoff multiplier.
func WithMultiplier(f float64) Option {
	return func(cfg *Config) { cfg.Multiplier = f }
}

// WithJitter enables or disables additive jitter.
func WithJitter(enabled bool) Option {
	return func(cfg *Config) { cfg.Jitter = enabled }
}

// WithTimeout bounds the whole Do call with a deadline.
func WithTimeout(d time.Duration) Option {
	return func(cfg *Config) { cfg.Timeout = d }
}

// WithRetryableFunc sets a custom retryability check.
func WithRetryableFunc(fn func(error) bool) Option {
	return func(cfg *Config) { cfg.RetryableFunc = fn }
}

// For builds a Config from the category profile with explicit overrides.
// Per-call overrides take precedence over category defaults.
func For(op Operation, opts ...Option) Config {
	cfg := ProfileFor(op)
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

// Do invokes fn until it succeeds, fails with a non-retryable error, or the
// attempt budget is spent. opDesc names the operation for error messages
// and logging.
//
// On success the result is returned immediately. A non-retryable failure is
// propagated unchanged after a single attempt. When retries are exhausted
// the final error is wrapped in a RetryExhaustedError stating the total
// attempt count and elapsed time.
func Do[T any](ctx context.Context, cfg Config, opDesc string, fn func(context.Context) (T, error)) (T, error) {
	var zero T

	if cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
	}

	isRetryable := cfg.RetryableFunc
	if isRetryable == nil {
		isRetryable = seqerrors.IsRetryable
	}

	start := time.Now()
	var lastErr error

	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, err
		}

		result, err := fn(ctx)
		if err == nil {
			return result, nil
		}
		lastErr = err

		if !isRetryable(err) {
			return zero, err
		}

		// Don't sleep after the last attempt.
		if attempt == cfg.MaxRetries {
			break
		}

		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-time.After(Delay(cfg, attempt)):
		}
	}

	return zero, &seqerrors.RetryExhaustedError{
		Op:       opDesc,
		Attempts: cfg.MaxRetries + 1,
		Elapsed:  time.Since(start),
		Err:      lastErr,
	}
}

// DoVoid is Do for operations without a result.
func DoVoid(ctx context.Context, cfg Config, opDesc string, fn func(context.Context) error) error {
	_, err := Do(ctx, cfg, opDesc, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// Delay returns the backoff before the retry following the given
// zero-based attempt: min(BaseDelay * Multiplier^attempt, MaxDelay), plus
// up to 10% additive jitter when enabled.
func Delay(cfg Config, attempt int) time.Duration {
	backoff := float64(cfg.BaseDelay)
	for i := 0; i < attempt; i++ {
		backoff *= cfg.Multiplier
	}
	if max := float64(cfg.MaxDelay); cfg.MaxDelay > 0 && backoff > max {
		backoff = max
	}
	if cfg.Jitter {
		backoff += backoff * 0.1 * rand.Float64()
	}
	return time.Duration(backoff)
}
