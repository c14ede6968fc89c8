// Package retry is the caller-side retry policy for calls made through a
// circuit breaker. The breaker never retries on its own; callers that want
// retries wrap their breaker call in a Retryer. Breaker rejections are never
// retried, since the breaker already knows the dependency is unavailable.
package retry

import (
	"context"
	stderr "errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	retrygo "github.com/avast/retry-go/v5"

	"github.com/dealvault/scalecore/pkg/errors"
)

// Config defines retry behavior configuration
type Config struct {
	// MaxAttempts is the maximum number of attempts (including the initial attempt)
	MaxAttempts int `yaml:"max_attempts" json:"max_attempts"`

	// InitialDelay is the delay before the first retry
	InitialDelay time.Duration `yaml:"initial_delay" json:"initial_delay"`

	// MaxDelay is the maximum delay between retries
	MaxDelay time.Duration `yaml:"max_delay" json:"max_delay"`

	// Multiplier is the factor by which delay increases after each retry
	Multiplier float64 `yaml:"multiplier" json:"multiplier"`

	// Jitter adds up to ±20% randomness to each delay
	Jitter bool `yaml:"jitter" json:"jitter"`

	// RetryIf overrides IsRetryable. Rejections stay non-retryable either way.
	RetryIf func(err error) bool `yaml:"-" json:"-"`

	// OnRetry is called before each retry attempt
	OnRetry func(attempt int, err error) `yaml:"-" json:"-"`
}

// DefaultConfig returns a sensible default retry configuration
func DefaultConfig() Config {
	return Config{
		MaxAttempts:  3,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Multiplier:   2.0,
		Jitter:       true,
	}
}

// Retryer handles retry logic with exponential backoff
type Retryer struct {
	config Config
}

// New creates a new Retryer with the given configuration
func New(config Config) *Retryer {
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 3
	}
	if config.InitialDelay <= 0 {
		config.InitialDelay = 100 * time.Millisecond
	}
	if config.MaxDelay <= 0 {
		config.MaxDelay = 5 * time.Second
	}
	if config.Multiplier <= 0 {
		config.Multiplier = 2.0
	}

	return &Retryer{config: config}
}

// Do executes fn until it succeeds, returns a non-retryable error, the
// attempts run out or ctx is done. Exhausted attempts are reported as
// RETRY_EXHAUSTED wrapping the last error.
func (r *Retryer) Do(ctx context.Context, fn func(context.Context) error) error {
	attempts := 0
	var lastErr error

	err := retrygo.New(
		retrygo.Context(ctx),
		retrygo.Attempts(uint(r.config.MaxAttempts)),
		retrygo.LastErrorOnly(true),
		retrygo.RetryIf(r.shouldRetry),
		retrygo.DelayType(func(n uint, _ error, _ retrygo.DelayContext) time.Duration {
			return r.calculateDelay(int(n) + 1)
		}),
		retrygo.OnRetry(func(n uint, err error) {
			if r.config.OnRetry != nil {
				r.config.OnRetry(int(n)+1, err)
			}
		}),
	).Do(func() error {
		attempts++
		lastErr = fn(ctx)
		return lastErr
	})

	if err == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("operation canceled after %d attempts: %w", attempts, ctxErr)
	}
	if lastErr != nil && r.shouldRetry(lastErr) {
		return errors.Wrap(lastErr, errors.ErrCodeRetryExhausted,
			fmt.Sprintf("max retry attempts (%d) exceeded", r.config.MaxAttempts)).
			WithDetail("attempts", attempts)
	}
	if lastErr != nil {
		return lastErr
	}
	return err
}

func (r *Retryer) shouldRetry(err error) bool {
	if IsRejection(err) {
		return false
	}
	if r.config.RetryIf != nil {
		return r.config.RetryIf(err)
	}
	return IsRetryable(err)
}

// calculateDelay returns initialDelay * multiplier^(attempt-1), capped and jittered.
func (r *Retryer) calculateDelay(attempt int) time.Duration {
	delay := float64(r.config.InitialDelay) * math.Pow(r.config.Multiplier, float64(attempt-1))

	if delay > float64(r.config.MaxDelay) {
		delay = float64(r.config.MaxDelay)
	}

	if r.config.Jitter {
		jitter := delay * 0.2 * (rand.Float64()*2 - 1)
		delay += jitter
	}

	return time.Duration(delay)
}

// IsRejection reports whether err is a circuit breaker refusing the call.
func IsRejection(err error) bool {
	return errors.HasCode(err, errors.ErrCodeCircuitOpen) ||
		errors.HasCode(err, errors.ErrCodeProbeInFlight) ||
		errors.HasCode(err, errors.ErrCodeCircuitRejected)
}

// IsRetryable is the default retry predicate. Context errors and
// ResilienceErrors not flagged retryable are final; other errors are retried.
func IsRetryable(err error) bool {
	if err == nil || IsRejection(err) {
		return false
	}
	if stderr.Is(err, context.Canceled) || stderr.Is(err, context.DeadlineExceeded) {
		return false
	}
	var re *errors.ResilienceError
	if stderr.As(err, &re) {
		return re.Retryable
	}
	return true
}

// Do runs fn with the default configuration.
func Do(ctx context.Context, fn func(context.Context) error) error {
	return New(DefaultConfig()).Do(ctx, fn)
}
