package resilience

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"
)

// RetriesExhaustedError wraps the final error after all attempts failed.
type RetriesExhaustedError struct {
	Attempts int
	LastErr  error
}

func (e *RetriesExhaustedError) Error() string {
	return fmt.Sprintf("failed after %d attempts: %v", e.Attempts, e.LastErr)
}

func (e *RetriesExhaustedError) Unwrap() error { return e.LastErr }

// RetryConfig defines retry behavior.
type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultRetryConfig provides sensible defaults.
var DefaultRetryConfig = RetryConfig{
	MaxAttempts: 3,
	BaseDelay:   time.Second,
	MaxDelay:    30 * time.Second,
}

// Retryable decides whether an error is worth another attempt.
type Retryable func(error) bool

// DefaultRetryable retries everything except circuit-open rejections:
// an open breaker already means "stop hammering this resource", so
// retrying it would defeat the breaker's purpose. Context cancellation
// is also terminal (the caller is gone), but a per-call deadline on a
// single attempt stays retryable and is classified by the caller.
func DefaultRetryable(err error) bool {
	var open *CircuitOpenError
	if errors.As(err, &open) {
		return false
	}
	return !errors.Is(err, context.Canceled)
}

// Retrier wraps fallible operations with bounded attempts and
// exponential backoff. Compose it over a Breaker (retry outside,
// breaker inside), never the other way around.
type Retrier struct {
	cfg       RetryConfig
	retryable Retryable
	hook      Hook

	sleep func(ctx context.Context, d time.Duration) error
}

// NewRetrier creates a Retrier. A nil retryable uses DefaultRetryable.
func NewRetrier(cfg RetryConfig, retryable Retryable, hook Hook) (*Retrier, error) {
	if cfg.MaxAttempts <= 0 {
		return nil, fmt.Errorf("retry: max attempts must be positive, got %d", cfg.MaxAttempts)
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = DefaultRetryConfig.BaseDelay
	}
	if cfg.MaxDelay < cfg.BaseDelay {
		cfg.MaxDelay = cfg.BaseDelay
	}
	if retryable == nil {
		retryable = DefaultRetryable
	}
	return &Retrier{cfg: cfg, retryable: retryable, hook: hook, sleep: sleepCtx}, nil
}

// Do runs op up to MaxAttempts times. Non-retryable errors propagate
// immediately even if attempts remain; exhaustion surfaces a
// *RetriesExhaustedError wrapping the last error. The backoff sleep
// suspends only this call and honors ctx cancellation.
func (r *Retrier) Do(ctx context.Context, name string, op func(ctx context.Context) error) error {
	var lastErr error

	for attempt := 1; attempt <= r.cfg.MaxAttempts; attempt++ {
		err := op(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		if !r.retryable(err) {
			return err
		}
		if attempt == r.cfg.MaxAttempts {
			break
		}

		delay := r.backoff(attempt)
		r.hook.Emit(EventRetryAttempt, name, map[string]string{
			"attempt": strconv.Itoa(attempt),
			"delay":   delay.String(),
			"error":   err.Error(),
		})
		if err := r.sleep(ctx, delay); err != nil {
			return err
		}
	}

	return &RetriesExhaustedError{Attempts: r.cfg.MaxAttempts, LastErr: lastErr}
}

// backoff computes min(base * 2^(attempt-1), max).
func (r *Retrier) backoff(attempt int) time.Duration {
	delay := r.cfg.BaseDelay << (attempt - 1)
	if delay > r.cfg.MaxDelay || delay <= 0 {
		delay = r.cfg.MaxDelay
	}
	return delay
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
