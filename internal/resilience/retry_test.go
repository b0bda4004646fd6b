package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

func newTestRetrier(t *testing.T, cfg RetryConfig, retryable Retryable) (*Retrier, *[]time.Duration) {
	t.Helper()
	r, err := NewRetrier(cfg, retryable, nil)
	if err != nil {
		t.Fatalf("NewRetrier failed: %v", err)
	}
	var delays []time.Duration
	r.sleep = func(ctx context.Context, d time.Duration) error {
		delays = append(delays, d)
		return nil
	}
	return r, &delays
}

func TestRetrier_InvalidAttempts(t *testing.T) {
	if _, err := NewRetrier(RetryConfig{MaxAttempts: 0}, nil, nil); err == nil {
		t.Error("NewRetrier(MaxAttempts=0) should fail")
	}
}

func TestRetrier_ExhaustionAndBackoff(t *testing.T) {
	r, delays := newTestRetrier(t, RetryConfig{
		MaxAttempts: 3,
		BaseDelay:   100 * time.Millisecond,
		MaxDelay:    time.Second,
	}, nil)

	calls := 0
	err := r.Do(context.Background(), "llm", func(ctx context.Context) error {
		calls++
		return errBoom
	})

	if calls != 3 {
		t.Errorf("operation invoked %d times, want 3", calls)
	}

	var exhausted *RetriesExhaustedError
	if !errors.As(err, &exhausted) {
		t.Fatalf("error = %v, want *RetriesExhaustedError", err)
	}
	if exhausted.Attempts != 3 {
		t.Errorf("exhausted.Attempts = %d, want 3", exhausted.Attempts)
	}
	if !errors.Is(err, errBoom) {
		t.Error("exhausted error should wrap the last underlying error")
	}

	want := []time.Duration{100 * time.Millisecond, 200 * time.Millisecond}
	if len(*delays) != len(want) {
		t.Fatalf("got %d backoff sleeps, want %d", len(*delays), len(want))
	}
	for i, d := range want {
		if (*delays)[i] != d {
			t.Errorf("delay[%d] = %v, want %v", i, (*delays)[i], d)
		}
	}
}

func TestRetrier_BackoffCap(t *testing.T) {
	r, delays := newTestRetrier(t, RetryConfig{
		MaxAttempts: 6,
		BaseDelay:   100 * time.Millisecond,
		MaxDelay:    300 * time.Millisecond,
	}, nil)

	_ = r.Do(context.Background(), "llm", func(ctx context.Context) error { return errBoom })

	want := []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		300 * time.Millisecond,
		300 * time.Millisecond,
		300 * time.Millisecond,
	}
	for i, d := range want {
		if (*delays)[i] != d {
			t.Errorf("delay[%d] = %v, want %v", i, (*delays)[i], d)
		}
	}
}

func TestRetrier_SucceedsMidway(t *testing.T) {
	r, _ := newTestRetrier(t, RetryConfig{MaxAttempts: 5, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}, nil)

	calls := 0
	err := r.Do(context.Background(), "ocr", func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return errBoom
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do failed: %v", err)
	}
	if calls != 3 {
		t.Errorf("operation invoked %d times, want 3", calls)
	}
}

func TestRetrier_NonRetryableStopsImmediately(t *testing.T) {
	fatal := errors.New("bad request")
	r, delays := newTestRetrier(t, RetryConfig{MaxAttempts: 5, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond},
		func(err error) bool { return !errors.Is(err, fatal) })

	calls := 0
	err := r.Do(context.Background(), "ocr", func(ctx context.Context) error {
		calls++
		return fatal
	})
	if !errors.Is(err, fatal) {
		t.Fatalf("error = %v, want the fatal error itself", err)
	}
	if calls != 1 {
		t.Errorf("operation invoked %d times, want 1", calls)
	}
	if len(*delays) != 0 {
		t.Errorf("got %d backoff sleeps, want 0", len(*delays))
	}
}

func TestRetrier_CircuitOpenNotRetried(t *testing.T) {
	r, _ := newTestRetrier(t, RetryConfig{MaxAttempts: 5, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}, nil)

	calls := 0
	err := r.Do(context.Background(), "llm", func(ctx context.Context) error {
		calls++
		return &CircuitOpenError{Resource: "llm"}
	})

	var open *CircuitOpenError
	if !errors.As(err, &open) {
		t.Fatalf("error = %v, want *CircuitOpenError", err)
	}
	if calls != 1 {
		t.Errorf("operation invoked %d times, want 1: retrying an open circuit defeats the breaker", calls)
	}
}

func TestRetrier_CancelledDuringBackoff(t *testing.T) {
	r, err := NewRetrier(RetryConfig{MaxAttempts: 3, BaseDelay: time.Hour, MaxDelay: time.Hour}, nil, nil)
	if err != nil {
		t.Fatalf("NewRetrier failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	err = r.Do(ctx, "ocr", func(ctx context.Context) error { return errBoom })
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("error = %v, want context.Canceled", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("cancellation took %v, backoff sleep did not honor ctx", elapsed)
	}
}

func TestDefaultRetryable(t *testing.T) {
	tests := []struct {
		err    error
		expect bool
	}{
		{errors.New("connection reset by peer"), true},
		{context.DeadlineExceeded, true},
		{&CircuitOpenError{Resource: "llm"}, false},
		{context.Canceled, false},
	}
	for _, tt := range tests {
		if got := DefaultRetryable(tt.err); got != tt.expect {
			t.Errorf("DefaultRetryable(%v) = %v, want %v", tt.err, got, tt.expect)
		}
	}
}
