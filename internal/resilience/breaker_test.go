package resilience

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

var errBoom = errors.New("boom")

func newTestBreaker(t *testing.T, threshold int, recovery time.Duration) *Breaker {
	t.Helper()
	b, err := NewBreaker(BreakerConfig{FailureThreshold: threshold, RecoveryTimeout: recovery}, nil)
	if err != nil {
		t.Fatalf("NewBreaker failed: %v", err)
	}
	return b
}

func failN(b *Breaker, name string, n int) {
	for i := 0; i < n; i++ {
		_ = b.Do(context.Background(), name, func(ctx context.Context) error { return errBoom })
	}
}

func TestBreaker_InvalidThreshold(t *testing.T) {
	for _, threshold := range []int{0, -1} {
		if _, err := NewBreaker(BreakerConfig{FailureThreshold: threshold}, nil); err == nil {
			t.Errorf("NewBreaker(threshold=%d) should fail", threshold)
		}
	}
}

func TestBreaker_OpensAtThreshold(t *testing.T) {
	b := newTestBreaker(t, 3, time.Minute)

	failN(b, "ocr", 2)
	if got := b.State("ocr"); got != StateClosed {
		t.Fatalf("state after 2 failures = %v, want closed", got)
	}

	failN(b, "ocr", 1)
	if got := b.State("ocr"); got != StateOpen {
		t.Fatalf("state after 3 failures = %v, want open", got)
	}

	// The next call must fail fast without invoking the operation.
	invoked := false
	err := b.Do(context.Background(), "ocr", func(ctx context.Context) error {
		invoked = true
		return nil
	})
	var open *CircuitOpenError
	if !errors.As(err, &open) {
		t.Fatalf("error = %v, want *CircuitOpenError", err)
	}
	if invoked {
		t.Error("operation was invoked while circuit open")
	}
	if open.Resource != "ocr" {
		t.Errorf("open.Resource = %q, want ocr", open.Resource)
	}
}

func TestBreaker_SuccessResetsCounter(t *testing.T) {
	b := newTestBreaker(t, 3, time.Minute)

	failN(b, "llm", 2)
	if err := b.Do(context.Background(), "llm", func(ctx context.Context) error { return nil }); err != nil {
		t.Fatalf("Do failed: %v", err)
	}
	// Two more failures should not trip a threshold of 3.
	failN(b, "llm", 2)
	if got := b.State("llm"); got != StateClosed {
		t.Errorf("state = %v, want closed after counter reset", got)
	}
}

func TestBreaker_RecoveryHalfOpenThenClose(t *testing.T) {
	b := newTestBreaker(t, 1, time.Minute)
	now := time.Now()
	b.now = func() time.Time { return now }

	failN(b, "ocr", 1)
	if got := b.State("ocr"); got != StateOpen {
		t.Fatalf("state = %v, want open", got)
	}

	// Before the timeout the trial is not admitted.
	now = now.Add(30 * time.Second)
	invoked := false
	_ = b.Do(context.Background(), "ocr", func(ctx context.Context) error { invoked = true; return nil })
	if invoked {
		t.Fatal("trial admitted before recovery timeout")
	}

	// After the timeout the trial call runs; success closes the circuit.
	now = now.Add(31 * time.Second)
	err := b.Do(context.Background(), "ocr", func(ctx context.Context) error { invoked = true; return nil })
	if err != nil || !invoked {
		t.Fatalf("trial call err=%v invoked=%v, want nil/true", err, invoked)
	}
	if got := b.State("ocr"); got != StateClosed {
		t.Errorf("state after trial success = %v, want closed", got)
	}
}

func TestBreaker_TrialFailureReopens(t *testing.T) {
	b := newTestBreaker(t, 1, time.Minute)
	now := time.Now()
	b.now = func() time.Time { return now }

	failN(b, "ocr", 1)
	now = now.Add(2 * time.Minute)
	_ = b.Do(context.Background(), "ocr", func(ctx context.Context) error { return errBoom })
	if got := b.State("ocr"); got != StateOpen {
		t.Fatalf("state after trial failure = %v, want open", got)
	}

	// The recovery clock restarted at the trial failure.
	now = now.Add(30 * time.Second)
	invoked := false
	_ = b.Do(context.Background(), "ocr", func(ctx context.Context) error { invoked = true; return nil })
	if invoked {
		t.Error("trial admitted before restarted recovery timeout elapsed")
	}
}

func TestBreaker_HalfOpenSingleTrial(t *testing.T) {
	b := newTestBreaker(t, 1, time.Millisecond)

	failN(b, "llm", 1)
	time.Sleep(5 * time.Millisecond)

	// One slow trial call holds the half-open slot; a concurrent call
	// must be rejected, not run as a second trial.
	started := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- b.Do(context.Background(), "llm", func(ctx context.Context) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	err := b.Do(context.Background(), "llm", func(ctx context.Context) error { return nil })
	var open *CircuitOpenError
	if !errors.As(err, &open) {
		t.Errorf("concurrent call during trial: err = %v, want *CircuitOpenError", err)
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("trial call failed: %v", err)
	}
	if got := b.State("llm"); got != StateClosed {
		t.Errorf("state = %v, want closed", got)
	}
}

func TestBreaker_ConcurrentFailuresTripOnce(t *testing.T) {
	transitions := 0
	var mu sync.Mutex
	hook := func(event, name string, attrs map[string]string) {
		if event == EventBreakerOpen {
			mu.Lock()
			transitions++
			mu.Unlock()
		}
	}
	b, err := NewBreaker(BreakerConfig{FailureThreshold: 5, RecoveryTimeout: time.Minute}, hook)
	if err != nil {
		t.Fatalf("NewBreaker failed: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = b.Do(context.Background(), "ocr", func(ctx context.Context) error { return errBoom })
		}()
	}
	wg.Wait()

	if got := b.State("ocr"); got != StateOpen {
		t.Fatalf("state = %v, want open", got)
	}
	if transitions != 1 {
		t.Errorf("open transitions = %d, want exactly 1", transitions)
	}
}

func TestBreaker_IndependentResources(t *testing.T) {
	b := newTestBreaker(t, 1, time.Minute)

	failN(b, "ocr", 1)
	if got := b.State("ocr"); got != StateOpen {
		t.Fatalf("ocr state = %v, want open", got)
	}
	if err := b.Do(context.Background(), "llm", func(ctx context.Context) error { return nil }); err != nil {
		t.Errorf("llm call failed while ocr open: %v", err)
	}
}
