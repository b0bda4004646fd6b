package resilience

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// BreakerState represents the health state of a guarded resource.
type BreakerState int

const (
	StateClosed   BreakerState = iota // normal operation
	StateOpen                         // rejecting calls until the recovery timeout elapses
	StateHalfOpen                     // one trial call is in flight
)

func (s BreakerState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// CircuitOpenError is returned when a call is rejected because the
// breaker for the resource is open. It is non-retryable by default.
type CircuitOpenError struct {
	Resource   string
	RetryAfter time.Duration
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit open for %s (retry after %s)", e.Resource, e.RetryAfter)
}

// BreakerConfig controls state transitions.
type BreakerConfig struct {
	FailureThreshold int           // consecutive failures before opening
	RecoveryTimeout  time.Duration // open duration before a trial call is allowed
}

// circuit is the per-resource state machine. All fields are guarded by
// mu so transitions are atomic; different resources never share a lock.
type circuit struct {
	mu           sync.Mutex
	state        BreakerState
	failureCount int
	openedAt     time.Time
	trialActive  bool
}

// Breaker tracks failures per named resource and fails fast while a
// resource is considered unavailable. Circuits are created lazily on
// first use and live for the breaker's lifetime.
type Breaker struct {
	cfg  BreakerConfig
	hook Hook

	mu       sync.RWMutex
	circuits map[string]*circuit

	now func() time.Time
}

// NewBreaker creates a Breaker. FailureThreshold must be positive.
func NewBreaker(cfg BreakerConfig, hook Hook) (*Breaker, error) {
	if cfg.FailureThreshold <= 0 {
		return nil, fmt.Errorf("breaker: failure threshold must be positive, got %d", cfg.FailureThreshold)
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = 60 * time.Second
	}
	return &Breaker{
		cfg:      cfg,
		hook:     hook,
		circuits: make(map[string]*circuit),
		now:      time.Now,
	}, nil
}

func (b *Breaker) circuitFor(name string) *circuit {
	b.mu.RLock()
	c, ok := b.circuits[name]
	b.mu.RUnlock()
	if ok {
		return c
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if c, ok = b.circuits[name]; ok {
		return c
	}
	c = &circuit{state: StateClosed}
	b.circuits[name] = c
	return c
}

// State returns the current state for a resource without mutating it.
func (b *Breaker) State(name string) BreakerState {
	c := b.circuitFor(name)
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Do runs op under the breaker for the named resource. While the
// circuit is open, calls fail fast with *CircuitOpenError and op is
// never invoked. Once the recovery timeout elapses, a single trial
// call is admitted; its outcome closes or re-opens the circuit.
func (b *Breaker) Do(ctx context.Context, name string, op func(ctx context.Context) error) error {
	c := b.circuitFor(name)

	trial, err := b.admit(c, name)
	if err != nil {
		return err
	}

	opErr := op(ctx)
	b.settle(c, name, trial, opErr)
	return opErr
}

// admit decides whether a call may proceed. It returns trial=true when
// the call is the half-open probe.
func (b *Breaker) admit(c *circuit, name string) (trial bool, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case StateOpen:
		elapsed := b.now().Sub(c.openedAt)
		if elapsed < b.cfg.RecoveryTimeout {
			return false, &CircuitOpenError{Resource: name, RetryAfter: b.cfg.RecoveryTimeout - elapsed}
		}
		c.state = StateHalfOpen
		c.trialActive = true
		b.hook.Emit(EventBreakerHalfOpen, name, nil)
		return true, nil
	case StateHalfOpen:
		if c.trialActive {
			// Another caller holds the trial slot.
			return false, &CircuitOpenError{Resource: name, RetryAfter: 0}
		}
		c.trialActive = true
		return true, nil
	default:
		return false, nil
	}
}

// settle applies the call outcome to the circuit.
func (b *Breaker) settle(c *circuit, name string, trial bool, opErr error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if trial {
		c.trialActive = false
		if opErr == nil {
			c.state = StateClosed
			c.failureCount = 0
			b.hook.Emit(EventBreakerClose, name, nil)
		} else {
			c.state = StateOpen
			c.openedAt = b.now()
			b.hook.Emit(EventBreakerOpen, name, map[string]string{"from": "half_open"})
		}
		return
	}

	if opErr == nil {
		if c.state == StateClosed {
			c.failureCount = 0
		}
		return
	}

	// A failure that raced a concurrent transition still counts, but
	// the circuit trips exactly once.
	c.failureCount++
	if c.state == StateClosed && c.failureCount >= b.cfg.FailureThreshold {
		c.state = StateOpen
		c.openedAt = b.now()
		b.hook.Emit(EventBreakerOpen, name, map[string]string{"from": "closed"})
	}
}

// Reset returns a resource's circuit to closed with a zero counter.
func (b *Breaker) Reset(name string) {
	c := b.circuitFor(name)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = StateClosed
	c.failureCount = 0
	c.trialActive = false
}

// Snapshot reports the state of every circuit seen so far.
func (b *Breaker) Snapshot() map[string]string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make(map[string]string, len(b.circuits))
	for name, c := range b.circuits {
		c.mu.Lock()
		out[name] = c.state.String()
		c.mu.Unlock()
	}
	return out
}
