// Package pool provides a bounded pool of pre-warmed, reusable handles
// around expensive resources such as loaded model sessions. Warm-up
// cost is paid once at open; callers borrow a handle for the duration
// of a call and return it.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrPoolClosed is returned by Acquire after Close.
var ErrPoolClosed = errors.New("pool is closed")

// InvalidReleaseError reports a release of a handle the pool does not
// consider outstanding: a double release or a foreign handle.
type InvalidReleaseError struct {
	HandleID string
	Reason   string
}

func (e *InvalidReleaseError) Error() string {
	return fmt.Sprintf("invalid release of handle %s: %s", e.HandleID, e.Reason)
}

// Handle wraps one pooled resource. A handle is held by at most one
// caller between Acquire and Release.
type Handle[T any] struct {
	ID         string
	Resource   T
	LastUsedAt time.Time

	owner *Pool[T]
	inUse bool // guarded by owner.mu
}

// Config sizes the pool.
type Config struct {
	Size int
}

// Factory creates one resource instance; Teardown releases it.
type (
	Factory[T any]  func(ctx context.Context) (T, error)
	Teardown[T any] func(resource T) error
)

// Pool owns a fixed set of handles. Invariant: in-use + available
// always equals Size; handles are only created in New and only
// destroyed in Close.
type Pool[T any] struct {
	free     chan *Handle[T]
	teardown Teardown[T]

	mu      sync.Mutex
	handles map[string]*Handle[T]
	closed  bool
	done    chan struct{} // closed by Close to wake blocked acquirers
}

// New pre-warms the pool by invoking factory exactly cfg.Size times.
// If any factory call fails, every handle created so far is torn down
// before the error propagates, so a failed open never leaks resources.
func New[T any](ctx context.Context, cfg Config, factory Factory[T], teardown Teardown[T]) (*Pool[T], error) {
	if cfg.Size <= 0 {
		return nil, fmt.Errorf("pool: size must be positive, got %d", cfg.Size)
	}

	p := &Pool[T]{
		free:     make(chan *Handle[T], cfg.Size),
		teardown: teardown,
		handles:  make(map[string]*Handle[T], cfg.Size),
		done:     make(chan struct{}),
	}

	for i := 0; i < cfg.Size; i++ {
		res, err := factory(ctx)
		if err != nil {
			p.drainTeardown()
			return nil, fmt.Errorf("pool: warm-up %d/%d failed: %w", i+1, cfg.Size, err)
		}
		h := &Handle[T]{ID: uuid.NewString(), Resource: res, owner: p}
		p.handles[h.ID] = h
		p.free <- h
	}
	return p, nil
}

// Acquire blocks until a handle is free, the context is done, or the
// pool is closed. Waiters are served in roughly FIFO order by the
// underlying channel, which is enough to avoid starvation.
func (p *Pool[T]) Acquire(ctx context.Context) (*Handle[T], error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}
	p.mu.Unlock()

	select {
	case h := <-p.free:
		p.mu.Lock()
		if p.closed {
			// Close won the race; put the handle back for teardown.
			p.free <- h
			p.mu.Unlock()
			return nil, ErrPoolClosed
		}
		h.inUse = true
		h.LastUsedAt = time.Now()
		p.mu.Unlock()
		return h, nil
	case <-p.done:
		return nil, ErrPoolClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Release returns a handle to the available set. Releasing a handle
// twice, or a handle this pool does not own, is a programming error
// surfaced as *InvalidReleaseError.
func (p *Pool[T]) Release(h *Handle[T]) error {
	if h == nil {
		return &InvalidReleaseError{HandleID: "", Reason: "nil handle"}
	}

	p.mu.Lock()
	owned := h.owner == p && p.handles[h.ID] == h
	if !owned {
		p.mu.Unlock()
		return &InvalidReleaseError{HandleID: h.ID, Reason: "handle not owned by this pool"}
	}
	if !h.inUse {
		p.mu.Unlock()
		return &InvalidReleaseError{HandleID: h.ID, Reason: "handle already released"}
	}
	h.inUse = false
	h.LastUsedAt = time.Now()
	p.mu.Unlock()

	p.free <- h
	return nil
}

// Close marks the pool closed, waits for outstanding handles to come
// back (bounded by ctx), then tears every handle down. Teardown errors
// are collected and reported together; none of them aborts the close.
func (p *Pool[T]) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.done)
	size := len(p.handles)
	p.mu.Unlock()

	var errs []error
	reclaimed := 0
	for reclaimed < size {
		select {
		case h := <-p.free:
			reclaimed++
			if p.teardown != nil {
				if err := p.teardown(h.Resource); err != nil {
					errs = append(errs, fmt.Errorf("teardown handle %s: %w", h.ID, err))
				}
			}
		case <-ctx.Done():
			errs = append(errs, fmt.Errorf("close: %d of %d handles still outstanding: %w",
				size-reclaimed, size, ctx.Err()))
			return errors.Join(errs...)
		}
	}
	return errors.Join(errs...)
}

// Stats reports the pool's current occupancy.
func (p *Pool[T]) Stats() (inUse, available int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, h := range p.handles {
		if h.inUse {
			inUse++
		}
	}
	return inUse, len(p.handles) - inUse
}

// drainTeardown releases handles created during a failed warm-up.
func (p *Pool[T]) drainTeardown() {
	for {
		select {
		case h := <-p.free:
			if p.teardown != nil {
				_ = p.teardown(h.Resource)
			}
		default:
			return
		}
	}
}
