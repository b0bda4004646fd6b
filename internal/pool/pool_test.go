package pool

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"
)

type fakeSession struct {
	id     int
	closed atomic.Bool
}

func newFakePool(t *testing.T, size int) (*Pool[*fakeSession], *atomic.Int32) {
	t.Helper()
	var created atomic.Int32
	p, err := New(context.Background(), Config{Size: size},
		func(ctx context.Context) (*fakeSession, error) {
			return &fakeSession{id: int(created.Add(1))}, nil
		},
		func(s *fakeSession) error {
			s.closed.Store(true)
			return nil
		},
	)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return p, &created
}

func TestPool_WarmUpExactlySize(t *testing.T) {
	p, created := newFakePool(t, 3)
	if got := created.Load(); got != 3 {
		t.Errorf("factory invoked %d times, want 3", got)
	}
	inUse, available := p.Stats()
	if inUse != 0 || available != 3 {
		t.Errorf("stats = (%d in use, %d available), want (0, 3)", inUse, available)
	}
}

func TestPool_InvalidSize(t *testing.T) {
	_, err := New(context.Background(), Config{Size: 0},
		func(ctx context.Context) (int, error) { return 0, nil }, nil)
	if err == nil {
		t.Error("New(size=0) should fail")
	}
}

func TestPool_WarmUpFailureReleasesPartial(t *testing.T) {
	var created []*fakeSession
	_, err := New(context.Background(), Config{Size: 3},
		func(ctx context.Context) (*fakeSession, error) {
			if len(created) == 2 {
				return nil, errors.New("gpu out of memory")
			}
			s := &fakeSession{id: len(created)}
			created = append(created, s)
			return s, nil
		},
		func(s *fakeSession) error {
			s.closed.Store(true)
			return nil
		},
	)
	if err == nil {
		t.Fatal("New should propagate the factory error")
	}
	if len(created) != 2 {
		t.Fatalf("created %d handles before failure, want 2", len(created))
	}
	for i, s := range created {
		if !s.closed.Load() {
			t.Errorf("handle %d leaked: teardown not invoked after failed warm-up", i)
		}
	}
}

func TestPool_AcquireBlocksUntilRelease(t *testing.T) {
	p, _ := newFakePool(t, 1)

	h1, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("first Acquire failed: %v", err)
	}

	acquired := make(chan *Handle[*fakeSession])
	go func() {
		h, err := p.Acquire(context.Background())
		if err != nil {
			t.Errorf("second Acquire failed: %v", err)
		}
		acquired <- h
	}()

	select {
	case <-acquired:
		t.Fatal("second Acquire completed before the first Release")
	case <-time.After(50 * time.Millisecond):
	}

	if err := p.Release(h1); err != nil {
		t.Fatalf("Release failed: %v", err)
	}

	select {
	case h2 := <-acquired:
		if err := p.Release(h2); err != nil {
			t.Fatalf("Release of second handle failed: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("second Acquire did not complete after Release")
	}
}

func TestPool_DoubleReleaseDetected(t *testing.T) {
	p, _ := newFakePool(t, 2)

	h, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	if err := p.Release(h); err != nil {
		t.Fatalf("first Release failed: %v", err)
	}

	err = p.Release(h)
	var invalid *InvalidReleaseError
	if !errors.As(err, &invalid) {
		t.Fatalf("second Release error = %v, want *InvalidReleaseError", err)
	}
}

func TestPool_ForeignHandleRejected(t *testing.T) {
	p1, _ := newFakePool(t, 1)
	p2, _ := newFakePool(t, 1)

	h, err := p1.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}

	var invalid *InvalidReleaseError
	if err := p2.Release(h); !errors.As(err, &invalid) {
		t.Fatalf("releasing a foreign handle: err = %v, want *InvalidReleaseError", err)
	}
	if err := p1.Release(h); err != nil {
		t.Fatalf("legitimate Release failed: %v", err)
	}
}

func TestPool_AcquireAfterClose(t *testing.T) {
	p, _ := newFakePool(t, 1)
	if err := p.Close(context.Background()); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if _, err := p.Acquire(context.Background()); !errors.Is(err, ErrPoolClosed) {
		t.Errorf("Acquire after Close: err = %v, want ErrPoolClosed", err)
	}
}

func TestPool_CloseTearsDownAllHandles(t *testing.T) {
	var sessions []*fakeSession
	p, err := New(context.Background(), Config{Size: 3},
		func(ctx context.Context) (*fakeSession, error) {
			s := &fakeSession{id: len(sessions)}
			sessions = append(sessions, s)
			return s, nil
		},
		func(s *fakeSession) error {
			s.closed.Store(true)
			return fmt.Errorf("teardown %d failed", s.id)
		},
	)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	// Teardown errors are collected, not fatal: all three must still
	// be torn down.
	err = p.Close(context.Background())
	if err == nil {
		t.Fatal("Close should report teardown errors")
	}
	for i, s := range sessions {
		if !s.closed.Load() {
			t.Errorf("handle %d not torn down", i)
		}
	}
}

func TestPool_CloseWaitsForOutstanding(t *testing.T) {
	p, _ := newFakePool(t, 1)

	h, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}

	closed := make(chan error, 1)
	go func() {
		closed <- p.Close(context.Background())
	}()

	select {
	case <-closed:
		t.Fatal("Close returned while a handle was outstanding")
	case <-time.After(50 * time.Millisecond):
	}

	if err := p.Release(h); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	select {
	case err := <-closed:
		if err != nil {
			t.Fatalf("Close failed: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Close did not complete after the handle was released")
	}
}

func TestPool_CloseTimesOutOnStuckHandle(t *testing.T) {
	p, _ := newFakePool(t, 1)

	if _, err := p.Acquire(context.Background()); err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := p.Close(ctx); err == nil {
		t.Error("Close should report the outstanding handle on timeout")
	}
}
