package jobstore

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"
)

// FailoverKV wraps a primary backend and degrades to an in-memory map
// when the primary errors, so a batch can still complete when the
// backing store is unreachable. Degradation is logged loudly and is
// one-way for the life of the process: once state lives only in
// memory, flipping back mid-batch would lose it.
type FailoverKV struct {
	primary  KV
	fallback *MemoryKV
	degraded atomic.Bool
	log      *slog.Logger
}

// NewFailoverKV creates a FailoverKV over primary.
func NewFailoverKV(primary KV, log *slog.Logger) *FailoverKV {
	if log == nil {
		log = slog.Default()
	}
	return &FailoverKV{primary: primary, fallback: NewMemoryKV(), log: log}
}

// Degraded reports whether the store has fallen back to memory.
func (f *FailoverKV) Degraded() bool {
	return f.degraded.Load()
}

func (f *FailoverKV) degrade(op string, err error) {
	if f.degraded.CompareAndSwap(false, true) {
		f.log.Warn("job store backend unavailable, falling back to in-memory state; batch progress will not survive a crash",
			"op", op, "error", err)
	}
}

func (f *FailoverKV) Get(ctx context.Context, key string) ([]byte, error) {
	if !f.degraded.Load() {
		val, err := f.primary.Get(ctx, key)
		if err == nil || errors.Is(err, ErrNotFound) {
			return val, err
		}
		f.degrade("get", err)
	}
	return f.fallback.Get(ctx, key)
}

func (f *FailoverKV) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if !f.degraded.Load() {
		if err := f.primary.Set(ctx, key, value, ttl); err != nil {
			f.degrade("set", err)
		} else {
			return nil
		}
	}
	return f.fallback.Set(ctx, key, value, ttl)
}

func (f *FailoverKV) Delete(ctx context.Context, key string) error {
	if !f.degraded.Load() {
		if err := f.primary.Delete(ctx, key); err != nil {
			f.degrade("delete", err)
		} else {
			return nil
		}
	}
	return f.fallback.Delete(ctx, key)
}
