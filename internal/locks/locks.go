// Package locks provides per-conflict-key mutual exclusion for scheduling
// mutations. Operations on different keys proceed in parallel; operations on
// the same key are serialized through the locker.
package locks

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrLockNotAcquired is returned when the lock for a key could not be taken
// within the configured wait. Callers treat it as retryable.
var ErrLockNotAcquired = errors.New("scheduling lock not acquired")

// Locker guards a critical section per conflict key.
type Locker interface {
	WithKeyLock(ctx context.Context, key string, fn func(ctx context.Context) error) error
}

// LocalLocker serializes per key within a single process. Suitable for
// single-instance deployments and tests; multi-instance deployments use the
// Redis locker.
type LocalLocker struct {
	mu   sync.Mutex
	sems map[string]chan struct{}
	wait time.Duration
}

func NewLocalLocker(wait time.Duration) *LocalLocker {
	if wait <= 0 {
		wait = 2 * time.Second
	}
	return &LocalLocker{
		sems: make(map[string]chan struct{}),
		wait: wait,
	}
}

func (l *LocalLocker) sem(key string) chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()

	sem, ok := l.sems[key]
	if !ok {
		sem = make(chan struct{}, 1)
		sem <- struct{}{}
		l.sems[key] = sem
	}
	return sem
}

func (l *LocalLocker) WithKeyLock(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	sem := l.sem(key)

	timer := time.NewTimer(l.wait)
	defer timer.Stop()

	select {
	case <-sem:
	case <-timer.C:
		return ErrLockNotAcquired
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { sem <- struct{}{} }()

	return fn(ctx)
}
