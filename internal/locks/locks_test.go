package locks

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalLockerSerializesSameKey(t *testing.T) {
	locker := NewLocalLocker(time.Second)

	var mu sync.Mutex
	inSection := 0
	maxInSection := 0

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := locker.WithKeyLock(context.Background(), "provider:a", func(ctx context.Context) error {
				mu.Lock()
				inSection++
				if inSection > maxInSection {
					maxInSection = inSection
				}
				mu.Unlock()

				time.Sleep(2 * time.Millisecond)

				mu.Lock()
				inSection--
				mu.Unlock()
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, maxInSection, "critical sections for one key must never overlap")
}

func TestLocalLockerTimesOut(t *testing.T) {
	locker := NewLocalLocker(20 * time.Millisecond)

	held := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_ = locker.WithKeyLock(context.Background(), "provider:a", func(ctx context.Context) error {
			close(held)
			<-release
			return nil
		})
	}()
	<-held

	err := locker.WithKeyLock(context.Background(), "provider:a", func(ctx context.Context) error {
		t.Error("must not enter the section while the lock is held")
		return nil
	})
	assert.ErrorIs(t, err, ErrLockNotAcquired)
	close(release)
}

func TestLocalLockerIndependentKeys(t *testing.T) {
	locker := NewLocalLocker(50 * time.Millisecond)

	held := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_ = locker.WithKeyLock(context.Background(), "provider:a", func(ctx context.Context) error {
			close(held)
			<-release
			return nil
		})
	}()
	<-held
	defer close(release)

	// A different key is not blocked by provider:a's lock.
	err := locker.WithKeyLock(context.Background(), "provider:b", func(ctx context.Context) error {
		return nil
	})
	assert.NoError(t, err)
}

func TestLocalLockerPropagatesSectionError(t *testing.T) {
	locker := NewLocalLocker(time.Second)
	boom := errors.New("boom")

	err := locker.WithKeyLock(context.Background(), "provider:a", func(ctx context.Context) error {
		return boom
	})
	assert.ErrorIs(t, err, boom)

	// The lock is released despite the error.
	err = locker.WithKeyLock(context.Background(), "provider:a", func(ctx context.Context) error {
		return nil
	})
	assert.NoError(t, err)
}

func TestLocalLockerRespectsContext(t *testing.T) {
	locker := NewLocalLocker(time.Minute)

	held := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_ = locker.WithKeyLock(context.Background(), "provider:a", func(ctx context.Context) error {
			close(held)
			<-release
			return nil
		})
	}()
	<-held
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	err := locker.WithKeyLock(ctx, "provider:a", func(ctx context.Context) error { return nil })
	require.ErrorIs(t, err, context.DeadlineExceeded)
}
