package locks

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedisLocker(t *testing.T, ttl, wait time.Duration) (*RedisLocker, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisLocker(client, ttl, wait), mr
}

func TestRedisLockerAcquireAndRelease(t *testing.T) {
	locker, mr := newTestRedisLocker(t, time.Second, time.Second)

	entered := false
	err := locker.WithKeyLock(context.Background(), "provider:a", func(ctx context.Context) error {
		entered = true
		require.True(t, mr.Exists("lock:schedule:provider:a"), "lock key must exist inside the section")
		return nil
	})
	require.NoError(t, err)
	assert.True(t, entered)
	assert.False(t, mr.Exists("lock:schedule:provider:a"), "lock must be released after the section")
}

func TestRedisLockerContendedKeyTimesOut(t *testing.T) {
	locker, mr := newTestRedisLocker(t, time.Second, 80*time.Millisecond)

	// Another instance holds the lock.
	require.NoError(t, mr.Set("lock:schedule:provider:a", "other-token"))

	err := locker.WithKeyLock(context.Background(), "provider:a", func(ctx context.Context) error {
		t.Error("must not enter while another holder owns the lock")
		return nil
	})
	assert.ErrorIs(t, err, ErrLockNotAcquired)
}

func TestRedisLockerWaitsForRelease(t *testing.T) {
	locker, mr := newTestRedisLocker(t, time.Second, time.Second)

	require.NoError(t, mr.Set("lock:schedule:provider:a", "other-token"))
	go func() {
		time.Sleep(100 * time.Millisecond)
		mr.Del("lock:schedule:provider:a")
	}()

	err := locker.WithKeyLock(context.Background(), "provider:a", func(ctx context.Context) error {
		return nil
	})
	assert.NoError(t, err, "acquisition must retry until the holder releases")
}

func TestRedisLockerDoesNotReleaseForeignLock(t *testing.T) {
	locker, mr := newTestRedisLocker(t, 50*time.Millisecond, time.Second)

	err := locker.WithKeyLock(context.Background(), "provider:a", func(ctx context.Context) error {
		// Simulate TTL expiry plus takeover by another instance while
		// the section is still running.
		mr.Del("lock:schedule:provider:a")
		require.NoError(t, mr.Set("lock:schedule:provider:a", "other-token"))
		return nil
	})
	require.NoError(t, err)

	// The other instance's lock survives our release.
	assert.True(t, mr.Exists("lock:schedule:provider:a"))
	got, err := mr.Get("lock:schedule:provider:a")
	require.NoError(t, err)
	assert.Equal(t, "other-token", got)
}

func TestRedisLockerIndependentKeys(t *testing.T) {
	locker, mr := newTestRedisLocker(t, time.Second, 80*time.Millisecond)

	require.NoError(t, mr.Set("lock:schedule:provider:a", "other-token"))

	err := locker.WithKeyLock(context.Background(), "provider:b", func(ctx context.Context) error {
		return nil
	})
	assert.NoError(t, err)
}
