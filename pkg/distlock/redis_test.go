package distlock

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/migadu/smtpd/consts"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLocker(t *testing.T, timeout time.Duration) (*RedisLocker, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisLocker(client, timeout, time.Minute), mr
}

func TestRedisLockerExcludes(t *testing.T) {
	ctx := context.Background()
	locker, _ := newTestLocker(t, 50*time.Millisecond)

	lock, err := locker.LockMailbox(ctx, 1)
	require.NoError(t, err)

	_, err = locker.LockMailbox(ctx, 1)
	assert.ErrorIs(t, err, consts.ErrMailboxLocked)

	other, err := locker.LockMailbox(ctx, 2)
	require.NoError(t, err, "different mailboxes do not contend")
	require.NoError(t, other.Unlock(ctx))

	require.NoError(t, lock.Unlock(ctx))
	again, err := locker.LockMailbox(ctx, 1)
	require.NoError(t, err)
	require.NoError(t, again.Unlock(ctx))
}

func TestRedisLockerWaitsForRelease(t *testing.T) {
	ctx := context.Background()
	locker, _ := newTestLocker(t, 2*time.Second)

	lock, err := locker.LockMailbox(ctx, 5)
	require.NoError(t, err)

	go func() {
		time.Sleep(50 * time.Millisecond)
		_ = lock.Unlock(context.Background())
	}()

	second, err := locker.LockMailbox(ctx, 5)
	require.NoError(t, err)
	require.NoError(t, second.Unlock(ctx))
}

func TestRedisUnlockKeepsForeignLock(t *testing.T) {
	ctx := context.Background()
	locker, mr := newTestLocker(t, 20*time.Millisecond)

	lock, err := locker.LockMailbox(ctx, 9)
	require.NoError(t, err)

	// Simulate expiry and takeover by another process.
	mr.FastForward(2 * time.Minute)
	takeover, err := locker.LockMailbox(ctx, 9)
	require.NoError(t, err)

	require.NoError(t, lock.Unlock(ctx))
	assert.True(t, mr.Exists("lock:mailbox:9"), "stale holder must not release the new owner's lock")
	require.NoError(t, takeover.Unlock(ctx))
	assert.False(t, mr.Exists("lock:mailbox:9"))
}

func TestLockerRespectsCallerCancellation(t *testing.T) {
	locker, _ := newTestLocker(t, time.Second)
	held, err := locker.LockMailbox(context.Background(), 3)
	require.NoError(t, err)
	defer held.Unlock(context.Background())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = locker.LockMailbox(ctx, 3)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestLockKeyStable(t *testing.T) {
	assert.Equal(t, lockKey(42), lockKey(42))
	assert.NotEqual(t, lockKey(42), lockKey(43))
}
