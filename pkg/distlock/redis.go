package distlock

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var releaseScript = redis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("del", KEYS[1])
	else
		return 0
	end
`)

// RedisLocker uses SET NX with an expiry. The expiry bounds how long a
// crashed process can block a mailbox.
type RedisLocker struct {
	client  redis.Cmdable
	timeout time.Duration
	ttl     time.Duration
}

func NewRedisLocker(client redis.Cmdable, timeout, ttl time.Duration) *RedisLocker {
	return &RedisLocker{client: client, timeout: timeout, ttl: ttl}
}

func (l *RedisLocker) LockMailbox(ctx context.Context, accountID int64) (Lock, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return nil, err
	}
	lock := &redisLock{
		client: l.client,
		key:    fmt.Sprintf("lock:mailbox:%d", accountID),
		value:  hex.EncodeToString(b),
	}

	err := acquire(ctx, l.timeout, accountID, func(ctx context.Context) error {
		ok, err := l.client.SetNX(ctx, lock.key, lock.value, l.ttl).Result()
		if err != nil {
			return fmt.Errorf("failed to acquire lock %s: %w", lock.key, err)
		}
		if !ok {
			return errBusy
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return lock, nil
}

type redisLock struct {
	client redis.Cmdable
	key    string
	value  string
}

// Unlock only deletes the key if this holder still owns it.
func (l *redisLock) Unlock(ctx context.Context) error {
	return releaseScript.Run(ctx, l.client, []string{l.key}, l.value).Err()
}
