package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Counter kinds tracked per day.
const (
	CounterReceived       = "recv"
	CounterReceivedSubnet = "recv_subnet"
	CounterSent           = "send"
)

// dailyTTL outlives the day so late readers around midnight still see it.
const dailyTTL = 48 * time.Hour

// Counters are daily usage counters shared by all processes.
type Counters struct {
	client redis.Cmdable
	now    func() time.Time
}

func NewCounters(client redis.Cmdable) *Counters {
	return &Counters{client: client, now: time.Now}
}

func (c *Counters) dailyKey(kind, subject string) string {
	return fmt.Sprintf("daily:%s:%s:%s", kind, c.now().UTC().Format("20060102"), subject)
}

// AddDaily adds n to today's counter and returns the new total.
func (c *Counters) AddDaily(ctx context.Context, kind, subject string, n int64) (int64, error) {
	key := c.dailyKey(kind, subject)
	var incr *redis.IntCmd
	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.IncrBy(ctx, key, n)
		pipe.Expire(ctx, key, dailyTTL)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to update counter %s: %w", key, err)
	}
	return incr.Val(), nil
}

// Daily returns today's counter.
func (c *Counters) Daily(ctx context.Context, kind, subject string) (int64, error) {
	n, err := c.client.Get(ctx, c.dailyKey(kind, subject)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read counter: %w", err)
	}
	return n, nil
}

// Once returns true the first time it is called for key within ttl.
func (c *Counters) Once(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := c.client.SetNX(ctx, "once:"+key, 1, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to set marker %s: %w", key, err)
	}
	return ok, nil
}
