package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newClient(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return client, mr
}

func TestCheckpointsIncrement(t *testing.T) {
	ctx := context.Background()
	client, _ := newClient(t)
	cp := NewCheckpoints(client)

	n, err := cp.Get(ctx, ObjectMessages, 7)
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = cp.Increment(ctx, ObjectMessages, 7)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), n)
	n, err = cp.Increment(ctx, ObjectMessages, 7)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), n)

	other, err := cp.Get(ctx, ObjectFolders, 7)
	require.NoError(t, err)
	assert.Zero(t, other, "object types are independent")
}

func TestViewDetectsForeignMutation(t *testing.T) {
	ctx := context.Background()
	client, _ := newClient(t)
	cp := NewCheckpoints(client)

	// Two processes sharing one Redis.
	a := NewView(cp)
	b := NewCheckpoints(client)

	stale, err := a.Stale(ctx, ObjectMessages, 1)
	require.NoError(t, err)
	assert.True(t, stale, "never loaded")

	require.NoError(t, a.Refreshed(ctx, ObjectMessages, 1))
	stale, err = a.Stale(ctx, ObjectMessages, 1)
	require.NoError(t, err)
	assert.False(t, stale)

	_, err = b.Increment(ctx, ObjectMessages, 1)
	require.NoError(t, err)
	stale, err = a.Stale(ctx, ObjectMessages, 1)
	require.NoError(t, err)
	assert.True(t, stale)
}

func TestDailyCountersRollOver(t *testing.T) {
	ctx := context.Background()
	client, mr := newClient(t)
	c := NewCounters(client)
	day := time.Date(2026, 3, 1, 23, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return day }

	n, err := c.AddDaily(ctx, CounterSent, "42", 3)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
	n, err = c.AddDaily(ctx, CounterSent, "42", 2)
	require.NoError(t, err)
	assert.Equal(t, int64(5), n)

	got, err := c.Daily(ctx, CounterSent, "42")
	require.NoError(t, err)
	assert.Equal(t, int64(5), got)
	assert.True(t, mr.TTL("daily:send:20260301:42") > 0)

	day = day.Add(2 * time.Hour)
	got, err = c.Daily(ctx, CounterSent, "42")
	require.NoError(t, err)
	assert.Zero(t, got, "a new day starts from zero")
}

func TestOnce(t *testing.T) {
	ctx := context.Background()
	client, mr := newClient(t)
	c := NewCounters(client)

	first, err := c.Once(ctx, "autoreply:1:a@example.com", time.Hour)
	require.NoError(t, err)
	assert.True(t, first)
	second, err := c.Once(ctx, "autoreply:1:a@example.com", time.Hour)
	require.NoError(t, err)
	assert.False(t, second)

	mr.FastForward(2 * time.Hour)
	third, err := c.Once(ctx, "autoreply:1:a@example.com", time.Hour)
	require.NoError(t, err)
	assert.True(t, third)
}
