package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
)

// ObjectType names the kind of mailbox state a checkpoint guards.
type ObjectType string

const (
	ObjectMessages ObjectType = "messages"
	ObjectFolders  ObjectType = "folders"
	ObjectUser     ObjectType = "user"
)

// Checkpoints are per (object type, account) serial numbers. Every mutation
// bumps the serial; readers compare it with the serial their local copy was
// built from.
type Checkpoints struct {
	client redis.Cmdable
}

func NewCheckpoints(client redis.Cmdable) *Checkpoints {
	return &Checkpoints{client: client}
}

func checkpointKey(obj ObjectType, accountID int64) string {
	return fmt.Sprintf("checkpoint:%s:%d", obj, accountID)
}

// Increment bumps the serial and returns the new value.
func (c *Checkpoints) Increment(ctx context.Context, obj ObjectType, accountID int64) (uint64, error) {
	n, err := c.client.Incr(ctx, checkpointKey(obj, accountID)).Uint64()
	if err != nil {
		return 0, fmt.Errorf("failed to increment checkpoint %s/%d: %w", obj, accountID, err)
	}
	return n, nil
}

// Get returns the current serial, zero if nothing was ever recorded.
func (c *Checkpoints) Get(ctx context.Context, obj ObjectType, accountID int64) (uint64, error) {
	n, err := c.client.Get(ctx, checkpointKey(obj, accountID)).Uint64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read checkpoint %s/%d: %w", obj, accountID, err)
	}
	return n, nil
}

type viewKey struct {
	obj       ObjectType
	accountID int64
}

// View remembers which serial each process-local cache entry was built
// from.
type View struct {
	checkpoints *Checkpoints

	mu    sync.Mutex
	known map[viewKey]uint64
}

func NewView(c *Checkpoints) *View {
	return &View{checkpoints: c, known: make(map[viewKey]uint64)}
}

// Stale reports whether the local copy for (obj, accountID) must be
// rebuilt. Entries never seen before are stale.
func (v *View) Stale(ctx context.Context, obj ObjectType, accountID int64) (bool, error) {
	current, err := v.checkpoints.Get(ctx, obj, accountID)
	if err != nil {
		return true, err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	seen, ok := v.known[viewKey{obj, accountID}]
	return !ok || seen != current, nil
}

// Refreshed records that the local copy now reflects the current serial.
func (v *View) Refreshed(ctx context.Context, obj ObjectType, accountID int64) error {
	current, err := v.checkpoints.Get(ctx, obj, accountID)
	if err != nil {
		return err
	}
	v.mu.Lock()
	v.known[viewKey{obj, accountID}] = current
	v.mu.Unlock()
	return nil
}
