// Package distlock provides the per-mailbox advisory lock that serialises
// mutations of one account's mail across sessions and processes.
package distlock

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/migadu/smtpd/consts"
	"github.com/migadu/smtpd/pkg/metrics"
	"github.com/migadu/smtpd/pkg/retry"
)

// Lock is a held mailbox lock.
type Lock interface {
	// Unlock releases the lock. It must be called exactly once and should be
	// given a context that is not already cancelled.
	Unlock(ctx context.Context) error
}

// Locker hands out mailbox locks.
type Locker interface {
	LockMailbox(ctx context.Context, accountID int64) (Lock, error)
}

// errBusy marks an attempt that found the lock held.
var errBusy = errors.New("lock busy")

// pollConfig controls how often a contended lock is retried. The overall
// wait is bounded by the caller's timeout, not by MaxRetries.
var pollConfig = retry.BackoffConfig{
	InitialInterval: 10 * time.Millisecond,
	MaxInterval:     250 * time.Millisecond,
	Multiplier:      2,
	Jitter:          true,
	MaxRetries:      1 << 20,
}

// acquire polls try until it succeeds, fails hard, or timeout elapses.
func acquire(ctx context.Context, timeout time.Duration, accountID int64, try func(context.Context) error) error {
	start := time.Now()
	defer func() {
		metrics.LockWaitDuration.Observe(time.Since(start).Seconds())
	}()

	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	err := retry.Do(waitCtx, pollConfig, func(ctx context.Context) error {
		err := try(ctx)
		if err == nil || errors.Is(err, errBusy) {
			return err
		}
		return retry.Stop(err)
	})
	if err == nil {
		return nil
	}
	if errors.Is(err, errBusy) || errors.Is(err, context.DeadlineExceeded) {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: account %d", consts.ErrMailboxLocked, accountID)
	}
	return err
}

// lockKey maps an account onto the 64-bit advisory lock space.
func lockKey(accountID int64) int64 {
	h := fnv.New64a()
	fmt.Fprintf(h, "smtpd:%d:mailbox:%d", consts.MailboxLockNamespace, accountID)
	return int64(h.Sum64())
}
