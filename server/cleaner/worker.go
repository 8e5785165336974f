// Package cleaner removes blobs that lost their metadata row.
//
// A delivery writes the blob before the message row is committed; when the
// transaction then fails, or the process dies in between, the blob stays
// behind with nothing pointing at it. The same holds for temp files left by
// an interrupted write. The worker walks the blob tree on an interval and
// removes both kinds once they are older than the grace period, so a
// delivery that is still in flight is never touched. Only one instance in
// the cluster sweeps at a time.
package cleaner

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/migadu/smtpd/consts"
	"github.com/migadu/smtpd/logger"
	"github.com/migadu/smtpd/pkg/distlock"
	"github.com/migadu/smtpd/pkg/metrics"
	"github.com/migadu/smtpd/storage"
)

// sweepLockID is the lock slot the sweeper takes. Account ids start at 1.
const sweepLockID int64 = 0

const batchSize = 500

// MessageIndex reports which message ids still have a row.
type MessageIndex interface {
	ExistingMessages(ctx context.Context, ids []int64) (map[int64]bool, error)
}

// BlobTree is a blob store that can be enumerated.
type BlobTree interface {
	Walk(ctx context.Context, fn func(storage.Entry) error) error
	Remove(ctx context.Context, id int64) error
}

type CleanupWorker struct {
	index       MessageIndex
	blobs       BlobTree
	locker      distlock.Locker
	interval    time.Duration
	gracePeriod time.Duration
	now         func() time.Time
	stopCh      chan struct{}
}

// Stats summarises one sweep.
type Stats struct {
	Scanned int
	Blobs   int
	Temps   int
	Failed  int
}

func New(index MessageIndex, blobs BlobTree, locker distlock.Locker, interval, gracePeriod time.Duration) *CleanupWorker {
	return &CleanupWorker{
		index:       index,
		blobs:       blobs,
		locker:      locker,
		interval:    interval,
		gracePeriod: gracePeriod,
		now:         time.Now,
		stopCh:      make(chan struct{}),
	}
}

func (w *CleanupWorker) Start(ctx context.Context) {
	logger.Info("Cleanup: worker starting", "interval", w.interval, "grace_period", w.gracePeriod)
	interval := w.interval

	const minAllowedInterval = time.Minute
	if interval < minAllowedInterval {
		logger.Warn("Cleanup: interval below minimum, using minimum", "configured", interval, "minimum", minAllowedInterval)
		interval = minAllowedInterval
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				logger.Info("Cleanup: worker stopped due to context cancellation")
				return
			case <-w.stopCh:
				logger.Info("Cleanup: worker stopped due to stop signal")
				return
			case <-ticker.C:
				stats, err := w.runOnce(ctx)
				if err != nil {
					logger.Error("Cleanup: sweep failed", "error", err)
					continue
				}
				if stats.Blobs+stats.Temps > 0 {
					logger.Info("Cleanup: sweep finished", "scanned", stats.Scanned, "blobs", stats.Blobs, "temps", stats.Temps, "failed", stats.Failed)
				}
			}
		}
	}()
}

// Stop signals the cleanup worker to stop
func (w *CleanupWorker) Stop() {
	close(w.stopCh)
}

func (w *CleanupWorker) runOnce(ctx context.Context) (Stats, error) {
	var stats Stats

	lock, err := w.locker.LockMailbox(ctx, sweepLockID)
	if err != nil {
		if errors.Is(err, consts.ErrMailboxLocked) {
			logger.Debug("Cleanup: skipped, another instance is sweeping")
			return stats, nil
		}
		return stats, fmt.Errorf("failed to acquire sweep lock: %w", err)
	}
	defer func() {
		unlockCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := lock.Unlock(unlockCtx); err != nil {
			logger.Warn("Cleanup: failed to release sweep lock", "error", err)
		}
	}()

	cutoff := w.now().Add(-w.gracePeriod)
	var batch []int64

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		defer func() { batch = batch[:0] }()

		existing, err := w.index.ExistingMessages(ctx, batch)
		if err != nil {
			return fmt.Errorf("failed to look up message rows: %w", err)
		}
		for _, id := range batch {
			if existing[id] {
				continue
			}
			if err := w.blobs.Remove(ctx, id); err != nil {
				logger.Warn("Cleanup: failed to remove orphaned blob", "message_id", id, "error", err)
				stats.Failed++
				continue
			}
			metrics.OrphansRemoved.WithLabelValues("blob").Inc()
			stats.Blobs++
		}
		return nil
	}

	err = w.blobs.Walk(ctx, func(e storage.Entry) error {
		stats.Scanned++
		if !e.ModTime.Before(cutoff) {
			return nil
		}
		if e.Temp {
			if err := os.Remove(e.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
				logger.Warn("Cleanup: failed to remove temp file", "path", e.Path, "error", err)
				stats.Failed++
				return nil
			}
			metrics.OrphansRemoved.WithLabelValues("temp").Inc()
			stats.Temps++
			return nil
		}
		batch = append(batch, e.ID)
		if len(batch) >= batchSize {
			return flush()
		}
		return nil
	})
	if err != nil {
		return stats, fmt.Errorf("failed to walk blob tree: %w", err)
	}
	if err := flush(); err != nil {
		return stats, err
	}
	return stats, nil
}
