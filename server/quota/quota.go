// Package quota evicts the oldest messages of a mailbox so an incoming
// message fits its storage quota.
//
// Rollout runs inside the caller's mailbox transaction with the mailbox
// lock held and only touches metadata. Blobs of evicted messages are
// removed by Complete once that transaction has committed, so a failed
// commit never leaves a metadata row without its blob.
package quota

import (
	"context"
	"fmt"

	"github.com/migadu/smtpd/cache"
	"github.com/migadu/smtpd/consts"
	"github.com/migadu/smtpd/db"
	"github.com/migadu/smtpd/logger"
	"github.com/migadu/smtpd/pkg/metrics"
)

const DefaultPageSize = 50

// Tx is the part of a mailbox transaction eviction needs.
type Tx interface {
	Usage(ctx context.Context, accountID int64) (db.Usage, error)
	OldestMessages(ctx context.Context, accountID, afterID int64, limit int) ([]db.MessageRef, error)
	DeleteMessage(ctx context.Context, accountID, messageID int64) (int64, error)
}

type BlobRemover interface {
	Remove(ctx context.Context, id int64) error
}

type CheckpointBumper interface {
	Increment(ctx context.Context, obj cache.ObjectType, accountID int64) (uint64, error)
}

// Eviction lists what one rollout removed from metadata.
type Eviction struct {
	AccountID int64
	IDs       []int64
	Freed     int64
}

func (e *Eviction) Empty() bool {
	return e == nil || len(e.IDs) == 0
}

type Manager struct {
	blobs       BlobRemover
	checkpoints CheckpointBumper
	pageSize    int
}

func NewManager(blobs BlobRemover, checkpoints CheckpointBumper, pageSize int) *Manager {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	return &Manager{blobs: blobs, checkpoints: checkpoints, pageSize: pageSize}
}

// Rollout deletes the oldest message rows until used+incoming fits the
// quota. Any error, or running out of messages first, fails the whole
// operation and the caller must roll the transaction back.
func (m *Manager) Rollout(ctx context.Context, tx Tx, accountID, incoming int64) (*Eviction, error) {
	usage, err := tx.Usage(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("rollout: %w", err)
	}
	ev := &Eviction{AccountID: accountID}
	if usage.Quota <= 0 || usage.Used+incoming <= usage.Quota {
		return ev, nil
	}
	target := usage.Quota - incoming
	if target < 0 {
		return nil, fmt.Errorf("rollout: message of %d bytes exceeds quota %d: %w", incoming, usage.Quota, consts.ErrQuotaExceeded)
	}

	used := usage.Used
	var afterID int64
	for used > target {
		page, err := tx.OldestMessages(ctx, accountID, afterID, m.pageSize)
		if err != nil {
			return nil, fmt.Errorf("rollout: %w", err)
		}
		if len(page) == 0 {
			return nil, fmt.Errorf("rollout: %d bytes still used after evicting %d messages: %w",
				used, len(ev.IDs), consts.ErrRolloutIncomplete)
		}
		for _, ref := range page {
			afterID = ref.ID
			freed, err := tx.DeleteMessage(ctx, accountID, ref.ID)
			if err != nil {
				return nil, fmt.Errorf("rollout: %w", err)
			}
			used -= freed
			ev.Freed += freed
			ev.IDs = append(ev.IDs, ref.ID)
			if used <= target {
				break
			}
		}
	}
	logger.Debug("Quota: rollout evicted messages", "account_id", accountID, "count", len(ev.IDs), "freed", ev.Freed)
	return ev, nil
}

// Complete removes the blobs of a committed eviction and bumps the
// mailbox checkpoint. Blob removal failures leave orphans for the
// cleaner and are not returned.
func (m *Manager) Complete(ctx context.Context, ev *Eviction) {
	if ev.Empty() {
		return
	}
	for _, id := range ev.IDs {
		if err := m.blobs.Remove(ctx, id); err != nil {
			logger.Warn("Quota: failed to remove evicted blob", "account_id", ev.AccountID, "message_id", id, "error", err)
		}
	}
	metrics.RolloutEvictions.Add(float64(len(ev.IDs)))
	if _, err := m.checkpoints.Increment(ctx, cache.ObjectMessages, ev.AccountID); err != nil {
		logger.Warn("Quota: failed to bump checkpoint", "account_id", ev.AccountID, "error", err)
	}
}
