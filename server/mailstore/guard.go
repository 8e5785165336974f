package mailstore

import (
	"context"

	"github.com/migadu/smtpd/db"
	"github.com/migadu/smtpd/logger"
	"github.com/migadu/smtpd/pkg/distlock"
)

// guard couples the mailbox lock with the transaction it protects. Close
// must be deferred right after acquisition; it rolls back anything not
// committed and releases the lock on every exit path, panics included.
type guard struct {
	accountID int64
	lock      distlock.Lock
	tx        db.MailboxTx
	committed bool
}

func (s *Store) acquire(ctx context.Context, accountID int64) (*guard, error) {
	lock, err := s.locker.LockMailbox(ctx, accountID)
	if err != nil {
		return nil, err
	}
	tx, err := s.meta.BeginMailboxTx(ctx)
	if err != nil {
		if uerr := lock.Unlock(context.WithoutCancel(ctx)); uerr != nil {
			logger.Warn("Store: failed to release mailbox lock", "account_id", accountID, "error", uerr)
		}
		return nil, err
	}
	return &guard{accountID: accountID, lock: lock, tx: tx}, nil
}

func (g *guard) commit(ctx context.Context) error {
	if err := g.tx.Commit(ctx); err != nil {
		return err
	}
	g.committed = true
	return nil
}

// Close uses a background context so a cancelled session still rolls back
// and unlocks.
func (g *guard) Close() {
	ctx := context.Background()
	if !g.committed {
		if err := g.tx.Rollback(ctx); err != nil {
			logger.Warn("Store: rollback failed", "account_id", g.accountID, "error", err)
		}
	}
	if err := g.lock.Unlock(ctx); err != nil {
		logger.Warn("Store: failed to release mailbox lock", "account_id", g.accountID, "error", err)
	}
}
