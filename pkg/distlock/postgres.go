package distlock

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/migadu/smtpd/logger"
)

// PGLocker uses PostgreSQL session advisory locks. Each held lock pins one
// pooled connection, since session locks belong to the connection that took
// them.
type PGLocker struct {
	pool    *pgxpool.Pool
	timeout time.Duration
}

func NewPGLocker(pool *pgxpool.Pool, timeout time.Duration) *PGLocker {
	return &PGLocker{pool: pool, timeout: timeout}
}

func (l *PGLocker) LockMailbox(ctx context.Context, accountID int64) (Lock, error) {
	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire connection for mailbox lock: %w", err)
	}

	key := lockKey(accountID)
	err = acquire(ctx, l.timeout, accountID, func(ctx context.Context) error {
		var ok bool
		if err := conn.QueryRow(ctx, "SELECT pg_try_advisory_lock($1)", key).Scan(&ok); err != nil {
			return fmt.Errorf("pg_try_advisory_lock: %w", err)
		}
		if !ok {
			return errBusy
		}
		return nil
	})
	if err != nil {
		conn.Release()
		return nil, err
	}
	return &pgLock{conn: conn, key: key, accountID: accountID}, nil
}

type pgLock struct {
	conn      *pgxpool.Conn
	key       int64
	accountID int64
}

func (l *pgLock) Unlock(ctx context.Context) error {
	defer l.conn.Release()

	var released bool
	err := l.conn.QueryRow(ctx, "SELECT pg_advisory_unlock($1)", l.key).Scan(&released)
	if err != nil || !released {
		// Closing the connection is the only other way to drop a session lock.
		logger.Warn("Lock: advisory unlock failed, closing connection", "account_id", l.accountID, "error", err)
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = l.conn.Conn().Close(closeCtx)
		if err != nil {
			return fmt.Errorf("pg_advisory_unlock: %w", err)
		}
		return fmt.Errorf("advisory lock for account %d was not held", l.accountID)
	}
	return nil
}
