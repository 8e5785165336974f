package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/migadu/smtpd/consts"
	"github.com/migadu/smtpd/pkg/metrics"
)

// MailboxTx is one uncommitted unit of work against a single mailbox.
// Every mutation keeps accounts.used in step with the message rows.
type MailboxTx interface {
	InsertMessage(ctx context.Context, msg NewMessage) (int64, error)
	CopyMessage(ctx context.Context, accountID, messageID, folderID int64) (MessageRef, error)
	MoveMessage(ctx context.Context, accountID, messageID, folderID int64) error
	OldestMessages(ctx context.Context, accountID, afterID int64, limit int) ([]MessageRef, error)
	DeleteMessage(ctx context.Context, accountID, messageID int64) (int64, error)
	Usage(ctx context.Context, accountID int64) (Usage, error)
	InsertSpamSignature(ctx context.Context, sig SpamSignature) error
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

type mailboxTx struct {
	tx pgx.Tx
}

// BeginMailboxTx starts a read-write transaction on a pooled connection.
func (d *Database) BeginMailboxTx(ctx context.Context) (MailboxTx, error) {
	tx, err := d.Pool.Begin(ctx)
	if err != nil {
		metrics.DBTransactionsTotal.WithLabelValues("begin_failed").Inc()
		return nil, fmt.Errorf("%w: %v", consts.ErrDBBeginTransactionFailed, err)
	}
	return &mailboxTx{tx: tx}, nil
}

func (m *mailboxTx) InsertMessage(ctx context.Context, msg NewMessage) (int64, error) {
	var token *string
	if msg.SpamToken != "" {
		token = &msg.SpamToken
	}
	var id int64
	err := m.tx.QueryRow(ctx, `
		INSERT INTO messages (account_id, folder_id, size, seen, mark, encrypted, content_hash, message_id, spam_token)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id
	`, msg.AccountID, msg.FolderID, msg.Size, msg.Seen, msg.Mark, msg.Encrypted,
		msg.ContentHash, msg.MessageID, token).Scan(&id)
	observeQuery("insert_message", err)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", consts.ErrDBInsertFailed, err)
	}
	if err := m.adjustUsed(ctx, msg.AccountID, msg.Size); err != nil {
		return 0, err
	}
	return id, nil
}

func (m *mailboxTx) CopyMessage(ctx context.Context, accountID, messageID, folderID int64) (MessageRef, error) {
	var ref MessageRef
	err := m.tx.QueryRow(ctx, `
		INSERT INTO messages (account_id, folder_id, size, seen, mark, encrypted, content_hash, message_id)
		SELECT account_id, $3, size, seen, mark, encrypted, content_hash, message_id
		FROM messages WHERE id = $1 AND account_id = $2
		RETURNING id, size
	`, messageID, accountID, folderID).Scan(&ref.ID, &ref.Size)
	observeQuery("copy_message", err)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return MessageRef{}, consts.ErrMessageNotFound
		}
		return MessageRef{}, fmt.Errorf("%w: %v", consts.ErrDBInsertFailed, err)
	}
	if err := m.adjustUsed(ctx, accountID, ref.Size); err != nil {
		return MessageRef{}, err
	}
	return ref, nil
}

func (m *mailboxTx) MoveMessage(ctx context.Context, accountID, messageID, folderID int64) error {
	tag, err := m.tx.Exec(ctx, `
		UPDATE messages SET folder_id = $3
		WHERE id = $1 AND account_id = $2
		  AND EXISTS (SELECT 1 FROM folders WHERE id = $3 AND account_id = $2)
	`, messageID, accountID, folderID)
	observeQuery("move_message", err)
	if err != nil {
		return fmt.Errorf("failed to move message %d: %w", messageID, err)
	}
	if tag.RowsAffected() == 0 {
		return consts.ErrMessageNotFound
	}
	return nil
}

func (m *mailboxTx) OldestMessages(ctx context.Context, accountID, afterID int64, limit int) ([]MessageRef, error) {
	rows, err := m.tx.Query(ctx, `
		SELECT id, size FROM messages
		WHERE account_id = $1 AND id > $2
		ORDER BY id
		LIMIT $3
	`, accountID, afterID, limit)
	observeQuery("oldest_messages", err)
	if err != nil {
		return nil, fmt.Errorf("failed to page messages: %w", err)
	}
	refs, err := pgx.CollectRows(rows, pgx.RowToStructByPos[MessageRef])
	if err != nil {
		return nil, fmt.Errorf("failed to scan messages: %w", err)
	}
	return refs, nil
}

// DeleteMessage removes the row and returns the bytes released.
func (m *mailboxTx) DeleteMessage(ctx context.Context, accountID, messageID int64) (int64, error) {
	var size int64
	err := m.tx.QueryRow(ctx, `
		DELETE FROM messages WHERE id = $1 AND account_id = $2 RETURNING size
	`, messageID, accountID).Scan(&size)
	observeQuery("delete_message", err)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, consts.ErrMessageNotFound
		}
		return 0, fmt.Errorf("failed to delete message %d: %w", messageID, err)
	}
	if err := m.adjustUsed(ctx, accountID, -size); err != nil {
		return 0, err
	}
	return size, nil
}

// Usage reads the counters under a row lock so they stay put until commit.
func (m *mailboxTx) Usage(ctx context.Context, accountID int64) (Usage, error) {
	var u Usage
	err := m.tx.QueryRow(ctx, `
		SELECT used, quota FROM accounts WHERE id = $1 FOR UPDATE
	`, accountID).Scan(&u.Used, &u.Quota)
	observeQuery("usage", err)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Usage{}, consts.ErrUserNotFound
		}
		return Usage{}, fmt.Errorf("failed to read usage: %w", err)
	}
	return u, nil
}

func (m *mailboxTx) InsertSpamSignature(ctx context.Context, sig SpamSignature) error {
	_, err := m.tx.Exec(ctx, `
		INSERT INTO spam_signatures (token, account_id, message_id, signature)
		VALUES ($1, $2, $3, $4)
	`, sig.Token, sig.AccountID, sig.MessageID, sig.Signature)
	observeQuery("insert_spam_signature", err)
	if err != nil {
		return fmt.Errorf("%w: %v", consts.ErrDBInsertFailed, err)
	}
	return nil
}

func (m *mailboxTx) adjustUsed(ctx context.Context, accountID, delta int64) error {
	_, err := m.tx.Exec(ctx, `
		UPDATE accounts SET used = GREATEST(used + $2, 0) WHERE id = $1
	`, accountID, delta)
	observeQuery("adjust_used", err)
	if err != nil {
		return fmt.Errorf("failed to update usage: %w", err)
	}
	return nil
}

func (m *mailboxTx) Commit(ctx context.Context) error {
	if err := m.tx.Commit(ctx); err != nil {
		metrics.DBTransactionsTotal.WithLabelValues("commit_failed").Inc()
		return fmt.Errorf("%w: %v", consts.ErrDBCommitTransactionFailed, err)
	}
	metrics.DBTransactionsTotal.WithLabelValues("committed").Inc()
	return nil
}

// Rollback is a no-op after a successful Commit.
func (m *mailboxTx) Rollback(ctx context.Context) error {
	err := m.tx.Rollback(ctx)
	if err == nil {
		metrics.DBTransactionsTotal.WithLabelValues("rolled_back").Inc()
		return nil
	}
	if errors.Is(err, pgx.ErrTxClosed) {
		return nil
	}
	return err
}
