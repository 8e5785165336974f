package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/migadu/smtpd/consts"
)

// SpamSignature looks up the classification a correction token refers to.
func (d *Database) SpamSignature(ctx context.Context, token string) (*SpamSignature, error) {
	ctx, cancel := d.withTimeout(ctx)
	defer cancel()

	sig := &SpamSignature{Token: token}
	var messageID *int64
	var corrected *string
	err := d.Pool.QueryRow(ctx, `
		SELECT account_id, message_id, signature, corrected_class
		FROM spam_signatures WHERE token = $1
	`, token).Scan(&sig.AccountID, &messageID, &sig.Signature, &corrected)
	observeQuery("spam_signature", err)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, consts.ErrSignatureNotFound
		}
		return nil, fmt.Errorf("failed to load spam signature: %w", err)
	}
	if messageID != nil {
		sig.MessageID = *messageID
	}
	if corrected != nil {
		sig.CorrectedClass = *corrected
	}
	return sig, nil
}

// RecordSpamCorrection stores the class a user says the message really was.
func (d *Database) RecordSpamCorrection(ctx context.Context, token, class string) error {
	ctx, cancel := d.withTimeout(ctx)
	defer cancel()

	tag, err := d.Pool.Exec(ctx, `
		UPDATE spam_signatures SET corrected_class = $2, corrected_at = now() WHERE token = $1
	`, token, class)
	observeQuery("spam_correction", err)
	if err != nil {
		return fmt.Errorf("failed to record spam correction: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return consts.ErrSignatureNotFound
	}
	return nil
}
