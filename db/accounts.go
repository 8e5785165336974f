package db

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/migadu/smtpd/consts"
	"golang.org/x/crypto/bcrypt"
)

// Authenticate verifies address/password and returns the owning account.
func (d *Database) Authenticate(ctx context.Context, address, password string) (int64, error) {
	ctx, cancel := d.withTimeout(ctx)
	defer cancel()

	var accountID int64
	var hash string
	err := d.Pool.QueryRow(ctx, `
		SELECT a.id, a.password_hash
		FROM addresses ad JOIN accounts a ON a.id = ad.account_id
		WHERE ad.address = $1
	`, strings.ToLower(address)).Scan(&accountID, &hash)
	observeQuery("authenticate", err)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, consts.ErrUserNotFound
		}
		return 0, fmt.Errorf("error looking up credentials: %w", err)
	}
	if hash == "" || bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) != nil {
		return 0, consts.ErrInvalidPassword
	}
	return accountID, nil
}

// LookupRecipient loads the inbound preference for a local address.
// ErrUserNotFound means the address is not ours.
func (d *Database) LookupRecipient(ctx context.Context, address string) (*InboundPreference, error) {
	ctx, cancel := d.withTimeout(ctx)
	defer cancel()

	address = strings.ToLower(address)
	pref := &InboundPreference{Address: address}
	var (
		publicKey        []byte
		autoreplyEnabled bool
		subject, body    string
	)
	err := d.Pool.QueryRow(ctx, `
		SELECT a.id, a.quota, a.used, a.rollout, a.size_limit, a.daily_recv_limit,
		       a.daily_recv_subnet_limit, a.bounce_opt_out, a.forward_to, a.public_key,
		       a.sieve_script, a.autoreply_enabled, a.autoreply_subject, a.autoreply_body
		FROM addresses ad JOIN accounts a ON a.id = ad.account_id
		WHERE ad.address = $1
	`, address).Scan(&pref.AccountID, &pref.Quota, &pref.Used, &pref.Rollout, &pref.SizeLimit,
		&pref.DailyRecvLimit, &pref.DailyRecvSubnetLimit, &pref.BounceOptOut, &pref.ForwardTo,
		&publicKey, &pref.SieveScript, &autoreplyEnabled, &subject, &body)
	observeQuery("lookup_recipient", err)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, consts.ErrUserNotFound
		}
		return nil, fmt.Errorf("failed to look up recipient %s: %w", address, err)
	}
	pref.PublicKey = publicKey
	if autoreplyEnabled {
		pref.AutoReply = &AutoReply{Subject: subject, Body: body}
	}

	rows, err := d.Pool.Query(ctx, `
		SELECT check_name, enabled, action FROM check_settings WHERE account_id = $1
	`, pref.AccountID)
	if err != nil {
		observeQuery("check_settings", err)
		return nil, fmt.Errorf("failed to load check settings: %w", err)
	}
	defer rows.Close()
	pref.Checks = make(map[CheckName]CheckSetting)
	for rows.Next() {
		var name, action string
		var enabled bool
		if err := rows.Scan(&name, &enabled, &action); err != nil {
			return nil, fmt.Errorf("failed to scan check setting: %w", err)
		}
		pref.Checks[CheckName(name)] = CheckSetting{Enabled: enabled, Action: Action(action)}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating check settings: %w", err)
	}

	folderID, err := d.FolderID(ctx, pref.AccountID, consts.DefaultFolder)
	if err != nil {
		return nil, err
	}
	pref.FolderID = folderID
	return pref, nil
}

// FolderID resolves a folder by name, creating it on first use.
func (d *Database) FolderID(ctx context.Context, accountID int64, name string) (int64, error) {
	var id int64
	err := d.Pool.QueryRow(ctx, `
		INSERT INTO folders (account_id, name) VALUES ($1, $2)
		ON CONFLICT (account_id, name) DO UPDATE SET name = EXCLUDED.name
		RETURNING id
	`, accountID, name).Scan(&id)
	observeQuery("folder_id", err)
	if err != nil {
		return 0, fmt.Errorf("failed to resolve folder %q: %w", name, err)
	}
	return id, nil
}

func (d *Database) OutboundPreference(ctx context.Context, accountID int64) (*OutboundPreference, error) {
	ctx, cancel := d.withTimeout(ctx)
	defer cancel()

	pref := &OutboundPreference{AccountID: accountID}
	err := d.Pool.QueryRow(ctx, `
		SELECT daily_send_limit, send_size_limit, tls_required FROM accounts WHERE id = $1
	`, accountID).Scan(&pref.DailySendLimit, &pref.SizeLimit, &pref.TLSRequired)
	observeQuery("outbound_preference", err)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, consts.ErrUserNotFound
		}
		return nil, fmt.Errorf("failed to load outbound preference: %w", err)
	}
	return pref, nil
}

// IsAuthorizedSender reports whether the account owns the address.
func (d *Database) IsAuthorizedSender(ctx context.Context, accountID int64, address string) (bool, error) {
	ctx, cancel := d.withTimeout(ctx)
	defer cancel()

	var ok bool
	err := d.Pool.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM addresses WHERE address = $1 AND account_id = $2)
	`, strings.ToLower(address), accountID).Scan(&ok)
	observeQuery("authorized_sender", err)
	if err != nil {
		return false, fmt.Errorf("failed to check sender authorization: %w", err)
	}
	return ok, nil
}

func (d *Database) TrustedDomains(ctx context.Context) ([]string, error) {
	ctx, cancel := d.withTimeout(ctx)
	defer cancel()

	rows, err := d.Pool.Query(ctx, `SELECT domain FROM trusted_domains ORDER BY domain`)
	observeQuery("trusted_domains", err)
	if err != nil {
		return nil, fmt.Errorf("failed to load trusted domains: %w", err)
	}
	domains, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("failed to scan trusted domains: %w", err)
	}
	return domains, nil
}

// ExistingMessages returns the subset of ids that still have a row.
func (d *Database) ExistingMessages(ctx context.Context, ids []int64) (map[int64]bool, error) {
	ctx, cancel := d.withTimeout(ctx)
	defer cancel()

	rows, err := d.Pool.Query(ctx, `SELECT id FROM messages WHERE id = ANY($1)`, ids)
	observeQuery("existing_messages", err)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	found, err := pgx.CollectRows(rows, pgx.RowTo[int64])
	if err != nil {
		return nil, fmt.Errorf("failed to scan message ids: %w", err)
	}
	existing := make(map[int64]bool, len(found))
	for _, id := range found {
		existing[id] = true
	}
	return existing, nil
}
