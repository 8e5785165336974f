package db_test

import (
	"context"
	"testing"

	"github.com/migadu/smtpd/consts"
	"github.com/migadu/smtpd/db"
	"github.com/migadu/smtpd/testutils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAuthenticate(t *testing.T) {
	tdb := testutils.SetupTestDatabase(t)
	defer tdb.Cleanup(t)
	ctx := context.Background()

	accountID := tdb.CreateTestAccount(t, "alice@example.com", "secret", 0)

	got, err := tdb.Authenticate(ctx, "Alice@Example.com", "secret")
	require.NoError(t, err)
	assert.Equal(t, accountID, got)

	_, err = tdb.Authenticate(ctx, "alice@example.com", "wrong")
	assert.ErrorIs(t, err, consts.ErrInvalidPassword)

	_, err = tdb.Authenticate(ctx, "nobody@example.com", "secret")
	assert.ErrorIs(t, err, consts.ErrUserNotFound)
}

func TestLookupRecipient(t *testing.T) {
	tdb := testutils.SetupTestDatabase(t)
	defer tdb.Cleanup(t)
	ctx := context.Background()

	accountID := tdb.CreateTestAccount(t, "bob@example.com", "secret", 1000)
	tdb.AddAddress(t, accountID, "robert@example.com")
	tdb.SetCheck(t, accountID, db.CheckVirus, db.ActionBounce)

	pref, err := tdb.LookupRecipient(ctx, "robert@example.com")
	require.NoError(t, err)
	assert.Equal(t, accountID, pref.AccountID)
	assert.Equal(t, int64(1000), pref.Quota)
	assert.NotZero(t, pref.FolderID)
	assert.Equal(t, db.CheckSetting{Enabled: true, Action: db.ActionBounce}, pref.Check(db.CheckVirus))
	assert.False(t, pref.Check(db.CheckSpam).Enabled)
	assert.Nil(t, pref.AutoReply)

	again, err := tdb.LookupRecipient(ctx, "bob@example.com")
	require.NoError(t, err)
	assert.Equal(t, pref.FolderID, again.FolderID, "default folder is created once")

	_, err = tdb.LookupRecipient(ctx, "missing@example.com")
	assert.ErrorIs(t, err, consts.ErrUserNotFound)
}

func TestMailboxTxKeepsUsageInStep(t *testing.T) {
	tdb := testutils.SetupTestDatabase(t)
	defer tdb.Cleanup(t)
	ctx := context.Background()

	accountID := tdb.CreateTestAccount(t, "carol@example.com", "secret", 100)
	folderID, err := tdb.FolderID(ctx, accountID, consts.DefaultFolder)
	require.NoError(t, err)
	archiveID, err := tdb.FolderID(ctx, accountID, "Archive")
	require.NoError(t, err)

	tx, err := tdb.BeginMailboxTx(ctx)
	require.NoError(t, err)
	first, err := tx.InsertMessage(ctx, db.NewMessage{AccountID: accountID, FolderID: folderID, Size: 30, ContentHash: "a"})
	require.NoError(t, err)
	second, err := tx.InsertMessage(ctx, db.NewMessage{AccountID: accountID, FolderID: folderID, Size: 20, ContentHash: "b"})
	require.NoError(t, err)
	require.NoError(t, tx.Commit(ctx))

	tx, err = tdb.BeginMailboxTx(ctx)
	require.NoError(t, err)
	usage, err := tx.Usage(ctx, accountID)
	require.NoError(t, err)
	assert.Equal(t, db.Usage{Used: 50, Quota: 100}, usage)

	refs, err := tx.OldestMessages(ctx, accountID, 0, 1)
	require.NoError(t, err)
	require.Len(t, refs, 1)
	assert.Equal(t, db.MessageRef{ID: first, Size: 30}, refs[0])

	refs, err = tx.OldestMessages(ctx, accountID, first, 10)
	require.NoError(t, err)
	require.Len(t, refs, 1)
	assert.Equal(t, second, refs[0].ID)

	copied, err := tx.CopyMessage(ctx, accountID, second, archiveID)
	require.NoError(t, err)
	assert.Equal(t, int64(20), copied.Size)

	require.NoError(t, tx.MoveMessage(ctx, accountID, first, archiveID))

	freed, err := tx.DeleteMessage(ctx, accountID, first)
	require.NoError(t, err)
	assert.Equal(t, int64(30), freed)

	usage, err = tx.Usage(ctx, accountID)
	require.NoError(t, err)
	assert.Equal(t, int64(40), usage.Used)

	// Nothing above is visible once rolled back.
	require.NoError(t, tx.Rollback(ctx))

	existing, err := tdb.ExistingMessages(ctx, []int64{first, second, copied.ID})
	require.NoError(t, err)
	assert.Equal(t, map[int64]bool{first: true, second: true}, existing)
}

func TestSpamSignatureCorrection(t *testing.T) {
	tdb := testutils.SetupTestDatabase(t)
	defer tdb.Cleanup(t)
	ctx := context.Background()

	accountID := tdb.CreateTestAccount(t, "dave@example.com", "secret", 0)
	folderID, err := tdb.FolderID(ctx, accountID, consts.DefaultFolder)
	require.NoError(t, err)

	tx, err := tdb.BeginMailboxTx(ctx)
	require.NoError(t, err)
	id, err := tx.InsertMessage(ctx, db.NewMessage{AccountID: accountID, FolderID: folderID, Size: 5, ContentHash: "c", SpamToken: "tok"})
	require.NoError(t, err)
	require.NoError(t, tx.InsertSpamSignature(ctx, db.SpamSignature{Token: "tok", AccountID: accountID, MessageID: id, Signature: "sig"}))
	require.NoError(t, tx.Commit(ctx))

	require.NoError(t, tdb.RecordSpamCorrection(ctx, "tok", "ham"))
	sig, err := tdb.SpamSignature(ctx, "tok")
	require.NoError(t, err)
	assert.Equal(t, "ham", sig.CorrectedClass)
	assert.Equal(t, id, sig.MessageID)

	assert.ErrorIs(t, tdb.RecordSpamCorrection(ctx, "nope", "ham"), consts.ErrSignatureNotFound)
}
