package testutils

import (
	"context"
	"fmt"
	"os"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/migadu/smtpd/db"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

// DatabaseURLEnv names the variable holding the test database DSN.
const DatabaseURLEnv = "SMTPD_TEST_DATABASE_URL"

// TestDatabase wraps database functionality for testing
type TestDatabase struct {
	*db.Database
}

// SetupTestDatabase connects to the database named by SMTPD_TEST_DATABASE_URL,
// migrates it and empties every table. The test is skipped when the variable
// is unset or in short mode.
func SetupTestDatabase(t *testing.T) *TestDatabase {
	t.Helper()
	if testing.Short() {
		t.Skip("Skipping database integration test in short mode")
	}
	dsn := os.Getenv(DatabaseURLEnv)
	if dsn == "" {
		t.Skipf("%s not set", DatabaseURLEnv)
	}

	ctx := context.Background()
	require.NoError(t, db.Migrate(ctx, dsn), "Failed to migrate test database")

	pool, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err, "Failed to connect to test database")

	td := &TestDatabase{Database: db.NewDatabase(pool)}
	td.TruncateAllTables(t)
	return td
}

// Cleanup closes database connections
func (td *TestDatabase) Cleanup(t *testing.T) {
	if td.Database != nil {
		td.Database.Close()
	}
}

// CreateTestAccount creates an account owning a single primary address.
func (td *TestDatabase) CreateTestAccount(t *testing.T, email, password string, quota int64) int64 {
	t.Helper()
	ctx := context.Background()

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	require.NoError(t, err)

	tx, err := td.Pool.Begin(ctx)
	require.NoError(t, err)
	defer tx.Rollback(ctx)

	var accountID int64
	err = tx.QueryRow(ctx, `INSERT INTO accounts (password_hash, quota) VALUES ($1, $2) RETURNING id`,
		string(hash), quota).Scan(&accountID)
	require.NoError(t, err)

	_, err = tx.Exec(ctx, `INSERT INTO addresses (address, account_id, is_primary) VALUES ($1, $2, TRUE)`,
		email, accountID)
	require.NoError(t, err)

	require.NoError(t, tx.Commit(ctx))
	return accountID
}

// AddAddress attaches an alias to an existing account.
func (td *TestDatabase) AddAddress(t *testing.T, accountID int64, email string) {
	t.Helper()
	_, err := td.Pool.Exec(context.Background(),
		`INSERT INTO addresses (address, account_id) VALUES ($1, $2)`, email, accountID)
	require.NoError(t, err)
}

// SetCheck configures one policy check for an account.
func (td *TestDatabase) SetCheck(t *testing.T, accountID int64, check db.CheckName, action db.Action) {
	t.Helper()
	_, err := td.Pool.Exec(context.Background(), `
		INSERT INTO check_settings (account_id, check_name, enabled, action) VALUES ($1, $2, TRUE, $3)
		ON CONFLICT (account_id, check_name) DO UPDATE SET enabled = TRUE, action = EXCLUDED.action
	`, accountID, string(check), string(action))
	require.NoError(t, err)
}

// TruncateAllTables cleans all data from test database tables
func (td *TestDatabase) TruncateAllTables(t *testing.T) {
	t.Helper()
	ctx := context.Background()

	tables := []string{
		"spam_signatures",
		"messages",
		"folders",
		"check_settings",
		"addresses",
		"accounts",
		"trusted_domains",
	}
	for _, table := range tables {
		_, err := td.Pool.Exec(ctx, fmt.Sprintf("TRUNCATE TABLE %s CASCADE", table))
		require.NoError(t, err)
	}
}
