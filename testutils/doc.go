// Package testutils provides helpers shared by the test suites: a Postgres
// fixture driven by SMTPD_TEST_DATABASE_URL and an in-memory Redis.
//
// Example usage:
//
//	import "github.com/migadu/smtpd/testutils"
//
//	func TestMyFunction(t *testing.T) {
//		tdb := testutils.SetupTestDatabase(t)
//		defer tdb.Cleanup(t)
//		accountID := tdb.CreateTestAccount(t, "user@example.com", "secret", 1024)
//		// ...
//	}
package testutils
