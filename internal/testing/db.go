// Package testing provides testing utilities and helpers for the engine.
package testing

import (
	"database/sql"
	"fmt"
	"os"
	"testing"

	"github.com/alluse/engine/internal/database"
	_ "modernc.org/sqlite"
)

// NewTestDB creates a temporary-file SQLite database with the named schema
// applied. Each test gets its own isolated database; cleanup runs via
// t.Cleanup, so callers only keep the returned handle.
//
// Supported schema names:
//   - "ledger" - ledger entries and snapshots
//   - "state" - accounts, positions, orders, week classifications
//   - "marketdata" - ATR records
//   - Unknown names - creates an empty database (no schema applied)
func NewTestDB(t *testing.T, name string) *database.DB {
	t.Helper()

	tmpFile, err := os.CreateTemp("", fmt.Sprintf("test_%s_*.db", name))
	if err != nil {
		t.Fatalf("Failed to create temporary database file: %v", err)
	}
	tmpPath := tmpFile.Name()
	_ = tmpFile.Close()

	db, err := database.New(database.Config{
		Path:    tmpPath,
		Profile: database.ProfileStandard,
		Name:    name,
	})
	if err != nil {
		_ = os.Remove(tmpPath)
		t.Fatalf("Failed to create test database %s: %v", name, err)
	}

	if err := db.Migrate(); err != nil {
		_ = db.Close()
		_ = os.Remove(tmpPath)
		t.Fatalf("Failed to migrate test database %s: %v", name, err)
	}

	t.Cleanup(func() {
		if err := db.Close(); err != nil {
			t.Logf("Warning: Failed to close test database %s: %v", name, err)
		}
		if err := os.Remove(tmpPath); err != nil {
			t.Logf("Warning: Failed to remove temporary database file %s: %v", tmpPath, err)
		}
	})

	return db
}

// GetRawConnection returns the raw *sql.DB connection from a database.DB
// instance, for tests that need direct access to the underlying connection.
func GetRawConnection(db *database.DB) *sql.DB {
	return db.Conn()
}
