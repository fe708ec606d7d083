// Package testing provides shared test helpers for the qtrader project.
package testing

import (
	"fmt"
	"os"
	"testing"

	"github.com/qtrader/qtrader/internal/database"
	_ "modernc.org/sqlite"
)

// NewTestDB creates a migrated SQLite database for testing and returns it with
// a cleanup function. Each call gets its own temporary file under t.TempDir so
// tests stay isolated; the cleanup function is idempotent.
func NewTestDB(t *testing.T, profile database.Profile) (*database.DB, func()) {
	t.Helper()

	tmpFile, err := os.CreateTemp(t.TempDir(), fmt.Sprintf("test_%s_*.db", profile))
	if err != nil {
		t.Fatalf("Failed to create temporary database file: %v", err)
	}
	tmpPath := tmpFile.Name()
	_ = tmpFile.Close()

	db, err := database.New(database.Config{
		Path:    tmpPath,
		Profile: profile,
		Name:    "test-" + string(profile),
	})
	if err != nil {
		t.Fatalf("Failed to create test database: %v", err)
	}

	if err := db.Migrate(); err != nil {
		_ = db.Close()
		t.Fatalf("Failed to migrate test database: %v", err)
	}

	closed := false
	cleanup := func() {
		if closed {
			return
		}
		closed = true
		if err := db.Close(); err != nil {
			t.Logf("Warning: failed to close test database: %v", err)
		}
	}
	return db, cleanup
}
