package database

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDB(t *testing.T, profile Profile) *DB {
	t.Helper()
	db, err := New(Config{
		Path:    filepath.Join(t.TempDir(), "test.db"),
		Profile: profile,
		Name:    "test",
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, db.Migrate())
	return db
}

func TestMigrateTraderProfile(t *testing.T) {
	db := newTestDB(t, ProfileTrader)

	// re-running the migration is safe
	require.NoError(t, db.Migrate())

	for _, table := range []string{"accounts", "orders", "trades", "positions", "system_params", "rotation_instructions"} {
		var name string
		err := db.Conn().QueryRow(
			`SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?`, table).Scan(&name)
		assert.NoError(t, err, "table %s missing", table)
	}
}

func TestMigrateManagerProfile(t *testing.T) {
	db := newTestDB(t, ProfileManager)

	var name string
	err := db.Conn().QueryRow(
		`SELECT name FROM sqlite_master WHERE type = 'table' AND name = 'alarms'`).Scan(&name)
	assert.NoError(t, err)
}

func TestHealthCheckAndWALCheckpoint(t *testing.T) {
	db := newTestDB(t, ProfileTrader)

	require.NoError(t, db.HealthCheck(context.Background()))
	require.NoError(t, db.WALCheckpoint())
}

func TestWithTransactionCommit(t *testing.T) {
	db := newTestDB(t, ProfileTrader)

	err := WithTransaction(db.Conn(), func(tx *sql.Tx) error {
		_, err := tx.Exec(`INSERT INTO system_params (param_key, param_value, param_group, description, updated_at)
			VALUES ('k', 'v', 'state', '', 0)`)
		return err
	})
	require.NoError(t, err)

	var n int
	require.NoError(t, db.Conn().QueryRow(`SELECT COUNT(*) FROM system_params`).Scan(&n))
	assert.Equal(t, 1, n)
}

func TestWithTransactionRollsBackOnError(t *testing.T) {
	db := newTestDB(t, ProfileTrader)

	boom := errors.New("boom")
	err := WithTransaction(db.Conn(), func(tx *sql.Tx) error {
		if _, err := tx.Exec(`INSERT INTO system_params (param_key, param_value, param_group, description, updated_at)
			VALUES ('k', 'v', 'state', '', 0)`); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	var n int
	require.NoError(t, db.Conn().QueryRow(`SELECT COUNT(*) FROM system_params`).Scan(&n))
	assert.Equal(t, 0, n)
}

func TestWithTransactionRecoversPanic(t *testing.T) {
	db := newTestDB(t, ProfileTrader)

	err := WithTransaction(db.Conn(), func(tx *sql.Tx) error {
		panic("handler bug")
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panic in transaction")
}
