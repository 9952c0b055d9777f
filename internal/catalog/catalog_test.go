package catalog

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := OpenSQLite(filepath.Join(t.TempDir(), "catalog.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestOpenSQLite_CreatesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.db")
	db, err := OpenSQLite(path)
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	_, err = os.Stat(path)
	assert.NoError(t, err)
	assert.Equal(t, SQLite, db.Dialect())
}

func TestOpenSQLite_AllTablesExist(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	for _, table := range []string{"blobs", "nodes", "chunk_slots", "owners"} {
		var name string
		err := db.QueryRowContext(ctx,
			"SELECT name FROM sqlite_master WHERE type='table' AND name=?", table,
		).Scan(&name)
		assert.NoError(t, err, "table %q not found", table)
	}
}

func TestOpen_ReopenIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.db")
	db, err := Open(DriverSQLite, path)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	db, err = Open("", path)
	require.NoError(t, err)
	require.NoError(t, db.Close())
}

func TestOpen_UnknownDriver(t *testing.T) {
	_, err := Open("mysql", "whatever")
	assert.Error(t, err)
}

func TestIsUniqueViolation(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	insert := `INSERT INTO blobs (hash, volume, path, size, ref_count, created_at) VALUES (?, ?, ?, ?, 1, 0)`
	_, err := db.ExecContext(ctx, insert, "abc", "/v", "/v/abc", 10)
	require.NoError(t, err)

	_, err = db.ExecContext(ctx, insert, "abc", "/v", "/v/abc", 10)
	require.Error(t, err)
	assert.True(t, IsUniqueViolation(err))

	assert.False(t, IsUniqueViolation(nil))
	assert.False(t, IsUniqueViolation(errors.New("UNIQUE constraint failed")))
}

func TestActiveSiblingIndex(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	insert := `INSERT INTO nodes (owner_id, parent_id, name, is_deleted, created_at, updated_at) VALUES (?, 0, ?, ?, 0, 0)`
	_, err := db.ExecContext(ctx, insert, 1, "a.txt", 0)
	require.NoError(t, err)

	// Deleted siblings do not participate in the constraint.
	_, err = db.ExecContext(ctx, insert, 1, "a.txt", 1)
	require.NoError(t, err)
	_, err = db.ExecContext(ctx, insert, 1, "a.txt", 1)
	require.NoError(t, err)

	// Other owners are independent.
	_, err = db.ExecContext(ctx, insert, 2, "a.txt", 0)
	require.NoError(t, err)

	_, err = db.ExecContext(ctx, insert, 1, "a.txt", 0)
	assert.True(t, IsUniqueViolation(err))
}

func TestWithTx_RollbackOnError(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	boom := errors.New("boom")

	err := db.WithTx(ctx, func(tx *Tx) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO owners (owner_id, quota_total, quota_used) VALUES (?, 0, 0)`, 7)
		require.NoError(t, err)
		return boom
	})
	assert.ErrorIs(t, err, boom)

	var n int
	require.NoError(t, db.QueryRowContext(ctx, `SELECT COUNT(*) FROM owners`).Scan(&n))
	assert.Equal(t, 0, n)

	err = db.WithTx(ctx, func(tx *Tx) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO owners (owner_id, quota_total, quota_used) VALUES (?, 0, 0)`, 7)
		return err
	})
	require.NoError(t, err)
	require.NoError(t, db.QueryRowContext(ctx, `SELECT COUNT(*) FROM owners`).Scan(&n))
	assert.Equal(t, 1, n)
}

func TestRebind(t *testing.T) {
	tests := []struct {
		name    string
		dialect Dialect
		in      string
		want    string
	}{
		{"sqlite untouched", SQLite, "SELECT * FROM t WHERE a = ? AND b = ?", "SELECT * FROM t WHERE a = ? AND b = ?"},
		{"postgres numbered", Postgres, "SELECT * FROM t WHERE a = ? AND b = ?", "SELECT * FROM t WHERE a = $1 AND b = $2"},
		{"postgres no params", Postgres, "SELECT 1", "SELECT 1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, rebind(tt.dialect, tt.in))
		})
	}
}

func TestPlaceholders(t *testing.T) {
	assert.Equal(t, "", Placeholders(0))
	assert.Equal(t, "?", Placeholders(1))
	assert.Equal(t, "?,?,?", Placeholders(3))
}
