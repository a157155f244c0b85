package storage

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestOpenAppliesMigrationsOnce(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "hub.db")

	db, err := Open(path, nil)
	require.NoError(t, err)
	defer db.Close()

	var tableCount int
	err = db.Read.QueryRowContext(context.Background(),
		`SELECT COUNT(1) FROM sqlite_master WHERE type='table' AND name='messages'`).Scan(&tableCount)
	require.NoError(t, err)
	require.Equal(t, 1, tableCount)

	db2, err := Open(path, nil)
	require.NoError(t, err)
	defer db2.Close()

	var migrationCount int
	err = db2.Read.QueryRowContext(context.Background(),
		`SELECT COUNT(1) FROM schema_migrations WHERE name='0001_init.sql'`).Scan(&migrationCount)
	require.NoError(t, err)
	require.Equal(t, 1, migrationCount)
}

func TestWithTxRollsBackOnError(t *testing.T) {
	dir := t.TempDir()
	db, err := Open(filepath.Join(dir, "hub.db"), nil)
	require.NoError(t, err)
	defer db.Close()

	boom := require.Error
	_ = boom

	err = db.WithTx(context.Background(), func(tx *sql.Tx) error {
		_, execErr := tx.Exec(`INSERT INTO knowledge_entries(id, category, title, content, indexed_at) VALUES ('k1','note','t','c','now')`)
		require.NoError(t, execErr)
		return sql.ErrTxDone
	})
	require.Error(t, err)

	var count int
	require.NoError(t, db.Read.QueryRow(`SELECT COUNT(1) FROM knowledge_entries`).Scan(&count))
	require.Equal(t, 0, count)
}
