package storage

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/ocx/hubd/internal/apierr"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// DB wraps two *sql.DB handles over the same SQLite file: a
// single-connection writer (SQLite serializes writers anyway, but
// capping the pool makes that explicit) and a multi-connection reader
// pool, both opened in WAL mode so readers never block the writer
// (spec.md §5).
type DB struct {
	Write  *sql.DB
	Read   *sql.DB
	logger *slog.Logger
}

// Open opens (creating if necessary) a WAL-mode SQLite database at path
// and applies any pending migrations.
func Open(path string, logger *slog.Logger) (*DB, error) {
	if logger == nil {
		logger = slog.Default()
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)", path)

	write, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, apierr.Wrap(apierr.KindIO, "open sqlite write handle", err)
	}
	write.SetMaxOpenConns(1)

	read, err := sql.Open("sqlite", dsn)
	if err != nil {
		write.Close()
		return nil, apierr.Wrap(apierr.KindIO, "open sqlite read handle", err)
	}
	read.SetMaxOpenConns(4)

	db := &DB{Write: write, Read: read, logger: logger}
	if err := db.migrate(context.Background()); err != nil {
		write.Close()
		read.Close()
		return nil, err
	}
	return db, nil
}

func (db *DB) migrate(ctx context.Context) error {
	if _, err := db.Write.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		name TEXT PRIMARY KEY,
		applied_at TEXT NOT NULL DEFAULT (datetime('now'))
	)`); err != nil {
		return apierr.Wrap(apierr.KindIO, "create schema_migrations table", err)
	}

	entries, err := migrationFS.ReadDir("migrations")
	if err != nil {
		return apierr.Wrap(apierr.KindInternal, "read embedded migrations", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".sql") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	for _, name := range names {
		var already int
		if err := db.Write.QueryRowContext(ctx, `SELECT COUNT(1) FROM schema_migrations WHERE name = ?`, name).Scan(&already); err != nil {
			return apierr.Wrap(apierr.KindIO, "check migration state", err)
		}
		if already > 0 {
			continue
		}

		sqlBytes, err := migrationFS.ReadFile(filepath.Join("migrations", name))
		if err != nil {
			return apierr.Wrap(apierr.KindInternal, "read migration file", err)
		}

		tx, err := db.Write.BeginTx(ctx, nil)
		if err != nil {
			return apierr.Wrap(apierr.KindIO, "begin migration tx", err)
		}
		if _, err := tx.ExecContext(ctx, string(sqlBytes)); err != nil {
			tx.Rollback()
			return apierr.Wrap(apierr.KindIO, fmt.Sprintf("apply migration %s", name), err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations(name) VALUES (?)`, name); err != nil {
			tx.Rollback()
			return apierr.Wrap(apierr.KindIO, "record migration", err)
		}
		if err := tx.Commit(); err != nil {
			return apierr.Wrap(apierr.KindIO, "commit migration", err)
		}
		db.logger.Info("storage: applied migration", "name", name)
	}
	return nil
}

// WithTx runs fn inside a write transaction, committing on success and
// rolling back on error or panic.
func (db *DB) WithTx(ctx context.Context, fn func(*sql.Tx) error) (err error) {
	tx, err := db.Write.BeginTx(ctx, nil)
	if err != nil {
		return apierr.Wrap(apierr.KindIO, "begin tx", err)
	}
	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return apierr.Wrap(apierr.KindIO, "commit tx", err)
	}
	return nil
}

// Close closes both handles.
func (db *DB) Close() error {
	werr := db.Write.Close()
	rerr := db.Read.Close()
	if werr != nil {
		return apierr.Wrap(apierr.KindIO, "close write handle", werr)
	}
	if rerr != nil {
		return apierr.Wrap(apierr.KindIO, "close read handle", rerr)
	}
	return nil
}
