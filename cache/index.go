package cache

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite" // SQLite driver (pure Go, no CGO required)
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// IndexEntry describes one disk cache object.
type IndexEntry struct {
	ResourceID string
	CacheKey   string
	SizeBytes  int64
	LastAccess time.Time
}

// Index records the size and last access time of every disk cache object so
// the cache can be trimmed least-recently-used first.
type Index struct {
	db *sql.DB
}

// OpenIndex opens (creating if needed) the SQLite index at path and applies
// pending schema migrations.
func OpenIndex(path string) (*Index, error) {
	if path == "" {
		return nil, errors.New("index path is required")
	}
	if err := migrateIndex(path); err != nil {
		return nil, err
	}
	db, err := openSQLite(path)
	if err != nil {
		return nil, err
	}
	return &Index{db: db}, nil
}

func openSQLite(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open index: %w", err)
	}
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", p, err)
		}
	}
	// SQLite handles concurrency best with a single writer.
	db.SetMaxOpenConns(1)
	return db, nil
}

// migrateIndex runs on its own connection: closing the migrator closes it.
func migrateIndex(path string) error {
	db, err := openSQLite(path)
	if err != nil {
		return err
	}
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		db.Close()
		return fmt.Errorf("failed to load migrations: %w", err)
	}
	drv, err := sqlite.WithInstance(db, &sqlite.Config{DatabaseName: "main"})
	if err != nil {
		db.Close()
		return fmt.Errorf("failed to create migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", drv)
	if err != nil {
		db.Close()
		return fmt.Errorf("failed to create migrator: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}
	return nil
}

// Record inserts or refreshes an entry.
func (x *Index) Record(ctx context.Context, e IndexEntry) error {
	now := e.LastAccess.UnixNano()
	_, err := x.db.ExecContext(ctx, `
		INSERT INTO cache_entries (resource_id, cache_key, size_bytes, created_at, last_access)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(resource_id) DO UPDATE SET
			cache_key = excluded.cache_key,
			size_bytes = excluded.size_bytes,
			last_access = excluded.last_access`,
		e.ResourceID, e.CacheKey, e.SizeBytes, now, now)
	return err
}

// Touch updates the last access time of an entry.
func (x *Index) Touch(ctx context.Context, resourceID string, at time.Time) error {
	_, err := x.db.ExecContext(ctx,
		`UPDATE cache_entries SET last_access = ? WHERE resource_id = ?`, at.UnixNano(), resourceID)
	return err
}

// Delete removes an entry.
func (x *Index) Delete(ctx context.Context, resourceID string) error {
	_, err := x.db.ExecContext(ctx, `DELETE FROM cache_entries WHERE resource_id = ?`, resourceID)
	return err
}

// TotalSize returns the sum of all entry sizes.
func (x *Index) TotalSize(ctx context.Context) (int64, error) {
	var total sql.NullInt64
	err := x.db.QueryRowContext(ctx, `SELECT SUM(size_bytes) FROM cache_entries`).Scan(&total)
	return total.Int64, err
}

// Oldest returns up to limit entries, least recently used first. limit <= 0
// returns every entry.
func (x *Index) Oldest(ctx context.Context, limit int) ([]IndexEntry, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := x.db.QueryContext(ctx, `
		SELECT resource_id, cache_key, size_bytes, last_access
		FROM cache_entries ORDER BY last_access ASC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []IndexEntry
	for rows.Next() {
		var (
			e    IndexEntry
			last int64
		)
		if err := rows.Scan(&e.ResourceID, &e.CacheKey, &e.SizeBytes, &last); err != nil {
			return nil, err
		}
		e.LastAccess = time.Unix(0, last)
		out = append(out, e)
	}
	return out, rows.Err()
}

// Close closes the database.
func (x *Index) Close() error { return x.db.Close() }
