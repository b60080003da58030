package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"

	"github.com/duh17/oppi-sub004/internal/db"
)

// kvSchema is applied once at startup; storage is a single wide table
// keyed by the namespaced string keys the accessor layer builds
// (workspace:<id>, session:<id>, policy:rule:<id>, audit:<id>, ...).
const kvSchema = `
CREATE TABLE IF NOT EXISTS kv (
	key        TEXT PRIMARY KEY,
	value      BLOB NOT NULL,
	updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);
`

// SQLStore is a Store backed by a SQL database reached through a
// writer/reader connection pair (internal/db.Pool). It is shared by the
// SQLite and Postgres constructors below; only DSN/driver setup differs.
// Queries are written with '?' placeholders and rebound per-driver via
// sqlx's Rebind, so the two backends share every query string.
type SQLStore struct {
	pool *db.Pool
}

// NewSQLiteStore opens (creating if absent) a SQLite-backed Store at path,
// using WAL mode with a single writer connection and a small reader pool,
// mirroring the teacher package's internal/db separation so concurrent
// session/event writes never collide with API read traffic.
func NewSQLiteStore(path string) (*SQLStore, error) {
	writerDB, err := db.OpenSQLite(path)
	if err != nil {
		return nil, fmt.Errorf("storage: open sqlite writer: %w", err)
	}
	readerDB, err := db.OpenSQLiteReader(path)
	if err != nil {
		writerDB.Close()
		return nil, fmt.Errorf("storage: open sqlite reader: %w", err)
	}

	writer := sqlx.NewDb(writerDB, "sqlite3")
	reader := sqlx.NewDb(readerDB, "sqlite3")

	if _, err := writer.Exec(kvSchema); err != nil {
		writer.Close()
		reader.Close()
		return nil, fmt.Errorf("storage: create kv schema: %w", err)
	}

	return &SQLStore{pool: db.NewPool(writer, reader)}, nil
}

func (s *SQLStore) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	query := s.pool.Reader().Rebind("SELECT value FROM kv WHERE key = ?")
	err := s.pool.Reader().GetContext(ctx, &value, query, key)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("storage: get %q: %w", key, err)
	}
	return value, nil
}

func (s *SQLStore) Put(ctx context.Context, key string, value []byte) error {
	query := s.pool.Writer().Rebind(`
INSERT INTO kv (key, value, updated_at) VALUES (?, ?, CURRENT_TIMESTAMP)
ON CONFLICT (key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
`)
	if _, err := s.pool.Writer().ExecContext(ctx, query, key, value); err != nil {
		return fmt.Errorf("storage: put %q: %w", key, err)
	}
	return nil
}

func (s *SQLStore) Delete(ctx context.Context, key string) error {
	query := s.pool.Writer().Rebind("DELETE FROM kv WHERE key = ?")
	if _, err := s.pool.Writer().ExecContext(ctx, query, key); err != nil {
		return fmt.Errorf("storage: delete %q: %w", key, err)
	}
	return nil
}

func (s *SQLStore) List(ctx context.Context, prefix string) (map[string][]byte, error) {
	query := s.pool.Reader().Rebind("SELECT key, value FROM kv WHERE key LIKE ? ESCAPE '\\' ORDER BY key")
	rows, err := s.pool.Reader().QueryxContext(ctx, query, escapeLikePrefix(prefix)+"%")
	if err != nil {
		return nil, fmt.Errorf("storage: list %q: %w", prefix, err)
	}
	defer rows.Close()

	out := make(map[string][]byte)
	for rows.Next() {
		var key string
		var value []byte
		if err := rows.Scan(&key, &value); err != nil {
			return nil, fmt.Errorf("storage: scan %q: %w", prefix, err)
		}
		out[key] = value
	}
	return out, rows.Err()
}

func (s *SQLStore) Close() error {
	return s.pool.Close()
}

// escapeLikePrefix escapes SQL LIKE wildcards so namespaced keys containing
// '%' or '_' (neither of which this package's key builders emit, but
// defense costs nothing here) aren't misinterpreted as patterns.
func escapeLikePrefix(prefix string) string {
	r := strings.NewReplacer("%", "\\%", "_", "\\_")
	return r.Replace(prefix)
}
