package storage

import (
	"fmt"

	// registers the "pgx" database/sql driver used by sqlx.Connect below.
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"

	"github.com/duh17/oppi-sub004/internal/db"
)

const kvSchemaPostgres = `
CREATE TABLE IF NOT EXISTS kv (
	key        TEXT PRIMARY KEY,
	value      BYTEA NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

// NewPostgresStore opens a Postgres-backed Store at dsn. pgx pools its own
// connections internally, so unlike SQLite there is no writer/reader split
// — both sides of the Pool share one *sqlx.DB, matching the teacher's
// internal/common/database wrapper's single-pool approach.
func NewPostgresStore(dsn string) (*SQLStore, error) {
	conn, err := sqlx.Connect("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("storage: connect postgres: %w", err)
	}

	if _, err := conn.Exec(kvSchemaPostgres); err != nil {
		conn.Close()
		return nil, fmt.Errorf("storage: create kv schema: %w", err)
	}

	return &SQLStore{pool: db.NewPool(conn, conn)}, nil
}
