package registry

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"
)

// PostgresRegistry implements Registry over a PostgreSQL schema with
// one table per entity.
type PostgresRegistry struct {
	db *sql.DB
}

// NewPostgresRegistry opens and pings a PostgreSQL connection.
func NewPostgresRegistry(dsn string) (*PostgresRegistry, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open registry database: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping registry database: %w", err)
	}
	return &PostgresRegistry{db: db}, nil
}

func (r *PostgresRegistry) Close() error {
	return r.db.Close()
}

// BeginTx opens a *sql.Tx-backed transactional handle.
func (r *PostgresRegistry) BeginTx(ctx context.Context) (Tx, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin registry tx: %w", err)
	}
	return &postgresTx{tx: tx}, nil
}

// postgresTx implements Tx over a single *sql.Tx.
type postgresTx struct {
	tx *sql.Tx
}

func (t *postgresTx) Commit() error   { return t.tx.Commit() }
func (t *postgresTx) Rollback() error { return t.tx.Rollback() }

// execer is satisfied by both *sql.DB and *sql.Tx, following the
// teacher's getDB() tx-or-db indirection.
type execer interface {
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}
