// Package store provides typed query methods over the SQLite schema.
// Queries runs against either a *sql.DB or a *sql.Tx via the DBTX
// interface, so billing can execute the same methods inside a single
// transaction with store.New(tx).
package store

import (
	"context"
	"database/sql"
	"time"
)

// DBTX is satisfied by *sql.DB and *sql.Tx.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Queries holds a database handle and exposes all query methods.
type Queries struct {
	db DBTX
}

// New creates a Queries instance over the given handle.
func New(db DBTX) *Queries {
	return &Queries{db: db}
}

// WithTx returns a Queries instance bound to the given transaction.
func (q *Queries) WithTx(tx *sql.Tx) *Queries {
	return &Queries{db: tx}
}

// Timestamps are stored as RFC 3339 text in UTC. The fraction is
// fixed-width so stored values compare correctly as text; RFC3339Nano
// trims trailing zeros, which breaks ordering within a second
// ('Z' sorts after '.').
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func fmtTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
