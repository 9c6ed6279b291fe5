// Package postgres implements the job store on PostgreSQL.
//
// It is the shared transactional backend: ClaimNext relies on
// SELECT ... FOR UPDATE SKIP LOCKED, so multiple gateway processes may claim
// against the same database safely.
package postgres

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// PgxPool is the subset of *pgxpool.Pool the repositories use. Kept narrow so
// tests can substitute a fake.
type PgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Ping(ctx context.Context) error
}
