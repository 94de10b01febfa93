// Package db owns the process-wide Postgres connection pool: scoped
// connection leases, dedicated listen connections and advisory locks.
package db

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Pool is the query surface shared by *pgxpool.Pool and pgxmock pools.
type Pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
	Ping(ctx context.Context) error
}

// Conn is a single leased connection. Session state such as advisory locks
// and LISTEN registrations lives on it for the duration of the lease.
type Conn interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Lease is a connection checked out of the pool. Release returns it;
// Discard closes it so the pool replaces it.
type Lease interface {
	Conn
	Release()
	Discard(ctx context.Context)
}
