package projection

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DB is the statement-level database contract. It is satisfied by
// *pgxpool.Pool and by pgx.Tx, so the tracker, ledger and lock store can run
// either standalone or inside a handler's batch transaction.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Database adds transaction support on top of DB. *pgxpool.Pool satisfies it.
// Each batch opens exactly one transaction through Begin; savepoints inside
// it are opened with pgx.Tx.Begin.
type Database interface {
	DB
	Begin(ctx context.Context) (pgx.Tx, error)
}
