// Package pgxutil gives repositories native pgx connections and transactions
// on top of the shared *sql.DB pool.
package pgxutil

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/stdlib"
)

// maxTxAttempts bounds InTx retries after serialization failures and deadlocks.
const maxTxAttempts = 3

// Querier is satisfied by both *pgx.Conn and pgx.Tx.
type Querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

var (
	_ Querier = (*pgx.Conn)(nil)
	_ Querier = (pgx.Tx)(nil)
)

// WithConn pins one pool connection and hands fn the pgx connection behind it.
func WithConn(ctx context.Context, db *sql.DB, fn func(*pgx.Conn) error) error {
	conn, err := db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Close() //nolint:errcheck // returns the connection to the pool

	return conn.Raw(func(driverConn any) error {
		std, ok := driverConn.(*stdlib.Conn)
		if !ok {
			return fmt.Errorf("driver connection is %T, not *stdlib.Conn", driverConn)
		}
		return fn(std.Conn())
	})
}

// InTx runs fn in a transaction on one pinned connection and commits when fn
// returns nil. Serialization failures and deadlocks rerun fn from scratch, so
// fn must not keep side effects outside the transaction.
func InTx(ctx context.Context, db *sql.DB, opts pgx.TxOptions, fn func(pgx.Tx) error) error {
	return WithConn(ctx, db, func(conn *pgx.Conn) error {
		var err error
		for range maxTxAttempts {
			err = runTx(ctx, conn, opts, fn)
			if !Retryable(err) || ctx.Err() != nil {
				return err
			}
		}
		return err
	})
}

func runTx(ctx context.Context, conn *pgx.Conn, opts pgx.TxOptions, fn func(pgx.Tx) error) error {
	tx, err := conn.BeginTx(ctx, opts)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	// Rollback after Commit returns pgx.ErrTxClosed.
	defer tx.Rollback(ctx) //nolint:errcheck

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// Retryable reports whether err is a transaction conflict that succeeds when
// the whole transaction is retried.
func Retryable(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == pgerrcode.DeadlockDetected
}
