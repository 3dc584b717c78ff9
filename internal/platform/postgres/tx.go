package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const defaultTxTimeout = 15 * time.Second

// Querier is satisfied by *sql.DB and *sql.Tx.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type txKey struct{}

// Conn returns the transaction bound to ctx by RunInTx, or db when there is none.
func Conn(ctx context.Context, db *sql.DB) Querier {
	if tx, ok := ctx.Value(txKey{}).(*sql.Tx); ok && tx != nil {
		return tx
	}
	return db
}

// TxRunner executes functions inside a database transaction.
type TxRunner struct {
	db      *sql.DB
	timeout time.Duration
}

// NewTxRunner constructs a TxRunner over db.
func NewTxRunner(db *sql.DB) *TxRunner {
	return &TxRunner{db: db, timeout: defaultTxTimeout}
}

// RunInTx runs fn in a read-committed transaction. Repositories reached through the
// context passed to fn share it. Nested calls reuse the outer transaction.
func (r *TxRunner) RunInTx(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	if r == nil || r.db == nil {
		return WrapError("transaction", errors.New("postgres: db is nil"))
	}
	if _, nested := ctx.Value(txKey{}).(*sql.Tx); nested {
		return fn(ctx)
	}

	if deadline, ok := ctx.Deadline(); !ok || time.Until(deadline) > r.timeout {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	tx, err := r.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return WrapError("transaction.begin", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if err = fn(context.WithValue(ctx, txKey{}, tx)); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return WrapError("transaction.commit", fmt.Errorf("commit: %w", err))
	}
	return nil
}
