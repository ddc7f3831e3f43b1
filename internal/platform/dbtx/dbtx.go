// Package dbtx lets independent store-layer packages (locking, registry,
// store) participate in the same database transaction when an operation
// spans more than one of them — most notably the scheduler's failover step,
// which must transfer instances, reset nodes, and mark an engine inactive
// atomically (spec §4.5 step d). Grounded on the teacher's
// BaseStore.Querier/TxFromContext/ContextWithTx pattern, generalized so it
// isn't tied to one repository's embedded *sql.DB.
package dbtx

import (
	"context"
	"database/sql"
)

// Querier is satisfied by both *sql.DB and *sql.Tx.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type txKey struct{}

// WithTx attaches tx to ctx so downstream store calls reuse it.
func WithTx(ctx context.Context, tx *sql.Tx) context.Context {
	return context.WithValue(ctx, txKey{}, tx)
}

// FromContext extracts a transaction previously attached with WithTx, or nil.
func FromContext(ctx context.Context) *sql.Tx {
	if tx, ok := ctx.Value(txKey{}).(*sql.Tx); ok {
		return tx
	}
	return nil
}

// Q returns the transaction in ctx if present, otherwise db itself.
func Q(ctx context.Context, db *sql.DB) Querier {
	if tx := FromContext(ctx); tx != nil {
		return tx
	}
	return db
}

// RunInTx begins a transaction on db, attaches it to ctx, invokes fn, and
// commits on success or rolls back on error / panic. If ctx already carries
// a transaction, fn runs directly against it (no nested transaction).
func RunInTx(ctx context.Context, db *sql.DB, fn func(ctx context.Context) error) (err error) {
	if FromContext(ctx) != nil {
		return fn(ctx)
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	txCtx := WithTx(ctx, tx)
	if err = fn(txCtx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}
