package database

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/Gobusters/ectologger"
	"github.com/jmoiron/sqlx"
)

type txContextKey string

const txStatusKey = txContextKey("txStatus")
const txKey = txContextKey("tx")

// Tx is the transaction surface repositories depend on. Commit and
// Rollback take the context returned by GetTx so a transaction opened
// higher in the call chain is not closed by a callee.
type Tx interface {
	IsOpen() bool
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	GetContext(ctx context.Context, dest any, query string, args ...any) error
	SelectContext(ctx context.Context, dest any, query string, args ...any) error
	QueryxContext(ctx context.Context, query string, args ...any) (*sqlx.Rows, error)
	NamedExecContext(ctx context.Context, query string, arg any) (sql.Result, error)
}

type transaction struct {
	*sqlx.Tx
	logger ectologger.Logger
	done   bool
}

func NewTx(tx *sqlx.Tx, logger ectologger.Logger) Tx {
	return &transaction{
		Tx:     tx,
		logger: logger,
	}
}

// GetTx returns the transaction already carried by the context when one
// is open, otherwise begins a new one and stores it on the returned
// context. Only the opener's deferred Rollback / Commit close it; nested
// calls reusing the context are no-ops on close.
func GetTx(ctx context.Context, logger ectologger.Logger, db DB, opts *sql.TxOptions) (context.Context, Tx, error) {
	if existing, ok := ctx.Value(txKey).(Tx); ok && existing != nil && existing.IsOpen() {
		if status, ok := ctx.Value(txStatusKey).(string); ok && status == "open" {
			return ctx, existing, nil
		}
	}

	sqlxTx, err := db.BeginTxx(ctx, opts)
	if err != nil {
		logger.WithContext(ctx).WithError(err).Errorf("error while beginning transaction")
		return ctx, nil, fmt.Errorf("error while beginning transaction")
	}

	tx := NewTx(sqlxTx, logger)
	ctx = context.WithValue(ctx, txStatusKey, "open")
	ctx = context.WithValue(ctx, txKey, tx)
	return ctx, tx, nil
}

func (t *transaction) IsOpen() bool {
	return !t.done
}

func (t *transaction) Rollback(ctx context.Context) error {
	if t.done {
		return nil
	}

	// a context still marked open belongs to an outer caller
	if status, ok := ctx.Value(txStatusKey).(string); ok && status == "open" {
		return nil
	}

	if err := t.Tx.Rollback(); err != nil {
		t.logger.WithContext(ctx).WithError(err).Errorf("error while rolling back transaction")
		return fmt.Errorf("error while rolling back transaction")
	}

	t.done = true
	return nil
}

func (t *transaction) Commit(ctx context.Context) error {
	if t.done {
		return nil
	}

	if err := t.Tx.Commit(); err != nil {
		t.logger.WithContext(ctx).WithError(err).Errorf("error while committing transaction")
		return fmt.Errorf("error while committing transaction")
	}

	t.done = true
	return nil
}
