package repositories

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DBTX is satisfied by *pgxpool.Pool, pgx.Tx and pgxmock pools, so every
// repository can run against the pool or inside a transaction.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

// TxManager runs fn inside one database transaction, committing when fn
// returns nil and rolling back otherwise.
type TxManager interface {
	WithinTx(ctx context.Context, fn func(tx DBTX) error) error
}

type pgTxManager struct {
	db DBTX
}

// NewTxManager creates a TxManager that begins transactions on db.
func NewTxManager(db DBTX) TxManager {
	return &pgTxManager{db: db}
}

// WithinTx commits when fn returns nil and rolls back otherwise.
func (m *pgTxManager) WithinTx(ctx context.Context, fn func(tx DBTX) error) error {
	tx, err := m.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil {
			return fmt.Errorf("%w (rollback failed: %v)", err, rbErr)
		}
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}
