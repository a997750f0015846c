package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/voyageos/voyageos/internal/shared"
)

// WithLockingTx runs fn at ReadCommitted. Callers serialise on SELECT ... FOR
// UPDATE row locks and must re-read after acquiring them.
func WithLockingTx(ctx context.Context, pool *pgxpool.Pool, fn func(pgx.Tx) error) error {
	return WithTxLevel(ctx, pool, pgx.ReadCommitted, fn)
}

// WithTxLevel executes fn in a transaction at the given isolation level.
// Serialization failures and deadlocks surface as shared.ErrConflict.
func WithTxLevel(ctx context.Context, pool *pgxpool.Pool, level pgx.TxIsoLevel, fn func(pgx.Tx) error) error {
	tx, err := pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: level})
	if err != nil {
		return fmt.Errorf("platform/db: begin tx: %w", err)
	}

	defer func() {
		_ = tx.Rollback(ctx)
	}()

	if err := fn(tx); err != nil {
		return retryable(err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("platform/db: commit tx: %w", retryable(err))
	}

	return nil
}

func retryable(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && (pgErr.Code == "40001" || pgErr.Code == "40P01") {
		return fmt.Errorf("%w: %s", shared.ErrConflict, pgErr.Message)
	}
	return err
}
