package db

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/agency-portal/internal/shared"
)

// SQLSTATE codes postgres returns when a transaction lost a race and may be re-run.
const (
	codeSerializationFailure = "40001"
	codeDeadlockDetected     = "40P01"
)

// WithTx executes fn within a ReadCommitted transaction. Single-row updates keep
// last-write-wins semantics at this level instead of failing with a serialization
// error. The transaction is rolled back when fn fails; begin and commit failures come
// back as transport errors.
func WithTx(ctx context.Context, pool *pgxpool.Pool, fn func(pgx.Tx) error) error {
	tx, err := pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return shared.Transport("platform/db: begin tx", err)
	}

	defer func() {
		_ = tx.Rollback(ctx)
	}()

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return shared.Transport("platform/db: commit tx", err)
	}

	return nil
}

// IsRetryable reports whether err (possibly wrapped) is a serialization failure or a
// deadlock, after which the whole transaction can be run again.
func IsRetryable(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == codeSerializationFailure || pgErr.Code == codeDeadlockDetected
}
