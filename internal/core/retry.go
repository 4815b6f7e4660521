package core

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
)

// transientStorageErr reports storage failures that abort the statement but
// say nothing about the data: serialization failures, deadlocks, lock-wait
// timeouts.
func transientStorageErr(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01", "55P03":
			return true
		}
	}
	return false
}

// readRetry runs fn and, when it fails with a transient storage error, runs
// it once more. Only lock-free reads go through here: they are idempotent,
// so the retry cannot double-apply anything. Mutations instead surface
// ConflictError and leave the retry decision to the caller.
func readRetry(ctx context.Context, fn func(context.Context) error) error {
	err := fn(ctx)
	if err == nil || !transientStorageErr(err) {
		return err
	}
	return fn(ctx)
}
