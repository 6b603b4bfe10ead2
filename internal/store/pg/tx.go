package pg

import (
	"context"
	stdsql "database/sql"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/codeready-toolchain/maf/internal/mafmodel"
)

// maxTxAttempts bounds with_tx's retry loop (§4.A: "fails after N attempts").
const maxTxAttempts = 5

// withTx runs fn inside a serializable-enough transaction, retrying on
// transient contention with exponential backoff, mirroring the teacher's
// store contract: with_tx(fn) — atomic, retries on contention, fails after
// N attempts. fn must not retain tx beyond its own return.
func withTx(ctx context.Context, db *stdsql.DB, fn func(tx *stdsql.Tx) error) error {
	var lastErr error
	for attempt := 0; attempt < maxTxAttempts; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(1<<uint(attempt)) * 10 * time.Millisecond
			jitter := time.Duration(rand.IntN(10)) * time.Millisecond
			select {
			case <-ctx.Done():
				return fmt.Errorf("%w: %v", mafmodel.ErrTimeout, ctx.Err())
			case <-time.After(backoff + jitter):
			}
		}

		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			if isRetryable(err) {
				lastErr = err
				continue
			}
			return fmt.Errorf("%w: begin tx: %v", mafmodel.ErrFatal, err)
		}

		err = fn(tx)
		if err != nil {
			_ = tx.Rollback()
			if isRetryable(err) {
				lastErr = err
				continue
			}
			return err
		}

		if err := tx.Commit(); err != nil {
			if isRetryable(err) {
				lastErr = err
				continue
			}
			return fmt.Errorf("%w: commit: %v", mafmodel.ErrFatal, err)
		}
		return nil
	}
	return fmt.Errorf("%w: exceeded %d attempts: %v", mafmodel.ErrTimeout, maxTxAttempts, lastErr)
}

// classifyUniqueViolation returns asErr if err is a unique-constraint
// violation (Postgres code 23505), otherwise err unchanged.
func classifyUniqueViolation(err error, asErr error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return asErr
	}
	return err
}

// isRetryable classifies Postgres errors as Transient (serialization
// failures, deadlocks, connection hiccups) vs Fatal (everything else).
func isRetryable(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", // serialization_failure
			"40P01", // deadlock_detected
			"55P03": // lock_not_available
			return true
		}
		return false
	}
	return errors.Is(err, stdsql.ErrConnDone) || errors.Is(err, context.DeadlineExceeded)
}
