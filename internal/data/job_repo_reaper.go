package data

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/target/jobflow/internal/data/pgxutil"
)

// Advisory lock namespace for reaper operations.
// Two-arg pg_try_advisory_xact_lock(major, minor) keeps reaper locks apart from queue locks.
const (
	advisoryLockReaperMajor      = 1000
	advisoryLockReaperFailStale  = 1
	advisoryLockReaperPurgeDead  = 2
	staleStartedJobFailureReason = "job exceeded the maximum time in started status"
)

// FailStaleStarted terminates jobs that stayed in started longer than maxAge,
// covering orphans whose queue message was lost or dead-lettered.
// Processes up to batchSize jobs per call; concurrent reapers skip via advisory lock.
func (r *JobRepo) FailStaleStarted(ctx context.Context, maxAge time.Duration, batchSize int) (int64, error) {
	var rowsAffected int64
	err := pgxutil.WithSQLTx(ctx, r.DB, pgxutil.SQLTxConfig{
		Fn: func(tx *sql.Tx) error {
			locked, err := tryAdvisoryXactLock(ctx, tx, advisoryLockReaperMajor, advisoryLockReaperFailStale)
			if err != nil || !locked {
				return err
			}

			now := r.timeProvider.Now()
			res, err := tx.ExecContext(ctx, `
				UPDATE jobs
				SET status = 'terminatedWithError',
				    result_data = '{}'::jsonb,
				    last_error = $1,
				    completed_at = $2,
				    updated_at = $2
				WHERE id IN (
					SELECT id FROM jobs
					WHERE status = 'started'
					  AND created_at < $3
					ORDER BY created_at
					LIMIT $4
					FOR UPDATE SKIP LOCKED
				)
				AND status = 'started'
			`, staleStartedJobFailureReason, now, now.Add(-maxAge), batchSize)
			if err != nil {
				return fmt.Errorf("fail stale started jobs: %w", err)
			}
			rowsAffected, err = res.RowsAffected()
			if err != nil {
				return fmt.Errorf("rows affected: %w", err)
			}
			return nil
		},
	})
	if err != nil {
		return 0, err
	}
	return rowsAffected, nil
}

func tryAdvisoryXactLock(ctx context.Context, tx *sql.Tx, major, minor int64) (bool, error) {
	var locked bool
	if err := tx.QueryRowContext(ctx,
		"SELECT pg_try_advisory_xact_lock($1::integer, $2::integer)", major, minor,
	).Scan(&locked); err != nil {
		return false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	return locked, nil
}
