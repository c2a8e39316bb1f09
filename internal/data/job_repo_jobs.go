package data

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/target/jobflow/internal/domain/model"
	apperrors "github.com/target/jobflow/internal/errors"
)

// Create persists a new job in status started.
func (r *JobRepo) Create(ctx context.Context, req *model.CreateJobRequest) (*model.Job, error) {
	if req == nil {
		return nil, apperrors.Validation("create job request is required")
	}
	if err := req.Validate(); err != nil {
		return nil, apperrors.Validation(err.Error())
	}

	files, err := json.Marshal(req.Files)
	if err != nil {
		return nil, fmt.Errorf("marshal files: %w", err)
	}

	now := r.timeProvider.Now()
	row := r.DB.QueryRowContext(ctx, `
		INSERT INTO jobs (owner_id, files, target_locale, status, created_at, updated_at)
		VALUES ($1, $2, $3, 'started', $4, $4)
		RETURNING `+jobColumns,
		req.Owner, files, req.TargetLocale, now,
	)
	job, err := scanJob(row)
	if err != nil {
		return nil, fmt.Errorf("insert job: %w", apperrors.MapDBError(err))
	}
	return job, nil
}

// GetByID retrieves a job by its ID.
func (r *JobRepo) GetByID(ctx context.Context, id string) (*model.Job, error) {
	if !isUUID(id) {
		return nil, ErrJobNotFound
	}
	row := r.DB.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", apperrors.MapDBError(err))
	}
	return job, nil
}

// UpdateStatus moves a started job to a terminal status. The write is a
// compare-and-set on status = 'started', so concurrent or redelivered
// updates cannot overwrite a terminal outcome:
//   - job already in the requested terminal status: returns it unchanged, no error
//   - job in the other terminal status: returns it unchanged with InvalidTransition
//   - requested status not terminal: InvalidTransition
func (r *JobRepo) UpdateStatus(ctx context.Context, params model.UpdateStatusParams) (*model.Job, error) {
	if !params.Status.Valid() {
		return nil, apperrors.Validationf("invalid status %q", params.Status)
	}
	if !params.Status.Terminal() {
		return nil, apperrors.InvalidTransitionf("cannot move job %s to %s", params.ID, params.Status)
	}
	if !isUUID(params.ID) {
		return nil, ErrJobNotFound
	}

	result := params.ResultData
	if len(result) == 0 || string(result) == "null" {
		result = model.EmptyResult
	}
	if !json.Valid(result) {
		return nil, apperrors.Validation("resultData must be valid JSON")
	}

	now := r.timeProvider.Now()
	row := r.DB.QueryRowContext(ctx, `
		UPDATE jobs
		SET status = $2,
		    result_data = $3,
		    last_error = $4,
		    completed_at = $5,
		    updated_at = $5
		WHERE id = $1 AND status = 'started'
		RETURNING `+jobColumns,
		params.ID, params.Status, []byte(result), params.LastError, now,
	)
	job, err := scanJob(row)
	if err == nil {
		return job, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("update job status: %w", apperrors.MapDBError(err))
	}

	// The guard did not match: the job is missing or already terminal.
	current, getErr := r.GetByID(ctx, params.ID)
	if getErr != nil {
		return nil, getErr
	}
	return resolveGuardMiss(current, params.Status)
}

// resolveGuardMiss decides the outcome when the compare-and-set found no started row.
func resolveGuardMiss(current *model.Job, requested model.JobStatus) (*model.Job, error) {
	if current.Status == requested {
		return current, nil
	}
	if current.Status.CanTransitionTo(requested) {
		// Raced with a concurrent writer that has since rolled back; report as a conflict.
		return current, apperrors.Conflict("job status changed concurrently")
	}
	return current, apperrors.InvalidTransitionf(
		"cannot move job %s from %s to %s", current.ID, current.Status, requested)
}

// RequestCancel flags a started job for cancellation. Terminal jobs are returned unchanged.
func (r *JobRepo) RequestCancel(ctx context.Context, id string) (*model.Job, error) {
	if !isUUID(id) {
		return nil, ErrJobNotFound
	}
	row := r.DB.QueryRowContext(ctx, `
		UPDATE jobs
		SET cancel_requested = TRUE, updated_at = $2
		WHERE id = $1 AND status = 'started'
		RETURNING `+jobColumns,
		id, r.timeProvider.Now(),
	)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return r.GetByID(ctx, id)
	}
	if err != nil {
		return nil, fmt.Errorf("request cancel: %w", apperrors.MapDBError(err))
	}
	return job, nil
}

// RecordAttempt stores the delivery attempt a worker is about to run.
func (r *JobRepo) RecordAttempt(ctx context.Context, id string, attempt int) error {
	if !isUUID(id) {
		return ErrJobNotFound
	}
	_, err := r.DB.ExecContext(ctx, `
		UPDATE jobs
		SET attempts = GREATEST(attempts, $2), updated_at = $3
		WHERE id = $1 AND status = 'started'`,
		id, attempt, r.timeProvider.Now(),
	)
	if err != nil {
		return fmt.Errorf("record attempt: %w", apperrors.MapDBError(err))
	}
	return nil
}

// Delete removes a job. It is an administrative operation and the submission compensating action.
func (r *JobRepo) Delete(ctx context.Context, id string) error {
	if !isUUID(id) {
		return ErrJobNotFound
	}
	res, err := r.DB.ExecContext(ctx, `DELETE FROM jobs WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete job: %w", apperrors.MapDBError(err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete job rows affected: %w", err)
	}
	if n == 0 {
		return ErrJobNotFound
	}
	return nil
}

// Stats returns job counts per status.
func (r *JobRepo) Stats(ctx context.Context) (*model.JobStats, error) {
	var s model.JobStats
	err := r.DB.QueryRowContext(ctx, `
		SELECT
		  count(*) FILTER (WHERE status = 'started'),
		  count(*) FILTER (WHERE status = 'completed'),
		  count(*) FILTER (WHERE status = 'terminatedWithError')
		FROM jobs`,
	).Scan(&s.Started, &s.Completed, &s.TerminatedWithError)
	if err != nil {
		return nil, fmt.Errorf("job stats: %w", apperrors.MapDBError(err))
	}
	return &s, nil
}
