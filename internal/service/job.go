package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"strings"
	"time"

	"github.com/target/jobflow/internal/core"
	"github.com/target/jobflow/internal/domain/model"
	apperrors "github.com/target/jobflow/internal/errors"
	"github.com/target/jobflow/internal/observability/metrics"
	"github.com/target/jobflow/internal/observability/statsd"
)

// ReasonEnqueueFailed is recorded on a job whose compensating delete failed.
const ReasonEnqueueFailed = "enqueue failed"

const compensationTimeout = 10 * time.Second

// JobServiceOptions groups dependencies for JobService.
type JobServiceOptions struct {
	Repo    core.JobRepository // Required: job store
	Queue   core.Queue         // Required: queue the process-job messages go to
	Logger  *slog.Logger       // Optional: structured logger
	Metrics statsd.Sink        // Optional: metrics sink (StatsD-compatible)

	// EnqueueAttempts bounds enqueue tries per submission; defaults to 3.
	EnqueueAttempts int
	// EnqueueBackoff is multiplied by the attempt number between tries.
	EnqueueBackoff time.Duration
	// MaxAttempts is passed with each enqueue; zero uses the queue default.
	MaxAttempts int
}

// JobService is the submission side of the job lifecycle. Submit creates the
// job record and enqueues exactly one process-job message for it; reads are
// scoped to the calling principal.
type JobService struct {
	repo            core.JobRepository
	queue           core.Queue
	logger          *slog.Logger
	metrics         statsd.Sink
	enqueueAttempts int
	enqueueBackoff  time.Duration
	maxAttempts     int
}

// NewJobService constructs a new JobService.
func NewJobService(opts JobServiceOptions) (*JobService, error) {
	if opts.Repo == nil {
		return nil, errors.New("JobRepository is required")
	}
	if opts.Queue == nil {
		return nil, errors.New("queue is required")
	}
	attempts := opts.EnqueueAttempts
	if attempts < 1 {
		attempts = 3
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "job_service")

	return &JobService{
		repo:            opts.Repo,
		queue:           opts.Queue,
		logger:          logger,
		metrics:         opts.Metrics,
		enqueueAttempts: attempts,
		enqueueBackoff:  max(opts.EnqueueBackoff, 0),
		maxAttempts:     opts.MaxAttempts,
	}, nil
}

// MustNewJobService constructs a new JobService and panics on error.
// Use this when you're certain the options are valid (e.g., in main.go).
func MustNewJobService(opts JobServiceOptions) *JobService {
	svc, err := NewJobService(opts)
	if err != nil {
		//nolint:forbidigo // Must constructor fails fast when dependencies are invalid during startup
		panic(fmt.Sprintf("failed to create JobService: %v", err))
	}
	return svc
}

// SubmitRequest is a new submission. Files reference uploads already stored.
type SubmitRequest struct {
	Owner        string
	Files        []model.FileRef
	TargetLocale string
}

// Submit validates req, creates the job and enqueues its process-job message.
//
// When enqueue is exhausted the job is deleted so no started job is left
// without a message. If that delete also fails the job is terminated with
// ReasonEnqueueFailed. Either way the caller gets a QueueUnavailable error.
func (s *JobService) Submit(ctx context.Context, req SubmitRequest) (*model.Job, error) {
	start := time.Now()
	job, err := s.submit(ctx, req)

	m := metrics.JobMetric{Stage: metrics.StageSubmit, Result: metrics.ResultSuccess, Duration: time.Since(start)}
	if err != nil {
		m.Result, m.Err, m.Transition = metrics.ResultError, err, string(apperrors.GetCode(err))
	} else {
		m.Transition = string(job.Status)
	}
	metrics.EmitJobLifecycle(s.metrics, m)
	return job, err
}

func (s *JobService) submit(ctx context.Context, req SubmitRequest) (*model.Job, error) {
	createReq := &model.CreateJobRequest{
		Owner:        strings.TrimSpace(req.Owner),
		Files:        req.Files,
		TargetLocale: strings.TrimSpace(req.TargetLocale),
	}
	if createReq.Owner == "" {
		return nil, apperrors.ValidationField("userId", "userId is required")
	}
	if len(createReq.Files) == 0 {
		return nil, apperrors.ValidationField("files", "at least one file is required")
	}
	if err := createReq.Validate(); err != nil {
		return nil, apperrors.Validation(err.Error())
	}

	job, err := s.repo.Create(ctx, createReq)
	if err != nil {
		return nil, apperrors.Persistence(err, "create job")
	}

	payload, err := json.Marshal(model.ProcessJobMessage{
		JobID:        job.ID,
		Files:        job.Files,
		TargetLocale: job.TargetLocale,
	})
	if err != nil {
		s.compensate(ctx, job, err)
		return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "encode process-job message")
	}

	ack, err := s.enqueue(ctx, payload)
	if err != nil {
		s.compensate(ctx, job, err)
		return nil, apperrors.QueueUnavailable(err, "enqueue job")
	}

	s.logger.InfoContext(ctx, "job submitted",
		"job_id", job.ID,
		"owner", job.Owner,
		"files", len(job.Files),
		"message_id", ack.MessageID,
	)
	return job, nil
}

// enqueue retries with linear backoff until the queue accepts the message.
func (s *JobService) enqueue(ctx context.Context, payload json.RawMessage) (*model.EnqueueAck, error) {
	var lastErr error
	for attempt := 1; attempt <= s.enqueueAttempts; attempt++ {
		ack, err := s.queue.Enqueue(ctx, model.ProcessJobTopic, payload, model.EnqueueOptions{MaxAttempts: s.maxAttempts})
		if err == nil {
			return ack, nil
		}
		lastErr = err
		s.logger.WarnContext(ctx, "enqueue failed", "attempt", attempt, "max_attempts", s.enqueueAttempts, "error", err)

		if attempt == s.enqueueAttempts {
			break
		}
		if err := sleepCtx(ctx, s.enqueueBackoff*time.Duration(attempt)); err != nil {
			return nil, errors.Join(lastErr, err)
		}
	}
	return nil, lastErr
}

// compensate undoes a create whose message never made it onto the queue.
// It runs detached from ctx so a disconnecting client cannot strand the job.
func (s *JobService) compensate(ctx context.Context, job *model.Job, cause error) {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), compensationTimeout)
	defer cancel()

	delErr := s.repo.Delete(cctx, job.ID)
	if delErr == nil || errors.Is(delErr, model.ErrJobNotFound) {
		s.logger.WarnContext(ctx, "submission rolled back", "job_id", job.ID, "cause", cause)
		return
	}

	reason := ReasonEnqueueFailed
	_, updErr := s.repo.UpdateStatus(cctx, model.UpdateStatusParams{
		ID:        job.ID,
		Status:    model.JobStatusTerminatedWithError,
		LastError: &reason,
	})
	if updErr != nil {
		s.logger.ErrorContext(ctx, "submission compensation failed; job left started",
			"job_id", job.ID,
			"cause", cause,
			"delete_error", delErr,
			"update_error", updErr,
		)
		return
	}
	s.logger.WarnContext(ctx, "submission terminated after failed rollback",
		"job_id", job.ID, "cause", cause, "delete_error", delErr)
}

// Get returns the job when p may see it. Jobs owned by someone else are
// reported as not found.
func (s *JobService) Get(ctx context.Context, p Principal, id string) (*model.Job, error) {
	job, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, mapStoreError(err, "get job")
	}
	if !p.CanActFor(job.Owner) {
		return nil, apperrors.NotFound("job not found")
	}
	return job, nil
}

// List streams jobs visible to p. Non-admin principals are always filtered to
// their own jobs.
func (s *JobService) List(ctx context.Context, p Principal, opts model.JobListOptions) iter.Seq2[*model.Job, error] {
	if !p.Admin {
		opts.Owner = p.ID
	}
	return func(yield func(*model.Job, error) bool) {
		for job, err := range s.repo.List(ctx, opts) {
			if err != nil {
				yield(nil, apperrors.Persistence(err, "list jobs"))
				return
			}
			if !yield(job, nil) {
				return
			}
		}
	}
}

// ListAll collects List into a slice.
func (s *JobService) ListAll(ctx context.Context, p Principal, opts model.JobListOptions) ([]*model.Job, error) {
	jobs := make([]*model.Job, 0)
	for job, err := range s.List(ctx, p, opts) {
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// UpdateStatus applies an administrative status change through the guarded
// transition. A repeat of the current terminal status is a no-op.
func (s *JobService) UpdateStatus(ctx context.Context, params model.UpdateStatusParams) (*model.Job, error) {
	if !params.Status.Valid() {
		return nil, apperrors.ValidationField("status", fmt.Sprintf("invalid status %q", params.Status))
	}
	if params.Status == model.JobStatusStarted {
		return nil, apperrors.InvalidTransitionf("a job cannot be moved back to %s", model.JobStatusStarted)
	}
	if len(params.ResultData) > 0 && !json.Valid(params.ResultData) {
		return nil, apperrors.ValidationField("resultData", "resultData must be valid JSON")
	}

	start := time.Now()
	job, err := s.repo.UpdateStatus(ctx, params)
	m := metrics.JobMetric{
		Stage:      metrics.StageUpdate,
		Transition: string(params.Status),
		Result:     metrics.ResultSuccess,
		Duration:   time.Since(start),
	}
	if err != nil {
		m.Result, m.Err = metrics.ResultError, err
	}
	metrics.EmitJobLifecycle(s.metrics, m)

	if err != nil {
		return job, mapStoreError(err, "update job status")
	}
	s.logger.InfoContext(ctx, "job status updated", "job_id", job.ID, "status", job.Status)
	return job, nil
}

// Cancel requests cancellation of a started job visible to p. Terminal jobs
// are returned unchanged.
func (s *JobService) Cancel(ctx context.Context, p Principal, id string) (*model.Job, error) {
	if _, err := s.Get(ctx, p, id); err != nil {
		return nil, err
	}
	job, err := s.repo.RequestCancel(ctx, id)
	if err != nil {
		return nil, mapStoreError(err, "cancel job")
	}

	result := metrics.ResultSuccess
	if job.Status.Terminal() {
		result = metrics.ResultNoop
	}
	metrics.EmitJobLifecycle(s.metrics, metrics.JobMetric{
		Stage:      metrics.StageCancel,
		Transition: string(job.Status),
		Result:     result,
	})
	s.logger.InfoContext(ctx, "job cancel requested", "job_id", id, "status", job.Status, "by", p.ID)
	return job, nil
}

// Delete removes a job. Administrative only.
func (s *JobService) Delete(ctx context.Context, id string) error {
	if err := s.repo.Delete(ctx, id); err != nil {
		return mapStoreError(err, "delete job")
	}
	s.logger.InfoContext(ctx, "job deleted", "job_id", id)
	return nil
}

// Stats returns job counts by status.
func (s *JobService) Stats(ctx context.Context) (*model.JobStats, error) {
	stats, err := s.repo.Stats(ctx)
	if err != nil {
		return nil, apperrors.Persistence(err, "job stats")
	}
	return stats, nil
}

// mapStoreError turns the store's not-found sentinel into an AppError and
// wraps anything uncategorised as a persistence failure.
func mapStoreError(err error, op string) error {
	if errors.Is(err, model.ErrJobNotFound) {
		return apperrors.NotFound("job not found")
	}
	return apperrors.Persistence(err, op)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
