package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/target/jobflow/internal/core"
	"github.com/target/jobflow/internal/domain/model"
	apperrors "github.com/target/jobflow/internal/errors"
	"github.com/target/jobflow/internal/observability/metrics"
	"github.com/target/jobflow/internal/observability/statsd"
)

// ReasonCanceled is recorded on jobs terminated by a cancellation request.
const ReasonCanceled = "canceled"

var (
	errJobCanceled = errors.New("job canceled")
	errJobGone     = errors.New("job no longer processable")
)

// ProcessingServiceOptions groups dependencies for ProcessingService.
type ProcessingServiceOptions struct {
	Repo      core.JobRepository // Required: job store
	Processor core.Processor     // Required: content processor
	Logger    *slog.Logger       // Optional: structured logger
	Metrics   statsd.Sink        // Optional: metrics sink (StatsD-compatible)

	// CancelPollInterval is how often the cancellation flag is checked while processing.
	CancelPollInterval time.Duration
	// StoreTimeout bounds each job store call.
	StoreTimeout time.Duration
}

// ProcessingService is the worker side of the job lifecycle: it turns one
// process-job delivery into exactly one terminal status write.
type ProcessingService struct {
	repo         core.JobRepository
	processor    core.Processor
	logger       *slog.Logger
	metrics      statsd.Sink
	cancelPoll   time.Duration
	storeTimeout time.Duration
}

// NewProcessingService constructs a new ProcessingService.
func NewProcessingService(opts ProcessingServiceOptions) (*ProcessingService, error) {
	if opts.Repo == nil {
		return nil, errors.New("JobRepository is required")
	}
	if opts.Processor == nil {
		return nil, errors.New("processor is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	poll := opts.CancelPollInterval
	if poll <= 0 {
		poll = 2 * time.Second
	}
	storeTimeout := opts.StoreTimeout
	if storeTimeout <= 0 {
		storeTimeout = 10 * time.Second
	}
	return &ProcessingService{
		repo:         opts.Repo,
		processor:    opts.Processor,
		logger:       logger.With("component", "processing_service"),
		metrics:      opts.Metrics,
		cancelPoll:   poll,
		storeTimeout: storeTimeout,
	}, nil
}

// MustNewProcessingService constructs a new ProcessingService and panics on error.
func MustNewProcessingService(opts ProcessingServiceOptions) *ProcessingService {
	svc, err := NewProcessingService(opts)
	if err != nil {
		//nolint:forbidigo // Must constructor fails fast when dependencies are invalid during startup
		panic(fmt.Sprintf("failed to create ProcessingService: %v", err))
	}
	return svc
}

// Handle processes one delivery. A nil return means the delivery may be acked.
// A returned error wrapping core.ErrLeaveUnacked means the store could not be
// reached and the lease should be left to expire. Any other error asks the
// queue to retry the message.
func (s *ProcessingService) Handle(ctx context.Context, d *model.Delivery) error {
	start := time.Now()
	emit := func(transition, result string, err error) {
		metrics.EmitJobLifecycle(s.metrics, metrics.JobMetric{
			Stage:      metrics.StageProcess,
			Transition: transition,
			Result:     result,
			Duration:   time.Since(start),
			Err:        err,
		})
	}

	msg, err := model.DecodeProcessJobMessage(d.Payload)
	if err != nil {
		s.logger.ErrorContext(ctx, "malformed process-job message", "delivery_id", d.ID, "error", err)
		emit("malformed", metrics.ResultError, err)
		return apperrors.Wrap(err, apperrors.ErrCodeValidation, "decode process-job message")
	}
	log := s.logger.With("job_id", msg.JobID, "delivery_id", d.ID, "attempt", d.Attempt)

	job, err := s.getJob(ctx, msg.JobID)
	switch {
	case errors.Is(err, model.ErrJobNotFound):
		// The submission was compensated after the message went out.
		log.InfoContext(ctx, "job no longer exists; dropping message")
		emit("missing", metrics.ResultNoop, nil)
		return nil
	case err != nil:
		log.WarnContext(ctx, "job store unavailable; leaving delivery unacked", "error", err)
		emit("leave_unacked", metrics.ResultError, err)
		return fmt.Errorf("%w: load job: %w", core.ErrLeaveUnacked, err)
	}

	if job.Status.Terminal() {
		log.InfoContext(ctx, "job already terminal; duplicate delivery", "status", job.Status)
		emit("duplicate", metrics.ResultNoop, nil)
		return nil
	}
	if job.CancelRequested {
		return s.finish(ctx, log, emit, job.ID, model.JobStatusTerminatedWithError, nil, ReasonCanceled)
	}

	if err := s.recordAttempt(ctx, job.ID, d.Attempt); err != nil {
		log.WarnContext(ctx, "record attempt failed", "error", err)
	}

	out := s.process(ctx, msg, d)
	result, procErr, cause := out.result, out.err, out.cause
	switch {
	case procErr == nil:
		return s.finish(ctx, log, emit, job.ID, model.JobStatusCompleted, result, "")
	case errors.Is(cause, errJobCanceled):
		return s.finish(ctx, log, emit, job.ID, model.JobStatusTerminatedWithError, nil, ReasonCanceled)
	case errors.Is(cause, errJobGone):
		log.InfoContext(ctx, "job changed underneath processing; dropping message", "error", procErr)
		emit("missing", metrics.ResultNoop, nil)
		return nil
	case ctx.Err() != nil:
		// Shutdown: let the lease lapse so another worker picks the job up.
		log.InfoContext(ctx, "processing interrupted by shutdown", "error", procErr)
		emit("interrupted", metrics.ResultNoop, nil)
		return fmt.Errorf("%w: %w", core.ErrLeaveUnacked, ctx.Err())
	case !d.LastAttempt():
		log.WarnContext(ctx, "processing failed; will retry", "max_attempts", d.MaxAttempts, "error", procErr)
		emit("retry", metrics.ResultError, procErr)
		return apperrors.Processing(procErr, "process job")
	default:
		log.ErrorContext(ctx, "processing failed on final attempt", "error", procErr)
		return s.finish(ctx, log, emit, job.ID, model.JobStatusTerminatedWithError, nil, procErr.Error())
	}
}

type processOutcome struct {
	result json.RawMessage
	err    error
	// cause is set when the cancel watcher stopped the run.
	cause error
}

// process runs the processor over the message's files and locale, under a
// context that is canceled when the job's cancellation flag is observed.
func (s *ProcessingService) process(ctx context.Context, msg *model.ProcessJobMessage, d *model.Delivery) processOutcome {
	procCtx, cancel := context.WithCancelCause(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.watchCancel(procCtx, msg.JobID, cancel)
	}()

	result, err := s.safeProcess(procCtx, core.ProcessRequest{
		JobID:        msg.JobID,
		Files:        msg.Files,
		TargetLocale: msg.TargetLocale,
		Attempt:      d.Attempt,
	})
	cause := context.Cause(procCtx)
	cancel(nil)
	wg.Wait()

	if !errors.Is(cause, errJobCanceled) && !errors.Is(cause, errJobGone) {
		cause = nil
	}
	if err == nil && len(result) > 0 && !json.Valid(result) {
		err = errors.New("processor returned invalid JSON")
	}
	return processOutcome{result: result, err: err, cause: cause}
}

// safeProcess converts a processor panic into an error so the job still
// reaches a terminal status.
func (s *ProcessingService) safeProcess(ctx context.Context, req core.ProcessRequest) (out json.RawMessage, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("processor panic: %v", r)
		}
	}()
	return s.processor.Process(ctx, req)
}

func (s *ProcessingService) watchCancel(ctx context.Context, jobID string, cancel context.CancelCauseFunc) {
	ticker := time.NewTicker(s.cancelPoll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		job, err := s.getJob(ctx, jobID)
		switch {
		case errors.Is(err, model.ErrJobNotFound):
			cancel(errJobGone)
			return
		case err != nil:
			if ctx.Err() == nil {
				s.logger.DebugContext(ctx, "cancel poll failed", "job_id", jobID, "error", err)
			}
		case job.CancelRequested:
			cancel(errJobCanceled)
			return
		case job.Status.Terminal():
			cancel(errJobGone)
			return
		}
	}
}

// finish writes the terminal status. The write is detached from ctx so a
// shutdown does not discard a finished result.
func (s *ProcessingService) finish(
	ctx context.Context,
	log *slog.Logger,
	emit func(transition, result string, err error),
	jobID string,
	status model.JobStatus,
	result json.RawMessage,
	reason string,
) error {
	params := model.UpdateStatusParams{ID: jobID, Status: status, ResultData: result}
	if reason != "" {
		params.LastError = &reason
	}

	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.storeTimeout)
	defer cancel()
	job, err := s.repo.UpdateStatus(wctx, params)
	switch {
	case err == nil:
		log.InfoContext(ctx, "job finished", "status", job.Status, "reason", reason)
		outcome := metrics.ResultSuccess
		if status == model.JobStatusTerminatedWithError {
			outcome = metrics.ResultError
		}
		emit(string(status), outcome, nil)
		return nil
	case errors.Is(err, model.ErrJobNotFound):
		log.InfoContext(ctx, "job deleted before its status was written")
		emit("missing", metrics.ResultNoop, nil)
		return nil
	case apperrors.IsInvalidTransition(err):
		current := model.JobStatus("")
		if job != nil {
			current = job.Status
		}
		log.WarnContext(ctx, "terminal status already recorded", "wanted", status, "current", current)
		emit("duplicate", metrics.ResultNoop, nil)
		return nil
	default:
		log.ErrorContext(ctx, "status write failed; leaving delivery unacked", "status", status, "error", err)
		emit("leave_unacked", metrics.ResultError, err)
		return fmt.Errorf("%w: update status: %w", core.ErrLeaveUnacked, err)
	}
}

func (s *ProcessingService) getJob(ctx context.Context, id string) (*model.Job, error) {
	rctx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	defer cancel()
	return s.repo.GetByID(rctx, id)
}

func (s *ProcessingService) recordAttempt(ctx context.Context, id string, attempt int) error {
	rctx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	defer cancel()
	return s.repo.RecordAttempt(rctx, id, attempt)
}
