package service

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/target/jobflow/config"
	"github.com/target/jobflow/internal/core"
	"github.com/target/jobflow/internal/domain/model"
	obserrors "github.com/target/jobflow/internal/observability/errors"
	"github.com/target/jobflow/internal/observability/metrics"
	"github.com/target/jobflow/internal/observability/statsd"
)

// ReaperServiceOptions groups dependencies for ReaperService.
type ReaperServiceOptions struct {
	Jobs    core.JobReaperRepository   // Required: job store housekeeping
	Queue   core.QueueReaperRepository // Required: queue housekeeping
	Stats   core.Queue                 // Optional: reports queue depth after each pass
	Config  config.ReaperConfig        // Required: reaper configuration
	Logger  *slog.Logger               // Optional: structured logger
	Metrics statsd.Sink                // Optional: metrics sink (StatsD-compatible)
	// Topics are the queue topics whose dead letters are purged; defaults to process-job.
	Topics []string
}

// ReaperService provides job cleanup operations.
//
// This service manages:
// - Terminating jobs left in started longer than StartedMaxAge.
// - Purging dead-lettered queue messages older than DeadMaxAge.
type ReaperService struct {
	jobs    core.JobReaperRepository
	queue   core.QueueReaperRepository
	stats   core.Queue
	config  config.ReaperConfig
	topics  []string
	logger  *slog.Logger
	metrics statsd.Sink
}

// NewReaperService constructs a new ReaperService.
func NewReaperService(opts ReaperServiceOptions) (*ReaperService, error) {
	if opts.Jobs == nil {
		return nil, errors.New("JobReaperRepository is required")
	}
	if opts.Queue == nil {
		return nil, errors.New("QueueReaperRepository is required")
	}
	topics := opts.Topics
	if len(topics) == 0 {
		topics = []string{model.ProcessJobTopic}
	}

	var logger *slog.Logger
	if opts.Logger != nil {
		logger = opts.Logger.With("component", "reaper_service")
		logger.Debug("ReaperService initialized",
			"interval", opts.Config.Interval,
			"started_max_age", opts.Config.StartedMaxAge,
			"dead_max_age", opts.Config.DeadMaxAge,
		)
	}

	return &ReaperService{
		jobs:    opts.Jobs,
		queue:   opts.Queue,
		stats:   opts.Stats,
		config:  opts.Config,
		topics:  topics,
		logger:  logger,
		metrics: opts.Metrics,
	}, nil
}

// MustNewReaperService constructs a new ReaperService and panics on error.
// Use this when you're certain the options are valid (e.g., in main.go).
func MustNewReaperService(opts ReaperServiceOptions) *ReaperService {
	svc, err := NewReaperService(opts)
	if err != nil {
		//nolint:forbidigo // Must constructor fails fast when dependencies are invalid during startup
		panic(fmt.Sprintf("failed to create ReaperService: %v", err))
	}
	return svc
}

// Run starts the reaper loop and runs until the context is cancelled.
// It performs cleanup operations at the configured interval.
// Returns nil on graceful shutdown (context.Canceled), error otherwise.
func (s *ReaperService) Run(ctx context.Context) error {
	if s.logger != nil {
		s.logger.InfoContext(ctx, "starting reaper service", "interval", s.config.Interval)
	}

	// Add jitter to prevent thundering herd if multiple instances start together
	s.waitWithJitter(ctx)

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	// Run cleanup immediately after jitter
	if err := s.runCleanup(ctx); err != nil {
		s.logCleanupError(err, "initial cleanup")
	}

	return s.runLoop(ctx, ticker)
}

// waitWithJitter adds a random delay up to 10% of the interval to prevent thundering herd.
func (s *ReaperService) waitWithJitter(ctx context.Context) {
	maxJitter := int64(s.config.Interval / 10)
	if maxJitter <= 0 {
		return
	}

	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		// If crypto/rand fails, skip jitter rather than failing startup
		if s.logger != nil {
			s.logger.WarnContext(ctx, "failed to generate jitter, skipping", "error", err)
		}
		return
	}

	// Use modulo on uint64 before converting to avoid overflow
	jitterNanos := binary.BigEndian.Uint64(buf[:]) % uint64(maxJitter)
	jitter := time.Duration(int64(jitterNanos)) // #nosec G115 - bounded by maxJitter which is int64

	select {
	case <-time.After(jitter):
	case <-ctx.Done():
		// Graceful shutdown during jitter
	}
}

// runLoop runs the cleanup loop until context is cancelled.
func (s *ReaperService) runLoop(ctx context.Context, ticker *time.Ticker) error {
	for {
		select {
		case <-ctx.Done():
			if s.logger != nil {
				s.logger.InfoContext(ctx, "reaper service stopping", "reason", ctx.Err())
			}
			// Return nil on graceful shutdown to avoid treating it as a failure
			if errors.Is(ctx.Err(), context.Canceled) {
				return nil
			}
			return ctx.Err()

		case <-ticker.C:
			if err := s.runCleanup(ctx); err != nil {
				s.logCleanupError(err, "cleanup")
				if isContextCancellation(err) {
					continue
				}
				// Continue running despite errors
			}
		}
	}
}

// RunOnce performs a single cleanup pass. It is what each tick of Run does.
func (s *ReaperService) RunOnce(ctx context.Context) error {
	return s.runCleanup(ctx)
}

// runCleanup performs all cleanup operations.
func (s *ReaperService) runCleanup(ctx context.Context) error {
	start := time.Now()
	var (
		errs               []error
		allContextCanceled = true
		metricsData        = cleanupMetrics{}
	)

	steps := []cleanupStep{
		{
			fn:        s.failStaleStartedJobs,
			label:     "fail stale started jobs",
			count:     &metricsData.StaleCount,
			metricErr: &metricsData.StaleErr,
		},
		{
			fn:        s.purgeDeadMessages,
			label:     "purge dead messages",
			count:     &metricsData.DeadCount,
			metricErr: &metricsData.DeadErr,
		},
	}

	for _, step := range steps {
		outcome := s.executeCleanupStep(ctx, step.fn, step.label)
		*step.count = outcome.count
		*step.metricErr = outcome.metricErr
		if outcome.aggregateErr != nil {
			errs = append(errs, outcome.aggregateErr)
			allContextCanceled = allContextCanceled && outcome.canceled
		}
	}

	metricsData.Elapsed = time.Since(start)
	s.emitCleanupMetrics(metricsData)
	s.reportQueueDepth(ctx)

	if len(errs) > 0 {
		joined := errors.Join(errs...)
		if allContextCanceled && isContextCancellation(joined) {
			return context.Canceled
		}
		return fmt.Errorf("cleanup failed: %w", joined)
	}

	return nil
}

type cleanupFunc func(context.Context) (int64, error)

type cleanupStep struct {
	fn        cleanupFunc
	label     string
	count     *int64
	metricErr *error
}

type cleanupStepOutcome struct {
	count        int64
	metricErr    error
	aggregateErr error
	canceled     bool
}

func (s *ReaperService) executeCleanupStep(
	ctx context.Context,
	fn cleanupFunc,
	label string,
) cleanupStepOutcome {
	count, err := fn(ctx)
	outcome := cleanupStepOutcome{
		count:     count,
		metricErr: suppressContextCancellation(err),
		canceled:  isContextCancellation(err),
	}
	if err != nil {
		outcome.aggregateErr = fmt.Errorf("%s: %w", label, err)
	}
	return outcome
}

// failStaleStartedJobs terminates jobs that have stayed started longer than the
// configured max age, typically because their message was dead-lettered.
// Loops until no more rows are affected to handle large datasets in batches.
func (s *ReaperService) failStaleStartedJobs(ctx context.Context) (int64, error) {
	var totalCount int64
	for {
		count, err := s.jobs.FailStaleStarted(ctx, s.config.StartedMaxAge, s.config.BatchSize)
		if err != nil {
			return totalCount, err
		}
		totalCount += count
		if count == 0 {
			break
		}
		// Check context between batches
		if ctx.Err() != nil {
			return totalCount, ctx.Err()
		}
	}

	if totalCount > 0 && s.logger != nil {
		s.logger.InfoContext(ctx, "failed stale started jobs",
			"count", totalCount,
			"max_age", s.config.StartedMaxAge,
		)
	}

	return totalCount, nil
}

// purgeDeadMessages deletes dead-lettered messages older than the configured max age.
func (s *ReaperService) purgeDeadMessages(ctx context.Context) (int64, error) {
	var totalCount int64
	for _, topic := range s.topics {
		var topicCount int64
		for {
			count, err := s.queue.PurgeDead(ctx, topic, s.config.DeadMaxAge, s.config.BatchSize)
			if err != nil {
				return totalCount, err
			}
			if count == 0 {
				break
			}
			topicCount += count
			totalCount += count

			if ctx.Err() != nil {
				return totalCount, ctx.Err()
			}
		}

		if topicCount > 0 && s.logger != nil {
			s.logger.InfoContext(ctx, "purged dead messages",
				"topic", topic,
				"count", topicCount,
				"max_age", s.config.DeadMaxAge,
			)
		}
	}

	return totalCount, nil
}

// reportQueueDepth publishes per-topic message counts.
func (s *ReaperService) reportQueueDepth(ctx context.Context) {
	if s.stats == nil || s.metrics == nil {
		return
	}
	for _, topic := range s.topics {
		st, err := s.stats.Stats(ctx, topic)
		if err != nil {
			if s.logger != nil && !isContextCancellation(err) {
				s.logger.WarnContext(ctx, "queue stats failed", "topic", topic, "error", err)
			}
			continue
		}
		metrics.QueueDepth(s.metrics, topic, st.Ready, st.Leased, st.Dead)
	}
}

type cleanupMetrics struct {
	StaleCount int64
	StaleErr   error
	DeadCount  int64
	DeadErr    error
	Elapsed    time.Duration
}

func (s *ReaperService) emitCleanupMetrics(m cleanupMetrics) {
	if s.metrics == nil {
		return
	}

	totalCount := m.StaleCount + m.DeadCount
	firstErr := firstError(m.StaleErr, m.DeadErr)

	result := metrics.ResultSuccess
	if firstErr != nil {
		result = metrics.ResultError
	} else if totalCount == 0 {
		result = metrics.ResultNoop
	}

	tags := map[string]string{
		"result": result,
	}

	if firstErr != nil {
		if class := obserrors.Classify(firstErr); class != "" {
			tags["error_class"] = class
		}
	}

	s.metrics.Count("reaper.cleanup", 1, tags)

	if m.Elapsed > 0 {
		s.metrics.Timing("reaper.cleanup_duration", m.Elapsed, metrics.CloneTags(tags))
	}

	s.emitCleanupOperationMetric("fail_stale_started", m.StaleCount, m.StaleErr)
	s.emitCleanupOperationMetric("purge_dead", m.DeadCount, m.DeadErr)

	if firstErr == nil {
		s.metrics.Gauge("reaper.last_success_epoch", float64(time.Now().Unix()), nil)
	}
}

func (s *ReaperService) emitCleanupOperationMetric(operation string, count int64, err error) {
	if s.metrics == nil {
		return
	}

	result := metrics.ResultSuccess
	if err != nil {
		result = metrics.ResultError
	} else if count == 0 {
		result = metrics.ResultNoop
	}

	tags := map[string]string{
		"operation": operation,
		"result":    result,
	}

	if err != nil {
		if class := obserrors.Classify(err); class != "" {
			tags["error_class"] = class
		}
	}

	s.metrics.Count("reaper.cleanup_operation", 1, tags)

	if err == nil && count > 0 {
		s.metrics.Count("reaper.rows_processed", count, metrics.CloneTags(tags))
	}
}

func (s *ReaperService) logCleanupError(err error, label string) {
	if err == nil || s.logger == nil {
		return
	}

	if isContextCancellation(err) {
		s.logger.Debug(label+" cancelled by context", "error", err)
		return
	}

	s.logger.Error(label+" failed", "error", err)
}

func firstError(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

func isContextCancellation(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func suppressContextCancellation(err error) error {
	if isContextCancellation(err) {
		return nil
	}
	return err
}
