// Package reaper provides adapters for running the housekeeping reaper.
package reaper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/target/jobflow/config"
	"github.com/target/jobflow/internal/core"
	"github.com/target/jobflow/internal/observability/statsd"
	"github.com/target/jobflow/internal/service"
)

// Runner provides a simple adapter to run the reaper loop.
// It constructs the reaper service and runs the cleanup loop.
type Runner struct {
	reaper *service.ReaperService
	logger *slog.Logger
}

// RunnerOptions holds the dependencies for creating a Runner.
type RunnerOptions struct {
	Jobs   core.JobReaperRepository
	Queue  core.QueueReaperRepository
	Config config.ReaperConfig
	Logger *slog.Logger

	// Optional
	Stats   core.Queue
	Metrics statsd.Sink
	Topics  []string
}

// NewRunner creates a new reaper runner with the given options.
func NewRunner(opts RunnerOptions) (*Runner, error) {
	if err := validateRunnerOptions(&opts); err != nil {
		return nil, err
	}

	// Use NewReaperService instead of Must to allow error propagation
	reaper, err := service.NewReaperService(service.ReaperServiceOptions{
		Jobs:    opts.Jobs,
		Queue:   opts.Queue,
		Stats:   opts.Stats,
		Config:  opts.Config,
		Logger:  opts.Logger,
		Metrics: opts.Metrics,
		Topics:  opts.Topics,
	})
	if err != nil {
		return nil, fmt.Errorf("wire reaper service: %w", err)
	}

	return &Runner{reaper: reaper, logger: opts.Logger}, nil
}

// validateRunnerOptions validates and sets defaults for RunnerOptions.
func validateRunnerOptions(opts *RunnerOptions) error {
	if opts.Jobs == nil {
		return errors.New("job reaper repository is required")
	}
	if opts.Queue == nil {
		return errors.New("queue reaper repository is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return nil
}

// Run starts the reaper loop and runs until the context is cancelled.
func (r *Runner) Run(ctx context.Context) error {
	r.logger.InfoContext(ctx, "starting reaper runner")
	return r.reaper.Run(ctx)
}

// RunOnce performs a single cleanup pass.
func (r *Runner) RunOnce(ctx context.Context) error {
	return r.reaper.RunOnce(ctx)
}
