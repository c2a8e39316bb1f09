package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/target/jobflow/config"
	"github.com/target/jobflow/internal/adapters/jobrunner"
	"github.com/target/jobflow/internal/adapters/reaper"
	"github.com/target/jobflow/internal/domain/model"
	httpx "github.com/target/jobflow/internal/http"
	"github.com/target/jobflow/internal/observability/statsd"
	"github.com/target/jobflow/internal/service"
)

// ServiceContainer holds all application services.
type ServiceContainer struct {
	Jobs *service.JobService

	// Processing is only built when the worker mode is enabled.
	Processing *service.ProcessingService
	Backends   *Backends
	Metrics    statsd.Sink
}

// ServiceDeps groups dependencies for service initialization.
type ServiceDeps struct {
	Config   *config.AppConfig
	Backends *Backends
	Metrics  statsd.Sink
	Logger   *slog.Logger
}

// NewServices wires the submission and processing services over the backends.
func NewServices(deps *ServiceDeps) (*ServiceContainer, error) {
	if deps == nil || deps.Config == nil || deps.Backends == nil {
		return nil, errors.New("service deps, config and backends are required")
	}
	cfg := deps.Config

	jobs, err := service.NewJobService(service.JobServiceOptions{
		Repo:            deps.Backends.Jobs,
		Queue:           deps.Backends.Queue,
		Logger:          deps.Logger,
		Metrics:         deps.Metrics,
		EnqueueAttempts: cfg.Queue.EnqueueAttempts,
		EnqueueBackoff:  cfg.Queue.EnqueueBackoff,
		MaxAttempts:     cfg.Queue.MaxAttempts,
	})
	if err != nil {
		return nil, fmt.Errorf("wire job service: %w", err)
	}

	container := &ServiceContainer{
		Jobs:     jobs,
		Backends: deps.Backends,
		Metrics:  deps.Metrics,
	}
	if !cfg.IsWorkerEnabled() {
		return container, nil
	}

	proc, err := BuildProcessor(cfg.Processor, deps.Backends.Uploads, deps.Logger)
	if err != nil {
		return nil, fmt.Errorf("build processor: %w", err)
	}
	container.Processing, err = service.NewProcessingService(service.ProcessingServiceOptions{
		Repo:               deps.Backends.Jobs,
		Processor:          proc,
		Logger:             deps.Logger,
		Metrics:            deps.Metrics,
		CancelPollInterval: cfg.Worker.CancelPollInterval,
		StoreTimeout:       cfg.Worker.StoreTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("wire processing service: %w", err)
	}
	return container, nil
}

// ServiceOrchestrationConfig contains everything needed to run the enabled modes.
type ServiceOrchestrationConfig struct {
	Config   *config.AppConfig
	Services *ServiceContainer
	Logger   *slog.Logger

	// HTTPListener overrides HTTP.Addr when set.
	HTTPListener net.Listener
	Readiness    []httpx.ReadinessCheck
}

type backgroundService struct {
	mode  config.ServiceMode
	name  string
	start func(ctx context.Context) error
}

func buildBackgroundServices(cfg *ServiceOrchestrationConfig, logger *slog.Logger) []backgroundService {
	return []backgroundService{
		{
			mode: config.ServiceModeHTTP,
			name: "http server",
			start: func(ctx context.Context) error {
				return RunHTTPServer(ctx, &HTTPServerConfig{
					Config:    cfg.Config,
					Services:  cfg.Services,
					Logger:    logger,
					Listener:  cfg.HTTPListener,
					Readiness: cfg.Readiness,
				})
			},
		},
		{
			mode: config.ServiceModeWorker,
			name: "job worker",
			start: func(ctx context.Context) error {
				return RunWorker(ctx, cfg.Config.Worker, cfg.Services, logger)
			},
		},
		{
			mode: config.ServiceModeReaper,
			name: "reaper",
			start: func(ctx context.Context) error {
				return RunReaper(ctx, cfg.Config.Reaper, cfg.Services, logger)
			},
		},
	}
}

// RunWorker consumes process-job deliveries until ctx is cancelled.
func RunWorker(ctx context.Context, cfg config.WorkerConfig, svcs *ServiceContainer, logger *slog.Logger) error {
	if svcs == nil || svcs.Processing == nil {
		return errors.New("processing service is not configured")
	}
	runner, err := jobrunner.NewRunner(jobrunner.RunnerOptions{
		Queue:       svcs.Backends.Queue,
		Topic:       model.ProcessJobTopic,
		Handler:     svcs.Processing.Handle,
		Logger:      logger,
		Metrics:     svcs.Metrics,
		Lease:       cfg.Lease,
		Concurrency: cfg.Concurrency,
		IdlePoll:    cfg.IdlePoll,
	})
	if err != nil {
		return fmt.Errorf("create job runner: %w", err)
	}
	return runner.Run(ctx)
}

// RunReaper runs the cleanup loop until ctx is cancelled.
func RunReaper(ctx context.Context, cfg config.ReaperConfig, svcs *ServiceContainer, logger *slog.Logger) error {
	runner, err := NewReaperRunner(cfg, svcs, logger)
	if err != nil {
		return err
	}
	return runner.Run(ctx)
}

// NewReaperRunner wires the reaper over the configured backends.
func NewReaperRunner(cfg config.ReaperConfig, svcs *ServiceContainer, logger *slog.Logger) (*reaper.Runner, error) {
	if svcs == nil || svcs.Backends == nil {
		return nil, errors.New("backends are required")
	}
	runner, err := reaper.NewRunner(reaper.RunnerOptions{
		Jobs:    svcs.Backends.Jobs,
		Queue:   svcs.Backends.Queue,
		Config:  cfg,
		Logger:  logger,
		Stats:   svcs.Backends.Queue,
		Metrics: svcs.Metrics,
	})
	if err != nil {
		return nil, fmt.Errorf("create reaper runner: %w", err)
	}
	return runner, nil
}

// RunServicesWithShutdown runs the enabled services until SIGINT or SIGTERM.
func RunServicesWithShutdown(ctx context.Context, cfg *ServiceOrchestrationConfig) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return RunServices(ctx, cfg)
}

// RunServices starts every enabled service and blocks until ctx is cancelled
// or one of them fails, in which case the others are stopped too.
func RunServices(ctx context.Context, cfg *ServiceOrchestrationConfig) error {
	if cfg == nil || cfg.Config == nil || cfg.Services == nil {
		return errors.New("service orchestration config is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	enabled, err := cfg.Config.GetEnabledServices()
	if err != nil {
		return fmt.Errorf("determine enabled services: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, svc := range buildBackgroundServices(cfg, logger) {
		if !enabled[svc.mode] {
			continue
		}
		g.Go(func() error {
			err := svc.start(gctx)
			if err != nil && !errors.Is(err, context.Canceled) {
				logger.ErrorContext(gctx, "service error", "service", svc.name, "error", err)
				return fmt.Errorf("%s: %w", svc.name, err)
			}
			logger.InfoContext(gctx, svc.name+" stopped")
			return nil
		})
	}
	return g.Wait()
}
