package bootstrap

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/target/jobflow/config"
	"github.com/target/jobflow/internal/adapters/gridfs"
	"github.com/target/jobflow/internal/adapters/processor"
	"github.com/target/jobflow/internal/core"
	"github.com/target/jobflow/internal/data"
	domainqueue "github.com/target/jobflow/internal/domain/queue"
	"github.com/target/jobflow/internal/observability/statsd"
)

// jobBackend is what the Postgres job store provides.
type jobBackend interface {
	core.JobRepository
	core.JobReaperRepository
}

// queueBackend is what both queue implementations provide.
type queueBackend interface {
	core.Queue
	core.QueueReaperRepository
	Close()
}

// Backends bundles the storage adapters selected by configuration.
type Backends struct {
	Jobs    jobBackend
	Queue   queueBackend
	Uploads core.UploadStore
}

// Close stops background listeners held by the queue.
func (b *Backends) Close() {
	if b != nil && b.Queue != nil {
		b.Queue.Close()
	}
}

// BackendDeps groups the connections the backends are built on. Redis and
// Mongo are only required by the backends that use them.
type BackendDeps struct {
	Config *config.AppConfig
	DB     *sql.DB
	Redis  redis.UniversalClient
	Mongo  *mongo.Client
	Logger *slog.Logger
}

// BuildBackends constructs the job store, queue and upload store.
func BuildBackends(deps BackendDeps) (*Backends, error) {
	if deps.Config == nil {
		return nil, errors.New("config is required")
	}
	if deps.DB == nil {
		return nil, errors.New("database is required")
	}

	queue, err := buildQueue(deps)
	if err != nil {
		return nil, err
	}
	uploads, err := buildUploadStore(deps)
	if err != nil {
		queue.Close()
		return nil, err
	}

	return &Backends{
		Jobs:    data.NewJobRepo(deps.DB, data.RepoConfig{Logger: deps.Logger}),
		Queue:   queue,
		Uploads: uploads,
	}, nil
}

//nolint:ireturn // backend selection happens at runtime.
func buildQueue(deps BackendDeps) (queueBackend, error) {
	qcfg := deps.Config.Queue
	policy, err := domainqueue.NewLeasePolicy(qcfg.DefaultLease, qcfg.MaxLease)
	if err != nil {
		return nil, fmt.Errorf("queue lease policy: %w", err)
	}

	switch qcfg.Backend {
	case config.QueueBackendRedis:
		if deps.Redis == nil {
			return nil, errors.New("redis client is required for QUEUE_BACKEND=redis")
		}
		return data.NewRedisQueue(deps.Redis, data.RedisQueueConfig{
			Logger:           deps.Logger,
			LeasePolicy:      policy,
			KeyPrefix:        deps.Config.Redis.KeyPrefix,
			MaxAttempts:      qcfg.MaxAttempts,
			NotifyWaitWindow: qcfg.NotifyWaitWindow,
		}), nil
	case config.QueueBackendPostgres, "":
		return data.NewQueueRepo(deps.DB, data.QueueRepoConfig{
			Logger:           deps.Logger,
			LeasePolicy:      policy,
			MaxAttempts:      qcfg.MaxAttempts,
			RetryDelay:       qcfg.RetryDelay,
			NotifyWaitWindow: qcfg.NotifyWaitWindow,
		}), nil
	default:
		return nil, fmt.Errorf("unsupported queue backend %q", qcfg.Backend)
	}
}

//nolint:ireturn // backend selection happens at runtime.
func buildUploadStore(deps BackendDeps) (core.UploadStore, error) {
	ucfg := deps.Config.Uploads
	switch ucfg.Backend {
	case config.UploadBackendGridFS:
		if deps.Mongo == nil {
			return nil, errors.New("mongo client is required for UPLOADS_BACKEND=gridfs")
		}
		store, err := gridfs.NewStore(gridfs.StoreOptions{
			Database: deps.Mongo.Database(ucfg.Mongo.Database),
			Bucket:   ucfg.Mongo.Bucket,
			MaxBytes: ucfg.MaxBytes,
		})
		if err != nil {
			return nil, fmt.Errorf("open gridfs bucket: %w", err)
		}
		return store, nil
	case config.UploadBackendPostgres, "":
		return data.NewUploadRepo(deps.DB, ucfg.MaxBytes, nil), nil
	default:
		return nil, fmt.Errorf("unsupported upload backend %q", ucfg.Backend)
	}
}

// BuildProcessor constructs the configured content processor.
//
//nolint:ireturn // processor selection happens at runtime.
func BuildProcessor(cfg config.ProcessorConfig, uploads core.UploadStore, logger *slog.Logger) (core.Processor, error) {
	switch cfg.Kind {
	case config.ProcessorKindRemote:
		return processor.NewRemote(processor.RemoteOptions{
			URL:     cfg.RemoteURL,
			Uploads: uploads,
			Token:   cfg.RemoteToken,
			Timeout: cfg.RemoteTimeout,
			Retries: cfg.RemoteRetries,
			Logger:  logger,
		})
	case config.ProcessorKindDelay, "":
		return processor.NewDelay(cfg.Delay), nil
	default:
		return nil, fmt.Errorf("unsupported processor kind %q", cfg.Kind)
	}
}

// BuildMetrics returns the statsd sink. A dial failure is logged and metrics
// are dropped rather than failing startup.
func BuildMetrics(cfg config.MetricsConfig, logger *slog.Logger) *statsd.Client {
	if logger == nil {
		logger = slog.Default()
	}
	client, err := statsd.NewClient(statsd.Config{
		Enabled: cfg.IsEnabled(),
		Address: cfg.StatsdAddress,
		Prefix:  cfg.Prefix,
		Logger:  logger,
	})
	if err != nil {
		logger.Error("failed to initialise statsd client", "error", err)
		client, _ = statsd.NewClient(statsd.Config{Prefix: cfg.Prefix, Logger: logger})
	}
	return client
}
