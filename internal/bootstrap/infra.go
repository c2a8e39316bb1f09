package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/target/jobflow/config"
	"github.com/target/jobflow/internal/adapters/gridfs"
	httpx "github.com/target/jobflow/internal/http"
)

// Infrastructure holds the connections opened for the configured backends.
type Infrastructure struct {
	Deps  BackendDeps
	redis redis.UniversalClient
	mongo *mongo.Client
}

// Close releases every connection, reporting all failures.
func (i *Infrastructure) Close(ctx context.Context) error {
	if i == nil {
		return nil
	}
	var closeErr error
	if i.mongo != nil {
		if err := i.mongo.Disconnect(ctx); err != nil {
			closeErr = errors.Join(closeErr, fmt.Errorf("close mongo: %w", err))
		}
	}
	if i.redis != nil {
		if err := i.redis.Close(); err != nil {
			closeErr = errors.Join(closeErr, fmt.Errorf("close redis: %w", err))
		}
	}
	if i.Deps.DB != nil {
		if err := i.Deps.DB.Close(); err != nil {
			closeErr = errors.Join(closeErr, fmt.Errorf("close db: %w", err))
		}
	}
	return closeErr
}

// ConnectInfrastructure connects Postgres, plus Redis and Mongo when the queue
// or upload backend needs them.
func ConnectInfrastructure(ctx context.Context, cfg *config.AppConfig, logger *slog.Logger) (*Infrastructure, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	dbCfg := DatabaseConfig{
		DBConfig:    cfg.Postgres,
		RedisConfig: cfg.Redis,
		MongoConfig: cfg.Uploads.Mongo,
		Logger:      logger,
	}
	infra := &Infrastructure{Deps: BackendDeps{Config: cfg, Logger: logger}}
	fail := func(err error) (*Infrastructure, error) {
		if closeErr := infra.Close(ctx); closeErr != nil {
			err = errors.Join(err, closeErr)
		}
		return nil, err
	}

	db, err := ConnectDB(ctx, dbCfg)
	if err != nil {
		return nil, fmt.Errorf("connect db: %w", err)
	}
	infra.Deps.DB = db

	if cfg.Queue.Backend == config.QueueBackendRedis {
		client, rerr := ConnectRedis(ctx, dbCfg)
		if rerr != nil {
			return fail(fmt.Errorf("connect redis: %w", rerr))
		}
		infra.redis, infra.Deps.Redis = client, client
	}

	if cfg.Uploads.Backend == config.UploadBackendGridFS {
		client, merr := ConnectMongo(ctx, dbCfg)
		if merr != nil {
			return fail(fmt.Errorf("connect mongo: %w", merr))
		}
		infra.mongo, infra.Deps.Mongo = client, client
	}

	return infra, nil
}

// ReadinessChecks probes each open connection for /readyz.
func (i *Infrastructure) ReadinessChecks() []httpx.ReadinessCheck {
	if i == nil {
		return nil
	}
	var checks []httpx.ReadinessCheck
	if db := i.Deps.DB; db != nil {
		checks = append(checks, httpx.ReadinessCheck{Name: "postgres", Check: db.PingContext})
	}
	if client := i.redis; client != nil {
		checks = append(checks, httpx.ReadinessCheck{Name: "redis", Check: func(ctx context.Context) error {
			return client.Ping(ctx).Err()
		}})
	}
	if client := i.mongo; client != nil {
		checks = append(checks, httpx.ReadinessCheck{Name: "mongo", Check: func(ctx context.Context) error {
			return gridfs.Ping(ctx, client, connectTimeout)
		}})
	}
	return checks
}
