package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ServiceMode represents the available service modes.
type ServiceMode string

const (
	// ServiceModeHTTP runs the HTTP submission and status API.
	ServiceModeHTTP ServiceMode = "http"
	// ServiceModeWorker runs the job worker pool.
	ServiceModeWorker ServiceMode = "worker"
	// ServiceModeReaper runs stale job and dead-letter cleanup.
	ServiceModeReaper ServiceMode = "reaper"
)

// ValidServiceModes returns all valid service mode names.
func ValidServiceModes() []ServiceMode {
	return []ServiceMode{ServiceModeHTTP, ServiceModeWorker, ServiceModeReaper}
}

// ParseServices parses a comma-delimited string of service names and returns the enabled services.
// It validates that all service names are valid and returns an error if any are invalid.
func ParseServices(servicesStr string) (map[ServiceMode]bool, error) {
	services := make(map[ServiceMode]bool)

	if servicesStr == "" {
		return services, errors.New("at least one service must be specified")
	}

	for _, part := range strings.Split(servicesStr, ",") {
		serviceName := strings.TrimSpace(part)
		if serviceName == "" {
			continue
		}

		mode := ServiceMode(serviceName)
		switch mode {
		case ServiceModeHTTP, ServiceModeWorker, ServiceModeReaper:
			services[mode] = true
		default:
			return nil, fmt.Errorf("invalid service name: %q (valid options: http, worker, reaper)", serviceName)
		}
	}

	if len(services) == 0 {
		return nil, errors.New("at least one valid service must be specified")
	}

	return services, nil
}

// UploadBackend selects where upload bodies are stored.
type UploadBackend string

const (
	// UploadBackendPostgres stores bodies in the uploads table.
	UploadBackendPostgres UploadBackend = "postgres"
	// UploadBackendGridFS stores bodies in a MongoDB GridFS bucket.
	UploadBackendGridFS UploadBackend = "gridfs"
)

// UnmarshalText implements encoding.TextUnmarshaler for UploadBackend.
func (b *UploadBackend) UnmarshalText(text []byte) error {
	v := strings.ToLower(strings.TrimSpace(string(text)))
	switch v {
	case "postgres", "gridfs":
		*b = UploadBackend(v)
		return nil
	default:
		return fmt.Errorf("invalid UploadBackend: %q (valid options: postgres, gridfs)", v)
	}
}

// UploadsConfig contains upload storage configuration.
type UploadsConfig struct {
	Backend UploadBackend `env:"BACKEND" envDefault:"postgres"`

	// MaxBytes caps a single file body.
	MaxBytes int64 `env:"MAX_BYTES" envDefault:"33554432"`

	// MaxFiles caps the number of files per submission.
	MaxFiles int `env:"MAX_FILES" envDefault:"20"`

	Mongo MongoConfig `envPrefix:"MONGO_"`
}

// Sanitize applies guardrails to upload configuration values.
func (u *UploadsConfig) Sanitize() {
	if u.Backend == "" {
		u.Backend = UploadBackendPostgres
	}
	if u.MaxBytes < 1 {
		u.MaxBytes = 32 << 20
	}
	if u.MaxFiles < 1 {
		u.MaxFiles = 1
	}
	if u.Mongo.Timeout <= 0 {
		u.Mongo.Timeout = 10 * time.Second
	}
}

// ReaperConfig contains job reaper service configuration.
type ReaperConfig struct {
	// Interval is the reaper tick interval.
	Interval time.Duration `env:"INTERVAL" envDefault:"5m"`

	// StartedMaxAge is how long a job may stay started before it is terminated.
	// It should exceed the worst-case time a message can spend queued and retried.
	StartedMaxAge time.Duration `env:"STARTED_MAX_AGE" envDefault:"6h"`

	// DeadMaxAge is how long dead-lettered messages are kept for inspection.
	DeadMaxAge time.Duration `env:"DEAD_MAX_AGE" envDefault:"168h"` // 7 days

	// BatchSize is the maximum number of rows to process per operation.
	// Batching prevents long locks and I/O spikes on large tables.
	BatchSize int `env:"BATCH_SIZE" envDefault:"1000"`
}

// Sanitize applies guardrails to reaper configuration values.
func (r *ReaperConfig) Sanitize() {
	// Enforce minimum intervals to prevent excessive database load
	if r.Interval < 1*time.Minute {
		r.Interval = 1 * time.Minute
	}
	if r.StartedMaxAge < 5*time.Minute {
		r.StartedMaxAge = 5 * time.Minute
	}
	if r.DeadMaxAge < 1*time.Hour {
		r.DeadMaxAge = 1 * time.Hour
	}

	if r.BatchSize < 1 {
		r.BatchSize = 1
	}
	if r.BatchSize > 10000 {
		r.BatchSize = 10000
	}
}
