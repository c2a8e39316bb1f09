package data

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/target/jobflow/internal/domain/model"
)

// ErrJobNotFound is returned when a job is not found.
var ErrJobNotFound = model.ErrJobNotFound

// RepoConfig holds configuration options for the job repository.
type RepoConfig struct {
	Logger       *slog.Logger
	TimeProvider TimeProvider
	// ListPageSize is the default page size for lazy listings.
	ListPageSize int
}

// JobRepo is the Postgres-backed job store.
type JobRepo struct {
	DB           *sql.DB
	cfg          RepoConfig
	timeProvider TimeProvider
	logger       *slog.Logger
}

// NewJobRepo creates a new JobRepo instance with the given database connection and configuration.
func NewJobRepo(db *sql.DB, cfg RepoConfig) *JobRepo {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ListPageSize <= 0 {
		cfg.ListPageSize = defaultListPageSize
	}
	return &JobRepo{
		DB:           db,
		cfg:          cfg,
		timeProvider: timeProviderOrReal(cfg.TimeProvider),
		logger:       logger.With("component", "job_repo"),
	}
}

const defaultListPageSize = 100

const jobColumns = `
  id,
  owner_id,
  files,
  target_locale,
  status,
  result_data,
  last_error,
  cancel_requested,
  attempts,
  created_at,
  updated_at,
  completed_at
`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(scanner rowScanner) (*model.Job, error) {
	var (
		job         model.Job
		files       []byte
		resultData  []byte
		lastError   sql.NullString
		completedAt sql.NullTime
	)
	if err := scanner.Scan(
		&job.ID,
		&job.Owner,
		&files,
		&job.TargetLocale,
		&job.Status,
		&resultData,
		&lastError,
		&job.CancelRequested,
		&job.Attempts,
		&job.CreatedAt,
		&job.UpdatedAt,
		&completedAt,
	); err != nil {
		return nil, err
	}

	if err := json.Unmarshal(files, &job.Files); err != nil {
		return nil, fmt.Errorf("decode files for job %s: %w", job.ID, err)
	}
	if len(resultData) > 0 {
		job.ResultData = append(json.RawMessage(nil), resultData...)
	}
	if lastError.Valid {
		s := lastError.String
		job.LastError = &s
	}
	if completedAt.Valid {
		t := completedAt.Time.UTC()
		job.CompletedAt = &t
	}
	job.CreatedAt = job.CreatedAt.UTC()
	job.UpdatedAt = job.UpdatedAt.UTC()
	return &job, nil
}

// isUUID reports whether id can address a row; malformed ids are treated as missing.
func isUUID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}
