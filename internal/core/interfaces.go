package core

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"iter"
	"time"

	"github.com/target/jobflow/internal/domain/model"
)

// This file contains the ports between the service layer and its adapters.
// Services depend on these interfaces; data and adapter packages implement them.

// JobRepository is the persistent job store. UpdateStatus is a guarded
// compare-and-set: a job leaves Started at most once.
type JobRepository interface {
	Create(ctx context.Context, req *model.CreateJobRequest) (*model.Job, error)
	GetByID(ctx context.Context, id string) (*model.Job, error)
	List(ctx context.Context, opts model.JobListOptions) iter.Seq2[*model.Job, error]
	UpdateStatus(ctx context.Context, params model.UpdateStatusParams) (*model.Job, error)
	RequestCancel(ctx context.Context, id string) (*model.Job, error)
	RecordAttempt(ctx context.Context, id string, attempt int) error
	Delete(ctx context.Context, id string) error
	Stats(ctx context.Context) (*model.JobStats, error)
}

// JobReaperRepository covers store-side housekeeping.
type JobReaperRepository interface {
	// FailStaleStarted terminates jobs left in Started longer than maxAge.
	FailStaleStarted(ctx context.Context, maxAge time.Duration, batchSize int) (int64, error)
}

// Queue is a durable at-least-once channel with leased deliveries.
type Queue interface {
	Enqueue(ctx context.Context, topic string, payload json.RawMessage, opts model.EnqueueOptions) (*model.EnqueueAck, error)
	// Reserve leases the oldest ready message on topic or returns model.ErrNoMessages.
	Reserve(ctx context.Context, topic string, lease time.Duration) (*model.Delivery, error)
	Ack(ctx context.Context, d *model.Delivery) error
	Nack(ctx context.Context, d *model.Delivery, reason string) (model.NackOutcome, error)
	// Extend renews the lease on d; false means the lease was lost.
	Extend(ctx context.Context, d *model.Delivery, lease time.Duration) (bool, error)
	// Subscribe returns a wake-up channel signalled when topic may have work.
	Subscribe(topic string) (func(), <-chan struct{})
	Stats(ctx context.Context, topic string) (*model.QueueStats, error)
}

// QueueReaperRepository covers queue-side housekeeping.
type QueueReaperRepository interface {
	PurgeDead(ctx context.Context, topic string, olderThan time.Duration, batchSize int) (int64, error)
}

// Processor performs the content transformation for one job. The returned
// payload becomes the job's resultData; nil is stored as an empty object.
type Processor interface {
	Process(ctx context.Context, req ProcessRequest) (json.RawMessage, error)
}

// ProcessRequest is what a Processor receives for a job.
type ProcessRequest struct {
	JobID        string
	Files        []model.FileRef
	TargetLocale string
	Attempt      int
}

// ErrLeaveUnacked tells the worker pool to neither ack nor nack a delivery.
// The lease is left to expire so the message is redelivered later.
var ErrLeaveUnacked = errors.New("leave delivery unacked")

// ErrUploadNotFound is returned by UploadStore.Open when a reference does not resolve.
var ErrUploadNotFound = errors.New("upload not found")

// UploadStore persists uploaded file bodies and hands back opaque references.
type UploadStore interface {
	Put(ctx context.Context, upload Upload) (model.FileRef, error)
	Open(ctx context.Context, uploadID string) (io.ReadCloser, *UploadInfo, error)
}

// Upload is a single file body to store.
type Upload struct {
	Owner       string
	Filename    string
	ContentType string
	Body        io.Reader
}

// UploadInfo describes a stored upload.
type UploadInfo struct {
	ID          string
	Owner       string
	Filename    string
	ContentType string
	Size        int64
	CreatedAt   time.Time
}
