// Package mocks provides gomock implementations of the jobflow ports in internal/core.
//
// To regenerate mocks after interface changes, run:
//
//	go generate ./internal/mocks
//
// Usage in tests:
//
//	ctrl := gomock.NewController(t)
//	repo := mocks.NewMockJobRepository(ctrl)
//	repo.EXPECT().Create(gomock.Any(), gomock.Any()).Return(job, nil)
package mocks

// JobRepository: Create, GetByID, List, UpdateStatus, RequestCancel, RecordAttempt, Delete, Stats
//go:generate go run go.uber.org/mock/mockgen@v0.6.0 -package=mocks -destination=job_repository_mock.go github.com/target/jobflow/internal/core JobRepository

// Queue: Enqueue, Reserve, Ack, Nack, Extend, Subscribe, Stats
//go:generate go run go.uber.org/mock/mockgen@v0.6.0 -package=mocks -destination=queue_mock.go github.com/target/jobflow/internal/core Queue

//go:generate go run go.uber.org/mock/mockgen@v0.6.0 -package=mocks -destination=processor_mock.go github.com/target/jobflow/internal/core Processor
//go:generate go run go.uber.org/mock/mockgen@v0.6.0 -package=mocks -destination=upload_store_mock.go github.com/target/jobflow/internal/core UploadStore
