package service

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/target/jobflow/internal/domain/model"
	apperrors "github.com/target/jobflow/internal/errors"
	"github.com/target/jobflow/internal/mocks"
	"github.com/target/jobflow/internal/observability/statsd"
	"github.com/target/jobflow/internal/testutil"
	"go.uber.org/mock/gomock"
)

type jobServiceFixture struct {
	svc     *JobService
	store   *testutil.MemoryJobStore
	queue   *testutil.MemoryQueue
	metrics *statsd.Recorder
}

func newJobServiceFixture(t *testing.T) jobServiceFixture {
	t.Helper()
	clock := testutil.NewClock(testutil.TestTime())
	f := jobServiceFixture{
		store:   testutil.NewMemoryJobStore(clock),
		queue:   testutil.NewMemoryQueue(clock, 3),
		metrics: statsd.NewRecorder(),
	}
	f.svc = MustNewJobService(JobServiceOptions{
		Repo:            f.store,
		Queue:           f.queue,
		Metrics:         f.metrics,
		EnqueueAttempts: 3,
	})
	return f
}

func validSubmit() SubmitRequest {
	req := testutil.NewJobRequest().Build()
	return SubmitRequest{Owner: req.Owner, Files: req.Files, TargetLocale: req.TargetLocale}
}

func TestNewJobService(t *testing.T) {
	ctrl := gomock.NewController(t)
	repo := mocks.NewMockJobRepository(ctrl)
	queue := mocks.NewMockQueue(ctrl)

	t.Run("success", func(t *testing.T) {
		svc, err := NewJobService(JobServiceOptions{Repo: repo, Queue: queue})
		require.NoError(t, err)
		assert.Equal(t, 3, svc.enqueueAttempts)
		assert.NotNil(t, svc.logger)
	})

	t.Run("missing repo", func(t *testing.T) {
		_, err := NewJobService(JobServiceOptions{Queue: queue})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "JobRepository is required")
	})

	t.Run("missing queue", func(t *testing.T) {
		_, err := NewJobService(JobServiceOptions{Repo: repo})
		require.Error(t, err)
	})

	t.Run("must panics", func(t *testing.T) {
		assert.Panics(t, func() { MustNewJobService(JobServiceOptions{}) })
	})
}

func TestJobService_Submit(t *testing.T) {
	ctx := context.Background()

	t.Run("creates a started job and enqueues one message", func(t *testing.T) {
		f := newJobServiceFixture(t)

		job, err := f.svc.Submit(ctx, validSubmit())
		require.NoError(t, err)
		assert.Equal(t, model.JobStatusStarted, job.Status)
		assert.Nil(t, job.ResultData)
		assert.Equal(t, "user-1", job.Owner)

		payloads := f.queue.Payloads(model.ProcessJobTopic)
		require.Len(t, payloads, 1)
		msg, err := model.DecodeProcessJobMessage(payloads[0])
		require.NoError(t, err)
		assert.Equal(t, job.ID, msg.JobID)
		assert.Equal(t, job.Files, msg.Files)
		assert.Equal(t, "fr-FR", msg.TargetLocale)

		var generic map[string]any
		require.NoError(t, json.Unmarshal(payloads[0], &generic))
		assert.NotContains(t, generic, "status", "message must not embed the job record")

		assert.Equal(t, int64(1), f.metrics.CountOf("job.transition"))
	})

	t.Run("validation failures touch neither store nor queue", func(t *testing.T) {
		tests := []struct {
			name  string
			req   SubmitRequest
			field string
		}{
			{name: "missing owner", req: SubmitRequest{Owner: "  ", Files: validSubmit().Files}, field: "userId"},
			{name: "no files", req: SubmitRequest{Owner: "user-1"}, field: "files"},
			{
				name: "blank upload reference",
				req:  SubmitRequest{Owner: "user-1", Files: []model.FileRef{{UploadID: " "}}},
			},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				f := newJobServiceFixture(t)
				_, err := f.svc.Submit(ctx, tt.req)
				require.Error(t, err)
				assert.True(t, apperrors.IsValidation(err))
				if tt.field != "" {
					assert.Equal(t, tt.field, apperrors.GetField(err))
				}
				assert.Equal(t, 0, f.store.Len())
				assert.Equal(t, 0, f.queue.EnqueueCalls)
			})
		}
	})

	t.Run("store failure is a persistence error and nothing is enqueued", func(t *testing.T) {
		f := newJobServiceFixture(t)
		f.store.CreateErr = errors.New("connection refused")

		_, err := f.svc.Submit(ctx, validSubmit())
		require.Error(t, err)
		assert.True(t, apperrors.IsPersistence(err))
		assert.Equal(t, 0, f.queue.EnqueueCalls)
	})

	t.Run("transient enqueue failure is retried", func(t *testing.T) {
		f := newJobServiceFixture(t)
		f.queue.EnqueueErrs = []error{errors.New("blip")}

		job, err := f.svc.Submit(ctx, validSubmit())
		require.NoError(t, err)
		assert.Equal(t, 2, f.queue.EnqueueCalls)
		assert.Len(t, f.queue.Payloads(model.ProcessJobTopic), 1)

		stored, err := f.store.GetByID(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, model.JobStatusStarted, stored.Status)
	})

	t.Run("exhausted enqueue deletes the job", func(t *testing.T) {
		f := newJobServiceFixture(t)
		down := errors.New("queue down")
		f.queue.EnqueueErrs = []error{down, down, down}

		_, err := f.svc.Submit(ctx, validSubmit())
		require.Error(t, err)
		assert.True(t, apperrors.IsQueueUnavailable(err))
		require.ErrorIs(t, err, down)
		assert.Equal(t, 3, f.queue.EnqueueCalls)
		assert.Equal(t, 0, f.store.Len(), "no started job may remain without a message")
	})

	t.Run("failed rollback terminates the job instead", func(t *testing.T) {
		f := newJobServiceFixture(t)
		down := errors.New("queue down")
		f.queue.EnqueueErrs = []error{down, down, down}
		f.store.DeleteErr = errors.New("delete failed")

		_, err := f.svc.Submit(ctx, validSubmit())
		require.Error(t, err)
		assert.True(t, apperrors.IsQueueUnavailable(err))

		var jobs []*model.Job
		for j, lerr := range f.store.List(ctx, model.JobListOptions{}) {
			require.NoError(t, lerr)
			jobs = append(jobs, j)
		}
		require.Len(t, jobs, 1)
		assert.Equal(t, model.JobStatusTerminatedWithError, jobs[0].Status)
		require.NotNil(t, jobs[0].LastError)
		assert.Equal(t, ReasonEnqueueFailed, *jobs[0].LastError)
		assert.JSONEq(t, `{}`, string(jobs[0].ResultData))
	})

	t.Run("canceled context stops retrying but still compensates", func(t *testing.T) {
		clock := testutil.NewClock(testutil.TestTime())
		store := testutil.NewMemoryJobStore(clock)
		queue := testutil.NewMemoryQueue(clock, 3)
		queue.EnqueueErrs = []error{errors.New("down"), errors.New("down")}
		svc := MustNewJobService(JobServiceOptions{
			Repo:            store,
			Queue:           queue,
			EnqueueAttempts: 3,
			EnqueueBackoff:  time.Hour,
		})

		cctx, cancel := context.WithCancel(ctx)
		go func() {
			time.Sleep(20 * time.Millisecond)
			cancel()
		}()
		_, err := svc.Submit(cctx, validSubmit())
		require.Error(t, err)
		assert.True(t, apperrors.IsQueueUnavailable(err))
		assert.Equal(t, 1, queue.EnqueueCalls)
		assert.Equal(t, 0, store.Len())
	})
}

func TestJobService_SubmitWithMocks(t *testing.T) {
	ctrl := gomock.NewController(t)
	repo := mocks.NewMockJobRepository(ctrl)
	queue := mocks.NewMockQueue(ctrl)
	svc := MustNewJobService(JobServiceOptions{Repo: repo, Queue: queue, EnqueueAttempts: 1, MaxAttempts: 7})

	job := &model.Job{ID: "job-1", Owner: "user-1", Files: validSubmit().Files, Status: model.JobStatusStarted}
	gomock.InOrder(
		repo.EXPECT().Create(gomock.Any(), gomock.Any()).Return(job, nil),
		queue.EXPECT().
			Enqueue(gomock.Any(), model.ProcessJobTopic, gomock.Any(), model.EnqueueOptions{MaxAttempts: 7}).
			Return(&model.EnqueueAck{MessageID: "m-1", Topic: model.ProcessJobTopic}, nil),
	)

	got, err := svc.Submit(context.Background(), validSubmit())
	require.NoError(t, err)
	assert.Equal(t, "job-1", got.ID)
}

func TestJobService_GetAndListScoping(t *testing.T) {
	ctx := context.Background()
	f := newJobServiceFixture(t)

	mine, err := f.svc.Submit(ctx, validSubmit())
	require.NoError(t, err)
	other := validSubmit()
	other.Owner = "user-2"
	theirs, err := f.svc.Submit(ctx, other)
	require.NoError(t, err)

	alice := Principal{ID: "user-1"}
	admin := Principal{ID: "root", Admin: true}

	got, err := f.svc.Get(ctx, alice, mine.ID)
	require.NoError(t, err)
	assert.Equal(t, mine.ID, got.ID)

	_, err = f.svc.Get(ctx, alice, theirs.ID)
	assert.True(t, apperrors.IsNotFound(err), "foreign jobs look missing")

	_, err = f.svc.Get(ctx, admin, theirs.ID)
	require.NoError(t, err)

	_, err = f.svc.Get(ctx, admin, "does-not-exist")
	assert.True(t, apperrors.IsNotFound(err))

	jobs, err := f.svc.ListAll(ctx, alice, model.JobListOptions{Owner: "user-2"})
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, mine.ID, jobs[0].ID, "owner filter is forced for non-admins")

	jobs, err = f.svc.ListAll(ctx, admin, model.JobListOptions{})
	require.NoError(t, err)
	assert.Len(t, jobs, 2)

	jobs, err = f.svc.ListAll(ctx, admin, model.JobListOptions{Owner: "user-2"})
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, theirs.ID, jobs[0].ID)
}

func TestJobService_ListStoreError(t *testing.T) {
	ctrl := gomock.NewController(t)
	repo := mocks.NewMockJobRepository(ctrl)
	svc := MustNewJobService(JobServiceOptions{Repo: repo, Queue: mocks.NewMockQueue(ctrl)})

	repo.EXPECT().List(gomock.Any(), model.JobListOptions{Owner: "user-1"}).Return(
		func(yield func(*model.Job, error) bool) { yield(nil, errors.New("boom")) },
	)

	_, err := svc.ListAll(context.Background(), Principal{ID: "user-1"}, model.JobListOptions{})
	require.Error(t, err)
	assert.True(t, apperrors.IsPersistence(err))
}

func TestJobService_UpdateStatus(t *testing.T) {
	ctx := context.Background()

	t.Run("transitions and repeats", func(t *testing.T) {
		f := newJobServiceFixture(t)
		job, err := f.svc.Submit(ctx, validSubmit())
		require.NoError(t, err)

		updated, err := f.svc.UpdateStatus(ctx, model.UpdateStatusParams{
			ID: job.ID, Status: model.JobStatusCompleted, ResultData: json.RawMessage(`{"url":"x"}`),
		})
		require.NoError(t, err)
		assert.Equal(t, model.JobStatusCompleted, updated.Status)
		assert.JSONEq(t, `{"url":"x"}`, string(updated.ResultData))

		again, err := f.svc.UpdateStatus(ctx, model.UpdateStatusParams{ID: job.ID, Status: model.JobStatusCompleted})
		require.NoError(t, err, "same terminal status is a no-op")
		assert.JSONEq(t, `{"url":"x"}`, string(again.ResultData))

		current, err := f.svc.UpdateStatus(ctx, model.UpdateStatusParams{
			ID: job.ID, Status: model.JobStatusTerminatedWithError,
		})
		require.Error(t, err)
		assert.True(t, apperrors.IsInvalidTransition(err))
		require.NotNil(t, current)
		assert.Equal(t, model.JobStatusCompleted, current.Status)
	})

	t.Run("rejects bad input before the store", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		svc := MustNewJobService(JobServiceOptions{
			Repo:  mocks.NewMockJobRepository(ctrl),
			Queue: mocks.NewMockQueue(ctrl),
		})

		_, err := svc.UpdateStatus(ctx, model.UpdateStatusParams{ID: "j", Status: "paused"})
		assert.True(t, apperrors.IsValidation(err))

		_, err = svc.UpdateStatus(ctx, model.UpdateStatusParams{ID: "j", Status: model.JobStatusStarted})
		assert.True(t, apperrors.IsInvalidTransition(err))

		_, err = svc.UpdateStatus(ctx, model.UpdateStatusParams{
			ID: "j", Status: model.JobStatusCompleted, ResultData: json.RawMessage(`{nope`),
		})
		assert.True(t, apperrors.IsValidation(err))
	})

	t.Run("missing job", func(t *testing.T) {
		f := newJobServiceFixture(t)
		_, err := f.svc.UpdateStatus(ctx, model.UpdateStatusParams{ID: "missing", Status: model.JobStatusCompleted})
		assert.True(t, apperrors.IsNotFound(err))
	})
}

func TestJobService_CancelDeleteStats(t *testing.T) {
	ctx := context.Background()
	f := newJobServiceFixture(t)
	job, err := f.svc.Submit(ctx, validSubmit())
	require.NoError(t, err)

	_, err = f.svc.Cancel(ctx, Principal{ID: "user-2"}, job.ID)
	assert.True(t, apperrors.IsNotFound(err))

	canceled, err := f.svc.Cancel(ctx, Principal{ID: "user-1"}, job.ID)
	require.NoError(t, err)
	assert.True(t, canceled.CancelRequested)
	assert.Equal(t, model.JobStatusStarted, canceled.Status)

	stats, err := f.svc.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Started)

	require.NoError(t, f.svc.Delete(ctx, job.ID))
	assert.True(t, apperrors.IsNotFound(f.svc.Delete(ctx, job.ID)))
}

func TestPrincipal(t *testing.T) {
	assert.True(t, Principal{ID: "a"}.CanActFor("a"))
	assert.False(t, Principal{ID: "a"}.CanActFor("b"))
	assert.False(t, Principal{}.CanActFor(""))
	assert.True(t, Principal{Admin: true}.CanActFor("b"))

	ctx := WithPrincipal(context.Background(), Principal{ID: "a"})
	p, ok := PrincipalFrom(ctx)
	require.True(t, ok)
	assert.Equal(t, "a", p.ID)

	_, ok = PrincipalFrom(context.Background())
	assert.False(t, ok)
}
