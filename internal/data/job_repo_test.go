package data

import (
	"context"
	"database/sql"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/target/jobflow/internal/domain/model"
	apperrors "github.com/target/jobflow/internal/errors"
	"github.com/target/jobflow/internal/testutil"
)

func newTestJobRepo(db *sql.DB, tp TimeProvider) *JobRepo {
	return NewJobRepo(db, RepoConfig{TimeProvider: tp, ListPageSize: 2})
}

func TestJobRepo_Create(t *testing.T) {
	testutil.WithAutoDB(t, func(db *sql.DB) {
		repo := newTestJobRepo(db, NewFixedTimeProvider(testutil.TestTime()))
		ctx := context.Background()

		tests := []struct {
			name    string
			req     *model.CreateJobRequest
			wantErr string
		}{
			{name: "valid job", req: testutil.NewJobRequest().Build()},
			{name: "three files", req: testutil.NewJobRequest().WithFileCount(3).Build()},
			{name: "nil request", req: nil, wantErr: "create job request is required"},
			{name: "missing owner", req: testutil.NewJobRequest().WithOwner(" ").Build(), wantErr: "owner is required"},
			{name: "no files", req: testutil.NewJobRequest().WithFiles().Build(), wantErr: "at least one file is required"},
		}

		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				job, err := repo.Create(ctx, tt.req)
				if tt.wantErr != "" {
					require.Error(t, err)
					assert.True(t, apperrors.IsValidation(err))
					assert.Contains(t, err.Error(), tt.wantErr)
					return
				}
				require.NoError(t, err)
				assert.NotEmpty(t, job.ID)
				assert.Equal(t, model.JobStatusStarted, job.Status)
				assert.Nil(t, job.ResultData)
				assert.Nil(t, job.CompletedAt)
				assert.Equal(t, tt.req.Owner, job.Owner)
				assert.Equal(t, tt.req.Files, job.Files)
				assert.Equal(t, tt.req.TargetLocale, job.TargetLocale)
				assert.True(t, job.CreatedAt.Equal(testutil.TestTime()))
			})
		}
	})
}

func TestJobRepo_GetByID(t *testing.T) {
	testutil.WithAutoDB(t, func(db *sql.DB) {
		repo := newTestJobRepo(db, nil)
		ctx := context.Background()

		created, err := repo.Create(ctx, testutil.NewJobRequest().Build())
		require.NoError(t, err)

		got, err := repo.GetByID(ctx, created.ID)
		require.NoError(t, err)
		assert.Equal(t, created.ID, got.ID)
		assert.Equal(t, created.Files, got.Files)

		_, err = repo.GetByID(ctx, uuid.NewString())
		require.ErrorIs(t, err, ErrJobNotFound)

		_, err = repo.GetByID(ctx, "not-a-uuid")
		require.ErrorIs(t, err, ErrJobNotFound)
	})
}

func TestJobRepo_UpdateStatus(t *testing.T) {
	testutil.WithAutoDB(t, func(db *sql.DB) {
		clock := NewFixedTimeProvider(testutil.TestTime())
		repo := newTestJobRepo(db, clock)
		ctx := context.Background()

		t.Run("started to completed stores result", func(t *testing.T) {
			job, err := repo.Create(ctx, testutil.NewJobRequest().Build())
			require.NoError(t, err)

			clock.Advance(time.Minute)
			updated, err := repo.UpdateStatus(ctx, model.UpdateStatusParams{
				ID:         job.ID,
				Status:     model.JobStatusCompleted,
				ResultData: json.RawMessage(`{"translated":["a.fr.docx"]}`),
			})
			require.NoError(t, err)
			assert.Equal(t, model.JobStatusCompleted, updated.Status)
			assert.JSONEq(t, `{"translated":["a.fr.docx"]}`, string(updated.ResultData))
			require.NotNil(t, updated.CompletedAt)
			assert.True(t, updated.CompletedAt.Equal(clock.Now()))
		})

		t.Run("terminal without result stores empty object", func(t *testing.T) {
			job, err := repo.Create(ctx, testutil.NewJobRequest().Build())
			require.NoError(t, err)

			updated, err := repo.UpdateStatus(ctx, model.UpdateStatusParams{
				ID:        job.ID,
				Status:    model.JobStatusTerminatedWithError,
				LastError: testutil.StringPtr("boom"),
			})
			require.NoError(t, err)
			assert.JSONEq(t, `{}`, string(updated.ResultData))
			require.NotNil(t, updated.LastError)
			assert.Equal(t, "boom", *updated.LastError)
		})

		t.Run("same terminal status is idempotent", func(t *testing.T) {
			job, err := repo.Create(ctx, testutil.NewJobRequest().Build())
			require.NoError(t, err)
			first, err := repo.UpdateStatus(ctx, model.UpdateStatusParams{
				ID: job.ID, Status: model.JobStatusCompleted, ResultData: json.RawMessage(`{"n":1}`),
			})
			require.NoError(t, err)

			again, err := repo.UpdateStatus(ctx, model.UpdateStatusParams{
				ID: job.ID, Status: model.JobStatusCompleted, ResultData: json.RawMessage(`{"n":2}`),
			})
			require.NoError(t, err)
			assert.JSONEq(t, string(first.ResultData), string(again.ResultData))
		})

		t.Run("other terminal status is rejected and record unchanged", func(t *testing.T) {
			job, err := repo.Create(ctx, testutil.NewJobRequest().Build())
			require.NoError(t, err)
			_, err = repo.UpdateStatus(ctx, model.UpdateStatusParams{ID: job.ID, Status: model.JobStatusCompleted})
			require.NoError(t, err)

			current, err := repo.UpdateStatus(ctx, model.UpdateStatusParams{
				ID: job.ID, Status: model.JobStatusTerminatedWithError,
			})
			require.Error(t, err)
			assert.True(t, apperrors.IsInvalidTransition(err))
			require.NotNil(t, current)
			assert.Equal(t, model.JobStatusCompleted, current.Status)
		})

		t.Run("non-terminal target is rejected", func(t *testing.T) {
			job, err := repo.Create(ctx, testutil.NewJobRequest().Build())
			require.NoError(t, err)
			_, err = repo.UpdateStatus(ctx, model.UpdateStatusParams{ID: job.ID, Status: model.JobStatusStarted})
			assert.True(t, apperrors.IsInvalidTransition(err))
		})

		t.Run("unknown status is a validation error", func(t *testing.T) {
			_, err := repo.UpdateStatus(ctx, model.UpdateStatusParams{ID: uuid.NewString(), Status: "paused"})
			assert.True(t, apperrors.IsValidation(err))
		})

		t.Run("missing job", func(t *testing.T) {
			_, err := repo.UpdateStatus(ctx, model.UpdateStatusParams{ID: uuid.NewString(), Status: model.JobStatusCompleted})
			require.ErrorIs(t, err, ErrJobNotFound)
		})
	})
}

func TestJobRepo_UpdateStatus_ConcurrentWritersSingleWinner(t *testing.T) {
	testutil.WithAutoDB(t, func(db *sql.DB) {
		repo := newTestJobRepo(db, nil)
		ctx := context.Background()

		job, err := repo.Create(ctx, testutil.NewJobRequest().Build())
		require.NoError(t, err)

		const writers = 8
		var (
			wg        sync.WaitGroup
			mu        sync.Mutex
			succeeded []model.JobStatus
		)
		for i := range writers {
			status := model.JobStatusCompleted
			if i%2 == 1 {
				status = model.JobStatusTerminatedWithError
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, upErr := repo.UpdateStatus(ctx, model.UpdateStatusParams{ID: job.ID, Status: status})
				if upErr == nil {
					mu.Lock()
					succeeded = append(succeeded, status)
					mu.Unlock()
				}
			}()
		}
		wg.Wait()

		final, err := repo.GetByID(ctx, job.ID)
		require.NoError(t, err)
		require.NotEmpty(t, succeeded)
		for _, s := range succeeded {
			assert.Equal(t, final.Status, s, "every successful writer must agree with the stored status")
		}
	})
}

func TestJobRepo_RequestCancelAndRecordAttempt(t *testing.T) {
	testutil.WithAutoDB(t, func(db *sql.DB) {
		repo := newTestJobRepo(db, nil)
		ctx := context.Background()

		job, err := repo.Create(ctx, testutil.NewJobRequest().Build())
		require.NoError(t, err)

		require.NoError(t, repo.RecordAttempt(ctx, job.ID, 2))
		require.NoError(t, repo.RecordAttempt(ctx, job.ID, 1))

		canceled, err := repo.RequestCancel(ctx, job.ID)
		require.NoError(t, err)
		assert.True(t, canceled.CancelRequested)
		assert.Equal(t, 2, canceled.Attempts)
		assert.Equal(t, model.JobStatusStarted, canceled.Status)

		_, err = repo.UpdateStatus(ctx, model.UpdateStatusParams{ID: job.ID, Status: model.JobStatusCompleted})
		require.NoError(t, err)

		done, err := repo.RequestCancel(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, model.JobStatusCompleted, done.Status)

		_, err = repo.RequestCancel(ctx, uuid.NewString())
		require.ErrorIs(t, err, ErrJobNotFound)
	})
}

func TestJobRepo_List(t *testing.T) {
	testutil.WithAutoDB(t, func(db *sql.DB) {
		clock := NewFixedTimeProvider(testutil.TestTime())
		repo := newTestJobRepo(db, clock)
		ctx := context.Background()

		var ids []string
		for i := range 5 {
			owner := "alice"
			if i%2 == 1 {
				owner = "bob"
			}
			job, err := repo.Create(ctx, testutil.NewJobRequest().WithOwner(owner).Build())
			require.NoError(t, err)
			ids = append(ids, job.ID)
			clock.Advance(time.Second)
		}
		_, err := repo.UpdateStatus(ctx, model.UpdateStatusParams{ID: ids[0], Status: model.JobStatusCompleted})
		require.NoError(t, err)

		t.Run("newest first across pages", func(t *testing.T) {
			jobs, listErr := CollectJobs(repo.List(ctx, model.JobListOptions{}))
			require.NoError(t, listErr)
			require.Len(t, jobs, 5)
			for i, j := range jobs {
				assert.Equal(t, ids[len(ids)-1-i], j.ID)
			}
		})

		t.Run("owner filter", func(t *testing.T) {
			jobs, listErr := CollectJobs(repo.List(ctx, model.JobListOptions{Owner: "bob"}))
			require.NoError(t, listErr)
			require.Len(t, jobs, 2)
			for _, j := range jobs {
				assert.Equal(t, "bob", j.Owner)
			}
		})

		t.Run("status filter", func(t *testing.T) {
			status := model.JobStatusCompleted
			jobs, listErr := CollectJobs(repo.List(ctx, model.JobListOptions{Status: &status}))
			require.NoError(t, listErr)
			require.Len(t, jobs, 1)
			assert.Equal(t, ids[0], jobs[0].ID)
		})

		t.Run("limit", func(t *testing.T) {
			jobs, listErr := CollectJobs(repo.List(ctx, model.JobListOptions{Limit: 3}))
			require.NoError(t, listErr)
			assert.Len(t, jobs, 3)
		})

		t.Run("early break and restart", func(t *testing.T) {
			seq := repo.List(ctx, model.JobListOptions{})
			for range seq {
				break
			}
			jobs, listErr := CollectJobs(seq)
			require.NoError(t, listErr)
			assert.Len(t, jobs, 5)
		})
	})
}

func TestJobRepo_DeleteAndStats(t *testing.T) {
	testutil.WithAutoDB(t, func(db *sql.DB) {
		repo := newTestJobRepo(db, nil)
		ctx := context.Background()

		a, err := repo.Create(ctx, testutil.NewJobRequest().Build())
		require.NoError(t, err)
		b, err := repo.Create(ctx, testutil.NewJobRequest().Build())
		require.NoError(t, err)
		_, err = repo.UpdateStatus(ctx, model.UpdateStatusParams{ID: b.ID, Status: model.JobStatusTerminatedWithError})
		require.NoError(t, err)

		stats, err := repo.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, model.JobStats{Started: 1, TerminatedWithError: 1}, *stats)

		require.NoError(t, repo.Delete(ctx, a.ID))
		require.ErrorIs(t, repo.Delete(ctx, a.ID), ErrJobNotFound)
		_, err = repo.GetByID(ctx, a.ID)
		require.ErrorIs(t, err, ErrJobNotFound)
	})
}

func TestJobRepo_FailStaleStarted(t *testing.T) {
	testutil.WithAutoDB(t, func(db *sql.DB) {
		clock := NewFixedTimeProvider(testutil.TestTime())
		repo := newTestJobRepo(db, clock)
		ctx := context.Background()

		old, err := repo.Create(ctx, testutil.NewJobRequest().Build())
		require.NoError(t, err)
		clock.Advance(2 * time.Hour)
		fresh, err := repo.Create(ctx, testutil.NewJobRequest().Build())
		require.NoError(t, err)

		n, err := repo.FailStaleStarted(ctx, time.Hour, 10)
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)

		got, err := repo.GetByID(ctx, old.ID)
		require.NoError(t, err)
		assert.Equal(t, model.JobStatusTerminatedWithError, got.Status)
		assert.JSONEq(t, `{}`, string(got.ResultData))
		require.NotNil(t, got.LastError)

		got, err = repo.GetByID(ctx, fresh.ID)
		require.NoError(t, err)
		assert.Equal(t, model.JobStatusStarted, got.Status)
	})
}
