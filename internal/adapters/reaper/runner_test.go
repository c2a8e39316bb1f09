package reaper

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/target/jobflow/config"
	"github.com/target/jobflow/internal/domain/model"
	"github.com/target/jobflow/internal/testutil"
)

func TestNewRunner_RequiresRepositories(t *testing.T) {
	q := testutil.NewMemoryQueue(nil, 0)
	_, err := NewRunner(RunnerOptions{Queue: q})
	require.Error(t, err)

	_, err = NewRunner(RunnerOptions{Jobs: testutil.NewMemoryJobStore(nil)})
	require.Error(t, err)
}

func TestRunner_RunOnce(t *testing.T) {
	ctx := context.Background()
	clock := testutil.NewClock(testutil.TestTime())
	store := testutil.NewMemoryJobStore(clock)
	queue := testutil.NewMemoryQueue(clock, 1)

	job, err := store.Create(ctx, testutil.NewJobRequest().Build())
	require.NoError(t, err)
	clock.Advance(2 * time.Hour)

	r, err := NewRunner(RunnerOptions{
		Jobs:  store,
		Queue: queue,
		Config: config.ReaperConfig{
			Interval:      time.Minute,
			StartedMaxAge: time.Hour,
			DeadMaxAge:    time.Hour,
			BatchSize:     10,
		},
	})
	require.NoError(t, err)
	require.NoError(t, r.RunOnce(ctx))

	got, err := store.GetByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusTerminatedWithError, got.Status)
}
