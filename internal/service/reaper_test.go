package service

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/target/jobflow/config"
	"github.com/target/jobflow/internal/domain/model"
	"github.com/target/jobflow/internal/observability/statsd"
	"github.com/target/jobflow/internal/testutil"
)

// mockReaperRepo is a simple mock implementation for testing.
type mockReaperRepo struct {
	mu sync.Mutex

	failStaleCalled int
	failStaleCount  int64
	failStaleError  error
	failStaleMaxAge time.Duration

	purgeCalls  map[string]int
	purgeCount  int64
	purgeError  error
	purgeMaxAge time.Duration
}

func (m *mockReaperRepo) FailStaleStarted(_ context.Context, maxAge time.Duration, _ int) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failStaleCalled++
	m.failStaleMaxAge = maxAge
	if m.failStaleError != nil {
		return 0, m.failStaleError
	}
	// Return count on first call, then 0 to simulate batch exhaustion
	if m.failStaleCalled == 1 {
		return m.failStaleCount, nil
	}
	return 0, nil
}

func (m *mockReaperRepo) PurgeDead(_ context.Context, topic string, olderThan time.Duration, _ int) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.purgeCalls == nil {
		m.purgeCalls = make(map[string]int)
	}
	m.purgeCalls[topic]++
	m.purgeMaxAge = olderThan
	if m.purgeError != nil {
		return 0, m.purgeError
	}
	if m.purgeCalls[topic] == 1 {
		return m.purgeCount, nil
	}
	return 0, nil
}

func (m *mockReaperRepo) calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.failStaleCalled
}

func testReaperConfig() config.ReaperConfig {
	return config.ReaperConfig{
		Interval:      5 * time.Minute,
		StartedMaxAge: 6 * time.Hour,
		DeadMaxAge:    7 * 24 * time.Hour,
		BatchSize:     1000,
	}
}

func TestNewReaperService(t *testing.T) {
	t.Run("creates service with valid options", func(t *testing.T) {
		repo := &mockReaperRepo{}
		svc, err := NewReaperService(ReaperServiceOptions{
			Jobs:   repo,
			Queue:  repo,
			Config: testReaperConfig(),
			Logger: slog.Default(),
		})

		require.NoError(t, err)
		assert.Equal(t, []string{model.ProcessJobTopic}, svc.topics)
	})

	t.Run("returns error when repos are nil", func(t *testing.T) {
		_, err := NewReaperService(ReaperServiceOptions{Queue: &mockReaperRepo{}, Config: testReaperConfig()})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "JobReaperRepository is required")

		_, err = NewReaperService(ReaperServiceOptions{Jobs: &mockReaperRepo{}, Config: testReaperConfig()})
		require.Error(t, err)
	})
}

func TestReaperService_runCleanup(t *testing.T) {
	t.Run("runs all cleanup operations successfully", func(t *testing.T) {
		repo := &mockReaperRepo{failStaleCount: 5, purgeCount: 10}
		rec := statsd.NewRecorder()
		svc := MustNewReaperService(ReaperServiceOptions{
			Jobs:    repo,
			Queue:   repo,
			Config:  testReaperConfig(),
			Metrics: rec,
		})

		require.NoError(t, svc.runCleanup(context.Background()))

		// Each operation is called twice: once returning count, once returning 0
		assert.Equal(t, 2, repo.failStaleCalled)
		assert.Equal(t, 2, repo.purgeCalls[model.ProcessJobTopic])
		assert.Equal(t, 6*time.Hour, repo.failStaleMaxAge)
		assert.Equal(t, 7*24*time.Hour, repo.purgeMaxAge)

		assert.Equal(t, int64(1), rec.CountOf("reaper.cleanup"))
		assert.Equal(t, int64(15), rec.CountOf("reaper.rows_processed"))
		assert.Positive(t, rec.GaugeOf("reaper.last_success_epoch"))
	})

	t.Run("continues on partial errors", func(t *testing.T) {
		repo := &mockReaperRepo{failStaleError: errors.New("fail error"), purgeCount: 3}
		svc := MustNewReaperService(ReaperServiceOptions{Jobs: repo, Queue: repo, Config: testReaperConfig()})

		err := svc.runCleanup(context.Background())

		// Should return error but still call all cleanup methods
		require.Error(t, err)
		assert.Contains(t, err.Error(), "fail stale started jobs")
		assert.Equal(t, 1, repo.failStaleCalled)
		assert.Equal(t, 2, repo.purgeCalls[model.ProcessJobTopic])
	})

	t.Run("purges every configured topic", func(t *testing.T) {
		repo := &mockReaperRepo{purgeCount: 1}
		svc := MustNewReaperService(ReaperServiceOptions{
			Jobs:   repo,
			Queue:  repo,
			Config: testReaperConfig(),
			Topics: []string{"a", "b"},
		})

		count, err := svc.purgeDeadMessages(context.Background())
		require.NoError(t, err)
		assert.Equal(t, int64(2), count)
		assert.Equal(t, 2, repo.purgeCalls["a"])
		assert.Equal(t, 2, repo.purgeCalls["b"])
	})
}

func TestReaperService_RunOnceWithFakes(t *testing.T) {
	ctx := context.Background()
	clock := testutil.NewClock(testutil.TestTime())
	store := testutil.NewMemoryJobStore(clock)
	queue := testutil.NewMemoryQueue(clock, 1)
	rec := statsd.NewRecorder()

	stale, err := store.Create(ctx, testutil.NewJobRequest().Build())
	require.NoError(t, err)
	_, err = queue.Enqueue(ctx, model.ProcessJobTopic, []byte(`{"jobId":"x"}`), model.EnqueueOptions{})
	require.NoError(t, err)
	d, err := queue.Reserve(ctx, model.ProcessJobTopic, time.Minute)
	require.NoError(t, err)
	outcome, err := queue.Nack(ctx, d, "boom")
	require.NoError(t, err)
	require.Equal(t, model.NackDead, outcome)

	clock.Advance(7 * time.Hour)
	fresh, err := store.Create(ctx, testutil.NewJobRequest().Build())
	require.NoError(t, err)

	svc := MustNewReaperService(ReaperServiceOptions{
		Jobs:    store,
		Queue:   queue,
		Stats:   queue,
		Config:  testReaperConfig(),
		Metrics: rec,
	})
	require.NoError(t, svc.RunOnce(ctx))

	got, err := store.GetByID(ctx, stale.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusTerminatedWithError, got.Status)

	got, err = store.GetByID(ctx, fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusStarted, got.Status)

	st, err := queue.Stats(ctx, model.ProcessJobTopic)
	require.NoError(t, err)
	assert.Zero(t, st.Dead)

	assert.NotEmpty(t, rec.TagsOf("queue.depth"))
}

func TestReaperService_Run(t *testing.T) {
	t.Run("stops on context cancellation", func(t *testing.T) {
		repo := &mockReaperRepo{}
		cfg := testReaperConfig()
		cfg.Interval = 100 * time.Millisecond
		svc := MustNewReaperService(ReaperServiceOptions{Jobs: repo, Queue: repo, Config: cfg})

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() {
			done <- svc.Run(ctx)
		}()

		// Wait a bit to ensure at least one cleanup runs
		time.Sleep(150 * time.Millisecond)
		cancel()

		select {
		case err := <-done:
			// Should return nil on graceful shutdown
			require.NoError(t, err)
		case <-time.After(1 * time.Second):
			t.Fatal("Run did not stop after context cancellation")
		}

		assert.GreaterOrEqual(t, repo.calls(), 1)
	})

	t.Run("continues running despite cleanup errors", func(t *testing.T) {
		repo := &mockReaperRepo{failStaleError: errors.New("test error")}
		cfg := testReaperConfig()
		cfg.Interval = 50 * time.Millisecond
		svc := MustNewReaperService(ReaperServiceOptions{Jobs: repo, Queue: repo, Config: cfg})

		ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
		defer cancel()

		err := svc.Run(ctx)

		// Should return context deadline exceeded, not the cleanup error
		require.ErrorIs(t, err, context.DeadlineExceeded)
		assert.GreaterOrEqual(t, repo.calls(), 2)
	})
}
