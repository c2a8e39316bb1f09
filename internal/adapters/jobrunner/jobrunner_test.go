package jobrunner

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/target/jobflow/internal/domain/model"
	"github.com/target/jobflow/internal/observability/statsd"
	"github.com/target/jobflow/internal/testutil"
)

const testTopic = "test-topic"

// countingQueue wraps MemoryQueue to observe lease renewals.
type countingQueue struct {
	*testutil.MemoryQueue
	extends atomic.Int32
	lose    atomic.Bool
}

func (q *countingQueue) Extend(ctx context.Context, d *model.Delivery, lease time.Duration) (bool, error) {
	q.extends.Add(1)
	if q.lose.Load() {
		return false, nil
	}
	return q.MemoryQueue.Extend(ctx, d, lease)
}

// manualWakeQueue replaces the queue's wake-ups with a channel the test controls.
type manualWakeQueue struct {
	*testutil.MemoryQueue
	wake chan struct{}
}

func (q *manualWakeQueue) Subscribe(string) (func(), <-chan struct{}) {
	return func() {}, q.wake
}

func startRunner(t *testing.T, opts RunnerOptions) (stop func() error) {
	t.Helper()
	r, err := NewRunner(opts)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	return func() error {
		cancel()
		select {
		case err := <-done:
			return err
		case <-time.After(2 * time.Second):
			t.Fatal("runner did not stop")
			return nil
		}
	}
}

func enqueue(t *testing.T, q *testutil.MemoryQueue, n int) {
	t.Helper()
	for range n {
		_, err := q.Enqueue(context.Background(), testTopic, []byte(`{"jobId":"j"}`), model.EnqueueOptions{})
		require.NoError(t, err)
	}
}

func stats(t *testing.T, q *testutil.MemoryQueue) *model.QueueStats {
	t.Helper()
	st, err := q.Stats(context.Background(), testTopic)
	require.NoError(t, err)
	return st
}

func TestNewRunner(t *testing.T) {
	q := testutil.NewMemoryQueue(nil, 0)
	h := func(context.Context, *model.Delivery) error { return nil }

	_, err := NewRunner(RunnerOptions{Topic: testTopic, Handler: h})
	require.EqualError(t, err, "queue is required")
	_, err = NewRunner(RunnerOptions{Queue: q, Handler: h})
	require.EqualError(t, err, "topic is required")
	_, err = NewRunner(RunnerOptions{Queue: q, Topic: testTopic})
	require.EqualError(t, err, "handler is required")

	r, err := NewRunner(RunnerOptions{Queue: q, Topic: testTopic, Handler: h})
	require.NoError(t, err)
	assert.Equal(t, defaultLease, r.lease)
	assert.Equal(t, 1, r.workers)
	assert.Equal(t, defaultIdlePoll, r.idlePoll)
}

func TestRunner_AcksHandledDeliveries(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	q := testutil.NewMemoryQueue(nil, 3)
	rec := statsd.NewRecorder()
	var handled atomic.Int32
	stop := startRunner(t, RunnerOptions{
		Queue:       q,
		Topic:       testTopic,
		Concurrency: 3,
		IdlePoll:    10 * time.Millisecond,
		Metrics:     rec,
		Handler: func(context.Context, *model.Delivery) error {
			handled.Add(1)
			return nil
		},
	})

	enqueue(t, q, 5)
	require.Eventually(t, func() bool {
		st := stats(t, q)
		return st.Ready == 0 && st.Leased == 0
	}, 2*time.Second, 5*time.Millisecond)

	require.ErrorIs(t, stop(), context.Canceled)
	assert.Equal(t, int32(5), handled.Load())
	assert.Equal(t, int64(5), rec.CountOf("job.transition"))
}

func TestRunner_SingleWakeUpStartsWholePool(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	const workers = 4
	q := &manualWakeQueue{MemoryQueue: testutil.NewMemoryQueue(nil, 3), wake: make(chan struct{}, 1)}
	release := make(chan struct{})
	var running atomic.Int32
	stop := startRunner(t, RunnerOptions{
		Queue:       q,
		Topic:       testTopic,
		Concurrency: workers,
		IdlePoll:    time.Hour,
		Handler: func(context.Context, *model.Delivery) error {
			running.Add(1)
			<-release
			return nil
		},
	})

	// Let every worker find the queue empty and go idle.
	time.Sleep(50 * time.Millisecond)
	enqueue(t, q.MemoryQueue, workers)
	q.wake <- struct{}{}

	require.Eventually(t, func() bool { return running.Load() == workers }, time.Second, 5*time.Millisecond)

	close(release)
	require.Eventually(t, func() bool {
		st := stats(t, q.MemoryQueue)
		return st.Ready == 0 && st.Leased == 0
	}, time.Second, 5*time.Millisecond)
	require.ErrorIs(t, stop(), context.Canceled)
}

func TestRunner_NacksFailuresUntilDead(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	q := testutil.NewMemoryQueue(nil, 2)
	var attempts []int
	var mu sync.Mutex
	stop := startRunner(t, RunnerOptions{
		Queue:    q,
		Topic:    testTopic,
		IdlePoll: 10 * time.Millisecond,
		Handler: func(_ context.Context, d *model.Delivery) error {
			mu.Lock()
			attempts = append(attempts, d.Attempt)
			mu.Unlock()
			return errors.New("boom")
		},
	})

	enqueue(t, q, 1)
	require.Eventually(t, func() bool { return stats(t, q).Dead == 1 }, 2*time.Second, 5*time.Millisecond)
	_ = stop()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{1, 2}, attempts)
}

func TestRunner_PanicIsNacked(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	q := testutil.NewMemoryQueue(nil, 1)
	stop := startRunner(t, RunnerOptions{
		Queue:    q,
		Topic:    testTopic,
		IdlePoll: 10 * time.Millisecond,
		Handler: func(context.Context, *model.Delivery) error {
			panic("kaboom")
		},
	})

	enqueue(t, q, 1)
	require.Eventually(t, func() bool { return stats(t, q).Dead == 1 }, 2*time.Second, 5*time.Millisecond)
	_ = stop()
}

func TestRunner_LeaveUnacked(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	q := testutil.NewMemoryQueue(nil, 3)
	var calls atomic.Int32
	stop := startRunner(t, RunnerOptions{
		Queue:    q,
		Topic:    testTopic,
		Lease:    time.Hour,
		IdlePoll: 10 * time.Millisecond,
		Handler: func(context.Context, *model.Delivery) error {
			calls.Add(1)
			return errors.Join(ErrLeaveUnacked, errors.New("store down"))
		},
	})

	enqueue(t, q, 1)
	require.Eventually(t, func() bool { return calls.Load() == 1 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	_ = stop()

	st := stats(t, q)
	assert.Equal(t, 1, st.Leased)
	assert.Zero(t, st.Dead)
	assert.Equal(t, int32(1), calls.Load())
}

func TestRunner_Heartbeat(t *testing.T) {
	t.Run("extends the lease while the handler runs", func(t *testing.T) {
		defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

		q := &countingQueue{MemoryQueue: testutil.NewMemoryQueue(nil, 3)}
		stop := startRunner(t, RunnerOptions{
			Queue:    q,
			Topic:    testTopic,
			Lease:    30 * time.Millisecond,
			IdlePoll: 10 * time.Millisecond,
			Handler: func(context.Context, *model.Delivery) error {
				time.Sleep(100 * time.Millisecond)
				return nil
			},
		})

		enqueue(t, q.MemoryQueue, 1)
		require.Eventually(t, func() bool {
			st := stats(t, q.MemoryQueue)
			return st.Ready == 0 && st.Leased == 0
		}, 2*time.Second, 5*time.Millisecond)
		_ = stop()

		assert.GreaterOrEqual(t, q.extends.Load(), int32(2))
	})

	t.Run("cancels the handler when the lease is lost", func(t *testing.T) {
		defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

		q := &countingQueue{MemoryQueue: testutil.NewMemoryQueue(nil, 3)}
		q.lose.Store(true)
		causes := make(chan error, 1)
		stop := startRunner(t, RunnerOptions{
			Queue:    q,
			Topic:    testTopic,
			Lease:    30 * time.Millisecond,
			IdlePoll: 10 * time.Millisecond,
			Handler: func(ctx context.Context, _ *model.Delivery) error {
				<-ctx.Done()
				select {
				case causes <- context.Cause(ctx):
				default:
				}
				return ErrLeaveUnacked
			},
		})

		enqueue(t, q.MemoryQueue, 1)
		select {
		case cause := <-causes:
			require.ErrorIs(t, cause, errLeaseLost)
		case <-time.After(2 * time.Second):
			t.Fatal("handler was not cancelled")
		}
		_ = stop()
	})
}
