// Package jobrunner runs a pool of workers that drain one queue topic and hand
// each delivery to a handler.
package jobrunner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/target/jobflow/internal/core"
	"github.com/target/jobflow/internal/domain/model"
	obserrors "github.com/target/jobflow/internal/observability/errors"
	"github.com/target/jobflow/internal/observability/metrics"
	"github.com/target/jobflow/internal/observability/statsd"
)

// HandlerFunc processes one delivery. A nil return acks it, an error wrapping
// ErrLeaveUnacked leaves it leased, and any other error nacks it.
type HandlerFunc func(ctx context.Context, d *model.Delivery) error

// ErrLeaveUnacked is re-exported so handlers outside the service layer can use it.
var ErrLeaveUnacked = core.ErrLeaveUnacked

var errLeaseLost = errors.New("delivery lease lost")

const (
	defaultLease    = 30 * time.Second
	defaultIdlePoll = 5 * time.Second
	settleTimeout   = 10 * time.Second
)

// RunnerOptions configures the job runner adapter.
type RunnerOptions struct {
	Queue   core.Queue  // Required
	Topic   string      // Required
	Handler HandlerFunc // Required
	Logger  *slog.Logger
	Metrics statsd.Sink

	Lease       time.Duration // per-delivery lease; renewed every Lease/3. Defaults to 30s.
	Concurrency int           // number of worker goroutines; defaults to 1
	IdlePoll    time.Duration // re-check interval when no wake-up arrives; defaults to 5s
}

// Runner pulls deliveries and executes them with the configured handler.
type Runner struct {
	queue    core.Queue
	topic    string
	handler  HandlerFunc
	logger   *slog.Logger
	metrics  statsd.Sink
	lease    time.Duration
	workers  int
	idlePoll time.Duration
}

// NewRunner validates options and constructs a Runner.
func NewRunner(opts RunnerOptions) (*Runner, error) {
	if opts.Queue == nil {
		return nil, errors.New("queue is required")
	}
	if opts.Topic == "" {
		return nil, errors.New("topic is required")
	}
	if opts.Handler == nil {
		return nil, errors.New("handler is required")
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	lease := opts.Lease
	if lease <= 0 {
		lease = defaultLease
	}
	workers := opts.Concurrency
	if workers <= 0 {
		workers = 1
	}
	idle := opts.IdlePoll
	if idle <= 0 {
		idle = defaultIdlePoll
	}

	return &Runner{
		queue:    opts.Queue,
		topic:    opts.Topic,
		handler:  opts.Handler,
		logger:   logger.With("component", "job_runner", "topic", opts.Topic),
		metrics:  opts.Metrics,
		lease:    lease,
		workers:  workers,
		idlePoll: idle,
	}, nil
}

// Run starts worker goroutines and processes deliveries until ctx is cancelled.
// Deliveries in flight at cancellation are finished by their handler first.
func (r *Runner) Run(ctx context.Context) error {
	r.logger.InfoContext(ctx, "starting job runner", "workers", r.workers, "lease", r.lease)

	unsub, notify := r.queue.Subscribe(r.topic)
	defer unsub()
	// A worker that reserved something passes the wake-up on to an idle peer,
	// so one coalesced notification still drains a burst with the whole pool.
	relay := make(chan struct{}, 1)

	g, gctx := errgroup.WithContext(ctx)
	for i := range r.workers {
		g.Go(func() error {
			return r.workerLoop(gctx, i, notify, relay)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	r.logger.InfoContext(ctx, "job runner stopped")
	return ctx.Err()
}

func (r *Runner) workerLoop(ctx context.Context, worker int, notify <-chan struct{}, relay chan struct{}) error {
	log := r.logger.With("worker", worker)
	for ctx.Err() == nil {
		d, err := r.queue.Reserve(ctx, r.topic, r.lease)
		switch {
		case err == nil:
			select {
			case relay <- struct{}{}:
			default:
			}
			r.processDelivery(ctx, log, d)
		case errors.Is(err, model.ErrNoMessages):
			r.waitForWork(ctx, notify, relay)
		case ctx.Err() != nil:
			return nil
		default:
			log.WarnContext(ctx, "reserve failed; backing off", "error", err)
			r.count("worker.reserve_error", map[string]string{"error_class": obserrors.Classify(err)})
			r.waitForWork(ctx, nil, nil)
		}
	}
	return nil
}

// waitForWork blocks until a wake-up, the idle poll interval, or cancellation.
func (r *Runner) waitForWork(ctx context.Context, notify, relay <-chan struct{}) {
	t := time.NewTimer(r.idlePoll)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-notify:
	case <-relay:
	case <-t.C:
	}
}

func (r *Runner) processDelivery(ctx context.Context, log *slog.Logger, d *model.Delivery) {
	start := time.Now()
	log = log.With("delivery_id", d.ID, "attempt", d.Attempt)

	hctx, cancel := context.WithCancelCause(ctx)
	stopHeartbeat := r.startHeartbeat(hctx, log, d, cancel)
	err := r.safeHandle(hctx, d)
	stopHeartbeat()
	cancel(nil)

	switch {
	case errors.Is(err, ErrLeaveUnacked):
		log.InfoContext(ctx, "leaving delivery unacked", "error", err)
		r.emit("leave_unacked", metrics.ResultNoop, start, nil)
	case err != nil:
		r.nack(ctx, log, d, err, start)
	default:
		r.ack(ctx, log, d, start)
	}
}

// safeHandle converts a handler panic into an error so the delivery is nacked.
func (r *Runner) safeHandle(ctx context.Context, d *model.Delivery) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("handler panic: %v", rec)
		}
	}()
	return r.handler(ctx, d)
}

// startHeartbeat renews the lease every lease/3 until the returned stop func
// is called. Losing the lease cancels the handler context.
func (r *Runner) startHeartbeat(
	ctx context.Context,
	log *slog.Logger,
	d *model.Delivery,
	cancel context.CancelCauseFunc,
) func() {
	done := make(chan struct{})
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		ticker := time.NewTicker(max(r.lease/3, time.Millisecond))
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			ok, err := r.queue.Extend(ctx, d, r.lease)
			switch {
			case err != nil:
				if ctx.Err() == nil {
					log.WarnContext(ctx, "lease renewal failed", "error", err)
				}
			case !ok:
				log.WarnContext(ctx, "lease lost; abandoning delivery")
				r.count("worker.lease_lost", nil)
				cancel(errLeaseLost)
				return
			}
		}
	}()
	return func() {
		close(done)
		<-stopped
	}
}

func (r *Runner) ack(ctx context.Context, log *slog.Logger, d *model.Delivery, start time.Time) {
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), settleTimeout)
	defer cancel()
	if err := r.queue.Ack(sctx, d); err != nil {
		log.ErrorContext(ctx, "ack failed", "error", err)
		r.emit("ack", metrics.ResultError, start, err)
		return
	}
	r.emit("ack", metrics.ResultSuccess, start, nil)
}

func (r *Runner) nack(ctx context.Context, log *slog.Logger, d *model.Delivery, cause error, start time.Time) {
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), settleTimeout)
	defer cancel()
	outcome, err := r.queue.Nack(sctx, d, cause.Error())
	if err != nil {
		log.ErrorContext(ctx, "nack failed", "error", err, "cause", cause)
		r.emit("nack", metrics.ResultError, start, err)
		return
	}
	log.WarnContext(ctx, "delivery nacked", "outcome", outcome, "cause", cause)
	r.emit("nack_"+string(outcome), metrics.ResultError, start, cause)
}

func (r *Runner) emit(transition, result string, start time.Time, err error) {
	metrics.EmitJobLifecycle(r.metrics, metrics.JobMetric{
		Stage:      metrics.StageDeliver,
		Transition: transition,
		Result:     result,
		Duration:   time.Since(start),
		Err:        err,
	})
}

func (r *Runner) count(name string, tags map[string]string) {
	if r.metrics == nil {
		return
	}
	if tags == nil {
		tags = map[string]string{}
	}
	tags["topic"] = r.topic
	r.metrics.Count(name, 1, tags)
}
