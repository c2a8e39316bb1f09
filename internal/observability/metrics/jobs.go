// Package metrics defines the job lifecycle metrics emitted to a statsd.Sink.
package metrics

import (
	"time"

	obserrors "github.com/target/jobflow/internal/observability/errors"
	"github.com/target/jobflow/internal/observability/statsd"
)

// Result constants for metric tagging.
const (
	ResultSuccess = "success"
	ResultError   = "error"
	ResultNoop    = "noop"
)

// Lifecycle stages.
const (
	StageSubmit  = "submit"
	StageProcess = "process"
	StageUpdate  = "update"
	StageCancel  = "cancel"
	StageDeliver = "deliver"
)

// JobMetric describes one job lifecycle event.
type JobMetric struct {
	Stage string
	// Transition is the resulting status or outcome, e.g. "completed", "retry", "duplicate".
	Transition string
	Result     string
	Duration   time.Duration
	Err        error
}

// EmitJobLifecycle emits job.transition and, when timed, job.duration.
func EmitJobLifecycle(sink statsd.Sink, in JobMetric) {
	if sink == nil {
		return
	}

	tags := map[string]string{
		"stage":      in.Stage,
		"transition": in.Transition,
		"result":     in.Result,
	}
	if in.Err != nil && in.Result == ResultError {
		if class := obserrors.Classify(in.Err); class != "" {
			tags["error_class"] = class
		}
	}

	sink.Count("job.transition", 1, tags)
	if in.Duration > 0 {
		sink.Timing("job.duration", in.Duration, CloneTags(tags))
	}
}

// QueueDepth reports per-state message counts for topic.
func QueueDepth(sink statsd.Sink, topic string, ready, leased, dead int) {
	if sink == nil {
		return
	}
	for state, n := range map[string]int{"ready": ready, "leased": leased, "dead": dead} {
		sink.Gauge("queue.depth", float64(n), map[string]string{"topic": topic, "state": state})
	}
}

// CloneTags copies a tag map so a sink may retain it.
func CloneTags(src map[string]string) map[string]string {
	if len(src) == 0 {
		return nil
	}
	out := make(map[string]string, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out
}
