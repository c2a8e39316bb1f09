package metrics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	apperrors "github.com/target/jobflow/internal/errors"
	"github.com/target/jobflow/internal/observability/statsd"
)

func TestEmitJobLifecycle(t *testing.T) {
	rec := statsd.NewRecorder()

	EmitJobLifecycle(rec, JobMetric{
		Stage:      StageProcess,
		Transition: "terminatedWithError",
		Result:     ResultError,
		Duration:   time.Second,
		Err:        apperrors.Processing(assert.AnError, "translate"),
	})

	assert.Equal(t, int64(1), rec.CountOf("job.transition"))
	tags := rec.TagsOf("job.transition")
	require.Len(t, tags, 1)
	assert.Equal(t, "processing", tags[0]["error_class"])
	assert.Equal(t, StageProcess, tags[0]["stage"])
	assert.Len(t, rec.TagsOf("job.duration"), 1)
}

func TestEmitJobLifecycle_NilSink(t *testing.T) {
	assert.NotPanics(t, func() {
		EmitJobLifecycle(nil, JobMetric{Stage: StageSubmit})
		QueueDepth(nil, "process-job", 1, 2, 3)
	})
}

func TestQueueDepth(t *testing.T) {
	rec := statsd.NewRecorder()
	QueueDepth(rec, "process-job", 4, 1, 0)
	assert.Len(t, rec.TagsOf("queue.depth"), 3)
}
