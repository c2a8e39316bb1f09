package statsd

import (
	"sync"
	"time"
)

// Recorder is an in-memory Sink for tests and the admin CLI's dry runs.
type Recorder struct {
	mu      sync.Mutex
	counts  map[string]int64
	gauges  map[string]float64
	timings map[string][]time.Duration
	tags    map[string][]map[string]string
}

var _ Sink = (*Recorder)(nil)

// NewRecorder returns an empty Recorder.
func NewRecorder() *Recorder {
	return &Recorder{
		counts:  make(map[string]int64),
		gauges:  make(map[string]float64),
		timings: make(map[string][]time.Duration),
		tags:    make(map[string][]map[string]string),
	}
}

// Count implements Sink.
func (r *Recorder) Count(name string, value int64, tags map[string]string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counts[name] += value
	r.tags[name] = append(r.tags[name], cloneTags(tags))
}

// Gauge implements Sink.
func (r *Recorder) Gauge(name string, value float64, tags map[string]string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gauges[name] = value
	r.tags[name] = append(r.tags[name], cloneTags(tags))
}

// Timing implements Sink.
func (r *Recorder) Timing(name string, value time.Duration, tags map[string]string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.timings[name] = append(r.timings[name], value)
	r.tags[name] = append(r.tags[name], cloneTags(tags))
}

// CountOf returns the accumulated counter value for name.
func (r *Recorder) CountOf(name string) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counts[name]
}

// GaugeOf returns the last gauge value for name.
func (r *Recorder) GaugeOf(name string) float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.gauges[name]
}

// TagsOf returns the tag sets recorded for name, in emission order.
func (r *Recorder) TagsOf(name string) []map[string]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]map[string]string(nil), r.tags[name]...)
}
