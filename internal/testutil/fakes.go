package testutil

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"iter"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/target/jobflow/internal/core"
	"github.com/target/jobflow/internal/domain/model"
	apperrors "github.com/target/jobflow/internal/errors"
)

// Clock is a mutable test clock shared by the in-memory fakes.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock returns a Clock starting at start.
func NewClock(start time.Time) *Clock { return &Clock{now: start} }

// Now returns the current fake time.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// MemoryJobStore is an in-memory core.JobRepository with the same guarded
// status semantics as the Postgres store.
type MemoryJobStore struct {
	mu    sync.Mutex
	clock *Clock
	jobs  map[string]*model.Job
	seq   int

	// CreateErr, when set, is returned by Create.
	CreateErr error
	// DeleteErr, when set, is returned by Delete.
	DeleteErr error
}

var (
	_ core.JobRepository       = (*MemoryJobStore)(nil)
	_ core.JobReaperRepository = (*MemoryJobStore)(nil)
)

// NewMemoryJobStore returns an empty store. A nil clock starts at TestTime.
func NewMemoryJobStore(clock *Clock) *MemoryJobStore {
	if clock == nil {
		clock = NewClock(TestTime())
	}
	return &MemoryJobStore{clock: clock, jobs: make(map[string]*model.Job)}
}

func cloneJob(j *model.Job) *model.Job {
	out := *j
	out.Files = append([]model.FileRef(nil), j.Files...)
	if j.ResultData != nil {
		out.ResultData = append(json.RawMessage(nil), j.ResultData...)
	}
	if j.LastError != nil {
		msg := *j.LastError
		out.LastError = &msg
	}
	if j.CompletedAt != nil {
		at := *j.CompletedAt
		out.CompletedAt = &at
	}
	return &out
}

// Create stores a new started job.
func (s *MemoryJobStore) Create(_ context.Context, req *model.CreateJobRequest) (*model.Job, error) {
	if req == nil {
		return nil, apperrors.Validation("create job request is required")
	}
	if err := req.Validate(); err != nil {
		return nil, apperrors.Validation(err.Error())
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.CreateErr != nil {
		return nil, s.CreateErr
	}
	s.seq++
	// Strictly increasing timestamps keep listing order deterministic.
	now := s.clock.Now().Add(time.Duration(s.seq) * time.Microsecond)
	job := &model.Job{
		ID:           uuid.NewString(),
		Owner:        req.Owner,
		Files:        append([]model.FileRef(nil), req.Files...),
		TargetLocale: req.TargetLocale,
		Status:       model.JobStatusStarted,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	s.jobs[job.ID] = job
	return cloneJob(job), nil
}

// GetByID returns a copy of the job.
func (s *MemoryJobStore) GetByID(_ context.Context, id string) (*model.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, model.ErrJobNotFound
	}
	return cloneJob(job), nil
}

// List yields jobs newest first.
func (s *MemoryJobStore) List(_ context.Context, opts model.JobListOptions) iter.Seq2[*model.Job, error] {
	return func(yield func(*model.Job, error) bool) {
		s.mu.Lock()
		var out []*model.Job
		for _, j := range s.jobs {
			if opts.Owner != "" && j.Owner != opts.Owner {
				continue
			}
			if opts.Status != nil && j.Status != *opts.Status {
				continue
			}
			out = append(out, cloneJob(j))
		}
		s.mu.Unlock()

		sort.Slice(out, func(a, b int) bool {
			if out[a].CreatedAt.Equal(out[b].CreatedAt) {
				return out[a].ID > out[b].ID
			}
			return out[a].CreatedAt.After(out[b].CreatedAt)
		})
		for i, j := range out {
			if opts.Limit > 0 && i >= opts.Limit {
				return
			}
			if !yield(j, nil) {
				return
			}
		}
	}
}

// UpdateStatus applies the started-only compare-and-set.
func (s *MemoryJobStore) UpdateStatus(_ context.Context, params model.UpdateStatusParams) (*model.Job, error) {
	if !params.Status.Valid() {
		return nil, apperrors.Validationf("invalid status %q", params.Status)
	}
	if !params.Status.Terminal() {
		return nil, apperrors.InvalidTransitionf("cannot move job %s to %s", params.ID, params.Status)
	}
	result := params.ResultData
	if len(result) == 0 || string(result) == "null" {
		result = model.EmptyResult
	}
	if !json.Valid(result) {
		return nil, apperrors.Validation("resultData must be valid JSON")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[params.ID]
	if !ok {
		return nil, model.ErrJobNotFound
	}
	if job.Status != model.JobStatusStarted {
		if job.Status == params.Status {
			return cloneJob(job), nil
		}
		return cloneJob(job), apperrors.InvalidTransitionf(
			"cannot move job %s from %s to %s", job.ID, job.Status, params.Status)
	}
	now := s.clock.Now()
	job.Status = params.Status
	job.ResultData = append(json.RawMessage(nil), result...)
	job.LastError = params.LastError
	job.CompletedAt = &now
	job.UpdatedAt = now
	return cloneJob(job), nil
}

// RequestCancel flags a started job.
func (s *MemoryJobStore) RequestCancel(_ context.Context, id string) (*model.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, model.ErrJobNotFound
	}
	if job.Status == model.JobStatusStarted {
		job.CancelRequested = true
		job.UpdatedAt = s.clock.Now()
	}
	return cloneJob(job), nil
}

// RecordAttempt raises the attempts counter of a started job.
func (s *MemoryJobStore) RecordAttempt(_ context.Context, id string, attempt int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return model.ErrJobNotFound
	}
	if job.Status == model.JobStatusStarted && attempt > job.Attempts {
		job.Attempts = attempt
	}
	return nil
}

// Delete removes a job.
func (s *MemoryJobStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.DeleteErr != nil {
		return s.DeleteErr
	}
	if _, ok := s.jobs[id]; !ok {
		return model.ErrJobNotFound
	}
	delete(s.jobs, id)
	return nil
}

// Stats counts jobs per status.
func (s *MemoryJobStore) Stats(_ context.Context) (*model.JobStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var st model.JobStats
	for _, j := range s.jobs {
		switch j.Status {
		case model.JobStatusStarted:
			st.Started++
		case model.JobStatusCompleted:
			st.Completed++
		case model.JobStatusTerminatedWithError:
			st.TerminatedWithError++
		}
	}
	return &st, nil
}

// FailStaleStarted terminates started jobs created more than maxAge ago.
func (s *MemoryJobStore) FailStaleStarted(_ context.Context, maxAge time.Duration, batchSize int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()
	var n int64
	for _, j := range s.jobs {
		if batchSize > 0 && n >= int64(batchSize) {
			break
		}
		if j.Status != model.JobStatusStarted || !j.CreatedAt.Before(now.Add(-maxAge)) {
			continue
		}
		msg := "job exceeded the maximum time in started status"
		j.Status = model.JobStatusTerminatedWithError
		j.ResultData = append(json.RawMessage(nil), model.EmptyResult...)
		j.LastError = &msg
		j.CompletedAt = &now
		j.UpdatedAt = now
		n++
	}
	return n, nil
}

// Len returns the number of stored jobs.
func (s *MemoryJobStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.jobs)
}

type memoryMessage struct {
	id          string
	topic       string
	payload     json.RawMessage
	status      string
	attempts    int
	maxAttempts int
	availableAt time.Time
	leaseUntil  time.Time
	createdAt   time.Time
	lastError   string
}

// MemoryQueue is an in-memory core.Queue with leases, fencing and dead-lettering.
// Nacked messages become available immediately.
type MemoryQueue struct {
	mu          sync.Mutex
	clock       *Clock
	maxAttempts int
	messages    []*memoryMessage
	subs        map[string][]chan struct{}

	// EnqueueErrs are returned, in order, by successive Enqueue calls before they succeed.
	EnqueueErrs []error
	// EnqueueCalls counts Enqueue invocations.
	EnqueueCalls int
}

var (
	_ core.Queue                 = (*MemoryQueue)(nil)
	_ core.QueueReaperRepository = (*MemoryQueue)(nil)
)

// NewMemoryQueue returns an empty queue. maxAttempts <= 0 selects 3.
func NewMemoryQueue(clock *Clock, maxAttempts int) *MemoryQueue {
	if clock == nil {
		clock = NewClock(TestTime())
	}
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	return &MemoryQueue{clock: clock, maxAttempts: maxAttempts, subs: make(map[string][]chan struct{})}
}

// Enqueue appends a ready message.
func (q *MemoryQueue) Enqueue(
	_ context.Context,
	topic string,
	payload json.RawMessage,
	opts model.EnqueueOptions,
) (*model.EnqueueAck, error) {
	q.mu.Lock()
	q.EnqueueCalls++
	if len(q.EnqueueErrs) > 0 {
		err := q.EnqueueErrs[0]
		q.EnqueueErrs = q.EnqueueErrs[1:]
		q.mu.Unlock()
		return nil, err
	}
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = q.maxAttempts
	}
	now := q.clock.Now()
	m := &memoryMessage{
		id:          uuid.NewString(),
		topic:       topic,
		payload:     append(json.RawMessage(nil), payload...),
		status:      "ready",
		maxAttempts: maxAttempts,
		availableAt: now,
		createdAt:   now,
	}
	q.messages = append(q.messages, m)
	subs := append([]chan struct{}(nil), q.subs[topic]...)
	q.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
	return &model.EnqueueAck{MessageID: m.id, Topic: topic}, nil
}

// Reserve leases the oldest available message on topic, first returning expired leases to ready.
func (q *MemoryQueue) Reserve(_ context.Context, topic string, lease time.Duration) (*model.Delivery, error) {
	if lease <= 0 {
		lease = 30 * time.Second
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	now := q.clock.Now()
	for _, m := range q.messages {
		if m.topic != topic || m.status != "leased" || !m.leaseUntil.Before(now) {
			continue
		}
		if m.attempts >= m.maxAttempts {
			m.status = "dead"
			m.lastError = "lease expired"
			continue
		}
		m.status = "ready"
	}
	for _, m := range q.messages {
		if m.topic != topic || m.status != "ready" || m.availableAt.After(now) {
			continue
		}
		m.status = "leased"
		m.attempts++
		m.leaseUntil = now.Add(lease)
		return &model.Delivery{
			ID:             m.id,
			Topic:          topic,
			Payload:        append(json.RawMessage(nil), m.payload...),
			Attempt:        m.attempts,
			MaxAttempts:    m.maxAttempts,
			LeaseExpiresAt: m.leaseUntil,
			EnqueuedAt:     m.createdAt,
		}, nil
	}
	return nil, model.ErrNoMessages
}

func (q *MemoryQueue) findLeased(d *model.Delivery) (int, *memoryMessage) {
	for i, m := range q.messages {
		if m.id == d.ID && m.status == "leased" && m.attempts == d.Attempt {
			return i, m
		}
	}
	return -1, nil
}

// Ack removes the message if d still holds its lease.
func (q *MemoryQueue) Ack(_ context.Context, d *model.Delivery) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if i, _ := q.findLeased(d); i >= 0 {
		q.messages = append(q.messages[:i], q.messages[i+1:]...)
	}
	return nil
}

// Nack returns the message to ready or dead-letters it once attempts are exhausted.
func (q *MemoryQueue) Nack(_ context.Context, d *model.Delivery, reason string) (model.NackOutcome, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, m := q.findLeased(d)
	if m == nil {
		return model.NackLost, nil
	}
	m.lastError = reason
	if m.attempts >= m.maxAttempts {
		m.status = "dead"
		return model.NackDead, nil
	}
	m.status = "ready"
	m.availableAt = q.clock.Now()
	return model.NackRetried, nil
}

// Extend renews the lease if d still holds it.
func (q *MemoryQueue) Extend(_ context.Context, d *model.Delivery, lease time.Duration) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, m := q.findLeased(d)
	if m == nil {
		return false, nil
	}
	m.leaseUntil = q.clock.Now().Add(lease)
	d.LeaseExpiresAt = m.leaseUntil
	return true, nil
}

// Subscribe registers a wake-up channel for topic.
func (q *MemoryQueue) Subscribe(topic string) (func(), <-chan struct{}) {
	ch := make(chan struct{}, 1)
	q.mu.Lock()
	q.subs[topic] = append(q.subs[topic], ch)
	q.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			q.mu.Lock()
			defer q.mu.Unlock()
			subs := q.subs[topic]
			for i, c := range subs {
				if c == ch {
					q.subs[topic] = append(subs[:i], subs[i+1:]...)
					break
				}
			}
		})
	}, ch
}

// Stats counts messages on topic by state.
func (q *MemoryQueue) Stats(_ context.Context, topic string) (*model.QueueStats, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var st model.QueueStats
	for _, m := range q.messages {
		if m.topic != topic {
			continue
		}
		switch m.status {
		case "ready":
			st.Ready++
		case "leased":
			st.Leased++
		case "dead":
			st.Dead++
		}
	}
	return &st, nil
}

// PurgeDead drops dead messages on topic. The age bound is ignored.
func (q *MemoryQueue) PurgeDead(_ context.Context, topic string, _ time.Duration, batchSize int) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	kept := q.messages[:0]
	var n int64
	for _, m := range q.messages {
		if m.topic == topic && m.status == "dead" && (batchSize <= 0 || n < int64(batchSize)) {
			n++
			continue
		}
		kept = append(kept, m)
	}
	q.messages = kept
	return n, nil
}

// Payloads returns the payloads of all messages on topic, in enqueue order.
func (q *MemoryQueue) Payloads(topic string) []json.RawMessage {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []json.RawMessage
	for _, m := range q.messages {
		if m.topic == topic {
			out = append(out, append(json.RawMessage(nil), m.payload...))
		}
	}
	return out
}

// MemoryUploads is an in-memory core.UploadStore.
type MemoryUploads struct {
	mu     sync.Mutex
	bodies map[string][]byte
	infos  map[string]core.UploadInfo
}

var _ core.UploadStore = (*MemoryUploads)(nil)

// NewMemoryUploads returns an empty upload store.
func NewMemoryUploads() *MemoryUploads {
	return &MemoryUploads{bodies: make(map[string][]byte), infos: make(map[string]core.UploadInfo)}
}

// Put stores the upload body.
func (u *MemoryUploads) Put(_ context.Context, up core.Upload) (model.FileRef, error) {
	body, err := io.ReadAll(up.Body)
	if err != nil {
		return model.FileRef{}, err
	}
	id := uuid.NewString()
	u.mu.Lock()
	defer u.mu.Unlock()
	u.bodies[id] = body
	u.infos[id] = core.UploadInfo{
		ID:          id,
		Owner:       up.Owner,
		Filename:    up.Filename,
		ContentType: up.ContentType,
		Size:        int64(len(body)),
		CreatedAt:   TestTime(),
	}
	return model.FileRef{UploadID: id, Filename: up.Filename}, nil
}

// Open returns the stored body.
func (u *MemoryUploads) Open(_ context.Context, id string) (io.ReadCloser, *core.UploadInfo, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	body, ok := u.bodies[id]
	if !ok {
		return nil, nil, core.ErrUploadNotFound
	}
	info := u.infos[id]
	return io.NopCloser(bytes.NewReader(body)), &info, nil
}

// ProcessorFunc adapts a function to core.Processor.
type ProcessorFunc func(ctx context.Context, req core.ProcessRequest) (json.RawMessage, error)

// Process calls f.
func (f ProcessorFunc) Process(ctx context.Context, req core.ProcessRequest) (json.RawMessage, error) {
	return f(ctx, req)
}
