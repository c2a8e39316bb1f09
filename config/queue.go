package config

import (
	"fmt"
	"strings"
	"time"
)

// QueueBackend selects the queue implementation.
type QueueBackend string

const (
	// QueueBackendPostgres stores messages in the queue_messages table.
	QueueBackendPostgres QueueBackend = "postgres"
	// QueueBackendRedis stores messages in Redis Streams.
	QueueBackendRedis QueueBackend = "redis"
)

// UnmarshalText implements encoding.TextUnmarshaler for QueueBackend.
func (b *QueueBackend) UnmarshalText(text []byte) error {
	v := strings.ToLower(strings.TrimSpace(string(text)))
	switch v {
	case "postgres", "redis":
		*b = QueueBackend(v)
		return nil
	default:
		return fmt.Errorf("invalid QueueBackend: %q (valid options: postgres, redis)", v)
	}
}

// QueueConfig contains queue and submission-side enqueue configuration.
type QueueConfig struct {
	Backend QueueBackend `env:"BACKEND" envDefault:"postgres"`

	// DefaultLease applies when a consumer does not request a lease; MaxLease caps requests.
	DefaultLease time.Duration `env:"DEFAULT_LEASE" envDefault:"30s"`
	MaxLease     time.Duration `env:"MAX_LEASE"     envDefault:"10m"`

	// MaxAttempts bounds deliveries before a message is dead-lettered.
	MaxAttempts int `env:"MAX_ATTEMPTS" envDefault:"3"`

	// RetryDelay is multiplied by the attempt number to delay a nacked message.
	RetryDelay time.Duration `env:"RETRY_DELAY" envDefault:"5s"`

	// NotifyWaitWindow bounds each LISTEN / pub-sub wait.
	NotifyWaitWindow time.Duration `env:"NOTIFY_WAIT_WINDOW" envDefault:"30s"`

	// EnqueueAttempts and EnqueueBackoff drive the submission retry loop.
	EnqueueAttempts int           `env:"ENQUEUE_ATTEMPTS" envDefault:"3"`
	EnqueueBackoff  time.Duration `env:"ENQUEUE_BACKOFF"  envDefault:"200ms"`
}

// Sanitize applies guardrails to queue configuration values.
func (q *QueueConfig) Sanitize() {
	if q.Backend == "" {
		q.Backend = QueueBackendPostgres
	}
	if q.DefaultLease < time.Second {
		q.DefaultLease = time.Second
	}
	if q.MaxLease < q.DefaultLease {
		q.MaxLease = q.DefaultLease
	}
	if q.MaxAttempts < 1 {
		q.MaxAttempts = 1
	}
	if q.RetryDelay < 0 {
		q.RetryDelay = 0
	}
	if q.NotifyWaitWindow < time.Second {
		q.NotifyWaitWindow = time.Second
	}
	if q.EnqueueAttempts < 1 {
		q.EnqueueAttempts = 1
	}
	if q.EnqueueBackoff < 0 {
		q.EnqueueBackoff = 0
	}
}

// WorkerConfig contains worker pool configuration.
type WorkerConfig struct {
	// Concurrency is the number of consumer goroutines.
	Concurrency int `env:"CONCURRENCY" envDefault:"2"`

	// Lease is the lease requested per delivery; the heartbeat renews it every Lease/3.
	Lease time.Duration `env:"LEASE" envDefault:"30s"`

	// CancelPollInterval is how often a running job's cancellation flag is checked.
	CancelPollInterval time.Duration `env:"CANCEL_POLL_INTERVAL" envDefault:"2s"`

	// IdlePoll is the fallback poll when no wake-up arrives.
	IdlePoll time.Duration `env:"IDLE_POLL" envDefault:"5s"`

	// StoreTimeout bounds each job store call made while handling a delivery.
	StoreTimeout time.Duration `env:"STORE_TIMEOUT" envDefault:"10s"`
}

// Sanitize applies guardrails to worker configuration values. The lease is
// clamped into the queue's lease policy bounds.
func (w *WorkerConfig) Sanitize(q QueueConfig) {
	if w.Concurrency < 1 {
		w.Concurrency = 1
	}
	if w.Lease < 3*time.Second {
		w.Lease = 3 * time.Second
	}
	if q.MaxLease > 0 && w.Lease > q.MaxLease {
		w.Lease = q.MaxLease
	}
	if w.CancelPollInterval < 100*time.Millisecond {
		w.CancelPollInterval = 100 * time.Millisecond
	}
	if w.IdlePoll < 100*time.Millisecond {
		w.IdlePoll = 100 * time.Millisecond
	}
	if w.StoreTimeout <= 0 {
		w.StoreTimeout = 10 * time.Second
	}
}

// ProcessorKind selects the Processor implementation.
type ProcessorKind string

const (
	// ProcessorKindDelay simulates processing by sleeping.
	ProcessorKindDelay ProcessorKind = "delay"
	// ProcessorKindRemote posts the job's files to an HTTP endpoint.
	ProcessorKindRemote ProcessorKind = "remote"
)

// UnmarshalText implements encoding.TextUnmarshaler for ProcessorKind.
func (k *ProcessorKind) UnmarshalText(text []byte) error {
	v := strings.ToLower(strings.TrimSpace(string(text)))
	switch v {
	case "delay", "remote":
		*k = ProcessorKind(v)
		return nil
	default:
		return fmt.Errorf("invalid ProcessorKind: %q (valid options: delay, remote)", v)
	}
}

// ProcessorConfig selects and tunes the content processor.
type ProcessorConfig struct {
	Kind ProcessorKind `env:"KIND" envDefault:"delay"`

	// Delay is how long the simulated processor takes per job.
	Delay time.Duration `env:"DELAY" envDefault:"5s"`

	RemoteURL     string        `env:"REMOTE_URL"`
	RemoteToken   string        `env:"REMOTE_TOKEN"`
	RemoteTimeout time.Duration `env:"REMOTE_TIMEOUT" envDefault:"2m"`
	// RemoteRetries retries transport errors and 5xx responses within one attempt.
	RemoteRetries int `env:"REMOTE_RETRIES" envDefault:"2"`
}

// Sanitize applies guardrails to processor configuration values.
func (p *ProcessorConfig) Sanitize() {
	if p.Kind == "" {
		p.Kind = ProcessorKindDelay
	}
	if p.Delay < 0 {
		p.Delay = 0
	}
	p.RemoteURL = strings.TrimSpace(p.RemoteURL)
	if p.RemoteTimeout <= 0 {
		p.RemoteTimeout = 2 * time.Minute
	}
	if p.RemoteRetries < 0 {
		p.RemoteRetries = 0
	}
}

// Validate reports configuration that cannot work.
func (p *ProcessorConfig) Validate() error {
	if p.Kind == ProcessorKindRemote && p.RemoteURL == "" {
		return fmt.Errorf("PROCESSOR_REMOTE_URL is required when PROCESSOR_KIND=remote")
	}
	return nil
}
