package data

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/target/jobflow/internal/domain/model"
	domainqueue "github.com/target/jobflow/internal/domain/queue"
	apperrors "github.com/target/jobflow/internal/errors"
)

const (
	redisQueueGroup       = "workers"
	redisFieldKey         = "key"
	redisFieldPayload     = "payload"
	redisFieldMaxAttempts = "max_attempts"
	redisFieldEnqueuedAt  = "enqueued_at"
	redisFieldReason      = "reason"
)

// RedisQueueConfig configures the Redis Streams queue.
type RedisQueueConfig struct {
	Logger      *slog.Logger
	LeasePolicy *domainqueue.LeasePolicy
	KeyPrefix   string
	// Consumer names this process within the consumer group; generated when empty.
	Consumer    string
	MaxAttempts int
	// NotifyWaitWindow bounds each pub/sub wait; consumers are woken at least this often.
	NotifyWaitWindow time.Duration
	TimeProvider     TimeProvider
}

// RedisQueue implements the queue on Redis Streams. Each topic is a stream read
// by one consumer group. Lease expiries live in a sorted set keyed by delivery
// id, and a per-message attempts hash is the fencing token. Reserve, Ack, Nack
// and Extend each run as a single script so the fence check and the write
// cannot interleave with another consumer. Nacked messages are re-added at the
// tail without delay.
type RedisQueue struct {
	client       redis.UniversalClient
	cfg          RedisQueueConfig
	logger       *slog.Logger
	timeProvider TimeProvider
	notifier     *domainqueue.DefaultNotifier

	groupsMu sync.Mutex
	groups   map[string]bool
}

// NewRedisQueue constructs a RedisQueue over client.
func NewRedisQueue(client redis.UniversalClient, cfg RedisQueueConfig) *RedisQueue {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "jobflow:queue:"
	}
	if cfg.Consumer == "" {
		cfg.Consumer = "consumer-" + uuid.NewString()
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	q := &RedisQueue{
		client:       client,
		cfg:          cfg,
		logger:       logger.With("component", "redis_queue"),
		timeProvider: timeProviderOrReal(cfg.TimeProvider),
		groups:       make(map[string]bool),
	}
	q.notifier, _ = domainqueue.NewNotifier(domainqueue.NotifierOptions{
		Waiter:     q,
		WaitWindow: cfg.NotifyWaitWindow,
	})
	return q
}

// Keys share a hash tag so multi-key pipelines stay on one cluster slot.
func (q *RedisQueue) streamKey(topic string) string   { return q.cfg.KeyPrefix + "{" + topic + "}:stream" }
func (q *RedisQueue) deadKey(topic string) string     { return q.cfg.KeyPrefix + "{" + topic + "}:dead" }
func (q *RedisQueue) attemptsKey(topic string) string { return q.cfg.KeyPrefix + "{" + topic + "}:attempts" }
func (q *RedisQueue) leasesKey(topic string) string   { return q.cfg.KeyPrefix + "{" + topic + "}:leases" }

func (q *RedisQueue) topicKeys(topic string) []string {
	return []string{q.streamKey(topic), q.leasesKey(topic), q.attemptsKey(topic), q.deadKey(topic)}
}
func (q *RedisQueue) wakeChannel(topic string) string { return q.cfg.KeyPrefix + topic + ":wake" }

func (q *RedisQueue) ensureGroup(ctx context.Context, topic string) error {
	q.groupsMu.Lock()
	defer q.groupsMu.Unlock()
	if q.groups[topic] {
		return nil
	}
	err := q.client.XGroupCreateMkStream(ctx, q.streamKey(topic), redisQueueGroup, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create consumer group: %w", err)
	}
	q.groups[topic] = true
	return nil
}

// Enqueue appends the message to the topic stream and publishes a wake-up.
func (q *RedisQueue) Enqueue(
	ctx context.Context,
	topic string,
	payload json.RawMessage,
	opts model.EnqueueOptions,
) (*model.EnqueueAck, error) {
	if strings.TrimSpace(topic) == "" {
		return nil, apperrors.Validation("topic is required")
	}
	if !json.Valid(payload) {
		return nil, apperrors.Validation("payload must be valid JSON")
	}
	if err := q.ensureGroup(ctx, topic); err != nil {
		return nil, err
	}
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = q.cfg.MaxAttempts
	}

	key := uuid.NewString()
	_, err := q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: q.streamKey(topic),
		Values: map[string]any{
			redisFieldKey:         key,
			redisFieldPayload:     string(payload),
			redisFieldMaxAttempts: maxAttempts,
			redisFieldEnqueuedAt:  q.timeProvider.Now().UnixMilli(),
		},
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("xadd: %w", err)
	}
	if err := q.client.Publish(ctx, q.wakeChannel(topic), key).Err(); err != nil {
		q.logger.WarnContext(ctx, "publish wake-up failed", "topic", topic, "error", err)
	}
	return &model.EnqueueAck{MessageID: key, Topic: topic}, nil
}

// Reserve hands out the oldest entry whose lease has expired, otherwise the next
// unread entry. Expired entries that have spent their attempts are moved to the
// dead stream instead.
func (q *RedisQueue) Reserve(ctx context.Context, topic string, lease time.Duration) (*model.Delivery, error) {
	if err := q.ensureGroup(ctx, topic); err != nil {
		return nil, err
	}
	now := q.timeProvider.Now()
	leaseDur := q.resolveLease(lease)

	res, err := reserveScript.Run(ctx, q.client, q.topicKeys(topic),
		redisQueueGroup, q.cfg.Consumer, now.UnixMilli(), leaseDur.Milliseconds(),
		q.cfg.MaxAttempts, reasonLeaseExpired,
	).Slice()
	if errors.Is(err, redis.Nil) {
		return nil, model.ErrNoMessages
	}
	if err != nil {
		return nil, fmt.Errorf("reserve: %w", err)
	}
	return q.toDelivery(topic, res, now.Add(leaseDur))
}

func (q *RedisQueue) toDelivery(topic string, res []any, leaseExpiresAt time.Time) (*model.Delivery, error) {
	if len(res) != 3 {
		return nil, fmt.Errorf("reserve: unexpected reply length %d", len(res))
	}
	entryID, _ := res[0].(string)
	attempt, _ := res[1].(int64)
	raw, _ := res[2].([]any)
	values := make(map[string]any, len(raw)/2)
	for i := 0; i+1 < len(raw); i += 2 {
		if name, ok := raw[i].(string); ok {
			values[name] = raw[i+1]
		}
	}

	key, _ := values[redisFieldKey].(string)
	payload, _ := values[redisFieldPayload].(string)
	if entryID == "" || key == "" {
		return nil, fmt.Errorf("reserve: malformed entry %q", entryID)
	}
	enqueuedMs := parseIntField(values[redisFieldEnqueuedAt], 0)

	return &model.Delivery{
		ID:             entryID + "|" + key,
		Topic:          topic,
		Payload:        json.RawMessage(payload),
		Attempt:        int(attempt),
		MaxAttempts:    parseIntField(values[redisFieldMaxAttempts], q.cfg.MaxAttempts),
		LeaseExpiresAt: leaseExpiresAt,
		EnqueuedAt:     time.UnixMilli(int64(enqueuedMs)).UTC(),
	}, nil
}

func (q *RedisQueue) resolveLease(lease time.Duration) time.Duration {
	if d := q.cfg.LeasePolicy.Resolve(lease).Duration(); d > 0 {
		return d
	}
	return fallbackLease
}

func parseIntField(v any, fallback int) int {
	s, ok := v.(string)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return fallback
	}
	return n
}

func splitDeliveryID(id string) (entryID, key string, err error) {
	entryID, key, ok := strings.Cut(id, "|")
	if !ok || entryID == "" || key == "" {
		return "", "", fmt.Errorf("malformed delivery id %q", id)
	}
	return entryID, key, nil
}

// Ack acknowledges and deletes the entry. An ack from a holder whose lease was
// taken over is logged and dropped.
func (q *RedisQueue) Ack(ctx context.Context, d *model.Delivery) error {
	entryID, key, err := splitDeliveryID(d.ID)
	if err != nil {
		return err
	}
	held, err := ackScript.Run(ctx, q.client, q.topicKeys(d.Topic),
		redisQueueGroup, entryID, key, d.Attempt,
	).Bool()
	if err != nil {
		return fmt.Errorf("ack message: %w", err)
	}
	if !held {
		q.logger.WarnContext(ctx, "ack after lease lost", "message_id", d.ID, "attempt", d.Attempt)
	}
	return nil
}

// Nack re-adds the message at the tail of the stream, or moves it to the dead
// stream once its attempts are spent.
func (q *RedisQueue) Nack(ctx context.Context, d *model.Delivery, reason string) (model.NackOutcome, error) {
	entryID, key, err := splitDeliveryID(d.ID)
	if err != nil {
		return "", err
	}

	outcome, dead := model.NackRetried, "0"
	args := []any{redisQueueGroup, entryID, key, d.Attempt, dead,
		redisFieldKey, key,
		redisFieldPayload, string(d.Payload),
		redisFieldMaxAttempts, d.MaxAttempts,
		redisFieldEnqueuedAt, d.EnqueuedAt.UnixMilli(),
	}
	if d.LastAttempt() {
		outcome = model.NackDead
		args[4] = "1"
		args = append(args, redisFieldReason, truncateReason(reason))
	}

	held, err := nackScript.Run(ctx, q.client, q.topicKeys(d.Topic), args...).Bool()
	if err != nil {
		return "", fmt.Errorf("nack message: %w", err)
	}
	if !held {
		return model.NackLost, nil
	}
	if outcome == model.NackRetried {
		_ = q.client.Publish(ctx, q.wakeChannel(d.Topic), key).Err()
	}
	return outcome, nil
}

// Extend pushes the lease expiry out by lease, provided d still holds it.
func (q *RedisQueue) Extend(ctx context.Context, d *model.Delivery, lease time.Duration) (bool, error) {
	entryID, key, err := splitDeliveryID(d.ID)
	if err != nil {
		return false, err
	}
	now := q.timeProvider.Now()
	expiresAt := now.Add(q.resolveLease(lease))

	held, err := extendScript.Run(ctx, q.client, q.topicKeys(d.Topic),
		entryID, key, d.Attempt, expiresAt.UnixMilli(),
	).Bool()
	if err != nil {
		return false, fmt.Errorf("extend lease: %w", err)
	}
	if held {
		d.LeaseExpiresAt = expiresAt
	}
	return held, nil
}

// Subscribe returns a channel signalled on wake-ups for topic.
func (q *RedisQueue) Subscribe(topic string) (func(), <-chan struct{}) {
	return q.notifier.Subscribe(topic)
}

// Close stops all notification listeners.
func (q *RedisQueue) Close() {
	q.notifier.StopAll()
}

// WaitForNotification blocks until a wake-up is published for topic.
func (q *RedisQueue) WaitForNotification(ctx context.Context, topic string) error {
	sub := q.client.Subscribe(ctx, q.wakeChannel(topic))
	defer func() { _ = sub.Close() }()
	_, err := sub.ReceiveMessage(ctx)
	return err
}

// Stats reports ready, leased and dead counts for topic.
func (q *RedisQueue) Stats(ctx context.Context, topic string) (*model.QueueStats, error) {
	if err := q.ensureGroup(ctx, topic); err != nil {
		return nil, err
	}
	stream := q.streamKey(topic)
	pipe := q.client.Pipeline()
	total := pipe.XLen(ctx, stream)
	pending := pipe.XPending(ctx, stream, redisQueueGroup)
	dead := pipe.XLen(ctx, q.deadKey(topic))
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("queue stats: %w", err)
	}
	leased := int64(0)
	if p, err := pending.Result(); err == nil {
		leased = p.Count
	}
	return &model.QueueStats{
		Ready:  int(max(total.Val()-leased, 0)),
		Leased: int(leased),
		Dead:   int(dead.Val()),
	}, nil
}

// PurgeDead trims dead entries older than olderThan. batchSize is advisory:
// Redis trims by stream id, so all qualifying entries go at once.
func (q *RedisQueue) PurgeDead(ctx context.Context, topic string, olderThan time.Duration, _ int) (int64, error) {
	minID := strconv.FormatInt(q.timeProvider.Now().Add(-olderThan).UnixMilli(), 10) + "-0"
	n, err := q.client.XTrimMinID(ctx, q.deadKey(topic), minID).Result()
	if err != nil {
		return 0, fmt.Errorf("purge dead messages: %w", err)
	}
	return n, nil
}
