package data

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/target/jobflow/internal/data/pgxutil"
	"github.com/target/jobflow/internal/domain/model"
	domainqueue "github.com/target/jobflow/internal/domain/queue"
	apperrors "github.com/target/jobflow/internal/errors"
)

const (
	defaultMaxAttempts = 3
	defaultRetryDelay  = 5 * time.Second
	notifyChannelBase  = "queue_"
	fallbackLease      = 30 * time.Second
	reasonLeaseExpired = "lease expired"
)

// QueueRepoConfig configures the Postgres queue.
type QueueRepoConfig struct {
	Logger       *slog.Logger
	TimeProvider TimeProvider
	LeasePolicy  *domainqueue.LeasePolicy
	// MaxAttempts applies when an enqueue does not specify its own bound.
	MaxAttempts int
	// RetryDelay is multiplied by the attempt number to schedule a nacked message.
	RetryDelay time.Duration
	// NotifyWaitWindow bounds each LISTEN; consumers are woken at least this often.
	NotifyWaitWindow time.Duration
}

// QueueRepo is a durable at-least-once queue stored in the queue_messages table.
// Deliveries are leased with FOR UPDATE SKIP LOCKED; the attempts counter doubles
// as a fencing token so a consumer whose lease expired cannot ack another's delivery.
type QueueRepo struct {
	DB           *sql.DB
	cfg          QueueRepoConfig
	timeProvider TimeProvider
	logger       *slog.Logger
	notifier     *domainqueue.DefaultNotifier
}

// NewQueueRepo constructs a QueueRepo and its LISTEN-backed notifier.
func NewQueueRepo(db *sql.DB, cfg QueueRepoConfig) *QueueRepo {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = defaultRetryDelay
	}
	r := &QueueRepo{
		DB:           db,
		cfg:          cfg,
		timeProvider: timeProviderOrReal(cfg.TimeProvider),
		logger:       logger.With("component", "queue_repo"),
	}
	// NewNotifier only fails without a waiter.
	r.notifier, _ = domainqueue.NewNotifier(domainqueue.NotifierOptions{
		Waiter:     r,
		WaitWindow: cfg.NotifyWaitWindow,
	})
	return r
}

// resolveLease applies the lease policy, falling back to fallbackLease without one.
func (r *QueueRepo) resolveLease(lease time.Duration) domainqueue.LeaseDecision {
	decision := r.cfg.LeasePolicy.Resolve(lease)
	if decision.Seconds <= 0 {
		decision.Seconds = int(fallbackLease / time.Second)
	}
	return decision
}

func notifyChannel(topic string) string {
	return notifyChannelBase + topic
}

// Enqueue inserts a ready message and signals listeners in the same transaction.
func (r *QueueRepo) Enqueue(
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
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = r.cfg.MaxAttempts
	}

	var id string
	err := pgxutil.WithPgxTx(ctx, r.DB, pgxutil.TxConfig{
		Fn: func(tx pgx.Tx) error {
			now := r.timeProvider.Now()
			if err := tx.QueryRow(ctx, `
				INSERT INTO queue_messages (topic, payload, max_attempts, available_at, created_at, updated_at)
				VALUES ($1, $2, $3, $4, $4, $4)
				RETURNING id::text`,
				topic, []byte(payload), maxAttempts, now,
			).Scan(&id); err != nil {
				return fmt.Errorf("insert message: %w", err)
			}
			if _, err := tx.Exec(ctx, `SELECT pg_notify($1::text, $2::text)`, notifyChannel(topic), id); err != nil {
				return fmt.Errorf("send queue notification: %w", err)
			}
			return nil
		},
	})
	if err != nil {
		return nil, apperrors.MapDBError(err)
	}
	r.notifier.Notify(topic)
	return &model.EnqueueAck{MessageID: id, Topic: topic}, nil
}

const reserveNextSQL = `
  WITH cte AS (
    SELECT id FROM queue_messages
    WHERE topic = $1 AND status = 'ready' AND available_at <= $2
    ORDER BY created_at, id
    LIMIT 1
    FOR UPDATE SKIP LOCKED
  )
  UPDATE queue_messages q
  SET status = 'leased',
      attempts = q.attempts + 1,
      lease_expires_at = $3,
      updated_at = $2
  FROM cte
  WHERE q.id = cte.id
  RETURNING q.id::text, q.topic, q.payload, q.attempts, q.max_attempts, q.lease_expires_at, q.created_at`

// Reserve leases the oldest ready message on topic.
func (r *QueueRepo) Reserve(ctx context.Context, topic string, lease time.Duration) (*model.Delivery, error) {
	if _, err := r.requeueExpired(ctx, topic); err != nil {
		return nil, fmt.Errorf("requeue expired messages: %w", err)
	}

	decision := r.resolveLease(lease)

	var d *model.Delivery
	err := pgxutil.WithPgxTx(ctx, r.DB, pgxutil.TxConfig{
		Opts: &sql.TxOptions{Isolation: sql.LevelReadCommitted},
		Fn: func(tx pgx.Tx) error {
			now := r.timeProvider.Now()
			var (
				del     model.Delivery
				payload []byte
			)
			err := tx.QueryRow(ctx, reserveNextSQL, topic, now, now.Add(decision.Duration())).Scan(
				&del.ID, &del.Topic, &payload, &del.Attempt, &del.MaxAttempts, &del.LeaseExpiresAt, &del.EnqueuedAt,
			)
			if errors.Is(err, pgx.ErrNoRows) {
				return model.ErrNoMessages
			}
			if err != nil {
				return fmt.Errorf("reserve message: %w", err)
			}
			del.Payload = payload
			d = &del
			return nil
		},
	})
	if err != nil {
		if errors.Is(err, model.ErrNoMessages) {
			return nil, model.ErrNoMessages
		}
		return nil, apperrors.MapDBError(err)
	}
	return d, nil
}

// Ack removes a delivered message. A lost lease is logged and not treated as an error.
func (r *QueueRepo) Ack(ctx context.Context, d *model.Delivery) error {
	res, err := r.DB.ExecContext(ctx, `
		DELETE FROM queue_messages
		WHERE id = $1 AND status = 'leased' AND attempts = $2`,
		d.ID, d.Attempt,
	)
	if err != nil {
		return fmt.Errorf("ack message: %w", apperrors.MapDBError(err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		r.logger.WarnContext(ctx, "ack after lease lost", "message_id", d.ID, "attempt", d.Attempt)
	}
	return nil
}

// Nack returns a delivery for retry after RetryDelay*attempt, or dead-letters it
// once attempts reach max_attempts.
func (r *QueueRepo) Nack(ctx context.Context, d *model.Delivery, reason string) (model.NackOutcome, error) {
	now := r.timeProvider.Now()
	retryAt := now.Add(r.cfg.RetryDelay * time.Duration(max(d.Attempt, 1)))

	var status string
	err := r.DB.QueryRowContext(ctx, `
		UPDATE queue_messages
		SET status = CASE WHEN attempts >= max_attempts THEN 'dead' ELSE 'ready' END,
		    available_at = CASE WHEN attempts >= max_attempts THEN available_at ELSE $3 END,
		    lease_expires_at = NULL,
		    last_error = $4,
		    updated_at = $5
		WHERE id = $1 AND status = 'leased' AND attempts = $2
		RETURNING status`,
		d.ID, d.Attempt, retryAt, truncateReason(reason), now,
	).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return model.NackLost, nil
	}
	if err != nil {
		return "", fmt.Errorf("nack message: %w", apperrors.MapDBError(err))
	}
	if status == "dead" {
		return model.NackDead, nil
	}
	return model.NackRetried, nil
}

// Extend renews the lease for d.
func (r *QueueRepo) Extend(ctx context.Context, d *model.Delivery, lease time.Duration) (bool, error) {
	decision := r.resolveLease(lease)
	now := r.timeProvider.Now()
	expires := now.Add(decision.Duration())

	res, err := r.DB.ExecContext(ctx, `
		UPDATE queue_messages
		SET lease_expires_at = $3, updated_at = $4
		WHERE id = $1 AND status = 'leased' AND attempts = $2`,
		d.ID, d.Attempt, expires, now,
	)
	if err != nil {
		return false, fmt.Errorf("extend lease: %w", apperrors.MapDBError(err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("extend lease rows affected: %w", err)
	}
	if n == 0 {
		return false, nil
	}
	d.LeaseExpiresAt = expires
	return true, nil
}

// Subscribe returns a channel signalled when topic may have ready messages.
func (r *QueueRepo) Subscribe(topic string) (func(), <-chan struct{}) {
	return r.notifier.Subscribe(topic)
}

// Close stops all notification listeners.
func (r *QueueRepo) Close() {
	r.notifier.StopAll()
}

// WaitForNotification blocks on LISTEN for the topic channel.
func (r *QueueRepo) WaitForNotification(ctx context.Context, topic string) error {
	conn, err := r.DB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("get conn from pool: %w", err)
	}
	defer func() { _ = conn.Close() }()

	quoted := pgx.Identifier{notifyChannel(topic)}.Sanitize()
	if _, err := conn.ExecContext(ctx, "LISTEN "+quoted); err != nil {
		return fmt.Errorf("listen %s: %w", topic, err)
	}
	defer func() {
		_, _ = conn.ExecContext(context.Background(), "UNLISTEN "+quoted)
	}()

	return pgxutil.WithConnRaw(conn, func(pc *pgx.Conn) error {
		_, err := pc.WaitForNotification(ctx)
		return err
	})
}

// Stats returns message counts for topic.
func (r *QueueRepo) Stats(ctx context.Context, topic string) (*model.QueueStats, error) {
	var s model.QueueStats
	err := r.DB.QueryRowContext(ctx, `
		SELECT
		  count(*) FILTER (WHERE status = 'ready'),
		  count(*) FILTER (WHERE status = 'leased'),
		  count(*) FILTER (WHERE status = 'dead')
		FROM queue_messages
		WHERE topic = $1`, topic,
	).Scan(&s.Ready, &s.Leased, &s.Dead)
	if err != nil {
		return nil, fmt.Errorf("queue stats: %w", apperrors.MapDBError(err))
	}
	return &s, nil
}

// PurgeDead deletes dead-lettered messages on topic older than olderThan.
func (r *QueueRepo) PurgeDead(ctx context.Context, topic string, olderThan time.Duration, batchSize int) (int64, error) {
	var rowsAffected int64
	err := pgxutil.WithSQLTx(ctx, r.DB, pgxutil.SQLTxConfig{
		Fn: func(tx *sql.Tx) error {
			locked, err := tryAdvisoryXactLock(ctx, tx, advisoryLockReaperMajor, advisoryLockReaperPurgeDead)
			if err != nil || !locked {
				return err
			}
			res, err := tx.ExecContext(ctx, `
				DELETE FROM queue_messages
				WHERE id IN (
					SELECT id FROM queue_messages
					WHERE topic = $1 AND status = 'dead' AND updated_at < $2
					ORDER BY updated_at
					LIMIT $3
				)`, topic, r.timeProvider.Now().Add(-olderThan), batchSize)
			if err != nil {
				return fmt.Errorf("purge dead messages: %w", err)
			}
			rowsAffected, err = res.RowsAffected()
			return err
		},
	})
	if err != nil {
		return 0, err
	}
	return rowsAffected, nil
}

// Advisory lock namespace for requeueExpired, keyed per topic.
const advisoryLockRequeueMajor int64 = 1001

func advisoryLockRequeueMinor(topic string) int64 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(topic))
	return int64(h.Sum32() & math.MaxInt32)
}

// requeueExpired makes messages whose lease lapsed ready again. The attempts
// counter is kept, so the next consumer sees the redelivery count. A message
// that lapsed on its final attempt is dead-lettered.
func (r *QueueRepo) requeueExpired(ctx context.Context, topic string) (int64, error) {
	var requeued, dead int64
	err := pgxutil.WithSQLTx(ctx, r.DB, pgxutil.SQLTxConfig{
		Fn: func(tx *sql.Tx) error {
			locked, err := tryAdvisoryXactLock(ctx, tx, advisoryLockRequeueMajor, advisoryLockRequeueMinor(topic))
			if err != nil || !locked {
				return err
			}
			now := r.timeProvider.Now()
			rows, err := tx.QueryContext(ctx, `
				UPDATE queue_messages
				SET status = CASE WHEN attempts >= max_attempts THEN 'dead' ELSE 'ready' END,
				    last_error = CASE WHEN attempts >= max_attempts THEN $3 ELSE last_error END,
				    lease_expires_at = NULL,
				    available_at = $2,
				    updated_at = $2
				WHERE topic = $1 AND status = 'leased' AND lease_expires_at < $2
				RETURNING status`,
				topic, now, reasonLeaseExpired,
			)
			if err != nil {
				return fmt.Errorf("requeue expired: %w", err)
			}
			defer func() { _ = rows.Close() }()
			for rows.Next() {
				var status string
				if err := rows.Scan(&status); err != nil {
					return fmt.Errorf("scan requeued status: %w", err)
				}
				if status == "dead" {
					dead++
				} else {
					requeued++
				}
			}
			return rows.Err()
		},
	})
	if err != nil {
		return 0, err
	}
	if requeued > 0 || dead > 0 {
		r.logger.InfoContext(ctx, "expired leases released", "topic", topic, "requeued", requeued, "dead", dead)
	}
	return requeued + dead, nil
}

func truncateReason(reason string) string {
	const maxReason = 2000
	if len(reason) > maxReason {
		return reason[:maxReason]
	}
	return reason
}
