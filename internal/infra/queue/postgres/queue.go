// Package postgres implements the scanning work queue on PostgreSQL.
// Delivery is claim-based: FOR UPDATE SKIP LOCKED claims hide a message for
// a visibility window, unacked messages reappear automatically, and
// messages that exhaust their delivery budget move to a dead-letter table.
// Dispatch is group-fair: ready messages from groups with fewer in-flight
// deliveries are served first, so a small tenant's items never dwell behind
// a large tenant's backlog.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/datasentry/internal/domain/scanning"
	"github.com/ahrav/datasentry/internal/infra/storage"
	"github.com/ahrav/datasentry/pkg/common/logger"
)

const deadLetterReason = "max delivery attempts exceeded"

var queueAttributes = []attribute.KeyValue{
	attribute.String("db.system", "postgresql"),
	attribute.String("component", "work_queue"),
}

// Config contains the delivery-semantics knobs for the queue.
type Config struct {
	// VisibilityTimeout is how long a claimed message stays hidden before
	// automatic redelivery.
	VisibilityTimeout time.Duration

	// MaxDeliveryAttempts is how many deliveries a message gets before it
	// is routed to the dead-letter table.
	MaxDeliveryAttempts int

	// PollInterval is the sleep between claim attempts while long-polling.
	PollInterval time.Duration
}

// DefaultConfig returns the production delivery semantics.
func DefaultConfig() Config {
	return Config{
		VisibilityTimeout:   300 * time.Second,
		MaxDeliveryAttempts: 3,
		PollInterval:        time.Second,
	}
}

var _ scanning.WorkQueue = (*workQueue)(nil)

// workQueue implements scanning.WorkQueue on a pgx connection pool.
type workQueue struct {
	pool   *pgxpool.Pool
	cfg    Config
	logger *logger.Logger
	tracer trace.Tracer
}

// NewWorkQueue creates a Postgres-backed work queue.
func NewWorkQueue(pool *pgxpool.Pool, cfg Config, log *logger.Logger, tracer trace.Tracer) *workQueue {
	if cfg.VisibilityTimeout <= 0 {
		cfg.VisibilityTimeout = DefaultConfig().VisibilityTimeout
	}
	if cfg.MaxDeliveryAttempts <= 0 {
		cfg.MaxDeliveryAttempts = DefaultConfig().MaxDeliveryAttempts
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultConfig().PollInterval
	}
	return &workQueue{
		pool:   pool,
		cfg:    cfg,
		logger: log.With("component", "work_queue"),
		tracer: tracer,
	}
}

// Publish enqueues one message under its fairness group.
func (q *workQueue) Publish(ctx context.Context, msg scanning.ItemMessage) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal queue payload: %w", err)
	}

	attrs := append(queueAttributes, attribute.String("group_key", msg.GroupKey()))

	return storage.ExecuteAndTrace(ctx, q.tracer, "queue.publish", attrs, func(ctx context.Context) error {
		_, err := q.pool.Exec(ctx, `
			INSERT INTO queue_messages (group_key, payload)
			VALUES ($1, $2)`,
			msg.GroupKey(),
			payload,
		)
		if err != nil {
			return fmt.Errorf("publish insert error: %w", err)
		}
		return nil
	})
}

// Receive long-polls for up to wait, claiming at most maxBatch messages.
// Returns ErrNoMessages when the wait elapses with nothing ready.
func (q *workQueue) Receive(ctx context.Context, maxBatch int, wait time.Duration) ([]scanning.Delivery, error) {
	deadline := time.Now().Add(wait)

	for {
		deliveries, err := q.claim(ctx, maxBatch)
		if err != nil {
			return nil, err
		}
		if len(deliveries) > 0 {
			return deliveries, nil
		}
		if time.Now().After(deadline) {
			return nil, scanning.ErrNoMessages
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(q.cfg.PollInterval):
		}
	}
}

// claim performs one fairness-ordered claim pass: sweep exhausted messages
// to the dead-letter table, then lock and hide the best-placed ready rows.
func (q *workQueue) claim(ctx context.Context, maxBatch int) ([]scanning.Delivery, error) {
	var deliveries []scanning.Delivery

	err := storage.ExecuteAndTrace(ctx, q.tracer, "queue.claim", queueAttributes, func(ctx context.Context) error {
		tx, err := q.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("claim begin error: %w", err)
		}
		defer func() { _ = tx.Rollback(ctx) }()

		// Messages whose redelivery budget is spent go to the dead-letter
		// table instead of being delivered again.
		tag, err := tx.Exec(ctx, `
			WITH exhausted AS (
				DELETE FROM queue_messages
				WHERE visible_at <= NOW() AND delivery_attempts >= $1
				RETURNING group_key, payload, delivery_attempts, enqueued_at
			)
			INSERT INTO dead_letters (group_key, payload, delivery_attempts, first_enqueued_at, reason)
			SELECT group_key, payload, delivery_attempts, enqueued_at, $2
			FROM exhausted`,
			q.cfg.MaxDeliveryAttempts,
			deadLetterReason,
		)
		if err != nil {
			return fmt.Errorf("dead-letter sweep error: %w", err)
		}
		if n := tag.RowsAffected(); n > 0 {
			q.logger.Warn(ctx, "messages routed to dead-letter path", "count", n)
		}

		claimToken := uuid.New()

		rows, err := tx.Query(ctx, `
			WITH inflight AS (
				SELECT group_key, COUNT(*) AS n
				FROM queue_messages
				WHERE visible_at > NOW()
				GROUP BY group_key
			),
			ready AS (
				SELECT m.id
				FROM queue_messages m
				LEFT JOIN inflight i ON i.group_key = m.group_key
				WHERE m.visible_at <= NOW()
				ORDER BY COALESCE(i.n, 0) ASC, m.id ASC
				LIMIT $1
				FOR UPDATE OF m SKIP LOCKED
			)
			UPDATE queue_messages m
			SET visible_at = NOW() + make_interval(secs => $2),
			    delivery_attempts = m.delivery_attempts + 1,
			    claim_token = $3::uuid
			FROM ready r
			WHERE m.id = r.id
			RETURNING m.id, m.payload, m.delivery_attempts`,
			maxBatch,
			q.cfg.VisibilityTimeout.Seconds(),
			claimToken.String(),
		)
		if err != nil {
			return fmt.Errorf("claim query error: %w", err)
		}

		for rows.Next() {
			var (
				id       int64
				payload  []byte
				attempts int
			)
			if err := rows.Scan(&id, &payload, &attempts); err != nil {
				rows.Close()
				return fmt.Errorf("claim scan error: %w", err)
			}

			var msg scanning.ItemMessage
			if err := json.Unmarshal(payload, &msg); err != nil {
				rows.Close()
				return fmt.Errorf("claim unmarshal error: %w", err)
			}

			deliveries = append(deliveries, scanning.Delivery{
				Message:  msg,
				Handle:   scanning.DeliveryHandle{MessageID: id, ClaimToken: claimToken},
				Attempts: attempts,
			})
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		return tx.Commit(ctx)
	})
	if err != nil {
		return nil, err
	}
	return deliveries, nil
}

// Ack deletes a delivered message. A stale handle (visibility expired and
// the message was reclaimed) no longer matches the claim token, so the
// delete is a silent no-op and the newer claim stays authoritative.
func (q *workQueue) Ack(ctx context.Context, handle scanning.DeliveryHandle) error {
	attrs := append(queueAttributes, attribute.Int64("message_id", handle.MessageID))

	return storage.ExecuteAndTrace(ctx, q.tracer, "queue.ack", attrs, func(ctx context.Context) error {
		_, err := q.pool.Exec(ctx, `
			DELETE FROM queue_messages
			WHERE id = $1 AND claim_token = $2::uuid`,
			handle.MessageID,
			handle.ClaimToken.String(),
		)
		if err != nil {
			return fmt.Errorf("ack delete error: %w", err)
		}
		return nil
	})
}

// Depth returns the number of messages not yet acked, visible or not. The
// autoscaler treats this as the backlog signal.
func (q *workQueue) Depth(ctx context.Context) (int64, error) {
	var depth int64

	err := storage.ExecuteAndTrace(ctx, q.tracer, "queue.depth", queueAttributes, func(ctx context.Context) error {
		row := q.pool.QueryRow(ctx, `SELECT COUNT(*) FROM queue_messages`)
		if err := row.Scan(&depth); err != nil {
			return fmt.Errorf("depth scan error: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return depth, nil
}

// ListDeadLetters pages the dead-letter table in id order for inspection.
func (q *workQueue) ListDeadLetters(ctx context.Context, afterID int64, limit int) ([]scanning.DeadLetter, error) {
	var letters []scanning.DeadLetter

	err := storage.ExecuteAndTrace(ctx, q.tracer, "queue.list_dead_letters", queueAttributes, func(ctx context.Context) error {
		rows, err := q.pool.Query(ctx, `
			SELECT id, group_key, payload, delivery_attempts, first_enqueued_at, dead_lettered_at, reason
			FROM dead_letters
			WHERE id > $1
			ORDER BY id
			LIMIT $2`,
			afterID,
			limit,
		)
		if err != nil {
			return fmt.Errorf("list dead letters query error: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			var (
				dl      scanning.DeadLetter
				payload []byte
			)
			if err := rows.Scan(
				&dl.ID,
				&dl.GroupKey,
				&payload,
				&dl.Attempts,
				&dl.FirstEnqueued,
				&dl.DeadLetteredAt,
				&dl.Reason,
			); err != nil {
				return fmt.Errorf("list dead letters scan error: %w", err)
			}
			if err := json.Unmarshal(payload, &dl.Message); err != nil {
				return fmt.Errorf("list dead letters unmarshal error: %w", err)
			}
			letters = append(letters, dl)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return letters, nil
}

// RequeueDeadLetter moves a dead letter back onto the queue with a fresh
// delivery budget. Reprocessing from the dead-letter path is an explicit
// operator action, never automatic.
func (q *workQueue) RequeueDeadLetter(ctx context.Context, id int64) error {
	attrs := append(queueAttributes, attribute.Int64("dead_letter_id", id))

	return storage.ExecuteAndTrace(ctx, q.tracer, "queue.requeue_dead_letter", attrs, func(ctx context.Context) error {
		tx, err := q.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("requeue begin error: %w", err)
		}
		defer func() { _ = tx.Rollback(ctx) }()

		var (
			groupKey string
			payload  []byte
		)
		row := tx.QueryRow(ctx, `
			DELETE FROM dead_letters
			WHERE id = $1
			RETURNING group_key, payload`,
			id,
		)
		if err := row.Scan(&groupKey, &payload); err != nil {
			return fmt.Errorf("requeue delete error: %w", err)
		}

		_, err = tx.Exec(ctx, `
			INSERT INTO queue_messages (group_key, payload)
			VALUES ($1, $2)`,
			groupKey,
			payload,
		)
		if err != nil {
			return fmt.Errorf("requeue insert error: %w", err)
		}

		return tx.Commit(ctx)
	})
}
