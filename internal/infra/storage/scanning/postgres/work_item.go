package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/datasentry/internal/domain/scanning"
	"github.com/ahrav/datasentry/internal/infra/storage"
)

var _ scanning.WorkItemRepository = (*workItemStore)(nil)

// workItemStore implements scanning.WorkItemRepository using Postgres.
// Upserts conflict-ignore on the composite item key, which is what makes
// re-listing and message redelivery idempotent at the persistence layer.
type workItemStore struct {
	pool   *pgxpool.Pool
	tracer trace.Tracer
}

// NewWorkItemStore creates a WorkItemRepository backed by PostgreSQL.
func NewWorkItemStore(pool *pgxpool.Pool, tracer trace.Tracer) *workItemStore {
	return &workItemStore{pool: pool, tracer: tracer}
}

// UpsertItems batch-inserts discovered items, ignoring rows whose composite
// key already exists. Returns the number of rows actually inserted.
func (s *workItemStore) UpsertItems(ctx context.Context, items []*scanning.WorkItem) (int64, error) {
	if len(items) == 0 {
		return 0, nil
	}

	dbAttrs := append(defaultDBAttributes, attribute.Int("batch_size", len(items)))

	var inserted int64

	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.upsert_work_items", dbAttrs, func(ctx context.Context) error {
		batch := &pgx.Batch{}
		for _, item := range items {
			key := item.Key()
			batch.Queue(`
				INSERT INTO work_items (job_id, collection, object_key, fingerprint, size_bytes, status, last_error, updated_at)
				VALUES ($1::uuid, $2, $3, $4, $5, $6::work_item_status, $7, $8)
				ON CONFLICT (job_id, collection, object_key, fingerprint) DO NOTHING`,
				key.JobID.String(),
				key.Collection,
				key.ObjectKey,
				key.Fingerprint,
				item.Size(),
				item.Status().String(),
				item.LastError(),
				item.UpdatedAt(),
			)
		}

		results := s.pool.SendBatch(ctx, batch)
		defer results.Close()

		for range items {
			tag, err := results.Exec()
			if err != nil {
				return fmt.Errorf("UpsertItems batch exec error: %w", err)
			}
			inserted += tag.RowsAffected()
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return inserted, nil
}

// GetItem retrieves one item by its composite key.
func (s *workItemStore) GetItem(ctx context.Context, key scanning.ItemKey) (*scanning.WorkItem, error) {
	dbAttrs := append(
		defaultDBAttributes,
		attribute.String("job_id", key.JobID.String()),
		attribute.String("object_key", key.ObjectKey),
	)

	var item *scanning.WorkItem

	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.get_work_item", dbAttrs, func(ctx context.Context) error {
		row := s.pool.QueryRow(ctx, `
			SELECT size_bytes, status::text, last_error, updated_at
			FROM work_items
			WHERE job_id = $1::uuid AND collection = $2 AND object_key = $3 AND fingerprint = $4`,
			key.JobID.String(),
			key.Collection,
			key.ObjectKey,
			key.Fingerprint,
		)

		var (
			size      int64
			status    string
			lastError string
			updatedAt time.Time
		)
		if err := row.Scan(&size, &status, &lastError, &updatedAt); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return scanning.ErrItemNotFound
			}
			return fmt.Errorf("GetItem scan error: %w", err)
		}
		item = scanning.ReconstructWorkItem(key, size, scanning.ItemStatus(status), lastError, updatedAt)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return item, nil
}

// UpdateItemStatus writes an item's status transition. A terminal rewrite
// to the same state is a harmless overwrite, so crash-redelivered messages
// converge on the identical end state.
func (s *workItemStore) UpdateItemStatus(
	ctx context.Context,
	key scanning.ItemKey,
	status scanning.ItemStatus,
	lastError string,
) error {
	dbAttrs := append(
		defaultDBAttributes,
		attribute.String("job_id", key.JobID.String()),
		attribute.String("object_key", key.ObjectKey),
		attribute.String("status", status.String()),
	)

	return storage.ExecuteAndTrace(ctx, s.tracer, "postgres.update_work_item_status", dbAttrs, func(ctx context.Context) error {
		tag, err := s.pool.Exec(ctx, `
			UPDATE work_items
			SET status = $5::work_item_status, last_error = $6, updated_at = $7
			WHERE job_id = $1::uuid AND collection = $2 AND object_key = $3 AND fingerprint = $4`,
			key.JobID.String(),
			key.Collection,
			key.ObjectKey,
			key.Fingerprint,
			status.String(),
			lastError,
			time.Now().UTC(),
		)
		if err != nil {
			return fmt.Errorf("UpdateItemStatus error: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return scanning.ErrItemNotFound
		}
		return nil
	})
}

// CountsByJob aggregates item status counts and the finding count for one
// job directly from the tables. This is the exact, uncached path.
func (s *workItemStore) CountsByJob(ctx context.Context, jobID uuid.UUID) (scanning.JobCounts, error) {
	dbAttrs := append(defaultDBAttributes, attribute.String("job_id", jobID.String()))

	var counts scanning.JobCounts

	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.counts_by_job", dbAttrs, func(ctx context.Context) error {
		row := s.pool.QueryRow(ctx, `
			SELECT
				COUNT(*),
				COUNT(*) FILTER (WHERE status = 'QUEUED'),
				COUNT(*) FILTER (WHERE status = 'PROCESSING'),
				COUNT(*) FILTER (WHERE status = 'SUCCEEDED'),
				COUNT(*) FILTER (WHERE status = 'FAILED'),
				(SELECT COUNT(*) FROM findings f WHERE f.job_id = $1::uuid)
			FROM work_items
			WHERE job_id = $1::uuid`,
			jobID.String(),
		)
		if err := row.Scan(
			&counts.Total,
			&counts.Queued,
			&counts.Processing,
			&counts.Succeeded,
			&counts.Failed,
			&counts.FindingCount,
		); err != nil {
			return fmt.Errorf("CountsByJob scan error: %w", err)
		}
		return nil
	})
	if err != nil {
		return scanning.JobCounts{}, err
	}
	return counts, nil
}
