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

// aggregateName identifies the maintained aggregate in the refresh log.
const aggregateName = "job_status_cache"

var _ scanning.StatusCacheRepository = (*statusCacheStore)(nil)

// statusCacheStore maintains the materialized per-job status aggregate.
// Reads never block the refresh and vice versa: the refresh is a plain
// upsert pass, not an exclusive rebuild.
type statusCacheStore struct {
	pool   *pgxpool.Pool
	tracer trace.Tracer
}

// NewStatusCacheStore creates a StatusCacheRepository backed by PostgreSQL.
func NewStatusCacheStore(pool *pgxpool.Pool, tracer trace.Tracer) *statusCacheStore {
	return &statusCacheStore{pool: pool, tracer: tracer}
}

// GetCachedStatus reads the materialized aggregate for one job, attaching
// freshness info so callers can reason about staleness.
func (s *statusCacheStore) GetCachedStatus(ctx context.Context, jobID uuid.UUID) (*scanning.JobStatusView, error) {
	dbAttrs := append(defaultDBAttributes, attribute.String("job_id", jobID.String()))

	var view *scanning.JobStatusView

	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.get_cached_status", dbAttrs, func(ctx context.Context) error {
		row := s.pool.QueryRow(ctx, `
			SELECT c.status::text, c.total, c.queued, c.processing, c.succeeded, c.failed, c.finding_count,
			       c.refreshed_at, COALESCE(l.refresh_duration_ms, 0)
			FROM job_status_cache c
			LEFT JOIN aggregate_refresh_log l ON l.aggregate_name = $2
			WHERE c.job_id = $1::uuid`,
			jobID.String(),
			aggregateName,
		)

		var (
			status      string
			counts      scanning.JobCounts
			refreshedAt time.Time
			durationMS  int64
		)
		if err := row.Scan(
			&status,
			&counts.Total,
			&counts.Queued,
			&counts.Processing,
			&counts.Succeeded,
			&counts.Failed,
			&counts.FindingCount,
			&refreshedAt,
			&durationMS,
		); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return scanning.ErrNoCachedStatus
			}
			return fmt.Errorf("GetCachedStatus scan error: %w", err)
		}

		view = &scanning.JobStatusView{
			JobID:           jobID,
			Status:          scanning.ParseJobStatus(status),
			Counts:          counts,
			ProgressPercent: counts.ProgressPercent(),
			Freshness: &scanning.Freshness{
				RefreshedAt:     refreshedAt,
				RefreshDuration: time.Duration(durationMS) * time.Millisecond,
			},
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return view, nil
}

// RefreshAll recomputes the aggregate for every job in one pass. The cache
// upsert and the refresh-log bookkeeping commit in the same transaction so
// they can never diverge.
func (s *statusCacheStore) RefreshAll(ctx context.Context) error {
	return storage.ExecuteAndTrace(ctx, s.tracer, "postgres.refresh_status_cache", defaultDBAttributes, func(ctx context.Context) error {
		start := time.Now()

		tx, err := s.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("RefreshAll begin error: %w", err)
		}
		defer func() { _ = tx.Rollback(ctx) }()

		tag, err := tx.Exec(ctx, `
			INSERT INTO job_status_cache (job_id, status, total, queued, processing, succeeded, failed, finding_count, refreshed_at)
			SELECT
				j.job_id,
				j.status,
				COALESCE(w.total, 0),
				COALESCE(w.queued, 0),
				COALESCE(w.processing, 0),
				COALESCE(w.succeeded, 0),
				COALESCE(w.failed, 0),
				COALESCE(f.cnt, 0),
				NOW()
			FROM scan_jobs j
			LEFT JOIN (
				SELECT job_id,
				       COUNT(*) AS total,
				       COUNT(*) FILTER (WHERE status = 'QUEUED') AS queued,
				       COUNT(*) FILTER (WHERE status = 'PROCESSING') AS processing,
				       COUNT(*) FILTER (WHERE status = 'SUCCEEDED') AS succeeded,
				       COUNT(*) FILTER (WHERE status = 'FAILED') AS failed
				FROM work_items
				GROUP BY job_id
			) w ON w.job_id = j.job_id
			LEFT JOIN (
				SELECT job_id, COUNT(*) AS cnt
				FROM findings
				GROUP BY job_id
			) f ON f.job_id = j.job_id
			ON CONFLICT (job_id) DO UPDATE SET
				status = EXCLUDED.status,
				total = EXCLUDED.total,
				queued = EXCLUDED.queued,
				processing = EXCLUDED.processing,
				succeeded = EXCLUDED.succeeded,
				failed = EXCLUDED.failed,
				finding_count = EXCLUDED.finding_count,
				refreshed_at = EXCLUDED.refreshed_at`,
		)
		if err != nil {
			return fmt.Errorf("RefreshAll upsert error: %w", err)
		}

		_, err = tx.Exec(ctx, `
			INSERT INTO aggregate_refresh_log (aggregate_name, last_refreshed_at, refresh_duration_ms, summary)
			VALUES ($1, NOW(), $2, jsonb_build_object('jobs_refreshed', $3::bigint))
			ON CONFLICT (aggregate_name) DO UPDATE SET
				last_refreshed_at = EXCLUDED.last_refreshed_at,
				refresh_duration_ms = EXCLUDED.refresh_duration_ms,
				summary = EXCLUDED.summary`,
			aggregateName,
			time.Since(start).Milliseconds(),
			tag.RowsAffected(),
		)
		if err != nil {
			return fmt.Errorf("RefreshAll bookkeeping error: %w", err)
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("RefreshAll commit error: %w", err)
		}
		return nil
	})
}
