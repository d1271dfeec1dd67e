// Package postgres implements the scanning domain's repository ports on
// PostgreSQL using pgx.
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

var defaultDBAttributes = []attribute.KeyValue{
	attribute.String("db.system", "postgresql"),
}

var _ scanning.JobRepository = (*jobStore)(nil)

// jobStore implements scanning.JobRepository using Postgres. It persists
// scan job lifecycle state for the orchestrator and the status service.
type jobStore struct {
	pool   *pgxpool.Pool
	tracer trace.Tracer
}

// NewJobStore creates a JobRepository backed by PostgreSQL.
func NewJobStore(pool *pgxpool.Pool, tracer trace.Tracer) *jobStore {
	return &jobStore{pool: pool, tracer: tracer}
}

// CreateJob persists a new job's initial state.
func (s *jobStore) CreateJob(ctx context.Context, job *scanning.Job) error {
	dbAttrs := append(
		defaultDBAttributes,
		attribute.String("job_id", job.JobID().String()),
		attribute.String("collection", job.Collection()),
	)

	return storage.ExecuteAndTrace(ctx, s.tracer, "postgres.create_job", dbAttrs, func(ctx context.Context) error {
		_, err := s.pool.Exec(ctx, `
			INSERT INTO scan_jobs (job_id, collection, prefix, run_handle, status, created_at, updated_at)
			VALUES ($1::uuid, $2, $3, $4, $5::scan_job_status, $6, $7)`,
			job.JobID().String(),
			job.Collection(),
			job.Prefix(),
			job.RunHandle(),
			job.Status().String(),
			job.CreatedAt(),
			job.UpdatedAt(),
		)
		if err != nil {
			return fmt.Errorf("CreateJob insert error: %w", err)
		}
		return nil
	})
}

// GetJob retrieves a job's current state by its ID.
func (s *jobStore) GetJob(ctx context.Context, jobID uuid.UUID) (*scanning.Job, error) {
	dbAttrs := append(defaultDBAttributes, attribute.String("job_id", jobID.String()))

	var job *scanning.Job

	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.get_job", dbAttrs, func(ctx context.Context) error {
		row := s.pool.QueryRow(ctx, `
			SELECT job_id::text, collection, prefix, run_handle, status::text, created_at, updated_at
			FROM scan_jobs
			WHERE job_id = $1::uuid`,
			jobID.String(),
		)

		j, err := scanJobRow(row)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return scanning.ErrJobNotFound
			}
			return fmt.Errorf("GetJob query error: %w", err)
		}
		job = j
		return nil
	})
	if err != nil {
		return nil, err
	}
	return job, nil
}

// UpdateJob persists a job's current status and run handle.
func (s *jobStore) UpdateJob(ctx context.Context, job *scanning.Job) error {
	dbAttrs := append(
		defaultDBAttributes,
		attribute.String("job_id", job.JobID().String()),
		attribute.String("status", job.Status().String()),
	)

	return storage.ExecuteAndTrace(ctx, s.tracer, "postgres.update_job", dbAttrs, func(ctx context.Context) error {
		tag, err := s.pool.Exec(ctx, `
			UPDATE scan_jobs
			SET run_handle = $2, status = $3::scan_job_status, updated_at = $4
			WHERE job_id = $1::uuid`,
			job.JobID().String(),
			job.RunHandle(),
			job.Status().String(),
			job.UpdatedAt(),
		)
		if err != nil {
			return fmt.Errorf("UpdateJob error: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return scanning.ErrJobNotFound
		}
		return nil
	})
}

// ListJobsByStatus retrieves every job in the given status, oldest first.
func (s *jobStore) ListJobsByStatus(ctx context.Context, status scanning.JobStatus) ([]*scanning.Job, error) {
	dbAttrs := append(defaultDBAttributes, attribute.String("status", status.String()))

	var jobs []*scanning.Job

	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.list_jobs_by_status", dbAttrs, func(ctx context.Context) error {
		rows, err := s.pool.Query(ctx, `
			SELECT job_id::text, collection, prefix, run_handle, status::text, created_at, updated_at
			FROM scan_jobs
			WHERE status = $1::scan_job_status
			ORDER BY created_at`,
			status.String(),
		)
		if err != nil {
			return fmt.Errorf("ListJobsByStatus query error: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			j, err := scanJobRow(rows)
			if err != nil {
				return fmt.Errorf("ListJobsByStatus scan error: %w", err)
			}
			jobs = append(jobs, j)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return jobs, nil
}

// CompleteFinishedJobs promotes Processing jobs with no pending work items
// to Completed. The status write and the completeness check run in one
// statement so a concurrent item update cannot wedge a job in Processing.
func (s *jobStore) CompleteFinishedJobs(ctx context.Context) ([]uuid.UUID, error) {
	var completed []uuid.UUID

	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.complete_finished_jobs", defaultDBAttributes, func(ctx context.Context) error {
		rows, err := s.pool.Query(ctx, `
			UPDATE scan_jobs j
			SET status = 'COMPLETED', updated_at = NOW()
			WHERE j.status = 'PROCESSING'
			  AND NOT EXISTS (
			      SELECT 1 FROM work_items w
			      WHERE w.job_id = j.job_id
			        AND w.status IN ('QUEUED', 'PROCESSING'))
			RETURNING j.job_id::text`,
		)
		if err != nil {
			return fmt.Errorf("CompleteFinishedJobs error: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			var idStr string
			if err := rows.Scan(&idStr); err != nil {
				return fmt.Errorf("CompleteFinishedJobs scan error: %w", err)
			}
			id, err := uuid.Parse(idStr)
			if err != nil {
				return fmt.Errorf("CompleteFinishedJobs parse id: %w", err)
			}
			completed = append(completed, id)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return completed, nil
}

func scanJobRow(row pgx.Row) (*scanning.Job, error) {
	var (
		idStr, collection, prefix, runHandle, status string
		createdAt, updatedAt                         time.Time
	)
	if err := row.Scan(&idStr, &collection, &prefix, &runHandle, &status, &createdAt, &updatedAt); err != nil {
		return nil, err
	}

	jobID, err := uuid.Parse(idStr)
	if err != nil {
		return nil, fmt.Errorf("invalid job id %q: %w", idStr, err)
	}

	return scanning.ReconstructJob(
		jobID,
		collection,
		prefix,
		runHandle,
		scanning.ParseJobStatus(status),
		createdAt,
		updatedAt,
	), nil
}
