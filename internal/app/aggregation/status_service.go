// Package aggregation serves job status reads and maintains the materialized
// status cache that makes those reads cheap at fleet scale.
package aggregation

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/datasentry/internal/domain/scanning"
	"github.com/ahrav/datasentry/pkg/common/logger"
)

// StatusService answers job status queries. The default path reads the
// materialized cache, which is bounded-stale; callers that need exact
// numbers can request a live read that aggregates directly from the tables.
type StatusService struct {
	jobs  scanning.JobRepository
	items scanning.WorkItemRepository
	cache scanning.StatusCacheRepository

	logger *logger.Logger
	tracer trace.Tracer
}

// NewStatusService assembles the status read path.
func NewStatusService(
	jobs scanning.JobRepository,
	items scanning.WorkItemRepository,
	cache scanning.StatusCacheRepository,
	log *logger.Logger,
	tracer trace.Tracer,
) *StatusService {
	return &StatusService{
		jobs:   jobs,
		items:  items,
		cache:  cache,
		logger: log.With("component", "status_service"),
		tracer: tracer,
	}
}

// GetStatus returns the aggregate status view for a job. With preferCache
// the cached aggregate is served when present, falling back to a live read
// for jobs the refresher has not seen yet. Without it the live tables are
// always consulted.
func (s *StatusService) GetStatus(ctx context.Context, jobID uuid.UUID, preferCache bool) (*scanning.JobStatusView, error) {
	ctx, span := s.tracer.Start(ctx, "status_service.get_status",
		trace.WithAttributes(
			attribute.String("job_id", jobID.String()),
			attribute.Bool("prefer_cache", preferCache),
		))
	defer span.End()

	if preferCache {
		view, err := s.cache.GetCachedStatus(ctx, jobID)
		if err == nil {
			span.SetAttributes(attribute.Bool("cache_hit", true))
			return view, nil
		}
		if !errors.Is(err, scanning.ErrNoCachedStatus) {
			span.RecordError(err)
			return nil, fmt.Errorf("reading cached status: %w", err)
		}
		// New jobs have no cache row until the next refresh pass.
		span.SetAttributes(attribute.Bool("cache_hit", false))
	}

	return s.liveStatus(ctx, jobID)
}

// liveStatus aggregates directly from the job and item tables. The result
// carries no Freshness because it is exact at read time.
func (s *StatusService) liveStatus(ctx context.Context, jobID uuid.UUID) (*scanning.JobStatusView, error) {
	job, err := s.jobs.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	counts, err := s.items.CountsByJob(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("aggregating item counts: %w", err)
	}

	status := job.Status()
	// The refresher promotes finished jobs on its own schedule; a live read
	// in the gap still reports the effective state.
	if status == scanning.JobStatusProcessing && counts.AllTerminal() {
		status = scanning.JobStatusCompleted
	}

	return &scanning.JobStatusView{
		JobID:           jobID,
		Status:          status,
		Counts:          counts,
		ProgressPercent: counts.ProgressPercent(),
	}, nil
}
