package aggregation

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/datasentry/internal/domain/events"
	"github.com/ahrav/datasentry/internal/domain/scanning"
	"github.com/ahrav/datasentry/pkg/common/logger"
)

// defaultRefreshSchedule rebuilds the cache every 60 seconds.
const defaultRefreshSchedule = "@every 60s"

// Refresher periodically rebuilds the status cache and promotes finished
// jobs to their terminal status. It is the only writer of the cache table.
type Refresher struct {
	jobs     scanning.JobRepository
	cache    scanning.StatusCacheRepository
	eventBus events.DomainEventPublisher

	schedule string
	cron     *cron.Cron

	logger *logger.Logger
	tracer trace.Tracer
}

// NewRefresher assembles the cache refresher. An empty schedule falls back
// to the default.
func NewRefresher(
	jobs scanning.JobRepository,
	cache scanning.StatusCacheRepository,
	eventBus events.DomainEventPublisher,
	schedule string,
	log *logger.Logger,
	tracer trace.Tracer,
) *Refresher {
	if schedule == "" {
		schedule = defaultRefreshSchedule
	}
	return &Refresher{
		jobs:     jobs,
		cache:    cache,
		eventBus: eventBus,
		schedule: schedule,
		cron:     cron.New(),
		logger:   log.With("component", "status_refresher"),
		tracer:   tracer,
	}
}

// Start schedules refresh runs until Stop is called. Runs that fail are
// logged and retried on the next tick; the cache just stays staler.
func (r *Refresher) Start(ctx context.Context) error {
	_, err := r.cron.AddFunc(r.schedule, func() {
		if err := r.RefreshOnce(ctx); err != nil {
			r.logger.Error(ctx, "status cache refresh failed", "err", err)
		}
	})
	if err != nil {
		return fmt.Errorf("scheduling cache refresh: %w", err)
	}
	r.cron.Start()
	r.logger.Info(ctx, "status refresher started", "schedule", r.schedule)
	return nil
}

// Stop halts the schedule and waits for an in-flight run to finish.
func (r *Refresher) Stop() {
	stopCtx := r.cron.Stop()
	<-stopCtx.Done()
}

// RefreshOnce performs one full pass: promote jobs whose items all finished,
// announce the promotions, then rebuild the cache so the promoted statuses
// are immediately visible to cached reads.
func (r *Refresher) RefreshOnce(ctx context.Context) error {
	ctx, span := r.tracer.Start(ctx, "status_refresher.refresh_once")
	defer span.End()

	promoted, err := r.jobs.CompleteFinishedJobs(ctx)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("promoting finished jobs: %w", err)
	}
	for _, jobID := range promoted {
		if err := r.eventBus.PublishDomainEvent(ctx, scanning.NewJobCompletedEvent(jobID)); err != nil {
			r.logger.Error(ctx, "failed to publish job completed event", "err", err, "job_id", jobID)
		}
	}
	if len(promoted) > 0 {
		r.logger.Info(ctx, "promoted finished jobs", "count", len(promoted))
	}

	if err := r.cache.RefreshAll(ctx); err != nil {
		span.RecordError(err)
		return fmt.Errorf("rebuilding status cache: %w", err)
	}
	return nil
}
