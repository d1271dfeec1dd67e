// Package orchestration drives the listing side of a scan job: enumerating
// the target collection page by page, registering work items, and dispatching
// them onto the work queue.
package orchestration

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/ahrav/datasentry/internal/config"
	"github.com/ahrav/datasentry/internal/domain/events"
	"github.com/ahrav/datasentry/internal/domain/scanning"
	"github.com/ahrav/datasentry/pkg/common/logger"
)

const (
	defaultPageSize           = 1000
	defaultPublishConcurrency = 20
	defaultMaxStepRetries     = 5
)

// Orchestrator coordinates the listing lifecycle of scan jobs. Listing runs
// as a sequence of bounded steps carrying an explicit cursor, so a run
// survives restarts and every step is retryable in isolation.
type Orchestrator struct {
	jobs     scanning.JobRepository
	items    scanning.WorkItemRepository
	queue    scanning.WorkQueue
	store    scanning.ObjectStore
	eventBus events.DomainEventPublisher

	cfg config.OrchestratorConfig

	logger *logger.Logger
	tracer trace.Tracer
}

// NewOrchestrator assembles the listing coordinator from its ports. Zero
// values in cfg fall back to defaults.
func NewOrchestrator(
	jobs scanning.JobRepository,
	items scanning.WorkItemRepository,
	queue scanning.WorkQueue,
	store scanning.ObjectStore,
	eventBus events.DomainEventPublisher,
	cfg config.OrchestratorConfig,
	log *logger.Logger,
	tracer trace.Tracer,
) *Orchestrator {
	if cfg.PageSize <= 0 {
		cfg.PageSize = defaultPageSize
	}
	if cfg.PublishConcurrency <= 0 {
		cfg.PublishConcurrency = defaultPublishConcurrency
	}
	if cfg.MaxStepRetries <= 0 {
		cfg.MaxStepRetries = defaultMaxStepRetries
	}
	return &Orchestrator{
		jobs:     jobs,
		items:    items,
		queue:    queue,
		store:    store,
		eventBus: eventBus,
		cfg:      cfg,
		logger:   log.With("component", "orchestrator"),
		tracer:   tracer,
	}
}

// CreateJob registers a new scan job for the given collection scope and
// announces it. The job starts in the Listing state; Run drives it from
// there.
func (o *Orchestrator) CreateJob(ctx context.Context, collection, prefix string) (*scanning.Job, error) {
	ctx, span := o.tracer.Start(ctx, "orchestrator.create_job",
		trace.WithAttributes(attribute.String("collection", collection)))
	defer span.End()

	job := scanning.NewJob(uuid.New(), collection, prefix)
	if err := o.jobs.CreateJob(ctx, job); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("creating job: %w", err)
	}

	if err := o.eventBus.PublishDomainEvent(ctx, scanning.NewJobCreatedEvent(job)); err != nil {
		// The job exists regardless; event delivery is best effort here.
		o.logger.Error(ctx, "failed to publish job created event", "err", err, "job_id", job.JobID())
	}

	o.logger.Info(ctx, "job created", "job_id", job.JobID(), "collection", collection, "prefix", prefix)
	return job, nil
}

// Run drives a job's listing from its persisted checkpoint to the end of the
// collection, then transitions the job out of Listing. Each step is retried
// with exponential backoff; a step that exhausts its retries fails the whole
// job. The cursor is checkpointed on the job after every step, so a run cut
// short by a crash resumes where it left off instead of restarting.
func (o *Orchestrator) Run(ctx context.Context, job *scanning.Job) error {
	ctx, span := o.tracer.Start(ctx, "orchestrator.run",
		trace.WithAttributes(attribute.String("job_id", job.JobID().String())))
	defer span.End()

	cursor := scanning.DecodeCursor(job.RunHandle())
	if cursor.Discovered > 0 {
		o.logger.Info(ctx, "resuming listing from checkpoint",
			"job_id", job.JobID(), "discovered", cursor.Discovered)
	}
	for {
		result, err := o.stepWithRetry(ctx, job, cursor)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "listing failed")
			return o.failJob(ctx, job, err)
		}
		cursor = result.Next

		// Checkpoint persistence is best effort: losing it replays at most
		// the pages since the last successful write, which downstream
		// idempotency absorbs.
		job.AttachRunHandle(cursor.Encode())
		if err := o.jobs.UpdateJob(ctx, job); err != nil {
			o.logger.Warn(ctx, "failed to checkpoint listing cursor",
				"err", err, "job_id", job.JobID())
		}

		if result.Done {
			break
		}
	}

	total := cursor.Discovered
	if err := job.CompleteListing(total); err != nil {
		span.RecordError(err)
		return fmt.Errorf("completing listing: %w", err)
	}
	if err := o.jobs.UpdateJob(ctx, job); err != nil {
		span.RecordError(err)
		return fmt.Errorf("persisting listing completion: %w", err)
	}

	if err := o.eventBus.PublishDomainEvent(ctx, scanning.NewJobListingCompletedEvent(job.JobID(), total)); err != nil {
		o.logger.Error(ctx, "failed to publish listing completed event", "err", err, "job_id", job.JobID())
	}
	// A listing that found nothing completes the job on the spot.
	if job.Status() == scanning.JobStatusCompleted {
		if err := o.eventBus.PublishDomainEvent(ctx, scanning.NewJobCompletedEvent(job.JobID())); err != nil {
			o.logger.Error(ctx, "failed to publish job completed event", "err", err, "job_id", job.JobID())
		}
	}

	o.logger.Info(ctx, "listing finished",
		"job_id", job.JobID(),
		"total_items", total,
		"status", string(job.Status()),
	)
	return nil
}

// ResumeListing finds jobs stranded in the Listing state, typically by a
// crash of the previous process, and drives each to completion from its
// checkpoint. Called once at startup.
func (o *Orchestrator) ResumeListing(ctx context.Context) error {
	ctx, span := o.tracer.Start(ctx, "orchestrator.resume_listing")
	defer span.End()

	stranded, err := o.jobs.ListJobsByStatus(ctx, scanning.JobStatusListing)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("finding interrupted listings: %w", err)
	}
	span.SetAttributes(attribute.Int("stranded_jobs", len(stranded)))

	for _, job := range stranded {
		if err := o.Run(ctx, job); err != nil {
			// Run already failed the job; keep resuming the rest.
			o.logger.Error(ctx, "resumed listing failed", "err", err, "job_id", job.JobID())
		}
	}
	return nil
}

func (o *Orchestrator) stepWithRetry(ctx context.Context, job *scanning.Job, cursor scanning.Cursor) (scanning.StepResult, error) {
	var result scanning.StepResult

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = time.Second
	expBackoff.MaxInterval = 30 * time.Second
	expBackoff.MaxElapsedTime = 0

	attempts := 0
	operation := func() error {
		attempts++
		var err error
		result, err = o.Step(ctx, job, cursor)
		if err != nil && attempts >= o.cfg.MaxStepRetries {
			return backoff.Permanent(err)
		}
		return err
	}

	if err := backoff.Retry(operation, backoff.WithContext(expBackoff, ctx)); err != nil {
		return scanning.StepResult{}, fmt.Errorf("listing step failed after %d attempts: %w", attempts, err)
	}
	return result, nil
}

// Step performs one bounded unit of listing: fetch a single page, register
// its objects as work items, and fan the page out onto the work queue.
// Re-running a step is safe: the item upsert absorbs duplicates and workers
// process redelivered messages idempotently.
func (o *Orchestrator) Step(ctx context.Context, job *scanning.Job, cursor scanning.Cursor) (scanning.StepResult, error) {
	ctx, span := o.tracer.Start(ctx, "orchestrator.step",
		trace.WithAttributes(
			attribute.String("job_id", job.JobID().String()),
			attribute.Int64("discovered", cursor.Discovered),
		))
	defer span.End()

	page, err := o.store.List(ctx, job.Collection(), job.Prefix(), cursor.Token, int32(o.cfg.PageSize))
	if err != nil {
		span.RecordError(err)
		return scanning.StepResult{}, fmt.Errorf("listing page: %w", err)
	}
	span.SetAttributes(attribute.Int("page_objects", len(page.Objects)))

	workItems := make([]*scanning.WorkItem, 0, len(page.Objects))
	messages := make([]scanning.ItemMessage, 0, len(page.Objects))
	for _, obj := range page.Objects {
		key := scanning.ItemKey{
			JobID:       job.JobID(),
			Collection:  job.Collection(),
			ObjectKey:   obj.Key,
			Fingerprint: obj.Fingerprint,
		}
		workItems = append(workItems, scanning.NewWorkItem(key, obj.Size))
		messages = append(messages, scanning.ItemMessage{
			JobID:       key.JobID,
			Collection:  key.Collection,
			ObjectKey:   key.ObjectKey,
			Fingerprint: key.Fingerprint,
			Size:        obj.Size,
		})
	}

	if len(workItems) > 0 {
		inserted, err := o.items.UpsertItems(ctx, workItems)
		if err != nil {
			span.RecordError(err)
			return scanning.StepResult{}, fmt.Errorf("registering work items: %w", err)
		}
		span.SetAttributes(attribute.Int64("new_items", inserted))

		if err := o.publishBatch(ctx, messages); err != nil {
			span.RecordError(err)
			return scanning.StepResult{}, fmt.Errorf("dispatching work items: %w", err)
		}
	}

	next := scanning.Cursor{
		Token:      page.NextToken,
		Discovered: cursor.Discovered + int64(len(page.Objects)),
	}
	return scanning.StepResult{Next: next, Done: page.NextToken == ""}, nil
}

// publishBatch enqueues a listed page with bounded concurrency. Publishing
// is at-least-once; a partially dispatched page that gets retried just
// produces duplicates the workers absorb.
func (o *Orchestrator) publishBatch(ctx context.Context, messages []scanning.ItemMessage) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(o.cfg.PublishConcurrency)
	for _, msg := range messages {
		g.Go(func() error {
			if err := o.queue.Publish(ctx, msg); err != nil {
				return fmt.Errorf("publishing %s/%s: %w", msg.Collection, msg.ObjectKey, err)
			}
			return nil
		})
	}
	return g.Wait()
}

func (o *Orchestrator) failJob(ctx context.Context, job *scanning.Job, cause error) error {
	if err := job.Fail(); err != nil {
		return fmt.Errorf("marking job failed (cause: %v): %w", cause, err)
	}
	if err := o.jobs.UpdateJob(ctx, job); err != nil {
		return fmt.Errorf("persisting job failure (cause: %v): %w", cause, err)
	}
	if err := o.eventBus.PublishDomainEvent(ctx, scanning.NewJobFailedEvent(job.JobID())); err != nil {
		o.logger.Error(ctx, "failed to publish job failed event", "err", err, "job_id", job.JobID())
	}
	o.logger.Error(ctx, "job failed during listing", "job_id", job.JobID(), "err", cause)
	return cause
}
