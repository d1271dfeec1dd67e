// Package scanning implements the worker side of the pipeline: pulling work
// item messages off the queue, fetching object content, running detection,
// and recording findings and item outcomes.
package scanning

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/ahrav/datasentry/internal/config"
	"github.com/ahrav/datasentry/internal/detection"
	"github.com/ahrav/datasentry/internal/domain/events"
	"github.com/ahrav/datasentry/internal/domain/scanning"
	"github.com/ahrav/datasentry/pkg/common/logger"
)

const (
	defaultBatchSize   = 10
	defaultConcurrency = 5
	maxConcurrency     = 20
	defaultReceiveWait = 20 * time.Second
)

// Worker consumes work item messages and processes them to a terminal item
// status. Every message is acked once its item reaches a terminal state,
// including skipped and failed items; only infrastructure errors leave a
// message unacked for redelivery.
type Worker struct {
	queue    scanning.WorkQueue
	items    scanning.WorkItemRepository
	findings scanning.FindingRepository
	store    scanning.ObjectStore
	engine   *detection.Engine
	eventBus events.DomainEventPublisher

	cfg config.WorkerConfig

	logger *logger.Logger
	tracer trace.Tracer
}

// NewWorker assembles a worker from its ports. Zero values in cfg fall back
// to defaults, and concurrency is clamped to a sane ceiling.
func NewWorker(
	queue scanning.WorkQueue,
	items scanning.WorkItemRepository,
	findings scanning.FindingRepository,
	store scanning.ObjectStore,
	engine *detection.Engine,
	eventBus events.DomainEventPublisher,
	cfg config.WorkerConfig,
	log *logger.Logger,
	tracer trace.Tracer,
) *Worker {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultConcurrency
	}
	if cfg.Concurrency > maxConcurrency {
		cfg.Concurrency = maxConcurrency
	}
	if cfg.ReceiveWait <= 0 {
		cfg.ReceiveWait = defaultReceiveWait
	}
	return &Worker{
		queue:    queue,
		items:    items,
		findings: findings,
		store:    store,
		engine:   engine,
		eventBus: eventBus,
		cfg:      cfg,
		logger:   log.With("component", "worker"),
		tracer:   tracer,
	}
}

// Run pulls and processes batches until the context is canceled.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info(ctx, "worker started",
		"batch_size", w.cfg.BatchSize,
		"concurrency", w.cfg.Concurrency,
	)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := w.ProcessBatch(ctx); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			w.logger.Error(ctx, "batch processing error", "err", err)
			// Back off briefly so a persistent infra failure does not spin.
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

// ProcessBatch receives one batch and processes its messages concurrently.
// An empty receive is not an error.
func (w *Worker) ProcessBatch(ctx context.Context) error {
	deliveries, err := w.queue.Receive(ctx, w.cfg.BatchSize, w.cfg.ReceiveWait)
	if err != nil {
		if errors.Is(err, scanning.ErrNoMessages) {
			return nil
		}
		return fmt.Errorf("receiving batch: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.cfg.Concurrency)
	for _, d := range deliveries {
		g.Go(func() error {
			w.processDelivery(gctx, d)
			return nil
		})
	}
	return g.Wait()
}

// processDelivery drives one message to a terminal item status and acks it.
// Infrastructure errors (store reads, status writes) leave the message
// unacked so the visibility timeout redelivers it.
func (w *Worker) processDelivery(ctx context.Context, d scanning.Delivery) {
	ctx, span := w.tracer.Start(ctx, "worker.process_delivery",
		trace.WithAttributes(
			attribute.String("job_id", d.Message.JobID.String()),
			attribute.String("object_key", d.Message.ObjectKey),
			attribute.Int("attempts", d.Attempts),
		))
	defer span.End()

	key := d.Message.ItemKey()

	// A redelivered message for an item that already reached a terminal
	// state is spent. Terminal statuses are stable once set, so the message
	// is acked without touching the item.
	item, err := w.items.GetItem(ctx, key)
	if err != nil {
		span.RecordError(err)
		w.logger.Error(ctx, "failed to load item", "err", err, "object_key", key.ObjectKey)
		return
	}
	if item.Status().IsTerminal() {
		span.SetAttributes(attribute.String("skipped", "terminal"))
		w.ack(ctx, d)
		return
	}

	if !w.shouldScan(d.Message) {
		// Filtered objects still count as processed so the job can reach a
		// terminal status.
		if err := w.items.UpdateItemStatus(ctx, key, scanning.ItemStatusSucceeded, ""); err != nil {
			span.RecordError(err)
			w.logger.Error(ctx, "failed to mark filtered item", "err", err, "object_key", key.ObjectKey)
			return
		}
		span.SetAttributes(attribute.Bool("filtered", true))
		w.ack(ctx, d)
		return
	}

	if err := w.items.UpdateItemStatus(ctx, key, scanning.ItemStatusProcessing, ""); err != nil {
		span.RecordError(err)
		w.logger.Error(ctx, "failed to mark item processing", "err", err, "object_key", key.ObjectKey)
		return
	}

	findingCount, err := w.scanObject(ctx, d.Message)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "scan failed")
		if uerr := w.items.UpdateItemStatus(ctx, key, scanning.ItemStatusFailed, err.Error()); uerr != nil {
			w.logger.Error(ctx, "failed to record item failure", "err", uerr, "object_key", key.ObjectKey)
			return
		}
		if perr := w.eventBus.PublishDomainEvent(ctx, scanning.NewItemFailedEvent(key, err.Error())); perr != nil {
			w.logger.Error(ctx, "failed to publish item failed event", "err", perr, "object_key", key.ObjectKey)
		}
		w.logger.Warn(ctx, "object scan failed",
			"job_id", key.JobID,
			"object_key", key.ObjectKey,
			"attempts", d.Attempts,
			"err", err,
		)
		w.ack(ctx, d)
		return
	}

	if err := w.items.UpdateItemStatus(ctx, key, scanning.ItemStatusSucceeded, ""); err != nil {
		span.RecordError(err)
		w.logger.Error(ctx, "failed to mark item succeeded", "err", err, "object_key", key.ObjectKey)
		return
	}
	span.SetAttributes(attribute.Int64("findings", findingCount))
	w.ack(ctx, d)
}

// scanObject fetches the object, runs detection, and persists findings.
// Returns how many findings were newly recorded; reprocessing the same
// object version records zero thanks to the dedup constraint.
func (w *Worker) scanObject(ctx context.Context, msg scanning.ItemMessage) (int64, error) {
	content, fingerprint, err := w.store.Get(ctx, msg.Collection, msg.ObjectKey)
	if err != nil {
		return 0, fmt.Errorf("fetching object: %w", err)
	}
	// The work item tracks the listed object version. If the fetched content
	// is a different version, scanning it would record findings against a
	// fingerprint no item owns, so the item fails and the rewritten object
	// waits for the next listing to pick it up.
	if fingerprint != "" && fingerprint != msg.Fingerprint {
		return 0, fmt.Errorf("object changed since listing: fingerprint %s, expected %s", fingerprint, msg.Fingerprint)
	}

	matches := w.engine.Detect(content)
	if len(matches) == 0 {
		return 0, nil
	}

	toInsert := make([]scanning.Finding, 0, len(matches))
	for _, m := range matches {
		toInsert = append(toInsert, scanning.Finding{
			JobID:          msg.JobID,
			Collection:     msg.Collection,
			ObjectKey:      msg.ObjectKey,
			Fingerprint:    msg.Fingerprint,
			DetectorType:   m.DetectorType,
			MaskedValue:    m.MaskedValue,
			ContextSnippet: m.ContextSnippet,
			ByteOffset:     m.ByteOffset,
		})
	}

	inserted, err := w.findings.InsertFindings(ctx, toInsert)
	if err != nil {
		return 0, fmt.Errorf("recording findings: %w", err)
	}
	return inserted, nil
}

// shouldScan applies the configured scan filter against metadata carried in
// the message, so rejected objects are never fetched.
func (w *Worker) shouldScan(msg scanning.ItemMessage) bool {
	f := w.cfg.Filter
	if f.MaxSizeBytes > 0 && msg.Size > f.MaxSizeBytes {
		return false
	}
	if len(f.Extensions) > 0 {
		ext := strings.ToLower(filepath.Ext(msg.ObjectKey))
		found := false
		for _, allowed := range f.Extensions {
			if ext == allowed {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func (w *Worker) ack(ctx context.Context, d scanning.Delivery) {
	if err := w.queue.Ack(ctx, d.Handle); err != nil {
		// An unacked message redelivers; the terminal status write already
		// made reprocessing a no-op.
		w.logger.Error(ctx, "failed to ack message", "err", err, "message_id", d.Handle.MessageID)
	}
}
