package scanning

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// JobRepository provides persistent storage and retrieval of scan jobs.
type JobRepository interface {
	// CreateJob persists a new job's initial state.
	CreateJob(ctx context.Context, job *Job) error

	// GetJob retrieves a job by ID. Returns ErrJobNotFound if it does not
	// exist.
	GetJob(ctx context.Context, jobID uuid.UUID) (*Job, error)

	// UpdateJob persists a job's current status and run handle.
	UpdateJob(ctx context.Context, job *Job) error

	// ListJobsByStatus retrieves every job currently in the given status,
	// oldest first. The orchestrator uses it at startup to pick up listing
	// runs interrupted by a crash.
	ListJobsByStatus(ctx context.Context, status JobStatus) ([]*Job, error)

	// CompleteFinishedJobs promotes Processing jobs whose work items are all
	// terminal to Completed, returning the IDs it promoted. Used by the
	// aggregate refresher so jobs always reach a terminal status.
	CompleteFinishedJobs(ctx context.Context) ([]uuid.UUID, error)
}

// WorkItemRepository provides persistent storage of per-object work items.
type WorkItemRepository interface {
	// UpsertItems inserts the batch, ignoring conflicts on the composite
	// key. Returns how many rows were actually inserted; re-listing the
	// same object versions yields zero new rows.
	UpsertItems(ctx context.Context, items []*WorkItem) (int64, error)

	// GetItem retrieves one item by its composite key. Returns
	// ErrItemNotFound if it does not exist.
	GetItem(ctx context.Context, key ItemKey) (*WorkItem, error)

	// UpdateItemStatus writes an item's status transition. Terminal writes
	// are idempotent with respect to redelivery.
	UpdateItemStatus(ctx context.Context, key ItemKey, status ItemStatus, lastError string) error

	// CountsByJob aggregates item status counts and the finding count for
	// one job directly from the tables. This is the exact, slow path.
	CountsByJob(ctx context.Context, jobID uuid.UUID) (JobCounts, error)
}

// FindingCursor is an id-keyed cursor for paging findings. Cursor-based
// paging stays stable under concurrent inserts, unlike offsets.
type FindingCursor struct {
	AfterID int64
}

// FindingPage is one page of findings plus the cursor for the next page.
type FindingPage struct {
	Findings []Finding
	Next     *FindingCursor
}

// FindingRepository provides append-only storage of detection findings.
type FindingRepository interface {
	// InsertFindings batch-inserts findings, silently absorbing unique
	// constraint conflicts. Returns how many rows were actually inserted.
	InsertFindings(ctx context.Context, findings []Finding) (int64, error)

	// ListFindings pages findings for a job in id order.
	ListFindings(ctx context.Context, jobID uuid.UUID, cursor FindingCursor, limit int) (FindingPage, error)
}

// StatusCacheRepository maintains the materialized per-job status aggregate.
type StatusCacheRepository interface {
	// GetCachedStatus reads the materialized aggregate plus freshness info.
	// Returns ErrNoCachedStatus when the job has not been through a refresh
	// pass yet.
	GetCachedStatus(ctx context.Context, jobID uuid.UUID) (*JobStatusView, error)

	// RefreshAll recomputes the aggregate for every job in one pass and
	// records the refresh bookkeeping in the same transaction, so the
	// aggregate and its freshness metadata can never diverge.
	RefreshAll(ctx context.Context) error
}

// WorkQueue is the at-least-once dispatch channel between the listing
// orchestrator and the worker pool. Delivery is visibility-timeout based:
// an unacked message becomes visible again automatically, and messages that
// exhaust their delivery attempts move to the dead-letter path.
type WorkQueue interface {
	// Publish enqueues one message under the given fairness group.
	Publish(ctx context.Context, msg ItemMessage) error

	// Receive claims up to maxBatch ready messages, long-polling up to
	// wait. Groups with fewer in-flight messages are served first.
	Receive(ctx context.Context, maxBatch int, wait time.Duration) ([]Delivery, error)

	// Ack deletes a delivered message. Acking with a stale handle is a
	// no-op.
	Ack(ctx context.Context, handle DeliveryHandle) error

	// Depth returns the approximate number of messages not yet acked.
	Depth(ctx context.Context) (int64, error)

	// ListDeadLetters pages the dead-letter table for inspection.
	ListDeadLetters(ctx context.Context, afterID int64, limit int) ([]DeadLetter, error)

	// RequeueDeadLetter moves a dead letter back onto the queue with a
	// fresh delivery budget. Operator-driven only.
	RequeueDeadLetter(ctx context.Context, id int64) error
}

// ObjectMeta describes one object returned by a listing page.
type ObjectMeta struct {
	Key         string
	Fingerprint string
	Size        int64
}

// ObjectPage is one bounded page of a collection listing.
type ObjectPage struct {
	Objects []ObjectMeta

	// NextToken continues the listing; empty when the page is the last.
	NextToken string
}

// ObjectStore is the read-only contract against the object storage service:
// paginated listing plus content fetch by key.
type ObjectStore interface {
	List(ctx context.Context, collection, prefix, continuationToken string, pageSize int32) (ObjectPage, error)
	Get(ctx context.Context, collection, key string) (content []byte, fingerprint string, err error)
}
