package scanning

import (
	"time"

	"github.com/google/uuid"
)

// ItemKey is the composite identity of a work item. Keying on the content
// fingerprint makes re-listing idempotent: rediscovering the same object
// version is a no-op insert.
type ItemKey struct {
	JobID       uuid.UUID
	Collection  string
	ObjectKey   string
	Fingerprint string
}

// WorkItem tracks one object + job pairing through the processing pipeline.
type WorkItem struct {
	key       ItemKey
	size      int64
	status    ItemStatus
	lastError string
	updatedAt time.Time
}

// NewWorkItem creates a queued work item for a discovered object version.
func NewWorkItem(key ItemKey, size int64) *WorkItem {
	return &WorkItem{
		key:       key,
		size:      size,
		status:    ItemStatusQueued,
		updatedAt: time.Now().UTC(),
	}
}

// ReconstructWorkItem creates a WorkItem from stored fields. Repositories
// only.
func ReconstructWorkItem(key ItemKey, size int64, status ItemStatus, lastError string, updatedAt time.Time) *WorkItem {
	return &WorkItem{
		key:       key,
		size:      size,
		status:    status,
		lastError: lastError,
		updatedAt: updatedAt,
	}
}

// Key returns the composite identity of this work item.
func (w *WorkItem) Key() ItemKey { return w.key }

// Size returns the object size in bytes as reported by the listing.
func (w *WorkItem) Size() int64 { return w.size }

// Status returns the current processing status.
func (w *WorkItem) Status() ItemStatus { return w.status }

// LastError returns the most recent processing error, if any.
func (w *WorkItem) LastError() string { return w.lastError }

// UpdatedAt returns when the item state last changed.
func (w *WorkItem) UpdatedAt() time.Time { return w.updatedAt }

// Start marks the item as picked up by a worker. Redelivered messages may
// move an item from a terminal state back through Processing; the terminal
// write is idempotent so the end state is unchanged.
func (w *WorkItem) Start() {
	w.status = ItemStatusProcessing
	w.touch()
}

// Succeed marks the item as successfully scanned.
func (w *WorkItem) Succeed() {
	w.status = ItemStatusSucceeded
	w.lastError = ""
	w.touch()
}

// FailWith records a terminal per-object failure. One bad object must not
// stall the job, so failures land here rather than on the Job.
func (w *WorkItem) FailWith(err error) {
	w.status = ItemStatusFailed
	if err != nil {
		w.lastError = err.Error()
	}
	w.touch()
}

func (w *WorkItem) touch() { w.updatedAt = time.Now().UTC() }
