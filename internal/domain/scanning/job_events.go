package scanning

import (
	"time"

	"github.com/google/uuid"

	"github.com/ahrav/datasentry/internal/domain/events"
)

// Lifecycle event types published so external systems can react to job
// progress without polling.
const (
	EventTypeJobCreated          events.EventType = "JobCreated"
	EventTypeJobListingCompleted events.EventType = "JobListingCompleted"
	EventTypeJobCompleted        events.EventType = "JobCompleted"
	EventTypeJobFailed           events.EventType = "JobFailed"
	EventTypeItemFailed          events.EventType = "ItemFailed"
)

// JobCreatedEvent announces a newly submitted job.
type JobCreatedEvent struct {
	JobID      uuid.UUID `json:"job_id"`
	Collection string    `json:"collection"`
	Prefix     string    `json:"prefix,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// NewJobCreatedEvent wraps the payload in a routable domain event keyed by
// job ID.
func NewJobCreatedEvent(job *Job) events.DomainEvent {
	return events.DomainEvent{
		Type:      EventTypeJobCreated,
		Key:       job.JobID().String(),
		Timestamp: time.Now().UTC(),
		Payload: JobCreatedEvent{
			JobID:      job.JobID(),
			Collection: job.Collection(),
			Prefix:     job.Prefix(),
			CreatedAt:  job.CreatedAt(),
		},
	}
}

// JobListingCompletedEvent announces that listing finished and reports the
// discovered item count.
type JobListingCompletedEvent struct {
	JobID      uuid.UUID `json:"job_id"`
	TotalItems int64     `json:"total_items"`
}

// NewJobListingCompletedEvent wraps the payload in a routable domain event.
func NewJobListingCompletedEvent(jobID uuid.UUID, totalItems int64) events.DomainEvent {
	return events.DomainEvent{
		Type:      EventTypeJobListingCompleted,
		Key:       jobID.String(),
		Timestamp: time.Now().UTC(),
		Payload:   JobListingCompletedEvent{JobID: jobID, TotalItems: totalItems},
	}
}

// JobTerminalEvent announces a job reaching Completed or Failed.
type JobTerminalEvent struct {
	JobID  uuid.UUID `json:"job_id"`
	Status JobStatus `json:"status"`
}

// NewJobCompletedEvent wraps a completion announcement in a domain event.
func NewJobCompletedEvent(jobID uuid.UUID) events.DomainEvent {
	return events.DomainEvent{
		Type:      EventTypeJobCompleted,
		Key:       jobID.String(),
		Timestamp: time.Now().UTC(),
		Payload:   JobTerminalEvent{JobID: jobID, Status: JobStatusCompleted},
	}
}

// NewJobFailedEvent wraps a failure announcement in a domain event.
func NewJobFailedEvent(jobID uuid.UUID) events.DomainEvent {
	return events.DomainEvent{
		Type:      EventTypeJobFailed,
		Key:       jobID.String(),
		Timestamp: time.Now().UTC(),
		Payload:   JobTerminalEvent{JobID: jobID, Status: JobStatusFailed},
	}
}

// ItemFailedEvent announces a terminal per-object failure.
type ItemFailedEvent struct {
	JobID       uuid.UUID `json:"job_id"`
	Collection  string    `json:"collection"`
	ObjectKey   string    `json:"object_key"`
	Fingerprint string    `json:"fingerprint"`
	Error       string    `json:"error"`
}

// NewItemFailedEvent wraps the payload in a domain event keyed by job ID so
// all failures for a job land on one partition.
func NewItemFailedEvent(key ItemKey, itemErr string) events.DomainEvent {
	return events.DomainEvent{
		Type:      EventTypeItemFailed,
		Key:       key.JobID.String(),
		Timestamp: time.Now().UTC(),
		Payload: ItemFailedEvent{
			JobID:       key.JobID,
			Collection:  key.Collection,
			ObjectKey:   key.ObjectKey,
			Fingerprint: key.Fingerprint,
			Error:       itemErr,
		},
	}
}
