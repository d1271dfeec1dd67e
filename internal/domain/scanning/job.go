// Package scanning contains the core domain model for sensitive-data scan
// jobs: the Job aggregate, the per-object WorkItem, detection Findings, and
// the repository ports the application layer depends on.
package scanning

import (
	"time"

	"github.com/google/uuid"
)

// Job coordinates and tracks the scan of a single object collection. It owns
// the listing lifecycle; per-object state lives in WorkItems.
type Job struct {
	jobID      uuid.UUID
	collection string
	prefix     string
	runHandle  string
	status     JobStatus
	createdAt  time.Time
	updatedAt  time.Time
}

// NewJob creates a job in the Listing state for the given collection scope.
func NewJob(jobID uuid.UUID, collection, prefix string) *Job {
	now := time.Now().UTC()
	return &Job{
		jobID:      jobID,
		collection: collection,
		prefix:     prefix,
		status:     JobStatusListing,
		createdAt:  now,
		updatedAt:  now,
	}
}

// ReconstructJob creates a Job from stored fields, bypassing creation
// invariants. This should only be used by repositories when loading from
// the DB.
func ReconstructJob(
	jobID uuid.UUID,
	collection, prefix, runHandle string,
	status JobStatus,
	createdAt, updatedAt time.Time,
) *Job {
	return &Job{
		jobID:      jobID,
		collection: collection,
		prefix:     prefix,
		runHandle:  runHandle,
		status:     status,
		createdAt:  createdAt,
		updatedAt:  updatedAt,
	}
}

// JobID returns the unique identifier for this scan job.
func (j *Job) JobID() uuid.UUID { return j.jobID }

// Collection returns the object collection this job scans.
func (j *Job) Collection() string { return j.collection }

// Prefix returns the optional key prefix bounding the listing.
func (j *Job) Prefix() string { return j.prefix }

// RunHandle returns the opaque orchestration run state, if any. The
// orchestrator stores its listing checkpoint here.
func (j *Job) RunHandle() string { return j.runHandle }

// Status returns the current lifecycle status of the job.
func (j *Job) Status() JobStatus { return j.status }

// CreatedAt returns when the job was submitted.
func (j *Job) CreatedAt() time.Time { return j.createdAt }

// UpdatedAt returns when the job state last changed.
func (j *Job) UpdatedAt() time.Time { return j.updatedAt }

// AttachRunHandle records opaque orchestration run state for this job.
func (j *Job) AttachRunHandle(handle string) {
	j.runHandle = handle
	j.touch()
}

// CompleteListing transitions the job out of the Listing state based on how
// many work items the listing discovered. A job with zero items has nothing
// to process and completes immediately.
func (j *Job) CompleteListing(totalItems int64) error {
	if totalItems == 0 {
		return j.transition(JobStatusCompleted)
	}
	return j.transition(JobStatusProcessing)
}

// Complete marks the job as successfully finished.
func (j *Job) Complete() error { return j.transition(JobStatusCompleted) }

// Fail marks the job as failed. Jobs fail only on orchestration-level
// errors; individual object failures are recorded on their work items.
func (j *Job) Fail() error { return j.transition(JobStatusFailed) }

// Abort marks the job as aborted by an operator.
func (j *Job) Abort() error { return j.transition(JobStatusAborted) }

func (j *Job) transition(target JobStatus) error {
	if !j.status.validTransition(target) {
		return NewInvalidTransitionError(j.jobID, j.status, target)
	}
	j.status = target
	j.touch()
	return nil
}

func (j *Job) touch() { j.updatedAt = time.Now().UTC() }
