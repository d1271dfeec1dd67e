package scanning

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

var (
	// ErrJobNotFound indicates the requested job does not exist.
	ErrJobNotFound = errors.New("job not found")

	// ErrItemNotFound indicates the requested work item does not exist.
	ErrItemNotFound = errors.New("work item not found")

	// ErrNoCachedStatus indicates the status cache has no row for the job
	// yet; callers fall back to a live aggregation.
	ErrNoCachedStatus = errors.New("no cached status for job")

	// ErrNoMessages indicates a receive call returned empty after its wait
	// timeout elapsed.
	ErrNoMessages = errors.New("no messages available")
)

// InvalidTransitionError is returned when a job status change violates the
// lifecycle state machine.
type InvalidTransitionError struct {
	jobID uuid.UUID
	from  JobStatus
	to    JobStatus
}

// NewInvalidTransitionError creates an error describing the rejected edge.
func NewInvalidTransitionError(jobID uuid.UUID, from, to JobStatus) *InvalidTransitionError {
	return &InvalidTransitionError{jobID: jobID, from: from, to: to}
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("job %s: invalid status transition %s -> %s", e.jobID, e.from, e.to)
}
