package scanning

// JobStatus represents the current state of a scan job. It enables tracking
// of job lifecycle from listing through completion or failure.
type JobStatus string

const (
	// JobStatusListing indicates the orchestrator is still enumerating the
	// collection and emitting work items.
	JobStatusListing JobStatus = "LISTING"

	// JobStatusProcessing indicates listing finished and workers are
	// draining the queue.
	JobStatusProcessing JobStatus = "PROCESSING"

	// JobStatusCompleted indicates every work item reached a terminal state.
	JobStatusCompleted JobStatus = "COMPLETED"

	// JobStatusFailed indicates the orchestration itself failed.
	JobStatusFailed JobStatus = "FAILED"

	// JobStatusAborted indicates an operator stopped the job.
	JobStatusAborted JobStatus = "ABORTED"
)

func (s JobStatus) String() string { return string(s) }

// IsTerminal reports whether no further transitions can occur.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusAborted:
		return true
	}
	return false
}

// validTransition encodes the legal lifecycle edges. Any state may be
// aborted or failed; forward progress is Listing -> Processing -> Completed,
// with Listing -> Completed for empty collections.
func (s JobStatus) validTransition(target JobStatus) bool {
	switch s {
	case JobStatusListing:
		return target == JobStatusProcessing ||
			target == JobStatusCompleted ||
			target == JobStatusFailed ||
			target == JobStatusAborted
	case JobStatusProcessing:
		return target == JobStatusCompleted ||
			target == JobStatusFailed ||
			target == JobStatusAborted
	default:
		return false
	}
}

// ParseJobStatus converts a stored string into a JobStatus. Unknown values
// map to the zero value so callers can detect corruption explicitly.
func ParseJobStatus(s string) JobStatus {
	switch JobStatus(s) {
	case JobStatusListing, JobStatusProcessing, JobStatusCompleted, JobStatusFailed, JobStatusAborted:
		return JobStatus(s)
	}
	return ""
}
