package scanning

// ItemStatus represents the processing state of a single work item.
type ItemStatus string

const (
	// ItemStatusQueued indicates the item was discovered and enqueued.
	ItemStatusQueued ItemStatus = "QUEUED"

	// ItemStatusProcessing indicates a worker picked the item up.
	ItemStatusProcessing ItemStatus = "PROCESSING"

	// ItemStatusSucceeded indicates scanning finished and findings, if any,
	// were persisted.
	ItemStatusSucceeded ItemStatus = "SUCCEEDED"

	// ItemStatusFailed indicates the item failed terminally; the error is
	// recorded on the item.
	ItemStatusFailed ItemStatus = "FAILED"
)

func (s ItemStatus) String() string { return string(s) }

// IsTerminal reports whether this status counts toward job completion.
// Failed items count as processed, not pending.
func (s ItemStatus) IsTerminal() bool {
	return s == ItemStatusSucceeded || s == ItemStatusFailed
}
