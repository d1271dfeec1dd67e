package scanning

import (
	"time"

	"github.com/google/uuid"
)

// JobCounts is the per-status breakdown of a job's work items plus its
// finding count. All aggregate reporting derives from these numbers.
type JobCounts struct {
	Total        int64
	Queued       int64
	Processing   int64
	Succeeded    int64
	Failed       int64
	FindingCount int64
}

// Processed returns how many items reached a terminal state. Failed items
// count as processed, not pending.
func (c JobCounts) Processed() int64 { return c.Succeeded + c.Failed }

// ProgressPercent derives completion as processed/total. Returns 0 for a
// job with no items.
func (c JobCounts) ProgressPercent() float64 {
	if c.Total == 0 {
		return 0
	}
	return float64(c.Processed()) / float64(c.Total) * 100
}

// AllTerminal reports whether every discovered item finished.
func (c JobCounts) AllTerminal() bool { return c.Total > 0 && c.Processed() == c.Total }

// Freshness describes when a cached aggregate was last rebuilt and how long
// the rebuild took, so callers can reason about staleness.
type Freshness struct {
	RefreshedAt     time.Time
	RefreshDuration time.Duration
}

// JobStatusView is the caller-facing aggregate status of a job. Cached reads
// carry Freshness; live reads leave it nil.
type JobStatusView struct {
	JobID           uuid.UUID
	Status          JobStatus
	Counts          JobCounts
	ProgressPercent float64
	Freshness       *Freshness
}
