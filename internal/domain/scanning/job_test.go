package scanning

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewJobStartsListing(t *testing.T) {
	job := NewJob(uuid.New(), "records", "exports/")
	assert.Equal(t, JobStatusListing, job.Status())
	assert.Equal(t, "records", job.Collection())
	assert.Equal(t, "exports/", job.Prefix())
	assert.False(t, job.Status().IsTerminal())
}

func TestCompleteListing(t *testing.T) {
	t.Run("items discovered moves to processing", func(t *testing.T) {
		job := NewJob(uuid.New(), "records", "")
		require.NoError(t, job.CompleteListing(42))
		assert.Equal(t, JobStatusProcessing, job.Status())
	})

	t.Run("empty collection completes immediately", func(t *testing.T) {
		job := NewJob(uuid.New(), "records", "")
		require.NoError(t, job.CompleteListing(0))
		assert.Equal(t, JobStatusCompleted, job.Status())
		assert.True(t, job.Status().IsTerminal())
	})
}

func TestJobTransitions(t *testing.T) {
	t.Run("full lifecycle", func(t *testing.T) {
		job := NewJob(uuid.New(), "records", "")
		require.NoError(t, job.CompleteListing(10))
		require.NoError(t, job.Complete())
		assert.Equal(t, JobStatusCompleted, job.Status())
	})

	t.Run("fail during listing", func(t *testing.T) {
		job := NewJob(uuid.New(), "records", "")
		require.NoError(t, job.Fail())
		assert.Equal(t, JobStatusFailed, job.Status())
	})

	t.Run("abort during processing", func(t *testing.T) {
		job := NewJob(uuid.New(), "records", "")
		require.NoError(t, job.CompleteListing(5))
		require.NoError(t, job.Abort())
		assert.Equal(t, JobStatusAborted, job.Status())
	})

	t.Run("terminal states reject further transitions", func(t *testing.T) {
		job := NewJob(uuid.New(), "records", "")
		require.NoError(t, job.Fail())

		err := job.Complete()
		require.Error(t, err)
		var transitionErr *InvalidTransitionError
		assert.ErrorAs(t, err, &transitionErr)
		assert.Equal(t, JobStatusFailed, job.Status())
	})

	t.Run("listing cannot complete without completing listing twice", func(t *testing.T) {
		job := NewJob(uuid.New(), "records", "")
		require.NoError(t, job.CompleteListing(3))
		assert.Error(t, job.CompleteListing(3))
	})
}

func TestParseJobStatus(t *testing.T) {
	assert.Equal(t, JobStatusProcessing, ParseJobStatus("PROCESSING"))
	assert.Equal(t, JobStatus(""), ParseJobStatus("bogus"))
}

func TestJobCounts(t *testing.T) {
	counts := JobCounts{Total: 10, Queued: 2, Processing: 2, Succeeded: 5, Failed: 1}

	assert.Equal(t, int64(6), counts.Processed())
	assert.InDelta(t, 60.0, counts.ProgressPercent(), 0.001)
	assert.False(t, counts.AllTerminal())

	done := JobCounts{Total: 10, Succeeded: 9, Failed: 1}
	assert.True(t, done.AllTerminal())
	assert.InDelta(t, 100.0, done.ProgressPercent(), 0.001)

	empty := JobCounts{}
	assert.Zero(t, empty.ProgressPercent())
	assert.False(t, empty.AllTerminal())
}

func TestWorkItemLifecycle(t *testing.T) {
	key := ItemKey{
		JobID:       uuid.New(),
		Collection:  "records",
		ObjectKey:   "exports/a.csv",
		Fingerprint: "abc123",
	}
	item := NewWorkItem(key, 1024)
	assert.Equal(t, ItemStatusQueued, item.Status())

	item.Start()
	assert.Equal(t, ItemStatusProcessing, item.Status())

	item.FailWith(assert.AnError)
	assert.Equal(t, ItemStatusFailed, item.Status())
	assert.Equal(t, assert.AnError.Error(), item.LastError())
	assert.True(t, item.Status().IsTerminal())

	// Redelivery may reprocess a failed item; success clears the error.
	item.Start()
	item.Succeed()
	assert.Equal(t, ItemStatusSucceeded, item.Status())
	assert.Empty(t, item.LastError())
}

func TestItemMessageGroupKey(t *testing.T) {
	msg := ItemMessage{
		JobID:      uuid.New(),
		Collection: "records",
		ObjectKey:  "a.csv",
	}
	assert.Equal(t, "records", msg.GroupKey())
	assert.Equal(t, msg.JobID, msg.ItemKey().JobID)
}

func TestCursorCheckpointRoundTrip(t *testing.T) {
	c := Cursor{Token: "page-3-token", Discovered: 2500}
	assert.Equal(t, c, DecodeCursor(c.Encode()))

	// A zero cursor encodes to nothing so a fresh job carries no handle.
	assert.Empty(t, Cursor{}.Encode())

	// Empty or corrupt checkpoints restart from the top rather than erroring.
	assert.Equal(t, Cursor{}, DecodeCursor(""))
	assert.Equal(t, Cursor{}, DecodeCursor("not json"))
}
