package postgres

import (
	"context"
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahrav/datasentry/internal/domain/scanning"
	"github.com/ahrav/datasentry/internal/infra/storage"
)

func setupStores(t *testing.T) (*pgxpool.Pool, *jobStore, *workItemStore, *findingStore, *statusCacheStore) {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	pool, cleanup := storage.SetupTestContainer(t)
	t.Cleanup(cleanup)

	tracer := storage.NoOpTracer()
	return pool,
		NewJobStore(pool, tracer),
		NewWorkItemStore(pool, tracer),
		NewFindingStore(pool, tracer),
		NewStatusCacheStore(pool, tracer)
}

func makeItems(jobID uuid.UUID, n int) []*scanning.WorkItem {
	items := make([]*scanning.WorkItem, 0, n)
	for i := 0; i < n; i++ {
		items = append(items, scanning.NewWorkItem(scanning.ItemKey{
			JobID:       jobID,
			Collection:  "records",
			ObjectKey:   fmt.Sprintf("exports/file-%02d.txt", i),
			Fingerprint: fmt.Sprintf("fp-%02d", i),
		}, 128))
	}
	return items
}

func TestJobStoreRoundTrip(t *testing.T) {
	_, jobs, _, _, _ := setupStores(t)
	ctx := context.Background()

	job := scanning.NewJob(uuid.New(), "records", "exports/")
	job.AttachRunHandle("run-42")
	require.NoError(t, jobs.CreateJob(ctx, job))

	loaded, err := jobs.GetJob(ctx, job.JobID())
	require.NoError(t, err)
	assert.Equal(t, job.JobID(), loaded.JobID())
	assert.Equal(t, "records", loaded.Collection())
	assert.Equal(t, "exports/", loaded.Prefix())
	assert.Equal(t, "run-42", loaded.RunHandle())
	assert.Equal(t, scanning.JobStatusListing, loaded.Status())

	listing, err := jobs.ListJobsByStatus(ctx, scanning.JobStatusListing)
	require.NoError(t, err)
	require.Len(t, listing, 1)
	assert.Equal(t, job.JobID(), listing[0].JobID())

	require.NoError(t, loaded.CompleteListing(5))
	require.NoError(t, jobs.UpdateJob(ctx, loaded))

	reloaded, err := jobs.GetJob(ctx, job.JobID())
	require.NoError(t, err)
	assert.Equal(t, scanning.JobStatusProcessing, reloaded.Status())

	// The job left the Listing state, so startup resume no longer sees it.
	listing, err = jobs.ListJobsByStatus(ctx, scanning.JobStatusListing)
	require.NoError(t, err)
	assert.Empty(t, listing)

	_, err = jobs.GetJob(ctx, uuid.New())
	assert.ErrorIs(t, err, scanning.ErrJobNotFound)
}

func TestUpsertItemsIsIdempotent(t *testing.T) {
	_, jobs, items, _, _ := setupStores(t)
	ctx := context.Background()

	job := scanning.NewJob(uuid.New(), "records", "")
	require.NoError(t, jobs.CreateJob(ctx, job))

	batch := makeItems(job.JobID(), 3)
	inserted, err := items.UpsertItems(ctx, batch)
	require.NoError(t, err)
	assert.Equal(t, int64(3), inserted)

	// A replayed listing page inserts nothing new.
	inserted, err = items.UpsertItems(ctx, batch)
	require.NoError(t, err)
	assert.Zero(t, inserted)

	// A new version of an object (different fingerprint) is a new item.
	changed := scanning.NewWorkItem(scanning.ItemKey{
		JobID:       job.JobID(),
		Collection:  "records",
		ObjectKey:   "exports/file-00.txt",
		Fingerprint: "fp-rewritten",
	}, 256)
	inserted, err = items.UpsertItems(ctx, []*scanning.WorkItem{changed})
	require.NoError(t, err)
	assert.Equal(t, int64(1), inserted)
}

func TestUpdateItemStatusAndCounts(t *testing.T) {
	_, jobs, items, findings, _ := setupStores(t)
	ctx := context.Background()

	job := scanning.NewJob(uuid.New(), "records", "")
	require.NoError(t, jobs.CreateJob(ctx, job))

	batch := makeItems(job.JobID(), 4)
	_, err := items.UpsertItems(ctx, batch)
	require.NoError(t, err)

	require.NoError(t, items.UpdateItemStatus(ctx, batch[0].Key(), scanning.ItemStatusSucceeded, ""))
	require.NoError(t, items.UpdateItemStatus(ctx, batch[1].Key(), scanning.ItemStatusFailed, "object gone"))
	require.NoError(t, items.UpdateItemStatus(ctx, batch[2].Key(), scanning.ItemStatusProcessing, ""))

	_, err = findings.InsertFindings(ctx, []scanning.Finding{{
		JobID:        job.JobID(),
		Collection:   "records",
		ObjectKey:    batch[0].Key().ObjectKey,
		Fingerprint:  batch[0].Key().Fingerprint,
		DetectorType: scanning.DetectorTypeSSN,
		MaskedValue:  "***-**-4399",
		ByteOffset:   17,
	}})
	require.NoError(t, err)

	counts, err := items.CountsByJob(ctx, job.JobID())
	require.NoError(t, err)
	assert.Equal(t, scanning.JobCounts{
		Total:        4,
		Queued:       1,
		Processing:   1,
		Succeeded:    1,
		Failed:       1,
		FindingCount: 1,
	}, counts)

	failed, err := items.GetItem(ctx, batch[1].Key())
	require.NoError(t, err)
	assert.Equal(t, scanning.ItemStatusFailed, failed.Status())
	assert.Equal(t, "object gone", failed.LastError())

	missing := scanning.ItemKey{
		JobID:       job.JobID(),
		Collection:  "records",
		ObjectKey:   "nope",
		Fingerprint: "nope",
	}
	err = items.UpdateItemStatus(ctx, missing, scanning.ItemStatusSucceeded, "")
	assert.ErrorIs(t, err, scanning.ErrItemNotFound)

	_, err = items.GetItem(ctx, missing)
	assert.ErrorIs(t, err, scanning.ErrItemNotFound)
}

func TestInsertFindingsDeduplicates(t *testing.T) {
	_, jobs, _, findings, _ := setupStores(t)
	ctx := context.Background()

	job := scanning.NewJob(uuid.New(), "records", "")
	require.NoError(t, jobs.CreateJob(ctx, job))

	finding := scanning.Finding{
		JobID:          job.JobID(),
		Collection:     "records",
		ObjectKey:      "exports/a.txt",
		Fingerprint:    "fp-a",
		DetectorType:   scanning.DetectorTypePaymentCard,
		MaskedValue:    "**** **** **** 9010",
		ContextSnippet: "card **** **** **** 9010 on file",
		ByteOffset:     5,
	}

	inserted, err := findings.InsertFindings(ctx, []scanning.Finding{finding})
	require.NoError(t, err)
	assert.Equal(t, int64(1), inserted)

	// Reprocessing the same object version yields the same logical finding.
	inserted, err = findings.InsertFindings(ctx, []scanning.Finding{finding})
	require.NoError(t, err)
	assert.Zero(t, inserted)

	// Same offset in a different object version is a distinct finding.
	finding.Fingerprint = "fp-a-v2"
	inserted, err = findings.InsertFindings(ctx, []scanning.Finding{finding})
	require.NoError(t, err)
	assert.Equal(t, int64(1), inserted)
}

func TestListFindingsPagination(t *testing.T) {
	_, jobs, _, findings, _ := setupStores(t)
	ctx := context.Background()

	job := scanning.NewJob(uuid.New(), "records", "")
	require.NoError(t, jobs.CreateJob(ctx, job))

	batch := make([]scanning.Finding, 0, 5)
	for i := 0; i < 5; i++ {
		batch = append(batch, scanning.Finding{
			JobID:        job.JobID(),
			Collection:   "records",
			ObjectKey:    "exports/a.txt",
			Fingerprint:  "fp-a",
			DetectorType: scanning.DetectorTypeEmail,
			MaskedValue:  "***@*******.com",
			ByteOffset:   int64(i * 100),
		})
	}
	_, err := findings.InsertFindings(ctx, batch)
	require.NoError(t, err)

	page1, err := findings.ListFindings(ctx, job.JobID(), scanning.FindingCursor{}, 2)
	require.NoError(t, err)
	require.Len(t, page1.Findings, 2)
	require.NotNil(t, page1.Next)

	page2, err := findings.ListFindings(ctx, job.JobID(), *page1.Next, 2)
	require.NoError(t, err)
	require.Len(t, page2.Findings, 2)
	assert.Greater(t, page2.Findings[0].ID, page1.Findings[1].ID)

	require.NotNil(t, page2.Next)
	page3, err := findings.ListFindings(ctx, job.JobID(), *page2.Next, 2)
	require.NoError(t, err)
	assert.Len(t, page3.Findings, 1)
	assert.Nil(t, page3.Next)
}

func TestCompleteFinishedJobsPromotesOnlyDrainedJobs(t *testing.T) {
	_, jobs, items, _, _ := setupStores(t)
	ctx := context.Background()

	finished := scanning.NewJob(uuid.New(), "records", "")
	require.NoError(t, finished.CompleteListing(2))
	require.NoError(t, jobs.CreateJob(ctx, finished))

	pending := scanning.NewJob(uuid.New(), "records", "")
	require.NoError(t, pending.CompleteListing(1))
	require.NoError(t, jobs.CreateJob(ctx, pending))

	finishedItems := makeItems(finished.JobID(), 2)
	_, err := items.UpsertItems(ctx, finishedItems)
	require.NoError(t, err)
	require.NoError(t, items.UpdateItemStatus(ctx, finishedItems[0].Key(), scanning.ItemStatusSucceeded, ""))
	require.NoError(t, items.UpdateItemStatus(ctx, finishedItems[1].Key(), scanning.ItemStatusFailed, "bad object"))

	pendingItems := makeItems(pending.JobID(), 1)
	_, err = items.UpsertItems(ctx, pendingItems)
	require.NoError(t, err)

	promoted, err := jobs.CompleteFinishedJobs(ctx)
	require.NoError(t, err)
	require.Len(t, promoted, 1)
	assert.Equal(t, finished.JobID(), promoted[0])

	loaded, err := jobs.GetJob(ctx, finished.JobID())
	require.NoError(t, err)
	assert.Equal(t, scanning.JobStatusCompleted, loaded.Status())

	stillPending, err := jobs.GetJob(ctx, pending.JobID())
	require.NoError(t, err)
	assert.Equal(t, scanning.JobStatusProcessing, stillPending.Status())

	// Promotion is idempotent across refresh passes.
	promoted, err = jobs.CompleteFinishedJobs(ctx)
	require.NoError(t, err)
	assert.Empty(t, promoted)
}

func TestStatusCacheRefreshAndRead(t *testing.T) {
	_, jobs, items, findings, cache := setupStores(t)
	ctx := context.Background()

	job := scanning.NewJob(uuid.New(), "records", "")
	require.NoError(t, job.CompleteListing(3))
	require.NoError(t, jobs.CreateJob(ctx, job))

	batch := makeItems(job.JobID(), 3)
	_, err := items.UpsertItems(ctx, batch)
	require.NoError(t, err)
	require.NoError(t, items.UpdateItemStatus(ctx, batch[0].Key(), scanning.ItemStatusSucceeded, ""))

	_, err = findings.InsertFindings(ctx, []scanning.Finding{{
		JobID:        job.JobID(),
		Collection:   "records",
		ObjectKey:    batch[0].Key().ObjectKey,
		Fingerprint:  batch[0].Key().Fingerprint,
		DetectorType: scanning.DetectorTypePhone,
		MaskedValue:  "(***) ***-5309",
		ByteOffset:   3,
	}})
	require.NoError(t, err)

	// Before the first refresh the cache has nothing for this job.
	_, err = cache.GetCachedStatus(ctx, job.JobID())
	assert.ErrorIs(t, err, scanning.ErrNoCachedStatus)

	require.NoError(t, cache.RefreshAll(ctx))

	view, err := cache.GetCachedStatus(ctx, job.JobID())
	require.NoError(t, err)
	assert.Equal(t, scanning.JobStatusProcessing, view.Status)
	assert.Equal(t, int64(3), view.Counts.Total)
	assert.Equal(t, int64(1), view.Counts.Succeeded)
	assert.Equal(t, int64(1), view.Counts.FindingCount)
	require.NotNil(t, view.Freshness)
	assert.False(t, view.Freshness.RefreshedAt.IsZero())

	// Progress the job and refresh again; the cache converges.
	require.NoError(t, items.UpdateItemStatus(ctx, batch[1].Key(), scanning.ItemStatusSucceeded, ""))
	require.NoError(t, items.UpdateItemStatus(ctx, batch[2].Key(), scanning.ItemStatusSucceeded, ""))
	require.NoError(t, cache.RefreshAll(ctx))

	view, err = cache.GetCachedStatus(ctx, job.JobID())
	require.NoError(t, err)
	assert.Equal(t, int64(3), view.Counts.Succeeded)
	assert.InDelta(t, 100.0, view.ProgressPercent, 0.001)
}
