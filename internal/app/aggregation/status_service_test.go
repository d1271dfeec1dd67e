package aggregation

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahrav/datasentry/internal/domain/scanning"
	"github.com/ahrav/datasentry/internal/infra/eventbus/memory"
	"github.com/ahrav/datasentry/internal/infra/storage"
	"github.com/ahrav/datasentry/pkg/common/logger"
)

type fakeJobRepo struct {
	jobs     map[uuid.UUID]*scanning.Job
	promoted []uuid.UUID
}

func newFakeJobRepo() *fakeJobRepo {
	return &fakeJobRepo{jobs: make(map[uuid.UUID]*scanning.Job)}
}

func (r *fakeJobRepo) CreateJob(_ context.Context, job *scanning.Job) error {
	r.jobs[job.JobID()] = job
	return nil
}

func (r *fakeJobRepo) GetJob(_ context.Context, jobID uuid.UUID) (*scanning.Job, error) {
	job, ok := r.jobs[jobID]
	if !ok {
		return nil, scanning.ErrJobNotFound
	}
	return job, nil
}

func (r *fakeJobRepo) UpdateJob(_ context.Context, job *scanning.Job) error {
	r.jobs[job.JobID()] = job
	return nil
}

func (r *fakeJobRepo) ListJobsByStatus(_ context.Context, status scanning.JobStatus) ([]*scanning.Job, error) {
	var out []*scanning.Job
	for _, job := range r.jobs {
		if job.Status() == status {
			out = append(out, job)
		}
	}
	return out, nil
}

func (r *fakeJobRepo) CompleteFinishedJobs(context.Context) ([]uuid.UUID, error) {
	return r.promoted, nil
}

type fakeItemRepo struct {
	counts map[uuid.UUID]scanning.JobCounts
}

func (r *fakeItemRepo) UpsertItems(context.Context, []*scanning.WorkItem) (int64, error) {
	return 0, nil
}

func (r *fakeItemRepo) GetItem(context.Context, scanning.ItemKey) (*scanning.WorkItem, error) {
	return nil, scanning.ErrItemNotFound
}

func (r *fakeItemRepo) UpdateItemStatus(context.Context, scanning.ItemKey, scanning.ItemStatus, string) error {
	return nil
}

func (r *fakeItemRepo) CountsByJob(_ context.Context, jobID uuid.UUID) (scanning.JobCounts, error) {
	return r.counts[jobID], nil
}

type fakeCacheRepo struct {
	views     map[uuid.UUID]*scanning.JobStatusView
	refreshed int
}

func newFakeCacheRepo() *fakeCacheRepo {
	return &fakeCacheRepo{views: make(map[uuid.UUID]*scanning.JobStatusView)}
}

func (r *fakeCacheRepo) GetCachedStatus(_ context.Context, jobID uuid.UUID) (*scanning.JobStatusView, error) {
	view, ok := r.views[jobID]
	if !ok {
		return nil, scanning.ErrNoCachedStatus
	}
	return view, nil
}

func (r *fakeCacheRepo) RefreshAll(context.Context) error {
	r.refreshed++
	return nil
}

func newTestService(jobs *fakeJobRepo, items *fakeItemRepo, cache *fakeCacheRepo) *StatusService {
	log := logger.New(io.Discard, logger.LevelError, "test", nil)
	return NewStatusService(jobs, items, cache, log, storage.NoOpTracer())
}

func TestGetStatusServesCachedView(t *testing.T) {
	jobs := newFakeJobRepo()
	cache := newFakeCacheRepo()
	jobID := uuid.New()
	cache.views[jobID] = &scanning.JobStatusView{
		JobID:           jobID,
		Status:          scanning.JobStatusProcessing,
		Counts:          scanning.JobCounts{Total: 10, Succeeded: 4},
		ProgressPercent: 40,
		Freshness: &scanning.Freshness{
			RefreshedAt:     time.Now().Add(-10 * time.Second),
			RefreshDuration: 50 * time.Millisecond,
		},
	}

	svc := newTestService(jobs, &fakeItemRepo{}, cache)
	view, err := svc.GetStatus(context.Background(), jobID, true)
	require.NoError(t, err)
	assert.Equal(t, scanning.JobStatusProcessing, view.Status)
	require.NotNil(t, view.Freshness, "cached reads carry freshness")
}

func TestGetStatusFallsBackToLiveWhenUncached(t *testing.T) {
	jobs := newFakeJobRepo()
	job := scanning.NewJob(uuid.New(), "records", "")
	require.NoError(t, job.CompleteListing(4))
	require.NoError(t, jobs.CreateJob(context.Background(), job))

	items := &fakeItemRepo{counts: map[uuid.UUID]scanning.JobCounts{
		job.JobID(): {Total: 4, Queued: 2, Succeeded: 2},
	}}

	svc := newTestService(jobs, items, newFakeCacheRepo())
	view, err := svc.GetStatus(context.Background(), job.JobID(), true)
	require.NoError(t, err)

	assert.Equal(t, scanning.JobStatusProcessing, view.Status)
	assert.Equal(t, int64(4), view.Counts.Total)
	assert.InDelta(t, 50.0, view.ProgressPercent, 0.001)
	assert.Nil(t, view.Freshness, "live reads carry no freshness")
}

func TestLiveReadPromotesFinishedProcessingJob(t *testing.T) {
	jobs := newFakeJobRepo()
	job := scanning.NewJob(uuid.New(), "records", "")
	require.NoError(t, job.CompleteListing(3))
	require.NoError(t, jobs.CreateJob(context.Background(), job))

	items := &fakeItemRepo{counts: map[uuid.UUID]scanning.JobCounts{
		job.JobID(): {Total: 3, Succeeded: 2, Failed: 1},
	}}

	svc := newTestService(jobs, items, newFakeCacheRepo())
	view, err := svc.GetStatus(context.Background(), job.JobID(), false)
	require.NoError(t, err)

	// The refresher has not promoted the row yet; the live view already
	// reports the effective terminal state.
	assert.Equal(t, scanning.JobStatusCompleted, view.Status)
	assert.InDelta(t, 100.0, view.ProgressPercent, 0.001)
}

func TestGetStatusUnknownJob(t *testing.T) {
	svc := newTestService(newFakeJobRepo(), &fakeItemRepo{}, newFakeCacheRepo())
	_, err := svc.GetStatus(context.Background(), uuid.New(), true)
	assert.ErrorIs(t, err, scanning.ErrJobNotFound)
}

func TestRefreshOncePromotesAndRebuilds(t *testing.T) {
	jobs := newFakeJobRepo()
	promoted := uuid.New()
	jobs.promoted = []uuid.UUID{promoted}
	cache := newFakeCacheRepo()
	bus := memory.NewPublisher()

	log := logger.New(io.Discard, logger.LevelError, "test", nil)
	refresher := NewRefresher(jobs, cache, bus, "", log, storage.NoOpTracer())

	require.NoError(t, refresher.RefreshOnce(context.Background()))

	assert.Equal(t, 1, cache.refreshed)
	events := bus.Events()
	require.Len(t, events, 1)
	assert.Equal(t, scanning.EventTypeJobCompleted, events[0].Type)
	assert.Equal(t, promoted.String(), events[0].Key)
}
