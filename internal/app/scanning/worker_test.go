package scanning

import (
	"context"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahrav/datasentry/internal/config"
	"github.com/ahrav/datasentry/internal/detection"
	domain "github.com/ahrav/datasentry/internal/domain/scanning"
	"github.com/ahrav/datasentry/internal/infra/eventbus/memory"
	objmemory "github.com/ahrav/datasentry/internal/infra/objstore/memory"
	"github.com/ahrav/datasentry/internal/infra/storage"
	"github.com/ahrav/datasentry/pkg/common/logger"
)

type fakeItemRepo struct {
	mu       sync.Mutex
	statuses map[domain.ItemKey]domain.ItemStatus
	errs     map[domain.ItemKey]string
}

func newFakeItemRepo() *fakeItemRepo {
	return &fakeItemRepo{
		statuses: make(map[domain.ItemKey]domain.ItemStatus),
		errs:     make(map[domain.ItemKey]string),
	}
}

func (r *fakeItemRepo) UpsertItems(_ context.Context, items []*domain.WorkItem) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var inserted int64
	for _, item := range items {
		if _, ok := r.statuses[item.Key()]; !ok {
			r.statuses[item.Key()] = item.Status()
			inserted++
		}
	}
	return inserted, nil
}

func (r *fakeItemRepo) GetItem(_ context.Context, key domain.ItemKey) (*domain.WorkItem, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	status, ok := r.statuses[key]
	if !ok {
		return nil, domain.ErrItemNotFound
	}
	return domain.ReconstructWorkItem(key, 0, status, r.errs[key], time.Time{}), nil
}

func (r *fakeItemRepo) UpdateItemStatus(_ context.Context, key domain.ItemKey, status domain.ItemStatus, lastError string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses[key] = status
	r.errs[key] = lastError
	return nil
}

func (r *fakeItemRepo) CountsByJob(context.Context, uuid.UUID) (domain.JobCounts, error) {
	return domain.JobCounts{}, nil
}

func (r *fakeItemRepo) statusOf(key domain.ItemKey) domain.ItemStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.statuses[key]
}

func (r *fakeItemRepo) lastErrorOf(key domain.ItemKey) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.errs[key]
}

// fakeFindingRepo enforces the same dedup constraint as the real store.
type fakeFindingRepo struct {
	mu   sync.Mutex
	seen map[string]domain.Finding
}

func newFakeFindingRepo() *fakeFindingRepo {
	return &fakeFindingRepo{seen: make(map[string]domain.Finding)}
}

func (r *fakeFindingRepo) InsertFindings(_ context.Context, findings []domain.Finding) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var inserted int64
	for _, f := range findings {
		key := fmt.Sprintf("%s|%s|%s|%s|%d", f.Collection, f.ObjectKey, f.Fingerprint, f.DetectorType, f.ByteOffset)
		if _, ok := r.seen[key]; ok {
			continue
		}
		r.seen[key] = f
		inserted++
	}
	return inserted, nil
}

func (r *fakeFindingRepo) ListFindings(context.Context, uuid.UUID, domain.FindingCursor, int) (domain.FindingPage, error) {
	return domain.FindingPage{}, nil
}

func (r *fakeFindingRepo) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.seen)
}


type queuedMessage struct {
	delivery domain.Delivery
	acked    bool
}

// fakeQueue hands out deliveries and tracks acks by claim token.
type fakeQueue struct {
	mu       sync.Mutex
	pending  []domain.ItemMessage
	inflight map[int64]*queuedMessage
	nextID   int64
	attempts map[domain.ItemKey]int
}

func newFakeQueue() *fakeQueue {
	return &fakeQueue{
		inflight: make(map[int64]*queuedMessage),
		attempts: make(map[domain.ItemKey]int),
	}
}

func (q *fakeQueue) Publish(_ context.Context, msg domain.ItemMessage) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending = append(q.pending, msg)
	return nil
}

func (q *fakeQueue) Receive(_ context.Context, maxBatch int, _ time.Duration) ([]domain.Delivery, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pending) == 0 {
		return nil, domain.ErrNoMessages
	}
	n := min(maxBatch, len(q.pending))
	deliveries := make([]domain.Delivery, 0, n)
	for _, msg := range q.pending[:n] {
		q.nextID++
		q.attempts[msg.ItemKey()]++
		d := domain.Delivery{
			Message:  msg,
			Handle:   domain.DeliveryHandle{MessageID: q.nextID, ClaimToken: uuid.New()},
			Attempts: q.attempts[msg.ItemKey()],
		}
		q.inflight[q.nextID] = &queuedMessage{delivery: d}
		deliveries = append(deliveries, d)
	}
	q.pending = q.pending[n:]
	return deliveries, nil
}

func (q *fakeQueue) Ack(_ context.Context, handle domain.DeliveryHandle) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if m, ok := q.inflight[handle.MessageID]; ok && m.delivery.Handle.ClaimToken == handle.ClaimToken {
		m.acked = true
	}
	return nil
}

func (q *fakeQueue) Depth(context.Context) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	depth := int64(len(q.pending))
	for _, m := range q.inflight {
		if !m.acked {
			depth++
		}
	}
	return depth, nil
}

func (q *fakeQueue) ListDeadLetters(context.Context, int64, int) ([]domain.DeadLetter, error) {
	return nil, nil
}

func (q *fakeQueue) RequeueDeadLetter(context.Context, int64) error { return nil }

func (q *fakeQueue) allAcked() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, m := range q.inflight {
		if !m.acked {
			return false
		}
	}
	return len(q.pending) == 0
}

func newTestWorker(
	t *testing.T,
	store domain.ObjectStore,
	cfg config.WorkerConfig,
) (*Worker, *fakeQueue, *fakeItemRepo, *fakeFindingRepo, *memory.Publisher) {
	t.Helper()
	engine, err := detection.NewDefaultEngine(false)
	require.NoError(t, err)

	queue := newFakeQueue()
	items := newFakeItemRepo()
	findings := newFakeFindingRepo()
	bus := memory.NewPublisher()
	log := logger.New(io.Discard, logger.LevelError, "test", nil)
	worker := NewWorker(queue, items, findings, store, engine, bus, cfg, log, storage.NoOpTracer())
	return worker, queue, items, findings, bus
}

// publishObject mirrors the listing path: the item is registered before its
// message is published.
func publishObject(t *testing.T, queue *fakeQueue, items *fakeItemRepo, store *objmemory.Store, jobID uuid.UUID, collection, key string, content []byte) domain.ItemMessage {
	t.Helper()
	store.PutObject(collection, key, content)

	ctx := context.Background()
	page, err := store.List(ctx, collection, "", "", 1000)
	require.NoError(t, err)

	for _, obj := range page.Objects {
		if obj.Key != key {
			continue
		}
		msg := domain.ItemMessage{
			JobID:       jobID,
			Collection:  collection,
			ObjectKey:   obj.Key,
			Fingerprint: obj.Fingerprint,
			Size:        obj.Size,
		}
		_, err := items.UpsertItems(ctx, []*domain.WorkItem{domain.NewWorkItem(msg.ItemKey(), msg.Size)})
		require.NoError(t, err)
		require.NoError(t, queue.Publish(ctx, msg))
		return msg
	}
	t.Fatalf("object %s not found after put", key)
	return domain.ItemMessage{}
}

func TestProcessBatchRecordsFindings(t *testing.T) {
	store := objmemory.NewStore()
	worker, queue, items, findings, _ := newTestWorker(t, store, config.WorkerConfig{})

	jobID := uuid.New()
	msg := publishObject(t, queue, items, store, jobID, "records", "exports/customers.txt",
		[]byte("name, ssn\nalice, 536-90-4399\n"))

	require.NoError(t, worker.ProcessBatch(context.Background()))

	assert.Equal(t, domain.ItemStatusSucceeded, items.statusOf(msg.ItemKey()))
	assert.Equal(t, 1, findings.count())
	assert.True(t, queue.allAcked())
}

func TestProcessBatchSkipsFilteredObjects(t *testing.T) {
	store := objmemory.NewStore()
	worker, queue, items, findings, _ := newTestWorker(t, store, config.WorkerConfig{
		Filter: config.FilterConfig{Extensions: []string{".txt"}},
	})

	jobID := uuid.New()
	msg := publishObject(t, queue, items, store, jobID, "records", "exports/image.png",
		[]byte("binary stuff with 536-90-4399 inside"))

	require.NoError(t, worker.ProcessBatch(context.Background()))

	// Filtered items count as processed so the job can terminate, but the
	// object is never scanned.
	assert.Equal(t, domain.ItemStatusSucceeded, items.statusOf(msg.ItemKey()))
	assert.Zero(t, findings.count())
	assert.True(t, queue.allAcked())
}

func TestProcessBatchSkipsOversizeObjects(t *testing.T) {
	store := objmemory.NewStore()
	worker, queue, items, findings, _ := newTestWorker(t, store, config.WorkerConfig{
		Filter: config.FilterConfig{MaxSizeBytes: 10},
	})

	jobID := uuid.New()
	msg := publishObject(t, queue, items, store, jobID, "records", "exports/huge.txt",
		[]byte("well over ten bytes of content: 536-90-4399"))

	require.NoError(t, worker.ProcessBatch(context.Background()))

	assert.Equal(t, domain.ItemStatusSucceeded, items.statusOf(msg.ItemKey()))
	assert.Zero(t, findings.count())
}

func TestProcessBatchRecordsFailure(t *testing.T) {
	store := objmemory.NewStore()
	worker, queue, items, _, bus := newTestWorker(t, store, config.WorkerConfig{})

	// Message references an object that was never stored, so the fetch
	// fails. The failure is terminal for the item, not the job.
	msg := domain.ItemMessage{
		JobID:       uuid.New(),
		Collection:  "records",
		ObjectKey:   "exports/missing.txt",
		Fingerprint: "deadbeef",
		Size:        128,
	}
	ctx := context.Background()
	_, err := items.UpsertItems(ctx, []*domain.WorkItem{domain.NewWorkItem(msg.ItemKey(), msg.Size)})
	require.NoError(t, err)
	require.NoError(t, queue.Publish(ctx, msg))

	require.NoError(t, worker.ProcessBatch(context.Background()))

	assert.Equal(t, domain.ItemStatusFailed, items.statusOf(msg.ItemKey()))
	assert.Contains(t, items.lastErrorOf(msg.ItemKey()), "fetching object")
	assert.True(t, queue.allAcked(), "failed items still ack so they are not redelivered")

	var sawItemFailed bool
	for _, e := range bus.Events() {
		if e.Type == domain.EventTypeItemFailed {
			sawItemFailed = true
		}
	}
	assert.True(t, sawItemFailed)
}

func TestRedeliveryIsIdempotent(t *testing.T) {
	store := objmemory.NewStore()
	worker, queue, items, findings, _ := newTestWorker(t, store, config.WorkerConfig{})

	jobID := uuid.New()
	msg := publishObject(t, queue, items, store, jobID, "records", "exports/customers.txt",
		[]byte("card 4532-1234-5678-9010 on file"))

	ctx := context.Background()
	require.NoError(t, worker.ProcessBatch(ctx))
	require.Equal(t, 1, findings.count())

	// Simulate a visibility timeout redelivery of the already processed
	// message.
	require.NoError(t, queue.Publish(ctx, msg))
	require.NoError(t, worker.ProcessBatch(ctx))

	assert.Equal(t, domain.ItemStatusSucceeded, items.statusOf(msg.ItemKey()))
	assert.Equal(t, 1, findings.count(), "reprocessing must not duplicate findings")
	assert.True(t, queue.allAcked())
}

func TestRedeliveredTerminalItemKeepsItsStatus(t *testing.T) {
	store := objmemory.NewStore()
	worker, queue, items, findings, _ := newTestWorker(t, store, config.WorkerConfig{})

	jobID := uuid.New()
	msg := publishObject(t, queue, items, store, jobID, "records", "exports/customers.txt",
		[]byte("name, ssn\nalice, 536-90-4399\n"))

	ctx := context.Background()
	require.NoError(t, worker.ProcessBatch(ctx))
	require.Equal(t, domain.ItemStatusSucceeded, items.statusOf(msg.ItemKey()))
	require.Equal(t, 1, findings.count())

	// The object disappears, then a visibility timeout redelivers the spent
	// message. The terminal status must stand; the second attempt is never
	// made.
	store.DeleteObject("records", "exports/customers.txt")
	require.NoError(t, queue.Publish(ctx, msg))
	require.NoError(t, worker.ProcessBatch(ctx))

	assert.Equal(t, domain.ItemStatusSucceeded, items.statusOf(msg.ItemKey()))
	assert.Empty(t, items.lastErrorOf(msg.ItemKey()))
	assert.Equal(t, 1, findings.count())
	assert.True(t, queue.allAcked())
}

func TestProcessBatchFailsWhenObjectChangedSinceListing(t *testing.T) {
	store := objmemory.NewStore()
	worker, queue, items, findings, _ := newTestWorker(t, store, config.WorkerConfig{})

	jobID := uuid.New()
	msg := publishObject(t, queue, items, store, jobID, "records", "exports/customers.txt",
		[]byte("ssn 536-90-4399"))

	// The object is rewritten between listing and fetch. Findings for the
	// new version would reference an item that does not exist, so this item
	// fails and the next listing owns the rewrite.
	store.PutObject("records", "exports/customers.txt", []byte("ssn 303-84-1299 rewritten"))

	require.NoError(t, worker.ProcessBatch(context.Background()))

	assert.Equal(t, domain.ItemStatusFailed, items.statusOf(msg.ItemKey()))
	assert.Contains(t, items.lastErrorOf(msg.ItemKey()), "changed since listing")
	assert.Zero(t, findings.count())
	assert.True(t, queue.allAcked())
}

func TestProcessBatchEmptyQueue(t *testing.T) {
	store := objmemory.NewStore()
	worker, _, _, _, _ := newTestWorker(t, store, config.WorkerConfig{})
	assert.NoError(t, worker.ProcessBatch(context.Background()))
}

func TestShouldScan(t *testing.T) {
	store := objmemory.NewStore()
	worker, _, _, _, _ := newTestWorker(t, store, config.WorkerConfig{
		Filter: config.FilterConfig{Extensions: []string{".txt", ".csv"}, MaxSizeBytes: 1000},
	})

	tests := []struct {
		name string
		msg  domain.ItemMessage
		want bool
	}{
		{name: "allowed extension", msg: domain.ItemMessage{ObjectKey: "a.txt", Size: 10}, want: true},
		{name: "uppercase extension allowed", msg: domain.ItemMessage{ObjectKey: "a.TXT", Size: 10}, want: true},
		{name: "disallowed extension", msg: domain.ItemMessage{ObjectKey: "a.png", Size: 10}, want: false},
		{name: "oversize", msg: domain.ItemMessage{ObjectKey: "a.txt", Size: 2000}, want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, worker.shouldScan(tt.msg))
		})
	}
}
