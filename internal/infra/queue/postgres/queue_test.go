package postgres

import (
	"context"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahrav/datasentry/internal/domain/scanning"
	"github.com/ahrav/datasentry/internal/infra/storage"
	"github.com/ahrav/datasentry/pkg/common/logger"
)

func newTestQueue(t *testing.T, cfg Config) *workQueue {
	t.Helper()
	pool, cleanup := storage.SetupTestContainer(t)
	t.Cleanup(cleanup)
	log := logger.New(io.Discard, logger.LevelError, "test", nil)
	return NewWorkQueue(pool, cfg, log, storage.NoOpTracer())
}

func testMessage(group, key string) scanning.ItemMessage {
	return scanning.ItemMessage{
		JobID:       uuid.New(),
		Collection:  group,
		ObjectKey:   key,
		Fingerprint: "fp-" + key,
		Size:        64,
	}
}

func TestPublishReceiveAck(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	q := newTestQueue(t, DefaultConfig())
	ctx := context.Background()

	msg := testMessage("records", "a.txt")
	require.NoError(t, q.Publish(ctx, msg))

	depth, err := q.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), depth)

	deliveries, err := q.Receive(ctx, 10, time.Second)
	require.NoError(t, err)
	require.Len(t, deliveries, 1)
	assert.Equal(t, msg.ObjectKey, deliveries[0].Message.ObjectKey)
	assert.Equal(t, 1, deliveries[0].Attempts)

	// The claimed message is invisible to a second consumer.
	_, err = q.Receive(ctx, 10, 100*time.Millisecond)
	assert.ErrorIs(t, err, scanning.ErrNoMessages)

	require.NoError(t, q.Ack(ctx, deliveries[0].Handle))

	depth, err = q.Depth(ctx)
	require.NoError(t, err)
	assert.Zero(t, depth)
}

func TestVisibilityTimeoutRedelivers(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	cfg := DefaultConfig()
	cfg.VisibilityTimeout = time.Second
	cfg.PollInterval = 200 * time.Millisecond
	q := newTestQueue(t, cfg)
	ctx := context.Background()

	require.NoError(t, q.Publish(ctx, testMessage("records", "a.txt")))

	first, err := q.Receive(ctx, 1, time.Second)
	require.NoError(t, err)
	require.Len(t, first, 1)

	// Never acked: after the visibility window the message comes back with
	// a bumped attempt count.
	redelivered, err := q.Receive(ctx, 1, 5*time.Second)
	require.NoError(t, err)
	require.Len(t, redelivered, 1)
	assert.Equal(t, 2, redelivered[0].Attempts)
	assert.NotEqual(t, first[0].Handle.ClaimToken, redelivered[0].Handle.ClaimToken)
}

func TestStaleAckIsNoOp(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	cfg := DefaultConfig()
	cfg.VisibilityTimeout = time.Second
	cfg.PollInterval = 200 * time.Millisecond
	q := newTestQueue(t, cfg)
	ctx := context.Background()

	require.NoError(t, q.Publish(ctx, testMessage("records", "a.txt")))

	first, err := q.Receive(ctx, 1, time.Second)
	require.NoError(t, err)
	require.Len(t, first, 1)

	second, err := q.Receive(ctx, 1, 5*time.Second)
	require.NoError(t, err)
	require.Len(t, second, 1)

	// The first consumer's handle went stale when the message was
	// reclaimed; its ack must not delete the newer claim.
	require.NoError(t, q.Ack(ctx, first[0].Handle))
	depth, err := q.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), depth)

	require.NoError(t, q.Ack(ctx, second[0].Handle))
	depth, err = q.Depth(ctx)
	require.NoError(t, err)
	assert.Zero(t, depth)
}

func TestExhaustedMessageDeadLettersAndRequeues(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	cfg := DefaultConfig()
	cfg.VisibilityTimeout = 500 * time.Millisecond
	cfg.MaxDeliveryAttempts = 2
	cfg.PollInterval = 100 * time.Millisecond
	q := newTestQueue(t, cfg)
	ctx := context.Background()

	msg := testMessage("records", "poison.txt")
	require.NoError(t, q.Publish(ctx, msg))

	// Burn through the delivery budget without acking.
	for i := 0; i < 2; i++ {
		deliveries, err := q.Receive(ctx, 1, 5*time.Second)
		require.NoError(t, err)
		require.Len(t, deliveries, 1)
		time.Sleep(600 * time.Millisecond)
	}

	// The next claim pass sweeps it to the dead-letter table instead of
	// delivering a third time.
	_, err := q.Receive(ctx, 1, time.Second)
	assert.ErrorIs(t, err, scanning.ErrNoMessages)

	letters, err := q.ListDeadLetters(ctx, 0, 10)
	require.NoError(t, err)
	require.Len(t, letters, 1)
	assert.Equal(t, msg.ObjectKey, letters[0].Message.ObjectKey)
	assert.Equal(t, 2, letters[0].Attempts)
	assert.NotEmpty(t, letters[0].Reason)

	// Operator requeue restores delivery with a fresh budget.
	require.NoError(t, q.RequeueDeadLetter(ctx, letters[0].ID))

	deliveries, err := q.Receive(ctx, 1, 5*time.Second)
	require.NoError(t, err)
	require.Len(t, deliveries, 1)
	assert.Equal(t, 1, deliveries[0].Attempts)

	letters, err = q.ListDeadLetters(ctx, 0, 10)
	require.NoError(t, err)
	assert.Empty(t, letters)
}

func TestReceivePrefersStarvedGroups(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	q := newTestQueue(t, DefaultConfig())
	ctx := context.Background()

	// A large tenant fills the queue first.
	for i := 0; i < 10; i++ {
		require.NoError(t, q.Publish(ctx, testMessage("big-tenant", fmt.Sprintf("big-%02d.txt", i))))
	}

	// Claim half of it so big-tenant has in-flight deliveries.
	claimed, err := q.Receive(ctx, 5, time.Second)
	require.NoError(t, err)
	require.Len(t, claimed, 5)

	// A small tenant shows up afterwards.
	require.NoError(t, q.Publish(ctx, testMessage("small-tenant", "small.txt")))

	// Despite arriving last, the small tenant's message is served next
	// because its group has nothing in flight.
	next, err := q.Receive(ctx, 1, time.Second)
	require.NoError(t, err)
	require.Len(t, next, 1)
	assert.Equal(t, "small-tenant", next[0].Message.Collection)
}

func TestReceiveBatchBound(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	q := newTestQueue(t, DefaultConfig())
	ctx := context.Background()

	for i := 0; i < 7; i++ {
		require.NoError(t, q.Publish(ctx, testMessage("records", fmt.Sprintf("f-%d.txt", i))))
	}

	deliveries, err := q.Receive(ctx, 3, time.Second)
	require.NoError(t, err)
	assert.Len(t, deliveries, 3)
}
