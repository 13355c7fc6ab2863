package relay_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowmesh/flowmesh/internal/relay"
	"github.com/flowmesh/flowmesh/internal/storage"
	"github.com/flowmesh/flowmesh/internal/storage/memory"
	"github.com/flowmesh/flowmesh/pkg/logger"
	"github.com/flowmesh/flowmesh/pkg/metrics"
)

var testMetrics = metrics.New("relay_test")

type fakeBroker struct {
	mu       sync.Mutex
	sent     []string
	failures int
}

func (f *fakeBroker) Send(_ context.Context, topic, key string, payload []byte, headers map[string]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failures > 0 {
		f.failures--
		return errors.New("broker unavailable")
	}
	f.sent = append(f.sent, topic)
	return nil
}

func (f *fakeBroker) Publish(ctx context.Context, topic, key string, payload []byte, headers map[string]string) error {
	return f.Send(ctx, topic, key, payload, headers)
}

func (f *fakeBroker) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func testRelay(store storage.Store, b *fakeBroker) *relay.Relay {
	cfg := relay.DefaultConfig()
	cfg.Claimer = "test-host"
	cfg.BaseBackoff = 10 * time.Millisecond
	cfg.MaxBackoff = time.Second
	return relay.New(cfg, store, b, b, logger.NewTestLogger(), testMetrics)
}

func insertEntry(t *testing.T, store storage.Store, category storage.OutboxCategory, topic string) int64 {
	t.Helper()
	id, err := store.Outbox().Insert(context.Background(), &storage.OutboxEntry{
		Category: category,
		Topic:    topic,
		Type:     "CreateUser",
		Payload:  json.RawMessage(`{}`),
	})
	require.NoError(t, err)
	return id
}

func TestBackoffFormula(t *testing.T) {
	base := time.Second
	ceiling := 300 * time.Second

	assert.Equal(t, time.Second, relay.Backoff(0, base, ceiling))
	assert.Equal(t, 2*time.Second, relay.Backoff(1, base, ceiling))
	assert.Equal(t, 4*time.Second, relay.Backoff(2, base, ceiling))
	assert.Equal(t, 256*time.Second, relay.Backoff(8, base, ceiling))
	// log2(300) < 9, so attempt 9 saturates at the cap.
	assert.Equal(t, ceiling, relay.Backoff(9, base, ceiling))
	assert.Equal(t, ceiling, relay.Backoff(40, base, ceiling))
	assert.Equal(t, base, relay.Backoff(-1, base, ceiling))
}

func TestSweepPublishesAndMarks(t *testing.T) {
	store := memory.NewStore()
	b := &fakeBroker{}
	r := testRelay(store, b)
	ctx := context.Background()

	cmdID := insertEntry(t, store, storage.CategoryCommand, "APP.CMD.CREATEUSER.Q")
	replyID := insertEntry(t, store, storage.CategoryReply, "APP.CMD.REPLY.Q")
	eventID := insertEntry(t, store, storage.CategoryEvent, "events.Users")

	require.NoError(t, r.Sweep(ctx))

	assert.Equal(t, 3, b.sentCount())
	for _, id := range []int64{cmdID, replyID, eventID} {
		entry, err := store.Outbox().FindByID(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, storage.OutboxPublished, entry.Status, "entry %d", id)
		assert.NotNil(t, entry.PublishedAt)
	}
}

func TestSweepReschedulesOnBrokerError(t *testing.T) {
	store := memory.NewStore()
	b := &fakeBroker{failures: 1}
	r := testRelay(store, b)
	ctx := context.Background()

	id := insertEntry(t, store, storage.CategoryCommand, "APP.CMD.CREATEUSER.Q")

	require.NoError(t, r.Sweep(ctx))

	entry, err := store.Outbox().FindByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, storage.OutboxNew, entry.Status)
	assert.Equal(t, 1, entry.Attempts)
	assert.NotNil(t, entry.NextAt)
	assert.Contains(t, entry.LastError, "broker unavailable")

	// Not eligible again until next_at passes.
	require.NoError(t, r.Sweep(ctx))
	assert.Equal(t, 0, b.sentCount())

	time.Sleep(25 * time.Millisecond)
	require.NoError(t, r.Sweep(ctx))
	assert.Equal(t, 1, b.sentCount())

	entry, err = store.Outbox().FindByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, storage.OutboxPublished, entry.Status)
}

// Relay crash recovery: a claimed-but-unpublished row is recovered after the
// stuck threshold and published exactly once by the next sweep.
func TestStuckClaimRecoveredAndPublishedOnce(t *testing.T) {
	store := memory.NewStore()
	b := &fakeBroker{}
	ctx := context.Background()

	id := insertEntry(t, store, storage.CategoryCommand, "APP.CMD.CREATEUSER.Q")

	// A crashed worker claimed the row and never finished.
	claimed, err := store.Outbox().ClaimBatch(ctx, 1, "crashed-host", 10*time.Second)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	sweeper := relay.NewSweeper(relay.SweeperConfig{
		Interval:       time.Second,
		StuckThreshold: time.Nanosecond,
	}, store, logger.NewTestLogger(), testMetrics)

	time.Sleep(time.Millisecond)
	recovered := sweeper.Recover(ctx)
	assert.GreaterOrEqual(t, recovered, int64(1))

	r := testRelay(store, b)
	require.NoError(t, r.Sweep(ctx))
	require.NoError(t, r.Sweep(ctx))

	assert.Equal(t, 1, b.sentCount(), "recovered row publishes exactly once")
	entry, err := store.Outbox().FindByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, storage.OutboxPublished, entry.Status)
	assert.Equal(t, 1, entry.Attempts, "lost claim counted as a failed attempt")
}

func TestPublishNowClaimsOnlyNew(t *testing.T) {
	store := memory.NewStore()
	b := &fakeBroker{}
	r := testRelay(store, b)
	ctx := context.Background()

	id := insertEntry(t, store, storage.CategoryCommand, "APP.CMD.CREATEUSER.Q")

	r.PublishNow(ctx, id)
	assert.Equal(t, 1, b.sentCount())

	// Second notification for the same id is a no-op.
	r.PublishNow(ctx, id)
	assert.Equal(t, 1, b.sentCount())

	entry, err := store.Outbox().FindByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, storage.OutboxPublished, entry.Status)
}

func TestCleanupDeletesOldPublished(t *testing.T) {
	store := memory.NewStore()
	b := &fakeBroker{}
	r := testRelay(store, b)
	ctx := context.Background()

	id := insertEntry(t, store, storage.CategoryCommand, "APP.CMD.CREATEUSER.Q")
	require.NoError(t, r.Sweep(ctx))

	sweeper := relay.NewSweeper(relay.SweeperConfig{
		Interval:        time.Second,
		StuckThreshold:  10 * time.Second,
		RetentionPeriod: time.Nanosecond,
	}, store, logger.NewTestLogger(), testMetrics)

	time.Sleep(time.Millisecond)
	sweeper.Cleanup(ctx)

	_, err := store.Outbox().FindByID(ctx, id)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}
