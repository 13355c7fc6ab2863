package memory_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowmesh/flowmesh/internal/storage"
	"github.com/flowmesh/flowmesh/internal/storage/memory"
)

func newCommand(key string) *storage.Command {
	return &storage.Command{
		ID:             uuid.New(),
		Name:           "CreateUser",
		IdempotencyKey: key,
		Payload:        json.RawMessage(`{}`),
	}
}

func TestCommandIdempotency(t *testing.T) {
	store := memory.NewStore()
	ctx := context.Background()

	cmd := newCommand("k1")
	require.NoError(t, store.Commands().InsertPending(ctx, cmd))

	id, ok, err := store.Commands().ExistsByIdempotency(ctx, "k1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, cmd.ID, id)

	err = store.Commands().InsertPending(ctx, newCommand("k1"))
	assert.ErrorIs(t, err, storage.ErrDuplicate)
}

func TestCommandStatusMonotonic(t *testing.T) {
	store := memory.NewStore()
	ctx := context.Background()

	cmd := newCommand("k1")
	require.NoError(t, store.Commands().InsertPending(ctx, cmd))
	require.NoError(t, store.Commands().MarkRunning(ctx, cmd.ID, time.Now().Add(time.Minute)))
	require.NoError(t, store.Commands().MarkTerminal(ctx, cmd.ID, storage.CommandSucceeded, ""))

	// Terminal states never transition back.
	err := store.Commands().MarkRunning(ctx, cmd.ID, time.Now().Add(time.Minute))
	assert.ErrorIs(t, err, storage.ErrConflict)
	err = store.Commands().MarkTerminal(ctx, cmd.ID, storage.CommandFailed, "late")
	assert.ErrorIs(t, err, storage.ErrConflict)

	got, err := store.Commands().FindByID(ctx, cmd.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.CommandSucceeded, got.Status)
}

func TestMarkRetryingReleasesLease(t *testing.T) {
	store := memory.NewStore()
	ctx := context.Background()

	cmd := newCommand("k1")
	require.NoError(t, store.Commands().InsertPending(ctx, cmd))
	require.NoError(t, store.Commands().MarkRunning(ctx, cmd.ID, time.Now().Add(time.Minute)))

	retries, err := store.Commands().MarkRetrying(ctx, cmd.ID, "connection refused")
	require.NoError(t, err)
	assert.Equal(t, 1, retries)

	got, err := store.Commands().FindByID(ctx, cmd.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.CommandPending, got.Status)
	assert.Nil(t, got.LeaseUntil)
}

func outboxEntry(topic string) *storage.OutboxEntry {
	return &storage.OutboxEntry{
		Category: storage.CategoryCommand,
		Topic:    topic,
		Type:     "CreateUser",
		Payload:  json.RawMessage(`{}`),
	}
}

func TestClaimBatchEligibility(t *testing.T) {
	store := memory.NewStore()
	ctx := context.Background()

	id1, err := store.Outbox().Insert(ctx, outboxEntry("t1"))
	require.NoError(t, err)
	id2, err := store.Outbox().Insert(ctx, outboxEntry("t2"))
	require.NoError(t, err)

	// Future next_at excludes a row.
	require.NoError(t, store.Outbox().Reschedule(ctx, id2, time.Now().Add(time.Hour), "later"))

	claimed, err := store.Outbox().ClaimBatch(ctx, 10, "w1", 10*time.Second)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, id1, claimed[0].ID)
	assert.Equal(t, storage.OutboxClaimed, claimed[0].Status)
	assert.Equal(t, "w1", claimed[0].ClaimedBy)

	// Already claimed rows are not handed out again.
	again, err := store.Outbox().ClaimBatch(ctx, 10, "w2", 10*time.Second)
	require.NoError(t, err)
	assert.Empty(t, again)
}

func TestClaimBatchReturnsOnlyAvailable(t *testing.T) {
	store := memory.NewStore()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := store.Outbox().Insert(ctx, outboxEntry("t"))
		require.NoError(t, err)
	}

	claimed, err := store.Outbox().ClaimBatch(ctx, 500, "w1", 10*time.Second)
	require.NoError(t, err)
	assert.Len(t, claimed, 3)

	seen := map[int64]bool{}
	for _, e := range claimed {
		assert.False(t, seen[e.ID], "no duplicates in a batch")
		seen[e.ID] = true
	}
}

func TestRecoverStuck(t *testing.T) {
	store := memory.NewStore()
	ctx := context.Background()

	id, err := store.Outbox().Insert(ctx, outboxEntry("t"))
	require.NoError(t, err)

	claimed, err := store.Outbox().ClaimBatch(ctx, 1, "w1", 10*time.Second)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	// Fresh claims are not recovered.
	recovered, err := store.Outbox().RecoverStuck(ctx, 10*time.Second)
	require.NoError(t, err)
	assert.Zero(t, recovered)

	// An expired claim is.
	recovered, err = store.Outbox().RecoverStuck(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), recovered)

	entry, err := store.Outbox().FindByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, storage.OutboxNew, entry.Status)
	assert.Empty(t, entry.ClaimedBy)
}

func TestMarkPublishedIsTerminal(t *testing.T) {
	store := memory.NewStore()
	ctx := context.Background()

	id, err := store.Outbox().Insert(ctx, outboxEntry("t"))
	require.NoError(t, err)
	_, err = store.Outbox().ClaimBatch(ctx, 1, "w1", 10*time.Second)
	require.NoError(t, err)
	require.NoError(t, store.Outbox().MarkPublished(ctx, id))

	// A published row cannot be claimed or republished.
	claimed, err := store.Outbox().ClaimBatch(ctx, 1, "w2", 0)
	require.NoError(t, err)
	assert.Empty(t, claimed)
	assert.ErrorIs(t, store.Outbox().MarkPublished(ctx, id), storage.ErrConflict)
}

func TestInboxFirstWriteWins(t *testing.T) {
	store := memory.NewStore()
	ctx := context.Background()

	inserted, err := store.Inbox().InsertIfAbsent(ctx, "m1", "worker")
	require.NoError(t, err)
	assert.True(t, inserted)

	inserted, err = store.Inbox().InsertIfAbsent(ctx, "m1", "worker")
	require.NoError(t, err)
	assert.False(t, inserted)

	// Same message, different handler is a distinct tuple.
	inserted, err = store.Inbox().InsertIfAbsent(ctx, "m1", "other")
	require.NoError(t, err)
	assert.True(t, inserted)

	require.NoError(t, store.Inbox().Delete(ctx, "m1", "worker"))
	inserted, err = store.Inbox().InsertIfAbsent(ctx, "m1", "worker")
	require.NoError(t, err)
	assert.True(t, inserted)
}

func TestProcessLogSeq(t *testing.T) {
	store := memory.NewStore()
	ctx := context.Background()

	inst := &storage.ProcessInstance{
		ProcessID:   uuid.New(),
		ProcessType: "SimplePayment",
		BusinessKey: "p-1",
		Status:      storage.ProcessRunning,
		CurrentStep: "BookLimits",
		Data:        map[string]interface{}{},
	}

	require.NoError(t, store.Processes().Insert(ctx, inst, []byte(`{"type":"ProcessStarted"}`)))
	require.NoError(t, store.Processes().Update(ctx, inst, []byte(`{"type":"StepStarted"}`)))
	require.NoError(t, store.Processes().Update(ctx, inst, []byte(`{"type":"StepCompleted"}`)))

	entries, err := store.Processes().Log(ctx, inst.ProcessID, 100)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	for i, entry := range entries {
		assert.Equal(t, int64(i+1), entry.Seq, "seq strictly increasing")
	}
}

func TestProcessQueries(t *testing.T) {
	store := memory.NewStore()
	ctx := context.Background()

	inst := &storage.ProcessInstance{
		ProcessID:   uuid.New(),
		ProcessType: "SimplePayment",
		BusinessKey: "p-1",
		Status:      storage.ProcessRunning,
		CurrentStep: "BookLimits",
		Data:        map[string]interface{}{"amount": 10.0},
	}
	require.NoError(t, store.Processes().Insert(ctx, inst, []byte(`{"type":"ProcessStarted"}`)))

	byKey, err := store.Processes().FindByBusinessKey(ctx, "SimplePayment", "p-1")
	require.NoError(t, err)
	assert.Equal(t, inst.ProcessID, byKey.ProcessID)

	running, err := store.Processes().FindByStatus(ctx, storage.ProcessRunning, 10)
	require.NoError(t, err)
	assert.Len(t, running, 1)

	_, err = store.Processes().FindByID(ctx, uuid.New())
	assert.ErrorIs(t, err, storage.ErrNotFound)
}
