package consumer_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowmesh/flowmesh/internal/consumer"
	"github.com/flowmesh/flowmesh/internal/envelope"
	"github.com/flowmesh/flowmesh/internal/storage"
	"github.com/flowmesh/flowmesh/internal/storage/memory"
	"github.com/flowmesh/flowmesh/pkg/logger"
)

func TestWatchdogTimesOutExpiredLeases(t *testing.T) {
	store := memory.NewStore()
	ctx := context.Background()

	cmd := &storage.Command{
		ID:             uuid.New(),
		Name:           "CreateUser",
		BusinessKey:    "user-1",
		IdempotencyKey: "k1",
		Payload:        json.RawMessage(`{}`),
	}
	require.NoError(t, store.Commands().InsertPending(ctx, cmd))

	// The original request envelope supplies reply routing.
	env := envelope.New(envelope.TypeCommandRequested, "CreateUser", cmd.ID.String(),
		"33333333-3333-3333-3333-333333333333", cmd.ID.String(), "user-1",
		map[string]string{envelope.HeaderReplyTo: "APP.CMD.REPLY.Q"})
	data, err := env.Encode()
	require.NoError(t, err)
	_, err = store.Outbox().Insert(ctx, &storage.OutboxEntry{
		Category: storage.CategoryCommand,
		Topic:    "APP.CMD.CREATEUSER.Q",
		Type:     "CreateUser",
		Payload:  data,
	})
	require.NoError(t, err)

	// The handler claimed the command but its lease already expired.
	require.NoError(t, store.Commands().MarkRunning(ctx, cmd.ID, time.Now().Add(-time.Second)))

	w := consumer.NewWatchdog(store, time.Second, logger.NewTestLogger(), testMetrics)
	timedOut := w.Tick(ctx)
	assert.Equal(t, 1, timedOut)

	got, err := store.Commands().FindByID(ctx, cmd.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.CommandTimedOut, got.Status)

	replies := replyEntries(t, store)
	require.Len(t, replies, 1)
	reply, err := envelope.Decode(replies[0].Payload)
	require.NoError(t, err)
	assert.Equal(t, envelope.TypeCommandTimedOut, reply.Type)
	assert.Equal(t, "33333333-3333-3333-3333-333333333333", reply.CorrelationID)

	// A second tick finds nothing.
	assert.Zero(t, w.Tick(ctx))
}

func TestWatchdogIgnoresLiveLeases(t *testing.T) {
	store := memory.NewStore()
	ctx := context.Background()

	cmd := &storage.Command{
		ID:             uuid.New(),
		Name:           "CreateUser",
		IdempotencyKey: "k1",
		Payload:        json.RawMessage(`{}`),
	}
	require.NoError(t, store.Commands().InsertPending(ctx, cmd))
	require.NoError(t, store.Commands().MarkRunning(ctx, cmd.ID, time.Now().Add(time.Minute)))

	w := consumer.NewWatchdog(store, time.Second, logger.NewTestLogger(), testMetrics)
	assert.Zero(t, w.Tick(ctx))

	got, err := store.Commands().FindByID(ctx, cmd.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.CommandRunning, got.Status)
}
