package consumer_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowmesh/flowmesh/internal/consumer"
	"github.com/flowmesh/flowmesh/internal/envelope"
	"github.com/flowmesh/flowmesh/internal/registry"
	"github.com/flowmesh/flowmesh/internal/storage"
	"github.com/flowmesh/flowmesh/internal/storage/memory"
	"github.com/flowmesh/flowmesh/pkg/logger"
	"github.com/flowmesh/flowmesh/pkg/metrics"
)

var testMetrics = metrics.New("consumer_test")

type fixture struct {
	store    *memory.Store
	endpoint *consumer.Consumer
	command  *storage.Command
	env      *envelope.Envelope
	msg      *sarama.ConsumerMessage
}

func setup(t *testing.T, handler registry.HandlerFunc) *fixture {
	t.Helper()
	store := memory.NewStore()
	log := logger.NewTestLogger()

	reg := registry.New(log)
	if handler != nil {
		require.NoError(t, reg.Register("CreateUser", handler))
	}

	endpoint := consumer.New(consumer.Config{
		HandlerName: "worker",
		Lease:       time.Minute,
		MaxRetries:  2,
	}, store, reg, consumer.NewClassifier(nil, nil), log, testMetrics)

	cmd := &storage.Command{
		ID:             uuid.New(),
		Name:           "CreateUser",
		BusinessKey:    "user-1",
		IdempotencyKey: "k1",
		Payload:        json.RawMessage(`{"username":"alice"}`),
	}
	require.NoError(t, store.Commands().InsertPending(context.Background(), cmd))

	env := envelope.New(envelope.TypeCommandRequested, "CreateUser", cmd.ID.String(),
		cmd.ID.String(), cmd.ID.String(), "user-1",
		map[string]string{envelope.HeaderReplyTo: "APP.CMD.REPLY.Q"})
	env.Payload = cmd.Payload
	data, err := env.Encode()
	require.NoError(t, err)

	return &fixture{
		store:    store,
		endpoint: endpoint,
		command:  cmd,
		env:      env,
		msg:      &sarama.ConsumerMessage{Topic: "APP.CMD.CREATEUSER.Q", Value: data},
	}
}

func replyEntries(t *testing.T, store *memory.Store) []*storage.OutboxEntry {
	t.Helper()
	var replies []*storage.OutboxEntry
	for id := int64(1); ; id++ {
		entry, err := store.Outbox().FindByID(context.Background(), id)
		if err != nil {
			break
		}
		if entry.Category == storage.CategoryReply {
			replies = append(replies, entry)
		}
	}
	return replies
}

func TestHandleSuccess(t *testing.T) {
	f := setup(t, func(ctx context.Context, payload json.RawMessage) (map[string]interface{}, error) {
		return map[string]interface{}{"userId": "u-123", "username": "alice"}, nil
	})

	require.NoError(t, f.endpoint.Handle(context.Background(), f.msg))

	cmd, err := f.store.Commands().FindByID(context.Background(), f.command.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.CommandSucceeded, cmd.Status)

	replies := replyEntries(t, f.store)
	require.Len(t, replies, 1, "exactly one Completed reply")
	assert.Equal(t, "APP.CMD.REPLY.Q", replies[0].Topic)
	assert.Equal(t, string(envelope.TypeCommandCompleted), replies[0].Type)

	reply, err := envelope.Decode(replies[0].Payload)
	require.NoError(t, err)
	assert.Equal(t, envelope.TypeCommandCompleted, reply.Type)
	assert.Equal(t, f.command.ID.String(), reply.CommandID)
	assert.Equal(t, f.env.CorrelationID, reply.CorrelationID)
	assert.JSONEq(t, `{"userId":"u-123","username":"alice"}`, string(reply.Payload))
}

func TestHandleDuplicateDelivery(t *testing.T) {
	invocations := 0
	f := setup(t, func(ctx context.Context, payload json.RawMessage) (map[string]interface{}, error) {
		invocations++
		return map[string]interface{}{"userId": "u-123"}, nil
	})

	require.NoError(t, f.endpoint.Handle(context.Background(), f.msg))
	require.NoError(t, f.endpoint.Handle(context.Background(), f.msg))
	require.NoError(t, f.endpoint.Handle(context.Background(), f.msg))

	assert.Equal(t, 1, invocations, "side effects at most once")
	assert.Len(t, replyEntries(t, f.store), 1)
}

func TestHandleTransientErrorRetries(t *testing.T) {
	f := setup(t, func(ctx context.Context, payload json.RawMessage) (map[string]interface{}, error) {
		return nil, errors.New("connection refused")
	})

	// The handler error surfaces so the broker redelivers.
	err := f.endpoint.Handle(context.Background(), f.msg)
	assert.Error(t, err)

	cmd, err := f.store.Commands().FindByID(context.Background(), f.command.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.CommandPending, cmd.Status, "row left claimable")
	assert.Equal(t, 1, cmd.Retries)
	assert.Empty(t, replyEntries(t, f.store), "no reply while retrying")

	// The inbox slot was released, so the redelivery executes again.
	err = f.endpoint.Handle(context.Background(), f.msg)
	assert.Error(t, err)
	cmd, _ = f.store.Commands().FindByID(context.Background(), f.command.ID)
	assert.Equal(t, 2, cmd.Retries)
}

func TestHandleRetriesExhausted(t *testing.T) {
	f := setup(t, func(ctx context.Context, payload json.RawMessage) (map[string]interface{}, error) {
		return nil, errors.New("connection refused")
	})

	ctx := context.Background()
	require.Error(t, f.endpoint.Handle(ctx, f.msg))
	require.Error(t, f.endpoint.Handle(ctx, f.msg))
	// Third delivery exceeds MaxRetries=2 and parks the command.
	require.NoError(t, f.endpoint.Handle(ctx, f.msg))

	cmd, err := f.store.Commands().FindByID(ctx, f.command.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.CommandFailed, cmd.Status)

	replies := replyEntries(t, f.store)
	require.Len(t, replies, 1)
	assert.Equal(t, string(envelope.TypeCommandFailed), replies[0].Type)

	parked, err := f.store.DLQ().List(ctx, 10)
	require.NoError(t, err)
	require.Len(t, parked, 1)
	assert.Equal(t, f.command.ID, parked[0].CommandID)
	assert.Equal(t, "RETRIES_EXHAUSTED", parked[0].ErrorClass)
}

func TestHandlePermanentError(t *testing.T) {
	f := setup(t, func(ctx context.Context, payload json.RawMessage) (map[string]interface{}, error) {
		return nil, errors.New("business rule violated")
	})

	require.NoError(t, f.endpoint.Handle(context.Background(), f.msg))

	cmd, err := f.store.Commands().FindByID(context.Background(), f.command.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.CommandFailed, cmd.Status)
	assert.Equal(t, "business rule violated", cmd.LastError)

	replies := replyEntries(t, f.store)
	require.Len(t, replies, 1)
	reply, err := envelope.Decode(replies[0].Payload)
	require.NoError(t, err)
	assert.Equal(t, envelope.TypeCommandFailed, reply.Type)
	assert.Equal(t, "business rule violated", reply.Error)

	parked, err := f.store.DLQ().List(context.Background(), 10)
	require.NoError(t, err)
	assert.Len(t, parked, 1)
}

func TestHandleUnknownCommand(t *testing.T) {
	f := setup(t, nil)

	require.NoError(t, f.endpoint.Handle(context.Background(), f.msg))

	cmd, err := f.store.Commands().FindByID(context.Background(), f.command.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.CommandFailed, cmd.Status)

	parked, err := f.store.DLQ().List(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, parked, 1)
	assert.Equal(t, "UNKNOWN_COMMAND", parked[0].ErrorClass)
}

func TestHandlePanicIsPermanent(t *testing.T) {
	f := setup(t, func(ctx context.Context, payload json.RawMessage) (map[string]interface{}, error) {
		panic("boom")
	})

	require.NoError(t, f.endpoint.Handle(context.Background(), f.msg))

	cmd, err := f.store.Commands().FindByID(context.Background(), f.command.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.CommandFailed, cmd.Status)
}

func TestHandleUnparsableMessage(t *testing.T) {
	f := setup(t, nil)
	msg := &sarama.ConsumerMessage{Topic: "t", Value: []byte("not json")}
	assert.NoError(t, f.endpoint.Handle(context.Background(), msg))
	assert.Empty(t, replyEntries(t, f.store))
}

func TestParallelBranchHeaderPropagatedToReply(t *testing.T) {
	f := setup(t, func(ctx context.Context, payload json.RawMessage) (map[string]interface{}, error) {
		return map[string]interface{}{}, nil
	})

	f.env.Headers[envelope.HeaderParallelBranch] = "BookFx"
	data, err := f.env.Encode()
	require.NoError(t, err)
	f.msg.Value = data

	require.NoError(t, f.endpoint.Handle(context.Background(), f.msg))

	replies := replyEntries(t, f.store)
	require.Len(t, replies, 1)
	reply, err := envelope.Decode(replies[0].Payload)
	require.NoError(t, err)
	assert.Equal(t, "BookFx", reply.Headers[envelope.HeaderParallelBranch])
}
