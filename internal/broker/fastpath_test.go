package broker_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowmesh/flowmesh/internal/broker"
	"github.com/flowmesh/flowmesh/pkg/logger"
)

func newFastPath(t *testing.T) *broker.RedisFastPath {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return broker.NewRedisFastPath(client, logger.NewTestLogger())
}

func TestFastPathRoundTrip(t *testing.T) {
	fp := newFastPath(t)
	ctx := context.Background()

	fp.Notify(ctx, 42)
	fp.Notify(ctx, 43)

	id, ok := fp.Receive(ctx, time.Second)
	require.True(t, ok)
	assert.Equal(t, int64(42), id, "notifications drain in order")

	id, ok = fp.Receive(ctx, time.Second)
	require.True(t, ok)
	assert.Equal(t, int64(43), id)
}

func TestFastPathReceiveTimeout(t *testing.T) {
	fp := newFastPath(t)
	_, ok := fp.Receive(context.Background(), 50*time.Millisecond)
	assert.False(t, ok)
}

func TestFastPathNotifySwallowsErrors(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	fp := broker.NewRedisFastPath(client, logger.NewTestLogger())

	mr.Close()
	client.Close()

	// Must not panic or block; correctness relies on the sweep.
	fp.Notify(context.Background(), 1)
}
