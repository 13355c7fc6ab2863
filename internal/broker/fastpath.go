package broker

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/flowmesh/flowmesh/pkg/logger"
)

// fastpathKey is the Redis list the notifications travel through.
const fastpathKey = "flowmesh:outbox:notify"

// RedisFastPath is a lightweight wake channel between the command bus and
// the relay's fast-path worker pool. Notifications are advisory; a lost one
// only delays publishing until the next scheduled sweep.
type RedisFastPath struct {
	client *redis.Client
	log    *logger.Logger
}

// NewRedisFastPath creates the fast path over an existing Redis client.
func NewRedisFastPath(client *redis.Client, log *logger.Logger) *RedisFastPath {
	return &RedisFastPath{client: client, log: log}
}

// Notify pushes an outbox id onto the wake channel. Errors are swallowed.
func (f *RedisFastPath) Notify(ctx context.Context, outboxID int64) {
	if err := f.client.LPush(ctx, fastpathKey, strconv.FormatInt(outboxID, 10)).Err(); err != nil {
		f.log.Debug("fast-path notify dropped", zap.Int64("outbox_id", outboxID), zap.Error(err))
	}
}

// Receive blocks up to timeout for the next notification. The second return
// is false when no notification arrived or the value was unparsable.
func (f *RedisFastPath) Receive(ctx context.Context, timeout time.Duration) (int64, bool) {
	res, err := f.client.BRPop(ctx, timeout, fastpathKey).Result()
	if err != nil || len(res) != 2 {
		return 0, false
	}
	id, err := strconv.ParseInt(res[1], 10, 64)
	if err != nil {
		f.log.Warn("fast-path received unparsable payload", zap.String("value", res[1]))
		return 0, false
	}
	return id, true
}

var _ FastPath = (*RedisFastPath)(nil)
