package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/flowmesh/flowmesh/internal/storage"
	"github.com/flowmesh/flowmesh/pkg/logger"
)

// StatusCache keeps command rows in Redis for fast status polling. The
// database stays the source of truth; cache errors are logged and ignored.
type StatusCache struct {
	client *redis.Client
	log    *logger.Logger
}

// NewStatusCache creates a cache over an existing Redis client; nil disables
// caching.
func NewStatusCache(client *redis.Client, log *logger.Logger) *StatusCache {
	return &StatusCache{client: client, log: log}
}

func cacheKey(id string) string {
	return fmt.Sprintf("cmd:status:%s", id)
}

// Get returns the cached command, or nil on miss.
func (c *StatusCache) Get(ctx context.Context, id string) *storage.Command {
	if c == nil || c.client == nil {
		return nil
	}
	cached, err := c.client.Get(ctx, cacheKey(id)).Result()
	if err != nil {
		return nil
	}
	var cmd storage.Command
	if err := json.Unmarshal([]byte(cached), &cmd); err != nil {
		return nil
	}
	return &cmd
}

// Put stores a command row; terminal commands are cached longer.
func (c *StatusCache) Put(ctx context.Context, cmd *storage.Command) {
	if c == nil || c.client == nil {
		return
	}
	data, err := json.Marshal(cmd)
	if err != nil {
		return
	}
	ttl := 300 * time.Second
	if cmd.Status.IsTerminal() {
		ttl = 3600 * time.Second
	}
	if err := c.client.Set(ctx, cacheKey(cmd.ID.String()), data, ttl).Err(); err != nil {
		c.log.Warn("Failed to cache command status", zap.Error(err))
	}
}
