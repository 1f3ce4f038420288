package command

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	idempotencyTTL  = 10 * time.Minute
	redisKeyPrefix  = "command:requestid:"
)

// idempotencyCache is a Redis hot-path cache mapping requestId to command
// id, fronting the database's unique constraint on requestId. Grounded on
// the same shape as an alert-fingerprint dedup cache: Redis first, DB
// fallback, cache warmed on DB hit.
type idempotencyCache struct {
	rdb    *redis.Client
	logger *slog.Logger
}

func newIdempotencyCache(rdb *redis.Client, logger *slog.Logger) *idempotencyCache {
	return &idempotencyCache{rdb: rdb, logger: logger}
}

func redisKey(requestID string) string {
	return redisKeyPrefix + requestID
}

// lookup returns the cached command id for requestID, if present.
func (c *idempotencyCache) lookup(ctx context.Context, requestID string) (uuid.UUID, bool) {
	val, err := c.rdb.Get(ctx, redisKey(requestID)).Result()
	if err != nil {
		if err != redis.Nil {
			c.logger.Warn("redis idempotency lookup failed, falling back to DB", "error", err)
		}
		return uuid.Nil, false
	}
	id, err := uuid.Parse(val)
	if err != nil {
		c.logger.Warn("invalid UUID in idempotency cache", "value", val)
		return uuid.Nil, false
	}
	return id, true
}

// record stores requestID -> commandID in the cache.
func (c *idempotencyCache) record(ctx context.Context, requestID string, commandID uuid.UUID) {
	if err := c.rdb.Set(ctx, redisKey(requestID), commandID.String(), idempotencyTTL).Err(); err != nil {
		c.logger.Warn("failed to set idempotency cache", "error", err, "request_id", requestID)
	}
}
