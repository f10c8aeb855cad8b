package redis

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
)

// WhitelistCache shares probe successes between replicas. Each (account, agent)
// is a Redis set of bases with a sliding TTL. Errors degrade to cache misses.
type WhitelistCache struct {
	rdb *goredis.Client
	ttl time.Duration
}

func NewWhitelistCache(rdb *goredis.Client, ttl time.Duration) *WhitelistCache {
	return &WhitelistCache{rdb: rdb, ttl: ttl}
}

func (c *WhitelistCache) Whitelisted(ctx context.Context, accountID string, agentID uuid.UUID, bases []string) bool {
	if len(bases) == 0 {
		return true
	}
	members := make([]any, len(bases))
	for i, b := range bases {
		members[i] = b
	}
	hits, err := c.rdb.SMIsMember(ctx, whitelistKey(accountID, agentID), members...).Result()
	if err != nil {
		slog.WarnContext(ctx, "whitelist lookup failed", "agent_id", agentID, "error", err)
		return false
	}
	for _, hit := range hits {
		if !hit {
			return false
		}
	}
	return true
}

func (c *WhitelistCache) Remember(ctx context.Context, accountID string, agentID uuid.UUID, bases []string) {
	if len(bases) == 0 {
		return
	}
	key := whitelistKey(accountID, agentID)
	members := make([]any, len(bases))
	for i, b := range bases {
		members[i] = b
	}
	pipe := c.rdb.TxPipeline()
	pipe.SAdd(ctx, key, members...)
	pipe.Expire(ctx, key, c.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		slog.WarnContext(ctx, "whitelist store failed", "agent_id", agentID, "error", err)
	}
}

func (c *WhitelistCache) Forget(ctx context.Context, accountID string, agentID uuid.UUID, bases []string) {
	if len(bases) == 0 {
		return
	}
	members := make([]any, len(bases))
	for i, b := range bases {
		members[i] = b
	}
	if err := c.rdb.SRem(ctx, whitelistKey(accountID, agentID), members...).Err(); err != nil {
		slog.WarnContext(ctx, "whitelist invalidation failed", "agent_id", agentID, "error", err)
	}
}
