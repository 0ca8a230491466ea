package credit

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisCache is the Redis-backed balance cache. Entries carry their own
// TTL; Invalidate deletes eagerly after a ledger commit so the staleness
// window only covers reads that race a concurrent writer.
type RedisCache struct {
	client *redis.Client
	prefix string
}

// NewRedisCache builds a cache under prefix (e.g. "credit:balance:").
func NewRedisCache(client *redis.Client, prefix string) *RedisCache {
	return &RedisCache{client: client, prefix: prefix}
}

func (c *RedisCache) key(accountID string) string {
	return c.prefix + accountID
}

func (c *RedisCache) Get(accountID string) (Balance, bool) {
	data, err := c.client.Get(context.Background(), c.key(accountID)).Bytes()
	if err != nil {
		return Balance{}, false
	}
	var b Balance
	if err := json.Unmarshal(data, &b); err != nil {
		return Balance{}, false
	}
	return b, true
}

func (c *RedisCache) Set(accountID string, b Balance, ttl time.Duration) {
	data, err := json.Marshal(b)
	if err != nil {
		return
	}
	_ = c.client.Set(context.Background(), c.key(accountID), data, ttl).Err()
}

func (c *RedisCache) Invalidate(accountID string) {
	_ = c.client.Del(context.Background(), c.key(accountID)).Err()
}

var _ Cache = (*RedisCache)(nil)
