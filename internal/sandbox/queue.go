package sandbox

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisQueue implements Queue with a Redis sorted set as the delay
// schedule: score is the Unix delivery time, member is "sandbox_id:action".
// A consumer polls ZRANGEBYSCORE for due messages, the common Redis
// delay-queue idiom goadesign-goa-ai's stack pulls in go-redis for.
type RedisQueue struct {
	client *redis.Client
	key    string
}

// NewRedisQueue builds a RedisQueue over key (e.g. "sandbox:delayqueue").
func NewRedisQueue(client *redis.Client, key string) *RedisQueue {
	return &RedisQueue{client: client, key: key}
}

func member(sandboxID, action string) string {
	return sandboxID + ":" + action
}

// Schedule adds or replaces the delivery time for (sandboxID, action).
// Replacing a ZADD member updates its score, so the previously scheduled
// message for the pair is superseded without a separate remove-then-add.
func (q *RedisQueue) Schedule(ctx context.Context, sandboxID, action string, deliverAt time.Time) error {
	return q.client.ZAdd(ctx, q.key, redis.Z{
		Score:  float64(deliverAt.Unix()),
		Member: member(sandboxID, action),
	}).Err()
}

// Cancel removes a pending message, if any.
func (q *RedisQueue) Cancel(ctx context.Context, sandboxID, action string) error {
	return q.client.ZRem(ctx, q.key, member(sandboxID, action)).Err()
}

// DueMessage is one delivered-and-removed entry.
type DueMessage struct {
	SandboxID string
	Action    string
	DeliverAt time.Time
}

// PopDue pops every message due at or before now: it reads them with
// ZRANGEBYSCORE and then removes them with a separate ZREM, so the two
// steps are not atomic. Delivery is
// at-least-once: if the consumer crashes between pop and processing, the
// message is lost for that cycle, but the sandbox's next activity
// reschedules both timers anyway.
func (q *RedisQueue) PopDue(ctx context.Context, now time.Time) ([]DueMessage, error) {
	members, err := q.client.ZRangeByScore(ctx, q.key, &redis.ZRangeBy{
		Min: "-inf",
		Max: fmt.Sprintf("%d", now.Unix()),
	}).Result()
	if err != nil {
		return nil, err
	}
	if len(members) == 0 {
		return nil, nil
	}

	removeArgs := make([]any, len(members))
	for i, m := range members {
		removeArgs[i] = m
	}
	if err := q.client.ZRem(ctx, q.key, removeArgs...).Err(); err != nil {
		return nil, err
	}

	out := make([]DueMessage, 0, len(members))
	for _, m := range members {
		var sandboxID, action string
		for i := len(m) - 1; i >= 0; i-- {
			if m[i] == ':' {
				sandboxID, action = m[:i], m[i+1:]
				break
			}
		}
		out = append(out, DueMessage{SandboxID: sandboxID, Action: action, DeliverAt: now})
	}
	return out, nil
}
