package api

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// IdempotencyHeader lets clients retry a create without duplicating it.
	IdempotencyHeader = "Idempotency-Key"

	idempotencyKeyPrefix = "idem"
	pendingMarker        = "pending"

	// maxPendingTTL bounds how long an abandoned claim blocks its key.
	maxPendingTTL = time.Minute
)

// Deduper remembers which idempotency keys already produced a resource.
type Deduper interface {
	// Claim reserves key for userID. When the key was used before it returns
	// the id recorded for it, or an empty id while that request is in flight.
	Claim(ctx context.Context, userID, key string) (existingID string, claimed bool, err error)
	// Complete records the id produced for a claimed key.
	Complete(ctx context.Context, userID, key, id string) error
	// Release forgets a claimed key so the request may be retried.
	Release(ctx context.Context, userID, key string) error
}

// RedisDeduper stores idempotency keys in Redis so every instance sees them.
type RedisDeduper struct {
	client     *redis.Client
	ttl        time.Duration
	pendingTTL time.Duration
}

// NewRedisDeduper creates a deduper using the provided Redis client. Completed
// keys live for ttl; in-flight claims expire after at most a minute.
func NewRedisDeduper(client *redis.Client, ttl time.Duration) *RedisDeduper {
	pending := maxPendingTTL
	if ttl < pending {
		pending = ttl
	}
	return &RedisDeduper{client: client, ttl: ttl, pendingTTL: pending}
}

func (r *RedisDeduper) key(userID, key string) string {
	return fmt.Sprintf("%s:%s:%s", userID, idempotencyKeyPrefix, key)
}

func (r *RedisDeduper) Claim(ctx context.Context, userID, key string) (string, bool, error) {
	k := r.key(userID, key)
	// A key can expire between SetNX and Get; one more round settles it.
	for attempt := 0; attempt < 2; attempt++ {
		added, err := r.client.SetNX(ctx, k, pendingMarker, r.pendingTTL).Result()
		if err != nil {
			return "", false, err
		}
		if added {
			return "", true, nil
		}
		val, err := r.client.Get(ctx, k).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return "", false, err
		}
		if val == pendingMarker {
			return "", false, nil
		}
		return val, false, nil
	}
	return "", false, fmt.Errorf("idempotency key %q kept expiring", key)
}

func (r *RedisDeduper) Complete(ctx context.Context, userID, key, id string) error {
	return r.client.Set(ctx, r.key(userID, key), id, r.ttl).Err()
}

func (r *RedisDeduper) Release(ctx context.Context, userID, key string) error {
	return r.client.Del(ctx, r.key(userID, key)).Err()
}
