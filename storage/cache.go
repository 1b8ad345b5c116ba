package storage

import (
	"context"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"

	"taskshare/docstore"
)

var cacheCodec = sonic.Config{UseInt64: true}.Froze()

// fillScript caches a document unless a tombstone for it exists. KEYS[1] is
// the document key, KEYS[2] its tombstone.
var fillScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[2]) == 1 then
	return 0
end
redis.call("SET", KEYS[1], ARGV[1], "PX", ARGV[2])
return 1
`)

// Cache wraps a backend with Redis-backed caching of point reads. Deleting a
// document through the cache evicts it and leaves a tombstone for one TTL, so
// a read that started before the delete cannot put it back.
type Cache struct {
	base  docstore.Backend
	redis *redis.Client
	ttl   time.Duration
}

// NewCache creates a caching backend using the provided Redis client and TTL.
// A nil client or a zero TTL disables caching.
func NewCache(base docstore.Backend, client *redis.Client, ttl time.Duration) *Cache {
	if base == nil {
		panic("storage.NewCache: base backend is nil")
	}
	if ttl < 0 {
		ttl = 0
	}
	return &Cache{base: base, redis: client, ttl: ttl}
}

func (c *Cache) Insert(ctx context.Context, collection, id string, fields docstore.Fields) error {
	return c.base.Insert(ctx, collection, id, fields)
}

func (c *Cache) Get(ctx context.Context, collection, id string) (docstore.Fields, error) {
	if fields, ok := c.load(ctx, collection, id); ok {
		return fields, nil
	}
	fields, err := c.base.Get(ctx, collection, id)
	if err != nil {
		return nil, err
	}
	c.store(ctx, collection, id, fields)
	return fields, nil
}

func (c *Cache) Delete(ctx context.Context, collection, id string) error {
	err := c.base.Delete(ctx, collection, id)
	c.evict(ctx, collection, id)
	return err
}

func (c *Cache) List(ctx context.Context, collection string, filters []docstore.Filter) ([]docstore.Document, error) {
	return c.base.List(ctx, collection, filters)
}

func (c *Cache) load(ctx context.Context, collection, id string) (docstore.Fields, bool) {
	if c.redis == nil || c.ttl == 0 {
		return nil, false
	}
	key := documentCacheKey(collection, id)
	data, err := c.redis.Get(ctx, key).Bytes()
	if err != nil {
		if err != redis.Nil {
			// On redis errors fall back to the backing storage without failing.
			_ = c.redis.Del(ctx, key).Err()
		}
		return nil, false
	}
	var fields docstore.Fields
	if err := cacheCodec.Unmarshal(data, &fields); err != nil {
		_ = c.redis.Del(ctx, key).Err()
		return nil, false
	}
	return fields, true
}

func (c *Cache) store(ctx context.Context, collection, id string, fields docstore.Fields) {
	if c.redis == nil || c.ttl == 0 {
		return
	}
	data, err := cacheCodec.Marshal(fields)
	if err != nil {
		return
	}
	keys := []string{documentCacheKey(collection, id), tombstoneKey(collection, id)}
	_ = fillScript.Run(ctx, c.redis, keys, data, c.ttl.Milliseconds()).Err()
}

func (c *Cache) evict(ctx context.Context, collection, id string) {
	if c.redis == nil {
		return
	}
	_, _ = c.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if c.ttl > 0 {
			pipe.Set(ctx, tombstoneKey(collection, id), 1, c.ttl)
		}
		pipe.Del(ctx, documentCacheKey(collection, id))
		return nil
	})
}

func documentCacheKey(collection, id string) string {
	return "doc:" + collection + ":" + id
}

func tombstoneKey(collection, id string) string {
	return "doc-gone:" + collection + ":" + id
}
