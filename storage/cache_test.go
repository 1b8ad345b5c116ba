package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"taskshare/docstore"
)

type countingBackend struct {
	*docstore.Memory
	gets int
}

func (c *countingBackend) Get(ctx context.Context, collection, id string) (docstore.Fields, error) {
	c.gets++
	return c.Memory.Get(ctx, collection, id)
}

func setupCache(t *testing.T, ttl time.Duration) (*miniredis.Miniredis, *countingBackend, *Cache) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	base := &countingBackend{Memory: docstore.NewMemory()}
	return mr, base, NewCache(base, client, ttl)
}

func TestCacheGetMissThenHit(t *testing.T) {
	mr, base, cache := setupCache(t, time.Minute)
	ctx := context.Background()
	if err := cache.Insert(ctx, "tasks", "t1", docstore.Fields{"text": "Read book", "createdAt": int64(99)}); err != nil {
		t.Fatalf("insert: %v", err)
	}

	for i := 0; i < 2; i++ {
		fields, err := cache.Get(ctx, "tasks", "t1")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if text, _ := fields.String("text"); text != "Read book" {
			t.Fatalf("unexpected text %q", text)
		}
		if ts, ok := fields.Int64("createdAt"); !ok || ts != 99 {
			t.Fatalf("unexpected createdAt %#v", fields["createdAt"])
		}
	}
	if base.gets != 1 {
		t.Fatalf("expected 1 backend read, got %d", base.gets)
	}
	if ttl := mr.TTL(documentCacheKey("tasks", "t1")); ttl <= 0 || ttl > time.Minute {
		t.Fatalf("unexpected TTL: %v", ttl)
	}
}

func TestCacheDeleteEvicts(t *testing.T) {
	mr, _, cache := setupCache(t, time.Minute)
	ctx := context.Background()
	if err := cache.Insert(ctx, "tasks", "t1", docstore.Fields{"text": "x"}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if _, err := cache.Get(ctx, "tasks", "t1"); err != nil {
		t.Fatalf("get: %v", err)
	}
	if !mr.Exists(documentCacheKey("tasks", "t1")) {
		t.Fatal("expected cache entry")
	}
	if err := cache.Delete(ctx, "tasks", "t1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if mr.Exists(documentCacheKey("tasks", "t1")) {
		t.Fatal("expected cache entry to be evicted")
	}
	if _, err := cache.Get(ctx, "tasks", "t1"); !errors.Is(err, docstore.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestCacheDeleteMissingStillEvicts(t *testing.T) {
	mr, _, cache := setupCache(t, time.Minute)
	key := documentCacheKey("tasks", "ghost")
	if err := mr.Set(key, `{"text":"stale"}`); err != nil {
		t.Fatalf("seed cache: %v", err)
	}
	if err := cache.Delete(context.Background(), "tasks", "ghost"); !errors.Is(err, docstore.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if mr.Exists(key) {
		t.Fatal("expected stale entry to be evicted")
	}
}

func TestCacheCorruptEntryFallsBack(t *testing.T) {
	mr, base, cache := setupCache(t, time.Minute)
	ctx := context.Background()
	if err := cache.Insert(ctx, "tasks", "t1", docstore.Fields{"text": "fresh"}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := mr.Set(documentCacheKey("tasks", "t1"), "{not json"); err != nil {
		t.Fatalf("seed cache: %v", err)
	}
	fields, err := cache.Get(ctx, "tasks", "t1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if text, _ := fields.String("text"); text != "fresh" {
		t.Fatalf("unexpected text %q", text)
	}
	if base.gets != 1 {
		t.Fatalf("expected fallback read, got %d", base.gets)
	}
}

func TestCacheDisabledWithoutTTL(t *testing.T) {
	mr, base, cache := setupCache(t, 0)
	ctx := context.Background()
	if err := cache.Insert(ctx, "tasks", "t1", docstore.Fields{"text": "x"}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	for i := 0; i < 2; i++ {
		if _, err := cache.Get(ctx, "tasks", "t1"); err != nil {
			t.Fatalf("get: %v", err)
		}
	}
	if base.gets != 2 {
		t.Fatalf("expected every read to hit the backend, got %d", base.gets)
	}
	if mr.Exists(documentCacheKey("tasks", "t1")) {
		t.Fatal("expected nothing cached")
	}
}

// deletingBackend runs beforeReturn once after its next point read.
type deletingBackend struct {
	*docstore.Memory
	beforeReturn func()
}

func (d *deletingBackend) Get(ctx context.Context, collection, id string) (docstore.Fields, error) {
	fields, err := d.Memory.Get(ctx, collection, id)
	if hook := d.beforeReturn; hook != nil {
		d.beforeReturn = nil
		hook()
	}
	return fields, err
}

func TestCacheReadRacingDeleteDoesNotRefill(t *testing.T) {
	mr, _, _ := setupCache(t, time.Minute)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	base := &deletingBackend{Memory: docstore.NewMemory()}
	cache := NewCache(base, client, time.Minute)
	ctx := context.Background()

	if err := cache.Insert(ctx, "tasks", "t1", docstore.Fields{"text": "Read book"}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	base.beforeReturn = func() {
		if err := cache.Delete(ctx, "tasks", "t1"); err != nil {
			t.Errorf("delete: %v", err)
		}
	}
	if _, err := cache.Get(ctx, "tasks", "t1"); err != nil {
		t.Fatalf("get: %v", err)
	}

	if mr.Exists(documentCacheKey("tasks", "t1")) {
		t.Fatal("deleted document was written back to the cache")
	}
	if _, err := cache.Get(ctx, "tasks", "t1"); !errors.Is(err, docstore.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if ttl := mr.TTL(tombstoneKey("tasks", "t1")); ttl <= 0 || ttl > time.Minute {
		t.Fatalf("unexpected tombstone TTL: %v", ttl)
	}
}
