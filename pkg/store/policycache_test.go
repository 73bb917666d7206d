package store

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestPolicyCacheReadThrough(t *testing.T) {
	ctx := context.Background()
	repo := NewMemory()
	if err := repo.CreateProject(ctx, "proj", "Test"); err != nil {
		t.Fatalf("create: %v", err)
	}
	cached := NewPolicyCache(repo, NewMemoryCache(), time.Minute)

	if err := cached.SetPolicy(ctx, "proj", map[string]any{"limits": map[string]any{"rate": map[string]any{"per_minute": float64(5)}}}); err != nil {
		t.Fatalf("set policy: %v", err)
	}
	doc, err := cached.GetPolicy(ctx, "proj")
	if err != nil {
		t.Fatalf("get policy: %v", err)
	}
	limits, _ := doc["limits"].(map[string]any)
	if limits == nil {
		t.Fatalf("doc = %v", doc)
	}

	// mutate the underlying repo directly; the cached copy is served until
	// the TTL or a write-through invalidation
	if err := repo.SetPolicy(ctx, "proj", map[string]any{}); err != nil {
		t.Fatalf("direct set: %v", err)
	}
	doc, _ = cached.GetPolicy(ctx, "proj")
	if _, ok := doc["limits"]; !ok {
		t.Fatal("expected stale cached policy before invalidation")
	}

	// a write through the cache invalidates
	if err := cached.SetPolicy(ctx, "proj", map[string]any{"rules": []any{}}); err != nil {
		t.Fatalf("set policy: %v", err)
	}
	doc, _ = cached.GetPolicy(ctx, "proj")
	if _, ok := doc["limits"]; ok {
		t.Fatalf("stale policy after invalidation: %v", doc)
	}
}

func TestPolicyCacheWithRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	ctx := context.Background()
	repo := NewMemory()
	if err := repo.CreateProject(ctx, "proj", "Test"); err != nil {
		t.Fatalf("create: %v", err)
	}
	cache := NewCache(ctx, client)
	if _, ok := cache.(*RedisCache); !ok {
		t.Fatalf("expected redis-backed cache, got %T", cache)
	}
	cached := NewPolicyCache(repo, cache, time.Minute)

	if err := cached.SetPolicy(ctx, "proj", map[string]any{"approvals": []any{map[string]any{"min_cost": float64(2)}}}); err != nil {
		t.Fatalf("set policy: %v", err)
	}
	doc, err := cached.GetPolicy(ctx, "proj")
	if err != nil {
		t.Fatalf("get policy: %v", err)
	}
	if _, ok := doc["approvals"]; !ok {
		t.Fatalf("doc = %v", doc)
	}
	if !mr.Exists("policy:proj") {
		t.Fatal("policy not cached in redis")
	}

	// TTL expiry falls back to the repository
	mr.FastForward(2 * time.Minute)
	doc, err = cached.GetPolicy(ctx, "proj")
	if err != nil || doc == nil {
		t.Fatalf("post-expiry get: %v, %v", doc, err)
	}
}
