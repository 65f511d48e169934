package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/guido-cesarano/forgeflow/pkg/tasks"
)

func setupTestCache(t *testing.T) (*miniredis.Miniredis, *ResultCache) {
	t.Helper()
	s, err := miniredis.Run()
	if err != nil {
		t.Fatalf("Failed to start miniredis: %v", err)
	}
	t.Cleanup(s.Close)
	c := New(s.Addr(), time.Hour)
	t.Cleanup(func() { c.Close() })
	return s, c
}

func TestSetGetRoundTrip(t *testing.T) {
	_, c := setupTestCache(t)
	ctx := context.Background()

	task := tasks.PlanTask{ID: "t1", Title: "Build parser", Files: []string{"parser.py"}}
	key := Key(task)
	result := tasks.GenerationResult{
		Code:  "def parse(): pass",
		Files: map[string]string{"parser.py": "def parse(): pass"},
	}

	if err := c.Set(ctx, key, result); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	got, hit := c.Get(ctx, key)
	if !hit {
		t.Fatal("Expected cache hit")
	}
	if got.Code != result.Code {
		t.Errorf("Expected code %q, got %q", result.Code, got.Code)
	}
	if !got.Cached {
		t.Error("Cached flag should be set on a hit")
	}
}

func TestGetMiss(t *testing.T) {
	_, c := setupTestCache(t)

	if _, hit := c.Get(context.Background(), "genresult:unknown"); hit {
		t.Fatal("Expected miss for unknown key")
	}
	s := c.Stats()
	if s.Misses != 1 || s.Hits != 0 {
		t.Errorf("Expected 1 miss / 0 hits, got %d/%d", s.Misses, s.Hits)
	}
}

func TestTTLExpiry(t *testing.T) {
	s, c := setupTestCache(t)
	ctx := context.Background()

	task := tasks.PlanTask{ID: "t1", Title: "Short lived"}
	key := Key(task)
	c.Set(ctx, key, tasks.GenerationResult{Code: "x"})

	s.FastForward(2 * time.Hour)

	if _, hit := c.Get(ctx, key); hit {
		t.Error("Expected miss after the TTL elapsed")
	}
}

func TestKeyStableAndSensitive(t *testing.T) {
	a := tasks.PlanTask{ID: "t1", Title: "Build", Description: "d", Files: []string{"a.py"}}
	b := a

	if Key(a) != Key(b) {
		t.Error("Identical task definitions must share a key")
	}

	b.Description = "different"
	if Key(a) == Key(b) {
		t.Error("Changing the definition must change the key")
	}
}

func TestMalformedEntryIsMiss(t *testing.T) {
	s, c := setupTestCache(t)
	s.Set("genresult:bad", "{not json")

	if _, hit := c.Get(context.Background(), "genresult:bad"); hit {
		t.Error("Malformed entry must be treated as a miss")
	}
}

func TestNilCacheDisabled(t *testing.T) {
	var c *ResultCache

	if _, hit := c.Get(context.Background(), "k"); hit {
		t.Error("Nil cache must always miss")
	}
	if err := c.Set(context.Background(), "k", tasks.GenerationResult{}); err != nil {
		t.Errorf("Nil cache Set must be a no-op, got %v", err)
	}
	if s := c.Stats(); s.Enabled {
		t.Error("Nil cache must report disabled")
	}
	if err := c.Close(); err != nil {
		t.Errorf("Nil cache Close must be a no-op, got %v", err)
	}
}

func TestHitRate(t *testing.T) {
	_, c := setupTestCache(t)
	ctx := context.Background()

	task := tasks.PlanTask{ID: "t1", Title: "Build"}
	key := Key(task)
	c.Set(ctx, key, tasks.GenerationResult{Code: "x"})

	c.Get(ctx, key)
	c.Get(ctx, key)
	c.Get(ctx, "genresult:other")

	s := c.Stats()
	if s.Hits != 2 || s.Misses != 1 {
		t.Fatalf("Expected 2 hits / 1 miss, got %d/%d", s.Hits, s.Misses)
	}
	if s.HitRate < 66 || s.HitRate > 67 {
		t.Errorf("Expected ~66.7%% hit rate, got %.1f", s.HitRate)
	}
}
