// Package cache provides a Redis-backed cache for generation results, keyed
// by a hash of the task definition. Re-submitting an unchanged task skips the
// expensive external generation call.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/guido-cesarano/forgeflow/pkg/logger"
	"github.com/guido-cesarano/forgeflow/pkg/tasks"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// DefaultTTL is how long cached results live.
const DefaultTTL = 24 * time.Hour

// Stats is a snapshot of cache effectiveness counters.
type Stats struct {
	Enabled bool    `json:"enabled"`
	Hits    int64   `json:"hits"`
	Misses  int64   `json:"misses"`
	HitRate float64 `json:"hit_rate"`
}

// ResultCache stores GenerationResults in Redis with a TTL. A nil
// *ResultCache is a valid disabled cache: Get always misses and Set is a
// no-op, so the pipeline runs unchanged without Redis.
type ResultCache struct {
	rdb    *redis.Client
	ttl    time.Duration
	hits   atomic.Int64
	misses atomic.Int64
	log    zerolog.Logger
}

// New creates a result cache connected to the Redis at addr ("host:port").
// A non-positive ttl falls back to DefaultTTL.
func New(addr string, ttl time.Duration) *ResultCache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &ResultCache{
		rdb: redis.NewClient(&redis.Options{Addr: addr}),
		ttl: ttl,
		log: logger.Component("cache"),
	}
}

// Key derives the cache key from the fields that define what gets generated.
// Two tasks with the same id, title, description and output files share a key.
func Key(t tasks.PlanTask) string {
	h := sha256.Sum256([]byte(strings.Join([]string{
		t.ID, t.Title, t.Description, strings.Join(t.Files, ","), t.Language,
	}, "|")))
	return "genresult:" + hex.EncodeToString(h[:])
}

// Get looks up a cached generation result. ok is false on a miss, on a
// disabled cache, and on any Redis error (errors are logged, never fatal).
func (c *ResultCache) Get(ctx context.Context, key string) (tasks.GenerationResult, bool) {
	var result tasks.GenerationResult
	if c == nil {
		return result, false
	}
	raw, err := c.rdb.Get(ctx, key).Result()
	if err == redis.Nil {
		c.misses.Add(1)
		return result, false
	}
	if err != nil {
		c.log.Error().Err(err).Str("key", key).Msg("cache lookup failed")
		c.misses.Add(1)
		return result, false
	}
	if err := json.Unmarshal([]byte(raw), &result); err != nil {
		c.log.Error().Err(err).Str("key", key).Msg("cached result is malformed, treating as miss")
		c.misses.Add(1)
		return result, false
	}
	c.hits.Add(1)
	result.Cached = true
	return result, true
}

// Set stores a generation result under the key with the configured TTL.
func (c *ResultCache) Set(ctx context.Context, key string, result tasks.GenerationResult) error {
	if c == nil {
		return nil
	}
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal generation result: %w", err)
	}
	return c.rdb.Set(ctx, key, data, c.ttl).Err()
}

// Stats returns hit/miss counters. Safe on a nil cache.
func (c *ResultCache) Stats() Stats {
	if c == nil {
		return Stats{}
	}
	s := Stats{
		Enabled: true,
		Hits:    c.hits.Load(),
		Misses:  c.misses.Load(),
	}
	if total := s.Hits + s.Misses; total > 0 {
		s.HitRate = float64(s.Hits) / float64(total) * 100
	}
	return s
}

// Close releases the Redis connection. Safe on a nil cache.
func (c *ResultCache) Close() error {
	if c == nil {
		return nil
	}
	return c.rdb.Close()
}
