package integration_tests

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/guido-cesarano/forgeflow/pkg/breaker"
	"github.com/guido-cesarano/forgeflow/pkg/events"
	"github.com/guido-cesarano/forgeflow/pkg/pipeline"
	"github.com/guido-cesarano/forgeflow/pkg/pool"
	"github.com/guido-cesarano/forgeflow/pkg/tasks"
	"github.com/redis/go-redis/v9"
)

// redisAddr returns the local Redis address, skipping the test when Redis is
// not reachable. Requires docker-compose up -d (or any local Redis).
func redisAddr(t *testing.T) string {
	const addr = "localhost:6379"
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	defer rdb.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		t.Skipf("Skipping integration test: Redis not reachable at %s (%v)", addr, err)
	}
	return addr
}

// scriptedCaps deploys everything and fails QA once per task id listed.
type scriptedCaps struct {
	mu       sync.Mutex
	failOnce map[string]bool
	deployed []string
}

func (c *scriptedCaps) Generate(ctx context.Context, req pipeline.GenerateRequest) (tasks.GenerationResult, error) {
	return tasks.GenerationResult{Code: "code for " + req.Task.ID}, nil
}

func (c *scriptedCaps) Validate(ctx context.Context, task tasks.PlanTask, gen tasks.GenerationResult) (tasks.ValidationReport, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failOnce[task.ID] {
		c.failOnce[task.ID] = false
		return tasks.ValidationReport{Passed: false, Issues: []string{"first pass fails"}}, nil
	}
	return tasks.ValidationReport{Passed: true}, nil
}

func (c *scriptedCaps) Deploy(ctx context.Context, task tasks.PlanTask, gen tasks.GenerationResult, rep tasks.ValidationReport) error {
	c.mu.Lock()
	c.deployed = append(c.deployed, task.ID)
	c.mu.Unlock()
	return nil
}

func TestPipelineAgainstRealRedis(t *testing.T) {
	addr := redisAddr(t)

	caps := &scriptedCaps{failOnce: map[string]bool{"models": true}}
	cfg := pipeline.EnhancedConfig{
		Config: pipeline.Config{
			PollTimeout:   20 * time.Millisecond,
			SubmitTimeout: time.Second,
		},
		AutoScale: pool.AutoScaleConfig{MinWorkers: 2, MaxWorkers: 4, CheckInterval: 100 * time.Millisecond},
		Breaker:   breaker.DefaultConfig(),
		Router:    events.Config{MaxRetries: 3, DLQThreshold: 3, BaseBackoff: 10 * time.Millisecond},
		RedisAddr: addr,
		CacheTTL:  time.Minute,
	}
	m := pipeline.NewEnhancedManager(cfg, caps, caps, caps)
	m.Start()
	defer m.Stop(true, 10*time.Second)

	plan := &tasks.Plan{ID: "integration", Tasks: []tasks.PlanTask{
		{ID: "config", Title: "Config", Files: []string{"config.py"}, Language: "python"},
		{ID: "models", Title: "Models", Files: []string{"models.py"}, Language: "python", Content: "import config"},
		{ID: "api", Title: "API", Files: []string{"api.py"}, Language: "python", Content: "import models"},
	}}
	if _, err := m.AnalyzeAndSubmitPlan(plan, nil); err != nil {
		t.Fatalf("AnalyzeAndSubmitPlan failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := m.WaitIdle(ctx, 50*time.Millisecond); err != nil {
		t.Fatalf("Pipeline did not drain: %v", err)
	}

	caps.mu.Lock()
	deployed := len(caps.deployed)
	caps.mu.Unlock()
	if deployed != 3 {
		t.Fatalf("Expected 3 deployed tasks, got %d", deployed)
	}

	s := m.Stats()
	if s.Unified.FixProcessed != 1 {
		t.Errorf("Expected 1 fix pass for the scripted QA failure, got %d", s.Unified.FixProcessed)
	}
	if !s.Cache.Enabled {
		t.Error("Cache should be enabled against real Redis")
	}

	// Re-submitting an identical task definition must hit the Redis cache.
	before := s.Cache.Hits
	if _, err := m.SubmitDevTask(plan.Tasks[0], nil, -1); err != nil {
		t.Fatalf("Resubmit failed: %v", err)
	}
	if err := m.WaitIdle(ctx, 50*time.Millisecond); err != nil {
		t.Fatalf("Pipeline did not drain after resubmit: %v", err)
	}
	if got := m.Stats().Cache.Hits; got != before+1 {
		t.Errorf("Expected a cache hit on resubmission, got %d (was %d)", got, before)
	}
}
