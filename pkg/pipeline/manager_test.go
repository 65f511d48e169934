package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/guido-cesarano/forgeflow/pkg/tasks"
)

// fakeCapabilities is a scripted generator/validator/deployer trio. failQA
// maps a plan task id to how many validations should fail before passing.
type fakeCapabilities struct {
	mu        sync.Mutex
	failQA    map[string]int
	genErr    error
	deployErr error

	generated atomic.Int64
	validated atomic.Int64
	deployed  atomic.Int64
}

func newFakeCapabilities() *fakeCapabilities {
	return &fakeCapabilities{failQA: make(map[string]int)}
}

func (f *fakeCapabilities) Generate(ctx context.Context, req GenerateRequest) (tasks.GenerationResult, error) {
	f.mu.Lock()
	err := f.genErr
	f.mu.Unlock()
	if err != nil {
		return tasks.GenerationResult{}, err
	}
	f.generated.Add(1)
	return tasks.GenerationResult{Code: "code for " + req.Task.ID}, nil
}

func (f *fakeCapabilities) Validate(ctx context.Context, task tasks.PlanTask, gen tasks.GenerationResult) (tasks.ValidationReport, error) {
	f.validated.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failQA[task.ID] > 0 {
		f.failQA[task.ID]--
		return tasks.ValidationReport{Passed: false, Issues: []string{"scripted failure"}}, nil
	}
	return tasks.ValidationReport{Passed: true}, nil
}

func (f *fakeCapabilities) Deploy(ctx context.Context, task tasks.PlanTask, gen tasks.GenerationResult, rep tasks.ValidationReport) error {
	f.mu.Lock()
	err := f.deployErr
	f.mu.Unlock()
	if err != nil {
		return err
	}
	f.deployed.Add(1)
	return nil
}

func (f *fakeCapabilities) setGenErr(err error)    { f.mu.Lock(); f.genErr = err; f.mu.Unlock() }
func (f *fakeCapabilities) setDeployErr(err error) { f.mu.Lock(); f.deployErr = err; f.mu.Unlock() }

// memoNotifier records progress callbacks.
type memoNotifier struct {
	mu       sync.Mutex
	messages []string
}

func (n *memoNotifier) Notify(taskID, stage, message string) {
	n.mu.Lock()
	n.messages = append(n.messages, stage+": "+message)
	n.mu.Unlock()
}

func (n *memoNotifier) all() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, len(n.messages))
	copy(out, n.messages)
	return out
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.PollTimeout = 20 * time.Millisecond
	cfg.SubmitTimeout = time.Second
	return cfg
}

func waitIdle(t *testing.T, wait func(context.Context, time.Duration) error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := wait(ctx, 20*time.Millisecond); err != nil {
		t.Fatalf("pipeline did not drain: %v", err)
	}
}

func TestManagerHappyPath(t *testing.T) {
	caps := newFakeCapabilities()
	m := NewManager(testConfig(), caps, caps, caps)
	m.Start()
	defer m.Stop(true, 5*time.Second)

	n := &memoNotifier{}
	for i := 0; i < 5; i++ {
		if _, err := m.SubmitDevTask(tasks.PlanTask{ID: fmt.Sprintf("p%d", i), Title: "t"}, n, -1); err != nil {
			t.Fatalf("Submit failed: %v", err)
		}
	}

	waitIdle(t, m.WaitIdle)

	if got := caps.deployed.Load(); got != 5 {
		t.Errorf("Expected 5 deployed, got %d", got)
	}
	s := m.Stats()
	if s.TotalTasks != 5 || s.Completed != 5 || s.FixExhausted != 0 {
		t.Errorf("Unexpected stats: %+v", s)
	}

	// Stage progress reached the notifier.
	found := false
	for _, msg := range n.all() {
		if msg == "deploy: deployed" {
			found = true
		}
	}
	if !found {
		t.Error("Expected deploy notification")
	}
}

func TestManagerFixLoopRecovers(t *testing.T) {
	caps := newFakeCapabilities()
	caps.failQA["flaky"] = 1 // fail once, then pass
	m := NewManager(testConfig(), caps, caps, caps)
	m.Start()
	defer m.Stop(true, 5*time.Second)

	m.SubmitDevTask(tasks.PlanTask{ID: "flaky", Title: "t"}, nil, -1)
	waitIdle(t, m.WaitIdle)

	if got := caps.deployed.Load(); got != 1 {
		t.Errorf("Expected recovery and deploy, got %d deployed", got)
	}
	// One fresh generation plus one fix regeneration.
	if got := caps.generated.Load(); got != 2 {
		t.Errorf("Expected 2 generations, got %d", got)
	}
	if got := caps.validated.Load(); got != 2 {
		t.Errorf("Expected 2 validations, got %d", got)
	}
}

func TestManagerFixBudgetExhausted(t *testing.T) {
	caps := newFakeCapabilities()
	caps.failQA["hopeless"] = 100
	cfg := testConfig()
	cfg.MaxFixAttempts = 2
	m := NewManager(cfg, caps, caps, caps)
	m.Start()
	defer m.Stop(true, 5*time.Second)

	m.SubmitDevTask(tasks.PlanTask{ID: "hopeless", Title: "t"}, nil, -1)
	waitIdle(t, m.WaitIdle)

	if got := caps.deployed.Load(); got != 0 {
		t.Errorf("Hopeless task must not deploy, got %d", got)
	}
	// Initial validation plus one per fix attempt.
	if got := caps.validated.Load(); got != 3 {
		t.Errorf("Expected 3 validations, got %d", got)
	}
	if s := m.Stats(); s.FixExhausted != 1 {
		t.Errorf("Expected 1 fix-exhausted task, got %d", s.FixExhausted)
	}
}

func TestManagerGeneratorErrorRetriesThenFails(t *testing.T) {
	caps := newFakeCapabilities()
	caps.setGenErr(errors.New("llm down"))
	m := NewManager(testConfig(), caps, caps, caps)
	m.Start()
	defer m.Stop(true, 5*time.Second)

	m.SubmitDevTask(tasks.PlanTask{ID: "p1", Title: "t"}, nil, -1)
	waitIdle(t, m.WaitIdle)

	if got := caps.deployed.Load(); got != 0 {
		t.Errorf("Expected no deploys, got %d", got)
	}
	s := m.Stats()
	devQueue := s.Queues[0]
	if devQueue.Name != "dev" {
		t.Fatalf("Expected dev queue first in stats, got %s", devQueue.Name)
	}
	if devQueue.Failed != 1 {
		t.Errorf("Expected 1 permanent dev failure, got %d", devQueue.Failed)
	}
	if devQueue.Retries == 0 {
		t.Error("Expected queue-level retries before permanent failure")
	}
}

func TestManagerPlanSubmissionPrioritizesCriticalPath(t *testing.T) {
	caps := newFakeCapabilities()
	m := NewManager(testConfig(), caps, caps, caps)
	// Not started: inspect queue contents before processing.

	plan := &tasks.Plan{ID: "plan", Tasks: []tasks.PlanTask{
		{ID: "t1", Title: "Config", Files: []string{"config.ts"}, Language: "typescript"},
		{ID: "t2", Title: "Models", Files: []string{"models.ts"}, Language: "typescript",
			Content: `import { cfg } from './config';`},
		{ID: "t3", Title: "Standalone", Files: []string{"readme.md"}},
	}}

	ids, err := m.AnalyzeAndSubmitPlan(plan, nil)
	if err != nil {
		t.Fatalf("AnalyzeAndSubmitPlan failed: %v", err)
	}
	if len(ids) != 3 {
		t.Fatalf("Expected 3 submissions, got %d", len(ids))
	}

	// config -> models is the critical path; both tasks get the high tier.
	priorities := make(map[string]int)
	for i := 0; i < 3; i++ {
		task, err := m.devQueue.Get(time.Second)
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		p := task.Payload.(tasks.DevPayload)
		priorities[p.Task.ID] = task.Priority
	}
	if priorities["t1"] != tasks.PriorityHigh || priorities["t2"] != tasks.PriorityHigh {
		t.Errorf("Critical path tasks should be high priority, got %v", priorities)
	}
	if priorities["t3"] != tasks.PriorityNormal {
		t.Errorf("Off-path task should be normal priority, got %d", priorities["t3"])
	}

	if s := m.Stats(); s.Dependencies == nil || s.Dependencies.TotalFiles != 3 {
		t.Error("Stats should include the dependency summary after plan analysis")
	}
}

func TestManagerRejectsInvalidPlan(t *testing.T) {
	caps := newFakeCapabilities()
	m := NewManager(testConfig(), caps, caps, caps)

	bad := &tasks.Plan{ID: "p", Tasks: []tasks.PlanTask{
		{ID: "a", Dependencies: []string{"zzz"}},
	}}
	if _, err := m.AnalyzeAndSubmitPlan(bad, nil); err == nil {
		t.Fatal("Expected validation error for unknown dependency")
	}
}

func TestManagerExplicitPriorityHonored(t *testing.T) {
	caps := newFakeCapabilities()
	m := NewManager(testConfig(), caps, caps, caps)

	m.SubmitDevTask(tasks.PlanTask{ID: "p1", Title: "t"}, nil, tasks.PriorityLow)
	task, err := m.devQueue.Get(time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if task.Priority != tasks.PriorityLow {
		t.Errorf("Expected explicit low priority, got %d", task.Priority)
	}
}

func TestManagerStopIsIdempotent(t *testing.T) {
	caps := newFakeCapabilities()
	m := NewManager(testConfig(), caps, caps, caps)
	m.Start()
	m.Stop(true, time.Second)
	m.Stop(true, time.Second) // second stop must not panic or block
}
