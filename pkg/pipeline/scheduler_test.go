package pipeline

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/guido-cesarano/forgeflow/pkg/tasks"
)

// countingSubmitter records submissions without a real pipeline.
type countingSubmitter struct {
	count atomic.Int64
	last  atomic.Value // tasks.PlanTask
}

func (s *countingSubmitter) SubmitDevTask(planTask tasks.PlanTask, n tasks.Notifier, priority int) (string, error) {
	s.count.Add(1)
	s.last.Store(planTask)
	return "task-id", nil
}

func TestSchedulerFiresRecurringSubmissions(t *testing.T) {
	target := &countingSubmitter{}
	sched := NewScheduler(target)

	if _, err := sched.Schedule("@every 100ms", tasks.PlanTask{ID: "nightly", Title: "regen"}, tasks.PriorityLow); err != nil {
		t.Fatalf("Schedule failed: %v", err)
	}

	sched.Start()
	defer sched.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for target.count.Load() < 2 && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
	if got := target.count.Load(); got < 2 {
		t.Fatalf("Expected at least 2 firings, got %d", got)
	}
	if last := target.last.Load().(tasks.PlanTask); last.ID != "nightly" {
		t.Errorf("Expected the scheduled plan task, got %s", last.ID)
	}
}

func TestSchedulerRejectsBadSpec(t *testing.T) {
	sched := NewScheduler(&countingSubmitter{})
	if _, err := sched.Schedule("not a spec", tasks.PlanTask{ID: "x"}, 0); err == nil {
		t.Fatal("Expected error for invalid cron spec")
	}
}

func TestSchedulerRemove(t *testing.T) {
	target := &countingSubmitter{}
	sched := NewScheduler(target)

	id, err := sched.Schedule("@every 50ms", tasks.PlanTask{ID: "x"}, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(sched.Entries()) != 1 {
		t.Fatalf("Expected 1 entry, got %d", len(sched.Entries()))
	}

	sched.Remove(id)
	if len(sched.Entries()) != 0 {
		t.Errorf("Expected no entries after remove, got %d", len(sched.Entries()))
	}
}
