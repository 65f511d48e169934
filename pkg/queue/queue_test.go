package queue

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/guido-cesarano/forgeflow/pkg/tasks"
)

func devTask(t *testing.T, id string, priority int) *tasks.QueueTask {
	t.Helper()
	task, err := tasks.New(id, tasks.DevPayload{Task: tasks.PlanTask{ID: "plan-" + id}}, priority)
	if err != nil {
		t.Fatalf("building task %s: %v", id, err)
	}
	return task
}

func TestPriorityOrdering(t *testing.T) {
	q := New("test", 0)

	q.Put(devTask(t, "low", tasks.PriorityLow), time.Second)
	q.Put(devTask(t, "fix", tasks.PriorityFix), time.Second)
	q.Put(devTask(t, "normal", tasks.PriorityNormal), time.Second)
	q.Put(devTask(t, "high", tasks.PriorityHigh), time.Second)

	want := []string{"fix", "high", "normal", "low"}
	for _, expected := range want {
		task, err := q.Get(time.Second)
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if task.ID != expected {
			t.Errorf("Expected %s, got %s", expected, task.ID)
		}
	}
}

func TestFIFOWithinTier(t *testing.T) {
	q := New("test", 0)

	// Same priority, identical timestamps are possible on coarse clocks;
	// the insertion sequence must keep submission order.
	for _, id := range []string{"first", "second", "third"} {
		q.Put(devTask(t, id, tasks.PriorityNormal), time.Second)
	}

	for _, expected := range []string{"first", "second", "third"} {
		task, _ := q.Get(time.Second)
		if task.ID != expected {
			t.Errorf("Expected %s, got %s", expected, task.ID)
		}
	}
}

func TestBackToBackPutsWakeAllConsumers(t *testing.T) {
	q := New("test", 0)

	results := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			_, err := q.Get(2 * time.Second)
			results <- err
		}()
	}
	time.Sleep(50 * time.Millisecond) // both consumers blocked

	q.Put(devTask(t, "a", tasks.PriorityNormal), time.Second)
	q.Put(devTask(t, "b", tasks.PriorityNormal), time.Second)

	// Both consumers must wake well before their timeouts even when the
	// two wakeup signals coalesced into one.
	deadline := time.After(500 * time.Millisecond)
	for i := 0; i < 2; i++ {
		select {
		case err := <-results:
			if err != nil {
				t.Fatalf("Consumer %d: %v", i, err)
			}
		case <-deadline:
			t.Fatal("A consumer stayed blocked while a task sat in the queue")
		}
	}
}

func TestBackToBackGetsWakeAllProducers(t *testing.T) {
	q := New("test", 2)
	q.Put(devTask(t, "a", tasks.PriorityNormal), time.Second)
	q.Put(devTask(t, "b", tasks.PriorityNormal), time.Second)

	results := make(chan error, 2)
	for i := 0; i < 2; i++ {
		task := devTask(t, fmt.Sprintf("blocked-%d", i), tasks.PriorityNormal)
		go func() {
			results <- q.Put(task, 2*time.Second)
		}()
	}
	time.Sleep(50 * time.Millisecond) // both producers blocked on capacity

	q.Get(time.Second)
	q.Get(time.Second)

	deadline := time.After(500 * time.Millisecond)
	for i := 0; i < 2; i++ {
		select {
		case err := <-results:
			if err != nil {
				t.Fatalf("Producer %d: %v", i, err)
			}
		case <-deadline:
			t.Fatal("A producer stayed blocked while capacity was free")
		}
	}
}

func TestBoundedPut(t *testing.T) {
	q := New("test", 1)

	if err := q.Put(devTask(t, "a", tasks.PriorityNormal), 10*time.Millisecond); err != nil {
		t.Fatalf("First put failed: %v", err)
	}
	if err := q.Put(devTask(t, "b", tasks.PriorityNormal), 10*time.Millisecond); err != ErrQueueFull {
		t.Fatalf("Expected ErrQueueFull, got %v", err)
	}

	// A consumer freeing capacity should unblock a waiting producer.
	done := make(chan error, 1)
	go func() {
		done <- q.Put(devTask(t, "c", tasks.PriorityNormal), time.Second)
	}()
	time.Sleep(20 * time.Millisecond)
	if _, err := q.Get(time.Second); err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("Blocked put should have succeeded, got %v", err)
	}
}

func TestGetTimeout(t *testing.T) {
	q := New("test", 0)

	start := time.Now()
	_, err := q.Get(50 * time.Millisecond)
	if err != ErrQueueEmpty {
		t.Fatalf("Expected ErrQueueEmpty, got %v", err)
	}
	if elapsed := time.Since(start); elapsed < 40*time.Millisecond {
		t.Errorf("Get returned too early: %v", elapsed)
	}

	// Non-positive timeout fails immediately.
	if _, err := q.Get(0); err != ErrQueueEmpty {
		t.Fatalf("Expected immediate ErrQueueEmpty, got %v", err)
	}
}

func TestGetMarksInProgress(t *testing.T) {
	q := New("test", 0)
	q.Put(devTask(t, "a", tasks.PriorityNormal), time.Second)

	task, err := q.Get(time.Second)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if task.StartedAt.IsZero() {
		t.Error("StartedAt should be set on dequeue")
	}
	if q.InProgress() != 1 {
		t.Errorf("Expected 1 in-progress, got %d", q.InProgress())
	}

	q.TaskDone(task.ID, true, 10*time.Millisecond)
	if q.InProgress() != 0 {
		t.Errorf("Expected 0 in-progress after TaskDone, got %d", q.InProgress())
	}

	stats := q.Stats()
	if stats.Processed != 1 || stats.Failed != 0 {
		t.Errorf("Expected 1 processed / 0 failed, got %d/%d", stats.Processed, stats.Failed)
	}
	if stats.SuccessRate != 100 {
		t.Errorf("Expected 100%% success rate, got %.1f", stats.SuccessRate)
	}
}

func TestTaskDoneUnknownIDIsNoOp(t *testing.T) {
	q := New("test", 0)
	q.TaskDone("ghost", true, 0)

	stats := q.Stats()
	if stats.Processed != 0 || stats.Failed != 0 {
		t.Errorf("Unknown TaskDone must not change counters, got %+v", stats)
	}
}

func TestTaskRetryDeprioritizes(t *testing.T) {
	q := New("test", 0)
	q.Put(devTask(t, "steady", tasks.PriorityHigh+1), time.Second)
	q.Put(devTask(t, "flaky", tasks.PriorityHigh), time.Second)

	flaky, _ := q.Get(time.Second)
	if !q.TaskRetry(flaky) {
		t.Fatal("First retry should be within budget")
	}
	if flaky.Retries != 1 {
		t.Errorf("Expected 1 retry, got %d", flaky.Retries)
	}

	// De-prioritization (priority+1) makes the retried task tie with
	// steady, and steady is older, so steady should come out first.
	next, _ := q.Get(time.Second)
	if next.ID != "steady" {
		t.Errorf("Expected retried task to be de-prioritized, got %s first", next.ID)
	}
}

func TestTaskRetryExhaustion(t *testing.T) {
	q := New("test", 0)
	task := devTask(t, "doomed", tasks.PriorityNormal)
	task.MaxRetries = 1
	q.Put(task, time.Second)

	got, _ := q.Get(time.Second)
	if !q.TaskRetry(got) {
		t.Fatal("Retry 1 should be within budget")
	}
	got, _ = q.Get(time.Second)
	if q.TaskRetry(got) {
		t.Fatal("Retry 2 should exhaust the budget")
	}
	// Exhausted task stays in-progress so the caller can record failure.
	if q.InProgress() != 1 {
		t.Fatalf("Exhausted task should remain in-progress, got %d", q.InProgress())
	}
	q.TaskDone(got.ID, false, 0)
	stats := q.Stats()
	if stats.Failed != 1 {
		t.Errorf("Expected 1 permanent failure, got %d", stats.Failed)
	}
	if stats.Retries != 2 {
		t.Errorf("Expected 2 recorded retries, got %d", stats.Retries)
	}
}

func TestConcurrentProducersConsumers(t *testing.T) {
	q := New("test", 0)
	const producers, perProducer = 10, 50
	const total = producers * perProducer

	var wg sync.WaitGroup
	for i := 0; i < producers; i++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for j := 0; j < perProducer; j++ {
				q.Put(devTask(t, fmt.Sprintf("p%d-t%d", p, j), tasks.PriorityNormal), time.Second)
			}
		}(i)
	}

	seen := make(chan string, total)
	var cwg sync.WaitGroup
	for i := 0; i < 4; i++ {
		cwg.Add(1)
		go func() {
			defer cwg.Done()
			for {
				task, err := q.Get(200 * time.Millisecond)
				if err != nil {
					return
				}
				seen <- task.ID
				q.TaskDone(task.ID, true, time.Millisecond)
			}
		}()
	}

	wg.Wait()
	cwg.Wait()
	close(seen)

	count := 0
	for range seen {
		count++
	}
	if count != total {
		t.Errorf("Expected %d tasks consumed, got %d", total, count)
	}
}

func TestWaitUntilEmpty(t *testing.T) {
	q := New("test", 0)
	q.Put(devTask(t, "a", tasks.PriorityNormal), time.Second)

	go func() {
		task, _ := q.Get(time.Second)
		time.Sleep(50 * time.Millisecond)
		q.TaskDone(task.ID, true, 0)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := q.WaitUntilEmpty(ctx, 10*time.Millisecond); err != nil {
		t.Fatalf("WaitUntilEmpty failed: %v", err)
	}
}

func TestWaitUntilEmptyCancellation(t *testing.T) {
	q := New("test", 0)
	q.Put(devTask(t, "stuck", tasks.PriorityNormal), time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := q.WaitUntilEmpty(ctx, 10*time.Millisecond); err == nil {
		t.Fatal("Expected context error for non-draining queue")
	}
}

func TestClear(t *testing.T) {
	q := New("test", 0)
	for i := 0; i < 3; i++ {
		q.Put(devTask(t, "t", tasks.PriorityNormal), time.Second)
	}
	inFlight, _ := q.Get(time.Second)

	if dropped := q.Clear(); dropped != 2 {
		t.Errorf("Expected 2 dropped, got %d", dropped)
	}
	if q.Len() != 0 {
		t.Errorf("Expected empty queue, got %d", q.Len())
	}
	if q.InProgress() != 1 {
		t.Error("Clear must not touch in-progress tasks")
	}
	q.TaskDone(inFlight.ID, true, 0)
}

func TestHistoryBounded(t *testing.T) {
	q := New("test", 0)
	for i := 0; i < historySize+20; i++ {
		q.Put(devTask(t, "t", tasks.PriorityNormal), time.Second)
		task, _ := q.Get(time.Second)
		q.TaskDone(task.ID, true, time.Millisecond)
	}
	if got := len(q.History()); got != historySize {
		t.Errorf("Expected history capped at %d, got %d", historySize, got)
	}
}
