// Package queue provides the in-memory priority task queue shared between
// task producers and the stage worker pools. It supports:
//   - Priority ordering with stable FIFO inside one priority tier
//   - Blocking Put/Get with per-call timeouts
//   - In-progress tracking and completion bookkeeping
//   - Retry accounting with automatic de-prioritization
//
// The queue is the only shared mutable structure between producers and
// workers; every mutation happens under a single mutex.
package queue

import (
	"container/heap"
	"context"
	"errors"
	"sync"
	"time"

	"github.com/guido-cesarano/forgeflow/pkg/logger"
	"github.com/guido-cesarano/forgeflow/pkg/tasks"
	"github.com/rs/zerolog"
)

var (
	// ErrQueueFull is returned by Put when the queue is bounded and no
	// capacity became available within the timeout.
	ErrQueueFull = errors.New("queue is full")

	// ErrQueueEmpty is returned by Get when no task became available
	// within the timeout.
	ErrQueueEmpty = errors.New("queue is empty")
)

// historySize bounds the rolling completion history kept for statistics.
const historySize = 100

// completion records one finished task for the rolling history.
type completion struct {
	TaskID     string        `json:"task_id"`
	Type       tasks.Type    `json:"type"`
	Success    bool          `json:"success"`
	Duration   time.Duration `json:"duration"`
	FinishedAt time.Time     `json:"finished_at"`
}

// Stats is a point-in-time snapshot of queue counters.
type Stats struct {
	Name            string        `json:"name"`
	Pending         int           `json:"pending"`
	InProgress      int           `json:"in_progress"`
	Processed       int           `json:"processed"`
	Failed          int           `json:"failed"`
	Retries         int           `json:"retries"`
	SuccessRate     float64       `json:"success_rate"`
	AvgProcessing   time.Duration `json:"avg_processing"`
	TotalProcessing time.Duration `json:"total_processing"`
}

// PriorityQueue is a concurrent-safe task queue ordered by (priority,
// created_at). A zero capacity means unbounded.
type PriorityQueue struct {
	mu         sync.Mutex
	items      taskHeap
	seq        uint64
	capacity   int
	inProgress map[string]*tasks.QueueTask

	processed       int
	failed          int
	retries         int
	totalProcessing time.Duration
	history         []completion

	notEmpty chan struct{}
	notFull  chan struct{}

	name string
	log  zerolog.Logger
}

// New creates a queue with the given name (used in logs and stats) and
// capacity. capacity <= 0 means unbounded.
func New(name string, capacity int) *PriorityQueue {
	return &PriorityQueue{
		capacity:   capacity,
		inProgress: make(map[string]*tasks.QueueTask),
		notEmpty:   make(chan struct{}, 1),
		notFull:    make(chan struct{}, 1),
		name:       name,
		log:        logger.Component("queue").With().Str("queue", name).Logger(),
	}
}

// Put inserts a task in (priority, created_at) order. If the queue is bounded
// and full, Put waits up to timeout for capacity; with a non-positive timeout
// it fails immediately with ErrQueueFull.
func (q *PriorityQueue) Put(task *tasks.QueueTask, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	q.mu.Lock()
	for q.capacity > 0 && q.items.Len() >= q.capacity {
		q.mu.Unlock()
		remaining := time.Until(deadline)
		if timeout <= 0 || remaining <= 0 {
			return ErrQueueFull
		}
		timer := time.NewTimer(remaining)
		select {
		case <-q.notFull:
			timer.Stop()
		case <-timer.C:
		}
		q.mu.Lock()
	}
	q.seq++
	heap.Push(&q.items, &entry{task: task, seq: q.seq})
	spare := q.capacity > 0 && q.items.Len() < q.capacity
	q.mu.Unlock()
	q.signal(q.notEmpty)
	if spare {
		// The 1-buffered channel coalesces signals; pass the wakeup on so
		// another blocked producer is not stranded until its timeout.
		q.signal(q.notFull)
	}
	return nil
}

// Get removes and returns the most urgent, oldest task. It marks StartedAt
// and moves the task to the in-progress set. If nothing is available within
// timeout it returns ErrQueueEmpty; a non-positive timeout fails immediately.
func (q *PriorityQueue) Get(timeout time.Duration) (*tasks.QueueTask, error) {
	deadline := time.Now().Add(timeout)
	q.mu.Lock()
	for q.items.Len() == 0 {
		q.mu.Unlock()
		remaining := time.Until(deadline)
		if timeout <= 0 || remaining <= 0 {
			return nil, ErrQueueEmpty
		}
		timer := time.NewTimer(remaining)
		select {
		case <-q.notEmpty:
			timer.Stop()
		case <-timer.C:
		}
		q.mu.Lock()
	}
	e := heap.Pop(&q.items).(*entry)
	task := e.task
	task.StartedAt = time.Now()
	q.inProgress[task.ID] = task
	more := q.items.Len() > 0
	q.mu.Unlock()
	q.signal(q.notFull)
	if more {
		// Pass the wakeup on: coalesced signals must not leave a blocked
		// consumer sleeping while tasks sit in the heap.
		q.signal(q.notEmpty)
	}
	return task, nil
}

// TaskDone removes a task from the in-progress set and records the outcome.
// An unknown task id logs a warning and is a no-op. A zero duration is
// derived from the task's StartedAt.
func (q *PriorityQueue) TaskDone(taskID string, success bool, duration time.Duration) {
	q.mu.Lock()
	defer q.mu.Unlock()

	task, ok := q.inProgress[taskID]
	if !ok {
		q.log.Warn().Str("task_id", taskID).Msg("TaskDone for unknown task")
		return
	}
	delete(q.inProgress, taskID)

	if duration == 0 && !task.StartedAt.IsZero() {
		duration = time.Since(task.StartedAt)
	}
	if success {
		q.processed++
	} else {
		q.failed++
	}
	q.totalProcessing += duration

	q.history = append(q.history, completion{
		TaskID:     taskID,
		Type:       task.Type,
		Success:    success,
		Duration:   duration,
		FinishedAt: time.Now(),
	})
	if len(q.history) > historySize {
		q.history = q.history[len(q.history)-historySize:]
	}
}

// TaskRetry re-enqueues a failed task with an incremented retry count and a
// de-prioritized rank (priority value + 1). It returns false once the retry
// budget is exhausted; the caller must then treat the task as permanently
// failed.
func (q *PriorityQueue) TaskRetry(task *tasks.QueueTask) bool {
	q.mu.Lock()
	q.retries++
	task.Retries++
	if task.RetriesExhausted() {
		// Left in the in-progress set so the caller's TaskDone(false)
		// records the permanent failure.
		q.mu.Unlock()
		q.log.Debug().Str("task_id", task.ID).Int("retries", task.Retries).Msg("retry budget exhausted")
		return false
	}
	delete(q.inProgress, task.ID)
	task.Priority++
	q.seq++
	heap.Push(&q.items, &entry{task: task, seq: q.seq})
	q.mu.Unlock()
	q.signal(q.notEmpty)
	q.log.Debug().Str("task_id", task.ID).Int("retries", task.Retries).Int("priority", task.Priority).Msg("task re-enqueued")
	return true
}

// Len returns the number of pending tasks.
func (q *PriorityQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Len()
}

// InProgress returns the number of tasks currently being processed.
func (q *PriorityQueue) InProgress() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.inProgress)
}

// IsEmpty reports whether no tasks are pending.
func (q *PriorityQueue) IsEmpty() bool {
	return q.Len() == 0
}

// Stats returns a snapshot of the queue counters.
func (q *PriorityQueue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()

	s := Stats{
		Name:            q.name,
		Pending:         q.items.Len(),
		InProgress:      len(q.inProgress),
		Processed:       q.processed,
		Failed:          q.failed,
		Retries:         q.retries,
		TotalProcessing: q.totalProcessing,
	}
	total := q.processed + q.failed
	if total > 0 {
		s.SuccessRate = float64(q.processed) / float64(total) * 100
		s.AvgProcessing = q.totalProcessing / time.Duration(total)
	}
	return s
}

// History returns a copy of the rolling completion history, newest last.
func (q *PriorityQueue) History() []completion {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]completion, len(q.history))
	copy(out, q.history)
	return out
}

// WaitUntilEmpty blocks until both pending and in-progress counts are zero,
// polling at the given interval, or until the context is cancelled.
func (q *PriorityQueue) WaitUntilEmpty(ctx context.Context, poll time.Duration) error {
	if poll <= 0 {
		poll = 100 * time.Millisecond
	}
	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	for {
		q.mu.Lock()
		done := q.items.Len() == 0 && len(q.inProgress) == 0
		q.mu.Unlock()
		if done {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Clear drops all pending tasks. In-progress tasks are unaffected.
func (q *PriorityQueue) Clear() int {
	q.mu.Lock()
	dropped := q.items.Len()
	q.items = q.items[:0]
	q.mu.Unlock()
	q.signal(q.notFull)
	if dropped > 0 {
		q.log.Info().Int("dropped", dropped).Msg("queue cleared")
	}
	return dropped
}

// signal performs a non-blocking send; waiters re-check state in a loop so a
// coalesced signal is safe.
func (q *PriorityQueue) signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
