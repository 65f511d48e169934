package queue

import "github.com/guido-cesarano/forgeflow/pkg/tasks"

// entry wraps a task with an insertion sequence number. The sequence breaks
// ties when two tasks share priority and an identical creation timestamp,
// keeping FIFO order stable.
type entry struct {
	task *tasks.QueueTask
	seq  uint64
}

// taskHeap implements container/heap ordered by (priority asc, created_at
// asc, seq asc).
type taskHeap []*entry

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool {
	a, b := h[i], h[j]
	if a.task.Priority != b.task.Priority {
		return a.task.Priority < b.task.Priority
	}
	if !a.task.CreatedAt.Equal(b.task.CreatedAt) {
		return a.task.CreatedAt.Before(b.task.CreatedAt)
	}
	return a.seq < b.seq
}

func (h taskHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *taskHeap) Push(x any) {
	*h = append(*h, x.(*entry))
}

func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}
