// Package tasks defines the core data structures for units of work flowing
// through the forgeflow pipeline. Tasks are created at submission, enqueued by
// priority, processed by worker pools, and retried on failure.
package tasks

import (
	"fmt"
	"time"
)

// Type categorizes a task for routing to the correct pipeline stage.
type Type string

const (
	TypeDev    Type = "dev"
	TypeQA     Type = "qa"
	TypeFix    Type = "fix"
	TypeDeploy Type = "deploy"
)

// Priority tiers. Lower value means more urgent. Fix tasks enter below every
// development tier so the queue naturally prefers them; the pools never
// reorder on their own.
const (
	PriorityFix      = 0
	PriorityCritical = 1
	PriorityHigh     = 2
	PriorityNormal   = 5
	PriorityLow      = 8
)

// DefaultMaxRetries is applied when a task is built without an explicit
// retry budget.
const DefaultMaxRetries = 3

// QueueTask represents a unit of work to be processed by a pipeline stage.
// Each task contains metadata for ordering, tracking, and retry logic.
//
// Ordering is by Priority ascending, then CreatedAt ascending, so within one
// priority tier tasks are FIFO.
type QueueTask struct {
	// ID is a unique identifier for the task (UUID at submission).
	ID string `json:"id"`

	// Type routes the task to the matching stage processor.
	Type Type `json:"type"`

	// Payload carries the stage-specific data. Exactly one of the typed
	// payload structs, matching Type.
	Payload Payload `json:"payload"`

	// Priority determines processing order. Lower is more urgent.
	Priority int `json:"priority"`

	// CreatedAt is the timestamp when the task was first enqueued.
	CreatedAt time.Time `json:"created_at"`

	// StartedAt is set when the task is dequeued for processing.
	StartedAt time.Time `json:"started_at,omitzero"`

	// Retries tracks how many times this task has been re-enqueued after
	// failures.
	Retries int `json:"retries"`

	// MaxRetries bounds Retries. Once exceeded the task is permanently
	// failed.
	MaxRetries int `json:"max_retries"`
}

// New builds a QueueTask with the given id, payload and priority. The payload
// is validated and determines the task type. MaxRetries defaults to
// DefaultMaxRetries.
func New(id string, payload Payload, priority int) (*QueueTask, error) {
	if id == "" {
		return nil, fmt.Errorf("task id must not be empty")
	}
	if payload == nil {
		return nil, fmt.Errorf("task %s: payload must not be nil", id)
	}
	if err := payload.Validate(); err != nil {
		return nil, fmt.Errorf("task %s: %w", id, err)
	}
	return &QueueTask{
		ID:         id,
		Type:       payload.TaskType(),
		Payload:    payload,
		Priority:   priority,
		CreatedAt:  time.Now(),
		MaxRetries: DefaultMaxRetries,
	}, nil
}

// Before reports whether t should be dequeued ahead of other: lower priority
// number first, then older creation time.
func (t *QueueTask) Before(other *QueueTask) bool {
	if t.Priority != other.Priority {
		return t.Priority < other.Priority
	}
	return t.CreatedAt.Before(other.CreatedAt)
}

// RetriesExhausted reports whether the task has used up its retry budget.
func (t *QueueTask) RetriesExhausted() bool {
	return t.Retries > t.MaxRetries
}
