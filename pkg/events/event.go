// Package events provides typed event dispatch between pipeline stages with
// automatic retry, exponential backoff, and a Dead Letter Queue for events
// that exhaust their retry budget.
package events

import (
	"time"

	"github.com/google/uuid"
)

// EventType identifies the pipeline transition an event announces.
type EventType string

const (
	FileCompleted EventType = "FILE_COMPLETED"
	QAPassed      EventType = "QA_PASSED"
	QAFailed      EventType = "QA_FAILED"
	FixCompleted  EventType = "FIX_COMPLETED"
	DeployReady   EventType = "DEPLOY_READY"
	EscalateToPM  EventType = "ESCALATE_TO_PM"
)

// Event is a message passed between pipeline stages. RetryCount increments
// each time a handler invocation fails for this event instance; once it
// reaches the router's DLQ threshold the event is dead-lettered and never
// retried automatically again.
type Event struct {
	ID         string    `json:"id"`
	Type       EventType `json:"type"`
	TaskID     string    `json:"task_id"`
	Payload    any       `json:"payload,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
	RetryCount int       `json:"retry_count"`
}

// NewEvent builds an event for the given transition and task.
func NewEvent(t EventType, taskID string, payload any) *Event {
	return &Event{
		ID:        uuid.New().String(),
		Type:      t,
		TaskID:    taskID,
		Payload:   payload,
		Timestamp: time.Now(),
	}
}

// Escalation is the payload of a synthesized ESCALATE_TO_PM event. It carries
// enough of the dead-lettered event for an operator to triage.
type Escalation struct {
	OriginalType    EventType `json:"original_type"`
	OriginalPayload any       `json:"original_payload,omitempty"`
	RetryCount      int       `json:"retry_count"`
	Reason          string    `json:"reason"`
	Timestamp       time.Time `json:"timestamp"`
}
