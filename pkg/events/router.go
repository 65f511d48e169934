package events

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/guido-cesarano/forgeflow/pkg/logger"
	"github.com/guido-cesarano/forgeflow/pkg/metrics"
	"github.com/rs/zerolog"
)

// Handler processes one event. A non-nil error triggers the router's retry
// and eventually dead-letter policy.
type Handler func(ctx context.Context, e *Event) error

// Config holds the router's retry tuning.
type Config struct {
	// MaxRetries is the ceiling checked before dispatch; an event arriving
	// with RetryCount at or above it goes straight to the DLQ.
	MaxRetries int
	// DLQThreshold dead-letters an event once its RetryCount reaches it.
	DLQThreshold int
	// BaseBackoff is the backoff base b; the sleep before retry n is
	// b^n (n = RetryCount after the failure).
	BaseBackoff time.Duration
}

// DefaultConfig matches the pipeline defaults: three strikes, 2s backoff base.
func DefaultConfig() Config {
	return Config{MaxRetries: 3, DLQThreshold: 3, BaseBackoff: 2 * time.Second}
}

// DLQItem is a dead-lettered event plus triage context.
type DLQItem struct {
	Event        *Event    `json:"event"`
	Reason       string    `json:"reason"`
	DeadLettered time.Time `json:"dead_lettered"`
}

// Stats is a snapshot of router counters.
type Stats struct {
	EventsRouted    int64             `json:"events_routed"`
	EventsFailed    int64             `json:"events_failed"`
	DLQSize         int               `json:"dlq_size"`
	DLQTotal        int64             `json:"dlq_total"`
	TaskRetries     map[string]int    `json:"task_retries"`
	HandlersPerType map[EventType]int `json:"handlers_per_type"`
	FailureRate     float64           `json:"failure_rate"`
}

type handlerEntry struct {
	id int
	fn Handler
}

// Router dispatches events to registered handlers with bounded retry,
// exponential backoff, and a Dead Letter Queue. Failed-retry escalation is
// surfaced as a synthesized ESCALATE_TO_PM event.
type Router struct {
	cfg Config

	mu       sync.Mutex
	nextID   int
	handlers map[EventType][]handlerEntry
	dlq      []DLQItem

	eventsRouted int64
	eventsFailed int64
	dlqTotal     int64
	taskRetries  map[string]int

	log zerolog.Logger
}

// NewRouter creates a router. Zero-valued config fields fall back to
// DefaultConfig.
func NewRouter(cfg Config) *Router {
	def := DefaultConfig()
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.DLQThreshold <= 0 {
		cfg.DLQThreshold = def.DLQThreshold
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = def.BaseBackoff
	}
	return &Router{
		cfg:         cfg,
		handlers:    make(map[EventType][]handlerEntry),
		taskRetries: make(map[string]int),
		log:         logger.Component("events"),
	}
}

// RegisterHandler adds a handler for the event type and returns a
// registration id usable with UnregisterHandler. Multiple handlers may exist
// per type; all are invoked for each event.
func (r *Router) RegisterHandler(t EventType, h Handler) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	r.handlers[t] = append(r.handlers[t], handlerEntry{id: r.nextID, fn: h})
	return r.nextID
}

// UnregisterHandler removes a previously registered handler. It reports
// whether the registration id was found.
func (r *Router) UnregisterHandler(t EventType, id int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	entries := r.handlers[t]
	for i, e := range entries {
		if e.id == id {
			r.handlers[t] = append(entries[:i:i], entries[i+1:]...)
			return true
		}
	}
	return false
}

// Route dispatches the event to every handler registered for its type.
//
// A failing handler halts the remaining handlers in that round, increments
// the event's RetryCount, and after an exponential backoff the whole round is
// replayed. The retry loop is explicit and bounded: once RetryCount reaches
// the DLQ threshold the event is dead-lettered and an ESCALATE_TO_PM event is
// dispatched exactly once. Route only returns an error when the context is
// cancelled during backoff.
func (r *Router) Route(ctx context.Context, e *Event) error {
	for {
		if e.RetryCount >= r.cfg.MaxRetries {
			r.sendToDLQ(ctx, e, "retry ceiling reached")
			return nil
		}

		handlers := r.handlersFor(e.Type)
		if len(handlers) == 0 {
			r.log.Debug().Str("type", string(e.Type)).Str("task_id", e.TaskID).Msg("no handlers registered")
		}

		var failure error
		for _, h := range handlers {
			if err := h(ctx, e); err != nil {
				failure = err
				break
			}
		}

		if failure == nil {
			r.mu.Lock()
			r.eventsRouted++
			r.mu.Unlock()
			metrics.EventsRouted.WithLabelValues("routed").Inc()
			return nil
		}

		r.mu.Lock()
		e.RetryCount++
		r.eventsFailed++
		r.taskRetries[e.TaskID]++
		r.mu.Unlock()
		metrics.EventsRouted.WithLabelValues("failed").Inc()
		r.log.Warn().Err(failure).
			Str("type", string(e.Type)).
			Str("task_id", e.TaskID).
			Int("retry_count", e.RetryCount).
			Msg("event handler failed")

		if e.RetryCount >= r.cfg.DLQThreshold {
			r.sendToDLQ(ctx, e, fmt.Sprintf("handler failed %d times: %v", e.RetryCount, failure))
			return nil
		}

		if err := r.backoff(ctx, e.RetryCount); err != nil {
			return err
		}
	}
}

// backoff sleeps base^n, honoring context cancellation.
func (r *Router) backoff(ctx context.Context, n int) error {
	base := r.cfg.BaseBackoff.Seconds()
	d := time.Duration(math.Pow(base, float64(n)) * float64(time.Second))
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// sendToDLQ appends the event to the Dead Letter Queue and dispatches a
// single ESCALATE_TO_PM event to its handlers. Escalation handlers run
// without retry wrapping so a failing escalation handler cannot recurse back
// into the DLQ.
func (r *Router) sendToDLQ(ctx context.Context, e *Event, reason string) {
	r.mu.Lock()
	r.dlq = append(r.dlq, DLQItem{Event: e, Reason: reason, DeadLettered: time.Now()})
	r.dlqTotal++
	r.mu.Unlock()
	metrics.EventsRouted.WithLabelValues("dead_lettered").Inc()

	r.log.Error().
		Str("type", string(e.Type)).
		Str("task_id", e.TaskID).
		Int("retry_count", e.RetryCount).
		Str("reason", reason).
		Msg("event dead-lettered")

	escalation := NewEvent(EscalateToPM, e.TaskID, Escalation{
		OriginalType:    e.Type,
		OriginalPayload: e.Payload,
		RetryCount:      e.RetryCount,
		Reason:          reason,
		Timestamp:       time.Now(),
	})
	for _, h := range r.handlersFor(EscalateToPM) {
		if err := h(ctx, escalation); err != nil {
			r.log.Error().Err(err).Str("task_id", e.TaskID).Msg("escalation handler failed")
		}
	}
}

func (r *Router) handlersFor(t EventType) []Handler {
	r.mu.Lock()
	defer r.mu.Unlock()
	entries := r.handlers[t]
	out := make([]Handler, len(entries))
	for i, e := range entries {
		out[i] = e.fn
	}
	return out
}

// DLQItems returns up to limit dead-lettered items, oldest first. A
// non-positive limit returns everything.
func (r *Router) DLQItems(limit int) []DLQItem {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := len(r.dlq)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]DLQItem, n)
	copy(out, r.dlq[:n])
	return out
}

// RetryDLQItem removes the first dead-lettered event for the task id, resets
// its retry count, and re-routes it.
func (r *Router) RetryDLQItem(ctx context.Context, taskID string) error {
	r.mu.Lock()
	var item *DLQItem
	for i := range r.dlq {
		if r.dlq[i].Event.TaskID == taskID {
			found := r.dlq[i]
			r.dlq = append(r.dlq[:i:i], r.dlq[i+1:]...)
			item = &found
			break
		}
	}
	r.mu.Unlock()

	if item == nil {
		return fmt.Errorf("no DLQ item for task %s", taskID)
	}
	item.Event.RetryCount = 0
	r.log.Info().Str("task_id", taskID).Str("type", string(item.Event.Type)).Msg("replaying DLQ item")
	return r.Route(ctx, item.Event)
}

// ClearDLQ drops all dead-lettered items and returns how many were dropped.
func (r *Router) ClearDLQ() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := len(r.dlq)
	r.dlq = nil
	return n
}

// DLQSize returns the current number of dead-lettered items.
func (r *Router) DLQSize() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.dlq)
}

// Stats returns a snapshot of router counters.
func (r *Router) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()

	retries := make(map[string]int, len(r.taskRetries))
	for k, v := range r.taskRetries {
		retries[k] = v
	}
	perType := make(map[EventType]int, len(r.handlers))
	for t, hs := range r.handlers {
		perType[t] = len(hs)
	}
	s := Stats{
		EventsRouted:    r.eventsRouted,
		EventsFailed:    r.eventsFailed,
		DLQSize:         len(r.dlq),
		DLQTotal:        r.dlqTotal,
		TaskRetries:     retries,
		HandlersPerType: perType,
	}
	if total := r.eventsRouted + r.eventsFailed; total > 0 {
		s.FailureRate = float64(r.eventsFailed) / float64(total) * 100
	}
	return s
}
