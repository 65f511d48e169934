// Package breaker implements a sliding-window circuit breaker guarding calls
// to an external dependency (the generation, validation and deploy
// capabilities). One breaker is kept per dependency so a failing generator
// does not obscure the health of the validator.
//
// State machine: CLOSED -> OPEN (failure rate over threshold) -> HALF_OPEN
// (after a cooldown timeout) -> CLOSED (enough consecutive trial successes)
// or back to OPEN (any trial failure).
package breaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/guido-cesarano/forgeflow/pkg/logger"
	"github.com/rs/zerolog"
)

// State is the breaker position.
type State string

const (
	StateClosed   State = "CLOSED"
	StateOpen     State = "OPEN"
	StateHalfOpen State = "HALF_OPEN"
)

// ErrCircuitOpen is returned by Call when the breaker refuses to invoke the
// wrapped function. Use errors.Is to detect it.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// OpenError wraps ErrCircuitOpen with the breaker name and the earliest time
// a trial call may be admitted.
type OpenError struct {
	Name  string
	Until time.Time
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("circuit breaker %s is open until %s", e.Name, e.Until.Format(time.RFC3339))
}

func (e *OpenError) Unwrap() error { return ErrCircuitOpen }

// Config holds the breaker tuning knobs.
type Config struct {
	// FailureThreshold is the failure fraction over the window that trips
	// the breaker open (e.g. 0.5).
	FailureThreshold float64
	// SuccessThreshold is the number of consecutive successes required to
	// close from HALF_OPEN.
	SuccessThreshold int
	// Timeout is how long the breaker stays OPEN before admitting a
	// trial call.
	Timeout time.Duration
	// WindowSize is the sliding window length of recorded outcomes.
	WindowSize int
	// MinRequests is the minimum number of samples in the window before
	// the failure rate is evaluated.
	MinRequests int
}

// DefaultConfig returns the standard tuning used by the pipeline stages.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 0.5,
		SuccessThreshold: 3,
		Timeout:          30 * time.Second,
		WindowSize:       10,
		MinRequests:      5,
	}
}

// Counts is a snapshot of breaker counters for observability.
type Counts struct {
	State                State     `json:"state"`
	WindowLength         int       `json:"window_length"`
	ConsecutiveSuccesses int       `json:"consecutive_successes"`
	ConsecutiveFailures  int       `json:"consecutive_failures"`
	TotalRequests        int64     `json:"total_requests"`
	TotalSuccesses       int64     `json:"total_successes"`
	TotalFailures        int64     `json:"total_failures"`
	TimesOpened          int64     `json:"times_opened"`
	TimesHalfOpened      int64     `json:"times_half_opened"`
	ErrorRate            float64   `json:"error_rate"`
	SuccessRate          float64   `json:"success_rate"`
	LastStateChange      time.Time `json:"last_state_change"`
}

// CircuitBreaker tracks the outcome of calls to one dependency and blocks
// calls while the dependency is considered unhealthy.
//
// HALF_OPEN trials are serialized: exactly one trial call may be in flight;
// concurrent callers during a trial are rejected with ErrCircuitOpen.
type CircuitBreaker struct {
	name string
	cfg  Config

	mu              sync.Mutex
	state           State
	window          []bool
	consecSuccesses int
	consecFailures  int
	lastStateChange time.Time
	trialInFlight   bool

	totalRequests   int64
	totalSuccesses  int64
	totalFailures   int64
	timesOpened     int64
	timesHalfOpened int64

	onOpen     []func(name string)
	onClose    []func(name string)
	onHalfOpen []func(name string)

	log zerolog.Logger
}

// New creates a breaker for the named dependency. Zero-valued config fields
// fall back to DefaultConfig.
func New(name string, cfg Config) *CircuitBreaker {
	def := DefaultConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = def.SuccessThreshold
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = def.WindowSize
	}
	if cfg.MinRequests <= 0 {
		cfg.MinRequests = def.MinRequests
	}
	return &CircuitBreaker{
		name:            name,
		cfg:             cfg,
		state:           StateClosed,
		lastStateChange: time.Now(),
		log:             logger.Component("breaker").With().Str("breaker", name).Logger(),
	}
}

// Call invokes fn through the breaker. While OPEN and inside the cooldown it
// fails fast with an *OpenError and never invokes fn. The first call after
// the cooldown becomes the HALF_OPEN trial. fn's own error is passed through
// unchanged after being recorded as a failure.
func (cb *CircuitBreaker) Call(ctx context.Context, fn func(context.Context) error) error {
	pending, err := cb.admit()
	cb.fire(pending)
	if err != nil {
		return err
	}

	err = fn(ctx)

	cb.mu.Lock()
	cb.trialInFlight = false
	if err != nil {
		pending = cb.recordFailureLocked()
	} else {
		pending = cb.recordSuccessLocked()
	}
	cb.mu.Unlock()
	cb.fire(pending)
	return err
}

// admit decides whether a call may proceed, handling the OPEN -> HALF_OPEN
// transition and trial serialization. Returned callbacks must be fired by
// the caller after the lock is released.
func (cb *CircuitBreaker) admit() ([]func(string), error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.totalRequests++
	switch cb.state {
	case StateOpen:
		if time.Since(cb.lastStateChange) < cb.cfg.Timeout {
			return nil, &OpenError{Name: cb.name, Until: cb.lastStateChange.Add(cb.cfg.Timeout)}
		}
		pending := cb.transitionLocked(StateHalfOpen)
		cb.trialInFlight = true
		return pending, nil
	case StateHalfOpen:
		if cb.trialInFlight {
			return nil, &OpenError{Name: cb.name, Until: time.Now()}
		}
		cb.trialInFlight = true
		return nil, nil
	default:
		return nil, nil
	}
}

func (cb *CircuitBreaker) recordSuccessLocked() []func(string) {
	cb.totalSuccesses++
	cb.pushOutcomeLocked(true)
	cb.consecFailures = 0
	cb.consecSuccesses++
	if cb.state == StateHalfOpen && cb.consecSuccesses >= cb.cfg.SuccessThreshold {
		cb.window = nil
		return cb.transitionLocked(StateClosed)
	}
	return nil
}

func (cb *CircuitBreaker) recordFailureLocked() []func(string) {
	cb.totalFailures++
	cb.pushOutcomeLocked(false)
	cb.consecSuccesses = 0
	cb.consecFailures++

	switch cb.state {
	case StateHalfOpen:
		// A single trial failure reopens immediately.
		return cb.transitionLocked(StateOpen)
	case StateClosed:
		if len(cb.window) >= cb.cfg.MinRequests && cb.errorRateLocked() >= cb.cfg.FailureThreshold {
			return cb.transitionLocked(StateOpen)
		}
	}
	return nil
}

func (cb *CircuitBreaker) pushOutcomeLocked(success bool) {
	cb.window = append(cb.window, success)
	if len(cb.window) > cb.cfg.WindowSize {
		cb.window = cb.window[len(cb.window)-cb.cfg.WindowSize:]
	}
}

func (cb *CircuitBreaker) errorRateLocked() float64 {
	if len(cb.window) == 0 {
		return 0
	}
	failures := 0
	for _, ok := range cb.window {
		if !ok {
			failures++
		}
	}
	return float64(failures) / float64(len(cb.window))
}

// transitionLocked moves the breaker to the new state and returns the
// callbacks registered for it. The caller fires them after releasing the
// lock so a callback may safely re-enter the breaker (State, Counts, Reset).
func (cb *CircuitBreaker) transitionLocked(to State) []func(string) {
	from := cb.state
	if from == to {
		return nil
	}
	cb.state = to
	cb.lastStateChange = time.Now()

	switch to {
	case StateOpen:
		cb.timesOpened++
		cb.log.Warn().Str("from", string(from)).Msg("circuit opened")
		return cb.onOpen
	case StateHalfOpen:
		cb.timesHalfOpened++
		cb.log.Info().Msg("circuit half-open, admitting trial call")
		return cb.onHalfOpen
	case StateClosed:
		cb.log.Info().Str("from", string(from)).Msg("circuit closed")
		return cb.onClose
	}
	return nil
}

// fire invokes state-change callbacks. Must be called without cb.mu held.
func (cb *CircuitBreaker) fire(cbs []func(string)) {
	for _, fn := range cbs {
		fn(cb.name)
	}
}

// State returns the current breaker position.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// ErrorRate returns the failure fraction over the current window.
func (cb *CircuitBreaker) ErrorRate() float64 {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.errorRateLocked()
}

// SuccessRate returns the success fraction over the current window.
func (cb *CircuitBreaker) SuccessRate() float64 {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if len(cb.window) == 0 {
		return 0
	}
	return 1 - cb.errorRateLocked()
}

// Counts returns a snapshot of the breaker counters.
func (cb *CircuitBreaker) Counts() Counts {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	c := Counts{
		State:                cb.state,
		WindowLength:         len(cb.window),
		ConsecutiveSuccesses: cb.consecSuccesses,
		ConsecutiveFailures:  cb.consecFailures,
		TotalRequests:        cb.totalRequests,
		TotalSuccesses:       cb.totalSuccesses,
		TotalFailures:        cb.totalFailures,
		TimesOpened:          cb.timesOpened,
		TimesHalfOpened:      cb.timesHalfOpened,
		ErrorRate:            cb.errorRateLocked(),
		LastStateChange:      cb.lastStateChange,
	}
	if len(cb.window) > 0 {
		c.SuccessRate = 1 - c.ErrorRate
	}
	return c
}

// Reset manually forces the breaker to CLOSED, clearing the window and the
// consecutive counters. Cumulative totals are preserved.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	cb.window = nil
	cb.consecSuccesses = 0
	cb.consecFailures = 0
	cb.trialInFlight = false
	pending := cb.transitionLocked(StateClosed)
	cb.mu.Unlock()
	cb.fire(pending)
}

// OnOpen registers a callback fired when the breaker opens.
func (cb *CircuitBreaker) OnOpen(fn func(name string)) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.onOpen = append(cb.onOpen, fn)
}

// OnClose registers a callback fired when the breaker closes.
func (cb *CircuitBreaker) OnClose(fn func(name string)) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.onClose = append(cb.onClose, fn)
}

// OnHalfOpen registers a callback fired when the breaker half-opens.
func (cb *CircuitBreaker) OnHalfOpen(fn func(name string)) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.onHalfOpen = append(cb.onHalfOpen, fn)
}
