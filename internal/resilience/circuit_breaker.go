// Package resilience provides a sliding-window circuit breaker guarding the
// reporter's outbound HTTP delivery from a failing or slow remote endpoint.
package resilience

import (
	"errors"
	"sync"
	"time"

	"github.com/muse-bridge/bridge/internal/metrics"
)

// State represents the circuit breaker state.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrCircuitOpen is returned by Execute when the breaker is tripped.
var ErrCircuitOpen = errors.New("circuit breaker is open")

type eventKind int

const (
	eventAttempt eventKind = iota
	eventSuccess
	eventFailure
)

type event struct {
	ts   time.Time
	kind eventKind
}

// clock abstracts time for testability.
type clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// CircuitBreaker implements a sliding-window failure-rate breaker.
type CircuitBreaker struct {
	mu sync.Mutex

	name string

	state    State
	openedAt time.Time

	events []event
	window time.Duration

	threshold        int
	minAttempts      int
	successes        int
	successThreshold int
	resetTimeout      time.Duration

	clock clock
}

// Option configures a CircuitBreaker at construction time.
type Option func(*CircuitBreaker)

// WithClock overrides the breaker's time source. Used by tests.
func WithClock(c clock) Option {
	return func(cb *CircuitBreaker) { cb.clock = c }
}

// WithHalfOpenSuccessThreshold sets how many consecutive successes in
// half-open state are required before closing.
func WithHalfOpenSuccessThreshold(n int) Option {
	return func(cb *CircuitBreaker) { cb.successThreshold = n }
}

// NewCircuitBreaker builds a breaker named name. threshold is the number of
// failures within window that trips it open; minAttempts is the minimum
// number of attempts observed in window before threshold is evaluated at
// all, so a handful of early failures in a quiet window doesn't trip it.
func NewCircuitBreaker(name string, threshold, minAttempts int, window, resetTimeout time.Duration, opts ...Option) *CircuitBreaker {
	if threshold <= 0 {
		threshold = 3
	}
	if minAttempts <= 0 {
		minAttempts = 5
	}
	if window <= 0 {
		window = 60 * time.Second
	}
	if resetTimeout <= 0 {
		resetTimeout = 30 * time.Second
	}

	cb := &CircuitBreaker{
		name:             name,
		state:            StateClosed,
		threshold:        threshold,
		minAttempts:      minAttempts,
		window:           window,
		resetTimeout:     resetTimeout,
		successThreshold: 3,
		clock:            realClock{},
	}
	for _, opt := range opts {
		opt(cb)
	}

	metrics.CircuitBreakerState.WithLabelValues(name, cb.state.String()).Set(1)
	return cb
}

// Execute runs fn if the breaker allows it, recording the outcome.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	if !cb.AllowRequest() {
		return ErrCircuitOpen
	}
	cb.RecordAttempt()

	err := fn()
	if err != nil {
		cb.RecordFailure()
		return err
	}
	cb.RecordSuccess()
	return nil
}

// AllowRequest reports whether a new call may proceed, transitioning Open to
// HalfOpen once resetTimeout has elapsed.
func (cb *CircuitBreaker) AllowRequest() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.prune()

	switch cb.state {
	case StateClosed:
		return true
	case StateOpen:
		if cb.clock.Now().Sub(cb.openedAt) >= cb.resetTimeout {
			cb.transitionInto(StateHalfOpen)
			return true
		}
		return false
	default: // HalfOpen: allow a single probe through at a time in spirit,
		// though in practice we allow all callers and rely on the first
		// failure tripping back open immediately.
		return true
	}
}

// RecordAttempt marks that a call was made, for the threshold's denominator.
func (cb *CircuitBreaker) RecordAttempt() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.events = append(cb.events, event{ts: cb.clock.Now(), kind: eventAttempt})
	cb.prune()
}

// RecordSuccess marks a successful call.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.events = append(cb.events, event{ts: cb.clock.Now(), kind: eventSuccess})
	cb.prune()

	if cb.state == StateHalfOpen {
		cb.successes++
		if cb.successes >= cb.successThreshold {
			cb.transitionInto(StateClosed)
		}
	}
}

// RecordFailure marks a failed call.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.events = append(cb.events, event{ts: cb.clock.Now(), kind: eventFailure})
	cb.prune()

	if cb.state == StateHalfOpen {
		cb.transitionInto(StateOpen)
		return
	}
	cb.evaluate()
}

func (cb *CircuitBreaker) prune() {
	cutoff := cb.clock.Now().Add(-cb.window)
	for i := range cb.events {
		if !cb.events[i].ts.Before(cutoff) {
			cb.events = cb.events[i:]
			return
		}
	}
	cb.events = nil
}

func (cb *CircuitBreaker) evaluate() {
	if cb.state != StateClosed {
		return
	}
	var attempts, failures int
	for _, e := range cb.events {
		switch e.kind {
		case eventAttempt:
			attempts++
		case eventFailure:
			failures++
		}
	}
	if attempts >= cb.minAttempts && failures >= cb.threshold {
		cb.transitionInto(StateOpen)
	}
}

func (cb *CircuitBreaker) transitionInto(s State) {
	if cb.state == s {
		return
	}
	metrics.CircuitBreakerState.WithLabelValues(cb.name, cb.state.String()).Set(0)
	cb.state = s
	switch s {
	case StateOpen:
		cb.openedAt = cb.clock.Now()
	case StateHalfOpen:
		cb.successes = 0
	case StateClosed:
		cb.events = nil
	}
	metrics.CircuitBreakerState.WithLabelValues(cb.name, s.String()).Set(1)
}

// GetState returns the current state.
func (cb *CircuitBreaker) GetState() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}
