// Package resilience provides the circuit breaker and failover primitives that
// keep a failing dependency from stalling socket loops.
//
// [CircuitBreaker] is a three-state breaker (closed → open → half-open).
// [FallbackGroup] composes several instances of one provider type with a
// breaker each, so a failing primary is bypassed in favour of healthy
// fallbacks. [STTFallback] and [GuardedStore] apply these to the
// speech-to-text provider and to store writes.
//
// All types are safe for concurrent use.
package resilience

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by [CircuitBreaker.Execute] when the breaker is
// open and the reset timeout has not yet elapsed.
var ErrCircuitOpen = errors.New("resilience: circuit breaker is open")

// State represents the current operating mode of a [CircuitBreaker].
type State int

const (
	// StateClosed forwards every call.
	StateClosed State = iota

	// StateOpen rejects calls with [ErrCircuitOpen] until the reset timeout
	// elapses.
	StateOpen

	// StateHalfOpen lets a limited number of probe calls through. If they all
	// succeed the breaker closes; any failure re-opens it.
	StateHalfOpen
)

// String returns the human-readable name of the state.
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

// CircuitBreakerConfig holds tuning knobs for a [CircuitBreaker].
type CircuitBreakerConfig struct {
	// Name is a human-readable label used in log messages.
	Name string

	// MaxFailures is the number of consecutive failures in the closed state
	// before the breaker opens. Default: 5.
	MaxFailures int

	// ResetTimeout is how long the breaker stays open before probing.
	// Default: 30s.
	ResetTimeout time.Duration

	// HalfOpenMax is the number of successful probes needed to close the
	// breaker again. Default: 3.
	HalfOpenMax int

	// IsFailure decides whether an error returned by the protected call counts
	// against the breaker. Nil uses [DefaultIsFailure].
	IsFailure func(error) bool

	// OnStateChange, if set, is called after every transition with the lock
	// released.
	OnStateChange func(name string, from, to State)
}

// DefaultIsFailure counts every error except context cancellation, which
// reflects the caller giving up rather than the dependency failing.
func DefaultIsFailure(err error) bool {
	return err != nil && !errors.Is(err, context.Canceled)
}

// CircuitBreaker implements the three-state circuit breaker pattern.
type CircuitBreaker struct {
	name          string
	maxFailures   int
	resetTimeout  time.Duration
	halfOpenMax   int
	isFailure     func(error) bool
	onStateChange func(name string, from, to State)

	mu               sync.Mutex
	state            State
	consecutiveFails int
	openedAt         time.Time
	probesInFlight   int
	probeSuccesses   int
}

// NewCircuitBreaker creates a [CircuitBreaker]. Zero-value config fields are
// replaced with defaults.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	if cfg.HalfOpenMax <= 0 {
		cfg.HalfOpenMax = 3
	}
	if cfg.IsFailure == nil {
		cfg.IsFailure = DefaultIsFailure
	}
	return &CircuitBreaker{
		name:          cfg.Name,
		maxFailures:   cfg.MaxFailures,
		resetTimeout:  cfg.ResetTimeout,
		halfOpenMax:   cfg.HalfOpenMax,
		isFailure:     cfg.IsFailure,
		onStateChange: cfg.OnStateChange,
		state:         StateClosed,
	}
}

// Name returns the label given at construction.
func (cb *CircuitBreaker) Name() string { return cb.name }

// Execute runs fn if the breaker allows it and returns fn's error unchanged.
// When the breaker rejects the call fn is not run and [ErrCircuitOpen] is
// returned.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	probe, err := cb.admit()
	if err != nil {
		return err
	}
	err = fn()
	cb.record(probe, err)
	return err
}

// admit decides whether a call may proceed and whether it is a half-open
// probe.
func (cb *CircuitBreaker) admit() (probe bool, err error) {
	cb.mu.Lock()
	var changed func()
	defer func() {
		cb.mu.Unlock()
		if changed != nil {
			changed()
		}
	}()

	if cb.state == StateOpen {
		if time.Since(cb.openedAt) < cb.resetTimeout {
			return false, ErrCircuitOpen
		}
		changed = cb.transition(StateHalfOpen)
	}
	if cb.state == StateHalfOpen {
		if cb.probesInFlight+cb.probeSuccesses >= cb.halfOpenMax {
			return false, ErrCircuitOpen
		}
		cb.probesInFlight++
		return true, nil
	}
	return false, nil
}

// record applies the outcome of an admitted call.
func (cb *CircuitBreaker) record(probe bool, err error) {
	cb.mu.Lock()
	var changed func()
	defer func() {
		cb.mu.Unlock()
		if changed != nil {
			changed()
		}
	}()

	failed := cb.isFailure(err)
	if probe {
		cb.probesInFlight--
		// A probe can outlive its half-open window when a concurrent probe
		// already re-opened or closed the breaker; only the current state
		// counts.
		if cb.state != StateHalfOpen {
			return
		}
		if failed {
			changed = cb.transition(StateOpen)
			return
		}
		cb.probeSuccesses++
		if cb.probeSuccesses >= cb.halfOpenMax {
			changed = cb.transition(StateClosed)
		}
		return
	}

	if cb.state != StateClosed {
		return
	}
	if !failed {
		cb.consecutiveFails = 0
		return
	}
	cb.consecutiveFails++
	if cb.consecutiveFails >= cb.maxFailures {
		changed = cb.transition(StateOpen)
	}
}

// transition moves the breaker to next, resetting counters, and returns the
// notification to run after the lock is released. Must be called with cb.mu
// held.
func (cb *CircuitBreaker) transition(next State) func() {
	prev := cb.state
	cb.state = next
	cb.probesInFlight = 0
	cb.probeSuccesses = 0
	switch next {
	case StateOpen:
		cb.openedAt = time.Now()
		slog.Warn("circuit breaker opened", "name", cb.name, "from", prev.String(),
			"consecutive_failures", cb.consecutiveFails)
	case StateHalfOpen:
		slog.Info("circuit breaker half-open", "name", cb.name)
	case StateClosed:
		cb.consecutiveFails = 0
		slog.Info("circuit breaker closed", "name", cb.name, "from", prev.String())
	}
	if cb.onStateChange == nil || prev == next {
		return nil
	}
	hook, name := cb.onStateChange, cb.name
	return func() { hook(name, prev, next) }
}

// State returns the current [State]. An open breaker whose reset timeout has
// elapsed reports [StateHalfOpen]; the transition itself happens on the next
// call.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateOpen && time.Since(cb.openedAt) >= cb.resetTimeout {
		return StateHalfOpen
	}
	return cb.state
}

// Reset forces the breaker back to [StateClosed].
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	changed := cb.transition(StateClosed)
	cb.mu.Unlock()
	if changed != nil {
		changed()
	}
}
