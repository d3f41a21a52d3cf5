package circuitbreaker

import (
	"sync"
	"time"
)

type State int

const (
	StateClosed   State = iota // calls pass through
	StateOpen                  // calls are skipped
	StateHalfOpen              // probing whether the model recovered
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF-OPEN"
	default:
		return "UNKNOWN"
	}
}

// CircuitBreaker trips after a run of consecutive failures and lets a probe
// through once the reset timeout has elapsed. A threshold of zero or less
// disables it: it stays closed whatever is recorded.
type CircuitBreaker struct {
	mutex            sync.Mutex
	state            State
	failures         int
	lastFailure      time.Time
	failureThreshold int
	resetTimeout     time.Duration
}

func NewCircuitBreaker(threshold int, timeout time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		state:            StateClosed,
		failureThreshold: threshold,
		resetTimeout:     timeout,
	}
}

// Enabled reports whether the breaker can ever open.
func (cb *CircuitBreaker) Enabled() bool {
	return cb.failureThreshold > 0
}

// Allow reports whether a call may be attempted. An open breaker whose
// reset timeout has elapsed moves to half-open and admits the call.
func (cb *CircuitBreaker) Allow() bool {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	if cb.state != StateOpen {
		return true
	}

	if time.Since(cb.lastFailure) >= cb.resetTimeout {
		cb.state = StateHalfOpen
		return true
	}

	return false
}

func (cb *CircuitBreaker) RecordFailure() {
	if !cb.Enabled() {
		return
	}

	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	cb.failures++
	cb.lastFailure = time.Now()

	if cb.state == StateHalfOpen || cb.failures >= cb.failureThreshold {
		cb.state = StateOpen
	}
}

func (cb *CircuitBreaker) RecordSuccess() {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	cb.failures = 0
	cb.state = StateClosed
}

func (cb *CircuitBreaker) State() State {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()
	return cb.state
}

// Failures returns the current run of consecutive failures.
func (cb *CircuitBreaker) Failures() int {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()
	return cb.failures
}
