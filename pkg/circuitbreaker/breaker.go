// Package circuitbreaker guards the outbound forward transports. A breaker
// trips after a run of consecutive transport failures, rejects calls while
// open, and probes the destination with a bounded number of requests before
// closing again.
package circuitbreaker

import (
	"errors"
	"sync"
	"time"
)

type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half-open"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

var (
	ErrCircuitBreakerOpen = errors.New("circuit breaker is open")
	ErrTooManyRequests    = errors.New("too many probe requests in half-open state")
)

// Settings configures a breaker. Zero values get sensible defaults.
type Settings struct {
	// Name identifies the breaker in state-change callbacks and logs.
	Name string

	// FailureThreshold is the number of consecutive failures that trips
	// the breaker. Defaults to 5.
	FailureThreshold uint32

	// MaxRequests bounds the concurrent probe calls allowed while
	// half-open. Defaults to 1.
	MaxRequests uint32

	// Timeout is how long the breaker stays open before letting probes
	// through. Defaults to 30 seconds.
	Timeout time.Duration

	// IsFailure classifies an error from the wrapped call. When nil, any
	// non-nil error counts against the breaker.
	IsFailure func(err error) bool

	// OnStateChange, when set, is called after every transition.
	OnStateChange func(name string, from, to State)
}

// CircuitBreaker tracks consecutive failures of one destination.
type CircuitBreaker struct {
	name          string
	threshold     uint32
	maxRequests   uint32
	timeout       time.Duration
	isFailure     func(err error) bool
	onStateChange func(name string, from, to State)

	now func() time.Time

	mu            sync.Mutex
	state         State
	failures      uint32
	probeInFlight uint32
	probeSuccess  uint32
	openedAt      time.Time
}

func NewCircuitBreaker(st Settings) *CircuitBreaker {
	cb := &CircuitBreaker{
		name:          st.Name,
		threshold:     st.FailureThreshold,
		maxRequests:   st.MaxRequests,
		timeout:       st.Timeout,
		isFailure:     st.IsFailure,
		onStateChange: st.OnStateChange,
		now:           time.Now,
	}
	if cb.threshold == 0 {
		cb.threshold = 5
	}
	if cb.maxRequests == 0 {
		cb.maxRequests = 1
	}
	if cb.timeout <= 0 {
		cb.timeout = 30 * time.Second
	}
	if cb.isFailure == nil {
		cb.isFailure = func(err error) bool { return err != nil }
	}
	return cb
}

func (cb *CircuitBreaker) Name() string {
	return cb.name
}

// State returns the current state, applying the open-to-half-open timeout.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.currentState()
}

// ConsecutiveFailures returns the current failure run length.
func (cb *CircuitBreaker) ConsecutiveFailures() uint32 {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.failures
}

// Do runs fn under the breaker. While open it returns ErrCircuitBreakerOpen
// without calling fn; while half-open it admits at most MaxRequests
// concurrent probes and returns ErrTooManyRequests beyond that.
func (cb *CircuitBreaker) Do(fn func() error) error {
	if err := cb.admit(); err != nil {
		return err
	}
	err := fn()
	cb.record(cb.isFailure(err))
	return err
}

func (cb *CircuitBreaker) admit() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.currentState() {
	case StateOpen:
		return ErrCircuitBreakerOpen
	case StateHalfOpen:
		if cb.probeInFlight >= cb.maxRequests {
			return ErrTooManyRequests
		}
	}
	cb.probeInFlight++
	return nil
}

func (cb *CircuitBreaker) record(failed bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.probeInFlight > 0 {
		cb.probeInFlight--
	}

	state := cb.currentState()
	if failed {
		cb.failures++
		switch state {
		case StateHalfOpen:
			// A failed probe reopens immediately.
			cb.transition(StateOpen)
		case StateClosed:
			if cb.failures >= cb.threshold {
				cb.transition(StateOpen)
			}
		}
		return
	}

	cb.failures = 0
	if state == StateHalfOpen {
		cb.probeSuccess++
		if cb.probeSuccess >= cb.maxRequests {
			cb.transition(StateClosed)
		}
	}
}

// currentState applies the open timeout. Caller holds the lock.
func (cb *CircuitBreaker) currentState() State {
	if cb.state == StateOpen && cb.now().Sub(cb.openedAt) >= cb.timeout {
		cb.transition(StateHalfOpen)
	}
	return cb.state
}

// transition switches state and resets per-state counters. Caller holds the
// lock.
func (cb *CircuitBreaker) transition(to State) {
	if cb.state == to {
		return
	}
	from := cb.state
	cb.state = to

	switch to {
	case StateOpen:
		cb.openedAt = cb.now()
	case StateHalfOpen, StateClosed:
		cb.probeSuccess = 0
	}

	if cb.onStateChange != nil {
		cb.onStateChange(cb.name, from, to)
	}
}
