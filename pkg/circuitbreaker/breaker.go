// Package circuitbreaker stops calling a failing dependency for a while so
// sessions fail fast instead of stacking up behind timeouts.
package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/migadu/smtpd/logger"
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
		return "CLOSED"
	case StateHalfOpen:
		return "HALF_OPEN"
	case StateOpen:
		return "OPEN"
	default:
		return "UNKNOWN"
	}
}

var (
	ErrCircuitBreakerOpen = errors.New("circuit breaker is open")
	ErrTooManyRequests    = errors.New("too many requests in half-open state")
)

type Settings struct {
	Name string
	// MaxRequests is the number of trial calls allowed while half-open.
	MaxRequests uint32
	// Timeout is how long the breaker stays open before trying again.
	Timeout time.Duration
	// Threshold is the number of consecutive failures that opens the breaker.
	Threshold uint32
	// IsFailure decides which errors count against the dependency. Errors the
	// remote side reported permanently (a 5xx reply) usually should not.
	IsFailure func(err error) bool
}

type CircuitBreaker struct {
	settings Settings

	mu          sync.Mutex
	state       State
	failures    uint32
	halfOpenReq uint32
	openedAt    time.Time
	now         func() time.Time
}

func New(st Settings) *CircuitBreaker {
	if st.Name == "" {
		st.Name = "CircuitBreaker"
	}
	if st.MaxRequests == 0 {
		st.MaxRequests = 1
	}
	if st.Timeout <= 0 {
		st.Timeout = 30 * time.Second
	}
	if st.Threshold == 0 {
		st.Threshold = 5
	}
	if st.IsFailure == nil {
		st.IsFailure = func(err error) bool { return err != nil }
	}
	return &CircuitBreaker{settings: st, now: time.Now}
}

func (cb *CircuitBreaker) Name() string {
	return cb.settings.Name
}

func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.currentState()
}

// Do runs fn unless the breaker is open.
func (cb *CircuitBreaker) Do(ctx context.Context, fn func(context.Context) error) error {
	if err := cb.before(); err != nil {
		return err
	}

	failed := true
	defer func() {
		cb.after(failed)
	}()

	err := fn(ctx)
	failed = err != nil && cb.settings.IsFailure(err)
	return err
}

func (cb *CircuitBreaker) before() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.currentState() {
	case StateOpen:
		return ErrCircuitBreakerOpen
	case StateHalfOpen:
		if cb.halfOpenReq >= cb.settings.MaxRequests {
			return ErrTooManyRequests
		}
		cb.halfOpenReq++
	}
	return nil
}

func (cb *CircuitBreaker) after(failed bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	state := cb.currentState()
	if !failed {
		cb.failures = 0
		if state == StateHalfOpen {
			cb.setState(StateClosed)
		}
		return
	}

	cb.failures++
	if state == StateHalfOpen || cb.failures >= cb.settings.Threshold {
		cb.setState(StateOpen)
	}
}

// currentState must be called with mu held.
func (cb *CircuitBreaker) currentState() State {
	if cb.state == StateOpen && cb.now().Sub(cb.openedAt) >= cb.settings.Timeout {
		cb.setState(StateHalfOpen)
	}
	return cb.state
}

func (cb *CircuitBreaker) setState(state State) {
	if cb.state == state {
		return
	}
	prev := cb.state
	cb.state = state
	cb.halfOpenReq = 0
	switch state {
	case StateOpen:
		cb.openedAt = cb.now()
	case StateClosed:
		cb.failures = 0
	}
	logger.Warn("Circuit breaker state change", "name", cb.settings.Name, "from", prev.String(), "to", state.String())
}
