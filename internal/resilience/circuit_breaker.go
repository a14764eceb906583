package resilience

import (
	"context"
	"errors"
	"sync"
	"time"
)

var (
	// ErrCircuitOpen is returned when the breaker rejects a call outright.
	ErrCircuitOpen = errors.New("circuit breaker is open")
	// ErrTooManyRequests is returned when the half-open probe budget is spent.
	ErrTooManyRequests = errors.New("too many requests in half-open state")
)

// State represents circuit breaker state
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

// CircuitBreakerConfig configures circuit breaker behavior
type CircuitBreakerConfig struct {
	// MaxRequests is the probe budget while half-open.
	MaxRequests uint32 `yaml:"max_requests"`
	// Interval resets failure counters while closed.
	Interval time.Duration `yaml:"interval"`
	// Timeout is how long the breaker stays open before probing.
	Timeout time.Duration `yaml:"timeout"`
	// FailureThreshold consecutive failures trip the breaker.
	FailureThreshold uint32 `yaml:"failure_threshold"`
	// SuccessThreshold successes while half-open close it again.
	SuccessThreshold uint32 `yaml:"success_threshold"`
}

// DefaultCircuitBreakerConfig returns defaults suitable for provider APIs.
func DefaultCircuitBreakerConfig() *CircuitBreakerConfig {
	return &CircuitBreakerConfig{
		MaxRequests:      3,
		Interval:         60 * time.Second,
		Timeout:          30 * time.Second,
		FailureThreshold: 5,
		SuccessThreshold: 2,
	}
}

// CircuitBreaker implements the closed/open/half-open circuit breaker
// pattern around calls to one provider.
type CircuitBreaker struct {
	name            string
	config          *CircuitBreakerConfig
	state           State
	failures        uint32
	successes       uint32
	requests        uint32
	lastStateChange time.Time
	mu              sync.Mutex
}

// NewCircuitBreaker creates a new circuit breaker
func NewCircuitBreaker(name string, config *CircuitBreakerConfig) *CircuitBreaker {
	if config == nil {
		config = DefaultCircuitBreakerConfig()
	}
	return &CircuitBreaker{
		name:            name,
		config:          config,
		state:           StateClosed,
		lastStateChange: time.Now(),
	}
}

// Name returns the breaker's name.
func (cb *CircuitBreaker) Name() string {
	return cb.name
}

// State returns the current state, accounting for open->half-open expiry.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.refreshLocked(time.Now())
	return cb.state
}

// Execute runs fn under breaker protection.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	if err := cb.beforeRequest(); err != nil {
		return err
	}
	err := fn(ctx)
	cb.afterRequest(err)
	return err
}

func (cb *CircuitBreaker) beforeRequest() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := time.Now()
	cb.refreshLocked(now)

	switch cb.state {
	case StateOpen:
		return ErrCircuitOpen

	case StateHalfOpen:
		if cb.requests >= cb.config.MaxRequests {
			return ErrTooManyRequests
		}
		cb.requests++
		return nil

	default: // StateClosed
		if cb.config.Interval > 0 && now.Sub(cb.lastStateChange) > cb.config.Interval {
			cb.failures = 0
			cb.successes = 0
			cb.lastStateChange = now
		}
		cb.requests++
		return nil
	}
}

func (cb *CircuitBreaker) afterRequest(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if err != nil {
		cb.onFailureLocked()
	} else {
		cb.onSuccessLocked()
	}
}

func (cb *CircuitBreaker) onSuccessLocked() {
	cb.successes++
	cb.failures = 0

	if cb.state == StateHalfOpen && cb.successes >= cb.config.SuccessThreshold {
		cb.transitionLocked(StateClosed)
	}
}

func (cb *CircuitBreaker) onFailureLocked() {
	cb.failures++
	cb.successes = 0

	switch cb.state {
	case StateHalfOpen:
		// A failed probe reopens immediately.
		cb.transitionLocked(StateOpen)
	case StateClosed:
		if cb.failures >= cb.config.FailureThreshold {
			cb.transitionLocked(StateOpen)
		}
	}
}

// refreshLocked moves an expired open breaker to half-open.
func (cb *CircuitBreaker) refreshLocked(now time.Time) {
	if cb.state == StateOpen && now.Sub(cb.lastStateChange) > cb.config.Timeout {
		cb.transitionLocked(StateHalfOpen)
	}
}

func (cb *CircuitBreaker) transitionLocked(to State) {
	cb.state = to
	cb.lastStateChange = time.Now()
	cb.failures = 0
	cb.successes = 0
	cb.requests = 0
}
