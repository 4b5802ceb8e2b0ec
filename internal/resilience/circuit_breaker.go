package resilience

import (
	"sync"
	"time"

	"github.com/zeromicro/go-zero/core/logx"
)

// State is one of the three circuit breaker states.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig configures the failure/success thresholds and the
// cooldown before an Open breaker starts probing again.
type CircuitBreakerConfig struct {
	Name             string
	FailureThreshold int
	SuccessThreshold int
	Timeout          time.Duration
	HalfOpenMaxCalls int
}

// CircuitBreaker wraps an outbound dependency call, tripping Open after
// FailureThreshold consecutive failures, probing again as HalfOpen after
// Timeout elapses, and closing after SuccessThreshold consecutive probe
// successes.
type CircuitBreaker struct {
	cfg CircuitBreakerConfig

	mu            sync.Mutex
	state         State
	failureCount  int
	successCount  int
	halfOpenCalls int
	openedAt      time.Time
}

// NewCircuitBreaker constructs a breaker in the Closed state.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	return &CircuitBreaker{cfg: cfg, state: Closed}
}

// State returns the current breaker state.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// AllowCall reports whether a call may proceed, performing the
// Open->HalfOpen transition when the timeout has elapsed.
func (cb *CircuitBreaker) AllowCall() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case Closed:
		return true
	case Open:
		if time.Since(cb.openedAt) >= cb.cfg.Timeout {
			cb.state = HalfOpen
			cb.halfOpenCalls = 0
			cb.successCount = 0
			logx.Infof("circuit breaker %s: open -> half_open", cb.cfg.Name)
			cb.halfOpenCalls++
			return true
		}
		return false
	case HalfOpen:
		if cb.halfOpenCalls >= cb.cfg.HalfOpenMaxCalls {
			return false
		}
		cb.halfOpenCalls++
		return true
	default:
		return false
	}
}

// RecordSuccess registers a successful call.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case Closed:
		cb.failureCount = 0
	case HalfOpen:
		cb.successCount++
		if cb.successCount >= cb.cfg.SuccessThreshold {
			cb.state = Closed
			cb.failureCount = 0
			cb.successCount = 0
			logx.Infof("circuit breaker %s: half_open -> closed", cb.cfg.Name)
		}
	}
}

// RecordFailure registers a failed call.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case Closed:
		cb.failureCount++
		if cb.failureCount >= cb.cfg.FailureThreshold {
			cb.trip()
		}
	case HalfOpen:
		cb.trip()
		cb.successCount = 0
	}
}

func (cb *CircuitBreaker) trip() {
	cb.state = Open
	cb.openedAt = time.Now()
	logx.Errorf("circuit breaker %s: tripped open", cb.cfg.Name)
}
