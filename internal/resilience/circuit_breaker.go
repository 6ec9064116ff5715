package resilience

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// State represents the circuit breaker state.
type State int32

const (
	StateClosed   State = iota // Normal operation, tracking call outcomes
	StateOpen                  // Failing fast, not calling service
	StateHalfOpen              // Testing if service recovered
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

// ErrCircuitOpen is returned when the circuit breaker is open and rejects the request.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// Settings configures a CircuitBreaker.
type Settings struct {
	// Name identifies this circuit breaker for logging.
	Name string

	// FailureRateThreshold is the failure percentage (0-100] at which the
	// circuit opens, evaluated over the sliding window.
	FailureRateThreshold float64

	// SlidingWindowSize is the number of most recent call outcomes the
	// failure rate is computed over. The rate is not evaluated until the
	// window has filled once.
	SlidingWindowSize int

	// OpenTimeout is how long the circuit stays open before transitioning to half-open.
	OpenTimeout time.Duration

	// HalfOpenMaxCalls is the number of trial calls permitted in half-open
	// state. Once all trials complete, the circuit closes if their failure
	// rate is below the threshold and reopens otherwise.
	HalfOpenMaxCalls int64

	// OnStateChange is called when the circuit breaker changes state.
	OnStateChange func(name string, from, to State)
}

// DefaultSettings returns sensible defaults for a circuit breaker.
func DefaultSettings(name string) Settings {
	return Settings{
		Name:                 name,
		FailureRateThreshold: 50,
		SlidingWindowSize:    50,
		OpenTimeout:          30 * time.Second,
		HalfOpenMaxCalls:     10,
	}
}

// CircuitBreaker implements the circuit breaker pattern to prevent cascading
// failures when downstream delivery becomes unavailable. Failures are tracked
// in a count-based sliding window so a sustained error rate opens the circuit
// even when successes are interleaved.
type CircuitBreaker struct {
	settings Settings

	mu              sync.Mutex
	state           State
	window          []bool // true marks a failure
	windowPos       int
	windowCount     int
	windowFailures  int
	halfOpenPermits int64
	halfOpenDone    int64
	halfOpenFailed  int64
	lastStateChange time.Time

	// Metrics (atomic for lock-free reads)
	totalRequests  atomic.Int64
	totalRejected  atomic.Int64
	totalSuccesses atomic.Int64
	totalFailures  atomic.Int64
}

// NewCircuitBreaker creates a new circuit breaker with the given settings.
func NewCircuitBreaker(settings Settings) *CircuitBreaker {
	if settings.FailureRateThreshold <= 0 || settings.FailureRateThreshold > 100 {
		settings.FailureRateThreshold = 50
	}
	if settings.SlidingWindowSize <= 0 {
		settings.SlidingWindowSize = 50
	}
	if settings.OpenTimeout <= 0 {
		settings.OpenTimeout = 30 * time.Second
	}
	if settings.HalfOpenMaxCalls <= 0 {
		settings.HalfOpenMaxCalls = 10
	}

	return &CircuitBreaker{
		settings:        settings,
		state:           StateClosed,
		window:          make([]bool, settings.SlidingWindowSize),
		lastStateChange: time.Now(),
	}
}

// Execute runs the given function through the circuit breaker.
// Returns ErrCircuitOpen if the circuit is open and the request is rejected.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	cb.totalRequests.Add(1)

	if !cb.allowRequest() {
		cb.totalRejected.Add(1)
		return ErrCircuitOpen
	}

	err := fn()
	if err != nil {
		cb.recordFailure()
		return err
	}

	cb.recordSuccess()
	return nil
}

// State returns the current circuit breaker state.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.currentState()
}

// Name returns the circuit breaker name.
func (cb *CircuitBreaker) Name() string {
	return cb.settings.Name
}

// Metrics returns a snapshot of circuit breaker metrics.
func (cb *CircuitBreaker) Metrics() CircuitBreakerMetrics {
	cb.mu.Lock()
	state := cb.currentState()
	rate := cb.failureRate()
	cb.mu.Unlock()

	return CircuitBreakerMetrics{
		Name:           cb.settings.Name,
		State:          state,
		TotalRequests:  cb.totalRequests.Load(),
		TotalRejected:  cb.totalRejected.Load(),
		TotalSuccesses: cb.totalSuccesses.Load(),
		TotalFailures:  cb.totalFailures.Load(),
		FailureRate:    rate,
	}
}

// CircuitBreakerMetrics contains circuit breaker statistics.
type CircuitBreakerMetrics struct {
	Name           string
	State          State
	TotalRequests  int64
	TotalRejected  int64
	TotalSuccesses int64
	TotalFailures  int64
	FailureRate    float64
}

// currentState returns the effective state, accounting for timeout transitions.
// Must be called with cb.mu held.
func (cb *CircuitBreaker) currentState() State {
	if cb.state == StateOpen && time.Since(cb.lastStateChange) >= cb.settings.OpenTimeout {
		cb.setState(StateHalfOpen)
	}
	return cb.state
}

// failureRate returns the failure percentage over the filled portion of the
// sliding window. Must be called with cb.mu held.
func (cb *CircuitBreaker) failureRate() float64 {
	if cb.windowCount == 0 {
		return 0
	}
	return float64(cb.windowFailures) / float64(cb.windowCount) * 100
}

// allowRequest determines if a request should be allowed through.
func (cb *CircuitBreaker) allowRequest() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.currentState() {
	case StateClosed:
		return true
	case StateOpen:
		return false
	case StateHalfOpen:
		if cb.halfOpenPermits >= cb.settings.HalfOpenMaxCalls {
			return false
		}
		cb.halfOpenPermits++
		return true
	default:
		return true
	}
}

// recordSuccess records a successful execution.
func (cb *CircuitBreaker) recordSuccess() {
	cb.totalSuccesses.Add(1)
	cb.record(false)
}

// recordFailure records a failed execution.
func (cb *CircuitBreaker) recordFailure() {
	cb.totalFailures.Add(1)
	cb.record(true)
}

func (cb *CircuitBreaker) record(failed bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.currentState() {
	case StateClosed:
		cb.recordInWindow(failed)
		if cb.windowCount == len(cb.window) && cb.failureRate() >= cb.settings.FailureRateThreshold {
			cb.setState(StateOpen)
		}
	case StateHalfOpen:
		cb.halfOpenDone++
		if failed {
			cb.halfOpenFailed++
		}
		if cb.halfOpenDone < cb.settings.HalfOpenMaxCalls {
			return
		}
		trialRate := float64(cb.halfOpenFailed) / float64(cb.halfOpenDone) * 100
		if trialRate >= cb.settings.FailureRateThreshold {
			cb.setState(StateOpen)
		} else {
			cb.setState(StateClosed)
		}
	}
}

// recordInWindow pushes one call outcome into the ring buffer.
// Must be called with cb.mu held.
func (cb *CircuitBreaker) recordInWindow(failed bool) {
	if cb.windowCount == len(cb.window) {
		// Evict the slot being overwritten
		if cb.window[cb.windowPos] {
			cb.windowFailures--
		}
	} else {
		cb.windowCount++
	}

	cb.window[cb.windowPos] = failed
	if failed {
		cb.windowFailures++
	}
	cb.windowPos = (cb.windowPos + 1) % len(cb.window)
}

// setState transitions to a new state and resets window and trial counters.
// Must be called with cb.mu held.
func (cb *CircuitBreaker) setState(newState State) {
	if cb.state == newState {
		return
	}

	oldState := cb.state
	cb.state = newState
	cb.window = make([]bool, cb.settings.SlidingWindowSize)
	cb.windowPos = 0
	cb.windowCount = 0
	cb.windowFailures = 0
	cb.halfOpenPermits = 0
	cb.halfOpenDone = 0
	cb.halfOpenFailed = 0
	cb.lastStateChange = time.Now()

	if cb.settings.OnStateChange != nil {
		cb.settings.OnStateChange(cb.settings.Name, oldState, newState)
	}
}
