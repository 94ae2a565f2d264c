package circuitbreaker

import (
	"encoding/json"
	"sync"
	"time"
)

type State int

const (
	StateClosed   State = iota // Normal operation
	StateOpen                  // Blocking requests
	StateHalfOpen              // Admitting probes one at a time
)

const (
	DefaultFailureThreshold = 5
	DefaultResetTimeout     = 60 * time.Second
	DefaultHalfOpenMaxCalls = 3
)

// Settings holds the thresholds shared by every breaker of a Registry.
type Settings struct {
	FailureThreshold int
	ResetTimeout     time.Duration
	HalfOpenMaxCalls int
}

func DefaultSettings() Settings {
	return Settings{
		FailureThreshold: DefaultFailureThreshold,
		ResetTimeout:     DefaultResetTimeout,
		HalfOpenMaxCalls: DefaultHalfOpenMaxCalls,
	}
}

// Snapshot is a point-in-time copy of a breaker's counters.
type Snapshot struct {
	State           State     `json:"state"`
	FailureCount    int       `json:"failureCount"`
	SuccessCount    int       `json:"successCount"`
	LastFailureTime time.Time `json:"lastFailureTime,omitzero"`
}

type CircuitBreaker struct {
	mutex           sync.Mutex
	settings        Settings
	state           State
	failureCount    int
	successCount    int
	lastFailureTime time.Time
	probeInFlight   bool
	probeStarted    time.Time
	onStateChange   func(from, to State)
}

func NewCircuitBreaker(settings Settings) *CircuitBreaker {
	if settings.FailureThreshold < 1 {
		settings.FailureThreshold = DefaultFailureThreshold
	}
	if settings.ResetTimeout <= 0 {
		settings.ResetTimeout = DefaultResetTimeout
	}
	if settings.HalfOpenMaxCalls < 1 {
		settings.HalfOpenMaxCalls = DefaultHalfOpenMaxCalls
	}
	return &CircuitBreaker{
		state:    StateClosed,
		settings: settings,
	}
}

// Allow reports whether a request may be attempted. It is not a pure read:
// an OPEN breaker whose reset timeout elapsed moves to HALF-OPEN and admits
// the caller as its probe. Call it once per routing decision.
func (cb *CircuitBreaker) Allow() bool {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	switch cb.state {
	case StateClosed:
		return true
	case StateOpen:
		if time.Since(cb.lastFailureTime) >= cb.settings.ResetTimeout {
			cb.setState(StateHalfOpen)
			cb.successCount = 0
			cb.startProbe()
			return true
		}
		return false
	case StateHalfOpen:
		if cb.successCount >= cb.settings.HalfOpenMaxCalls {
			return false
		}
		// A probe that never reported back must not wedge the breaker.
		if cb.probeInFlight && time.Since(cb.probeStarted) < cb.settings.ResetTimeout {
			return false
		}
		cb.startProbe()
		return true
	default:
		return true
	}
}

// RecordOutcome feeds the result of an admitted request back into the breaker.
func (cb *CircuitBreaker) RecordOutcome(success bool) {
	if success {
		cb.RecordSuccess()
		return
	}
	cb.RecordFailure()
}

func (cb *CircuitBreaker) RecordFailure() {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	cb.probeInFlight = false
	cb.lastFailureTime = time.Now()

	switch cb.state {
	case StateHalfOpen:
		cb.successCount = 0
		cb.setState(StateOpen)
	case StateClosed:
		cb.failureCount++
		if cb.failureCount >= cb.settings.FailureThreshold {
			cb.setState(StateOpen)
		}
	case StateOpen:
		cb.failureCount++
	}
}

func (cb *CircuitBreaker) RecordSuccess() {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	cb.probeInFlight = false

	switch cb.state {
	case StateClosed:
		cb.failureCount = 0
	case StateHalfOpen:
		cb.successCount++
		if cb.successCount >= cb.settings.HalfOpenMaxCalls {
			cb.failureCount = 0
			cb.successCount = 0
			cb.setState(StateClosed)
		}
	}
}

// Release gives back a half-open probe slot that was admitted but never sent.
func (cb *CircuitBreaker) Release() {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()
	cb.probeInFlight = false
}

// Trip forces the breaker OPEN, restarting the reset window.
func (cb *CircuitBreaker) Trip() {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	cb.lastFailureTime = time.Now()
	cb.successCount = 0
	cb.probeInFlight = false
	cb.setState(StateOpen)
}

// Reset forces the breaker CLOSED with cleared counters.
func (cb *CircuitBreaker) Reset() {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	cb.failureCount = 0
	cb.successCount = 0
	cb.probeInFlight = false
	cb.setState(StateClosed)
}

func (cb *CircuitBreaker) State() State {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()
	return cb.state
}

func (cb *CircuitBreaker) Snapshot() Snapshot {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()
	return Snapshot{
		State:           cb.state,
		FailureCount:    cb.failureCount,
		SuccessCount:    cb.successCount,
		LastFailureTime: cb.lastFailureTime,
	}
}

// setState must be called with the mutex held.
func (cb *CircuitBreaker) setState(to State) {
	from := cb.state
	cb.state = to
	if from != to && cb.onStateChange != nil {
		cb.onStateChange(from, to)
	}
}

func (cb *CircuitBreaker) startProbe() {
	cb.probeInFlight = true
	cb.probeStarted = time.Now()
}

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

func (s State) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}
