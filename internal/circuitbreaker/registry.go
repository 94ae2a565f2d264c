package circuitbreaker

import (
	"sync"
)

// StateChangeFunc is notified after a breaker changes state. It runs with the
// breaker's lock held and must not call back into the breaker.
type StateChangeFunc func(service string, from, to State)

type Registry struct {
	mutex         sync.RWMutex
	breakers      map[string]*CircuitBreaker
	settings      Settings
	onStateChange StateChangeFunc
}

func NewRegistry(settings Settings, onStateChange StateChangeFunc) *Registry {
	return &Registry{
		breakers:      make(map[string]*CircuitBreaker),
		settings:      settings,
		onStateChange: onStateChange,
	}
}

// GetBreaker returns the breaker for a service, creating it on first use.
func (r *Registry) GetBreaker(service string) *CircuitBreaker {
	r.mutex.RLock()
	cb, exists := r.breakers[service]
	r.mutex.RUnlock()

	if exists {
		return cb
	}

	r.mutex.Lock()
	defer r.mutex.Unlock()

	// Double-check: another goroutine may have created it
	if cb, exists = r.breakers[service]; exists {
		return cb
	}

	cb = NewCircuitBreaker(r.settings)
	if r.onStateChange != nil {
		notify := r.onStateChange
		cb.onStateChange = func(from, to State) { notify(service, from, to) }
	}
	r.breakers[service] = cb
	return cb
}

func (r *Registry) AllowRequest(service string) bool {
	return r.GetBreaker(service).Allow()
}

func (r *Registry) RecordOutcome(service string, success bool) {
	r.GetBreaker(service).RecordOutcome(success)
}

// State returns CLOSED for services that have no breaker yet.
func (r *Registry) State(service string) State {
	r.mutex.RLock()
	cb, exists := r.breakers[service]
	r.mutex.RUnlock()

	if !exists {
		return StateClosed
	}
	return cb.State()
}

// Remove drops the breaker for a service so a later registration starts fresh.
func (r *Registry) Remove(service string) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	delete(r.breakers, service)
}

func (r *Registry) Settings() Settings {
	return r.settings
}

func (r *Registry) Reset() {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.breakers = make(map[string]*CircuitBreaker)
}

func (r *Registry) Stats() map[string]Snapshot {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	stats := make(map[string]Snapshot, len(r.breakers))
	for service, cb := range r.breakers {
		stats[service] = cb.Snapshot()
	}
	return stats
}
