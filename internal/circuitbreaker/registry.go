package circuitbreaker

import (
	"sync"
	"time"
)

// Registry hands out one breaker per model id.
type Registry struct {
	mutex     sync.RWMutex
	breakers  map[string]*CircuitBreaker
	threshold int
	timeout   time.Duration
}

func NewRegistry(threshold int, timeout time.Duration) *Registry {
	return &Registry{
		breakers:  make(map[string]*CircuitBreaker),
		threshold: threshold,
		timeout:   timeout,
	}
}

// GetBreaker returns the breaker for modelID, creating it on first use.
func (r *Registry) GetBreaker(modelID string) *CircuitBreaker {
	r.mutex.RLock()
	cb, exists := r.breakers[modelID]
	r.mutex.RUnlock()

	if exists {
		return cb
	}

	r.mutex.Lock()
	defer r.mutex.Unlock()

	// another goroutine may have created it meanwhile
	if cb, exists = r.breakers[modelID]; exists {
		return cb
	}

	cb = NewCircuitBreaker(r.threshold, r.timeout)
	r.breakers[modelID] = cb
	return cb
}

func (r *Registry) Reset() {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.breakers = make(map[string]*CircuitBreaker)
}

// Stats returns the state of every breaker created so far.
func (r *Registry) Stats() map[string]State {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	stats := make(map[string]State, len(r.breakers))
	for modelID, cb := range r.breakers {
		stats[modelID] = cb.State()
	}
	return stats
}
