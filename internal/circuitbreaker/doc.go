// Package circuitbreaker guards the absorbing steps of the model chain.
//
// When the primary model keeps failing, its breaker opens and requests go
// straight to the fallback model instead of waiting on a call that is
// expected to fail. States:
//
//   - CLOSED: the model is called
//   - OPEN: the model is skipped
//   - HALF-OPEN: one call probes whether the model recovered
//
// Usage:
//
//	registry := circuitbreaker.NewRegistry(5, 30*time.Second)
//	cb := registry.GetBreaker("fal-ai/flux/dev/image-to-image")
//	if cb.Allow() {
//	    // call the model...
//	    if failed {
//	        cb.RecordFailure()
//	    } else {
//	        cb.RecordSuccess()
//	    }
//	}
package circuitbreaker
