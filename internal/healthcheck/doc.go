// Package healthcheck reports service readiness from the API key and the
// per-model circuit breakers, and logs breaker transitions as models go
// down and come back.
package healthcheck
