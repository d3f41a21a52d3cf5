package healthcheck

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/angeloszaimis/text-remover/internal/circuitbreaker"
	"github.com/angeloszaimis/text-remover/internal/endpoint"
)

const (
	StatusOK          = "ok"
	StatusDegraded    = "degraded"
	StatusUnavailable = "unavailable"
)

// KeyChecker reports whether the inference API key is present.
type KeyChecker interface {
	Configured() bool
}

// Chain is one handler's ordered list of models.
type Chain struct {
	Variant   string
	Endpoints []*endpoint.Endpoint
}

type EndpointReport struct {
	Name        string `json:"name"`
	Model       string `json:"model"`
	Breaker     string `json:"breaker"`
	ActiveCalls int    `json:"active_calls"`
	EWMALatency string `json:"ewma_latency"`
}

type Report struct {
	Status        string                      `json:"status"`
	KeyConfigured bool                        `json:"key_configured"`
	Handlers      map[string][]EndpointReport `json:"handlers"`
}

// Checker derives readiness from the API key and the circuit breakers.
type Checker struct {
	logger   *slog.Logger
	key      KeyChecker
	breakers *circuitbreaker.Registry
	chains   []Chain

	mutex sync.Mutex
	last  map[string]circuitbreaker.State
}

func NewChecker(logger *slog.Logger, key KeyChecker, breakers *circuitbreaker.Registry, chains ...Chain) *Checker {
	return &Checker{
		logger:   logger,
		key:      key,
		breakers: breakers,
		chains:   chains,
		last:     make(map[string]circuitbreaker.State),
	}
}

// Check builds a report. Without an API key nothing can be served; an open
// breaker only degrades the service since a later model still answers.
func (c *Checker) Check() Report {
	report := Report{
		Status:        StatusOK,
		KeyConfigured: c.key.Configured(),
		Handlers:      make(map[string][]EndpointReport, len(c.chains)),
	}


	for _, chain := range c.chains {
		endpoints := make([]EndpointReport, 0, len(chain.Endpoints))
		for _, ep := range chain.Endpoints {
			state := c.breakerState(ep.ModelID())
			if state == circuitbreaker.StateOpen {
				report.Status = StatusDegraded
			}

			endpoints = append(endpoints, EndpointReport{
				Name:        ep.Name(),
				Model:       ep.ModelID(),
				Breaker:     state.String(),
				ActiveCalls: ep.ActiveCalls(),
				EWMALatency: ep.EWMALatency().String(),
			})
		}
		report.Handlers[chain.Variant] = endpoints
	}

	if !report.KeyConfigured {
		report.Status = StatusUnavailable
	}

	return report
}

func (c *Checker) breakerState(modelID string) circuitbreaker.State {
	if c.breakers == nil {
		return circuitbreaker.StateClosed
	}
	return c.breakers.GetBreaker(modelID).State()
}

// Handler serves the report as JSON, with 503 when unavailable.
func (c *Checker) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		report := c.Check()

		status := http.StatusOK
		if report.Status == StatusUnavailable {
			status = http.StatusServiceUnavailable
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		if err := json.NewEncoder(w).Encode(report); err != nil {
			c.logger.Error("Failed to encode health report", slog.Any("err", err))
		}
	}
}

// ResetHandler closes every breaker on POST and answers with the fresh
// report.
func (c *Checker) ResetHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		if c.breakers != nil {
			c.breakers.Reset()
		}
		c.logger.Info("Circuit breakers reset", slog.String("from", r.RemoteAddr))

		c.Handler()(w, r)
	}
}

// Watch logs breaker transitions every interval until ctx is done.
func (c *Checker) Watch(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("Health watch stopped")
			return

		case <-ticker.C:
			c.observe()
		}
	}
}

func (c *Checker) observe() {
	if c.breakers == nil {
		return
	}

	c.mutex.Lock()
	defer c.mutex.Unlock()

	for model, state := range c.breakers.Stats() {
		previous, seen := c.last[model]
		c.last[model] = state

		if !seen && state == circuitbreaker.StateClosed {
			continue
		}
		if seen && previous == state {
			continue
		}

		switch state {
		case circuitbreaker.StateOpen:
			c.logger.Warn("Model is down", slog.String("model", model))
		case circuitbreaker.StateClosed:
			c.logger.Info("Model is back up", slog.String("model", model))
		default:
			c.logger.Info("Model is being probed", slog.String("model", model))
		}
	}
}
