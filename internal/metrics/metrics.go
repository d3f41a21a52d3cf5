package metrics

import (
	"sort"
	"sync"
	"time"
)

// Attempt outcomes.
const (
	OutcomeSuccess = "success" // the model returned an image URL
	OutcomeEmpty   = "empty"   // the model answered without an image
	OutcomeFault   = "fault"   // the call itself failed
	OutcomeSkipped = "skipped" // the circuit breaker kept the model out
)

const maxLatencySamples = 1000

type Metrics struct {
	mutex       sync.RWMutex
	requests    map[string]int64
	fallbacks   map[string]int64
	statusCodes map[string]map[int]int64
	attempts    map[string]map[string]int64
	latencies   map[string][]time.Duration
	startTime   time.Time
}

type Snapshot struct {
	TotalRequests int64                     `json:"total_requests"`
	Uptime        time.Duration             `json:"uptime"`
	Variants      map[string]VariantMetrics `json:"variants"`
	Models        map[string]ModelMetrics   `json:"models"`
}

type VariantMetrics struct {
	Requests    int64         `json:"requests"`
	Fallbacks   int64         `json:"fallbacks"`
	StatusCodes map[int]int64 `json:"status_codes"`
}

type ModelMetrics struct {
	Attempts   int64            `json:"attempts"`
	Outcomes   map[string]int64 `json:"outcomes"`
	AvgLatency time.Duration    `json:"avg_latency"`
	P50Latency time.Duration    `json:"p50_latency"`
	P95Latency time.Duration    `json:"p95_latency"`
	P99Latency time.Duration    `json:"p99_latency"`
}

func NewMetrics() *Metrics {
	return &Metrics{
		requests:    make(map[string]int64),
		fallbacks:   make(map[string]int64),
		statusCodes: make(map[string]map[int]int64),
		attempts:    make(map[string]map[string]int64),
		latencies:   make(map[string][]time.Duration),
		startTime:   time.Now(),
	}
}

func (m *Metrics) IncrementRequests(variant string) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.requests[variant]++
}

func (m *Metrics) RecordFallback(variant string) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.fallbacks[variant]++
}

func (m *Metrics) RecordStatus(variant string, statusCode int) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if m.statusCodes[variant] == nil {
		m.statusCodes[variant] = make(map[int]int64)
	}
	m.statusCodes[variant][statusCode]++
}

// RecordAttempt counts one model call. Skipped attempts carry no latency.
func (m *Metrics) RecordAttempt(model, outcome string, duration time.Duration) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if m.attempts[model] == nil {
		m.attempts[model] = make(map[string]int64)
	}
	m.attempts[model][outcome]++

	if outcome == OutcomeSkipped {
		return
	}

	m.latencies[model] = append(m.latencies[model], duration)
	if len(m.latencies[model]) > maxLatencySamples {
		m.latencies[model] = m.latencies[model][1:]
	}
}

func (m *Metrics) Snapshot() Snapshot {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	snap := Snapshot{
		Uptime:   time.Since(m.startTime),
		Variants: make(map[string]VariantMetrics),
		Models:   make(map[string]ModelMetrics),
	}

	variants := make(map[string]struct{})
	for v := range m.requests {
		variants[v] = struct{}{}
	}
	for v := range m.fallbacks {
		variants[v] = struct{}{}
	}
	for v := range m.statusCodes {
		variants[v] = struct{}{}
	}

	for v := range variants {
		snap.TotalRequests += m.requests[v]
		snap.Variants[v] = VariantMetrics{
			Requests:    m.requests[v],
			Fallbacks:   m.fallbacks[v],
			StatusCodes: copyCounts(m.statusCodes[v]),
		}
	}

	for model, outcomes := range m.attempts {
		mm := ModelMetrics{Outcomes: make(map[string]int64, len(outcomes))}
		for outcome, n := range outcomes {
			mm.Outcomes[outcome] = n
			mm.Attempts += n
		}

		if durations := m.latencies[model]; len(durations) > 0 {
			sorted := make([]time.Duration, len(durations))
			copy(sorted, durations)
			sort.Slice(sorted, func(i, j int) bool {
				return sorted[i] < sorted[j]
			})

			mm.AvgLatency = average(sorted)
			mm.P50Latency = percentile(sorted, 0.50)
			mm.P95Latency = percentile(sorted, 0.95)
			mm.P99Latency = percentile(sorted, 0.99)
		}

		snap.Models[model] = mm
	}

	return snap
}

func copyCounts(src map[int]int64) map[int]int64 {
	dst := make(map[int]int64, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

func average(durations []time.Duration) time.Duration {
	if len(durations) == 0 {
		return 0
	}

	var sum time.Duration
	for _, d := range durations {
		sum += d
	}

	return sum / time.Duration(len(durations))
}

func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}

	index := int(float64(len(sorted)) * p)
	if index >= len(sorted) {
		index = len(sorted) - 1
	}

	return sorted[index]
}
