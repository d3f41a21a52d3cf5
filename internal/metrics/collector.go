package metrics

import (
	"context"
	"log/slog"
	"time"
)

type EventType string

const (
	EventRequestReceived   EventType = "request_received"
	EventAttemptCompleted  EventType = "attempt_completed"
	EventAttemptSkipped    EventType = "attempt_skipped"
	EventFallbackTriggered EventType = "fallback_triggered"
	EventResponseSent      EventType = "response_sent"
)

type MetricEvent struct {
	Type       EventType
	Timestamp  time.Time
	Variant    string
	Model      string
	Outcome    string
	Duration   time.Duration
	StatusCode int
}

// Collector aggregates events sent from request goroutines on a single
// background goroutine.
type Collector struct {
	eventCh chan MetricEvent
	metrics *Metrics
	logger  *slog.Logger
}

func NewCollector(bufferSize int, logger *slog.Logger) *Collector {
	return &Collector{
		eventCh: make(chan MetricEvent, bufferSize),
		metrics: NewMetrics(),
		logger:  logger,
	}
}

// Emit queues an event without blocking; it is dropped when the buffer is
// full. A nil collector ignores events.
func (c *Collector) Emit(event MetricEvent) bool {
	if c == nil {
		return false
	}

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	select {
	case c.eventCh <- event:
		return true
	default:
		c.logger.Debug("Metrics buffer full, dropping event", slog.String("type", string(event.Type)))
		return false
	}
}

func (c *Collector) Start(ctx context.Context) {
	go c.run(ctx)
}

func (c *Collector) run(ctx context.Context) {
	c.logger.Info("Metrics collector started")
	defer c.logger.Info("Metrics collector stopped")

	for {
		select {
		case event := <-c.eventCh:
			c.processEvent(event)
		case <-ctx.Done():
			c.drain()
			return
		}
	}
}

func (c *Collector) processEvent(event MetricEvent) {
	switch event.Type {
	case EventRequestReceived:
		c.metrics.IncrementRequests(event.Variant)

	case EventAttemptCompleted:
		c.metrics.RecordAttempt(event.Model, event.Outcome, event.Duration)

	case EventAttemptSkipped:
		c.metrics.RecordAttempt(event.Model, OutcomeSkipped, 0)

	case EventFallbackTriggered:
		c.metrics.RecordFallback(event.Variant)

	case EventResponseSent:
		c.metrics.RecordStatus(event.Variant, event.StatusCode)
	}
}

func (c *Collector) drain() {
	for {
		select {
		case event := <-c.eventCh:
			c.processEvent(event)
		default:
			return
		}
	}
}

func (c *Collector) Snapshot() Snapshot {
	return c.metrics.Snapshot()
}
