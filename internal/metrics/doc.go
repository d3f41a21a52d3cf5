// Package metrics collects in-process statistics about inpainting requests.
//
// Handlers emit events on a buffered channel without blocking; a single
// collector goroutine folds them into:
//   - requests, fallbacks and response status codes per handler variant
//   - attempts per model broken down by outcome (success, empty, fault, skipped)
//   - model call latency with P50, P95 and P99
//
// Example usage:
//
//	collector := metrics.NewCollector(1000, logger)
//	collector.Start(ctx)
//
//	collector.Emit(metrics.MetricEvent{
//		Type:     metrics.EventAttemptCompleted,
//		Model:    "fal-ai/lama",
//		Outcome:  metrics.OutcomeSuccess,
//		Duration: 4 * time.Second,
//	})
//
//	snapshot := collector.Snapshot()
//
// Pending events are drained when the context passed to Start is cancelled.
package metrics
