// Package telemetry exports Prometheus metrics and OpenTelemetry traces.
//
// HTTP routes are wrapped with WrapHandler; model calls report through
// ObserveAttempt. Traces go to stdout when tracing.exporter is "stdout".
package telemetry
