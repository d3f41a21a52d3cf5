package telemetry

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/angeloszaimis/text-remover/config"
)

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "textremover_http_requests_total",
			Help: "Total number of HTTP requests received.",
		},
		[]string{"handler", "method", "code"},
	)
	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "textremover_http_request_duration_seconds",
			Help:    "Duration of HTTP requests.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"handler", "method"},
	)
	inferenceAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "textremover_inference_attempts_total",
			Help: "Inference attempts per model and outcome.",
		},
		[]string{"model", "outcome"},
	)
	inferenceAttemptDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "textremover_inference_attempt_duration_seconds",
			Help:    "Duration of inference calls, queue wait included.",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 20, 30, 60, 120, 300},
		},
		[]string{"model"},
	)
)

func init() {
	prometheus.MustRegister(httpRequestsTotal, httpRequestDuration, inferenceAttemptsTotal, inferenceAttemptDuration)
}

// Init installs the tracer provider selected by cfg. The returned function
// flushes and stops it; with exporter "none" it is a no-op.
func Init(cfg config.TracingConfig) (func(context.Context) error, error) {
	if cfg.Exporter != config.TracingStdout {
		return func(context.Context) error { return nil }, nil
	}

	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = "text-remover"
	}

	res, err := resource.New(
		context.Background(),
		resource.WithAttributes(attribute.String("service.name", serviceName)),
	)
	if err != nil {
		return nil, err
	}

	exp, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	return tp.Shutdown, nil
}

// WrapHandler applies otelhttp tracing and Prometheus request metrics.
func WrapHandler(name string, next http.Handler) http.Handler {
	h := otelhttp.NewHandler(next, name)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		h.ServeHTTP(rw, r)

		httpRequestsTotal.WithLabelValues(name, r.Method, strconv.Itoa(rw.status)).Inc()
		httpRequestDuration.WithLabelValues(name, r.Method).Observe(time.Since(start).Seconds())
	})
}

// ObserveAttempt records one inference attempt. Skipped attempts are
// counted but have no duration.
func ObserveAttempt(model, outcome string, d time.Duration, skipped bool) {
	inferenceAttemptsTotal.WithLabelValues(model, outcome).Inc()
	if !skipped {
		inferenceAttemptDuration.WithLabelValues(model).Observe(d.Seconds())
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

// MetricsHandler returns the Prometheus scrape endpoint.
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
