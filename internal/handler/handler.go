package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/angeloszaimis/text-remover/internal/circuitbreaker"
	"github.com/angeloszaimis/text-remover/internal/endpoint"
	"github.com/angeloszaimis/text-remover/internal/fal"
	"github.com/angeloszaimis/text-remover/internal/metrics"
	"github.com/angeloszaimis/text-remover/internal/telemetry"
)

const tracerName = "github.com/angeloszaimis/text-remover/internal/handler"

// Client-visible error messages.
const (
	msgMethodNotAllowed = "Method not allowed"
	msgNotConfigured    = " not configured"
	msgImageURLRequired = "image_url is required"
	msgImageURLType     = "image_url must be a string"
	msgInvalidJSON      = "Invalid JSON body"
	msgNotAnObject      = "Request body must be a JSON object"
	msgInvalidBase64    = "Invalid base64 body"
	msgBodyTooLarge     = "Request body too large"
	msgUnreadableBody   = "Could not read request body"
	msgProcessingFailed = "Processing failed"
	msgAllFailed        = "All processing methods failed: "
)

// ErrNoEndpoints is returned when a handler is built without any model.
var ErrNoEndpoints = errors.New("handler: at least one endpoint is required")

// Subscriber runs a model on the remote inference service and blocks until
// the result is final.
type Subscriber interface {
	Subscribe(ctx context.Context, modelID string, args map[string]any) (*fal.Result, error)
	Configured() bool
}

type Options struct {
	// Variant names the handler in logs and metrics.
	Variant string
	// KeyName is the configuration name reported when the API key is missing.
	KeyName string
	Client  Subscriber
	// Endpoints are tried in order. All but the last are absorbing: a fault
	// or an empty result moves on to the next one.
	Endpoints []*endpoint.Endpoint
	// Breakers guards the absorbing endpoints; nil disables it.
	Breakers  *circuitbreaker.Registry
	Collector *metrics.Collector
}

// InpaintHandler turns an inbound event into one or more inpainting calls
// and maps the outcome to a response envelope.
type InpaintHandler struct {
	logger           *slog.Logger
	variant          string
	keyName          string
	client           Subscriber
	endpoints        []*endpoint.Endpoint
	breakers         *circuitbreaker.Registry
	metricsCollector *metrics.Collector
	tracer           trace.Tracer
}

type payloadError struct {
	message string
	cause   error
}

func (e *payloadError) Error() string { return e.message }

func (e *payloadError) Unwrap() error { return e.cause }

func NewInpaintHandler(logger *slog.Logger, opts Options) (*InpaintHandler, error) {
	if len(opts.Endpoints) == 0 {
		return nil, ErrNoEndpoints
	}
	if opts.Client == nil {
		return nil, errors.New("handler: inference client is required")
	}

	keyName := opts.KeyName
	if keyName == "" {
		keyName = "FAL_KEY"
	}

	return &InpaintHandler{
		logger:           logger,
		variant:          opts.Variant,
		keyName:          keyName,
		client:           opts.Client,
		endpoints:        opts.Endpoints,
		breakers:         opts.Breakers,
		metricsCollector: opts.Collector,
		tracer:           otel.Tracer(tracerName),
	}, nil
}

// Variant returns the handler name given at construction.
func (h *InpaintHandler) Variant() string {
	return h.variant
}

// Endpoints returns the model chain in call order.
func (h *InpaintHandler) Endpoints() []*endpoint.Endpoint {
	return h.endpoints
}

// Handle processes one event. Every path ends in exactly one response.
func (h *InpaintHandler) Handle(ctx context.Context, inv Invocation, ev Event) Response {
	requestID := inv.RequestID
	if requestID == "" {
		requestID = uuid.NewString()
	}

	log := h.logger.With(
		slog.String("request_id", requestID),
		slog.String("variant", h.variant),
	)

	h.emit(metrics.MetricEvent{Type: metrics.EventRequestReceived, Variant: h.variant})

	resp := h.handle(ctx, log, requestID, ev)

	h.emit(metrics.MetricEvent{Type: metrics.EventResponseSent, Variant: h.variant, StatusCode: resp.StatusCode})
	log.Info("Sent response", slog.Int("status", resp.StatusCode))

	return resp
}

func (h *InpaintHandler) handle(ctx context.Context, log *slog.Logger, requestID string, ev Event) Response {
	method := strings.ToUpper(strings.TrimSpace(ev.HTTPMethod))
	if method == "" {
		method = http.MethodPost
	}

	log.Info("Received request",
		slog.String("method", method),
		slog.String("from", headerValue(ev.Headers, "X-Forwarded-For")),
		slog.String("user_agent", headerValue(ev.Headers, "User-Agent")))

	switch method {
	case http.MethodOptions:
		return preflightResponse(requestID)
	case http.MethodPost:
	default:
		return jsonResponse(http.StatusMethodNotAllowed, requestID, errorBody{
			Error:     msgMethodNotAllowed,
			RequestID: requestID,
		})
	}

	if !h.client.Configured() {
		log.Error("Inference API key is not configured", slog.String("key", h.keyName))
		return jsonResponse(http.StatusInternalServerError, requestID, errorBody{
			Error:     h.keyName + msgNotConfigured,
			RequestID: requestID,
		})
	}

	imageURL, err := parseImageURL(ev)
	if err != nil {
		log.Warn("Rejected request payload", slog.Any("err", errors.Unwrap(err)), slog.String("reason", err.Error()))
		return jsonResponse(http.StatusBadRequest, requestID, errorBody{
			Error:     err.Error(),
			RequestID: requestID,
		})
	}

	return h.runChain(ctx, log, requestID, imageURL)
}

func (h *InpaintHandler) runChain(ctx context.Context, log *slog.Logger, requestID, imageURL string) Response {
	last := len(h.endpoints) - 1

	for _, ep := range h.endpoints[:last] {
		epLog := log.With(slog.String("endpoint", ep.Name()), slog.String("model", ep.ModelID()))
		breaker := h.breakerFor(ep)

		if breaker != nil && !breaker.Allow() {
			epLog.Warn("Circuit open, skipping model")
			h.recordSkipped(ep)
			h.emit(metrics.MetricEvent{Type: metrics.EventFallbackTriggered, Variant: h.variant, Model: ep.ModelID()})
			continue
		}

		result, err := h.attempt(ctx, epLog, ep, imageURL)
		if err == nil && result.OutputURL != "" {
			if breaker != nil {
				breaker.RecordSuccess()
			}
			return h.success(requestID, result)
		}

		// Caller cancellation is not a model failure.
		if ctxErr := ctx.Err(); ctxErr != nil {
			if err == nil {
				err = ctxErr
			}
			epLog.Warn("Request cancelled, not trying next model", slog.Any("err", err))
			return h.allFailed(epLog, requestID, err)
		}

		if breaker != nil {
			breaker.RecordFailure()
		}

		if err != nil {
			epLog.Warn("Model call failed, trying next model", slog.Any("err", err))
		} else {
			epLog.Warn("Model returned no image, trying next model", slog.String("details", result.Diagnostic))
		}
		h.emit(metrics.MetricEvent{Type: metrics.EventFallbackTriggered, Variant: h.variant, Model: ep.ModelID()})
	}

	ep := h.endpoints[last]
	epLog := log.With(slog.String("endpoint", ep.Name()), slog.String("model", ep.ModelID()))

	result, err := h.attempt(ctx, epLog, ep, imageURL)
	if err != nil {
		return h.allFailed(epLog, requestID, err)
	}

	if result.OutputURL == "" {
		epLog.Error("Model returned no image", slog.String("details", result.Diagnostic))
		return jsonResponse(http.StatusInternalServerError, requestID, errorBody{
			Error:     msgProcessingFailed,
			Details:   result.Diagnostic,
			RequestID: requestID,
		})
	}

	return h.success(requestID, result)
}

// attempt makes one call to ep. The error reports a failed call; an empty
// OutputURL with a nil error reports a result without an image.
func (h *InpaintHandler) attempt(ctx context.Context, log *slog.Logger, ep *endpoint.Endpoint, imageURL string) (InferenceResult, error) {
	ctx, span := h.tracer.Start(ctx, "inpaint.attempt", trace.WithAttributes(
		attribute.String("inpaint.variant", h.variant),
		attribute.String("inpaint.endpoint", ep.Name()),
		attribute.String("inpaint.model", ep.ModelID()),
	))
	defer span.End()

	log.Info("Calling model")

	ep.IncrementCalls()
	start := time.Now()
	res, err := h.client.Subscribe(ctx, ep.ModelID(), ep.Arguments(imageURL))
	duration := time.Since(start)
	ep.DecrementCalls()
	ep.RecordLatency(duration)

	var result InferenceResult
	outcome := metrics.OutcomeSuccess

	if err != nil {
		outcome = metrics.OutcomeFault
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		result = InferenceResult{
			OutputURL:  res.OutputURL(),
			Method:     Method(ep.Name()),
			Diagnostic: res.String(),
		}
		if result.OutputURL == "" {
			outcome = metrics.OutcomeEmpty
			span.SetStatus(codes.Error, "no image in result")
		}
	}

	span.SetAttributes(attribute.String("inpaint.outcome", outcome))
	h.recordAttempt(ep, outcome, duration)

	log.Info("Model call finished",
		slog.String("outcome", outcome),
		slog.Duration("duration", duration))

	return result, err
}

func (h *InpaintHandler) allFailed(log *slog.Logger, requestID string, err error) Response {
	log.Error("All processing methods failed", slog.Any("err", err))
	return jsonResponse(http.StatusInternalServerError, requestID, errorBody{
		Error:     msgAllFailed + err.Error(),
		RequestID: requestID,
	})
}

func (h *InpaintHandler) success(requestID string, result InferenceResult) Response {
	body := successBody{
		Success:   true,
		OutputURL: result.OutputURL,
		RequestID: requestID,
	}

	// The single-model variant has nothing to choose between.
	if len(h.endpoints) > 1 {
		body.Method = result.Method
	}

	return jsonResponse(http.StatusOK, requestID, body)
}

func (h *InpaintHandler) breakerFor(ep *endpoint.Endpoint) *circuitbreaker.CircuitBreaker {
	if h.breakers == nil {
		return nil
	}
	return h.breakers.GetBreaker(ep.ModelID())
}

func (h *InpaintHandler) recordAttempt(ep *endpoint.Endpoint, outcome string, d time.Duration) {
	telemetry.ObserveAttempt(ep.ModelID(), outcome, d, false)
	h.emit(metrics.MetricEvent{
		Type:     metrics.EventAttemptCompleted,
		Variant:  h.variant,
		Model:    ep.ModelID(),
		Outcome:  outcome,
		Duration: d,
	})
}

func (h *InpaintHandler) recordSkipped(ep *endpoint.Endpoint) {
	telemetry.ObserveAttempt(ep.ModelID(), metrics.OutcomeSkipped, 0, true)
	h.emit(metrics.MetricEvent{
		Type:    metrics.EventAttemptSkipped,
		Variant: h.variant,
		Model:   ep.ModelID(),
	})
}

func (h *InpaintHandler) emit(event metrics.MetricEvent) {
	h.metricsCollector.Emit(event)
}

func parseImageURL(ev Event) (string, error) {
	raw, err := decodeBody(ev)
	if err != nil {
		return "", &payloadError{message: msgInvalidBase64, cause: err}
	}

	if len(bytes.TrimSpace(raw)) == 0 {
		raw = []byte("{}")
	}

	var req processRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) {
			if typeErr.Field == "image_url" {
				return "", &payloadError{message: msgImageURLType, cause: err}
			}
			return "", &payloadError{message: msgNotAnObject, cause: err}
		}
		return "", &payloadError{message: msgInvalidJSON, cause: err}
	}

	if req.ImageURL == "" {
		return "", &payloadError{message: msgImageURLRequired}
	}

	return req.ImageURL, nil
}

// headerValue looks a header up case-insensitively; runtimes disagree on
// header casing.
func headerValue(headers map[string]string, name string) string {
	if v, ok := headers[name]; ok {
		return v
	}
	for k, v := range headers {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return ""
}
