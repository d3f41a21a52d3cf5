package handler

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
)

// Event is the HTTP-like event a function runtime hands to a handler.
type Event struct {
	HTTPMethod      string            `json:"httpMethod"`
	Headers         map[string]string `json:"headers,omitempty"`
	Body            string            `json:"body"`
	IsBase64Encoded bool              `json:"isBase64Encoded,omitempty"`
}

// Invocation carries what the runtime knows about the current call.
type Invocation struct {
	RequestID    string `json:"request_id"`
	FunctionName string `json:"function_name,omitempty"`
}

// Response is the envelope returned to the runtime.
type Response struct {
	StatusCode      int               `json:"statusCode"`
	Headers         map[string]string `json:"headers"`
	Body            string            `json:"body"`
	IsBase64Encoded bool              `json:"isBase64Encoded"`
}

// Method tags which model produced a successful result.
type Method string

const (
	MethodPrimary  Method = "primary"
	MethodFallback Method = "fallback"
)

// InferenceResult is what one model attempt yielded. An empty OutputURL
// with a nil error means the model answered without an image.
type InferenceResult struct {
	OutputURL  string
	Method     Method
	Diagnostic string
}

type processRequest struct {
	ImageURL string `json:"image_url"`
}

type successBody struct {
	Success   bool   `json:"success"`
	OutputURL string `json:"output_url"`
	RequestID string `json:"request_id"`
	Method    Method `json:"method,omitempty"`
}

type errorBody struct {
	Error     string `json:"error"`
	Details   string `json:"details,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

const (
	headerContentType = "Content-Type"
	headerAllowOrigin = "Access-Control-Allow-Origin"
	headerRequestID   = "X-Request-Id"
)

func preflightResponse(requestID string) Response {
	return Response{
		StatusCode: http.StatusOK,
		Headers: map[string]string{
			headerAllowOrigin:              "*",
			"Access-Control-Allow-Methods": "POST, OPTIONS",
			"Access-Control-Allow-Headers": "Content-Type, X-User-Id",
			"Access-Control-Max-Age":       "86400",
			headerRequestID:                requestID,
		},
		Body: "",
	}
}

func jsonResponse(status int, requestID string, body any) Response {
	payload, err := json.Marshal(body)
	if err != nil {
		status = http.StatusInternalServerError
		payload = []byte(`{"error":"Internal server error"}`)
	}

	return Response{
		StatusCode: status,
		Headers: map[string]string{
			headerContentType: "application/json",
			headerAllowOrigin: "*",
			headerRequestID:   requestID,
		},
		Body: string(payload),
	}
}

func decodeBody(ev Event) ([]byte, error) {
	if !ev.IsBase64Encoded {
		return []byte(ev.Body), nil
	}
	return base64.StdEncoding.DecodeString(ev.Body)
}
