package handler

import (
	"encoding/base64"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"

	"github.com/google/uuid"
)

// maxBodyBytes caps inbound bodies on the HTTP adapter.
const maxBodyBytes = 1 << 20

// ServeHTTP adapts a plain HTTP request to an Event so the same handler can
// run behind a local server.
func (h *InpaintHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	inv := Invocation{RequestID: r.Header.Get(headerRequestID), FunctionName: h.variant}
	if inv.RequestID == "" {
		inv.RequestID = uuid.NewString()
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		msg := msgUnreadableBody
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			msg = msgBodyTooLarge
		}
		h.logger.Warn("Failed to read request body",
			slog.String("request_id", inv.RequestID),
			slog.Any("err", err))
		writeResponse(w, jsonResponse(http.StatusBadRequest, inv.RequestID, errorBody{
			Error:     msg,
			RequestID: inv.RequestID,
		}))
		return
	}

	ev := Event{
		HTTPMethod: r.Method,
		Headers:    flattenHeaders(r),
		Body:       string(body),
	}

	writeResponse(w, h.Handle(r.Context(), inv, ev))
}

func flattenHeaders(r *http.Request) map[string]string {
	headers := make(map[string]string, len(r.Header)+1)
	for name, values := range r.Header {
		headers[name] = strings.Join(values, ", ")
	}

	if _, ok := headers["X-Forwarded-For"]; !ok {
		if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
			headers["X-Forwarded-For"] = host
		}
	}

	return headers
}

func writeResponse(w http.ResponseWriter, resp Response) {
	for name, value := range resp.Headers {
		w.Header().Set(name, value)
	}
	w.WriteHeader(resp.StatusCode)

	if resp.Body == "" {
		return
	}

	if resp.IsBase64Encoded {
		data, err := base64.StdEncoding.DecodeString(resp.Body)
		if err != nil {
			return
		}
		_, _ = w.Write(data)
		return
	}

	_, _ = io.WriteString(w, resp.Body)
}
