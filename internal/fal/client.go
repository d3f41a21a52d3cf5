package fal

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const (
	DefaultQueueURL     = "https://queue.fal.run"
	DefaultPollInterval = 500 * time.Millisecond
	DefaultHTTPTimeout  = 30 * time.Second
)

// Queue states reported by the status endpoint.
const (
	StatusInQueue    = "IN_QUEUE"
	StatusInProgress = "IN_PROGRESS"
	StatusCompleted  = "COMPLETED"
)

// maxErrorBody bounds how much of an error response is kept in APIError.
const maxErrorBody = 4096

// ErrMissingKey is returned when a call is made without an API key.
var ErrMissingKey = errors.New("fal: API key not configured")

// APIError is a non-2xx answer from the queue API.
type APIError struct {
	Method     string
	URL        string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("fal: %s %s: unexpected status %d", e.Method, e.URL, e.StatusCode)
	}
	return fmt.Sprintf("fal: %s %s: unexpected status %d: %s", e.Method, e.URL, e.StatusCode, e.Body)
}

type Config struct {
	Key          string
	QueueURL     string
	PollInterval time.Duration
	// HTTPClient overrides the default instrumented client.
	HTTPClient *http.Client
}

// Client talks to the fal queue API. It is safe for concurrent use.
type Client struct {
	key          string
	queueURL     string
	pollInterval time.Duration
	httpClient   *http.Client
}

type queueHandle struct {
	RequestID   string `json:"request_id"`
	StatusURL   string `json:"status_url"`
	ResponseURL string `json:"response_url"`
}

type queueStatus struct {
	Status        string `json:"status"`
	QueuePosition *int   `json:"queue_position,omitempty"`
}

func NewClient(cfg Config) *Client {
	c := &Client{
		key:          cfg.Key,
		queueURL:     strings.TrimRight(cfg.QueueURL, "/"),
		pollInterval: cfg.PollInterval,
		httpClient:   cfg.HTTPClient,
	}

	if c.queueURL == "" {
		c.queueURL = DefaultQueueURL
	}
	if c.pollInterval <= 0 {
		c.pollInterval = DefaultPollInterval
	}
	if c.httpClient == nil {
		c.httpClient = &http.Client{
			Timeout:   DefaultHTTPTimeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}
	}

	return c
}

// Configured reports whether the client holds an API key.
func (c *Client) Configured() bool {
	return c.key != ""
}

// Subscribe runs modelID with args and blocks until the queue has a final
// result or ctx is done.
func (c *Client) Subscribe(ctx context.Context, modelID string, args map[string]any) (*Result, error) {
	if !c.Configured() {
		return nil, ErrMissingKey
	}

	handle, err := c.submit(ctx, modelID, args)
	if err != nil {
		return nil, err
	}

	if err := c.waitCompleted(ctx, handle); err != nil {
		return nil, err
	}

	return c.fetchResult(ctx, handle)
}

func (c *Client) submit(ctx context.Context, modelID string, args map[string]any) (*queueHandle, error) {
	modelID = strings.Trim(modelID, "/")
	if modelID == "" {
		return nil, errors.New("fal: model id is required")
	}

	var handle queueHandle
	if err := c.doJSON(ctx, http.MethodPost, c.queueURL+"/"+modelID, args, &handle); err != nil {
		return nil, err
	}

	if handle.StatusURL == "" || handle.ResponseURL == "" {
		return nil, fmt.Errorf("fal: %s: submit response is missing queue URLs (request_id %q)", modelID, handle.RequestID)
	}

	return &handle, nil
}

func (c *Client) waitCompleted(ctx context.Context, handle *queueHandle) error {
	statusURL, err := withoutLogs(handle.StatusURL)
	if err != nil {
		return fmt.Errorf("fal: invalid status url: %w", err)
	}

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}

		var status queueStatus
		if err := c.doJSON(ctx, http.MethodGet, statusURL, nil, &status); err != nil {
			return err
		}

		switch status.Status {
		case StatusCompleted:
			return nil
		case StatusInQueue, StatusInProgress:
			timer.Reset(c.pollInterval)
		default:
			return fmt.Errorf("fal: request %s: unexpected queue status %q", handle.RequestID, status.Status)
		}
	}
}

func (c *Client) fetchResult(ctx context.Context, handle *queueHandle) (*Result, error) {
	var result Result
	if err := c.doJSON(ctx, http.MethodGet, handle.ResponseURL, nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *Client) doJSON(ctx context.Context, method, target string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("fal: encode request: %w", err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Key "+c.key)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	// 202 is how the status endpoint answers while a request is pending.
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		if len(data) > maxErrorBody {
			data = data[:maxErrorBody]
		}
		return &APIError{
			Method:     method,
			URL:        target,
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(data)),
		}
	}

	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("fal: decode response from %s: %w", target, err)
	}

	return nil
}

func withoutLogs(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("logs", "0")
	u.RawQuery = q.Encode()
	return u.String(), nil
}
