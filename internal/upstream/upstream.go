// Package upstream is a client for an external provisioning API that
// the service can delegate jobs to instead of driving a compute
// backend itself.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

// Job statuses the upstream API reports.
const (
	JobRunning   = "running"
	JobCompleted = "completed"
	JobFailed    = "failed"
)

// APIError is a non-2xx response from the upstream API.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("upstream returned %d: %s", e.StatusCode, e.Body)
}

// StartRequest asks the upstream API to provision an instance.
type StartRequest struct {
	Location string `json:"location,omitempty"`
}

// StartResponse acknowledges a start request.
type StartResponse struct {
	OperationID string `json:"operationId"`
	Status      string `json:"status"`
}

// StatusResponse reports the state of an upstream job. ClientConfig
// and PublicAddress are set only once the job has completed.
type StatusResponse struct {
	OperationID   string `json:"operationId"`
	Status        string `json:"status"`
	Message       string `json:"message,omitempty"`
	PublicAddress string `json:"publicAddress,omitempty"`
	ClientConfig  string `json:"clientConfig,omitempty"`
}

// Client talks to the upstream provisioning API. Transport-level
// failures are retried by the underlying retryable client; HTTP error
// statuses surface as *APIError.
type Client struct {
	baseURL string
	apiKey  string
	http    *retryablehttp.Client
	logger  *slog.Logger
}

// New creates a Client for the given base URL. The API key is sent as
// a bearer token on every request.
func New(baseURL, apiKey string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}

	rc := retryablehttp.NewClient()
	rc.RetryMax = 3
	rc.RetryWaitMin = 500 * time.Millisecond
	rc.RetryWaitMax = 5 * time.Second
	rc.HTTPClient.Timeout = 30 * time.Second
	rc.Logger = nil // we log at the call sites instead

	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		http:    rc,
		logger:  logger,
	}
}

// Start submits a provisioning job.
func (c *Client) Start(ctx context.Context, req StartRequest) (*StartResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode start request: %w", err)
	}

	var resp StartResponse
	if err := c.do(ctx, http.MethodPost, "/api/start_job", body, &resp); err != nil {
		return nil, err
	}

	c.logger.Debug("upstream job started",
		slog.String("operationID", resp.OperationID),
		slog.String("status", resp.Status),
	)
	return &resp, nil
}

// Status fetches the state of a previously started job.
func (c *Client) Status(ctx context.Context, operationID string) (*StatusResponse, error) {
	var resp StatusResponse
	path := "/api/job_status?id=" + operationID
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) do(ctx context.Context, method, path string, body []byte, out any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build upstream request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read upstream response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &APIError{StatusCode: resp.StatusCode, Body: string(data)}
	}

	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode upstream response: %w", err)
	}
	return nil
}
