// Package api provides an HTTP client for the tracklab backend API.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/tracklab/tracklab/internal/model"
)

// Config holds the settings needed to construct a Client.
type Config struct {
	// BaseURL is the root URL of the backend (e.g. "http://localhost:8315").
	BaseURL string

	// HTTPClient is an optional custom HTTP client. If nil, a default client
	// with a 30-second timeout is used.
	HTTPClient *http.Client

	// Timeout applies to individual API requests. Defaults to 30 seconds.
	Timeout time.Duration
}

// Client is an HTTP client for the tracklab backend.
// All methods are safe for concurrent use.
type Client struct {
	baseURL string
	client  *http.Client
}

// NewClient creates a Client from the given configuration.
// Returns an error if BaseURL is empty.
func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("api: BaseURL is required")
	}

	baseURL := strings.TrimRight(cfg.BaseURL, "/")

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout == 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	return &Client{
		baseURL: baseURL,
		client:  httpClient,
	}, nil
}

// UpsertRun creates a run, or resumes a stored one when the request's
// Resume field is "allow" or "must".
func (c *Client) UpsertRun(ctx context.Context, req model.UpsertRunRequest) (*model.Run, error) {
	var resp model.Run
	if err := c.post(ctx, "/api/v1/runs", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetRun fetches a run by ID.
func (c *Client) GetRun(ctx context.Context, runID string) (*model.Run, error) {
	var resp model.Run
	if err := c.get(ctx, "/api/v1/runs/"+url.PathEscape(runID), &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// PatchRun applies a partial update to a run.
func (c *Client) PatchRun(ctx context.Context, runID string, patch model.RunPatch) (*model.Run, error) {
	var resp model.Run
	if err := c.patch(ctx, "/api/v1/runs/"+url.PathEscape(runID), patch, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ListRuns returns recent runs, optionally filtered by project.
func (c *Client) ListRuns(ctx context.Context, project string, limit int) ([]model.Run, error) {
	params := url.Values{}
	if project != "" {
		params.Set("project", project)
	}
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}
	path := "/api/v1/runs"
	if len(params) > 0 {
		path += "?" + params.Encode()
	}
	var resp []model.Run
	if err := c.get(ctx, path, &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// ListProjects returns all projects with run counts.
func (c *Client) ListProjects(ctx context.Context) ([]model.Project, error) {
	var resp []model.Project
	if err := c.get(ctx, "/api/v1/projects", &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// AppendMetrics sends a batch of metric points for a run.
func (c *Client) AppendMetrics(ctx context.Context, runID string, points []model.MetricPoint) (int, error) {
	body := model.AppendMetricsRequest{Points: points}
	var resp model.AppendMetricsResponse
	if err := c.post(ctx, "/api/v1/runs/"+url.PathEscape(runID)+"/metrics", body, &resp); err != nil {
		return 0, err
	}
	return resp.Accepted, nil
}

// ListMetrics returns stored metric points for a run, optionally filtered
// by key.
func (c *Client) ListMetrics(ctx context.Context, runID, key string) ([]model.Metric, error) {
	path := "/api/v1/runs/" + url.PathEscape(runID) + "/metrics"
	if key != "" {
		path += "?key=" + url.QueryEscape(key)
	}
	var resp []model.Metric
	if err := c.get(ctx, path, &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// UpsertFile records a saved file's metadata against a run.
func (c *Client) UpsertFile(ctx context.Context, runID string, req model.UpsertFileRequest) (*model.File, error) {
	var resp model.File
	if err := c.post(ctx, "/api/v1/runs/"+url.PathEscape(runID)+"/files", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Health checks backend liveness.
func (c *Client) Health(ctx context.Context) (*model.HealthResponse, error) {
	var resp model.HealthResponse
	if err := c.get(ctx, "/health", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Error represents an error from the backend API with the HTTP status code
// and the server's error message.
type Error struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *Error) Error() string {
	return fmt.Sprintf("api: %s (%d): %s", e.Code, e.StatusCode, e.Message)
}

// IsNotFound returns true if the error is a 404.
func IsNotFound(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.StatusCode == http.StatusNotFound
	}
	return false
}

// IsConflict returns true if the error is a 409.
func IsConflict(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.StatusCode == http.StatusConflict
	}
	return false
}

// apiEnvelope is the server's standard response wrapper.
type apiEnvelope struct {
	Data json.RawMessage `json:"data"`
}

// apiErrorEnvelope is the server's standard error response wrapper.
type apiErrorEnvelope struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (c *Client) post(ctx context.Context, path string, body any, dest any) error {
	encoded, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("api: marshal request body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(encoded))
	if err != nil {
		return fmt.Errorf("api: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	return c.doRequest(req, dest)
}

func (c *Client) patch(ctx context.Context, path string, body any, dest any) error {
	encoded, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("api: marshal request body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPatch, c.baseURL+path, bytes.NewReader(encoded))
	if err != nil {
		return fmt.Errorf("api: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	return c.doRequest(req, dest)
}

func (c *Client) get(ctx context.Context, path string, dest any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("api: create request: %w", err)
	}

	return c.doRequest(req, dest)
}

func (c *Client) doRequest(req *http.Request, dest any) error {
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("api: %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	return handleResponse(resp, dest)
}

func handleResponse(resp *http.Response, dest any) error {
	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("api: read response body: %w", err)
	}

	if resp.StatusCode >= 400 {
		return parseErrorResponse(resp.StatusCode, bodyBytes)
	}

	if resp.StatusCode == http.StatusNoContent || dest == nil {
		return nil
	}

	// Unwrap the server's { "data": ... } envelope.
	var envelope apiEnvelope
	if err := json.Unmarshal(bodyBytes, &envelope); err != nil {
		return fmt.Errorf("api: decode response envelope: %w", err)
	}

	if envelope.Data == nil {
		// Fallback: some endpoints may not wrap in "data".
		return json.Unmarshal(bodyBytes, dest)
	}

	return json.Unmarshal(envelope.Data, dest)
}

func parseErrorResponse(statusCode int, body []byte) *Error {
	apiErr := &Error{StatusCode: statusCode}

	var envelope apiErrorEnvelope
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error.Message != "" {
		apiErr.Code = envelope.Error.Code
		apiErr.Message = envelope.Error.Message
	} else {
		apiErr.Code = http.StatusText(statusCode)
		apiErr.Message = string(body)
	}

	return apiErr
}
