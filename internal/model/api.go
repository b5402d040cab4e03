package model

import "time"

// APIResponse is the standard response envelope for all HTTP API responses.
type APIResponse struct {
	Data any          `json:"data,omitempty"`
	Meta ResponseMeta `json:"meta"`
}

// APIError is the standard error response envelope.
type APIError struct {
	Error ErrorDetail  `json:"error"`
	Meta  ResponseMeta `json:"meta"`
}

// ResponseMeta contains request metadata included in every response.
type ResponseMeta struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorDetail describes an API error.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ErrorCode constants for standard API error codes.
const (
	ErrCodeInvalidInput  = "INVALID_INPUT"
	ErrCodeNotFound      = "NOT_FOUND"
	ErrCodeConflict      = "CONFLICT"
	ErrCodeInternalError = "INTERNAL_ERROR"
)

// UpsertRunRequest is the request body for POST /api/v1/runs.
// Resume selects behavior when a run with the same ID already exists:
// "never" (default) conflicts, "allow" or "must" reopens the stored run.
type UpsertRunRequest struct {
	ID      string         `json:"id"`
	Project string         `json:"project"`
	Entity  string         `json:"entity,omitempty"`
	Name    string         `json:"name,omitempty"`
	Notes   string         `json:"notes,omitempty"`
	Group   string         `json:"group,omitempty"`
	JobType string         `json:"job_type,omitempty"`
	Tags    []string       `json:"tags,omitempty"`
	Config  map[string]any `json:"config,omitempty"`
	Resume  string         `json:"resume,omitempty"`
}

// MetricPoint is one metric sample inside an ingest batch.
type MetricPoint struct {
	Key   string  `json:"key"`
	Value float64 `json:"value"`
	Step  int64   `json:"step"`
}

// AppendMetricsRequest is the request body for POST /api/v1/runs/{id}/metrics.
type AppendMetricsRequest struct {
	Points []MetricPoint `json:"points"`
}

// AppendMetricsResponse reports how many points were accepted into the
// write buffer. Acceptance is not durability; the buffer flushes in batches.
type AppendMetricsResponse struct {
	Accepted int `json:"accepted"`
}

// UpsertFileRequest is the request body for POST /api/v1/runs/{id}/files.
type UpsertFileRequest struct {
	Path   string `json:"path"`
	Policy string `json:"policy"`
	Size   int64  `json:"size"`
	SHA256 string `json:"sha256,omitempty"`
}

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status        string `json:"status"`
	Version       string `json:"version"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	BufferDepth   int    `json:"buffer_depth"`
}
