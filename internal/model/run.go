// Package model defines the domain types shared by the local backend's
// storage layer, HTTP server, and API client.
//
// Types correspond directly to database tables and wire payloads. They use
// strong typing (time.Time, enums) and avoid interface{} except where a
// value is genuinely schemaless (config/summary documents).
package model

import (
	"time"

	"github.com/google/uuid"
)

// RunState is the lifecycle state of a tracked run.
type RunState string

const (
	StateInitializing RunState = "initializing"
	StateRunning      RunState = "running"
	StateFinished     RunState = "finished"
)

// Run is one experiment execution as persisted by the backend.
type Run struct {
	ID       string   `json:"id"`
	Project  string   `json:"project"`
	Entity   string   `json:"entity,omitempty"`
	Name     string   `json:"name,omitempty"`
	Notes    string   `json:"notes,omitempty"`
	Group    string   `json:"group,omitempty"`
	JobType  string   `json:"job_type,omitempty"`
	Tags     []string `json:"tags,omitempty"`
	State    RunState `json:"state"`
	Resumed  bool     `json:"resumed"`
	ExitCode *int     `json:"exit_code,omitempty"`

	Config  map[string]any `json:"config,omitempty"`
	Summary map[string]any `json:"summary,omitempty"`

	StartTime time.Time `json:"start_time"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// RunPatch is a partial update applied to a run. Nil fields are untouched.
type RunPatch struct {
	Name     *string         `json:"name,omitempty"`
	Notes    *string         `json:"notes,omitempty"`
	Tags     *[]string       `json:"tags,omitempty"`
	State    *RunState       `json:"state,omitempty"`
	ExitCode *int            `json:"exit_code,omitempty"`
	Config   *map[string]any `json:"config,omitempty"`
	Summary  *map[string]any `json:"summary,omitempty"`
}

// Metric is one append-only numeric measurement.
type Metric struct {
	ID         int64     `json:"id"`
	RunID      string    `json:"run_id"`
	Key        string    `json:"key"`
	Value      float64   `json:"value"`
	Step       int64     `json:"step"`
	RecordedAt time.Time `json:"recorded_at"`
}

// File is the metadata record of a file saved by a run.
type File struct {
	ID        uuid.UUID `json:"id"`
	RunID     string    `json:"run_id"`
	Path      string    `json:"path"`
	Policy    string    `json:"policy"`
	Size      int64     `json:"size"`
	SHA256    string    `json:"sha256,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Project is a named grouping of runs, derived from the runs table.
type Project struct {
	Name     string `json:"name"`
	RunCount int    `json:"run_count"`
}
