// Package service implements the background record-processing process and
// its client. The SDK hands every record (history rows, config and summary
// updates, files, alerts, lifecycle changes) to this process over a local
// socket so user code never blocks on persistence or network I/O.
//
// The wire format is one JSON envelope per line. Requests carry a mailbox
// slot; the server echoes the slot on the matching response. Envelopes with
// an empty slot are fire-and-forget.
package service

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/tracklab/tracklab/internal/model"
)

// Record kinds understood by the service process.
const (
	KindRunStart      = "run-start"
	KindAttach        = "attach"
	KindHistory       = "history"
	KindRunUpdate     = "run-update"
	KindConfig        = "config"
	KindSummary       = "summary"
	KindFile          = "file"
	KindAlert         = "alert"
	KindFinish        = "finish"
	KindStopStatus    = "stop-status"
	KindNetworkStatus = "network-status"
	KindMessages      = "messages"
	KindTeardown      = "teardown"
)

// Envelope is one framed message in either direction.
type Envelope struct {
	Slot    string          `json:"slot,omitempty"`
	Kind    string          `json:"kind"`
	RunID   string          `json:"run_id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   string          `json:"error,omitempty"`
}

func newEnvelope(slot, kind, runID string, payload any) (Envelope, error) {
	env := Envelope{Slot: slot, Kind: kind, RunID: runID}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return Envelope{}, fmt.Errorf("service: marshal %s payload: %w", kind, err)
		}
		env.Payload = raw
	}
	return env, nil
}

// RunStartRequest opens a run session in the service process.
type RunStartRequest struct {
	Run     model.UpsertRunRequest `json:"run"`
	Mode    string                 `json:"mode"` // "online" or "offline"
	RunDir  string                 `json:"run_dir"`
	BaseURL string                 `json:"base_url,omitempty"`
	Pid     int                    `json:"pid"`
}

// RunStartResponse reports the session as the backend sees it. Step is the
// next history step to log; for resumed runs it continues the stored history,
// for fresh runs it is zero.
type RunStartResponse struct {
	Run  model.Run `json:"run"`
	Step int64     `json:"step"`
}

// AttachRequest re-binds an existing session from another process.
type AttachRequest struct {
	Pid int `json:"pid"`
}

// AttachResponse returns the live state of the attached session. Step is the
// next history step to log, so the attaching process continues after the
// creator's last committed step instead of rewriting it.
type AttachResponse struct {
	Run     model.Run      `json:"run"`
	Config  map[string]any `json:"config,omitempty"`
	Summary map[string]any `json:"summary,omitempty"`
	Step    int64          `json:"step"`
}

// HistoryRecord is one committed history row.
type HistoryRecord struct {
	Step      int64          `json:"step"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data"`
}

// RunUpdateRecord changes run metadata after start. Nil fields are left as
// they are.
type RunUpdateRecord struct {
	Name  *string   `json:"name,omitempty"`
	Notes *string   `json:"notes,omitempty"`
	Tags  *[]string `json:"tags,omitempty"`
}

// ConfigRecord replaces the run's config document.
type ConfigRecord struct {
	Data map[string]any `json:"data"`
}

// SummaryRecord overlays keys onto the run's summary document.
type SummaryRecord struct {
	Data map[string]any `json:"data"`
}

// FileRecord registers a saved file.
type FileRecord struct {
	Path   string `json:"path"`
	Policy string `json:"policy"`
	Size   int64  `json:"size"`
	SHA256 string `json:"sha256,omitempty"`
}

// AlertRecord raises a user alert.
type AlertRecord struct {
	Title string    `json:"title"`
	Text  string    `json:"text"`
	Level string    `json:"level"`
	At    time.Time `json:"at"`
}

// FinishRequest closes a run session.
type FinishRequest struct {
	ExitCode int            `json:"exit_code"`
	Summary  map[string]any `json:"summary,omitempty"`
}

// FinishResponse carries the final persisted run.
type FinishResponse struct {
	Run model.Run `json:"run"`
}

// StopStatusResponse tells the SDK whether a stop was requested for the run.
type StopStatusResponse struct {
	ShouldStop bool `json:"should_stop"`
}

// NetworkStatusResponse reports backend reachability.
type NetworkStatusResponse struct {
	Online bool `json:"online"`
}

// MessagesResponse drains server-side messages addressed to the user.
type MessagesResponse struct {
	Messages []string `json:"messages,omitempty"`
}
