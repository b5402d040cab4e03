package server

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/tracklab/tracklab/internal/model"
	"github.com/tracklab/tracklab/internal/storage"
)

// Handlers holds HTTP handler dependencies.
type Handlers struct {
	store     *storage.Store
	buffer    *MetricBuffer
	logger    *slog.Logger
	startedAt time.Time
	version   string
}

// HandlersDeps holds all dependencies for constructing Handlers.
type HandlersDeps struct {
	Store   *storage.Store
	Buffer  *MetricBuffer
	Logger  *slog.Logger
	Version string
}

// NewHandlers creates a new Handlers with all dependencies.
func NewHandlers(d HandlersDeps) *Handlers {
	return &Handlers{
		store:     d.Store,
		buffer:    d.Buffer,
		logger:    d.Logger,
		startedAt: time.Now(),
		version:   d.Version,
	}
}

// HandleUpsertRun handles POST /api/v1/runs.
// Creating an ID that already exists is a conflict unless the request asks
// to resume, in which case the stored run is reopened and its config merged
// with the incoming one.
func (h *Handlers) HandleUpsertRun(w http.ResponseWriter, r *http.Request) {
	var req model.UpsertRunRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid JSON body: "+err.Error())
		return
	}
	if req.ID == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "id is required")
		return
	}
	if req.Project == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "project is required")
		return
	}

	existing, err := h.store.GetRun(r.Context(), req.ID)
	switch {
	case err == nil:
		if req.Resume != "allow" && req.Resume != "must" {
			writeError(w, r, http.StatusConflict, model.ErrCodeConflict, "run already exists: "+req.ID)
			return
		}
		run, uerr := h.resumeRun(r, existing, req)
		if uerr != nil {
			h.writeInternalError(w, r, "failed to resume run", uerr)
			return
		}
		writeJSON(w, r, http.StatusOK, run)
		return
	case errors.Is(err, storage.ErrNotFound):
		if req.Resume == "must" {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "cannot resume, run not found: "+req.ID)
			return
		}
	default:
		h.writeInternalError(w, r, "failed to look up run", err)
		return
	}

	now := time.Now().UTC()
	run := model.Run{
		ID:        req.ID,
		Project:   req.Project,
		Entity:    req.Entity,
		Name:      req.Name,
		Notes:     req.Notes,
		Group:     req.Group,
		JobType:   req.JobType,
		Tags:      req.Tags,
		State:     model.StateRunning,
		Config:    req.Config,
		StartTime: now,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := h.store.CreateRun(r.Context(), run); err != nil {
		h.writeInternalError(w, r, "failed to create run", err)
		return
	}

	h.logger.Info("run created", "run_id", run.ID, "project", run.Project)
	writeJSON(w, r, http.StatusCreated, run)
}

// resumeRun reopens a stored run: state back to running, resumed flag set,
// incoming config keys layered over the stored document.
func (h *Handlers) resumeRun(r *http.Request, existing model.Run, req model.UpsertRunRequest) (model.Run, error) {
	config := existing.Config
	if len(req.Config) > 0 {
		if config == nil {
			config = make(map[string]any, len(req.Config))
		}
		for k, v := range req.Config {
			config[k] = v
		}
	}
	state := model.StateRunning
	patch := model.RunPatch{
		State:  &state,
		Config: &config,
	}
	run, err := h.store.UpdateRun(r.Context(), existing.ID, patch)
	if err != nil {
		return model.Run{}, err
	}
	run.Resumed = true
	if err := h.store.SetResumed(r.Context(), run.ID); err != nil {
		return model.Run{}, err
	}
	h.logger.Info("run resumed", "run_id", run.ID, "project", run.Project)
	return run, nil
}

// HandleGetRun handles GET /api/v1/runs/{run_id}.
func (h *Handlers) HandleGetRun(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("run_id")
	run, err := h.store.GetRun(r.Context(), id)
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "run not found: "+id)
		return
	}
	if err != nil {
		h.writeInternalError(w, r, "failed to get run", err)
		return
	}
	writeJSON(w, r, http.StatusOK, run)
}

// HandlePatchRun handles PATCH /api/v1/runs/{run_id}.
// Finishing a run flushes the metric buffer first so the stored summary is
// consistent with every point already accepted.
func (h *Handlers) HandlePatchRun(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("run_id")

	var patch model.RunPatch
	if err := decodeJSON(r, &patch); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid JSON body: "+err.Error())
		return
	}

	if patch.State != nil {
		switch *patch.State {
		case model.StateRunning, model.StateFinished:
		default:
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput,
				"invalid state: "+string(*patch.State))
			return
		}
		if *patch.State == model.StateFinished {
			h.buffer.FlushNow(r.Context())
		}
	}

	run, err := h.store.UpdateRun(r.Context(), id, patch)
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "run not found: "+id)
		return
	}
	if err != nil {
		h.writeInternalError(w, r, "failed to update run", err)
		return
	}

	if patch.State != nil && *patch.State == model.StateFinished {
		h.logger.Info("run finished", "run_id", run.ID, "exit_code", run.ExitCode)
	}
	writeJSON(w, r, http.StatusOK, run)
}

// HandleListRuns handles GET /api/v1/runs?project=...&limit=....
func (h *Handlers) HandleListRuns(w http.ResponseWriter, r *http.Request) {
	project := r.URL.Query().Get("project")
	limit := 50
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 || n > 1000 {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "limit must be an integer in [1,1000]")
			return
		}
		limit = n
	}

	runs, err := h.store.ListRuns(r.Context(), project, limit)
	if err != nil {
		h.writeInternalError(w, r, "failed to list runs", err)
		return
	}
	writeJSON(w, r, http.StatusOK, runs)
}

// HandleListProjects handles GET /api/v1/projects.
func (h *Handlers) HandleListProjects(w http.ResponseWriter, r *http.Request) {
	projects, err := h.store.ListProjects(r.Context())
	if err != nil {
		h.writeInternalError(w, r, "failed to list projects", err)
		return
	}
	writeJSON(w, r, http.StatusOK, projects)
}

// HandleAppendMetrics handles POST /api/v1/runs/{run_id}/metrics.
// Points go into the write buffer; acceptance is acknowledged before the
// batch is durable.
func (h *Handlers) HandleAppendMetrics(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("run_id")

	var req model.AppendMetricsRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid JSON body: "+err.Error())
		return
	}
	if len(req.Points) == 0 {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "points must not be empty")
		return
	}
	for i, p := range req.Points {
		if p.Key == "" {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput,
				"points["+strconv.Itoa(i)+"]: key is required")
			return
		}
	}

	run, err := h.store.GetRun(r.Context(), id)
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "run not found: "+id)
		return
	}
	if err != nil {
		h.writeInternalError(w, r, "failed to get run", err)
		return
	}
	if run.State == model.StateFinished {
		writeError(w, r, http.StatusConflict, model.ErrCodeConflict, "run is finished: "+id)
		return
	}

	accepted, err := h.buffer.Append(id, req.Points)
	if err != nil {
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeInternalError, err.Error())
		return
	}
	writeJSON(w, r, http.StatusAccepted, model.AppendMetricsResponse{Accepted: accepted})
}

// HandleListMetrics handles GET /api/v1/runs/{run_id}/metrics?key=....
func (h *Handlers) HandleListMetrics(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("run_id")
	key := r.URL.Query().Get("key")

	metrics, err := h.store.ListMetrics(r.Context(), id, key)
	if err != nil {
		h.writeInternalError(w, r, "failed to list metrics", err)
		return
	}
	writeJSON(w, r, http.StatusOK, metrics)
}

// HandleUpsertFile handles POST /api/v1/runs/{run_id}/files.
func (h *Handlers) HandleUpsertFile(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("run_id")

	var req model.UpsertFileRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid JSON body: "+err.Error())
		return
	}
	if req.Path == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "path is required")
		return
	}

	if _, err := h.store.GetRun(r.Context(), id); errors.Is(err, storage.ErrNotFound) {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "run not found: "+id)
		return
	} else if err != nil {
		h.writeInternalError(w, r, "failed to get run", err)
		return
	}

	f, err := h.store.UpsertFile(r.Context(), model.File{
		RunID:  id,
		Path:   req.Path,
		Policy: req.Policy,
		Size:   req.Size,
		SHA256: req.SHA256,
	})
	if err != nil {
		h.writeInternalError(w, r, "failed to record file", err)
		return
	}
	writeJSON(w, r, http.StatusOK, f)
}

// HandleListFiles handles GET /api/v1/runs/{run_id}/files.
func (h *Handlers) HandleListFiles(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("run_id")
	files, err := h.store.ListFiles(r.Context(), id)
	if err != nil {
		h.writeInternalError(w, r, "failed to list files", err)
		return
	}
	writeJSON(w, r, http.StatusOK, files)
}

// HandleHealth handles GET /health.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, model.HealthResponse{
		Status:        "ok",
		Version:       h.version,
		UptimeSeconds: int64(time.Since(h.startedAt).Seconds()),
		BufferDepth:   h.buffer.Len(),
	})
}

// writeInternalError logs the underlying error and writes a generic 500.
// Internal details never reach the client.
func (h *Handlers) writeInternalError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	h.logger.Error(msg, "error", err, "request_id", RequestIDFromContext(r.Context()))
	writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, msg)
}
