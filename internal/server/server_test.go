package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/tracklab/tracklab/internal/model"
	"github.com/tracklab/tracklab/internal/storage"
)

func newTestServer(t *testing.T) (*httptest.Server, *storage.Store, *MetricBuffer) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store, err := storage.Open(context.Background(), "file:"+t.Name()+"?mode=memory&cache=shared", logger)
	if err != nil {
		t.Fatalf("storage.Open error: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	buf := NewMetricBuffer(store, logger, 10, 10*time.Millisecond)
	buf.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		buf.Drain(ctx)
	})

	srv := New(ServerConfig{
		Store:   store,
		Buffer:  buf,
		Logger:  logger,
		Version: "test",
	})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts, store, buf
}

func doJSON(t *testing.T, method, url string, body any) (*http.Response, []byte) {
	t.Helper()
	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal request: %v", err)
		}
		rd = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, url, rd)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp, raw
}

func decodeData[T any](t *testing.T, raw []byte) T {
	t.Helper()
	var env struct {
		Data T `json:"data"`
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		t.Fatalf("decode envelope: %v (body %s)", err, raw)
	}
	return env.Data
}

func createRun(t *testing.T, ts *httptest.Server, id string) model.Run {
	t.Helper()
	resp, raw := doJSON(t, http.MethodPost, ts.URL+"/api/v1/runs", model.UpsertRunRequest{
		ID:      id,
		Project: "proj",
		Config:  map[string]any{"lr": 0.1},
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create run: status %d body %s", resp.StatusCode, raw)
	}
	return decodeData[model.Run](t, raw)
}

func TestUpsertRunCreates(t *testing.T) {
	ts, _, _ := newTestServer(t)
	run := createRun(t, ts, "r1")
	if run.State != model.StateRunning {
		t.Fatalf("state = %q, want running", run.State)
	}
	if run.Resumed {
		t.Fatal("fresh run should not be resumed")
	}
}

func TestUpsertRunDuplicateConflicts(t *testing.T) {
	ts, _, _ := newTestServer(t)
	createRun(t, ts, "r1")

	resp, raw := doJSON(t, http.MethodPost, ts.URL+"/api/v1/runs", model.UpsertRunRequest{
		ID: "r1", Project: "proj",
	})
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("status = %d, want 409 (body %s)", resp.StatusCode, raw)
	}
	var env model.APIError
	if err := json.Unmarshal(raw, &env); err != nil {
		t.Fatalf("decode error envelope: %v", err)
	}
	if env.Error.Code != model.ErrCodeConflict {
		t.Fatalf("error code = %q, want conflict", env.Error.Code)
	}
}

func TestUpsertRunResumeMergesConfig(t *testing.T) {
	ts, _, _ := newTestServer(t)
	createRun(t, ts, "r1")

	resp, raw := doJSON(t, http.MethodPost, ts.URL+"/api/v1/runs", model.UpsertRunRequest{
		ID:      "r1",
		Project: "proj",
		Resume:  "allow",
		Config:  map[string]any{"batch": float64(32)},
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200 (body %s)", resp.StatusCode, raw)
	}
	run := decodeData[model.Run](t, raw)
	if !run.Resumed {
		t.Fatal("resumed flag not set")
	}
	if run.Config["lr"] != 0.1 {
		t.Fatalf("stored config key lost: %v", run.Config)
	}
	if run.Config["batch"] != float64(32) {
		t.Fatalf("incoming config key not merged: %v", run.Config)
	}
}

func TestUpsertRunResumeMustMissing(t *testing.T) {
	ts, _, _ := newTestServer(t)
	resp, raw := doJSON(t, http.MethodPost, ts.URL+"/api/v1/runs", model.UpsertRunRequest{
		ID: "ghost", Project: "proj", Resume: "must",
	})
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404 (body %s)", resp.StatusCode, raw)
	}
}

func TestUpsertRunValidation(t *testing.T) {
	ts, _, _ := newTestServer(t)
	for name, req := range map[string]model.UpsertRunRequest{
		"missing id":      {Project: "proj"},
		"missing project": {ID: "r1"},
	} {
		resp, _ := doJSON(t, http.MethodPost, ts.URL+"/api/v1/runs", req)
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want 400", name, resp.StatusCode)
		}
	}
}

func TestAppendMetricsAndList(t *testing.T) {
	ts, _, buf := newTestServer(t)
	createRun(t, ts, "r1")

	resp, raw := doJSON(t, http.MethodPost, ts.URL+"/api/v1/runs/r1/metrics", model.AppendMetricsRequest{
		Points: []model.MetricPoint{
			{Key: "loss", Value: 0.5, Step: 0},
			{Key: "loss", Value: 0.4, Step: 1},
		},
	})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want 202 (body %s)", resp.StatusCode, raw)
	}
	if got := decodeData[model.AppendMetricsResponse](t, raw); got.Accepted != 2 {
		t.Fatalf("accepted = %d, want 2", got.Accepted)
	}

	buf.FlushNow(context.Background())

	resp, raw = doJSON(t, http.MethodGet, ts.URL+"/api/v1/runs/r1/metrics?key=loss", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list status = %d (body %s)", resp.StatusCode, raw)
	}
	points := decodeData[[]model.Metric](t, raw)
	if len(points) != 2 || points[1].Value != 0.4 {
		t.Fatalf("unexpected points: %+v", points)
	}
}

func TestAppendMetricsToFinishedRun(t *testing.T) {
	ts, _, _ := newTestServer(t)
	createRun(t, ts, "r1")

	state := model.StateFinished
	resp, raw := doJSON(t, http.MethodPatch, ts.URL+"/api/v1/runs/r1", model.RunPatch{State: &state})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("patch status = %d (body %s)", resp.StatusCode, raw)
	}

	resp, raw = doJSON(t, http.MethodPost, ts.URL+"/api/v1/runs/r1/metrics", model.AppendMetricsRequest{
		Points: []model.MetricPoint{{Key: "loss", Value: 1}},
	})
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("status = %d, want 409 (body %s)", resp.StatusCode, raw)
	}
}

func TestAppendMetricsValidation(t *testing.T) {
	ts, _, _ := newTestServer(t)
	createRun(t, ts, "r1")

	resp, _ := doJSON(t, http.MethodPost, ts.URL+"/api/v1/runs/r1/metrics", model.AppendMetricsRequest{})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("empty points: status = %d, want 400", resp.StatusCode)
	}

	resp, _ = doJSON(t, http.MethodPost, ts.URL+"/api/v1/runs/r1/metrics", model.AppendMetricsRequest{
		Points: []model.MetricPoint{{Value: 1}},
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("missing key: status = %d, want 400", resp.StatusCode)
	}
}

func TestPatchRunFinishFlushesBuffer(t *testing.T) {
	ts, store, _ := newTestServer(t)
	createRun(t, ts, "r1")

	doJSON(t, http.MethodPost, ts.URL+"/api/v1/runs/r1/metrics", model.AppendMetricsRequest{
		Points: []model.MetricPoint{{Key: "loss", Value: 0.5, Step: 0}},
	})

	state := model.StateFinished
	code := 0
	resp, raw := doJSON(t, http.MethodPatch, ts.URL+"/api/v1/runs/r1", model.RunPatch{
		State: &state, ExitCode: &code,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("patch status = %d (body %s)", resp.StatusCode, raw)
	}

	// The finish path flushes synchronously, so the point is durable now.
	n, err := store.CountMetrics(context.Background(), "r1")
	if err != nil {
		t.Fatalf("CountMetrics error: %v", err)
	}
	if n != 1 {
		t.Fatalf("stored metrics = %d, want 1", n)
	}
}

func TestPatchRunInvalidState(t *testing.T) {
	ts, _, _ := newTestServer(t)
	createRun(t, ts, "r1")

	state := model.RunState("paused")
	resp, _ := doJSON(t, http.MethodPatch, ts.URL+"/api/v1/runs/r1", model.RunPatch{State: &state})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestListRunsLimitValidation(t *testing.T) {
	ts, _, _ := newTestServer(t)
	for _, limit := range []string{"0", "1001", "abc"} {
		resp, _ := doJSON(t, http.MethodGet, ts.URL+"/api/v1/runs?limit="+limit, nil)
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("limit=%s: status = %d, want 400", limit, resp.StatusCode)
		}
	}
}

func TestFilesRoundTrip(t *testing.T) {
	ts, _, _ := newTestServer(t)
	createRun(t, ts, "r1")

	resp, raw := doJSON(t, http.MethodPost, ts.URL+"/api/v1/runs/r1/files", model.UpsertFileRequest{
		Path: "weights.bin", Policy: "end", Size: 42, SHA256: "deadbeef",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("upsert file status = %d (body %s)", resp.StatusCode, raw)
	}

	resp, raw = doJSON(t, http.MethodGet, ts.URL+"/api/v1/runs/r1/files", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list files status = %d", resp.StatusCode)
	}
	files := decodeData[[]model.File](t, raw)
	if len(files) != 1 || files[0].Path != "weights.bin" || files[0].SHA256 != "deadbeef" {
		t.Fatalf("unexpected files: %+v", files)
	}
}

func TestHealth(t *testing.T) {
	ts, _, _ := newTestServer(t)
	resp, raw := doJSON(t, http.MethodGet, ts.URL+"/health", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	health := decodeData[model.HealthResponse](t, raw)
	if health.Status != "ok" || health.Version != "test" {
		t.Fatalf("unexpected health: %+v", health)
	}
}

func TestRequestIDPropagated(t *testing.T) {
	ts, _, _ := newTestServer(t)
	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/health", nil)
	req.Header.Set("X-Request-ID", "req-42")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)

	var env struct {
		Meta model.ResponseMeta `json:"meta"`
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if env.Meta.RequestID != "req-42" {
		t.Fatalf("request_id = %q, want req-42", env.Meta.RequestID)
	}
}

func TestBufferFlushOnSizeThreshold(t *testing.T) {
	ts, store, _ := newTestServer(t)
	createRun(t, ts, "r1")

	// maxSize is 10; crossing it triggers an async flush.
	points := make([]model.MetricPoint, 12)
	for i := range points {
		points[i] = model.MetricPoint{Key: "loss", Value: float64(i), Step: int64(i)}
	}
	resp, raw := doJSON(t, http.MethodPost, ts.URL+"/api/v1/runs/r1/metrics", model.AppendMetricsRequest{Points: points})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d (body %s)", resp.StatusCode, raw)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		n, err := store.CountMetrics(context.Background(), "r1")
		if err != nil {
			t.Fatalf("CountMetrics error: %v", err)
		}
		if n == 12 {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("flush did not happen, stored=%d", n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestBufferDrainFlushesRemainder(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store, err := storage.Open(context.Background(), fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name()), logger)
	if err != nil {
		t.Fatalf("storage.Open error: %v", err)
	}
	defer store.Close()
	if err := store.CreateRun(context.Background(), model.Run{ID: "r1", Project: "p", State: model.StateRunning, StartTime: time.Now()}); err != nil {
		t.Fatalf("CreateRun error: %v", err)
	}

	buf := NewMetricBuffer(store, logger, 1000, time.Hour)
	buf.Start(context.Background())
	if _, err := buf.Append("r1", []model.MetricPoint{{Key: "loss", Value: 1}}); err != nil {
		t.Fatalf("Append error: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	buf.Drain(ctx)

	n, err := store.CountMetrics(context.Background(), "r1")
	if err != nil {
		t.Fatalf("CountMetrics error: %v", err)
	}
	if n != 1 {
		t.Fatalf("drain did not flush, stored=%d", n)
	}
}
