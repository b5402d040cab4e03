package storage

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/tracklab/tracklab/internal/model"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(testWriter{t}, &slog.HandlerOptions{Level: slog.LevelWarn}))
	s, err := Open(context.Background(), "file:"+t.Name()+"?mode=memory&cache=shared", logger)
	if err != nil {
		t.Fatalf("Open error: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

type testWriter struct{ t *testing.T }

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Log(string(p))
	return len(p), nil
}

func testRun(id string) model.Run {
	return model.Run{
		ID:        id,
		Project:   "proj",
		Name:      "run-" + id,
		Tags:      []string{"a", "b"},
		State:     model.StateRunning,
		Config:    map[string]any{"lr": 0.01},
		StartTime: time.Now().UTC(),
	}
}

func TestCreateAndGetRun(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.CreateRun(ctx, testRun("r1")); err != nil {
		t.Fatalf("CreateRun error: %v", err)
	}

	got, err := s.GetRun(ctx, "r1")
	if err != nil {
		t.Fatalf("GetRun error: %v", err)
	}
	if got.Project != "proj" || got.Name != "run-r1" {
		t.Fatalf("unexpected run: %+v", got)
	}
	if len(got.Tags) != 2 || got.Tags[0] != "a" {
		t.Fatalf("tags not round-tripped: %v", got.Tags)
	}
	if got.Config["lr"] != 0.01 {
		t.Fatalf("config not round-tripped: %v", got.Config)
	}
	if got.Resumed {
		t.Fatal("new run should not be marked resumed")
	}
}

func TestGetRunNotFound(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.GetRun(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestUpdateRunPatch(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	if err := s.CreateRun(ctx, testRun("r1")); err != nil {
		t.Fatalf("CreateRun error: %v", err)
	}

	state := model.StateFinished
	code := 3
	notes := "done"
	got, err := s.UpdateRun(ctx, "r1", model.RunPatch{
		State:    &state,
		ExitCode: &code,
		Notes:    &notes,
	})
	if err != nil {
		t.Fatalf("UpdateRun error: %v", err)
	}
	if got.State != model.StateFinished {
		t.Fatalf("state = %q, want finished", got.State)
	}
	if got.ExitCode == nil || *got.ExitCode != 3 {
		t.Fatalf("exit code = %v, want 3", got.ExitCode)
	}
	if got.Notes != "done" {
		t.Fatalf("notes = %q", got.Notes)
	}
	// Untouched fields survive the patch.
	if got.Name != "run-r1" {
		t.Fatalf("name lost in patch: %q", got.Name)
	}
}

func TestSetResumed(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	if err := s.CreateRun(ctx, testRun("r1")); err != nil {
		t.Fatalf("CreateRun error: %v", err)
	}

	if err := s.SetResumed(ctx, "r1"); err != nil {
		t.Fatalf("SetResumed error: %v", err)
	}
	got, err := s.GetRun(ctx, "r1")
	if err != nil {
		t.Fatalf("GetRun error: %v", err)
	}
	if !got.Resumed {
		t.Fatal("resumed flag not set")
	}

	if err := s.SetResumed(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for missing run, got %v", err)
	}
}

func TestListRunsFilterAndLimit(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	r := testRun("r1")
	if err := s.CreateRun(ctx, r); err != nil {
		t.Fatal(err)
	}
	other := testRun("r2")
	other.Project = "other"
	if err := s.CreateRun(ctx, other); err != nil {
		t.Fatal(err)
	}

	runs, err := s.ListRuns(ctx, "proj", 10)
	if err != nil {
		t.Fatalf("ListRuns error: %v", err)
	}
	if len(runs) != 1 || runs[0].ID != "r1" {
		t.Fatalf("unexpected filtered runs: %+v", runs)
	}

	all, err := s.ListRuns(ctx, "", 1)
	if err != nil {
		t.Fatalf("ListRuns error: %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("limit not applied: got %d runs", len(all))
	}
}

func TestListProjects(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	for _, id := range []string{"r1", "r2"} {
		if err := s.CreateRun(ctx, testRun(id)); err != nil {
			t.Fatal(err)
		}
	}
	other := testRun("r3")
	other.Project = "zeta"
	if err := s.CreateRun(ctx, other); err != nil {
		t.Fatal(err)
	}

	projects, err := s.ListProjects(ctx)
	if err != nil {
		t.Fatalf("ListProjects error: %v", err)
	}
	if len(projects) != 2 {
		t.Fatalf("got %d projects, want 2", len(projects))
	}
	if projects[0].Name != "proj" || projects[0].RunCount != 2 {
		t.Fatalf("unexpected first project: %+v", projects[0])
	}
}

func TestInsertAndListMetrics(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	if err := s.CreateRun(ctx, testRun("r1")); err != nil {
		t.Fatal(err)
	}

	now := time.Now().UTC()
	points := []model.Metric{
		{RunID: "r1", Key: "loss", Value: 0.5, Step: 0, RecordedAt: now},
		{RunID: "r1", Key: "loss", Value: 0.4, Step: 1, RecordedAt: now},
		{RunID: "r1", Key: "acc", Value: 0.9, Step: 1, RecordedAt: now},
	}
	n, err := s.InsertMetrics(ctx, points)
	if err != nil {
		t.Fatalf("InsertMetrics error: %v", err)
	}
	if n != 3 {
		t.Fatalf("inserted %d, want 3", n)
	}

	loss, err := s.ListMetrics(ctx, "r1", "loss")
	if err != nil {
		t.Fatalf("ListMetrics error: %v", err)
	}
	if len(loss) != 2 || loss[0].Step != 0 || loss[1].Value != 0.4 {
		t.Fatalf("unexpected loss series: %+v", loss)
	}

	total, err := s.CountMetrics(ctx, "r1")
	if err != nil {
		t.Fatalf("CountMetrics error: %v", err)
	}
	if total != 3 {
		t.Fatalf("count = %d, want 3", total)
	}
}

func TestUpsertFileReplacesByPath(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	if err := s.CreateRun(ctx, testRun("r1")); err != nil {
		t.Fatal(err)
	}

	if _, err := s.UpsertFile(ctx, model.File{RunID: "r1", Path: "model.pt", Policy: "end", Size: 10}); err != nil {
		t.Fatalf("UpsertFile error: %v", err)
	}
	if _, err := s.UpsertFile(ctx, model.File{RunID: "r1", Path: "model.pt", Policy: "now", Size: 20, SHA256: "abc"}); err != nil {
		t.Fatalf("UpsertFile (replace) error: %v", err)
	}

	files, err := s.ListFiles(ctx, "r1")
	if err != nil {
		t.Fatalf("ListFiles error: %v", err)
	}
	if len(files) != 1 {
		t.Fatalf("got %d file records, want 1", len(files))
	}
	if files[0].Size != 20 || files[0].Policy != "now" || files[0].SHA256 != "abc" {
		t.Fatalf("replace did not take: %+v", files[0])
	}
}
