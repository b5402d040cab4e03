package tracklab

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDefaultSettings(t *testing.T) {
	s := DefaultSettings()
	if s.Mode != ModeOffline {
		t.Fatalf("mode = %q, want offline", s.Mode)
	}
	if s.Resume != ResumeNever {
		t.Fatalf("resume = %q, want never", s.Resume)
	}
	if s.BaseURL != "http://localhost:8315" {
		t.Fatalf("base url = %q", s.BaseURL)
	}
	if s.Frozen() {
		t.Fatal("fresh settings must not be frozen")
	}
}

func TestSettingsEnvOverrides(t *testing.T) {
	t.Setenv("TRACKLAB_MODE", "online")
	t.Setenv("TRACKLAB_PROJECT", "env-proj")
	t.Setenv("TRACKLAB_BASE_URL", "http://example.test:9000")
	t.Setenv("TRACKLAB_TAGS", "a, b ,,c")
	t.Setenv("TRACKLAB_DEBUG", "1")

	s := DefaultSettings()
	if s.Mode != ModeOnline {
		t.Fatalf("mode = %q", s.Mode)
	}
	if s.Project != "env-proj" {
		t.Fatalf("project = %q", s.Project)
	}
	if s.BaseURL != "http://example.test:9000" {
		t.Fatalf("base url = %q", s.BaseURL)
	}
	if len(s.Tags) != 3 || s.Tags[0] != "a" || s.Tags[1] != "b" || s.Tags[2] != "c" {
		t.Fatalf("tags = %v", s.Tags)
	}
	if !s.Debug {
		t.Fatal("debug not picked up")
	}
}

func TestSettingsValidate(t *testing.T) {
	s := DefaultSettings()
	if err := s.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if s.RunID == "" || len(s.RunID) != 8 {
		t.Fatalf("run ID = %q, want 8 hex chars", s.RunID)
	}
	if s.Project != "uncategorized" {
		t.Fatalf("project = %q", s.Project)
	}

	bad := DefaultSettings()
	bad.Mode = Mode("sideways")
	if err := bad.Validate(); err == nil || !IsUsageError(err) {
		t.Fatalf("invalid mode should fail, got %v", err)
	}

	bad = DefaultSettings()
	bad.Resume = Resume("maybe")
	if err := bad.Validate(); err == nil || !IsUsageError(err) {
		t.Fatalf("invalid resume should fail, got %v", err)
	}

	bad = DefaultSettings()
	bad.Resume = ResumeMust
	bad.RunID = ""
	err := bad.Validate()
	if err == nil || !IsUsageError(err) {
		t.Fatalf("resume without run ID should fail, got %v", err)
	}
	if !strings.Contains(err.Error(), "requires a run ID") {
		t.Fatalf("error should explain the requirement: %v", err)
	}
}

func TestSettingsRunDirShape(t *testing.T) {
	s := DefaultSettings()
	s.BaseDir = "/data/experiments"
	s.RunID = "abc123"
	if err := s.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	dir := s.RunDir()
	if filepath.Dir(dir) != "/data/experiments" {
		t.Fatalf("run dir parent = %q", filepath.Dir(dir))
	}
	base := filepath.Base(dir)
	if !strings.HasPrefix(base, "run-") || !strings.HasSuffix(base, "-abc123") {
		t.Fatalf("run dir name = %q, want run-<stamp>-abc123", base)
	}
	if s.FilesDir() != filepath.Join(dir, "files") {
		t.Fatalf("files dir = %q", s.FilesDir())
	}
}

func TestSettingsFreezePanicsOnMutation(t *testing.T) {
	s := DefaultSettings()
	s.freeze()

	defer func() {
		if recover() == nil {
			t.Fatal("expected a panic on post-freeze mutation")
		}
	}()
	s.SetProject("too-late")
}

func TestSettingsCloneIsUnfrozen(t *testing.T) {
	s := DefaultSettings()
	s.Tags = []string{"x"}
	s.freeze()

	c := s.clone()
	if c.Frozen() {
		t.Fatal("clone must be mutable")
	}
	c.Tags[0] = "y"
	if s.Tags[0] != "x" {
		t.Fatal("clone shares the tags slice with the original")
	}
}

func TestLoadConfigDefaults(t *testing.T) {
	dir := t.TempDir()
	cwd, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatalf("chdir: %v", err)
	}
	t.Cleanup(func() { _ = os.Chdir(cwd) })

	// Missing file is not an error.
	got, err := loadConfigDefaults()
	if err != nil || got != nil {
		t.Fatalf("missing defaults: %v, %v", got, err)
	}

	if err := os.WriteFile(configDefaultsFile, []byte("lr: 0.01\nepochs: 5\n"), 0o644); err != nil {
		t.Fatalf("write defaults: %v", err)
	}
	got, err = loadConfigDefaults()
	if err != nil {
		t.Fatalf("loadConfigDefaults: %v", err)
	}
	if got["lr"] != 0.01 || got["epochs"] != 5 {
		t.Fatalf("defaults = %v", got)
	}

	if err := os.WriteFile(configDefaultsFile, []byte("{unclosed"), 0o644); err != nil {
		t.Fatalf("write defaults: %v", err)
	}
	if _, err := loadConfigDefaults(); err == nil {
		t.Fatal("malformed defaults should fail")
	}
}
