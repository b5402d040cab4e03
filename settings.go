package tracklab

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Mode selects where run data goes.
type Mode string

const (
	// ModeOnline streams records to the local backend server.
	ModeOnline Mode = "online"
	// ModeOffline writes everything under the run directory only.
	ModeOffline Mode = "offline"
	// ModeDisabled keeps the full pipeline but writes into a throwaway
	// temp directory, so calls behave normally and nothing is kept.
	ModeDisabled Mode = "disabled"
)

// Resume selects the resumption policy when a run ID is supplied.
type Resume string

const (
	ResumeNever Resume = "never"
	ResumeAllow Resume = "allow"
	ResumeMust  Resume = "must"
)

// configDefaultsFile is picked up from the working directory when present,
// seeding Run.Config before user-supplied values.
const configDefaultsFile = "config-defaults.yaml"

// Settings is the resolved configuration record consumed by every other
// component. It is mutable while being assembled and frozen by Init once
// validated; mutation after freezing is a programming error and panics.
type Settings struct {
	Project string
	Entity  string
	RunID   string
	RunName string
	Notes   string
	Group   string
	JobType string
	Tags    []string

	Mode   Mode
	Resume Resume
	Debug  bool

	// BaseDir is the root under which run directories are created.
	BaseDir string
	// BaseURL is the local backend server address (online mode).
	BaseURL string

	// ServiceAddr is the address of an already-running service process.
	// When empty and LaunchService is set, Init spawns one.
	ServiceAddr   string
	LaunchService bool

	// StatsPortfile locates the hardware-monitor portfile. Empty disables
	// hardware stats collection.
	StatsPortfile string

	// StrictTableLimits makes Table row caps a hard error instead of
	// warn-and-truncate.
	StrictTableLimits bool

	startTime time.Time
	frozen    bool
}

// DefaultSettings returns a Settings with defaults applied and environment
// overrides resolved. It is not yet frozen.
func DefaultSettings() *Settings {
	s := &Settings{
		Mode:      ModeOffline,
		Resume:    ResumeNever,
		BaseDir:   "tracklab",
		BaseURL:   "http://localhost:8315",
		startTime: time.Now().UTC(),
	}
	s.applyEnv()
	return s
}

// applyEnv overlays TRACKLAB_* environment variables onto the settings.
func (s *Settings) applyEnv() {
	if v := os.Getenv("TRACKLAB_MODE"); v != "" {
		s.Mode = Mode(v)
	}
	if v := os.Getenv("TRACKLAB_DIR"); v != "" {
		s.BaseDir = v
	}
	if v := os.Getenv("TRACKLAB_BASE_URL"); v != "" {
		s.BaseURL = v
	}
	if v := os.Getenv("TRACKLAB_PROJECT"); v != "" {
		s.Project = v
	}
	if v := os.Getenv("TRACKLAB_ENTITY"); v != "" {
		s.Entity = v
	}
	if v := os.Getenv("TRACKLAB_RUN_ID"); v != "" {
		s.RunID = v
	}
	if v := os.Getenv("TRACKLAB_RUN_NAME"); v != "" {
		s.RunName = v
	}
	if v := os.Getenv("TRACKLAB_RUN_GROUP"); v != "" {
		s.Group = v
	}
	if v := os.Getenv("TRACKLAB_JOB_TYPE"); v != "" {
		s.JobType = v
	}
	if v := os.Getenv("TRACKLAB_NOTES"); v != "" {
		s.Notes = v
	}
	if v := os.Getenv("TRACKLAB_RESUME"); v != "" {
		s.Resume = Resume(v)
	}
	if v := os.Getenv("TRACKLAB_TAGS"); v != "" {
		s.Tags = nil
		for _, t := range strings.Split(v, ",") {
			if t = strings.TrimSpace(t); t != "" {
				s.Tags = append(s.Tags, t)
			}
		}
	}
	if v := os.Getenv("TRACKLAB_SERVICE"); v != "" {
		s.ServiceAddr = v
	}
	if v := os.Getenv("TRACKLAB_STATS_PORTFILE"); v != "" {
		s.StatsPortfile = v
	}
	switch os.Getenv("TRACKLAB_DEBUG") {
	case "true", "1":
		s.Debug = true
	}
}

// Validate checks the settings and fills in anything still unresolved
// (run ID, project). Called by Init before freezing.
func (s *Settings) Validate() error {
	switch s.Mode {
	case ModeOnline, ModeOffline, ModeDisabled:
	default:
		return usageErrorf("Settings", "invalid mode %q (want online, offline, or disabled)", s.Mode)
	}
	switch s.Resume {
	case ResumeNever, ResumeAllow, ResumeMust, "":
	default:
		return usageErrorf("Settings", "invalid resume policy %q (want never, allow, or must)", s.Resume)
	}
	if s.Resume == "" {
		s.Resume = ResumeNever
	}
	if s.Resume != ResumeNever && s.RunID == "" {
		return usageErrorf("Settings", "resume=%q requires a run ID", s.Resume)
	}
	if s.RunID == "" {
		s.RunID = generateRunID()
	}
	if s.Project == "" {
		s.Project = "uncategorized"
	}
	if s.BaseDir == "" {
		s.BaseDir = "tracklab"
	}
	return nil
}

// clone returns an unfrozen copy with a fresh start time, used as the base
// for each new run's settings.
func (s *Settings) clone() *Settings {
	c := *s
	c.Tags = append([]string(nil), s.Tags...)
	c.frozen = false
	c.startTime = time.Now().UTC()
	return &c
}

// freeze marks the settings immutable. Guarded setters are not provided;
// components receive the frozen record and must not write to it.
func (s *Settings) freeze() { s.frozen = true }

// Frozen reports whether the settings have been validated and frozen.
func (s *Settings) Frozen() bool { return s.frozen }

// checkMutable panics when a post-freeze mutation is attempted. Settings are
// assembled in exactly one place (Init); any later write is a bug, not a
// recoverable condition.
func (s *Settings) checkMutable() {
	if s.frozen {
		panic("tracklab: settings mutated after freeze")
	}
}

// SetProject sets the project name. Panics if the settings are frozen.
func (s *Settings) SetProject(p string) { s.checkMutable(); s.Project = p }

// SetRunID sets the run ID. Panics if the settings are frozen.
func (s *Settings) SetRunID(id string) { s.checkMutable(); s.RunID = id }

// SetMode sets the mode. Panics if the settings are frozen.
func (s *Settings) SetMode(m Mode) { s.checkMutable(); s.Mode = m }

// StartTime is the wall-clock instant the settings were created, used as the
// run's start time.
func (s *Settings) StartTime() time.Time { return s.startTime }

// RunDir returns the directory holding everything this run persists locally.
func (s *Settings) RunDir() string {
	stamp := s.startTime.Format("20060102_150405")
	return filepath.Join(s.BaseDir, fmt.Sprintf("run-%s-%s", stamp, s.RunID))
}

// FilesDir is where saved files and media live, relative paths in JSON
// descriptors are resolved against it.
func (s *Settings) FilesDir() string { return filepath.Join(s.RunDir(), "files") }

// loadConfigDefaults reads config-defaults.yaml from the working directory.
// A missing file is not an error; a malformed one is.
func loadConfigDefaults() (map[string]any, error) {
	raw, err := os.ReadFile(configDefaultsFile)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("settings: read %s: %w", configDefaultsFile, err)
	}
	var out map[string]any
	if err := yaml.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("settings: parse %s: %w", configDefaultsFile, err)
	}
	return out, nil
}

// generateRunID returns a short random hex identifier, unique enough for
// local runs without coordinating with the backend.
func generateRunID() string {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		// crypto/rand failing means the platform is broken; fall back to time.
		return fmt.Sprintf("%08x", time.Now().UnixNano()&0xffffffff)
	}
	return hex.EncodeToString(b[:])
}
