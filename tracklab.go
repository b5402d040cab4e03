// Package tracklab is a local-first experiment tracking SDK. Training code
// calls Init to open a run, logs metrics and rich values through Run.Log,
// and closes the run with Run.Finish. Records flow through a background
// service over a mailbox RPC protocol, so logging never blocks on
// persistence; the service persists to the run directory and, in online
// mode, to the local backend server.
package tracklab

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/tracklab/tracklab/internal/model"
	"github.com/tracklab/tracklab/internal/monitor"
	"github.com/tracklab/tracklab/internal/service"
	"github.com/tracklab/tracklab/internal/sysmon"
)

// Session owns the service connection and the runs created through it. Most
// programs use the package-level funcs, which share one implicit session;
// tests and multi-tenant embedders create their own.
type Session struct {
	mu       sync.Mutex
	base     *Settings
	logger   *slog.Logger
	rec      *recorder
	runs     []*Run // creation order
	current  *Run
	tornDown bool
}

// NewSession creates a session over the given base settings. A nil settings
// uses defaults with environment overrides; a nil logger logs to the
// default slog handler.
func NewSession(base *Settings, logger *slog.Logger) *Session {
	if base == nil {
		base = DefaultSettings()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{base: base, logger: logger}
}

// Init opens a run, applying the session's reinit policy. See the Reinit
// constants for the matrix of behaviors.
func (s *Session) Init(opts ...InitOption) (*Run, error) {
	var args initArgs
	for _, opt := range opts {
		opt(&args)
	}
	if args.reinit == "" {
		args.reinit = ReinitDefault
	}
	switch args.reinit {
	case ReinitDefault, ReinitFinishPrevious, ReinitReturnPrevious, ReinitCreateNew:
	default:
		return nil, usageErrorf("Session.Init", "unknown reinit policy %q", args.reinit)
	}

	// The reinit policy reads run state and may finish runs, both of which
	// take the run's lock, and Finish calls back into the session. Neither
	// may happen under s.mu, so the policy works on a snapshot.
	s.mu.Lock()
	if s.tornDown {
		s.mu.Unlock()
		return nil, usageErrorf("Session.Init", "session is torn down")
	}
	current := s.current
	runs := append([]*Run(nil), s.runs...)
	s.mu.Unlock()

	switch args.reinit {
	case ReinitDefault:
		if current != nil && current.State() != RunFinished {
			return current, nil
		}
	case ReinitFinishPrevious:
		for _, r := range runs {
			if r.State() != RunFinished {
				if err := r.Finish(); err != nil {
					return nil, err
				}
			}
		}
	case ReinitReturnPrevious:
		for i := len(runs) - 1; i >= 0; i-- {
			if runs[i].State() != RunFinished {
				return runs[i], nil
			}
		}
	case ReinitCreateNew:
		// Fall through; the current pointer is left untouched below.
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tornDown {
		return nil, usageErrorf("Session.Init", "session is torn down")
	}

	run, err := s.newRun(args)
	if err != nil {
		return nil, err
	}

	s.runs = append(s.runs, run)
	if args.reinit != ReinitCreateNew {
		s.current = run
	}
	return run, nil
}

// newRun assembles settings, starts the service session, and builds the Run.
// Caller holds s.mu.
func (s *Session) newRun(args initArgs) (*Run, error) {
	base := s.base
	if args.settings != nil {
		if args.settings.Frozen() {
			return nil, usageErrorf("Session.Init", "settings are already frozen; pass a fresh Settings")
		}
		base = args.settings
	}
	settings := base.clone()
	if args.project != "" {
		settings.Project = args.project
	}
	if args.entity != "" {
		settings.Entity = args.entity
	}
	if args.name != "" {
		settings.RunName = args.name
	}
	if args.notes != "" {
		settings.Notes = args.notes
	}
	if args.group != "" {
		settings.Group = args.group
	}
	if args.jobType != "" {
		settings.JobType = args.jobType
	}
	if args.id != "" {
		settings.RunID = args.id
	}
	if len(args.tags) > 0 {
		settings.Tags = append([]string(nil), args.tags...)
	}
	if args.resume != "" {
		settings.Resume = args.resume
	}
	if args.mode != "" {
		settings.Mode = args.mode
	}
	if err := settings.Validate(); err != nil {
		return nil, err
	}

	// Disabled mode runs the full pipeline against a throwaway directory;
	// nothing lands in the project tree and nothing reaches the backend.
	if settings.Mode == ModeDisabled {
		tmp, err := os.MkdirTemp("", "tracklab-disabled-")
		if err != nil {
			return nil, fmt.Errorf("tracklab: create disabled run dir: %w", err)
		}
		settings.BaseDir = tmp
	}
	settings.freeze()

	if s.rec == nil {
		rec, err := connectRecorder(settings, s.logger)
		if err != nil {
			return nil, err
		}
		s.rec = rec
	}

	// Config seed: config-defaults.yaml first, explicit values on top.
	config := NewConfig()
	defaults, err := loadConfigDefaults()
	if err != nil {
		return nil, err
	}
	if defaults != nil {
		_ = config.Update(defaults)
	}
	if args.config != nil {
		_ = config.Update(args.config)
	}

	mode := "offline"
	if settings.Mode == ModeOnline {
		mode = "online"
	}
	started, err := s.rec.start(service.RunStartRequest{
		Run:     toUpsertRequest(settings, config.AsMap()),
		Mode:    mode,
		RunDir:  settings.RunDir(),
		BaseURL: settings.BaseURL,
		Pid:     os.Getpid(),
	})
	if err != nil {
		return nil, err
	}

	run := &Run{
		settings:   settings,
		session:    s,
		rec:        s.rec,
		logger:     s.logger,
		id:         started.Run.ID,
		name:       started.Run.Name,
		project:    started.Run.Project,
		entity:     started.Run.Entity,
		notes:      started.Run.Notes,
		group:      started.Run.Group,
		jobType:    started.Run.JobType,
		tags:       append([]string(nil), started.Run.Tags...),
		config:     config,
		summary:    NewSummary(),
		metrics:    make(map[string]*MetricDef),
		state:      RunRunning,
		resumed:    started.Run.Resumed,
		step:       started.Step,
		createdPid: os.Getpid(),
	}

	// Resumption merges prior state in before accepting new data; the step
	// counter continues after the stored history.
	if started.Run.Resumed {
		if started.Run.Config != nil {
			_ = run.config.Update(started.Run.Config)
		}
		if started.Run.Summary != nil {
			_ = run.summary.Update(started.Run.Summary)
		}
	}
	run.config.onChange = run.onConfigChanged
	run.summary.onChange = run.onSummaryChanged

	if settings.StatsPortfile != "" {
		mon, err := sysmon.Dial(settings.StatsPortfile, s.logger)
		if err != nil {
			// Hardware stats are auxiliary; a missing monitor never fails Init.
			s.logger.Warn("hardware monitor unavailable", "error", err)
		} else {
			run.sysmon = mon
		}
	}

	run.monitor = monitor.New(s.rec, run.id, s.logger, monitor.Callbacks{
		OnStop: func() {
			run.mu.Lock()
			run.stopAsked = true
			run.mu.Unlock()
			s.logger.Warn("stop requested by backend", "run_id", run.id)
		},
		OnNetworkChanged: func(online bool) {
			s.logger.Info("backend connectivity changed", "run_id", run.id, "online", online)
		},
		OnMessage: func(msg string) {
			s.logger.Info("service message", "run_id", run.id, "message", msg)
		},
	})
	run.monitor.Start(context.Background())

	s.logger.Info("run initialized",
		"run_id", run.id, "project", run.project, "mode", string(settings.Mode),
		"resumed", run.resumed)
	return run, nil
}

// Attach binds this process to a run created elsewhere (another process
// sharing the same service). The returned Run carries the live step counter
// and documents.
func (s *Session) Attach(runID string) (*Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.tornDown {
		return nil, usageErrorf("Session.Attach", "session is torn down")
	}
	if s.rec == nil {
		rec, err := connectRecorder(s.base, s.logger)
		if err != nil {
			return nil, err
		}
		s.rec = rec
	}

	resp, err := s.rec.attach(runID, os.Getpid())
	if err != nil {
		return nil, commErrorf(err, "attach to run %s", runID)
	}

	settings := s.base.clone()
	settings.RunID = runID
	if err := settings.Validate(); err != nil {
		return nil, err
	}
	settings.freeze()

	run := &Run{
		settings:   settings,
		session:    s,
		rec:        s.rec,
		logger:     s.logger,
		id:         resp.Run.ID,
		name:       resp.Run.Name,
		project:    resp.Run.Project,
		entity:     resp.Run.Entity,
		tags:       append([]string(nil), resp.Run.Tags...),
		config:     NewConfig(),
		summary:    NewSummary(),
		metrics:    make(map[string]*MetricDef),
		state:      RunRunning,
		resumed:    resp.Run.Resumed,
		step:       resp.Step,
		createdPid: os.Getpid(),
	}
	if resp.Config != nil {
		_ = run.config.Update(resp.Config)
	}
	if resp.Summary != nil {
		_ = run.summary.Update(resp.Summary)
	}
	run.config.onChange = run.onConfigChanged
	run.summary.onChange = run.onSummaryChanged

	s.runs = append(s.runs, run)
	s.current = run
	return run, nil
}

// CurrentRun returns the session's active run, or nil.
func (s *Session) CurrentRun() *Run {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// runFinished clears the current pointer when its run closes. Called by
// Run.Finish with the run's lock held, so it must not touch run state.
func (s *Session) runFinished(r *Run) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == r {
		s.current = nil
	}
}

// Teardown finishes every unfinished run, stops the service, and closes the
// transport. The session cannot be used afterwards.
func (s *Session) Teardown(exitCode int) error {
	s.mu.Lock()
	if s.tornDown {
		s.mu.Unlock()
		return nil
	}
	s.tornDown = true
	runs := append([]*Run(nil), s.runs...)
	rec := s.rec
	s.mu.Unlock()

	var firstErr error
	for _, r := range runs {
		if r.State() != RunFinished {
			if err := r.Finish(WithExitCode(exitCode)); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	if rec != nil {
		if err := rec.teardown(); err != nil && firstErr == nil {
			firstErr = err
		}
		if err := rec.close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func toUpsertRequest(s *Settings, config map[string]any) (req model.UpsertRunRequest) {
	req.ID = s.RunID
	req.Project = s.Project
	req.Entity = s.Entity
	req.Name = s.RunName
	req.Notes = s.Notes
	req.Group = s.Group
	req.JobType = s.JobType
	req.Tags = append([]string(nil), s.Tags...)
	req.Config = config
	if s.Resume != ResumeNever {
		req.Resume = string(s.Resume)
	}
	return req
}

// ---------------------------------------------------------------------------
// Package-level session
// ---------------------------------------------------------------------------

var (
	globalMu      sync.Mutex
	globalSession *Session
)

func defaultSession() *Session {
	globalMu.Lock()
	defer globalMu.Unlock()
	if globalSession == nil || globalSession.tornDown {
		globalSession = NewSession(nil, slog.Default())
	}
	return globalSession
}

// Setup creates the package-level session with explicit base settings and
// logger before the first Init. When a live session already exists it is
// returned unchanged; call Teardown first to replace it.
func Setup(base *Settings, logger *slog.Logger) *Session {
	globalMu.Lock()
	defer globalMu.Unlock()
	if globalSession == nil || globalSession.tornDown {
		globalSession = NewSession(base, logger)
	}
	return globalSession
}

// Init opens a run on the package-level session.
func Init(opts ...InitOption) (*Run, error) {
	return defaultSession().Init(opts...)
}

// CurrentRun returns the package-level session's active run, or nil.
func CurrentRun() *Run {
	return defaultSession().CurrentRun()
}

// Attach binds to a run created in another process.
func Attach(runID string) (*Run, error) {
	return defaultSession().Attach(runID)
}

// Teardown finishes all runs and shuts the package-level session down.
func Teardown(exitCode int) error {
	globalMu.Lock()
	s := globalSession
	globalMu.Unlock()
	if s == nil {
		return nil
	}
	return s.Teardown(exitCode)
}
