package tracklab

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/tracklab/tracklab/internal/model"
	"github.com/tracklab/tracklab/internal/monitor"
	"github.com/tracklab/tracklab/internal/service"
	"github.com/tracklab/tracklab/internal/sysmon"
)

// RunState is the lifecycle state of a Run.
type RunState string

const (
	RunInitializing RunState = "initializing"
	RunRunning      RunState = "running"
	RunFinished     RunState = "finished"
)

// SavePolicy controls when a saved file's record is sent.
type SavePolicy string

const (
	// SaveNow records the file immediately.
	SaveNow SavePolicy = "now"
	// SaveEnd records the file when the run finishes.
	SaveEnd SavePolicy = "end"
	// SaveLive records the file immediately and again on every change.
	SaveLive SavePolicy = "live"
)

// AlertLevel grades an alert.
type AlertLevel string

const (
	AlertInfo  AlertLevel = "INFO"
	AlertWarn  AlertLevel = "WARN"
	AlertError AlertLevel = "ERROR"
)

// Run is one experiment execution: the owner of the step counter, the
// config and summary documents, and every value bound to it. All methods
// are safe for concurrent use.
type Run struct {
	mu sync.Mutex

	settings *Settings
	session  *Session
	rec      *recorder
	logger   *slog.Logger

	id      string
	name    string
	project string
	entity  string
	notes   string
	group   string
	jobType string
	tags    []string

	config  *Config
	summary *Summary
	metrics map[string]*MetricDef

	state      RunState
	resumed    bool
	step       int64
	createdPid int

	pending *historyRow

	monitor *monitor.StatusMonitor
	sysmon  *sysmon.Client

	watchers []*watcher

	endSaves   []string // globs deferred to finish by SaveEnd
	liveGlobs  []string // globs re-saved on change by SaveLive
	fileWatch  *fsnotify.Watcher
	fileWatchC chan struct{}

	preempting bool
	stopAsked  bool
}

// ID returns the run's immutable identifier.
func (r *Run) ID() string { return r.id }

// Name returns the run's display name.
func (r *Run) Name() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.name
}

// Notes returns the run's notes.
func (r *Run) Notes() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.notes
}

// Project returns the run's project.
func (r *Run) Project() string { return r.project }

// Entity returns the run's entity, if any.
func (r *Run) Entity() string { return r.entity }

// Tags returns the run's tags in creation order.
func (r *Run) Tags() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.tags...)
}

// Config returns the run's owned config document.
func (r *Run) Config() *Config { return r.config }

// Summary returns the run's owned summary document.
func (r *Run) Summary() *Summary { return r.summary }

// Settings returns the run's frozen settings.
func (r *Run) Settings() *Settings { return r.settings }

// Resumed reports whether the run was resumed from stored state.
func (r *Run) Resumed() bool { return r.resumed }

// Dir returns the run's directory on disk.
func (r *Run) Dir() string { return r.settings.RunDir() }

// State returns the run's lifecycle state.
func (r *Run) State() RunState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Step returns the internal step counter: the number of committed implicit
// log calls so far.
func (r *Run) Step() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.step
}

// StopRequested reports whether the backend asked this run to stop.
func (r *Run) StopRequested() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stopAsked
}

// ---------------------------------------------------------------------------
// Guard pipeline
//
// Every public mutating method runs the same ordered guards before its body:
// first the finished check, then the attach check. Explicit and ordered, so
// a new method cannot accidentally skip or reorder them.
// ---------------------------------------------------------------------------

type runGuard func(r *Run, op string) error

var runGuards = []runGuard{guardNotFinished, guardAttached}

// check runs the guard pipeline. Callers hold r.mu.
func (r *Run) check(op string) error {
	for _, g := range runGuards {
		if err := g(r, op); err != nil {
			return err
		}
	}
	return nil
}

func guardNotFinished(r *Run, op string) error {
	if r.state == RunFinished {
		return errRunFinished(op)
	}
	return nil
}

// guardAttached re-binds the run to its service session when the calling
// process is not the one that created it (the Go analogue of fork/spawn
// attach): live state is refreshed from the service before proceeding.
func guardAttached(r *Run, op string) error {
	pid := os.Getpid()
	if pid == r.createdPid {
		return nil
	}
	resp, err := r.rec.attach(r.id, pid)
	if err != nil {
		return commErrorf(err, "%s: attach to run %s", op, r.id)
	}
	r.createdPid = pid
	r.step = resp.Step
	if resp.Config != nil {
		_ = r.config.Update(resp.Config)
	}
	if resp.Summary != nil {
		_ = r.summary.Update(resp.Summary)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Logging
// ---------------------------------------------------------------------------

// LogOption adjusts a single Log call.
type LogOption func(*logArgs)

type logArgs struct {
	step   *int64
	commit bool
}

// WithStep logs at an explicit step instead of the internal counter. The
// counter is not advanced. Unsafe when several processes log to the same
// run.
func WithStep(step int64) LogOption {
	return func(a *logArgs) { a.step = &step }
}

// WithCommit controls whether the row is flushed. commit=false accumulates
// into the current step's record without advancing the counter.
func WithCommit(commit bool) LogOption {
	return func(a *logArgs) { a.commit = commit }
}

// Log records a row of named values. data must be a map with string keys;
// values may be primitives, rich media values, tables, or anything
// JSON-coercible. Each committed call without an explicit step advances the
// step counter by one.
func (r *Run) Log(data any, opts ...LogOption) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.check("Run.Log"); err != nil {
		return err
	}

	row, err := coerceLogData(data)
	if err != nil {
		return err
	}

	args := logArgs{commit: true}
	for _, opt := range opts {
		opt(&args)
	}

	target := r.step
	if args.step != nil {
		if *args.step < 0 {
			return usageErrorf("Run.Log", "step must be non-negative, got %d", *args.step)
		}
		target = *args.step
	}

	// A pending partial row at a different step flushes first.
	if r.pending != nil && r.pending.dirty && r.pending.step != target {
		if err := r.flushHistory(r.pending.step, r.pending.take()); err != nil {
			return err
		}
	}
	if r.pending == nil || r.pending.step != target {
		r.pending = newHistoryRow(target)
	}

	processed, err := r.processValues(row, target)
	if err != nil {
		return err
	}
	r.pending.merge(processed)

	if !args.commit {
		return nil
	}

	if err := r.flushHistory(target, r.pending.take()); err != nil {
		return err
	}
	if args.step == nil {
		r.step++
	}
	return nil
}

// coerceLogData accepts any map keyed by strings and rejects everything
// else, naming the offending type.
func coerceLogData(data any) (map[string]any, error) {
	if m, ok := data.(map[string]any); ok {
		return m, nil
	}
	rv := reflect.ValueOf(data)
	if !rv.IsValid() || rv.Kind() != reflect.Map {
		return nil, usageErrorf("Run.Log", "data must be a map, got %T", data)
	}
	if rv.Type().Key().Kind() != reflect.String {
		return nil, usageErrorf("Run.Log", "data keys must be strings, got %s", rv.Type().Key())
	}
	out := make(map[string]any, rv.Len())
	iter := rv.MapRange()
	for iter.Next() {
		out[iter.Key().String()] = iter.Value().Interface()
	}
	return out, nil
}

// processValues serializes a row's values, binding media and writing table
// documents as side effects.
func (r *Run) processValues(row map[string]any, step int64) (map[string]any, error) {
	out := make(map[string]any, len(row))
	for _, key := range sortedKeys(row) {
		v := row[key]
		switch val := v.(type) {
		case *Table:
			doc, err := r.logTable(key, val, step)
			if err != nil {
				return nil, err
			}
			out[key] = doc
		case BindableValue:
			if !val.Bound() {
				if err := val.BindToRun(r, key, step); err != nil {
					return nil, err
				}
			}
			doc, err := val.ToJSON(r)
			if err != nil {
				return nil, err
			}
			out[key] = doc
		case Value:
			doc, err := val.ToJSON(r)
			if err != nil {
				return nil, err
			}
			out[key] = doc
		default:
			out[key] = toSerializable(v)
		}
	}
	return out, nil
}

// logTable writes the table document for this step and returns the history
// descriptor referencing it.
func (r *Run) logTable(key string, t *Table, step int64) (map[string]any, error) {
	tablesDir := filepath.Join(r.settings.FilesDir(), "tables")
	if err := os.MkdirAll(tablesDir, 0o750); err != nil {
		return nil, fmt.Errorf("tracklab: create tables dir: %w", err)
	}

	if t.Mode() == LogModeIncremental {
		name, payload, err := t.nextIncrement(key, time.Now().UTC())
		if err != nil {
			return nil, err
		}
		if err := os.WriteFile(filepath.Join(tablesDir, name), payload, 0o644); err != nil {
			return nil, fmt.Errorf("tracklab: write table increment: %w", err)
		}
		t.markLogged()
		return map[string]any{
			"_type": "incremental-table-file",
			"path":  filepath.ToSlash(filepath.Join("tables", name)),
		}, nil
	}

	payload, err := t.toFullJSON()
	if err != nil {
		return nil, err
	}
	name := fmt.Sprintf("%s_%d.table.json", sanitizeKey(key), step)
	if err := os.WriteFile(filepath.Join(tablesDir, name), payload, 0o644); err != nil {
		return nil, fmt.Errorf("tracklab: write table: %w", err)
	}
	t.markLogged()
	return map[string]any{
		"_type": "table-file",
		"path":  filepath.ToSlash(filepath.Join("tables", name)),
		"nrows": t.Len(),
	}, nil
}

// flushHistory sends one committed row: hardware stats merged in (user keys
// win), watcher statistics appended, summary folded, record published.
func (r *Run) flushHistory(step int64, data map[string]any) error {
	if len(data) == 0 {
		return nil
	}

	for _, w := range r.watchers {
		w.collect(data)
	}

	if r.sysmon != nil {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		stats := r.sysmon.GetStats(ctx)
		cancel()
		for k, v := range stats {
			key := "system/" + k
			if _, taken := data[key]; !taken {
				data[key] = v
			}
		}
	}

	visible := r.foldSummary(step, data)

	now := time.Now().UTC()
	visible["_timestamp"] = float64(now.UnixMilli()) / 1000.0
	visible["_runtime"] = now.Sub(r.settings.StartTime()).Seconds()

	rec := service.HistoryRecord{
		Step:      step,
		Timestamp: now,
		Data:      visible,
	}
	if err := r.rec.logHistory(r.id, rec); err != nil {
		return commErrorf(err, "log history step %d", step)
	}
	return nil
}

// foldSummary applies metric definitions to the row and updates the local
// summary document. Hidden metrics are dropped from the outgoing row;
// step-synced metrics get their x-axis value injected when the row omits it.
func (r *Run) foldSummary(step int64, data map[string]any) map[string]any {
	// Step-sync injection happens before folding so the injected value is
	// also recorded.
	for k := range data {
		def := r.metricFor(k)
		if def == nil || !def.StepSync || def.StepMetric == "" {
			continue
		}
		if _, present := data[def.StepMetric]; present {
			continue
		}
		if last, ok := r.summary.Get(def.StepMetric); ok {
			data[def.StepMetric] = last
		}
	}

	// The service folds committed history into the stored summary itself;
	// suppress the change hook so local folding does not re-publish.
	hook := r.summary.onChange
	r.summary.onChange = nil
	defer func() { r.summary.onChange = hook }()

	visible := make(map[string]any, len(data))
	for k, v := range data {
		def := r.metricFor(k)
		if def != nil && def.Hidden {
			continue
		}
		visible[k] = v
		if def != nil && len(def.Summary) > 0 {
			def.applySummary(k, asFloat(v), r.summary)
			continue
		}
		// Default summary: last value logged.
		_ = r.summary.Set(k, v)
	}
	visible["_step"] = step
	return visible
}

// metricFor resolves a metric definition by exact name, then by glob.
func (r *Run) metricFor(key string) *MetricDef {
	if def, ok := r.metrics[key]; ok {
		return def
	}
	for pattern, def := range r.metrics {
		if def.Glob {
			if ok, _ := filepath.Match(pattern, key); ok {
				return def
			}
		}
	}
	return nil
}

// DefineMetric declares how a metric aggregates into the summary, what step
// axis it plots against, and whether it is hidden. Redefinition merges onto
// the previous definition unless WithOverwrite is given. Names ending in
// "*" define a glob matched against logged keys.
func (r *Run) DefineMetric(name string, opts ...DefineMetricOption) (*MetricDef, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.check("Run.DefineMetric"); err != nil {
		return nil, err
	}
	def, err := buildMetricDef(name, r.metrics[name], opts...)
	if err != nil {
		return nil, err
	}
	r.metrics[name] = def
	return def, nil
}

// ---------------------------------------------------------------------------
// Files
// ---------------------------------------------------------------------------

// Save registers files matching glob with the run. SaveNow records them
// immediately, SaveEnd defers to finish, SaveLive records now and again on
// every change.
func (r *Run) Save(glob string, policy SavePolicy) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.check("Run.Save"); err != nil {
		return err
	}

	switch policy {
	case SaveNow:
		return r.saveGlob(glob, policy)
	case SaveEnd:
		r.endSaves = append(r.endSaves, glob)
		return nil
	case SaveLive:
		if err := r.saveGlob(glob, policy); err != nil {
			return err
		}
		return r.watchGlob(glob)
	default:
		return usageErrorf("Run.Save", "unknown save policy %q", policy)
	}
}

func (r *Run) saveGlob(glob string, policy SavePolicy) error {
	matches, err := filepath.Glob(glob)
	if err != nil {
		return usageErrorf("Run.Save", "bad glob %q: %v", glob, err)
	}
	for _, path := range matches {
		if err := r.saveFile(path, policy); err != nil {
			return err
		}
	}
	return nil
}

func (r *Run) saveFile(path string, policy SavePolicy) error {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return nil
	}
	sha, err := fileSHA256(path)
	if err != nil {
		return fmt.Errorf("tracklab: hash %s: %w", path, err)
	}
	rec := service.FileRecord{
		Path:   path,
		Policy: string(policy),
		Size:   info.Size(),
		SHA256: sha,
	}
	if err := r.rec.saveFile(r.id, rec); err != nil {
		return commErrorf(err, "save file %s", path)
	}
	return nil
}

// watchGlob starts (or extends) the live-save watcher.
func (r *Run) watchGlob(glob string) error {
	if r.fileWatch == nil {
		w, err := fsnotify.NewWatcher()
		if err != nil {
			return fmt.Errorf("tracklab: create file watcher: %w", err)
		}
		r.fileWatch = w
		r.fileWatchC = make(chan struct{})
		go r.fileWatchLoop(w, r.fileWatchC)
	}

	// fsnotify watches directories; re-match the glob on events.
	dirs := map[string]bool{}
	matches, _ := filepath.Glob(glob)
	for _, m := range matches {
		dirs[filepath.Dir(m)] = true
	}
	if len(dirs) == 0 {
		dirs[filepath.Dir(glob)] = true
	}
	for dir := range dirs {
		if err := r.fileWatch.Add(dir); err != nil {
			return fmt.Errorf("tracklab: watch %s: %w", dir, err)
		}
	}
	r.liveGlobs = append(r.liveGlobs, glob)
	return nil
}

func (r *Run) fileWatchLoop(w *fsnotify.Watcher, done chan struct{}) {
	defer close(done)
	for {
		select {
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			r.mu.Lock()
			for _, glob := range r.liveGlobs {
				if ok, _ := filepath.Match(glob, ev.Name); ok {
					_ = r.saveFile(ev.Name, SaveLive)
				}
			}
			r.mu.Unlock()
		case _, ok := <-w.Errors:
			if !ok {
				return
			}
		}
	}
}

// LogModel copies a model file into the run's model directory and records
// it. name defaults to the file's base name.
func (r *Run) LogModel(path, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.check("Run.LogModel"); err != nil {
		return err
	}
	if name == "" {
		name = filepath.Base(path)
	}

	dst := filepath.Join(r.settings.FilesDir(), "models", name)
	if err := copyFile(path, dst); err != nil {
		return fmt.Errorf("tracklab: log model %s: %w", name, err)
	}
	return r.saveFile(dst, "model")
}

// UseModel returns the path of a model previously stored with LogModel.
func (r *Run) UseModel(name string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.check("Run.UseModel"); err != nil {
		return "", err
	}
	path := filepath.Join(r.settings.FilesDir(), "models", name)
	if _, err := os.Stat(path); err != nil {
		return "", usageErrorf("Run.UseModel", "model %q not found in run %s", name, r.id)
	}
	return path, nil
}

// LinkModel records a reference from this run to a model under a registry
// alias, without copying bytes.
func (r *Run) LinkModel(path, alias string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.check("Run.LinkModel"); err != nil {
		return err
	}
	if alias == "" {
		return usageErrorf("Run.LinkModel", "alias is required")
	}
	link := map[string]any{"_type": "model-link", "alias": alias, "path": path}
	if err := r.summary.Set("model/"+alias, link); err != nil {
		return err
	}
	return nil
}

// ---------------------------------------------------------------------------
// Signals
// ---------------------------------------------------------------------------

// AlertOption adjusts an Alert call.
type AlertOption func(*service.AlertRecord)

// WithAlertLevel sets the alert severity. Default INFO.
func WithAlertLevel(level AlertLevel) AlertOption {
	return func(a *service.AlertRecord) { a.Level = string(level) }
}

// Alert raises a user alert on the run's log stream.
func (r *Run) Alert(title, text string, opts ...AlertOption) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.check("Run.Alert"); err != nil {
		return err
	}
	if title == "" {
		return usageErrorf("Run.Alert", "title is required")
	}
	rec := service.AlertRecord{
		Title: title,
		Text:  text,
		Level: string(AlertInfo),
		At:    time.Now().UTC(),
	}
	for _, opt := range opts {
		opt(&rec)
	}
	if err := r.rec.alert(r.id, rec); err != nil {
		return commErrorf(err, "send alert %q", title)
	}
	return nil
}

// MarkPreempting flags the run as about to be preempted so the backend
// preserves its resumable state. Idempotent.
func (r *Run) MarkPreempting() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.check("Run.MarkPreempting"); err != nil {
		return err
	}
	if r.preempting {
		return nil
	}
	r.preempting = true
	if err := r.rec.updateSummary(r.id, map[string]any{"_preempting": true}); err != nil {
		return commErrorf(err, "mark preempting")
	}
	return nil
}

// SetName changes the run's display name.
func (r *Run) SetName(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.check("Run.SetName"); err != nil {
		return err
	}
	if err := r.rec.updateRun(r.id, service.RunUpdateRecord{Name: &name}); err != nil {
		return commErrorf(err, "update run name")
	}
	r.name = name
	return nil
}

// SetNotes replaces the run's notes.
func (r *Run) SetNotes(notes string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.check("Run.SetNotes"); err != nil {
		return err
	}
	if err := r.rec.updateRun(r.id, service.RunUpdateRecord{Notes: &notes}); err != nil {
		return commErrorf(err, "update run notes")
	}
	r.notes = notes
	return nil
}

// SetTags replaces the run's tag set.
func (r *Run) SetTags(tags ...string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.check("Run.SetTags"); err != nil {
		return err
	}
	next := append([]string(nil), tags...)
	if err := r.rec.updateRun(r.id, service.RunUpdateRecord{Tags: &next}); err != nil {
		return commErrorf(err, "update run tags")
	}
	r.tags = next
	return nil
}

// AddTags appends tags not already present, preserving order.
func (r *Run) AddTags(tags ...string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.check("Run.AddTags"); err != nil {
		return err
	}
	next := append([]string(nil), r.tags...)
	for _, tag := range tags {
		seen := false
		for _, t := range next {
			if t == tag {
				seen = true
				break
			}
		}
		if !seen {
			next = append(next, tag)
		}
	}
	if err := r.rec.updateRun(r.id, service.RunUpdateRecord{Tags: &next}); err != nil {
		return commErrorf(err, "update run tags")
	}
	r.tags = next
	return nil
}

// ---------------------------------------------------------------------------
// Finish
// ---------------------------------------------------------------------------

// FinishOption adjusts a Finish call.
type FinishOption func(*finishArgs)

type finishArgs struct {
	exitCode int
}

// WithExitCode records a non-zero exit code with the finished run.
func WithExitCode(code int) FinishOption {
	return func(a *finishArgs) { a.exitCode = code }
}

// Finish transitions the run to its terminal state: flushes pending data,
// runs deferred saves, finalizes the summary with total runtime and exit
// code, stops the monitors, and closes the session. Calling Finish twice is
// an error.
func (r *Run) Finish(opts ...FinishOption) error {
	r.mu.Lock()

	if r.state == RunFinished {
		r.mu.Unlock()
		return errRunFinished("Run.Finish")
	}
	if err := r.check("Run.Finish"); err != nil {
		r.mu.Unlock()
		return err
	}

	args := finishArgs{}
	for _, opt := range opts {
		opt(&args)
	}

	// Flush any uncommitted partial row.
	if r.pending != nil && r.pending.dirty {
		if err := r.flushHistory(r.pending.step, r.pending.take()); err != nil {
			r.mu.Unlock()
			return err
		}
	}

	for _, glob := range r.endSaves {
		if err := r.saveGlob(glob, SaveEnd); err != nil {
			r.mu.Unlock()
			return err
		}
	}
	r.endSaves = nil

	for _, w := range r.watchers {
		w.remove()
	}
	r.watchers = nil

	fw := r.fileWatch
	fwDone := r.fileWatchC
	r.fileWatch = nil
	r.fileWatchC = nil

	runtimeSecs := time.Since(r.settings.StartTime()).Seconds()
	_ = r.summary.Set("_runtime", runtimeSecs)
	_ = r.summary.Set("_step", r.step)

	req := service.FinishRequest{
		ExitCode: args.exitCode,
		Summary:  r.summary.AsMap(),
	}

	mon := r.monitor
	r.monitor = nil
	sys := r.sysmon
	r.sysmon = nil
	r.mu.Unlock()

	// Monitors and the file watcher join outside the lock; the watcher loop
	// takes it per event and would otherwise never drain.
	if fw != nil {
		_ = fw.Close()
		<-fwDone
	}
	if mon != nil {
		mon.Stop()
	}
	if sys != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = sys.TearDown(ctx)
		cancel()
		_ = sys.Close()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	final, err := r.rec.finish(r.id, req)
	if err != nil {
		return err
	}
	r.state = RunFinished
	r.summary.Lock()
	r.config.Lock()

	if err := r.writeMetadata(final, args.exitCode, runtimeSecs); err != nil {
		r.logger.Warn("write run metadata failed", "run_id", r.id, "error", err)
	}
	r.session.runFinished(r)
	r.logger.Info("run finished", "run_id", r.id, "exit_code", args.exitCode, "steps", r.step)
	return nil
}

// writeMetadata drops a metadata.json next to the run's data capturing the
// final lifecycle facts.
func (r *Run) writeMetadata(final model.Run, exitCode int, runtimeSecs float64) error {
	meta := map[string]any{
		"run_id":       r.id,
		"project":      r.project,
		"state":        string(RunFinished),
		"exit_code":    exitCode,
		"runtime_secs": runtimeSecs,
		"steps":        r.step,
		"resumed":      r.resumed,
		"started_at":   r.settings.StartTime().Format(time.RFC3339),
		"finished_at":  time.Now().UTC().Format(time.RFC3339),
	}
	if final.Name != "" {
		meta["name"] = final.Name
	}
	raw, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(r.settings.RunDir(), "metadata.json"), raw, 0o644)
}

// onConfigChanged publishes the full config document. Installed as the
// Config's change hook.
func (r *Run) onConfigChanged() {
	if err := r.rec.updateConfig(r.id, r.config.AsMap()); err != nil {
		r.logger.Warn("config update failed", "run_id", r.id, "error", err)
	}
}

// onSummaryChanged publishes the full summary document.
func (r *Run) onSummaryChanged() {
	if err := r.rec.updateSummary(r.id, r.summary.AsMap()); err != nil {
		r.logger.Warn("summary update failed", "run_id", r.id, "error", err)
	}
}

func fileSHA256(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer func() { _ = f.Close() }()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()
	if err := os.MkdirAll(filepath.Dir(dst), 0o750); err != nil {
		return err
	}
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}
