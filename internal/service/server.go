package service

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/tracklab/tracklab/internal/api"
	"github.com/tracklab/tracklab/internal/model"
)

// maxScanTokenSize bounds a single envelope line. History rows with large
// media descriptors stay well under this.
const maxScanTokenSize = 16 * 1024 * 1024

// Server is the record-processing side of the service protocol. One server
// hosts any number of run sessions, each either online (forwarding to the
// backend API) or offline (writing files into the run directory).
type Server struct {
	logger *slog.Logger

	mu       sync.Mutex
	sessions map[string]*session

	ln     net.Listener
	connWG sync.WaitGroup
	quit   chan struct{}
	once   sync.Once
}

type session struct {
	mu sync.Mutex

	run     model.Run
	mode    string
	runDir  string
	pid     int
	client  *api.Client // nil in offline mode
	history *os.File    // open history.jsonl, offline mode

	config   map[string]any
	summary  map[string]any
	nextStep int64

	shouldStop bool
	messages   []string
	finished   bool
}

// NewServer creates a service server.
func NewServer(logger *slog.Logger) *Server {
	return &Server{
		logger:   logger,
		sessions: make(map[string]*session),
		quit:     make(chan struct{}),
	}
}

// Serve accepts connections on ln until Close is called. Each connection
// carries newline-framed envelopes from one SDK process.
func (s *Server) Serve(ln net.Listener) error {
	s.ln = ln
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-s.quit:
				return nil
			default:
			}
			return fmt.Errorf("service: accept: %w", err)
		}
		s.connWG.Add(1)
		go func() {
			defer s.connWG.Done()
			s.handleConn(conn)
		}()
	}
}

// Close stops accepting, waits for in-flight connections, and closes every
// session (flushing offline history files).
func (s *Server) Close() {
	s.once.Do(func() {
		close(s.quit)
		if s.ln != nil {
			_ = s.ln.Close()
		}
	})
	s.connWG.Wait()

	s.mu.Lock()
	defer s.mu.Unlock()
	for id, sess := range s.sessions {
		sess.mu.Lock()
		if sess.history != nil {
			_ = sess.history.Close()
			sess.history = nil
		}
		sess.mu.Unlock()
		delete(s.sessions, id)
	}
}

// RequestStop flags a run so the next stop-status poll answers true. Used
// by operators (and tests) to ask a training script to wind down.
func (s *Server) RequestStop(runID string) bool {
	s.mu.Lock()
	sess, ok := s.sessions[runID]
	s.mu.Unlock()
	if !ok {
		return false
	}
	sess.mu.Lock()
	sess.shouldStop = true
	sess.mu.Unlock()
	return true
}

// PostMessage queues a user-facing message on a run session, drained by the
// SDK's messages poll.
func (s *Server) PostMessage(runID, msg string) bool {
	s.mu.Lock()
	sess, ok := s.sessions[runID]
	s.mu.Unlock()
	if !ok {
		return false
	}
	sess.mu.Lock()
	sess.messages = append(sess.messages, msg)
	sess.mu.Unlock()
	return true
}

func (s *Server) handleConn(conn net.Conn) {
	defer func() { _ = conn.Close() }()

	var writeMu sync.Mutex
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 64*1024), maxScanTokenSize)

	for scanner.Scan() {
		var env Envelope
		if err := json.Unmarshal(scanner.Bytes(), &env); err != nil {
			s.logger.Warn("service: bad envelope, dropping", "error", err)
			continue
		}

		resp := s.dispatch(env)
		if resp == nil {
			continue
		}
		writeMu.Lock()
		err := writeEnvelope(conn, *resp)
		writeMu.Unlock()
		if err != nil {
			s.logger.Warn("service: write response failed", "error", err, "kind", env.Kind)
			return
		}
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, net.ErrClosed) {
		s.logger.Warn("service: connection read failed", "error", err)
	}
}

func writeEnvelope(conn net.Conn, env Envelope) error {
	raw, err := json.Marshal(env)
	if err != nil {
		return err
	}
	raw = append(raw, '\n')
	_, err = conn.Write(raw)
	return err
}

// dispatch routes one request envelope. Returns nil when no response is due
// (fire-and-forget records carry no slot).
func (s *Server) dispatch(env Envelope) *Envelope {
	payload, err := s.handle(env)
	if env.Slot == "" {
		if err != nil {
			s.logger.Error("service: record failed", "kind", env.Kind, "run_id", env.RunID, "error", err)
		}
		return nil
	}

	resp := Envelope{Slot: env.Slot, Kind: env.Kind, RunID: env.RunID}
	if err != nil {
		resp.Error = err.Error()
		return &resp
	}
	if payload != nil {
		raw, merr := json.Marshal(payload)
		if merr != nil {
			resp.Error = fmt.Sprintf("service: marshal %s response: %v", env.Kind, merr)
			return &resp
		}
		resp.Payload = raw
	}
	return &resp
}

func (s *Server) handle(env Envelope) (any, error) {
	switch env.Kind {
	case KindRunStart:
		return s.handleRunStart(env)
	case KindAttach:
		return s.handleAttach(env)
	case KindHistory:
		return nil, s.handleHistory(env)
	case KindRunUpdate:
		return nil, s.handleRunUpdate(env)
	case KindConfig:
		return nil, s.handleConfig(env)
	case KindSummary:
		return nil, s.handleSummary(env)
	case KindFile:
		return s.handleFile(env)
	case KindAlert:
		return nil, s.handleAlert(env)
	case KindFinish:
		return s.handleFinish(env)
	case KindStopStatus:
		return s.handleStopStatus(env)
	case KindNetworkStatus:
		return s.handleNetworkStatus(env)
	case KindMessages:
		return s.handleMessages(env)
	case KindTeardown:
		return s.handleTeardown()
	default:
		return nil, fmt.Errorf("service: unknown record kind %q", env.Kind)
	}
}

func (s *Server) lookup(runID string) (*session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[runID]
	if !ok {
		return nil, fmt.Errorf("service: no session for run %s", runID)
	}
	return sess, nil
}

func (s *Server) handleRunStart(env Envelope) (any, error) {
	var req RunStartRequest
	if err := json.Unmarshal(env.Payload, &req); err != nil {
		return nil, fmt.Errorf("service: decode run-start: %w", err)
	}

	sess := &session{
		mode:    req.Mode,
		runDir:  req.RunDir,
		pid:     req.Pid,
		config:  map[string]any{},
		summary: map[string]any{},
	}
	if req.Run.Config != nil {
		sess.config = req.Run.Config
	}

	if req.Mode == "online" {
		client, err := api.NewClient(api.Config{BaseURL: req.BaseURL})
		if err != nil {
			return nil, err
		}
		run, err := client.UpsertRun(context.Background(), req.Run)
		if err != nil {
			return nil, err
		}
		sess.client = client
		sess.run = *run
		if run.Resumed {
			for k, v := range run.Summary {
				sess.summary[k] = v
			}
			if run.Config != nil {
				sess.config = run.Config
			}
			sess.nextStep = stepFromSummary(run.Summary)
		}
	} else {
		now := time.Now().UTC()
		sess.run = model.Run{
			ID:        req.Run.ID,
			Project:   req.Run.Project,
			Entity:    req.Run.Entity,
			Name:      req.Run.Name,
			Notes:     req.Run.Notes,
			Group:     req.Run.Group,
			JobType:   req.Run.JobType,
			Tags:      req.Run.Tags,
			State:     model.StateRunning,
			Config:    req.Run.Config,
			StartTime: now,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if req.Run.Resume != "" {
			if err := s.resumeOffline(sess, req); err != nil {
				return nil, err
			}
		}
	}

	if err := os.MkdirAll(req.RunDir, 0o755); err != nil {
		return nil, fmt.Errorf("service: create run dir: %w", err)
	}
	f, err := os.OpenFile(filepath.Join(req.RunDir, "history.jsonl"),
		os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("service: open history file: %w", err)
	}
	sess.history = f

	if err := writeJSONFile(filepath.Join(req.RunDir, "run.json"), sess.run); err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.sessions[sess.run.ID] = sess
	s.mu.Unlock()

	s.logger.Info("service: run started",
		"run_id", sess.run.ID, "mode", req.Mode, "resumed", sess.run.Resumed)
	return RunStartResponse{Run: sess.run, Step: sess.nextStep}, nil
}

// resumeOffline restores a run from its most recent directory under the base
// dir. Without a backend, prior run dirs are the store: the latest
// run-<stamp>-<id> dir supplies config, summary, and the step counter, and
// resume=must fails when none exists. As in the online path, the stored
// config is the base and this start's values win.
func (s *Server) resumeOffline(sess *session, req RunStartRequest) error {
	priorDir, ok, err := latestRunDir(req.RunDir, req.Run.ID)
	if err != nil {
		return err
	}
	if !ok {
		if req.Run.Resume == "must" {
			return fmt.Errorf("service: cannot resume, no prior run %s under %s",
				req.Run.ID, filepath.Dir(req.RunDir))
		}
		return nil
	}

	config := map[string]any{}
	if err := readJSONFile(filepath.Join(priorDir, "config.json"), &config); err != nil {
		return err
	}
	if err := readJSONFile(filepath.Join(priorDir, "summary.json"), &sess.summary); err != nil {
		return err
	}
	for k, v := range sess.config {
		config[k] = v
	}
	sess.config = config
	sess.run.Config = config
	sess.run.Summary = cloneDoc(sess.summary)
	sess.run.Resumed = true
	sess.nextStep = nextStepFromHistory(filepath.Join(priorDir, "history.jsonl"))

	s.logger.Info("service: run resumed from disk",
		"run_id", req.Run.ID, "prior_dir", priorDir, "next_step", sess.nextStep)
	return nil
}

// latestRunDir finds the newest run directory for id next to runDir. The
// stamp in the directory name sorts lexically, so the greatest name is the
// most recent. runDir itself counts: a restart within the same second reuses
// the directory and its state is read before anything is overwritten.
func latestRunDir(runDir, id string) (string, bool, error) {
	parent := filepath.Dir(runDir)
	entries, err := os.ReadDir(parent)
	if err != nil {
		if os.IsNotExist(err) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("service: scan %s: %w", parent, err)
	}
	latest := ""
	for _, e := range entries {
		name := e.Name()
		if !e.IsDir() || !strings.HasPrefix(name, "run-") || !strings.HasSuffix(name, "-"+id) {
			continue
		}
		if _, err := os.Stat(filepath.Join(parent, name, "run.json")); err != nil {
			continue
		}
		if name > latest {
			latest = name
		}
	}
	if latest == "" {
		return "", false, nil
	}
	return filepath.Join(parent, latest), true, nil
}

// nextStepFromHistory returns one past the highest step recorded in a
// history file, or zero when the file is missing or holds no rows.
func nextStepFromHistory(path string) int64 {
	f, err := os.Open(path)
	if err != nil {
		return 0
	}
	defer func() { _ = f.Close() }()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), maxScanTokenSize)
	var next int64
	for sc.Scan() {
		var rec HistoryRecord
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
			continue
		}
		if rec.Step+1 > next {
			next = rec.Step + 1
		}
	}
	return next
}

// stepFromSummary recovers the step counter a finished run stored in its
// summary under "_step".
func stepFromSummary(summary map[string]any) int64 {
	switch v := summary["_step"].(type) {
	case float64:
		return int64(v)
	case int64:
		return v
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return n
		}
	}
	return 0
}

func readJSONFile(path string, v any) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("service: read %s: %w", filepath.Base(path), err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("service: decode %s: %w", filepath.Base(path), err)
	}
	return nil
}

func (s *Server) handleAttach(env Envelope) (any, error) {
	var req AttachRequest
	if err := json.Unmarshal(env.Payload, &req); err != nil {
		return nil, fmt.Errorf("service: decode attach: %w", err)
	}
	sess, err := s.lookup(env.RunID)
	if err != nil {
		return nil, err
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.finished {
		return nil, fmt.Errorf("service: run %s is finished", env.RunID)
	}
	sess.pid = req.Pid
	s.logger.Info("service: run attached", "run_id", env.RunID, "pid", req.Pid)
	return AttachResponse{
		Run:     sess.run,
		Config:  cloneDoc(sess.config),
		Summary: cloneDoc(sess.summary),
		Step:    sess.nextStep,
	}, nil
}

func (s *Server) handleHistory(env Envelope) error {
	var rec HistoryRecord
	if err := json.Unmarshal(env.Payload, &rec); err != nil {
		return fmt.Errorf("service: decode history: %w", err)
	}
	sess, err := s.lookup(env.RunID)
	if err != nil {
		return err
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.finished {
		return fmt.Errorf("service: run %s is finished", env.RunID)
	}
	if rec.Step+1 > sess.nextStep {
		sess.nextStep = rec.Step + 1
	}
	// Summary tracks the last value logged for each key.
	for k, v := range rec.Data {
		sess.summary[k] = v
	}

	if err := appendJSONLine(sess.history, rec); err != nil {
		return err
	}

	if sess.client != nil {
		points := numericPoints(rec)
		if len(points) > 0 {
			if _, err := sess.client.AppendMetrics(context.Background(), env.RunID, points); err != nil {
				return err
			}
		}
	}
	return nil
}

// numericPoints extracts the float-representable values from a history row.
// Structured values (media descriptors, tables) live in the run directory
// and the summary document, not the metric store.
func numericPoints(rec HistoryRecord) []model.MetricPoint {
	var points []model.MetricPoint
	for k, v := range rec.Data {
		var f float64
		switch n := v.(type) {
		case float64:
			f = n
		case float32:
			f = float64(n)
		case int:
			f = float64(n)
		case int64:
			f = float64(n)
		case json.Number:
			parsed, err := n.Float64()
			if err != nil {
				continue
			}
			f = parsed
		case bool:
			if n {
				f = 1
			}
		default:
			continue
		}
		points = append(points, model.MetricPoint{Key: k, Value: f, Step: rec.Step})
	}
	return points
}

func (s *Server) handleRunUpdate(env Envelope) error {
	var rec RunUpdateRecord
	if err := json.Unmarshal(env.Payload, &rec); err != nil {
		return fmt.Errorf("service: decode run-update: %w", err)
	}
	sess, err := s.lookup(env.RunID)
	if err != nil {
		return err
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.finished {
		return fmt.Errorf("service: run %s is finished", env.RunID)
	}
	if rec.Name != nil {
		sess.run.Name = *rec.Name
	}
	if rec.Notes != nil {
		sess.run.Notes = *rec.Notes
	}
	if rec.Tags != nil {
		sess.run.Tags = append([]string(nil), (*rec.Tags)...)
	}
	sess.run.UpdatedAt = time.Now().UTC()

	if err := writeJSONFile(filepath.Join(sess.runDir, "run.json"), sess.run); err != nil {
		return err
	}
	if sess.client != nil {
		_, err := sess.client.PatchRun(context.Background(), env.RunID, model.RunPatch{
			Name:  rec.Name,
			Notes: rec.Notes,
			Tags:  rec.Tags,
		})
		return err
	}
	return nil
}

func (s *Server) handleConfig(env Envelope) error {
	var rec ConfigRecord
	if err := json.Unmarshal(env.Payload, &rec); err != nil {
		return fmt.Errorf("service: decode config: %w", err)
	}
	sess, err := s.lookup(env.RunID)
	if err != nil {
		return err
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()
	sess.config = rec.Data
	if err := writeJSONFile(filepath.Join(sess.runDir, "config.json"), rec.Data); err != nil {
		return err
	}
	if sess.client != nil {
		_, err := sess.client.PatchRun(context.Background(), env.RunID, model.RunPatch{Config: &rec.Data})
		return err
	}
	return nil
}

func (s *Server) handleSummary(env Envelope) error {
	var rec SummaryRecord
	if err := json.Unmarshal(env.Payload, &rec); err != nil {
		return fmt.Errorf("service: decode summary: %w", err)
	}
	sess, err := s.lookup(env.RunID)
	if err != nil {
		return err
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()
	for k, v := range rec.Data {
		if v == nil {
			delete(sess.summary, k)
			continue
		}
		sess.summary[k] = v
	}
	return writeJSONFile(filepath.Join(sess.runDir, "summary.json"), sess.summary)
}

func (s *Server) handleFile(env Envelope) (any, error) {
	var rec FileRecord
	if err := json.Unmarshal(env.Payload, &rec); err != nil {
		return nil, fmt.Errorf("service: decode file: %w", err)
	}
	sess, err := s.lookup(env.RunID)
	if err != nil {
		return nil, err
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.client != nil {
		return sess.client.UpsertFile(context.Background(), env.RunID, model.UpsertFileRequest{
			Path:   rec.Path,
			Policy: rec.Policy,
			Size:   rec.Size,
			SHA256: rec.SHA256,
		})
	}
	if err := appendJSONFileLine(filepath.Join(sess.runDir, "files.jsonl"), rec); err != nil {
		return nil, err
	}
	return nil, nil
}

func (s *Server) handleAlert(env Envelope) error {
	var rec AlertRecord
	if err := json.Unmarshal(env.Payload, &rec); err != nil {
		return fmt.Errorf("service: decode alert: %w", err)
	}
	sess, err := s.lookup(env.RunID)
	if err != nil {
		return err
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()
	s.logger.Warn("service: alert raised",
		"run_id", env.RunID, "title", rec.Title, "level", rec.Level)
	return appendJSONFileLine(filepath.Join(sess.runDir, "alerts.jsonl"), rec)
}

func (s *Server) handleFinish(env Envelope) (any, error) {
	var req FinishRequest
	if err := json.Unmarshal(env.Payload, &req); err != nil {
		return nil, fmt.Errorf("service: decode finish: %w", err)
	}
	sess, err := s.lookup(env.RunID)
	if err != nil {
		return nil, err
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.finished {
		return FinishResponse{Run: sess.run}, nil
	}

	for k, v := range req.Summary {
		sess.summary[k] = v
	}
	if sess.history != nil {
		_ = sess.history.Close()
		sess.history = nil
	}
	if err := writeJSONFile(filepath.Join(sess.runDir, "summary.json"), sess.summary); err != nil {
		return nil, err
	}

	sess.run.State = model.StateFinished
	sess.run.ExitCode = &req.ExitCode
	sess.run.Summary = cloneDoc(sess.summary)

	if sess.client != nil {
		state := model.StateFinished
		summary := cloneDoc(sess.summary)
		run, err := sess.client.PatchRun(context.Background(), env.RunID, model.RunPatch{
			State:    &state,
			ExitCode: &req.ExitCode,
			Summary:  &summary,
		})
		if err != nil {
			return nil, err
		}
		sess.run = *run
	}

	if err := writeJSONFile(filepath.Join(sess.runDir, "run.json"), sess.run); err != nil {
		return nil, err
	}
	sess.finished = true
	s.logger.Info("service: run finished", "run_id", env.RunID, "exit_code", req.ExitCode)
	return FinishResponse{Run: sess.run}, nil
}

func (s *Server) handleStopStatus(env Envelope) (any, error) {
	sess, err := s.lookup(env.RunID)
	if err != nil {
		return nil, err
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return StopStatusResponse{ShouldStop: sess.shouldStop}, nil
}

func (s *Server) handleNetworkStatus(env Envelope) (any, error) {
	sess, err := s.lookup(env.RunID)
	if err != nil {
		return nil, err
	}
	sess.mu.Lock()
	client := sess.client
	sess.mu.Unlock()

	if client == nil {
		return NetworkStatusResponse{Online: false}, nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err = client.Health(ctx)
	return NetworkStatusResponse{Online: err == nil}, nil
}

func (s *Server) handleMessages(env Envelope) (any, error) {
	sess, err := s.lookup(env.RunID)
	if err != nil {
		return nil, err
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	msgs := sess.messages
	sess.messages = nil
	return MessagesResponse{Messages: msgs}, nil
}

func (s *Server) handleTeardown() (any, error) {
	// Ack first; the connection handler writes the response before the
	// listener closes because Close waits on in-flight connections only
	// after the accept loop stops.
	go func() {
		time.Sleep(50 * time.Millisecond)
		s.Close()
	}()
	return struct{}{}, nil
}

func writeJSONFile(path string, v any) error {
	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("service: marshal %s: %w", filepath.Base(path), err)
	}
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return fmt.Errorf("service: write %s: %w", filepath.Base(path), err)
	}
	return nil
}

func appendJSONLine(f *os.File, v any) error {
	if f == nil {
		return nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("service: marshal record: %w", err)
	}
	raw = append(raw, '\n')
	if _, err := f.Write(raw); err != nil {
		return fmt.Errorf("service: append record: %w", err)
	}
	return nil
}

func appendJSONFileLine(path string, v any) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("service: open %s: %w", filepath.Base(path), err)
	}
	defer func() { _ = f.Close() }()
	return appendJSONLine(f, v)
}

func cloneDoc(doc map[string]any) map[string]any {
	out := make(map[string]any, len(doc))
	for k, v := range doc {
		out[k] = v
	}
	return out
}
