// Package storage provides the SQLite storage layer for the local backend.
//
// The store is local-first: a single SQLite database file (WAL mode) holds
// runs, metrics, and file records. Metrics are batch-inserted inside a
// transaction by the server's write buffer.
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/tracklab/tracklab/internal/model"
)

// ErrNotFound is returned when a run does not exist.
var ErrNotFound = errors.New("storage: not found")

// Store wraps the SQLite database.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open creates a Store. dsn examples: "file:tracklab.db", ":memory:".
// The schema is created if missing.
func Open(ctx context.Context, dsn string, logger *slog.Logger) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("storage: open sqlite: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("storage: set pragma %s: %w", p, err)
		}
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("storage: create schema: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("storage: ping: %w", err)
	}
	return &Store{db: db, logger: logger}, nil
}

// Close releases the database handle.
func (s *Store) Close() error { return s.db.Close() }

const schema = `
CREATE TABLE IF NOT EXISTS runs (
    id         TEXT PRIMARY KEY,
    project    TEXT NOT NULL,
    entity     TEXT NOT NULL DEFAULT '',
    name       TEXT NOT NULL DEFAULT '',
    notes      TEXT NOT NULL DEFAULT '',
    group_name TEXT NOT NULL DEFAULT '',
    job_type   TEXT NOT NULL DEFAULT '',
    tags       TEXT NOT NULL DEFAULT '[]',
    state      TEXT NOT NULL DEFAULT 'running',
    resumed    INTEGER NOT NULL DEFAULT 0,
    exit_code  INTEGER,
    config     TEXT NOT NULL DEFAULT '{}',
    summary    TEXT NOT NULL DEFAULT '{}',
    start_time DATETIME NOT NULL,
    created_at DATETIME NOT NULL,
    updated_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS metrics (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    run_id      TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
    key         TEXT NOT NULL,
    value       REAL NOT NULL,
    step        INTEGER NOT NULL,
    recorded_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_metrics_run_key_step ON metrics(run_id, key, step);

CREATE TABLE IF NOT EXISTS files (
    id         TEXT PRIMARY KEY,
    run_id     TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
    path       TEXT NOT NULL,
    policy     TEXT NOT NULL DEFAULT 'now',
    size       INTEGER NOT NULL DEFAULT 0,
    sha256     TEXT NOT NULL DEFAULT '',
    created_at DATETIME NOT NULL,
    UNIQUE(run_id, path)
);
`

func marshalDoc(doc map[string]any) (string, error) {
	if doc == nil {
		return "{}", nil
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("storage: marshal document: %w", err)
	}
	return string(raw), nil
}

func marshalTags(tags []string) (string, error) {
	if tags == nil {
		tags = []string{}
	}
	raw, err := json.Marshal(tags)
	if err != nil {
		return "", fmt.Errorf("storage: marshal tags: %w", err)
	}
	return string(raw), nil
}

// CreateRun inserts a new run row.
func (s *Store) CreateRun(ctx context.Context, r model.Run) error {
	tags, err := marshalTags(r.Tags)
	if err != nil {
		return err
	}
	cfg, err := marshalDoc(r.Config)
	if err != nil {
		return err
	}
	summ, err := marshalDoc(r.Summary)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO runs (id, project, entity, name, notes, group_name, job_type,
		                  tags, state, config, summary, start_time, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.Project, r.Entity, r.Name, r.Notes, r.Group, r.JobType,
		tags, string(r.State), cfg, summ, r.StartTime.UTC(), now, now)
	if err != nil {
		return fmt.Errorf("storage: create run %s: %w", r.ID, err)
	}
	return nil
}

func scanRun(row interface{ Scan(...any) error }) (model.Run, error) {
	var (
		r         model.Run
		tags      string
		cfg, summ string
		state     string
		exitCode  sql.NullInt64
	)
	err := row.Scan(&r.ID, &r.Project, &r.Entity, &r.Name, &r.Notes, &r.Group, &r.JobType,
		&tags, &state, &r.Resumed, &exitCode, &cfg, &summ, &r.StartTime, &r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return r, ErrNotFound
	}
	if err != nil {
		return r, fmt.Errorf("storage: scan run: %w", err)
	}
	r.State = model.RunState(state)
	if exitCode.Valid {
		code := int(exitCode.Int64)
		r.ExitCode = &code
	}
	if err := json.Unmarshal([]byte(tags), &r.Tags); err != nil {
		return r, fmt.Errorf("storage: decode tags for run %s: %w", r.ID, err)
	}
	if err := json.Unmarshal([]byte(cfg), &r.Config); err != nil {
		return r, fmt.Errorf("storage: decode config for run %s: %w", r.ID, err)
	}
	if err := json.Unmarshal([]byte(summ), &r.Summary); err != nil {
		return r, fmt.Errorf("storage: decode summary for run %s: %w", r.ID, err)
	}
	return r, nil
}

const runColumns = `id, project, entity, name, notes, group_name, job_type,
	tags, state, resumed, exit_code, config, summary, start_time, created_at, updated_at`

// GetRun fetches a run by ID. Returns ErrNotFound when absent.
func (s *Store) GetRun(ctx context.Context, id string) (model.Run, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	return scanRun(row)
}

// UpdateRun applies a partial update. Returns ErrNotFound when the run does
// not exist.
func (s *Store) UpdateRun(ctx context.Context, id string, patch model.RunPatch) (model.Run, error) {
	existing, err := s.GetRun(ctx, id)
	if err != nil {
		return model.Run{}, err
	}
	if patch.Name != nil {
		existing.Name = *patch.Name
	}
	if patch.Notes != nil {
		existing.Notes = *patch.Notes
	}
	if patch.Tags != nil {
		existing.Tags = *patch.Tags
	}
	if patch.State != nil {
		existing.State = *patch.State
	}
	if patch.ExitCode != nil {
		existing.ExitCode = patch.ExitCode
	}
	if patch.Config != nil {
		existing.Config = *patch.Config
	}
	if patch.Summary != nil {
		existing.Summary = *patch.Summary
	}

	tags, err := marshalTags(existing.Tags)
	if err != nil {
		return model.Run{}, err
	}
	cfg, err := marshalDoc(existing.Config)
	if err != nil {
		return model.Run{}, err
	}
	summ, err := marshalDoc(existing.Summary)
	if err != nil {
		return model.Run{}, err
	}
	var exitCode any
	if existing.ExitCode != nil {
		exitCode = *existing.ExitCode
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE runs SET name = ?, notes = ?, tags = ?, state = ?, exit_code = ?,
		                config = ?, summary = ?, updated_at = ?
		WHERE id = ?`,
		existing.Name, existing.Notes, tags, string(existing.State), exitCode,
		cfg, summ, time.Now().UTC(), id)
	if err != nil {
		return model.Run{}, fmt.Errorf("storage: update run %s: %w", id, err)
	}
	return s.GetRun(ctx, id)
}

// SetResumed marks a run as having been resumed at least once. The flag is
// sticky; there is no way to clear it.
func (s *Store) SetResumed(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET resumed = 1, updated_at = ? WHERE id = ?`,
		time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("storage: set resumed %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListRuns returns runs, newest first, optionally filtered by project.
func (s *Store) ListRuns(ctx context.Context, project string, limit int) ([]model.Run, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT ` + runColumns + ` FROM runs`
	args := []any{}
	if project != "" {
		query += ` WHERE project = ?`
		args = append(args, project)
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: list runs: %w", err)
	}
	defer rows.Close()

	var out []model.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ListProjects aggregates distinct projects with run counts.
func (s *Store) ListProjects(ctx context.Context) ([]model.Project, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT project, COUNT(*) FROM runs GROUP BY project ORDER BY project`)
	if err != nil {
		return nil, fmt.Errorf("storage: list projects: %w", err)
	}
	defer rows.Close()

	var out []model.Project
	for rows.Next() {
		var p model.Project
		if err := rows.Scan(&p.Name, &p.RunCount); err != nil {
			return nil, fmt.Errorf("storage: scan project: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// InsertMetrics batch-inserts metric points in one transaction.
func (s *Store) InsertMetrics(ctx context.Context, points []model.Metric) (int, error) {
	if len(points) == 0 {
		return 0, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("storage: begin metrics tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO metrics (run_id, key, value, step, recorded_at) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return 0, fmt.Errorf("storage: prepare metrics insert: %w", err)
	}
	defer stmt.Close()

	for _, p := range points {
		if _, err := stmt.ExecContext(ctx, p.RunID, p.Key, p.Value, p.Step, p.RecordedAt.UTC()); err != nil {
			return 0, fmt.Errorf("storage: insert metric %s/%s: %w", p.RunID, p.Key, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("storage: commit metrics: %w", err)
	}
	return len(points), nil
}

// ListMetrics returns the points for one metric key, ordered by step.
func (s *Store) ListMetrics(ctx context.Context, runID, key string) ([]model.Metric, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, run_id, key, value, step, recorded_at FROM metrics
		WHERE run_id = ? AND key = ? ORDER BY step, id`, runID, key)
	if err != nil {
		return nil, fmt.Errorf("storage: list metrics: %w", err)
	}
	defer rows.Close()

	var out []model.Metric
	for rows.Next() {
		var m model.Metric
		if err := rows.Scan(&m.ID, &m.RunID, &m.Key, &m.Value, &m.Step, &m.RecordedAt); err != nil {
			return nil, fmt.Errorf("storage: scan metric: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// CountMetrics returns the total stored points for a run.
func (s *Store) CountMetrics(ctx context.Context, runID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM metrics WHERE run_id = ?`, runID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("storage: count metrics: %w", err)
	}
	return n, nil
}

// UpsertFile records file metadata, replacing any previous record for the
// same (run, path).
func (s *Store) UpsertFile(ctx context.Context, f model.File) (model.File, error) {
	if f.ID == uuid.Nil {
		f.ID = uuid.New()
	}
	if f.CreatedAt.IsZero() {
		f.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO files (id, run_id, path, policy, size, sha256, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (run_id, path) DO UPDATE SET
			policy = excluded.policy, size = excluded.size, sha256 = excluded.sha256`,
		f.ID.String(), f.RunID, f.Path, f.Policy, f.Size, f.SHA256, f.CreatedAt)
	if err != nil {
		return model.File{}, fmt.Errorf("storage: upsert file %s/%s: %w", f.RunID, f.Path, err)
	}
	return f, nil
}

// ListFiles returns the file records for a run.
func (s *Store) ListFiles(ctx context.Context, runID string) ([]model.File, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, run_id, path, policy, size, sha256, created_at FROM files
		WHERE run_id = ? ORDER BY path`, runID)
	if err != nil {
		return nil, fmt.Errorf("storage: list files: %w", err)
	}
	defer rows.Close()

	var out []model.File
	for rows.Next() {
		var f model.File
		var id string
		if err := rows.Scan(&id, &f.RunID, &f.Path, &f.Policy, &f.Size, &f.SHA256, &f.CreatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan file: %w", err)
		}
		f.ID, _ = uuid.Parse(id)
		out = append(out, f)
	}
	return out, rows.Err()
}
