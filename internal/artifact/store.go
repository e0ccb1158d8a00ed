// Package artifact persists the final result of finished pipeline sessions in SQLite.
package artifact

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"SnippetAI/internal/session"
)

// ErrNotFound is returned when no artifact was stored for a session
var ErrNotFound = errors.New("artifact not found")

// Stage is a persisted stage record
type Stage struct {
	Name        string     `json:"stage_name"`
	Provider    string     `json:"provider_used"`
	Model       string     `json:"model_used"`
	Tier        string     `json:"tier"`
	Output      string     `json:"output"`
	Truncated   bool       `json:"truncated"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Record is a persisted session result
type Record struct {
	SessionID    string            `json:"session_id"`
	Kind         string            `json:"pipeline_kind"`
	Status       string            `json:"status"`
	Prompt       string            `json:"prompt"`
	Final        string            `json:"final"`
	Incomplete   bool              `json:"incomplete"`
	Outputs      map[string]string `json:"outputs"`
	ErrorKind    string            `json:"error_kind,omitempty"`
	ErrorMessage string            `json:"error_message,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
	FinishedAt   time.Time         `json:"finished_at"`
	Stages       []Stage           `json:"stages"`
}

// Store is a SQLite-backed artifact sink
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

const schema = `
CREATE TABLE IF NOT EXISTS artifacts (
	session_id TEXT PRIMARY KEY,
	pipeline_kind TEXT,
	status TEXT,
	prompt TEXT,
	final TEXT,
	incomplete INTEGER,
	outputs TEXT,
	error_kind TEXT,
	error_message TEXT,
	created_at DATETIME,
	finished_at DATETIME
);
CREATE TABLE IF NOT EXISTS artifact_stages (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id TEXT,
	position INTEGER,
	stage_name TEXT,
	provider TEXT,
	model TEXT,
	tier TEXT,
	output TEXT,
	truncated INTEGER,
	started_at DATETIME,
	completed_at DATETIME,
	FOREIGN KEY(session_id) REFERENCES artifacts(session_id)
);`

// Open opens or creates the database at path
func Open(path string, logger *slog.Logger) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." && path != ":memory:" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create storage directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// sqlite allows one writer; in-memory databases are per connection
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create artifact tables: %w", err)
	}
	return &Store{db: db, logger: logger}, nil
}

// Close closes the database
func (s *Store) Close() error {
	return s.db.Close()
}

// Save stores the result of a terminal session, replacing any earlier record
func (s *Store) Save(ctx context.Context, snap session.Snapshot) error {
	var (
		final      string
		incomplete bool
		outputs    = map[string]string{}
	)
	if snap.Artifact != nil {
		final = snap.Artifact.Final
		incomplete = snap.Artifact.Incomplete
		outputs = snap.Artifact.Outputs
	}
	encoded, err := json.Marshal(outputs)
	if err != nil {
		return fmt.Errorf("failed to encode outputs: %w", err)
	}
	var errKind, errMsg string
	if snap.Error != nil {
		errKind, errMsg = snap.Error.Kind, snap.Error.Message
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM artifact_stages WHERE session_id = ?", snap.ID); err != nil {
		return fmt.Errorf("failed to clear stages: %w", err)
	}
	_, err = tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO artifacts
		(session_id, pipeline_kind, status, prompt, final, incomplete, outputs, error_kind, error_message, created_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		snap.ID, string(snap.Kind), string(snap.Status), snap.Prompt, final, incomplete, string(encoded),
		errKind, errMsg, snap.CreatedAt, snap.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert artifact: %w", err)
	}

	for i, st := range snap.Stages {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO artifact_stages
			(session_id, position, stage_name, provider, model, tier, output, truncated, started_at, completed_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			snap.ID, i, st.Name, st.Provider, st.Model, st.Tier, st.Output, st.Truncated, st.StartedAt, st.CompletedAt)
		if err != nil {
			return fmt.Errorf("failed to insert stage %s: %w", st.Name, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit artifact: %w", err)
	}
	s.logger.Debug("artifact saved", "session_id", snap.ID, "status", snap.Status, "stages", len(snap.Stages))
	return nil
}

// Get loads the stored result of a session
func (s *Store) Get(ctx context.Context, sessionID string) (*Record, error) {
	rec := &Record{SessionID: sessionID}
	var outputs string
	err := s.db.QueryRowContext(ctx,
		`SELECT pipeline_kind, status, prompt, final, incomplete, outputs, error_kind, error_message, created_at, finished_at
		FROM artifacts WHERE session_id = ?`, sessionID).
		Scan(&rec.Kind, &rec.Status, &rec.Prompt, &rec.Final, &rec.Incomplete, &outputs,
			&rec.ErrorKind, &rec.ErrorMessage, &rec.CreatedAt, &rec.FinishedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, sessionID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query artifact: %w", err)
	}
	if err := json.Unmarshal([]byte(outputs), &rec.Outputs); err != nil {
		return nil, fmt.Errorf("failed to decode outputs: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT stage_name, provider, model, tier, output, truncated, started_at, completed_at
		FROM artifact_stages WHERE session_id = ? ORDER BY position`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query stages: %w", err)
	}
	defer rows.Close()

	rec.Stages = []Stage{}
	for rows.Next() {
		var (
			st        Stage
			completed sql.NullTime
		)
		if err := rows.Scan(&st.Name, &st.Provider, &st.Model, &st.Tier, &st.Output, &st.Truncated, &st.StartedAt, &completed); err != nil {
			return nil, fmt.Errorf("failed to scan stage: %w", err)
		}
		if completed.Valid {
			at := completed.Time
			st.CompletedAt = &at
		}
		rec.Stages = append(rec.Stages, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read stages: %w", err)
	}
	return rec, nil
}
