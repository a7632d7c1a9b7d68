// Package transcript provides persistent storage for completed agent
// runs. Each run records the prompt, the final reply, every tool
// invocation, and the full conversation so a session can be audited
// after the fact. Records are append-only and ordered by start time.
package transcript

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// ErrNotFound is returned by Get when no run exists with the given ID.
var ErrNotFound = errors.New("run not found")

// Run is one completed agent request, from prompt to final reply.
type Run struct {
	ID          string     `json:"id"`
	StartedAt   time.Time  `json:"startedAt"`
	CompletedAt time.Time  `json:"completedAt"`
	Provider    string     `json:"provider"`
	Model       string     `json:"model"`
	Prompt      string     `json:"prompt"`
	Hint        string     `json:"hint,omitempty"`
	Reply       string     `json:"reply"`
	Iterations  int        `json:"iterations"`
	DurationMs  int64      `json:"durationMs"`
	Error       string     `json:"error,omitempty"`
	ToolCalls   []ToolCall `json:"toolCalls,omitempty"`
	Turns       []Turn     `json:"turns,omitempty"`
}

// ToolCall is a single tool invocation within a run. Arguments holds
// the JSON-encoded argument object as sent to the tool.
type ToolCall struct {
	Seq        int    `json:"seq"`
	Tool       string `json:"tool"`
	Arguments  string `json:"arguments"`
	Result     string `json:"result"`
	IsError    bool   `json:"isError"`
	DurationMs int64  `json:"durationMs"`
}

// Turn is one conversation message within a run.
type Turn struct {
	Seq     int    `json:"seq"`
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Store is an append-only SQLite store for run transcripts. All public
// methods are safe for concurrent use (SQLite serializes writes).
type Store struct {
	db *sql.DB
}

// NewStore wraps an open database handle and creates the schema if it
// does not exist yet.
func NewStore(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate transcript schema: %w", err)
	}
	return s, nil
}

// Open creates a transcript store at the given database path. The
// schema is created automatically on first use.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open transcript database: %w", err)
	}

	s, err := NewStore(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id           TEXT PRIMARY KEY,
		started_at   TEXT NOT NULL,
		completed_at TEXT NOT NULL,
		provider     TEXT NOT NULL,
		model        TEXT NOT NULL,
		prompt       TEXT NOT NULL,
		hint         TEXT,
		reply        TEXT,
		iterations   INTEGER NOT NULL,
		duration_ms  INTEGER NOT NULL,
		error        TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started_at);

	CREATE TABLE IF NOT EXISTS run_tool_calls (
		run_id      TEXT NOT NULL,
		seq         INTEGER NOT NULL,
		tool        TEXT NOT NULL,
		arguments   TEXT,
		result      TEXT,
		is_error    INTEGER NOT NULL DEFAULT 0,
		duration_ms INTEGER NOT NULL,
		PRIMARY KEY (run_id, seq)
	);

	CREATE TABLE IF NOT EXISTS run_turns (
		run_id  TEXT NOT NULL,
		seq     INTEGER NOT NULL,
		role    TEXT NOT NULL,
		content TEXT,
		PRIMARY KEY (run_id, seq)
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Record persists a run and its tool calls and turns in one
// transaction. If run.ID is empty, a UUIDv7 is generated and written
// back to the run.
func (s *Store) Record(ctx context.Context, run *Run) error {
	if run.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("generate run ID: %w", err)
		}
		run.ID = id.String()
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now()
	}
	if run.CompletedAt.IsZero() {
		run.CompletedAt = time.Now()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transcript write: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO runs
			(id, started_at, completed_at, provider, model, prompt, hint,
			 reply, iterations, duration_ms, error)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID,
		run.StartedAt.UTC().Format(time.RFC3339Nano),
		run.CompletedAt.UTC().Format(time.RFC3339Nano),
		run.Provider,
		run.Model,
		run.Prompt,
		run.Hint,
		run.Reply,
		run.Iterations,
		run.DurationMs,
		run.Error,
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}

	for _, tc := range run.ToolCalls {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO run_tool_calls
				(run_id, seq, tool, arguments, result, is_error, duration_ms)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			run.ID, tc.Seq, tc.Tool, tc.Arguments, tc.Result, tc.IsError, tc.DurationMs,
		)
		if err != nil {
			return fmt.Errorf("insert tool call %d: %w", tc.Seq, err)
		}
	}

	for _, turn := range run.Turns {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO run_turns (run_id, seq, role, content)
			 VALUES (?, ?, ?, ?)`,
			run.ID, turn.Seq, turn.Role, turn.Content,
		)
		if err != nil {
			return fmt.Errorf("insert turn %d: %w", turn.Seq, err)
		}
	}

	return tx.Commit()
}

// Get returns a run with its tool calls and turns. Returns ErrNotFound
// when no run exists with the given ID.
func (s *Store) Get(ctx context.Context, id string) (*Run, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, started_at, completed_at, provider, model, prompt, hint,
			reply, iterations, duration_ms, error
		FROM runs WHERE id = ?`, id)

	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load run: %w", err)
	}

	if run.ToolCalls, err = s.toolCalls(ctx, id); err != nil {
		return nil, err
	}
	if run.Turns, err = s.turns(ctx, id); err != nil {
		return nil, err
	}
	return run, nil
}

// List returns runs ordered newest-first, without their tool calls or
// turns. If limit is 0, all runs are returned.
func (s *Store) List(ctx context.Context, limit int) ([]*Run, error) {
	query := `
		SELECT id, started_at, completed_at, provider, model, prompt, hint,
			reply, iterations, duration_ms, error
		FROM runs ORDER BY started_at DESC`
	var args []any
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

func (s *Store) toolCalls(ctx context.Context, runID string) ([]ToolCall, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, tool, arguments, result, is_error, duration_ms
		FROM run_tool_calls WHERE run_id = ? ORDER BY seq`, runID)
	if err != nil {
		return nil, fmt.Errorf("load tool calls: %w", err)
	}
	defer rows.Close()

	var calls []ToolCall
	for rows.Next() {
		var tc ToolCall
		var arguments, result sql.NullString
		if err := rows.Scan(&tc.Seq, &tc.Tool, &arguments, &result, &tc.IsError, &tc.DurationMs); err != nil {
			return nil, fmt.Errorf("scan tool call: %w", err)
		}
		tc.Arguments = arguments.String
		tc.Result = result.String
		calls = append(calls, tc)
	}
	return calls, rows.Err()
}

func (s *Store) turns(ctx context.Context, runID string) ([]Turn, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, role, content
		FROM run_turns WHERE run_id = ? ORDER BY seq`, runID)
	if err != nil {
		return nil, fmt.Errorf("load turns: %w", err)
	}
	defer rows.Close()

	var turns []Turn
	for rows.Next() {
		var turn Turn
		var content sql.NullString
		if err := rows.Scan(&turn.Seq, &turn.Role, &content); err != nil {
			return nil, fmt.Errorf("scan turn: %w", err)
		}
		turn.Content = content.String
		turns = append(turns, turn)
	}
	return turns, rows.Err()
}

// scanner abstracts *sql.Row and *sql.Rows for shared scanning logic.
type scanner interface {
	Scan(dest ...any) error
}

func scanRun(s scanner) (*Run, error) {
	var run Run
	var hint, reply, errStr sql.NullString
	var startedAt, completedAt string

	err := s.Scan(
		&run.ID, &startedAt, &completedAt,
		&run.Provider, &run.Model, &run.Prompt, &hint,
		&reply, &run.Iterations, &run.DurationMs, &errStr,
	)
	if err != nil {
		return nil, err
	}

	run.Hint = hint.String
	run.Reply = reply.String
	run.Error = errStr.String

	run.StartedAt, _ = time.Parse(time.RFC3339Nano, startedAt)
	run.CompletedAt, _ = time.Parse(time.RFC3339Nano, completedAt)

	return &run, nil
}
