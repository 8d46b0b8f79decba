package run

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/arbiterhealth/arbiter/internal/determination"
	arbiterotel "github.com/arbiterhealth/arbiter/internal/otel"
)

var tracer = arbiterotel.Tracer("github.com/arbiterhealth/arbiter/internal/run")

// ErrRunNotFound is returned for lookups of unknown run IDs.
var ErrRunNotFound = errors.New("run not found")

// ErrRunTerminal is returned when an operation targets a run that has
// already reached a terminal status.
var ErrRunTerminal = errors.New("run already in a terminal status")

// Store persists runs, turns, and tool calls in SQLite.
type Store struct {
	db *sql.DB
}

// NewStore opens (and migrates) the run database.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("opening run database: %w", err)
	}
	// SQLite allows a single writer; one connection avoids SQLITE_BUSY under
	// concurrent workers.
	db.SetMaxOpenConns(1)

	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		case_number TEXT NOT NULL,
		status TEXT NOT NULL,
		turn_count INTEGER NOT NULL DEFAULT 0,
		model TEXT NOT NULL DEFAULT '',
		prompt_version TEXT NOT NULL DEFAULT '',
		failure_reason TEXT NOT NULL DEFAULT '',
		cancel_requested INTEGER NOT NULL DEFAULT 0,
		determination_json TEXT,
		created_at TIMESTAMP NOT NULL,
		started_at TIMESTAMP,
		completed_at TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS turns (
		run_id TEXT NOT NULL,
		idx INTEGER NOT NULL,
		assistant_content TEXT NOT NULL DEFAULT '',
		tool_calls_json TEXT NOT NULL DEFAULT '',
		tool_results_json TEXT NOT NULL DEFAULT '',
		prompt_tokens INTEGER NOT NULL DEFAULT 0,
		completion_tokens INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL,
		PRIMARY KEY (run_id, idx)
	);

	CREATE TABLE IF NOT EXISTS tool_calls (
		id TEXT PRIMARY KEY,
		run_id TEXT NOT NULL,
		turn_idx INTEGER NOT NULL,
		tool TEXT NOT NULL,
		args_json TEXT NOT NULL DEFAULT '',
		output TEXT NOT NULL DEFAULT '',
		success INTEGER NOT NULL,
		error TEXT NOT NULL DEFAULT '',
		latency_ms INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_runs_case ON runs(case_number);
	CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
	CREATE INDEX IF NOT EXISTS idx_tool_calls_run ON tool_calls(run_id);
	`

	if _, err := db.ExecContext(context.Background(), schema); err != nil {
		return nil, fmt.Errorf("creating run schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close releases the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Create registers a new PENDING run for a case.
func (s *Store) Create(ctx context.Context, caseNumber string) (*Run, error) {
	ctx, span := tracer.Start(ctx, "run.create",
		trace.WithAttributes(attribute.String("case_number", caseNumber)))
	defer span.End()

	r := &Run{
		ID:         uuid.NewString(),
		CaseNumber: caseNumber,
		Status:     StatusPending,
		CreatedAt:  time.Now().UTC(),
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, case_number, status, created_at) VALUES (?, ?, ?, ?)`,
		r.ID, r.CaseNumber, r.Status, r.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("creating run: %w", err)
	}

	span.SetAttributes(attribute.String("run.id", r.ID))
	return r, nil
}

// Get retrieves a run by ID.
func (s *Store) Get(ctx context.Context, id string) (*Run, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, case_number, status, turn_count, model, prompt_version,
		        failure_reason, cancel_requested, determination_json,
		        created_at, started_at, completed_at
		 FROM runs WHERE id = ?`, id)
	return scanRun(row)
}

// Claim atomically moves a PENDING run to RUNNING. The claim fails — without
// error — when the run is not PENDING anymore or when another run for the
// same case is already RUNNING. At most one run per case can hold RUNNING at
// any time.
func (s *Store) Claim(ctx context.Context, id string) (bool, error) {
	ctx, span := tracer.Start(ctx, "run.claim",
		trace.WithAttributes(attribute.String("run.id", id)))
	defer span.End()

	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, started_at = ?
		 WHERE id = ? AND status = ?
		   AND NOT EXISTS (
		     SELECT 1 FROM runs other
		     WHERE other.case_number = runs.case_number AND other.status = ?
		   )`,
		StatusRunning, time.Now().UTC(), id, StatusPending, StatusRunning,
	)
	if err != nil {
		return false, fmt.Errorf("claiming run: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claiming run: %w", err)
	}

	span.SetAttributes(attribute.Bool("run.claimed", n == 1))
	return n == 1, nil
}

// SetModel stamps the model and prompt version a RUNNING run executes under.
// The stamp is written once, on the first turn of the first attempt; resumed
// attempts read it back so a config change mid-retry cannot switch models on
// a run in flight.
func (s *Store) SetModel(ctx context.Context, id, model, promptVersion string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET model = ?, prompt_version = ? WHERE id = ? AND status = ?`,
		model, promptVersion, id, StatusRunning,
	)
	if err != nil {
		return fmt.Errorf("stamping run model: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("stamping run model: %w", err)
	}
	if n == 0 {
		if _, getErr := s.Get(ctx, id); getErr != nil {
			return getErr
		}
		return fmt.Errorf("stamping model for run %s: %w", id, ErrRunTerminal)
	}
	return nil
}

// RecordTurn appends a turn to the run's transcript and returns its assigned
// index. Indices are contiguous from 1; the turn is durable before the next
// model call happens.
func (s *Store) RecordTurn(ctx context.Context, t *Turn) (int, error) {
	ctx, span := tracer.Start(ctx, "run.record_turn",
		trace.WithAttributes(attribute.String("run.id", t.RunID)))
	defer span.End()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("beginning turn tx: %w", err)
	}
	defer tx.Rollback()

	var idx int
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(idx), 0) + 1 FROM turns WHERE run_id = ?`, t.RunID,
	).Scan(&idx); err != nil {
		return 0, fmt.Errorf("assigning turn index: %w", err)
	}

	t.Index = idx
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO turns (run_id, idx, assistant_content, tool_calls_json, tool_results_json,
		                    prompt_tokens, completion_tokens, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		t.RunID, t.Index, t.AssistantContent, t.ToolCallsJSON, t.ToolResultsJSON,
		t.PromptTokens, t.CompletionTokens, t.CreatedAt,
	); err != nil {
		return 0, fmt.Errorf("inserting turn: %w", err)
	}

	// Terminal statuses are final: once the run left RUNNING (reaper, cancel,
	// a racing finish) no further turns may land. The rollback discards the
	// turn inserted above.
	res, err := tx.ExecContext(ctx,
		`UPDATE runs SET turn_count = ? WHERE id = ? AND status = ?`,
		t.Index, t.RunID, StatusRunning,
	)
	if err != nil {
		return 0, fmt.Errorf("updating turn count: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("updating turn count: %w", err)
	}
	if n == 0 {
		var status Status
		err := tx.QueryRowContext(ctx, `SELECT status FROM runs WHERE id = ?`, t.RunID).Scan(&status)
		if err == sql.ErrNoRows {
			return 0, ErrRunNotFound
		}
		if err != nil {
			return 0, fmt.Errorf("checking run status: %w", err)
		}
		return 0, fmt.Errorf("recording turn for run %s (status %s): %w", t.RunID, status, ErrRunTerminal)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing turn: %w", err)
	}

	span.SetAttributes(attribute.Int("turn.index", idx))
	return idx, nil
}

// RecordToolCall persists one tool invocation. Like RecordTurn it refuses to
// write against a run that already reached a terminal status.
func (s *Store) RecordToolCall(ctx context.Context, tc *ToolCall) error {
	if tc.ID == "" {
		tc.ID = uuid.NewString()
	}
	if tc.CreatedAt.IsZero() {
		tc.CreatedAt = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO tool_calls (id, run_id, turn_idx, tool, args_json, output, success, error, latency_ms, created_at)
		 SELECT ?, ?, ?, ?, ?, ?, ?, ?, ?, ?
		 WHERE EXISTS (SELECT 1 FROM runs WHERE id = ? AND status = ?)`,
		tc.ID, tc.RunID, tc.TurnIndex, tc.Tool, tc.ArgsJSON, tc.Output,
		tc.Success, tc.Error, tc.LatencyMS, tc.CreatedAt,
		tc.RunID, StatusRunning,
	)
	if err != nil {
		return fmt.Errorf("recording tool call: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("recording tool call: %w", err)
	}
	if n == 0 {
		if _, getErr := s.Get(ctx, tc.RunID); getErr != nil {
			return getErr
		}
		return fmt.Errorf("recording tool call for run %s: %w", tc.RunID, ErrRunTerminal)
	}
	return nil
}

// Complete moves a RUNNING run to COMPLETED with its determination.
func (s *Store) Complete(ctx context.Context, id string, det *determination.Result) error {
	detJSON, err := json.Marshal(det)
	if err != nil {
		return fmt.Errorf("marshaling determination: %w", err)
	}
	return s.finish(ctx, id, StatusCompleted, "", string(detJSON))
}

// Fail moves a RUNNING run to FAILED with a reason.
func (s *Store) Fail(ctx context.Context, id, reason string) error {
	return s.finish(ctx, id, StatusFailed, reason, "")
}

// Timeout moves a RUNNING run to TIMED_OUT.
func (s *Store) Timeout(ctx context.Context, id string) error {
	return s.finish(ctx, id, StatusTimedOut, "wall-clock ceiling exceeded", "")
}

func (s *Store) finish(ctx context.Context, id string, status Status, reason, detJSON string) error {
	ctx, span := tracer.Start(ctx, "run.finish",
		trace.WithAttributes(
			attribute.String("run.id", id),
			attribute.String("run.status", string(status)),
		))
	defer span.End()

	var det interface{}
	if detJSON != "" {
		det = detJSON
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, failure_reason = ?, determination_json = ?, completed_at = ?
		 WHERE id = ? AND status = ?`,
		status, reason, det, time.Now().UTC(), id, StatusRunning,
	)
	if err != nil {
		return fmt.Errorf("finishing run: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("finishing run: %w", err)
	}
	if n == 0 {
		cur, getErr := s.Get(ctx, id)
		if getErr != nil {
			return getErr
		}
		return fmt.Errorf("finishing run %s: %w (status %s)", id, ErrRunTerminal, cur.Status)
	}
	return nil
}

// RequestCancel flags a run for cancellation. The engine honors the flag at
// the next turn boundary. Terminal runs cannot be cancelled.
func (s *Store) RequestCancel(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET cancel_requested = 1 WHERE id = ? AND status IN (?, ?)`,
		id, StatusPending, StatusRunning,
	)
	if err != nil {
		return fmt.Errorf("requesting cancel: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("requesting cancel: %w", err)
	}
	if n == 0 {
		if _, getErr := s.Get(ctx, id); getErr != nil {
			return getErr
		}
		return ErrRunTerminal
	}
	return nil
}

// CancelRequested reports whether cancellation has been requested for a run.
func (s *Store) CancelRequested(ctx context.Context, id string) (bool, error) {
	var flagged bool
	err := s.db.QueryRowContext(ctx,
		`SELECT cancel_requested FROM runs WHERE id = ?`, id,
	).Scan(&flagged)
	if err == sql.ErrNoRows {
		return false, ErrRunNotFound
	}
	if err != nil {
		return false, fmt.Errorf("checking cancel flag: %w", err)
	}
	return flagged, nil
}

// Turns returns a run's transcript in index order.
func (s *Store) Turns(ctx context.Context, runID string) ([]Turn, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, idx, assistant_content, tool_calls_json, tool_results_json,
		        prompt_tokens, completion_tokens, created_at
		 FROM turns WHERE run_id = ? ORDER BY idx ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("querying turns: %w", err)
	}
	defer rows.Close()

	var turns []Turn
	for rows.Next() {
		var t Turn
		if err := rows.Scan(&t.RunID, &t.Index, &t.AssistantContent, &t.ToolCallsJSON,
			&t.ToolResultsJSON, &t.PromptTokens, &t.CompletionTokens, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning turn: %w", err)
		}
		turns = append(turns, t)
	}
	return turns, rows.Err()
}

// ToolCalls returns every tool call recorded for a run, oldest first.
func (s *Store) ToolCalls(ctx context.Context, runID string) ([]ToolCall, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_id, turn_idx, tool, args_json, output, success, error, latency_ms, created_at
		 FROM tool_calls WHERE run_id = ? ORDER BY created_at ASC, id ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("querying tool calls: %w", err)
	}
	defer rows.Close()

	var calls []ToolCall
	for rows.Next() {
		var tc ToolCall
		if err := rows.Scan(&tc.ID, &tc.RunID, &tc.TurnIndex, &tc.Tool, &tc.ArgsJSON,
			&tc.Output, &tc.Success, &tc.Error, &tc.LatencyMS, &tc.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning tool call: %w", err)
		}
		calls = append(calls, tc)
	}
	return calls, rows.Err()
}

// StaleRunning returns RUNNING runs whose worker went quiet: started before
// the cutoff with no turn recorded since.
func (s *Store) StaleRunning(ctx context.Context, cutoff time.Time) ([]Run, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, case_number, status, turn_count, model, prompt_version,
		        failure_reason, cancel_requested, determination_json,
		        created_at, started_at, completed_at
		 FROM runs
		 WHERE status = ?
		   AND started_at < ?
		   AND COALESCE((SELECT MAX(created_at) FROM turns WHERE turns.run_id = runs.id), started_at) < ?`,
		StatusRunning, cutoff, cutoff)
	if err != nil {
		return nil, fmt.Errorf("querying stale runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		r, err := scanRunRows(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *r)
	}
	return runs, rows.Err()
}

// ForCase returns every run for a case, newest first.
func (s *Store) ForCase(ctx context.Context, caseNumber string) ([]Run, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, case_number, status, turn_count, model, prompt_version,
		        failure_reason, cancel_requested, determination_json,
		        created_at, started_at, completed_at
		 FROM runs WHERE case_number = ? ORDER BY created_at DESC`, caseNumber)
	if err != nil {
		return nil, fmt.Errorf("querying case runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		r, err := scanRunRows(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *r)
	}
	return runs, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRun(row *sql.Row) (*Run, error) {
	r, err := scanRunRows(row)
	if err == sql.ErrNoRows {
		return nil, ErrRunNotFound
	}
	return r, err
}

func scanRunRows(row rowScanner) (*Run, error) {
	var r Run
	var detJSON sql.NullString
	var startedAt, completedAt sql.NullTime
	err := row.Scan(&r.ID, &r.CaseNumber, &r.Status, &r.TurnCount, &r.Model, &r.PromptVersion,
		&r.FailureReason, &r.CancelRequested, &detJSON, &r.CreatedAt, &startedAt, &completedAt)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("scanning run: %w", err)
	}
	if startedAt.Valid {
		t := startedAt.Time
		r.StartedAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time
		r.CompletedAt = &t
	}
	if detJSON.Valid && detJSON.String != "" {
		var det determination.Result
		if err := json.Unmarshal([]byte(detJSON.String), &det); err != nil {
			return nil, fmt.Errorf("unmarshaling determination: %w", err)
		}
		r.Determination = &det
	}
	return &r, nil
}
