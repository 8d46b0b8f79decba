// Package queue provides the durable work queue feeding the review workers.
// Jobs survive restarts in SQLite; the pool in worker.go drains them.
package queue

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	arbiterotel "github.com/arbiterhealth/arbiter/internal/otel"
)

var tracer = arbiterotel.Tracer("github.com/arbiterhealth/arbiter/internal/queue")

// JobState is the queue-side lifecycle of one unit of work.
type JobState string

const (
	StateWaiting   JobState = "waiting"
	StateActive    JobState = "active"
	StateCompleted JobState = "completed"
	StateFailed    JobState = "failed"
	StateDelayed   JobState = "delayed"
)

// Job carries one run through the queue.
type Job struct {
	ID            string     `json:"id"`
	RunID         string     `json:"run_id"`
	CaseNumber    string     `json:"case_number"`
	State         JobState   `json:"state"`
	Attempts      int        `json:"attempts"`
	LastError     string     `json:"last_error,omitempty"`
	NextAttemptAt *time.Time `json:"next_attempt_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// Store persists jobs in SQLite.
type Store struct {
	db *sql.DB
}

// NewStore opens (and migrates) the queue database.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("opening queue database: %w", err)
	}
	db.SetMaxOpenConns(1)

	schema := `
	CREATE TABLE IF NOT EXISTS jobs (
		id TEXT PRIMARY KEY,
		run_id TEXT NOT NULL,
		case_number TEXT NOT NULL,
		state TEXT NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 0,
		last_error TEXT NOT NULL DEFAULT '',
		next_attempt_at TIMESTAMP,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_jobs_state ON jobs(state, created_at);
	CREATE INDEX IF NOT EXISTS idx_jobs_run ON jobs(run_id);
	`

	if _, err := db.ExecContext(context.Background(), schema); err != nil {
		return nil, fmt.Errorf("creating queue schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close releases the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Enqueue adds a waiting job for a run.
func (s *Store) Enqueue(ctx context.Context, runID, caseNumber string) (*Job, error) {
	ctx, span := tracer.Start(ctx, "queue.enqueue",
		trace.WithAttributes(attribute.String("case_number", caseNumber)))
	defer span.End()

	now := time.Now().UTC()
	j := &Job{
		ID:         uuid.NewString(),
		RunID:      runID,
		CaseNumber: caseNumber,
		State:      StateWaiting,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO jobs (id, run_id, case_number, state, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		j.ID, j.RunID, j.CaseNumber, j.State, j.CreatedAt, j.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("enqueueing job: %w", err)
	}
	span.SetAttributes(attribute.String("job.id", j.ID))
	return j, nil
}

// ClaimNext atomically moves the oldest waiting job to active and returns
// it. Returns (nil, nil) when the queue is empty.
func (s *Store) ClaimNext(ctx context.Context) (*Job, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning claim tx: %w", err)
	}
	defer tx.Rollback()

	var id string
	err = tx.QueryRowContext(ctx,
		`SELECT id FROM jobs WHERE state = ? ORDER BY created_at ASC, id ASC LIMIT 1`,
		StateWaiting,
	).Scan(&id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("selecting next job: %w", err)
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE jobs SET state = ?, attempts = attempts + 1, updated_at = ? WHERE id = ? AND state = ?`,
		StateActive, time.Now().UTC(), id, StateWaiting,
	)
	if err != nil {
		return nil, fmt.Errorf("claiming job: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil || n == 0 {
		if err != nil {
			return nil, fmt.Errorf("claiming job: %w", err)
		}
		return nil, nil
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing claim: %w", err)
	}
	return s.Get(ctx, id)
}

// Get returns a job by ID.
func (s *Store) Get(ctx context.Context, id string) (*Job, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, run_id, case_number, state, attempts, last_error, next_attempt_at, created_at, updated_at
		 FROM jobs WHERE id = ?`, id)
	return scanJob(row)
}

// ForRun returns the job carrying a run, if any.
func (s *Store) ForRun(ctx context.Context, runID string) (*Job, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, run_id, case_number, state, attempts, last_error, next_attempt_at, created_at, updated_at
		 FROM jobs WHERE run_id = ? ORDER BY created_at DESC LIMIT 1`, runID)
	return scanJob(row)
}

// Complete marks a job done.
func (s *Store) Complete(ctx context.Context, id string) error {
	return s.transition(ctx, id, StateCompleted, "", nil)
}

// Fail marks a job permanently failed.
func (s *Store) Fail(ctx context.Context, id, lastError string) error {
	return s.transition(ctx, id, StateFailed, lastError, nil)
}

// Delay parks a job until the sweeper promotes it back to waiting.
func (s *Store) Delay(ctx context.Context, id string, until time.Time, lastError string) error {
	return s.transition(ctx, id, StateDelayed, lastError, &until)
}

func (s *Store) transition(ctx context.Context, id string, state JobState, lastError string, nextAttempt *time.Time) error {
	var next interface{}
	if nextAttempt != nil {
		next = nextAttempt.UTC()
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET state = ?, last_error = ?, next_attempt_at = ?, updated_at = ? WHERE id = ?`,
		state, lastError, next, time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("moving job to %s: %w", state, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("moving job to %s: %w", state, err)
	}
	if n == 0 {
		return fmt.Errorf("job %s not found", id)
	}
	return nil
}

// PromoteDelayed moves due delayed jobs back to waiting and returns how
// many it promoted.
func (s *Store) PromoteDelayed(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET state = ?, next_attempt_at = NULL, updated_at = ?
		 WHERE state = ? AND next_attempt_at <= ?`,
		StateWaiting, now.UTC(), StateDelayed, now.UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("promoting delayed jobs: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("promoting delayed jobs: %w", err)
	}
	return int(n), nil
}

// Counts returns the number of jobs in each state.
func (s *Store) Counts(ctx context.Context) (map[JobState]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT state, COUNT(*) FROM jobs GROUP BY state`)
	if err != nil {
		return nil, fmt.Errorf("counting jobs: %w", err)
	}
	defer rows.Close()

	counts := map[JobState]int{
		StateWaiting: 0, StateActive: 0, StateCompleted: 0, StateFailed: 0, StateDelayed: 0,
	}
	for rows.Next() {
		var state JobState
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return nil, fmt.Errorf("scanning job counts: %w", err)
		}
		counts[state] = n
	}
	return counts, rows.Err()
}

func scanJob(row *sql.Row) (*Job, error) {
	var j Job
	var next sql.NullTime
	err := row.Scan(&j.ID, &j.RunID, &j.CaseNumber, &j.State, &j.Attempts,
		&j.LastError, &next, &j.CreatedAt, &j.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scanning job: %w", err)
	}
	if next.Valid {
		t := next.Time
		j.NextAttemptAt = &t
	}
	return &j, nil
}
