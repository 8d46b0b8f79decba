// Package audit provides an append-only, HMAC-signed trail of everything
// that happens to a case under review. Writes never fail a review: a broken
// audit store degrades to warnings and an operator alert, not a failed run.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	arbiterotel "github.com/arbiterhealth/arbiter/internal/otel"
)

var tracer = arbiterotel.Tracer("github.com/arbiterhealth/arbiter/internal/audit")

const meterName = "github.com/arbiterhealth/arbiter/internal/audit"

var (
	writeFailureCounter metric.Int64Counter
	metricsOnce         sync.Once
	metricsRegistered   bool
)

func initMetrics() {
	meter := otel.Meter(meterName)
	var err error
	writeFailureCounter, err = meter.Int64Counter(
		"arbiter.audit.write_failures",
		metric.WithDescription("Audit entries lost to storage errors"),
	)
	if err != nil {
		return
	}
	metricsRegistered = true
}

// Event kinds recorded on the trail.
const (
	EventRunEnqueued     = "run_enqueued"
	EventRunStarted      = "run_started"
	EventTurnCompleted   = "turn_completed"
	EventToolCalled      = "tool_called"
	EventValidationFault = "determination_rejected"
	EventNormalized      = "determination_normalized"
	EventRunCompleted    = "run_completed"
	EventRunFailed       = "run_failed"
	EventRunTimedOut     = "run_timed_out"
	EventCancelRequested = "run_cancel_requested"
)

// Entry is one signed record on a case's audit trail.
type Entry struct {
	ID         string                 `json:"id"`
	CaseNumber string                 `json:"case_number"`
	RunID      string                 `json:"run_id,omitempty"`
	Event      string                 `json:"event"`
	ActorType  string                 `json:"actor_type"` // system, human, model
	ActorID    string                 `json:"actor_id,omitempty"`
	Detail     map[string]interface{} `json:"detail,omitempty"`
	Timestamp  time.Time              `json:"timestamp"`
	Signature  string                 `json:"signature,omitempty"`
}

// Logger persists signed audit entries in SQLite.
type Logger struct {
	db       *sql.DB
	signer   *Signer
	failures *writeFailureTracker
}

// NewLogger opens (and migrates) the audit database.
func NewLogger(dbPath, signingKey string) (*Logger, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("opening audit database: %w", err)
	}
	db.SetMaxOpenConns(1)

	schema := `
	CREATE TABLE IF NOT EXISTS audit_entries (
		id TEXT PRIMARY KEY,
		case_number TEXT NOT NULL,
		run_id TEXT NOT NULL DEFAULT '',
		event TEXT NOT NULL,
		entry_json TEXT NOT NULL,
		signature TEXT NOT NULL,
		timestamp TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_audit_case ON audit_entries(case_number, timestamp);
	CREATE INDEX IF NOT EXISTS idx_audit_run ON audit_entries(run_id);
	`

	if _, err := db.ExecContext(context.Background(), schema); err != nil {
		return nil, fmt.Errorf("creating audit schema: %w", err)
	}

	signer, err := NewSigner(signingKey)
	if err != nil {
		return nil, fmt.Errorf("creating audit signer: %w", err)
	}

	return &Logger{
		db:       db,
		signer:   signer,
		failures: newWriteFailureTracker(0, 0),
	}, nil
}

// Close releases the database connection.
func (l *Logger) Close() error {
	return l.db.Close()
}

// Record signs and appends an entry. Storage errors are swallowed: the
// review proceeds, the loss is logged, counted, and tracked for alerting.
func (l *Logger) Record(ctx context.Context, e *Entry) {
	ctx, span := tracer.Start(ctx, "audit.record",
		trace.WithAttributes(
			attribute.String("case_number", e.CaseNumber),
			attribute.String("audit.event", e.Event),
		))
	defer span.End()

	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.ActorType == "" {
		e.ActorType = "system"
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	if err := l.write(ctx, e); err != nil {
		span.RecordError(err)
		log.Warn().
			Err(err).
			Str("case_number", e.CaseNumber).
			Str("run_id", e.RunID).
			Str("event", e.Event).
			Msg("audit_write_failed")
		l.failures.record(e.CaseNumber, err.Error())
		metricsOnce.Do(initMetrics)
		if metricsRegistered {
			writeFailureCounter.Add(ctx, 1, metric.WithAttributes(
				attribute.String("event", e.Event),
			))
		}
	}
}

func (l *Logger) write(ctx context.Context, e *Entry) error {
	e.Signature = ""
	unsigned, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshaling audit entry: %w", err)
	}
	sig, err := l.signer.Sign(unsigned)
	if err != nil {
		return fmt.Errorf("signing audit entry: %w", err)
	}
	e.Signature = sig

	signed, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshaling signed audit entry: %w", err)
	}

	_, err = l.db.ExecContext(ctx,
		`INSERT INTO audit_entries (id, case_number, run_id, event, entry_json, signature, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.CaseNumber, e.RunID, e.Event, string(signed), sig, e.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("storing audit entry: %w", err)
	}
	return nil
}

// ForCase returns a case's trail in chronological order.
func (l *Logger) ForCase(ctx context.Context, caseNumber string) ([]Entry, error) {
	ctx, span := tracer.Start(ctx, "audit.for_case",
		trace.WithAttributes(attribute.String("case_number", caseNumber)))
	defer span.End()

	rows, err := l.db.QueryContext(ctx,
		`SELECT entry_json FROM audit_entries WHERE case_number = ? ORDER BY timestamp ASC, id ASC`,
		caseNumber)
	if err != nil {
		return nil, fmt.Errorf("querying audit trail: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scanning audit entry: %w", err)
		}
		var e Entry
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			return nil, fmt.Errorf("unmarshaling audit entry: %w", err)
		}
		entries = append(entries, e)
	}

	span.SetAttributes(attribute.Int("audit.entry_count", len(entries)))
	return entries, rows.Err()
}

// ForRun returns every entry recorded against one run, oldest first.
func (l *Logger) ForRun(ctx context.Context, runID string) ([]Entry, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT entry_json FROM audit_entries WHERE run_id = ? ORDER BY timestamp ASC, id ASC`,
		runID)
	if err != nil {
		return nil, fmt.Errorf("querying audit trail: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scanning audit entry: %w", err)
		}
		var e Entry
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			return nil, fmt.Errorf("unmarshaling audit entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Verify checks the HMAC signature of a stored entry.
func (l *Logger) Verify(ctx context.Context, id string) (bool, error) {
	var raw string
	err := l.db.QueryRowContext(ctx,
		`SELECT entry_json FROM audit_entries WHERE id = ?`, id,
	).Scan(&raw)
	if err == sql.ErrNoRows {
		return false, fmt.Errorf("audit entry %s not found", id)
	}
	if err != nil {
		return false, fmt.Errorf("querying audit entry: %w", err)
	}

	var e Entry
	if err := json.Unmarshal([]byte(raw), &e); err != nil {
		return false, fmt.Errorf("unmarshaling audit entry: %w", err)
	}
	sig := e.Signature
	e.Signature = ""
	unsigned, err := json.Marshal(&e)
	if err != nil {
		return false, fmt.Errorf("marshaling for verification: %w", err)
	}
	return l.signer.Verify(unsigned, sig), nil
}

// WriteFailures returns the count of recent swallowed writes, for health
// reporting.
func (l *Logger) WriteFailures() int {
	return l.failures.count()
}
