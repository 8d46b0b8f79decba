package audit

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSigningKey = "0123456789abcdef0123456789abcdef"

func newTestLogger(t *testing.T) *Logger {
	t.Helper()
	logger, err := NewLogger(filepath.Join(t.TempDir(), "audit.db"), testSigningKey)
	require.NoError(t, err)
	t.Cleanup(func() { _ = logger.Close() })
	return logger
}

func TestRecordAndQuery(t *testing.T) {
	logger := newTestLogger(t)
	ctx := context.Background()

	logger.Record(ctx, &Entry{
		CaseNumber: "PA-2024-001",
		RunID:      "run-1",
		Event:      EventRunStarted,
	})
	logger.Record(ctx, &Entry{
		CaseNumber: "PA-2024-001",
		RunID:      "run-1",
		Event:      EventToolCalled,
		Detail:     map[string]interface{}{"tool": "case_summary", "success": true},
	})
	logger.Record(ctx, &Entry{
		CaseNumber: "PA-2024-002",
		Event:      EventRunEnqueued,
	})

	entries, err := logger.ForCase(ctx, "PA-2024-001")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, EventRunStarted, entries[0].Event)
	assert.Equal(t, EventToolCalled, entries[1].Event)
	assert.Equal(t, "case_summary", entries[1].Detail["tool"])
	assert.NotEmpty(t, entries[0].Signature)
}

func TestChronologicalOrder(t *testing.T) {
	logger := newTestLogger(t)
	ctx := context.Background()

	base := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	logger.Record(ctx, &Entry{CaseNumber: "PA-1", Event: EventRunCompleted, Timestamp: base.Add(2 * time.Minute)})
	logger.Record(ctx, &Entry{CaseNumber: "PA-1", Event: EventRunEnqueued, Timestamp: base})
	logger.Record(ctx, &Entry{CaseNumber: "PA-1", Event: EventRunStarted, Timestamp: base.Add(time.Minute)})

	entries, err := logger.ForCase(ctx, "PA-1")
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, EventRunEnqueued, entries[0].Event)
	assert.Equal(t, EventRunStarted, entries[1].Event)
	assert.Equal(t, EventRunCompleted, entries[2].Event)
}

func TestVerify(t *testing.T) {
	logger := newTestLogger(t)
	ctx := context.Background()

	e := &Entry{CaseNumber: "PA-1", Event: EventRunCompleted, Detail: map[string]interface{}{"outcome": "AUTO_APPROVE"}}
	logger.Record(ctx, e)

	ok, err := logger.Verify(ctx, e.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = logger.Verify(ctx, "nope")
	require.Error(t, err)
}

func TestWriteFailuresAreSwallowed(t *testing.T) {
	logger := newTestLogger(t)
	ctx := context.Background()

	// A closed store makes every write fail; Record must not panic or error.
	require.NoError(t, logger.db.Close())
	logger.Record(ctx, &Entry{CaseNumber: "PA-1", Event: EventRunStarted})
	logger.Record(ctx, &Entry{CaseNumber: "PA-1", Event: EventRunCompleted})

	assert.Equal(t, 2, logger.WriteFailures())
}

func TestFailureTrackerAlertsOnce(t *testing.T) {
	tracker := newWriteFailureTracker(3, time.Minute)

	assert.False(t, tracker.record("PA-1", "disk full"))
	assert.False(t, tracker.record("PA-1", "disk full"))
	assert.True(t, tracker.record("PA-1", "disk full"))
	// Already alerted for this episode.
	assert.False(t, tracker.record("PA-1", "disk full"))
	assert.Equal(t, 4, tracker.count())
}

func TestExportJSON(t *testing.T) {
	logger := newTestLogger(t)
	ctx := context.Background()
	logger.Record(ctx, &Entry{CaseNumber: "PA-1", RunID: "run-1", Event: EventRunCompleted})

	entries, err := logger.ForCase(ctx, "PA-1")
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, ExportJSON(&buf, entries))

	var decoded []Entry
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	require.Len(t, decoded, 1)
	assert.Equal(t, "run-1", decoded[0].RunID)
}

func TestExportCSV(t *testing.T) {
	logger := newTestLogger(t)
	ctx := context.Background()
	logger.Record(ctx, &Entry{
		CaseNumber: "PA-1",
		Event:      EventToolCalled,
		Detail:     map[string]interface{}{"tool": "clinical_data"},
	})

	entries, err := logger.ForCase(ctx, "PA-1")
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, ExportCSV(&buf, entries))

	records, err := csv.NewReader(&buf).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, []string{"timestamp", "case_number", "run_id", "event", "actor_type", "actor_id", "detail", "signature"}, records[0])
	assert.Equal(t, "PA-1", records[1][1])
	assert.Equal(t, "system", records[1][4])
	assert.Contains(t, records[1][6], "clinical_data")
}
