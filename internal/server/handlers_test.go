package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arbiterhealth/arbiter/internal/audit"
	"github.com/arbiterhealth/arbiter/internal/queue"
	"github.com/arbiterhealth/arbiter/internal/run"
	"github.com/arbiterhealth/arbiter/internal/testutil"
)

const testAPIKey = "test-key-1"

type harness struct {
	server *Server
	runs   *run.Store
	jobs   *queue.Store
	audit  *audit.Logger
}

func newTestServer(t *testing.T, opts ...Option) *harness {
	t.Helper()
	dir := t.TempDir()

	runs, err := run.NewStore(filepath.Join(dir, "runs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = runs.Close() })

	jobs, err := queue.NewStore(filepath.Join(dir, "queue.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = jobs.Close() })

	auditLog, err := audit.NewLogger(filepath.Join(dir, "audit.db"), "0123456789abcdef0123456789abcdef")
	require.NoError(t, err)
	t.Cleanup(func() { _ = auditLog.Close() })

	opts = append([]Option{WithCaseService(testutil.NewCOPDCase())}, opts...)
	s := NewServer(runs, jobs, auditLog, map[string]string{testAPIKey: "reviewer"}, opts...)
	return &harness{server: s, runs: runs, jobs: jobs, audit: auditLog}
}

func (h *harness) request(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("X-Arbiter-Key", testAPIKey)
	rec := httptest.NewRecorder()
	h.server.Routes().ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	return body
}

func TestHealthIsUnauthenticated(t *testing.T) {
	h := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/health?detail=true", nil)
	rec := httptest.NewRecorder()
	h.server.Routes().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "ok", body["status"])
	components := body["components"].(map[string]interface{})
	assert.Equal(t, "ok", components["case_service"])
	assert.Equal(t, float64(0), components["audit_write_failures"])
}

func TestAuthRequired(t *testing.T) {
	h := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/v1/queue/stats", nil)
	rec := httptest.NewRecorder()
	h.server.Routes().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/v1/queue/stats", nil)
	req.Header.Set("X-Arbiter-Key", "wrong-key")
	rec = httptest.NewRecorder()
	h.server.Routes().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/v1/queue/stats", nil)
	req.Header.Set("Authorization", "Bearer "+testAPIKey)
	rec = httptest.NewRecorder()
	h.server.Routes().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestReviewCreateEnqueues(t *testing.T) {
	h := newTestServer(t)
	rec := h.request(t, http.MethodPost, "/v1/reviews", `{"case_number": "PA-2024-001"}`)

	require.Equal(t, http.StatusAccepted, rec.Code)
	body := decodeBody(t, rec)
	runID := body["run_id"].(string)
	require.NotEmpty(t, runID)
	assert.Equal(t, "PENDING", body["status"])

	ctx := context.Background()
	job, err := h.jobs.ForRun(ctx, runID)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, queue.StateWaiting, job.State)

	entries, err := h.audit.ForCase(ctx, "PA-2024-001")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, audit.EventRunEnqueued, entries[0].Event)
}

func TestReviewCreateRejectsBadInput(t *testing.T) {
	h := newTestServer(t)

	rec := h.request(t, http.MethodPost, "/v1/reviews", `{"case_number": ""}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = h.request(t, http.MethodPost, "/v1/reviews", `not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = h.request(t, http.MethodPost, "/v1/reviews", `{"case_number": "PA-9999-404"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "case_not_found", decodeBody(t, rec)["error"])
}

func TestRunGet(t *testing.T) {
	h := newTestServer(t)
	ctx := context.Background()

	r, err := h.runs.Create(ctx, "PA-2024-001")
	require.NoError(t, err)

	rec := h.request(t, http.MethodGet, "/v1/runs/"+r.ID, "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, r.ID, body["run_id"])
	assert.Equal(t, "PA-2024-001", body["case_number"])
	assert.Equal(t, "PENDING", body["status"])
	usage := body["usage"].(map[string]interface{})
	assert.Equal(t, float64(0), usage["prompt_tokens"])
	// No model stamped yet: the run has not been claimed.
	assert.NotContains(t, body, "model")

	rec = h.request(t, http.MethodGet, "/v1/runs/unknown", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRunGetReportsStampedModel(t *testing.T) {
	h := newTestServer(t)
	ctx := context.Background()

	r, err := h.runs.Create(ctx, "PA-2024-001")
	require.NoError(t, err)
	claimed, err := h.runs.Claim(ctx, r.ID)
	require.NoError(t, err)
	require.True(t, claimed)
	require.NoError(t, h.runs.SetModel(ctx, r.ID, "gpt-4o", "um-determination-v2"))
	require.NoError(t, h.runs.Fail(ctx, r.ID, "model unreachable"))

	// Failed runs keep a durable record of what model was deciding.
	rec := h.request(t, http.MethodGet, "/v1/runs/"+r.ID, "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "FAILED", body["status"])
	assert.Equal(t, "gpt-4o", body["model"])
	assert.Equal(t, "um-determination-v2", body["prompt_version"])
}

func TestRunGetSumsTokenUsage(t *testing.T) {
	h := newTestServer(t)
	ctx := context.Background()

	r, err := h.runs.Create(ctx, "PA-2024-001")
	require.NoError(t, err)
	claimed, err := h.runs.Claim(ctx, r.ID)
	require.NoError(t, err)
	require.True(t, claimed)

	_, err = h.runs.RecordTurn(ctx, &run.Turn{RunID: r.ID, AssistantContent: "a", PromptTokens: 120, CompletionTokens: 30})
	require.NoError(t, err)
	_, err = h.runs.RecordTurn(ctx, &run.Turn{RunID: r.ID, AssistantContent: "b", PromptTokens: 200, CompletionTokens: 55})
	require.NoError(t, err)

	rec := h.request(t, http.MethodGet, "/v1/runs/"+r.ID, "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, float64(2), body["turn_count"])
	usage := body["usage"].(map[string]interface{})
	assert.Equal(t, float64(320), usage["prompt_tokens"])
	assert.Equal(t, float64(85), usage["completion_tokens"])
}

func TestRunCancel(t *testing.T) {
	h := newTestServer(t)
	ctx := context.Background()

	r, err := h.runs.Create(ctx, "PA-2024-001")
	require.NoError(t, err)

	rec := h.request(t, http.MethodPost, "/v1/runs/"+r.ID+"/cancel", "")
	require.Equal(t, http.StatusAccepted, rec.Code)

	flagged, err := h.runs.CancelRequested(ctx, r.ID)
	require.NoError(t, err)
	assert.True(t, flagged)

	entries, err := h.audit.ForRun(ctx, r.ID)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, audit.EventCancelRequested, entries[0].Event)

	rec = h.request(t, http.MethodPost, "/v1/runs/unknown/cancel", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRunCancelConflictsWhenTerminal(t *testing.T) {
	h := newTestServer(t)
	ctx := context.Background()

	r, err := h.runs.Create(ctx, "PA-2024-001")
	require.NoError(t, err)
	claimed, err := h.runs.Claim(ctx, r.ID)
	require.NoError(t, err)
	require.True(t, claimed)
	require.NoError(t, h.runs.Fail(ctx, r.ID, "turn budget exhausted"))

	rec := h.request(t, http.MethodPost, "/v1/runs/"+r.ID+"/cancel", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestCaseAuditExport(t *testing.T) {
	h := newTestServer(t)
	ctx := context.Background()

	h.audit.Record(ctx, &audit.Entry{CaseNumber: "PA-2024-001", RunID: "run-1", Event: audit.EventRunStarted})
	h.audit.Record(ctx, &audit.Entry{CaseNumber: "PA-2024-001", RunID: "run-1", Event: audit.EventRunCompleted})

	rec := h.request(t, http.MethodGet, "/v1/cases/PA-2024-001/audit", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var entries []audit.Entry
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&entries))
	require.Len(t, entries, 2)
	assert.Equal(t, audit.EventRunStarted, entries[0].Event)

	rec = h.request(t, http.MethodGet, "/v1/cases/PA-2024-001/audit?format=csv", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/csv", rec.Header().Get("Content-Type"))
	lines := strings.Split(strings.TrimSpace(rec.Body.String()), "\n")
	require.Len(t, lines, 3)
	assert.Contains(t, lines[0], "timestamp,case_number,run_id,event")

	rec = h.request(t, http.MethodGet, "/v1/cases/PA-2024-001/audit?format=xml", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestQueueStats(t *testing.T) {
	h := newTestServer(t)
	ctx := context.Background()

	_, err := h.jobs.Enqueue(ctx, "run-1", "PA-1")
	require.NoError(t, err)
	job, err := h.jobs.Enqueue(ctx, "run-2", "PA-2")
	require.NoError(t, err)
	require.NoError(t, h.jobs.Complete(ctx, job.ID))

	rec := h.request(t, http.MethodGet, "/v1/queue/stats", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, float64(1), body["waiting"])
	assert.Equal(t, float64(1), body["completed"])
	assert.Equal(t, float64(0), body["active"])
}

func TestRateLimit(t *testing.T) {
	h := newTestServer(t, WithRateLimit(1, 2))

	var limited bool
	for i := 0; i < 5; i++ {
		rec := h.request(t, http.MethodGet, "/v1/queue/stats", "")
		if rec.Code == http.StatusTooManyRequests {
			limited = true
			assert.Equal(t, "1", rec.Header().Get("Retry-After"))
			break
		}
		require.Equal(t, http.StatusOK, rec.Code)
	}
	assert.True(t, limited)

	// The bucket refills at 1 rps.
	time.Sleep(1100 * time.Millisecond)
	rec := h.request(t, http.MethodGet, "/v1/queue/stats", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}
