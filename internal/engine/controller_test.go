package engine

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arbiterhealth/arbiter/internal/audit"
	"github.com/arbiterhealth/arbiter/internal/determination"
	"github.com/arbiterhealth/arbiter/internal/llm"
	"github.com/arbiterhealth/arbiter/internal/policy"
	"github.com/arbiterhealth/arbiter/internal/run"
	"github.com/arbiterhealth/arbiter/internal/testutil"
	"github.com/arbiterhealth/arbiter/internal/tools"
)

const validDetermination = `{
	"outcome": "AUTO_APPROVE",
	"confidence": 0.95,
	"policy_basis": [{"policy_id": "LCD-33797", "type": "lcd", "version": "2024.1"}],
	"criteria": [
		{"criterion_id": "dx-copd", "status": "MET", "method": "structured",
		 "evidence": [{"resource_ref": "Condition/cond-1", "field_path": "code", "value": "J44.1"}]},
		{"criterion_id": "spo2-low", "status": "MET", "method": "structured",
		 "evidence": [{"resource_ref": "Observation/obs-1", "field_path": "value", "value": 86}]}
	],
	"audit": {}
}`

const mdReviewDetermination = `{
	"outcome": "MD_REVIEW",
	"confidence": 0.7,
	"policy_basis": [{"policy_id": "LCD-33797", "type": "lcd"}],
	"criteria": [{"criterion_id": "spo2-low", "status": "UNKNOWN"}],
	"escalation": {"summary": "Conflicting oximetry readings; physician review needed."}
}`

type harness struct {
	controller *Controller
	provider   *testutil.ScriptedProvider
	runs       *run.Store
	audit      *audit.Logger
	registry   *tools.Registry
	dispatcher *tools.Dispatcher
}

func newHarness(t *testing.T, provider *testutil.ScriptedProvider, cfg Config) *harness {
	t.Helper()
	dir := t.TempDir()

	runs, err := run.NewStore(filepath.Join(dir, "runs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = runs.Close() })

	auditLog, err := audit.NewLogger(filepath.Join(dir, "audit.db"), "0123456789abcdef0123456789abcdef")
	require.NoError(t, err)
	t.Cleanup(func() { _ = auditLog.Close() })

	engine, err := policy.NewEngine()
	require.NoError(t, err)
	catalog, err := policy.LoadCatalog(dir)
	require.NoError(t, err)
	catalog.Add(&policy.Document{
		ID: "LCD-33797", Type: "lcd", Version: "2024.1", ProcedureCodes: []string{"E1390"},
		Criteria: []policy.Criterion{
			{ID: "dx-copd", Rule: policy.Rule{Kind: "code_present", Code: "J44.1"}},
			{ID: "spo2-low", Rule: policy.Rule{Kind: "threshold", Metric: "59408-5", Operator: "lt", Value: 88}},
		},
	})

	registry := tools.NewRegistry(tools.Deps{
		Cases:   testutil.NewCOPDCase(),
		NLP:     testutil.NewCOPDNLP(),
		Catalog: catalog,
		Engine:  engine,
	})
	dispatcher := tools.NewDispatcher(registry, 5*time.Second)

	if cfg.Model == "" {
		cfg.Model = "gpt-4o"
	}
	if cfg.PromptVersion == "" {
		cfg.PromptVersion = "um-determination-v2"
	}
	return &harness{
		controller: New(provider, registry, dispatcher, runs, auditLog, cfg),
		provider:   provider,
		runs:       runs,
		audit:      auditLog,
		registry:   registry,
		dispatcher: dispatcher,
	}
}

func (h *harness) startRun(t *testing.T) *run.Run {
	t.Helper()
	r, err := h.runs.Create(context.Background(), "PA-2024-001")
	require.NoError(t, err)
	claimed, err := h.runs.Claim(context.Background(), r.ID)
	require.NoError(t, err)
	require.True(t, claimed)
	return r
}

func toolCallResponse(calls ...llm.ToolCall) *llm.Response {
	return &llm.Response{FinishReason: "tool_calls", ToolCalls: calls, InputTokens: 300, OutputTokens: 40}
}

func finalResponse(content string) *llm.Response {
	return &llm.Response{Content: content, FinishReason: "stop", InputTokens: 500, OutputTokens: 120}
}

func TestExecuteToolCallsThenApproval(t *testing.T) {
	provider := &testutil.ScriptedProvider{Responses: []*llm.Response{
		toolCallResponse(
			llm.ToolCall{ID: "c1", Name: "case_summary", Arguments: `{"case_number":"PA-2024-001"}`},
			llm.ToolCall{ID: "c2", Name: "clinical_data", Arguments: `{"case_number":"PA-2024-001"}`},
		),
		toolCallResponse(
			llm.ToolCall{ID: "c3", Name: "evaluate_coverage_rules", Arguments: `{"policy_id":"LCD-33797","facts":{"codes":["J44.1"],"observations":[{"code":"59408-5","value":86}]}}`},
		),
		finalResponse(validDetermination),
	}}
	h := newHarness(t, provider, Config{MaxTurns: 12, RunTimeout: time.Minute})
	r := h.startRun(t)

	require.NoError(t, h.controller.Execute(context.Background(), r.ID))

	got, err := h.runs.Get(context.Background(), r.ID)
	require.NoError(t, err)
	assert.Equal(t, run.StatusCompleted, got.Status)
	assert.Equal(t, 3, got.TurnCount)
	require.NotNil(t, got.Determination)
	assert.Equal(t, determination.OutcomeAutoApprove, got.Determination.Outcome)
	assert.InDelta(t, 0.95, got.Determination.Confidence, 0.001)
	assert.Equal(t, policy.RuleEngineVersion, got.Determination.Audit.RuleEngineVersion)
	assert.NotEmpty(t, got.Determination.Audit.OutputHash)

	// Tool results flow back to the model as tool-role messages.
	require.Equal(t, 3, provider.CallCount)
	secondReq := provider.ReceivedMessages[1]
	var toolMsgs int
	for _, m := range secondReq {
		if m.Role == "tool" {
			toolMsgs++
		}
	}
	assert.Equal(t, 2, toolMsgs)

	calls, err := h.runs.ToolCalls(context.Background(), r.ID)
	require.NoError(t, err)
	assert.Len(t, calls, 3)

	entries, err := h.audit.ForRun(context.Background(), r.ID)
	require.NoError(t, err)
	events := make([]string, len(entries))
	for i, e := range entries {
		events[i] = e.Event
	}
	assert.Contains(t, events, audit.EventRunStarted)
	assert.Contains(t, events, audit.EventToolCalled)
	assert.Contains(t, events, audit.EventRunCompleted)
}

func TestExecuteRejectedThenCorrected(t *testing.T) {
	provider := &testutil.ScriptedProvider{Responses: []*llm.Response{
		finalResponse(`{"outcome": "DENY", "confidence": 0.8, "policy_basis": [{"policy_id": "LCD-33797", "type": "lcd"}], "criteria": [{"criterion_id": "spo2-low", "status": "NOT_MET"}]}`),
		finalResponse(`{"outcome": "DENY", "confidence": 0.8, "policy_basis": [{"policy_id": "LCD-33797", "type": "lcd"}], "criteria": [{"criterion_id": "spo2-low", "status": "NOT_MET"}], "escalation": {"summary": "SpO2 does not meet the coverage threshold."}}`),
	}}
	h := newHarness(t, provider, Config{MaxTurns: 12, RunTimeout: time.Minute})
	r := h.startRun(t)

	require.NoError(t, h.controller.Execute(context.Background(), r.ID))

	got, err := h.runs.Get(context.Background(), r.ID)
	require.NoError(t, err)
	assert.Equal(t, run.StatusCompleted, got.Status)
	assert.Equal(t, 2, got.TurnCount)
	assert.Equal(t, determination.OutcomeDeny, got.Determination.Outcome)

	// The rejection was fed back to the model.
	secondReq := provider.ReceivedMessages[1]
	last := secondReq[len(secondReq)-1]
	assert.Equal(t, "user", last.Role)
	assert.Contains(t, last.Content, "rejected")

	entries, err := h.audit.ForRun(context.Background(), r.ID)
	require.NoError(t, err)
	var rejected bool
	for _, e := range entries {
		if e.Event == audit.EventValidationFault {
			rejected = true
		}
	}
	assert.True(t, rejected)
}

func TestExecuteTurnBudgetExhausted(t *testing.T) {
	provider := &testutil.ScriptedProvider{Responses: []*llm.Response{
		toolCallResponse(llm.ToolCall{ID: "c1", Name: "case_summary", Arguments: `{"case_number":"PA-2024-001"}`}),
	}}
	h := newHarness(t, provider, Config{MaxTurns: 3, RunTimeout: time.Minute})
	r := h.startRun(t)

	require.NoError(t, h.controller.Execute(context.Background(), r.ID))

	got, err := h.runs.Get(context.Background(), r.ID)
	require.NoError(t, err)
	assert.Equal(t, run.StatusFailed, got.Status)
	assert.Equal(t, "turn budget exhausted", got.FailureReason)
	assert.Nil(t, got.Determination)
	assert.Equal(t, 3, got.TurnCount)
	assert.Equal(t, 3, provider.CallCount)
}

func TestExecuteCancellation(t *testing.T) {
	provider := &testutil.ScriptedProvider{Responses: []*llm.Response{finalResponse(validDetermination)}}
	h := newHarness(t, provider, Config{MaxTurns: 12, RunTimeout: time.Minute})
	r := h.startRun(t)

	require.NoError(t, h.runs.RequestCancel(context.Background(), r.ID))
	require.NoError(t, h.controller.Execute(context.Background(), r.ID))

	got, err := h.runs.Get(context.Background(), r.ID)
	require.NoError(t, err)
	assert.Equal(t, run.StatusFailed, got.Status)
	assert.Equal(t, "cancelled", got.FailureReason)
	assert.Equal(t, 0, provider.CallCount, "cancellation honored before any model call")
}

func TestExecuteInfraFailureIsRetryable(t *testing.T) {
	provider := &testutil.ScriptedProvider{
		Responses: []*llm.Response{
			toolCallResponse(llm.ToolCall{ID: "c1", Name: "case_summary", Arguments: `{"case_number":"PA-2024-001"}`}),
			finalResponse(validDetermination),
		},
		ErrOnCall: 2,
		Err:       llm.ErrProviderUnavailable,
	}
	h := newHarness(t, provider, Config{MaxTurns: 12, RunTimeout: time.Minute})
	r := h.startRun(t)

	err := h.controller.Execute(context.Background(), r.ID)
	require.Error(t, err)
	assert.True(t, IsInfra(err))

	// Still RUNNING: the scheduler retries, and the retry resumes mid-run.
	got, err := h.runs.Get(context.Background(), r.ID)
	require.NoError(t, err)
	assert.Equal(t, run.StatusRunning, got.Status)
	assert.Equal(t, 1, got.TurnCount)

	require.NoError(t, h.controller.Execute(context.Background(), r.ID))
	got, err = h.runs.Get(context.Background(), r.ID)
	require.NoError(t, err)
	assert.Equal(t, run.StatusCompleted, got.Status)
	assert.Equal(t, 2, got.TurnCount)

	// The resumed conversation replays the persisted tool exchange.
	lastReq := provider.ReceivedMessages[provider.CallCount-1]
	var sawToolMsg bool
	for _, m := range lastReq {
		if m.Role == "tool" {
			sawToolMsg = true
		}
	}
	assert.True(t, sawToolMsg)
}

// flakyNotesRefresh fails a fixed number of times before succeeding,
// standing in for a collaborator having a transient outage.
type flakyNotesRefresh struct {
	failures int
	calls    int
}

func (f *flakyNotesRefresh) Name() string        { return "notes_refresh" }
func (f *flakyNotesRefresh) Description() string { return "Re-pull clinical notes from the source system." }
func (f *flakyNotesRefresh) Parameters() map[string]interface{} {
	return map[string]interface{}{"type": "object", "properties": map[string]interface{}{}}
}
func (f *flakyNotesRefresh) NewArgs() interface{} { return &struct{}{} }
func (f *flakyNotesRefresh) Execute(ctx context.Context, args interface{}) (interface{}, error) {
	f.calls++
	if f.calls <= f.failures {
		return nil, errors.New("upstream timeout")
	}
	return map[string]interface{}{"refreshed": true}, nil
}

func TestExecuteToolFailsTwiceThenSucceeds(t *testing.T) {
	provider := &testutil.ScriptedProvider{Responses: []*llm.Response{
		toolCallResponse(llm.ToolCall{ID: "c1", Name: "notes_refresh", Arguments: `{}`}),
		toolCallResponse(llm.ToolCall{ID: "c2", Name: "notes_refresh", Arguments: `{}`}),
		toolCallResponse(llm.ToolCall{ID: "c3", Name: "notes_refresh", Arguments: `{}`}),
		finalResponse(validDetermination),
	}}
	h := newHarness(t, provider, Config{MaxTurns: 12, RunTimeout: time.Minute})
	flaky := &flakyNotesRefresh{failures: 2}
	h.registry.Register(flaky)
	r := h.startRun(t)

	require.NoError(t, h.controller.Execute(context.Background(), r.ID))

	got, err := h.runs.Get(context.Background(), r.ID)
	require.NoError(t, err)
	assert.Equal(t, run.StatusCompleted, got.Status)
	assert.Equal(t, 4, got.TurnCount)
	assert.Equal(t, 3, flaky.calls)

	// Both transient failures are on the record, ahead of the success.
	calls, err := h.runs.ToolCalls(context.Background(), r.ID)
	require.NoError(t, err)
	require.Len(t, calls, 3)
	assert.False(t, calls[0].Success)
	assert.Contains(t, calls[0].Error, "upstream timeout")
	assert.False(t, calls[1].Success)
	assert.Contains(t, calls[1].Error, "upstream timeout")
	assert.True(t, calls[2].Success)
	assert.Equal(t, 3, calls[2].TurnIndex)
}

// reapingProvider times the run out just before answering, simulating the
// stale-run reaper firing while a slow worker still owns the run.
type reapingProvider struct {
	runs  *run.Store
	runID string
	inner llm.Provider
}

func (p *reapingProvider) Name() string { return "reaping" }

func (p *reapingProvider) Generate(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	if err := p.runs.Timeout(context.Background(), p.runID); err != nil && !errors.Is(err, run.ErrRunTerminal) {
		return nil, err
	}
	return p.inner.Generate(ctx, req)
}

func TestExecuteRecordsNothingAfterReap(t *testing.T) {
	scripted := &testutil.ScriptedProvider{Responses: []*llm.Response{
		toolCallResponse(llm.ToolCall{ID: "c1", Name: "case_summary", Arguments: `{"case_number":"PA-2024-001"}`}),
		finalResponse(validDetermination),
	}}
	h := newHarness(t, scripted, Config{MaxTurns: 12, RunTimeout: time.Minute})
	r := h.startRun(t)

	controller := New(&reapingProvider{runs: h.runs, runID: r.ID, inner: scripted},
		h.registry, h.dispatcher, h.runs, h.audit,
		Config{Model: "gpt-4o", PromptVersion: "um-determination-v2", MaxTurns: 12, RunTimeout: time.Minute})

	// The attempt ends cleanly; the reaper's terminal status stands.
	require.NoError(t, controller.Execute(context.Background(), r.ID))

	got, err := h.runs.Get(context.Background(), r.ID)
	require.NoError(t, err)
	assert.Equal(t, run.StatusTimedOut, got.Status)
	assert.Equal(t, 0, got.TurnCount)

	turns, err := h.runs.Turns(context.Background(), r.ID)
	require.NoError(t, err)
	assert.Empty(t, turns)
}

func TestExecuteKeepsStampedModelOnResume(t *testing.T) {
	provider := &testutil.ScriptedProvider{
		Responses: []*llm.Response{
			toolCallResponse(llm.ToolCall{ID: "c1", Name: "case_summary", Arguments: `{"case_number":"PA-2024-001"}`}),
			finalResponse(validDetermination),
		},
		ErrOnCall: 2,
		Err:       llm.ErrProviderUnavailable,
	}
	h := newHarness(t, provider, Config{MaxTurns: 12, RunTimeout: time.Minute})
	r := h.startRun(t)

	err := h.controller.Execute(context.Background(), r.ID)
	require.Error(t, err)
	require.True(t, IsInfra(err))

	got, err := h.runs.Get(context.Background(), r.ID)
	require.NoError(t, err)
	assert.Equal(t, "gpt-4o", got.Model)
	assert.Equal(t, "um-determination-v2", got.PromptVersion)

	// A config rollout between attempts must not switch models on a run in
	// flight: the retry keeps executing under the stamped model.
	upgraded := New(provider, h.registry, h.dispatcher, h.runs, h.audit,
		Config{Model: "gpt-5", PromptVersion: "um-determination-v3", MaxTurns: 12, RunTimeout: time.Minute})
	require.NoError(t, upgraded.Execute(context.Background(), r.ID))

	got, err = h.runs.Get(context.Background(), r.ID)
	require.NoError(t, err)
	assert.Equal(t, run.StatusCompleted, got.Status)
	assert.Equal(t, "gpt-4o", got.Model)
	assert.Equal(t, "um-determination-v2", got.Determination.Audit.PromptVersion)
	assert.Equal(t, "gpt-4o", provider.ReceivedModels[len(provider.ReceivedModels)-1])
}

func TestExecuteNormalizesUnevidencedApproval(t *testing.T) {
	provider := &testutil.ScriptedProvider{Responses: []*llm.Response{
		finalResponse(`{"outcome": "AUTO_APPROVE", "confidence": 0.9, "policy_basis": [{"policy_id": "LCD-33797", "type": "lcd"}], "criteria": [{"criterion_id": "dx-copd", "status": "MET"}]}`),
	}}
	h := newHarness(t, provider, Config{MaxTurns: 12, RunTimeout: time.Minute})
	r := h.startRun(t)

	require.NoError(t, h.controller.Execute(context.Background(), r.ID))

	got, err := h.runs.Get(context.Background(), r.ID)
	require.NoError(t, err)
	assert.Equal(t, run.StatusCompleted, got.Status)
	assert.Equal(t, determination.OutcomeMDReview, got.Determination.Outcome)
	require.NotNil(t, got.Determination.Escalation)

	entries, err := h.audit.ForRun(context.Background(), r.ID)
	require.NoError(t, err)
	var normalized bool
	for _, e := range entries {
		if e.Event == audit.EventNormalized {
			normalized = true
		}
	}
	assert.True(t, normalized)
}

func TestExecuteTimeout(t *testing.T) {
	provider := &testutil.ScriptedProvider{Responses: []*llm.Response{finalResponse(validDetermination)}}
	h := newHarness(t, provider, Config{MaxTurns: 12, RunTimeout: time.Nanosecond})
	r := h.startRun(t)

	require.NoError(t, h.controller.Execute(context.Background(), r.ID))

	got, err := h.runs.Get(context.Background(), r.ID)
	require.NoError(t, err)
	assert.Equal(t, run.StatusTimedOut, got.Status)
	assert.Nil(t, got.Determination)
}

func TestExecuteRequiresRunningStatus(t *testing.T) {
	provider := &testutil.ScriptedProvider{}
	h := newHarness(t, provider, Config{MaxTurns: 12, RunTimeout: time.Minute})

	r, err := h.runs.Create(context.Background(), "PA-2024-001")
	require.NoError(t, err)

	err = h.controller.Execute(context.Background(), r.ID)
	require.Error(t, err)
	assert.False(t, IsInfra(err))
	assert.Contains(t, err.Error(), "expected RUNNING")
}

func TestExecuteMDReviewDetermination(t *testing.T) {
	provider := &testutil.ScriptedProvider{Responses: []*llm.Response{finalResponse(mdReviewDetermination)}}
	h := newHarness(t, provider, Config{MaxTurns: 12, RunTimeout: time.Minute})
	r := h.startRun(t)

	require.NoError(t, h.controller.Execute(context.Background(), r.ID))

	got, err := h.runs.Get(context.Background(), r.ID)
	require.NoError(t, err)
	assert.Equal(t, run.StatusCompleted, got.Status)
	assert.Equal(t, determination.OutcomeMDReview, got.Determination.Outcome)
}
