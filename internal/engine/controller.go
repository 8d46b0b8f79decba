// Package engine drives the agent loop for one review run: sequential model
// turns, parallel tool calls within a turn, and a validated structured
// determination at the end. Every turn is durable before the next model call
// so an interrupted run resumes instead of restarting.
package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/arbiterhealth/arbiter/internal/audit"
	"github.com/arbiterhealth/arbiter/internal/determination"
	"github.com/arbiterhealth/arbiter/internal/llm"
	arbiterotel "github.com/arbiterhealth/arbiter/internal/otel"
	"github.com/arbiterhealth/arbiter/internal/policy"
	"github.com/arbiterhealth/arbiter/internal/run"
	"github.com/arbiterhealth/arbiter/internal/tools"
)

var tracer = arbiterotel.Tracer("github.com/arbiterhealth/arbiter/internal/engine")

// InfraError marks a failure outside the model's control (provider outage,
// storage fault). The scheduler retries these; everything else is a final
// run outcome.
type InfraError struct {
	Err error
}

func (e *InfraError) Error() string {
	return fmt.Sprintf("infrastructure failure: %v", e.Err)
}

func (e *InfraError) Unwrap() error {
	return e.Err
}

// Config tunes the review loop.
type Config struct {
	Model         string
	PromptVersion string
	MaxTurns      int
	RunTimeout    time.Duration
}

// Controller executes review runs.
type Controller struct {
	provider   llm.Provider
	registry   *tools.Registry
	dispatcher *tools.Dispatcher
	runs       *run.Store
	audit      *audit.Logger
	cfg        Config
}

// New creates a controller.
func New(provider llm.Provider, registry *tools.Registry, dispatcher *tools.Dispatcher,
	runs *run.Store, auditLog *audit.Logger, cfg Config) *Controller {
	if cfg.MaxTurns <= 0 {
		cfg.MaxTurns = 12
	}
	if cfg.RunTimeout <= 0 {
		cfg.RunTimeout = 10 * time.Minute
	}
	return &Controller{
		provider:   provider,
		registry:   registry,
		dispatcher: dispatcher,
		runs:       runs,
		audit:      auditLog,
		cfg:        cfg,
	}
}

// Execute drives one claimed run to a terminal state. The run must already
// hold RUNNING. A nil return means the run reached a terminal status; an
// *InfraError means the run is still RUNNING and should be retried.
func (c *Controller) Execute(ctx context.Context, runID string) error {
	r, err := c.runs.Get(ctx, runID)
	if err != nil {
		return &InfraError{Err: err}
	}
	if r.Status != run.StatusRunning {
		return fmt.Errorf("run %s is %s, expected RUNNING", runID, r.Status)
	}

	ctx, span := tracer.Start(ctx, "engine.execute",
		trace.WithAttributes(
			attribute.String("run.id", r.ID),
			attribute.String("case_number", r.CaseNumber),
		))
	defer span.End()

	deadline := time.Now().Add(c.cfg.RunTimeout)
	if r.StartedAt != nil {
		deadline = r.StartedAt.Add(c.cfg.RunTimeout)
	}
	runCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	// The model stamp is written once, on the first attempt; resumed attempts
	// keep executing under the stamped model even if the config changed.
	if r.Model == "" {
		r.Model, r.PromptVersion = c.cfg.Model, c.cfg.PromptVersion
		if err := c.runs.SetModel(ctx, r.ID, r.Model, r.PromptVersion); err != nil {
			return c.stopOrRetry(r, err)
		}
	}

	if r.TurnCount == 0 {
		c.record(ctx, r, &audit.Entry{
			CaseNumber: r.CaseNumber,
			RunID:      r.ID,
			Event:      audit.EventRunStarted,
			Detail:     map[string]interface{}{"model": r.Model, "prompt_version": r.PromptVersion},
		})
	}

	messages, err := c.rebuildConversation(runCtx, r)
	if err != nil {
		return &InfraError{Err: err}
	}
	inputHash := hashOf(fmt.Sprintf("%s|%s|%s", r.CaseNumber, r.Model, r.PromptVersion))

	for turn := r.TurnCount + 1; turn <= c.cfg.MaxTurns; turn++ {
		if runCtx.Err() != nil {
			return c.timedOut(ctx, r, runCtx.Err())
		}
		if cancelled, err := c.checkCancel(ctx, r); err != nil {
			return err
		} else if cancelled {
			return nil
		}

		resp, err := c.provider.Generate(runCtx, &llm.Request{
			Model:    r.Model,
			Messages: messages,
			Tools:    c.registry.Definitions(),
		})
		if err != nil {
			if runCtx.Err() != nil && ctx.Err() == nil {
				return c.timedOut(ctx, r, runCtx.Err())
			}
			return &InfraError{Err: err}
		}

		log.Debug().
			Str("run_id", r.ID).
			Int("turn", turn).
			Int("tool_calls", len(resp.ToolCalls)).
			Int("input_tokens", resp.InputTokens).
			Int("output_tokens", resp.OutputTokens).
			Msg("turn_generated")

		if len(resp.ToolCalls) > 0 {
			results := c.dispatchAll(runCtx, r, turn, resp.ToolCalls)
			if err := c.persistTurn(ctx, r, resp, results); err != nil {
				return c.stopOrRetry(r, err)
			}
			messages = appendExchange(messages, resp, results)
			continue
		}

		det, verr := determination.Validate([]byte(resp.Content))
		if verr != nil {
			c.record(ctx, r, &audit.Entry{
				CaseNumber: r.CaseNumber,
				RunID:      r.ID,
				Event:      audit.EventValidationFault,
				Detail:     map[string]interface{}{"error": verr.Error(), "turn": turn},
			})
			if err := c.persistTurn(ctx, r, resp, nil); err != nil {
				return c.stopOrRetry(r, err)
			}
			messages = append(messages,
				llm.Message{Role: "assistant", Content: resp.Content},
				llm.Message{Role: "user", Content: fmt.Sprintf(
					"Your determination was rejected: %v. Reply with a corrected JSON object only.", verr)},
			)
			continue
		}

		det.Audit.RuleEngineVersion = policy.RuleEngineVersion
		det.Audit.ModelID = resp.Model
		det.Audit.PromptVersion = r.PromptVersion
		det.Audit.InputHash = inputHash
		det.Audit.OutputHash = hashOf(resp.Content)

		for _, note := range det.Normalizations {
			c.record(ctx, r, &audit.Entry{
				CaseNumber: r.CaseNumber,
				RunID:      r.ID,
				Event:      audit.EventNormalized,
				Detail:     map[string]interface{}{"normalization": note},
			})
		}

		if err := c.persistTurn(ctx, r, resp, nil); err != nil {
			return c.stopOrRetry(r, err)
		}
		if err := c.runs.Complete(ctx, r.ID, det); err != nil {
			return c.stopOrRetry(r, err)
		}
		c.record(ctx, r, &audit.Entry{
			CaseNumber: r.CaseNumber,
			RunID:      r.ID,
			Event:      audit.EventRunCompleted,
			Detail: map[string]interface{}{
				"outcome":    string(det.Outcome),
				"confidence": det.Confidence,
			},
		})
		span.SetAttributes(attribute.String("run.outcome", string(det.Outcome)))
		return nil
	}

	if err := c.runs.Fail(ctx, r.ID, "turn budget exhausted"); err != nil {
		return c.stopOrRetry(r, err)
	}
	c.record(ctx, r, &audit.Entry{
		CaseNumber: r.CaseNumber,
		RunID:      r.ID,
		Event:      audit.EventRunFailed,
		Detail:     map[string]interface{}{"reason": "turn budget exhausted", "max_turns": c.cfg.MaxTurns},
	})
	return nil
}

// record stamps the model as the acting party before appending to the trail.
func (c *Controller) record(ctx context.Context, r *run.Run, e *audit.Entry) {
	e.ActorType = "model"
	e.ActorID = r.Model
	if e.ActorID == "" {
		e.ActorID = c.cfg.Model
	}
	c.audit.Record(ctx, e)
}

// stopOrRetry classifies a persistence failure. A terminal-status rejection
// means another path (reaper, cancel, a racing finish) already closed the
// run, so this attempt ends cleanly; anything else is retryable
// infrastructure trouble.
func (c *Controller) stopOrRetry(r *run.Run, err error) error {
	if errors.Is(err, run.ErrRunTerminal) {
		log.Warn().Err(err).Str("run_id", r.ID).Msg("run_finished_elsewhere")
		return nil
	}
	return &InfraError{Err: err}
}

// checkCancel honors a pending cancellation at the turn boundary.
func (c *Controller) checkCancel(ctx context.Context, r *run.Run) (bool, error) {
	flagged, err := c.runs.CancelRequested(ctx, r.ID)
	if err != nil {
		return false, &InfraError{Err: err}
	}
	if !flagged {
		return false, nil
	}
	if err := c.runs.Fail(ctx, r.ID, "cancelled"); err != nil {
		if errors.Is(err, run.ErrRunTerminal) {
			return true, nil
		}
		return false, &InfraError{Err: err}
	}
	c.record(ctx, r, &audit.Entry{
		CaseNumber: r.CaseNumber,
		RunID:      r.ID,
		Event:      audit.EventRunFailed,
		Detail:     map[string]interface{}{"reason": "cancelled"},
	})
	return true, nil
}

func (c *Controller) timedOut(ctx context.Context, r *run.Run, cause error) error {
	if err := c.runs.Timeout(ctx, r.ID); err != nil {
		return c.stopOrRetry(r, err)
	}
	c.record(ctx, r, &audit.Entry{
		CaseNumber: r.CaseNumber,
		RunID:      r.ID,
		Event:      audit.EventRunTimedOut,
		Detail:     map[string]interface{}{"cause": cause.Error()},
	})
	return nil
}

// dispatchAll runs a turn's tool calls in parallel and returns results in
// call order. Failures come back as Result values, never as errors.
func (c *Controller) dispatchAll(ctx context.Context, r *run.Run, turn int, calls []llm.ToolCall) []tools.Result {
	results := make([]tools.Result, len(calls))
	g, gctx := errgroup.WithContext(ctx)
	for i, call := range calls {
		i, call := i, call
		g.Go(func() error {
			results[i] = c.dispatcher.Dispatch(gctx, call)
			return nil
		})
	}
	_ = g.Wait()

	for _, res := range results {
		if err := c.runs.RecordToolCall(ctx, &run.ToolCall{
			RunID:     r.ID,
			TurnIndex: turn,
			Tool:      res.Tool,
			ArgsJSON:  res.Args,
			Output:    res.Output,
			Success:   res.Success,
			Error:     res.Error,
			LatencyMS: res.Latency.Milliseconds(),
		}); err != nil {
			log.Warn().Err(err).Str("run_id", r.ID).Str("tool", res.Tool).Msg("tool_call_record_failed")
		}
		c.record(ctx, r, &audit.Entry{
			CaseNumber: r.CaseNumber,
			RunID:      r.ID,
			Event:      audit.EventToolCalled,
			Detail: map[string]interface{}{
				"tool":       res.Tool,
				"success":    res.Success,
				"error":      res.Error,
				"latency_ms": res.Latency.Milliseconds(),
				"turn":       turn,
			},
		})
	}
	return results
}

// persistTurn makes the exchange durable before the next model call.
func (c *Controller) persistTurn(ctx context.Context, r *run.Run, resp *llm.Response, results []tools.Result) error {
	t := &run.Turn{
		RunID:            r.ID,
		AssistantContent: resp.Content,
		PromptTokens:     resp.InputTokens,
		CompletionTokens: resp.OutputTokens,
	}
	if len(resp.ToolCalls) > 0 {
		raw, err := json.Marshal(resp.ToolCalls)
		if err != nil {
			return fmt.Errorf("encoding tool calls: %w", err)
		}
		t.ToolCallsJSON = string(raw)
	}
	if len(results) > 0 {
		raw, err := json.Marshal(results)
		if err != nil {
			return fmt.Errorf("encoding tool results: %w", err)
		}
		t.ToolResultsJSON = string(raw)
	}
	idx, err := c.runs.RecordTurn(ctx, t)
	if err != nil {
		return err
	}
	c.record(ctx, r, &audit.Entry{
		CaseNumber: r.CaseNumber,
		RunID:      r.ID,
		Event:      audit.EventTurnCompleted,
		Detail:     map[string]interface{}{"turn": idx, "tool_calls": len(resp.ToolCalls)},
	})
	return nil
}

// rebuildConversation replays the persisted transcript so a retried run
// resumes where it stopped instead of starting over.
func (c *Controller) rebuildConversation(ctx context.Context, r *run.Run) ([]llm.Message, error) {
	messages := []llm.Message{
		{Role: "system", Content: systemPrompt},
		{Role: "user", Content: fmt.Sprintf(userPromptTemplate, r.CaseNumber)},
	}
	if r.TurnCount == 0 {
		return messages, nil
	}

	turns, err := c.runs.Turns(ctx, r.ID)
	if err != nil {
		return nil, fmt.Errorf("loading transcript: %w", err)
	}
	for _, t := range turns {
		assistant := llm.Message{Role: "assistant", Content: t.AssistantContent}
		if t.ToolCallsJSON != "" {
			if err := json.Unmarshal([]byte(t.ToolCallsJSON), &assistant.ToolCalls); err != nil {
				return nil, fmt.Errorf("decoding tool calls for turn %d: %w", t.Index, err)
			}
		}
		messages = append(messages, assistant)

		if t.ToolResultsJSON != "" {
			var results []tools.Result
			if err := json.Unmarshal([]byte(t.ToolResultsJSON), &results); err != nil {
				return nil, fmt.Errorf("decoding tool results for turn %d: %w", t.Index, err)
			}
			for _, res := range results {
				messages = append(messages, llm.Message{
					Role:       "tool",
					Content:    res.Payload(),
					ToolCallID: res.CallID,
				})
			}
		} else if len(assistant.ToolCalls) == 0 && t.AssistantContent != "" {
			// A content-only turn that did not finish the run was a rejected
			// determination; replay the rejection feedback.
			messages = append(messages, llm.Message{
				Role:    "user",
				Content: "Your determination was rejected. Reply with a corrected JSON object only.",
			})
		}
	}
	return messages, nil
}

func appendExchange(messages []llm.Message, resp *llm.Response, results []tools.Result) []llm.Message {
	messages = append(messages, llm.Message{
		Role:      "assistant",
		Content:   resp.Content,
		ToolCalls: resp.ToolCalls,
	})
	for _, res := range results {
		messages = append(messages, llm.Message{
			Role:       "tool",
			Content:    res.Payload(),
			ToolCallID: res.CallID,
		})
	}
	return messages
}

func hashOf(s string) string {
	sum := sha256.Sum256([]byte(s))
	return "sha256:" + hex.EncodeToString(sum[:])
}

// IsInfra reports whether err is an infrastructure failure the scheduler
// should retry.
func IsInfra(err error) bool {
	var ie *InfraError
	return errors.As(err, &ie)
}
