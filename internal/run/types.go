// Package run persists review runs: their lifecycle state, the turn-by-turn
// transcript of the agent loop, and every tool call made along the way.
package run

import (
	"time"

	"github.com/arbiterhealth/arbiter/internal/determination"
)

// Status is the lifecycle state of a run.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusRunning   Status = "RUNNING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
	StatusTimedOut  Status = "TIMED_OUT"
)

// Terminal reports whether a run in this status will never transition again.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusTimedOut:
		return true
	}
	return false
}

// Run is one review of one case.
type Run struct {
	ID              string                `json:"id"`
	CaseNumber      string                `json:"case_number"`
	Status          Status                `json:"status"`
	TurnCount       int                   `json:"turn_count"`
	Model           string                `json:"model,omitempty"`
	PromptVersion   string                `json:"prompt_version,omitempty"`
	FailureReason   string                `json:"failure_reason,omitempty"`
	CancelRequested bool                  `json:"cancel_requested,omitempty"`
	Determination   *determination.Result `json:"determination,omitempty"`
	CreatedAt       time.Time             `json:"created_at"`
	StartedAt       *time.Time            `json:"started_at,omitempty"`
	CompletedAt     *time.Time            `json:"completed_at,omitempty"`
}

// Turn is one model exchange within a run. Indices are contiguous from 1.
type Turn struct {
	RunID            string    `json:"run_id"`
	Index            int       `json:"index"`
	AssistantContent string    `json:"assistant_content,omitempty"`
	ToolCallsJSON    string    `json:"tool_calls_json,omitempty"`
	ToolResultsJSON  string    `json:"tool_results_json,omitempty"`
	PromptTokens     int       `json:"prompt_tokens"`
	CompletionTokens int       `json:"completion_tokens"`
	CreatedAt        time.Time `json:"created_at"`
}

// ToolCall is one tool invocation recorded against a turn.
type ToolCall struct {
	ID        string    `json:"id"`
	RunID     string    `json:"run_id"`
	TurnIndex int       `json:"turn_index"`
	Tool      string    `json:"tool"`
	ArgsJSON  string    `json:"args_json,omitempty"`
	Output    string    `json:"output,omitempty"`
	Success   bool      `json:"success"`
	Error     string    `json:"error,omitempty"`
	LatencyMS int64     `json:"latency_ms"`
	CreatedAt time.Time `json:"created_at"`
}
