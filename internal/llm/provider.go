// Package llm abstracts the chat-completion provider behind a small
// interface so the review engine never depends on a vendor SDK directly.
package llm

import (
	"context"
	"errors"
	"time"
)

// TimeoutModelCall caps a single chat-completion round trip.
const TimeoutModelCall = 60 * time.Second

// ErrProviderUnavailable wraps transport-level failures reaching the model.
// These are infrastructure faults, retryable by the scheduler.
var ErrProviderUnavailable = errors.New("model provider unavailable")

// Provider is the interface every chat-completion backend implements.
type Provider interface {
	// Name returns the provider identifier (e.g. "openai").
	Name() string
	// Generate sends one completion request and returns the model's reply.
	Generate(ctx context.Context, req *Request) (*Response, error)
}

// Request is one chat-completion request.
type Request struct {
	Model       string
	Messages    []Message
	Temperature float64
	MaxTokens   int
	Tools       []Tool
}

// Message is one chat message. Tool-result messages carry the ToolCallID
// they answer; assistant messages that requested tools carry ToolCalls so
// the conversation can be replayed to the provider.
type Message struct {
	Role       string // "system", "user", "assistant", "tool"
	Content    string
	ToolCallID string
	ToolCalls  []ToolCall
}

// Tool is a capability definition offered to the model.
type Tool struct {
	Name        string
	Description string
	Parameters  map[string]interface{}
}

// Response is the model's reply to one request.
type Response struct {
	Content      string
	FinishReason string
	InputTokens  int
	OutputTokens int
	Model        string
	ToolCalls    []ToolCall
}

// ToolCall is a request from the model to invoke a tool. Arguments is the
// raw JSON string exactly as the model produced it; the dispatcher owns
// parsing and validation.
type ToolCall struct {
	ID        string
	Name      string
	Arguments string
}
