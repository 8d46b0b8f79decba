// Package testutil provides shared fakes for engine, tools, and server tests.
package testutil

import (
	"context"
	"sync"

	"github.com/arbiterhealth/arbiter/internal/llm"
)

// ScriptedProvider implements llm.Provider with a fixed response sequence,
// for driving the review loop without live API calls. It records every
// request for assertions. Set ErrOnCall (1-based) and Err to fail one call
// mid-sequence; later calls resume the script.
type ScriptedProvider struct {
	mu               sync.Mutex
	Responses        []*llm.Response
	CallCount        int
	ReceivedMessages [][]llm.Message
	ReceivedModels   []string
	ErrOnCall        int
	Err              error
}

// Name returns "scripted".
func (p *ScriptedProvider) Name() string { return "scripted" }

// Generate returns the next scripted response, repeating the last one when
// the script runs out.
func (p *ScriptedProvider) Generate(_ context.Context, req *llm.Request) (*llm.Response, error) {
	p.mu.Lock()
	p.CallCount++
	call := p.CallCount
	msgCopy := make([]llm.Message, len(req.Messages))
	copy(msgCopy, req.Messages)
	p.ReceivedMessages = append(p.ReceivedMessages, msgCopy)
	p.ReceivedModels = append(p.ReceivedModels, req.Model)
	resps := p.Responses
	errOnCall, errReturn := p.ErrOnCall, p.Err
	p.mu.Unlock()

	if errOnCall > 0 && call == errOnCall && errReturn != nil {
		return nil, errReturn
	}

	// Failed calls consume a script slot so retries get the next response.
	idx := call - 1
	if errOnCall > 0 && call > errOnCall {
		idx--
	}
	if len(resps) == 0 {
		return &llm.Response{Content: "no responses scripted", FinishReason: "stop", Model: req.Model}, nil
	}
	if idx >= len(resps) {
		idx = len(resps) - 1
	}
	out := resps[idx]

	r := &llm.Response{
		Content:      out.Content,
		FinishReason: out.FinishReason,
		InputTokens:  out.InputTokens,
		OutputTokens: out.OutputTokens,
		Model:        req.Model,
	}
	if len(out.ToolCalls) > 0 {
		r.ToolCalls = make([]llm.ToolCall, len(out.ToolCalls))
		copy(r.ToolCalls, out.ToolCalls)
	}
	return r, nil
}
