// Package tools provides the capability registry and dispatcher for the
// review agent. Every fact the model learns about a case flows through a
// registered capability; the dispatcher folds failures into result values
// rather than raising, so one bad call never aborts a review.
package tools

import (
	"context"
	"sync"

	"github.com/arbiterhealth/arbiter/internal/llm"
)

// Capability is one operation the model may invoke.
type Capability interface {
	Name() string
	Description() string
	// Parameters returns the JSON schema advertised to the model.
	Parameters() map[string]interface{}
	// NewArgs returns a pointer to a fresh argument struct for decoding.
	NewArgs() interface{}
	// Execute runs the capability with decoded, validated arguments.
	Execute(ctx context.Context, args interface{}) (interface{}, error)
}

// Registry holds registered capabilities. Thread-safe for concurrent access.
type Registry struct {
	mu    sync.RWMutex
	caps  map[string]Capability
	order []string
}

// NewEmptyRegistry creates a registry with no capabilities.
func NewEmptyRegistry() *Registry {
	return &Registry{caps: make(map[string]Capability)}
}

// Register adds a capability. Registration order is preserved in Definitions.
func (r *Registry) Register(c Capability) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.caps[c.Name()]; !exists {
		r.order = append(r.order, c.Name())
	}
	r.caps[c.Name()] = c
}

// Get returns a capability by name.
func (r *Registry) Get(name string) (Capability, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.caps[name]
	return c, ok
}

// Definitions returns the capability set as tool definitions for the model,
// in registration order.
func (r *Registry) Definitions() []llm.Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	defs := make([]llm.Tool, 0, len(r.order))
	for _, name := range r.order {
		c := r.caps[name]
		defs = append(defs, llm.Tool{
			Name:        c.Name(),
			Description: c.Description(),
			Parameters:  c.Parameters(),
		})
	}
	return defs
}
