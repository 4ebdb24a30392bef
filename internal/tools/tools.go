// Package tools defines the generic invocable-tool contract shared by
// local tools and bridged MCP tools. The agent loop selects tools
// through the Tool interface alone and cannot tell where a tool runs.
package tools

import (
	"context"
	"fmt"
	"sync"
)

// Result is the outcome of one tool invocation. Failures are values,
// not raised errors: the agent loop feeds either outcome back to the
// model.
type Result struct {
	// Success reports whether the invocation completed.
	Success bool

	// Text is the textual payload of a successful invocation.
	Text string

	// Image is an optional binary attachment (e.g. a screenshot).
	Image []byte

	// HasImage reports whether the tool produced any image content,
	// even when the payload itself could not be extracted.
	HasImage bool

	// Error describes the failure when Success is false.
	Error string
}

// Fail builds a failed Result from a message.
func Fail(format string, args ...any) Result {
	return Result{Error: fmt.Sprintf(format, args...)}
}

// Tool is an invocable capability. Local tools and bridged remote
// tools implement it identically.
type Tool interface {
	// Name is the unique registry key, also used as the LLM function name.
	Name() string

	// Description tells the model what the tool does.
	Description() string

	// Parameters is the JSON Schema for the tool's arguments, in the
	// object/properties/required form the function-calling format accepts.
	Parameters() map[string]any

	// Invoke runs the tool. Implementations return failures as Result
	// values and never panic.
	Invoke(ctx context.Context, args map[string]any) Result
}

// Func adapts a plain function to the Tool interface. Used for local,
// in-process tools.
type Func struct {
	name        string
	description string
	parameters  map[string]any
	fn          func(ctx context.Context, args map[string]any) (string, error)
}

// NewFunc wraps fn as a Tool.
func NewFunc(name, description string, parameters map[string]any, fn func(ctx context.Context, args map[string]any) (string, error)) *Func {
	return &Func{
		name:        name,
		description: description,
		parameters:  parameters,
		fn:          fn,
	}
}

func (f *Func) Name() string               { return f.name }
func (f *Func) Description() string        { return f.description }
func (f *Func) Parameters() map[string]any { return f.parameters }

// Invoke runs the wrapped function, converting its error to a failed Result.
func (f *Func) Invoke(ctx context.Context, args map[string]any) Result {
	text, err := f.fn(ctx, args)
	if err != nil {
		return Result{Error: err.Error()}
	}
	return Result{Success: true, Text: text}
}

// Registry holds tools keyed by name, preserving registration order.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
	order []string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds a tool. Registering a name twice is an error so that a
// collision surfaces instead of silently replacing a tool.
func (r *Registry) Register(t Tool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	name := t.Name()
	if name == "" {
		return fmt.Errorf("tool has empty name")
	}
	if _, exists := r.tools[name]; exists {
		return fmt.Errorf("tool %q already registered", name)
	}
	r.tools[name] = t
	r.order = append(r.order, name)
	return nil
}

// Get retrieves a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// List returns all tools in registration order.
func (r *Registry) List() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Tool, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.tools[name])
	}
	return out
}

// Len returns the number of registered tools.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// Declarations returns the function declarations for the LLM, in
// registration order.
func (r *Registry) Declarations() []map[string]any {
	var out []map[string]any
	for _, t := range r.List() {
		out = append(out, map[string]any{
			"type": "function",
			"function": map[string]any{
				"name":        t.Name(),
				"description": t.Description(),
				"parameters":  t.Parameters(),
			},
		})
	}
	return out
}

// Invoke runs the named tool. An unknown name is a failed Result, not
// an error — the model sees the failure and can correct itself.
func (r *Registry) Invoke(ctx context.Context, name string, args map[string]any) Result {
	t, ok := r.Get(name)
	if !ok {
		return Fail("unknown tool: %s", name)
	}
	return t.Invoke(ctx, args)
}
