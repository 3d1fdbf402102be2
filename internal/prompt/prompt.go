// Package prompt holds the prompt registry served next to the tools.
// Prompt handlers can call back into the tool pipeline through InvokeTool.
package prompt

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/triage-ai/palisade/services/tool_router/internal/engine"
)

// ErrUnknownPrompt is returned by Get for unregistered names.
var ErrUnknownPrompt = errors.New("unknown prompt")

// ErrNoInvoker is returned by InvokeTool outside a prompt call.
var ErrNoInvoker = errors.New("no tool invoker in request context")

// Argument declares one prompt argument.
type Argument struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Required    bool   `json:"required,omitempty"`
}

// Message is one rendered prompt message.
type Message struct {
	Role string `json:"role"`
	Text string `json:"text"`
}

// Result is what a prompt renders to.
type Result struct {
	Description string    `json:"description,omitempty"`
	Messages    []Message `json:"messages"`
}

// HandlerFunc renders a prompt.
type HandlerFunc func(ctx context.Context, rc engine.Values, args map[string]string) (Result, error)

// Prompt is a registered prompt.
type Prompt struct {
	Name        string
	Description string
	Arguments   []Argument
	Handler     HandlerFunc
}

// Descriptor is the prompts/list view of a prompt.
type Descriptor struct {
	Name        string     `json:"name"`
	Description string     `json:"description,omitempty"`
	Arguments   []Argument `json:"arguments,omitempty"`
}

// InvokeFunc runs a tool through the full pipeline.
type InvokeFunc func(ctx context.Context, name string, args map[string]any) engine.Response

// MissingArgumentError reports a required argument that was not supplied.
type MissingArgumentError struct {
	Prompt   string
	Argument string
}

func (e *MissingArgumentError) Error() string {
	return fmt.Sprintf("prompt %q: missing required argument %q", e.Prompt, e.Argument)
}

// DuplicatePromptError is returned by Register for a name already taken.
type DuplicatePromptError struct {
	Name string
}

func (e *DuplicatePromptError) Error() string {
	return fmt.Sprintf("prompt %q is already registered", e.Name)
}

// Registry holds prompts. It is safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	prompts map[string]Prompt
	order   []string
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{prompts: map[string]Prompt{}}
}

// Register adds p.
func (r *Registry) Register(p Prompt) error {
	if p.Name == "" || p.Handler == nil {
		return fmt.Errorf("Register: prompt needs a name and a handler")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.prompts[p.Name]; ok {
		return &DuplicatePromptError{Name: p.Name}
	}
	r.prompts[p.Name] = p
	r.order = append(r.order, p.Name)
	return nil
}

// Len returns the number of prompts.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}

// List returns descriptors in registration order.
func (r *Registry) List() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Descriptor, 0, len(r.order))
	for _, name := range r.order {
		p := r.prompts[name]
		out = append(out, Descriptor{Name: p.Name, Description: p.Description, Arguments: p.Arguments})
	}
	return out
}

// Names returns the sorted prompt names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := append([]string(nil), r.order...)
	sort.Strings(out)
	return out
}

// Get renders a prompt. invoke is placed in the handler's request context
// so the handler can reach tools through InvokeTool. Handler panics are
// returned as errors.
func (r *Registry) Get(ctx context.Context, rc engine.Values, name string, args map[string]string, invoke InvokeFunc) (res Result, err error) {
	r.mu.RLock()
	p, ok := r.prompts[name]
	r.mu.RUnlock()
	if !ok {
		return Result{}, fmt.Errorf("%w: %q", ErrUnknownPrompt, name)
	}
	for _, a := range p.Arguments {
		if a.Required && args[a.Name] == "" {
			return Result{}, &MissingArgumentError{Prompt: name, Argument: a.Name}
		}
	}

	local := rc.Clone()
	if invoke != nil {
		local[engine.InvokerKey] = invoke
	}
	err = engine.Guarded(func() error {
		var herr error
		res, herr = p.Handler(ctx, local, args)
		return herr
	})
	if err != nil {
		return Result{}, fmt.Errorf("prompt %q: %w", name, err)
	}
	return res, nil
}

// InvokeTool calls a tool from inside a prompt handler. The call shares the
// handler's context, so cancellation propagates.
func InvokeTool(ctx context.Context, rc engine.Values, name string, args map[string]any) (engine.Response, error) {
	invoke, ok := rc[engine.InvokerKey].(InvokeFunc)
	if !ok || invoke == nil {
		return engine.Response{}, ErrNoInvoker
	}
	return invoke(ctx, name, args), nil
}
