// Package registry is the dispatch table from tool names to builders.
package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/triage-ai/palisade/services/tool_router/internal/engine"
	"github.com/triage-ai/palisade/services/tool_router/internal/tool"
)

// CodeUnknownTool marks calls to names that are not registered.
const CodeUnknownTool = "UNKNOWN_TOOL"

// DuplicateToolError is returned by Register for a name already taken.
type DuplicateToolError struct {
	Name string
}

func (e *DuplicateToolError) Error() string {
	return fmt.Sprintf("tool %q is already registered", e.Name)
}

// Registry maps tool names to builders and routes calls to them. It is safe
// for concurrent use.
type Registry struct {
	mu     sync.RWMutex
	tools  map[string]*tool.Builder
	order  []string
	global []engine.Middleware
	logger *zap.Logger
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the registry logger.
func WithLogger(l *zap.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

// New creates an empty registry.
func New(opts ...Option) *Registry {
	r := &Registry{tools: map[string]*tool.Builder{}, logger: zap.NewNop()}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Register adds b. The builder is built (and frozen) on first use, not here.
func (r *Registry) Register(b *tool.Builder) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	name := b.Name()
	if _, exists := r.tools[name]; exists {
		return &DuplicateToolError{Name: name}
	}
	r.tools[name] = b
	r.order = append(r.order, name)
	r.logger.Debug("tool registered", zap.String("tool", name))
	return nil
}

// MustRegister is Register for program setup; it panics on duplicates.
func (r *Registry) MustRegister(builders ...*tool.Builder) {
	for _, b := range builders {
		if err := r.Register(b); err != nil {
			panic(err)
		}
	}
}

// Use appends global middleware, run before every tool's own.
func (r *Registry) Use(mw ...engine.Middleware) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.global = append(r.global, mw...)
}

// Middleware returns a copy of the global middleware.
func (r *Registry) Middleware() []engine.Middleware {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]engine.Middleware(nil), r.global...)
}

// Get returns the builder registered under name.
func (r *Registry) Get(name string) (*tool.Builder, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.tools[name]
	return b, ok
}

// Builders returns the builders in registration order.
func (r *Registry) Builders() []*tool.Builder {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*tool.Builder, len(r.order))
	for i, name := range r.order {
		out[i] = r.tools[name]
	}
	return out
}

// Names returns the registered names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

// Len returns the number of registered tools.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}

// Clear removes every tool. Global middleware stays.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools = map[string]*tool.Builder{}
	r.order = nil
}

// RouteCall dispatches a grouped call: args carry the discriminator.
func (r *Registry) RouteCall(ctx context.Context, rc engine.Values, name string, args map[string]any, progress engine.ProgressSink) engine.Response {
	b, ok := r.Get(name)
	if !ok {
		return r.UnknownTool(name)
	}
	return b.Execute(ctx, rc, args, tool.ExecOptions{Middleware: r.Middleware(), Progress: progress})
}

// UnknownTool is the response for a name that does not resolve. It lists
// the registered tool names.
func (r *Registry) UnknownTool(name string) engine.Response {
	return UnknownToolResponse(name, r.Names())
}

// UnknownToolResponse renders UNKNOWN_TOOL for name, suggesting available.
func UnknownToolResponse(name string, available []string) engine.Response {
	names := append([]string(nil), available...)
	sort.Strings(names)
	return engine.ToolError(CodeUnknownTool, engine.ToolErrorOptions{
		Message:          fmt.Sprintf("%s: tool %q does not exist", CodeUnknownTool, name),
		Suggestion:       "Call one of the available tools.",
		AvailableActions: names,
	})
}
