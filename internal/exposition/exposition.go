// Package exposition projects registered tools onto protocol tools, either
// one per builder (grouped) or one per action (flat).
package exposition

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/multierr"

	"github.com/triage-ai/palisade/services/tool_router/internal/engine"
	"github.com/triage-ai/palisade/services/tool_router/internal/registry"
	"github.com/triage-ai/palisade/services/tool_router/internal/tool"
)

// Mode selects the projection.
type Mode string

const (
	Flat    Mode = "flat"
	Grouped Mode = "grouped"
)

// DefaultSeparator joins tool and action in flat names.
const DefaultSeparator = "_"

// ParseMode accepts "flat", "grouped" or "" (flat).
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case "", Flat:
		return Flat, nil
	case Grouped:
		return Grouped, nil
	}
	return "", fmt.Errorf("exposition: unknown mode %q (want flat or grouped)", s)
}

// FlatName is the protocol name of one action in flat mode. Dots in grouped
// action keys are replaced by sep as well.
func FlatName(toolName, actionKey, sep string) string {
	return toolName + sep + strings.ReplaceAll(actionKey, tool.Separator, sep)
}

// Route is one protocol tool.
type Route struct {
	Name    string
	Builder *tool.Builder
	Def     *tool.Definition
	// Action is nil in grouped mode.
	Action *tool.ActionRecord
}

// GateKey is the name the workflow gate knows action a under. Flat routes
// use their protocol name. In grouped mode an action with its own binding
// is keyed "tool.action"; every other action shares the tool name.
func (r Route) GateKey(a *tool.ActionRecord) string {
	if r.Action != nil {
		return r.Name
	}
	if a != nil && a.Binding != nil {
		return r.Name + tool.Separator + a.Key
	}
	return r.Name
}

// Bindings returns every gate binding the route carries, by gate key.
func (r Route) Bindings() map[string]*tool.StateBinding {
	out := map[string]*tool.StateBinding{}
	if r.Action != nil {
		if b := r.Def.BindingFor(r.Action); b != nil {
			out[r.Name] = b
		}
		return out
	}
	if r.Def.Binding != nil {
		out[r.Name] = r.Def.Binding
	}
	for _, a := range r.Def.Actions {
		if a.Binding != nil {
			out[r.GateKey(a)] = a.Binding
		}
	}
	return out
}

// Visible reports whether the route is listed under allow. A grouped route
// is visible while at least one of its actions is allowed.
func (r Route) Visible(allow func(key string) bool) bool {
	if allow == nil {
		return true
	}
	if r.Action != nil {
		return allow(r.Name)
	}
	for _, a := range r.Def.Actions {
		if allow(r.GateKey(a)) {
			return true
		}
	}
	return false
}

// AllowedActions lists the action keys of a grouped route permitted by
// allow, in declaration order.
func (r Route) AllowedActions(allow func(key string) bool) []string {
	var out []string
	for _, a := range r.Def.Actions {
		if allow == nil || allow(r.GateKey(a)) {
			out = append(out, a.Key)
		}
	}
	return out
}

func (r Route) origin() string {
	if r.Action == nil {
		return r.Def.Name
	}
	return r.Def.Name + tool.Separator + r.Action.Key
}

// DuplicateRouteError reports two actions that project onto the same
// protocol name.
type DuplicateRouteError struct {
	Name   string
	First  string
	Second string
}

func (e *DuplicateRouteError) Error() string {
	return fmt.Sprintf("exposition: protocol name %q is produced by both %s and %s", e.Name, e.First, e.Second)
}

// Table is a compiled projection.
type Table struct {
	Routes []Route
	// Conflicts lists names produced more than once. The first route
	// keeps the name.
	Conflicts []*DuplicateRouteError
	byName    map[string]Route
}

// Err combines every conflict, or returns nil.
func (t *Table) Err() error {
	var err error
	for _, c := range t.Conflicts {
		err = multierr.Append(err, c)
	}
	return err
}

// Lookup finds a route by protocol name.
func (t *Table) Lookup(name string) (Route, bool) {
	r, ok := t.byName[name]
	return r, ok
}

// Names returns the protocol names in order.
func (t *Table) Names() []string {
	out := make([]string, len(t.Routes))
	for i, r := range t.Routes {
		out[i] = r.Name
	}
	return out
}

// VisibleNames returns the protocol names allow lets through.
func (t *Table) VisibleNames(allow func(key string) bool) []string {
	out := make([]string, 0, len(t.Routes))
	for _, r := range t.Routes {
		if r.Visible(allow) {
			out = append(out, r.Name)
		}
	}
	return out
}

// Compiler builds Tables from a registry.
type Compiler struct {
	reg  *registry.Registry
	mode Mode
	sep  string
}

// NewCompiler returns a compiler. An empty sep means DefaultSeparator.
func NewCompiler(reg *registry.Registry, mode Mode, sep string) *Compiler {
	if sep == "" {
		sep = DefaultSeparator
	}
	if mode == "" {
		mode = Flat
	}
	return &Compiler{reg: reg, mode: mode, sep: sep}
}

// Mode returns the projection mode.
func (c *Compiler) Mode() Mode { return c.mode }

// Separator returns the flat-name separator.
func (c *Compiler) Separator() string { return c.sep }

// Compile projects the registry as it is right now. Nothing is cached
// between calls, so builders registered later show up on the next compile.
func (c *Compiler) Compile() *Table {
	t := &Table{byName: map[string]Route{}}
	add := func(r Route) {
		if prev, taken := t.byName[r.Name]; taken {
			t.Conflicts = append(t.Conflicts, &DuplicateRouteError{Name: r.Name, First: prev.origin(), Second: r.origin()})
			return
		}
		t.byName[r.Name] = r
		t.Routes = append(t.Routes, r)
	}
	for _, b := range c.reg.Builders() {
		def := b.Build()
		if c.mode == Grouped {
			add(Route{Name: def.Name, Builder: b, Def: def})
			continue
		}
		for _, a := range def.Actions {
			add(Route{Name: FlatName(def.Name, a.Key, c.sep), Builder: b, Def: def, Action: a})
		}
	}
	return t
}

// Descriptor renders a route for tools/list.
func (c *Compiler) Descriptor(r Route) registry.Descriptor {
	if r.Action == nil {
		return registry.Descriptor{
			Name:        r.Name,
			Description: r.Def.StateSync.Decorate(r.Def.Description),
			InputSchema: r.Def.InputSchema,
			Annotations: registry.AnnotationsOf(r.Def.Annotations),
		}
	}

	a := r.Action
	desc := a.Description
	if desc == "" {
		desc = r.Def.Description
	}
	if r.Def.Description != "" && a.Description != "" {
		desc = "[" + r.Def.Name + "] " + a.Description
	}

	input := map[string]any{"type": "object", "properties": map[string]any{}, "additionalProperties": false}
	if a.Validator != nil {
		input = a.Validator.JSONSchema()
	}

	return registry.Descriptor{
		Name:        r.Name,
		Description: r.Def.StateSync.Decorate(desc),
		InputSchema: input,
		Annotations: &registry.ToolAnnotations{
			Title:           r.Def.Annotations.Title,
			ReadOnlyHint:    tool.Bool(a.ReadOnly),
			DestructiveHint: tool.Bool(a.Destructive),
			IdempotentHint:  tool.Bool(a.Idempotent),
			OpenWorldHint:   r.Def.Annotations.OpenWorld,
		},
	}
}

// List compiles and renders every route whose tool matches f. allow, when
// set, further filters by gate key (see Route.Visible).
func (c *Compiler) List(f registry.TagFilter, allow func(name string) bool) []registry.Descriptor {
	t := c.Compile()
	out := make([]registry.Descriptor, 0, len(t.Routes))
	for _, r := range t.Routes {
		if !f.Match(r.Def) {
			continue
		}
		if !r.Visible(allow) {
			continue
		}
		out = append(out, c.Descriptor(r))
	}
	return out
}

// Resolve looks name up in a fresh compile. The table is returned as well
// so callers can report the names that do exist.
func (c *Compiler) Resolve(name string) (Route, *Table, bool) {
	t := c.Compile()
	r, ok := t.Lookup(name)
	return r, t, ok
}

// Call executes a resolved route. In flat mode the discriminator is
// reconstructed from the route before delegating to the builder.
func (c *Compiler) Call(ctx context.Context, rc engine.Values, route Route, args map[string]any, progress engine.ProgressSink) engine.Response {
	if route.Action == nil {
		return c.reg.RouteCall(ctx, rc, route.Def.Name, args, progress)
	}

	full := make(map[string]any, len(args)+1)
	for k, v := range args {
		full[k] = v
	}
	full[route.Def.Discriminator] = route.Action.Key
	return c.reg.RouteCall(ctx, rc, route.Def.Name, full, progress)
}

// ActionFor returns the action a grouped call selects, if it resolves.
func ActionFor(route Route, args map[string]any) *tool.ActionRecord {
	if route.Action != nil {
		return route.Action
	}
	key, _ := args[route.Def.Discriminator].(string)
	a, _ := route.Def.Action(key)
	return a
}
