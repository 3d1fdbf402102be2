// Package tool builds tool definitions from actions and executes calls
// against them.
//
// Builder methods panic on configuration mistakes (dotted names, mixing
// Action with Group, mutating after Build) the way http.ServeMux.Handle does:
// they are programmer errors found before the first request is served.
package tool

import (
	"sort"
	"strings"
	"sync"

	"github.com/triage-ai/palisade/services/tool_router/internal/engine"
	"github.com/triage-ai/palisade/services/tool_router/internal/schema"
	"github.com/triage-ai/palisade/services/tool_router/internal/statesync"
)

type mode int

const (
	modeNone mode = iota
	modeActions
	modeGroups
)

// Builder composes a tool definition.
type Builder struct {
	mu sync.Mutex

	name          string
	description   string
	tags          map[string]struct{}
	mode          mode
	actions       []*ActionRecord
	keys          map[string]struct{}
	common        *schema.Object
	middleware    []engine.Middleware
	discriminator string
	annotations   Annotations
	binding       *StateBinding
	stateSync     statesync.Policy
	concurrency   *ConcurrencyLimit
	egressMax     int
	entitlements  []string

	def      *Definition
	bulkhead *bulkhead
}

// New starts a builder for the named tool.
func New(name string) *Builder {
	if err := checkName("tool", name); err != nil {
		panic(err)
	}
	return &Builder{
		name:          name,
		tags:          map[string]struct{}{},
		keys:          map[string]struct{}{},
		discriminator: DefaultDiscriminator,
	}
}

func checkName(kind, name string) error {
	if name == "" || strings.Contains(name, Separator) {
		return &InvalidNameError{Kind: kind, Name: name}
	}
	return nil
}

// Name returns the tool name.
func (b *Builder) Name() string { return b.name }

func (b *Builder) mutate(op string, fn func()) *Builder {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.def != nil {
		panic(&FrozenError{Tool: b.name, Op: op})
	}
	fn()
	return b
}

// Description sets the tool description.
func (b *Builder) Description(d string) *Builder {
	return b.mutate("Description", func() { b.description = d })
}

// Tags adds tags used by list filters.
func (b *Builder) Tags(tags ...string) *Builder {
	return b.mutate("Tags", func() {
		for _, t := range tags {
			b.tags[t] = struct{}{}
		}
	})
}

// CommonSchema declares fields shared by every action.
func (b *Builder) CommonSchema(params map[string]any) *Builder {
	obj := schema.MustCompile(params)
	return b.CommonValidator(obj)
}

// CommonValidator is CommonSchema with a precompiled validator.
func (b *Builder) CommonValidator(obj *schema.Object) *Builder {
	return b.mutate("CommonSchema", func() { b.common = obj })
}

// Use appends tool-level middleware. It runs after global middleware and
// before group middleware.
func (b *Builder) Use(mw ...engine.Middleware) *Builder {
	return b.mutate("Use", func() { b.middleware = append(b.middleware, mw...) })
}

// Discriminator renames the action selector argument.
func (b *Builder) Discriminator(field string) *Builder {
	return b.mutate("Discriminator", func() {
		if field == "" {
			panic(&InvalidConfigError{Tool: b.name, Reason: "discriminator must not be empty"})
		}
		b.discriminator = field
	})
}

// Annotations sets explicit hints; set fields override aggregation.
func (b *Builder) Annotations(a Annotations) *Builder {
	return b.mutate("Annotations", func() { b.annotations = a })
}

// BindState restricts the tool to the given workflow states. A non-empty
// event is fired on the gate after every successful call.
func (b *Builder) BindState(states []string, event string) *Builder {
	return b.mutate("BindState", func() {
		b.binding = &StateBinding{States: append([]string(nil), states...), Event: event}
	})
}

// CacheControl adds a Cache-Control hint to the published description.
func (b *Builder) CacheControl(directive string) *Builder {
	if err := statesync.ValidateDirective(directive); err != nil {
		panic(err)
	}
	return b.mutate("CacheControl", func() { b.stateSync.CacheControl = directive })
}

// Invalidates declares globs of tools whose cached results become stale
// after a successful call of this tool.
func (b *Builder) Invalidates(globs ...string) *Builder {
	return b.mutate("Invalidates", func() {
		b.stateSync.Invalidates = append(b.stateSync.Invalidates, globs...)
	})
}

// Concurrency bounds in-flight calls. Calls beyond maxActive wait in a
// queue of maxQueue; beyond that they fail with SERVER_BUSY.
func (b *Builder) Concurrency(maxActive, maxQueue int) *Builder {
	return b.mutate("Concurrency", func() {
		if maxActive < 1 || maxQueue < 0 {
			panic(&InvalidConfigError{Tool: b.name, Reason: "concurrency needs maxActive >= 1 and maxQueue >= 0"})
		}
		b.concurrency = &ConcurrencyLimit{MaxActive: maxActive, MaxQueue: maxQueue}
	})
}

// EgressMaxBytes truncates response text beyond n bytes.
func (b *Builder) EgressMaxBytes(n int) *Builder {
	return b.mutate("EgressMaxBytes", func() { b.egressMax = n })
}

// Entitlements declares identifiers of privileged APIs the handlers use,
// e.g. "os.WriteFile" or "net/http". They feed the contract.
func (b *Builder) Entitlements(ids ...string) *Builder {
	return b.mutate("Entitlements", func() { b.entitlements = append(b.entitlements, ids...) })
}

// Action adds an ungrouped action.
func (b *Builder) Action(a Action) *Builder {
	return b.mutate("Action", func() {
		if b.mode == modeGroups {
			panic(&MixedModeError{Tool: b.name})
		}
		b.mode = modeActions
		b.addAction("", a, nil)
	})
}

// Group adds a named group of actions, keyed "group.action".
func (b *Builder) Group(name, description string, fn func(*GroupBuilder)) *Builder {
	return b.mutate("Group", func() {
		if b.mode == modeActions {
			panic(&MixedModeError{Tool: b.name})
		}
		if err := checkName("group", name); err != nil {
			panic(err)
		}
		b.mode = modeGroups
		g := &GroupBuilder{name: name, description: description}
		fn(g)
		for _, a := range g.actions {
			b.addAction(name, a, g.middleware)
		}
	})
}

func (b *Builder) addAction(group string, a Action, mw []engine.Middleware) {
	if err := checkName("action", a.Name); err != nil {
		panic(err)
	}
	if a.Handler.IsZero() {
		panic(&InvalidConfigError{Tool: b.name, Reason: "action " + a.Name + " has no handler"})
	}
	key := a.Name
	if group != "" {
		key = group + Separator + a.Name
	}
	if _, dup := b.keys[key]; dup {
		panic(&DuplicateActionError{Tool: b.name, Key: key})
	}
	b.keys[key] = struct{}{}

	obj := a.Schema
	if obj == nil && a.Params != nil {
		obj = schema.MustCompile(a.Params)
	}
	rec := &ActionRecord{
		Key:         key,
		Name:        a.Name,
		Group:       group,
		Description: a.Description,
		Handler:     a.Handler,
		Schema:      obj,
		ReadOnly:    a.ReadOnly,
		Destructive: a.Destructive,
		Idempotent:  a.Idempotent,
		Presenter:   a.Presenter,
		Middleware:  append([]engine.Middleware(nil), mw...),
	}
	if len(a.States) > 0 || a.Event != "" {
		rec.Binding = &StateBinding{States: append([]string(nil), a.States...), Event: a.Event}
	}
	b.actions = append(b.actions, rec)
}

// Build freezes the builder and returns its definition. Later calls return
// the same pointer.
func (b *Builder) Build() *Definition {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.def != nil {
		return b.def
	}
	if len(b.actions) == 0 {
		panic(&InvalidConfigError{Tool: b.name, Reason: "at least one action is required"})
	}

	index := make(map[string]*ActionRecord, len(b.actions))
	for _, a := range b.actions {
		validator := a.Schema
		if b.common != nil {
			merged, err := schema.Merge(b.common, a.Schema)
			if err != nil {
				panic(&InvalidConfigError{Tool: b.name, Reason: "merge schema of " + a.Key + ": " + err.Error()})
			}
			validator = merged
		}
		a.Validator = validator
		if validator != nil {
			a.RequiredFields = validator.RequiredFields()
		}
		index[a.Key] = a
	}

	tags := make([]string, 0, len(b.tags))
	for t := range b.tags {
		tags = append(tags, t)
	}
	sort.Strings(tags)

	def := &Definition{
		Name:           b.name,
		Description:    b.description,
		Tags:           tags,
		Actions:        b.actions,
		Common:         b.common,
		Middleware:     b.middleware,
		Discriminator:  b.discriminator,
		Annotations:    resolveAnnotations(b.annotations, b.actions),
		InputSchema:    groupedSchema(b.discriminator, b.common, b.actions),
		StateSync:      b.stateSync,
		Binding:        b.binding,
		Concurrency:    b.concurrency,
		EgressMaxBytes: b.egressMax,
		Entitlements:   append([]string(nil), b.entitlements...),
		index:          index,
	}
	if b.concurrency != nil {
		b.bulkhead = newBulkhead(b.concurrency.MaxActive, b.concurrency.MaxQueue)
	}
	b.def = def
	return def
}

// GroupBuilder collects the actions and middleware of one group.
type GroupBuilder struct {
	name        string
	description string
	actions     []Action
	middleware  []engine.Middleware
}

// Action adds an action to the group.
func (g *GroupBuilder) Action(a Action) *GroupBuilder {
	g.actions = append(g.actions, a)
	return g
}

// Use appends group-level middleware, run after tool middleware.
func (g *GroupBuilder) Use(mw ...engine.Middleware) *GroupBuilder {
	g.middleware = append(g.middleware, mw...)
	return g
}
