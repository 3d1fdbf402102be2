package fsm

import (
	"container/list"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/triage-ai/palisade/services/tool_router/internal/engine"
)

// Snapshot is the externalized state of a gate.
type Snapshot struct {
	State     string `json:"state"`
	UpdatedAt int64  `json:"updatedAt"` // epoch millis
}

// TransitionResult is the outcome of firing an event.
type TransitionResult struct {
	Event    string
	Previous string
	Current  string
	Changed  bool
}

// Listener observes state changes.
type Listener func(TransitionResult)

// Binding restricts a tool to a set of states.
type Binding struct {
	States []string
	Event  string
}

// Gate is the workflow gate. It is safe for concurrent use; transitions are
// serialized, and listeners run after the state change is committed.
type Gate struct {
	mu        sync.Mutex
	cfg       Config
	current   string
	updatedAt int64
	bindings  map[string]Binding
	listeners *list.List
	// parent is the gate this one was cloned from. Its listeners observe
	// the clone's transitions too.
	parent *Gate
	logger *zap.Logger
	now    func() time.Time
}

// Option configures a Gate.
type Option func(*Gate)

// WithLogger sets the gate logger.
func WithLogger(l *zap.Logger) Option {
	return func(g *Gate) { g.logger = l }
}

// WithClock overrides the time source used for snapshots.
func WithClock(now func() time.Time) Option {
	return func(g *Gate) { g.now = now }
}

// NewGate creates a gate in cfg.Initial.
func NewGate(cfg Config, opts ...Option) (*Gate, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	g := &Gate{
		cfg:       cfg,
		bindings:  map[string]Binding{},
		listeners: list.New(),
		logger:    zap.NewNop(),
		now:       time.Now,
	}
	for _, o := range opts {
		o(g)
	}
	g.current = cfg.Initial
	g.updatedAt = g.now().UnixMilli()
	return g, nil
}

// Config returns the workflow definition.
func (g *Gate) Config() Config { return g.cfg }

// Current returns the current state.
func (g *Gate) Current() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.current
}

// Transition applies event. Unknown events, targets that are not states, final
// states and self-loops all leave the state unchanged and report
// Changed=false. Listeners run only on a change, in registration order; a
// panicking listener is logged and does not affect the others or the result.
func (g *Gate) Transition(event string) TransitionResult {
	g.mu.Lock()
	prev := g.current
	res := TransitionResult{Event: event, Previous: prev, Current: prev}

	st := g.cfg.States[prev]
	target, ok := st.On[event]
	if _, known := g.cfg.States[target]; !ok || !known || st.Type == StateFinal || target == prev {
		g.mu.Unlock()
		return res
	}

	g.current = target
	g.updatedAt = g.now().UnixMilli()
	res.Current = target
	res.Changed = true
	g.mu.Unlock()

	g.logger.Debug("fsm transition",
		zap.String("workflow", g.cfg.ID),
		zap.String("event", event),
		zap.String("from", prev),
		zap.String("to", target),
	)
	for src := g; src != nil; src = src.parent {
		src.fire(res)
	}
	return res
}

func (g *Gate) fire(res TransitionResult) {
	g.mu.Lock()
	listeners := make([]Listener, 0, g.listeners.Len())
	for e := g.listeners.Front(); e != nil; e = e.Next() {
		listeners = append(listeners, e.Value.(*subscription).fn)
	}
	g.mu.Unlock()

	for _, fn := range listeners {
		if err := engine.Guarded(func() error { fn(res); return nil }); err != nil {
			g.logger.Warn("fsm listener panicked", zap.String("event", res.Event), zap.Error(err))
		}
	}
}

type subscription struct {
	fn Listener
}

// OnTransition registers l. The returned func removes exactly this
// listener; calling it again is a no-op.
func (g *Gate) OnTransition(l Listener) (unsubscribe func()) {
	g.mu.Lock()
	defer g.mu.Unlock()
	elem := g.listeners.PushBack(&subscription{fn: l})
	var once sync.Once
	return func() {
		once.Do(func() {
			g.mu.Lock()
			defer g.mu.Unlock()
			// Remove is a no-op if Dispose replaced the list.
			g.listeners.Remove(elem)
		})
	}
}

// Dispose drops every listener. The gate keeps working.
func (g *Gate) Dispose() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.listeners = list.New()
}

// Snapshot returns a copy of the current state.
func (g *Gate) Snapshot() Snapshot {
	g.mu.Lock()
	defer g.mu.Unlock()
	return Snapshot{State: g.current, UpdatedAt: g.updatedAt}
}

// Restore applies s if s.State names a state. It fires no listeners and
// ignores UpdatedAt ordering. It reports whether the snapshot was applied.
func (g *Gate) Restore(s Snapshot) bool {
	if s.State == "" {
		return false
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.cfg.States[s.State]; !ok {
		return false
	}
	g.current = s.State
	g.updatedAt = s.UpdatedAt
	return true
}

// BindTool sets or replaces the binding of a tool name.
func (g *Gate) BindTool(name string, states []string, event string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.bindings[name] = Binding{States: append([]string(nil), states...), Event: event}
}

// HasBindings reports whether any tool is bound.
func (g *Gate) HasBindings() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.bindings) > 0
}

// IsToolAllowed reports whether name is callable now. Unbound names always
// are.
func (g *Gate) IsToolAllowed(name string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.allowedLocked(name)
}

func (g *Gate) allowedLocked(name string) bool {
	b, ok := g.bindings[name]
	if !ok {
		return true
	}
	for _, s := range b.States {
		if s == g.current {
			return true
		}
	}
	return false
}

// VisibleToolNames filters all, keeping order and duplicates.
func (g *Gate) VisibleToolNames(all []string) []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]string, 0, len(all))
	for _, name := range all {
		if g.allowedLocked(name) {
			out = append(out, name)
		}
	}
	return out
}

// TransitionEvent returns the event bound to name, if any.
func (g *Gate) TransitionEvent(name string) (string, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	b, ok := g.bindings[name]
	if !ok || b.Event == "" {
		return "", false
	}
	return b.Event, true
}

// Clone returns a gate with the same config and bindings, in the initial
// state and without listeners of its own. Listeners registered on g, now or
// later, also run for the clone's transitions. The server uses clones as
// per-session gates.
func (g *Gate) Clone() *Gate {
	g.mu.Lock()
	defer g.mu.Unlock()
	c := &Gate{
		cfg:       g.cfg,
		current:   g.cfg.Initial,
		bindings:  make(map[string]Binding, len(g.bindings)),
		listeners: list.New(),
		parent:    g,
		logger:    g.logger,
		now:       g.now,
	}
	c.updatedAt = c.now().UnixMilli()
	for k, v := range g.bindings {
		c.bindings[k] = v
	}
	return c
}
