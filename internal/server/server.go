// Package server attaches a tool registry to a transport: it serves
// tools/list and tools/call through the exposition compiler, gates both by
// the workflow state of the calling session, and records every call.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/triage-ai/palisade/services/tool_router/internal/contract"
	"github.com/triage-ai/palisade/services/tool_router/internal/engine"
	"github.com/triage-ai/palisade/services/tool_router/internal/exposition"
	"github.com/triage-ai/palisade/services/tool_router/internal/fsm"
	"github.com/triage-ai/palisade/services/tool_router/internal/prompt"
	"github.com/triage-ai/palisade/services/tool_router/internal/registry"
	"github.com/triage-ai/palisade/services/tool_router/internal/storage"
	"github.com/triage-ai/palisade/services/tool_router/internal/tool"
)

const tracerName = "github.com/triage-ai/palisade/services/tool_router/internal/server"

// ContextFactory builds the request context of one call.
type ContextFactory func(ctx context.Context, meta RequestMetadata) (engine.Values, error)

// Options configures Attach.
type Options struct {
	Exposition exposition.Mode
	Separator  string
	Filter     registry.TagFilter

	ContextFactory ContextFactory

	// Gate enables workflow gating. It is used as the template of every
	// session's gate; builders' state bindings are added to it on attach.
	// Its transition listeners also observe every session's transitions.
	Gate *fsm.Gate
	// Sessions persists gate snapshots for stateless transports.
	Sessions         fsm.SessionStore
	SessionCacheSize int
	SessionTTL       time.Duration

	Prompts *prompt.Registry

	Events    storage.EventWriter
	Transport string
	Tracer    trace.Tracer
	Logger    *zap.Logger
}

// Attachment is a registry attached to a server.
type Attachment struct {
	srv      ServerLike
	reg      *registry.Registry
	compiler *exposition.Compiler
	opts     Options
	sessions *sessions
	digest   contract.ServerDigest
	methods  []string

	detachOnce sync.Once
}

// Attach registers the list and call handlers (and the prompt handlers
// when prompts are configured) on srv.
func Attach(srv ServerLike, reg *registry.Registry, opts Options) (*Attachment, error) {
	mode, err := exposition.ParseMode(string(opts.Exposition))
	if err != nil {
		return nil, err
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Events == nil {
		opts.Events = storage.NopWriter{}
	}
	if opts.Tracer == nil {
		opts.Tracer = otel.Tracer(tracerName)
	}

	a := &Attachment{
		srv:      srv,
		reg:      reg,
		compiler: exposition.NewCompiler(reg, mode, opts.Separator),
		opts:     opts,
	}

	table := a.compiler.Compile()
	if err := table.Err(); err != nil {
		return nil, fmt.Errorf("Attach: %w", err)
	}

	if opts.Gate != nil {
		bound := a.bindStates(table)
		if !opts.Gate.HasBindings() {
			opts.Logger.Warn("workflow gate configured but no tool declares states")
		}
		a.sessions = newSessions(opts.Gate, opts.Sessions, opts.SessionCacheSize, opts.SessionTTL, opts.Logger)
		opts.Logger.Debug("workflow gate bound", zap.Int("bindings", bound), zap.String("initial", opts.Gate.Current()))
	}

	a.digest = contract.ComputeServerDigest(contract.MaterializeAll(reg.Builders()))

	a.handle(MethodToolsList, a.listTools)
	a.handle(MethodToolsCall, a.callTool)
	if opts.Prompts != nil {
		a.handle(MethodPromptsList, a.listPrompts)
		a.handle(MethodPromptsGet, a.getPrompt)
	}

	opts.Logger.Info("tool router attached",
		zap.String("exposition", string(mode)),
		zap.Int("tools", reg.Len()),
		zap.String("digest", a.digest.Digest),
	)
	return a, nil
}

func (a *Attachment) handle(method string, h RequestHandler) {
	a.methods = append(a.methods, method)
	a.srv.SetRequestHandler(method, h)
}

// bindStates binds every declared state binding of t under its gate key.
func (a *Attachment) bindStates(t *exposition.Table) int {
	n := 0
	for _, r := range t.Routes {
		for key, b := range r.Bindings() {
			a.opts.Gate.BindTool(key, b.States, b.Event)
			n++
		}
	}
	return n
}

// Digest returns the server digest computed at attach time.
func (a *Attachment) Digest() contract.ServerDigest { return a.digest }

// Compiler returns the exposition compiler used by the handlers.
func (a *Attachment) Compiler() *exposition.Compiler { return a.compiler }

// Detach replaces every registered handler with one that reports the
// router as detached. It is idempotent.
func (a *Attachment) Detach() {
	a.detachOnce.Do(func() {
		for _, m := range a.methods {
			a.srv.SetRequestHandler(m, detachedHandler(m))
		}
		a.opts.Logger.Info("tool router detached")
	})
}

func detachedHandler(method string) RequestHandler {
	return func(context.Context, json.RawMessage, RequestMetadata) (any, error) {
		switch method {
		case MethodToolsList:
			return ListToolsResult{Tools: []registry.Descriptor{}}, nil
		case MethodToolsCall:
			return engine.ErrorResponse(ErrDetached.Error()), nil
		}
		return nil, ErrDetached
	}
}

func (a *Attachment) listTools(ctx context.Context, _ json.RawMessage, meta RequestMetadata) (any, error) {
	var allow func(string) bool
	if a.sessions != nil && !meta.Ungated {
		allow = a.sessions.gate(ctx, meta.Session()).IsToolAllowed
	}
	return ListToolsResult{Tools: a.compiler.List(a.opts.Filter, allow)}, nil
}

func (a *Attachment) callTool(ctx context.Context, raw json.RawMessage, meta RequestMetadata) (any, error) {
	var params CallToolParams
	if err := decodeParams(raw, &params); err != nil {
		return nil, err
	}
	if params.Name == "" {
		return nil, fmt.Errorf("%w: missing tool name", ErrInvalidParams)
	}
	if params.Meta != nil && meta.ProgressToken == nil {
		meta.ProgressToken = params.Meta.ProgressToken
	}
	confirmed := params.Meta != nil && params.Meta.UserConfirmed
	return a.invoke(ctx, params.Name, params.Arguments, meta, confirmed), nil
}

// invoke runs one call through gating, routing and the state transition.
func (a *Attachment) invoke(ctx context.Context, name string, args map[string]any, meta RequestMetadata, confirmed bool) engine.Response {
	start := time.Now()
	sessionID := meta.Session()

	ctx, span := a.opts.Tracer.Start(ctx, MethodToolsCall,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("tool_router.tool", name),
			attribute.String("tool_router.session_id", sessionID),
		),
	)
	defer span.End()

	event := &storage.ToolCallEvent{
		RequestID: uuid.NewString(),
		SessionID: sessionID,
		Timestamp: start,
		ToolName:  name,
		Transport: a.opts.Transport,
	}
	if raw, err := json.Marshal(args); err == nil {
		event.ArgumentsJSON = string(raw)
	}

	resp := a.route(ctx, name, args, meta, confirmed, event)

	event.IsError = resp.IsError
	event.ErrorCode = resp.ErrorCode()
	event.LatencyMs = float32(float64(time.Since(start)) / float64(time.Millisecond))
	a.opts.Events.Write(event)

	span.SetAttributes(
		attribute.String("tool_router.action", event.Action),
		attribute.Bool("tool_router.is_error", resp.IsError),
	)
	if resp.IsError {
		span.SetStatus(codes.Error, event.ErrorCode)
	}
	return resp
}

func (a *Attachment) route(ctx context.Context, name string, args map[string]any, meta RequestMetadata, confirmed bool, event *storage.ToolCallEvent) engine.Response {
	route, table, found := a.compiler.Resolve(name)

	var gate *fsm.Gate
	var allow func(string) bool
	if a.sessions != nil {
		gate = a.sessions.gate(ctx, event.SessionID)
		event.StateBefore = gate.Current()
		event.StateAfter = event.StateBefore
		allow = gate.IsToolAllowed
	}
	if !found || !route.Visible(allow) {
		return registry.UnknownToolResponse(name, table.VisibleNames(allow))
	}

	action := exposition.ActionFor(route, args)
	if action != nil {
		event.Action = action.Key
	}
	key := route.GateKey(action)
	if action != nil && allow != nil && !allow(key) {
		return engine.ToolError(tool.CodeUnknownAction, engine.ToolErrorOptions{
			Message:          fmt.Sprintf("[%s] action %q is not available in state %q", route.Def.Name, action.Key, event.StateBefore),
			Suggestion:       "Use one of the available actions.",
			AvailableActions: route.AllowedActions(allow),
		})
	}

	rc, err := a.requestContext(ctx, meta, gate, confirmed)
	if err != nil {
		return engine.Errorf("[%s] request context: %v", name, err)
	}
	event.ProjectID = rc.String(engine.ProjectIDKey)

	resp := a.compiler.Call(ctx, rc, route, args, a.progressSink(meta))
	if resp.IsError {
		return resp
	}

	if stale := a.invalidated(route.Def); len(stale) > 0 {
		event.Metadata = map[string]string{"invalidated": strings.Join(stale, ",")}
		a.opts.Logger.Debug("cached results invalidated",
			zap.String("tool", name),
			zap.Strings("actions", stale),
		)
	}

	if gate != nil {
		if ev, bound := gate.TransitionEvent(key); bound {
			res := gate.Transition(ev)
			event.StateAfter = res.Current
			if res.Changed {
				a.sessions.commit(ctx, event.SessionID, gate)
				a.opts.Logger.Debug("workflow transition",
					zap.String("session_id", event.SessionID),
					zap.String("event", ev),
					zap.String("from", res.Previous),
					zap.String("to", res.Current),
				)
				notify(meta, NotificationToolsListChanged, nil, a.opts.Logger)
			}
		}
	}
	return resp
}

// invalidated lists the registered "tool.action" keys matched by the
// invalidation globs of def.
func (a *Attachment) invalidated(def *tool.Definition) []string {
	if len(def.StateSync.Invalidates) == 0 {
		return nil
	}
	var out []string
	for _, b := range a.reg.Builders() {
		other := b.Build()
		for _, act := range other.Actions {
			if key := other.Name + tool.Separator + act.Key; def.StateSync.Matches(key) {
				out = append(out, key)
			}
		}
	}
	return out
}

func (a *Attachment) requestContext(ctx context.Context, meta RequestMetadata, gate *fsm.Gate, confirmed bool) (engine.Values, error) {
	base := engine.Values{
		engine.SessionIDKey: meta.Session(),
		engine.HeadersKey:   meta.Headers,
	}
	if gate != nil {
		base[engine.WorkflowStateKey] = gate.Current()
	}
	if confirmed {
		base[engine.UserConfirmedKey] = true
	}
	if a.opts.ContextFactory == nil {
		return base, nil
	}
	var derived engine.Values
	err := engine.Guarded(func() error {
		var ferr error
		derived, ferr = a.opts.ContextFactory(ctx, meta)
		return ferr
	})
	if err != nil {
		return nil, err
	}
	return base.With(derived), nil
}

// progressSink forwards progress events as notifications/progress when the
// client asked for them.
func (a *Attachment) progressSink(meta RequestMetadata) engine.ProgressSink {
	if meta.ProgressToken == nil || meta.Notify == nil {
		return nil
	}
	return func(ev engine.ProgressEvent) {
		notify(meta, NotificationProgress, map[string]any{
			"progressToken": meta.ProgressToken,
			"progress":      ev.Percent,
			"total":         100,
			"message":       ev.Message,
		}, a.opts.Logger)
	}
}

func notify(meta RequestMetadata, method string, params map[string]any, logger *zap.Logger) {
	if meta.Notify == nil {
		return
	}
	if err := meta.Notify(method, params); err != nil {
		logger.Debug("notification failed", zap.String("method", method), zap.Error(err))
	}
}

func (a *Attachment) listPrompts(context.Context, json.RawMessage, RequestMetadata) (any, error) {
	return ListPromptsResult{Prompts: a.opts.Prompts.List()}, nil
}

func (a *Attachment) getPrompt(ctx context.Context, raw json.RawMessage, meta RequestMetadata) (any, error) {
	var params GetPromptParams
	if err := decodeParams(raw, &params); err != nil {
		return nil, err
	}

	rc, err := a.requestContext(ctx, meta, nil, false)
	if err != nil {
		return nil, err
	}
	loopback := meta
	loopback.ProgressToken = nil
	invoke := prompt.InvokeFunc(func(ctx context.Context, name string, args map[string]any) engine.Response {
		return a.invoke(ctx, name, args, loopback, false)
	})

	res, err := a.opts.Prompts.Get(ctx, rc, params.Name, params.Arguments, invoke)
	if err != nil {
		var missing *prompt.MissingArgumentError
		if errors.Is(err, prompt.ErrUnknownPrompt) || errors.As(err, &missing) {
			return nil, errors.Join(ErrInvalidParams, err)
		}
		return nil, err
	}

	out := GetPromptResult{Description: res.Description, Messages: make([]PromptMessage, 0, len(res.Messages))}
	for _, m := range res.Messages {
		out.Messages = append(out.Messages, PromptMessage{
			Role:    m.Role,
			Content: PromptContent{Type: "text", Text: m.Text},
		})
	}
	return out, nil
}
