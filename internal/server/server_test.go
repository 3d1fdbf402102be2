package server

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/triage-ai/palisade/services/tool_router/internal/engine"
	"github.com/triage-ai/palisade/services/tool_router/internal/exposition"
	"github.com/triage-ai/palisade/services/tool_router/internal/fsm"
	"github.com/triage-ai/palisade/services/tool_router/internal/prompt"
	"github.com/triage-ai/palisade/services/tool_router/internal/registry"
	"github.com/triage-ai/palisade/services/tool_router/internal/storage"
	"github.com/triage-ai/palisade/services/tool_router/internal/tool"
)

// fakeServer is an in-memory ServerLike.
type fakeServer struct {
	mu       sync.Mutex
	handlers map[string]RequestHandler
}

func newFakeServer() *fakeServer {
	return &fakeServer{handlers: map[string]RequestHandler{}}
}

func (f *fakeServer) SetRequestHandler(method string, h RequestHandler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[method] = h
}

func (f *fakeServer) request(t *testing.T, method string, params any, meta RequestMetadata) (any, error) {
	t.Helper()
	f.mu.Lock()
	h, ok := f.handlers[method]
	f.mu.Unlock()
	if !ok {
		t.Fatalf("no handler for %s", method)
	}
	raw, err := json.Marshal(params)
	if err != nil {
		t.Fatal(err)
	}
	return h(context.Background(), raw, meta)
}

func (f *fakeServer) call(t *testing.T, name string, args map[string]any, meta RequestMetadata) engine.Response {
	t.Helper()
	out, err := f.request(t, MethodToolsCall, CallToolParams{Name: name, Arguments: args}, meta)
	if err != nil {
		t.Fatal(err)
	}
	return out.(engine.Response)
}

func (f *fakeServer) list(t *testing.T, meta RequestMetadata) []string {
	t.Helper()
	out, err := f.request(t, MethodToolsList, nil, meta)
	if err != nil {
		t.Fatal(err)
	}
	var names []string
	for _, d := range out.(ListToolsResult).Tools {
		names = append(names, d.Name)
	}
	return names
}

// recordingWriter keeps every event.
type recordingWriter struct {
	mu     sync.Mutex
	events []*storage.ToolCallEvent
}

func (w *recordingWriter) Write(e *storage.ToolCallEvent) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.events = append(w.events, e)
}

func (w *recordingWriter) Close() {}

// notifications collects what a transport would send.
type notifications struct {
	mu   sync.Mutex
	sent []string
	args []map[string]any
}

func (n *notifications) notify(method string, params map[string]any) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, method)
	n.args = append(n.args, params)
	return nil
}

func (n *notifications) count(method string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	c := 0
	for _, m := range n.sent {
		if m == method {
			c++
		}
	}
	return c
}

func echo(text string) engine.Handler {
	return engine.Direct(func(context.Context, engine.Values, map[string]any) (engine.Response, error) {
		return engine.Success(text), nil
	})
}

func cartTool() *tool.Builder {
	return tool.New("cart").
		Description("Shopping cart").
		Action(tool.Action{Name: "view", ReadOnly: true, Handler: echo("[]")}).
		Action(tool.Action{
			Name:    "add_item",
			Params:  map[string]any{"sku": "string"},
			Handler: echo("added"),
			States:  []string{"empty", "has_items"},
			Event:   "ADD_ITEM",
		}).
		Action(tool.Action{Name: "checkout", Handler: echo("checked out"), States: []string{"has_items"}, Event: "CHECKOUT"}).
		Action(tool.Action{
			Name: "pay",
			Handler: engine.Direct(func(context.Context, engine.Values, map[string]any) (engine.Response, error) {
				return engine.Response{}, errors.New("card declined")
			}),
			States: []string{"payment"},
			Event:  "PAY",
		})
}

func checkoutGate(t *testing.T) *fsm.Gate {
	t.Helper()
	g, err := fsm.NewGate(fsm.Config{
		ID:      "checkout",
		Initial: "empty",
		States: map[string]fsm.State{
			"empty":     {On: map[string]string{"ADD_ITEM": "has_items"}},
			"has_items": {On: map[string]string{"ADD_ITEM": "has_items", "CHECKOUT": "payment"}},
			"payment":   {On: map[string]string{"PAY": "confirmed"}},
			"confirmed": {Type: fsm.StateFinal},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	return g
}

func attach(t *testing.T, reg *registry.Registry, opts Options) (*fakeServer, *Attachment) {
	t.Helper()
	srv := newFakeServer()
	a, err := Attach(srv, reg, opts)
	if err != nil {
		t.Fatal(err)
	}
	return srv, a
}

func TestAttach_FlatListAndCall(t *testing.T) {
	reg := registry.New()
	reg.MustRegister(cartTool())
	srv, a := attach(t, reg, Options{})

	names := srv.list(t, RequestMetadata{})
	want := "cart_view,cart_add_item,cart_checkout,cart_pay"
	if strings.Join(names, ",") != want {
		t.Fatalf("got %v, want %s", names, want)
	}
	if a.Digest().Digest == "" || len(a.Digest().Tools) != 1 {
		t.Fatalf("expected server digest at attach, got %+v", a.Digest())
	}

	resp := srv.call(t, "cart_add_item", map[string]any{"sku": "A-1"}, RequestMetadata{})
	if resp.IsError || resp.Text() != "added" {
		t.Fatalf("unexpected response: %+v", resp)
	}

	resp = srv.call(t, "cart_nope", nil, RequestMetadata{})
	if resp.ErrorCode() != registry.CodeUnknownTool {
		t.Fatalf("expected UNKNOWN_TOOL, got %q", resp.Text())
	}
}

func TestAttach_FlatRecompilesAfterRegister(t *testing.T) {
	reg := registry.New()
	srv, _ := attach(t, reg, Options{})
	if names := srv.list(t, RequestMetadata{}); len(names) != 0 {
		t.Fatalf("expected no tools, got %v", names)
	}
	reg.MustRegister(cartTool())
	if resp := srv.call(t, "cart_view", nil, RequestMetadata{}); resp.IsError {
		t.Fatalf("late registration not routed: %q", resp.Text())
	}
}

func TestAttach_RejectsUnknownMode(t *testing.T) {
	if _, err := Attach(newFakeServer(), registry.New(), Options{Exposition: "nested"}); err == nil {
		t.Fatal("expected error for unknown exposition mode")
	}
}

func TestAttach_GateHidesAndTransitions(t *testing.T) {
	reg := registry.New()
	reg.MustRegister(cartTool())
	srv, _ := attach(t, reg, Options{Gate: checkoutGate(t)})

	n := &notifications{}
	meta := RequestMetadata{SessionID: "s-1", Notify: n.notify}

	if got := strings.Join(srv.list(t, meta), ","); got != "cart_view,cart_add_item" {
		t.Fatalf("initial visible tools: %s", got)
	}
	if resp := srv.call(t, "cart_checkout", nil, meta); resp.ErrorCode() != registry.CodeUnknownTool {
		t.Fatalf("gated tool must be unknown, got %q", resp.Text())
	}

	srv.call(t, "cart_add_item", map[string]any{"sku": "A-1"}, meta)
	if n.count(NotificationToolsListChanged) != 1 {
		t.Fatalf("expected list_changed after transition, got %v", n.sent)
	}
	// self-loop: no notification
	srv.call(t, "cart_add_item", map[string]any{"sku": "A-2"}, meta)
	if n.count(NotificationToolsListChanged) != 1 {
		t.Fatalf("self-loop must not notify, got %v", n.sent)
	}
	if got := strings.Join(srv.list(t, meta), ","); got != "cart_view,cart_add_item,cart_checkout" {
		t.Fatalf("visible tools after add: %s", got)
	}

	srv.call(t, "cart_checkout", nil, meta)
	// a failing call never transitions
	if resp := srv.call(t, "cart_pay", nil, meta); !resp.IsError {
		t.Fatal("expected pay to fail")
	}
	if got := strings.Join(srv.list(t, meta), ","); got != "cart_view,cart_pay" {
		t.Fatalf("visible tools in payment: %s", got)
	}

	// other sessions are unaffected
	if got := strings.Join(srv.list(t, RequestMetadata{SessionID: "s-2"}), ","); got != "cart_view,cart_add_item" {
		t.Fatalf("second session should start fresh: %s", got)
	}
}

func TestAttach_GroupedGatesPerAction(t *testing.T) {
	reg := registry.New()
	reg.MustRegister(cartTool())
	gate := checkoutGate(t)
	var transitions []string
	gate.OnTransition(func(r fsm.TransitionResult) { transitions = append(transitions, r.Current) })
	srv, _ := attach(t, reg, Options{Exposition: "grouped", Gate: gate})

	n := &notifications{}
	meta := RequestMetadata{SessionID: "g-1", Notify: n.notify}

	if got := strings.Join(srv.list(t, meta), ","); got != "cart" {
		t.Fatalf("grouped tool should stay listed: %s", got)
	}

	resp := srv.call(t, "cart", map[string]any{"action": "pay"}, meta)
	if resp.ErrorCode() != tool.CodeUnknownAction {
		t.Fatalf("pay must be gated in empty, got %q", resp.Text())
	}
	if !strings.Contains(resp.Text(), "<available_actions>view, add_item</available_actions>") {
		t.Fatalf("expected allowed actions in the hint, got %q", resp.Text())
	}

	if resp := srv.call(t, "cart", map[string]any{"action": "add_item", "sku": "A-1"}, meta); resp.IsError {
		t.Fatalf("add_item failed: %q", resp.Text())
	}
	if n.count(NotificationToolsListChanged) != 1 {
		t.Fatalf("grouped add_item did not transition: %v", n.sent)
	}
	if resp := srv.call(t, "cart", map[string]any{"action": "checkout"}, meta); resp.IsError {
		t.Fatalf("checkout should be allowed in has_items, got %q", resp.Text())
	}
	if got := strings.Join(transitions, ","); got != "has_items,payment" {
		t.Fatalf("template listeners should observe session transitions, got %s", got)
	}
	if gate.Current() != "empty" {
		t.Fatalf("template gate must stay in its initial state, got %s", gate.Current())
	}

	// a missing discriminator still reaches the builder
	if resp := srv.call(t, "cart", map[string]any{}, meta); resp.ErrorCode() != tool.CodeMissingDiscriminator {
		t.Fatalf("expected MISSING_DISCRIMINATOR, got %q", resp.Text())
	}
}

func TestAttach_RejectsDuplicateFlatNames(t *testing.T) {
	reg := registry.New()
	reg.MustRegister(
		tool.New("a_b").Action(tool.Action{Name: "c", Handler: echo("first")}),
		tool.New("a").Action(tool.Action{Name: "b_c", Handler: echo("second")}),
	)
	_, err := Attach(newFakeServer(), reg, Options{})
	var dup *exposition.DuplicateRouteError
	if !errors.As(err, &dup) || dup.Name != "a_b_c" {
		t.Fatalf("expected DuplicateRouteError, got %v", err)
	}
	if _, err := Attach(newFakeServer(), reg, Options{Exposition: "grouped"}); err != nil {
		t.Fatalf("grouped exposition has no conflict: %v", err)
	}
}

func TestAttach_UnknownToolSuggestsListedNames(t *testing.T) {
	reg := registry.New()
	reg.MustRegister(cartTool())

	srv, _ := attach(t, reg, Options{})
	resp := srv.call(t, "nope", nil, RequestMetadata{})
	if !strings.Contains(resp.Text(), "<available_actions>cart_add_item, cart_checkout, cart_pay, cart_view</available_actions>") {
		t.Fatalf("expected flat names in the hint, got %q", resp.Text())
	}

	gated, _ := attach(t, reg, Options{Gate: checkoutGate(t)})
	resp = gated.call(t, "cart_checkout", nil, RequestMetadata{SessionID: "u-1"})
	if resp.ErrorCode() != registry.CodeUnknownTool {
		t.Fatalf("expected UNKNOWN_TOOL, got %q", resp.Text())
	}
	if !strings.Contains(resp.Text(), "<available_actions>cart_add_item, cart_view</available_actions>") {
		t.Fatalf("expected only visible names in the hint, got %q", resp.Text())
	}
}

func TestAttach_RecordsInvalidations(t *testing.T) {
	reg := registry.New()
	reg.MustRegister(
		tool.New("orders").
			Action(tool.Action{Name: "list", Handler: echo("[]")}).
			Action(tool.Action{Name: "get", Handler: echo("{}")}),
		tool.New("checkout").Invalidates("orders.*").
			Action(tool.Action{Name: "submit", Handler: echo("ok")}),
	)
	events := &recordingWriter{}
	srv, _ := attach(t, reg, Options{Events: events})

	srv.call(t, "checkout_submit", nil, RequestMetadata{})
	srv.call(t, "orders_list", nil, RequestMetadata{})

	if len(events.events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events.events))
	}
	if got := events.events[0].Metadata["invalidated"]; got != "orders.list,orders.get" {
		t.Fatalf("unexpected invalidated actions %q", got)
	}
	if events.events[1].Metadata != nil {
		t.Fatalf("tool without invalidations must not record any: %v", events.events[1].Metadata)
	}
}

func TestAttach_SessionStoreAndHeaderFallback(t *testing.T) {
	reg := registry.New()
	reg.MustRegister(cartTool())
	store := fsm.NewMemoryStore()
	srv, _ := attach(t, reg, Options{Gate: checkoutGate(t), Sessions: store})

	meta := RequestMetadata{Headers: map[string]string{SessionHeader: "hdr-1"}}
	srv.call(t, "cart_add_item", map[string]any{"sku": "A-1"}, meta)

	snap, ok, err := store.Load(context.Background(), "hdr-1")
	if err != nil || !ok || snap.State != "has_items" {
		t.Fatalf("expected persisted has_items, got %+v ok=%v err=%v", snap, ok, err)
	}
	if resp := srv.call(t, "cart_checkout", nil, meta); resp.IsError {
		t.Fatalf("restored session should allow checkout, got %q", resp.Text())
	}
}

func TestAttach_RequestContextAndEvents(t *testing.T) {
	var seen engine.Values
	reg := registry.New()
	reg.MustRegister(tool.New("audit").Action(tool.Action{
		Name: "read",
		Handler: engine.Direct(func(_ context.Context, rc engine.Values, _ map[string]any) (engine.Response, error) {
			seen = rc
			return engine.Success("ok"), nil
		}),
	}))
	events := &recordingWriter{}
	srv, _ := attach(t, reg, Options{
		Events:    events,
		Transport: "test",
		ContextFactory: func(_ context.Context, meta RequestMetadata) (engine.Values, error) {
			return engine.Values{engine.ProjectIDKey: "proj-" + meta.Headers["x-tenant"]}, nil
		},
	})

	_, err := srv.request(t, MethodToolsCall, CallToolParams{
		Name: "audit_read",
		Meta: &CallMeta{UserConfirmed: true},
	}, RequestMetadata{SessionID: "s-9", Headers: map[string]string{"x-tenant": "acme"}})
	if err != nil {
		t.Fatal(err)
	}

	if seen.String(engine.SessionIDKey) != "s-9" || seen.String(engine.ProjectIDKey) != "proj-acme" || !seen.Bool(engine.UserConfirmedKey) {
		t.Fatalf("unexpected request context: %v", seen)
	}
	if seen.Headers()["x-tenant"] != "acme" {
		t.Fatalf("headers not propagated: %v", seen.Headers())
	}

	if len(events.events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events.events))
	}
	e := events.events[0]
	if e.ToolName != "audit_read" || e.Action != "read" || e.ProjectID != "proj-acme" || e.Transport != "test" || e.RequestID == "" {
		t.Fatalf("unexpected event: %+v", e)
	}
}

func TestAttach_ContextFactoryFailure(t *testing.T) {
	reg := registry.New()
	reg.MustRegister(tool.New("audit").Action(tool.Action{Name: "read", Handler: echo("ok")}))
	srv, _ := attach(t, reg, Options{
		ContextFactory: func(context.Context, RequestMetadata) (engine.Values, error) {
			panic("factory exploded")
		},
	})
	resp := srv.call(t, "audit_read", nil, RequestMetadata{})
	if !resp.IsError || !strings.Contains(resp.Text(), "factory exploded") {
		t.Fatalf("expected factory failure response, got %+v", resp)
	}
}

func TestAttach_ProgressNotifications(t *testing.T) {
	reg := registry.New()
	reg.MustRegister(tool.New("jobs").Action(tool.Action{
		Name: "run",
		Handler: engine.Streaming(func(_ context.Context, _ engine.Values, _ map[string]any, yield func(any) bool) (engine.Response, error) {
			yield(engine.Progress(50, "half"))
			yield(map[string]any{"percent": 75})
			return engine.Success("done"), nil
		}),
	}))
	srv, _ := attach(t, reg, Options{})
	n := &notifications{}

	raw := json.RawMessage(`{"name":"jobs_run","_meta":{"progressToken":"tok-1"}}`)
	out, err := srv.handlers[MethodToolsCall](context.Background(), raw, RequestMetadata{Notify: n.notify})
	if err != nil {
		t.Fatal(err)
	}
	if out.(engine.Response).Text() != "done" {
		t.Fatalf("unexpected result %+v", out)
	}
	if n.count(NotificationProgress) != 1 {
		t.Fatalf("expected exactly one progress notification, got %v", n.sent)
	}
	if n.args[0]["progressToken"] != "tok-1" || n.args[0]["progress"] != float64(50) {
		t.Fatalf("unexpected progress params: %v", n.args[0])
	}

	// without a token nothing is sent
	srv.call(t, "jobs_run", nil, RequestMetadata{Notify: n.notify})
	if n.count(NotificationProgress) != 1 {
		t.Fatalf("progress sent without token: %v", n.sent)
	}
}

func TestAttach_InvalidParams(t *testing.T) {
	srv, _ := attach(t, registry.New(), Options{})
	_, err := srv.handlers[MethodToolsCall](context.Background(), json.RawMessage(`{"name":`), RequestMetadata{})
	if !errors.Is(err, ErrInvalidParams) {
		t.Fatalf("expected ErrInvalidParams, got %v", err)
	}
	_, err = srv.request(t, MethodToolsCall, map[string]any{}, RequestMetadata{})
	if !errors.Is(err, ErrInvalidParams) {
		t.Fatalf("expected ErrInvalidParams for missing name, got %v", err)
	}
}

func TestDetach(t *testing.T) {
	reg := registry.New()
	reg.MustRegister(cartTool())
	prompts := prompt.NewRegistry()
	srv, a := attach(t, reg, Options{Prompts: prompts})

	a.Detach()
	a.Detach()

	if names := srv.list(t, RequestMetadata{}); len(names) != 0 {
		t.Fatalf("detached list should be empty, got %v", names)
	}
	resp := srv.call(t, "cart_view", nil, RequestMetadata{})
	if !resp.IsError || !strings.Contains(resp.Text(), "detached") {
		t.Fatalf("expected detached error, got %+v", resp)
	}
	if _, err := srv.request(t, MethodPromptsList, nil, RequestMetadata{}); !errors.Is(err, ErrDetached) {
		t.Fatalf("expected ErrDetached from prompts, got %v", err)
	}
}

func TestPrompts_LoopbackInvoke(t *testing.T) {
	reg := registry.New()
	reg.MustRegister(cartTool())
	prompts := prompt.NewRegistry()
	err := prompts.Register(prompt.Prompt{
		Name:      "summarize_cart",
		Arguments: []prompt.Argument{{Name: "tone", Required: true}},
		Handler: func(ctx context.Context, rc engine.Values, args map[string]string) (prompt.Result, error) {
			resp, err := prompt.InvokeTool(ctx, rc, "cart_view", nil)
			if err != nil {
				return prompt.Result{}, err
			}
			return prompt.Result{Messages: []prompt.Message{{Role: "user", Text: args["tone"] + ": " + resp.Text()}}}, nil
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	events := &recordingWriter{}
	srv, _ := attach(t, reg, Options{Prompts: prompts, Events: events})

	out, err := srv.request(t, MethodPromptsList, nil, RequestMetadata{})
	if err != nil || len(out.(ListPromptsResult).Prompts) != 1 {
		t.Fatalf("unexpected prompts/list: %+v %v", out, err)
	}

	out, err = srv.request(t, MethodPromptsGet, GetPromptParams{Name: "summarize_cart", Arguments: map[string]string{"tone": "brief"}}, RequestMetadata{})
	if err != nil {
		t.Fatal(err)
	}
	res := out.(GetPromptResult)
	if len(res.Messages) != 1 || res.Messages[0].Content.Text != "brief: []" {
		t.Fatalf("unexpected prompt result: %+v", res)
	}
	if len(events.events) != 1 || events.events[0].ToolName != "cart_view" {
		t.Fatalf("loopback call should go through the router, events: %+v", events.events)
	}

	_, err = srv.request(t, MethodPromptsGet, GetPromptParams{Name: "summarize_cart"}, RequestMetadata{})
	if !errors.Is(err, ErrInvalidParams) {
		t.Fatalf("expected invalid params for missing argument, got %v", err)
	}
}
