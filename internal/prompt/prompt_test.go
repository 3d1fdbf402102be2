package prompt

import (
	"context"
	"errors"
	"testing"

	"github.com/triage-ai/palisade/services/tool_router/internal/engine"
)

func summary() Prompt {
	return Prompt{
		Name:        "project_summary",
		Description: "Summarize a project",
		Arguments:   []Argument{{Name: "project", Required: true}},
		Handler: func(ctx context.Context, rc engine.Values, args map[string]string) (Result, error) {
			resp, err := InvokeTool(ctx, rc, "projects_get", map[string]any{"id": args["project"]})
			if err != nil {
				return Result{}, err
			}
			return Result{Messages: []Message{{Role: "user", Text: "Summarize: " + resp.Text()}}}, nil
		},
	}
}

func TestRegistry_GetUsesLoopback(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(summary()); err != nil {
		t.Fatal(err)
	}

	var gotName string
	var gotArgs map[string]any
	invoke := func(ctx context.Context, name string, args map[string]any) engine.Response {
		gotName, gotArgs = name, args
		return engine.Success(`{"id":"p1"}`)
	}

	rc := engine.Values{"tenant": "acme"}
	res, err := r.Get(context.Background(), rc, "project_summary", map[string]string{"project": "p1"}, invoke)
	if err != nil {
		t.Fatal(err)
	}
	if gotName != "projects_get" || gotArgs["id"] != "p1" {
		t.Fatalf("unexpected loopback call %s %v", gotName, gotArgs)
	}
	if len(res.Messages) != 1 || res.Messages[0].Text != `Summarize: {"id":"p1"}` {
		t.Fatalf("unexpected result %+v", res)
	}
	if _, leaked := rc[engine.InvokerKey]; leaked {
		t.Fatal("invoker must not leak into the caller's context")
	}
}

func TestRegistry_Errors(t *testing.T) {
	r := NewRegistry()
	_ = r.Register(summary())

	var dup *DuplicatePromptError
	if err := r.Register(summary()); !errors.As(err, &dup) {
		t.Fatalf("expected DuplicatePromptError, got %v", err)
	}
	if _, err := r.Get(context.Background(), nil, "nope", nil, nil); !errors.Is(err, ErrUnknownPrompt) {
		t.Fatalf("expected ErrUnknownPrompt, got %v", err)
	}
	var missing *MissingArgumentError
	if _, err := r.Get(context.Background(), nil, "project_summary", nil, nil); !errors.As(err, &missing) {
		t.Fatalf("expected MissingArgumentError, got %v", err)
	}
	if _, err := r.Get(context.Background(), nil, "project_summary", map[string]string{"project": "p"}, nil); !errors.Is(err, ErrNoInvoker) {
		t.Fatalf("expected ErrNoInvoker, got %v", err)
	}
}

func TestRegistry_HandlerPanic(t *testing.T) {
	r := NewRegistry()
	_ = r.Register(Prompt{Name: "boom", Handler: func(context.Context, engine.Values, map[string]string) (Result, error) {
		panic("bad template")
	}})
	if _, err := r.Get(context.Background(), nil, "boom", nil, nil); err == nil {
		t.Fatal("panic must become an error")
	}
}

func TestRegistry_List(t *testing.T) {
	r := NewRegistry()
	_ = r.Register(Prompt{Name: "b", Handler: summary().Handler})
	_ = r.Register(Prompt{Name: "a", Handler: summary().Handler})
	list := r.List()
	if len(list) != 2 || list[0].Name != "b" {
		t.Fatalf("list must keep registration order: %+v", list)
	}
	if names := r.Names(); names[0] != "a" {
		t.Fatalf("names must be sorted: %v", names)
	}
}
