package guard

import (
	"context"
	"testing"
	"time"

	"github.com/triage-ai/palisade/services/tool_router/internal/engine"
)

// confirmEvaluator asks for confirmation on destructive calls.
type confirmEvaluator struct{}

func (confirmEvaluator) Name() string       { return "confirm" }
func (confirmEvaluator) Category() Category { return CategoryRiskTier }
func (confirmEvaluator) Evaluate(_ context.Context, req *EvalRequest) (*EvalResult, error) {
	if req.Destructive && !req.UserConfirmed {
		return &EvalResult{Triggered: true, Confidence: 0.95, Details: "destructive action requires user confirmation"}, nil
	}
	return &EvalResult{}, nil
}

// preconditionEvaluator blocks when a policy precondition is absent from
// the trace.
type preconditionEvaluator struct{}

func (preconditionEvaluator) Name() string       { return "pre" }
func (preconditionEvaluator) Category() Category { return CategoryPrecondition }
func (preconditionEvaluator) Evaluate(_ context.Context, req *EvalRequest) (*EvalResult, error) {
	if req.Policy == nil {
		return &EvalResult{}, nil
	}
	for _, pre := range req.Policy.Preconditions {
		found := false
		for _, e := range req.Trace {
			found = found || e.ToolName == pre
		}
		if !found {
			return &EvalResult{Triggered: true, Confidence: 0.95, Details: "missing " + pre}, nil
		}
	}
	return &EvalResult{}, nil
}

func runGuarded(mw engine.Middleware, info engine.CallInfo, rc engine.Values, ran *int) engine.Response {
	return engine.Run(context.Background(), engine.Invocation{
		Info:       info,
		Middleware: []engine.Middleware{mw},
		Handler: engine.Direct(func(context.Context, engine.Values, map[string]any) (engine.Response, error) {
			*ran++
			return engine.Success(`{"id":"p-1"}`), nil
		}),
	}, rc, map[string]any{"id": "p-1"})
}

func TestMiddleware_ConfirmationRequired(t *testing.T) {
	mw := Middleware(Options{Engine: NewEngine([]Evaluator{confirmEvaluator{}}, time.Second, nil)})
	info := engine.CallInfo{Tool: "projects", Action: "delete", Destructive: true}
	ran := 0

	resp := runGuarded(mw, info, engine.Values{}, &ran)
	if resp.ErrorCode() != CodeConfirmationRequired || ran != 0 {
		t.Fatalf("expected confirmation error without running handler, got %q ran=%d", resp.Text(), ran)
	}

	resp = runGuarded(mw, info, engine.Values{engine.UserConfirmedKey: true}, &ran)
	if resp.IsError || ran != 1 {
		t.Fatalf("expected confirmed call to run, got %q", resp.Text())
	}
}

func TestMiddleware_ShadowModeNeverBlocks(t *testing.T) {
	mw := Middleware(Options{Engine: NewEngine([]Evaluator{confirmEvaluator{}}, time.Second, nil)})
	info := engine.CallInfo{Tool: "projects", Action: "delete", Destructive: true}
	ran := 0

	resp := runGuarded(mw, info, engine.Values{engine.AuthModeKey: "shadow"}, &ran)
	if resp.IsError || ran != 1 {
		t.Fatalf("expected shadow mode to pass through, got %q", resp.Text())
	}
}

func TestMiddleware_PreconditionsFromTrace(t *testing.T) {
	traces := NewTraceStore(10, 10, time.Minute)
	mw := Middleware(Options{
		Engine: NewEngine([]Evaluator{preconditionEvaluator{}}, time.Second, nil),
		Policies: NewStaticPolicies([]Policy{{
			ToolName:        "projects.delete",
			Preconditions:   []string{"projects.get"},
			InformationFlow: InformationFlow{OutputLabels: []string{"internal"}},
		}, {
			ToolName:        "projects.get",
			InformationFlow: InformationFlow{OutputLabels: []string{"internal"}},
		}}),
		Traces: traces,
	})
	rc := engine.Values{engine.SessionIDKey: "s-1"}
	ran := 0

	resp := runGuarded(mw, engine.CallInfo{Tool: "projects", Action: "delete"}, rc, &ran)
	if resp.ErrorCode() != CodePolicyViolation {
		t.Fatalf("expected POLICY_VIOLATION, got %q", resp.Text())
	}

	runGuarded(mw, engine.CallInfo{Tool: "projects", Action: "get"}, rc, &ran)
	trace := traces.Snapshot("s-1")
	if len(trace) != 1 || trace[0].ToolName != "projects.get" || trace[0].ResultJSON != `{"id":"p-1"}` {
		t.Fatalf("unexpected trace: %+v", trace)
	}
	if len(trace[0].OutputLabels) != 1 || trace[0].OutputLabels[0] != "internal" {
		t.Fatalf("expected output labels from policy, got %v", trace[0].OutputLabels)
	}

	resp = runGuarded(mw, engine.CallInfo{Tool: "projects", Action: "delete"}, rc, &ran)
	if resp.IsError {
		t.Fatalf("expected delete to pass after get, got %q", resp.Text())
	}
	// other sessions start with an empty trace
	resp = runGuarded(mw, engine.CallInfo{Tool: "projects", Action: "delete"}, engine.Values{engine.SessionIDKey: "s-2"}, &ran)
	if resp.ErrorCode() != CodePolicyViolation {
		t.Fatalf("expected POLICY_VIOLATION in fresh session, got %q", resp.Text())
	}
}

func TestMiddleware_Named(t *testing.T) {
	if name := engine.NameOf(Middleware(Options{})); name != "guard" {
		t.Fatalf("expected name guard, got %q", name)
	}
}

func TestTraceStore_BoundedEntries(t *testing.T) {
	s := NewTraceStore(2, 3, time.Minute)
	for i := 0; i < 5; i++ {
		s.Append("s", TraceEntry{TimestampMs: int64(i)})
	}
	got := s.Snapshot("s")
	if len(got) != 3 || got[0].TimestampMs != 2 || got[2].TimestampMs != 4 {
		t.Fatalf("unexpected entries: %+v", got)
	}

	s.Append("a", TraceEntry{})
	s.Append("b", TraceEntry{})
	if s.Snapshot("s") != nil {
		t.Fatal("expected oldest session evicted")
	}
	s.Forget("b")
	if s.Snapshot("b") != nil {
		t.Fatal("expected forgotten session")
	}
}

func TestRateLimit(t *testing.T) {
	mw := RateLimit(RateLimitOptions{PerSecond: 0.001, Burst: 2})
	info := engine.CallInfo{Tool: "search", Action: "run"}
	ran := 0

	for i := 0; i < 2; i++ {
		if resp := runGuarded(mw, info, engine.Values{engine.SessionIDKey: "s-1"}, &ran); resp.IsError {
			t.Fatalf("call %d: unexpected error %q", i, resp.Text())
		}
	}
	resp := runGuarded(mw, info, engine.Values{engine.SessionIDKey: "s-1"}, &ran)
	if resp.ErrorCode() != CodeRateLimited {
		t.Fatalf("expected RATE_LIMITED, got %q", resp.Text())
	}
	if resp := runGuarded(mw, info, engine.Values{engine.SessionIDKey: "s-2"}, &ran); resp.IsError {
		t.Fatalf("expected separate bucket per session, got %q", resp.Text())
	}
	if ran != 3 {
		t.Fatalf("expected 3 handler runs, got %d", ran)
	}
}
