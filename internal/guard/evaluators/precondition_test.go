package evaluators

import (
	"context"
	"strings"
	"testing"

	"github.com/triage-ai/palisade/services/tool_router/internal/guard"
)

func TestPrecondition(t *testing.T) {
	policy := &guard.Policy{Preconditions: []string{"auth.login", "projects.get"}}

	cases := []struct {
		name      string
		policy    *guard.Policy
		trace     []guard.TraceEntry
		triggered bool
		missing   string
	}{
		{"all met", policy, []guard.TraceEntry{{ToolName: "auth.login"}, {ToolName: "projects.get"}}, false, ""},
		{"some missing", policy, []guard.TraceEntry{{ToolName: "auth.login"}}, true, "projects.get"},
		{"empty trace", policy, nil, true, "auth.login, projects.get"},
		{"no preconditions", &guard.Policy{}, nil, false, ""},
		{"no policy", nil, nil, false, ""},
	}

	e := NewPreconditionEvaluator()
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			result, err := e.Evaluate(context.Background(), &guard.EvalRequest{
				ToolName: "projects.delete",
				Policy:   tc.policy,
				Trace:    tc.trace,
			})
			if err != nil {
				t.Fatal(err)
			}
			if result.Triggered != tc.triggered {
				t.Fatalf("triggered = %v, want %v", result.Triggered, tc.triggered)
			}
			if tc.triggered && !strings.HasSuffix(result.Details, tc.missing) {
				t.Fatalf("expected details to end with %q, got %q", tc.missing, result.Details)
			}
		})
	}
}
