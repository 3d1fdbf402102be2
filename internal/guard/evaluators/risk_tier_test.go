package evaluators

import (
	"context"
	"strings"
	"testing"

	"github.com/triage-ai/palisade/services/tool_router/internal/guard"
)

func TestRiskTier(t *testing.T) {
	destructive := &guard.Policy{RiskTier: "destructive", RequiresConfirm: true}

	cases := []struct {
		name      string
		req       guard.EvalRequest
		triggered bool
	}{
		{"destructive unconfirmed", guard.EvalRequest{ToolName: "projects.delete", Policy: destructive}, true},
		{"destructive confirmed", guard.EvalRequest{ToolName: "projects.delete", Policy: destructive, UserConfirmed: true}, false},
		{"destructive without confirmation", guard.EvalRequest{ToolName: "projects.delete", Policy: &guard.Policy{RiskTier: "destructive"}}, false},
		{"read tier", guard.EvalRequest{ToolName: "projects.list", Policy: &guard.Policy{RiskTier: "read"}}, false},
		{"annotation only", guard.EvalRequest{ToolName: "projects.delete", Destructive: true}, false},
	}

	e := NewRiskTierEvaluator()
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			result, err := e.Evaluate(context.Background(), &tc.req)
			if err != nil {
				t.Fatal(err)
			}
			if result.Triggered != tc.triggered {
				t.Fatalf("triggered = %v, want %v (%s)", result.Triggered, tc.triggered, result.Details)
			}
			if tc.triggered && !strings.Contains(result.Details, "requires user confirmation") {
				t.Fatalf("unexpected details: %s", result.Details)
			}
		})
	}
}

func TestRiskTier_AggregatesToConfirmation(t *testing.T) {
	eng := guard.NewEngine([]guard.Evaluator{NewRiskTierEvaluator()}, 0, nil)
	results, _ := eng.Evaluate(context.Background(), &guard.EvalRequest{
		ToolName: "projects.delete",
		Policy:   &guard.Policy{RiskTier: "destructive", RequiresConfirm: true},
	})
	agg := guard.Aggregate(results, guard.DefaultAggregatorConfig())
	if agg.Verdict != guard.VerdictNeedsConfirmation {
		t.Fatalf("expected needs_confirmation, got %s", agg.Verdict)
	}
}

func TestDefaults_UniqueNames(t *testing.T) {
	seen := map[string]bool{}
	for _, ev := range Defaults() {
		if seen[ev.Name()] {
			t.Fatalf("duplicate evaluator %s", ev.Name())
		}
		seen[ev.Name()] = true
	}
	if len(seen) != 5 {
		t.Fatalf("expected 5 evaluators, got %d", len(seen))
	}
}
