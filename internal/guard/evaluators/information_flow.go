package evaluators

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/triage-ai/palisade/services/tool_router/internal/guard"
)

// minTaintLen is the shortest tainted string matched inside arguments.
const minTaintLen = 4

// InformationFlowEvaluator blocks arguments that carry values produced
// by earlier calls whose output labels the policy lists as blocked.
type InformationFlowEvaluator struct{}

func NewInformationFlowEvaluator() *InformationFlowEvaluator {
	return &InformationFlowEvaluator{}
}

func (e *InformationFlowEvaluator) Name() string {
	return "information_flow"
}

func (e *InformationFlowEvaluator) Category() guard.Category {
	return guard.CategoryInformationFlow
}

func (e *InformationFlowEvaluator) Evaluate(ctx context.Context, req *guard.EvalRequest) (*guard.EvalResult, error) {
	if req.Policy == nil || len(req.Policy.InformationFlow.BlockedSourceLabels) == 0 {
		return &guard.EvalResult{Triggered: false}, nil
	}

	blocked := make(map[string]struct{}, len(req.Policy.InformationFlow.BlockedSourceLabels))
	for _, label := range req.Policy.InformationFlow.BlockedSourceLabels {
		blocked[label] = struct{}{}
	}

	found := 0
	for _, entry := range req.Trace {
		if ctx.Err() != nil {
			break
		}
		if !anyLabel(entry.OutputLabels, blocked) {
			continue
		}
		for _, v := range stringLeaves(entry.ResultJSON) {
			if len(v) >= minTaintLen && strings.Contains(req.ArgumentsJSON, v) {
				found++
			}
		}
	}

	if found == 0 {
		return &guard.EvalResult{Triggered: false}, nil
	}
	return &guard.EvalResult{
		Triggered:  true,
		Confidence: 0.90,
		Details:    fmt.Sprintf("tainted data from blocked sources found in arguments (%d values)", found),
	}, nil
}

func anyLabel(labels []string, set map[string]struct{}) bool {
	for _, l := range labels {
		if _, ok := set[l]; ok {
			return true
		}
	}
	return false
}

// stringLeaves returns every string value of a JSON document.
func stringLeaves(doc string) []string {
	if doc == "" {
		return nil
	}
	var raw any
	if err := json.Unmarshal([]byte(doc), &raw); err != nil {
		return nil
	}
	var out []string
	var walk func(v any)
	walk = func(v any) {
		switch val := v.(type) {
		case string:
			out = append(out, val)
		case map[string]any:
			for _, child := range val {
				walk(child)
			}
		case []any:
			for _, child := range val {
				walk(child)
			}
		}
	}
	walk(raw)
	return out
}
