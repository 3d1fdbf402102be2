package evaluators

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/triage-ai/palisade/services/tool_router/internal/guard"
)

// ContextualRulesEvaluator checks workflow-state constraints and the
// policy's sliding-window call limit.
type ContextualRulesEvaluator struct {
	now func() time.Time
}

func NewContextualRulesEvaluator() *ContextualRulesEvaluator {
	return &ContextualRulesEvaluator{now: time.Now}
}

func (e *ContextualRulesEvaluator) Name() string {
	return "contextual_rules"
}

func (e *ContextualRulesEvaluator) Category() guard.Category {
	return guard.CategoryContextualRules
}

func (e *ContextualRulesEvaluator) Evaluate(_ context.Context, req *guard.EvalRequest) (*guard.EvalResult, error) {
	if req.Policy == nil {
		return &guard.EvalResult{Triggered: false}, nil
	}
	rules := req.Policy.ContextualRules

	if req.WorkflowType != "" {
		if slices.Contains(rules.BlockedWorkflows, req.WorkflowType) {
			return &guard.EvalResult{
				Triggered:  true,
				Confidence: 0.95,
				Details:    fmt.Sprintf("%s is blocked in workflow state %s", req.ToolName, req.WorkflowType),
			}, nil
		}
		if len(rules.AllowedWorkflows) > 0 && !slices.Contains(rules.AllowedWorkflows, req.WorkflowType) {
			return &guard.EvalResult{
				Triggered:  true,
				Confidence: 0.90,
				Details:    fmt.Sprintf("%s is not allowed in workflow state %s", req.ToolName, req.WorkflowType),
			}, nil
		}
	}

	if rl := rules.RateLimit; rl != nil && rl.MaxCalls > 0 {
		since := e.now().Add(-time.Duration(rl.WindowSeconds) * time.Second).UnixMilli()
		count := 0
		for _, entry := range req.Trace {
			if entry.ToolName == req.ToolName && entry.TimestampMs >= since {
				count++
			}
		}
		if count >= rl.MaxCalls {
			return &guard.EvalResult{
				Triggered:  true,
				Confidence: 0.90,
				Details:    fmt.Sprintf("rate limit exceeded: %d/%d calls in %ds window", count, rl.MaxCalls, rl.WindowSeconds),
			}, nil
		}
	}

	return &guard.EvalResult{Triggered: false}, nil
}
