package evaluators

import (
	"context"
	"fmt"
	"strings"

	"github.com/triage-ai/palisade/services/tool_router/internal/guard"
)

// PreconditionEvaluator verifies that every action a policy lists as a
// precondition was already called in the session.
type PreconditionEvaluator struct{}

func NewPreconditionEvaluator() *PreconditionEvaluator {
	return &PreconditionEvaluator{}
}

func (e *PreconditionEvaluator) Name() string {
	return "precondition"
}

func (e *PreconditionEvaluator) Category() guard.Category {
	return guard.CategoryPrecondition
}

func (e *PreconditionEvaluator) Evaluate(_ context.Context, req *guard.EvalRequest) (*guard.EvalResult, error) {
	if req.Policy == nil || len(req.Policy.Preconditions) == 0 {
		return &guard.EvalResult{Triggered: false}, nil
	}

	called := make(map[string]struct{}, len(req.Trace))
	for _, entry := range req.Trace {
		called[entry.ToolName] = struct{}{}
	}

	var missing []string
	for _, pre := range req.Policy.Preconditions {
		if _, ok := called[pre]; !ok {
			missing = append(missing, pre)
		}
	}
	if len(missing) == 0 {
		return &guard.EvalResult{Triggered: false}, nil
	}
	return &guard.EvalResult{
		Triggered:  true,
		Confidence: 0.95,
		Details:    fmt.Sprintf("missing preconditions: %s", strings.Join(missing, ", ")),
	}, nil
}
