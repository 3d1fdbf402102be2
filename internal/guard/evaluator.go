// Package guard runs safety evaluators against a tool call before the
// handler executes and turns their verdict into a middleware decision.
package guard

import (
	"context"
	"time"
)

// DefaultEvalTimeout is the max time evaluators get to complete.
const DefaultEvalTimeout = 25 * time.Millisecond

// Category groups evaluators for aggregation and reporting.
type Category string

const (
	CategoryRiskTier           Category = "risk_tier"
	CategoryPrecondition       Category = "precondition"
	CategoryArgumentValidation Category = "argument_validation"
	CategoryContextualRules    Category = "contextual_rules"
	CategoryInformationFlow    Category = "information_flow"
)

// Evaluator is the interface every safety evaluator must implement.
// Implementations must respect context deadlines and return quickly.
type Evaluator interface {
	// Name returns the evaluator's unique identifier.
	Name() string

	// Category returns the evaluation category.
	Category() Category

	// Evaluate runs the evaluation logic against the given request.
	// Must respect ctx deadline. Return early if ctx is cancelled.
	Evaluate(ctx context.Context, req *EvalRequest) (*EvalResult, error)
}

// TraceEntry is one earlier call of the same session.
type TraceEntry struct {
	ToolName     string   // "tool.action"
	ResultJSON   string   // text of the response, when it was JSON
	OutputLabels []string // labels of the policy that produced it
	TimestampMs  int64
}

// EvalRequest contains all the context needed for evaluation.
type EvalRequest struct {
	ToolName      string // "tool.action"
	ArgumentsJSON string
	Trace         []TraceEntry
	UserConfirmed bool
	WorkflowType  string
	ReadOnly      bool
	Destructive   bool
	Policy        *Policy // nil when no policy is configured
}

// EvalResult is the outcome of a single evaluator run.
type EvalResult struct {
	Triggered  bool
	Confidence float32 // 0.0 to 1.0
	Details    string
}

// Result is an EvalResult tagged with its evaluator.
type Result struct {
	Evaluator  string
	Category   Category
	Triggered  bool
	Confidence float32
	Details    string
}
