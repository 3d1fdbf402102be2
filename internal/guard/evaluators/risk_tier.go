// Package evaluators holds the built-in guard evaluators.
package evaluators

import (
	"context"
	"fmt"

	"github.com/triage-ai/palisade/services/tool_router/internal/guard"
)

// Defaults returns one instance of every built-in evaluator.
func Defaults() []guard.Evaluator {
	return []guard.Evaluator{
		NewRiskTierEvaluator(),
		NewPreconditionEvaluator(),
		NewArgumentValidationEvaluator(),
		NewContextualRulesEvaluator(),
		NewInformationFlowEvaluator(),
	}
}

// RiskTierEvaluator asks for confirmation before destructive actions.
type RiskTierEvaluator struct{}

func NewRiskTierEvaluator() *RiskTierEvaluator {
	return &RiskTierEvaluator{}
}

func (e *RiskTierEvaluator) Name() string {
	return "risk_tier"
}

func (e *RiskTierEvaluator) Category() guard.Category {
	return guard.CategoryRiskTier
}

func (e *RiskTierEvaluator) Evaluate(_ context.Context, req *guard.EvalRequest) (*guard.EvalResult, error) {
	tier, requiresConfirm := riskTier(req)
	if tier == "destructive" && requiresConfirm && !req.UserConfirmed {
		return &guard.EvalResult{
			Triggered:  true,
			Confidence: 0.95,
			Details:    fmt.Sprintf("destructive action %s requires user confirmation", req.ToolName),
		}, nil
	}
	return &guard.EvalResult{Triggered: false}, nil
}

// riskTier prefers the policy's tier and falls back to the action's
// annotations. Annotations alone never require confirmation.
func riskTier(req *guard.EvalRequest) (string, bool) {
	if req.Policy != nil && req.Policy.RiskTier != "" {
		return req.Policy.RiskTier, req.Policy.RequiresConfirm
	}
	switch {
	case req.Destructive:
		return "destructive", false
	case req.ReadOnly:
		return "read", false
	default:
		return "write", false
	}
}
