package guard

import (
	"strings"
)

// Verdict is the aggregated decision for a call.
type Verdict string

const (
	VerdictSafe              Verdict = "safe"
	VerdictUnsafe            Verdict = "unsafe"
	VerdictNeedsConfirmation Verdict = "needs_confirmation"
)

// AggregatorConfig holds the threshold for verdict determination.
type AggregatorConfig struct {
	UnsafeThreshold float32 // Confidence >= this → UNSAFE (default 0.8)
}

// DefaultAggregatorConfig returns the default thresholds.
func DefaultAggregatorConfig() AggregatorConfig {
	return AggregatorConfig{
		UnsafeThreshold: 0.8,
	}
}

// AggregateResult holds the final verdict and reason after aggregation.
type AggregateResult struct {
	Verdict Verdict
	Reason  string
}

// Aggregate takes evaluator results and applies threshold rules to produce a verdict.
//
// Rules (applied in order):
//  1. If ANY evaluator triggered with confidence >= UnsafeThreshold → UNSAFE
//  2. If risk_tier evaluator triggered with "requires user confirmation" detail → NEEDS_CONFIRMATION
//  3. Otherwise → SAFE
//
// UNSAFE overrides NEEDS_CONFIRMATION.
func Aggregate(results []Result, cfg AggregatorConfig) AggregateResult {
	verdict := VerdictSafe
	var triggeredDetails []string
	needsConfirm := false

	for _, r := range results {
		if !r.Triggered {
			continue
		}

		triggeredDetails = append(triggeredDetails, r.Details)

		if r.Confidence >= cfg.UnsafeThreshold {
			// Check if this is a "needs confirmation" trigger from risk_tier
			if r.Category == CategoryRiskTier &&
				strings.Contains(r.Details, "requires user confirmation") {
				needsConfirm = true
			} else {
				verdict = VerdictUnsafe
			}
		}
	}

	if verdict != VerdictUnsafe && needsConfirm {
		verdict = VerdictNeedsConfirmation
	}

	return AggregateResult{
		Verdict: verdict,
		Reason:  strings.Join(triggeredDetails, "; "),
	}
}
