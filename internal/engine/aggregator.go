package engine

import (
	"strings"
)

// AggregatorConfig holds the thresholds for verdict determination.
type AggregatorConfig struct {
	BlockSeverity ThreatLevel // failed severity >= this → BLOCK (default high)
}

// DefaultAggregatorConfig returns the standard thresholds.
func DefaultAggregatorConfig() AggregatorConfig {
	return AggregatorConfig{BlockSeverity: ThreatHigh}
}

// AggregateResult holds the final verdict and reason after aggregation.
type AggregateResult struct {
	Verdict Verdict
	Reason  string
}

// Aggregate takes guard results and applies severity rules to produce a verdict.
//
// Rules (applied in order):
//  1. If ANY guard failed with Severity >= BlockSeverity → BLOCK
//  2. If ANY guard failed below BlockSeverity           → FLAG
//  3. Otherwise → ALLOW
func Aggregate(results []*Result, cfg AggregatorConfig) AggregateResult {
	verdict := VerdictAllow
	var failedNames []string

	for _, r := range results {
		if r.Passed {
			continue
		}

		failedNames = append(failedNames, r.Guard)

		if r.Severity >= cfg.BlockSeverity {
			verdict = VerdictBlock
		} else if verdict != VerdictBlock {
			verdict = VerdictFlag
		}
	}

	reason := ""
	if len(failedNames) > 0 {
		reason = "failed: " + strings.Join(failedNames, ", ")
	}

	return AggregateResult{
		Verdict: verdict,
		Reason:  reason,
	}
}
