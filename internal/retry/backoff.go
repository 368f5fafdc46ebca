// Package retry computes backoff delays and the deterministic job
// identifiers used to make scheduled retries idempotent. The formula
// mirrors the teacher's HTTP retry transport (pkg/httpclient/retry.go's
// calculateBackoff), generalized to a {baseMs, factor, maxMs, jitterRatio}
// policy shared by Event Ingress, Trigger Evaluator, and the Workflow
// Orchestrator's step retry policy.
package retry

import (
	"fmt"
	"math"
	"math/rand"
	"strings"
	"time"
)

// Policy is the exponential-backoff-with-jitter configuration from
// spec.md §4.2: next delay = min(maxMs, baseMs·factor^(n-1)), then a
// uniformly distributed jitter of ±jitterRatio·delay is added.
type Policy struct {
	BaseMs      int64
	Factor      float64
	MaxMs       int64
	JitterRatio float64
}

// DefaultPolicy matches the teacher's HTTP client defaults: doubling
// backoff, 20% jitter.
func DefaultPolicy() Policy {
	return Policy{BaseMs: 1000, Factor: 2.0, MaxMs: 30000, JitterRatio: 0.2}
}

// Delay computes the delay before attempt n (n≥1), deterministically
// except for the jitter term, which uses rng (pass a seeded *rand.Rand in
// tests for reproducibility; nil uses the package-level source).
func (p Policy) Delay(n int, rng *rand.Rand) time.Duration {
	if n < 1 {
		n = 1
	}
	base := float64(p.BaseMs) * math.Pow(p.Factor, float64(n-1))
	if p.MaxMs > 0 && base > float64(p.MaxMs) {
		base = float64(p.MaxMs)
	}

	jitterSpan := base * p.JitterRatio
	var jitter float64
	if jitterSpan > 0 {
		f := rand.Float64
		if rng != nil {
			f = rng.Float64
		}
		// Uniform in [-jitterSpan, +jitterSpan], matching "±jitterRatio·delay".
		jitter = (f()*2 - 1) * jitterSpan
	}

	delayMs := base + jitter
	if delayMs < 0 {
		delayMs = 0
	}
	return time.Duration(delayMs) * time.Millisecond
}

// Bounds returns the inclusive [min,max] delay window for attempt n,
// matching the testable property in spec.md §8:
// [base·f^(n-1)·(1-j), min(max, base·f^(n-1))·(1+j)].
func (p Policy) Bounds(n int) (time.Duration, time.Duration) {
	if n < 1 {
		n = 1
	}
	raw := float64(p.BaseMs) * math.Pow(p.Factor, float64(n-1))
	capped := raw
	if p.MaxMs > 0 && capped > float64(p.MaxMs) {
		capped = float64(p.MaxMs)
	}
	lo := raw * (1 - p.JitterRatio)
	hi := capped * (1 + p.JitterRatio)
	if lo < 0 {
		lo = 0
	}
	return time.Duration(lo) * time.Millisecond, time.Duration(hi) * time.Millisecond
}

// JobID builds the deterministic, idempotency-friendly job identifier used
// for scheduled retries: segments joined by "--", with any ":" in a segment
// replaced by "_" so the id stays safe as a broker key (spec.md §4.2).
func JobID(segments ...string) string {
	sanitized := make([]string, len(segments))
	for i, s := range segments {
		sanitized[i] = strings.ReplaceAll(s, ":", "_")
	}
	return strings.Join(sanitized, "--")
}

// WorkflowRetryJobID builds the workflow-retry job id from spec.md §4.8:
// "workflow-retry--<runKey|runId>--<runId>--<stepId>-<attempt>".
func WorkflowRetryJobID(runKeyOrID, runID, stepID string, attempt int) string {
	return JobID("workflow-retry", runKeyOrID, runID, fmt.Sprintf("%s-%d", stepID, attempt))
}
