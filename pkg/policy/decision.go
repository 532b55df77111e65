package policy

import (
	"fmt"
	"slices"
	"time"

	"github.com/gatewayshift/orchestrator/pkg/metrics"
)

// Hold reasons.
const (
	ReasonMetricsUnavailable  = "metrics-unavailable"
	ReasonMonitoring          = "monitoring"
	ReasonAwaitingApproval    = "awaiting-approval"
	ReasonInsufficientTraffic = "insufficient-traffic"
	ReasonReadyToComplete     = "ready-to-complete"
	ReasonAlreadyAdvanced     = "already-advanced"
)

// Kind is what the controller should do next.
type Kind string

const (
	Advance  Kind = "advance"
	Hold     Kind = "hold"
	Rollback Kind = "rollback"
)

// Decision is the outcome of Evaluate.
type Decision struct {
	Kind    Kind
	Percent int
	Reason  string
}

// Input is everything Evaluate looks at.
type Input struct {
	Policy RiskPolicy
	// Phases is the phase list the migration was planned with.
	Phases []int
	// CurrentPercent is 0 while mirroring.
	CurrentPercent int
	PhaseEnteredAt time.Time
	Now            time.Time
	Metrics        *metrics.Comparison
	Approved       bool
}

// Evaluate decides on the next step for a migration that is mirroring or in
// a canary phase. It has no side effects.
func Evaluate(in Input) Decision {
	if in.Metrics == nil {
		return Decision{Kind: Hold, Percent: in.CurrentPercent, Reason: ReasonMetricsUnavailable}
	}
	if reason, breached := Breach(in.Policy.Thresholds, in.Metrics); breached {
		return Decision{Kind: Rollback, Percent: 0, Reason: reason}
	}
	if in.Metrics.Candidate.RequestCount < in.Policy.Thresholds.MinRequestCount {
		return Decision{Kind: Hold, Percent: in.CurrentPercent, Reason: ReasonInsufficientTraffic}
	}
	if in.Now.Sub(in.PhaseEnteredAt) < in.Policy.MinPhaseDuration {
		return Decision{Kind: Hold, Percent: in.CurrentPercent, Reason: ReasonMonitoring}
	}
	next, ok := NextPhase(in.Phases, in.CurrentPercent)
	if !ok {
		return Decision{Kind: Hold, Percent: in.CurrentPercent, Reason: ReasonReadyToComplete}
	}
	if in.Policy.ApprovalRequired && !in.Approved {
		return Decision{Kind: Hold, Percent: in.CurrentPercent, Reason: ReasonAwaitingApproval}
	}
	return Decision{Kind: Advance, Percent: next}
}

// Breach reports the first threshold the candidate violates.
func Breach(t Thresholds, c *metrics.Comparison) (string, bool) {
	delta := c.Candidate.ErrorRate - c.Baseline.ErrorRate
	if delta > t.MaxErrorRateDelta {
		return fmt.Sprintf("error-rate delta %.4f exceeds %.4f (baseline %.4f, candidate %.4f)",
			delta, t.MaxErrorRateDelta, c.Baseline.ErrorRate, c.Candidate.ErrorRate), true
	}
	if c.Baseline.P95LatencyMs > 0 {
		ratio := c.Candidate.P95LatencyMs / c.Baseline.P95LatencyMs
		if ratio > t.MaxP95LatencyRatio {
			return fmt.Sprintf("p95 latency ratio %.2f exceeds %.2f (baseline %.0fms, candidate %.0fms)",
				ratio, t.MaxP95LatencyRatio, c.Baseline.P95LatencyMs, c.Candidate.P95LatencyMs), true
		}
	}
	if t.MaxErrorCount > 0 {
		if n := c.Candidate.Errors(); n > t.MaxErrorCount {
			return fmt.Sprintf("error count %d exceeds %d", n, t.MaxErrorCount), true
		}
	}
	return "", false
}

// NextPhase returns the phase that follows current. Current 0 (mirroring)
// leads to the first phase. The boolean is false at the last phase or when
// current is not a configured phase.
func NextPhase(phases []int, current int) (int, bool) {
	if len(phases) == 0 {
		return 0, false
	}
	if current == 0 {
		return phases[0], true
	}
	i := slices.Index(phases, current)
	if i < 0 || i == len(phases)-1 {
		return 0, false
	}
	return phases[i+1], true
}
