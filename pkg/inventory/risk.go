package inventory

import (
	"fmt"
	"math"
	"strings"

	"github.com/gatewayshift/orchestrator/pkg/policy"
)

// Traffic, error-rate and latency bands used by the scorer.
const (
	lowTraffic      = 10_000
	mediumTraffic   = 100_000
	highTraffic     = 1_000_000
	criticalTraffic = 10_000_000

	lowErrorRate    = 0.001
	mediumErrorRate = 0.01
	highErrorRate   = 0.05

	lowLatencyMs    = 100
	mediumLatencyMs = 500
	highLatencyMs   = 2000
)

var authComplexity = map[string]float64{
	"none":       0.1,
	"api-key":    0.2,
	"http-basic": 0.2,
	"jwt":        0.5,
	"oauth":      0.7,
	"oauth2":     0.7,
	"mtls":       0.9,
	"saml":       0.8,
	"custom":     1.0,
}

var criticalityMultiplier = map[string]float64{
	"LOW":      0.8,
	"MEDIUM":   1.0,
	"HIGH":     1.2,
	"CRITICAL": 1.5,
}

// Score is the scorer's breakdown for one API.
type Score struct {
	Overall         float64          `json:"overall"`
	Level           policy.RiskLevel `json:"level"`
	Traffic         float64          `json:"traffic"`
	Performance     float64          `json:"performance"`
	Auth            float64          `json:"auth"`
	Complexity      float64          `json:"complexity"`
	Factors         []string         `json:"factors,omitempty"`
	Recommendations []string         `json:"recommendations,omitempty"`
}

// RiskScorer weighs traffic (40%), performance (30%), auth complexity (20%)
// and structural complexity (10%), then applies the business criticality
// multiplier.
type RiskScorer struct{}

// Score computes the risk of migrating r.
func (RiskScorer) Score(r *APIRecord) Score {
	var factors []string
	traffic := trafficRisk(r, &factors)
	perf := performanceRisk(r, &factors)
	auth := authRisk(r.AuthMethods, &factors)
	complexity := complexityRisk(r, &factors)

	overall := traffic*0.4 + perf*0.3 + auth*0.2 + complexity*0.1
	if m, ok := criticalityMultiplier[strings.ToUpper(r.Criticality)]; ok {
		overall = math.Min(overall*m, 1.0)
	}
	level := levelFor(overall)

	return Score{
		Overall:         round2(overall),
		Level:           level,
		Traffic:         round2(traffic),
		Performance:     round2(perf),
		Auth:            round2(auth),
		Complexity:      round2(complexity),
		Factors:         factors,
		Recommendations: recommendations(level, r.AuthMethods),
	}
}

func trafficRisk(r *APIRecord, factors *[]string) float64 {
	if r.RequestsPerDay == nil || *r.RequestsPerDay == 0 {
		*factors = append(*factors, "traffic volume unknown")
		return 0.5
	}
	n := *r.RequestsPerDay
	switch {
	case n >= criticalTraffic:
		*factors = append(*factors, fmt.Sprintf("very high traffic: %d req/day", n))
		return 1.0
	case n >= highTraffic:
		*factors = append(*factors, fmt.Sprintf("high traffic: %d req/day", n))
		return 0.8
	case n >= mediumTraffic:
		*factors = append(*factors, fmt.Sprintf("moderate traffic: %d req/day", n))
		return 0.5
	case n >= lowTraffic:
		return 0.3
	}
	return 0.1
}

func performanceRisk(r *APIRecord, factors *[]string) float64 {
	if r.RequestsPerDay == nil && r.ErrorRate == nil && r.P95LatencyMs == nil {
		return 0.3
	}
	var risk float64
	switch e := r.ErrorRate; {
	case e == nil:
		risk += 0.15
	case *e >= highErrorRate:
		*factors = append(*factors, fmt.Sprintf("high error rate: %.2f%%", *e*100))
		risk += 0.5
	case *e >= mediumErrorRate:
		*factors = append(*factors, fmt.Sprintf("elevated error rate: %.2f%%", *e*100))
		risk += 0.25
	case *e >= lowErrorRate:
		risk += 0.1
	}
	switch l := r.P95LatencyMs; {
	case l == nil:
		risk += 0.15
	case *l >= highLatencyMs:
		*factors = append(*factors, fmt.Sprintf("high latency: p95=%.0fms", *l))
		risk += 0.5
	case *l >= mediumLatencyMs:
		risk += 0.25
	case *l >= lowLatencyMs:
		risk += 0.1
	}
	return math.Min(risk, 1.0)
}

func authRisk(methods []string, factors *[]string) float64 {
	if len(methods) == 0 {
		*factors = append(*factors, "no authentication")
		return 0.1
	}
	var highest float64
	for _, m := range methods {
		c, ok := authComplexity[strings.ToLower(m)]
		if !ok {
			c = 0.5
		}
		highest = math.Max(highest, c)
	}
	if highest >= 0.7 {
		*factors = append(*factors, "complex auth: "+strings.Join(methods, ", "))
	}
	return highest
}

func complexityRisk(r *APIRecord, factors *[]string) float64 {
	var risk float64
	switch d := r.Dependencies; {
	case d > 10:
		*factors = append(*factors, fmt.Sprintf("many dependencies: %d", d))
		risk += 0.8
	case d > 5:
		risk += 0.5
	case d > 0:
		risk += 0.2
	}
	if r.CustomMiddleware {
		*factors = append(*factors, "custom middleware")
		risk += 0.5
	}
	return math.Min(risk, 1.0)
}

func levelFor(score float64) policy.RiskLevel {
	switch {
	case score >= 0.75:
		return policy.RiskCritical
	case score >= 0.5:
		return policy.RiskHigh
	case score >= 0.25:
		return policy.RiskMedium
	}
	return policy.RiskLow
}

func recommendations(level policy.RiskLevel, auth []string) []string {
	var out []string
	switch level {
	case policy.RiskCritical:
		out = append(out, "extended mirroring (7+ days)", "smallest canary increments", "multiple approvers", "low-traffic window")
	case policy.RiskHigh:
		out = append(out, "extended mirroring (3-5 days)", "conservative canary rollout")
	case policy.RiskMedium:
		out = append(out, "standard mirroring (24 hours)", "standard canary phases")
	default:
		out = append(out, "fast-track candidate")
	}
	for _, m := range auth {
		switch strings.ToLower(m) {
		case "oauth", "oauth2", "mtls", "saml":
			return append(out, "test auth flows in staging")
		}
	}
	return out
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
