// Package policy holds the per-risk-level canary policies and the pure
// decision function the traffic controller applies to them.
package policy

import (
	"fmt"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// RiskLevel classifies how conservative a migration must be.
type RiskLevel string

const (
	RiskLow      RiskLevel = "LOW"
	RiskMedium   RiskLevel = "MEDIUM"
	RiskHigh     RiskLevel = "HIGH"
	RiskCritical RiskLevel = "CRITICAL"
)

// Levels lists every risk level from least to most conservative.
var Levels = []RiskLevel{RiskLow, RiskMedium, RiskHigh, RiskCritical}

// ParseRiskLevel accepts any casing of a known level.
func ParseRiskLevel(s string) (RiskLevel, error) {
	l := RiskLevel(strings.ToUpper(strings.TrimSpace(s)))
	if !slices.Contains(Levels, l) {
		return "", fmt.Errorf("unknown risk level %q", s)
	}
	return l, nil
}

// Thresholds are the rollback triggers, compared against baseline.
type Thresholds struct {
	MaxErrorRateDelta  float64 `yaml:"maxErrorRateDelta" json:"maxErrorRateDelta" validate:"gt=0,lte=1"`
	MaxP95LatencyRatio float64 `yaml:"maxP95LatencyRatio" json:"maxP95LatencyRatio" validate:"gt=1"`
	MaxErrorCount      int64   `yaml:"maxErrorCount" json:"maxErrorCount" validate:"gte=0"`
	MinRequestCount    int64   `yaml:"minRequestCount" json:"minRequestCount" validate:"gte=0"`
}

// RiskPolicy is the full canary policy for one risk level.
type RiskPolicy struct {
	Level             RiskLevel     `yaml:"riskLevel" json:"riskLevel" validate:"required,oneof=LOW MEDIUM HIGH CRITICAL"`
	Phases            []int         `yaml:"phases" json:"phases" validate:"required,min=1,dive,gt=0,lte=100"`
	MinPhaseDuration  time.Duration `yaml:"minPhaseDuration" json:"minPhaseDuration" validate:"gte=0"`
	EvaluationWindow  time.Duration `yaml:"evaluationWindow" json:"evaluationWindow" validate:"gt=0"`
	Thresholds        Thresholds    `yaml:"thresholds" json:"thresholds"`
	ApprovalRequired  bool          `yaml:"approvalRequired" json:"approvalRequired"`
	RequiredApprovals int           `yaml:"requiredApprovals" json:"requiredApprovals" validate:"gte=0"`
}

func (p RiskPolicy) clone() RiskPolicy {
	p.Phases = slices.Clone(p.Phases)
	return p
}

// LastPhase returns the final configured percentage.
func (p RiskPolicy) LastPhase() int {
	return p.Phases[len(p.Phases)-1]
}

// Approvals returns how many distinct approvers each advance needs.
func (p RiskPolicy) Approvals() int {
	if !p.ApprovalRequired {
		return 0
	}
	if p.RequiredApprovals < 1 {
		return 1
	}
	return p.RequiredApprovals
}

// DefaultPolicies returns the built-in policy for every level.
func DefaultPolicies() []RiskPolicy {
	return []RiskPolicy{
		{
			Level:            RiskLow,
			Phases:           []int{10, 50, 100},
			MinPhaseDuration: 10 * time.Minute,
			EvaluationWindow: 10 * time.Minute,
			Thresholds:       Thresholds{MaxErrorRateDelta: 0.02, MaxP95LatencyRatio: 1.5, MaxErrorCount: 500},
		},
		{
			Level:            RiskMedium,
			Phases:           []int{5, 25, 50, 100},
			MinPhaseDuration: 30 * time.Minute,
			EvaluationWindow: 15 * time.Minute,
			Thresholds:       Thresholds{MaxErrorRateDelta: 0.01, MaxP95LatencyRatio: 1.3, MaxErrorCount: 200},
		},
		{
			Level:             RiskHigh,
			Phases:            []int{5, 25, 50, 75, 100},
			MinPhaseDuration:  time.Hour,
			EvaluationWindow:  30 * time.Minute,
			Thresholds:        Thresholds{MaxErrorRateDelta: 0.005, MaxP95LatencyRatio: 1.2, MaxErrorCount: 100, MinRequestCount: 100},
			ApprovalRequired:  true,
			RequiredApprovals: 1,
		},
		{
			Level:             RiskCritical,
			Phases:            []int{1, 5, 25, 50, 75, 100},
			MinPhaseDuration:  4 * time.Hour,
			EvaluationWindow:  time.Hour,
			Thresholds:        Thresholds{MaxErrorRateDelta: 0.002, MaxP95LatencyRatio: 1.1, MaxErrorCount: 50, MinRequestCount: 500},
			ApprovalRequired:  true,
			RequiredApprovals: 2,
		},
	}
}

// Set is the immutable collection of policies, one per level. It is built
// once at startup and only hands out copies.
type Set struct {
	byLevel map[RiskLevel]RiskPolicy
}

var validate = validator.New()

// NewSet validates policies and fills levels they omit from the defaults.
func NewSet(policies []RiskPolicy) (*Set, error) {
	s := &Set{byLevel: make(map[RiskLevel]RiskPolicy, len(Levels))}
	for _, p := range DefaultPolicies() {
		s.byLevel[p.Level] = p
	}
	seen := make(map[RiskLevel]bool)
	for _, p := range policies {
		if err := Validate(p); err != nil {
			return nil, err
		}
		if seen[p.Level] {
			return nil, fmt.Errorf("duplicate policy for risk level %s", p.Level)
		}
		seen[p.Level] = true
		s.byLevel[p.Level] = p.clone()
	}
	return s, nil
}

// MustDefaultSet returns the built-in policies.
func MustDefaultSet() *Set {
	s, err := NewSet(nil)
	if err != nil {
		panic(err)
	}
	return s
}

// Validate checks a policy's structure and phase ordering.
func Validate(p RiskPolicy) error {
	if err := validate.Struct(p); err != nil {
		return fmt.Errorf("invalid policy %s: %w", p.Level, err)
	}
	for i := 1; i < len(p.Phases); i++ {
		if p.Phases[i] <= p.Phases[i-1] {
			return fmt.Errorf("invalid policy %s: phases must be strictly ascending, got %v", p.Level, p.Phases)
		}
	}
	if p.LastPhase() != 100 {
		return fmt.Errorf("invalid policy %s: last phase must be 100, got %d", p.Level, p.LastPhase())
	}
	return nil
}

// For returns a copy of the policy for level.
func (s *Set) For(level RiskLevel) (RiskPolicy, error) {
	p, ok := s.byLevel[level]
	if !ok {
		return RiskPolicy{}, fmt.Errorf("no policy for risk level %q", level)
	}
	return p.clone(), nil
}

// All returns copies of every policy ordered by level.
func (s *Set) All() []RiskPolicy {
	out := make([]RiskPolicy, 0, len(Levels))
	for _, l := range Levels {
		out = append(out, s.byLevel[l].clone())
	}
	return out
}

type policyFile struct {
	Policies []RiskPolicy `yaml:"policies"`
}

// Load reads policies from a YAML file. A missing file yields the defaults.
func Load(path string) (*Set, error) {
	if path == "" {
		return NewSet(nil)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return NewSet(nil)
		}
		return nil, fmt.Errorf("read risk policies: %w", err)
	}
	return Parse(data)
}

// Parse decodes a YAML policy document.
func Parse(data []byte) (*Set, error) {
	var pf policyFile
	if err := yaml.Unmarshal(data, &pf); err != nil {
		return nil, fmt.Errorf("parse risk policies: %w", err)
	}
	for i := range pf.Policies {
		pf.Policies[i].Level = RiskLevel(strings.ToUpper(string(pf.Policies[i].Level)))
	}
	return NewSet(pf.Policies)
}
