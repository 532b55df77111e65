// Package inventory stores the APIs known to the orchestrator, scores their
// migration risk and answers ownership questions about them.
package inventory

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/gatewayshift/orchestrator/pkg/datastore"
	"github.com/gatewayshift/orchestrator/pkg/policy"
)

// APIRecord is one API discovered on a legacy platform.
type APIRecord struct {
	ID               string                    `gorm:"primaryKey;column:id;type:varchar(255)" json:"id" yaml:"-"`
	Name             string                    `gorm:"column:name;type:varchar(255);uniqueIndex:idx_api_name_platform,priority:1;not null" json:"name" yaml:"name" validate:"required"`
	Platform         string                    `gorm:"column:platform;type:varchar(64);uniqueIndex:idx_api_name_platform,priority:2;not null" json:"platform" yaml:"platform" validate:"required"`
	BasePath         string                    `gorm:"column:base_path" json:"basePath,omitempty" yaml:"basePath"`
	Version          string                    `gorm:"column:version" json:"version,omitempty" yaml:"version"`
	Upstream         string                    `gorm:"column:upstream" json:"upstream,omitempty" yaml:"upstream"`
	Team             string                    `gorm:"column:team;index" json:"team,omitempty" yaml:"team"`
	Domain           string                    `gorm:"column:domain;index" json:"domain,omitempty" yaml:"domain"`
	SharedTeams      datastore.JSONStringSlice `gorm:"column:shared_teams;type:text" json:"sharedTeams,omitempty" yaml:"sharedTeams"`
	Tags             datastore.JSONStringSlice `gorm:"column:tags;type:text" json:"tags,omitempty" yaml:"tags"`
	AuthMethods      datastore.JSONStringSlice `gorm:"column:auth_methods;type:text" json:"authMethods,omitempty" yaml:"authMethods"`
	RequestsPerDay   *int64                    `gorm:"column:requests_per_day" json:"requestsPerDay,omitempty" yaml:"requestsPerDay"`
	ErrorRate        *float64                  `gorm:"column:error_rate" json:"errorRate,omitempty" yaml:"errorRate"`
	P95LatencyMs     *float64                  `gorm:"column:p95_latency_ms" json:"p95LatencyMs,omitempty" yaml:"p95LatencyMs"`
	Dependencies     int                       `gorm:"column:dependencies" json:"dependencies,omitempty" yaml:"dependencies"`
	CustomMiddleware bool                      `gorm:"column:custom_middleware" json:"customMiddleware,omitempty" yaml:"customMiddleware"`
	Criticality      string                    `gorm:"column:criticality;type:varchar(16)" json:"criticality,omitempty" yaml:"criticality" validate:"omitempty,oneof=LOW MEDIUM HIGH CRITICAL"`
	// RiskLevel is either set explicitly by the source or computed on import.
	RiskLevel   policy.RiskLevel          `gorm:"column:risk_level;type:varchar(16);index" json:"riskLevel" yaml:"riskLevel"`
	RiskScore   float64                   `gorm:"column:risk_score" json:"riskScore" yaml:"-"`
	RiskFactors datastore.JSONStringSlice `gorm:"column:risk_factors;type:text" json:"riskFactors,omitempty" yaml:"-"`
	CreatedAt   time.Time                 `gorm:"column:created_at" json:"createdAt" yaml:"-"`
	UpdatedAt   time.Time                 `gorm:"column:updated_at" json:"updatedAt" yaml:"-"`
}

// TableName returns the GORM table name.
func (APIRecord) TableName() string { return "api_records" }

// Key returns the identifier of an API, platform:name.
func Key(platform, name string) string {
	return platform + ":" + name
}

// SplitKey is the inverse of Key.
func SplitKey(id string) (platform, name string, err error) {
	platform, name, ok := strings.Cut(id, ":")
	if !ok || platform == "" || name == "" {
		return "", "", fmt.Errorf("api id %q is not of the form platform:name", id)
	}
	return platform, name, nil
}

// Scope is how a team relates to an API.
type Scope string

const (
	Owned      Scope = "owned"
	Shared     Scope = "shared"
	NotOwned   Scope = "not-owned"
	Unassigned Scope = "unassigned"
)

// OwnershipFor classifies team's relationship to the API.
func (r *APIRecord) OwnershipFor(team string) Scope {
	switch {
	case r.Team == "":
		return Unassigned
	case team != "" && r.Team == team:
		return Owned
	case team != "" && slices.Contains(r.SharedTeams, team):
		return Shared
	}
	return NotOwned
}

// CanMigrate reports whether team may run migrations for the API.
func (r *APIRecord) CanMigrate(team string) bool {
	return r.OwnershipFor(team) != NotOwned
}
