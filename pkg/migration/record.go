package migration

import (
	"time"

	"github.com/gatewayshift/orchestrator/pkg/datastore"
	"github.com/gatewayshift/orchestrator/pkg/metrics"
	"github.com/gatewayshift/orchestrator/pkg/policy"
)

// Record is one migration attempt for an API. ActiveKey holds the API id
// while the record is non-terminal and NULL afterwards; its unique index
// keeps at most one non-terminal record per API.
type Record struct {
	ID                string                 `gorm:"primaryKey;column:id;type:varchar(36)" json:"id"`
	APIID             string                 `gorm:"column:api_id;type:varchar(255);uniqueIndex:idx_migration_api_attempt,priority:1;not null" json:"apiId"`
	Attempt           int                    `gorm:"column:attempt;uniqueIndex:idx_migration_api_attempt,priority:2;not null" json:"attempt"`
	ActiveKey         *string                `gorm:"column:active_key;type:varchar(255);uniqueIndex" json:"-"`
	Stage             Stage                  `gorm:"column:stage;type:varchar(32);index;not null" json:"stage"`
	TrafficPercent    int                    `gorm:"column:traffic_percent;not null" json:"trafficPercent"`
	RiskLevel         policy.RiskLevel       `gorm:"column:risk_level;type:varchar(16);not null" json:"riskLevel"`
	Phases            datastore.JSONIntSlice `gorm:"column:phases;type:text;not null" json:"phases"`
	RequiredApprovals int                    `gorm:"column:required_approvals;not null" json:"requiredApprovals"`
	PhaseEnteredAt    time.Time              `gorm:"column:phase_entered_at;not null" json:"phaseEnteredAt"`
	LastMetrics       datastore.JSONAny      `gorm:"column:last_metrics;type:text" json:"lastMetrics,omitempty"`
	ConfigArtifact    string                 `gorm:"column:config_artifact;type:text" json:"-"`
	ConfigChecksum    string                 `gorm:"column:config_checksum;type:varchar(64)" json:"configChecksum,omitempty"`
	LastReason        string                 `gorm:"column:last_reason;type:text" json:"lastReason,omitempty"`
	Version           int64                  `gorm:"column:version;not null" json:"version"`
	UpdatedBy         string                 `gorm:"column:updated_by" json:"updatedBy"`
	CreatedAt         time.Time              `gorm:"column:created_at;autoCreateTime" json:"createdAt"`
	UpdatedAt         time.Time              `gorm:"column:updated_at;autoUpdateTime" json:"updatedAt"`
}

// TableName returns the GORM table name.
func (Record) TableName() string { return "migration_records" }

// Status returns the record's current status.
func (r *Record) Status() Status {
	return Status{Stage: r.Stage, Percent: r.TrafficPercent}
}

// Terminal reports whether the record has reached a terminal status.
func (r *Record) Terminal() bool { return r.Stage.Terminal() }

// LastPhase returns the final configured percentage.
func (r *Record) LastPhase() int {
	if len(r.Phases) == 0 {
		return 0
	}
	return r.Phases[len(r.Phases)-1]
}

// Approval is an append-only grant by one approver, bound to the status the
// record had when it was given. Advancing moves the status on, so every
// phase needs fresh approvals.
type Approval struct {
	ID            string    `gorm:"primaryKey;column:id;type:varchar(36)" json:"id"`
	RecordID      string    `gorm:"column:record_id;type:varchar(36);uniqueIndex:idx_approval_unique,priority:1;not null" json:"recordId"`
	Status        string    `gorm:"column:status;type:varchar(32);uniqueIndex:idx_approval_unique,priority:2;not null" json:"status"`
	Approver      string    `gorm:"column:approver;uniqueIndex:idx_approval_unique,priority:3;not null" json:"approver"`
	Team          string    `gorm:"column:team" json:"team,omitempty"`
	Comment       string    `gorm:"column:comment;type:text" json:"comment,omitempty"`
	CorrelationID string    `gorm:"column:correlation_id" json:"correlationId,omitempty"`
	CreatedAt     time.Time `gorm:"column:created_at;not null" json:"createdAt"`
}

// TableName returns the GORM table name.
func (Approval) TableName() string { return "migration_approvals" }

// ApprovalState summarises the approvals for a record's current status.
type ApprovalState struct {
	Status    string   `json:"status"`
	Approvers []string `json:"approvers"`
	Required  int      `json:"required"`
	Satisfied bool     `json:"satisfied"`
}

// MetricsSnapshot converts a comparison into the JSON column form.
func MetricsSnapshot(c *metrics.Comparison) datastore.JSONAny {
	if c == nil {
		return nil
	}
	sample := func(s metrics.Sample) map[string]any {
		return map[string]any{
			"errorRate":    s.ErrorRate,
			"p95LatencyMs": s.P95LatencyMs,
			"requestCount": s.RequestCount,
		}
	}
	return datastore.JSONAny{
		"baseline":    sample(c.Baseline),
		"candidate":   sample(c.Candidate),
		"windowStart": c.WindowStart.UTC().Format(time.RFC3339),
		"windowEnd":   c.WindowEnd.UTC().Format(time.RFC3339),
	}
}
