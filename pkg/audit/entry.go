// Package audit is the append-only trail of every state-changing action in
// the orchestrator. Entries are written once and never updated or deleted.
package audit

import (
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/gatewayshift/orchestrator/pkg/datastore"
)

// Action names recorded by the engine.
const (
	ActionOpen          = "migration.open"
	ActionPlan          = "migration.plan"
	ActionValidate      = "migration.validate"
	ActionDeployMirror  = "migration.deploy_mirror"
	ActionAdvance       = "migration.advance"
	ActionComplete      = "migration.complete"
	ActionRollback      = "migration.rollback"
	ActionFail          = "migration.fail"
	ActionDecommission  = "migration.decommission"
	ActionApprove       = "migration.approve"
	ActionRejected      = "migration.rejected"
	ActionForceRelease  = "lock.force_release"
	ActionInventorySync = "inventory.import"
	ActionArchiveExport = "audit.export"
)

var (
	// ErrImmutable is returned when anything tries to modify a written entry.
	ErrImmutable = errors.New("audit entries are immutable")
	// ErrInvalidEntry is returned for entries missing actor, action or resource.
	ErrInvalidEntry = errors.New("invalid audit entry")
)

// Entry is one immutable audit record.
type Entry struct {
	Seq           int64             `gorm:"primaryKey;autoIncrement;column:seq" json:"seq"`
	ID            string            `gorm:"column:id;type:varchar(36);uniqueIndex;not null" json:"id"`
	CorrelationID string            `gorm:"column:correlation_id;type:varchar(64);index" json:"correlationId"`
	Actor         string            `gorm:"column:actor;index:idx_audit_actor_time,priority:1;not null" json:"actor"`
	ActorTeam     string            `gorm:"column:actor_team" json:"actorTeam,omitempty"`
	Action        string            `gorm:"column:action;index:idx_audit_action_time,priority:1;not null" json:"action"`
	Resource      string            `gorm:"column:resource;index:idx_audit_resource_time,priority:1;not null" json:"resource"`
	BeforeStatus  string            `gorm:"column:before_status" json:"beforeStatus,omitempty"`
	AfterStatus   string            `gorm:"column:after_status" json:"afterStatus,omitempty"`
	Success       bool              `gorm:"column:success;not null" json:"success"`
	Details       datastore.JSONAny `gorm:"column:details;type:text" json:"details,omitempty"`
	ErrorMessage  string            `gorm:"column:error_message;type:text" json:"errorMessage,omitempty"`
	Timestamp     time.Time         `gorm:"column:recorded_at;index;index:idx_audit_actor_time,priority:2;index:idx_audit_action_time,priority:2;index:idx_audit_resource_time,priority:2;not null" json:"timestamp"`
}

// TableName returns the GORM table name.
func (Entry) TableName() string { return "audit_entries" }

// BeforeUpdate rejects updates issued through gorm.
func (*Entry) BeforeUpdate(*gorm.DB) error { return ErrImmutable }

// BeforeDelete rejects deletes issued through gorm.
func (*Entry) BeforeDelete(*gorm.DB) error { return ErrImmutable }

// StatusChange reports whether the entry records a status change.
func (e Entry) StatusChange() bool {
	return e.Success && e.BeforeStatus != e.AfterStatus
}
