// Package migration owns the per-API migration records and the only code
// path that changes them: a validated, fenced, versioned transition that
// commits together with its audit entry.
package migration

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/gatewayshift/orchestrator/pkg/audit"
	"github.com/gatewayshift/orchestrator/pkg/datastore"
	"github.com/gatewayshift/orchestrator/pkg/lock"
	"github.com/gatewayshift/orchestrator/pkg/metrics"
	"github.com/gatewayshift/orchestrator/pkg/observability"
	"github.com/gatewayshift/orchestrator/pkg/policy"
)

// Machine applies transitions to migration records.
type Machine struct {
	db     *gorm.DB
	locks  *lock.Manager
	audit  *audit.Store
	now    func() time.Time
	logger *slog.Logger
}

// Option configures a Machine.
type Option func(*Machine)

// WithClock overrides the time source used for phase timestamps.
func WithClock(now func() time.Time) Option {
	return func(m *Machine) { m.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Machine) { m.logger = l }
}

// NewMachine creates a Machine. locks and auditStore must share db.
func NewMachine(db *gorm.DB, locks *lock.Manager, auditStore *audit.Store, opts ...Option) *Machine {
	m := &Machine{db: db, locks: locks, audit: auditStore, now: time.Now, logger: slog.Default()}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// AutoMigrate creates the record and approval tables.
func (m *Machine) AutoMigrate() error {
	return m.db.AutoMigrate(&Record{}, &Approval{})
}

func (m *Machine) clock() time.Time {
	return m.now().UTC().Truncate(time.Microsecond)
}

// Actor identifies who is asking for a change.
type Actor struct {
	Name          string
	Team          string
	CorrelationID string
}

// OpenRequest starts a new migration attempt.
type OpenRequest struct {
	APIID     string
	RiskLevel policy.RiskLevel
	Policy    policy.RiskPolicy
	Lease     *lock.Lease
	Actor     Actor
}

// Open creates the next attempt for an API at DISCOVERED. It fails with
// ErrActiveExists while a non-terminal attempt is still open.
func (m *Machine) Open(ctx context.Context, req OpenRequest) (*Record, error) {
	if req.APIID == "" {
		return nil, &ValidationError{Field: "apiId", Message: "required"}
	}
	if err := policy.Validate(req.Policy); err != nil {
		return nil, &ValidationError{Field: "policy", Message: err.Error()}
	}

	var out *Record
	err := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := m.fence(ctx, tx, req.APIID, req.Lease); err != nil {
			if errors.Is(err, lock.ErrNotHolder) {
				return &RejectedError{Reason: RejectLockNotHeld, Event: EventPlan, Message: "open requires the api lock"}
			}
			return persistence(err)
		}

		latest, err := latestAttempt(tx, req.APIID)
		if err != nil {
			return persistence(err)
		}
		attempt := 1
		if latest != nil {
			if !latest.Terminal() {
				return ErrActiveExists
			}
			attempt = latest.Attempt + 1
		}

		now := m.clock()
		active := req.APIID
		rec := &Record{
			ID:                uuid.NewString(),
			APIID:             req.APIID,
			Attempt:           attempt,
			ActiveKey:         &active,
			Stage:             StageDiscovered,
			RiskLevel:         req.RiskLevel,
			Phases:            datastore.JSONIntSlice(slices.Clone(req.Policy.Phases)),
			RequiredApprovals: req.Policy.Approvals(),
			PhaseEnteredAt:    now,
			Version:           1,
			UpdatedBy:         req.Actor.Name,
		}
		if err := tx.Create(rec).Error; err != nil {
			return persistence(err)
		}

		entry := &audit.Entry{
			CorrelationID: req.Actor.CorrelationID,
			Actor:         req.Actor.Name,
			ActorTeam:     req.Actor.Team,
			Action:        audit.ActionOpen,
			Resource:      Resource(req.APIID),
			AfterStatus:   rec.Status().String(),
			Success:       true,
			Timestamp:     now,
			Details: datastore.JSONAny{
				"recordId":  rec.ID,
				"attempt":   attempt,
				"riskLevel": string(req.RiskLevel),
				"phases":    []int(rec.Phases),
			},
		}
		if err := m.audit.WithTx(tx).Record(ctx, entry); err != nil {
			return persistence(err)
		}
		out = rec
		return nil
	})
	if err != nil {
		return nil, classify(err)
	}
	m.logger.Info("migration opened", "api", req.APIID, "attempt", out.Attempt, "riskLevel", out.RiskLevel)
	return out, nil
}

// Request asks for one transition of a record.
type Request struct {
	RecordID        string
	ExpectedVersion int64
	Event           Event
	// TargetPercent optionally pins the percentage an advance must reach.
	TargetPercent int
	Lease         *lock.Lease
	Actor         Actor
	Reason        string
	Details       map[string]any
	Metrics       *metrics.Comparison
	// Config, when set, replaces the stored configuration artifact.
	Config *Config
}

// Config is a generated gateway configuration stored on the record.
type Config struct {
	Artifact string
	Checksum string
}

// Transition validates and applies req atomically: the fenced lease check,
// the versioned record update and the audit entry either all commit or none
// do. Refusals are returned as *RejectedError or *ValidationError; store
// failures wrap ErrPersistence.
func (m *Machine) Transition(ctx context.Context, req Request) (*Record, error) {
	var out *Record
	var from, to Status
	err := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var rec Record
		if err := tx.Where("id = ?", req.RecordID).Take(&rec).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return persistence(err)
		}
		from = rec.Status()

		if rec.Version != req.ExpectedVersion {
			return &RejectedError{Reason: RejectConcurrentModification, From: from, Event: req.Event,
				Message: fmt.Sprintf("expected version %d, found %d", req.ExpectedVersion, rec.Version)}
		}

		var err error
		to, err = Resolve(from, req.Event, rec.Phases, req.TargetPercent)
		if err != nil {
			return err
		}

		if err := m.fence(ctx, tx, rec.APIID, req.Lease); err != nil {
			if errors.Is(err, lock.ErrNotHolder) {
				return &RejectedError{Reason: RejectLockNotHeld, From: from, Event: req.Event}
			}
			return persistence(err)
		}

		if RequiresApproval(from.Stage, req.Event) && rec.RequiredApprovals > 0 {
			state, err := approvalState(tx, &rec)
			if err != nil {
				return persistence(err)
			}
			if !state.Satisfied {
				return &RejectedError{Reason: RejectApprovalPending, From: from, Event: req.Event,
					Message: fmt.Sprintf("%d of %d approvals", len(state.Approvers), state.Required)}
			}
		}

		now := m.clock()
		updates := map[string]any{
			"stage":            to.Stage,
			"traffic_percent":  to.Percent,
			"phase_entered_at": now,
			"version":          rec.Version + 1,
			"last_reason":      req.Reason,
			"updated_by":       req.Actor.Name,
		}
		if to.Terminal() {
			updates["active_key"] = nil
		}
		if req.Metrics != nil {
			updates["last_metrics"] = MetricsSnapshot(req.Metrics)
		}
		if req.Config != nil {
			updates["config_artifact"] = req.Config.Artifact
			updates["config_checksum"] = req.Config.Checksum
		}
		res := tx.Model(&Record{}).Where("id = ? AND version = ?", rec.ID, rec.Version).Updates(updates)
		if res.Error != nil {
			return persistence(res.Error)
		}
		if res.RowsAffected == 0 {
			return &RejectedError{Reason: RejectConcurrentModification, From: from, Event: req.Event}
		}

		details := datastore.JSONAny{
			"recordId": rec.ID,
			"attempt":  rec.Attempt,
			"version":  rec.Version + 1,
			"event":    string(req.Event),
		}
		if req.Lease != nil {
			details["fencingToken"] = req.Lease.Token
		}
		if req.Reason != "" {
			details["reason"] = req.Reason
		}
		if req.Metrics != nil {
			details["metrics"] = MetricsSnapshot(req.Metrics)
		}
		if req.Config != nil {
			details["configChecksum"] = req.Config.Checksum
		}
		for k, v := range req.Details {
			details[k] = v
		}
		entry := &audit.Entry{
			CorrelationID: req.Actor.CorrelationID,
			Actor:         req.Actor.Name,
			ActorTeam:     req.Actor.Team,
			Action:        req.Event.AuditAction(),
			Resource:      Resource(rec.APIID),
			BeforeStatus:  from.String(),
			AfterStatus:   to.String(),
			Success:       true,
			Details:       details,
			Timestamp:     now,
		}
		if err := m.audit.WithTx(tx).Record(ctx, entry); err != nil {
			return persistence(err)
		}

		var updated Record
		if err := tx.Where("id = ?", rec.ID).Take(&updated).Error; err != nil {
			return persistence(err)
		}
		out = &updated
		return nil
	})

	err = classify(err)
	var rej *RejectedError
	switch {
	case err == nil:
		observability.RecordTransition(string(req.Event), "applied")
		m.logger.Info("migration transitioned", "record", req.RecordID, "event", req.Event,
			"from", from.String(), "to", to.String(), "actor", req.Actor.Name, "correlationId", req.Actor.CorrelationID)
	case errors.As(err, &rej):
		observability.RecordTransition(string(req.Event), string(rej.Reason))
	default:
		observability.RecordTransition(string(req.Event), "error")
	}
	return out, err
}

// Approve grants approval for the record's current status. Approving twice
// as the same approver is a no-op.
func (m *Machine) Approve(ctx context.Context, recordID string, lease *lock.Lease, by Actor, comment string) (*ApprovalState, error) {
	var out *ApprovalState
	err := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var rec Record
		if err := tx.Where("id = ?", recordID).Take(&rec).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return persistence(err)
		}
		status := rec.Status()
		if !rec.Stage.Shifting() || !slices.Contains(Events(status, rec.Phases), EventAdvance) {
			return &RejectedError{Reason: RejectInvalidEdge, From: status, Event: EventAdvance,
				Message: "nothing to approve in this status"}
		}
		if err := m.fence(ctx, tx, rec.APIID, lease); err != nil {
			if errors.Is(err, lock.ErrNotHolder) {
				return &RejectedError{Reason: RejectLockNotHeld, From: status, Event: EventAdvance}
			}
			return persistence(err)
		}

		state, err := approvalState(tx, &rec)
		if err != nil {
			return persistence(err)
		}
		if slices.Contains(state.Approvers, by.Name) {
			out = state
			return nil
		}

		now := m.clock()
		approval := &Approval{
			ID:            uuid.NewString(),
			RecordID:      rec.ID,
			Status:        status.String(),
			Approver:      by.Name,
			Team:          by.Team,
			Comment:       comment,
			CorrelationID: by.CorrelationID,
			CreatedAt:     now,
		}
		if err := tx.Create(approval).Error; err != nil {
			return persistence(err)
		}
		entry := &audit.Entry{
			CorrelationID: by.CorrelationID,
			Actor:         by.Name,
			ActorTeam:     by.Team,
			Action:        audit.ActionApprove,
			Resource:      Resource(rec.APIID),
			BeforeStatus:  status.String(),
			AfterStatus:   status.String(),
			Success:       true,
			Timestamp:     now,
			Details:       datastore.JSONAny{"recordId": rec.ID, "comment": comment},
		}
		if err := m.audit.WithTx(tx).Record(ctx, entry); err != nil {
			return persistence(err)
		}

		out, err = approvalState(tx, &rec)
		if err != nil {
			return persistence(err)
		}
		return nil
	})
	if err != nil {
		return nil, classify(err)
	}
	return out, nil
}

// Approvals returns the approval state for the record's current status.
func (m *Machine) Approvals(ctx context.Context, rec *Record) (*ApprovalState, error) {
	state, err := approvalState(m.db.WithContext(ctx), rec)
	if err != nil {
		return nil, fmt.Errorf("load approvals: %w", err)
	}
	return state, nil
}

func approvalState(db *gorm.DB, rec *Record) (*ApprovalState, error) {
	status := rec.Status().String()
	var approvals []Approval
	if err := db.Where("record_id = ? AND status = ?", rec.ID, status).Order("created_at ASC").Find(&approvals).Error; err != nil {
		return nil, err
	}
	approvers := mapset.NewThreadUnsafeSet[string]()
	names := make([]string, 0, len(approvals))
	for _, a := range approvals {
		if approvers.Add(a.Approver) {
			names = append(names, a.Approver)
		}
	}
	return &ApprovalState{
		Status:    status,
		Approvers: names,
		Required:  rec.RequiredApprovals,
		Satisfied: approvers.Cardinality() >= rec.RequiredApprovals,
	}, nil
}

// Current returns the latest attempt for an API, terminal or not.
func (m *Machine) Current(ctx context.Context, apiID string) (*Record, error) {
	rec, err := latestAttempt(m.db.WithContext(ctx), apiID)
	if err != nil {
		return nil, fmt.Errorf("get migration for %s: %w", apiID, err)
	}
	if rec == nil {
		return nil, ErrNotFound
	}
	return rec, nil
}

// Get returns a record by id.
func (m *Machine) Get(ctx context.Context, id string) (*Record, error) {
	var rec Record
	err := m.db.WithContext(ctx).Where("id = ?", id).Take(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get migration %s: %w", id, err)
	}
	return &rec, nil
}

// Attempts returns every attempt for an API, oldest first.
func (m *Machine) Attempts(ctx context.Context, apiID string) ([]Record, error) {
	var recs []Record
	if err := m.db.WithContext(ctx).Where("api_id = ?", apiID).Order("attempt ASC").Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("list attempts for %s: %w", apiID, err)
	}
	return recs, nil
}

// ListFilter narrows List.
type ListFilter struct {
	Stages     []Stage
	ActiveOnly bool
	RiskLevel  policy.RiskLevel
}

func (f ListFilter) apply(q *gorm.DB) *gorm.DB {
	if len(f.Stages) > 0 {
		q = q.Where("stage IN ?", f.Stages)
	}
	if f.ActiveOnly {
		q = q.Where("active_key IS NOT NULL")
	}
	if f.RiskLevel != "" {
		q = q.Where("risk_level = ?", f.RiskLevel)
	}
	return q
}

// List returns records ordered by API id and attempt.
func (m *Machine) List(ctx context.Context, f ListFilter) ([]Record, error) {
	q := f.apply(m.db.WithContext(ctx).Model(&Record{}))
	var recs []Record
	if err := q.Order("api_id ASC").Order("attempt ASC").Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("list migrations: %w", err)
	}
	return recs, nil
}

// ListShifting returns the API ids currently mirroring or in a canary phase.
func (m *Machine) ListShifting(ctx context.Context) ([]string, error) {
	recs, err := m.List(ctx, ListFilter{Stages: []Stage{StageDeployedMirror, StageCanary}, ActiveOnly: true})
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(recs))
	for _, r := range recs {
		ids = append(ids, r.APIID)
	}
	return ids, nil
}

// fence checks that lease is the live lease guarding apiID.
func (m *Machine) fence(ctx context.Context, tx *gorm.DB, apiID string, lease *lock.Lease) error {
	if lease == nil || lease.Key != lock.KeyForAPI(apiID) {
		return lock.ErrNotHolder
	}
	return m.locks.WithTx(tx).Fence(ctx, lease)
}

func latestAttempt(db *gorm.DB, apiID string) (*Record, error) {
	var rec Record
	err := db.Where("api_id = ?", apiID).Order("attempt DESC").Limit(1).Take(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// Resource names an API in audit entries.
func Resource(apiID string) string {
	return "api/" + apiID
}
