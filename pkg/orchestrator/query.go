package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"iter"

	"gorm.io/gorm"

	"github.com/gatewayshift/orchestrator/pkg/audit"
	"github.com/gatewayshift/orchestrator/pkg/datastore"
	"github.com/gatewayshift/orchestrator/pkg/discovery"
	"github.com/gatewayshift/orchestrator/pkg/inventory"
	"github.com/gatewayshift/orchestrator/pkg/lock"
	"github.com/gatewayshift/orchestrator/pkg/migration"
	"github.com/gatewayshift/orchestrator/pkg/observability"
)

const inventoryResource = "inventory"

// ImportResult is the outcome of ImportDiscovered.
type ImportResult struct {
	inventory.ImportResult
	Source        string `json:"source"`
	CorrelationID string `json:"correlationId"`
}

// ImportDiscovered pulls APIs from the discovery source and upserts them
// into the inventory. The upserts and their audit entry commit together.
func (o *Orchestrator) ImportDiscovered(ctx context.Context, c Caller, f discovery.Filter) (*ImportResult, error) {
	c, err := c.normalize()
	if err != nil {
		return nil, err
	}
	if o.discovery == nil {
		return nil, fmt.Errorf("%w: no discovery source", ErrUnsupported)
	}
	if err := f.Validate(); err != nil {
		return nil, &migration.ValidationError{Field: "filter", Message: err.Error()}
	}
	apis, err := o.discovery.ListDiscoveredAPIs(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("discover apis from %s: %w", o.discovery.Name(), err)
	}

	out := &ImportResult{Source: o.discovery.Name(), CorrelationID: c.CorrelationID}
	err = o.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res, err := o.inventory.WithTx(tx).Import(ctx, apis)
		if err != nil {
			return err
		}
		out.ImportResult = res
		return o.audit.WithTx(tx).Record(ctx, &audit.Entry{
			CorrelationID: c.CorrelationID,
			Actor:         c.Actor,
			ActorTeam:     c.Team,
			Action:        audit.ActionInventorySync,
			Resource:      inventoryResource,
			Success:       true,
			Details: datastore.JSONAny{
				"source":  out.Source,
				"created": res.Created,
				"updated": res.Updated,
			},
		})
	})
	if err != nil {
		return nil, err
	}
	o.logger.Info("inventory imported", "source", out.Source, "created", out.Created, "updated", out.Updated)
	return out, nil
}

// ListAPIs returns a page of the inventory.
func (o *Orchestrator) ListAPIs(ctx context.Context, f inventory.ListFilter, pageSize int, pageToken string) ([]inventory.APIRecord, string, error) {
	return o.inventory.List(ctx, f, pageSize, pageToken)
}

// Status is everything known about one API's migration.
type Status struct {
	API       *inventory.APIRecord     `json:"api"`
	Migration *migration.Record        `json:"migration,omitempty"`
	Status    string                   `json:"status"`
	Events    []migration.Event        `json:"events,omitempty"`
	Approvals *migration.ApprovalState `json:"approvals,omitempty"`
	Lock      *lock.Lease              `json:"lock,omitempty"`
	Attempts  int                      `json:"attempts"`
}

// GetStatus reports an API's current migration without taking its lock.
func (o *Orchestrator) GetStatus(ctx context.Context, apiID string) (*Status, error) {
	api, err := o.inventory.Get(ctx, apiID)
	if err != nil {
		return nil, err
	}
	st := &Status{API: api}
	rec, err := o.machine.Current(ctx, apiID)
	switch {
	case errors.Is(err, migration.ErrNotFound):
		st.Status = "NOT_STARTED"
	case err != nil:
		return nil, err
	default:
		st.Migration = rec
		st.Status = rec.Status().String()
		st.Events = migration.Events(rec.Status(), rec.Phases)
		st.Attempts = rec.Attempt
		if rec.RequiredApprovals > 0 && rec.Stage.Shifting() {
			if st.Approvals, err = o.machine.Approvals(ctx, rec); err != nil {
				return nil, err
			}
		}
	}
	if st.Lock, err = o.locks.Get(ctx, lock.KeyForAPI(apiID)); err != nil {
		return nil, err
	}
	return st, nil
}

// ListMigrations returns migration records.
func (o *Orchestrator) ListMigrations(ctx context.Context, f migration.ListFilter) ([]migration.Record, error) {
	return o.machine.List(ctx, f)
}

// MigrationStats counts the matching migration records per status.
func (o *Orchestrator) MigrationStats(ctx context.Context, f migration.ListFilter) (*migration.Stats, error) {
	return o.machine.Stats(ctx, f)
}

// ShiftingAPIs returns the APIs whose migrations are mirroring or in a
// canary phase, i.e. the ones periodic evaluation should advance.
func (o *Orchestrator) ShiftingAPIs(ctx context.Context) ([]string, error) {
	return o.machine.ListShifting(ctx)
}

// History returns the status changes recorded for an API across all of its
// attempts, and fails if they do not walk the migration graph.
func (o *Orchestrator) History(ctx context.Context, apiID string) ([]audit.Entry, error) {
	entries, err := o.machine.History(ctx, apiID)
	if err != nil {
		return nil, err
	}
	if err := migration.ValidHistory(entries); err != nil {
		return entries, err
	}
	return entries, nil
}

// ListLocks returns every live lease.
func (o *Orchestrator) ListLocks(ctx context.Context) ([]lock.Lease, error) {
	return o.locks.List(ctx)
}

// UnlockResult is the outcome of ForceUnlock.
type UnlockResult struct {
	Displaced     *lock.Lease `json:"displaced,omitempty"`
	CorrelationID string      `json:"correlationId"`
}

// ForceUnlock clears an API's lock whoever holds it. Only administrators
// may call it; the reset and its audit entry commit together.
func (o *Orchestrator) ForceUnlock(ctx context.Context, c Caller, apiID string) (*UnlockResult, error) {
	c, err := c.normalize()
	if err != nil {
		return nil, err
	}
	if !c.Admin {
		return nil, ErrForbidden
	}
	key := lock.KeyForAPI(apiID)
	out := &UnlockResult{CorrelationID: c.CorrelationID}
	err = o.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		displaced, err := o.locks.WithTx(tx).ForceRelease(ctx, key, c.Actor)
		if err != nil {
			return err
		}
		out.Displaced = displaced
		details := datastore.JSONAny{"key": key, "displacedHolder": ""}
		if displaced != nil {
			details["displacedHolder"] = displaced.Holder
			details["displacedToken"] = displaced.Token
			details["displacedAcquiredAt"] = displaced.AcquiredAt
		}
		return o.audit.WithTx(tx).Record(ctx, &audit.Entry{
			CorrelationID: c.CorrelationID,
			Actor:         c.Actor,
			ActorTeam:     c.Team,
			Action:        audit.ActionForceRelease,
			Resource:      migration.Resource(apiID),
			Success:       true,
			Details:       details,
		})
	})
	if err != nil {
		return nil, fmt.Errorf("%w: force unlock %s: %w", migration.ErrPersistence, apiID, err)
	}
	return out, nil
}

// GetAuditTrail returns the matching audit entries as a lazy sequence.
func (o *Orchestrator) GetAuditTrail(ctx context.Context, f audit.Filter) iter.Seq2[audit.Entry, error] {
	return o.audit.Query(ctx, f)
}

// AuditPage returns one page of matching audit entries.
func (o *Orchestrator) AuditPage(ctx context.Context, f audit.Filter, pageToken string) ([]audit.Entry, string, error) {
	return o.audit.Page(ctx, f, pageToken)
}

// ExportAuditTrail copies the matching entries into the archive sink.
// Administrators only.
func (o *Orchestrator) ExportAuditTrail(ctx context.Context, c Caller, f audit.Filter) (*audit.ExportResult, error) {
	c, err := c.normalize()
	if err != nil {
		return nil, err
	}
	if !c.Admin {
		return nil, ErrForbidden
	}
	if o.exporter == nil {
		return nil, fmt.Errorf("%w: no audit archive", ErrUnsupported)
	}
	res, err := o.exporter.Export(ctx, f)
	if err != nil {
		return nil, err
	}
	entry := &audit.Entry{
		CorrelationID: c.CorrelationID,
		Actor:         c.Actor,
		ActorTeam:     c.Team,
		Action:        audit.ActionArchiveExport,
		Resource:      "audit",
		Success:       true,
		Details:       datastore.JSONAny{"sink": res.Sink, "key": res.Key, "count": res.Count},
	}
	// An export nobody can trace is not reported as a success. The object
	// stays in the sink and the error names it.
	if err := o.audit.Record(ctx, entry); err != nil {
		observability.RecordAuditWriteFailure()
		o.logger.Error("record audit export", "key", res.Key, "error", err)
		return nil, fmt.Errorf("%w: export %s written but not audited: %w", migration.ErrPersistence, res.Key, err)
	}
	return &res, nil
}
