// Package orchestrator is the single entry point external callers (the HTTP
// surface, the CLI and the scheduler) use to drive API migrations. Every
// mutating operation runs under the API's lock and ends in exactly one
// audited transition or a typed refusal.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/gatewayshift/orchestrator/pkg/audit"
	"github.com/gatewayshift/orchestrator/pkg/discovery"
	"github.com/gatewayshift/orchestrator/pkg/gateway"
	"github.com/gatewayshift/orchestrator/pkg/inventory"
	"github.com/gatewayshift/orchestrator/pkg/lock"
	"github.com/gatewayshift/orchestrator/pkg/metrics"
	"github.com/gatewayshift/orchestrator/pkg/migration"
	"github.com/gatewayshift/orchestrator/pkg/observability"
	"github.com/gatewayshift/orchestrator/pkg/policy"
	"github.com/gatewayshift/orchestrator/pkg/rollback"
	"github.com/gatewayshift/orchestrator/pkg/traffic"
)

var (
	// ErrForbidden is returned when an operation needs an administrator.
	ErrForbidden = errors.New("operation requires an administrator")
	// ErrNotOwner is returned when the caller's team does not own the API.
	ErrNotOwner = errors.New("caller's team does not own this api")
	// ErrUnsupported is returned when an optional collaborator is not configured.
	ErrUnsupported = errors.New("operation not configured")
)

// Caller identifies who invokes an operation.
type Caller struct {
	Actor         string
	Team          string
	CorrelationID string
	Admin         bool
}

func (c Caller) normalize() (Caller, error) {
	if c.Actor == "" {
		return c, &migration.ValidationError{Field: "actor", Message: "required"}
	}
	if c.CorrelationID == "" {
		c.CorrelationID = uuid.NewString()
	}
	return c, nil
}

func (c Caller) actor() migration.Actor {
	return migration.Actor{Name: c.Actor, Team: c.Team, CorrelationID: c.CorrelationID}
}

// Config tunes lock handling for every operation.
type Config struct {
	LeaseTTL time.Duration `mapstructure:"leaseTTL" validate:"gt=0"`
	LockWait time.Duration `mapstructure:"lockWait" validate:"gte=0"`
}

// DefaultConfig returns the defaults used by the server.
func DefaultConfig() Config {
	return Config{LeaseTTL: 30 * time.Second, LockWait: 2 * time.Second}
}

// Deps are the collaborators an Orchestrator is built from. Discovery and
// Archive are optional; the operations that need them return
// ErrUnsupported without them.
type Deps struct {
	DB         *gorm.DB
	Policies   *policy.Set
	Translator gateway.Translator
	DataPlane  gateway.DataPlane
	Metrics    metrics.Source
	Discovery  discovery.Source
	Archive    audit.Sink
	Alerter    rollback.Alerter
}

// Orchestrator combines the lock manager, the state machine, the traffic
// controller and the rollback manager behind one API.
type Orchestrator struct {
	db         *gorm.DB
	inventory  *inventory.Store
	locks      *lock.Manager
	audit      *audit.Store
	machine    *migration.Machine
	controller *traffic.Controller
	rollback   *rollback.Manager
	policies   *policy.Set
	translator gateway.Translator
	dataplane  gateway.DataPlane
	discovery  discovery.Source
	exporter   *audit.Exporter
	cfg        Config
	now        func() time.Time
	logger     *slog.Logger
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithClock overrides the time source of every component.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// WithLogger sets the logger of every component.
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// WithConfig replaces DefaultConfig.
func WithConfig(cfg Config) Option {
	return func(o *Orchestrator) { o.cfg = cfg }
}

// New wires an Orchestrator from deps.
func New(deps Deps, opts ...Option) (*Orchestrator, error) {
	switch {
	case deps.DB == nil:
		return nil, fmt.Errorf("orchestrator: database is required")
	case deps.Translator == nil:
		return nil, fmt.Errorf("orchestrator: translator is required")
	case deps.DataPlane == nil:
		return nil, fmt.Errorf("orchestrator: data plane is required")
	case deps.Metrics == nil:
		return nil, fmt.Errorf("orchestrator: metrics source is required")
	}
	o := &Orchestrator{
		db:         deps.DB,
		policies:   deps.Policies,
		translator: deps.Translator,
		dataplane:  deps.DataPlane,
		discovery:  deps.Discovery,
		cfg:        DefaultConfig(),
		now:        time.Now,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.policies == nil {
		o.policies = policy.MustDefaultSet()
	}

	o.inventory = inventory.NewStore(deps.DB)
	o.locks = lock.NewManager(deps.DB, lock.WithClock(o.now), lock.WithLogger(o.logger))
	o.audit = audit.NewStore(deps.DB, audit.WithClock(o.now))
	o.machine = migration.NewMachine(deps.DB, o.locks, o.audit, migration.WithClock(o.now), migration.WithLogger(o.logger))

	rbOpts := []rollback.Option{rollback.WithLeaseTTL(o.cfg.LeaseTTL), rollback.WithLogger(o.logger)}
	if deps.Alerter != nil {
		rbOpts = append(rbOpts, rollback.WithAlerter(deps.Alerter))
	}
	o.rollback = rollback.NewManager(o.machine, o.locks, deps.DataPlane, rbOpts...)
	o.controller = traffic.NewController(o.machine, o.locks, o.rollback, deps.Metrics, o.policies, deps.DataPlane,
		traffic.WithClock(o.now), traffic.WithLogger(o.logger),
		traffic.WithConfig(traffic.Config{LeaseTTL: o.cfg.LeaseTTL, LockWait: o.cfg.LockWait}))
	if deps.Archive != nil {
		o.exporter = audit.NewExporter(o.audit, deps.Archive, o.logger)
	}
	return o, nil
}

// AutoMigrate creates every table the engine uses.
func (o *Orchestrator) AutoMigrate() error {
	steps := []struct {
		name string
		fn   func() error
	}{
		{"inventory", o.inventory.AutoMigrate},
		{"locks", o.locks.AutoMigrate},
		{"audit", o.audit.AutoMigrate},
		{"migrations", o.machine.AutoMigrate},
	}
	for _, s := range steps {
		if err := s.fn(); err != nil {
			return fmt.Errorf("auto-migrate %s: %w", s.name, err)
		}
	}
	return nil
}

// Audit exposes the audit store for read-only consumers.
func (o *Orchestrator) Audit() *audit.Store { return o.audit }

// Machine exposes the state machine for read-only consumers.
func (o *Orchestrator) Machine() *migration.Machine { return o.machine }

// Exporter returns the audit exporter, or nil when no archive is configured.
func (o *Orchestrator) Exporter() *audit.Exporter { return o.exporter }

// Result is the outcome of a lifecycle operation.
type Result struct {
	Record        *migration.Record `json:"record"`
	Status        string            `json:"status"`
	CorrelationID string            `json:"correlationId"`
	// Held is set when the operation was not applied yet, e.g. a complete
	// before the final phase has been monitored long enough.
	Held string `json:"held,omitempty"`
	// Failed is set when an unrecoverable collaborator error moved the
	// migration to FAILED.
	Failed string `json:"failed,omitempty"`
}

func result(c Caller, rec *migration.Record) *Result {
	return &Result{Record: rec, Status: rec.Status().String(), CorrelationID: c.CorrelationID}
}

// authorize normalizes the caller and checks it may migrate apiID.
func (o *Orchestrator) authorize(ctx context.Context, c Caller, apiID string) (Caller, *inventory.APIRecord, error) {
	c, err := c.normalize()
	if err != nil {
		return c, nil, err
	}
	api, err := o.inventory.Get(ctx, apiID)
	if err != nil {
		return c, nil, err
	}
	if !c.Admin && !api.CanMigrate(c.Team) {
		return c, nil, fmt.Errorf("%w: %s is owned by %s", ErrNotOwner, apiID, api.Team)
	}
	return c, api, nil
}

// withLease runs fn while holding the API's lock. A busy lock is returned
// as *lock.BusyError once the configured wait has passed.
func (o *Orchestrator) withLease(ctx context.Context, c Caller, apiID, op string, fn func(*lock.Lease) error) error {
	lease, err := o.locks.AcquireWait(ctx, lock.KeyForAPI(apiID), c.Actor, o.cfg.LeaseTTL, o.cfg.LockWait)
	if err != nil {
		var busy *lock.BusyError
		if errors.As(err, &busy) {
			observability.RecordLockConflict(op)
		}
		return err
	}
	defer func() {
		if err := o.locks.Release(context.WithoutCancel(ctx), lease); err != nil && !errors.Is(err, lock.ErrNotHolder) {
			o.logger.Warn("release lease", "api", apiID, "op", op, "error", err)
		}
	}()
	return fn(lease)
}

// precheck refuses an event the record's status has no edge for before any
// collaborator is called.
func (o *Orchestrator) precheck(ctx context.Context, c Caller, rec *migration.Record, ev migration.Event) error {
	if _, err := migration.Resolve(rec.Status(), ev, rec.Phases, 0); err != nil {
		o.auditRejected(ctx, c, rec.APIID, ev, err)
		return err
	}
	return nil
}

type step struct {
	event   migration.Event
	reason  string
	config  *migration.Config
	details map[string]any
}

func (o *Orchestrator) transition(ctx context.Context, c Caller, lease *lock.Lease, rec *migration.Record, s step) (*migration.Record, error) {
	next, err := o.machine.Transition(ctx, migration.Request{
		RecordID:        rec.ID,
		ExpectedVersion: rec.Version,
		Event:           s.event,
		Lease:           lease,
		Actor:           c.actor(),
		Reason:          s.reason,
		Details:         s.details,
		Config:          s.config,
	})
	if err != nil {
		o.auditRejected(ctx, c, rec.APIID, s.event, err)
		return nil, err
	}
	return next, nil
}

// failOn moves rec to FAILED when cause is unrecoverable. Transient causes
// leave the record untouched and are returned.
func (o *Orchestrator) failOn(ctx context.Context, c Caller, lease *lock.Lease, rec *migration.Record, stage string, cause error) (*Result, error) {
	if !gateway.IsUnrecoverable(cause) {
		return nil, fmt.Errorf("%s for %s: %w", stage, rec.APIID, cause)
	}
	reason := fmt.Sprintf("%s: %v", stage, cause)
	failed, err := o.transition(ctx, c, lease, rec, step{
		event:   migration.EventFail,
		reason:  reason,
		details: map[string]any{"failedStep": stage},
	})
	if err != nil {
		return nil, err
	}
	o.logger.Error("migration failed", "api", rec.APIID, "step", stage, "error", cause, "correlationId", c.CorrelationID)
	res := result(c, failed)
	res.Failed = reason
	return res, nil
}

// auditRejected records a refused transition. The write is best effort: it
// never changes the outcome returned to the caller.
func (o *Orchestrator) auditRejected(ctx context.Context, c Caller, apiID string, ev migration.Event, err error) {
	var rej *migration.RejectedError
	if !errors.As(err, &rej) {
		return
	}
	entry := &audit.Entry{
		CorrelationID: c.CorrelationID,
		Actor:         c.Actor,
		ActorTeam:     c.Team,
		Action:        audit.ActionRejected,
		Resource:      migration.Resource(apiID),
		BeforeStatus:  rej.From.String(),
		AfterStatus:   rej.From.String(),
		Success:       false,
		ErrorMessage:  err.Error(),
		Details:       map[string]any{"event": string(ev), "reason": string(rej.Reason)},
	}
	if werr := o.audit.Record(context.WithoutCancel(ctx), entry); werr != nil {
		observability.RecordAuditWriteFailure()
		o.logger.Error("record rejected transition", "api", apiID, "event", ev, "error", werr)
	}
}
