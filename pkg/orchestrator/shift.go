package orchestrator

import (
	"context"
	"errors"

	"github.com/gatewayshift/orchestrator/pkg/gateway"
	"github.com/gatewayshift/orchestrator/pkg/lock"
	"github.com/gatewayshift/orchestrator/pkg/migration"
	"github.com/gatewayshift/orchestrator/pkg/rollback"
	"github.com/gatewayshift/orchestrator/pkg/traffic"
)

// AdvanceResult is the outcome of Advance.
type AdvanceResult struct {
	traffic.Outcome
	Status        string `json:"status"`
	CorrelationID string `json:"correlationId"`
	Failed        string `json:"failed,omitempty"`
}

// Advance evaluates the API's live metrics and moves it to its next canary
// phase, holds it, or rolls it back. The record is read before the lock is
// taken, so a caller that loses a race to another advance is told
// "already-advanced".
func (o *Orchestrator) Advance(ctx context.Context, c Caller, apiID string) (*AdvanceResult, error) {
	c, _, err := o.authorize(ctx, c, apiID)
	if err != nil {
		return nil, err
	}
	observed, err := o.machine.Current(ctx, apiID)
	if err != nil {
		return nil, err
	}

	var out *AdvanceResult
	err = o.withLease(ctx, c, apiID, "advance", func(lease *lock.Lease) error {
		outcome, err := o.controller.EvaluateHeld(ctx, lease, observed, c.actor())
		if err != nil {
			var execErr *rollback.ExecutionError
			if errors.As(err, &execErr) {
				return err
			}
			if !gateway.IsUnrecoverable(err) {
				o.auditRejected(ctx, c, apiID, migration.EventAdvance, err)
				return err
			}
			rec, gerr := o.machine.Get(ctx, observed.ID)
			if gerr != nil {
				return err
			}
			res, ferr := o.failOn(ctx, c, lease, rec, "set traffic weight", err)
			if ferr != nil {
				return ferr
			}
			out = &AdvanceResult{
				Outcome:       traffic.Outcome{Kind: traffic.Held, Percent: res.Record.TrafficPercent, Reason: res.Failed, Record: res.Record},
				Status:        res.Status,
				CorrelationID: c.CorrelationID,
				Failed:        res.Failed,
			}
			return nil
		}
		out = &AdvanceResult{Outcome: outcome, Status: outcome.Record.Status().String(), CorrelationID: c.CorrelationID}
		return nil
	})
	return out, err
}

// Approve grants the caller's approval for the API's next advance. Each
// phase needs its own approvals.
func (o *Orchestrator) Approve(ctx context.Context, c Caller, apiID, comment string) (*migration.ApprovalState, error) {
	c, _, err := o.authorize(ctx, c, apiID)
	if err != nil {
		return nil, err
	}
	var out *migration.ApprovalState
	err = o.withLease(ctx, c, apiID, "approve", func(lease *lock.Lease) error {
		rec, err := o.machine.Current(ctx, apiID)
		if err != nil {
			return err
		}
		out, err = o.machine.Approve(ctx, rec.ID, lease, c.actor(), comment)
		if err != nil {
			o.auditRejected(ctx, c, apiID, migration.EventAdvance, err)
		}
		return err
	})
	return out, err
}

// RollbackResult is the outcome of Rollback.
type RollbackResult struct {
	Kind          rollback.Kind     `json:"kind"`
	Record        *migration.Record `json:"record"`
	Status        string            `json:"status"`
	Displaced     *lock.Lease       `json:"displaced,omitempty"`
	CorrelationID string            `json:"correlationId"`
}

// Rollback returns all of the API's traffic to the legacy gateway. It
// preempts whoever holds the API's lock. Rolling back a migration that is
// already terminal returns rollback.AlreadyTerminal and writes nothing.
func (o *Orchestrator) Rollback(ctx context.Context, c Caller, apiID, reason string) (*RollbackResult, error) {
	c, _, err := o.authorize(ctx, c, apiID)
	if err != nil {
		return nil, err
	}
	if reason == "" {
		reason = "manual rollback"
	}
	res, err := o.rollback.Rollback(ctx, rollback.Request{APIID: apiID, Reason: reason, Actor: c.actor()})
	if err != nil {
		o.auditRejected(ctx, c, apiID, migration.EventRollback, err)
		return nil, err
	}
	return &RollbackResult{
		Kind:          res.Kind,
		Record:        res.Record,
		Status:        res.Record.Status().String(),
		Displaced:     res.Displaced,
		CorrelationID: c.CorrelationID,
	}, nil
}
