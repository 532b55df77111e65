package orchestrator

import (
	"context"
	"errors"

	"github.com/gatewayshift/orchestrator/pkg/gateway"
	"github.com/gatewayshift/orchestrator/pkg/inventory"
	"github.com/gatewayshift/orchestrator/pkg/lock"
	"github.com/gatewayshift/orchestrator/pkg/migration"
	"github.com/gatewayshift/orchestrator/pkg/policy"
)

// current returns the API's active record, opening a new attempt when
// there is none or the latest one is terminal.
func (o *Orchestrator) current(ctx context.Context, c Caller, lease *lock.Lease, api *inventory.APIRecord) (*migration.Record, error) {
	rec, err := o.machine.Current(ctx, api.ID)
	switch {
	case errors.Is(err, migration.ErrNotFound):
	case err != nil:
		return nil, err
	case !rec.Terminal():
		return rec, nil
	}

	level := api.RiskLevel
	if level == "" {
		level = policy.RiskMedium
	}
	pol, err := o.policies.For(level)
	if err != nil {
		return nil, &migration.ValidationError{Field: "riskLevel", Message: err.Error()}
	}
	return o.machine.Open(ctx, migration.OpenRequest{
		APIID:     api.ID,
		RiskLevel: level,
		Policy:    pol,
		Lease:     lease,
		Actor:     c.actor(),
	})
}

// Plan generates the target gateway configuration for an API and moves its
// migration to PLANNED, opening a new attempt if needed.
func (o *Orchestrator) Plan(ctx context.Context, c Caller, apiID string) (*Result, error) {
	c, api, err := o.authorize(ctx, c, apiID)
	if err != nil {
		return nil, err
	}
	var out *Result
	err = o.withLease(ctx, c, apiID, "plan", func(lease *lock.Lease) error {
		rec, err := o.current(ctx, c, lease, api)
		if err != nil {
			return err
		}
		if err := o.precheck(ctx, c, rec, migration.EventPlan); err != nil {
			return err
		}
		artifact, err := o.translator.GenerateConfig(ctx, api)
		if err != nil {
			out, err = o.failOn(ctx, c, lease, rec, "generate config", err)
			return err
		}
		next, err := o.transition(ctx, c, lease, rec, step{
			event:  migration.EventPlan,
			reason: "configuration generated",
			config: &migration.Config{Artifact: artifact.Content, Checksum: artifact.Checksum},
		})
		if err != nil {
			return err
		}
		out = result(c, next)
		return nil
	})
	return out, err
}

// Validate checks the planned configuration and moves the migration to
// VALIDATED.
func (o *Orchestrator) Validate(ctx context.Context, c Caller, apiID string) (*Result, error) {
	c, _, err := o.authorize(ctx, c, apiID)
	if err != nil {
		return nil, err
	}
	var out *Result
	err = o.withLease(ctx, c, apiID, "validate", func(lease *lock.Lease) error {
		rec, err := o.machine.Current(ctx, apiID)
		if err != nil {
			return err
		}
		if err := o.precheck(ctx, c, rec, migration.EventValidate); err != nil {
			return err
		}
		artifact := &gateway.Artifact{Content: rec.ConfigArtifact, Checksum: rec.ConfigChecksum}
		if err := o.translator.ValidateConfig(ctx, artifact); err != nil {
			out, err = o.failOn(ctx, c, lease, rec, "validate config", err)
			return err
		}
		next, err := o.transition(ctx, c, lease, rec, step{event: migration.EventValidate, reason: "configuration valid"})
		if err != nil {
			return err
		}
		out = result(c, next)
		return nil
	})
	return out, err
}

// DeployMirror installs the validated configuration on the target gateway
// and starts mirroring traffic to it.
func (o *Orchestrator) DeployMirror(ctx context.Context, c Caller, apiID string) (*Result, error) {
	c, _, err := o.authorize(ctx, c, apiID)
	if err != nil {
		return nil, err
	}
	var out *Result
	err = o.withLease(ctx, c, apiID, "deploy_mirror", func(lease *lock.Lease) error {
		rec, err := o.machine.Current(ctx, apiID)
		if err != nil {
			return err
		}
		if err := o.precheck(ctx, c, rec, migration.EventDeployMirror); err != nil {
			return err
		}
		artifact := &gateway.Artifact{Content: rec.ConfigArtifact, Checksum: rec.ConfigChecksum}
		if err := o.dataplane.DeployMirror(ctx, apiID, artifact); err != nil {
			out, err = o.failOn(ctx, c, lease, rec, "deploy mirror", err)
			return err
		}
		next, err := o.transition(ctx, c, lease, rec, step{event: migration.EventDeployMirror, reason: "mirroring started"})
		if err != nil {
			return err
		}
		out = result(c, next)
		return nil
	})
	return out, err
}

// Complete finishes a migration whose final canary phase has been held for
// the policy's minimum duration. Before that it holds with "monitoring".
func (o *Orchestrator) Complete(ctx context.Context, c Caller, apiID string) (*Result, error) {
	c, _, err := o.authorize(ctx, c, apiID)
	if err != nil {
		return nil, err
	}
	var out *Result
	err = o.withLease(ctx, c, apiID, "complete", func(lease *lock.Lease) error {
		rec, err := o.machine.Current(ctx, apiID)
		if err != nil {
			return err
		}
		if err := o.precheck(ctx, c, rec, migration.EventComplete); err != nil {
			return err
		}
		pol, err := o.policies.For(rec.RiskLevel)
		if err != nil {
			return &migration.ValidationError{Field: "riskLevel", Message: err.Error()}
		}
		if o.now().Sub(rec.PhaseEnteredAt) < pol.MinPhaseDuration {
			out = result(c, rec)
			out.Held = policy.ReasonMonitoring
			return nil
		}
		next, err := o.transition(ctx, c, lease, rec, step{event: migration.EventComplete, reason: "final phase held"})
		if err != nil {
			return err
		}
		out = result(c, next)
		return nil
	})
	return out, err
}

// Fail marks a migration as failed by hand. Traffic stays where it is.
func (o *Orchestrator) Fail(ctx context.Context, c Caller, apiID, reason string) (*Result, error) {
	if reason == "" {
		return nil, &migration.ValidationError{Field: "reason", Message: "required"}
	}
	c, _, err := o.authorize(ctx, c, apiID)
	if err != nil {
		return nil, err
	}
	var out *Result
	err = o.withLease(ctx, c, apiID, "fail", func(lease *lock.Lease) error {
		rec, err := o.machine.Current(ctx, apiID)
		if err != nil {
			return err
		}
		next, err := o.transition(ctx, c, lease, rec, step{event: migration.EventFail, reason: reason})
		if err != nil {
			return err
		}
		out = result(c, next)
		return nil
	})
	return out, err
}

// Decommission retires an API that will not be migrated. An API with no
// migration yet gets one opened so the retirement is recorded.
func (o *Orchestrator) Decommission(ctx context.Context, c Caller, apiID, reason string) (*Result, error) {
	c, api, err := o.authorize(ctx, c, apiID)
	if err != nil {
		return nil, err
	}
	var out *Result
	err = o.withLease(ctx, c, apiID, "decommission", func(lease *lock.Lease) error {
		rec, err := o.current(ctx, c, lease, api)
		if err != nil {
			return err
		}
		next, err := o.transition(ctx, c, lease, rec, step{event: migration.EventDecommission, reason: reason})
		if err != nil {
			return err
		}
		out = result(c, next)
		return nil
	})
	return out, err
}
