package migration

import (
	"fmt"
	"slices"

	"github.com/gatewayshift/orchestrator/pkg/audit"
	"github.com/gatewayshift/orchestrator/pkg/policy"
)

// Event drives a transition.
type Event string

const (
	EventPlan         Event = "plan"
	EventValidate     Event = "validate"
	EventDeployMirror Event = "deploy_mirror"
	EventAdvance      Event = "advance"
	EventComplete     Event = "complete"
	EventRollback     Event = "rollback"
	EventFail         Event = "fail"
	EventDecommission Event = "decommission"
)

// AuditAction is the audit action recorded for an applied event.
func (e Event) AuditAction() string {
	switch e {
	case EventPlan:
		return audit.ActionPlan
	case EventValidate:
		return audit.ActionValidate
	case EventDeployMirror:
		return audit.ActionDeployMirror
	case EventAdvance:
		return audit.ActionAdvance
	case EventComplete:
		return audit.ActionComplete
	case EventRollback:
		return audit.ActionRollback
	case EventFail:
		return audit.ActionFail
	case EventDecommission:
		return audit.ActionDecommission
	}
	return "migration." + string(e)
}

// TransitionRule is one edge of the migration graph.
type TransitionRule struct {
	From             Stage
	Event            Event
	To               Stage
	RequiresApproval bool
}

// Transitions is the complete migration graph. Canary targets are resolved
// against a record's phase list by Resolve.
var Transitions = []TransitionRule{
	{From: StageDiscovered, Event: EventPlan, To: StagePlanned},
	{From: StagePlanned, Event: EventValidate, To: StageValidated},
	{From: StageValidated, Event: EventDeployMirror, To: StageDeployedMirror},
	{From: StageDeployedMirror, Event: EventAdvance, To: StageCanary, RequiresApproval: true},
	{From: StageCanary, Event: EventAdvance, To: StageCanary, RequiresApproval: true},
	{From: StageCanary, Event: EventComplete, To: StageCompleted},
	{From: StageDeployedMirror, Event: EventRollback, To: StageRolledBack},
	{From: StageCanary, Event: EventRollback, To: StageRolledBack},
	{From: StageDiscovered, Event: EventDecommission, To: StageDecommissioned},
	{From: StagePlanned, Event: EventDecommission, To: StageDecommissioned},
	{From: StageValidated, Event: EventDecommission, To: StageDecommissioned},
	{From: StageDiscovered, Event: EventFail, To: StageFailed},
	{From: StagePlanned, Event: EventFail, To: StageFailed},
	{From: StageValidated, Event: EventFail, To: StageFailed},
	{From: StageDeployedMirror, Event: EventFail, To: StageFailed},
	{From: StageCanary, Event: EventFail, To: StageFailed},
}

func rule(from Stage, ev Event) (TransitionRule, bool) {
	for _, r := range Transitions {
		if r.From == from && r.Event == ev {
			return r, true
		}
	}
	return TransitionRule{}, false
}

// Resolve computes the status reached from `from` by ev. target, when
// non-zero, is the percentage the caller expects an advance to reach.
func Resolve(from Status, ev Event, phases []int, target int) (Status, error) {
	r, ok := rule(from.Stage, ev)
	if !ok {
		return Status{}, &RejectedError{Reason: RejectInvalidEdge, From: from, Event: ev,
			Message: fmt.Sprintf("no %s edge from %s", ev, from)}
	}

	switch r.To {
	case StageCanary:
		current := 0
		if from.Stage == StageCanary {
			current = from.Percent
		}
		next, ok := policy.NextPhase(phases, current)
		if !ok {
			return Status{}, &RejectedError{Reason: RejectInvalidEdge, From: from, Event: ev,
				Message: "no further canary phase"}
		}
		if target != 0 && target != next {
			if !slices.Contains(phases, target) {
				return Status{}, &ValidationError{Field: "targetPercent",
					Message: fmt.Sprintf("%d is not a configured phase %v", target, phases)}
			}
			return Status{}, &RejectedError{Reason: RejectInvalidEdge, From: from, Event: ev,
				Message: fmt.Sprintf("next phase is %d, not %d", next, target)}
		}
		return Status{Stage: StageCanary, Percent: next}, nil
	case StageCompleted:
		if len(phases) == 0 || from.Percent != phases[len(phases)-1] {
			return Status{}, &RejectedError{Reason: RejectInvalidEdge, From: from, Event: ev,
				Message: "only the final canary phase can complete"}
		}
		return Status{Stage: StageCompleted, Percent: 100}, nil
	case StageRolledBack:
		return Status{Stage: StageRolledBack, Percent: 0}, nil
	case StageFailed:
		// Failing leaves traffic where it is; a rollback moves it.
		return Status{Stage: StageFailed, Percent: from.Percent}, nil
	default:
		return Status{Stage: r.To}, nil
	}
}

// RequiresApproval reports whether ev out of from passes the approval gate.
func RequiresApproval(from Stage, ev Event) bool {
	r, ok := rule(from, ev)
	return ok && r.RequiresApproval
}

// ValidEdge reports whether some event leads from `from` to `to`.
func ValidEdge(from, to Status, phases []int) bool {
	for _, r := range Transitions {
		if r.From != from.Stage {
			continue
		}
		got, err := Resolve(from, r.Event, phases, 0)
		if err == nil && got.String() == to.String() {
			return true
		}
	}
	return false
}

// Events lists the events accepted from a status.
func Events(from Status, phases []int) []Event {
	var out []Event
	for _, r := range Transitions {
		if r.From != from.Stage {
			continue
		}
		if _, err := Resolve(from, r.Event, phases, 0); err == nil {
			out = append(out, r.Event)
		}
	}
	return out
}
