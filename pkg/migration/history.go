package migration

import (
	"context"
	"fmt"

	"github.com/gatewayshift/orchestrator/pkg/audit"
)

// History returns the status-changing audit entries for an API across all
// of its attempts, oldest first.
func (m *Machine) History(ctx context.Context, apiID string) ([]audit.Entry, error) {
	var out []audit.Entry
	for e, err := range m.audit.Query(ctx, audit.Filter{Resource: Resource(apiID)}) {
		if err != nil {
			return nil, fmt.Errorf("read history for %s: %w", apiID, err)
		}
		if e.StatusChange() {
			out = append(out, e)
		}
	}
	return out, nil
}

// ValidHistory checks that a persisted history only walks graph edges. Each
// attempt starts with a migration.open entry carrying its phase list and
// must be terminal before the next attempt opens.
func ValidHistory(entries []audit.Entry) error {
	var (
		current *Status
		phases  []int
	)
	for i, e := range entries {
		if !e.StatusChange() {
			continue
		}
		if e.Action == audit.ActionOpen {
			if current != nil && !current.Terminal() {
				return fmt.Errorf("entry %d: attempt opened while %s is still active", i, current)
			}
			if e.BeforeStatus != "" || e.AfterStatus != string(StageDiscovered) {
				return fmt.Errorf("entry %d: open must go from nothing to %s, got %q -> %q", i, StageDiscovered, e.BeforeStatus, e.AfterStatus)
			}
			p, err := phasesFrom(e.Details)
			if err != nil {
				return fmt.Errorf("entry %d: %w", i, err)
			}
			phases = p
			current = &Status{Stage: StageDiscovered}
			continue
		}

		if current == nil {
			return fmt.Errorf("entry %d: %s before any migration was opened", i, e.Action)
		}
		if e.BeforeStatus != current.String() {
			return fmt.Errorf("entry %d: before status %s does not follow %s", i, e.BeforeStatus, current)
		}
		to, err := ParseStatus(e.AfterStatus)
		if err != nil {
			return fmt.Errorf("entry %d: %w", i, err)
		}
		if !ValidEdge(*current, to, phases) {
			return fmt.Errorf("entry %d: %s -> %s is not an edge", i, current, to)
		}
		if to.Stage == StageFailed {
			// FAILED keeps the percent it failed at, which the string drops.
			to.Percent = current.Percent
		}
		current = &to
	}
	return nil
}

func phasesFrom(details map[string]any) ([]int, error) {
	switch v := details["phases"].(type) {
	case []int:
		return v, nil
	case []any:
		out := make([]int, 0, len(v))
		for _, p := range v {
			f, ok := p.(float64)
			if !ok {
				return nil, fmt.Errorf("phase %v is not a number", p)
			}
			out = append(out, int(f))
		}
		return out, nil
	}
	return nil, fmt.Errorf("open entry carries no phase list")
}
