package migration

import (
	"fmt"
	"strconv"
	"strings"
)

// Stage is the closed set of migration stages. A canary stage is further
// qualified by its traffic percentage in Status.
type Stage string

const (
	StageDiscovered     Stage = "DISCOVERED"
	StagePlanned        Stage = "PLANNED"
	StageValidated      Stage = "VALIDATED"
	StageDeployedMirror Stage = "DEPLOYED_MIRROR"
	StageCanary         Stage = "CANARY"
	StageCompleted      Stage = "COMPLETED"
	StageRolledBack     Stage = "ROLLED_BACK"
	StageDecommissioned Stage = "DECOMMISSIONED"
	StageFailed         Stage = "FAILED"
)

var stages = []Stage{
	StageDiscovered, StagePlanned, StageValidated, StageDeployedMirror, StageCanary,
	StageCompleted, StageRolledBack, StageDecommissioned, StageFailed,
}

// Terminal reports whether no further transition leaves the stage.
func (s Stage) Terminal() bool {
	switch s {
	case StageCompleted, StageRolledBack, StageDecommissioned, StageFailed:
		return true
	}
	return false
}

// Shifting reports whether the stage carries live traffic decisions.
func (s Stage) Shifting() bool {
	return s == StageDeployedMirror || s == StageCanary
}

// Status is a stage plus the traffic percentage on the new gateway.
type Status struct {
	Stage   Stage `json:"stage"`
	Percent int   `json:"percent"`
}

// String renders the status as stored in audit entries, e.g. CANARY_25.
func (s Status) String() string {
	if s.Stage == StageCanary {
		return fmt.Sprintf("%s_%d", StageCanary, s.Percent)
	}
	return string(s.Stage)
}

// Terminal reports whether the status is terminal.
func (s Status) Terminal() bool { return s.Stage.Terminal() }

// ParseStatus is the inverse of Status.String. Percentages of non-canary
// stages are not encoded in the string and come back as zero, except
// COMPLETED which is always 100.
func ParseStatus(v string) (Status, error) {
	v = strings.ToUpper(strings.TrimSpace(v))
	if pct, ok := strings.CutPrefix(v, string(StageCanary)+"_"); ok {
		n, err := strconv.Atoi(pct)
		if err != nil || n <= 0 || n > 100 {
			return Status{}, fmt.Errorf("invalid canary status %q", v)
		}
		return Status{Stage: StageCanary, Percent: n}, nil
	}
	for _, s := range stages {
		if s != StageCanary && string(s) == v {
			if s == StageCompleted {
				return Status{Stage: s, Percent: 100}, nil
			}
			return Status{Stage: s}, nil
		}
	}
	return Status{}, fmt.Errorf("unknown migration status %q", v)
}
