package migration

import (
	"cmp"
	"context"
	"fmt"
	"slices"
)

// StatusCount is the number of records sitting in one status.
type StatusCount struct {
	Status  string `json:"status"`
	Stage   Stage  `json:"stage"`
	Percent int    `json:"percent,omitempty"`
	Count   int64  `json:"count"`
}

// Stats summarizes the records matching a ListFilter.
type Stats struct {
	Total    int64         `json:"total"`
	Active   int64         `json:"active"`
	ByStatus []StatusCount `json:"byStatus"`
}

// Stats counts records per status in lifecycle order. Only canary stages
// are split by percentage.
func (m *Machine) Stats(ctx context.Context, f ListFilter) (*Stats, error) {
	var rows []struct {
		Stage          Stage
		TrafficPercent int
		N              int64
	}
	err := f.apply(m.db.WithContext(ctx).Model(&Record{})).
		Select("stage, traffic_percent, COUNT(*) AS n").
		Group("stage").Group("traffic_percent").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("count migrations: %w", err)
	}

	out := &Stats{ByStatus: []StatusCount{}}
	for _, r := range rows {
		st := Status{Stage: r.Stage}
		if r.Stage == StageCanary {
			st.Percent = r.TrafficPercent
		}
		out.Total += r.N
		if !r.Stage.Terminal() {
			out.Active += r.N
		}
		i := slices.IndexFunc(out.ByStatus, func(c StatusCount) bool { return c.Stage == st.Stage && c.Percent == st.Percent })
		if i >= 0 {
			out.ByStatus[i].Count += r.N
			continue
		}
		out.ByStatus = append(out.ByStatus, StatusCount{Status: st.String(), Stage: st.Stage, Percent: st.Percent, Count: r.N})
	}
	slices.SortFunc(out.ByStatus, func(a, b StatusCount) int {
		if c := cmp.Compare(slices.Index(stages, a.Stage), slices.Index(stages, b.Stage)); c != 0 {
			return c
		}
		return cmp.Compare(a.Percent, b.Percent)
	})
	return out, nil
}
