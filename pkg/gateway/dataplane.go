package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// DataPlane routes live traffic for an API between the legacy gateway and
// the target gateway.
type DataPlane interface {
	// DeployMirror installs the artifact on the target gateway and starts
	// mirroring traffic to it without serving responses from it.
	DeployMirror(ctx context.Context, apiID string, a *Artifact) error
	// SetWeight sends percent of live traffic to the target gateway.
	SetWeight(ctx context.Context, apiID string, percent int) error
}

// Route is the data plane state of one API held by MemoryDataPlane.
type Route struct {
	Checksum string `json:"checksum"`
	Mirrored bool   `json:"mirrored"`
	Percent  int    `json:"percent"`
}

// MemoryDataPlane is a DataPlane that records routing state in memory and
// logs every change. It is used in development and tests.
type MemoryDataPlane struct {
	mu     sync.Mutex
	routes map[string]Route
	logger *slog.Logger
}

// NewMemoryDataPlane creates a MemoryDataPlane.
func NewMemoryDataPlane(logger *slog.Logger) *MemoryDataPlane {
	if logger == nil {
		logger = slog.Default()
	}
	return &MemoryDataPlane{routes: map[string]Route{}, logger: logger}
}

// DeployMirror implements DataPlane.
func (d *MemoryDataPlane) DeployMirror(_ context.Context, apiID string, a *Artifact) error {
	if a == nil {
		return Unrecoverable(fmt.Errorf("deploy mirror for %s: no artifact", apiID))
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	r := d.routes[apiID]
	r.Checksum = a.Checksum
	r.Mirrored = true
	d.routes[apiID] = r
	d.logger.Info("mirror deployed", "api", apiID, "checksum", a.Checksum)
	return nil
}

// SetWeight implements DataPlane.
func (d *MemoryDataPlane) SetWeight(_ context.Context, apiID string, percent int) error {
	if percent < 0 || percent > 100 {
		return Unrecoverable(fmt.Errorf("set weight for %s: percent %d out of range", apiID, percent))
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	r := d.routes[apiID]
	prev := r.Percent
	r.Percent = percent
	d.routes[apiID] = r
	d.logger.Info("traffic weight set", "api", apiID, "from", prev, "to", percent)
	return nil
}

// Route returns the current state for apiID.
func (d *MemoryDataPlane) Route(apiID string) (Route, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	r, ok := d.routes[apiID]
	return r, ok
}
