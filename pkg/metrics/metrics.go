// Package metrics defines the comparison-metrics contract the traffic
// controller consumes and the sources that satisfy it.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrUnavailable means the source could not produce a trustworthy
// comparison for the requested window. Callers must treat it as missing
// data, never as a pass.
var ErrUnavailable = errors.New("comparison metrics unavailable")

// Sample summarises one backend over a window.
type Sample struct {
	ErrorRate    float64 `json:"errorRate"`
	P95LatencyMs float64 `json:"p95LatencyMs"`
	RequestCount int64   `json:"requestCount"`
}

// Errors estimates the absolute number of failed requests in the sample.
func (s Sample) Errors() int64 {
	return int64(s.ErrorRate*float64(s.RequestCount) + 0.5)
}

// Comparison pairs the legacy gateway (baseline) with the new gateway
// (candidate) over the same window.
type Comparison struct {
	Baseline    Sample    `json:"baseline"`
	Candidate   Sample    `json:"candidate"`
	WindowStart time.Time `json:"windowStart"`
	WindowEnd   time.Time `json:"windowEnd"`
}

// Source returns comparison metrics for an API.
type Source interface {
	ComparisonMetrics(ctx context.Context, apiID string, start, end time.Time) (*Comparison, error)
}

// StaticSource serves fixed comparisons, for development and tests.
type StaticSource struct {
	mu   sync.RWMutex
	data map[string]Comparison
}

// NewStaticSource creates an empty StaticSource.
func NewStaticSource() *StaticSource {
	return &StaticSource{data: make(map[string]Comparison)}
}

// Set stores the comparison returned for apiID.
func (s *StaticSource) Set(apiID string, c Comparison) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[apiID] = c
}

// Delete forgets apiID so that it reports ErrUnavailable.
func (s *StaticSource) Delete(apiID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, apiID)
}

// ComparisonMetrics implements Source.
func (s *StaticSource) ComparisonMetrics(_ context.Context, apiID string, start, end time.Time) (*Comparison, error) {
	s.mu.RLock()
	c, ok := s.data[apiID]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: no data for %s", ErrUnavailable, apiID)
	}
	c.WindowStart, c.WindowEnd = start, end
	return &c, nil
}
