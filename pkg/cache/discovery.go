// Package cache keeps recent discovery listings in memory so that several
// filtered imports in a row read a source once.
package cache

import (
	"context"
	"log/slog"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"

	"github.com/gatewayshift/orchestrator/pkg/discovery"
	"github.com/gatewayshift/orchestrator/pkg/inventory"
)

// Discovery caches the full, unfiltered listing of each wrapped source for
// Config.TTL. Filters are applied to the cached listing, so every filter
// shares one read. Concurrent misses for the same source share one read too.
type Discovery struct {
	listings *expirable.LRU[string, []inventory.APIRecord]
	group    singleflight.Group
	logger   *slog.Logger
}

// NewDiscovery creates a Discovery cache from cfg. Zero values fall back to
// DefaultConfig.
func NewDiscovery(cfg Config, logger *slog.Logger) *Discovery {
	def := DefaultConfig()
	if cfg.TTL <= 0 {
		cfg.TTL = def.TTL
	}
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = def.MaxSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Discovery{
		listings: expirable.NewLRU[string, []inventory.APIRecord](cfg.MaxSize, nil, cfg.TTL),
		logger:   logger,
	}
}

// Wrap returns src with its listings served from the cache. Sources are
// keyed by Name, so two sources with the same name share an entry.
func (d *Discovery) Wrap(src discovery.Source) discovery.Source {
	return &cachedSource{cache: d, inner: src}
}

// Invalidate drops every cached listing.
func (d *Discovery) Invalidate() {
	d.listings.Purge()
}

// Len returns the number of cached listings.
func (d *Discovery) Len() int {
	return d.listings.Len()
}

func (d *Discovery) listing(ctx context.Context, src discovery.Source) ([]inventory.APIRecord, error) {
	key := src.Name()
	if records, ok := d.listings.Get(key); ok {
		d.logger.Debug("discovery cache hit", "source", key, "count", len(records))
		return records, nil
	}
	v, err, shared := d.group.Do(key, func() (any, error) {
		records, err := src.ListDiscoveredAPIs(ctx, discovery.Filter{})
		if err != nil {
			return nil, err
		}
		d.listings.Add(key, records)
		return records, nil
	})
	if err != nil {
		return nil, err
	}
	d.logger.Debug("discovery cache miss", "source", key, "shared", shared)
	return v.([]inventory.APIRecord), nil
}

type cachedSource struct {
	cache *Discovery
	inner discovery.Source
}

func (s *cachedSource) Name() string { return s.inner.Name() }

// ListDiscoveredAPIs implements discovery.Source. The returned slice is a
// fresh copy; callers may modify it.
func (s *cachedSource) ListDiscoveredAPIs(ctx context.Context, f discovery.Filter) ([]inventory.APIRecord, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	records, err := s.cache.listing(ctx, s.inner)
	if err != nil {
		return nil, err
	}
	return f.Apply(records), nil
}
