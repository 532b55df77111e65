package discovery

import (
	"context"
	"fmt"
	"log/slog"

	mapset "github.com/deckarep/golang-set/v2"
	"gopkg.in/yaml.v3"

	"github.com/gatewayshift/orchestrator/pkg/inventory"
)

// Source lists the APIs a platform currently exposes.
type Source interface {
	ListDiscoveredAPIs(ctx context.Context, f Filter) ([]inventory.APIRecord, error)
	Name() string
}

// Document is the YAML inventory format read by file and git sources:
//
//	platform: apic
//	apis:
//	  - name: orders-api
//	    basePath: /orders
//	    team: orders
type Document struct {
	Platform string                `yaml:"platform"`
	APIs     []inventory.APIRecord `yaml:"apis"`
}

// ParseDocument decodes one inventory document. APIs without a platform
// inherit the document's.
func ParseDocument(data []byte) ([]inventory.APIRecord, error) {
	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse inventory document: %w", err)
	}
	for i := range doc.APIs {
		if doc.APIs[i].Platform == "" {
			doc.APIs[i].Platform = doc.Platform
		}
		if doc.APIs[i].Name == "" || doc.APIs[i].Platform == "" {
			return nil, fmt.Errorf("parse inventory document: api %d needs a name and platform", i)
		}
		doc.APIs[i].ID = inventory.Key(doc.APIs[i].Platform, doc.APIs[i].Name)
	}
	return doc.APIs, nil
}

// Multi merges several sources. The first source to report an API wins.
type Multi struct {
	Sources []Source
	Logger  *slog.Logger
}

// Name implements Source.
func (m *Multi) Name() string { return "multi" }

// ListDiscoveredAPIs implements Source. A failing source aborts the listing
// so that a partial inventory is never imported as complete.
func (m *Multi) ListDiscoveredAPIs(ctx context.Context, f Filter) ([]inventory.APIRecord, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	logger := m.Logger
	if logger == nil {
		logger = slog.Default()
	}
	seen := mapset.NewThreadUnsafeSet[string]()
	var out []inventory.APIRecord
	for _, src := range m.Sources {
		records, err := src.ListDiscoveredAPIs(ctx, f)
		if err != nil {
			return nil, fmt.Errorf("discover from %s: %w", src.Name(), err)
		}
		for _, r := range records {
			key := inventory.Key(r.Platform, r.Name)
			if !seen.Add(key) {
				logger.Debug("duplicate api ignored", "api", key, "source", src.Name())
				continue
			}
			out = append(out, r)
		}
		logger.Info("discovered apis", "source", src.Name(), "count", len(records))
	}
	return out, nil
}
