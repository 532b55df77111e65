package discovery

import (
	"context"
	"fmt"

	"github.com/gatewayshift/orchestrator/pkg/inventory"
)

type readResult struct {
	Path    string
	Records []inventory.APIRecord
}

type fileError struct {
	Path string
	Err  error
}

func (e *fileError) Error() string { return fmt.Sprintf("%s: %v", e.Path, e.Err) }

func (e *fileError) Unwrap() error { return e.Err }

// FileSource reads inventory documents from a local directory.
type FileSource struct {
	Dir string
	// Pattern defaults to **/*.yaml.
	Pattern string
}

// Name implements Source.
func (s *FileSource) Name() string { return "file:" + s.Dir }

// ListDiscoveredAPIs implements Source.
func (s *FileSource) ListDiscoveredAPIs(_ context.Context, f Filter) ([]inventory.APIRecord, error) {
	pattern := s.Pattern
	if pattern == "" {
		pattern = "**/*.yaml"
	}
	docs, err := readDocuments(s.Dir, pattern)
	if err != nil {
		return nil, fmt.Errorf("read inventory %s: %w", s.Dir, err)
	}
	var out []inventory.APIRecord
	for _, d := range docs {
		out = append(out, f.Apply(d.Records)...)
	}
	return out, nil
}
