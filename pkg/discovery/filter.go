// Package discovery reads API inventories from legacy platforms and narrows
// them to the APIs a team is allowed to work on.
package discovery

import (
	"fmt"
	"path"
	"regexp"
	"slices"
	"strings"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/gatewayshift/orchestrator/pkg/inventory"
)

// Filter selects discovered APIs. Include and Exclude patterns are globs
// matched against the API name and base path; a pattern starting with ^ is a
// regular expression instead. Tags must all be present.
type Filter struct {
	Platforms []string `json:"platforms,omitempty"`
	Include   []string `json:"include,omitempty"`
	Exclude   []string `json:"exclude,omitempty"`
	Tags      []string `json:"tags,omitempty"`
	Team      string   `json:"team,omitempty"`
	Domain    string   `json:"domain,omitempty"`
}

// Validate reports malformed patterns.
func (f Filter) Validate() error {
	for _, p := range slices.Concat(f.Include, f.Exclude) {
		if strings.HasPrefix(p, "^") {
			if _, err := regexp.Compile(p); err != nil {
				return fmt.Errorf("invalid pattern %q: %w", p, err)
			}
			continue
		}
		if _, err := path.Match(p, ""); err != nil {
			return fmt.Errorf("invalid pattern %q: %w", p, err)
		}
	}
	return nil
}

// Match reports whether r passes every criterion.
func (f Filter) Match(r *inventory.APIRecord) bool {
	if len(f.Platforms) > 0 && !slices.Contains(f.Platforms, r.Platform) {
		return false
	}
	if len(f.Include) > 0 && !anyMatch(f.Include, r) {
		return false
	}
	if anyMatch(f.Exclude, r) {
		return false
	}
	if len(f.Tags) > 0 && !mapset.NewThreadUnsafeSet(f.Tags...).IsSubset(mapset.NewThreadUnsafeSet(r.Tags...)) {
		return false
	}
	if f.Team != "" && r.Team != f.Team {
		return false
	}
	if f.Domain != "" && r.Domain != f.Domain {
		return false
	}
	return true
}

// Apply returns the records that match.
func (f Filter) Apply(records []inventory.APIRecord) []inventory.APIRecord {
	out := make([]inventory.APIRecord, 0, len(records))
	for i := range records {
		if f.Match(&records[i]) {
			out = append(out, records[i])
		}
	}
	return out
}

func anyMatch(patterns []string, r *inventory.APIRecord) bool {
	for _, p := range patterns {
		if matchPattern(p, r.Name) || (r.BasePath != "" && matchPattern(p, r.BasePath)) {
			return true
		}
	}
	return false
}

func matchPattern(pattern, s string) bool {
	if strings.HasPrefix(pattern, "^") {
		re, err := regexp.Compile(pattern)
		return err == nil && re.MatchString(s)
	}
	ok, _ := path.Match(pattern, s)
	return ok
}
