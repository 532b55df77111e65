package discovery

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gatewayshift/orchestrator/pkg/inventory"
)

const apicDoc = `platform: apic
apis:
  - name: payment-api
    basePath: /payments
    team: payments
    domain: commerce
    tags: [public, pci]
    authMethods: [oauth2]
  - name: payment-refunds
    basePath: /refunds
    team: payments
    tags: [internal]
  - name: orders-api
    basePath: /orders
    team: orders
    domain: commerce
    tags: [public]
    riskLevel: HIGH
`

func api(name string, tags ...string) inventory.APIRecord {
	return inventory.APIRecord{Name: name, Platform: "apic", BasePath: "/" + name, Team: "payments", Tags: tags}
}

func TestFilterMatch(t *testing.T) {
	tests := []struct {
		name   string
		filter Filter
		api    inventory.APIRecord
		want   bool
	}{
		{name: "empty filter", filter: Filter{}, api: api("orders-api"), want: true},
		{name: "glob include", filter: Filter{Include: []string{"payment-*"}}, api: api("payment-api"), want: true},
		{name: "glob miss", filter: Filter{Include: []string{"payment-*"}}, api: api("orders-api"), want: false},
		{name: "path match", filter: Filter{Include: []string{"/orders*"}}, api: api("orders-api"), want: true},
		{name: "regex", filter: Filter{Include: []string{"^pay.*-api$"}}, api: api("payment-api"), want: true},
		{name: "exclude wins", filter: Filter{Include: []string{"*"}, Exclude: []string{"*-refunds"}}, api: api("payment-refunds"), want: false},
		{name: "all tags required", filter: Filter{Tags: []string{"public", "pci"}}, api: api("payment-api", "public"), want: false},
		{name: "tags present", filter: Filter{Tags: []string{"public"}}, api: api("payment-api", "public", "pci"), want: true},
		{name: "team", filter: Filter{Team: "orders"}, api: api("payment-api"), want: false},
		{name: "platform", filter: Filter{Platforms: []string{"swagger"}}, api: api("payment-api"), want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.filter.Match(&tt.api))
		})
	}
}

func TestFilterValidate(t *testing.T) {
	assert.NoError(t, Filter{Include: []string{"a-*", "^ok$"}}.Validate())
	assert.Error(t, Filter{Include: []string{"^(unclosed"}}.Validate())
	assert.Error(t, Filter{Exclude: []string{"[bad"}}.Validate())
}

func TestParseDocument(t *testing.T) {
	records, err := ParseDocument([]byte(apicDoc))
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, "apic:payment-api", records[0].ID)
	assert.Equal(t, "apic", records[0].Platform)
	assert.Equal(t, []string{"oauth2"}, []string(records[0].AuthMethods))
	assert.Equal(t, "HIGH", string(records[2].RiskLevel))

	_, err = ParseDocument([]byte("apis:\n  - name: nameless-platform\n"))
	assert.Error(t, err)
	_, err = ParseDocument([]byte("apis: {"))
	assert.Error(t, err)
}

func writeInventory(t *testing.T, dir, rel, content string) {
	t.Helper()
	p := filepath.Join(dir, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
}

func TestFileSource(t *testing.T) {
	dir := t.TempDir()
	writeInventory(t, dir, "apic/commerce.yaml", apicDoc)
	writeInventory(t, dir, "swagger/edge.yaml", "platform: swagger\napis:\n  - name: edge-api\n    team: edge\n")
	writeInventory(t, dir, "notes.txt", "not an inventory")

	src := &FileSource{Dir: dir}
	records, err := src.ListDiscoveredAPIs(context.Background(), Filter{Team: "payments"})
	require.NoError(t, err)
	assert.Len(t, records, 2)

	records, err = (&FileSource{Dir: dir, Pattern: "swagger/*.yaml"}).ListDiscoveredAPIs(context.Background(), Filter{})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "swagger:edge-api", records[0].ID)

	writeInventory(t, dir, "broken.yaml", "apis: [")
	_, err = src.ListDiscoveredAPIs(context.Background(), Filter{})
	assert.Error(t, err)
}

func commitFile(t *testing.T, repo *gogit.Repository, dir, rel, content string) {
	t.Helper()
	writeInventory(t, dir, rel, content)
	w, err := repo.Worktree()
	require.NoError(t, err)
	_, err = w.Add(rel)
	require.NoError(t, err)
	_, err = w.Commit("update "+rel, &gogit.CommitOptions{
		Author: &object.Signature{Name: "Test", Email: "test@example.com", When: time.Now()},
	})
	require.NoError(t, err)
}

func TestGitSourceClonesAndPulls(t *testing.T) {
	remote := t.TempDir()
	repo, err := gogit.PlainInitWithOptions(remote, &gogit.PlainInitOptions{
		InitOptions: gogit.InitOptions{DefaultBranch: "refs/heads/main"},
	})
	require.NoError(t, err)
	commitFile(t, repo, remote, "inventories/apic.yaml", apicDoc)

	shallow := false
	src, err := NewGitSource(GitConfig{URL: remote, Path: "inventories/*.yaml", Shallow: &shallow}, nil)
	require.NoError(t, err)
	defer src.Close()

	records, err := src.ListDiscoveredAPIs(context.Background(), Filter{Include: []string{"payment-*"}})
	require.NoError(t, err)
	assert.Len(t, records, 2)
	first := src.LastCommit()
	assert.NotEmpty(t, first)

	commitFile(t, repo, remote, "inventories/swagger.yaml", "platform: swagger\napis:\n  - name: payment-gateway\n")
	records, err = src.ListDiscoveredAPIs(context.Background(), Filter{Include: []string{"payment-*"}})
	require.NoError(t, err)
	assert.Len(t, records, 3)
	assert.NotEqual(t, first, src.LastCommit())
}

func TestNewGitSourceRequiresURL(t *testing.T) {
	_, err := NewGitSource(GitConfig{}, nil)
	assert.Error(t, err)
}

type staticSource struct {
	name    string
	records []inventory.APIRecord
	err     error
}

func (s staticSource) Name() string { return s.name }

func (s staticSource) ListDiscoveredAPIs(_ context.Context, f Filter) ([]inventory.APIRecord, error) {
	return f.Apply(s.records), s.err
}

func TestMultiDeduplicates(t *testing.T) {
	m := &Multi{Sources: []Source{
		staticSource{name: "a", records: []inventory.APIRecord{api("payment-api"), api("orders-api")}},
		staticSource{name: "b", records: []inventory.APIRecord{{Name: "payment-api", Platform: "apic", Team: "other"}, api("cart-api")}},
	}}
	records, err := m.ListDiscoveredAPIs(context.Background(), Filter{})
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, "payments", records[0].Team)

	m.Sources = append(m.Sources, staticSource{name: "down", err: errors.New("connection refused")})
	_, err = m.ListDiscoveredAPIs(context.Background(), Filter{})
	assert.ErrorContains(t, err, "down")

	_, err = m.ListDiscoveredAPIs(context.Background(), Filter{Include: []string{"^("}})
	assert.Error(t, err)
}

func TestMatchGlob(t *testing.T) {
	tests := []struct {
		pattern, path string
		want          bool
	}{
		{"*.yaml", "test.yaml", true},
		{"*.yaml", "test.json", false},
		{"data/*.yaml", "other/test.yaml", false},
		{"**/*.yaml", "test.yaml", true},
		{"**/*.yaml", "a/b/c/test.yaml", true},
		{"data/**/*.yaml", "data/a/b/test.yaml", true},
		{"data/**/*.yaml", "other/test.yaml", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, matchGlob(tt.pattern, tt.path), "matchGlob(%q, %q)", tt.pattern, tt.path)
	}
}
