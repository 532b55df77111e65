package gateway

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/gatewayshift/orchestrator/pkg/inventory"
)

func api() *inventory.APIRecord {
	rpd := int64(2_000_000)
	return &inventory.APIRecord{
		Name:           "orders_api",
		Platform:       "kong",
		BasePath:       "/orders",
		Upstream:       "orders.internal",
		Team:           "commerce",
		AuthMethods:    []string{"JWT"},
		RequestsPerDay: &rpd,
	}
}

func kinds(t *testing.T, a *Artifact) []Resource {
	t.Helper()
	dec := yaml.NewDecoder(strings.NewReader(a.Content))
	var out []Resource
	for {
		var r Resource
		if err := dec.Decode(&r); err != nil {
			break
		}
		out = append(out, r)
	}
	return out
}

func TestGenerateConfig(t *testing.T) {
	tr := NewRouteTranslator(TranslatorConfig{Namespace: "gw"})
	a, err := tr.GenerateConfig(context.Background(), api())
	require.NoError(t, err)
	assert.Equal(t, NewArtifact(a.Content).Checksum, a.Checksum)
	assert.Len(t, a.Checksum, 64)

	docs := kinds(t, a)
	require.Len(t, docs, 4)
	assert.Equal(t, KindVirtualService, docs[0].Kind)
	assert.Equal(t, "orders-api-vs", docs[0].Metadata.Name)
	assert.Equal(t, "gw", docs[0].Metadata.Namespace)
	assert.Equal(t, "commerce", docs[0].Metadata.Labels["team"])
	assert.Equal(t, "unknown", docs[0].Metadata.Labels["domain"])
	assert.Equal(t, "kong:orders_api", docs[0].Metadata.Annotations["migration/api-id"])
	assert.Equal(t, KindUpstream, docs[1].Kind)
	assert.Contains(t, a.Content, "addr: orders.internal")
	assert.Equal(t, KindAuthConfig, docs[2].Kind)
	assert.Contains(t, a.Content, "jwks")
	assert.Equal(t, KindRateLimit, docs[3].Kind)
	assert.Contains(t, a.Content, "requestsPerUnit: 10000")

	require.NoError(t, tr.ValidateConfig(context.Background(), a))

	again, err := tr.GenerateConfig(context.Background(), api())
	require.NoError(t, err)
	assert.Equal(t, a.Checksum, again.Checksum, "generation is deterministic")
}

func TestGenerateConfigDefaults(t *testing.T) {
	tr := NewRouteTranslator(TranslatorConfig{})
	a, err := tr.GenerateConfig(context.Background(), &inventory.APIRecord{Name: "health", Platform: "legacy"})
	require.NoError(t, err)

	docs := kinds(t, a)
	require.Len(t, docs, 3, "no auth config without auth methods")
	assert.Contains(t, a.Content, "prefix: /")
	assert.Contains(t, a.Content, "addr: legacy-gateway.internal")
	assert.Contains(t, a.Content, "requestsPerUnit: 1000\n")
}

func TestGenerateConfigBadName(t *testing.T) {
	tr := NewRouteTranslator(TranslatorConfig{})
	_, err := tr.GenerateConfig(context.Background(), &inventory.APIRecord{Name: "orders api!", Platform: "kong"})
	require.Error(t, err)
	assert.True(t, IsUnrecoverable(err))
}

func TestValidateConfig(t *testing.T) {
	tr := NewRouteTranslator(TranslatorConfig{})
	ctx := context.Background()

	tests := []struct {
		name    string
		content string
		problem string
	}{
		{"empty", "", "artifact is empty"},
		{"no routes", `apiVersion: gateway.solo.io/v1
kind: VirtualService
metadata: {name: a-vs, namespace: gw}
spec: {virtualHost: {routes: []}}
---
apiVersion: gloo.solo.io/v1
kind: Upstream
metadata: {name: a-upstream, namespace: gw}
spec: {static: {}}
`, "no routes defined"},
		{"route without action", `apiVersion: gateway.solo.io/v1
kind: VirtualService
metadata: {name: a-vs, namespace: gw}
spec: {virtualHost: {routes: [{matchers: [{prefix: /}]}]}}
---
apiVersion: gloo.solo.io/v1
kind: Upstream
metadata: {name: a-upstream, namespace: gw}
spec: {static: {}}
`, "route 0 missing action"},
		{"no backend", `apiVersion: gloo.solo.io/v1
kind: Upstream
metadata: {name: a-upstream, namespace: gw}
spec: {sslConfig: {}}
`, "missing backend definition"},
		{"missing namespace", `apiVersion: gloo.solo.io/v1
kind: Upstream
metadata: {name: a-upstream}
spec: {static: {}}
`, "metadata.namespace"},
		{"bad name", `apiVersion: gloo.solo.io/v1
kind: Upstream
metadata: {name: A_Upstream, namespace: gw}
spec: {static: {}}
`, "metadata.name \"A_Upstream\""},
		{"unknown kind", `apiVersion: v1
kind: Gateway
metadata: {name: x, namespace: gw}
spec: {}
`, "unknown kind"},
		{"empty auth", `apiVersion: enterprise.gloo.solo.io/v1
kind: AuthConfig
metadata: {name: a-auth, namespace: gw}
spec: {configs: []}
`, "no auth methods configured"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tr.ValidateConfig(ctx, NewArtifact(tt.content))
			require.Error(t, err)
			assert.True(t, IsUnrecoverable(err))
			var verr *ValidationError
			require.True(t, errors.As(err, &verr))
			assert.Contains(t, verr.Error(), tt.problem)
		})
	}
}

func TestValidateConfigChecksum(t *testing.T) {
	tr := NewRouteTranslator(TranslatorConfig{})
	a, err := tr.GenerateConfig(context.Background(), api())
	require.NoError(t, err)

	tampered := &Artifact{Content: a.Content + "# edited\n", Checksum: a.Checksum}
	err = tr.ValidateConfig(context.Background(), tampered)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "checksum does not match")
}

func TestUnrecoverable(t *testing.T) {
	assert.NoError(t, Unrecoverable(nil))
	base := errors.New("boom")
	err := fmt.Errorf("deploy: %w", Unrecoverable(base))
	assert.True(t, IsUnrecoverable(err))
	assert.ErrorIs(t, err, base)
	assert.False(t, IsUnrecoverable(base))
}

func TestMemoryDataPlane(t *testing.T) {
	d := NewMemoryDataPlane(nil)
	ctx := context.Background()

	_, ok := d.Route("kong:orders")
	assert.False(t, ok)

	require.NoError(t, d.DeployMirror(ctx, "kong:orders", NewArtifact("x")))
	require.NoError(t, d.SetWeight(ctx, "kong:orders", 25))
	r, ok := d.Route("kong:orders")
	require.True(t, ok)
	assert.True(t, r.Mirrored)
	assert.Equal(t, 25, r.Percent)
	assert.Equal(t, NewArtifact("x").Checksum, r.Checksum)

	err := d.SetWeight(ctx, "kong:orders", 101)
	assert.True(t, IsUnrecoverable(err))
	assert.True(t, IsUnrecoverable(d.DeployMirror(ctx, "kong:orders", nil)))
}
