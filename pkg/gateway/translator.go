package gateway

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"

	"gopkg.in/yaml.v3"
	"k8s.io/apimachinery/pkg/util/validation"

	"github.com/gatewayshift/orchestrator/pkg/inventory"
)

// Artifact is a generated configuration bundle, a multi-document YAML
// stream plus its sha256.
type Artifact struct {
	Content  string `json:"content"`
	Checksum string `json:"checksum"`
}

// NewArtifact checksums content.
func NewArtifact(content string) *Artifact {
	sum := sha256.Sum256([]byte(content))
	return &Artifact{Content: content, Checksum: hex.EncodeToString(sum[:])}
}

// Translator turns an API description into target gateway configuration.
type Translator interface {
	GenerateConfig(ctx context.Context, api *inventory.APIRecord) (*Artifact, error)
	ValidateConfig(ctx context.Context, a *Artifact) error
}

// Resource is one Kubernetes-style document in an artifact.
type Resource struct {
	APIVersion string         `yaml:"apiVersion"`
	Kind       string         `yaml:"kind"`
	Metadata   Metadata       `yaml:"metadata"`
	Spec       map[string]any `yaml:"spec"`
}

// Metadata is the subset of object metadata the generator writes.
type Metadata struct {
	Name        string            `yaml:"name"`
	Namespace   string            `yaml:"namespace"`
	Labels      map[string]string `yaml:"labels,omitempty"`
	Annotations map[string]string `yaml:"annotations,omitempty"`
}

// Resource kinds produced by RouteTranslator.
const (
	KindVirtualService = "VirtualService"
	KindUpstream       = "Upstream"
	KindAuthConfig     = "AuthConfig"
	KindRateLimit      = "RateLimitConfig"
)

// TranslatorConfig configures a RouteTranslator.
type TranslatorConfig struct {
	Namespace    string `mapstructure:"namespace" yaml:"namespace"`
	DomainSuffix string `mapstructure:"domainSuffix" yaml:"domainSuffix"`
	// LegacyHost is used when an API carries no upstream of its own.
	LegacyHost string `mapstructure:"legacyHost" yaml:"legacyHost"`
}

// DefaultTranslatorConfig returns the defaults used by the server.
func DefaultTranslatorConfig() TranslatorConfig {
	return TranslatorConfig{Namespace: "gateway-system", DomainSuffix: "example.com", LegacyHost: "legacy-gateway.internal"}
}

// RouteTranslator generates a virtual service, upstream, optional auth
// config and a rate limit for each API.
type RouteTranslator struct {
	cfg TranslatorConfig
}

// NewRouteTranslator creates a RouteTranslator.
func NewRouteTranslator(cfg TranslatorConfig) *RouteTranslator {
	def := DefaultTranslatorConfig()
	if cfg.Namespace == "" {
		cfg.Namespace = def.Namespace
	}
	if cfg.DomainSuffix == "" {
		cfg.DomainSuffix = def.DomainSuffix
	}
	if cfg.LegacyHost == "" {
		cfg.LegacyHost = def.LegacyHost
	}
	return &RouteTranslator{cfg: cfg}
}

func safeName(name string) string {
	return strings.ToLower(strings.ReplaceAll(name, "_", "-"))
}

// GenerateConfig implements Translator.
func (t *RouteTranslator) GenerateConfig(_ context.Context, api *inventory.APIRecord) (*Artifact, error) {
	name := safeName(api.Name)
	if errs := validation.IsDNS1123Label(name); len(errs) > 0 {
		return nil, Unrecoverable(fmt.Errorf("api name %q cannot be used as a resource name: %s", api.Name, strings.Join(errs, ", ")))
	}
	upstreamName := name + "-upstream"
	basePath := api.BasePath
	if basePath == "" {
		basePath = "/"
	}
	host := api.Upstream
	if host == "" {
		host = t.cfg.LegacyHost
	}
	labels := map[string]string{"app": name, "platform": api.Platform}

	resources := []Resource{
		{
			APIVersion: "gateway.solo.io/v1",
			Kind:       KindVirtualService,
			Metadata: Metadata{
				Name:      name + "-vs",
				Namespace: t.cfg.Namespace,
				Labels:    withOwner(labels, api),
				Annotations: map[string]string{
					"migration/api-id":   inventory.Key(api.Platform, api.Name),
					"migration/platform": api.Platform,
				},
			},
			Spec: map[string]any{
				"virtualHost": map[string]any{
					"domains": []string{name + "." + t.cfg.DomainSuffix},
					"routes": []any{map[string]any{
						"matchers": []any{map[string]any{"prefix": basePath}},
						"routeAction": map[string]any{
							"single": map[string]any{
								"upstream": map[string]any{"name": upstreamName, "namespace": t.cfg.Namespace},
							},
						},
					}},
				},
			},
		},
		{
			APIVersion: "gloo.solo.io/v1",
			Kind:       KindUpstream,
			Metadata:   Metadata{Name: upstreamName, Namespace: t.cfg.Namespace, Labels: labels},
			Spec: map[string]any{
				"static":    map[string]any{"hosts": []any{map[string]any{"addr": host, "port": 443}}},
				"sslConfig": map[string]any{"sni": host},
			},
		},
	}
	if auth := t.authConfig(name, api.AuthMethods); auth != nil {
		resources = append(resources, *auth)
	}
	resources = append(resources, t.rateLimit(name, api))

	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	for _, r := range resources {
		if err := enc.Encode(r); err != nil {
			return nil, fmt.Errorf("encode %s: %w", r.Kind, err)
		}
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("encode config: %w", err)
	}
	return NewArtifact(buf.String()), nil
}

func withOwner(labels map[string]string, api *inventory.APIRecord) map[string]string {
	out := make(map[string]string, len(labels)+2)
	for k, v := range labels {
		out[k] = v
	}
	out["team"] = orUnknown(api.Team)
	out["domain"] = orUnknown(api.Domain)
	return out
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}

func (t *RouteTranslator) authConfig(name string, methods []string) *Resource {
	if len(methods) == 0 {
		return nil
	}
	var cfg map[string]any
	switch m := strings.ToLower(methods[0]); {
	case strings.Contains(m, "oauth"):
		cfg = map[string]any{"oauth2": map[string]any{"oidcAuthorizationCode": map[string]any{
			"appUrl":          "https://" + name + "." + t.cfg.DomainSuffix,
			"callbackPath":    "/oauth/callback",
			"clientSecretRef": map[string]any{"name": name + "-oauth-secret", "namespace": t.cfg.Namespace},
			"scopes":          []string{"openid", "profile", "email"},
		}}}
	case strings.Contains(m, "jwt"):
		cfg = map[string]any{"jwt": map[string]any{"providers": map[string]any{
			"default": map[string]any{"jwks": map[string]any{"remote": map[string]any{"url": "https://auth." + t.cfg.DomainSuffix + "/.well-known/jwks.json"}}},
		}}}
	case strings.Contains(m, "api-key"), strings.Contains(m, "apikey"):
		cfg = map[string]any{"apiKeyAuth": map[string]any{"headerName": "X-API-Key", "labelSelector": map[string]any{"app": name}}}
	case strings.Contains(m, "basic"):
		cfg = map[string]any{"basicAuth": map[string]any{"apr": map[string]any{
			"usersFromSecret": map[string]any{"name": name + "-basic-auth", "namespace": t.cfg.Namespace},
		}}}
	default:
		return nil
	}
	return &Resource{
		APIVersion: "enterprise.gloo.solo.io/v1",
		Kind:       KindAuthConfig,
		Metadata:   Metadata{Name: name + "-auth", Namespace: t.cfg.Namespace},
		Spec:       map[string]any{"configs": []any{cfg}},
	}
}

func (t *RouteTranslator) rateLimit(name string, api *inventory.APIRecord) Resource {
	perMinute := 1000
	if api.RequestsPerDay != nil && *api.RequestsPerDay > 1_000_000 {
		perMinute = 10000
	}
	return Resource{
		APIVersion: "ratelimit.solo.io/v1alpha1",
		Kind:       KindRateLimit,
		Metadata:   Metadata{Name: name + "-ratelimit", Namespace: t.cfg.Namespace},
		Spec: map[string]any{"raw": map[string]any{"descriptors": []any{map[string]any{
			"key":       "generic_key",
			"value":     name,
			"rateLimit": map[string]any{"requestsPerUnit": perMinute, "unit": "MINUTE"},
		}}}},
	}
}

// ValidateConfig implements Translator. It checks the checksum and the
// structure of every document; problems are returned together as an
// unrecoverable *ValidationError.
func (t *RouteTranslator) ValidateConfig(_ context.Context, a *Artifact) error {
	if a == nil || a.Content == "" {
		return Unrecoverable(&ValidationError{Problems: []string{"artifact is empty"}})
	}
	var problems []string
	if NewArtifact(a.Content).Checksum != a.Checksum {
		problems = append(problems, "checksum does not match content")
	}

	dec := yaml.NewDecoder(strings.NewReader(a.Content))
	kinds := map[string]int{}
	for i := 0; ; i++ {
		var r Resource
		err := dec.Decode(&r)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			problems = append(problems, fmt.Sprintf("document %d: invalid YAML: %v", i, err))
			break
		}
		kinds[r.Kind]++
		problems = append(problems, checkResource(i, &r)...)
	}
	if kinds[KindVirtualService] == 0 {
		problems = append(problems, "no VirtualService")
	}
	if kinds[KindUpstream] == 0 {
		problems = append(problems, "no Upstream")
	}
	if len(problems) > 0 {
		return Unrecoverable(&ValidationError{Problems: problems})
	}
	return nil
}

func checkResource(i int, r *Resource) []string {
	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf("document %d (%s): ", i, r.Kind)+fmt.Sprintf(format, args...))
	}
	if r.APIVersion == "" {
		add("apiVersion is required")
	}
	if r.Metadata.Name == "" || r.Metadata.Namespace == "" {
		add("metadata.name and metadata.namespace are required")
	} else if errs := validation.IsDNS1123Subdomain(r.Metadata.Name); len(errs) > 0 {
		add("metadata.name %q: %s", r.Metadata.Name, strings.Join(errs, ", "))
	}
	if r.Spec == nil {
		add("spec is required")
		return problems
	}

	switch r.Kind {
	case KindVirtualService:
		vh, _ := r.Spec["virtualHost"].(map[string]any)
		routes, _ := vh["routes"].([]any)
		if len(routes) == 0 {
			add("no routes defined")
		}
		for j, raw := range routes {
			route, _ := raw.(map[string]any)
			if _, ok := route["matchers"]; !ok {
				add("route %d missing matchers", j)
			}
			_, action := route["routeAction"]
			_, redirect := route["redirectAction"]
			if !action && !redirect {
				add("route %d missing action", j)
			}
		}
	case KindUpstream:
		_, static := r.Spec["static"]
		_, kube := r.Spec["kube"]
		_, aws := r.Spec["aws"]
		if !static && !kube && !aws {
			add("missing backend definition (static, kube or aws)")
		}
	case KindAuthConfig:
		if configs, _ := r.Spec["configs"].([]any); len(configs) == 0 {
			add("no auth methods configured")
		}
	case KindRateLimit:
	default:
		add("unknown kind")
	}
	return problems
}
