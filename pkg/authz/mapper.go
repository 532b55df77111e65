package authz

import (
	"net/http"
	"net/url"
	"strings"
)

// ResourceMapping maps an HTTP request to a migration resource and verb for
// authorization. Name is the API id for per-API routes.
type ResourceMapping struct {
	Resource string
	Verb     string
	Name     string
}

// UnknownMapping is returned when no known pattern matches the request.
// Callers should deny requests with this mapping by default.
var UnknownMapping = ResourceMapping{}

// lifecycleVerbs are the POST /apis/{id}/<op> routes that are not plain updates.
var lifecycleVerbs = map[string]string{
	"approve":  VerbApprove,
	"rollback": VerbRollback,
}

var lifecycleOps = map[string]bool{
	"plan": true, "validate": true, "deploy-mirror": true, "advance": true,
	"complete": true, "fail": true, "decommission": true,
	"approve": true, "rollback": true,
}

// MapRequest maps an HTTP method and a path relative to the API base path,
// e.g. "/apis/apic:orders-api/plan", to a ResourceMapping.
func MapRequest(method, path string) ResourceMapping {
	segs := strings.Split(strings.Trim(path, "/"), "/")
	for i, s := range segs {
		if u, err := url.PathUnescape(s); err == nil {
			segs[i] = u
		}
	}

	switch {
	case len(segs) == 1 && segs[0] == "apis" && method == http.MethodGet:
		return ResourceMapping{Resource: ResourceAPIs, Verb: VerbList}
	case len(segs) == 1 && segs[0] == "apis:import" && method == http.MethodPost:
		return ResourceMapping{Resource: ResourceAPIs, Verb: VerbCreate}
	case len(segs) >= 2 && segs[0] == "apis":
		return mapAPIRoute(method, segs[1], segs[2:])
	case len(segs) == 1 && (segs[0] == "migrations" || segs[0] == "migrations:stats") && method == http.MethodGet:
		return ResourceMapping{Resource: ResourceMigrations, Verb: VerbList}
	case segs[0] == "locks":
		return mapLockRoute(method, segs[1:])
	case len(segs) == 1 && segs[0] == "audit" && method == http.MethodGet:
		return ResourceMapping{Resource: ResourceAudit, Verb: VerbList}
	case len(segs) == 1 && segs[0] == "audit:export" && method == http.MethodPost:
		return ResourceMapping{Resource: ResourceAudit, Verb: VerbExport}
	}
	return UnknownMapping
}

func mapAPIRoute(method, id string, rest []string) ResourceMapping {
	switch {
	case len(rest) == 0 && method == http.MethodGet:
		return ResourceMapping{Resource: ResourceAPIs, Verb: VerbGet, Name: id}
	case len(rest) == 1 && rest[0] == "history" && method == http.MethodGet:
		return ResourceMapping{Resource: ResourceMigrations, Verb: VerbGet, Name: id}
	case len(rest) == 1 && method == http.MethodPost && lifecycleOps[rest[0]]:
		verb, ok := lifecycleVerbs[rest[0]]
		if !ok {
			verb = VerbUpdate
		}
		return ResourceMapping{Resource: ResourceMigrations, Verb: verb, Name: id}
	}
	return UnknownMapping
}

func mapLockRoute(method string, rest []string) ResourceMapping {
	switch {
	case len(rest) == 0 && method == http.MethodGet:
		return ResourceMapping{Resource: ResourceLocks, Verb: VerbList}
	case len(rest) == 1 && method == http.MethodDelete:
		return ResourceMapping{Resource: ResourceLocks, Verb: VerbDelete, Name: rest[0]}
	}
	return UnknownMapping
}
