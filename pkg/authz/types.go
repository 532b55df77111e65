// Package authz authorizes migration API requests against Kubernetes RBAC
// through SubjectAccessReview. Without an Authorizer the API falls back to
// team ownership and the configured admin role.
package authz

import "context"

// APIGroup is the API group used for migration resources in RBAC rules.
const APIGroup = "migrations.gatewayshift.io"

// Resource names for RBAC mapping.
const (
	ResourceAPIs       = "apis"
	ResourceMigrations = "migrations"
	ResourceLocks      = "locks"
	ResourceAudit      = "audit"
)

// Verb names for RBAC mapping.
const (
	VerbGet      = "get"
	VerbList     = "list"
	VerbCreate   = "create"
	VerbUpdate   = "update"
	VerbDelete   = "delete"
	VerbApprove  = "approve"
	VerbRollback = "rollback"
	VerbExport   = "export"
)

// AuthzRequest represents an authorization check.
type AuthzRequest struct {
	User     string
	Groups   []string
	Resource string
	Verb     string
	// Name is the API id for per-API rules; empty for collection requests.
	Name string
}

// Authorizer checks whether a user is authorized to perform an action.
type Authorizer interface {
	Authorize(ctx context.Context, req AuthzRequest) (bool, error)
}
