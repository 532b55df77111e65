package authz

import (
	"fmt"
	"time"

	"k8s.io/client-go/kubernetes"
)

// AuthzMode selects the authorization backend.
type AuthzMode string

const (
	// AuthzModeNone leaves authorization to ownership and the admin role.
	AuthzModeNone AuthzMode = "none"
	// AuthzModeSAR uses Kubernetes SubjectAccessReview for authorization.
	AuthzModeSAR AuthzMode = "sar"
)

// New returns the Authorizer for mode, or nil for AuthzModeNone. client is
// only used in sar mode.
func New(mode AuthzMode, client kubernetes.Interface, cacheTTL time.Duration) (Authorizer, error) {
	switch mode {
	case AuthzModeNone, "":
		return nil, nil
	case AuthzModeSAR:
		if client == nil {
			return nil, fmt.Errorf("sar authorization requires a kubernetes client")
		}
		if cacheTTL <= 0 {
			return NewSARAuthorizer(client), nil
		}
		return NewCachedAuthorizer(NewSARAuthorizer(client), cacheTTL), nil
	}
	return nil, fmt.Errorf("unknown authorization mode %q (expected none or sar)", mode)
}
