package authz

import (
	"context"
	"errors"
	"testing"
	"time"

	authorizationv1 "k8s.io/api/authorization/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/client-go/kubernetes/fake"
	k8stesting "k8s.io/client-go/testing"
)

func TestSARAuthorizer(t *testing.T) {
	tests := []struct {
		name        string
		sarAllowed  bool
		req         AuthzRequest
		wantAllowed bool
	}{
		{
			name:       "allowed - per api",
			sarAllowed: true,
			req: AuthzRequest{
				User:     "alice",
				Groups:   []string{"commerce"},
				Resource: ResourceMigrations,
				Verb:     VerbUpdate,
				Name:     "apic:orders-api",
			},
			wantAllowed: true,
		},
		{
			name:       "denied - per api",
			sarAllowed: false,
			req: AuthzRequest{
				User:     "bob",
				Groups:   []string{"payments"},
				Resource: ResourceMigrations,
				Verb:     VerbRollback,
				Name:     "apic:orders-api",
			},
			wantAllowed: false,
		},
		{
			name:       "allowed - collection",
			sarAllowed: true,
			req: AuthzRequest{
				User:     "root",
				Groups:   []string{"platform"},
				Resource: ResourceAudit,
				Verb:     VerbExport,
			},
			wantAllowed: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := fake.NewClientset()
			client.Fake.PrependReactor("create", "subjectaccessreviews",
				func(action k8stesting.Action) (bool, runtime.Object, error) {
					sar := action.(k8stesting.CreateAction).GetObject().(*authorizationv1.SubjectAccessReview)

					attrs := sar.Spec.ResourceAttributes
					if sar.Spec.User != tt.req.User {
						t.Errorf("SAR User = %q, want %q", sar.Spec.User, tt.req.User)
					}
					if attrs.Group != APIGroup {
						t.Errorf("SAR Group = %q, want %q", attrs.Group, APIGroup)
					}
					if attrs.Resource != tt.req.Resource || attrs.Verb != tt.req.Verb || attrs.Name != tt.req.Name {
						t.Errorf("SAR attributes = %s/%s/%s, want %s/%s/%s",
							attrs.Resource, attrs.Verb, attrs.Name, tt.req.Resource, tt.req.Verb, tt.req.Name)
					}
					if attrs.Namespace != "" {
						t.Errorf("SAR Namespace = %q, want cluster scope", attrs.Namespace)
					}

					sar.Status.Allowed = tt.sarAllowed
					return true, sar, nil
				},
			)

			allowed, err := NewSARAuthorizer(client).Authorize(context.Background(), tt.req)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if allowed != tt.wantAllowed {
				t.Errorf("allowed = %v, want %v", allowed, tt.wantAllowed)
			}
		})
	}
}

func TestSARAuthorizerError(t *testing.T) {
	client := fake.NewClientset()
	client.Fake.PrependReactor("create", "subjectaccessreviews",
		func(k8stesting.Action) (bool, runtime.Object, error) {
			return true, nil, errors.New("forbidden: cannot create subjectaccessreviews")
		},
	)
	_, err := NewSARAuthorizer(client).Authorize(context.Background(), AuthzRequest{User: "alice"})
	if err == nil {
		t.Fatal("expected error")
	}
}

func TestNew(t *testing.T) {
	if a, err := New(AuthzModeNone, nil, 0); a != nil || err != nil {
		t.Errorf("none mode = %v, %v; want nil, nil", a, err)
	}
	if _, err := New(AuthzModeSAR, nil, 0); err == nil {
		t.Error("sar mode without a client should fail")
	}
	a, err := New(AuthzModeSAR, fake.NewClientset(), time.Second)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := a.(*CachedAuthorizer); !ok {
		t.Errorf("sar mode with a TTL = %T, want *CachedAuthorizer", a)
	}
	if _, err := New("opa", nil, 0); err == nil {
		t.Error("unknown mode should fail")
	}
}
