package authz

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockAuthorizer counts calls and returns a configurable result.
type mockAuthorizer struct {
	allowed bool
	err     error
	calls   atomic.Int64
}

func (m *mockAuthorizer) Authorize(_ context.Context, _ AuthzRequest) (bool, error) {
	m.calls.Add(1)
	return m.allowed, m.err
}

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time { return c.t }

func newCached(inner Authorizer, ttl time.Duration) (*CachedAuthorizer, *fakeClock) {
	clock := &fakeClock{t: time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)}
	c := NewCachedAuthorizer(inner, ttl)
	c.now = clock.Now
	return c, clock
}

func TestCachedAuthorizerHitAndExpiry(t *testing.T) {
	inner := &mockAuthorizer{allowed: true}
	cached, clock := newCached(inner, 10*time.Second)
	req := AuthzRequest{User: "alice", Resource: ResourceMigrations, Verb: VerbUpdate, Name: "apic:orders-api"}
	ctx := context.Background()

	allowed, err := cached.Authorize(ctx, req)
	require.NoError(t, err)
	assert.True(t, allowed)

	clock.t = clock.t.Add(9 * time.Second)
	_, err = cached.Authorize(ctx, req)
	require.NoError(t, err)
	assert.EqualValues(t, 1, inner.calls.Load(), "served from cache")

	clock.t = clock.t.Add(time.Second)
	_, err = cached.Authorize(ctx, req)
	require.NoError(t, err)
	assert.EqualValues(t, 2, inner.calls.Load(), "expired entry is refreshed")
}

func TestCachedAuthorizerKeys(t *testing.T) {
	inner := &mockAuthorizer{allowed: true}
	cached, _ := newCached(inner, time.Minute)
	ctx := context.Background()

	base := AuthzRequest{User: "alice", Groups: []string{"commerce", "oncall"}, Resource: ResourceMigrations, Verb: VerbUpdate, Name: "apic:orders-api"}
	_, _ = cached.Authorize(ctx, base)

	reordered := base
	reordered.Groups = []string{"oncall", "commerce"}
	_, _ = cached.Authorize(ctx, reordered)
	assert.EqualValues(t, 1, inner.calls.Load(), "group order does not matter")

	other := base
	other.Name = "apic:payments-api"
	_, _ = cached.Authorize(ctx, other)
	verb := base
	verb.Verb = VerbRollback
	_, _ = cached.Authorize(ctx, verb)
	assert.EqualValues(t, 3, inner.calls.Load())
	assert.Equal(t, 3, cached.Len())
}

func TestCachedAuthorizerDoesNotCacheErrors(t *testing.T) {
	inner := &mockAuthorizer{err: errors.New("apiserver unavailable")}
	cached, _ := newCached(inner, time.Minute)
	req := AuthzRequest{User: "alice", Resource: ResourceAPIs, Verb: VerbList}

	_, err := cached.Authorize(context.Background(), req)
	require.Error(t, err)
	_, err = cached.Authorize(context.Background(), req)
	require.Error(t, err)
	assert.EqualValues(t, 2, inner.calls.Load())
	assert.Zero(t, cached.Len())
}

func TestCachedAuthorizerPrunesExpired(t *testing.T) {
	inner := &mockAuthorizer{allowed: false}
	cached, clock := newCached(inner, time.Second)
	ctx := context.Background()

	_, _ = cached.Authorize(ctx, AuthzRequest{User: "a", Resource: ResourceLocks, Verb: VerbList})
	_, _ = cached.Authorize(ctx, AuthzRequest{User: "b", Resource: ResourceLocks, Verb: VerbList})
	clock.t = clock.t.Add(2 * time.Second)
	_, _ = cached.Authorize(ctx, AuthzRequest{User: "c", Resource: ResourceLocks, Verb: VerbList})
	assert.Equal(t, 1, cached.Len())
}
