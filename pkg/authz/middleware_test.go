package authz

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const basePath = "/api/migrations/v1"

// recordingAuthorizer allows what allow returns and remembers the last request.
type recordingAuthorizer struct {
	allow func(AuthzRequest) bool
	err   error
	last  AuthzRequest
}

func (a *recordingAuthorizer) Authorize(_ context.Context, req AuthzRequest) (bool, error) {
	a.last = req
	if a.err != nil {
		return false, a.err
	}
	return a.allow(req), nil
}

func headerSubject(r *http.Request) (Subject, bool) {
	user := r.Header.Get("X-User")
	if user == "" {
		return Subject{}, false
	}
	return Subject{User: user, Groups: []string{r.Header.Get("X-Team")}}, true
}

func serve(a Authorizer, method, path, user string) *httptest.ResponseRecorder {
	h := Middleware(a, basePath, headerSubject, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	req := httptest.NewRequest(method, basePath+path, nil)
	if user != "" {
		req.Header.Set("X-User", user)
		req.Header.Set("X-Team", "commerce")
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestMiddlewareAllows(t *testing.T) {
	a := &recordingAuthorizer{allow: func(AuthzRequest) bool { return true }}
	rr := serve(a, http.MethodPost, "/apis/apic:orders-api/rollback", "alice")
	assert.Equal(t, http.StatusNoContent, rr.Code)
	assert.Equal(t, AuthzRequest{
		User:     "alice",
		Groups:   []string{"commerce"},
		Resource: ResourceMigrations,
		Verb:     VerbRollback,
		Name:     "apic:orders-api",
	}, a.last)
}

func TestMiddlewareDenies(t *testing.T) {
	a := &recordingAuthorizer{allow: func(r AuthzRequest) bool { return r.Verb != VerbDelete }}
	rr := serve(a, http.MethodDelete, "/locks/apic:orders-api", "alice")
	require.Equal(t, http.StatusForbidden, rr.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, "alice may not delete locks/apic:orders-api", body["error"])
}

func TestMiddlewareAnonymous(t *testing.T) {
	a := &recordingAuthorizer{allow: func(r AuthzRequest) bool { return r.Verb == VerbList }}
	assert.Equal(t, http.StatusNoContent, serve(a, http.MethodGet, "/migrations", "").Code)
	assert.Equal(t, Anonymous, a.last.User)
	assert.Equal(t, http.StatusForbidden, serve(a, http.MethodPost, "/apis/apic:orders-api/plan", "").Code)
}

func TestMiddlewareUnknownEndpoint(t *testing.T) {
	a := &recordingAuthorizer{allow: func(AuthzRequest) bool { return true }}
	rr := serve(a, http.MethodPut, "/apis/apic:orders-api", "alice")
	assert.Equal(t, http.StatusForbidden, rr.Code)
	assert.Empty(t, a.last.User, "authorizer is not consulted")
}

func TestMiddlewareAuthorizerError(t *testing.T) {
	a := &recordingAuthorizer{err: errors.New("connection refused")}
	rr := serve(a, http.MethodGet, "/audit", "alice")
	assert.Equal(t, http.StatusInternalServerError, rr.Code)
	assert.Contains(t, rr.Body.String(), "authorization check failed")
}
