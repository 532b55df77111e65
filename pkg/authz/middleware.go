package authz

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
)

// Anonymous is the user checked for requests without an identity, matching
// the Kubernetes convention.
const Anonymous = "system:anonymous"

// Subject is who a request is checked for.
type Subject struct {
	User   string
	Groups []string
}

// SubjectFunc extracts the Subject of a request. ok is false for anonymous
// requests.
type SubjectFunc func(r *http.Request) (s Subject, ok bool)

// Middleware maps every request below prefix to a (resource, verb, name)
// triple and asks authorizer about it. Unmapped requests are denied.
func Middleware(authorizer Authorizer, prefix string, subject SubjectFunc, logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			mapping := MapRequest(r.Method, strings.TrimPrefix(r.URL.EscapedPath(), prefix))
			if mapping == UnknownMapping {
				writeDenied(w, http.StatusForbidden, "unknown endpoint, access denied")
				return
			}

			s, ok := subject(r)
			if !ok {
				s = Subject{User: Anonymous, Groups: []string{"system:unauthenticated"}}
			}

			allowed, err := authorizer.Authorize(r.Context(), AuthzRequest{
				User:     s.User,
				Groups:   s.Groups,
				Resource: mapping.Resource,
				Verb:     mapping.Verb,
				Name:     mapping.Name,
			})
			if err != nil {
				logger.Error("authorization check failed", "user", s.User, "resource", mapping.Resource, "verb", mapping.Verb, "error", err)
				writeDenied(w, http.StatusInternalServerError, "authorization check failed")
				return
			}
			if !allowed {
				target := mapping.Resource
				if mapping.Name != "" {
					target += "/" + mapping.Name
				}
				writeDenied(w, http.StatusForbidden, fmt.Sprintf("%s may not %s %s", s.User, mapping.Verb, target))
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func writeDenied(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
