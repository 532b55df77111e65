package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/gatewayshift/orchestrator/pkg/audit"
	"github.com/gatewayshift/orchestrator/pkg/discovery"
	"github.com/gatewayshift/orchestrator/pkg/inventory"
	"github.com/gatewayshift/orchestrator/pkg/lock"
	"github.com/gatewayshift/orchestrator/pkg/migration"
	"github.com/gatewayshift/orchestrator/pkg/orchestrator"
	"github.com/gatewayshift/orchestrator/pkg/policy"
)

var errUnauthenticated = errors.New("caller identity required")

// ListResponse is a page of items.
type ListResponse[T any] struct {
	Items         []T    `json:"items"`
	NextPageToken string `json:"nextPageToken,omitempty"`
}

type reasonRequest struct {
	Reason string `json:"reason" validate:"max=1024"`
}

type approveRequest struct {
	Comment string `json:"comment" validate:"max=1024"`
}

type importRequest struct {
	Platforms []string `json:"platforms" validate:"dive,required"`
	Include   []string `json:"include" validate:"dive,required"`
	Exclude   []string `json:"exclude" validate:"dive,required"`
	Tags      []string `json:"tags" validate:"dive,required"`
	Team      string   `json:"team"`
	Domain    string   `json:"domain"`
}

type exportRequest struct {
	Filter string `json:"filter" validate:"max=4096"`
}

// ExportResponse is the body of POST /audit:export.
type ExportResponse struct {
	audit.ExportResult
	CorrelationID string `json:"correlationId"`
}

func (s *Server) caller(r *http.Request) (orchestrator.Caller, error) {
	id, ok := IdentityFromContext(r.Context())
	if !ok {
		return orchestrator.Caller{}, errUnauthenticated
	}
	return orchestrator.Caller{
		Actor:         id.Principal,
		Team:          id.Team,
		Admin:         id.Admin,
		CorrelationID: CorrelationIDFromContext(r.Context()),
	}, nil
}

// decode reads an optional JSON body into v and validates it.
func (s *Server) decode(r *http.Request, v any) error {
	if r.Body != nil {
		dec := json.NewDecoder(r.Body)
		dec.DisallowUnknownFields()
		if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
			return invalid(fmt.Errorf("invalid request body: %w", err))
		}
	}
	if err := s.validate.Struct(v); err != nil {
		return invalid(err)
	}
	return nil
}

func apiID(r *http.Request) (string, error) {
	id, err := url.PathUnescape(chi.URLParam(r, "apiId"))
	if err != nil || id == "" {
		return "", invalid(fmt.Errorf("invalid api id %q", chi.URLParam(r, "apiId")))
	}
	return id, nil
}

func pageSize(r *http.Request) (int, error) {
	v := r.URL.Query().Get("pageSize")
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, invalid(fmt.Errorf("invalid pageSize %q", v))
	}
	return n, nil
}

type lifecycleFunc func(ctx context.Context, c orchestrator.Caller, apiID string) (*orchestrator.Result, error)

type reasonFunc func(ctx context.Context, c orchestrator.Caller, apiID, reason string) (*orchestrator.Result, error)

func (s *Server) lifecycle(op lifecycleFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		c, err := s.caller(r)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		id, err := apiID(r)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		res, err := op(r.Context(), c, id)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

func (s *Server) withReason(op reasonFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		c, err := s.caller(r)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		id, err := apiID(r)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		var req reasonRequest
		if err := s.decode(r, &req); err != nil {
			s.fail(w, r, err)
			return
		}
		res, err := op(r.Context(), c, id, req.Reason)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

func (s *Server) advance(w http.ResponseWriter, r *http.Request) {
	c, err := s.caller(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	id, err := apiID(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	res, err := s.orch.Advance(r.Context(), c, id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) approve(w http.ResponseWriter, r *http.Request) {
	c, err := s.caller(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	id, err := apiID(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	var req approveRequest
	if err := s.decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	state, err := s.orch.Approve(r.Context(), c, id, req.Comment)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (s *Server) rollback(w http.ResponseWriter, r *http.Request) {
	c, err := s.caller(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	id, err := apiID(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	var req reasonRequest
	if err := s.decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	res, err := s.orch.Rollback(r.Context(), c, id, req.Reason)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) importAPIs(w http.ResponseWriter, r *http.Request) {
	c, err := s.caller(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	var req importRequest
	if err := s.decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	res, err := s.orch.ImportDiscovered(r.Context(), c, discovery.Filter{
		Platforms: req.Platforms,
		Include:   req.Include,
		Exclude:   req.Exclude,
		Tags:      req.Tags,
		Team:      req.Team,
		Domain:    req.Domain,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) listAPIs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	size, err := pageSize(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	f := inventory.ListFilter{Platform: q.Get("platform"), Team: q.Get("team"), Domain: q.Get("domain")}
	if v := q.Get("riskLevel"); v != "" {
		if f.RiskLevel, err = policy.ParseRiskLevel(v); err != nil {
			s.fail(w, r, invalid(err))
			return
		}
	}
	items, next, err := s.orch.ListAPIs(r.Context(), f, size, q.Get("pageToken"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if items == nil {
		items = []inventory.APIRecord{}
	}
	writeJSON(w, http.StatusOK, ListResponse[inventory.APIRecord]{Items: items, NextPageToken: next})
}

func (s *Server) getStatus(w http.ResponseWriter, r *http.Request) {
	id, err := apiID(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	st, err := s.orch.GetStatus(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) history(w http.ResponseWriter, r *http.Request) {
	id, err := apiID(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	entries, err := s.orch.History(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if entries == nil {
		entries = []audit.Entry{}
	}
	writeJSON(w, http.StatusOK, ListResponse[audit.Entry]{Items: entries})
}

// parseStage accepts a bare stage name, CANARY included, or a full status
// such as CANARY_25.
func parseStage(v string) (migration.Stage, error) {
	if strings.EqualFold(v, string(migration.StageCanary)) {
		return migration.StageCanary, nil
	}
	st, err := migration.ParseStatus(v)
	if err != nil {
		return "", err
	}
	return st.Stage, nil
}

func (s *Server) listMigrations(w http.ResponseWriter, r *http.Request) {
	f, err := migrationFilter(r.URL.Query())
	if err != nil {
		s.fail(w, r, invalid(err))
		return
	}
	recs, err := s.orch.ListMigrations(r.Context(), f)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if recs == nil {
		recs = []migration.Record{}
	}
	writeJSON(w, http.StatusOK, ListResponse[migration.Record]{Items: recs})
}

func (s *Server) migrationStats(w http.ResponseWriter, r *http.Request) {
	f, err := migrationFilter(r.URL.Query())
	if err != nil {
		s.fail(w, r, invalid(err))
		return
	}
	st, err := s.orch.MigrationStats(r.Context(), f)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func migrationFilter(q url.Values) (migration.ListFilter, error) {
	var f migration.ListFilter
	for _, raw := range q["stage"] {
		for _, v := range strings.Split(raw, ",") {
			if v = strings.TrimSpace(v); v == "" {
				continue
			}
			stage, err := parseStage(v)
			if err != nil {
				return f, err
			}
			f.Stages = append(f.Stages, stage)
		}
	}
	if v := q.Get("activeOnly"); v != "" {
		active, err := strconv.ParseBool(v)
		if err != nil {
			return f, fmt.Errorf("invalid activeOnly %q", v)
		}
		f.ActiveOnly = active
	}
	if v := q.Get("riskLevel"); v != "" {
		level, err := policy.ParseRiskLevel(v)
		if err != nil {
			return f, err
		}
		f.RiskLevel = level
	}
	return f, nil
}

func (s *Server) listLocks(w http.ResponseWriter, r *http.Request) {
	leases, err := s.orch.ListLocks(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if leases == nil {
		leases = []lock.Lease{}
	}
	writeJSON(w, http.StatusOK, ListResponse[lock.Lease]{Items: leases})
}

func (s *Server) forceUnlock(w http.ResponseWriter, r *http.Request) {
	c, err := s.caller(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	id, err := apiID(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	res, err := s.orch.ForceUnlock(r.Context(), c, id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) auditPage(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f, err := audit.ParseFilter(q.Get("filter"))
	if err != nil {
		s.fail(w, r, invalid(err))
		return
	}
	if f.PageSize, err = pageSize(r); err != nil {
		s.fail(w, r, err)
		return
	}
	token := q.Get("pageToken")
	if token != "" {
		if _, err := audit.ParseCursor(token); err != nil {
			s.fail(w, r, invalid(err))
			return
		}
	}
	entries, next, err := s.orch.AuditPage(r.Context(), f, token)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if entries == nil {
		entries = []audit.Entry{}
	}
	writeJSON(w, http.StatusOK, ListResponse[audit.Entry]{Items: entries, NextPageToken: next})
}

func (s *Server) exportAudit(w http.ResponseWriter, r *http.Request) {
	c, err := s.caller(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	var req exportRequest
	if err := s.decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	f, err := audit.ParseFilter(req.Filter)
	if err != nil {
		s.fail(w, r, invalid(err))
		return
	}
	res, err := s.orch.ExportAuditTrail(r.Context(), c, f)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ExportResponse{ExportResult: *res, CorrelationID: c.CorrelationID})
}
