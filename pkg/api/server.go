// Package api exposes the orchestrator over HTTP under /api/migrations/v1.
package api

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"

	"github.com/gatewayshift/orchestrator/pkg/authz"
	"github.com/gatewayshift/orchestrator/pkg/observability"
	"github.com/gatewayshift/orchestrator/pkg/orchestrator"
)

// BasePath is where the migration routes are mounted.
const BasePath = "/api/migrations/v1"

// Config configures the HTTP surface.
type Config struct {
	Auth           AuthConfig `mapstructure:"auth"`
	AllowedOrigins []string   `mapstructure:"allowedOrigins"`

	// Authorizer, when set, checks every migration route before the
	// handler's own ownership and admin checks.
	Authorizer authz.Authorizer `mapstructure:"-"`
}

// Server holds the handlers' dependencies.
type Server struct {
	orch     *orchestrator.Orchestrator
	validate *validator.Validate
	logger   *slog.Logger
}

// NewRouter builds the router: common middleware, the migration routes,
// /healthz and /metrics.
func NewRouter(orch *orchestrator.Orchestrator, cfg Config, logger *slog.Logger) (chi.Router, error) {
	if logger == nil {
		logger = slog.Default()
	}
	identity, err := IdentityMiddleware(cfg.Auth, logger)
	if err != nil {
		return nil, err
	}
	origins := cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"https://*", "http://*"}
	}
	s := &Server{orch: orch, validate: validator.New(), logger: logger}

	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", HeaderPrincipal, HeaderTeam, HeaderRole, HeaderCorrelationID},
		ExposedHeaders:   []string{HeaderCorrelationID},
		AllowCredentials: false,
		MaxAge:           300,
	}))
	r.Use(CorrelationMiddleware)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Method(http.MethodGet, "/metrics", observability.Handler())

	r.Route(BasePath, func(r chi.Router) {
		r.Use(identity)
		if cfg.Authorizer != nil {
			r.Use(authz.Middleware(cfg.Authorizer, BasePath, authzSubject, logger))
		}

		r.Get("/apis", s.listAPIs)
		r.Post("/apis:import", s.importAPIs)
		r.Route("/apis/{apiId}", func(r chi.Router) {
			r.Get("/", s.getStatus)
			r.Get("/history", s.history)
			r.Post("/plan", s.lifecycle(s.orch.Plan))
			r.Post("/validate", s.lifecycle(s.orch.Validate))
			r.Post("/deploy-mirror", s.lifecycle(s.orch.DeployMirror))
			r.Post("/complete", s.lifecycle(s.orch.Complete))
			r.Post("/fail", s.withReason(s.orch.Fail))
			r.Post("/decommission", s.withReason(s.orch.Decommission))
			r.Post("/advance", s.advance)
			r.Post("/approve", s.approve)
			r.Post("/rollback", s.rollback)
		})

		r.Get("/migrations", s.listMigrations)
		r.Get("/migrations:stats", s.migrationStats)

		r.Get("/locks", s.listLocks)
		r.Delete("/locks/{apiId}", s.forceUnlock)

		r.Get("/audit", s.auditPage)
		r.Post("/audit:export", s.exportAudit)
	})
	return r, nil
}

func authzSubject(r *http.Request) (authz.Subject, bool) {
	id, ok := IdentityFromContext(r.Context())
	if !ok {
		return authz.Subject{}, false
	}
	var groups []string
	if id.Team != "" {
		groups = []string{id.Team}
	}
	return authz.Subject{User: id.Principal, Groups: groups}, true
}
