package api

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"gorm.io/gorm"
	authorizationv1 "k8s.io/api/authorization/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/client-go/kubernetes/fake"
	k8stesting "k8s.io/client-go/testing"

	"github.com/gatewayshift/orchestrator/pkg/audit"
	"github.com/gatewayshift/orchestrator/pkg/authz"
	"github.com/gatewayshift/orchestrator/pkg/datastore"
	"github.com/gatewayshift/orchestrator/pkg/discovery"
	"github.com/gatewayshift/orchestrator/pkg/gateway"
	"github.com/gatewayshift/orchestrator/pkg/inventory"
	"github.com/gatewayshift/orchestrator/pkg/lock"
	"github.com/gatewayshift/orchestrator/pkg/metrics"
	"github.com/gatewayshift/orchestrator/pkg/migration"
	"github.com/gatewayshift/orchestrator/pkg/orchestrator"
	"github.com/gatewayshift/orchestrator/pkg/policy"
)

type staticDiscovery struct{ apis []inventory.APIRecord }

func (s *staticDiscovery) Name() string { return "static" }

func (s *staticDiscovery) ListDiscoveredAPIs(_ context.Context, f discovery.Filter) ([]inventory.APIRecord, error) {
	return f.Apply(s.apis), nil
}

func fixtures() []inventory.APIRecord {
	return []inventory.APIRecord{
		{Name: "orders-api", Platform: "apic", BasePath: "/orders", Team: "commerce", RiskLevel: policy.RiskLow},
		{Name: "payments-api", Platform: "apic", BasePath: "/payments", Team: "payments", RiskLevel: policy.RiskMedium},
		{Name: "legacy-health", Platform: "apic", BasePath: "/health"},
	}
}

type who struct {
	principal, team, role string
}

var (
	alice  = who{principal: "alice", team: "commerce"}
	bob    = who{principal: "bob", team: "payments"}
	root   = who{principal: "root", team: "platform", role: "migration-admin"}
	nobody = who{}
)

type testEnv struct {
	db      *gorm.DB
	orch    *orchestrator.Orchestrator
	router  chi.Router
	archive string
}

func newTestEnv(auth AuthConfig) *testEnv {
	return newTestEnvWith(Config{Auth: auth})
}

func newTestEnvWith(cfg Config) *testEnv {
	db, err := datastore.OpenSQLite(":memory:")
	Expect(err).NotTo(HaveOccurred())
	archive := GinkgoT().TempDir()
	orch, err := orchestrator.New(orchestrator.Deps{
		DB:         db,
		Translator: gateway.NewRouteTranslator(gateway.TranslatorConfig{}),
		DataPlane:  gateway.NewMemoryDataPlane(nil),
		Metrics:    metrics.NewStaticSource(),
		Discovery:  &staticDiscovery{apis: fixtures()},
		Archive:    &audit.FileSink{Dir: archive},
	}, orchestrator.WithConfig(orchestrator.Config{LeaseTTL: time.Minute, LockWait: 20 * time.Millisecond}))
	Expect(err).NotTo(HaveOccurred())
	Expect(orch.AutoMigrate()).To(Succeed())

	router, err := NewRouter(orch, cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	Expect(err).NotTo(HaveOccurred())
	return &testEnv{db: db, orch: orch, router: router, archive: archive}
}

type request struct {
	method string
	path   string
	body   any
	as     who
	header map[string]string
}

func (e *testEnv) do(req request) *httptest.ResponseRecorder {
	var body io.Reader
	if req.body != nil {
		raw, err := json.Marshal(req.body)
		Expect(err).NotTo(HaveOccurred())
		body = bytes.NewReader(raw)
	}
	r := httptest.NewRequest(req.method, req.path, body)
	if req.as.principal != "" {
		r.Header.Set(HeaderPrincipal, req.as.principal)
		r.Header.Set(HeaderTeam, req.as.team)
		r.Header.Set(HeaderRole, req.as.role)
	}
	for k, v := range req.header {
		r.Header.Set(k, v)
	}
	rr := httptest.NewRecorder()
	e.router.ServeHTTP(rr, r)
	return rr
}

func decodeAs[T any](rr *httptest.ResponseRecorder) T {
	var out T
	Expect(json.Unmarshal(rr.Body.Bytes(), &out)).To(Succeed(), rr.Body.String())
	return out
}

func apiPath(id, action string) string {
	p := BasePath + "/apis/" + id
	if action != "" {
		p += "/" + action
	}
	return p
}

var _ = Describe("Migration API", func() {
	var e *testEnv

	BeforeEach(func() {
		e = newTestEnv(DefaultAuthConfig())
		rr := e.do(request{method: http.MethodPost, path: BasePath + "/apis:import", body: map[string]any{}, as: root})
		Expect(rr.Code).To(Equal(http.StatusOK), rr.Body.String())
	})

	Context("health and metrics", func() {
		It("serves /healthz and /metrics without identity", func() {
			rr := e.do(request{method: http.MethodGet, path: "/healthz"})
			Expect(rr.Code).To(Equal(http.StatusOK))

			rr = e.do(request{method: http.MethodGet, path: "/metrics"})
			Expect(rr.Code).To(Equal(http.StatusOK))
			Expect(rr.Body.String()).To(ContainSubstring("orchestrator_rollback_execution_failures_total"))
		})
	})

	Context("correlation ids", func() {
		It("echoes the caller's correlation id into the response and the audit trail", func() {
			rr := e.do(request{method: http.MethodPost, path: apiPath("apic:orders-api", "plan"), as: alice,
				header: map[string]string{HeaderCorrelationID: "change-4711"}})
			Expect(rr.Code).To(Equal(http.StatusOK), rr.Body.String())
			Expect(rr.Header().Get(HeaderCorrelationID)).To(Equal("change-4711"))

			res := decodeAs[orchestrator.Result](rr)
			Expect(res.CorrelationID).To(Equal("change-4711"))
			Expect(res.Status).To(Equal("PLANNED"))

			rr = e.do(request{method: http.MethodGet, path: BasePath + `/audit?filter=` + `correlation%20%3D%20%22change-4711%22`})
			Expect(rr.Code).To(Equal(http.StatusOK), rr.Body.String())
			page := decodeAs[ListResponse[audit.Entry]](rr)
			Expect(page.Items).NotTo(BeEmpty())
			for _, entry := range page.Items {
				Expect(entry.CorrelationID).To(Equal("change-4711"))
			}
		})

		It("generates one when the caller sends none", func() {
			rr := e.do(request{method: http.MethodGet, path: BasePath + "/locks"})
			Expect(rr.Header().Get(HeaderCorrelationID)).NotTo(BeEmpty())
		})
	})

	Context("inventory", func() {
		It("lists and filters imported apis", func() {
			rr := e.do(request{method: http.MethodGet, path: BasePath + "/apis?team=commerce"})
			Expect(rr.Code).To(Equal(http.StatusOK))
			page := decodeAs[ListResponse[inventory.APIRecord]](rr)
			Expect(page.Items).To(HaveLen(1))
			Expect(page.Items[0].ID).To(Equal("apic:orders-api"))
		})

		It("pages through the inventory", func() {
			rr := e.do(request{method: http.MethodGet, path: BasePath + "/apis?pageSize=2"})
			page := decodeAs[ListResponse[inventory.APIRecord]](rr)
			Expect(page.Items).To(HaveLen(2))
			Expect(page.NextPageToken).NotTo(BeEmpty())

			rr = e.do(request{method: http.MethodGet, path: BasePath + "/apis?pageSize=2&pageToken=" + page.NextPageToken})
			page = decodeAs[ListResponse[inventory.APIRecord]](rr)
			Expect(page.Items).To(HaveLen(1))
			Expect(page.NextPageToken).To(BeEmpty())
		})

		It("re-import updates existing apis", func() {
			rr := e.do(request{method: http.MethodPost, path: BasePath + "/apis:import", body: map[string]any{"platforms": []string{"apic"}}, as: root})
			Expect(rr.Code).To(Equal(http.StatusOK))
			res := decodeAs[orchestrator.ImportResult](rr)
			Expect(res.Created).To(Equal(0))
			Expect(res.Updated).To(Equal(3))
		})

		It("rejects bad query parameters", func() {
			rr := e.do(request{method: http.MethodGet, path: BasePath + "/apis?riskLevel=EXTREME"})
			Expect(rr.Code).To(Equal(http.StatusBadRequest))
			rr = e.do(request{method: http.MethodGet, path: BasePath + "/apis?pageSize=ten"})
			Expect(rr.Code).To(Equal(http.StatusBadRequest))
		})

		It("reports an unknown api as not found", func() {
			rr := e.do(request{method: http.MethodGet, path: apiPath("apic:missing", "")})
			Expect(rr.Code).To(Equal(http.StatusNotFound))
		})
	})

	Context("lifecycle", func() {
		It("walks an api to the mirror and reports its status", func() {
			for _, action := range []string{"plan", "validate", "deploy-mirror"} {
				rr := e.do(request{method: http.MethodPost, path: apiPath("apic:orders-api", action), as: alice})
				Expect(rr.Code).To(Equal(http.StatusOK), action+": "+rr.Body.String())
			}

			rr := e.do(request{method: http.MethodGet, path: apiPath("apic:orders-api", "")})
			Expect(rr.Code).To(Equal(http.StatusOK))
			st := decodeAs[orchestrator.Status](rr)
			Expect(st.Status).To(Equal("DEPLOYED_MIRROR"))
			Expect(st.Lock).To(BeNil())

			By("holding an advance with no metrics")
			rr = e.do(request{method: http.MethodPost, path: apiPath("apic:orders-api", "advance"), as: alice})
			Expect(rr.Code).To(Equal(http.StatusOK), rr.Body.String())
			adv := decodeAs[orchestrator.AdvanceResult](rr)
			Expect(adv.Reason).To(Equal(policy.ReasonMetricsUnavailable))

			By("listing it among the shifting migrations")
			rr = e.do(request{method: http.MethodGet, path: BasePath + "/migrations?stage=DEPLOYED_MIRROR,CANARY&activeOnly=true"})
			Expect(rr.Code).To(Equal(http.StatusOK))
			recs := decodeAs[ListResponse[migration.Record]](rr)
			Expect(recs.Items).To(HaveLen(1))
			Expect(recs.Items[0].APIID).To(Equal("apic:orders-api"))

			By("counting it per status")
			rr = e.do(request{method: http.MethodGet, path: BasePath + "/migrations:stats?stage=DEPLOYED_MIRROR"})
			Expect(rr.Code).To(Equal(http.StatusOK), rr.Body.String())
			stats := decodeAs[migration.Stats](rr)
			Expect(stats.Total).To(BeEquivalentTo(1))
			Expect(stats.ByStatus).To(HaveLen(1))
			Expect(stats.ByStatus[0].Status).To(Equal("DEPLOYED_MIRROR"))

			rr = e.do(request{method: http.MethodGet, path: BasePath + "/migrations:stats?activeOnly=maybe"})
			Expect(rr.Code).To(Equal(http.StatusBadRequest))

			By("rolling back")
			rr = e.do(request{method: http.MethodPost, path: apiPath("apic:orders-api", "rollback"), as: alice,
				body: map[string]string{"reason": "customer reports"}})
			Expect(rr.Code).To(Equal(http.StatusOK), rr.Body.String())
			Expect(decodeAs[orchestrator.RollbackResult](rr).Status).To(Equal("ROLLED_BACK"))

			rr = e.do(request{method: http.MethodGet, path: apiPath("apic:orders-api", "history")})
			Expect(rr.Code).To(Equal(http.StatusOK))
			Expect(decodeAs[ListResponse[audit.Entry]](rr).Items).To(HaveLen(5))
		})

		It("requires a caller for mutations", func() {
			rr := e.do(request{method: http.MethodPost, path: apiPath("apic:orders-api", "plan"), as: nobody})
			Expect(rr.Code).To(Equal(http.StatusUnauthorized))
		})

		It("refuses a caller whose team does not own the api", func() {
			rr := e.do(request{method: http.MethodPost, path: apiPath("apic:payments-api", "plan"), as: alice})
			Expect(rr.Code).To(Equal(http.StatusForbidden))

			rr = e.do(request{method: http.MethodPost, path: apiPath("apic:payments-api", "plan"), as: bob})
			Expect(rr.Code).To(Equal(http.StatusOK))
		})

		It("maps an invalid edge to 409 with the reason", func() {
			Expect(e.do(request{method: http.MethodPost, path: apiPath("apic:orders-api", "plan"), as: alice}).Code).To(Equal(http.StatusOK))

			rr := e.do(request{method: http.MethodPost, path: apiPath("apic:orders-api", "deploy-mirror"), as: alice})
			Expect(rr.Code).To(Equal(http.StatusConflict))
			body := decodeAs[ErrorResponse](rr)
			Expect(body.Reason).To(Equal(string(migration.RejectInvalidEdge)))
			Expect(body.Status).To(Equal("PLANNED"))
		})

		It("maps a busy lock to 423 naming the holder", func() {
			locks := lock.NewManager(e.db)
			_, err := locks.Acquire(context.Background(), lock.KeyForAPI("apic:orders-api"), "carol", time.Minute)
			Expect(err).NotTo(HaveOccurred())

			rr := e.do(request{method: http.MethodPost, path: apiPath("apic:orders-api", "plan"), as: alice})
			Expect(rr.Code).To(Equal(http.StatusLocked))
			body := decodeAs[ErrorResponse](rr)
			Expect(body.Lock).NotTo(BeNil())
			Expect(body.Lock.Holder).To(Equal("carol"))

			By("letting only an administrator force the lock open")
			rr = e.do(request{method: http.MethodDelete, path: BasePath + "/locks/apic:orders-api", as: alice})
			Expect(rr.Code).To(Equal(http.StatusForbidden))

			rr = e.do(request{method: http.MethodGet, path: BasePath + "/locks"})
			Expect(decodeAs[ListResponse[lock.Lease]](rr).Items).To(HaveLen(1))

			rr = e.do(request{method: http.MethodDelete, path: BasePath + "/locks/apic:orders-api", as: root})
			Expect(rr.Code).To(Equal(http.StatusOK), rr.Body.String())
			res := decodeAs[orchestrator.UnlockResult](rr)
			Expect(res.Displaced).NotTo(BeNil())
			Expect(res.Displaced.Holder).To(Equal("carol"))

			rr = e.do(request{method: http.MethodPost, path: apiPath("apic:orders-api", "plan"), as: alice})
			Expect(rr.Code).To(Equal(http.StatusOK))
		})

		It("validates request bodies", func() {
			rr := e.do(request{method: http.MethodPost, path: apiPath("apic:orders-api", "fail"), as: alice, body: map[string]string{}})
			Expect(rr.Code).To(Equal(http.StatusBadRequest))
			Expect(decodeAs[ErrorResponse](rr).Field).To(Equal("reason"))

			rr = e.do(request{method: http.MethodPost, path: apiPath("apic:orders-api", "rollback"), as: alice,
				body: map[string]string{"because": "typo"}})
			Expect(rr.Code).To(Equal(http.StatusBadRequest))

			rr = e.do(request{method: http.MethodPost, path: BasePath + "/apis:import", as: root,
				body: map[string]any{"include": []string{""}}})
			Expect(rr.Code).To(Equal(http.StatusBadRequest))
		})

		It("decommissions an api that will not be migrated", func() {
			rr := e.do(request{method: http.MethodPost, path: apiPath("apic:legacy-health", "decommission"), as: alice,
				body: map[string]string{"reason": "retired"}})
			Expect(rr.Code).To(Equal(http.StatusOK), rr.Body.String())
			Expect(decodeAs[orchestrator.Result](rr).Status).To(Equal("DECOMMISSIONED"))
		})
	})

	Context("audit", func() {
		BeforeEach(func() {
			Expect(e.do(request{method: http.MethodPost, path: apiPath("apic:orders-api", "plan"), as: alice}).Code).To(Equal(http.StatusOK))
			Expect(e.do(request{method: http.MethodPost, path: apiPath("apic:payments-api", "plan"), as: bob}).Code).To(Equal(http.StatusOK))
		})

		It("filters and pages the trail", func() {
			rr := e.do(request{method: http.MethodGet, path: BasePath + `/audit?pageSize=1&filter=actor%20%3D%20%22bob%22`})
			Expect(rr.Code).To(Equal(http.StatusOK), rr.Body.String())
			page := decodeAs[ListResponse[audit.Entry]](rr)
			Expect(page.Items).To(HaveLen(1))
			Expect(page.Items[0].Actor).To(Equal("bob"))
			Expect(page.NextPageToken).NotTo(BeEmpty())

			rr = e.do(request{method: http.MethodGet, path: BasePath + `/audit?pageSize=1&filter=actor%20%3D%20%22bob%22&pageToken=` + page.NextPageToken})
			next := decodeAs[ListResponse[audit.Entry]](rr)
			Expect(next.Items).To(HaveLen(1))
			Expect(next.Items[0].Seq).To(BeNumerically(">", page.Items[0].Seq))
		})

		It("rejects malformed filters and tokens", func() {
			rr := e.do(request{method: http.MethodGet, path: BasePath + `/audit?filter=actor%20~%20bob`})
			Expect(rr.Code).To(Equal(http.StatusBadRequest))

			rr = e.do(request{method: http.MethodGet, path: BasePath + `/audit?pageToken=not-a-cursor`})
			Expect(rr.Code).To(Equal(http.StatusBadRequest))
		})

		It("exports the trail for administrators only", func() {
			body := map[string]string{"filter": `action = "migration.plan"`}
			rr := e.do(request{method: http.MethodPost, path: BasePath + "/audit:export", as: alice, body: body})
			Expect(rr.Code).To(Equal(http.StatusForbidden))

			rr = e.do(request{method: http.MethodPost, path: BasePath + "/audit:export", as: root, body: body})
			Expect(rr.Code).To(Equal(http.StatusOK), rr.Body.String())
			res := decodeAs[ExportResponse](rr)
			Expect(res.Count).To(Equal(2))
			Expect(res.Sink).To(Equal("file"))
			_, err := os.Stat(filepath.Join(e.archive, filepath.FromSlash(res.Key)))
			Expect(err).NotTo(HaveOccurred())
		})
	})
})

var _ = Describe("JWT identity", func() {
	var (
		e   *testEnv
		key *rsa.PrivateKey
	)

	sign := func(claims jwt.MapClaims) string {
		token, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(key)
		Expect(err).NotTo(HaveOccurred())
		return token
	}

	bearer := func(token string) map[string]string {
		return map[string]string{"Authorization": "Bearer " + token}
	}

	BeforeEach(func() {
		var err error
		key, err = rsa.GenerateKey(rand.Reader, 2048)
		Expect(err).NotTo(HaveOccurred())
		der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
		Expect(err).NotTo(HaveOccurred())
		keyPath := filepath.Join(GinkgoT().TempDir(), "jwt.pem")
		Expect(os.WriteFile(keyPath, pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}), 0o600)).To(Succeed())

		cfg := DefaultAuthConfig()
		cfg.Mode = AuthJWT
		cfg.PublicKeyPath = keyPath
		cfg.TeamClaim = "org.team"
		cfg.RoleClaim = "realm_access.roles"
		e = newTestEnv(cfg)
	})

	It("takes principal, team and admin role from verified claims", func() {
		adminToken := sign(jwt.MapClaims{
			"sub":          "root",
			"org":          map[string]any{"team": "platform"},
			"realm_access": map[string]any{"roles": []any{"user", "migration-admin"}},
			"exp":          time.Now().Add(time.Hour).Unix(),
		})
		rr := e.do(request{method: http.MethodPost, path: BasePath + "/apis:import", body: map[string]any{}, header: bearer(adminToken)})
		Expect(rr.Code).To(Equal(http.StatusOK), rr.Body.String())

		userToken := sign(jwt.MapClaims{
			"sub": "alice",
			"org": map[string]any{"team": "commerce"},
			"exp": time.Now().Add(time.Hour).Unix(),
		})
		rr = e.do(request{method: http.MethodPost, path: apiPath("apic:orders-api", "plan"), header: bearer(userToken)})
		Expect(rr.Code).To(Equal(http.StatusOK), rr.Body.String())

		rr = e.do(request{method: http.MethodPost, path: apiPath("apic:payments-api", "plan"), header: bearer(userToken)})
		Expect(rr.Code).To(Equal(http.StatusForbidden))
	})

	It("ignores identity headers in jwt mode", func() {
		rr := e.do(request{method: http.MethodPost, path: BasePath + "/apis:import", body: map[string]any{}, as: root})
		Expect(rr.Code).To(Equal(http.StatusUnauthorized))
	})

	It("refuses expired or foreign tokens", func() {
		expired := sign(jwt.MapClaims{"sub": "alice", "exp": time.Now().Add(-time.Hour).Unix()})
		rr := e.do(request{method: http.MethodGet, path: BasePath + "/locks", header: bearer(expired)})
		Expect(rr.Code).To(Equal(http.StatusUnauthorized))

		other, err := rsa.GenerateKey(rand.Reader, 2048)
		Expect(err).NotTo(HaveOccurred())
		forged, err := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.MapClaims{"sub": "root"}).SignedString(other)
		Expect(err).NotTo(HaveOccurred())
		rr = e.do(request{method: http.MethodGet, path: BasePath + "/locks", header: bearer(forged)})
		Expect(rr.Code).To(Equal(http.StatusUnauthorized))
	})
})

var _ = Describe("Kubernetes authorization", func() {
	var (
		e       *testEnv
		reviews []authorizationv1.ResourceAttributes
	)

	BeforeEach(func() {
		reviews = nil
		client := fake.NewClientset()
		client.Fake.PrependReactor("create", "subjectaccessreviews",
			func(action k8stesting.Action) (bool, runtime.Object, error) {
				sar := action.(k8stesting.CreateAction).GetObject().(*authorizationv1.SubjectAccessReview)
				attrs := *sar.Spec.ResourceAttributes
				reviews = append(reviews, attrs)

				switch {
				case attrs.Verb == authz.VerbList || attrs.Verb == authz.VerbGet:
					sar.Status.Allowed = true
				case len(sar.Spec.Groups) > 0 && sar.Spec.Groups[0] == "platform":
					sar.Status.Allowed = true
				case sar.Spec.User == "alice" && attrs.Name == "apic:orders-api":
					sar.Status.Allowed = true
				}
				return true, sar, nil
			},
		)
		cfg := Config{Auth: DefaultAuthConfig(), Authorizer: authz.NewSARAuthorizer(client)}
		e = newTestEnvWith(cfg)
		rr := e.do(request{method: http.MethodPost, path: BasePath + "/apis:import", body: map[string]any{}, as: root})
		Expect(rr.Code).To(Equal(http.StatusOK), rr.Body.String())
	})

	It("asks about the api being acted on", func() {
		rr := e.do(request{method: http.MethodPost, path: apiPath("apic:orders-api", "plan"), as: alice})
		Expect(rr.Code).To(Equal(http.StatusOK), rr.Body.String())

		last := reviews[len(reviews)-1]
		Expect(last.Group).To(Equal(authz.APIGroup))
		Expect(last.Resource).To(Equal(authz.ResourceMigrations))
		Expect(last.Verb).To(Equal(authz.VerbUpdate))
		Expect(last.Name).To(Equal("apic:orders-api"))
	})

	It("denies before the ownership check runs", func() {
		rr := e.do(request{method: http.MethodPost, path: apiPath("apic:payments-api", "plan"), as: bob})
		Expect(rr.Code).To(Equal(http.StatusForbidden))
		body := decodeAs[ErrorResponse](rr)
		Expect(body.Error).To(Equal("bob may not update migrations/apic:payments-api"))

		rec, err := e.orch.Machine().Current(context.Background(), "apic:payments-api")
		Expect(err).To(HaveOccurred(), "no migration was opened: %+v", rec)
	})

	It("checks anonymous readers as system:anonymous", func() {
		rr := e.do(request{method: http.MethodGet, path: BasePath + "/apis", as: nobody})
		Expect(rr.Code).To(Equal(http.StatusOK))

		rr = e.do(request{method: http.MethodPost, path: BasePath + "/audit:export", body: map[string]any{}, as: nobody})
		Expect(rr.Code).To(Equal(http.StatusForbidden))
	})

	It("still applies ownership when the authorizer allows", func() {
		rr := e.do(request{method: http.MethodPost, path: apiPath("apic:orders-api", "advance"), as: who{principal: "carol", team: "platform"}})
		Expect(rr.Code).To(Equal(http.StatusForbidden))
		Expect(decodeAs[ErrorResponse](rr).Error).NotTo(ContainSubstring("may not"))
	})
})
