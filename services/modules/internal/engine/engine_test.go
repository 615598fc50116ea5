package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redbco/redb-modules/pkg/config"
	"github.com/redbco/redb-modules/pkg/health"
	"github.com/redbco/redb-modules/pkg/logger"
	"github.com/redbco/redb-modules/pkg/naming"
	"github.com/redbco/redb-modules/pkg/reserved"
	"github.com/redbco/redb-modules/pkg/scoped"
	"github.com/redbco/redb-modules/pkg/tenancy"
	"github.com/redbco/redb-modules/services/modules/internal/broker"
	"github.com/redbco/redb-modules/services/modules/internal/ddl"
	"github.com/redbco/redb-modules/services/modules/internal/lock"
	"github.com/redbco/redb-modules/services/modules/internal/metrics"
	"github.com/redbco/redb-modules/services/modules/internal/provision"
	"github.com/redbco/redb-modules/services/modules/internal/reconcile"
	"github.com/redbco/redb-modules/services/modules/internal/store"
	"github.com/redbco/redb-modules/services/modules/internal/store/memstore"
	"github.com/redbco/redb-modules/services/modules/internal/tenantctx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

var (
	crmID     = uuid.MustParse("6ba7b810-9dad-11d1-80b4-00c04fd430c8")
	billingID = uuid.MustParse("6ba7b811-9dad-11d1-80b4-00c04fd430c8")
)

const crmManifest = `{
  "module_id": "6ba7b810-9dad-11d1-80b4-00c04fd430c8",
  "tier": "standard",
  "tables": [
    {"name": "contacts", "columns": [{"name": "email", "type": "text", "required": true}]}
  ]
}`

type fixture struct {
	handler  http.Handler
	store    *memstore.Store
	auth     *tenantctx.JWTAuthenticator
	members  *tenantctx.MemoryMemberships
	registry *prometheus.Registry
	agency   uuid.UUID
	site     uuid.UUID
	admin    string
	member   string
	// module credentials of billing and crm code acting for the member
	billing string
	crm     string
}

func newFixture(t *testing.T, grants ...broker.Grant) *fixture {
	t.Helper()
	log := logger.NewWithZap("modules-test", "0.0.0", zaptest.NewLogger(t))
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	st := memstore.New()
	locker := lock.NewKeyedMutex()
	guard := reserved.NewGuard(reserved.Default())
	grantSet := broker.NewGrants(&broker.GrantSet{Grants: grants})

	f := &fixture{
		store:    st,
		auth:     tenantctx.NewJWTAuthenticator([]byte("secret"), "redb"),
		members:  tenantctx.NewMemoryMemberships(),
		registry: reg,
		agency:   uuid.New(),
		site:     uuid.New(),
	}
	f.members.AddSite(f.site, f.agency)

	adminID, memberID := uuid.New(), uuid.New()
	f.members.AddMembership(tenantctx.Membership{UserID: adminID, AgencyID: f.agency, Role: tenancy.RolePlatformAdmin})
	f.members.AddMembership(tenantctx.Membership{UserID: memberID, AgencyID: f.agency, Role: tenancy.RoleMember})
	var err error
	f.admin, err = f.auth.Issue(adminID, uuid.Nil, time.Hour)
	require.NoError(t, err)
	f.member, err = f.auth.Issue(memberID, uuid.Nil, time.Hour)
	require.NoError(t, err)
	f.billing, err = f.auth.IssueModule(memberID, uuid.Nil, billingID, time.Hour)
	require.NoError(t, err)
	f.crm, err = f.auth.IssueModule(memberID, uuid.Nil, crmID, time.Hour)
	require.NoError(t, err)

	checker := health.NewChecker()
	checker.Register("store", st.Ping)

	cfg := config.Default()
	deps := Deps{
		Provisioner: provision.New(st, guard, locker, log, provision.Options{Metrics: m}),
		Reconciler:  reconcile.New(st, locker, log, reconcile.Options{Metrics: m}),
		Broker:      broker.New(grantSet, broker.NewMemoryAudit(), st, scoped.New(st), log, m, broker.Options{}),
		Resolver:    tenantctx.NewResolver(f.auth, f.members, log),
		Reserved:    guard,
		Grants:      grantSet,
		Health:      checker,
		Metrics:     m,
		Gatherer:    reg,
	}
	f.handler = NewEngine(cfg, deps, log).Handler()
	return f
}

func (f *fixture) do(t *testing.T, method, path, token string, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set(SiteHeader, f.site.String())
	w := httptest.NewRecorder()
	f.handler.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func TestProvisionLifecycle(t *testing.T) {
	f := newFixture(t)
	shortID := naming.ShortID(crmID)

	t.Run("plan does not touch the store", func(t *testing.T) {
		w := f.do(t, http.MethodPost, "/api/v1/modules?plan=true", f.admin, crmManifest)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		plan := decode[PlanResponse](t, w)
		assert.Equal(t, shortID, plan.ShortID)
		assert.False(t, plan.Existing)
		assert.Equal(t, []string{"contacts"}, plan.NewTables)
		assert.NotEmpty(t, plan.SQL)

		_, err := f.store.GetEntry(context.Background(), crmID)
		assert.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("provision", func(t *testing.T) {
		w := f.do(t, http.MethodPost, "/api/v1/modules", f.admin, crmManifest)
		require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
		res := decode[provision.Result](t, w)
		assert.True(t, res.Success)
		assert.Equal(t, shortID, res.ShortID)
		assert.Equal(t, []string{"mod_" + shortID + "_contacts"}, res.CreatedTables)
	})

	t.Run("re-provision is a no-op", func(t *testing.T) {
		w := f.do(t, http.MethodPost, "/api/v1/modules", f.admin, crmManifest)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		assert.Empty(t, decode[provision.Result](t, w).CreatedTables)
	})

	t.Run("status", func(t *testing.T) {
		w := f.do(t, http.MethodGet, "/api/v1/modules/"+crmID.String()+"/status", f.member, "")
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, reconcile.Healthy, decode[reconcile.Status](t, w).Status)
	})

	t.Run("tier change conflicts", func(t *testing.T) {
		body := `{"module_id": "` + crmID.String() + `", "tier": "isolated", "tables": [{"name": "contacts", "columns": [{"name": "email", "type": "text"}]}]}`
		w := f.do(t, http.MethodPost, "/api/v1/modules", f.admin, body)
		assert.Equal(t, http.StatusConflict, w.Code)
		assert.Equal(t, StatusError, decode[ErrorResponse](t, w).Status)
	})

	t.Run("drop", func(t *testing.T) {
		w := f.do(t, http.MethodDelete, "/api/v1/modules/"+shortID, f.admin, "")
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())

		w = f.do(t, http.MethodDelete, "/api/v1/modules/"+shortID, f.admin, "")
		assert.Equal(t, http.StatusNotFound, w.Code)

		w = f.do(t, http.MethodGet, "/api/v1/modules/"+crmID.String()+"/status", f.member, "")
		assert.Equal(t, reconcile.NotRegistered, decode[reconcile.Status](t, w).Status)
	})
}

func TestProvisionErrors(t *testing.T) {
	f := newFixture(t)

	cases := []struct {
		name  string
		token string
		path  string
		body  string
		code  int
	}{
		{"no token", "", "/api/v1/modules", crmManifest, http.StatusUnauthorized},
		{"bad token", "nope", "/api/v1/modules", crmManifest, http.StatusUnauthorized},
		{"not a platform admin", f.member, "/api/v1/modules", crmManifest, http.StatusForbidden},
		{"reserved name", f.admin, "/api/v1/modules",
			`{"module_id": "` + crmID.String() + `", "tables": [{"name": "users", "columns": [{"name": "email", "type": "text"}]}]}`,
			http.StatusBadRequest},
		{"malformed manifest", f.admin, "/api/v1/modules", `{"module_id": `, http.StatusBadRequest},
		{"bad plan flag", f.admin, "/api/v1/modules?plan=maybe", crmManifest, http.StatusBadRequest},
		{"bad short id", f.admin, "/api/v1/modules/NOTVALID", "", http.StatusBadRequest},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			method := http.MethodPost
			if c.path == "/api/v1/modules/NOTVALID" {
				method = http.MethodDelete
			}
			w := f.do(t, method, c.path, c.token, c.body)
			assert.Equal(t, c.code, w.Code, w.Body.String())
		})
	}

	t.Run("reserved name created nothing", func(t *testing.T) {
		objs, err := f.store.ListObjects(context.Background())
		require.NoError(t, err)
		assert.Empty(t, objs)
	})

	t.Run("bad module id", func(t *testing.T) {
		w := f.do(t, http.MethodGet, "/api/v1/modules/not-a-uuid/status", f.member, "")
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestOrphanEndpoints(t *testing.T) {
	f := newFixture(t)
	ns, err := naming.NewNamespace("0badc0de", false)
	require.NoError(t, err)
	ref, err := ns.Table("contacts")
	require.NoError(t, err)
	require.NoError(t, f.store.WithTx(context.Background(), func(tx store.Tx) error {
		return tx.Apply(context.Background(), ddl.CreateTable{Table: ref, Columns: ddl.StandardColumns()})
	}))

	w := f.do(t, http.MethodGet, "/api/v1/orphans", f.member, "")
	require.Equal(t, http.StatusOK, w.Code)
	orphans := decode[OrphansResponse](t, w)
	require.Equal(t, 1, orphans.Count)
	assert.Equal(t, "mod_0badc0de_contacts", orphans.Orphans[0].ObjectName)

	t.Run("dry run is the default and open to members", func(t *testing.T) {
		w := f.do(t, http.MethodPost, "/api/v1/orphans/0badc0de/cleanup", f.member, "")
		require.Equal(t, http.StatusOK, w.Code)
		resp := decode[CleanupResponse](t, w)
		assert.True(t, resp.DryRun)
		require.Len(t, resp.Actions, 1)
		assert.False(t, resp.Actions[0].Executed)
		objs, err := f.store.ListObjects(context.Background())
		require.NoError(t, err)
		assert.Len(t, objs, 1, "dry run keeps the table")
	})

	t.Run("execution requires platform admin", func(t *testing.T) {
		w := f.do(t, http.MethodPost, "/api/v1/orphans/0badc0de/cleanup?dry_run=false", f.member, "")
		assert.Equal(t, http.StatusForbidden, w.Code)
	})

	t.Run("execution", func(t *testing.T) {
		w := f.do(t, http.MethodPost, "/api/v1/orphans/0badc0de/cleanup?dry_run=false", f.admin, "")
		require.Equal(t, http.StatusOK, w.Code)
		resp := decode[CleanupResponse](t, w)
		require.Len(t, resp.Actions, 1)
		assert.True(t, resp.Actions[0].Executed)

		w = f.do(t, http.MethodGet, "/api/v1/orphans", f.member, "")
		assert.Equal(t, 0, decode[OrphansResponse](t, w).Count)
	})
}

func TestBrokerEndpoints(t *testing.T) {
	f := newFixture(t, broker.Grant{
		Source:     billingID.String(),
		Target:     crmID.String(),
		Tables:     []string{"contacts"},
		Operations: []broker.Operation{broker.OpRead, broker.OpWrite},
	})
	w := f.do(t, http.MethodPost, "/api/v1/modules", f.admin, crmManifest)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	insert := `{"source_module": "` + billingID.String() + `", "target_module": "` + crmID.String() + `", "table": "contacts", "values": {"email": "a@example.com"}}`
	w = f.do(t, http.MethodPost, "/api/v1/broker/insert", f.billing, insert)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	sel := `{"source_module": "` + billingID.String() + `", "target_module": "` + crmID.String() + `", "table": "contacts"}`
	w = f.do(t, http.MethodPost, "/api/v1/broker/select", f.billing, sel)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	resp := decode[BrokerSelectResponse](t, w)
	require.Equal(t, 1, resp.Count)
	assert.Equal(t, "a@example.com", resp.Rows[0]["email"])

	t.Run("reverse direction is denied", func(t *testing.T) {
		reverse := `{"source_module": "` + crmID.String() + `", "target_module": "` + billingID.String() + `", "table": "contacts"}`
		w := f.do(t, http.MethodPost, "/api/v1/broker/select", f.crm, reverse)
		assert.Equal(t, http.StatusForbidden, w.Code)
	})

	t.Run("source module comes from the credential", func(t *testing.T) {
		implicit := `{"target_module": "` + crmID.String() + `", "table": "contacts"}`
		w := f.do(t, http.MethodPost, "/api/v1/broker/select", f.billing, implicit)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		assert.Equal(t, 1, decode[BrokerSelectResponse](t, w).Count)
	})

	t.Run("claiming another module is rejected", func(t *testing.T) {
		w := f.do(t, http.MethodPost, "/api/v1/broker/select", f.crm, sel)
		assert.Equal(t, http.StatusForbidden, w.Code)
		assert.Contains(t, decode[ErrorResponse](t, w).Message, "source_module does not match")
	})

	t.Run("person credentials cannot call the broker", func(t *testing.T) {
		w := f.do(t, http.MethodPost, "/api/v1/broker/select", f.member, sel)
		assert.Equal(t, http.StatusForbidden, w.Code)
		assert.Contains(t, decode[ErrorResponse](t, w).Message, "module credential")
	})

	t.Run("unknown fields are rejected", func(t *testing.T) {
		w := f.do(t, http.MethodPost, "/api/v1/broker/select", f.member, `{"source": "x"}`)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestHealthWhoAmIAndMetrics(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodGet, "/health", "", "")
	require.Equal(t, http.StatusOK, w.Code)
	body := decode[map[string]interface{}](t, w)
	assert.Equal(t, "healthy", body["status"])
	assert.NotEmpty(t, body["last_healthy"])

	f.do(t, http.MethodGet, "/api/v1/whoami", f.member, "")
	w = f.do(t, http.MethodGet, "/health", "", "")
	body = decode[map[string]interface{}](t, w)
	// the counters are read before this request is recorded
	assert.EqualValues(t, 2, body["requests"])
	assert.EqualValues(t, 0, body["errors"])

	w = f.do(t, http.MethodGet, "/api/v1/whoami", f.member, "")
	require.Equal(t, http.StatusOK, w.Code)
	who := decode[WhoAmIResponse](t, w)
	assert.Equal(t, f.site.String(), who.SiteID)
	assert.Equal(t, tenancy.RoleMember, who.Role)

	w = f.do(t, http.MethodGet, "/metrics", "", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "redb_modules_api_requests_total")
}

func TestReloadRequiresPlatformAdmin(t *testing.T) {
	f := newFixture(t)
	w := f.do(t, http.MethodPost, "/api/v1/admin/reload", f.member, "")
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = f.do(t, http.MethodPost, "/api/v1/admin/reload", f.admin, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, StatusSuccess, decode[ReloadResponse](t, w).Status)
}
