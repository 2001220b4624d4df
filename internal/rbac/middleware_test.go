package rbac

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-access/internal/identity"
	"github.com/odyssey-erp/odyssey-access/internal/platform/httpx"
	"github.com/odyssey-erp/odyssey-access/internal/shared"
)

type decisionLog struct {
	mu   sync.Mutex
	seen []string
}

func (d *decisionLog) ObserveDecision(portal, outcome string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.seen = append(d.seen, portal+"/"+outcome)
}

type failingResolver struct{ err error }

func (f failingResolver) Resolve(context.Context, string) (identity.Identity, error) {
	return identity.Identity{}, f.err
}

func (failingResolver) Invalidate(context.Context, string) {}

func guarded(m Middleware, portal shared.Portal) http.Handler {
	return m.Guard(portal)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, ok := identity.FromContext(r.Context())
		if !ok {
			http.Error(w, "identity missing", http.StatusInternalServerError)
			return
		}
		httpx.JSON(w, http.StatusOK, id)
	}))
}

func serve(t *testing.T, h http.Handler, userID, method, path string) (*httptest.ResponseRecorder, httpx.ProblemDetail) {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	if userID != "" {
		req = req.WithContext(shared.ContextWithUserID(req.Context(), userID))
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var problem httpx.ProblemDetail
	if rec.Code >= 400 {
		require.Equal(t, "application/problem+json", rec.Header().Get("Content-Type"))
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &problem))
	}
	return rec, problem
}

func TestGuardStatusMapping(t *testing.T) {
	f := newFixture(t)
	_, err := f.service.AssignRole(context.Background(), customerBuyerHex, "r2", "o1")
	require.NoError(t, err)

	metrics := &decisionLog{}
	h := guarded(Middleware{Checker: f.checker, Identities: f.resolver, Logger: f.logger, Metrics: metrics}, shared.PortalCustomer)

	cases := []struct {
		name    string
		user    string
		method  string
		path    string
		status  int
		typ     string
		detail  string
		outcome string
	}{
		{name: "anonymous", method: "GET", path: "/customer/rfq", status: http.StatusUnauthorized, outcome: "unauthenticated"},
		{name: "unknown user", user: "ghost", method: "GET", path: "/customer/rfq", status: http.StatusUnauthorized, outcome: "unauthenticated"},
		{name: "allowed", user: customerBuyerHex, method: "GET", path: "/customer/rfq", status: http.StatusOK, outcome: "allow"},
		{name: "missing permission", user: customerBuyerHex, method: "POST", path: "/customer/rfq", status: http.StatusForbidden, typ: httpx.TypeAccessDenied, detail: "rfqCreate", outcome: "deny"},
		{name: "no role", user: customerAdminHex, method: "GET", path: "/customer/rfq", status: http.StatusForbidden, typ: httpx.TypeAccessDenied, detail: "rfqView", outcome: "deny"},
		{name: "unknown route", user: customerBuyerHex, method: "GET", path: "/customer/ledger", status: http.StatusForbidden, typ: httpx.TypePermissionUndefined, detail: "customer:GET /ledger", outcome: "config_error"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec, problem := serve(t, h, tc.user, tc.method, tc.path)
			require.Equal(t, tc.status, rec.Code, rec.Body.String())
			require.Equal(t, tc.typ, problem.Type)
			require.Equal(t, tc.detail, problem.Detail)
		})
	}

	want := make([]string, 0, len(cases))
	for _, tc := range cases {
		want = append(want, "customer/"+tc.outcome)
	}
	require.Equal(t, want, metrics.seen)
}

func TestGuardAttachesIdentity(t *testing.T) {
	f := newFixture(t)
	_, err := f.service.AssignRole(context.Background(), customerBuyerHex, "r2", "o1")
	require.NoError(t, err)

	h := guarded(Middleware{Checker: f.checker, Identities: f.resolver, Logger: f.logger}, shared.PortalCustomer)
	rec, _ := serve(t, h, customerBuyerHex, "GET", "/customer/quotes")
	require.Equal(t, http.StatusOK, rec.Code)

	var got identity.Identity
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Equal(t, identity.Identity{UserID: customerBuyerHex, OrganizationID: "o1", Portal: shared.PortalCustomer, Role: "customer_buyer"}, got)
}

func TestGuardUnmappedPermission(t *testing.T) {
	h := guarded(Middleware{Checker: NewChecker(gapMap(t), &stubAuthorizer{allow: true}), Identities: staticResolver{buyer}}, shared.PortalCustomer)

	rec, problem := serve(t, h, "u1", "GET", "/customer/ledger")
	require.Equal(t, http.StatusForbidden, rec.Code)
	require.Equal(t, httpx.TypePermissionUnmapped, problem.Type)
	require.Equal(t, "ledgerView", problem.Detail)
}

func TestGuardFailsClosedWhenStoresAreDown(t *testing.T) {
	t.Run("identity store", func(t *testing.T) {
		h := guarded(Middleware{Checker: NewChecker(gapMap(t), &stubAuthorizer{allow: true}), Identities: failingResolver{shared.ErrStoreUnavailable}}, shared.PortalCustomer)
		rec, problem := serve(t, h, "u1", "GET", "/customer/rfq")
		require.Equal(t, http.StatusServiceUnavailable, rec.Code)
		require.Equal(t, httpx.TypeStoreUnavailable, problem.Type)
	})

	t.Run("policy store", func(t *testing.T) {
		h := guarded(Middleware{Checker: NewChecker(gapMap(t), &stubAuthorizer{allow: true, err: shared.ErrStoreUnavailable}), Identities: staticResolver{buyer}}, shared.PortalCustomer)
		rec, problem := serve(t, h, "u1", "GET", "/customer/rfq")
		require.Equal(t, http.StatusServiceUnavailable, rec.Code)
		require.Equal(t, httpx.TypeStoreUnavailable, problem.Type)
	})
}

type staticResolver struct{ id identity.Identity }

func (s staticResolver) Resolve(context.Context, string) (identity.Identity, error) {
	return s.id, nil
}

func (staticResolver) Invalidate(context.Context, string) {}
