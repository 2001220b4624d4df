package rbac

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-access/internal/roles"
	"github.com/odyssey-erp/odyssey-access/internal/shared"
	"github.com/odyssey-erp/odyssey-access/internal/users"
)

const testUserHeader = "X-Test-User"

func newRouter(f *fixture) http.Handler {
	guard := Middleware{Checker: f.checker, Identities: f.resolver, Logger: f.logger}
	handler := NewHandler(f.logger, f.service, f.enforcer)

	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if id := req.Header.Get(testUserHeader); id != "" {
				req = req.WithContext(shared.ContextWithUserID(req.Context(), id))
			}
			next.ServeHTTP(w, req)
		})
	})
	r.Route("/customer", func(r chi.Router) {
		r.Use(guard.Guard(shared.PortalCustomer))
		handler.MountRoutes(r)
	})
	r.Route("/platform", func(r chi.Router) {
		r.Use(guard.Guard(shared.PortalPlatform))
		handler.MountRoutes(r)
		handler.MountPlatformRoutes(r)
	})
	return r
}

func call(t *testing.T, h http.Handler, userID, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set(testUserHeader, userID)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHandlerCustomerAdminManagesRoles(t *testing.T) {
	f := newFixture(t)
	_, err := f.service.AssignRole(context.Background(), customerAdminHex, "r1", "o1")
	require.NoError(t, err)
	h := newRouter(f)

	// A non-staff caller cannot redirect the write to another organization.
	rec := call(t, h, customerAdminHex, http.MethodPut, "/customer/users/"+customerBuyerHex+"/role", `{"roleId":"r2","organizationId":"o2"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var user users.User
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &user))
	require.Equal(t, "customer_buyer", user.Role)
	require.Len(t, f.groupings(t, customerBuyerHex, "o1"), 1)
	require.Empty(t, f.groupings(t, customerBuyerHex, "o2"))

	rec = call(t, h, customerBuyerHex, http.MethodGet, "/customer/roles", "")
	require.Equal(t, http.StatusForbidden, rec.Code, "buyer lacks rolesView")

	rec = call(t, h, customerAdminHex, http.MethodPut, "/customer/users/"+customerBuyerHex+"/role", `{"roleId":"r3"}`)
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	require.Contains(t, rec.Body.String(), "portal-mismatch")

	rec = call(t, h, customerAdminHex, http.MethodDelete, "/customer/users/"+customerBuyerHex+"/role", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Empty(t, f.groupings(t, customerBuyerHex, "o1"))
}

func TestHandlerRejectsMalformedAssignments(t *testing.T) {
	f := newFixture(t)
	_, err := f.service.AssignRole(context.Background(), customerAdminHex, "r1", "o1")
	require.NoError(t, err)
	h := newRouter(f)

	for _, body := range []string{`{}`, `{"roleId":"r2","extra":true}`, `not json`} {
		rec := call(t, h, customerAdminHex, http.MethodPut, "/customer/users/"+customerBuyerHex+"/role", body)
		require.Equal(t, http.StatusBadRequest, rec.Code, body)
	}

	rec := call(t, h, customerAdminHex, http.MethodPut, "/customer/users/"+customerBuyerHex+"/role", `{"roleId":"missing"}`)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandlerListsAreScopedToCaller(t *testing.T) {
	f := newFixture(t)
	_, err := f.service.AssignRole(context.Background(), customerAdminHex, "r1", "o1")
	require.NoError(t, err)
	h := newRouter(f)

	rec := call(t, h, customerAdminHex, http.MethodGet, "/customer/roles?portal=vendor&organizationId=o2", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var rolesBody struct {
		Roles []roles.Role `json:"roles"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &rolesBody))
	require.Len(t, rolesBody.Roles, 2)
	for _, r := range rolesBody.Roles {
		require.Equal(t, shared.PortalCustomer, r.Portal)
	}

	rec = call(t, h, customerAdminHex, http.MethodGet, "/customer/users", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var usersBody struct {
		Users []users.User `json:"users"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &usersBody))
	require.Len(t, usersBody.Users, 3)
}

func TestHandlerOperatorActsAcrossOrganizations(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.service.AssignRole(ctx, operatorHex, "r5", "op")
	require.NoError(t, err)
	_, err = f.service.AssignRole(ctx, customerAdminHex, "r1", "o1")
	require.NoError(t, err)
	h := newRouter(f)

	rec := call(t, h, operatorHex, http.MethodPut, "/platform/users/"+customerBuyerHex+"/role", `{"roleId":"r2","organizationId":"o1"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Len(t, f.groupings(t, customerBuyerHex, "o1"), 1)

	rec = call(t, h, operatorHex, http.MethodGet, "/platform/roles?organizationId=o2&portal=customer", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Roles []roles.Role `json:"roles"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Roles, 3)

	rec = call(t, h, operatorHex, http.MethodGet, "/platform/roles?portal=nowhere", "")
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = call(t, h, operatorHex, http.MethodPost, "/platform/policies/reload", "")
	require.Equal(t, http.StatusNoContent, rec.Code)

	// Customer roles are bound to the customer portal group only.
	rec = call(t, h, customerAdminHex, http.MethodPost, "/platform/policies/reload", "")
	require.Equal(t, http.StatusForbidden, rec.Code)
}
