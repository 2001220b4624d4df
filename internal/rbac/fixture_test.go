package rbac

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/odyssey-erp/odyssey-access/internal/identity"
	"github.com/odyssey-erp/odyssey-access/internal/platform/cache"
	"github.com/odyssey-erp/odyssey-access/internal/policy"
	"github.com/odyssey-erp/odyssey-access/internal/policystore"
	"github.com/odyssey-erp/odyssey-access/internal/roles"
	"github.com/odyssey-erp/odyssey-access/internal/routemap"
	"github.com/odyssey-erp/odyssey-access/internal/shared"
	"github.com/odyssey-erp/odyssey-access/internal/users"
)

const (
	customerAdminHex = "aaaaaaaaaaaaaaaaaaaaaaaa"
	customerBuyerHex = "bbbbbbbbbbbbbbbbbbbbbbbb"
	operatorHex      = "cccccccccccccccccccccccc"
)

type memUsers struct {
	mu           sync.Mutex
	users        map[string]users.User
	fail         error
	beforeUpdate func(users.RoleFields)
}

func (m *memUsers) Get(_ context.Context, id string) (users.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return users.User{}, fmt.Errorf("user %s: %w", id, shared.ErrNotFound)
	}
	return u, nil
}

func (m *memUsers) FindIdentity(ctx context.Context, id string) (identity.Identity, error) {
	u, err := m.Get(ctx, id)
	if err != nil {
		return identity.Identity{}, err
	}
	return identity.Identity{UserID: u.ID, OrganizationID: u.OrganizationID, Portal: u.Portal, Role: u.Role}, nil
}

func (m *memUsers) UpdateRoleFields(_ context.Context, id string, fields users.RoleFields) error {
	if m.beforeUpdate != nil {
		m.beforeUpdate(fields)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return m.fail
	}
	u, ok := m.users[id]
	if !ok {
		return shared.ErrNotFound
	}
	u.Role, u.RoleName, u.RoleID = fields.Role, fields.RoleName, fields.RoleID
	m.users[id] = u
	return nil
}

func (m *memUsers) ListByOrganization(_ context.Context, org string, portal shared.Portal) ([]users.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []users.User
	for _, u := range m.users {
		if u.OrganizationID == org && (portal == "" || u.Portal == portal) {
			out = append(out, u)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

type memRoles struct {
	roles map[string]roles.Role
	calls int
	mu    sync.Mutex
}

func (m *memRoles) Get(_ context.Context, id string) (roles.Role, error) {
	r, ok := m.roles[id]
	if !ok {
		return roles.Role{}, fmt.Errorf("role %s: %w", id, shared.ErrNotFound)
	}
	return r, nil
}

func (m *memRoles) ListAssignable(_ context.Context, org string, portal shared.Portal) ([]roles.Role, error) {
	m.mu.Lock()
	m.calls++
	m.mu.Unlock()
	var out []roles.Role
	for _, r := range m.roles {
		if r.AssignableIn(org) && (portal == "" || r.Portal == portal) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memRoles) all() []roles.Role {
	out, _ := m.ListAssignable(context.Background(), "", "")
	var system []roles.Role
	for _, r := range out {
		if r.IsSystem {
			system = append(system, r)
		}
	}
	return system
}

type fixture struct {
	store    *policystore.SQLiteStore
	enforcer *policy.Enforcer
	routes   *routemap.Map
	users    *memUsers
	roles    *memRoles
	resolver *identity.Resolver
	service  *Service
	checker  *Checker
	redis    *miniredis.Miniredis
	logger   *slog.Logger
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	store, err := policystore.OpenSQLite(ctx, ":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	routes, err := routemap.Default()
	if err != nil {
		t.Fatalf("route map: %v", err)
	}

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	userStore := &memUsers{users: map[string]users.User{
		"u1":             {ID: "u1", OrganizationID: "o1", Portal: shared.PortalCustomer, Name: "Ayu"},
		"u2":             {ID: "u2", OrganizationID: "o1", Portal: shared.PortalVendor, Name: "Budi"},
		customerAdminHex: {ID: customerAdminHex, OrganizationID: "o1", Portal: shared.PortalCustomer, Name: "Citra"},
		customerBuyerHex: {ID: customerBuyerHex, OrganizationID: "o1", Portal: shared.PortalCustomer, Name: "Dewi"},
		operatorHex:      {ID: operatorHex, OrganizationID: "op", Portal: shared.PortalPlatform, Name: "Eka"},
	}}
	roleStore := &memRoles{roles: map[string]roles.Role{
		"r1": {ID: "r1", Key: "customer_admin", Name: "Customer Admin", Portal: shared.PortalCustomer, IsSystem: true,
			Permissions: []string{"rfqView", "rfqCreate", shared.PermUsersView, shared.PermRolesView, shared.PermUserRoleAssign, shared.PermUserRoleRemove}},
		"r2": {ID: "r2", Key: "customer_buyer", Name: "Customer Buyer", Portal: shared.PortalCustomer, IsSystem: true,
			Permissions: []string{"rfqView", "quotesView"}},
		"r3": {ID: "r3", Key: "vendor_admin", Name: "Vendor Admin", Portal: shared.PortalVendor, IsSystem: true,
			Permissions: []string{"catalogView", "catalogManage"}},
		"r4": {ID: "r4", Key: "o2_customer_auditor", Name: "Auditor", Portal: shared.PortalCustomer, OrganizationID: "o2",
			Permissions: []string{"invoicesView"}},
		"r5": {ID: "r5", Key: "platform_operator", Name: "Operator", Portal: shared.PortalPlatform, IsSystem: true,
			Permissions: append(shared.CoreScopes(), "organizationsView")},
	}}

	enforcer := policy.NewEnforcer(policy.FromInlineDefault(), store, policy.Options{Logger: logger})
	resolver := identity.NewResolver(userStore, identity.NewRedisCache(client, logger), identity.Options{TTL: time.Minute, Logger: logger})
	lists := cache.NewVersioned(client, "test:lists", time.Minute, time.Second, logger)
	service := NewService(userStore, roleStore, enforcer, resolver, routes, Options{Lists: lists, Logger: logger})

	if _, err := service.Bootstrap(ctx, roleStore.all()); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}

	return &fixture{
		store:    store,
		enforcer: enforcer,
		routes:   routes,
		users:    userStore,
		roles:    roleStore,
		resolver: resolver,
		service:  service,
		checker:  NewChecker(routes, enforcer),
		redis:    mr,
		logger:   logger,
	}
}

func (f *fixture) groupings(t *testing.T, userID, org string) []policystore.Rule {
	t.Helper()
	rules, err := f.store.FindRules(context.Background(), policystore.PTypeUserRole, policystore.Filter{V0: userID, V2: org})
	if err != nil {
		t.Fatalf("find rules: %v", err)
	}
	return rules
}

func (f *fixture) decide(t *testing.T, userID string, portal shared.Portal, method, path string) Decision {
	t.Helper()
	ctx := context.Background()
	id, err := f.resolver.Resolve(ctx, userID)
	if err != nil {
		t.Fatalf("resolve %s: %v", userID, err)
	}
	d, err := f.checker.CheckAccess(ctx, id, Request{Portal: portal, Method: method, Path: path})
	if err != nil {
		t.Fatalf("check access: %v", err)
	}
	return d
}
