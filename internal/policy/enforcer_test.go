package policy

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-access/internal/policystore"
	"github.com/odyssey-erp/odyssey-access/internal/shared"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestEnforcer(t *testing.T) (*Enforcer, *policystore.SQLiteStore) {
	t.Helper()
	store, err := policystore.OpenSQLite(context.Background(), ":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return NewEnforcer(FromInlineDefault(), store, Options{Logger: quietLogger()}), store
}

func seedCustomerAdmin(t *testing.T, store policystore.Store) {
	t.Helper()
	require.NoError(t, store.AddRules(context.Background(),
		policystore.PolicyRule("customer_admin", "rfq", "view"),
		policystore.RoleGroupRule("customer_admin", "customer_admin", "customer_portal"),
		policystore.UserRoleRule("u1", "customer_admin", "o1"),
	))
}

func TestAllowedGrantsMatchingTuple(t *testing.T) {
	e, store := newTestEnforcer(t)
	seedCustomerAdmin(t, store)

	ok, err := e.Allowed(context.Background(), "u1", "rfq", "view", "o1", "customer_portal", "customer_admin")
	require.NoError(t, err)
	require.True(t, ok)
}

func TestAllowedDeniesByDefault(t *testing.T) {
	e, store := newTestEnforcer(t)
	seedCustomerAdmin(t, store)
	ctx := context.Background()

	cases := []struct {
		name                             string
		sub, obj, act, org, portal, role string
	}{
		{"other action", "u1", "rfq", "create", "o1", "customer_portal", "customer_admin"},
		{"other organization", "u1", "rfq", "view", "o2", "customer_portal", "customer_admin"},
		{"other portal", "u1", "rfq", "view", "o1", "vendor_portal", "customer_admin"},
		{"role not held", "u1", "rfq", "view", "o1", "customer_portal", "customer_buyer"},
		{"unknown subject", "u9", "rfq", "view", "o1", "customer_portal", "customer_admin"},
		{"empty role", "u1", "rfq", "view", "o1", "customer_portal", ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ok, err := e.Allowed(ctx, tc.sub, tc.obj, tc.act, tc.org, tc.portal, tc.role)
			require.NoError(t, err)
			require.False(t, ok)
		})
	}
}

func TestRoleWithoutPortalBindingNeverPasses(t *testing.T) {
	e, store := newTestEnforcer(t)
	require.NoError(t, store.AddRules(context.Background(),
		policystore.PolicyRule("dangling", "rfq", "view"),
		policystore.UserRoleRule("u1", "dangling", "o1"),
	))

	ok, err := e.Allowed(context.Background(), "u1", "rfq", "view", "o1", "customer_portal", "dangling")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestRoleInheritsWithinPortalGroup(t *testing.T) {
	e, store := newTestEnforcer(t)
	ctx := context.Background()
	require.NoError(t, store.AddRules(ctx,
		policystore.PolicyRule("customer_viewer", "rfq", "view"),
		policystore.RoleGroupRule("customer_admin", "customer_admin", "customer_portal"),
		policystore.RoleGroupRule("customer_admin", "customer_viewer", "customer_portal"),
		policystore.UserRoleRule("u1", "customer_admin", "o1"),
	))

	ok, err := e.Allowed(ctx, "u1", "rfq", "view", "o1", "customer_portal", "customer_admin")
	require.NoError(t, err)
	require.True(t, ok)

	// Inheritance is scoped to the portal group it was declared in.
	require.NoError(t, e.AddRoleBinding(ctx, "customer_admin", "customer_admin", "vendor_portal"))
	ok, err = e.Allowed(ctx, "u1", "rfq", "view", "o1", "vendor_portal", "customer_admin")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestMutationsInvalidateCachedEnforcer(t *testing.T) {
	e, store := newTestEnforcer(t)
	seedCustomerAdmin(t, store)
	ctx := context.Background()

	ok, err := e.Allowed(ctx, "u1", "rfq", "create", "o1", "customer_portal", "customer_admin")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, e.AddPolicy(ctx, "customer_admin", "rfq", "create"))
	ok, err = e.Allowed(ctx, "u1", "rfq", "create", "o1", "customer_portal", "customer_admin")
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, e.RevokePolicy(ctx, "customer_admin", "rfq", "create"))
	ok, err = e.Allowed(ctx, "u1", "rfq", "create", "o1", "customer_portal", "customer_admin")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestReplaceGroupingSwapsRole(t *testing.T) {
	e, store := newTestEnforcer(t)
	seedCustomerAdmin(t, store)
	ctx := context.Background()
	require.NoError(t, e.AddPolicy(ctx, "customer_buyer", "rfq", "create"))

	require.NoError(t, e.ReplaceGrouping(ctx, "u1", "customer_buyer", "o1", "customer_portal"))

	ok, err := e.Allowed(ctx, "u1", "rfq", "view", "o1", "customer_portal", "customer_admin")
	require.NoError(t, err)
	require.False(t, ok, "previous role must no longer resolve")

	ok, err = e.Allowed(ctx, "u1", "rfq", "create", "o1", "customer_portal", "customer_buyer")
	require.NoError(t, err)
	require.True(t, ok)

	n, err := e.RemoveGroupingPolicies(ctx, "u1", "o1")
	require.NoError(t, err)
	require.EqualValues(t, 1, n)
	n, err = e.RemoveGroupingPolicies(ctx, "u1", "o1")
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestSavePolicyRoundTripsLoadedRules(t *testing.T) {
	e, store := newTestEnforcer(t)
	seedCustomerAdmin(t, store)
	ctx := context.Background()

	before, err := store.LoadRules(ctx)
	require.NoError(t, err)
	require.NoError(t, e.SavePolicy(ctx))
	after, err := store.LoadRules(ctx)
	require.NoError(t, err)
	require.ElementsMatch(t, before, after)
}

func TestImportFileReplacesStore(t *testing.T) {
	e, store := newTestEnforcer(t)
	ctx := context.Background()
	require.NoError(t, store.AddRules(ctx, policystore.PolicyRule("stale", "rfq", "view")))

	path := filepath.Join(t.TempDir(), "policy.csv")
	csv := "p, vendor_admin, catalog, manage\n" +
		"g, u2, vendor_admin, o2\n" +
		"g2, vendor_admin, vendor_admin, vendor_portal\n"
	require.NoError(t, os.WriteFile(path, []byte(csv), 0o600))

	n, err := e.ImportFile(ctx, path)
	require.NoError(t, err)
	require.Equal(t, 3, n)

	ok, err := e.Allowed(ctx, "u2", "catalog", "manage", "o2", "vendor_portal", "vendor_admin")
	require.NoError(t, err)
	require.True(t, ok)

	stale, err := store.FindRules(ctx, policystore.PTypePolicy, policystore.Filter{V0: "stale"})
	require.NoError(t, err)
	require.Empty(t, stale)
}

func TestConcurrentDecisionsShareOneRebuild(t *testing.T) {
	e, store := newTestEnforcer(t)
	seedCustomerAdmin(t, store)
	counting := &countingStore{Store: store}
	e.store = counting

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := e.Allowed(context.Background(), "u1", "rfq", "view", "o1", "customer_portal", "customer_admin")
			if err != nil || !ok {
				t.Errorf("allowed = %v, err = %v", ok, err)
			}
		}()
	}
	wg.Wait()
	if got := counting.loads(); got < 1 || got >= 16 {
		t.Fatalf("expected coalesced rebuilds, got %d loads", got)
	}
}

func TestAllowedFailsClosedWhenStoreUnavailable(t *testing.T) {
	rec := &rebuildRecorder{}
	e := NewEnforcer(FromInlineDefault(), brokenStore{}, Options{
		Logger:       quietLogger(),
		StoreTimeout: 50 * time.Millisecond,
		Metrics:      rec,
	})

	ok, err := e.Allowed(context.Background(), "u1", "rfq", "view", "o1", "customer_portal", "customer_admin")
	require.False(t, ok)
	if !errors.Is(err, shared.ErrStoreUnavailable) {
		t.Fatalf("expected ErrStoreUnavailable, got %v", err)
	}
	require.Equal(t, 1, rec.failures)

	err = e.AddPolicy(context.Background(), "customer_admin", "rfq", "view")
	require.Error(t, err)
}

type countingStore struct {
	policystore.Store
	mu sync.Mutex
	n  int
}

func (s *countingStore) LoadRules(ctx context.Context) ([]policystore.Rule, error) {
	s.mu.Lock()
	s.n++
	s.mu.Unlock()
	time.Sleep(10 * time.Millisecond)
	return s.Store.LoadRules(ctx)
}

func (s *countingStore) loads() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.n
}

type brokenStore struct{}

var errBroken = errors.New("connection refused")

func (brokenStore) LoadRules(context.Context) ([]policystore.Rule, error) { return nil, errBroken }
func (brokenStore) FindRules(context.Context, string, policystore.Filter) ([]policystore.Rule, error) {
	return nil, errBroken
}
func (brokenStore) AddRules(context.Context, ...policystore.Rule) error { return errBroken }
func (brokenStore) RemoveRules(context.Context, ...policystore.Rule) (int64, error) {
	return 0, errBroken
}
func (brokenStore) RemoveFiltered(context.Context, string, policystore.Filter) (int64, error) {
	return 0, errBroken
}
func (brokenStore) ReplaceGrouping(context.Context, string, string, string, ...policystore.Rule) error {
	return errBroken
}
func (brokenStore) ReplaceAll(context.Context, []policystore.Rule) error { return errBroken }
func (brokenStore) Close() error                                         { return nil }

type rebuildRecorder struct {
	mu       sync.Mutex
	failures int
}

func (r *rebuildRecorder) ObserveRebuild(_ time.Duration, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err != nil {
		r.failures++
	}
}
