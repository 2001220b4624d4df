package cli

import (
	"bytes"
	"context"
	"errors"
	"testing"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-access/internal/identity"
	"github.com/odyssey-erp/odyssey-access/internal/rbac"
	"github.com/odyssey-erp/odyssey-access/internal/routemap"
	"github.com/odyssey-erp/odyssey-access/internal/shared"
)

type stubResolver map[string]identity.Identity

func (s stubResolver) Resolve(_ context.Context, userID string) (identity.Identity, error) {
	id, ok := s[userID]
	if !ok {
		return identity.Identity{}, shared.ErrIdentityNotFound
	}
	return id, nil
}

type roleAuthorizer map[string]bool

func (a roleAuthorizer) Allowed(_ context.Context, _, resource, action, _, _, role string) (bool, error) {
	return a[role+":"+resource+"/"+action], nil
}

type stubImporter struct {
	n   int
	err error
}

func (s stubImporter) ImportFile(context.Context, string) (int, error) {
	return s.n, s.err
}

func newCLI(t *testing.T, routes *routemap.Map) *AuthzCLI {
	t.Helper()
	resolver := stubResolver{"u1": {UserID: "u1", OrganizationID: "o1", Portal: shared.PortalCustomer, Role: "customer_admin"}}
	checker := rbac.NewChecker(routes, roleAuthorizer{"customer_admin:rfq/view": true})
	c, err := NewAuthzCLI(routes, checker, resolver, stubImporter{n: 4})
	require.NoError(t, err)
	return c
}

func TestValidateRoutesCommandJSONSuccess(t *testing.T) {
	routes, err := routemap.Default()
	require.NoError(t, err)
	cli := newCLI(t, routes)

	stdout := new(bytes.Buffer)
	code := cli.ValidateRoutesCommand(Output{JSONOutput: true, Stdout: stdout, Stderr: new(bytes.Buffer)})
	require.Equal(t, ExitOK, code)

	var summary RoutesValidateSummary
	require.NoError(t, json.Unmarshal(stdout.Bytes(), &summary))
	require.True(t, summary.OK)
	require.Empty(t, summary.Problems)
	require.GreaterOrEqual(t, summary.Routes, 60)
}

func TestValidateRoutesCommandReportsGaps(t *testing.T) {
	routes, err := routemap.Parse([]byte(`
customer:
  - {method: GET, path: /rfq, permission: rfqView}
`), []byte(`usersView: {resource: user, action: view}`))
	require.NoError(t, err)
	cli := newCLI(t, routes)

	stdout := new(bytes.Buffer)
	code := cli.ValidateRoutesCommand(Output{Stdout: stdout, Stderr: new(bytes.Buffer)})
	require.Equal(t, ExitConfigGap, code)
	require.Contains(t, stdout.String(), "route customer:GET /rfq")
	require.Contains(t, stdout.String(), shared.PermUserRoleAssign)
}

func TestCheckCommandExplainsDecision(t *testing.T) {
	routes, err := routemap.Default()
	require.NoError(t, err)
	cli := newCLI(t, routes)
	ctx := context.Background()

	stdout := new(bytes.Buffer)
	code := cli.CheckCommand(ctx, CheckOptions{UserID: "u1", Portal: "customer", Path: "/customer/rfq",
		Output: Output{JSONOutput: true, Stdout: stdout, Stderr: new(bytes.Buffer)}})
	require.Equal(t, ExitOK, code)
	var e CheckExplanation
	require.NoError(t, json.Unmarshal(stdout.Bytes(), &e))
	require.Equal(t, "rfqView", e.Permission)
	require.Equal(t, "rfq", e.Resource)
	require.Equal(t, "allow", e.Outcome)

	stdout.Reset()
	code = cli.CheckCommand(ctx, CheckOptions{UserID: "u1", Portal: "customer", Method: "post", Path: "/customer/rfq",
		Output: Output{Stdout: stdout, Stderr: new(bytes.Buffer)}})
	require.Equal(t, ExitDenied, code)
	require.Contains(t, stdout.String(), "outcome     deny")

	code = cli.CheckCommand(ctx, CheckOptions{UserID: "u1", Portal: "customer", Path: "/customer/nowhere",
		Output: Output{Stdout: new(bytes.Buffer), Stderr: new(bytes.Buffer)}})
	require.Equal(t, ExitConfigGap, code)
}

func TestCheckCommandRejectsBadInput(t *testing.T) {
	routes, err := routemap.Default()
	require.NoError(t, err)
	cli := newCLI(t, routes)

	cases := []CheckOptions{
		{Portal: "customer", Path: "/customer/rfq"},
		{UserID: "u1", Portal: "warehouse", Path: "/rfq"},
		{UserID: "ghost", Portal: "customer", Path: "/customer/rfq"},
	}
	for _, opts := range cases {
		stderr := new(bytes.Buffer)
		opts.Output = Output{Stdout: new(bytes.Buffer), Stderr: stderr}
		require.Equal(t, ExitFailure, cli.CheckCommand(context.Background(), opts))
		require.NotEmpty(t, stderr.String())
	}
}

func TestImportCommand(t *testing.T) {
	routes, err := routemap.Default()
	require.NoError(t, err)

	stdout := new(bytes.Buffer)
	require.Equal(t, ExitOK, newCLI(t, routes).ImportCommand(context.Background(), ImportOptions{Path: "policy.csv", Output: Output{Stdout: stdout}}))
	require.Equal(t, "imported 4 rules from policy.csv\n", stdout.String())

	failing, err := NewAuthzCLI(routes, nil, nil, stubImporter{err: errors.New("malformed line 3")})
	require.NoError(t, err)
	stderr := new(bytes.Buffer)
	require.Equal(t, ExitFailure, failing.ImportCommand(context.Background(), ImportOptions{Path: "policy.csv", Output: Output{Stderr: stderr}}))
	require.Contains(t, stderr.String(), "malformed line 3")
}
