// Package cli implements the authzctl operational commands. Each command
// returns a process exit code: 0 success, 1 usage or runtime failure, 3 a
// legitimate denial and 10 a configuration gap.
package cli

import (
	"context"
	"errors"
	"io"
	"os"

	"github.com/odyssey-erp/odyssey-access/internal/identity"
	"github.com/odyssey-erp/odyssey-access/internal/rbac"
	"github.com/odyssey-erp/odyssey-access/internal/routemap"
)

// Exit codes shared by every command.
const (
	ExitOK        = 0
	ExitFailure   = 1
	ExitDenied    = 3
	ExitConfigGap = 10
)

// Resolver resolves user ids for check explanations.
type Resolver interface {
	Resolve(ctx context.Context, userID string) (identity.Identity, error)
}

// Importer loads casbin CSV policy files into the store.
type Importer interface {
	ImportFile(ctx context.Context, path string) (int, error)
}

// AuthzCLI offers operational helpers around the route map and policy store.
type AuthzCLI struct {
	routes   *routemap.Map
	checker  *rbac.Checker
	resolver Resolver
	importer Importer
}

// ErrMissingDependency is returned when a command needs a collaborator the
// CLI was built without.
var ErrMissingDependency = errors.New("cli: dependency not configured")

// NewAuthzCLI constructs the helper. checker, resolver and importer may be
// nil for commands that only inspect the route map.
func NewAuthzCLI(routes *routemap.Map, checker *rbac.Checker, resolver Resolver, importer Importer) (*AuthzCLI, error) {
	if routes == nil {
		return nil, errors.New("cli: route map is required")
	}
	return &AuthzCLI{routes: routes, checker: checker, resolver: resolver, importer: importer}, nil
}

// Output carries the streams and format shared by every command.
type Output struct {
	JSONOutput bool
	Stdout     io.Writer
	Stderr     io.Writer
}

func (o *Output) defaults() {
	if o.Stdout == nil {
		o.Stdout = os.Stdout
	}
	if o.Stderr == nil {
		o.Stderr = os.Stderr
	}
}
