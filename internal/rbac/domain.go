// Package rbac decides access for portal requests and owns the role
// assignment protocol that mutates user grouping tuples.
package rbac

import (
	"context"

	"github.com/odyssey-erp/odyssey-access/internal/identity"
	"github.com/odyssey-erp/odyssey-access/internal/policystore"
	"github.com/odyssey-erp/odyssey-access/internal/roles"
	"github.com/odyssey-erp/odyssey-access/internal/routemap"
	"github.com/odyssey-erp/odyssey-access/internal/shared"
	"github.com/odyssey-erp/odyssey-access/internal/users"
)

// Outcome classifies an access decision.
type Outcome int

const (
	// Allow lets the request through.
	Allow Outcome = iota
	// Deny is a legitimate refusal: the caller lacks the permission.
	Deny
	// ConfigError means the route or permission has no mapping.
	ConfigError
)

func (o Outcome) String() string {
	switch o {
	case Allow:
		return "allow"
	case Deny:
		return "deny"
	case ConfigError:
		return "config_error"
	}
	return "unknown"
}

// Request describes the route being accessed.
type Request struct {
	Portal shared.Portal
	Method string
	Path   string
}

// Decision is the result of CheckAccess. Reason holds the permission name
// for Deny and the missing route key or permission for ConfigError; Cause
// wraps shared.ErrPermissionUndefined or shared.ErrPermissionUnmapped.
type Decision struct {
	Outcome    Outcome
	Reason     string
	Permission string
	Target     routemap.Target
	Cause      error
}

// Authorizer answers enforcement queries.
type Authorizer interface {
	Allowed(ctx context.Context, subject, resource, action, org, portalGroup, role string) (bool, error)
}

// IdentityResolver resolves a user id to its decision scope.
type IdentityResolver interface {
	Resolve(ctx context.Context, userID string) (identity.Identity, error)
	Invalidate(ctx context.Context, userID string)
}

// PolicyWriter mutates grouping and policy tuples.
type PolicyWriter interface {
	ReplaceGrouping(ctx context.Context, userID, roleKey, org, portalGroup string) error
	RemoveGroupingPolicies(ctx context.Context, userID, org string) (int64, error)
	AddPolicies(ctx context.Context, rules []policystore.Rule) error
	AddRoleBinding(ctx context.Context, member, group, portalGroup string) error
}

// UserStore reads and updates user records.
type UserStore interface {
	Get(ctx context.Context, id string) (users.User, error)
	UpdateRoleFields(ctx context.Context, id string, fields users.RoleFields) error
	ListByOrganization(ctx context.Context, organizationID string, portal shared.Portal) ([]users.User, error)
}

// Locker serializes role changes of one user across processes.
// *db.AdvisoryLocker satisfies it.
type Locker interface {
	Lock(ctx context.Context, key string) (unlock func(), err error)
}

// RoleStore reads role records.
type RoleStore interface {
	Get(ctx context.Context, id string) (roles.Role, error)
	ListAssignable(ctx context.Context, organizationID string, portal shared.Portal) ([]roles.Role, error)
}
