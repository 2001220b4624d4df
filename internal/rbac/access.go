package rbac

import (
	"context"
	"fmt"
	"strings"

	"github.com/odyssey-erp/odyssey-access/internal/identity"
	"github.com/odyssey-erp/odyssey-access/internal/routemap"
)

// Checker resolves a request to a permission and asks the enforcer.
type Checker struct {
	routes   *routemap.Map
	enforcer Authorizer
}

// NewChecker builds a Checker.
func NewChecker(routes *routemap.Map, enforcer Authorizer) *Checker {
	return &Checker{routes: routes, enforcer: enforcer}
}

// CheckAccess decides whether id may perform req. A non-nil error means the
// decision could not be made and the request must be refused.
func (c *Checker) CheckAccess(ctx context.Context, id identity.Identity, req Request) (Decision, error) {
	perm, err := c.routes.Permission(req.Portal, req.Method, req.Path)
	if err != nil {
		key := routemap.Key(req.Portal, strings.ToUpper(req.Method), routemap.Normalize(req.Portal, req.Path))
		return Decision{Outcome: ConfigError, Reason: key, Cause: err}, nil
	}
	target, err := c.routes.Action(perm)
	if err != nil {
		return Decision{Outcome: ConfigError, Reason: perm, Permission: perm, Cause: err}, nil
	}

	ok, err := c.enforcer.Allowed(ctx, id.UserID, target.Resource, target.Action, id.OrganizationID, req.Portal.Group(), id.Role)
	if err != nil {
		return Decision{}, fmt.Errorf("rbac: check %s: %w", perm, err)
	}
	if !ok {
		return Decision{Outcome: Deny, Reason: perm, Permission: perm, Target: target}, nil
	}
	return Decision{Outcome: Allow, Permission: perm, Target: target}, nil
}
