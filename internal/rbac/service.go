package rbac

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/odyssey-erp/odyssey-access/internal/platform/cache"
	"github.com/odyssey-erp/odyssey-access/internal/policystore"
	"github.com/odyssey-erp/odyssey-access/internal/roles"
	"github.com/odyssey-erp/odyssey-access/internal/routemap"
	"github.com/odyssey-erp/odyssey-access/internal/shared"
	"github.com/odyssey-erp/odyssey-access/internal/users"
)

// RoleChangeRecorder counts assignments and removals.
type RoleChangeRecorder interface {
	ObserveRoleChange(op string, err error)
}

// Options carries the optional collaborators of a Service.
type Options struct {
	// Lists caches per-organization role and user lists; nil disables it.
	Lists *cache.Versioned
	// Locker serializes role changes across processes; nil keeps them
	// serialized within this process only.
	Locker  Locker
	Metrics RoleChangeRecorder
	Logger  *slog.Logger
}

// Service is the only writer of user→role grouping tuples.
type Service struct {
	users      UserStore
	roles      RoleStore
	policy     PolicyWriter
	identities IdentityResolver
	routes     *routemap.Map
	lists      *cache.Versioned
	metrics    RoleChangeRecorder
	logger     *slog.Logger
	locks      *keyedMutex
	locker     Locker
}

// NewService constructs a Service.
func NewService(userStore UserStore, roleStore RoleStore, policy PolicyWriter, identities IdentityResolver, routes *routemap.Map, opts Options) *Service {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		users:      userStore,
		roles:      roleStore,
		policy:     policy,
		identities: identities,
		routes:     routes,
		lists:      opts.Lists,
		metrics:    opts.Metrics,
		logger:     logger,
		locks:      newKeyedMutex(),
		locker:     opts.Locker,
	}
}

// AssignRole makes roleID the only role of userID in organizationID.
//
// The grouping tuple swap and the rewrite of the user record's display copy
// run under one per-user lock, so concurrent assignments from any process
// leave the record naming the surviving tuple's role. Caches are invalidated
// last so no reader can re-cache the previous role.
func (s *Service) AssignRole(ctx context.Context, userID, roleID, organizationID string) (users.User, error) {
	user, err := s.users.Get(ctx, userID)
	if err != nil {
		return users.User{}, fmt.Errorf("rbac: load user %s: %w", userID, err)
	}
	role, err := s.roles.Get(ctx, roleID)
	if err != nil {
		return users.User{}, fmt.Errorf("rbac: load role %s: %w", roleID, err)
	}
	if user.OrganizationID != organizationID {
		return users.User{}, fmt.Errorf("rbac: user %s is not in organization %s: %w", userID, organizationID, shared.ErrScopeMismatch)
	}
	if !role.AssignableIn(organizationID) {
		return users.User{}, fmt.Errorf("rbac: role %s belongs to organization %s: %w", role.Key, role.OrganizationID, shared.ErrScopeMismatch)
	}
	if user.Portal != role.Portal {
		return users.User{}, fmt.Errorf("rbac: role %s is for portal %s, user %s is %s: %w", role.Key, role.Portal, userID, user.Portal, shared.ErrPortalMismatch)
	}

	unlock, err := s.lock(ctx, userID, organizationID)
	if err != nil {
		s.observe("assign", err)
		return users.User{}, err
	}
	defer unlock()

	err = s.policy.ReplaceGrouping(ctx, userID, role.Key, organizationID, role.Portal.Group())
	s.observe("assign", err)
	if err != nil {
		return users.User{}, fmt.Errorf("rbac: assign %s to %s: %w", role.Key, userID, err)
	}

	fields := users.RoleFields{Role: role.Key, RoleName: role.Name, RoleID: role.ID}
	if err := s.users.UpdateRoleFields(ctx, userID, fields); err != nil {
		s.afterChange(ctx, userID, organizationID)
		return users.User{}, fmt.Errorf("rbac: role %s granted to %s but user record not updated: %w", role.Key, userID, err)
	}
	s.afterChange(ctx, userID, organizationID)

	user.Role, user.RoleName, user.RoleID = fields.Role, fields.RoleName, fields.RoleID
	return user, nil
}

// RemoveRole drops every role userID holds in organizationID. Removing a
// role that is not there succeeds.
func (s *Service) RemoveRole(ctx context.Context, userID, organizationID string) (users.User, error) {
	user, err := s.users.Get(ctx, userID)
	if err != nil {
		return users.User{}, fmt.Errorf("rbac: load user %s: %w", userID, err)
	}
	if user.OrganizationID != organizationID {
		return users.User{}, fmt.Errorf("rbac: user %s is not in organization %s: %w", userID, organizationID, shared.ErrScopeMismatch)
	}

	unlock, err := s.lock(ctx, userID, organizationID)
	if err != nil {
		s.observe("remove", err)
		return users.User{}, err
	}
	defer unlock()

	_, err = s.policy.RemoveGroupingPolicies(ctx, userID, organizationID)
	s.observe("remove", err)
	if err != nil {
		return users.User{}, fmt.Errorf("rbac: remove role of %s: %w", userID, err)
	}
	if err := s.users.UpdateRoleFields(ctx, userID, users.ClearedRole); err != nil {
		s.afterChange(ctx, userID, organizationID)
		return users.User{}, fmt.Errorf("rbac: role of %s removed but user record not updated: %w", userID, err)
	}
	s.afterChange(ctx, userID, organizationID)

	user.Role, user.RoleName, user.RoleID = "", "", ""
	return user, nil
}

// lock takes the in-process lock of (userID, organizationID) and then the
// shared one when a Locker is configured.
func (s *Service) lock(ctx context.Context, userID, organizationID string) (func(), error) {
	key := userID + "|" + organizationID
	release := s.locks.Lock(key)
	if s.locker == nil {
		return release, nil
	}
	unlock, err := s.locker.Lock(ctx, "rbac:role|"+key)
	if err != nil {
		release()
		return nil, fmt.Errorf("rbac: lock role of %s: %w: %v", userID, shared.ErrStoreUnavailable, err)
	}
	return func() {
		unlock()
		release()
	}, nil
}

// ListAssignableRoles returns the system roles and organizationID's own
// roles, optionally restricted to portal.
func (s *Service) ListAssignableRoles(ctx context.Context, organizationID string, portal shared.Portal) ([]roles.Role, error) {
	var out []roles.Role
	err := s.lists.FetchJSON(ctx, listScope(organizationID), []string{"roles", string(portal)}, &out, func(ctx context.Context) (interface{}, error) {
		list, err := s.roles.ListAssignable(ctx, organizationID, portal)
		if err != nil {
			return nil, err
		}
		if list == nil {
			list = []roles.Role{}
		}
		return list, nil
	})
	if err != nil {
		return nil, fmt.Errorf("rbac: list roles: %w", err)
	}
	return out, nil
}

// ListUsersForAssignment returns organizationID's users with their current
// role, optionally restricted to portal.
func (s *Service) ListUsersForAssignment(ctx context.Context, organizationID string, portal shared.Portal) ([]users.User, error) {
	var out []users.User
	err := s.lists.FetchJSON(ctx, listScope(organizationID), []string{"users", string(portal)}, &out, func(ctx context.Context) (interface{}, error) {
		list, err := s.users.ListByOrganization(ctx, organizationID, portal)
		if err != nil {
			return nil, err
		}
		if list == nil {
			list = []users.User{}
		}
		return list, nil
	})
	if err != nil {
		return nil, fmt.Errorf("rbac: list users: %w", err)
	}
	return out, nil
}

// Bootstrap writes the allow tuples implied by each role's permissions and
// binds each role to its portal group. Unmapped permissions abort before
// anything is written.
func (s *Service) Bootstrap(ctx context.Context, list []roles.Role) (int, error) {
	var (
		rules []policystore.Rule
		errs  []error
	)
	for _, role := range list {
		if !role.Portal.Valid() {
			errs = append(errs, fmt.Errorf("role %s: unknown portal %q", role.Key, role.Portal))
			continue
		}
		for _, perm := range role.Permissions {
			target, err := s.routes.Action(perm)
			if err != nil {
				errs = append(errs, fmt.Errorf("role %s: %w", role.Key, err))
				continue
			}
			rules = append(rules, policystore.PolicyRule(role.Key, target.Resource, target.Action))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return 0, fmt.Errorf("rbac: bootstrap: %w", err)
	}

	if len(rules) > 0 {
		if err := s.policy.AddPolicies(ctx, rules); err != nil {
			return 0, fmt.Errorf("rbac: bootstrap policies: %w", err)
		}
	}
	for _, role := range list {
		if err := s.policy.AddRoleBinding(ctx, role.Key, role.Key, role.Portal.Group()); err != nil {
			return 0, fmt.Errorf("rbac: bind %s: %w", role.Key, err)
		}
	}
	return len(rules), nil
}

func (s *Service) afterChange(ctx context.Context, userID, organizationID string) {
	s.identities.Invalidate(ctx, userID)
	if err := s.lists.Bump(ctx, listScope(organizationID)); err != nil {
		s.logger.Warn("list cache bump failed", slog.String("organization_id", organizationID), slog.Any("error", err))
	}
}

func (s *Service) observe(op string, err error) {
	if s.metrics != nil {
		s.metrics.ObserveRoleChange(op, err)
	}
}

func listScope(organizationID string) string {
	return "org:" + organizationID
}
