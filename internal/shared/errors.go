package shared

import "errors"

var (
	// ErrNotFound indicates resource not found.
	ErrNotFound = errors.New("not found")
	// ErrIdentityNotFound indicates the caller does not resolve to a user record.
	ErrIdentityNotFound = errors.New("identity not found")
	// ErrPermissionUndefined indicates a route with no permission mapping.
	ErrPermissionUndefined = errors.New("permission undefined for route")
	// ErrPermissionUnmapped indicates a permission with no resource/action mapping.
	ErrPermissionUnmapped = errors.New("permission not mapped to resource action")
	// ErrAccessDenied indicates the enforcer refused the request.
	ErrAccessDenied = errors.New("access denied")
	// ErrScopeMismatch occurs when a user or role belongs to another organization.
	ErrScopeMismatch = errors.New("organization scope mismatch")
	// ErrPortalMismatch occurs when a role targets a different portal than the user.
	ErrPortalMismatch = errors.New("portal type mismatch")
	// ErrStoreUnavailable wraps failures reaching the policy or user store.
	ErrStoreUnavailable = errors.New("store unavailable")
	// ErrConflict indicates a concurrent write lost a uniqueness race.
	ErrConflict = errors.New("conflicting write")
)
