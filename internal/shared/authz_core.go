package shared

// Core role-management permissions shared by every portal.
const (
	PermUsersView      = "usersView"
	PermRolesView      = "rolesView"
	PermUserRoleAssign = "userRoleAssign"
	PermUserRoleRemove = "userRoleRemove"

	PermPoliciesReload = "policiesReload"
)

// CoreScopes lists the permissions the role-management API depends on.
func CoreScopes() []string {
	return []string{
		PermUsersView,
		PermRolesView,
		PermUserRoleAssign,
		PermUserRoleRemove,
		PermPoliciesReload,
	}
}
