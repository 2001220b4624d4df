package roles

import "github.com/odyssey-erp/odyssey-access/internal/shared"

// Role is a named set of permissions for one portal. System roles have no
// organization and are assignable everywhere.
type Role struct {
	ID             string        `json:"id"`
	Key            string        `json:"key"`
	Name           string        `json:"name"`
	Portal         shared.Portal `json:"portalType"`
	Permissions    []string      `json:"permissions"`
	OrganizationID string        `json:"organizationId,omitempty"`
	IsSystem       bool          `json:"isSystem"`
}

// AssignableIn reports whether the role may be granted inside organizationID.
func (r Role) AssignableIn(organizationID string) bool {
	return r.OrganizationID == "" || r.OrganizationID == organizationID
}
