package users

import (
	"time"

	"github.com/odyssey-erp/odyssey-access/internal/shared"
)

// User is a portal account. Role, RoleName and RoleID mirror the user's
// grouping tuple for display; the policy store stays authoritative.
type User struct {
	ID             string        `json:"id"`
	OrganizationID string        `json:"organizationId"`
	Portal         shared.Portal `json:"portalType"`
	Name           string        `json:"name"`
	Email          string        `json:"email"`
	Role           string        `json:"role"`
	RoleName       string        `json:"roleName"`
	RoleID         string        `json:"roleId"`
	UpdatedAt      time.Time     `json:"updatedAt"`
}

// RoleFields is the denormalized role copy written on assignment.
type RoleFields struct {
	Role     string
	RoleName string
	RoleID   string
}

// ClearedRole is written when a user's role is removed.
var ClearedRole = RoleFields{}
