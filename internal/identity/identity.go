// Package identity resolves an authenticated user id to the scope its
// access decisions are made in.
package identity

import (
	"context"

	"github.com/odyssey-erp/odyssey-access/internal/shared"
)

// Identity is the snapshot the enforcer needs about a caller.
type Identity struct {
	UserID         string        `json:"userId"`
	OrganizationID string        `json:"organizationId"`
	Portal         shared.Portal `json:"portalType"`
	Role           string        `json:"role"`
}

// HasRole reports whether the user currently holds a role.
func (i Identity) HasRole() bool {
	return i.Role != ""
}

type contextKey struct{}

// WithIdentity attaches the resolved identity to ctx.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, contextKey{}, id)
}

// FromContext returns the identity attached by the access middleware.
func FromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(contextKey{}).(Identity)
	return id, ok
}
