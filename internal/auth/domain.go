// Package auth verifies bearer tokens issued by the upstream identity
// provider and exposes the authenticated user id to downstream handlers.
package auth

import (
	"errors"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidToken covers malformed, expired, or wrongly signed tokens.
var ErrInvalidToken = errors.New("auth: invalid token")

// Claims carries the user id in the standard subject claim.
type Claims struct {
	jwt.RegisteredClaims
}
