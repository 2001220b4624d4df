// Package httpx provides HTTP response utilities.
package httpx

import (
	"errors"
	"net/http"

	"github.com/odyssey-erp/odyssey-access/internal/shared"
)

// ErrValidation marks malformed requests.
var ErrValidation = errors.New("validation failed")

// Problem types distinguishing the access failure classes.
const (
	TypeIdentityNotFound    = "identity-not-found"
	TypePermissionUndefined = "permission-undefined"
	TypePermissionUnmapped  = "permission-unmapped"
	TypeAccessDenied        = "access-denied"
	TypeScopeMismatch       = "scope-mismatch"
	TypePortalMismatch      = "portal-mismatch"
	TypeStoreUnavailable    = "store-unavailable"
)

// RespondError maps domain errors to HTTP responses using RFC7807.
func RespondError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, shared.ErrIdentityNotFound):
		TypedProblem(w, http.StatusUnauthorized, TypeIdentityNotFound, "Unauthorized", "")
	case errors.Is(err, shared.ErrPermissionUndefined):
		TypedProblem(w, http.StatusForbidden, TypePermissionUndefined, "Permission Undefined", err.Error())
	case errors.Is(err, shared.ErrPermissionUnmapped):
		TypedProblem(w, http.StatusForbidden, TypePermissionUnmapped, "Permission Unmapped", err.Error())
	case errors.Is(err, shared.ErrAccessDenied):
		TypedProblem(w, http.StatusForbidden, TypeAccessDenied, "Forbidden", err.Error())
	case errors.Is(err, shared.ErrScopeMismatch):
		TypedProblem(w, http.StatusUnprocessableEntity, TypeScopeMismatch, "Scope Mismatch", err.Error())
	case errors.Is(err, shared.ErrPortalMismatch):
		TypedProblem(w, http.StatusUnprocessableEntity, TypePortalMismatch, "Portal Mismatch", err.Error())
	case errors.Is(err, shared.ErrNotFound):
		Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, shared.ErrConflict):
		Problem(w, http.StatusConflict, "Conflict", err.Error())
	case errors.Is(err, ErrValidation):
		Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
	case errors.Is(err, shared.ErrStoreUnavailable):
		TypedProblem(w, http.StatusServiceUnavailable, TypeStoreUnavailable, "Service Unavailable", "")
	default:
		Problem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}
