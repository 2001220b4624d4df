package rbac

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/odyssey-erp/odyssey-access/internal/identity"
	"github.com/odyssey-erp/odyssey-access/internal/platform/httpx"
	"github.com/odyssey-erp/odyssey-access/internal/shared"
)

// Reloader rebuilds the enforcer from the store.
type Reloader interface {
	Rebuild(ctx context.Context) error
}

// Handler exposes role management as JSON endpoints under a guarded portal.
type Handler struct {
	logger    *slog.Logger
	service   *Service
	reloader  Reloader
	validator *validator.Validate
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, service *Service, reloader Reloader) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, service: service, reloader: reloader, validator: validator.New()}
}

// MountRoutes registers the role management routes every portal exposes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/roles", h.listRoles)
	r.Get("/users", h.listUsers)
	r.Put("/users/{id}/role", h.assignRole)
	r.Delete("/users/{id}/role", h.removeRole)
}

// MountPlatformRoutes registers operator-only routes.
func (h *Handler) MountPlatformRoutes(r chi.Router) {
	r.Post("/policies/reload", h.reloadPolicies)
}

type assignRoleRequest struct {
	RoleID         string `json:"roleId" validate:"required"`
	OrganizationID string `json:"organizationId" validate:"omitempty,max=64"`
}

func (h *Handler) listRoles(w http.ResponseWriter, r *http.Request) {
	id, _ := identity.FromContext(r.Context())
	org := targetOrganization(id, r.URL.Query().Get("organizationId"))
	portal, err := h.portalFilter(id, r.URL.Query().Get("portal"))
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	list, err := h.service.ListAssignableRoles(r.Context(), org, portal)
	if err != nil {
		h.fail(w, "list roles", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"roles": list})
}

func (h *Handler) listUsers(w http.ResponseWriter, r *http.Request) {
	id, _ := identity.FromContext(r.Context())
	org := targetOrganization(id, r.URL.Query().Get("organizationId"))
	portal, err := h.portalFilter(id, r.URL.Query().Get("portal"))
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	list, err := h.service.ListUsersForAssignment(r.Context(), org, portal)
	if err != nil {
		h.fail(w, "list users", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"users": list})
}

func (h *Handler) assignRole(w http.ResponseWriter, r *http.Request) {
	id, _ := identity.FromContext(r.Context())
	var req assignRoleRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, fmt.Errorf("%w: %v", httpx.ErrValidation, err))
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.RespondError(w, fmt.Errorf("%w: %v", httpx.ErrValidation, err))
		return
	}
	org := targetOrganization(id, req.OrganizationID)
	user, err := h.service.AssignRole(r.Context(), chi.URLParam(r, "id"), req.RoleID, org)
	if err != nil {
		h.fail(w, "assign role", err)
		return
	}
	httpx.JSON(w, http.StatusOK, user)
}

func (h *Handler) removeRole(w http.ResponseWriter, r *http.Request) {
	id, _ := identity.FromContext(r.Context())
	org := targetOrganization(id, r.URL.Query().Get("organizationId"))
	user, err := h.service.RemoveRole(r.Context(), chi.URLParam(r, "id"), org)
	if err != nil {
		h.fail(w, "remove role", err)
		return
	}
	httpx.JSON(w, http.StatusOK, user)
}

func (h *Handler) reloadPolicies(w http.ResponseWriter, r *http.Request) {
	if err := h.reloader.Rebuild(r.Context()); err != nil {
		h.fail(w, "reload policies", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) fail(w http.ResponseWriter, op string, err error) {
	h.logger.Warn("role management request failed", slog.String("op", op), slog.Any("error", err))
	httpx.RespondError(w, err)
}

// portalFilter lets staff pick any portal; everyone else sees their own.
func (h *Handler) portalFilter(id identity.Identity, raw string) (shared.Portal, error) {
	if !id.Portal.Staff() {
		return id.Portal, nil
	}
	if strings.TrimSpace(raw) == "" {
		return "", nil
	}
	portal, err := shared.ParsePortal(raw)
	if err != nil {
		return "", fmt.Errorf("%w: %v", httpx.ErrValidation, err)
	}
	return portal, nil
}

// targetOrganization honours an explicit organization only for staff callers.
func targetOrganization(id identity.Identity, requested string) string {
	requested = strings.TrimSpace(requested)
	if requested != "" && id.Portal.Staff() {
		return requested
	}
	return id.OrganizationID
}
