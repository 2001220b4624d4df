package rbac

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/odyssey-erp/odyssey-access/internal/identity"
	"github.com/odyssey-erp/odyssey-access/internal/platform/httpx"
	"github.com/odyssey-erp/odyssey-access/internal/shared"
)

// DecisionRecorder counts decisions per portal.
type DecisionRecorder interface {
	ObserveDecision(portal, outcome string)
}

// Middleware guards portal routes with CheckAccess.
type Middleware struct {
	Checker    *Checker
	Identities IdentityResolver
	Logger     *slog.Logger
	Metrics    DecisionRecorder
}

// Guard rejects every request to portal the caller may not perform. The
// resolved identity is attached to the context of allowed requests.
func (m Middleware) Guard(portal shared.Portal) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID, ok := shared.UserIDFromContext(r.Context())
			if !ok {
				m.observe(portal, "unauthenticated")
				httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "")
				return
			}
			id, err := m.Identities.Resolve(r.Context(), userID)
			if err != nil {
				if errors.Is(err, shared.ErrIdentityNotFound) {
					m.observe(portal, "unauthenticated")
					httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "")
					return
				}
				m.logger().Error("identity resolve failed", slog.String("user_id", userID), slog.Any("error", err))
				m.observe(portal, "error")
				httpx.TypedProblem(w, http.StatusServiceUnavailable, httpx.TypeStoreUnavailable, "Service Unavailable", "")
				return
			}

			req := Request{Portal: portal, Method: r.Method, Path: r.URL.Path}
			decision, err := m.Checker.CheckAccess(r.Context(), id, req)
			if err != nil {
				m.logger().Error("access check failed", slog.String("user_id", userID), slog.Any("error", err))
				m.observe(portal, "error")
				httpx.TypedProblem(w, http.StatusServiceUnavailable, httpx.TypeStoreUnavailable, "Service Unavailable", "")
				return
			}

			m.observe(portal, decision.Outcome.String())
			switch decision.Outcome {
			case Allow:
				next.ServeHTTP(w, r.WithContext(identity.WithIdentity(r.Context(), id)))
			case Deny:
				m.logger().Debug("access denied",
					slog.String("user_id", id.UserID),
					slog.String("portal", string(portal)),
					slog.String("permission", decision.Permission),
				)
				httpx.TypedProblem(w, http.StatusForbidden, httpx.TypeAccessDenied, "Forbidden", decision.Reason)
			default:
				m.logger().Error("access config gap",
					slog.String("key", decision.Reason),
					slog.String("method", r.Method),
					slog.String("path", r.URL.Path),
					slog.Any("error", decision.Cause),
				)
				typ := httpx.TypePermissionUndefined
				if errors.Is(decision.Cause, shared.ErrPermissionUnmapped) {
					typ = httpx.TypePermissionUnmapped
				}
				httpx.TypedProblem(w, http.StatusForbidden, typ, "Permission Not Configured", decision.Reason)
			}
		})
	}
}

func (m Middleware) observe(portal shared.Portal, outcome string) {
	if m.Metrics != nil {
		m.Metrics.ObserveDecision(string(portal), outcome)
	}
}

func (m Middleware) logger() *slog.Logger {
	if m.Logger == nil {
		return slog.Default()
	}
	return m.Logger
}
