package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	json "github.com/goccy/go-json"

	"github.com/odyssey-erp/odyssey-access/internal/rbac"
	"github.com/odyssey-erp/odyssey-access/internal/shared"
)

// CheckOptions defines available flags for the check command.
type CheckOptions struct {
	UserID string
	Portal string
	Method string
	Path   string
	Output
}

// CheckExplanation describes the JSON response for check.
type CheckExplanation struct {
	UserID         string `json:"userId"`
	OrganizationID string `json:"organizationId"`
	Role           string `json:"role"`
	Portal         string `json:"portal"`
	Route          string `json:"route"`
	Permission     string `json:"permission,omitempty"`
	Resource       string `json:"resource,omitempty"`
	Action         string `json:"action,omitempty"`
	Outcome        string `json:"outcome"`
	Reason         string `json:"reason,omitempty"`
}

// CheckCommand runs one access decision and explains every step of it.
func (c *AuthzCLI) CheckCommand(ctx context.Context, opts CheckOptions) int {
	opts.defaults()
	if c.checker == nil || c.resolver == nil {
		_, _ = fmt.Fprintf(opts.Stderr, "check: %v\n", ErrMissingDependency)
		return ExitFailure
	}
	if strings.TrimSpace(opts.UserID) == "" || strings.TrimSpace(opts.Path) == "" {
		_, _ = fmt.Fprintln(opts.Stderr, "check: --user and --path are required")
		return ExitFailure
	}
	portal, err := shared.ParsePortal(opts.Portal)
	if err != nil {
		_, _ = fmt.Fprintf(opts.Stderr, "check: %v\n", err)
		return ExitFailure
	}
	method := strings.ToUpper(strings.TrimSpace(opts.Method))
	if method == "" {
		method = http.MethodGet
	}

	id, err := c.resolver.Resolve(ctx, opts.UserID)
	if err != nil {
		if errors.Is(err, shared.ErrIdentityNotFound) {
			_, _ = fmt.Fprintf(opts.Stderr, "check: user %s not found\n", opts.UserID)
		} else {
			_, _ = fmt.Fprintf(opts.Stderr, "check: resolve identity: %v\n", err)
		}
		return ExitFailure
	}
	decision, err := c.checker.CheckAccess(ctx, id, rbac.Request{Portal: portal, Method: method, Path: opts.Path})
	if err != nil {
		_, _ = fmt.Fprintf(opts.Stderr, "check: %v\n", err)
		return ExitFailure
	}

	explanation := CheckExplanation{
		UserID:         id.UserID,
		OrganizationID: id.OrganizationID,
		Role:           id.Role,
		Portal:         string(portal),
		Route:          method + " " + opts.Path,
		Permission:     decision.Permission,
		Resource:       decision.Target.Resource,
		Action:         decision.Target.Action,
		Outcome:        decision.Outcome.String(),
		Reason:         decision.Reason,
	}
	if opts.JSONOutput {
		if err := json.NewEncoder(opts.Stdout).Encode(explanation); err != nil {
			_, _ = fmt.Fprintf(opts.Stderr, "check: encode json: %v\n", err)
			return ExitFailure
		}
	} else {
		renderCheckHuman(opts, explanation, decision)
	}

	switch decision.Outcome {
	case rbac.Allow:
		return ExitOK
	case rbac.Deny:
		return ExitDenied
	default:
		return ExitConfigGap
	}
}

func renderCheckHuman(opts CheckOptions, e CheckExplanation, d rbac.Decision) {
	w := opts.Stdout
	_, _ = fmt.Fprintf(w, "user        %s (org %s, role %q)\n", e.UserID, e.OrganizationID, e.Role)
	_, _ = fmt.Fprintf(w, "route       %s:%s\n", e.Portal, e.Route)
	if e.Permission != "" {
		_, _ = fmt.Fprintf(w, "permission  %s\n", e.Permission)
	}
	if e.Resource != "" {
		_, _ = fmt.Fprintf(w, "target      %s/%s\n", e.Resource, e.Action)
	}
	_, _ = fmt.Fprintf(w, "outcome     %s\n", e.Outcome)
	if d.Cause != nil {
		_, _ = fmt.Fprintf(w, "cause       %v\n", d.Cause)
	}
}
