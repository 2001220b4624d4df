package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"sort"

	"github.com/odyssey-erp/odyssey-access/internal/app"
	"github.com/odyssey-erp/odyssey-access/internal/roles"
	"github.com/odyssey-erp/odyssey-access/internal/routemap"
	"github.com/odyssey-erp/odyssey-access/internal/shared"
	"github.com/odyssey-erp/odyssey-access/internal/users"
)

type demoUser struct {
	user   users.User
	roleID string
}

func main() {
	ctx := context.Background()
	cfg, err := app.LoadConfig()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))

	c, err := app.Build(ctx, cfg, logger)
	if err != nil {
		log.Fatalf("wire services: %v", err)
	}
	defer c.Close()

	system := systemRoles(c.Routes)
	logger.Info("seeding roles", slog.Int("count", len(system)))
	for _, role := range system {
		if err := c.Roles.Upsert(ctx, role); err != nil {
			log.Fatalf("upsert role %s: %v", role.Key, err)
		}
	}

	n, err := c.Service.Bootstrap(ctx, system)
	if err != nil {
		log.Fatalf("bootstrap policies: %v", err)
	}
	logger.Info("policies written", slog.Int("rules", n))

	for _, d := range demoUsers() {
		if err := c.Users.Upsert(ctx, d.user); err != nil {
			log.Fatalf("upsert user %s: %v", d.user.Email, err)
		}
		if _, err := c.Service.AssignRole(ctx, d.user.ID, d.roleID, d.user.OrganizationID); err != nil {
			log.Fatalf("assign %s to %s: %v", d.roleID, d.user.Email, err)
		}
	}
	logger.Info("seed complete")
}

// systemRoles derives one admin role per portal holding every permission its
// routes need, plus narrower operational roles.
func systemRoles(routes *routemap.Map) []roles.Role {
	perPortal := make(map[shared.Portal]map[string]struct{})
	for _, r := range routes.Routes() {
		if perPortal[r.Portal] == nil {
			perPortal[r.Portal] = make(map[string]struct{})
		}
		perPortal[r.Portal][r.Permission] = struct{}{}
	}

	var out []roles.Role
	for _, portal := range shared.Portals() {
		perms := make([]string, 0, len(perPortal[portal]))
		for p := range perPortal[portal] {
			perms = append(perms, p)
		}
		sort.Strings(perms)
		out = append(out, roles.Role{
			ID:          "role_" + string(portal) + "_admin",
			Key:         string(portal) + "_admin",
			Name:        "Administrator",
			Portal:      portal,
			Permissions: perms,
			IsSystem:    true,
		})
	}
	out = append(out,
		roles.Role{
			ID: "role_customer_buyer", Key: "customer_buyer", Name: "Buyer",
			Portal: shared.PortalCustomer, IsSystem: true,
			Permissions: []string{"rfqView", "rfqCreate", "quotesView"},
		},
		roles.Role{
			ID: "role_vendor_sales", Key: "vendor_sales", Name: "Sales",
			Portal: shared.PortalVendor, IsSystem: true,
			Permissions: []string{"rfqView", "quoteSubmit", "quotesView"},
		},
	)
	return out
}

func demoUsers() []demoUser {
	return []demoUser{
		{user: users.User{ID: "650000000000000000000001", OrganizationID: "odyssey", Portal: shared.PortalPlatform, Name: "Platform Operator", Email: "ops@odyssey.local"}, roleID: "role_platform_admin"},
		{user: users.User{ID: "650000000000000000000002", OrganizationID: "odyssey", Portal: shared.PortalAdmin, Name: "Support Admin", Email: "support@odyssey.local"}, roleID: "role_admin_admin"},
		{user: users.User{ID: "650000000000000000000003", OrganizationID: "acme", Portal: shared.PortalCustomer, Name: "Acme Admin", Email: "admin@acme.local"}, roleID: "role_customer_admin"},
		{user: users.User{ID: "650000000000000000000004", OrganizationID: "acme", Portal: shared.PortalCustomer, Name: "Acme Buyer", Email: "buyer@acme.local"}, roleID: "role_customer_buyer"},
		{user: users.User{ID: "650000000000000000000005", OrganizationID: "globex", Portal: shared.PortalVendor, Name: "Globex Sales", Email: "sales@globex.local"}, roleID: "role_vendor_sales"},
	}
}
