package shared

import (
	"fmt"
	"strings"
)

// Portal identifies one of the tenant-facing application surfaces.
type Portal string

const (
	PortalPlatform Portal = "platform"
	PortalAdmin    Portal = "admin"
	PortalCustomer Portal = "customer"
	PortalVendor   Portal = "vendor"
)

// Portals lists every portal in mount order.
func Portals() []Portal {
	return []Portal{PortalPlatform, PortalAdmin, PortalCustomer, PortalVendor}
}

// ParsePortal validates a raw portal name.
func ParsePortal(raw string) (Portal, error) {
	p := Portal(strings.ToLower(strings.TrimSpace(raw)))
	if !p.Valid() {
		return "", fmt.Errorf("shared: unknown portal %q", raw)
	}
	return p, nil
}

// Valid reports whether p is a known portal.
func (p Portal) Valid() bool {
	switch p {
	case PortalPlatform, PortalAdmin, PortalCustomer, PortalVendor:
		return true
	}
	return false
}

// Group returns the role-group label bound to roles of this portal.
func (p Portal) Group() string {
	return string(p) + "_portal"
}

// Staff reports whether the portal belongs to operator or admin staff,
// who may act on organizations other than their own.
func (p Portal) Staff() bool {
	return p == PortalPlatform || p == PortalAdmin
}

// PathPrefix returns the URL prefix the portal is mounted under.
func (p Portal) PathPrefix() string {
	return "/" + string(p)
}
