// Package routemap resolves normalized portal routes to permissions and
// permissions to the resource/action pairs the policy matcher reasons over.
package routemap

import (
	_ "embed"
	"errors"
	"fmt"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/odyssey-erp/odyssey-access/internal/shared"
)

var (
	//go:embed routes.yaml
	defaultRoutes []byte
	//go:embed permissions.yaml
	defaultPermissions []byte
)

// Route is one entry of the route permission map.
type Route struct {
	Portal     shared.Portal `yaml:"-"`
	Method     string        `yaml:"method"`
	Path       string        `yaml:"path"`
	Permission string        `yaml:"permission"`
}

// Key returns the lookup key of the route.
func (r Route) Key() string {
	return Key(r.Portal, r.Method, r.Path)
}

// Target is the resource/action pair a permission stands for.
type Target struct {
	Resource string `yaml:"resource"`
	Action   string `yaml:"action"`
}

// Map holds both static lookups. It is immutable once built.
type Map struct {
	routes  map[string]Route
	actions map[string]Target
}

// Default loads the embedded route and permission files.
func Default() (*Map, error) {
	return Parse(defaultRoutes, defaultPermissions)
}

// Parse builds a map from YAML documents shaped like the embedded defaults.
func Parse(routesYAML, permissionsYAML []byte) (*Map, error) {
	var byPortal map[string][]Route
	if err := yaml.Unmarshal(routesYAML, &byPortal); err != nil {
		return nil, fmt.Errorf("routemap: decode routes: %w", err)
	}
	var actions map[string]Target
	if err := yaml.Unmarshal(permissionsYAML, &actions); err != nil {
		return nil, fmt.Errorf("routemap: decode permissions: %w", err)
	}

	m := &Map{
		routes:  make(map[string]Route),
		actions: make(map[string]Target, len(actions)),
	}
	for name, target := range actions {
		if strings.TrimSpace(target.Resource) == "" || strings.TrimSpace(target.Action) == "" {
			return nil, fmt.Errorf("routemap: permission %q needs resource and action", name)
		}
		m.actions[name] = target
	}
	for rawPortal, entries := range byPortal {
		portal, err := shared.ParsePortal(rawPortal)
		if err != nil {
			return nil, fmt.Errorf("routemap: %w", err)
		}
		for _, entry := range entries {
			entry.Portal = portal
			entry.Method = strings.ToUpper(strings.TrimSpace(entry.Method))
			entry.Path = Normalize(portal, entry.Path)
			if entry.Method == "" || entry.Permission == "" {
				return nil, fmt.Errorf("routemap: incomplete route %q", entry.Key())
			}
			key := entry.Key()
			if prev, dup := m.routes[key]; dup && prev.Permission != entry.Permission {
				return nil, fmt.Errorf("routemap: route %s mapped to both %s and %s", key, prev.Permission, entry.Permission)
			}
			m.routes[key] = entry
		}
	}
	return m, nil
}

// Permission returns the permission guarding the route. A miss is a
// configuration gap reported as shared.ErrPermissionUndefined.
func (m *Map) Permission(portal shared.Portal, method, rawPath string) (string, error) {
	key := Key(portal, strings.ToUpper(method), Normalize(portal, rawPath))
	route, ok := m.routes[key]
	if !ok {
		return "", fmt.Errorf("%w: %s", shared.ErrPermissionUndefined, key)
	}
	return route.Permission, nil
}

// Action returns the resource/action pair of a permission, or
// shared.ErrPermissionUnmapped.
func (m *Map) Action(permission string) (Target, error) {
	target, ok := m.actions[permission]
	if !ok {
		return Target{}, fmt.Errorf("%w: %s", shared.ErrPermissionUnmapped, permission)
	}
	return target, nil
}

// Routes lists every route ordered by key.
func (m *Map) Routes() []Route {
	out := make([]Route, 0, len(m.routes))
	for _, r := range m.routes {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out
}

// Permissions lists every mapped permission name, sorted.
func (m *Map) Permissions() []string {
	out := make([]string, 0, len(m.actions))
	for name := range m.actions {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Validate reports every route whose permission has no resource/action
// mapping, and every core permission missing from the action map.
func (m *Map) Validate() error {
	var errs []error
	for _, r := range m.Routes() {
		if _, err := m.Action(r.Permission); err != nil {
			errs = append(errs, fmt.Errorf("route %s: %w", r.Key(), err))
		}
	}
	for _, name := range shared.CoreScopes() {
		if _, err := m.Action(name); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
