package permissions

import (
	"sort"
	"strings"
)

// Resolver answers role capability questions over an immutable table.
type Resolver struct {
	defaultRole string
	grants      map[string]map[string]Level
	routes      []routeRequirement
}

type routeRequirement struct {
	prefix string
	checks []Check
}

// NewResolver copies table into an immutable Resolver.
// Each resource keeps only the highest granted level.
func NewResolver(table Table) *Resolver {
	grants := make(map[string]map[string]Level, len(table.Roles))
	for role, resources := range table.Roles {
		normalizedRole := normalize(role)
		roleGrants := make(map[string]Level, len(resources))
		for resource, levels := range resources {
			highest := LevelNone
			for _, level := range levels {
				if level > highest {
					highest = level
				}
			}
			roleGrants[normalize(resource)] = highest
		}
		grants[normalizedRole] = roleGrants
	}

	routes := make([]routeRequirement, 0, len(table.Routes))
	for path, checks := range table.Routes {
		routes = append(routes, routeRequirement{
			prefix: cleanRoute(path),
			checks: append([]Check(nil), checks...),
		})
	}
	sort.Slice(routes, func(left, right int) bool {
		if len(routes[left].prefix) != len(routes[right].prefix) {
			return len(routes[left].prefix) > len(routes[right].prefix)
		}
		return routes[left].prefix < routes[right].prefix
	})

	return &Resolver{
		defaultRole: normalize(table.DefaultRole),
		grants:      grants,
		routes:      routes,
	}
}

// DefaultRole returns the role applied to unknown role names.
func (resolver *Resolver) DefaultRole() string {
	return resolver.defaultRole
}

// ResolveRole maps an unknown or empty role onto the default role.
func (resolver *Resolver) ResolveRole(role string) string {
	normalizedRole := normalize(role)
	if _, ok := resolver.grants[normalizedRole]; ok {
		return normalizedRole
	}
	return resolver.defaultRole
}

// HasPermission reports whether role may perform action on resource.
// Unknown resources are denied.
func (resolver *Resolver) HasPermission(role string, resource string, action Level) bool {
	if action <= LevelNone {
		return false
	}
	roleGrants, ok := resolver.grants[resolver.ResolveRole(role)]
	if !ok {
		return false
	}
	highest, ok := roleGrants[normalize(resource)]
	if !ok {
		return false
	}
	return highest >= action
}

// Allows reports whether role satisfies a single check.
func (resolver *Resolver) Allows(role string, check Check) bool {
	return resolver.HasPermission(role, check.Resource, check.Action)
}

// Missing returns the first check role fails, if any.
func (resolver *Resolver) Missing(role string, checks []Check) (Check, bool) {
	for _, check := range checks {
		if !resolver.Allows(role, check) {
			return check, true
		}
	}
	return Check{}, false
}

// RouteChecks returns the requirements declared for path, matched by the
// longest route prefix on a segment boundary.
func (resolver *Resolver) RouteChecks(path string) ([]Check, bool) {
	cleaned := cleanRoute(path)
	for _, route := range resolver.routes {
		if cleaned == route.prefix || route.prefix == "/" || strings.HasPrefix(cleaned, route.prefix+"/") {
			return append([]Check(nil), route.checks...), true
		}
	}
	return nil, false
}

// Routes lists the distinct declared route prefixes in lexical order.
func (resolver *Resolver) Routes() []string {
	routes := make([]string, 0, len(resolver.routes))
	seen := make(map[string]struct{}, len(resolver.routes))
	for _, route := range resolver.routes {
		if _, ok := seen[route.prefix]; ok {
			continue
		}
		seen[route.prefix] = struct{}{}
		routes = append(routes, route.prefix)
	}
	sort.Strings(routes)
	return routes
}

// CanAccessRoute reports whether role may open path. Undeclared routes are open.
func (resolver *Resolver) CanAccessRoute(role string, path string) bool {
	checks, declared := resolver.RouteChecks(path)
	if !declared {
		return true
	}
	_, missing := resolver.Missing(role, checks)
	return !missing
}

func normalize(value string) string {
	return strings.ToLower(strings.TrimSpace(value))
}

func cleanRoute(path string) string {
	trimmed := strings.TrimSpace(path)
	if index := strings.IndexAny(trimmed, "?#"); index >= 0 {
		trimmed = trimmed[:index]
	}
	if !strings.HasPrefix(trimmed, "/") {
		trimmed = "/" + trimmed
	}
	if len(trimmed) > 1 {
		trimmed = strings.TrimRight(trimmed, "/")
		if trimmed == "" {
			trimmed = "/"
		}
	}
	return trimmed
}
