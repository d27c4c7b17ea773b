package permissions

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

var (
	// ErrNoRoles indicates a permission file without any role.
	ErrNoRoles = errors.New("permissions.no_roles")
	// ErrUnknownDefaultRole indicates that default_role does not name a declared role.
	ErrUnknownDefaultRole = errors.New("permissions.unknown_default_role")
	// ErrReservedRoute indicates a route that the gateway serves itself.
	ErrReservedRoute = errors.New("permissions.reserved_route")
	// ErrDuplicateRoute indicates two route keys that name the same path.
	ErrDuplicateRoute = errors.New("permissions.duplicate_route")
	// ErrInvalidRoute indicates a route containing path parameters or wildcards.
	ErrInvalidRoute = errors.New("permissions.invalid_route")
)

// ReservedRoutes are the prefixes the gateway answers without a view.
var ReservedRoutes = []string{"/login", "/logout", "/api", "/static", "/metrics"}

// IsReservedRoute reports whether path falls under one of ReservedRoutes.
func IsReservedRoute(path string) bool {
	cleaned := cleanRoute(path)
	for _, reserved := range ReservedRoutes {
		if cleaned == reserved || strings.HasPrefix(cleaned, reserved+"/") {
			return true
		}
	}
	return false
}

type tableFile struct {
	DefaultRole string                         `yaml:"default_role"`
	Roles       map[string]map[string][]string `yaml:"roles"`
	Routes      map[string][]string            `yaml:"routes"`
}

// LoadTable reads a YAML permission table from path.
func LoadTable(path string) (Table, error) {
	contents, err := os.ReadFile(path)
	if err != nil {
		return Table{}, fmt.Errorf("permissions.load: %w", err)
	}
	return ParseTable(contents)
}

// ParseTable decodes and validates a YAML permission table.
func ParseTable(contents []byte) (Table, error) {
	var file tableFile
	if err := yaml.Unmarshal(contents, &file); err != nil {
		return Table{}, fmt.Errorf("permissions.decode: %w", err)
	}
	if len(file.Roles) == 0 {
		return Table{}, ErrNoRoles
	}

	table := Table{
		DefaultRole: normalize(file.DefaultRole),
		Roles:       make(map[string]map[string][]Level, len(file.Roles)),
		Routes:      make(map[string][]Check, len(file.Routes)),
	}
	for role, resources := range file.Roles {
		grants := make(map[string][]Level, len(resources))
		for resource, levelNames := range resources {
			levels := make([]Level, 0, len(levelNames))
			for _, levelName := range levelNames {
				level, err := ParseLevel(levelName)
				if err != nil {
					return Table{}, fmt.Errorf("permissions.role.%s.%s: %w", role, resource, err)
				}
				levels = append(levels, level)
			}
			grants[normalize(resource)] = levels
		}
		table.Roles[normalize(role)] = grants
	}
	if _, ok := table.Roles[table.DefaultRole]; !ok {
		return Table{}, fmt.Errorf("permissions.default_role %q: %w", file.DefaultRole, ErrUnknownDefaultRole)
	}
	seenRoutes := make(map[string]string, len(file.Routes))
	for route, rawChecks := range file.Routes {
		cleaned := cleanRoute(route)
		if strings.ContainsAny(cleaned, ":*") {
			return Table{}, fmt.Errorf("permissions.route %q: %w", route, ErrInvalidRoute)
		}
		if IsReservedRoute(cleaned) {
			return Table{}, fmt.Errorf("permissions.route %q: %w", route, ErrReservedRoute)
		}
		if previous, ok := seenRoutes[cleaned]; ok {
			return Table{}, fmt.Errorf("permissions.route %q and %q: %w", previous, route, ErrDuplicateRoute)
		}
		seenRoutes[cleaned] = route
		checks := make([]Check, 0, len(rawChecks))
		for _, rawCheck := range rawChecks {
			check, err := ParseCheck(rawCheck)
			if err != nil {
				return Table{}, fmt.Errorf("permissions.route.%s: %w", strings.TrimSpace(route), err)
			}
			checks = append(checks, check)
		}
		table.Routes[route] = checks
	}
	return table, nil
}
