package permissions

import (
	"errors"
	"fmt"
	"strings"
)

// Level is a permission depth. Levels are totally ordered: read < write < delete < admin.
type Level int

const (
	LevelNone Level = iota
	LevelRead
	LevelWrite
	LevelDelete
	LevelAdmin
)

var (
	// ErrUnknownLevel indicates a level name outside read, write, delete, admin.
	ErrUnknownLevel = errors.New("permissions.unknown_level")
	// ErrInvalidCheck indicates a malformed "resource:action" pair.
	ErrInvalidCheck = errors.New("permissions.invalid_check")
)

// ParseLevel converts a level name into a Level.
func ParseLevel(name string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "read":
		return LevelRead, nil
	case "write":
		return LevelWrite, nil
	case "delete":
		return LevelDelete, nil
	case "admin":
		return LevelAdmin, nil
	default:
		return LevelNone, fmt.Errorf("permissions.parse_level %q: %w", name, ErrUnknownLevel)
	}
}

// String returns the level name.
func (level Level) String() string {
	switch level {
	case LevelRead:
		return "read"
	case LevelWrite:
		return "write"
	case LevelDelete:
		return "delete"
	case LevelAdmin:
		return "admin"
	default:
		return "none"
	}
}

// Check is a single permission requirement.
type Check struct {
	Resource string
	Action   Level
}

// ParseCheck parses "resource:action", for example "events:write".
func ParseCheck(raw string) (Check, error) {
	resource, action, found := strings.Cut(strings.TrimSpace(raw), ":")
	resource = strings.ToLower(strings.TrimSpace(resource))
	if !found || resource == "" {
		return Check{}, fmt.Errorf("permissions.parse_check %q: %w", raw, ErrInvalidCheck)
	}
	level, err := ParseLevel(action)
	if err != nil {
		return Check{}, fmt.Errorf("permissions.parse_check %q: %w", raw, err)
	}
	return Check{Resource: resource, Action: level}, nil
}

// MustParseChecks parses every check and panics on the first malformed one.
// Intended for static route declarations.
func MustParseChecks(raw ...string) []Check {
	checks := make([]Check, 0, len(raw))
	for _, entry := range raw {
		check, err := ParseCheck(entry)
		if err != nil {
			panic(err)
		}
		checks = append(checks, check)
	}
	return checks
}

// String returns the "resource:action" form.
func (check Check) String() string {
	return check.Resource + ":" + check.Action.String()
}

// Describe returns a human sentence naming the required action and resource.
func (check Check) Describe() string {
	return fmt.Sprintf("%s permission on %s is required", check.Action, check.Resource)
}
