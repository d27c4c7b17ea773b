package permissions

// Roles known to the dashboard.
const (
	RoleAdmin   = "admin"
	RoleManager = "manager"
	RoleMember  = "member"
)

// Resources known to the dashboard.
const (
	ResourceEvents        = "events"
	ResourceBlog          = "blog"
	ResourceCompanies     = "companies"
	ResourceSurveys       = "surveys"
	ResourceNotifications = "notifications"
	ResourceMembers       = "members"
	ResourceSettings      = "settings"
)

// Table is the static Role -> Resource -> granted levels mapping plus route requirements.
type Table struct {
	DefaultRole string
	Roles       map[string]map[string][]Level
	Routes      map[string][]Check
}

// DefaultTable returns the dashboard's built-in permission table.
func DefaultTable() Table {
	allResources := []string{
		ResourceEvents,
		ResourceBlog,
		ResourceCompanies,
		ResourceSurveys,
		ResourceNotifications,
		ResourceMembers,
		ResourceSettings,
	}
	admin := make(map[string][]Level, len(allResources))
	for _, resource := range allResources {
		admin[resource] = []Level{LevelAdmin}
	}
	return Table{
		DefaultRole: RoleMember,
		Roles: map[string]map[string][]Level{
			RoleAdmin: admin,
			RoleManager: {
				ResourceEvents:        {LevelRead, LevelWrite, LevelDelete},
				ResourceBlog:          {LevelRead, LevelWrite, LevelDelete},
				ResourceCompanies:     {LevelRead, LevelWrite},
				ResourceSurveys:       {LevelRead, LevelWrite},
				ResourceNotifications: {LevelRead, LevelWrite},
				ResourceMembers:       {LevelRead},
			},
			RoleMember: {
				ResourceEvents:        {LevelRead},
				ResourceBlog:          {LevelRead},
				ResourceCompanies:     {LevelRead},
				ResourceSurveys:       {LevelRead},
				ResourceNotifications: {LevelRead},
			},
		},
		Routes: map[string][]Check{
			"/events":        MustParseChecks("events:read"),
			"/events/edit":   MustParseChecks("events:read", "events:write"),
			"/blog":          MustParseChecks("blog:read"),
			"/blog/edit":     MustParseChecks("blog:read", "blog:write"),
			"/companies":     MustParseChecks("companies:read"),
			"/surveys":       MustParseChecks("surveys:read"),
			"/notifications": MustParseChecks("notifications:read"),
			"/members":       MustParseChecks("members:read"),
			"/settings":      MustParseChecks("settings:admin"),
		},
	}
}
