package credstore

import (
	"time"

	"github.com/tmclubs/tmclub-dashboard-sub000/pkg/sessionvalidator"
)

// Persisted keys. All of them are removed together by Store.Clear.
const (
	KeyAccessToken  = "auth_token"
	KeyRefreshToken = "refresh_token"
	KeyExpiry       = "token_expiry"
	KeyUser         = "user_data"
	KeyLastActivity = "last_activity"
	KeyScheme       = "token_scheme"
)

// AllKeys lists every key owned by the credential store.
var AllKeys = []string{
	KeyAccessToken,
	KeyRefreshToken,
	KeyExpiry,
	KeyUser,
	KeyLastActivity,
	KeyScheme,
}

// Authorization schemes declared by the backend.
const (
	SchemeToken  = "Token"
	SchemeBearer = "Bearer"
)

// UserProfile is the cached identity used for permission checks.
type UserProfile struct {
	ID        string `json:"id"`
	Username  string `json:"username"`
	Email     string `json:"email,omitempty"`
	FirstName string `json:"first_name,omitempty"`
	LastName  string `json:"last_name,omitempty"`
	Role      string `json:"role"`
	IsStaff   bool   `json:"is_staff,omitempty"`
}

// DisplayName returns the friendliest available name for the user.
func (profile *UserProfile) DisplayName() string {
	if profile == nil {
		return ""
	}
	if profile.FirstName != "" {
		if profile.LastName != "" {
			return profile.FirstName + " " + profile.LastName
		}
		return profile.FirstName
	}
	return profile.Username
}

// TokenResponse is what the backend returns from login, register, and refresh.
type TokenResponse struct {
	Token        string       `json:"token"`
	RefreshToken string       `json:"refresh_token,omitempty"`
	TokenType    string       `json:"token_type,omitempty"`
	User         *UserProfile `json:"user,omitempty"`
}

// Snapshot is a point-in-time read of every stored credential field.
// Zero times mean the timestamp is absent.
type Snapshot struct {
	AccessToken    string
	RefreshToken   string
	Scheme         string
	ExpiresAt      time.Time
	LastActivityAt time.Time
	User           *UserProfile
}

// HasToken reports whether a session is established.
func (snapshot Snapshot) HasToken() bool {
	return snapshot.AccessToken != ""
}

// Role returns the cached user's role, or an empty string.
func (snapshot Snapshot) Role() string {
	if snapshot.User == nil {
		return ""
	}
	return snapshot.User.Role
}

// Session returns the fields the session validator reasons about.
func (snapshot Snapshot) Session() sessionvalidator.Session {
	return sessionvalidator.Session{
		AccessToken:    snapshot.AccessToken,
		ExpiresAt:      snapshot.ExpiresAt,
		LastActivityAt: snapshot.LastActivityAt,
	}
}
