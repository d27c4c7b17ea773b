package mockapi

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"golang.org/x/crypto/bcrypt"

	"github.com/tmclubs/tmclub-dashboard-sub000/internal/credstore"
)

var (
	// ErrUserExists indicates a registration for a taken username.
	ErrUserExists = errors.New("mockapi.user_exists")
	// ErrInvalidCredentials indicates an unknown username or wrong password.
	ErrInvalidCredentials = errors.New("mockapi.invalid_credentials")
	// ErrUserNotFound indicates a token that references a deleted user.
	ErrUserNotFound = errors.New("mockapi.user_not_found")
	// ErrInvalidSeed indicates a malformed seed user declaration.
	ErrInvalidSeed = errors.New("mockapi.invalid_seed")
)

// NewUser is the data needed to create an account.
type NewUser struct {
	Username  string
	Password  string
	Email     string
	FirstName string
	LastName  string
	Role      string
}

type userRecord struct {
	profile      credstore.UserProfile
	passwordHash []byte
}

// InMemoryUsers keeps accounts in memory with bcrypt password hashes.
type InMemoryUsers struct {
	mutex       sync.RWMutex
	byID        map[string]*userRecord
	byUsername  map[string]string
	defaultRole string
	hashCost    int
}

// NewInMemoryUsers constructs an empty user store.
func NewInMemoryUsers(defaultRole string) *InMemoryUsers {
	if strings.TrimSpace(defaultRole) == "" {
		defaultRole = "member"
	}
	return &InMemoryUsers{
		byID:        make(map[string]*userRecord),
		byUsername:  make(map[string]string),
		defaultRole: defaultRole,
		hashCost:    bcrypt.DefaultCost,
	}
}

// Create registers a new account.
func (store *InMemoryUsers) Create(ctx context.Context, user NewUser) (credstore.UserProfile, error) {
	username := strings.ToLower(strings.TrimSpace(user.Username))
	if username == "" || user.Password == "" {
		return credstore.UserProfile{}, fmt.Errorf("mockapi.create_user: %w", ErrInvalidCredentials)
	}
	passwordHash, err := bcrypt.GenerateFromPassword([]byte(user.Password), store.hashCost)
	if err != nil {
		return credstore.UserProfile{}, fmt.Errorf("mockapi.create_user.hash: %w", err)
	}
	role := strings.TrimSpace(user.Role)
	if role == "" {
		role = store.defaultRole
	}

	store.mutex.Lock()
	defer store.mutex.Unlock()
	if _, taken := store.byUsername[username]; taken {
		return credstore.UserProfile{}, fmt.Errorf("mockapi.create_user %q: %w", username, ErrUserExists)
	}
	profile := credstore.UserProfile{
		ID:        ulid.MustNew(ulid.Timestamp(time.Now()), rand.Reader).String(),
		Username:  username,
		Email:     strings.TrimSpace(user.Email),
		FirstName: strings.TrimSpace(user.FirstName),
		LastName:  strings.TrimSpace(user.LastName),
		Role:      role,
		IsStaff:   role == "admin",
	}
	store.byID[profile.ID] = &userRecord{profile: profile, passwordHash: passwordHash}
	store.byUsername[username] = profile.ID
	return profile, nil
}

// Authenticate verifies a username and password.
func (store *InMemoryUsers) Authenticate(ctx context.Context, username string, password string) (credstore.UserProfile, error) {
	store.mutex.RLock()
	userID, ok := store.byUsername[strings.ToLower(strings.TrimSpace(username))]
	var record *userRecord
	if ok {
		record = store.byID[userID]
	}
	store.mutex.RUnlock()
	if record == nil {
		return credstore.UserProfile{}, ErrInvalidCredentials
	}
	if bcrypt.CompareHashAndPassword(record.passwordHash, []byte(password)) != nil {
		return credstore.UserProfile{}, ErrInvalidCredentials
	}
	return record.profile, nil
}

// Get returns a profile by user id.
func (store *InMemoryUsers) Get(ctx context.Context, userID string) (credstore.UserProfile, error) {
	store.mutex.RLock()
	defer store.mutex.RUnlock()
	record, ok := store.byID[userID]
	if !ok {
		return credstore.UserProfile{}, ErrUserNotFound
	}
	return record.profile, nil
}

// ParseSeedUsers parses "username:password:role" entries.
func ParseSeedUsers(entries []string) ([]NewUser, error) {
	users := make([]NewUser, 0, len(entries))
	for _, entry := range entries {
		trimmed := strings.TrimSpace(entry)
		if trimmed == "" {
			continue
		}
		parts := strings.SplitN(trimmed, ":", 3)
		if len(parts) < 2 || strings.TrimSpace(parts[0]) == "" || parts[1] == "" {
			return nil, fmt.Errorf("mockapi.seed %q: %w", entry, ErrInvalidSeed)
		}
		user := NewUser{Username: parts[0], Password: parts[1], FirstName: parts[0]}
		if len(parts) == 3 {
			user.Role = strings.TrimSpace(parts[2])
		}
		users = append(users, user)
	}
	return users, nil
}
