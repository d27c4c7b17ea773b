package credstore

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// DefaultTokenLifetime is assumed when the backend does not declare token expiry.
const DefaultTokenLifetime = 24 * time.Hour

// Config configures a Store.
type Config struct {
	Storage       Storage
	TokenLifetime time.Duration
	DefaultScheme string
	Now           func() time.Time
	Logger        *zap.Logger
}

// Store owns the dashboard credentials and their timestamps.
// Storage failures are logged and surface as absent values.
type Store struct {
	storage       Storage
	tokenLifetime time.Duration
	defaultScheme string
	now           func() time.Time
	logger        *zap.Logger

	writeMutex     sync.Mutex
	observersMutex sync.RWMutex
	observers      []func(Snapshot)
}

// NewStore constructs a Store, defaulting to in-memory storage.
func NewStore(config Config) *Store {
	storage := config.Storage
	if storage == nil {
		storage = NewMemoryStorage()
	}
	lifetime := config.TokenLifetime
	if lifetime <= 0 {
		lifetime = DefaultTokenLifetime
	}
	scheme := strings.TrimSpace(config.DefaultScheme)
	if scheme == "" {
		scheme = SchemeToken
	}
	now := config.Now
	if now == nil {
		now = time.Now
	}
	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		storage:       storage,
		tokenLifetime: lifetime,
		defaultScheme: scheme,
		now:           now,
		logger:        logger,
	}
}

// TokenLifetime returns the assumed lifetime applied on every SetCredentials.
func (store *Store) TokenLifetime() time.Duration {
	return store.tokenLifetime
}

// OnChange registers an observer called after every credential write or clear.
func (store *Store) OnChange(observer func(Snapshot)) {
	if observer == nil {
		return
	}
	store.observersMutex.Lock()
	store.observers = append(store.observers, observer)
	store.observersMutex.Unlock()
}

// SetCredentials persists a refresh response. The expiry never moves backwards
// and a response without a user keeps the cached profile.
func (store *Store) SetCredentials(ctx context.Context, response TokenResponse) error {
	return store.saveCredentials(ctx, response, false)
}

// EstablishCredentials persists a login or register response. Unlike
// SetCredentials it replaces the cached profile, dropping it when the
// response carries no user.
func (store *Store) EstablishCredentials(ctx context.Context, response TokenResponse) error {
	return store.saveCredentials(ctx, response, true)
}

func (store *Store) saveCredentials(ctx context.Context, response TokenResponse, replaceUser bool) error {
	accessToken := strings.TrimSpace(response.Token)
	if accessToken == "" {
		return fmt.Errorf("credstore.set_credentials: %w", ErrEmptyToken)
	}
	refreshToken := strings.TrimSpace(response.RefreshToken)
	if refreshToken == "" {
		// The backend issues a single token; it doubles as the refresh credential.
		refreshToken = accessToken
	}
	scheme := strings.TrimSpace(response.TokenType)
	if scheme == "" {
		scheme = store.defaultScheme
	}

	store.writeMutex.Lock()
	now := store.now().UTC()
	expiresAt := now.Add(store.tokenLifetime)
	if previous, ok := store.loadTime(ctx, KeyExpiry); ok && previous.After(expiresAt) {
		expiresAt = previous
	}
	entries := map[string]string{
		KeyAccessToken:  accessToken,
		KeyRefreshToken: refreshToken,
		KeyScheme:       scheme,
		KeyExpiry:       formatMillis(expiresAt),
		KeyLastActivity: formatMillis(now),
	}
	if response.User != nil {
		encodedUser, encodeErr := json.Marshal(response.User)
		if encodeErr != nil {
			store.writeMutex.Unlock()
			return fmt.Errorf("credstore.set_credentials.encode_user: %w", encodeErr)
		}
		entries[KeyUser] = string(encodedUser)
	} else if replaceUser {
		entries[KeyUser] = ""
	}
	saveErr := store.storage.Save(ctx, entries)
	store.writeMutex.Unlock()
	if saveErr != nil {
		store.logger.Error("credential save failed", zap.String("code", "credstore.save"), zap.Error(saveErr))
		return fmt.Errorf("credstore.set_credentials: %w", saveErr)
	}
	store.notify(ctx)
	return nil
}

// SetUser replaces the cached user profile.
func (store *Store) SetUser(ctx context.Context, user *UserProfile) error {
	if user == nil {
		return nil
	}
	encodedUser, err := json.Marshal(user)
	if err != nil {
		return fmt.Errorf("credstore.set_user.encode: %w", err)
	}
	store.writeMutex.Lock()
	saveErr := store.storage.Save(ctx, map[string]string{KeyUser: string(encodedUser)})
	store.writeMutex.Unlock()
	if saveErr != nil {
		store.logger.Error("user save failed", zap.String("code", "credstore.save_user"), zap.Error(saveErr))
		return fmt.Errorf("credstore.set_user: %w", saveErr)
	}
	store.notify(ctx)
	return nil
}

// AccessToken returns the stored access token or an empty string.
func (store *Store) AccessToken(ctx context.Context) string {
	return store.loadString(ctx, KeyAccessToken)
}

// RefreshToken returns the stored refresh token or an empty string.
func (store *Store) RefreshToken(ctx context.Context) string {
	return store.loadString(ctx, KeyRefreshToken)
}

// Scheme returns the authorization scheme for the stored token.
func (store *Store) Scheme(ctx context.Context) string {
	scheme := store.loadString(ctx, KeyScheme)
	if scheme == "" {
		return store.defaultScheme
	}
	return scheme
}

// User returns the cached profile, or nil when absent or unreadable.
func (store *Store) User(ctx context.Context) *UserProfile {
	raw := store.loadString(ctx, KeyUser)
	if raw == "" {
		return nil
	}
	var profile UserProfile
	if err := json.Unmarshal([]byte(raw), &profile); err != nil {
		store.logger.Warn("cached user unreadable", zap.String("code", "credstore.decode_user"), zap.Error(err))
		return nil
	}
	return &profile
}

// LastActivity returns the last recorded user activity.
func (store *Store) LastActivity(ctx context.Context) (time.Time, bool) {
	return store.loadTime(ctx, KeyLastActivity)
}

// ExpiresAt returns the assumed token expiry. A token stored without an expiry
// gets one backfilled at now plus the token lifetime.
func (store *Store) ExpiresAt(ctx context.Context) (time.Time, bool) {
	if expiresAt, ok := store.loadTime(ctx, KeyExpiry); ok {
		return expiresAt, true
	}
	if store.AccessToken(ctx) == "" {
		return time.Time{}, false
	}
	store.writeMutex.Lock()
	defer store.writeMutex.Unlock()
	if expiresAt, ok := store.loadTime(ctx, KeyExpiry); ok {
		return expiresAt, true
	}
	if store.loadString(ctx, KeyAccessToken) == "" {
		return time.Time{}, false
	}
	expiresAt := store.now().UTC().Add(store.tokenLifetime)
	if err := store.storage.Save(ctx, map[string]string{KeyExpiry: formatMillis(expiresAt)}); err != nil {
		store.logger.Warn("expiry backfill failed", zap.String("code", "credstore.backfill_expiry"), zap.Error(err))
	}
	return expiresAt, true
}

// Snapshot reads every credential field at once.
func (store *Store) Snapshot(ctx context.Context) Snapshot {
	snapshot := Snapshot{
		AccessToken:  store.AccessToken(ctx),
		RefreshToken: store.RefreshToken(ctx),
		Scheme:       store.Scheme(ctx),
		User:         store.User(ctx),
	}
	if lastActivity, ok := store.LastActivity(ctx); ok {
		snapshot.LastActivityAt = lastActivity
	}
	if expiresAt, ok := store.ExpiresAt(ctx); ok {
		snapshot.ExpiresAt = expiresAt
	}
	return snapshot
}

// Clear removes every credential key. It never fails; storage errors are logged.
func (store *Store) Clear(ctx context.Context) {
	store.writeMutex.Lock()
	err := store.storage.Remove(ctx, AllKeys...)
	store.writeMutex.Unlock()
	if err != nil {
		store.logger.Error("credential clear failed", zap.String("code", "credstore.clear"), zap.Error(err))
	}
	store.notify(ctx)
}

// TouchActivity records user activity. Without a token it does nothing.
func (store *Store) TouchActivity(ctx context.Context) {
	store.writeMutex.Lock()
	defer store.writeMutex.Unlock()
	if store.loadString(ctx, KeyAccessToken) == "" {
		return
	}
	if err := store.storage.Save(ctx, map[string]string{KeyLastActivity: formatMillis(store.now().UTC())}); err != nil {
		store.logger.Warn("activity save failed", zap.String("code", "credstore.touch_activity"), zap.Error(err))
	}
}

func (store *Store) notify(ctx context.Context) {
	store.observersMutex.RLock()
	observers := append([]func(Snapshot){}, store.observers...)
	store.observersMutex.RUnlock()
	if len(observers) == 0 {
		return
	}
	snapshot := store.Snapshot(ctx)
	for _, observer := range observers {
		observer(snapshot)
	}
}

func (store *Store) loadString(ctx context.Context, key string) string {
	value, ok, err := store.storage.Load(ctx, key)
	if err != nil {
		store.logger.Warn("credential read failed", zap.String("code", "credstore.load"), zap.String("key", key), zap.Error(err))
		return ""
	}
	if !ok {
		return ""
	}
	return value
}

func (store *Store) loadTime(ctx context.Context, key string) (time.Time, bool) {
	raw := store.loadString(ctx, key)
	if raw == "" {
		return time.Time{}, false
	}
	millis, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		store.logger.Warn("credential timestamp unreadable", zap.String("code", "credstore.parse_time"), zap.String("key", key), zap.Error(err))
		return time.Time{}, false
	}
	return time.UnixMilli(millis).UTC(), true
}

func formatMillis(moment time.Time) string {
	return strconv.FormatInt(moment.UnixMilli(), 10)
}
