package sessionkit

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/tmclubs/tmclub-dashboard-sub000/internal/apiclient"
	"github.com/tmclubs/tmclub-dashboard-sub000/internal/credstore"
	"github.com/tmclubs/tmclub-dashboard-sub000/pkg/sessionvalidator"
)

// API is the backend contract the session depends on.
type API interface {
	Login(ctx context.Context, username string, password string) (credstore.TokenResponse, error)
	Register(ctx context.Context, request apiclient.RegisterRequest) (credstore.TokenResponse, error)
	Refresh(ctx context.Context, refreshToken string) (credstore.TokenResponse, error)
	Profile(ctx context.Context, authorization string) (*credstore.UserProfile, error)
}

// Dependencies are the collaborators a Manager is wired from.
type Dependencies struct {
	Store   *credstore.Store
	API     API
	Events  *Events
	Metrics MetricsRecorder
	Logger  *zap.Logger
	Clock   sessionvalidator.Clock
	Sleep   Sleeper
}

// Manager is the session context handed to every consumer: it owns the store,
// validator, refresh coordinator, activity tracker, and event hub.
type Manager struct {
	store       *credstore.Store
	api         API
	validator   *sessionvalidator.Validator
	coordinator *Coordinator
	tracker     *Tracker
	events      *Events
	metrics     MetricsRecorder
	logger      *zap.Logger
	unsubscribe []func()
}

// NewManager wires a session context.
func NewManager(config Config, dependencies Dependencies) (*Manager, error) {
	if dependencies.Store == nil {
		return nil, ErrMissingStore
	}
	if dependencies.API == nil {
		return nil, ErrMissingAPI
	}
	resolved, err := config.withDefaults()
	if err != nil {
		return nil, err
	}
	validator, err := sessionvalidator.New(sessionvalidator.Config{
		RefreshThreshold: resolved.RefreshThreshold,
		MaxSessionAge:    resolved.MaxSessionAge,
		Clock:            dependencies.Clock,
	})
	if err != nil {
		return nil, fmt.Errorf("session.manager.validator: %w", err)
	}
	logger := dependencies.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics := dependencies.Metrics
	if metrics == nil {
		metrics = noopMetrics{}
	}
	events := dependencies.Events
	if events == nil {
		events = NewEvents()
	}

	coordinator := NewCoordinator(CoordinatorConfig{
		Store:      dependencies.Store,
		Refresher:  dependencies.API,
		Events:     events,
		Metrics:    metrics,
		Logger:     logger.Named("refresh"),
		MaxRetries: resolved.MaxRefreshRetries,
		RetryDelay: resolved.RefreshRetryDelay,
		Sleep:      dependencies.Sleep,
	})
	tracker := NewTracker(TrackerConfig{
		Store:       dependencies.Store,
		Validator:   validator,
		Coordinator: coordinator,
		Events:      events,
		Metrics:     metrics,
		Logger:      logger.Named("activity"),
		Interval:    resolved.ActivityCheckInterval,
	})
	manager := &Manager{
		store:       dependencies.Store,
		api:         dependencies.API,
		validator:   validator,
		coordinator: coordinator,
		tracker:     tracker,
		events:      events,
		metrics:     metrics,
		logger:      logger,
	}
	dependencies.Store.OnChange(func(snapshot credstore.Snapshot) {
		events.Publish(Event{Topic: TopicCredentialsChanged, HasToken: snapshot.HasToken()})
	})
	manager.unsubscribe = append(manager.unsubscribe, events.Subscribe(TopicTokenExpired, func(Event) {
		// A login may have landed between the expiry and this delivery.
		if dependencies.Store.AccessToken(context.Background()) == "" {
			tracker.Stop()
		}
	}))
	return manager, nil
}

// Login authenticates, persists the credentials, enriches the profile, and starts activity tracking.
func (manager *Manager) Login(ctx context.Context, username string, password string) (*credstore.UserProfile, error) {
	response, err := manager.api.Login(ctx, username, password)
	if err != nil {
		manager.metrics.Increment(MetricLoginFailure)
		manager.events.Publish(Event{Topic: TopicAuthError, Err: err})
		return nil, fmt.Errorf("session.login: %w", err)
	}
	user, err := manager.establish(ctx, response)
	if err != nil {
		return nil, fmt.Errorf("session.login: %w", err)
	}
	manager.metrics.Increment(MetricLoginSuccess)
	manager.logger.Info("session established", zap.String("code", "session.login.success"), zap.String("username", username))
	return user, nil
}

// Register creates an account and establishes its session.
func (manager *Manager) Register(ctx context.Context, request apiclient.RegisterRequest) (*credstore.UserProfile, error) {
	response, err := manager.api.Register(ctx, request)
	if err != nil {
		manager.events.Publish(Event{Topic: TopicAuthError, Err: err})
		return nil, fmt.Errorf("session.register: %w", err)
	}
	user, err := manager.establish(ctx, response)
	if err != nil {
		return nil, fmt.Errorf("session.register: %w", err)
	}
	manager.metrics.Increment(MetricRegisterSucceeded)
	return user, nil
}

// Logout stops activity tracking and clears every credential.
func (manager *Manager) Logout(ctx context.Context) {
	manager.tracker.Stop()
	manager.store.Clear(ctx)
	manager.metrics.Increment(MetricLogout)
}

// Resume restarts activity tracking for credentials persisted by an earlier process.
func (manager *Manager) Resume(ctx context.Context) bool {
	if manager.store.AccessToken(ctx) == "" {
		return false
	}
	manager.tracker.Start()
	return true
}

// Validity classifies the stored session without side effects.
func (manager *Manager) Validity(ctx context.Context) sessionvalidator.Validity {
	return manager.validator.Evaluate(manager.store.Snapshot(ctx).Session())
}

// Enforce makes the stored session usable or fails: a missing session fails with
// ErrNoCredentials, an idle session is cleared and fails with ErrSessionStale, and
// an expiring session is refreshed.
func (manager *Manager) Enforce(ctx context.Context) (credstore.Snapshot, error) {
	snapshot := manager.store.Snapshot(ctx)
	switch manager.validator.Evaluate(snapshot.Session()) {
	case sessionvalidator.Absent:
		return credstore.Snapshot{}, ErrNoCredentials
	case sessionvalidator.Stale:
		manager.store.Clear(ctx)
		manager.metrics.Increment(MetricSessionStale)
		manager.events.Publish(Event{Topic: TopicTokenExpired, Reason: ErrSessionStale})
		return credstore.Snapshot{}, ErrSessionStale
	case sessionvalidator.Expired, sessionvalidator.NearExpiry:
		refreshed, err := manager.coordinator.Refresh(ctx)
		if err != nil {
			return credstore.Snapshot{}, err
		}
		return refreshed, nil
	default:
		return snapshot, nil
	}
}

// Snapshot returns the stored credentials.
func (manager *Manager) Snapshot(ctx context.Context) credstore.Snapshot {
	return manager.store.Snapshot(ctx)
}

// AuthorizationHeader returns "<scheme> <token>" for the stored token.
func (manager *Manager) AuthorizationHeader(ctx context.Context) (string, bool) {
	snapshot := manager.store.Snapshot(ctx)
	if !snapshot.HasToken() {
		return "", false
	}
	return snapshot.Scheme + " " + snapshot.AccessToken, true
}

// Store exposes the credential store.
func (manager *Manager) Store() *credstore.Store {
	return manager.store
}

// Validator exposes the session validator.
func (manager *Manager) Validator() *sessionvalidator.Validator {
	return manager.validator
}

// Coordinator exposes the refresh coordinator.
func (manager *Manager) Coordinator() *Coordinator {
	return manager.coordinator
}

// Tracker exposes the activity tracker.
func (manager *Manager) Tracker() *Tracker {
	return manager.tracker
}

// Events exposes the session event hub.
func (manager *Manager) Events() *Events {
	return manager.events
}

// Metrics exposes the metrics recorder.
func (manager *Manager) Metrics() MetricsRecorder {
	return manager.metrics
}

// Close stops background work and drains pending event deliveries.
func (manager *Manager) Close() {
	manager.tracker.Stop()
	for _, unsubscribe := range manager.unsubscribe {
		unsubscribe()
	}
	manager.events.Close()
}

func (manager *Manager) establish(ctx context.Context, response credstore.TokenResponse) (*credstore.UserProfile, error) {
	if err := manager.store.EstablishCredentials(ctx, response); err != nil {
		return nil, err
	}
	user := manager.enrichProfile(ctx, response.User)
	if user == nil {
		user = &credstore.UserProfile{}
	}
	manager.tracker.Start()
	return user, nil
}

func (manager *Manager) enrichProfile(ctx context.Context, fallback *credstore.UserProfile) *credstore.UserProfile {
	authorization, ok := manager.AuthorizationHeader(ctx)
	if !ok {
		return fallback
	}
	profile, err := manager.api.Profile(ctx, authorization)
	if err != nil || profile == nil {
		manager.metrics.Increment(MetricProfileFallback)
		manager.logger.Warn("profile fetch failed, using login identity",
			zap.String("code", "session.profile_fetch_failure"),
			zap.Error(err),
		)
		return fallback
	}
	if profile.Role == "" && fallback != nil {
		profile.Role = fallback.Role
	}
	if setErr := manager.store.SetUser(ctx, profile); setErr != nil {
		return fallback
	}
	return profile
}
