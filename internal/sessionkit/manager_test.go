package sessionkit

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/tmclubs/tmclub-dashboard-sub000/internal/apiclient"
	"github.com/tmclubs/tmclub-dashboard-sub000/internal/credstore"
	"github.com/tmclubs/tmclub-dashboard-sub000/pkg/sessionvalidator"
)

func TestLoginPersistsTokenWithFullLifetime(t *testing.T) {
	store := credstore.NewStore(credstore.Config{})
	api := &fakeAPI{
		loginResponse: credstore.TokenResponse{Token: "T1", User: &credstore.UserProfile{ID: "1", Username: "a", Role: "member"}},
		profile:       &credstore.UserProfile{ID: "1", Username: "a", FirstName: "Ann", Role: "member"},
	}
	manager, err := NewManager(DefaultConfig(), Dependencies{Store: store, API: api})
	require.NoError(t, err)
	defer manager.Close()

	user, err := manager.Login(context.Background(), "a", "b")
	require.NoError(t, err)
	require.Equal(t, "Ann", user.FirstName)

	require.Equal(t, "T1", store.AccessToken(context.Background()))
	expiresAt, ok := store.ExpiresAt(context.Background())
	require.True(t, ok)
	require.WithinDuration(t, time.Now().Add(24*time.Hour), expiresAt, time.Second)
	require.True(t, manager.Tracker().Running())
	require.Equal(t, "Ann", store.User(context.Background()).FirstName)

	header, ok := manager.AuthorizationHeader(context.Background())
	require.True(t, ok)
	require.Equal(t, "Token T1", header)

	manager.Logout(context.Background())
	require.False(t, manager.Tracker().Running())
	require.False(t, store.Snapshot(context.Background()).HasToken())
	_, ok = manager.AuthorizationHeader(context.Background())
	require.False(t, ok)
}

func TestLoginFallsBackToLoginIdentityWhenProfileFails(t *testing.T) {
	h := newHarness(t)
	h.api.loginResponse = credstore.TokenResponse{Token: "T1", User: &credstore.UserProfile{ID: "1", Username: "a", Role: "manager"}}
	h.api.profileErr = errors.New("profile endpoint down")

	user, err := h.manager.Login(context.Background(), "a", "b")

	require.NoError(t, err)
	require.Equal(t, "a", user.Username)
	require.Equal(t, "manager", h.store.User(context.Background()).Role)
	require.Equal(t, int64(1), h.metrics.Count(MetricProfileFallback))
}

func TestLoginWithoutAnyProfileReturnsEmptyUser(t *testing.T) {
	h := newHarness(t)
	h.api.loginResponse = credstore.TokenResponse{Token: "T1", User: &credstore.UserProfile{ID: "1", Username: "a", Role: "admin"}}
	h.api.profile = &credstore.UserProfile{ID: "1", Username: "a", Role: "admin"}
	_, err := h.manager.Login(context.Background(), "a", "b")
	require.NoError(t, err)

	h.api.loginResponse = credstore.TokenResponse{Token: "T2"}
	h.api.profile = nil
	h.api.profileErr = errors.New("profile endpoint down")
	user, err := h.manager.Login(context.Background(), "b", "c")

	require.NoError(t, err)
	require.NotNil(t, user)
	require.Empty(t, user.Role)
	require.Nil(t, h.store.User(context.Background()))
	require.Equal(t, "T2", h.store.AccessToken(context.Background()))
}

func TestLoginFailurePublishesAuthError(t *testing.T) {
	h := newHarness(t)
	h.api.loginErr = &apiclient.APIError{StatusCode: 401, Code: "invalid_credentials"}

	_, err := h.manager.Login(context.Background(), "a", "wrong")

	require.ErrorIs(t, err, apiclient.ErrUnauthorized)
	require.False(t, h.manager.Tracker().Running())
	h.events.Wait()
	require.Len(t, h.recorder.ofTopic(TopicAuthError), 1)
	require.Equal(t, int64(1), h.metrics.Count(MetricLoginFailure))
}

func TestRegisterEstablishesSession(t *testing.T) {
	h := newHarness(t)
	h.api.loginResponse = credstore.TokenResponse{Token: "R1", User: &credstore.UserProfile{ID: "9", Username: "newbie"}}
	h.api.profile = &credstore.UserProfile{ID: "9", Username: "newbie", Role: "member"}

	user, err := h.manager.Register(context.Background(), apiclient.RegisterRequest{Username: "newbie", Password: "pw"})

	require.NoError(t, err)
	require.Equal(t, "member", user.Role)
	require.Equal(t, "R1", h.store.AccessToken(context.Background()))
}

func TestEnforce(t *testing.T) {
	t.Run("absent", func(t *testing.T) {
		h := newHarness(t)
		_, err := h.manager.Enforce(context.Background())
		require.ErrorIs(t, err, ErrNoCredentials)
		require.Equal(t, sessionvalidator.Absent, h.manager.Validity(context.Background()))
	})

	t.Run("valid", func(t *testing.T) {
		h := newHarness(t)
		h.seedSession(t, "T0")
		snapshot, err := h.manager.Enforce(context.Background())
		require.NoError(t, err)
		require.Equal(t, "T0", snapshot.AccessToken)
		require.Zero(t, h.api.RefreshCalls())
	})

	t.Run("stale clears without refreshing", func(t *testing.T) {
		h := newHarness(t)
		h.seedSession(t, "T0")
		h.clock.Advance(25 * time.Hour)
		require.Equal(t, sessionvalidator.Stale, h.manager.Validity(context.Background()))

		_, err := h.manager.Enforce(context.Background())
		require.ErrorIs(t, err, ErrSessionStale)
		require.Zero(t, h.api.RefreshCalls())
		require.False(t, h.store.Snapshot(context.Background()).HasToken())
		h.events.Wait()
		require.Len(t, h.recorder.ofTopic(TopicTokenExpired), 1)
	})

	t.Run("near expiry refreshes", func(t *testing.T) {
		h := newHarness(t)
		h.seedSession(t, "T0")
		h.api.refreshResults = []refreshResult{{response: credstore.TokenResponse{Token: "T1"}}}
		h.clock.Advance(23*time.Hour + 58*time.Minute)
		h.store.TouchActivity(context.Background())

		snapshot, err := h.manager.Enforce(context.Background())
		require.NoError(t, err)
		require.Equal(t, "T1", snapshot.AccessToken)
	})

	t.Run("refresh exhaustion propagates", func(t *testing.T) {
		h := newHarness(t)
		h.seedSession(t, "T0")
		h.api.refreshResults = []refreshResult{{err: errNetwork}}
		h.clock.Advance(23*time.Hour + 30*time.Minute)
		h.store.TouchActivity(context.Background())
		h.clock.Advance(time.Hour)

		_, err := h.manager.Enforce(context.Background())
		require.ErrorIs(t, err, ErrRetriesExhausted)
		require.False(t, h.store.Snapshot(context.Background()).HasToken())
	})
}

func TestResumeStartsTrackerForPersistedSession(t *testing.T) {
	h := newHarness(t)
	require.False(t, h.manager.Resume(context.Background()))
	h.seedSession(t, "T0")
	require.True(t, h.manager.Resume(context.Background()))
	require.True(t, h.manager.Tracker().Running())
}

func TestCredentialChangesArePublished(t *testing.T) {
	h := newHarness(t)
	h.seedSession(t, "T0")
	h.store.Clear(context.Background())
	h.events.Wait()

	changes := h.recorder.ofTopic(TopicCredentialsChanged)
	require.Len(t, changes, 2)
	states := map[bool]int{}
	for _, change := range changes {
		states[change.HasToken]++
	}
	require.Equal(t, map[bool]int{true: 1, false: 1}, states)
}

func TestNewManagerValidation(t *testing.T) {
	_, err := NewManager(DefaultConfig(), Dependencies{API: &fakeAPI{}})
	require.ErrorIs(t, err, ErrMissingStore)

	_, err = NewManager(DefaultConfig(), Dependencies{Store: credstore.NewStore(credstore.Config{})})
	require.ErrorIs(t, err, ErrMissingAPI)

	_, err = NewManager(Config{MaxRefreshRetries: -1}, Dependencies{Store: credstore.NewStore(credstore.Config{}), API: &fakeAPI{}})
	require.ErrorIs(t, err, ErrInvalidConfig)
}

func TestEventsUnsubscribeRemovesOnlyThatListener(t *testing.T) {
	events := NewEvents()
	defer events.Close()

	var first, second atomic.Int32
	unsubscribeFirst := events.Subscribe(TopicAuthError, func(Event) { first.Add(1) })
	events.Subscribe(TopicAuthError, func(Event) { second.Add(1) })

	events.Publish(Event{Topic: TopicAuthError})
	events.Wait()
	unsubscribeFirst()
	unsubscribeFirst()
	events.Publish(Event{Topic: TopicAuthError})
	events.Wait()

	require.Equal(t, int32(1), first.Load())
	require.Equal(t, int32(2), second.Load())
}

func TestEventsIgnorePublishAfterClose(t *testing.T) {
	events := NewEvents()
	var delivered atomic.Int32
	events.Subscribe(TopicTokenExpired, func(Event) { delivered.Add(1) })
	events.Close()
	events.Publish(Event{Topic: TopicTokenExpired})
	events.Wait()
	require.Zero(t, delivered.Load())
}

func TestPrometheusMetricsExport(t *testing.T) {
	metrics := NewPrometheusMetrics()
	metrics.Increment(MetricRefreshAttempt)
	metrics.Increment(MetricRefreshAttempt)

	require.Equal(t, float64(2), testutil.ToFloat64(metrics.events.WithLabelValues(MetricRefreshAttempt)))
	expected := `
# HELP dashboard_session_events_total Session lifecycle events by type.
# TYPE dashboard_session_events_total counter
dashboard_session_events_total{event="refresh.attempt"} 2
`
	require.NoError(t, testutil.GatherAndCompare(metrics.Registry(), strings.NewReader(expected), "dashboard_session_events_total"))
	require.NotNil(t, metrics.Handler())
}
