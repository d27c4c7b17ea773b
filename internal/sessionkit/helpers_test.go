package sessionkit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/tmclubs/tmclub-dashboard-sub000/internal/apiclient"
	"github.com/tmclubs/tmclub-dashboard-sub000/internal/credstore"
	"github.com/tmclubs/tmclub-dashboard-sub000/pkg/sessionvalidator"
)

var errNetwork = errors.New("dial tcp: connection refused")

type controllableClock struct {
	mutex   sync.Mutex
	current time.Time
}

func newControllableClock() *controllableClock {
	return &controllableClock{current: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (clock *controllableClock) Now() time.Time {
	clock.mutex.Lock()
	defer clock.mutex.Unlock()
	return clock.current
}

func (clock *controllableClock) Advance(duration time.Duration) {
	clock.mutex.Lock()
	clock.current = clock.current.Add(duration)
	clock.mutex.Unlock()
}

type refreshResult struct {
	response credstore.TokenResponse
	err      error
}

type fakeAPI struct {
	mutex          sync.Mutex
	loginResponse  credstore.TokenResponse
	loginErr       error
	profile        *credstore.UserProfile
	profileErr     error
	refreshResults []refreshResult
	refreshCalls   int
	refreshTokens  []string
	release        chan struct{}
}

func (api *fakeAPI) Login(ctx context.Context, username string, password string) (credstore.TokenResponse, error) {
	return api.loginResponse, api.loginErr
}

func (api *fakeAPI) Register(ctx context.Context, request apiclient.RegisterRequest) (credstore.TokenResponse, error) {
	return api.loginResponse, api.loginErr
}

func (api *fakeAPI) Profile(ctx context.Context, authorization string) (*credstore.UserProfile, error) {
	return api.profile, api.profileErr
}

func (api *fakeAPI) Refresh(ctx context.Context, refreshToken string) (credstore.TokenResponse, error) {
	api.mutex.Lock()
	index := api.refreshCalls
	api.refreshCalls++
	api.refreshTokens = append(api.refreshTokens, refreshToken)
	release := api.release
	var result refreshResult
	if len(api.refreshResults) > 0 {
		if index >= len(api.refreshResults) {
			index = len(api.refreshResults) - 1
		}
		result = api.refreshResults[index]
	}
	api.mutex.Unlock()
	if release != nil {
		<-release
	}
	return result.response, result.err
}

func (api *fakeAPI) RefreshCalls() int {
	api.mutex.Lock()
	defer api.mutex.Unlock()
	return api.refreshCalls
}

type recordingSleeper struct {
	mutex  sync.Mutex
	delays []time.Duration
}

func (sleeper *recordingSleeper) Sleep(ctx context.Context, duration time.Duration) error {
	sleeper.mutex.Lock()
	sleeper.delays = append(sleeper.delays, duration)
	sleeper.mutex.Unlock()
	return nil
}

func (sleeper *recordingSleeper) Delays() []time.Duration {
	sleeper.mutex.Lock()
	defer sleeper.mutex.Unlock()
	return append([]time.Duration(nil), sleeper.delays...)
}

type eventRecorder struct {
	mutex  sync.Mutex
	events []Event
}

func (recorder *eventRecorder) listen(events *Events, topics ...string) {
	for _, topic := range topics {
		events.Subscribe(topic, func(event Event) {
			recorder.mutex.Lock()
			recorder.events = append(recorder.events, event)
			recorder.mutex.Unlock()
		})
	}
}

func (recorder *eventRecorder) ofTopic(topic string) []Event {
	recorder.mutex.Lock()
	defer recorder.mutex.Unlock()
	var matched []Event
	for _, event := range recorder.events {
		if event.Topic == topic {
			matched = append(matched, event)
		}
	}
	return matched
}

type harness struct {
	clock    *controllableClock
	store    *credstore.Store
	api      *fakeAPI
	sleeper  *recordingSleeper
	metrics  *CounterMetrics
	events   *Events
	recorder *eventRecorder
	manager  *Manager
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	clock := newControllableClock()
	logger := zaptest.NewLogger(t)
	store := credstore.NewStore(credstore.Config{Now: clock.Now, Logger: logger})
	api := &fakeAPI{}
	sleeper := &recordingSleeper{}
	metrics := NewCounterMetrics()
	events := NewEvents()
	recorder := &eventRecorder{}
	recorder.listen(events, TopicTokenExpired, TopicTokenRefreshed, TopicAuthError, TopicCredentialsChanged)

	manager, err := NewManager(DefaultConfig(), Dependencies{
		Store:   store,
		API:     api,
		Events:  events,
		Metrics: metrics,
		Logger:  logger,
		Clock:   clock,
		Sleep:   sleeper.Sleep,
	})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	t.Cleanup(manager.Close)
	return &harness{
		clock:    clock,
		store:    store,
		api:      api,
		sleeper:  sleeper,
		metrics:  metrics,
		events:   events,
		recorder: recorder,
		manager:  manager,
	}
}

func (h *harness) seedSession(t *testing.T, token string) {
	t.Helper()
	if err := h.store.SetCredentials(context.Background(), credstore.TokenResponse{
		Token: token,
		User:  &credstore.UserProfile{ID: "u1", Username: "alice", Role: "manager"},
	}); err != nil {
		t.Fatalf("seed session: %v", err)
	}
}

var _ sessionvalidator.Clock = (*controllableClock)(nil)
