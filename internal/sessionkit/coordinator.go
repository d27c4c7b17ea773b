package sessionkit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/tmclubs/tmclub-dashboard-sub000/internal/credstore"
)

const refreshFlightKey = "refresh"

// State is the refresh coordinator's position in its state machine.
type State int

const (
	StateIdle State = iota
	StateRefreshing
	StateSucceeded
	StateFailedRetryable
	StateFailedTerminal
)

// String returns the state name.
func (state State) String() string {
	switch state {
	case StateIdle:
		return "idle"
	case StateRefreshing:
		return "refreshing"
	case StateSucceeded:
		return "succeeded"
	case StateFailedRetryable:
		return "failed_retryable"
	case StateFailedTerminal:
		return "failed_terminal"
	default:
		return "unknown"
	}
}

// Refresher mints a new token pair from a refresh token.
type Refresher interface {
	Refresh(ctx context.Context, refreshToken string) (credstore.TokenResponse, error)
}

// Sleeper waits for duration or until ctx ends.
type Sleeper func(ctx context.Context, duration time.Duration) error

func sleepContext(ctx context.Context, duration time.Duration) error {
	timer := time.NewTimer(duration)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// CoordinatorConfig configures a Coordinator.
type CoordinatorConfig struct {
	Store      *credstore.Store
	Refresher  Refresher
	Events     *Events
	Metrics    MetricsRecorder
	Logger     *zap.Logger
	MaxRetries int
	RetryDelay time.Duration
	Sleep      Sleeper
}

// Coordinator collapses concurrent refresh requests into one network operation
// and retries it with linear backoff.
type Coordinator struct {
	store      *credstore.Store
	refresher  Refresher
	events     *Events
	metrics    MetricsRecorder
	logger     *zap.Logger
	maxRetries int
	retryDelay time.Duration
	sleep      Sleeper

	group singleflight.Group

	mutex       sync.Mutex
	state       State
	lastOutcome State
	retryCount  int
	waiters     int
}

// NewCoordinator constructs a Coordinator.
func NewCoordinator(config CoordinatorConfig) *Coordinator {
	metrics := config.Metrics
	if metrics == nil {
		metrics = noopMetrics{}
	}
	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	maxRetries := config.MaxRetries
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRefreshRetries
	}
	retryDelay := config.RetryDelay
	if retryDelay < 0 {
		retryDelay = DefaultRefreshRetryDelay
	}
	sleep := config.Sleep
	if sleep == nil {
		sleep = sleepContext
	}
	events := config.Events
	if events == nil {
		events = NewEvents()
	}
	return &Coordinator{
		store:      config.Store,
		refresher:  config.Refresher,
		events:     events,
		metrics:    metrics,
		logger:     logger,
		maxRetries: maxRetries,
		retryDelay: retryDelay,
		sleep:      sleep,
	}
}

// State returns the current state. It is StateRefreshing or StateFailedRetryable
// while an operation is in flight and StateIdle otherwise.
func (coordinator *Coordinator) State() State {
	coordinator.mutex.Lock()
	defer coordinator.mutex.Unlock()
	return coordinator.state
}

// LastOutcome returns StateSucceeded or StateFailedTerminal for the most recent
// completed operation, or StateIdle if none has completed.
func (coordinator *Coordinator) LastOutcome() State {
	coordinator.mutex.Lock()
	defer coordinator.mutex.Unlock()
	return coordinator.lastOutcome
}

// RetryCount returns the number of failed attempts in the current operation.
func (coordinator *Coordinator) RetryCount() int {
	coordinator.mutex.Lock()
	defer coordinator.mutex.Unlock()
	return coordinator.retryCount
}

// Waiters returns how many callers are awaiting the in-flight operation.
func (coordinator *Coordinator) Waiters() int {
	coordinator.mutex.Lock()
	defer coordinator.mutex.Unlock()
	return coordinator.waiters
}

// Refresh obtains new credentials. Concurrent callers share one in-flight operation
// and receive the same result. The operation is not cancelled when ctx ends; the
// caller just stops waiting for it.
func (coordinator *Coordinator) Refresh(ctx context.Context) (credstore.Snapshot, error) {
	detached := context.WithoutCancel(ctx)

	coordinator.mutex.Lock()
	if coordinator.waiters > 0 {
		coordinator.metrics.Increment(MetricRefreshCoalesced)
	}
	coordinator.waiters++
	resultChannel := coordinator.group.DoChan(refreshFlightKey, func() (interface{}, error) {
		return coordinator.run(detached)
	})
	coordinator.mutex.Unlock()

	defer func() {
		coordinator.mutex.Lock()
		coordinator.waiters--
		coordinator.mutex.Unlock()
	}()

	select {
	case result := <-resultChannel:
		if result.Err != nil {
			return credstore.Snapshot{}, result.Err
		}
		return result.Val.(credstore.Snapshot), nil
	case <-ctx.Done():
		return credstore.Snapshot{}, fmt.Errorf("session.refresh: %w", ctx.Err())
	}
}

func (coordinator *Coordinator) run(ctx context.Context) (credstore.Snapshot, error) {
	coordinator.setState(StateRefreshing)

	refreshToken := coordinator.store.RefreshToken(ctx)
	if refreshToken == "" {
		coordinator.metrics.Increment(MetricRefreshNoToken)
		coordinator.logger.Warn("refresh without refresh token", zap.String("code", "session.refresh.no_refresh_token"))
		return credstore.Snapshot{}, coordinator.terminate(ctx, ErrNoRefreshToken)
	}

	for {
		coordinator.metrics.Increment(MetricRefreshAttempt)
		attemptErr := coordinator.attempt(ctx, refreshToken)
		if attemptErr == nil {
			snapshot := coordinator.store.Snapshot(ctx)
			coordinator.mutex.Lock()
			coordinator.retryCount = 0
			coordinator.state = StateIdle
			coordinator.lastOutcome = StateSucceeded
			coordinator.mutex.Unlock()
			coordinator.metrics.Increment(MetricRefreshSuccess)
			coordinator.events.Publish(Event{
				Topic:        TopicTokenRefreshed,
				AccessToken:  snapshot.AccessToken,
				RefreshToken: snapshot.RefreshToken,
			})
			return snapshot, nil
		}

		coordinator.mutex.Lock()
		coordinator.retryCount++
		attemptNumber := coordinator.retryCount
		coordinator.state = StateFailedRetryable
		coordinator.mutex.Unlock()
		coordinator.metrics.Increment(MetricRefreshFailure)
		coordinator.logger.Warn("refresh attempt failed",
			zap.String("code", "session.refresh.transient_failure"),
			zap.Int("attempt", attemptNumber),
			zap.Error(attemptErr),
		)

		if attemptNumber >= coordinator.maxRetries {
			coordinator.metrics.Increment(MetricRefreshExhausted)
			return credstore.Snapshot{}, coordinator.terminate(ctx, fmt.Errorf("%w: %w", ErrRetriesExhausted, attemptErr))
		}
		if sleepErr := coordinator.sleep(ctx, coordinator.retryDelay*time.Duration(attemptNumber)); sleepErr != nil {
			return credstore.Snapshot{}, coordinator.terminate(ctx, fmt.Errorf("%w: %w", ErrRetriesExhausted, sleepErr))
		}
		coordinator.setState(StateRefreshing)
	}
}

func (coordinator *Coordinator) attempt(ctx context.Context, refreshToken string) error {
	response, err := coordinator.refresher.Refresh(ctx, refreshToken)
	if err != nil {
		return err
	}
	return coordinator.store.SetCredentials(ctx, response)
}

func (coordinator *Coordinator) terminate(ctx context.Context, cause error) error {
	coordinator.store.Clear(ctx)
	coordinator.mutex.Lock()
	coordinator.retryCount = 0
	coordinator.state = StateIdle
	coordinator.lastOutcome = StateFailedTerminal
	coordinator.mutex.Unlock()
	coordinator.logger.Warn("refresh failed terminally", zap.String("code", "session.refresh.terminal_failure"), zap.Error(cause))
	coordinator.events.Publish(Event{Topic: TopicTokenExpired, Reason: cause})
	return fmt.Errorf("session.refresh: %w", cause)
}

func (coordinator *Coordinator) setState(state State) {
	coordinator.mutex.Lock()
	coordinator.state = state
	coordinator.mutex.Unlock()
}
