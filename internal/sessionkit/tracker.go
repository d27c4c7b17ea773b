package sessionkit

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/tmclubs/tmclub-dashboard-sub000/internal/credstore"
	"github.com/tmclubs/tmclub-dashboard-sub000/pkg/sessionvalidator"
)

// Signal is a user interaction that counts as activity.
type Signal string

// Tracked interaction signals.
const (
	SignalPointerDown Signal = "pointer_down"
	SignalPointerMove Signal = "pointer_move"
	SignalKeyPress    Signal = "key_press"
	SignalScroll      Signal = "scroll"
	SignalTouch       Signal = "touch"
	SignalClick       Signal = "click"
	SignalFocus       Signal = "focus"
	SignalNavigate    Signal = "navigate"
)

var knownSignals = map[Signal]struct{}{
	SignalPointerDown: {},
	SignalPointerMove: {},
	SignalKeyPress:    {},
	SignalScroll:      {},
	SignalTouch:       {},
	SignalClick:       {},
	SignalFocus:       {},
	SignalNavigate:    {},
}

// ParseSignal validates a signal name.
func ParseSignal(name string) (Signal, error) {
	signal := Signal(strings.ToLower(strings.TrimSpace(name)))
	if _, ok := knownSignals[signal]; !ok {
		return "", fmt.Errorf("session.activity.parse %q: %w", name, ErrUnknownSignal)
	}
	return signal, nil
}

// TrackerConfig configures a Tracker.
type TrackerConfig struct {
	Store       *credstore.Store
	Validator   *sessionvalidator.Validator
	Coordinator *Coordinator
	Events      *Events
	Metrics     MetricsRecorder
	Logger      *zap.Logger
	Interval    time.Duration
}

// Tracker records activity and runs the periodic idleness and proactive refresh check.
type Tracker struct {
	store       *credstore.Store
	validator   *sessionvalidator.Validator
	coordinator *Coordinator
	events      *Events
	metrics     MetricsRecorder
	logger      *zap.Logger
	interval    time.Duration

	mutex     sync.Mutex
	scheduler *cron.Cron
}

// NewTracker constructs a stopped Tracker.
func NewTracker(config TrackerConfig) *Tracker {
	metrics := config.Metrics
	if metrics == nil {
		metrics = noopMetrics{}
	}
	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	interval := config.Interval
	if interval <= 0 {
		interval = DefaultActivityCheckInterval
	}
	return &Tracker{
		store:       config.Store,
		validator:   config.Validator,
		coordinator: config.Coordinator,
		events:      config.Events,
		metrics:     metrics,
		logger:      logger,
		interval:    interval,
	}
}

// Record stamps activity for a signal.
func (tracker *Tracker) Record(ctx context.Context, signal Signal) error {
	if _, ok := knownSignals[signal]; !ok {
		return fmt.Errorf("session.activity.record %q: %w", signal, ErrUnknownSignal)
	}
	tracker.store.TouchActivity(ctx)
	tracker.metrics.Increment(MetricActivityRecorded)
	return nil
}

// Start schedules the periodic check. Calling Start on a running tracker does nothing.
func (tracker *Tracker) Start() {
	tracker.mutex.Lock()
	defer tracker.mutex.Unlock()
	if tracker.scheduler != nil {
		return
	}
	scheduler := cron.New()
	scheduler.Schedule(cron.Every(tracker.interval), cron.FuncJob(func() {
		tracker.Tick(context.Background())
	}))
	scheduler.Start()
	tracker.scheduler = scheduler
	tracker.logger.Debug("activity tracker started", zap.Duration("interval", tracker.interval))
}

// Stop cancels the periodic check and waits for a running check to finish.
func (tracker *Tracker) Stop() {
	tracker.mutex.Lock()
	scheduler := tracker.scheduler
	tracker.scheduler = nil
	tracker.mutex.Unlock()
	if scheduler == nil {
		return
	}
	<-scheduler.Stop().Done()
	tracker.logger.Debug("activity tracker stopped")
}

// Running reports whether the periodic check is scheduled.
func (tracker *Tracker) Running() bool {
	tracker.mutex.Lock()
	defer tracker.mutex.Unlock()
	return tracker.scheduler != nil
}

// Tick runs one periodic check: an idle session is logged out, and an active
// session inside the refresh threshold is refreshed.
func (tracker *Tracker) Tick(ctx context.Context) {
	snapshot := tracker.store.Snapshot(ctx)
	if !snapshot.HasToken() {
		return
	}
	session := snapshot.Session()
	if !tracker.validator.IsSessionActive(session) {
		tracker.store.Clear(ctx)
		tracker.metrics.Increment(MetricSessionStale)
		tracker.logger.Info("idle session logged out", zap.String("code", "session.activity.stale"))
		tracker.events.Publish(Event{Topic: TopicTokenExpired, Reason: ErrSessionStale})
		return
	}
	if tracker.validator.IsValid(session) && tracker.validator.IsExpired(session) {
		if _, err := tracker.coordinator.Refresh(ctx); err != nil {
			tracker.logger.Warn("proactive refresh failed", zap.String("code", "session.activity.refresh_failed"), zap.Error(err))
		}
	}
}
