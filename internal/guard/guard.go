package guard

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tmclubs/tmclub-dashboard-sub000/internal/credstore"
	"github.com/tmclubs/tmclub-dashboard-sub000/internal/permissions"
	"github.com/tmclubs/tmclub-dashboard-sub000/internal/sessionkit"
)

// Defaults applied to Options.
const (
	DefaultRedirectTo    = "/login"
	DefaultCheckInterval = 60 * time.Second
	ReturnURLParameter   = "returnUrl"
)

var (
	// ErrAuthenticationRequired is reported when the session is missing or unusable.
	ErrAuthenticationRequired = errors.New("Authentication required")
	// ErrPermissionDenied is reported when the user lacks a required permission.
	ErrPermissionDenied = errors.New("guard.permission_denied")
)

// Status is the guard's position in its state machine.
type Status int

const (
	StatusLoading Status = iota
	StatusAuthorized
	StatusDenied
	StatusRedirecting
)

// String returns the status name.
func (status Status) String() string {
	switch status {
	case StatusLoading:
		return "loading"
	case StatusAuthorized:
		return "authorized"
	case StatusDenied:
		return "denied"
	case StatusRedirecting:
		return "redirecting"
	default:
		return "unknown"
	}
}

// Session is the part of the session context the guard needs.
type Session interface {
	Enforce(ctx context.Context) (credstore.Snapshot, error)
	Events() *sessionkit.Events
}

// Options declare what a protected view requires.
type Options struct {
	RequireAuth   bool
	RedirectTo    string
	Permissions   []permissions.Check
	CheckInterval time.Duration
	OnAuthFailure func(error)
	OnTokenExpiry func()
}

// Result is the outcome of one guard evaluation.
type Result struct {
	Status      Status
	User        *credstore.UserProfile
	Err         error
	Cause       error
	Message     string
	Missing     *permissions.Check
	RedirectURL string
}

// Config wires a Guard.
type Config struct {
	Session  Session
	Resolver *permissions.Resolver
	Options  Options
	Metrics  sessionkit.MetricsRecorder
	Logger   *zap.Logger
}

// Guard gates a view on authentication and permissions.
type Guard struct {
	session  Session
	resolver *permissions.Resolver
	options  Options
	metrics  sessionkit.MetricsRecorder
	logger   *zap.Logger

	mutex          sync.RWMutex
	result         Result
	nextListenerID uint64
	listeners      map[uint64]func(Result)
}

// New constructs a Guard in the Loading state.
func New(config Config) *Guard {
	options := config.Options
	if strings.TrimSpace(options.RedirectTo) == "" {
		options.RedirectTo = DefaultRedirectTo
	}
	if options.CheckInterval <= 0 {
		options.CheckInterval = DefaultCheckInterval
	}
	options.Permissions = append([]permissions.Check(nil), options.Permissions...)
	resolver := config.Resolver
	if resolver == nil {
		resolver = permissions.NewResolver(permissions.DefaultTable())
	}
	metrics := config.Metrics
	if metrics == nil {
		metrics = nopMetrics{}
	}
	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Guard{
		session:   config.Session,
		resolver:  resolver,
		options:   options,
		metrics:   metrics,
		logger:    logger,
		result:    Result{Status: StatusLoading},
		listeners: make(map[uint64]func(Result)),
	}
}

type nopMetrics struct{}

func (nopMetrics) Increment(string) {}

// Options returns the effective options.
func (guard *Guard) Options() Options {
	return guard.options
}

// Result returns the most recent evaluation.
func (guard *Guard) Result() Result {
	guard.mutex.RLock()
	defer guard.mutex.RUnlock()
	return guard.result
}

// OnChange registers a listener for every new result and returns its removal function.
func (guard *Guard) OnChange(listener func(Result)) func() {
	guard.mutex.Lock()
	guard.nextListenerID++
	id := guard.nextListenerID
	guard.listeners[id] = listener
	guard.mutex.Unlock()
	return func() {
		guard.mutex.Lock()
		delete(guard.listeners, id)
		guard.mutex.Unlock()
	}
}

// Evaluate runs the full check sequence for currentPath and records the result.
func (guard *Guard) Evaluate(ctx context.Context, currentPath string) Result {
	result := guard.evaluate(ctx, currentPath)
	guard.publish(result)
	return result
}

func (guard *Guard) evaluate(ctx context.Context, currentPath string) Result {
	if !guard.options.RequireAuth {
		return Result{Status: StatusAuthorized}
	}

	snapshot, err := guard.session.Enforce(ctx)
	if err != nil {
		guard.metrics.Increment(sessionkit.MetricGuardRedirected)
		guard.logger.Debug("guard redirecting",
			zap.String("code", "guard.authentication_required"),
			zap.String("path", currentPath),
			zap.Error(err),
		)
		if guard.options.OnAuthFailure != nil {
			guard.options.OnAuthFailure(ErrAuthenticationRequired)
		}
		if guard.options.OnTokenExpiry != nil && !errors.Is(err, sessionkit.ErrNoCredentials) {
			guard.options.OnTokenExpiry()
		}
		return Result{
			Status:      StatusRedirecting,
			Err:         ErrAuthenticationRequired,
			Cause:       err,
			Message:     ErrAuthenticationRequired.Error(),
			RedirectURL: guard.redirectURL(currentPath),
		}
	}

	if missing, found := guard.resolver.Missing(snapshot.Role(), guard.options.Permissions); found {
		guard.metrics.Increment(sessionkit.MetricGuardDenied)
		guard.logger.Info("guard denied",
			zap.String("code", "guard.permission_denied"),
			zap.String("path", currentPath),
			zap.String("role", snapshot.Role()),
			zap.String("missing", missing.String()),
		)
		return Result{
			Status:  StatusDenied,
			User:    snapshot.User,
			Err:     fmt.Errorf("%w: %s", ErrPermissionDenied, missing),
			Message: "access denied: " + missing.Describe(),
			Missing: &missing,
		}
	}

	guard.metrics.Increment(sessionkit.MetricGuardAuthorized)
	return Result{Status: StatusAuthorized, User: snapshot.User}
}

// Watch evaluates currentPath now, then on every CheckInterval tick and whenever the
// session reports an expiry, refresh, or auth error. The returned function stops watching.
func (guard *Guard) Watch(ctx context.Context, currentPath string) func() {
	guard.publish(Result{Status: StatusLoading})
	guard.Evaluate(ctx, currentPath)

	trigger := make(chan struct{}, 1)
	notify := func(sessionkit.Event) {
		select {
		case trigger <- struct{}{}:
		default:
		}
	}
	var unsubscribers []func()
	if events := guard.session.Events(); events != nil {
		for _, topic := range []string{sessionkit.TopicTokenExpired, sessionkit.TopicTokenRefreshed, sessionkit.TopicAuthError} {
			unsubscribers = append(unsubscribers, events.Subscribe(topic, notify))
		}
	}

	stopChannel := make(chan struct{})
	doneChannel := make(chan struct{})
	go func() {
		defer close(doneChannel)
		ticker := time.NewTicker(guard.options.CheckInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-stopChannel:
				return
			case <-ticker.C:
				guard.Evaluate(ctx, currentPath)
			case <-trigger:
				guard.Evaluate(ctx, currentPath)
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			for _, unsubscribe := range unsubscribers {
				unsubscribe()
			}
			close(stopChannel)
			<-doneChannel
		})
	}
}

func (guard *Guard) publish(result Result) {
	guard.mutex.Lock()
	guard.result = result
	listeners := make([]func(Result), 0, len(guard.listeners))
	for _, listener := range guard.listeners {
		listeners = append(listeners, listener)
	}
	guard.mutex.Unlock()
	for _, listener := range listeners {
		listener(result)
	}
}

func (guard *Guard) redirectURL(currentPath string) string {
	redirectTo := guard.options.RedirectTo
	if samePath(currentPath, redirectTo) {
		return ""
	}
	if strings.TrimSpace(currentPath) == "" {
		return redirectTo
	}
	separator := "?"
	if strings.Contains(redirectTo, "?") {
		separator = "&"
	}
	return redirectTo + separator + ReturnURLParameter + "=" + url.QueryEscape(currentPath)
}

func samePath(left string, right string) bool {
	return pathOnly(left) == pathOnly(right)
}

func pathOnly(raw string) string {
	trimmed := strings.TrimSpace(raw)
	if index := strings.IndexAny(trimmed, "?#"); index >= 0 {
		trimmed = trimmed[:index]
	}
	if len(trimmed) > 1 {
		trimmed = strings.TrimRight(trimmed, "/")
	}
	return trimmed
}
