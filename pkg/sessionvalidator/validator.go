package sessionvalidator

import (
	"errors"
	"fmt"
	"time"
)

// Clock provides the current time.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

// Now returns the current UTC timestamp.
func (systemClock) Now() time.Time {
	return time.Now().UTC()
}

// Defaults applied when Config leaves a duration unset.
const (
	DefaultRefreshThreshold = 5 * time.Minute
	DefaultMaxSessionAge    = 24 * time.Hour
)

// Config configures the Validator.
type Config struct {
	RefreshThreshold time.Duration
	MaxSessionAge    time.Duration
	Clock            Clock
}

// Sentinel errors exposed by the validator.
var (
	ErrNegativeThreshold = errors.New("session.validator.negative_threshold")
	ErrNegativeMaxAge    = errors.New("session.validator.negative_max_age")
	ErrNoCredentials     = errors.New("session.validator.no_credentials")
	ErrExpired           = errors.New("session.validator.expired")
	ErrSessionStale      = errors.New("session.validator.stale")
)

// Session is the credential state the validator reasons about.
// Zero times mean the timestamp was never recorded.
type Session struct {
	AccessToken    string
	ExpiresAt      time.Time
	LastActivityAt time.Time
}

// Validity classifies a Session at a point in time.
type Validity int

const (
	// Absent means no access token is stored.
	Absent Validity = iota
	// Valid means the token is usable and not close to expiry.
	Valid
	// NearExpiry means the token is usable but inside the refresh threshold.
	NearExpiry
	// Expired means the assumed expiry has passed.
	Expired
	// Stale means the user has been inactive longer than the maximum session age.
	Stale
)

// String returns the lowercase validity name.
func (validity Validity) String() string {
	switch validity {
	case Absent:
		return "absent"
	case Valid:
		return "valid"
	case NearExpiry:
		return "near_expiry"
	case Expired:
		return "expired"
	case Stale:
		return "stale"
	default:
		return "unknown"
	}
}

// Validator answers time-based questions about a session. It has no side effects.
type Validator struct {
	refreshThreshold time.Duration
	maxSessionAge    time.Duration
	clock            Clock
}

// New constructs a Validator after validating the supplied configuration.
func New(configuration Config) (*Validator, error) {
	if configuration.RefreshThreshold < 0 {
		return nil, fmt.Errorf("session.validator.new: %w", ErrNegativeThreshold)
	}
	if configuration.MaxSessionAge < 0 {
		return nil, fmt.Errorf("session.validator.new: %w", ErrNegativeMaxAge)
	}
	threshold := configuration.RefreshThreshold
	if threshold == 0 {
		threshold = DefaultRefreshThreshold
	}
	maxAge := configuration.MaxSessionAge
	if maxAge == 0 {
		maxAge = DefaultMaxSessionAge
	}
	clock := configuration.Clock
	if clock == nil {
		clock = systemClock{}
	}
	return &Validator{
		refreshThreshold: threshold,
		maxSessionAge:    maxAge,
		clock:            clock,
	}, nil
}

// RefreshThreshold returns the configured proactive refresh window.
func (validator *Validator) RefreshThreshold() time.Duration {
	return validator.refreshThreshold
}

// MaxSessionAge returns the configured inactivity limit.
func (validator *Validator) MaxSessionAge() time.Duration {
	return validator.maxSessionAge
}

// IsExpired reports whether the token should be refreshed: the expiry is unknown
// or within the refresh threshold.
func (validator *Validator) IsExpired(session Session) bool {
	if session.ExpiresAt.IsZero() {
		return true
	}
	return session.ExpiresAt.Sub(validator.clock.Now()) <= validator.refreshThreshold
}

// IsSessionActive reports whether the last recorded activity is younger than the maximum session age.
func (validator *Validator) IsSessionActive(session Session) bool {
	if session.LastActivityAt.IsZero() {
		return false
	}
	return validator.clock.Now().Sub(session.LastActivityAt) < validator.maxSessionAge
}

// IsValid reports whether a token is present, the session is active, and the hard expiry has not passed.
func (validator *Validator) IsValid(session Session) bool {
	if session.AccessToken == "" {
		return false
	}
	if !validator.IsSessionActive(session) {
		return false
	}
	return validator.beforeDeadline(session)
}

// Evaluate classifies the session. Staleness takes precedence over expiry.
func (validator *Validator) Evaluate(session Session) Validity {
	if session.AccessToken == "" {
		return Absent
	}
	if !validator.IsSessionActive(session) {
		return Stale
	}
	if !validator.beforeDeadline(session) {
		return Expired
	}
	if validator.IsExpired(session) {
		return NearExpiry
	}
	return Valid
}

// Check maps the classification onto the sentinel errors. Usable sessions return nil.
func (validator *Validator) Check(session Session) error {
	switch validator.Evaluate(session) {
	case Absent:
		return ErrNoCredentials
	case Stale:
		return ErrSessionStale
	case Expired:
		return ErrExpired
	default:
		return nil
	}
}

func (validator *Validator) beforeDeadline(session Session) bool {
	if session.ExpiresAt.IsZero() {
		return false
	}
	return validator.clock.Now().Before(session.ExpiresAt)
}
