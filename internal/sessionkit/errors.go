package sessionkit

import (
	"errors"

	"github.com/tmclubs/tmclub-dashboard-sub000/pkg/sessionvalidator"
)

// Validity failures, shared with the validator.
var (
	ErrNoCredentials = sessionvalidator.ErrNoCredentials
	ErrExpired       = sessionvalidator.ErrExpired
	ErrSessionStale  = sessionvalidator.ErrSessionStale
)

var (
	// ErrNoRefreshToken is terminal: there is nothing to refresh with.
	ErrNoRefreshToken = errors.New("session.refresh.no_refresh_token")
	// ErrRetriesExhausted is terminal: every refresh attempt failed.
	ErrRetriesExhausted = errors.New("session.refresh.retries_exhausted")
	// ErrUnknownSignal indicates an activity signal outside the tracked set.
	ErrUnknownSignal = errors.New("session.activity.unknown_signal")
	// ErrMissingStore indicates NewManager was called without a credential store.
	ErrMissingStore = errors.New("session.manager.missing_store")
	// ErrMissingAPI indicates NewManager was called without a backend client.
	ErrMissingAPI = errors.New("session.manager.missing_api")
	// ErrInvalidConfig indicates a negative or zero duration or retry bound.
	ErrInvalidConfig = errors.New("session.config.invalid")
)

// IsTerminal reports whether err ends the session rather than being retryable.
func IsTerminal(err error) bool {
	return errors.Is(err, ErrNoRefreshToken) ||
		errors.Is(err, ErrRetriesExhausted) ||
		errors.Is(err, ErrSessionStale) ||
		errors.Is(err, ErrNoCredentials)
}
