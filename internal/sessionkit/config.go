package sessionkit

import (
	"fmt"
	"time"

	"github.com/tmclubs/tmclub-dashboard-sub000/pkg/sessionvalidator"
)

// Defaults for session timing.
const (
	DefaultActivityCheckInterval = 60 * time.Second
	DefaultMaxRefreshRetries     = 3
	DefaultRefreshRetryDelay     = time.Second
)

// Config holds session timing and retry policy.
type Config struct {
	RefreshThreshold      time.Duration
	MaxSessionAge         time.Duration
	ActivityCheckInterval time.Duration
	MaxRefreshRetries     int
	RefreshRetryDelay     time.Duration
}

// DefaultConfig returns the standard dashboard session policy.
func DefaultConfig() Config {
	return Config{
		RefreshThreshold:      sessionvalidator.DefaultRefreshThreshold,
		MaxSessionAge:         sessionvalidator.DefaultMaxSessionAge,
		ActivityCheckInterval: DefaultActivityCheckInterval,
		MaxRefreshRetries:     DefaultMaxRefreshRetries,
		RefreshRetryDelay:     DefaultRefreshRetryDelay,
	}
}

// withDefaults fills zero values and rejects negative ones.
func (config Config) withDefaults() (Config, error) {
	defaults := DefaultConfig()
	if config.RefreshThreshold < 0 || config.MaxSessionAge < 0 || config.ActivityCheckInterval < 0 ||
		config.MaxRefreshRetries < 0 || config.RefreshRetryDelay < 0 {
		return Config{}, fmt.Errorf("session.config: %w", ErrInvalidConfig)
	}
	if config.RefreshThreshold == 0 {
		config.RefreshThreshold = defaults.RefreshThreshold
	}
	if config.MaxSessionAge == 0 {
		config.MaxSessionAge = defaults.MaxSessionAge
	}
	if config.ActivityCheckInterval == 0 {
		config.ActivityCheckInterval = defaults.ActivityCheckInterval
	}
	if config.MaxRefreshRetries == 0 {
		config.MaxRefreshRetries = defaults.MaxRefreshRetries
	}
	if config.RefreshRetryDelay == 0 {
		config.RefreshRetryDelay = defaults.RefreshRetryDelay
	}
	return config, nil
}
