package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/tmclubs/tmclub-dashboard-sub000/internal/credstore"
	"github.com/tmclubs/tmclub-dashboard-sub000/internal/mockapi"
	"github.com/tmclubs/tmclub-dashboard-sub000/internal/sessionkit"
)

const (
	configCodeMissingAPIBaseURL           = "config.missing_api_base_url"
	configCodeInvalidTokenLifetime        = "config.invalid_token_lifetime"
	configCodeInvalidRefreshThreshold     = "config.invalid_refresh_threshold"
	configCodeInvalidMaxSessionAge        = "config.invalid_max_session_age"
	configCodeInvalidActivityInterval     = "config.invalid_activity_check_interval"
	configCodeInvalidMaxRefreshRetries    = "config.invalid_max_refresh_retries"
	configCodeInvalidRefreshRetryDelay    = "config.invalid_refresh_retry_delay"
	configCodeInvalidTokenScheme          = "config.invalid_default_token_scheme"
	configCodeInvalidHTTPTimeout          = "config.invalid_http_timeout"
	configCodeUninitializedSessionConfig  = "config.uninitialized_session_config"
	configCodeInvalidMockTokenMode        = "config.invalid_mock_token_mode"
	configCodeMissingMockSigningKey       = "config.missing_mock_signing_key"
	configCodeInvalidMockSeedUsers        = "config.invalid_mock_seed_users"
	configCodeUninitializedMockConfig     = "config.uninitialized_mock_config"
	configCodeInvalidGuardCheckInterval   = "config.invalid_guard_check_interval"
	configCodeMissingCORSAllowedOrigins   = "config.missing_cors_allowed_origins"
	configCodeInvalidLoginRatePerMinute   = "config.invalid_login_rate_per_minute"
	configCodeCredentialStorageUnresolved = "config.credential_storage_unresolved"
)

// SessionConfig is everything needed to build the session context.
type SessionConfig struct {
	APIBaseURL       string
	StorageURL       string
	StorageNamespace string
	TokenLifetime    time.Duration
	DefaultScheme    string
	PermissionsFile  string
	HTTPTimeout      time.Duration
	Session          sessionkit.Config
}

// ServeConfig holds the gateway-only settings.
type ServeConfig struct {
	ListenAddr         string
	GuardCheckInterval time.Duration
	EnableCORS         bool
	CORSAllowedOrigins []string
	LoginRatePerMinute int
}

// MockConfig configures the development backend.
type MockConfig struct {
	ListenAddr string
	TokenMode  string
	SigningKey []byte
	TokenTTL   time.Duration
	SeedUsers  []mockapi.NewUser
}

func configError(code, message string) error {
	return fmt.Errorf("%s: %s", code, message)
}

// LoadSessionConfig validates the session settings bound into viper.
func LoadSessionConfig() (SessionConfig, error) {
	apiBaseURL := strings.TrimSpace(viper.GetString("api_base_url"))
	if apiBaseURL == "" {
		return SessionConfig{}, configError(configCodeMissingAPIBaseURL, "api_base_url must be provided")
	}

	tokenLifetime := viper.GetDuration("token_lifetime")
	if tokenLifetime <= 0 {
		return SessionConfig{}, configError(configCodeInvalidTokenLifetime, "token_lifetime must be greater than zero")
	}

	refreshThreshold := viper.GetDuration("refresh_threshold")
	if refreshThreshold <= 0 || refreshThreshold >= tokenLifetime {
		return SessionConfig{}, configError(configCodeInvalidRefreshThreshold, "refresh_threshold must be greater than zero and shorter than token_lifetime")
	}

	maxSessionAge := viper.GetDuration("max_session_age")
	if maxSessionAge <= 0 {
		return SessionConfig{}, configError(configCodeInvalidMaxSessionAge, "max_session_age must be greater than zero")
	}

	activityCheckInterval := viper.GetDuration("activity_check_interval")
	if activityCheckInterval < time.Second {
		return SessionConfig{}, configError(configCodeInvalidActivityInterval, "activity_check_interval must be at least one second")
	}

	maxRefreshRetries := viper.GetInt("max_refresh_retries")
	if maxRefreshRetries < 1 {
		return SessionConfig{}, configError(configCodeInvalidMaxRefreshRetries, "max_refresh_retries must be at least one")
	}

	refreshRetryDelay := viper.GetDuration("refresh_retry_delay")
	if refreshRetryDelay < 0 {
		return SessionConfig{}, configError(configCodeInvalidRefreshRetryDelay, "refresh_retry_delay must not be negative")
	}

	defaultScheme := strings.TrimSpace(viper.GetString("default_token_scheme"))
	switch defaultScheme {
	case "":
		defaultScheme = credstore.SchemeToken
	case credstore.SchemeToken, credstore.SchemeBearer:
	default:
		return SessionConfig{}, configError(configCodeInvalidTokenScheme, "default_token_scheme must be Token or Bearer")
	}

	httpTimeout := viper.GetDuration("http_timeout")
	if httpTimeout <= 0 {
		return SessionConfig{}, configError(configCodeInvalidHTTPTimeout, "http_timeout must be greater than zero")
	}

	storageURL := strings.TrimSpace(viper.GetString("storage_url"))
	if storageURL == "" {
		resolved, resolveErr := defaultStorageURL()
		if resolveErr != nil {
			return SessionConfig{}, configError(configCodeCredentialStorageUnresolved, resolveErr.Error())
		}
		storageURL = resolved
	}

	return SessionConfig{
		APIBaseURL:       apiBaseURL,
		StorageURL:       storageURL,
		StorageNamespace: viper.GetString("storage_namespace"),
		TokenLifetime:    tokenLifetime,
		DefaultScheme:    defaultScheme,
		PermissionsFile:  strings.TrimSpace(viper.GetString("permissions_file")),
		HTTPTimeout:      httpTimeout,
		Session: sessionkit.Config{
			RefreshThreshold:      refreshThreshold,
			MaxSessionAge:         maxSessionAge,
			ActivityCheckInterval: activityCheckInterval,
			MaxRefreshRetries:     maxRefreshRetries,
			RefreshRetryDelay:     refreshRetryDelay,
		},
	}, nil
}

// LoadServeConfig validates the gateway settings bound into viper.
func LoadServeConfig() (ServeConfig, error) {
	guardCheckInterval := viper.GetDuration("guard_check_interval")
	if guardCheckInterval < 0 {
		return ServeConfig{}, configError(configCodeInvalidGuardCheckInterval, "guard_check_interval must not be negative")
	}
	loginRatePerMinute := viper.GetInt("login_rate_per_minute")
	if loginRatePerMinute < 0 {
		return ServeConfig{}, configError(configCodeInvalidLoginRatePerMinute, "login_rate_per_minute must not be negative")
	}
	enableCORS := viper.GetBool("enable_cors")
	allowedOrigins := viper.GetStringSlice("cors_allowed_origins")
	if enableCORS && len(allowedOrigins) == 0 {
		return ServeConfig{}, configError(configCodeMissingCORSAllowedOrigins, "cors_allowed_origins must be provided when enable_cors is true")
	}
	listenAddr := viper.GetString("listen_addr")
	if strings.TrimSpace(listenAddr) == "" {
		listenAddr = ":8090"
	}
	return ServeConfig{
		ListenAddr:         listenAddr,
		GuardCheckInterval: guardCheckInterval,
		EnableCORS:         enableCORS,
		CORSAllowedOrigins: allowedOrigins,
		LoginRatePerMinute: loginRatePerMinute,
	}, nil
}

// LoadMockConfig validates the development backend settings bound into viper.
func LoadMockConfig() (MockConfig, error) {
	tokenMode := strings.ToLower(strings.TrimSpace(viper.GetString("mock_token_mode")))
	switch tokenMode {
	case "":
		tokenMode = mockapi.TokenModeOpaque
	case mockapi.TokenModeOpaque, mockapi.TokenModeJWT:
	default:
		return MockConfig{}, configError(configCodeInvalidMockTokenMode, "mock_token_mode must be opaque or jwt")
	}
	signingKey := viper.GetString("mock_signing_key")
	if tokenMode == mockapi.TokenModeJWT && signingKey == "" {
		return MockConfig{}, configError(configCodeMissingMockSigningKey, "mock_signing_key must be provided in jwt mode")
	}
	seedUsers, seedErr := mockapi.ParseSeedUsers(viper.GetStringSlice("mock_seed_users"))
	if seedErr != nil {
		return MockConfig{}, configError(configCodeInvalidMockSeedUsers, seedErr.Error())
	}
	listenAddr := viper.GetString("mock_listen_addr")
	if strings.TrimSpace(listenAddr) == "" {
		listenAddr = ":8091"
	}
	return MockConfig{
		ListenAddr: listenAddr,
		TokenMode:  tokenMode,
		SigningKey: []byte(signingKey),
		TokenTTL:   viper.GetDuration("mock_token_ttl"),
		SeedUsers:  seedUsers,
	}, nil
}

func defaultStorageURL() (string, error) {
	configDir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return "file://" + filepath.ToSlash(filepath.Join(configDir, "tmclub-dashboard", "credentials.json")), nil
}
