package main

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/tmclubs/tmclub-dashboard-sub000/internal/mockapi"
)

func validSessionSettings() map[string]any {
	return map[string]any{
		"api_base_url":            "http://127.0.0.1:8091",
		"storage_url":             "memory://",
		"token_lifetime":          24 * time.Hour,
		"refresh_threshold":       5 * time.Minute,
		"max_session_age":         24 * time.Hour,
		"activity_check_interval": time.Minute,
		"max_refresh_retries":     3,
		"refresh_retry_delay":     time.Second,
		"http_timeout":            15 * time.Second,
	}
}

func applySettings(settings map[string]any) {
	for key, value := range settings {
		viper.Set(key, value)
	}
}

func useTestLogger(t *testing.T) {
	t.Helper()
	previous := newLogger
	newLogger = func() (*zap.Logger, error) { return zaptest.NewLogger(t), nil }
	t.Cleanup(func() { newLogger = previous })
}

func TestZapLoggerMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)

	router := gin.New()
	router.Use(zapLoggerMiddleware(zaptest.NewLogger(t)))
	router.GET("/ping", func(contextGin *gin.Context) {
		contextGin.Status(http.StatusNoContent)
	})

	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/ping", nil))

	if recorder.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", recorder.Code)
	}
}

func TestRunServeMissingConfig(t *testing.T) {
	viper.Reset()
	defer viper.Reset()

	err := runServe(&cobra.Command{}, nil)
	if err == nil {
		t.Fatalf("expected configuration error")
	}
	expectedMessage := "config.uninitialized_session_config: session configuration not prepared; PreRunE must execute before RunE"
	if err.Error() != expectedMessage {
		t.Fatalf("expected error %q, got %q", expectedMessage, err.Error())
	}
}

func TestLoadSessionConfigValidation(t *testing.T) {
	testCases := []struct {
		name            string
		override        map[string]any
		expectedMessage string
	}{
		{
			name:            "missing base url",
			override:        map[string]any{"api_base_url": ""},
			expectedMessage: "config.missing_api_base_url: api_base_url must be provided",
		},
		{
			name:            "non-positive token lifetime",
			override:        map[string]any{"token_lifetime": 0},
			expectedMessage: "config.invalid_token_lifetime: token_lifetime must be greater than zero",
		},
		{
			name:            "threshold beyond lifetime",
			override:        map[string]any{"refresh_threshold": 25 * time.Hour},
			expectedMessage: "config.invalid_refresh_threshold: refresh_threshold must be greater than zero and shorter than token_lifetime",
		},
		{
			name:            "non-positive max session age",
			override:        map[string]any{"max_session_age": -time.Hour},
			expectedMessage: "config.invalid_max_session_age: max_session_age must be greater than zero",
		},
		{
			name:            "sub-second activity interval",
			override:        map[string]any{"activity_check_interval": 10 * time.Millisecond},
			expectedMessage: "config.invalid_activity_check_interval: activity_check_interval must be at least one second",
		},
		{
			name:            "zero retries",
			override:        map[string]any{"max_refresh_retries": 0},
			expectedMessage: "config.invalid_max_refresh_retries: max_refresh_retries must be at least one",
		},
		{
			name:            "unknown scheme",
			override:        map[string]any{"default_token_scheme": "Basic"},
			expectedMessage: "config.invalid_default_token_scheme: default_token_scheme must be Token or Bearer",
		},
		{
			name:            "missing http timeout",
			override:        map[string]any{"http_timeout": 0},
			expectedMessage: "config.invalid_http_timeout: http_timeout must be greater than zero",
		},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			viper.Reset()
			defer viper.Reset()
			applySettings(validSessionSettings())
			applySettings(testCase.override)

			_, err := LoadSessionConfig()
			if err == nil {
				t.Fatalf("expected configuration error")
			}
			if err.Error() != testCase.expectedMessage {
				t.Fatalf("expected error %q, got %q", testCase.expectedMessage, err.Error())
			}
		})
	}
}

func TestLoadSessionConfigDefaults(t *testing.T) {
	viper.Reset()
	defer viper.Reset()
	applySettings(validSessionSettings())
	viper.Set("storage_url", "")

	sessionConfig, err := LoadSessionConfig()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sessionConfig.DefaultScheme != "Token" {
		t.Fatalf("expected Token scheme, got %q", sessionConfig.DefaultScheme)
	}
	if !strings.HasPrefix(sessionConfig.StorageURL, "file://") || !strings.HasSuffix(sessionConfig.StorageURL, "tmclub-dashboard/credentials.json") {
		t.Fatalf("unexpected default storage url %q", sessionConfig.StorageURL)
	}
	if sessionConfig.Session.MaxRefreshRetries != 3 || sessionConfig.Session.RefreshRetryDelay != time.Second {
		t.Fatalf("unexpected retry policy %+v", sessionConfig.Session)
	}
}

func TestLoadServeConfigRequiresOriginsWithCORS(t *testing.T) {
	viper.Reset()
	defer viper.Reset()
	viper.Set("enable_cors", true)

	_, err := LoadServeConfig()
	expectedMessage := "config.missing_cors_allowed_origins: cors_allowed_origins must be provided when enable_cors is true"
	if err == nil || err.Error() != expectedMessage {
		t.Fatalf("expected error %q, got %v", expectedMessage, err)
	}

	viper.Set("cors_allowed_origins", []string{"http://localhost:5173"})
	serveConfig, err := LoadServeConfig()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if serveConfig.ListenAddr != ":8090" {
		t.Fatalf("expected default listen address, got %q", serveConfig.ListenAddr)
	}
}

func TestLoadMockConfig(t *testing.T) {
	viper.Reset()
	defer viper.Reset()

	viper.Set("mock_token_mode", "jwt")
	if _, err := LoadMockConfig(); err == nil || err.Error() != "config.missing_mock_signing_key: mock_signing_key must be provided in jwt mode" {
		t.Fatalf("expected missing signing key error, got %v", err)
	}

	viper.Set("mock_token_mode", "saml")
	if _, err := LoadMockConfig(); err == nil || !strings.HasPrefix(err.Error(), configCodeInvalidMockTokenMode) {
		t.Fatalf("expected invalid token mode error, got %v", err)
	}

	viper.Set("mock_token_mode", "")
	viper.Set("mock_seed_users", []string{"admin"})
	if _, err := LoadMockConfig(); err == nil || !strings.HasPrefix(err.Error(), configCodeInvalidMockSeedUsers) {
		t.Fatalf("expected invalid seed error, got %v", err)
	}

	viper.Set("mock_seed_users", []string{"admin:secret:admin", "mia:pass"})
	mockConfig, err := LoadMockConfig()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if mockConfig.TokenMode != mockapi.TokenModeOpaque || len(mockConfig.SeedUsers) != 2 || mockConfig.SeedUsers[0].Role != "admin" {
		t.Fatalf("unexpected mock config %+v", mockConfig)
	}
}

func executeCommand(t *testing.T, arguments ...string) (string, error) {
	t.Helper()
	viper.Reset()
	rootCmd := newRootCommand()
	output := &bytes.Buffer{}
	rootCmd.SetOut(output)
	rootCmd.SetErr(output)
	rootCmd.SetArgs(arguments)
	err := rootCmd.ExecuteContext(context.Background())
	return output.String(), err
}

func TestSessionCommandsSharePersistedCredentials(t *testing.T) {
	gin.SetMode(gin.TestMode)
	useTestLogger(t)
	defer viper.Reset()

	backend, err := mockapi.NewServer(context.Background(), mockapi.Config{
		SeedUsers: []mockapi.NewUser{{Username: "mia", Password: "member-pass", Role: "member", FirstName: "Mia"}},
	})
	if err != nil {
		t.Fatalf("mock api: %v", err)
	}
	backendServer := httptest.NewServer(backend.Handler())
	defer backendServer.Close()

	common := []string{
		"--api_base_url", backendServer.URL,
		"--storage_url", "file://" + filepath.ToSlash(filepath.Join(t.TempDir(), "credentials.json")),
	}
	run := func(arguments ...string) (string, error) {
		return executeCommand(t, append(arguments, common...)...)
	}

	if _, err := run("whoami"); err == nil || !strings.Contains(err.Error(), "not signed in") {
		t.Fatalf("expected not signed in, got %v", err)
	}

	output, err := run("login", "--username", "mia", "--password", "member-pass")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if !strings.Contains(output, "Signed in as Mia (member)") {
		t.Fatalf("unexpected login output %q", output)
	}

	output, err = run("whoami")
	if err != nil {
		t.Fatalf("whoami: %v", err)
	}
	for _, expected := range []string{"user: mia (Mia)", "role: member", "validity: valid", "expires_at: "} {
		if !strings.Contains(output, expected) {
			t.Fatalf("whoami output %q missing %q", output, expected)
		}
	}

	output, err = run("logout")
	if err != nil || !strings.Contains(output, "Signed out") {
		t.Fatalf("logout: %v %q", err, output)
	}
	if _, err := run("whoami"); err == nil {
		t.Fatalf("expected whoami to fail after logout")
	}

	if _, err := run("login", "--username", "mia"); err == nil || !strings.Contains(err.Error(), "cli.login") {
		t.Fatalf("expected missing password error, got %v", err)
	}
}

func TestServeMountsGatewayAndMetrics(t *testing.T) {
	gin.SetMode(gin.TestMode)
	useTestLogger(t)
	defer viper.Reset()

	statuses := map[string]int{}
	previous := serveHTTP
	serveHTTP = func(server *http.Server) error {
		for _, path := range []string{"/metrics", "/events", "/login", "/static/activity-client.js"} {
			recorder := httptest.NewRecorder()
			server.Handler.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, path, nil))
			statuses[path] = recorder.Code
		}
		return http.ErrServerClosed
	}
	defer func() { serveHTTP = previous }()

	if _, err := executeCommand(t, "serve", "--api_base_url", "http://127.0.0.1:1", "--storage_url", "memory://"); err != nil {
		t.Fatalf("serve: %v", err)
	}
	expected := map[string]int{
		"/metrics":                   http.StatusOK,
		"/events":                    http.StatusFound,
		"/login":                     http.StatusOK,
		"/static/activity-client.js": http.StatusOK,
	}
	for path, code := range expected {
		if statuses[path] != code {
			t.Fatalf("%s: expected %d, got %d", path, code, statuses[path])
		}
	}
}

func TestMockAPICommandServesAuthRoutes(t *testing.T) {
	gin.SetMode(gin.TestMode)
	useTestLogger(t)
	defer viper.Reset()

	var loginStatus int
	previous := serveHTTP
	serveHTTP = func(server *http.Server) error {
		recorder := httptest.NewRecorder()
		request := httptest.NewRequest(http.MethodPost, "/auth/login", strings.NewReader(`{"username":"member","password":"member"}`))
		request.Header.Set("Content-Type", "application/json")
		server.Handler.ServeHTTP(recorder, request)
		loginStatus = recorder.Code
		return http.ErrServerClosed
	}
	defer func() { serveHTTP = previous }()

	if _, err := executeCommand(t, "mock-api"); err != nil {
		t.Fatalf("mock-api: %v", err)
	}
	if loginStatus != http.StatusOK {
		t.Fatalf("expected seeded login to succeed, got %d", loginStatus)
	}
}
