package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/tmclubs/tmclub-dashboard-sub000/internal/apiclient"
	"github.com/tmclubs/tmclub-dashboard-sub000/internal/credstore"
	"github.com/tmclubs/tmclub-dashboard-sub000/internal/permissions"
	"github.com/tmclubs/tmclub-dashboard-sub000/internal/sessionkit"
	"github.com/tmclubs/tmclub-dashboard-sub000/internal/web"
)

var serveHTTP = func(server *http.Server) error {
	return server.ListenAndServe()
}

var newLogger = func() (*zap.Logger, error) {
	return zap.NewProduction()
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "dashboard",
		Short:        "Session kit for the club dashboard: local gateway, session CLI, and a development backend",
		SilenceUsage: true,
	}

	flags := rootCmd.PersistentFlags()
	flags.String("api_base_url", "", "Dashboard backend base URL")
	flags.String("storage_url", "", "Credential storage URL (memory://, file://, redis://, sqlite://, postgres://, pgx://); defaults to a file in the user config directory")
	flags.String("storage_namespace", credstore.DefaultNamespace, "Namespace isolating this dashboard's credentials in shared storage")
	flags.Duration("token_lifetime", credstore.DefaultTokenLifetime, "Assumed lifetime of a backend token")
	flags.Duration("refresh_threshold", 5*time.Minute, "Refresh tokens expiring within this window")
	flags.Duration("max_session_age", 24*time.Hour, "Sessions idle longer than this are terminated")
	flags.Duration("activity_check_interval", sessionkit.DefaultActivityCheckInterval, "Periodic session check interval")
	flags.Int("max_refresh_retries", sessionkit.DefaultMaxRefreshRetries, "Refresh attempts before the session is cleared")
	flags.Duration("refresh_retry_delay", sessionkit.DefaultRefreshRetryDelay, "Base delay between refresh attempts, multiplied by the attempt number")
	flags.String("default_token_scheme", credstore.SchemeToken, "Authorization scheme when the backend does not declare one (Token or Bearer)")
	flags.String("permissions_file", "", "YAML permission table; empty uses the built-in table")
	flags.Duration("http_timeout", 15*time.Second, "Backend request timeout")
	for _, key := range []string{
		"api_base_url", "storage_url", "storage_namespace", "token_lifetime", "refresh_threshold",
		"max_session_age", "activity_check_interval", "max_refresh_retries", "refresh_retry_delay",
		"default_token_scheme", "permissions_file", "http_timeout",
	} {
		_ = viper.BindPFlag(key, flags.Lookup(key))
	}

	viper.SetEnvPrefix("DASHBOARD")
	viper.AutomaticEnv()

	rootCmd.AddCommand(
		newServeCommand(),
		newLoginCommand(),
		newRegisterCommand(),
		newLogoutCommand(),
		newWhoAmICommand(),
		newMockAPICommand(),
	)
	return rootCmd
}

type contextKey string

const (
	sessionConfigContextKey contextKey = "sessionConfig"
	mockConfigContextKey    contextKey = "mockConfig"
)

func prepareSessionConfig(command *cobra.Command, arguments []string) error {
	sessionConfig, loadErr := LoadSessionConfig()
	if loadErr != nil {
		return loadErr
	}
	command.SetContext(context.WithValue(commandContext(command), sessionConfigContextKey, sessionConfig))
	return nil
}

func sessionConfigFrom(command *cobra.Command) (SessionConfig, error) {
	sessionConfig, ok := commandContext(command).Value(sessionConfigContextKey).(SessionConfig)
	if !ok {
		return SessionConfig{}, configError(configCodeUninitializedSessionConfig, "session configuration not prepared; PreRunE must execute before RunE")
	}
	return sessionConfig, nil
}

func commandContext(command *cobra.Command) context.Context {
	if existing := command.Context(); existing != nil {
		return existing
	}
	return context.Background()
}

// sessionRuntime is a fully wired session context plus the resources it owns.
type sessionRuntime struct {
	manager  *sessionkit.Manager
	resolver *permissions.Resolver
	driver   string
	storage  credstore.Storage
}

func (wired *sessionRuntime) Close() {
	wired.manager.Close()
	_ = wired.storage.Close()
}

func buildSession(ctx context.Context, sessionConfig SessionConfig, metrics sessionkit.MetricsRecorder, logger *zap.Logger) (*sessionRuntime, error) {
	table := permissions.DefaultTable()
	if sessionConfig.PermissionsFile != "" {
		loaded, loadErr := permissions.LoadTable(sessionConfig.PermissionsFile)
		if loadErr != nil {
			return nil, loadErr
		}
		table = loaded
	}

	client, clientErr := apiclient.New(apiclient.Config{
		BaseURL: sessionConfig.APIBaseURL,
		Timeout: sessionConfig.HTTPTimeout,
	})
	if clientErr != nil {
		return nil, clientErr
	}

	storage, driver, storageErr := credstore.Open(ctx, sessionConfig.StorageURL, sessionConfig.StorageNamespace)
	if storageErr != nil {
		return nil, storageErr
	}
	store := credstore.NewStore(credstore.Config{
		Storage:       storage,
		TokenLifetime: sessionConfig.TokenLifetime,
		DefaultScheme: sessionConfig.DefaultScheme,
		Logger:        logger.Named("credstore"),
	})
	manager, managerErr := sessionkit.NewManager(sessionConfig.Session, sessionkit.Dependencies{
		Store:   store,
		API:     client,
		Metrics: metrics,
		Logger:  logger.Named("session"),
	})
	if managerErr != nil {
		_ = storage.Close()
		return nil, managerErr
	}
	logger.Debug("session context ready", zap.String("storage", driver))
	return &sessionRuntime{
		manager:  manager,
		resolver: permissions.NewResolver(table),
		driver:   driver,
		storage:  storage,
	}, nil
}

func newServeCommand() *cobra.Command {
	serveCmd := &cobra.Command{
		Use:     "serve",
		Short:   "Run the local dashboard gateway with guarded views",
		PreRunE: prepareSessionConfig,
		RunE:    runServe,
	}
	serveCmd.Flags().String("listen_addr", ":8090", "HTTP listen address")
	serveCmd.Flags().Duration("guard_check_interval", 60*time.Second, "Re-check interval for watched guards")
	serveCmd.Flags().Bool("enable_cors", false, "Enable CORS for a separately hosted dashboard frontend")
	serveCmd.Flags().StringSlice("cors_allowed_origins", []string{}, "Allowed origins when CORS is enabled")
	serveCmd.Flags().Int("login_rate_per_minute", web.DefaultLoginRatePerMinute, "Login attempts allowed per client address per minute; 0 disables the limit")
	for _, key := range []string{"listen_addr", "guard_check_interval", "enable_cors", "cors_allowed_origins", "login_rate_per_minute"} {
		_ = viper.BindPFlag(key, serveCmd.Flags().Lookup(key))
	}
	return serveCmd
}

func runServe(command *cobra.Command, arguments []string) error {
	sessionConfig, err := sessionConfigFrom(command)
	if err != nil {
		return err
	}
	serveConfig, err := LoadServeConfig()
	if err != nil {
		return err
	}

	logger, loggerErr := newLogger()
	if loggerErr != nil {
		return loggerErr
	}
	defer func() { _ = logger.Sync() }()

	metrics := sessionkit.NewPrometheusMetrics()
	wired, buildErr := buildSession(commandContext(command), sessionConfig, metrics, logger)
	if buildErr != nil {
		return buildErr
	}
	defer wired.Close()
	if wired.manager.Resume(commandContext(command)) {
		logger.Info("resumed persisted session", zap.String("storage", wired.driver))
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(zapLoggerMiddleware(logger))
	if serveConfig.EnableCORS {
		corsMiddleware, corsErr := web.ConfigureCORS(logger, serveConfig.CORSAllowedOrigins)
		if corsErr != nil {
			return corsErr
		}
		router.Use(corsMiddleware)
	}
	router.GET("/metrics", gin.WrapH(metrics.Handler()))

	web.NewGateway(web.GatewayConfig{
		Session:            wired.manager,
		Resolver:           wired.resolver,
		GuardCheckInterval: serveConfig.GuardCheckInterval,
		LoginLimiter:       web.NewLoginLimiter(serveConfig.LoginRatePerMinute, nil),
		Logger:             logger.Named("gateway"),
	}).Mount(router)

	server := &http.Server{
		Addr:              serveConfig.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return runHTTPServer(commandContext(command), server, logger)
}

// runHTTPServer serves until the server fails or SIGINT/SIGTERM arrives, then shuts down gracefully.
func runHTTPServer(ctx context.Context, server *http.Server, logger *zap.Logger) error {
	signalCtx, stopSignals := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stopSignals()
	serveCtx, cancelServe := context.WithCancel(signalCtx)
	defer cancelServe()

	group, groupCtx := errgroup.WithContext(serveCtx)
	group.Go(func() error {
		defer cancelServe()
		logger.Info("listening", zap.String("addr", server.Addr))
		if err := serveHTTP(server); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen error: %w", err)
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		graceCtx, graceCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer graceCancel()
		if err := server.Shutdown(graceCtx); err != nil {
			logger.Error("server shutdown error", zap.Error(err))
			return err
		}
		return nil
	})
	return group.Wait()
}

func zapLoggerMiddleware(logger *zap.Logger) gin.HandlerFunc {
	return func(contextGin *gin.Context) {
		startTime := time.Now()
		contextGin.Next()
		duration := time.Since(startTime)
		logger.Info("http",
			zap.String("method", contextGin.Request.Method),
			zap.String("path", contextGin.Request.URL.Path),
			zap.Int("status", contextGin.Writer.Status()),
			zap.String("ip", contextGin.ClientIP()),
			zap.Duration("elapsed", duration),
		)
	}
}
