package main

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/tmclubs/tmclub-dashboard-sub000/internal/mockapi"
)

func newMockAPICommand() *cobra.Command {
	mockCmd := &cobra.Command{
		Use:     "mock-api",
		Short:   "Run a development stand-in for the dashboard backend auth endpoints",
		PreRunE: prepareMockConfig,
		RunE:    runMockAPI,
	}
	mockCmd.Flags().String("mock_listen_addr", ":8091", "HTTP listen address")
	mockCmd.Flags().String("mock_token_mode", mockapi.TokenModeOpaque, "Token format: opaque (Token scheme) or jwt (Bearer scheme)")
	mockCmd.Flags().String("mock_signing_key", "", "HS256 signing secret for jwt mode")
	mockCmd.Flags().Duration("mock_token_ttl", mockapi.DefaultTokenTTL, "Issued token lifetime")
	mockCmd.Flags().StringSlice("mock_seed_users", []string{"admin:admin:admin", "manager:manager:manager", "member:member:member"}, "Seed accounts as username:password:role")
	for _, key := range []string{"mock_listen_addr", "mock_token_mode", "mock_signing_key", "mock_token_ttl", "mock_seed_users"} {
		_ = viper.BindPFlag(key, mockCmd.Flags().Lookup(key))
	}
	return mockCmd
}

func prepareMockConfig(command *cobra.Command, arguments []string) error {
	mockConfig, loadErr := LoadMockConfig()
	if loadErr != nil {
		return loadErr
	}
	command.SetContext(context.WithValue(commandContext(command), mockConfigContextKey, mockConfig))
	return nil
}

func runMockAPI(command *cobra.Command, arguments []string) error {
	mockConfig, ok := commandContext(command).Value(mockConfigContextKey).(MockConfig)
	if !ok {
		return configError(configCodeUninitializedMockConfig, "mock configuration not prepared; PreRunE must execute before RunE")
	}

	logger, loggerErr := newLogger()
	if loggerErr != nil {
		return loggerErr
	}
	defer func() { _ = logger.Sync() }()

	backend, err := mockapi.NewServer(commandContext(command), mockapi.Config{
		TokenMode:  mockConfig.TokenMode,
		SigningKey: mockConfig.SigningKey,
		TokenTTL:   mockConfig.TokenTTL,
		SeedUsers:  mockConfig.SeedUsers,
		Logger:     logger.Named("mockapi"),
	})
	if err != nil {
		return err
	}
	logger.Info("mock backend ready",
		zap.String("token_mode", mockConfig.TokenMode),
		zap.Int("seed_users", len(mockConfig.SeedUsers)))

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(zapLoggerMiddleware(logger))
	backend.MountRoutes(router)

	server := &http.Server{
		Addr:              mockConfig.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return runHTTPServer(commandContext(command), server, logger)
}
