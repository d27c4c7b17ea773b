package mockapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/tmclubs/tmclub-dashboard-sub000/internal/credstore"
)

// Defaults for the stub backend.
const (
	DefaultTokenTTL = 24 * time.Hour
	DefaultIssuer   = "dashboard-mock-api"
)

// Config configures the stub backend.
type Config struct {
	TokenMode  string
	SigningKey []byte
	Issuer     string
	TokenTTL   time.Duration
	SeedUsers  []NewUser
	Logger     *zap.Logger
	Now        func() time.Time
}

// Server is a development stand-in for the dashboard backend's auth endpoints.
type Server struct {
	users  *InMemoryUsers
	tokens TokenIssuer
	logger *zap.Logger
	now    func() time.Time

	mutex           sync.Mutex
	refreshFailures int
	refreshCalls    int
}

// NewServer constructs the stub backend and creates the seed users.
func NewServer(ctx context.Context, config Config) (*Server, error) {
	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	now := config.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	ttl := config.TokenTTL
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	issuer := strings.TrimSpace(config.Issuer)
	if issuer == "" {
		issuer = DefaultIssuer
	}
	tokens, err := NewTokenIssuer(config.TokenMode, config.SigningKey, issuer, ttl)
	if err != nil {
		return nil, err
	}
	users := NewInMemoryUsers("member")
	for _, seed := range config.SeedUsers {
		if _, createErr := users.Create(ctx, seed); createErr != nil {
			return nil, fmt.Errorf("mockapi.seed: %w", createErr)
		}
	}
	return &Server{users: users, tokens: tokens, logger: logger, now: now}, nil
}

// Users exposes the account store.
func (server *Server) Users() *InMemoryUsers {
	return server.users
}

// FailNextRefreshes makes the next count refresh calls answer 503.
func (server *Server) FailNextRefreshes(count int) {
	server.mutex.Lock()
	server.refreshFailures = count
	server.mutex.Unlock()
}

// RefreshCalls reports how many refresh requests were received.
func (server *Server) RefreshCalls() int {
	server.mutex.Lock()
	defer server.mutex.Unlock()
	return server.refreshCalls
}

// Handler builds a gin engine serving every route.
func (server *Server) Handler() http.Handler {
	router := gin.New()
	router.Use(gin.Recovery())
	server.MountRoutes(router)
	return router
}

// MountRoutes registers /auth/login, /auth/register, /auth/refresh, and /auth/profile.
func (server *Server) MountRoutes(router gin.IRouter) {
	router.POST("/auth/login", server.handleLogin)
	router.POST("/auth/register", server.handleRegister)
	router.POST("/auth/refresh", server.handleRefresh)
	router.GET("/auth/profile", server.handleProfile)
}

func (server *Server) handleLogin(contextGin *gin.Context) {
	var inbound struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := contextGin.ShouldBindJSON(&inbound); err != nil || strings.TrimSpace(inbound.Username) == "" {
		abortWithError(contextGin, http.StatusBadRequest, "invalid_json", "username and password are required")
		return
	}
	profile, err := server.users.Authenticate(contextGin, inbound.Username, inbound.Password)
	if err != nil {
		server.logger.Info("login rejected", zap.String("code", "mockapi.login.rejected"), zap.String("username", inbound.Username))
		abortWithError(contextGin, http.StatusUnauthorized, "invalid_credentials", "invalid username or password")
		return
	}
	server.respondWithToken(contextGin, http.StatusOK, profile)
}

func (server *Server) handleRegister(contextGin *gin.Context) {
	var inbound struct {
		Username  string `json:"username"`
		Email     string `json:"email"`
		Password  string `json:"password"`
		FirstName string `json:"first_name"`
	}
	if err := contextGin.ShouldBindJSON(&inbound); err != nil || strings.TrimSpace(inbound.Username) == "" || inbound.Password == "" {
		abortWithError(contextGin, http.StatusBadRequest, "invalid_json", "username and password are required")
		return
	}
	profile, err := server.users.Create(contextGin, NewUser{
		Username:  inbound.Username,
		Password:  inbound.Password,
		Email:     inbound.Email,
		FirstName: inbound.FirstName,
	})
	if err != nil {
		if errors.Is(err, ErrUserExists) {
			abortWithError(contextGin, http.StatusConflict, "user_exists", "username is already taken")
			return
		}
		server.logger.Error("register failed", zap.String("code", "mockapi.register.failed"), zap.Error(err))
		abortWithError(contextGin, http.StatusInternalServerError, "internal_error", "registration failed")
		return
	}
	server.respondWithToken(contextGin, http.StatusCreated, profile)
}

func (server *Server) handleRefresh(contextGin *gin.Context) {
	server.mutex.Lock()
	server.refreshCalls++
	injectFailure := server.refreshFailures > 0
	if injectFailure {
		server.refreshFailures--
	}
	server.mutex.Unlock()
	if injectFailure {
		abortWithError(contextGin, http.StatusServiceUnavailable, "unavailable", "refresh temporarily unavailable")
		return
	}

	var inbound struct {
		RefreshToken string `json:"refresh_token"`
	}
	if err := contextGin.ShouldBindJSON(&inbound); err != nil || strings.TrimSpace(inbound.RefreshToken) == "" {
		abortWithError(contextGin, http.StatusBadRequest, "invalid_json", "refresh_token is required")
		return
	}
	userID, err := server.tokens.Resolve(inbound.RefreshToken, server.now())
	if err != nil {
		abortWithError(contextGin, http.StatusUnauthorized, "invalid_token", "refresh token is invalid or expired")
		return
	}
	profile, err := server.users.Get(contextGin, userID)
	if err != nil {
		abortWithError(contextGin, http.StatusUnauthorized, "invalid_token", "user no longer exists")
		return
	}
	server.respondWithToken(contextGin, http.StatusOK, profile)
}

func (server *Server) handleProfile(contextGin *gin.Context) {
	scheme, token, found := strings.Cut(strings.TrimSpace(contextGin.GetHeader("Authorization")), " ")
	if !found || strings.TrimSpace(token) == "" {
		abortWithError(contextGin, http.StatusUnauthorized, "missing_token", "authentication credentials were not provided")
		return
	}
	if !strings.EqualFold(scheme, "Token") && !strings.EqualFold(scheme, "Bearer") {
		abortWithError(contextGin, http.StatusUnauthorized, "invalid_scheme", "unsupported authorization scheme")
		return
	}
	userID, err := server.tokens.Resolve(strings.TrimSpace(token), server.now())
	if err != nil {
		abortWithError(contextGin, http.StatusUnauthorized, "invalid_token", "token is invalid or expired")
		return
	}
	profile, err := server.users.Get(contextGin, userID)
	if err != nil {
		abortWithError(contextGin, http.StatusNotFound, "user_not_found", "user no longer exists")
		return
	}
	contextGin.JSON(http.StatusOK, profile)
}

func (server *Server) respondWithToken(contextGin *gin.Context, status int, profile credstore.UserProfile) {
	token, scheme, err := server.tokens.Issue(profile.ID, server.now())
	if err != nil {
		server.logger.Error("token issue failed", zap.String("code", "mockapi.token.issue"), zap.Error(err))
		abortWithError(contextGin, http.StatusInternalServerError, "internal_error", "token issue failed")
		return
	}
	contextGin.JSON(status, credstore.TokenResponse{
		Token:     token,
		TokenType: scheme,
		User:      &profile,
	})
}

func abortWithError(contextGin *gin.Context, status int, code string, message string) {
	contextGin.AbortWithStatusJSON(status, gin.H{"error": code, "message": message})
}
