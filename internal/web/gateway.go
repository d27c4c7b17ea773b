package web

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/render"
	"go.uber.org/zap"

	"github.com/tmclubs/tmclub-dashboard-sub000/internal/apiclient"
	"github.com/tmclubs/tmclub-dashboard-sub000/internal/guard"
	"github.com/tmclubs/tmclub-dashboard-sub000/internal/permissions"
	"github.com/tmclubs/tmclub-dashboard-sub000/internal/sessionkit"
	"github.com/tmclubs/tmclub-dashboard-sub000/pkg/sessionvalidator"
	webassets "github.com/tmclubs/tmclub-dashboard-sub000/web"
)

// Gateway paths.
const (
	LoginPath          = guard.DefaultRedirectTo
	LogoutPath         = "/logout"
	MePath             = "/api/me"
	ActivityPath       = "/api/activity"
	ActivityClientPath = "/static/activity-client.js"
	ClientConfigPath   = "/static/session-config.js"
	HomePath           = "/"
)

const activityThrottle = 15 * time.Second

var clientSignals = []sessionkit.Signal{
	sessionkit.SignalPointerDown,
	sessionkit.SignalKeyPress,
	sessionkit.SignalScroll,
	sessionkit.SignalTouch,
	sessionkit.SignalClick,
	sessionkit.SignalFocus,
}

// GatewayConfig wires a Gateway.
type GatewayConfig struct {
	Session            *sessionkit.Manager
	Resolver           *permissions.Resolver
	GuardCheckInterval time.Duration
	Nonces             *FormNonces
	LoginLimiter       *LoginLimiter
	Logger             *zap.Logger
}

// Gateway serves the dashboard views behind the session guard.
type Gateway struct {
	session            *sessionkit.Manager
	resolver           *permissions.Resolver
	guardCheckInterval time.Duration
	nonces             *FormNonces
	loginLimiter       *LoginLimiter
	logger             *zap.Logger
}

// NewGateway constructs a Gateway.
func NewGateway(config GatewayConfig) *Gateway {
	resolver := config.Resolver
	if resolver == nil {
		resolver = permissions.NewResolver(permissions.DefaultTable())
	}
	nonces := config.Nonces
	if nonces == nil {
		nonces = NewFormNonces(DefaultNonceTTL, nil)
	}
	loginLimiter := config.LoginLimiter
	if loginLimiter == nil {
		loginLimiter = NewLoginLimiter(DefaultLoginRatePerMinute, nil)
	}
	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gateway{
		session:            config.Session,
		resolver:           resolver,
		guardCheckInterval: config.GuardCheckInterval,
		nonces:             nonces,
		loginLimiter:       loginLimiter,
		logger:             logger,
	}
}

// Mount registers every gateway route on router.
func (gateway *Gateway) Mount(router gin.IRouter) {
	router.GET(LoginPath, gateway.handleLoginForm)
	router.POST(LoginPath, gateway.handleLoginSubmit)
	router.POST(LogoutPath, gateway.handleLogout)

	router.GET(ActivityClientPath, func(contextGin *gin.Context) {
		ServeEmbeddedStaticJS(contextGin, webassets.FS, "activity-client.js")
	})
	router.GET(ClientConfigPath, func(contextGin *gin.Context) {
		ServeClientConfig(contextGin, ClientConfig{
			ActivityEndpoint: ActivityPath,
			LoginPath:        LoginPath,
			ThrottleInterval: activityThrottle,
			Signals:          clientSignals,
		})
	})

	router.GET(MePath, guard.APIMiddleware(gateway.newGuard(nil)), gateway.handleMe)
	router.POST(ActivityPath, gateway.handleActivity)

	homeDeclared := false
	for _, route := range gateway.resolver.Routes() {
		if permissions.IsReservedRoute(route) {
			gateway.logger.Warn("route shadows a gateway path, not mounted",
				zap.String("code", "web.route.reserved"),
				zap.String("route", route))
			continue
		}
		if route == HomePath {
			homeDeclared = true
		}
		checks, _ := gateway.resolver.RouteChecks(route)
		gateway.mountView(router, route, checks)
	}
	if !homeDeclared {
		gateway.mountView(router, HomePath, nil)
	}
}

func (gateway *Gateway) mountView(router gin.IRouter, route string, checks []permissions.Check) {
	router.GET(route, guard.Middleware(gateway.newGuard(checks)), gateway.recordNavigation, gateway.handleView(route, checks))
}

func (gateway *Gateway) newGuard(checks []permissions.Check) *guard.Guard {
	return guard.New(guard.Config{
		Session:  gateway.session,
		Resolver: gateway.resolver,
		Options: guard.Options{
			RequireAuth:   true,
			RedirectTo:    LoginPath,
			Permissions:   checks,
			CheckInterval: gateway.guardCheckInterval,
		},
		Metrics: gateway.session.Metrics(),
		Logger:  gateway.logger.Named("guard"),
	})
}

func (gateway *Gateway) handleLoginForm(contextGin *gin.Context) {
	returnURL := SanitizeReturnURL(contextGin.Query(guard.ReturnURLParameter), LoginPath, HomePath)
	if gateway.session.Validity(contextGin.Request.Context()) == sessionvalidator.Valid {
		contextGin.Redirect(http.StatusSeeOther, returnURL)
		return
	}
	gateway.renderLogin(contextGin, http.StatusOK, loginPageData{ReturnURL: returnURL})
}

func (gateway *Gateway) handleLoginSubmit(contextGin *gin.Context) {
	username := strings.TrimSpace(contextGin.PostForm("username"))
	password := contextGin.PostForm("password")
	returnURL := SanitizeReturnURL(contextGin.PostForm(guard.ReturnURLParameter), LoginPath, HomePath)
	form := loginPageData{ReturnURL: returnURL, Username: username}

	if allowed, retryAfter := gateway.loginLimiter.Allow(contextGin.ClientIP()); !allowed {
		gateway.logger.Warn("login rate limited",
			zap.String("code", "web.login.rate_limited"),
			zap.String("ip", contextGin.ClientIP()))
		contextGin.Header("Retry-After", strconv.Itoa(int(retryAfter.Seconds())))
		form.Error = "Too many sign-in attempts. Try again later."
		gateway.renderLogin(contextGin, http.StatusTooManyRequests, form)
		return
	}
	if nonceErr := gateway.nonces.Consume(contextGin.PostForm("nonce")); nonceErr != nil {
		gateway.logger.Info("login form nonce rejected",
			zap.String("code", "web.login.nonce"),
			zap.Error(nonceErr))
		form.Error = "The sign-in form expired. Please try again."
		gateway.renderLogin(contextGin, http.StatusBadRequest, form)
		return
	}
	if username == "" || password == "" {
		form.Error = "Username and password are required."
		gateway.renderLogin(contextGin, http.StatusBadRequest, form)
		return
	}

	if _, loginErr := gateway.session.Login(contextGin.Request.Context(), username, password); loginErr != nil {
		status := http.StatusBadGateway
		form.Error = "Sign-in is unavailable right now."
		if errors.Is(loginErr, apiclient.ErrUnauthorized) {
			status = http.StatusUnauthorized
			form.Error = "Invalid username or password."
		}
		gateway.renderLogin(contextGin, status, form)
		return
	}
	contextGin.Redirect(http.StatusSeeOther, returnURL)
}

func (gateway *Gateway) renderLogin(contextGin *gin.Context, status int, data loginPageData) {
	nonce, issueErr := gateway.nonces.Issue()
	if issueErr != nil {
		gateway.logger.Error("login nonce issue failed", zap.String("code", "web.login.nonce_issue"), zap.Error(issueErr))
		contextGin.AbortWithStatus(http.StatusInternalServerError)
		return
	}
	data.Action = LoginPath
	data.Nonce = nonce
	contextGin.Header("Cache-Control", "no-store")
	contextGin.Render(status, render.HTML{Template: loginPage, Name: "login", Data: data})
}

func (gateway *Gateway) handleLogout(contextGin *gin.Context) {
	gateway.session.Logout(contextGin.Request.Context())
	contextGin.Redirect(http.StatusSeeOther, LoginPath)
}

func (gateway *Gateway) handleMe(contextGin *gin.Context) {
	ctx := contextGin.Request.Context()
	snapshot := gateway.session.Snapshot(ctx)
	user, _ := guard.UserFromContext(contextGin)
	if user == nil {
		user = snapshot.User
	}
	payload := gin.H{
		"user":     user,
		"role":     gateway.resolver.ResolveRole(snapshot.Role()),
		"validity": gateway.session.Validity(ctx).String(),
		"scheme":   snapshot.Scheme,
	}
	if !snapshot.ExpiresAt.IsZero() {
		payload["expires_at"] = snapshot.ExpiresAt
	}
	if !snapshot.LastActivityAt.IsZero() {
		payload["last_activity_at"] = snapshot.LastActivityAt
	}
	contextGin.JSON(http.StatusOK, payload)
}

type activityRequest struct {
	Signal string `json:"signal"`
}

func (gateway *Gateway) handleActivity(contextGin *gin.Context) {
	var request activityRequest
	if bindErr := contextGin.ShouldBindJSON(&request); bindErr != nil {
		contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "signal is required",
		})
		return
	}
	signal, parseErr := sessionkit.ParseSignal(request.Signal)
	if parseErr != nil {
		contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
			"error":   "unknown_signal",
			"message": parseErr.Error(),
		})
		return
	}
	if recordErr := gateway.session.Tracker().Record(contextGin.Request.Context(), signal); recordErr != nil {
		contextGin.AbortWithStatus(http.StatusInternalServerError)
		return
	}
	contextGin.Status(http.StatusNoContent)
}

func (gateway *Gateway) recordNavigation(contextGin *gin.Context) {
	if err := gateway.session.Tracker().Record(contextGin.Request.Context(), sessionkit.SignalNavigate); err != nil {
		gateway.logger.Warn("navigation activity not recorded", zap.String("code", "web.activity.navigate"), zap.Error(err))
	}
	contextGin.Next()
}

func (gateway *Gateway) handleView(route string, checks []permissions.Check) gin.HandlerFunc {
	required := make([]string, 0, len(checks))
	for _, check := range checks {
		required = append(required, check.String())
	}
	return func(contextGin *gin.Context) {
		user, _ := guard.UserFromContext(contextGin)
		contextGin.JSON(http.StatusOK, gin.H{
			"view":        route,
			"path":        contextGin.Request.URL.Path,
			"user":        user,
			"permissions": required,
		})
	}
}
