package web

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"regexp"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/tmclubs/tmclub-dashboard-sub000/internal/apiclient"
	"github.com/tmclubs/tmclub-dashboard-sub000/internal/credstore"
	"github.com/tmclubs/tmclub-dashboard-sub000/internal/mockapi"
	"github.com/tmclubs/tmclub-dashboard-sub000/internal/permissions"
	"github.com/tmclubs/tmclub-dashboard-sub000/internal/sessionkit"
)

var noncePattern = regexp.MustCompile(`name="nonce" value="([^"]+)"`)

type gatewayHarness struct {
	router  *gin.Engine
	manager *sessionkit.Manager
	metrics *sessionkit.CounterMetrics
}

func newGatewayHarness(t *testing.T, loginRatePerMinute int) *gatewayHarness {
	t.Helper()
	return newGatewayHarnessWithResolver(t, loginRatePerMinute, permissions.NewResolver(permissions.DefaultTable()))
}

func newGatewayHarnessWithResolver(t *testing.T, loginRatePerMinute int, resolver *permissions.Resolver) *gatewayHarness {
	t.Helper()
	gin.SetMode(gin.TestMode)
	logger := zaptest.NewLogger(t)

	backend, err := mockapi.NewServer(context.Background(), mockapi.Config{
		SeedUsers: []mockapi.NewUser{
			{Username: "mia", Password: "member-pass", Role: permissions.RoleMember},
			{Username: "max", Password: "manager-pass", Role: permissions.RoleManager},
		},
	})
	require.NoError(t, err)
	backendServer := httptest.NewServer(backend.Handler())
	t.Cleanup(backendServer.Close)

	client, err := apiclient.New(apiclient.Config{BaseURL: backendServer.URL})
	require.NoError(t, err)

	metrics := sessionkit.NewCounterMetrics()
	manager, err := sessionkit.NewManager(sessionkit.DefaultConfig(), sessionkit.Dependencies{
		Store:   credstore.NewStore(credstore.Config{Logger: logger}),
		API:     client,
		Metrics: metrics,
		Logger:  logger,
	})
	require.NoError(t, err)
	t.Cleanup(manager.Close)

	router := gin.New()
	NewGateway(GatewayConfig{
		Session:      manager,
		Resolver:     resolver,
		LoginLimiter: NewLoginLimiter(loginRatePerMinute, nil),
		Logger:       logger,
	}).Mount(router)

	return &gatewayHarness{router: router, manager: manager, metrics: metrics}
}

func (harness *gatewayHarness) do(request *http.Request) *httptest.ResponseRecorder {
	recorder := httptest.NewRecorder()
	harness.router.ServeHTTP(recorder, request)
	return recorder
}

func (harness *gatewayHarness) get(path string) *httptest.ResponseRecorder {
	return harness.do(httptest.NewRequest(http.MethodGet, path, nil))
}

func (harness *gatewayHarness) nonce(t *testing.T) string {
	t.Helper()
	recorder := harness.get("/login")
	require.Equal(t, http.StatusOK, recorder.Code)
	match := noncePattern.FindStringSubmatch(recorder.Body.String())
	require.Len(t, match, 2, recorder.Body.String())
	return match[1]
}

func (harness *gatewayHarness) submitLogin(form url.Values) *httptest.ResponseRecorder {
	request := httptest.NewRequest(http.MethodPost, "/login", strings.NewReader(form.Encode()))
	request.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return harness.do(request)
}

func (harness *gatewayHarness) login(t *testing.T, username string, password string, returnURL string) *httptest.ResponseRecorder {
	t.Helper()
	return harness.submitLogin(url.Values{
		"username":  {username},
		"password":  {password},
		"nonce":     {harness.nonce(t)},
		"returnUrl": {returnURL},
	})
}

func decodeBody(t *testing.T, recorder *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &body))
	return body
}

func TestGatewayRedirectsAnonymousVisitorsToLogin(t *testing.T) {
	harness := newGatewayHarness(t, 0)

	recorder := harness.get("/events?page=2")
	require.Equal(t, http.StatusFound, recorder.Code)
	require.Equal(t, "/login?returnUrl=%2Fevents%3Fpage%3D2", recorder.Header().Get("Location"))

	apiRecorder := harness.get("/api/me")
	require.Equal(t, http.StatusUnauthorized, apiRecorder.Code)

	page := harness.get("/login?returnUrl=%2Fevents")
	require.Equal(t, http.StatusOK, page.Code)
	require.Contains(t, page.Body.String(), `name="returnUrl" value="/events"`)
}

func TestGatewayLoginFlowGuardsViewsByRole(t *testing.T) {
	harness := newGatewayHarness(t, 0)

	recorder := harness.login(t, "mia", "member-pass", "/events")
	require.Equal(t, http.StatusSeeOther, recorder.Code)
	require.Equal(t, "/events", recorder.Header().Get("Location"))
	require.Equal(t, int64(1), harness.metrics.Count(sessionkit.MetricLoginSuccess))

	view := harness.get("/events")
	require.Equal(t, http.StatusOK, view.Code)
	body := decodeBody(t, view)
	require.Equal(t, "/events", body["view"])
	require.Equal(t, "mia", body["user"].(map[string]any)["username"])

	denied := harness.get("/events/edit")
	require.Equal(t, http.StatusForbidden, denied.Code)
	deniedBody := decodeBody(t, denied)
	require.Equal(t, "access_denied", deniedBody["error"])
	require.Contains(t, deniedBody["message"], "write permission on events")

	me := harness.get("/api/me")
	require.Equal(t, http.StatusOK, me.Code)
	meBody := decodeBody(t, me)
	require.Equal(t, permissions.RoleMember, meBody["role"])
	require.Equal(t, "valid", meBody["validity"])
	require.NotEmpty(t, meBody["expires_at"])

	alreadySignedIn := harness.get("/login?returnUrl=%2Fblog")
	require.Equal(t, http.StatusSeeOther, alreadySignedIn.Code)
	require.Equal(t, "/blog", alreadySignedIn.Header().Get("Location"))

	logout := harness.do(httptest.NewRequest(http.MethodPost, "/logout", nil))
	require.Equal(t, http.StatusSeeOther, logout.Code)
	require.Equal(t, "/login", logout.Header().Get("Location"))
	require.False(t, harness.manager.Snapshot(context.Background()).HasToken())
	require.Equal(t, http.StatusFound, harness.get("/events").Code)
}

func TestGatewayManagerCanEditEvents(t *testing.T) {
	harness := newGatewayHarness(t, 0)
	require.Equal(t, http.StatusSeeOther, harness.login(t, "max", "manager-pass", "").Code)

	recorder := harness.get("/events/edit")
	require.Equal(t, http.StatusOK, recorder.Code)
	require.Equal(t, []any{"events:read", "events:write"}, decodeBody(t, recorder)["permissions"])

	require.Equal(t, http.StatusForbidden, harness.get("/settings").Code)
}

func TestGatewayLoginFailures(t *testing.T) {
	harness := newGatewayHarness(t, 0)

	wrongPassword := harness.login(t, "mia", "nope", "/events")
	require.Equal(t, http.StatusUnauthorized, wrongPassword.Code)
	require.Contains(t, wrongPassword.Body.String(), "Invalid username or password.")
	require.Contains(t, wrongPassword.Body.String(), `value="mia"`)

	forged := harness.submitLogin(url.Values{
		"username": {"mia"},
		"password": {"member-pass"},
		"nonce":    {"forged"},
	})
	require.Equal(t, http.StatusBadRequest, forged.Code)
	require.False(t, harness.manager.Snapshot(context.Background()).HasToken())

	nonce := harness.nonce(t)
	form := url.Values{"username": {"mia"}, "password": {"member-pass"}, "nonce": {nonce}}
	require.Equal(t, http.StatusSeeOther, harness.submitLogin(form).Code)
	require.Equal(t, http.StatusBadRequest, harness.submitLogin(form).Code)

	offsite := harness.login(t, "mia", "member-pass", "https://evil.example/")
	require.Equal(t, http.StatusSeeOther, offsite.Code)
	require.Equal(t, "/", offsite.Header().Get("Location"))
}

func TestGatewayRateLimitsLoginAttempts(t *testing.T) {
	harness := newGatewayHarness(t, 1)

	require.Equal(t, http.StatusUnauthorized, harness.login(t, "mia", "nope", "").Code)

	limited := harness.login(t, "mia", "member-pass", "")
	require.Equal(t, http.StatusTooManyRequests, limited.Code)
	require.NotEmpty(t, limited.Header().Get("Retry-After"))
	require.False(t, harness.manager.Snapshot(context.Background()).HasToken())
}

func TestGatewayActivityEndpoint(t *testing.T) {
	harness := newGatewayHarness(t, 0)
	require.Equal(t, http.StatusSeeOther, harness.login(t, "mia", "member-pass", "").Code)

	post := func(body string) *httptest.ResponseRecorder {
		request := httptest.NewRequest(http.MethodPost, "/api/activity", strings.NewReader(body))
		request.Header.Set("Content-Type", "application/json")
		return harness.do(request)
	}

	require.Equal(t, http.StatusNoContent, post(`{"signal":"click"}`).Code)
	require.Equal(t, http.StatusBadRequest, post(`{"signal":"wave"}`).Code)
	require.Equal(t, http.StatusBadRequest, post(`not json`).Code)
	require.Equal(t, int64(1), harness.metrics.Count(sessionkit.MetricActivityRecorded))

	require.Equal(t, http.StatusOK, harness.get("/blog").Code)
	require.Equal(t, int64(2), harness.metrics.Count(sessionkit.MetricActivityRecorded))
}

func TestGatewayServesClientScripts(t *testing.T) {
	harness := newGatewayHarness(t, 0)

	require.Equal(t, http.StatusOK, harness.get("/static/activity-client.js").Code)
	config := harness.get("/static/session-config.js")
	require.Equal(t, http.StatusOK, config.Code)
	require.Contains(t, config.Body.String(), `"activityEndpoint":"/api/activity"`)
}

func TestGatewayMountsDeclaredHomeRoute(t *testing.T) {
	table, err := permissions.ParseTable([]byte("default_role: member\nroles:\n  member:\n    events: [read]\n  manager:\n    settings: [admin]\nroutes:\n  /: [settings:admin]\n"))
	require.NoError(t, err)

	var harness *gatewayHarness
	require.NotPanics(t, func() {
		harness = newGatewayHarnessWithResolver(t, 0, permissions.NewResolver(table))
	})

	require.Equal(t, http.StatusFound, harness.get("/").Code)
	require.Equal(t, http.StatusSeeOther, harness.login(t, "mia", "member-pass", "/").Code)
	require.Equal(t, http.StatusForbidden, harness.get("/").Code)
}

func TestGatewaySkipsRoutesShadowingGatewayPaths(t *testing.T) {
	table := permissions.DefaultTable()
	table.Routes = map[string][]permissions.Check{
		"/login":   permissions.MustParseChecks("settings:admin"),
		"/api/me":  permissions.MustParseChecks("settings:admin"),
		"/events":  permissions.MustParseChecks("events:read"),
		"/events/": permissions.MustParseChecks("events:read"),
	}

	var harness *gatewayHarness
	require.NotPanics(t, func() {
		harness = newGatewayHarnessWithResolver(t, 0, permissions.NewResolver(table))
	})

	require.Equal(t, http.StatusOK, harness.get("/login").Code)
	require.Equal(t, http.StatusFound, harness.get("/events").Code)
	require.Equal(t, http.StatusFound, harness.get("/").Code)
}
