package mockapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap/zaptest"

	"github.com/tmclubs/tmclub-dashboard-sub000/internal/credstore"
)

func newTestServer(t *testing.T, mode string) *Server {
	t.Helper()
	gin.SetMode(gin.TestMode)
	server, err := NewServer(context.Background(), Config{
		TokenMode:  mode,
		SigningKey: []byte("test-signing-key"),
		SeedUsers:  []NewUser{{Username: "alice", Password: "wonderland", FirstName: "Alice", Role: "manager"}},
		Logger:     zaptest.NewLogger(t),
	})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	return server
}

func performJSON(t *testing.T, handler http.Handler, method string, path string, payload any, authorization string) *httptest.ResponseRecorder {
	t.Helper()
	var body bytes.Buffer
	if payload != nil {
		if err := json.NewEncoder(&body).Encode(payload); err != nil {
			t.Fatalf("encode: %v", err)
		}
	}
	request := httptest.NewRequest(method, path, &body)
	request.Header.Set("Content-Type", "application/json")
	if authorization != "" {
		request.Header.Set("Authorization", authorization)
	}
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, request)
	return recorder
}

func decodeToken(t *testing.T, recorder *httptest.ResponseRecorder) credstore.TokenResponse {
	t.Helper()
	var response credstore.TokenResponse
	if err := json.Unmarshal(recorder.Body.Bytes(), &response); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return response
}

func TestLoginRefreshProfileFlow(t *testing.T) {
	testCases := []struct {
		mode   string
		scheme string
	}{
		{mode: TokenModeOpaque, scheme: credstore.SchemeToken},
		{mode: TokenModeJWT, scheme: credstore.SchemeBearer},
	}
	for _, testCase := range testCases {
		t.Run(testCase.mode, func(t *testing.T) {
			server := newTestServer(t, testCase.mode)
			handler := server.Handler()

			login := performJSON(t, handler, http.MethodPost, "/auth/login", map[string]string{"username": "alice", "password": "wonderland"}, "")
			if login.Code != http.StatusOK {
				t.Fatalf("expected 200, got %d: %s", login.Code, login.Body.String())
			}
			issued := decodeToken(t, login)
			if issued.Token == "" || issued.TokenType != testCase.scheme {
				t.Fatalf("unexpected login response %+v", issued)
			}
			if issued.RefreshToken != "" {
				t.Fatalf("expected no distinct refresh token, got %q", issued.RefreshToken)
			}
			if issued.User == nil || issued.User.Role != "manager" || issued.User.ID == "" {
				t.Fatalf("unexpected user %+v", issued.User)
			}

			refresh := performJSON(t, handler, http.MethodPost, "/auth/refresh", map[string]string{"refresh_token": issued.Token}, "")
			if refresh.Code != http.StatusOK {
				t.Fatalf("expected 200 on refresh, got %d", refresh.Code)
			}
			if decodeToken(t, refresh).Token == "" {
				t.Fatalf("expected refreshed token")
			}

			profile := performJSON(t, handler, http.MethodGet, "/auth/profile", nil, issued.TokenType+" "+issued.Token)
			if profile.Code != http.StatusOK {
				t.Fatalf("expected 200 on profile, got %d", profile.Code)
			}
			var user credstore.UserProfile
			if err := json.Unmarshal(profile.Body.Bytes(), &user); err != nil {
				t.Fatalf("decode profile: %v", err)
			}
			if user.Username != "alice" || user.FirstName != "Alice" {
				t.Fatalf("unexpected profile %+v", user)
			}
		})
	}
}

func TestLoginRejectsWrongPassword(t *testing.T) {
	server := newTestServer(t, TokenModeOpaque)
	recorder := performJSON(t, server.Handler(), http.MethodPost, "/auth/login", map[string]string{"username": "alice", "password": "nope"}, "")
	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", recorder.Code)
	}
	var body map[string]string
	_ = json.Unmarshal(recorder.Body.Bytes(), &body)
	if body["error"] != "invalid_credentials" {
		t.Fatalf("expected invalid_credentials, got %v", body)
	}
}

func TestRegisterCreatesMemberAndRejectsDuplicates(t *testing.T) {
	server := newTestServer(t, TokenModeOpaque)
	handler := server.Handler()
	payload := map[string]string{"username": "bob", "email": "bob@example.com", "password": "builder", "first_name": "Bob"}

	created := performJSON(t, handler, http.MethodPost, "/auth/register", payload, "")
	if created.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", created.Code)
	}
	response := decodeToken(t, created)
	if response.User == nil || response.User.Role != "member" || response.User.Email != "bob@example.com" {
		t.Fatalf("unexpected user %+v", response.User)
	}

	duplicate := performJSON(t, handler, http.MethodPost, "/auth/register", payload, "")
	if duplicate.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", duplicate.Code)
	}
}

func TestProfileRejectsMissingOrUnknownToken(t *testing.T) {
	server := newTestServer(t, TokenModeOpaque)
	handler := server.Handler()

	for _, authorization := range []string{"", "Token", "Basic abc", "Token unknown"} {
		recorder := performJSON(t, handler, http.MethodGet, "/auth/profile", nil, authorization)
		if recorder.Code != http.StatusUnauthorized {
			t.Fatalf("authorization %q: expected 401, got %d", authorization, recorder.Code)
		}
	}
}

func TestInjectedRefreshFailures(t *testing.T) {
	server := newTestServer(t, TokenModeOpaque)
	handler := server.Handler()
	login := decodeToken(t, performJSON(t, handler, http.MethodPost, "/auth/login", map[string]string{"username": "alice", "password": "wonderland"}, ""))

	server.FailNextRefreshes(1)
	first := performJSON(t, handler, http.MethodPost, "/auth/refresh", map[string]string{"refresh_token": login.Token}, "")
	second := performJSON(t, handler, http.MethodPost, "/auth/refresh", map[string]string{"refresh_token": login.Token}, "")
	if first.Code != http.StatusServiceUnavailable || second.Code != http.StatusOK {
		t.Fatalf("expected 503 then 200, got %d then %d", first.Code, second.Code)
	}
	if server.RefreshCalls() != 2 {
		t.Fatalf("expected 2 refresh calls, got %d", server.RefreshCalls())
	}
}

func TestOpaqueTokensExpire(t *testing.T) {
	tokens := NewOpaqueTokens(time.Minute)
	issuedAt := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	token, scheme, err := tokens.Issue("user-1", issuedAt)
	if err != nil || scheme != credstore.SchemeToken {
		t.Fatalf("issue: %v scheme=%s", err, scheme)
	}
	if userID, err := tokens.Resolve(token, issuedAt.Add(30*time.Second)); err != nil || userID != "user-1" {
		t.Fatalf("expected user-1, got %q err=%v", userID, err)
	}
	if _, err := tokens.Resolve(token, issuedAt.Add(time.Minute)); !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("expected ErrTokenInvalid after expiry, got %v", err)
	}
}

func TestJWTTokensRejectForeignSignature(t *testing.T) {
	now := time.Now().UTC()
	ours, _ := NewTokenIssuer(TokenModeJWT, []byte("ours"), DefaultIssuer, time.Hour)
	theirs, _ := NewTokenIssuer(TokenModeJWT, []byte("theirs"), DefaultIssuer, time.Hour)
	token, _, err := theirs.Issue("user-1", now)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, err := ours.Resolve(token, now); !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("expected ErrTokenInvalid, got %v", err)
	}
}

func TestNewTokenIssuerValidation(t *testing.T) {
	if _, err := NewTokenIssuer(TokenModeJWT, nil, DefaultIssuer, time.Hour); !errors.Is(err, ErrMissingSigningKey) {
		t.Fatalf("expected ErrMissingSigningKey, got %v", err)
	}
	if _, err := NewTokenIssuer("saml", nil, DefaultIssuer, time.Hour); !errors.Is(err, ErrUnknownTokenMode) {
		t.Fatalf("expected ErrUnknownTokenMode, got %v", err)
	}
}

func TestParseSeedUsers(t *testing.T) {
	users, err := ParseSeedUsers([]string{"admin:secret:admin", " ", "carol:pw"})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(users) != 2 || users[0].Role != "admin" || users[1].Role != "" || users[1].Password != "pw" {
		t.Fatalf("unexpected seeds %+v", users)
	}
	if _, err := ParseSeedUsers([]string{"broken"}); !errors.Is(err, ErrInvalidSeed) {
		t.Fatalf("expected ErrInvalidSeed, got %v", err)
	}
}
