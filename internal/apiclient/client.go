package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/tmclubs/tmclub-dashboard-sub000/internal/credstore"
)

const (
	tracerName     = "github.com/tmclubs/tmclub-dashboard-sub000/internal/apiclient"
	defaultTimeout = 15 * time.Second
	maxErrorBody   = 64 << 10
)

var (
	// ErrMissingBaseURL indicates that Config.BaseURL is blank or not absolute.
	ErrMissingBaseURL = errors.New("apiclient.missing_base_url")
	// ErrUnauthorized matches every 401 and 403 response.
	ErrUnauthorized = errors.New("apiclient.unauthorized")
	// ErrEmptyToken indicates a successful response that carried no token.
	ErrEmptyToken = errors.New("apiclient.empty_token")
)

// APIError is a non-2xx backend response.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (apiError *APIError) Error() string {
	if apiError.Message != "" {
		return fmt.Sprintf("apiclient.status_%d: %s", apiError.StatusCode, apiError.Message)
	}
	return fmt.Sprintf("apiclient.status_%d", apiError.StatusCode)
}

// Is lets errors.Is(err, ErrUnauthorized) match 401 and 403 responses.
func (apiError *APIError) Is(target error) bool {
	return target == ErrUnauthorized &&
		(apiError.StatusCode == http.StatusUnauthorized || apiError.StatusCode == http.StatusForbidden)
}

// Config configures a Client.
type Config struct {
	BaseURL    string
	Timeout    time.Duration
	HTTPClient *http.Client
	Tracer     trace.Tracer
}

// Client talks to the dashboard backend's authentication endpoints.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
	tracer     trace.Tracer
}

// RegisterRequest is the account creation payload.
type RegisterRequest struct {
	Username  string `json:"username"`
	Email     string `json:"email"`
	Password  string `json:"password"`
	FirstName string `json:"first_name"`
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Detail  string `json:"detail"`
}

// New constructs a Client.
func New(config Config) (*Client, error) {
	trimmed := strings.TrimSpace(config.BaseURL)
	if trimmed == "" {
		return nil, fmt.Errorf("apiclient.new: %w", ErrMissingBaseURL)
	}
	parsed, err := url.Parse(strings.TrimRight(trimmed, "/"))
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("apiclient.new %q: %w", config.BaseURL, ErrMissingBaseURL)
	}
	httpClient := config.HTTPClient
	if httpClient == nil {
		timeout := config.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	tracer := config.Tracer
	if tracer == nil {
		tracer = otel.Tracer(tracerName)
	}
	return &Client{baseURL: parsed, httpClient: httpClient, tracer: tracer}, nil
}

// Login exchanges a username and password for a token.
func (client *Client) Login(ctx context.Context, username string, password string) (credstore.TokenResponse, error) {
	var response credstore.TokenResponse
	err := client.do(ctx, "login", http.MethodPost, "/auth/login", "", loginRequest{Username: username, Password: password}, &response)
	if err != nil {
		return credstore.TokenResponse{}, err
	}
	if strings.TrimSpace(response.Token) == "" {
		return credstore.TokenResponse{}, fmt.Errorf("apiclient.login: %w", ErrEmptyToken)
	}
	return response, nil
}

// Refresh mints a new token from a refresh token.
func (client *Client) Refresh(ctx context.Context, refreshToken string) (credstore.TokenResponse, error) {
	var response credstore.TokenResponse
	err := client.do(ctx, "refresh", http.MethodPost, "/auth/refresh", "", refreshRequest{RefreshToken: refreshToken}, &response)
	if err != nil {
		return credstore.TokenResponse{}, err
	}
	if strings.TrimSpace(response.Token) == "" {
		return credstore.TokenResponse{}, fmt.Errorf("apiclient.refresh: %w", ErrEmptyToken)
	}
	return response, nil
}

// Profile fetches the full user profile. authorization is the complete header value.
func (client *Client) Profile(ctx context.Context, authorization string) (*credstore.UserProfile, error) {
	var profile credstore.UserProfile
	if err := client.do(ctx, "profile", http.MethodGet, "/auth/profile", authorization, nil, &profile); err != nil {
		return nil, err
	}
	return &profile, nil
}

// Register creates an account and returns its first token.
func (client *Client) Register(ctx context.Context, request RegisterRequest) (credstore.TokenResponse, error) {
	var response credstore.TokenResponse
	if err := client.do(ctx, "register", http.MethodPost, "/auth/register", "", request, &response); err != nil {
		return credstore.TokenResponse{}, err
	}
	if strings.TrimSpace(response.Token) == "" {
		return credstore.TokenResponse{}, fmt.Errorf("apiclient.register: %w", ErrEmptyToken)
	}
	return response, nil
}

func (client *Client) do(ctx context.Context, operation string, method string, path string, authorization string, payload any, target any) (err error) {
	endpoint := client.baseURL.JoinPath(path)
	ctx, span := client.tracer.Start(ctx, "apiclient."+operation,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("http.request.method", method),
			attribute.String("url.full", endpoint.String()),
		),
	)
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	var body io.Reader
	if payload != nil {
		encoded, encodeErr := json.Marshal(payload)
		if encodeErr != nil {
			return fmt.Errorf("apiclient.%s.encode: %w", operation, encodeErr)
		}
		body = bytes.NewReader(encoded)
	}
	request, err := http.NewRequestWithContext(ctx, method, endpoint.String(), body)
	if err != nil {
		return fmt.Errorf("apiclient.%s.request: %w", operation, err)
	}
	request.Header.Set("Accept", "application/json")
	if payload != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	if authorization != "" {
		request.Header.Set("Authorization", authorization)
	}

	response, err := client.httpClient.Do(request)
	if err != nil {
		return fmt.Errorf("apiclient.%s: %w", operation, err)
	}
	defer response.Body.Close()
	span.SetAttributes(attribute.Int("http.response.status_code", response.StatusCode))

	if response.StatusCode < 200 || response.StatusCode >= 300 {
		return fmt.Errorf("apiclient.%s: %w", operation, decodeAPIError(response))
	}
	if target == nil {
		return nil
	}
	if decodeErr := json.NewDecoder(response.Body).Decode(target); decodeErr != nil {
		return fmt.Errorf("apiclient.%s.decode: %w", operation, decodeErr)
	}
	return nil
}

func decodeAPIError(response *http.Response) *APIError {
	apiError := &APIError{StatusCode: response.StatusCode}
	raw, readErr := io.ReadAll(io.LimitReader(response.Body, maxErrorBody))
	if readErr != nil || len(bytes.TrimSpace(raw)) == 0 {
		apiError.Message = http.StatusText(response.StatusCode)
		return apiError
	}
	var decoded errorBody
	if json.Unmarshal(raw, &decoded) != nil {
		apiError.Message = strings.TrimSpace(string(raw))
		return apiError
	}
	apiError.Code = decoded.Error
	switch {
	case decoded.Message != "":
		apiError.Message = decoded.Message
	case decoded.Detail != "":
		apiError.Message = decoded.Detail
	default:
		apiError.Message = http.StatusText(response.StatusCode)
	}
	return apiError
}
