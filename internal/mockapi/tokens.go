package mockapi

import (
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/tmclubs/tmclub-dashboard-sub000/internal/credstore"
)

// Token modes supported by the stub backend.
const (
	TokenModeOpaque = "opaque"
	TokenModeJWT    = "jwt"
)

var (
	// ErrTokenInvalid indicates an unknown, malformed, or expired token.
	ErrTokenInvalid = errors.New("mockapi.token_invalid")
	// ErrUnknownTokenMode indicates a token mode other than opaque or jwt.
	ErrUnknownTokenMode = errors.New("mockapi.unknown_token_mode")
	// ErrMissingSigningKey indicates jwt mode without a signing key.
	ErrMissingSigningKey = errors.New("mockapi.missing_signing_key")
)

// TokenIssuer mints and resolves access tokens.
type TokenIssuer interface {
	// Issue returns a token for userID and the authorization scheme clients must use with it.
	Issue(userID string, now time.Time) (token string, scheme string, err error)
	// Resolve returns the user id a live token belongs to.
	Resolve(token string, now time.Time) (string, error)
}

// NewTokenIssuer selects an issuer for mode.
func NewTokenIssuer(mode string, signingKey []byte, issuer string, ttl time.Duration) (TokenIssuer, error) {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case "", TokenModeOpaque:
		return NewOpaqueTokens(ttl), nil
	case TokenModeJWT:
		if len(signingKey) == 0 {
			return nil, ErrMissingSigningKey
		}
		return &JWTTokens{signingKey: signingKey, issuer: issuer, ttl: ttl}, nil
	default:
		return nil, fmt.Errorf("mockapi.token_mode %q: %w", mode, ErrUnknownTokenMode)
	}
}

type opaqueRecord struct {
	userID    string
	expiresAt time.Time
}

// OpaqueTokens issues random tokens used with the "Token" scheme. Only hashes are retained.
type OpaqueTokens struct {
	mutex  sync.Mutex
	ttl    time.Duration
	byHash map[string]opaqueRecord
}

// NewOpaqueTokens constructs an opaque token issuer.
func NewOpaqueTokens(ttl time.Duration) *OpaqueTokens {
	return &OpaqueTokens{ttl: ttl, byHash: make(map[string]opaqueRecord)}
}

// Issue mints a new opaque token.
func (tokens *OpaqueTokens) Issue(userID string, now time.Time) (string, string, error) {
	opaque := strings.ReplaceAll(uuid.NewString(), "-", "") + strings.ReplaceAll(uuid.NewString(), "-", "")
	tokens.mutex.Lock()
	tokens.byHash[hashOpaque(opaque)] = opaqueRecord{userID: userID, expiresAt: now.Add(tokens.ttl)}
	tokens.mutex.Unlock()
	return opaque, credstore.SchemeToken, nil
}

// Resolve looks up a live opaque token.
func (tokens *OpaqueTokens) Resolve(token string, now time.Time) (string, error) {
	tokens.mutex.Lock()
	defer tokens.mutex.Unlock()
	hashValue := hashOpaque(token)
	record, ok := tokens.byHash[hashValue]
	if !ok {
		return "", ErrTokenInvalid
	}
	if !now.Before(record.expiresAt) {
		delete(tokens.byHash, hashValue)
		return "", ErrTokenInvalid
	}
	return record.userID, nil
}

func hashOpaque(opaque string) string {
	sum := sha256.Sum256([]byte(opaque))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// Claims are embedded in JWT-mode access tokens.
type Claims struct {
	UserID string `json:"user_id"`
	jwt.RegisteredClaims
}

// JWTTokens issues HS256 tokens used with the "Bearer" scheme.
type JWTTokens struct {
	signingKey []byte
	issuer     string
	ttl        time.Duration
}

// Issue mints a signed token.
func (tokens *JWTTokens) Issue(userID string, now time.Time) (string, string, error) {
	issuedAt := now.UTC()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Issuer:    tokens.issuer,
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			NotBefore: jwt.NewNumericDate(issuedAt.Add(-30 * time.Second)),
			ExpiresAt: jwt.NewNumericDate(issuedAt.Add(tokens.ttl)),
		},
	})
	signed, err := token.SignedString(tokens.signingKey)
	if err != nil {
		return "", "", fmt.Errorf("mockapi.jwt.sign: %w", err)
	}
	return signed, credstore.SchemeBearer, nil
}

// Resolve verifies signature, issuer, and expiry.
func (tokens *JWTTokens) Resolve(token string, now time.Time) (string, error) {
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(parsed *jwt.Token) (interface{}, error) {
		return tokens.signingKey, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(tokens.issuer),
		jwt.WithTimeFunc(func() time.Time { return now }),
	)
	if err != nil || parsed == nil || !parsed.Valid || claims.UserID == "" {
		return "", ErrTokenInvalid
	}
	return claims.UserID, nil
}
