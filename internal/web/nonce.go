package web

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"time"
)

// DefaultNonceTTL bounds how long a rendered login form stays submittable.
const DefaultNonceTTL = 10 * time.Minute

var (
	// ErrNonceNotFound indicates the form nonce was never issued or was already used.
	ErrNonceNotFound = errors.New("web.nonce.not_found")
	// ErrNonceExpired indicates the form nonce outlived its TTL.
	ErrNonceExpired = errors.New("web.nonce.expired")
)

// FormNonces issues one-time tokens embedded in the login form.
type FormNonces struct {
	mutex     sync.Mutex
	entries   map[string]time.Time
	ttl       time.Duration
	now       func() time.Time
	tokenSize int
}

// NewFormNonces constructs an in-memory nonce registry.
func NewFormNonces(ttl time.Duration, now func() time.Time) *FormNonces {
	if ttl <= 0 {
		ttl = DefaultNonceTTL
	}
	if now == nil {
		now = time.Now
	}
	return &FormNonces{
		entries:   make(map[string]time.Time),
		ttl:       ttl,
		now:       now,
		tokenSize: 24,
	}
}

// Issue creates a nonce valid for the configured TTL.
func (nonces *FormNonces) Issue() (string, error) {
	buffer := make([]byte, nonces.tokenSize)
	if _, err := rand.Read(buffer); err != nil {
		return "", fmt.Errorf("web.nonce.issue: %w", err)
	}
	token := base64.RawURLEncoding.EncodeToString(buffer)

	nonces.mutex.Lock()
	defer nonces.mutex.Unlock()
	nonces.purgeExpiredLocked()
	nonces.entries[token] = nonces.now().Add(nonces.ttl)
	return token, nil
}

// Consume invalidates token, reporting whether it was still usable.
func (nonces *FormNonces) Consume(token string) error {
	nonces.mutex.Lock()
	defer nonces.mutex.Unlock()
	defer nonces.purgeExpiredLocked()

	expiry, ok := nonces.entries[token]
	if !ok {
		return ErrNonceNotFound
	}
	delete(nonces.entries, token)
	if nonces.now().After(expiry) {
		return ErrNonceExpired
	}
	return nil
}

// Pending reports how many issued nonces are still outstanding.
func (nonces *FormNonces) Pending() int {
	nonces.mutex.Lock()
	defer nonces.mutex.Unlock()
	return len(nonces.entries)
}

func (nonces *FormNonces) purgeExpiredLocked() {
	now := nonces.now()
	for token, expiry := range nonces.entries {
		if now.After(expiry) {
			delete(nonces.entries, token)
		}
	}
}
