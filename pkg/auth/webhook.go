package auth

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

// WebhookSecretStore holds the shared secret analyzer services present on
// their result-callback requests. Only the bcrypt hash is retained; the
// plaintext is returned once, at rotation time, for an admin to distribute
// to the analyzer fleet out of band.
type WebhookSecretStore struct {
	mu   sync.RWMutex
	hash []byte
}

// NewWebhookSecretStore builds an empty store. Verify rejects every secret
// until the first Rotate.
func NewWebhookSecretStore() *WebhookSecretStore {
	return &WebhookSecretStore{}
}

// Rotate generates a new random secret, stores its bcrypt hash, and returns
// the plaintext for one-time distribution.
func (s *WebhookSecretStore) Rotate() (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generate webhook secret: %w", err)
	}
	secret := hex.EncodeToString(raw)

	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash webhook secret: %w", err)
	}

	s.mu.Lock()
	s.hash = hash
	s.mu.Unlock()

	return secret, nil
}

// Verify reports whether candidate matches the currently rotated secret.
func (s *WebhookSecretStore) Verify(candidate string) bool {
	s.mu.RLock()
	hash := s.hash
	s.mu.RUnlock()

	if hash == nil {
		return false
	}
	return bcrypt.CompareHashAndPassword(hash, []byte(candidate)) == nil
}

// ErrWebhookSecretNotRotated names the state in which no webhook secret has
// been set yet. No function in this module returns it: Verify reports false
// in that state instead.
var ErrWebhookSecretNotRotated = errors.New("webhook secret has not been rotated yet")
