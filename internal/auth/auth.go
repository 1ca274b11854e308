// Package auth validates ingest API keys against configured SHA-256 hashes.
package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/tjfontaine/conversion-relay/internal/config"
)

// Key is an accepted API key, identified by its hash.
type Key struct {
	KeyHash     string
	Description string
}

// Authenticator validates API keys. With no keys configured every request is
// accepted. Keys can be replaced at runtime.
type Authenticator struct {
	mu   sync.RWMutex
	keys map[string]*Key // keyhash -> key
}

// NewAuthenticator creates an authenticator from configured keys.
func NewAuthenticator(keys []config.APIKeyConfig) *Authenticator {
	a := &Authenticator{}
	a.Update(keys)
	return a
}

// Update swaps the accepted key set.
func (a *Authenticator) Update(keys []config.APIKeyConfig) {
	next := make(map[string]*Key, len(keys))
	for _, k := range keys {
		hash := strings.ToLower(strings.TrimSpace(k.KeyHash))
		if hash == "" {
			continue
		}
		next[hash] = &Key{KeyHash: hash, Description: k.Description}
	}

	a.mu.Lock()
	a.keys = next
	a.mu.Unlock()
}

// Open reports whether no keys are configured.
func (a *Authenticator) Open() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.keys) == 0
}

// ValidateAPIKey validates an API key and returns the matching entry.
func (a *Authenticator) ValidateAPIKey(apiKey string) (*Key, error) {
	keyHash := HashAPIKey(apiKey)

	a.mu.RLock()
	defer a.mu.RUnlock()

	k, ok := a.keys[keyHash]
	if !ok {
		return nil, fmt.Errorf("invalid API key")
	}

	// Constant-time comparison to prevent timing attacks
	if subtle.ConstantTimeCompare([]byte(keyHash), []byte(k.KeyHash)) != 1 {
		return nil, fmt.Errorf("invalid API key")
	}
	return k, nil
}

// ExtractAPIKey extracts the API key from the Authorization header
func ExtractAPIKey(r *http.Request) (string, error) {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return "", fmt.Errorf("missing Authorization header")
	}

	// Support "Bearer <key>" format
	parts := strings.SplitN(auth, " ", 2)
	if len(parts) != 2 {
		return "", fmt.Errorf("invalid Authorization header format")
	}

	if strings.ToLower(parts[0]) != "bearer" {
		return "", fmt.Errorf("unsupported authorization scheme")
	}

	return strings.TrimSpace(parts[1]), nil
}

// HashAPIKey creates a SHA-256 hash of an API key for storage
func HashAPIKey(apiKey string) string {
	hash := sha256.Sum256([]byte(apiKey))
	return hex.EncodeToString(hash[:])
}
