package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"fmt"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/metahuman/metahuman-os/control-plane/pkg/contracts"
)

// APIKeyProvider authenticates non-interactive callers (the CLI, scripts)
// that can't carry a session cookie. It validates keys from the
// Authorization: Bearer <key> or X-API-Key headers.
//
// Config: MH_API_KEYS env var (comma-separated list), MH_API_KEY_ROLE
// (default: "owner" — API keys are meant for the machine's own operator).
type APIKeyProvider struct {
	mu          sync.RWMutex
	keys        map[string]bool
	enabled     bool
	defaultRole string
}

// NewAPIKeyProvider creates an API key auth provider from environment config.
func NewAPIKeyProvider() *APIKeyProvider {
	p := &APIKeyProvider{
		keys:        make(map[string]bool),
		defaultRole: "owner",
	}

	if role := os.Getenv("MH_API_KEY_ROLE"); role != "" {
		p.defaultRole = role
	}

	keysEnv := os.Getenv("MH_API_KEYS")
	if keysEnv == "" {
		p.enabled = false
		return p
	}

	for _, key := range strings.Split(keysEnv, ",") {
		key = strings.TrimSpace(key)
		if key != "" {
			p.keys[key] = true
			p.enabled = true
		}
	}

	return p
}

func (p *APIKeyProvider) Name() string { return "apikey" }

func (p *APIKeyProvider) Enabled() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.enabled
}

// Authenticate validates the API key and returns an Identity.
// Returns (nil, nil) if no API key is present (let next provider try).
// Returns (nil, error) if an API key is present but invalid.
func (p *APIKeyProvider) Authenticate(_ context.Context, r *http.Request) (*contracts.Identity, error) {
	apiKey := extractAPIKeyFromRequest(r)
	if apiKey == "" {
		return nil, nil
	}

	if !p.validateKey(apiKey) {
		return nil, fmt.Errorf("invalid API key")
	}

	keyHash := fmt.Sprintf("%x", sha256.Sum256([]byte(apiKey)))

	return &contracts.Identity{
		Subject:     "apikey:" + keyHash[:16],
		Provider:    "apikey",
		Role:        p.defaultRole,
		DisplayName: "API key caller",
		ExpiresAt:   time.Now().Add(24 * time.Hour),
	}, nil
}

func (p *APIKeyProvider) validateKey(candidate string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()

	for key := range p.keys {
		if subtle.ConstantTimeCompare([]byte(candidate), []byte(key)) == 1 {
			return true
		}
	}
	return false
}

// AddKey adds a new API key at runtime.
func (p *APIKeyProvider) AddKey(key string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.keys[key] = true
	p.enabled = true
}

// RemoveKey removes an API key at runtime.
func (p *APIKeyProvider) RemoveKey(key string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.keys, key)
	if len(p.keys) == 0 {
		p.enabled = false
	}
}

func extractAPIKeyFromRequest(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	if key := r.Header.Get("X-API-Key"); key != "" {
		return key
	}
	if key := r.URL.Query().Get("api_key"); key != "" {
		return key
	}
	return ""
}
