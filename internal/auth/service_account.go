package auth

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/metahuman/metahuman-os/control-plane/pkg/contracts"
)

// ServiceAccountProvider validates HMAC-signed tokens minted for background
// agents (the scheduler's spawned children) so they can call back into the
// server — to report progress, write a memory entry, or request a status
// change — without impersonating their owning user's session.
//
// Token format: base64(JSON payload) + "." + base64(HMAC-SHA256 signature).
// Config: MH_AGENT_TOKEN_SECRET env var (HMAC secret key).
type ServiceAccountProvider struct {
	secret  []byte
	enabled bool
}

// serviceAccountPayload is the token payload for agent callback tokens.
type serviceAccountPayload struct {
	Subject string `json:"sub"`  // agent name
	Owner   string `json:"owner"` // owning user's id
	Role    string `json:"role"`
	Exp     int64  `json:"exp"`
}

func NewServiceAccountProvider() *ServiceAccountProvider {
	secret := os.Getenv("MH_AGENT_TOKEN_SECRET")
	if secret == "" {
		return &ServiceAccountProvider{enabled: false}
	}
	return &ServiceAccountProvider{
		secret:  []byte(secret),
		enabled: true,
	}
}

func (p *ServiceAccountProvider) Name() string { return "service_account" }
func (p *ServiceAccountProvider) Enabled() bool { return p.enabled }

// Authenticate validates the token from the X-Agent-Token header.
func (p *ServiceAccountProvider) Authenticate(_ context.Context, r *http.Request) (*contracts.Identity, error) {
	token := r.Header.Get("X-Agent-Token")
	if token == "" {
		return nil, nil
	}

	payload, err := p.validateToken(token)
	if err != nil {
		return nil, fmt.Errorf("invalid agent token: %w", err)
	}

	return &contracts.Identity{
		Subject:     "agent:" + payload.Subject,
		Provider:    "service_account",
		Role:        payload.Role,
		DisplayName: payload.Subject,
		Claims:      map[string]string{"owner": payload.Owner},
		ExpiresAt:   time.Unix(payload.Exp, 0),
	}, nil
}

func (p *ServiceAccountProvider) validateToken(token string) (*serviceAccountPayload, error) {
	parts := splitToken(token)
	if len(parts) != 2 {
		return nil, fmt.Errorf("malformed token: expected payload.signature")
	}

	payloadB64, sigB64 := parts[0], parts[1]

	mac := hmac.New(sha256.New, p.secret)
	mac.Write([]byte(payloadB64))
	expectedSig := mac.Sum(nil)

	sig, err := base64.RawURLEncoding.DecodeString(sigB64)
	if err != nil {
		return nil, fmt.Errorf("invalid signature encoding: %w", err)
	}
	if !hmac.Equal(sig, expectedSig) {
		return nil, fmt.Errorf("signature mismatch")
	}

	payloadBytes, err := base64.RawURLEncoding.DecodeString(payloadB64)
	if err != nil {
		return nil, fmt.Errorf("invalid payload encoding: %w", err)
	}

	var payload serviceAccountPayload
	if err := json.Unmarshal(payloadBytes, &payload); err != nil {
		return nil, fmt.Errorf("invalid payload JSON: %w", err)
	}

	if payload.Exp > 0 && time.Now().Unix() > payload.Exp {
		return nil, fmt.Errorf("token expired")
	}
	if payload.Subject == "" {
		return nil, fmt.Errorf("missing subject")
	}
	if payload.Role == "" {
		payload.Role = "standard"
	}

	return &payload, nil
}

func splitToken(token string) []string {
	for i := len(token) - 1; i >= 0; i-- {
		if token[i] == '.' {
			return []string{token[:i], token[i+1:]}
		}
	}
	return []string{token}
}

// GenerateToken mints a signed agent callback token, good for ttl, scoped to
// the owning user.
func GenerateToken(secret []byte, agentName, ownerID, role string, ttl time.Duration) (string, error) {
	payload := serviceAccountPayload{
		Subject: agentName,
		Owner:   ownerID,
		Role:    role,
		Exp:     time.Now().Add(ttl).Unix(),
	}

	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	payloadB64 := base64.RawURLEncoding.EncodeToString(payloadBytes)

	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(payloadB64))
	sig := mac.Sum(nil)
	sigB64 := base64.RawURLEncoding.EncodeToString(sig)

	return payloadB64 + "." + sigB64, nil
}
