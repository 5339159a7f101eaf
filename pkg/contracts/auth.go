// Package contracts holds the small interfaces that keep the auth and
// notification layers swappable without handlers knowing the concrete
// implementation behind them.
package contracts

import (
	"context"
	"net/http"
	"time"
)

// Identity represents an authenticated caller: a human session (via
// mh_session) or a non-interactive caller (CLI API key, agent service
// token). No handler ever needs to know which provider produced it.
type Identity struct {
	Subject     string            `json:"subject"`
	DisplayName string            `json:"display_name,omitempty"`
	Provider    string            `json:"provider"` // "session", "apikey", "service_account"
	Role        string            `json:"role"`
	Claims      map[string]string `json:"claims,omitempty"`
	ExpiresAt   time.Time         `json:"expires_at,omitempty"`
}

// AuthProvider authenticates an HTTP request. Contract:
//   - (*Identity, nil) → authenticated, stop the chain
//   - (nil, nil) → this provider doesn't apply, try the next
//   - (nil, error) → authentication was attempted but failed, reject
type AuthProvider interface {
	Name() string
	Authenticate(ctx context.Context, r *http.Request) (*Identity, error)
	Enabled() bool
}

// AuthProviderChain tries providers in registration order until one
// matches.
type AuthProviderChain interface {
	Authenticate(ctx context.Context, r *http.Request) (*Identity, error)
	RegisterProvider(provider AuthProvider)
}
