package auth

import (
	"context"
	"net/http"

	"github.com/metahuman/metahuman-os/control-plane/internal/identity"
	"github.com/metahuman/metahuman-os/control-plane/pkg/contracts"
)

const SessionCookieName = "mh_session"

// SessionProvider authenticates the mh_session cookie against the identity
// store, the primary auth path for browser/dashboard callers.
type SessionProvider struct {
	identity *identity.Service
}

func NewSessionProvider(svc *identity.Service) *SessionProvider {
	return &SessionProvider{identity: svc}
}

func (p *SessionProvider) Name() string  { return "session" }
func (p *SessionProvider) Enabled() bool { return true }

func (p *SessionProvider) Authenticate(ctx context.Context, r *http.Request) (*contracts.Identity, error) {
	cookie, err := r.Cookie(SessionCookieName)
	if err != nil || cookie.Value == "" {
		return nil, nil
	}

	session, err := p.identity.ValidateSession(ctx, cookie.Value)
	if err != nil {
		return nil, nil // expired/invalid session: fall through to anonymous, not an error
	}

	return &contracts.Identity{
		Subject:   session.UserID,
		Provider:  "session",
		Role:      string(session.Role),
		ExpiresAt: session.ExpiresAt,
		Claims:    map[string]string{"session_id": session.ID},
	}, nil
}
