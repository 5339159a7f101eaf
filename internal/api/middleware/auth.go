package middleware

import (
	"encoding/json"
	"net/http"
	"os"
	"strings"

	"github.com/metahuman/metahuman-os/control-plane/pkg/contracts"
	pkgmw "github.com/metahuman/metahuman-os/control-plane/pkg/middleware"
	"github.com/rs/zerolog/log"
)

// AuthMiddleware authenticates requests by walking the pluggable
// AuthProviderChain (session cookie, API key, agent service token) and
// storing the resulting Identity in context. Anonymous callers are let
// through unless requireAuth is set, leaving the policy gate to reject
// operations anonymous callers aren't allowed.
type AuthMiddleware struct {
	chain       contracts.AuthProviderChain
	requireAuth bool
}

// NewAuthMiddleware creates the auth middleware.
//
// Config: MH_REQUIRE_AUTH env var (default: false — dev/offline mode).
func NewAuthMiddleware(chain contracts.AuthProviderChain) *AuthMiddleware {
	requireAuth := os.Getenv("MH_REQUIRE_AUTH") == "true"
	return &AuthMiddleware{
		chain:       chain,
		requireAuth: requireAuth,
	}
}

func (am *AuthMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if isAuthPublicPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		identity, err := am.chain.Authenticate(r.Context(), r)
		if err != nil {
			log.Debug().Err(err).Str("path", r.URL.Path).Msg("authentication failed")
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("WWW-Authenticate", `Bearer realm="metahuman-os"`)
			w.WriteHeader(http.StatusUnauthorized)
			json.NewEncoder(w).Encode(map[string]string{
				"error":   "authentication_failed",
				"message": err.Error(),
			})
			return
		}

		if identity == nil && am.requireAuth {
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("WWW-Authenticate", `Bearer realm="metahuman-os"`)
			w.WriteHeader(http.StatusUnauthorized)
			json.NewEncoder(w).Encode(map[string]string{
				"error":   "authentication_required",
				"message": "this endpoint requires authentication: mh_session cookie, X-API-Key, or X-Agent-Token header",
			})
			return
		}

		ctx := r.Context()
		if identity != nil {
			ctx = pkgmw.SetIdentity(ctx, identity)
		}

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// isAuthPublicPath returns true for paths that should skip authentication.
func isAuthPublicPath(path string) bool {
	publicPaths := []string{
		"/health",
		"/version",
		"/api/auth/register",
		"/api/auth/login",
	}
	for _, p := range publicPaths {
		if path == p {
			return true
		}
	}
	return strings.HasPrefix(path, "/api/auth/reset-password")
}
