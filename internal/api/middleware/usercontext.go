package middleware

import (
	"context"
	"net/http"

	"github.com/metahuman/metahuman-os/control-plane/internal/identity"
	"github.com/metahuman/metahuman-os/control-plane/internal/policy"
	"github.com/metahuman/metahuman-os/control-plane/internal/storage"
	"github.com/metahuman/metahuman-os/control-plane/pkg/models"
	pkgmw "github.com/metahuman/metahuman-os/control-plane/pkg/middleware"
)

// UserContext is the explicit, per-request value the pipeline builds once
// (never a global) and hands to every handler: the resolved user (nil for
// an anonymous caller), their effective role, and the cognitive mode
// snapshot observed at request start.
type UserContext struct {
	User     *models.User
	Role     models.Role
	Mode     models.ModeSnapshot
	FellBack bool
}

type ucKey struct{}

func WithUserContext(ctx context.Context, uc *UserContext) context.Context {
	return context.WithValue(ctx, ucKey{}, uc)
}

func GetUserContext(ctx context.Context) *UserContext {
	if v, ok := ctx.Value(ucKey{}).(*UserContext); ok {
		return v
	}
	return &UserContext{Role: models.RoleAnonymous}
}

// UserContextBuilder constructs one UserContext per request from the
// Identity the auth chain resolved, loading the full User record and
// stamping the cognitive mode snapshot read once at request start.
type UserContextBuilder struct {
	identity *identity.Service
	router   *storage.Router
	mode     *policy.ModeHolder
}

func NewUserContextBuilder(idSvc *identity.Service, router *storage.Router, mode *policy.ModeHolder) *UserContextBuilder {
	return &UserContextBuilder{identity: idSvc, router: router, mode: mode}
}

func (b *UserContextBuilder) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		uc := &UserContext{Role: models.RoleAnonymous, Mode: b.mode.Snapshot()}

		id := pkgmw.GetIdentity(r.Context())
		if id != nil && id.Subject != "" {
			if u, err := b.identity.GetUserByID(r.Context(), id.Subject); err == nil {
				uc.User = u
				uc.Role = u.Role
				uc.FellBack = b.router.FellBack(u)
			}
		}

		next.ServeHTTP(w, r.WithContext(WithUserContext(r.Context(), uc)))
	})
}
