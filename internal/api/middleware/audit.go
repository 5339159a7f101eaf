package middleware

import (
	"net/http"

	"github.com/metahuman/metahuman-os/control-plane/internal/audit"
	"github.com/metahuman/metahuman-os/control-plane/pkg/models"
)

// Audit emits one audit event per completed request, the pipeline's final
// step per the request lifecycle: resolve identity, build UserContext,
// gate on policy, handle, then record what happened. 2xx/3xx responses are
// logged at models.AuditInfo, 4xx/5xx at models.AuditWarn.
func Audit(w *audit.Writer) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
			lrw := newResponseWriter(rw)
			next.ServeHTTP(lrw, r)

			uc := GetUserContext(r.Context())
			level := models.AuditInfo
			if lrw.statusCode >= 400 {
				level = models.AuditWarn
			}

			actor := "anonymous"
			role := models.RoleAnonymous
			if uc.User != nil {
				actor = uc.User.Username
				role = uc.Role
			}

			w.Emit(uc.User, models.AuditEvent{
				Actor:    actor,
				Role:     role,
				Category: models.AuditAction,
				Event:    r.Method + " " + r.URL.Path,
				Level:    level,
				Details: map[string]interface{}{
					"status": lrw.statusCode,
					"bytes":  lrw.bytes,
				},
			})

			// §4.B step 1: the configured profilePath failed validation and
			// the router fell back to the default root — this is a security
			// signal (silent data-location drift), not just a response
			// field, so it gets its own audit event alongside the request's.
			if uc.FellBack {
				w.Emit(uc.User, models.AuditEvent{
					Actor:    actor,
					Role:     role,
					Category: models.AuditSecurity,
					Event:    "profile_path_fallback",
					Level:    models.AuditWarn,
					Details: map[string]interface{}{
						"configuredPath": uc.User.Metadata.ProfilePath,
						"path":           r.URL.Path,
					},
				})
			}
		})
	}
}
