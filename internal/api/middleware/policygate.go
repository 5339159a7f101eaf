package middleware

import (
	"encoding/json"
	"net/http"

	"github.com/metahuman/metahuman-os/control-plane/internal/policy"
)

// PolicyGate returns middleware that evaluates policy.Decide against the
// request's UserContext (role, current cognitive mode) and the given
// operation, rejecting with 401 (anonymous) or 403 (denied) before the
// handler runs. Mount per-route: r.With(middleware.PolicyGate(policy.OpStartAgent)).Post(...).
func PolicyGate(op policy.Operation) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			uc := GetUserContext(r.Context())
			decision := policy.Decide(uc.Role, uc.Mode.Mode, op)
			if !decision.Allow {
				status := http.StatusForbidden
				if uc.User == nil {
					status = http.StatusUnauthorized
				}
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(status)
				json.NewEncoder(w).Encode(map[string]string{
					"error":   "policy_denied",
					"message": decision.Reason,
				})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
