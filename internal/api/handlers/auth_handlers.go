package handlers

import (
	"encoding/json"
	"net/http"
	"net/url"
	"time"

	apimw "github.com/metahuman/metahuman-os/control-plane/internal/api/middleware"
	"github.com/metahuman/metahuman-os/control-plane/internal/auth"
	"github.com/metahuman/metahuman-os/control-plane/pkg/models"
)

type registerRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Email    string `json:"email,omitempty"`
}

// Register implements POST /api/auth/register.
func (h *Handlers) Register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	u, err := h.Identity.CreateUser(r.Context(), req.Username, req.Password, models.UserMetadata{
		Email:             req.Email,
		ProfileVisibility: models.VisibilityPrivate,
	})
	if err != nil {
		respondErr(w, err)
		return
	}

	codes, err := h.Identity.GenerateRecoveryCodes(r.Context(), u)
	if err != nil {
		respondErr(w, err)
		return
	}

	sess, err := h.Identity.CreateSession(r.Context(), u.ID, u.Role, r.UserAgent(), r.RemoteAddr)
	if err != nil {
		respondErr(w, err)
		return
	}
	setSessionCookie(w, r, sess)

	resp := publicUser(u)
	resp["recoveryCodes"] = codes
	respondJSON(w, http.StatusCreated, resp)
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// Login implements POST /api/auth/login.
func (h *Handlers) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	u, err := h.Identity.Authenticate(r.Context(), req.Username, req.Password)
	if err != nil {
		respondErr(w, err)
		return
	}
	sess, err := h.Identity.CreateSession(r.Context(), u.ID, u.Role, r.UserAgent(), r.RemoteAddr)
	if err != nil {
		respondErr(w, err)
		return
	}
	setSessionCookie(w, r, sess)
	respondJSON(w, http.StatusOK, publicUser(u))
}

// Logout implements POST /api/auth/logout. It also locks (drops) the
// caller's cached at-rest encryption password, if one is cached, since a
// session end is a reasonable point
// to stop trusting an unlocked profile.
func (h *Handlers) Logout(w http.ResponseWriter, r *http.Request) {
	if cookie, err := r.Cookie(auth.SessionCookieName); err == nil {
		_ = h.Identity.DeleteSession(r.Context(), cookie.Value)
	}
	if uc := apimw.GetUserContext(r.Context()); uc.User != nil {
		h.KeyCache.Lock(uc.User.ID)
	}
	http.SetCookie(w, &http.Cookie{
		Name:     auth.SessionCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	w.WriteHeader(http.StatusNoContent)
}

// Me implements GET /api/auth/me, public: anonymous callers get role
// "anonymous" and a null user rather than an error.
func (h *Handlers) Me(w http.ResponseWriter, r *http.Request) {
	uc := apimw.GetUserContext(r.Context())
	if uc.User == nil {
		respondJSON(w, http.StatusOK, map[string]interface{}{"role": models.RoleAnonymous, "user": nil})
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"role": uc.Role, "user": publicUser(uc.User)})
}

type resetPasswordRequest struct {
	Username      string `json:"username"`
	RecoveryCode  string `json:"recoveryCode"`
	NewPassword   string `json:"newPassword"`
}

// ResetPassword implements POST /api/auth/reset-password.
func (h *Handlers) ResetPassword(w http.ResponseWriter, r *http.Request) {
	var req resetPasswordRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	u, err := h.Identity.ConsumeRecoveryCode(r.Context(), req.Username, req.RecoveryCode)
	if err != nil {
		respondErr(w, err)
		return
	}
	if err := h.Identity.SetPassword(r.Context(), u, req.NewPassword); err != nil {
		respondErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// setSessionCookie sets mh_session per §6: SameSite=Strict for same-origin
// requests, SameSite=None; Secure for cross-origin callers (mobile clients
// hitting the API from a different origin).
func setSessionCookie(w http.ResponseWriter, r *http.Request, sess *models.Session) {
	cookie := &http.Cookie{
		Name:     auth.SessionCookieName,
		Value:    sess.ID,
		Path:     "/",
		Expires:  sess.ExpiresAt,
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
	}
	if isCrossOrigin(r) {
		cookie.SameSite = http.SameSiteNoneMode
		cookie.Secure = true
	}
	http.SetCookie(w, cookie)
}

func isCrossOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return false
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return u.Host != r.Host
}

func publicUser(u *models.User) map[string]interface{} {
	return map[string]interface{}{
		"id":        u.ID,
		"username":  u.Username,
		"role":      u.Role,
		"createdAt": u.CreatedAt.Format(time.RFC3339),
		"metadata":  u.Metadata,
	}
}
