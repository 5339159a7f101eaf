package handlers

import (
	"encoding/json"
	"net/http"

	apimw "github.com/metahuman/metahuman-os/control-plane/internal/api/middleware"
	"github.com/metahuman/metahuman-os/control-plane/pkg/models"
)

type profileSummary struct {
	Username    string                   `json:"username"`
	DisplayName string                   `json:"displayName,omitempty"`
	Visibility  models.ProfileVisibility `json:"visibility"`
}

// ListProfiles implements GET /api/profiles/list. Anonymous callers only
// see entries with visibility=public; authenticated callers see everyone.
func (h *Handlers) ListProfiles(w http.ResponseWriter, r *http.Request) {
	uc := apimw.GetUserContext(r.Context())

	users, err := h.Identity.ListUsers(r.Context())
	if err != nil {
		respondErr(w, err)
		return
	}

	out := make([]profileSummary, 0, len(users))
	for i := range users {
		u := &users[i]
		if uc.User == nil && u.Metadata.ProfileVisibility != models.VisibilityPublic {
			continue
		}
		out = append(out, profileSummary{
			Username:    u.Username,
			DisplayName: u.Metadata.DisplayName,
			Visibility:  u.Metadata.ProfileVisibility,
		})
	}
	respondJSON(w, http.StatusOK, out)
}

type createProfileRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Email    string `json:"email,omitempty"`
}

// CreateProfile implements POST /api/profiles/create, owner-only: adds a
// new user profile to this installation.
func (h *Handlers) CreateProfile(w http.ResponseWriter, r *http.Request) {
	var req createProfileRequest
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
	respondJSON(w, http.StatusCreated, publicUser(u))
}

type deleteProfileRequest struct {
	Username     string `json:"username"`
	Confirmation string `json:"confirmation"`
}

// DeleteProfile implements POST /api/profiles/delete. Owner can delete any
// profile; any other caller that passes the route's write-profile gate may
// only delete their own. The
// confirmation field must echo the target username exactly.
func (h *Handlers) DeleteProfile(w http.ResponseWriter, r *http.Request) {
	uc := apimw.GetUserContext(r.Context())
	if uc.User == nil {
		respondError(w, http.StatusUnauthorized, "not authenticated")
		return
	}

	var req deleteProfileRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Confirmation != req.Username {
		respondError(w, http.StatusBadRequest, "confirmation must match username")
		return
	}

	if uc.Role != models.RoleOwner && uc.User.Username != req.Username {
		respondError(w, http.StatusForbidden, "role_not_permitted")
		return
	}

	target, err := h.Identity.GetUserByUsername(r.Context(), req.Username)
	if err != nil {
		respondErr(w, err)
		return
	}
	if err := h.Identity.DeleteUser(r.Context(), target.ID); err != nil {
		respondErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
