package handlers

import (
	"encoding/json"
	"net/http"

	apimw "github.com/metahuman/metahuman-os/control-plane/internal/api/middleware"
	"github.com/metahuman/metahuman-os/control-plane/internal/api/sse"
	"github.com/metahuman/metahuman-os/control-plane/internal/crypto"
)

// GetProfilePath implements GET /api/profile-path.
func (h *Handlers) GetProfilePath(w http.ResponseWriter, r *http.Request) {
	uc := apimw.GetUserContext(r.Context())
	if uc.User == nil {
		respondError(w, http.StatusUnauthorized, "not authenticated")
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"path":     h.Router.ProfileRootFor(uc.User),
		"fellBack": uc.FellBack,
	})
}

type setProfilePathRequest struct {
	NewPath string `json:"newPath"`
}

// SetProfilePath implements POST /api/profile-path, triggering an atomic
// migration of the profile's contents to the new root.
func (h *Handlers) SetProfilePath(w http.ResponseWriter, r *http.Request) {
	uc := apimw.GetUserContext(r.Context())
	if uc.User == nil {
		respondError(w, http.StatusUnauthorized, "not authenticated")
		return
	}

	var req setProfilePathRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := h.Identity.ChangeProfilePath(r.Context(), uc.User, req.NewPath); err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, publicUser(uc.User))
}

type encryptProfilePathRequest struct {
	Password         string `json:"password"`
	UseLoginPassword bool   `json:"useLoginPassword"`
}

// EncryptProfilePath implements POST /api/profile-path/encrypt (SSE),
// owner-only, streaming progress as it walks the profile's encrypted
// subtrees.
func (h *Handlers) EncryptProfilePath(w http.ResponseWriter, r *http.Request) {
	uc := apimw.GetUserContext(r.Context())
	if uc.User == nil {
		respondError(w, http.StatusUnauthorized, "not authenticated")
		return
	}

	var req encryptProfilePathRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	stream, err := sse.New(w)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	progress := make(chan crypto.ProgressEvent, 16)
	done := make(chan error, 1)
	profileRoot := h.Router.ProfileRootFor(uc.User)

	go func() {
		done <- crypto.EncryptProfile(profileRoot, req.Password, progress)
		close(progress)
	}()

	for ev := range progress {
		_ = stream.Send(ev.Step, ev)
	}
	if err := <-done; err != nil {
		_ = stream.Error(err)
		return
	}
	if req.UseLoginPassword {
		h.KeyCache.Unlock(uc.User.ID, []byte(req.Password))
	}
	_ = stream.Done()
}

type decryptProfilePathRequest struct {
	Password string `json:"password"`
}

// DecryptProfilePath implements POST /api/profile-path/decrypt (SSE),
// owner-only. Continues past individual file failures per §7 recovery
// policy rather than reverting.
func (h *Handlers) DecryptProfilePath(w http.ResponseWriter, r *http.Request) {
	uc := apimw.GetUserContext(r.Context())
	if uc.User == nil {
		respondError(w, http.StatusUnauthorized, "not authenticated")
		return
	}

	var req decryptProfilePathRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	// §4.E: a password cached by a prior unlockProfile (useLoginPassword=true
	// on encrypt) lets the caller omit the password here rather than
	// re-prompting within the same session.
	if req.Password == "" {
		cached, ok := h.KeyCache.Get(uc.User.ID)
		if !ok {
			respondError(w, http.StatusBadRequest, "password required")
			return
		}
		req.Password = string(cached)
	}

	stream, err := sse.New(w)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	progress := make(chan crypto.ProgressEvent, 16)
	done := make(chan error, 1)
	profileRoot := h.Router.ProfileRootFor(uc.User)

	go func() {
		done <- crypto.DecryptProfile(profileRoot, req.Password, progress)
		close(progress)
	}()

	for ev := range progress {
		_ = stream.Send(ev.Step, ev)
	}
	if err := <-done; err != nil {
		_ = stream.Error(err)
		return
	}
	h.KeyCache.Lock(uc.User.ID)
	_ = stream.Done()
}
