package handlers

import (
	"encoding/json"
	"net/http"

	apimw "github.com/metahuman/metahuman-os/control-plane/internal/api/middleware"
	"github.com/metahuman/metahuman-os/control-plane/pkg/models"
)

// GetMode implements GET /api/mode, readable by any authenticated caller.
func (h *Handlers) GetMode(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.Mode.Snapshot())
}

type setModeRequest struct {
	Mode models.CognitiveMode `json:"mode"`
}

// SetMode implements POST /api/mode, owner-only (gated by PolicyGate with
// OpMutateConfig).
func (h *Handlers) SetMode(w http.ResponseWriter, r *http.Request) {
	uc := apimw.GetUserContext(r.Context())
	if uc.User == nil {
		respondError(w, http.StatusUnauthorized, "not authenticated")
		return
	}

	var req setModeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	snap := h.Mode.Set(req.Mode, uc.User.Username)
	respondJSON(w, http.StatusOK, snap)
}
