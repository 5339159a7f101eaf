package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	apimw "github.com/metahuman/metahuman-os/control-plane/internal/api/middleware"
	"github.com/metahuman/metahuman-os/control-plane/internal/api/sse"
	"github.com/metahuman/metahuman-os/control-plane/pkg/models"
)

type agentsControlRequest struct {
	Action string `json:"action"` // "stop-all" | "restart-core"
}

// AgentsControl implements POST /api/agents/control.
func (h *Handlers) AgentsControl(w http.ResponseWriter, r *http.Request) {
	uc := apimw.GetUserContext(r.Context())
	if uc.User == nil {
		respondError(w, http.StatusUnauthorized, "not authenticated")
		return
	}

	var req agentsControlRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	switch req.Action {
	case "stop-all":
		for _, rec := range h.Registry.ListForUser(uc.User.ID) {
			if err := h.Executor.Stop(rec.User, rec.Name); err != nil {
				continue
			}
			h.Registry.MarkStopped(rec.User, rec.Name, 0)
			h.Audit.Emit(uc.User, models.AuditEvent{
				Actor:    uc.User.Username,
				Role:     uc.Role,
				Category: models.AuditAction,
				Event:    "agent stopped via stop-all",
				Level:    models.AuditInfo,
				Details:  map[string]interface{}{"agent": rec.Name},
			})
		}
	case "restart-core":
		if err := h.Scheduler.ForceReconcile(r.Context(), uc.User.ID); err != nil {
			respondErr(w, err)
			return
		}
	default:
		respondError(w, http.StatusBadRequest, "unknown action")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// TailAgentLogs implements GET /api/agents/{name}/logs (SSE), a supplement
// to spec.md's route table for the live-invocation UI.
func (h *Handlers) TailAgentLogs(w http.ResponseWriter, r *http.Request) {
	uc := apimw.GetUserContext(r.Context())
	if uc.User == nil {
		respondError(w, http.StatusUnauthorized, "not authenticated")
		return
	}
	name := chi.URLParam(r, "name")

	buf := h.Executor.Logs(uc.User.ID, name)
	if buf == nil {
		respondError(w, http.StatusNotFound, "agent is not running")
		return
	}

	stream, err := sse.New(w)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	for _, entry := range buf.Recent(100) {
		_ = stream.Send("log", entry)
	}

	sub := buf.Subscribe()
	defer buf.Unsubscribe(sub)

	for {
		select {
		case <-r.Context().Done():
			return
		case entry, ok := <-sub:
			if !ok {
				_ = stream.Done()
				return
			}
			if err := stream.Send("log", entry); err != nil {
				return
			}
		}
	}
}
