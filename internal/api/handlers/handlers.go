// Package handlers implements the HTTP surface's route handlers (§4.I),
// grounded on the teacher's handlers.Handlers struct-of-dependencies shape
// but rebuilt for this system's operations: auth, users, profile path
// migration, at-rest encryption, agents, the full-cycle pipeline, audit,
// and cognitive mode.
package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/metahuman/metahuman-os/control-plane/internal/agents"
	"github.com/metahuman/metahuman-os/control-plane/internal/apierr"
	"github.com/metahuman/metahuman-os/control-plane/internal/audit"
	"github.com/metahuman/metahuman-os/control-plane/internal/identity"
	"github.com/metahuman/metahuman-os/control-plane/internal/policy"
	"github.com/metahuman/metahuman-os/control-plane/internal/storage"
	"github.com/metahuman/metahuman-os/control-plane/internal/crypto"
	"github.com/metahuman/metahuman-os/control-plane/internal/training"
	"github.com/rs/zerolog/log"
)

// Handlers bundles every dependency route handlers need, constructed once
// in pkg/server and passed to the router.
type Handlers struct {
	Identity     *identity.Service
	Router       *storage.Router
	Audit        *audit.Writer
	Registry     *agents.Registry
	Scheduler    *agents.Scheduler
	Executor     *agents.LocalExecutor
	Orchestrator *training.Orchestrator
	Mode         *policy.ModeHolder
	KeyCache     *crypto.KeyCache
	AgentSecret  []byte // MH_AGENT_TOKEN_SECRET, for minting service-account tokens
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Error().Err(err).Msg("failed to encode response")
	}
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

// respondErr dispatches on apierr.Kind when available, otherwise responds
// 500 without leaking the underlying error.
func respondErr(w http.ResponseWriter, err error) {
	if e, ok := apierr.As(err); ok {
		respondError(w, e.Kind.HTTPStatus(), e.Reason)
		return
	}
	log.Error().Err(err).Msg("unhandled handler error")
	respondError(w, http.StatusInternalServerError, "internal error")
}
