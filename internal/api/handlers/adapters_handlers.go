package handlers

import (
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"sort"

	apimw "github.com/metahuman/metahuman-os/control-plane/internal/api/middleware"
	"github.com/metahuman/metahuman-os/control-plane/internal/training"
	"github.com/metahuman/metahuman-os/control-plane/pkg/models"
)

type adaptersRequest struct {
	Action      string `json:"action"` // "fullCycle" | "cancelFullCycle"
	Date        string `json:"date"`
	AutoApprove bool   `json:"autoApprove"`
	DryRun      bool   `json:"dryRun"`
	Notes       string `json:"notes,omitempty"`
	DualAdapter bool   `json:"dualAdapter"`
}

// Adapters implements GET/POST /api/adapters: GET lists dataset records for
// the caller, POST dispatches on the action field to start or cancel a
// full-cycle run (§4.H).
func (h *Handlers) Adapters(w http.ResponseWriter, r *http.Request) {
	uc := apimw.GetUserContext(r.Context())
	if uc.User == nil {
		respondError(w, http.StatusUnauthorized, "not authenticated")
		return
	}

	if r.Method == http.MethodGet {
		h.listDatasets(w, r, uc)
		return
	}

	var req adaptersRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	switch req.Action {
	case "fullCycle":
		err := h.Orchestrator.Start(r.Context(), uc.User, req.Date, training.Options{
			AutoApprove: req.AutoApprove,
			DryRun:      req.DryRun,
			ApprovedBy:  uc.User.Username,
			Notes:       req.Notes,
			DualAdapter: req.DualAdapter,
		})
		if err != nil {
			respondErr(w, err)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	case "cancelFullCycle":
		pids := h.Orchestrator.Cancel(uc.User)
		respondJSON(w, http.StatusOK, map[string]interface{}{"killedPids": pids})
	default:
		respondError(w, http.StatusBadRequest, "unknown action")
	}
}

func (h *Handlers) listDatasets(w http.ResponseWriter, r *http.Request, uc *apimw.UserContext) {
	dir := filepath.Join(h.Router.ProfileRootFor(uc.User), "out", "adapters")

	var records []models.DatasetRecord
	if entries, err := os.ReadDir(dir); err == nil {
		for _, e := range entries {
			if !e.IsDir() || e.Name() == "_rejected" || e.Name() == "history-merged" {
				continue
			}
			records = append(records, inspectDataset(dir, e.Name(), uc.User.ID))
		}
	} else if !os.IsNotExist(err) {
		respondErr(w, err)
		return
	}

	rejectedDir := filepath.Join(dir, "_rejected")
	if entries, err := os.ReadDir(rejectedDir); err == nil {
		for _, e := range entries {
			if !e.IsDir() {
				continue
			}
			records = append(records, inspectDataset(rejectedDir, e.Name(), uc.User.ID))
		}
	}

	sort.Slice(records, func(i, j int) bool { return records[i].Date > records[j].Date })
	respondJSON(w, http.StatusOK, records)
}

// inspectDataset infers a DatasetRecord's status from the marker files the
// orchestrator writes at each pipeline step, since no single summary file
// is kept up to date across a run in progress.
func inspectDataset(adaptersDir, date, owner string) models.DatasetRecord {
	dir := filepath.Join(adaptersDir, date)
	rec := models.DatasetRecord{Date: date, Owner: owner, Status: models.DatasetStatusBuilding}

	if info, err := os.Stat(filepath.Join(dir, "instructions.jsonl")); err == nil {
		rec.Status = models.DatasetStatusBuilt
		rec.BuiltAt = info.ModTime()
	}
	if data, err := os.ReadFile(filepath.Join(dir, "approved.json")); err == nil {
		var approval models.ApprovalRecord
		if json.Unmarshal(data, &approval) == nil {
			rec.Approval = &approval
			rec.Status = models.DatasetStatusApproved
		}
	}
	if data, err := os.ReadFile(filepath.Join(dir, "eval.json")); err == nil {
		var evalResult models.EvalResult
		if json.Unmarshal(data, &evalResult) == nil {
			rec.Eval = &evalResult
			rec.Status = models.DatasetStatusEvaluated
		}
	}
	if _, err := os.Stat(filepath.Join(dir, "active-adapter.json")); err == nil {
		rec.Status = models.DatasetStatusActivated
	}
	if data, err := os.ReadFile(filepath.Join(dir, "rejected.json")); err == nil {
		var rejection models.RejectionRecord
		if json.Unmarshal(data, &rejection) == nil {
			rec.Rejected = &rejection
			rec.Status = models.DatasetStatusRejected
		}
	}
	return rec
}
