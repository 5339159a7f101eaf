// Package training implements the full-cycle adapter training pipeline
// (§4.H): a fixed build -> approve -> train -> evaluate -> activate sequence
// for a single dataset-date, with durable pid-file cancellation and at most
// one live cycle per user.
package training

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/metahuman/metahuman-os/control-plane/internal/agents"
	"github.com/metahuman/metahuman-os/control-plane/internal/apierr"
	"github.com/metahuman/metahuman-os/control-plane/internal/storage"
	"github.com/metahuman/metahuman-os/control-plane/pkg/contracts"
	"github.com/metahuman/metahuman-os/control-plane/pkg/models"
)

// Orchestrator runs full-cycle training for one user at a time, tracking
// each live run's cancel func the way workflow.Engine tracked recipe runs.
type Orchestrator struct {
	router    *storage.Router
	modelSrv  contracts.ModelServerClient
	archiver  contracts.ArchiveDriver
	notifier  contracts.NotificationService
	auditFn   func(user *models.User, ev models.AuditEvent)
	baseModel string

	runsMu sync.Mutex
	runs   map[string]context.CancelFunc // userID -> cancel
}

func NewOrchestrator(router *storage.Router, modelSrv contracts.ModelServerClient, archiver contracts.ArchiveDriver, notifier contracts.NotificationService, baseModel string, auditFn func(user *models.User, ev models.AuditEvent)) *Orchestrator {
	return &Orchestrator{
		router:    router,
		modelSrv:  modelSrv,
		archiver:  archiver,
		notifier:  notifier,
		baseModel: baseModel,
		auditFn:   auditFn,
		runs:      make(map[string]context.CancelFunc),
	}
}

// Options for a full-cycle run.
type Options struct {
	AutoApprove  bool
	DryRun       bool
	ApprovedBy   string
	Notes        string
	DualAdapter  bool // merge historical + recent adapters on activation
}

func (o *Orchestrator) datasetDir(u *models.User, date string) string {
	return filepath.Join(o.router.ProfileRootFor(u), "out", "adapters", date)
}

func (o *Orchestrator) pidFilePath(u *models.User) string {
	return filepath.Join(o.router.ProfileRootFor(u), "state", "fullcycle.pid")
}

// Start launches a full-cycle run in the background and returns immediately.
// Refuses (Conflict) if a cycle is already live for this user.
func (o *Orchestrator) Start(ctx context.Context, u *models.User, date string, opts Options) error {
	o.runsMu.Lock()
	if _, live := o.runs[u.ID]; live {
		o.runsMu.Unlock()
		return apierr.New(apierr.Conflict, "full-cycle training already in progress for this user")
	}
	runCtx, cancel := context.WithCancel(context.Background())
	o.runs[u.ID] = cancel
	o.runsMu.Unlock()

	go func() {
		defer func() {
			o.runsMu.Lock()
			delete(o.runs, u.ID)
			o.runsMu.Unlock()
			_ = os.Remove(o.pidFilePath(u))
		}()
		o.run(runCtx, u, date, opts)
	}()
	return nil
}

func (o *Orchestrator) run(ctx context.Context, u *models.User, date string, opts Options) {
	dir := o.datasetDir(u, date)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		o.abort(u, date, "failed to create dataset directory: "+err.Error())
		return
	}
	rec := &models.DatasetRecord{Date: date, Owner: u.ID, Status: models.DatasetStatusBuilding, BuiltAt: time.Now()}

	if ctx.Err() != nil {
		return
	}
	if err := o.build(ctx, u, dir); err != nil {
		o.reject(u, date, dir, "build failed: "+err.Error())
		return
	}
	rec.Status = models.DatasetStatusBuilt
	o.audit(u, "dataset built", models.AuditInfo, map[string]interface{}{"date": date})

	if ctx.Err() != nil {
		return
	}
	if err := o.approve(ctx, u, dir, opts); err != nil {
		o.reject(u, date, dir, "approval failed: "+err.Error())
		return
	}
	rec.Status = models.DatasetStatusApproved

	if ctx.Err() != nil {
		return
	}
	if err := o.train(ctx, u, dir, date); err != nil {
		o.abort(u, date, "train failed: "+err.Error())
		return
	}
	rec.Status = models.DatasetStatusTrained
	o.audit(u, "training completed", models.AuditInfo, map[string]interface{}{"date": date})

	if ctx.Err() != nil {
		return
	}
	evalResult, err := o.evaluate(ctx, u, dir, date)
	if err != nil {
		o.abort(u, date, "evaluation failed: "+err.Error())
		return
	}
	if !evalResult.Passed {
		o.reject(u, date, dir, fmt.Sprintf("evaluation did not pass (score %.3f)", evalResult.Score))
		return
	}
	rec.Status = models.DatasetStatusEvaluated

	if ctx.Err() != nil {
		return
	}
	if err := o.activate(ctx, u, dir, date, opts); err != nil {
		o.abort(u, date, "activation failed: "+err.Error())
		return
	}
	rec.Status = models.DatasetStatusActivated
	o.audit(u, "adapter activated", models.AuditInfo, map[string]interface{}{"date": date})
}

// build spawns the adapter-builder agent to write instructions.jsonl.
func (o *Orchestrator) build(ctx context.Context, u *models.User, dir string) error {
	return o.runStep(ctx, u, "adapter-builder", []string{dir})
}

// approve writes approved.json when auto-approval applies; otherwise it
// waits (polling) for a human-authored approved.json to appear, since
// manual approval arrives out-of-band via the HTTP API.
func (o *Orchestrator) approve(ctx context.Context, u *models.User, dir string, opts Options) error {
	approvedPath := filepath.Join(dir, "approved.json")

	if opts.AutoApprove && !opts.DryRun {
		pairCount, _ := countPairs(filepath.Join(dir, "instructions.jsonl"))
		approval := models.ApprovalRecord{
			ApprovedAt:   time.Now(),
			ApprovedBy:   opts.ApprovedBy,
			Notes:        opts.Notes,
			PairCount:    pairCount,
			AutoApproved: true,
			DryRun:       false,
		}
		data, _ := json.MarshalIndent(approval, "", "  ")
		return os.WriteFile(approvedPath, data, 0o640)
	}

	ticker := time.NewTicker(3 * time.Second)
	defer ticker.Stop()
	for {
		if _, err := os.Stat(approvedPath); err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// train spawns the lora-trainer agent, refusing to start without approved.json.
func (o *Orchestrator) train(ctx context.Context, u *models.User, dir, date string) error {
	if _, err := os.Stat(filepath.Join(dir, "approved.json")); err != nil {
		return apierr.New(apierr.Precondition, "cannot train without approved.json")
	}
	return o.runStep(ctx, u, "lora-trainer", []string{date})
}

// evaluate spawns eval-adapter and reads back eval.json.
func (o *Orchestrator) evaluate(ctx context.Context, u *models.User, dir, date string) (*models.EvalResult, error) {
	if err := o.runStep(ctx, u, "eval-adapter", []string{date}); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(dir, "eval.json"))
	if err != nil {
		return nil, fmt.Errorf("read eval.json: %w", err)
	}
	var result models.EvalResult
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("parse eval.json: %w", err)
	}
	return &result, nil
}

// activate writes a Modelfile referencing the base model plus one or two
// adapters, records the Active Adapter Record, and optionally asks the
// model server to load it.
func (o *Orchestrator) activate(ctx context.Context, u *models.User, dir, date string, opts Options) error {
	adapterPath := filepath.Join(dir, "adapter.gguf")
	record := models.ActiveAdapterRecord{
		ModelName:     fmt.Sprintf("mh-%s-%s", u.Username, date),
		Dataset:       date,
		ActivatedAt:   time.Now(),
		ActivatedBy:   u.ID,
		Status:        models.AdapterReadyForLoad,
		BaseModel:     o.baseModel,
		AdapterPath:   adapterPath,
		IsDualAdapter: opts.DualAdapter,
	}

	modelfile := fmt.Sprintf("FROM %s\nADAPTER %s\n", o.baseModel, adapterPath)
	if opts.DualAdapter {
		historical := filepath.Join(o.router.ProfileRootFor(u), "out", "adapters", "history-merged", "adapter-merged.gguf")
		if _, err := os.Stat(historical); err != nil {
			return apierr.New(apierr.Precondition, "dual-adapter activation requires history-merged/adapter-merged.gguf")
		}
		record.Adapters = &models.AdapterPair{Historical: historical, Recent: adapterPath}
		modelfile = fmt.Sprintf("FROM %s\nADAPTER %s\nADAPTER %s\n", o.baseModel, historical, adapterPath)
	}

	modelfilePath := filepath.Join(dir, "Modelfile")
	if err := os.WriteFile(modelfilePath, []byte(modelfile), 0o640); err != nil {
		return fmt.Errorf("write Modelfile: %w", err)
	}

	if o.modelSrv != nil {
		if err := o.modelSrv.LoadAdapter(ctx, record.ModelName, modelfilePath); err != nil {
			log.Warn().Err(err).Str("model", record.ModelName).Msg("model server load failed, leaving adapter ready_for_ollama_load")
		} else {
			record.Status = models.AdapterLoaded
		}
	}

	recordPath := filepath.Join(dir, "active-adapter.json")
	data, _ := json.MarshalIndent(record, "", "  ")
	return os.WriteFile(recordPath, data, 0o640)
}

// reject moves the dataset directory under _rejected/<date>/ and writes
// rejected.json; the dataset is no longer eligible for any later step.
func (o *Orchestrator) reject(u *models.User, date, dir, reason string) {
	rejection := models.RejectionRecord{RejectedAt: time.Now(), Reason: reason}
	data, _ := json.MarshalIndent(rejection, "", "  ")
	_ = os.WriteFile(filepath.Join(dir, "rejected.json"), data, 0o640)

	if o.archiver != nil {
		if _, err := o.archiver.ArchiveDataset(context.Background(), u.ID, date, dir); err != nil {
			log.Warn().Err(err).Str("date", date).Msg("failed to archive rejected dataset")
		}
	}
	o.audit(u, "dataset rejected", models.AuditWarn, map[string]interface{}{"date": date, "reason": reason})
}

func (o *Orchestrator) abort(u *models.User, date, reason string) {
	log.Error().Str("user", u.ID).Str("date", date).Str("reason", reason).Msg("full-cycle training aborted")
	o.audit(u, "full-cycle aborted", models.AuditError, map[string]interface{}{"date": date, "reason": reason})
}

func (o *Orchestrator) audit(u *models.User, event string, level models.AuditLevel, details map[string]interface{}) {
	if o.notifier != nil {
		go o.notifier.Dispatch(context.Background(), contracts.NotificationEvent{
			Type:      "full-cycle",
			Owner:     u.ID,
			Subject:   event,
			Payload:   details,
			Timestamp: time.Now(),
		})
	}
	if o.auditFn == nil {
		return
	}
	o.auditFn(u, models.AuditEvent{
		ID:       uuid.NewString(),
		Actor:    u.Username,
		Role:     u.Role,
		Category: models.AuditAction,
		Event:    event,
		Level:    level,
		Details:  details,
	})
}

// Cancel stops a live full-cycle run for u. It sends graceful termination
// to the run's process group, falls back to a process-table scan by agent
// name and owning username, asks the model server to unload any in-flight
// model, always removes the pid file, and returns the pids it killed.
func (o *Orchestrator) Cancel(u *models.User) []int {
	o.runsMu.Lock()
	cancel, live := o.runs[u.ID]
	o.runsMu.Unlock()

	var killed []int
	if live {
		cancel()
	}

	pidPath := o.pidFilePath(u)
	if data, err := os.ReadFile(pidPath); err == nil {
		var pgid int
		if _, err := fmt.Sscanf(string(data), "%d", &pgid); err == nil && pgid > 0 {
			if syscall.Kill(-pgid, syscall.SIGTERM) == nil {
				killed = append(killed, pgid)
			}
		}
	}
	_ = os.Remove(pidPath)

	for _, name := range []string{"adapter-builder", "lora-trainer", "eval-adapter"} {
		if pid := findProcessByName(u.Username, name); pid > 0 {
			_ = syscall.Kill(pid, syscall.SIGTERM)
			killed = append(killed, pid)
		}
	}

	if o.modelSrv != nil {
		if err := o.modelSrv.UnloadModel(context.Background(), fmt.Sprintf("mh-%s-*", u.Username)); err != nil {
			log.Warn().Err(err).Msg("failed to unload in-flight model on cancel")
		}
	}

	o.audit(u, "full-cycle cancelled", models.AuditWarn, map[string]interface{}{"killed_pids": killed})
	return killed
}

// IsRunning reports whether a full-cycle run is currently live for u.
func (o *Orchestrator) IsRunning(userID string) bool {
	o.runsMu.Lock()
	defer o.runsMu.Unlock()
	_, live := o.runs[userID]
	return live
}

// runStep runs a one-shot training-pipeline step to completion, grounded on
// agents.LocalExecutor's spawn discipline but without the supervised
// readiness window or restart semantics that apply to long-running agents.
// The step's own pgid (set by OneShotRunner.Run via Setpgid) is recorded in
// the run's pid file as soon as the child starts, so Cancel signals the
// step's process group rather than the orchestrator's own.
func (o *Orchestrator) runStep(ctx context.Context, u *models.User, name string, args []string) error {
	runner := agents.NewOneShotRunner()
	pidPath := o.pidFilePath(u)
	return runner.Run(ctx, name, args, func(pid int) {
		if err := os.WriteFile(pidPath, []byte(fmt.Sprintf("%d\n", pid)), 0o640); err != nil {
			log.Warn().Err(err).Str("user", u.ID).Msg("failed to write full-cycle pid file")
		}
	})
}

// findProcessByName is the process-table fallback scan used when the
// recorded pid file is missing or stale.
func findProcessByName(owner, agentName string) int {
	return agents.FindProcessByOwnerAndName(owner, agentName)
}

func countPairs(instructionsPath string) (int, error) {
	data, err := os.ReadFile(instructionsPath)
	if err != nil {
		return 0, err
	}
	count := 0
	for _, b := range data {
		if b == '\n' {
			count++
		}
	}
	return count, nil
}
