// Package agents implements the agent registry and scheduler (§4.F, §4.G):
// spawning and supervising per-user background workers on interval,
// time-of-day, activity, and event triggers, with hot-reloadable
// configuration and per-user isolation.
package agents

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/metahuman/metahuman-os/control-plane/internal/identity"
	"github.com/metahuman/metahuman-os/control-plane/internal/storage"
	"github.com/metahuman/metahuman-os/control-plane/pkg/models"
)

const tickInterval = 5 * time.Second

// Scheduler reconciles each user's agent configuration against the registry
// every tick, iterating users sequentially so each invocation runs under a
// freshly built context and no profile root can leak across users.
type Scheduler struct {
	router   *storage.Router
	identity *identity.Service
	registry *Registry
	executor *LocalExecutor
	auditFn  func(user *models.User, ev models.AuditEvent)

	mu            sync.Mutex
	configs       map[string][]models.AgentConfig // user ID -> configs
	lastActivity  map[string]time.Time            // user ID -> last audit-observed activity
	watchedFiles  map[string]bool

	watcher *fsnotify.Watcher
}

func NewScheduler(router *storage.Router, idSvc *identity.Service, registry *Registry, executor *LocalExecutor, auditFn func(user *models.User, ev models.AuditEvent)) *Scheduler {
	return &Scheduler{
		router:       router,
		identity:     idSvc,
		registry:     registry,
		executor:     executor,
		auditFn:      auditFn,
		configs:      make(map[string][]models.AgentConfig),
		lastActivity: make(map[string]time.Time),
		watchedFiles: make(map[string]bool),
	}
}

// NoteActivity resets the activity-trigger clock for a user; wired to fire
// on every audit event originated by that user, per §4.G's activity trigger.
func (s *Scheduler) NoteActivity(userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActivity[userID] = time.Now()
}

// Run blocks ticking every tickInterval until ctx is canceled. It also starts
// an fsnotify watch loop for hot-reloading each user's agents.json/yaml.
func (s *Scheduler) Run(ctx context.Context) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		log.Error().Err(err).Msg("scheduler: failed to create config watcher, hot-reload disabled")
	} else {
		s.watcher = watcher
		go s.watchLoop(ctx)
	}

	s.registry.PurgeStale()
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	s.runCycle(ctx)
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("agent scheduler stopped")
			return
		case <-ticker.C:
			s.runCycle(ctx)
		}
	}
}

func (s *Scheduler) watchLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				log.Info().Str("file", ev.Name).Msg("agent config changed, will reload at next tick")
			}
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			log.Warn().Err(err).Msg("scheduler config watcher error")
		}
	}
}

func (s *Scheduler) watchUserConfig(path string) {
	if s.watcher == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.watchedFiles[path] {
		return
	}
	if err := s.watcher.Add(path); err == nil {
		s.watchedFiles[path] = true
	}
}

func (s *Scheduler) runCycle(ctx context.Context) {
	users, err := s.identity.ListUsers(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("scheduler: failed to list users")
		return
	}
	s.registry.PurgeStale()
	for i := range users {
		s.reconcileUser(ctx, &users[i])
	}
}

// ForceReconcile re-evaluates one user's triggers immediately instead of
// waiting for the next tick, used by the agents/control "restart-core"
// action to give the caller an immediate resync.
func (s *Scheduler) ForceReconcile(ctx context.Context, userID string) error {
	u, err := s.identity.GetUserByID(ctx, userID)
	if err != nil {
		return err
	}
	s.reconcileUser(ctx, u)
	return nil
}

func (s *Scheduler) configPath(u *models.User) string {
	root := s.router.ProfileRootFor(u)
	jsonPath := filepath.Join(root, "etc", "agents.json")
	if _, err := os.Stat(jsonPath); err == nil {
		return jsonPath
	}
	return filepath.Join(root, "etc", "agents.yaml")
}

func (s *Scheduler) loadConfig(path string) ([]models.AgentConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var configs []models.AgentConfig
	if filepath.Ext(path) == ".yaml" || filepath.Ext(path) == ".yml" {
		err = yaml.Unmarshal(data, &configs)
	} else {
		err = json.Unmarshal(data, &configs)
	}
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return configs, nil
}

// reconcileUser loads one user's agent configuration and fires any agent
// whose trigger condition is satisfied. Edits to the config file apply here,
// at the next tick; an in-flight invocation is never interrupted, and an
// agent removed from the config is simply no longer re-fired (drained, not
// killed) unless explicitly stopped via the registry.
func (s *Scheduler) reconcileUser(ctx context.Context, u *models.User) {
	path := s.configPath(u)
	s.watchUserConfig(path)

	configs, err := s.loadConfig(path)
	if err != nil {
		log.Warn().Err(err).Str("user", u.ID).Msg("scheduler: failed to load agent config")
		return
	}

	now := time.Now()
	for _, cfg := range configs {
		if !cfg.Enabled {
			continue
		}
		rec, running := s.registry.Get(u.ID, cfg.Name)
		if running && rec.Pid != 0 && IsAlive(rec.Pid) {
			continue // already running, never preempt
		}

		fire, nextState := s.shouldFire(u.ID, cfg, rec, now)
		if !fire {
			continue
		}
		s.fireAgent(ctx, u, cfg, nextState)
	}
}

// shouldFire evaluates one agent's trigger condition against its recorded
// state, implementing the four trigger semantics of §4.G.
func (s *Scheduler) shouldFire(userID string, cfg models.AgentConfig, rec *models.AgentRecord, now time.Time) (bool, models.TriggerState) {
	var state models.TriggerState
	if rec != nil {
		state = rec.Trigger
	}

	switch cfg.Type {
	case models.TriggerInterval:
		interval := time.Duration(cfg.IntervalSeconds) * time.Second
		if interval <= 0 {
			return false, state
		}
		if state.NextFireAt.IsZero() {
			if cfg.RunOnBoot {
				state.NextFireAt = now
			} else {
				state.NextFireAt = now.Add(interval)
			}
			return state.NextFireAt.Equal(now) || state.NextFireAt.Before(now), state
		}
		if now.Before(state.NextFireAt) {
			return false, state
		}
		// missed ticks coalesce into a single pending run: always schedule
		// exactly one interval out from now, never a backlog of fires.
		state.LastFiredAt = now
		state.NextFireAt = now.Add(interval)
		return true, state

	case models.TriggerTimeOfDay:
		target, err := parseHHMM(cfg.Schedule, now)
		if err != nil {
			log.Warn().Err(err).Str("agent", cfg.Name).Msg("invalid schedule, skipping")
			return false, state
		}
		if !state.LastFiredAt.IsZero() && sameDay(state.LastFiredAt, now) {
			return false, state // already fired today; no catch-up on a missed day
		}
		if now.Before(target) {
			return false, state
		}
		state.LastFiredAt = now
		return true, state

	case models.TriggerActivity:
		s.mu.Lock()
		last, ok := s.lastActivity[userID]
		s.mu.Unlock()
		if !ok {
			return false, state
		}
		threshold := time.Duration(cfg.InactivityThreshold) * time.Second
		if now.Sub(last) < threshold {
			return false, state
		}
		state.LastFiredAt = now
		return true, state

	case models.TriggerEvent:
		return false, state // reserved; no explicit events wired yet

	default:
		return false, state
	}
}

func parseHHMM(schedule string, ref time.Time) (time.Time, error) {
	var hh, mm int
	if _, err := fmt.Sscanf(schedule, "%d:%d", &hh, &mm); err != nil {
		return time.Time{}, fmt.Errorf("bad schedule %q: %w", schedule, err)
	}
	return time.Date(ref.Year(), ref.Month(), ref.Day(), hh, mm, 0, 0, ref.Location()), nil
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}

func (s *Scheduler) fireAgent(ctx context.Context, u *models.User, cfg models.AgentConfig, state models.TriggerState) {
	if cfg.AgentPath == "" {
		log.Warn().Str("agent", cfg.Name).Str("user", u.ID).Msg("agent has no agentPath, skipping (inline task agents are not yet executable outside the operator)")
		return
	}

	env := map[string]string{
		"MH_AGENT_NAME": cfg.Name,
		"MH_USER_ID":    u.ID,
	}

	pid, _, err := s.executor.Start(ctx, u.ID, cfg.Name, cfg.AgentPath, env)
	if err != nil {
		log.Error().Err(err).Str("agent", cfg.Name).Str("user", u.ID).Msg("failed to start agent")
		s.emitAudit(u, cfg.Name, models.AuditWarn, "agent start failed", map[string]interface{}{"error": err.Error()})
		return
	}

	rec := &models.AgentRecord{
		Name:        cfg.Name,
		Pid:         pid,
		User:        u.ID,
		StartedAt:   time.Now(),
		TriggerType: cfg.Type,
		Trigger:     state,
	}
	if err := s.registry.RegisterAgent(rec); err != nil {
		log.Warn().Err(err).Str("agent", cfg.Name).Msg("agent registration conflict after spawn")
	}
	s.emitAudit(u, cfg.Name, models.AuditInfo, "agent started", map[string]interface{}{"pid": pid, "trigger": cfg.Type})
}

func (s *Scheduler) emitAudit(u *models.User, agentName string, level models.AuditLevel, event string, details map[string]interface{}) {
	if s.auditFn == nil {
		return
	}
	s.auditFn(u, models.AuditEvent{
		ID:       uuid.NewString(),
		Actor:    u.Username,
		Role:     u.Role,
		Category: models.AuditAction,
		Event:    event,
		Level:    level,
		Details:  details,
	})
}

// StopAll stops every running agent across every user, used on graceful
// server shutdown.
func (s *Scheduler) StopAll() {
	s.registry.StopAllAgents(s.executor, func(userID, name string, exitCode int) {
		log.Info().Str("user", userID).Str("agent", name).Int("exit", exitCode).Msg("agent stopped")
	})
}
