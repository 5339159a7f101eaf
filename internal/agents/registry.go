package agents

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/metahuman/metahuman-os/control-plane/internal/apierr"
	"github.com/metahuman/metahuman-os/control-plane/pkg/models"
)

// Registry is the in-memory (user, name) -> AgentRecord map mirrored to a
// durable registry file, following the debounced-snapshot discipline of
// identity.MemoryStore.
type Registry struct {
	mu      sync.RWMutex
	records map[string]*models.AgentRecord
	path    string
	saveCh  chan struct{}
	doneCh  chan struct{}
}

func registryKey(user, name string) string { return user + "/" + name }

func NewRegistry(dataDir string) *Registry {
	r := &Registry{
		records: make(map[string]*models.AgentRecord),
		path:    filepath.Join(dataDir, "agents-registry.json"),
		saveCh:  make(chan struct{}, 1),
		doneCh:  make(chan struct{}),
	}
	r.load()
	r.purgeStale()
	go r.saveLoop()
	return r
}

func (r *Registry) load() {
	data, err := os.ReadFile(r.path)
	if err != nil {
		return
	}
	var records []*models.AgentRecord
	if err := json.Unmarshal(data, &records); err != nil {
		log.Warn().Err(err).Msg("failed to parse agent registry snapshot, starting empty")
		return
	}
	for _, rec := range records {
		r.records[registryKey(rec.User, rec.Name)] = rec
	}
}

// purgeStale drops any record whose pid is no longer alive, run on start and
// invoked periodically by the scheduler.
func (r *Registry) purgeStale() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for key, rec := range r.records {
		if rec.Pid != 0 && !IsAlive(rec.Pid) {
			delete(r.records, key)
		}
	}
}

func (r *Registry) PurgeStale() { r.purgeStale(); r.requestSave() }

// RegisterAgent records a newly started agent, rejecting a duplicate
// (user, name) that's already marked alive.
func (r *Registry) RegisterAgent(rec *models.AgentRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := registryKey(rec.User, rec.Name)
	if existing, ok := r.records[key]; ok && existing.Pid != 0 && IsAlive(existing.Pid) {
		return apierr.New(apierr.Conflict, "agent already running")
	}
	r.records[key] = rec
	r.requestSaveLocked()
	return nil
}

func (r *Registry) UpdateTrigger(user, name string, state models.TriggerState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.records[registryKey(user, name)]; ok {
		rec.Trigger = state
		r.requestSaveLocked()
	}
}

// MarkStopped records an agent's exit code and clears its pid so it no
// longer counts as running, without dropping its trigger history.
func (r *Registry) MarkStopped(user, name string, exitCode int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.records[registryKey(user, name)]; ok {
		rec.Pid = 0
		rec.LastExit = &exitCode
		r.requestSaveLocked()
	}
}

func (r *Registry) Get(user, name string) (*models.AgentRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[registryKey(user, name)]
	return rec, ok
}

func (r *Registry) ListForUser(user string) []*models.AgentRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*models.AgentRecord
	for _, rec := range r.records {
		if rec.User == user {
			out = append(out, rec)
		}
	}
	return out
}

func (r *Registry) All() []*models.AgentRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*models.AgentRecord, 0, len(r.records))
	for _, rec := range r.records {
		out = append(out, rec)
	}
	return out
}

// StopAllAgents stops every running agent via executor, emitting one audit
// record per agent through the caller-supplied sink.
func (r *Registry) StopAllAgents(exec *LocalExecutor, audit func(user, name string, exitCode int)) {
	for _, rec := range r.All() {
		if rec.Pid == 0 || !IsAlive(rec.Pid) {
			continue
		}
		_ = exec.Stop(rec.User, rec.Name)
		r.MarkStopped(rec.User, rec.Name, 0)
		if audit != nil {
			audit(rec.User, rec.Name, 0)
		}
	}
}

func (r *Registry) requestSave() {
	select {
	case r.saveCh <- struct{}{}:
	default:
	}
}

func (r *Registry) requestSaveLocked() {
	select {
	case r.saveCh <- struct{}{}:
	default:
	}
}

func (r *Registry) saveLoop() {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	dirty := false
	for {
		select {
		case <-r.saveCh:
			dirty = true
		case <-ticker.C:
			if dirty {
				r.persist()
				dirty = false
			}
		case <-r.doneCh:
			if dirty {
				r.persist()
			}
			return
		}
	}
}

func (r *Registry) persist() {
	r.mu.RLock()
	records := make([]*models.AgentRecord, 0, len(r.records))
	for _, rec := range r.records {
		records = append(records, rec)
	}
	r.mu.RUnlock()

	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		log.Error().Err(err).Msg("failed to marshal agent registry")
		return
	}
	tmp := r.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o640); err != nil {
		log.Error().Err(err).Msg("failed to write agent registry snapshot")
		return
	}
	if err := os.Rename(tmp, r.path); err != nil {
		log.Error().Err(err).Msg("failed to rename agent registry snapshot")
	}
}

func (r *Registry) Close() { close(r.doneCh) }
