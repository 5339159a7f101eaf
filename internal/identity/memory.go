package identity

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/metahuman/metahuman-os/control-plane/internal/apierr"
	"github.com/metahuman/metahuman-os/control-plane/pkg/models"
	"github.com/rs/zerolog/log"
)

// MemoryStore holds users and sessions in memory, mirrored to a JSON
// snapshot file on a debounced background loop — the same shape as the
// teacher's store.MemoryStore, narrowed to the identity domain.
type MemoryStore struct {
	mu       sync.RWMutex
	users    map[string]*models.User // by id
	byName   map[string]string       // username -> id
	sessions map[string]*models.Session

	snapshotPath string
	saveCh       chan struct{}
	doneCh       chan struct{}
}

type snapshot struct {
	Users    map[string]*models.User    `json:"users"`
	Sessions map[string]*models.Session `json:"sessions"`
}

func NewMemoryStore(dataDir string) *MemoryStore {
	s := &MemoryStore{
		users:        make(map[string]*models.User),
		byName:       make(map[string]string),
		sessions:     make(map[string]*models.Session),
		snapshotPath: filepath.Join(dataDir, "identity.json"),
		saveCh:       make(chan struct{}, 1),
		doneCh:       make(chan struct{}),
	}
	s.load()
	go s.saveLoop()
	return s
}

func (s *MemoryStore) load() {
	data, err := os.ReadFile(s.snapshotPath)
	if err != nil {
		return
	}
	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		log.Warn().Err(err).Msg("identity: failed to parse snapshot, starting empty")
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if snap.Users != nil {
		s.users = snap.Users
	}
	if snap.Sessions != nil {
		s.sessions = snap.Sessions
	}
	for id, u := range s.users {
		s.byName[u.Username] = id
	}
}

func (s *MemoryStore) requestSave() {
	select {
	case s.saveCh <- struct{}{}:
	default:
	}
}

func (s *MemoryStore) saveLoop() {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	dirty := false
	for {
		select {
		case <-s.saveCh:
			dirty = true
		case <-ticker.C:
			if dirty {
				s.persist()
				dirty = false
			}
		case <-s.doneCh:
			if dirty {
				s.persist()
			}
			return
		}
	}
}

func (s *MemoryStore) persist() {
	s.mu.RLock()
	snap := snapshot{Users: s.users, Sessions: s.sessions}
	s.mu.RUnlock()

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		log.Error().Err(err).Msg("identity: failed to marshal snapshot")
		return
	}
	if err := os.MkdirAll(filepath.Dir(s.snapshotPath), 0o750); err != nil {
		log.Error().Err(err).Msg("identity: failed to create data dir")
		return
	}
	tmp := s.snapshotPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o640); err != nil {
		log.Error().Err(err).Msg("identity: failed to write snapshot")
		return
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		log.Error().Err(err).Msg("identity: failed to install snapshot")
	}
}

func (s *MemoryStore) Close() error {
	close(s.doneCh)
	return nil
}

func (s *MemoryStore) CreateUser(ctx context.Context, u *models.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.byName[u.Username]; exists {
		return apierr.New(apierr.Conflict, "USERNAME_TAKEN")
	}
	s.users[u.ID] = u
	s.byName[u.Username] = u.ID
	s.requestSave()
	return nil
}

func (s *MemoryStore) GetUserByUsername(ctx context.Context, username string) (*models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byName[username]
	if !ok {
		return nil, apierr.New(apierr.NotFound, "user not found")
	}
	u := *s.users[id]
	return &u, nil
}

func (s *MemoryStore) GetUserByID(ctx context.Context, id string) (*models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return nil, apierr.New(apierr.NotFound, "user not found")
	}
	cp := *u
	return &cp, nil
}

func (s *MemoryStore) ListUsers(ctx context.Context) ([]models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.User, 0, len(s.users))
	for _, u := range s.users {
		out = append(out, *u)
	}
	return out, nil
}

func (s *MemoryStore) UpdateUser(ctx context.Context, u *models.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[u.ID]; !ok {
		return apierr.New(apierr.NotFound, "user not found")
	}
	s.users[u.ID] = u
	s.requestSave()
	return nil
}

func (s *MemoryStore) DeleteUser(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return apierr.New(apierr.NotFound, "user not found")
	}
	delete(s.byName, u.Username)
	delete(s.users, id)
	for sid, sess := range s.sessions {
		if sess.UserID == id {
			delete(s.sessions, sid)
		}
	}
	s.requestSave()
	return nil
}

func (s *MemoryStore) CountUsers(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.users), nil
}

func (s *MemoryStore) CreateSession(ctx context.Context, sess *models.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.ID] = sess
	s.requestSave()
	return nil
}

func (s *MemoryStore) GetSession(ctx context.Context, id string) (*models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, apierr.New(apierr.NotFound, "session not found")
	}
	cp := *sess
	return &cp, nil
}

func (s *MemoryStore) DeleteSession(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
	s.requestSave()
	return nil
}

func (s *MemoryStore) DeleteSessionsByUser(ctx context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, sess := range s.sessions {
		if sess.UserID == userID {
			delete(s.sessions, id)
		}
	}
	s.requestSave()
	return nil
}
