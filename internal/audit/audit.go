// Package audit writes the durable per-profile security/action trail
// (logs/audit/<date>.ndjson per §6) independent of the zerolog operational
// log stream. Grounded on the teacher's logger middleware's structured-field
// discipline, but persisted rather than written to stderr.
package audit

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/metahuman/metahuman-os/control-plane/internal/storage"
	"github.com/metahuman/metahuman-os/control-plane/pkg/models"
	"github.com/rs/zerolog/log"
)

// Writer appends one JSON line per event to the caller's audit file. Writes
// for a given file are serialized; distinct users never share a lock.
type Writer struct {
	router *storage.Router

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewWriter(router *storage.Router) *Writer {
	return &Writer{router: router, locks: make(map[string]*sync.Mutex)}
}

func (w *Writer) fileLock(path string) *sync.Mutex {
	w.mu.Lock()
	defer w.mu.Unlock()
	l, ok := w.locks[path]
	if !ok {
		l = &sync.Mutex{}
		w.locks[path] = l
	}
	return l
}

// Emit appends an audit event to the acting user's profile (or, for
// anonymous/system events, to the installation-wide log under system/logs).
func (w *Writer) Emit(user *models.User, ev models.AuditEvent) {
	ev.ID = uuid.New().String()
	ev.Timestamp = time.Now()

	path := w.pathFor(user, ev.Timestamp)
	lock := w.fileLock(path)
	lock.Lock()
	defer lock.Unlock()

	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		log.Error().Err(err).Msg("audit: failed to create audit directory")
		return
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o640)
	if err != nil {
		log.Error().Err(err).Msg("audit: failed to open audit log")
		return
	}
	defer f.Close()

	line, err := json.Marshal(ev)
	if err != nil {
		log.Error().Err(err).Msg("audit: failed to marshal audit event")
		return
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		log.Error().Err(err).Msg("audit: failed to write audit event")
	}
}

func (w *Writer) pathFor(user *models.User, at time.Time) string {
	date := at.Format("2006-01-02")
	if user == nil || user.Username == "" {
		return filepath.Join(w.router.ProfilesRoot(), "..", "logs", "audit", date+".ndjson")
	}
	return filepath.Join(w.router.ProfileRootFor(user), "logs", "audit", date+".ndjson")
}

// List implements the read-only audit query operation: every ndjson file
// under the user's logs/audit directory, newest file first, filtered by
// the given criteria and capped at filter.Limit (default 100).
func (w *Writer) List(user *models.User, filter models.AuditFilter) ([]models.AuditEvent, error) {
	dir := filepath.Join(w.router.ProfileRootFor(user), "logs", "audit")
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}

	var out []models.AuditEvent
	for i := len(entries) - 1; i >= 0 && len(out) < limit; i-- {
		if entries[i].IsDir() {
			continue
		}
		events, err := readEventsFile(filepath.Join(dir, entries[i].Name()))
		if err != nil {
			log.Warn().Err(err).Str("file", entries[i].Name()).Msg("audit: skipping unreadable file")
			continue
		}
		for j := len(events) - 1; j >= 0 && len(out) < limit; j-- {
			ev := events[j]
			if !matchesFilter(ev, filter) {
				continue
			}
			out = append(out, ev)
		}
	}
	return out, nil
}

func matchesFilter(ev models.AuditEvent, filter models.AuditFilter) bool {
	if filter.Actor != "" && ev.Actor != filter.Actor {
		return false
	}
	if filter.Category != "" && ev.Category != filter.Category {
		return false
	}
	if filter.Since != nil && ev.Timestamp.Before(*filter.Since) {
		return false
	}
	return true
}

func readEventsFile(path string) ([]models.AuditEvent, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var events []models.AuditEvent
	for _, line := range splitLines(data) {
		if len(line) == 0 {
			continue
		}
		var ev models.AuditEvent
		if err := json.Unmarshal(line, &ev); err != nil {
			continue
		}
		events = append(events, ev)
	}
	return events, nil
}

func splitLines(data []byte) [][]byte {
	var lines [][]byte
	start := 0
	for i, b := range data {
		if b == '\n' {
			lines = append(lines, data[start:i])
			start = i + 1
		}
	}
	if start < len(data) {
		lines = append(lines, data[start:])
	}
	return lines
}
