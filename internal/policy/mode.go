package policy

import (
	"sync/atomic"
	"time"

	"github.com/metahuman/metahuman-os/control-plane/pkg/models"
)

// ModeHolder is the single-writer, versioned process-wide cognitive mode,
// per the design note in §9: handlers read one atomic snapshot so (mode,
// version) is always observed as a coherent pair, never a torn read.
type ModeHolder struct {
	v atomic.Pointer[models.ModeSnapshot]
}

func NewModeHolder(initial models.CognitiveMode) *ModeHolder {
	h := &ModeHolder{}
	h.v.Store(&models.ModeSnapshot{Mode: initial, Version: 0, SetAt: time.Now()})
	return h
}

func (h *ModeHolder) Snapshot() models.ModeSnapshot {
	return *h.v.Load()
}

// Set installs a new mode, bumping the version. highSecurity forces mode to
// emulation and is expected to be re-checked by the caller before invoking
// Set for any further change (high-security blocks mode changes at the
// policy layer, not here).
func (h *ModeHolder) Set(mode models.CognitiveMode, setBy string) models.ModeSnapshot {
	prev := h.v.Load()
	next := &models.ModeSnapshot{Mode: mode, Version: prev.Version + 1, SetBy: setBy, SetAt: time.Now()}
	h.v.Store(next)
	return *next
}
