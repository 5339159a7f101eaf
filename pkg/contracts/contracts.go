// Package contracts holds the small pluggable-service interfaces used by
// the full-cycle orchestrator, following the
// teacher's pattern of defining the seam in pkg/ so it's independent of any
// one concrete implementation.
package contracts

import (
	"context"
	"time"

	"github.com/metahuman/metahuman-os/control-plane/pkg/models"
)

// ── Model Server Client ──────────────────────────────────────

// ModelServerClient talks to the local LLM backend (Ollama, vLLM, ...) to
// load and unload adapters. The orchestrator never assumes a concrete
// backend — only this seam.
type ModelServerClient interface {
	LoadAdapter(ctx context.Context, modelName, modelfilePath string) error
	UnloadModel(ctx context.Context, modelName string) error
	HealthCheck(ctx context.Context) error
}

// ── Notification Service ─────────────────────────────────────

// NotificationEvent is the payload sent to notification channels when the
// full-cycle orchestrator records a step event.
type NotificationEvent struct {
	Type      string                 `json:"type"`
	Owner     string                 `json:"owner"`
	Subject   string                 `json:"subject"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// ChannelDriver sends a notification event through a specific channel kind.
type ChannelDriver interface {
	Kind() string
	Send(ctx context.Context, event NotificationEvent) error
}

// NotificationService dispatches notification events to registered drivers.
type NotificationService interface {
	Dispatch(ctx context.Context, event NotificationEvent) []error
	RegisterDriver(driver ChannelDriver)
}

// ── Archive Driver ────────────────────────────────────────────

// ArchiveDriver moves a rejected dataset's directory to durable storage.
// The default implementation archives to a local directory; a Pro-style
// deployment could swap in an object-store backend behind the same seam.
type ArchiveDriver interface {
	Kind() string
	ArchiveDataset(ctx context.Context, owner, date, sourceDir string) (uri string, err error)
	HealthCheck(ctx context.Context) error
}

// ── Audit Sink ────────────────────────────────────────────────

// AuditSink is the narrow interface the rest of the system uses to emit
// audit events, implemented by audit.Writer.
type AuditSink interface {
	Emit(user *models.User, ev models.AuditEvent)
}
