// Package models defines the durable data types shared across the control
// plane: users, sessions, profile metadata, agent records, and the
// full-cycle training pipeline's dataset and adapter records.
package models

import "time"

// ── Role & Cognitive Mode ───────────────────────────────────

type Role string

const (
	RoleOwner     Role = "owner"
	RoleStandard  Role = "standard"
	RoleGuest     Role = "guest"
	RoleAnonymous Role = "anonymous"
)

type CognitiveMode string

const (
	ModeDualConsciousness CognitiveMode = "dual-consciousness"
	ModeAgent             CognitiveMode = "agent"
	ModeEmulation         CognitiveMode = "emulation"
	ModeHighSecurity      CognitiveMode = "high-security"
)

// ModeSnapshot is the versioned value behind the single process-wide
// cognitive mode. Handlers read one snapshot per request so mode and its
// version never observe a torn update.
type ModeSnapshot struct {
	Mode    CognitiveMode `json:"mode"`
	Version int64         `json:"version"`
	SetBy   string        `json:"set_by,omitempty"`
	SetAt   time.Time     `json:"set_at"`
}

// ── User ─────────────────────────────────────────────────────

type ProfileVisibility string

const (
	VisibilityPublic  ProfileVisibility = "public"
	VisibilityPrivate ProfileVisibility = "private"
)

type UserMetadata struct {
	DisplayName       string            `json:"display_name,omitempty"`
	Email             string            `json:"email,omitempty"`
	ProfileVisibility ProfileVisibility `json:"profile_visibility"`
	ProfilePath       string            `json:"profile_path,omitempty"`
}

type User struct {
	ID             string       `json:"id"`
	Username       string       `json:"username"`
	PasswordHash   string       `json:"-"`
	PasswordSalt   string       `json:"-"`
	Role           Role         `json:"role"`
	CreatedAt      time.Time    `json:"created_at"`
	Metadata       UserMetadata `json:"metadata"`
	RecoveryHashes []string     `json:"-"`
	RecoveryUsed   []bool       `json:"-"`
}

// ── Session ──────────────────────────────────────────────────

type SessionMetadata struct {
	ActiveProfile   string   `json:"active_profile,omitempty"`
	SourceProfile   string   `json:"source_profile,omitempty"`
	MergedProfiles  []string `json:"merged_profiles,omitempty"`
}

type Session struct {
	ID        string          `json:"id"`
	UserID    string          `json:"user_id"`
	Role      Role            `json:"role"`
	CreatedAt time.Time       `json:"created_at"`
	ExpiresAt time.Time       `json:"expires_at"`
	UserAgent string          `json:"user_agent,omitempty"`
	IP        string          `json:"ip,omitempty"`
	Metadata  SessionMetadata `json:"metadata"`
}

// RoleSessionTTL returns the maximum session lifetime for a role, per §3.
func RoleSessionTTL(r Role) time.Duration {
	switch r {
	case RoleOwner, RoleStandard:
		return 24 * time.Hour
	case RoleGuest:
		return time.Hour
	default:
		return 30 * time.Minute
	}
}

// ── Encryption Metadata ──────────────────────────────────────

type PasswordMode string

const (
	PasswordModeSeparate PasswordMode = "separate"
	PasswordModeLogin    PasswordMode = "loginPassword"
)

type EncryptionMetadata struct {
	Version            int          `json:"version"`
	Algorithm          string       `json:"algorithm"`
	KDF                string       `json:"kdf"`
	Iterations         int          `json:"iterations"`
	SaltB64            string       `json:"salt_b64"`
	CreatedAt          time.Time    `json:"created_at"`
	EncryptedFileCount int          `json:"encrypted_file_count"`
	PasswordMode       PasswordMode `json:"password_mode"`
}

// ── Agent Record ─────────────────────────────────────────────

type TriggerType string

const (
	TriggerInterval  TriggerType = "interval"
	TriggerTimeOfDay TriggerType = "time-of-day"
	TriggerActivity  TriggerType = "activity"
	TriggerEvent     TriggerType = "event"
)

type AgentConfig struct {
	Name                string      `json:"name" yaml:"name"`
	Enabled             bool        `json:"enabled" yaml:"enabled"`
	Type                TriggerType `json:"type" yaml:"type"`
	IntervalSeconds     int         `json:"interval,omitempty" yaml:"interval,omitempty"`
	Schedule            string      `json:"schedule,omitempty" yaml:"schedule,omitempty"` // "HH:MM"
	InactivityThreshold int         `json:"inactivityThreshold,omitempty" yaml:"inactivityThreshold,omitempty"`
	AgentPath           string      `json:"agentPath,omitempty" yaml:"agentPath,omitempty"`
	Task                string      `json:"task,omitempty" yaml:"task,omitempty"`
	RunOnBoot           bool        `json:"runOnBoot" yaml:"runOnBoot"`
}

type TriggerState struct {
	LastFiredAt  time.Time `json:"last_fired_at,omitempty"`
	NextFireAt   time.Time `json:"next_fire_at,omitempty"`
	PendingCoalesced bool  `json:"pending_coalesced,omitempty"`
}

type AgentRecord struct {
	Name        string        `json:"name"`
	Pid         int           `json:"pid"`
	User        string        `json:"user"`
	StartedAt   time.Time     `json:"started_at"`
	TriggerType TriggerType   `json:"trigger_type"`
	Trigger     TriggerState  `json:"trigger_state"`
	LastExit    *int          `json:"last_exit,omitempty"`
}

// ── Dataset / Full-Cycle Records ─────────────────────────────

type DatasetStatus string

const (
	DatasetStatusBuilding  DatasetStatus = "building"
	DatasetStatusBuilt     DatasetStatus = "built"
	DatasetStatusApproved  DatasetStatus = "approved"
	DatasetStatusTraining  DatasetStatus = "training"
	DatasetStatusTrained   DatasetStatus = "trained"
	DatasetStatusEvaluated DatasetStatus = "evaluated"
	DatasetStatusActivated DatasetStatus = "activated"
	DatasetStatusRejected  DatasetStatus = "rejected"
	DatasetStatusFailed    DatasetStatus = "failed"
)

type ApprovalRecord struct {
	ApprovedAt   time.Time `json:"approvedAt"`
	ApprovedBy   string    `json:"approvedBy"`
	Notes        string    `json:"notes,omitempty"`
	PairCount    int       `json:"pairCount"`
	AutoApproved bool      `json:"autoApproved"`
	DryRun       bool      `json:"dryRun"`
}

type EvalResult struct {
	Score  float64 `json:"score"`
	Passed bool    `json:"passed"`
}

type RejectionRecord struct {
	RejectedAt time.Time `json:"rejectedAt"`
	RejectedBy string    `json:"rejectedBy,omitempty"`
	Reason     string    `json:"reason,omitempty"`
}

type DatasetRecord struct {
	Date     string           `json:"date"` // YYYY-MM-DD
	Owner    string           `json:"owner"`
	Status   DatasetStatus    `json:"status"`
	Approval *ApprovalRecord  `json:"approval,omitempty"`
	Eval     *EvalResult      `json:"eval,omitempty"`
	Rejected *RejectionRecord `json:"rejected,omitempty"`
	BuiltAt  time.Time        `json:"builtAt,omitempty"`
}

type AdapterActivationStatus string

const (
	AdapterReadyForLoad AdapterActivationStatus = "ready_for_ollama_load"
	AdapterLoaded       AdapterActivationStatus = "loaded"
)

type AdapterPair struct {
	Historical string `json:"historical,omitempty"`
	Recent     string `json:"recent,omitempty"`
}

type ActiveAdapterRecord struct {
	ModelName      string                   `json:"modelName"`
	Dataset        string                   `json:"dataset"`
	ActivatedAt    time.Time                `json:"activatedAt"`
	ActivatedBy    string                   `json:"activatedBy"`
	Status         AdapterActivationStatus  `json:"status"`
	BaseModel      string                   `json:"baseModel"`
	AdapterPath    string                   `json:"adapterPath"`
	GGUFAdapterPath string                  `json:"ggufAdapterPath,omitempty"`
	IsDualAdapter  bool                     `json:"isDualAdapter"`
	Adapters       *AdapterPair             `json:"adapters,omitempty"`
}

// ── Audit ────────────────────────────────────────────────────

type AuditCategory string

const (
	AuditAction   AuditCategory = "action"
	AuditSecurity AuditCategory = "security"
)

type AuditLevel string

const (
	AuditInfo  AuditLevel = "info"
	AuditWarn  AuditLevel = "warn"
	AuditError AuditLevel = "error"
)

type AuditEvent struct {
	ID        string                 `json:"id"`
	Timestamp time.Time              `json:"timestamp"`
	Actor     string                 `json:"actor"`
	Role      Role                   `json:"role"`
	Category  AuditCategory          `json:"category"`
	Event     string                 `json:"event"`
	Level     AuditLevel             `json:"level"`
	Details   map[string]interface{} `json:"details,omitempty"`
}

type AuditFilter struct {
	Actor    string
	Category AuditCategory
	Since    *time.Time
	Limit    int
}
