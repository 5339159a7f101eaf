// Package storage resolves every logical file-system access through a
// per-user profile root and refuses cross-profile or system-path escapes.
// Callers never build paths by string concatenation; they ask the Router
// for a Resolved path and use that.
package storage

import (
	"context"
	"os"
	"path/filepath"

	"github.com/metahuman/metahuman-os/control-plane/internal/apierr"
	"github.com/metahuman/metahuman-os/control-plane/pkg/models"
	"github.com/rs/zerolog/log"
)

type Category string

const (
	CategoryMemory   Category = "memory"
	CategoryVoice    Category = "voice"
	CategoryConfig   Category = "config"
	CategoryOutput   Category = "output"
	CategoryTraining Category = "training"
	CategoryCache    Category = "cache"
	CategorySystem   Category = "system"
)

// subtree maps a category to its fixed directory under a profile root.
// CategorySystem is handled separately — it never resolves under a profile.
var subtree = map[Category]string{
	CategoryMemory:   "memory",
	CategoryVoice:    "etc", // voice.json lives in etc/, per the durable layout
	CategoryConfig:   "etc",
	CategoryOutput:   "out",
	CategoryTraining: "out/adapters",
	CategoryCache:    "state",
}

// Request describes a logical path lookup.
type Request struct {
	Category     Category
	Subcategory  string
	RelativePath string
	User         *models.User
	// Internal marks calls from trusted core code (scheduler, orchestrator)
	// that may resolve CategorySystem. User-role HTTP handlers never set this.
	Internal bool
}

type Resolved struct {
	Path string
}

type Router struct {
	systemRoot string
}

func NewRouter(systemRoot string) *Router {
	return &Router{systemRoot: systemRoot}
}

func (r *Router) ProfilesRoot() string {
	return filepath.Join(r.systemRoot, "profiles")
}

// DefaultProfileRoot returns the default profile directory for a username,
// independent of any configured profilePath override.
func (r *Router) DefaultProfileRoot(username string) string {
	return filepath.Join(r.ProfilesRoot(), username)
}

// profileRoot implements §4.B step 1: prefer the user's configured
// profilePath if it still validates; otherwise fall back to the default,
// emitting a fallback signal the caller is expected to audit.
func (r *Router) profileRoot(user *models.User) (path string, fellBack bool) {
	def := r.DefaultProfileRoot(user.Username)
	custom := user.Metadata.ProfilePath
	if custom == "" {
		return def, false
	}
	if err := validateProfileDir(custom); err != nil {
		log.Warn().Str("user", user.Username).Err(err).Msg("configured profile path failed validation, falling back to default")
		return def, true
	}
	return custom, false
}

// ProfileRootFor returns the resolved profile root directory for a user,
// honoring their configured profilePath when it still validates.
func (r *Router) ProfileRootFor(user *models.User) string {
	root, _ := r.profileRoot(user)
	return root
}

// FellBack reports whether resolving this user's profile root required
// falling back to the default path. Callers that care (the request
// pipeline's audit step) call this once per request.
func (r *Router) FellBack(user *models.User) bool {
	_, fellBack := r.profileRoot(user)
	return fellBack
}

// Resolve implements the Storage Router's public contract.
func (r *Router) Resolve(ctx context.Context, req Request) (*Resolved, error) {
	if req.Category == CategorySystem {
		if !req.Internal {
			return nil, apierr.New(apierr.Forbidden, "system category is internal-only")
		}
		return r.resolveSystem(req)
	}
	if req.User == nil {
		return nil, apierr.New(apierr.Unauthenticated, "no user context")
	}

	root, _ := r.profileRoot(req.User)
	sub, ok := subtree[req.Category]
	if !ok {
		return nil, apierr.New(apierr.Validation, "unknown category")
	}
	base := filepath.Join(root, sub)
	if req.Subcategory != "" {
		base = filepath.Join(base, req.Subcategory)
	}

	full, err := joinValidated(root, base, req.RelativePath)
	if err != nil {
		return nil, err
	}
	return &Resolved{Path: full}, nil
}

func (r *Router) resolveSystem(req Request) (*Resolved, error) {
	allowed := map[string]string{
		"logs":   filepath.Join(r.systemRoot, "logs"),
		"agents": filepath.Join(r.systemRoot, "agents"),
		"brain":  filepath.Join(r.systemRoot, "brain"),
		"etc":    filepath.Join(r.systemRoot, "etc"),
	}
	base, ok := allowed[req.Subcategory]
	if !ok {
		return nil, apierr.New(apierr.Validation, "unknown system subcategory")
	}
	full, err := joinValidated(r.systemRoot, base, req.RelativePath)
	if err != nil {
		return nil, err
	}
	return &Resolved{Path: full}, nil
}

// EnsureProfileLayout creates the standard subtree for a freshly registered
// user, atomically enough for a local filesystem: directories are created
// before anything is written into them, and MkdirAll is idempotent.
func (r *Router) EnsureProfileLayout(user *models.User) error {
	root, _ := r.profileRoot(user)
	dirs := []string{
		"persona", "persona/archive",
		"memory/tasks/active", "memory/tasks/completed",
		"state", "etc", "out/adapters/_rejected", "out/adapters/history-merged",
		"logs/audit", "logs/run",
	}
	for _, d := range dirs {
		if err := os.MkdirAll(filepath.Join(root, d), 0o750); err != nil {
			return apierr.Wrap(apierr.Internal, "failed to create profile layout", err)
		}
	}
	return nil
}

// RemoveProfile deletes a user's profile directory entirely, used by the
// cascading user-delete operation.
func (r *Router) RemoveProfile(user *models.User) error {
	root, _ := r.profileRoot(user)
	if root == "" || root == "/" {
		return apierr.New(apierr.Internal, "refusing to remove empty/root path")
	}
	return os.RemoveAll(root)
}
