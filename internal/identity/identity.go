package identity

import (
	"context"
	"crypto/rand"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"os"
	"regexp"
	"time"

	"github.com/google/uuid"
	"github.com/metahuman/metahuman-os/control-plane/internal/apierr"
	"github.com/metahuman/metahuman-os/control-plane/internal/storage"
	"github.com/metahuman/metahuman-os/control-plane/pkg/models"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/pbkdf2"
)

const (
	passwordIterations = 100_000
	recoveryCodeCount  = 10
)

var usernamePattern = regexp.MustCompile(`^[A-Za-z0-9_-]{3,50}$`)

// Service wraps a Store with the Identity & Session Store's operations.
type Service struct {
	store  Store
	router *storage.Router
}

func NewService(store Store, router *storage.Router) *Service {
	return &Service{store: store, router: router}
}

func hashPassword(password, saltHex string) string {
	salt, _ := hex.DecodeString(saltHex)
	derived := pbkdf2.Key([]byte(password), salt, passwordIterations, 32, sha512.New)
	return hex.EncodeToString(derived)
}

func newSalt() string {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

// CreateUser implements createUser(username, password, role, metadata).
// The very first user becomes owner; everyone after defaults to standard.
func (s *Service) CreateUser(ctx context.Context, username, password string, metadata models.UserMetadata) (*models.User, error) {
	if !usernamePattern.MatchString(username) {
		return nil, apierr.New(apierr.Validation, "INVALID_USERNAME")
	}
	if len(password) < 6 {
		return nil, apierr.New(apierr.Validation, "WEAK_PASSWORD")
	}

	count, err := s.store.CountUsers(ctx)
	if err != nil {
		return nil, err
	}
	role := models.RoleStandard
	if count == 0 {
		role = models.RoleOwner
	}

	salt := newSalt()
	u := &models.User{
		ID:           uuid.New().String(),
		Username:     username,
		PasswordHash: hashPassword(password, salt),
		PasswordSalt: salt,
		Role:         role,
		CreatedAt:    time.Now(),
		Metadata:     metadata,
	}
	if err := s.store.CreateUser(ctx, u); err != nil {
		return nil, err
	}
	if err := s.router.EnsureProfileLayout(u); err != nil {
		return nil, err
	}
	return u, nil
}

// Authenticate implements authenticate(username, password) -> User | null,
// using a constant-time comparison against the stored hash.
func (s *Service) Authenticate(ctx context.Context, username, password string) (*models.User, error) {
	u, err := s.store.GetUserByUsername(ctx, username)
	if err != nil {
		return nil, apierr.New(apierr.Unauthenticated, "invalid credentials")
	}
	candidate := hashPassword(password, u.PasswordSalt)
	if subtle.ConstantTimeCompare([]byte(candidate), []byte(u.PasswordHash)) != 1 {
		return nil, apierr.New(apierr.Unauthenticated, "invalid credentials")
	}
	return u, nil
}

// CreateSession implements createSession(userId, role, ua?, ip?).
func (s *Service) CreateSession(ctx context.Context, userID string, role models.Role, userAgent, ip string) (*models.Session, error) {
	now := time.Now()
	sess := &models.Session{
		ID:        uuid.New().String(),
		UserID:    userID,
		Role:      role,
		CreatedAt: now,
		ExpiresAt: now.Add(models.RoleSessionTTL(role)),
		UserAgent: userAgent,
		IP:        ip,
	}
	if err := s.store.CreateSession(ctx, sess); err != nil {
		return nil, err
	}
	return sess, nil
}

// ValidateSession implements validateSession(id) -> Session | null, lazily
// deleting sessions past expiry.
func (s *Service) ValidateSession(ctx context.Context, id string) (*models.Session, error) {
	if id == "" {
		return nil, apierr.New(apierr.Unauthenticated, "no session")
	}
	sess, err := s.store.GetSession(ctx, id)
	if err != nil {
		return nil, apierr.New(apierr.Unauthenticated, "no session")
	}
	if time.Now().After(sess.ExpiresAt) {
		_ = s.store.DeleteSession(ctx, id)
		return nil, apierr.New(apierr.Unauthenticated, "session expired")
	}
	return sess, nil
}

func (s *Service) DeleteSession(ctx context.Context, id string) error {
	return s.store.DeleteSession(ctx, id)
}

// DeleteUser implements deleteUser(id), cascading to sessions and the
// profile directory.
func (s *Service) DeleteUser(ctx context.Context, id string) error {
	u, err := s.store.GetUserByID(ctx, id)
	if err != nil {
		return err
	}
	if err := s.store.DeleteSessionsByUser(ctx, id); err != nil {
		return err
	}
	if err := s.router.RemoveProfile(u); err != nil {
		return err
	}
	return s.store.DeleteUser(ctx, id)
}

func (s *Service) GetUserByID(ctx context.Context, id string) (*models.User, error) {
	return s.store.GetUserByID(ctx, id)
}

func (s *Service) GetUserByUsername(ctx context.Context, username string) (*models.User, error) {
	return s.store.GetUserByUsername(ctx, username)
}

func (s *Service) ListUsers(ctx context.Context) ([]models.User, error) {
	return s.store.ListUsers(ctx)
}

func (s *Service) UpdateUser(ctx context.Context, u *models.User) error {
	return s.store.UpdateUser(ctx, u)
}

// GenerateRecoveryCodes implements generateRecoveryCodes(user): returns the
// plaintext codes once, storing only their hashes.
func (s *Service) GenerateRecoveryCodes(ctx context.Context, u *models.User) ([]string, error) {
	codes := make([]string, recoveryCodeCount)
	hashes := make([]string, recoveryCodeCount)
	for i := range codes {
		b := make([]byte, 5)
		_, _ = rand.Read(b)
		code := base64.RawURLEncoding.EncodeToString(b)
		codes[i] = code
		sum := sha512.Sum512([]byte(code))
		hashes[i] = hex.EncodeToString(sum[:])
	}
	u.RecoveryHashes = hashes
	u.RecoveryUsed = make([]bool, recoveryCodeCount)
	if err := s.store.UpdateUser(ctx, u); err != nil {
		return nil, err
	}
	return codes, nil
}

// ConsumeRecoveryCode implements consumeRecoveryCode(username, code),
// marking the matching single-use code as spent.
func (s *Service) ConsumeRecoveryCode(ctx context.Context, username, code string) (*models.User, error) {
	u, err := s.store.GetUserByUsername(ctx, username)
	if err != nil {
		return nil, apierr.New(apierr.Validation, "invalid recovery code")
	}
	sum := sha512.Sum512([]byte(code))
	candidate := hex.EncodeToString(sum[:])
	for i, h := range u.RecoveryHashes {
		if i < len(u.RecoveryUsed) && u.RecoveryUsed[i] {
			continue
		}
		if subtle.ConstantTimeCompare([]byte(h), []byte(candidate)) == 1 {
			u.RecoveryUsed[i] = true
			if err := s.store.UpdateUser(ctx, u); err != nil {
				return nil, err
			}
			return u, nil
		}
	}
	return nil, apierr.New(apierr.Validation, "invalid recovery code")
}

// SetPassword re-derives and stores a new password hash, used by the
// reset-password flow after a recovery code is consumed.
func (s *Service) SetPassword(ctx context.Context, u *models.User, newPassword string) error {
	if len(newPassword) < 6 {
		return apierr.New(apierr.Validation, "WEAK_PASSWORD")
	}
	salt := newSalt()
	u.PasswordHash = hashPassword(newPassword, salt)
	u.PasswordSalt = salt
	return s.store.UpdateUser(ctx, u)
}

// ChangeProfilePath implements the profile-path migration operation:
// validates the new path, copies every existing profile file onto it, and
// only then updates the user's metadata and removes the old root. Metadata
// is never written until the copy has fully succeeded, so a failed
// migration leaves the user pointed at their original (intact) profile.
func (s *Service) ChangeProfilePath(ctx context.Context, u *models.User, newPath string) error {
	oldRoot := s.router.ProfileRootFor(u)
	if newPath == oldRoot {
		return apierr.New(apierr.Validation, "new profile path is the same as the current one")
	}
	if err := storage.ValidateProfilePath(newPath); err != nil {
		return err
	}
	if err := storage.CopyTree(oldRoot, newPath); err != nil {
		return apierr.Wrap(apierr.Internal, "failed to migrate profile contents", err)
	}

	u.Metadata.ProfilePath = newPath
	if err := s.store.UpdateUser(ctx, u); err != nil {
		return fmt.Errorf("migrate profile: %w", err)
	}

	if err := os.RemoveAll(oldRoot); err != nil {
		log.Warn().Err(err).Str("path", oldRoot).Msg("profile migrated but failed to remove old root")
	}
	return nil
}
