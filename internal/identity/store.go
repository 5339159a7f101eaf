// Package identity implements the Identity & Session Store (§4.A): users,
// sessions, and recovery codes, with a pluggable persistence backend.
package identity

import (
	"context"

	"github.com/metahuman/metahuman-os/control-plane/pkg/models"
)

// Store is the persistence interface behind the Identity & Session Store.
// MemoryStore (default, JSON-snapshot backed) and PostgresStore (behind
// DATABASE_URL) both satisfy it.
type Store interface {
	CreateUser(ctx context.Context, u *models.User) error
	GetUserByUsername(ctx context.Context, username string) (*models.User, error)
	GetUserByID(ctx context.Context, id string) (*models.User, error)
	ListUsers(ctx context.Context) ([]models.User, error)
	UpdateUser(ctx context.Context, u *models.User) error
	DeleteUser(ctx context.Context, id string) error
	CountUsers(ctx context.Context) (int, error)

	CreateSession(ctx context.Context, s *models.Session) error
	GetSession(ctx context.Context, id string) (*models.Session, error)
	DeleteSession(ctx context.Context, id string) error
	DeleteSessionsByUser(ctx context.Context, userID string) error

	Close() error
}
