package identity

import (
	"context"
	"encoding/json"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/metahuman/metahuman-os/control-plane/internal/apierr"
	"github.com/metahuman/metahuman-os/control-plane/pkg/models"
)

// PostgresStore is the durable, multi-process-safe backend for identity
// data, selected when DATABASE_URL is set — mirroring the teacher's
// in-memory-vs-Postgres duality, now applied to the identity domain instead
// of the cooking-domain catalog.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, url string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, apierr.Wrap(apierr.Internal, "failed to connect to database", err)
	}
	if err := pool.Ping(ctx); err != nil {
		return nil, apierr.Wrap(apierr.Internal, "database unreachable", err)
	}
	s := &PostgresStore{pool: pool}
	if err := s.migrate(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS mh_users (
	id TEXT PRIMARY KEY,
	username TEXT UNIQUE NOT NULL,
	password_hash TEXT NOT NULL,
	password_salt TEXT NOT NULL,
	role TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	metadata JSONB NOT NULL,
	recovery_hashes JSONB NOT NULL DEFAULT '[]',
	recovery_used JSONB NOT NULL DEFAULT '[]'
);
CREATE TABLE IF NOT EXISTS mh_sessions (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL REFERENCES mh_users(id) ON DELETE CASCADE,
	role TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	expires_at TIMESTAMPTZ NOT NULL,
	user_agent TEXT,
	ip TEXT,
	metadata JSONB NOT NULL
);`)
	if err != nil {
		return apierr.Wrap(apierr.Internal, "migration failed", err)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresStore) CreateUser(ctx context.Context, u *models.User) error {
	meta, _ := json.Marshal(u.Metadata)
	rh, _ := json.Marshal(u.RecoveryHashes)
	ru, _ := json.Marshal(u.RecoveryUsed)
	_, err := s.pool.Exec(ctx, `
INSERT INTO mh_users (id, username, password_hash, password_salt, role, created_at, metadata, recovery_hashes, recovery_used)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		u.ID, u.Username, u.PasswordHash, u.PasswordSalt, u.Role, u.CreatedAt, meta, rh, ru)
	if err != nil {
		if isUniqueViolation(err) {
			return apierr.New(apierr.Conflict, "USERNAME_TAKEN")
		}
		return apierr.Wrap(apierr.Internal, "failed to create user", err)
	}
	return nil
}

func (s *PostgresStore) scanUser(row pgx.Row) (*models.User, error) {
	var u models.User
	var meta, rh, ru []byte
	err := row.Scan(&u.ID, &u.Username, &u.PasswordHash, &u.PasswordSalt, &u.Role, &u.CreatedAt, &meta, &rh, &ru)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, apierr.New(apierr.NotFound, "user not found")
		}
		return nil, apierr.Wrap(apierr.Internal, "failed to read user", err)
	}
	_ = json.Unmarshal(meta, &u.Metadata)
	_ = json.Unmarshal(rh, &u.RecoveryHashes)
	_ = json.Unmarshal(ru, &u.RecoveryUsed)
	return &u, nil
}

func (s *PostgresStore) GetUserByUsername(ctx context.Context, username string) (*models.User, error) {
	row := s.pool.QueryRow(ctx, `SELECT id, username, password_hash, password_salt, role, created_at, metadata, recovery_hashes, recovery_used FROM mh_users WHERE username=$1`, username)
	return s.scanUser(row)
}

func (s *PostgresStore) GetUserByID(ctx context.Context, id string) (*models.User, error) {
	row := s.pool.QueryRow(ctx, `SELECT id, username, password_hash, password_salt, role, created_at, metadata, recovery_hashes, recovery_used FROM mh_users WHERE id=$1`, id)
	return s.scanUser(row)
}

func (s *PostgresStore) ListUsers(ctx context.Context) ([]models.User, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, username, password_hash, password_salt, role, created_at, metadata, recovery_hashes, recovery_used FROM mh_users`)
	if err != nil {
		return nil, apierr.Wrap(apierr.Internal, "failed to list users", err)
	}
	defer rows.Close()
	var out []models.User
	for rows.Next() {
		u, err := s.scanUser(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *u)
	}
	return out, nil
}

func (s *PostgresStore) UpdateUser(ctx context.Context, u *models.User) error {
	meta, _ := json.Marshal(u.Metadata)
	rh, _ := json.Marshal(u.RecoveryHashes)
	ru, _ := json.Marshal(u.RecoveryUsed)
	tag, err := s.pool.Exec(ctx, `
UPDATE mh_users SET password_hash=$2, password_salt=$3, role=$4, metadata=$5, recovery_hashes=$6, recovery_used=$7
WHERE id=$1`, u.ID, u.PasswordHash, u.PasswordSalt, u.Role, meta, rh, ru)
	if err != nil {
		return apierr.Wrap(apierr.Internal, "failed to update user", err)
	}
	if tag.RowsAffected() == 0 {
		return apierr.New(apierr.NotFound, "user not found")
	}
	return nil
}

func (s *PostgresStore) DeleteUser(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM mh_users WHERE id=$1`, id)
	if err != nil {
		return apierr.Wrap(apierr.Internal, "failed to delete user", err)
	}
	if tag.RowsAffected() == 0 {
		return apierr.New(apierr.NotFound, "user not found")
	}
	return nil
}

func (s *PostgresStore) CountUsers(ctx context.Context) (int, error) {
	var n int
	if err := s.pool.QueryRow(ctx, `SELECT count(*) FROM mh_users`).Scan(&n); err != nil {
		return 0, apierr.Wrap(apierr.Internal, "failed to count users", err)
	}
	return n, nil
}

func (s *PostgresStore) CreateSession(ctx context.Context, sess *models.Session) error {
	meta, _ := json.Marshal(sess.Metadata)
	_, err := s.pool.Exec(ctx, `
INSERT INTO mh_sessions (id, user_id, role, created_at, expires_at, user_agent, ip, metadata)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		sess.ID, sess.UserID, sess.Role, sess.CreatedAt, sess.ExpiresAt, sess.UserAgent, sess.IP, meta)
	if err != nil {
		return apierr.Wrap(apierr.Internal, "failed to create session", err)
	}
	return nil
}

func (s *PostgresStore) GetSession(ctx context.Context, id string) (*models.Session, error) {
	var sess models.Session
	var meta []byte
	err := s.pool.QueryRow(ctx, `SELECT id, user_id, role, created_at, expires_at, user_agent, ip, metadata FROM mh_sessions WHERE id=$1`, id).
		Scan(&sess.ID, &sess.UserID, &sess.Role, &sess.CreatedAt, &sess.ExpiresAt, &sess.UserAgent, &sess.IP, &meta)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, apierr.New(apierr.NotFound, "session not found")
		}
		return nil, apierr.Wrap(apierr.Internal, "failed to read session", err)
	}
	_ = json.Unmarshal(meta, &sess.Metadata)
	return &sess, nil
}

func (s *PostgresStore) DeleteSession(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM mh_sessions WHERE id=$1`, id)
	if err != nil {
		return apierr.Wrap(apierr.Internal, "failed to delete session", err)
	}
	return nil
}

func (s *PostgresStore) DeleteSessionsByUser(ctx context.Context, userID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM mh_sessions WHERE user_id=$1`, userID)
	if err != nil {
		return apierr.Wrap(apierr.Internal, "failed to delete sessions", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr interface{ SQLState() string }
	if asErr, ok := err.(interface{ Unwrap() error }); ok {
		_ = asErr
	}
	if e, ok := err.(interface{ SQLState() string }); ok {
		pgErr = e
		return pgErr.SQLState() == "23505"
	}
	return false
}
