package identity_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/metahuman/metahuman-os/control-plane/internal/identity"
	"github.com/metahuman/metahuman-os/control-plane/internal/storage"
	"github.com/metahuman/metahuman-os/control-plane/pkg/models"
)

func newTestService(t *testing.T) (*identity.Service, *storage.Router) {
	t.Helper()
	dir := t.TempDir()
	store := identity.NewMemoryStore(dir)
	t.Cleanup(func() { store.Close() })
	router := storage.NewRouter(dir)
	return identity.NewService(store, router), router
}

func TestCreateUser_FirstUserBecomesOwner(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	u, err := svc.CreateUser(ctx, "alice", "hunter22", models.UserMetadata{})
	if err != nil {
		t.Fatalf("CreateUser() error = %v", err)
	}
	if u.Role != models.RoleOwner {
		t.Errorf("first user Role = %q, want %q", u.Role, models.RoleOwner)
	}

	second, err := svc.CreateUser(ctx, "bob", "hunter22", models.UserMetadata{})
	if err != nil {
		t.Fatalf("CreateUser() second user error = %v", err)
	}
	if second.Role != models.RoleStandard {
		t.Errorf("second user Role = %q, want %q", second.Role, models.RoleStandard)
	}
}

func TestCreateUser_RejectsWeakPassword(t *testing.T) {
	svc, _ := newTestService(t)
	if _, err := svc.CreateUser(context.Background(), "alice", "123", models.UserMetadata{}); err == nil {
		t.Error("CreateUser() with a 3-char password = nil error, want rejection")
	}
}

func TestCreateUser_RejectsInvalidUsername(t *testing.T) {
	svc, _ := newTestService(t)
	if _, err := svc.CreateUser(context.Background(), "a b!", "hunter22", models.UserMetadata{}); err == nil {
		t.Error("CreateUser() with an invalid username = nil error, want rejection")
	}
}

func TestAuthenticate_WrongPasswordRejected(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	if _, err := svc.CreateUser(ctx, "alice", "hunter22", models.UserMetadata{}); err != nil {
		t.Fatalf("CreateUser() error = %v", err)
	}
	if _, err := svc.Authenticate(ctx, "alice", "wrong-password"); err == nil {
		t.Error("Authenticate() with the wrong password = nil error, want rejection")
	}
}

func TestAuthenticate_CorrectPasswordSucceeds(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	created, err := svc.CreateUser(ctx, "alice", "hunter22", models.UserMetadata{})
	if err != nil {
		t.Fatalf("CreateUser() error = %v", err)
	}
	got, err := svc.Authenticate(ctx, "alice", "hunter22")
	if err != nil {
		t.Fatalf("Authenticate() error = %v", err)
	}
	if got.ID != created.ID {
		t.Errorf("Authenticate().ID = %q, want %q", got.ID, created.ID)
	}
}

func TestGenerateAndConsumeRecoveryCode(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	u, err := svc.CreateUser(ctx, "alice", "hunter22", models.UserMetadata{})
	if err != nil {
		t.Fatalf("CreateUser() error = %v", err)
	}
	codes, err := svc.GenerateRecoveryCodes(ctx, u)
	if err != nil {
		t.Fatalf("GenerateRecoveryCodes() error = %v", err)
	}
	if len(codes) == 0 {
		t.Fatal("GenerateRecoveryCodes() returned no codes")
	}

	if _, err := svc.ConsumeRecoveryCode(ctx, "alice", codes[0]); err != nil {
		t.Fatalf("ConsumeRecoveryCode() first use error = %v", err)
	}
	if _, err := svc.ConsumeRecoveryCode(ctx, "alice", codes[0]); err == nil {
		t.Error("ConsumeRecoveryCode() reused code = nil error, want rejection (single-use)")
	}
}

func TestChangeProfilePath_MigratesExistingFiles(t *testing.T) {
	svc, router := newTestService(t)
	ctx := context.Background()
	u, err := svc.CreateUser(ctx, "alice", "hunter22", models.UserMetadata{})
	if err != nil {
		t.Fatalf("CreateUser() error = %v", err)
	}

	oldRoot := router.ProfileRootFor(u)
	memoFile := filepath.Join(oldRoot, "memory", "persisted.json")
	if err := os.WriteFile(memoFile, []byte(`{"k":"v"}`), 0o640); err != nil {
		t.Fatalf("seeding old profile file: %v", err)
	}

	newPath := t.TempDir()
	if err := svc.ChangeProfilePath(ctx, u, newPath); err != nil {
		t.Fatalf("ChangeProfilePath() error = %v", err)
	}

	if u.Metadata.ProfilePath != newPath {
		t.Errorf("ProfilePath = %q, want %q", u.Metadata.ProfilePath, newPath)
	}
	migrated, err := os.ReadFile(filepath.Join(newPath, "memory", "persisted.json"))
	if err != nil {
		t.Fatalf("reading migrated file: %v", err)
	}
	if string(migrated) != `{"k":"v"}` {
		t.Errorf("migrated file content = %q, want %q", migrated, `{"k":"v"}`)
	}
	if _, err := os.Stat(oldRoot); !os.IsNotExist(err) {
		t.Errorf("old profile root %q still exists after migration, want removed", oldRoot)
	}
}

func TestChangeProfilePath_RejectsUnwritableTarget(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	u, err := svc.CreateUser(ctx, "alice", "hunter22", models.UserMetadata{})
	if err != nil {
		t.Fatalf("CreateUser() error = %v", err)
	}
	if err := svc.ChangeProfilePath(ctx, u, filepath.Join(t.TempDir(), "does-not-exist")); err == nil {
		t.Error("ChangeProfilePath() to a nonexistent directory = nil error, want rejection")
	}
}
