package storage_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/metahuman/metahuman-os/control-plane/internal/storage"
	"github.com/metahuman/metahuman-os/control-plane/pkg/models"
)

func testUser(username string) *models.User {
	return &models.User{ID: "u-" + username, Username: username}
}

func TestResolve_StaysUnderProfileRoot(t *testing.T) {
	root := t.TempDir()
	r := storage.NewRouter(root)
	u := testUser("alice")
	if err := r.EnsureProfileLayout(u); err != nil {
		t.Fatalf("EnsureProfileLayout() error = %v", err)
	}

	resolved, err := r.Resolve(context.Background(), storage.Request{
		Category:     storage.CategoryMemory,
		RelativePath: "notes.json",
		User:         u,
	})
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	want := filepath.Join(r.ProfileRootFor(u), "memory", "notes.json")
	if resolved.Path != want {
		t.Errorf("Resolve().Path = %q, want %q", resolved.Path, want)
	}
}

func TestResolve_RejectsDotDotTraversal(t *testing.T) {
	r := storage.NewRouter(t.TempDir())
	u := testUser("bob")
	if err := r.EnsureProfileLayout(u); err != nil {
		t.Fatalf("EnsureProfileLayout() error = %v", err)
	}

	_, err := r.Resolve(context.Background(), storage.Request{
		Category:     storage.CategoryMemory,
		RelativePath: "../../etc/passwd",
		User:         u,
	})
	if err == nil {
		t.Error("Resolve() with .. traversal = nil error, want rejection")
	}
}

func TestResolve_RejectsAbsoluteRelativePath(t *testing.T) {
	r := storage.NewRouter(t.TempDir())
	u := testUser("carol")
	if err := r.EnsureProfileLayout(u); err != nil {
		t.Fatalf("EnsureProfileLayout() error = %v", err)
	}

	_, err := r.Resolve(context.Background(), storage.Request{
		Category:     storage.CategoryMemory,
		RelativePath: "/etc/passwd",
		User:         u,
	})
	if err == nil {
		t.Error("Resolve() with absolute relative path = nil error, want rejection")
	}
}

func TestResolve_SystemCategoryRequiresInternal(t *testing.T) {
	r := storage.NewRouter(t.TempDir())
	_, err := r.Resolve(context.Background(), storage.Request{
		Category:    storage.CategorySystem,
		Subcategory: "logs",
		Internal:    false,
	})
	if err == nil {
		t.Error("Resolve(system, Internal=false) = nil error, want rejection")
	}

	resolved, err := r.Resolve(context.Background(), storage.Request{
		Category:    storage.CategorySystem,
		Subcategory: "logs",
		Internal:    true,
	})
	if err != nil {
		t.Fatalf("Resolve(system, Internal=true) error = %v", err)
	}
	if resolved.Path == "" {
		t.Error("Resolve(system, Internal=true).Path is empty")
	}
}

func TestProfileRootFor_FallsBackWhenConfiguredPathInvalid(t *testing.T) {
	r := storage.NewRouter(t.TempDir())
	u := testUser("dave")
	if err := r.EnsureProfileLayout(u); err != nil {
		t.Fatalf("EnsureProfileLayout() error = %v", err)
	}
	u.Metadata.ProfilePath = "/nonexistent/path/that/does/not/exist"

	if got := r.FellBack(u); !got {
		t.Error("FellBack() = false for an invalid configured path, want true")
	}
	if got, want := r.ProfileRootFor(u), r.DefaultProfileRoot(u.Username); got != want {
		t.Errorf("ProfileRootFor() = %q, want default root %q", got, want)
	}
}

func TestProfileRootFor_UsesValidConfiguredPath(t *testing.T) {
	r := storage.NewRouter(t.TempDir())
	u := testUser("erin")
	if err := r.EnsureProfileLayout(u); err != nil {
		t.Fatalf("EnsureProfileLayout() error = %v", err)
	}
	custom := t.TempDir()
	u.Metadata.ProfilePath = custom

	if got := r.FellBack(u); got {
		t.Error("FellBack() = true for a valid configured path, want false")
	}
	if got := r.ProfileRootFor(u); got != custom {
		t.Errorf("ProfileRootFor() = %q, want %q", got, custom)
	}
}

func TestValidateProfilePath_RejectsMissingDir(t *testing.T) {
	if err := storage.ValidateProfilePath(filepath.Join(t.TempDir(), "missing")); err == nil {
		t.Error("ValidateProfilePath() on a missing directory = nil error, want rejection")
	}
}

func TestValidateProfilePath_RejectsForbiddenRoot(t *testing.T) {
	if err := storage.ValidateProfilePath("/etc"); err == nil {
		t.Error("ValidateProfilePath(\"/etc\") = nil error, want rejection")
	}
}

func TestValidateProfilePath_AcceptsWritableDir(t *testing.T) {
	if err := storage.ValidateProfilePath(t.TempDir()); err != nil {
		t.Errorf("ValidateProfilePath() on a fresh temp dir error = %v, want nil", err)
	}
}

func TestCopyTree_ReplicatesFilesAndStructure(t *testing.T) {
	src := t.TempDir()
	dst := t.TempDir()

	if err := os.MkdirAll(filepath.Join(src, "memory", "tasks"), 0o750); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(src, "memory", "tasks", "a.json"), []byte(`{"id":1}`), 0o640); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(src, "top.txt"), []byte("hello"), 0o640); err != nil {
		t.Fatal(err)
	}

	if err := storage.CopyTree(src, dst); err != nil {
		t.Fatalf("CopyTree() error = %v", err)
	}

	got, err := os.ReadFile(filepath.Join(dst, "memory", "tasks", "a.json"))
	if err != nil {
		t.Fatalf("reading copied nested file: %v", err)
	}
	if string(got) != `{"id":1}` {
		t.Errorf("copied nested file content = %q, want %q", got, `{"id":1}`)
	}

	got, err = os.ReadFile(filepath.Join(dst, "top.txt"))
	if err != nil {
		t.Fatalf("reading copied top-level file: %v", err)
	}
	if string(got) != "hello" {
		t.Errorf("copied top-level file content = %q, want %q", got, "hello")
	}
}
