package crypto_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/metahuman/metahuman-os/control-plane/internal/crypto"
)

func seedProfile(t *testing.T, root string) {
	t.Helper()
	for _, dir := range []string{"memory", "persona", "etc"} {
		if err := os.MkdirAll(filepath.Join(root, dir), 0o750); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.WriteFile(filepath.Join(root, "memory", "notes.json"), []byte(`{"hello":"world"}`), 0o640); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, "persona", "core.md"), []byte("# persona"), 0o640); err != nil {
		t.Fatal(err)
	}
}

func TestEncryptDecryptProfile_RoundTrip(t *testing.T) {
	root := t.TempDir()
	seedProfile(t, root)

	if err := crypto.EncryptProfile(root, "correct horse battery staple", nil); err != nil {
		t.Fatalf("EncryptProfile() error = %v", err)
	}

	if _, err := os.Stat(filepath.Join(root, "memory", "notes.json")); !os.IsNotExist(err) {
		t.Error("plaintext notes.json still present after encryption")
	}
	if _, err := os.Stat(filepath.Join(root, "memory", "notes.json.enc")); err != nil {
		t.Errorf("encrypted notes.json.enc missing: %v", err)
	}

	if err := crypto.DecryptProfile(root, "correct horse battery staple", nil); err != nil {
		t.Fatalf("DecryptProfile() error = %v", err)
	}

	got, err := os.ReadFile(filepath.Join(root, "memory", "notes.json"))
	if err != nil {
		t.Fatalf("reading decrypted file: %v", err)
	}
	if string(got) != `{"hello":"world"}` {
		t.Errorf("decrypted content = %q, want %q", got, `{"hello":"world"}`)
	}
}

func TestDecryptProfile_WrongPasswordRejected(t *testing.T) {
	root := t.TempDir()
	seedProfile(t, root)

	if err := crypto.EncryptProfile(root, "correct horse battery staple", nil); err != nil {
		t.Fatalf("EncryptProfile() error = %v", err)
	}

	if err := crypto.DecryptProfile(root, "wrong password", nil); err == nil {
		t.Error("DecryptProfile() with the wrong password = nil error, want rejection")
	}
}

func TestVerifyPassword(t *testing.T) {
	root := t.TempDir()
	seedProfile(t, root)

	if err := crypto.EncryptProfile(root, "correct horse battery staple", nil); err != nil {
		t.Fatalf("EncryptProfile() error = %v", err)
	}

	ok, err := crypto.VerifyPassword(root, "correct horse battery staple")
	if err != nil {
		t.Fatalf("VerifyPassword() error = %v", err)
	}
	if !ok {
		t.Error("VerifyPassword() with the correct password = false, want true")
	}

	ok, err = crypto.VerifyPassword(root, "wrong password")
	if err != nil {
		t.Fatalf("VerifyPassword() error = %v", err)
	}
	if ok {
		t.Error("VerifyPassword() with the wrong password = true, want false")
	}
}

func TestEncryptProfile_RefusesWhenAlreadyEncrypted(t *testing.T) {
	root := t.TempDir()
	seedProfile(t, root)

	if err := crypto.EncryptProfile(root, "correct horse battery staple", nil); err != nil {
		t.Fatalf("first EncryptProfile() error = %v", err)
	}
	if err := crypto.EncryptProfile(root, "correct horse battery staple", nil); err == nil {
		t.Error("second EncryptProfile() on an already-encrypted profile = nil error, want rejection")
	}
}
