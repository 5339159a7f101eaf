// Package crypto implements the per-profile at-rest encryption subsystem
// (§4.E): PBKDF2-derived keys, per-file AES-256-GCM encrypt/decrypt over a
// profile subtree, a metadata file, a verification blob, and streamed
// progress. Keys never touch disk. A derived key exists only for the
// duration of one encrypt, decrypt or verify call; no key is held for the
// life of a session (KeyCache caches the password, not the key).
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/metahuman/metahuman-os/control-plane/internal/apierr"
	"github.com/metahuman/metahuman-os/control-plane/pkg/models"
	"golang.org/x/crypto/pbkdf2"
)

const (
	iterations  = 100_000
	saltLen     = 32
	nonceLen    = 12
	keyLen      = 32
	metadataFile    = ".mh-encryption.json"
	verificationFile = ".mh-verification"
	verificationMsg  = "metahuman-os-verification-v1"
)

// encryptedSubtrees are the categories §4.E covers: memory, persona, etc.
var encryptedSubtrees = []string{"memory", "persona", "etc"}

type StepStatus string

const (
	StatusStarted  StepStatus = "started"
	StatusProgress StepStatus = "progress"
	StatusComplete StepStatus = "complete"
	StatusError    StepStatus = "error"
)

// ProgressEvent is emitted on the caller-provided sink as the subsystem
// walks the profile subtree.
type ProgressEvent struct {
	Step          string     `json:"step"`
	Status        StepStatus `json:"status"`
	Message       string     `json:"message,omitempty"`
	ProgressPct   int        `json:"progress"`
	FilesProcessed int       `json:"filesProcessed,omitempty"`
	Error         string     `json:"error,omitempty"`
}

type ProgressSink chan<- ProgressEvent

func deriveKey(password string, salt []byte) []byte {
	return pbkdf2.Key([]byte(password), salt, iterations, keyLen, sha512.New)
}

func metadataPath(profileRoot string) string { return filepath.Join(profileRoot, metadataFile) }
func verificationPath(profileRoot string) string { return filepath.Join(profileRoot, verificationFile) }

// listRegularFiles walks the encrypted subtrees in deterministic lexical
// order, matching the traversal discipline of the retention janitor's
// archive batches.
func listRegularFiles(profileRoot string, suffix string) ([]string, error) {
	var files []string
	for _, sub := range encryptedSubtrees {
		root := filepath.Join(profileRoot, sub)
		err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				if os.IsNotExist(err) {
					return nil
				}
				return err
			}
			if d.IsDir() {
				return nil
			}
			if suffix != "" && filepath.Ext(path) != suffix {
				return nil
			}
			if suffix == "" && filepath.Ext(path) == ".enc" {
				return nil
			}
			files = append(files, path)
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	sort.Strings(files)
	return files, nil
}

func encryptFile(key []byte, path string) (string, error) {
	plaintext, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, nonceLen)
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	ciphertext := gcm.Seal(nonce, nonce, plaintext, nil)

	dst := path + ".enc"
	if err := writeFileFsync(dst, ciphertext); err != nil {
		return "", err
	}
	if err := os.Remove(path); err != nil {
		return "", err
	}
	return dst, nil
}

func decryptFile(key []byte, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if len(data) < nonceLen {
		return fmt.Errorf("ciphertext too short")
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return err
	}
	nonce, ciphertext := data[:nonceLen], data[nonceLen:]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return err
	}

	dst := path[:len(path)-len(".enc")]
	if err := writeFileFsync(dst, plaintext); err != nil {
		return err
	}
	return os.Remove(path)
}

func writeFileFsync(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o640)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func emit(sink ProgressSink, ev ProgressEvent) {
	if sink == nil {
		return
	}
	select {
	case sink <- ev:
	default:
	}
}

// EncryptProfile implements encryptProfile(profileRoot, password, progress).
// Refuses (PRECONDITION) if metadata already exists.
func EncryptProfile(profileRoot, password string, sink ProgressSink) error {
	if _, err := os.Stat(metadataPath(profileRoot)); err == nil {
		return apierr.New(apierr.Precondition, "profile already encrypted")
	}

	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return apierr.Wrap(apierr.Internal, "failed to generate salt", err)
	}
	key := deriveKey(password, salt)

	files, err := listRegularFiles(profileRoot, "")
	if err != nil {
		return apierr.Wrap(apierr.Internal, "failed to list profile files", err)
	}

	emit(sink, ProgressEvent{Step: "encrypt", Status: StatusStarted, Message: fmt.Sprintf("encrypting %d files", len(files))})

	for i, path := range files {
		if _, err := encryptFile(key, path); err != nil {
			emit(sink, ProgressEvent{Step: "encrypt", Status: StatusError, Error: err.Error()})
			return apierr.Wrap(apierr.Internal, "failed to encrypt file", err)
		}
		pct := 0
		if len(files) > 0 {
			pct = (i + 1) * 100 / len(files)
		}
		emit(sink, ProgressEvent{Step: "encrypt", Status: StatusProgress, ProgressPct: pct, FilesProcessed: i + 1})
	}

	block, _ := aes.NewCipher(key)
	gcm, _ := cipher.NewGCM(block)
	nonce := make([]byte, nonceLen)
	_, _ = rand.Read(nonce)
	blob := gcm.Seal(nonce, nonce, []byte(verificationMsg), nil)
	if err := writeFileFsync(verificationPath(profileRoot), blob); err != nil {
		return apierr.Wrap(apierr.Internal, "failed to write verification blob", err)
	}

	meta := models.EncryptionMetadata{
		Version:            1,
		Algorithm:          "aes-256-gcm",
		KDF:                "pbkdf2-sha512",
		Iterations:         iterations,
		SaltB64:            base64.StdEncoding.EncodeToString(salt),
		CreatedAt:          time.Now(),
		EncryptedFileCount: len(files),
		PasswordMode:       models.PasswordModeSeparate,
	}
	metaBytes, _ := json.MarshalIndent(meta, "", "  ")
	if err := writeFileFsync(metadataPath(profileRoot), metaBytes); err != nil {
		return apierr.Wrap(apierr.Internal, "failed to write encryption metadata", err)
	}

	emit(sink, ProgressEvent{Step: "encrypt", Status: StatusComplete, ProgressPct: 100, FilesProcessed: len(files)})
	return nil
}

// VerifyPassword implements verifyPassword(profileRoot, password) -> bool,
// without mutating any file.
func VerifyPassword(profileRoot, password string) (bool, error) {
	meta, err := readMetadata(profileRoot)
	if err != nil {
		return false, err
	}
	salt, err := base64.StdEncoding.DecodeString(meta.SaltB64)
	if err != nil {
		return false, apierr.Wrap(apierr.Internal, "corrupt salt", err)
	}
	key := deriveKey(password, salt)
	return verifyKey(profileRoot, key)
}

func verifyKey(profileRoot string, key []byte) (bool, error) {
	data, err := os.ReadFile(verificationPath(profileRoot))
	if err != nil {
		return false, apierr.Wrap(apierr.Internal, "missing verification blob", err)
	}
	if len(data) < nonceLen {
		return false, apierr.New(apierr.Internal, "corrupt verification blob")
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return false, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return false, err
	}
	nonce, ciphertext := data[:nonceLen], data[nonceLen:]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return false, nil // wrong password: authentication failure, not an error
	}
	return subtle.ConstantTimeCompare(plaintext, []byte(verificationMsg)) == 1, nil
}

func readMetadata(profileRoot string) (*models.EncryptionMetadata, error) {
	data, err := os.ReadFile(metadataPath(profileRoot))
	if err != nil {
		return nil, apierr.New(apierr.Precondition, "profile is not encrypted")
	}
	var meta models.EncryptionMetadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, apierr.Wrap(apierr.Internal, "corrupt encryption metadata", err)
	}
	return &meta, nil
}

// DecryptProfile implements decryptProfile(profileRoot, password, progress).
// On a wrong password it reports VALIDATION without touching any file. On a
// per-file failure it leaves that file in place, continues, and reports the
// failure count — partial success beats reverting, per §7 recovery policy.
func DecryptProfile(profileRoot, password string, sink ProgressSink) error {
	meta, err := readMetadata(profileRoot)
	if err != nil {
		return err
	}
	salt, err := base64.StdEncoding.DecodeString(meta.SaltB64)
	if err != nil {
		return apierr.Wrap(apierr.Internal, "corrupt salt", err)
	}
	key := deriveKey(password, salt)

	ok, err := verifyKey(profileRoot, key)
	if err != nil {
		return err
	}
	if !ok {
		emit(sink, ProgressEvent{Step: "decrypt", Status: StatusError, Error: "wrong password"})
		return apierr.New(apierr.Validation, "wrong password")
	}

	files, err := listRegularFiles(profileRoot, ".enc")
	if err != nil {
		return apierr.Wrap(apierr.Internal, "failed to list encrypted files", err)
	}

	emit(sink, ProgressEvent{Step: "decrypt", Status: StatusStarted, Message: fmt.Sprintf("decrypting %d files", len(files))})

	failures := 0
	for i, path := range files {
		if err := decryptFile(key, path); err != nil {
			failures++
			emit(sink, ProgressEvent{Step: "decrypt", Status: StatusProgress, Message: "file failed, continuing: " + err.Error()})
			continue
		}
		pct := 0
		if len(files) > 0 {
			pct = (i + 1) * 100 / len(files)
		}
		emit(sink, ProgressEvent{Step: "decrypt", Status: StatusProgress, ProgressPct: pct, FilesProcessed: i + 1})
	}

	if failures == 0 {
		_ = os.Remove(metadataPath(profileRoot))
		_ = os.Remove(verificationPath(profileRoot))
	}

	emit(sink, ProgressEvent{Step: "decrypt", Status: StatusComplete, ProgressPct: 100, FilesProcessed: len(files) - failures, Message: fmt.Sprintf("%d file(s) failed", failures)})
	return nil
}
