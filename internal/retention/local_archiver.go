// Package retention adapts the archive-driver pattern to rejected training
// datasets: moving a dataset's working directory under a profile's
// `out/adapters/_rejected/<date>/` tree and recording a `rejected.json`,
// rather than the teacher's expired-trace archiving.
package retention

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"

	"github.com/metahuman/metahuman-os/control-plane/internal/storage"
)

// LocalDatasetArchiver relocates a rejected dataset directory to durable
// local storage. It is the default (and only shipped) contracts.ArchiveDriver
// implementation; a Pro-style deployment could swap in an object-store
// backend behind the same interface.
type LocalDatasetArchiver struct {
	basePath string
}

// NewLocalDatasetArchiver creates a file-based archiver. If basePath is
// empty, it defaults to "~/.metahuman-os/archive".
func NewLocalDatasetArchiver(basePath string) *LocalDatasetArchiver {
	if basePath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			basePath = "/tmp/metahuman-os/archive"
		} else {
			basePath = filepath.Join(home, ".metahuman-os", "archive")
		}
	}
	return &LocalDatasetArchiver{basePath: basePath}
}

func (a *LocalDatasetArchiver) Kind() string { return "local" }

// ArchiveDataset moves sourceDir's contents into
// {basePath}/{owner}/{date}/ and returns that path as the archive URI. The
// source directory is removed only after every file has copied cleanly.
func (a *LocalDatasetArchiver) ArchiveDataset(_ context.Context, owner, date, sourceDir string) (string, error) {
	dst := filepath.Join(a.basePath, owner, date)
	if err := os.MkdirAll(dst, 0o755); err != nil {
		return "", fmt.Errorf("create archive dir: %w", err)
	}

	entries, err := os.ReadDir(sourceDir)
	if err != nil {
		return "", fmt.Errorf("read dataset dir: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() {
			if err := storage.CopyTree(filepath.Join(sourceDir, entry.Name()), filepath.Join(dst, entry.Name())); err != nil {
				return "", fmt.Errorf("archive %s: %w", entry.Name(), err)
			}
			continue
		}
		if err := copyFile(filepath.Join(sourceDir, entry.Name()), filepath.Join(dst, entry.Name())); err != nil {
			return "", fmt.Errorf("archive %s: %w", entry.Name(), err)
		}
	}

	if err := os.RemoveAll(sourceDir); err != nil {
		log.Warn().Err(err).Str("dir", sourceDir).Msg("archived dataset but failed to remove source directory")
	}

	log.Info().Str("path", dst).Str("owner", owner).Str("date", date).Msg("archived rejected dataset")
	return dst, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o640)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	if err := out.Sync(); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func (a *LocalDatasetArchiver) HealthCheck(_ context.Context) error {
	if err := os.MkdirAll(a.basePath, 0o755); err != nil {
		return fmt.Errorf("archive path not writable: %w", err)
	}
	testFile := filepath.Join(a.basePath, ".healthcheck")
	if err := os.WriteFile(testFile, []byte("ok"), 0o644); err != nil {
		return fmt.Errorf("archive path not writable: %w", err)
	}
	os.Remove(testFile)
	return nil
}
