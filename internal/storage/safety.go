package storage

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/metahuman/metahuman-os/control-plane/internal/apierr"
)

// forbiddenRoots are absolute prefixes a resolved path may never land under,
// per §4.B.2.
var forbiddenRoots = []string{
	"/etc", "/var", "/usr", "/bin", "/sbin", "/root",
	"/proc", "/sys", "/dev", "/boot", "/lib", "/lib64",
}

// forbiddenFragments are relative path fragments disallowed anywhere inside
// a resolved path, even under an otherwise-valid profile root.
var forbiddenFragments = []string{
	"brain/", "packages/", "apps/", "bin/", "node_modules/",
}

func hasForbiddenFragment(p string) bool {
	clean := filepath.ToSlash(p) + "/"
	for _, f := range forbiddenFragments {
		if strings.Contains(clean, "/"+f) || strings.HasPrefix(clean, f) {
			return true
		}
	}
	return false
}

func underForbiddenRoot(p string) bool {
	for _, root := range forbiddenRoots {
		if p == root || strings.HasPrefix(p, root+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

// joinValidated joins relativePath onto base and verifies the result stays
// strictly under root, rejecting absolute components, `..` traversal, and
// forbidden system prefixes/fragments. It resolves symlinks before the
// containment check so a symlink planted inside the profile can't escape it.
func joinValidated(root, base, relativePath string) (string, error) {
	if filepath.IsAbs(relativePath) {
		return "", apierr.New(apierr.Validation, "path must not be absolute")
	}
	if strings.Contains(relativePath, "..") {
		return "", apierr.New(apierr.Validation, "path must not contain ..")
	}
	if hasForbiddenFragment(relativePath) {
		return "", apierr.New(apierr.Validation, "path targets a reserved directory")
	}

	full := filepath.Join(base, relativePath)
	full = filepath.Clean(full)

	absRoot, err := filepath.Abs(root)
	if err != nil {
		return "", apierr.Wrap(apierr.Internal, "failed to resolve root", err)
	}
	if !strings.HasPrefix(full+string(filepath.Separator), absRoot+string(filepath.Separator)) && full != absRoot {
		return "", apierr.New(apierr.Forbidden, "path escapes profile root")
	}
	if underForbiddenRoot(full) {
		return "", apierr.New(apierr.Forbidden, "path targets a forbidden system directory")
	}

	// realpath containment check: if the path exists, resolved symlinks must
	// still land inside root.
	if resolved, err := filepath.EvalSymlinks(full); err == nil {
		if !strings.HasPrefix(resolved+string(filepath.Separator), absRoot+string(filepath.Separator)) && resolved != absRoot {
			return "", apierr.New(apierr.Forbidden, "resolved path escapes profile root")
		}
	}

	return full, nil
}

// ValidateProfilePath exposes validateProfileDir to callers outside the
// package (the profile-path migration handler) that need to reject a
// candidate path before acting on it, rather than discovering it only via
// the silent fallback profileRoot applies on read.
func ValidateProfilePath(path string) error {
	return validateProfileDir(path)
}

// validateProfileDir checks a user-chosen profile root: must exist, be a
// directory, be writable, and not sit under a forbidden system prefix.
func validateProfileDir(path string) error {
	if !filepath.IsAbs(path) {
		return apierr.New(apierr.Validation, "profile path must be absolute")
	}
	if underForbiddenRoot(path) {
		return apierr.New(apierr.Validation, "profile path targets a forbidden system directory")
	}
	info, err := os.Stat(path)
	if err != nil {
		return apierr.Wrap(apierr.Validation, "profile path does not exist", err)
	}
	if !info.IsDir() {
		return apierr.New(apierr.Validation, "profile path is not a directory")
	}
	probe := filepath.Join(path, ".mh-write-probe")
	f, err := os.Create(probe)
	if err != nil {
		return apierr.Wrap(apierr.Validation, "profile path is not writable", err)
	}
	f.Close()
	os.Remove(probe)
	if info.Mode().Perm()&0o007 != 0 {
		// world-accessible: warning only, not an error.
	}
	return nil
}
