package validation

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	terrors "tabasco/internal/errors"
)

// MinFrequency bounds how often a directory may be snapshotted.
const MinFrequency = 100 * time.Millisecond

// Directory resolves path to a clean absolute path and checks that it is
// an accessible directory.
func Directory(path string) (string, error) {
	if path == "" {
		return "", terrors.InvalidPath(path, fmt.Errorf("empty path"))
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return "", terrors.InvalidPath(path, err)
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		abs = resolved
	}

	info, err := os.Stat(abs)
	if err != nil {
		return "", terrors.InvalidPath(abs, err)
	}
	if !info.IsDir() {
		return "", terrors.InvalidPath(abs, fmt.Errorf("not a directory"))
	}
	if _, err := os.ReadDir(abs); err != nil {
		return "", terrors.InvalidPath(abs, err)
	}
	return abs, nil
}

// ResolvePath returns the absolute path Directory would have produced for
// path, following symlinks as far as they still resolve. It works when the
// directory itself no longer exists, including through a dangling link.
func ResolvePath(path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = filepath.Clean(path)
	}

	for range maxLinks {
		if resolved, err := filepath.EvalSymlinks(abs); err == nil {
			return resolved
		}
		dir, base := filepath.Split(abs)
		if parent, err := filepath.EvalSymlinks(dir); err == nil {
			dir = parent
		}
		abs = filepath.Join(dir, base)

		target, err := os.Readlink(abs)
		if err != nil {
			return abs
		}
		if !filepath.IsAbs(target) {
			target = filepath.Join(dir, target)
		}
		abs = filepath.Clean(target)
	}
	return abs
}

// maxLinks bounds symlink chains, as the kernel does.
const maxLinks = 40

// CommitID checks that id looks like a full or abbreviated commit id.
func CommitID(id string) error {
	if len(id) < 4 || len(id) > 64 {
		return terrors.CommitNotFound(id)
	}
	for _, r := range id {
		if !(r >= '0' && r <= '9' || r >= 'a' && r <= 'f') {
			return terrors.CommitNotFound(id)
		}
	}
	return nil
}

// Frequency rejects intervals that would spin; zero means the default.
func Frequency(d time.Duration) error {
	if d != 0 && d < MinFrequency {
		return fmt.Errorf("frequency %s is below the minimum of %s", d, MinFrequency)
	}
	return nil
}
