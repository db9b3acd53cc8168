// internal/tree/builder.go
package tree

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/opencontainers/go-digest"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	terrors "tabasco/internal/errors"
)

// racyWindow covers coarse filesystem timestamps: a file modified this
// close to the walk may change again without its mtime moving.
const racyWindow = 2 * time.Second

// Options configures a Builder.
type Options struct {
	Ignore    []string // gitignore syntax
	Gitignore bool     // honour .gitignore files in the tree
	Workers   int
}

// Builder walks directories into Trees.
type Builder struct {
	opts   Options
	logger *zap.Logger
}

func NewBuilder(opts Options, logger *zap.Logger) *Builder {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Builder{opts: opts, logger: logger}
}

// BuildOption tweaks a single Build call.
type BuildOption func(*buildConfig)

type buildConfig struct {
	verify bool
	dirty  map[string]struct{}
}

// WithVerify hashes every file, ignoring the metadata pre-filter.
func WithVerify() BuildOption {
	return func(c *buildConfig) { c.verify = true }
}

// WithDirty marks paths that must be rehashed regardless of metadata.
func WithDirty(paths map[string]struct{}) BuildOption {
	return func(c *buildConfig) { c.dirty = paths }
}

// Build walks dir and returns its Tree. Entries of prev whose size, mtime
// and mode still match are reused without reading the file.
func (b *Builder) Build(ctx context.Context, dir string, prev Tree, opts ...BuildOption) (Tree, error) {
	cfg := buildConfig{}
	for _, o := range opts {
		o(&cfg)
	}

	info, err := os.Stat(dir)
	if err != nil {
		return nil, terrors.InvalidPath(dir, err)
	}
	if !info.IsDir() {
		return nil, terrors.InvalidPath(dir, fmt.Errorf("not a directory"))
	}

	start := time.Now()
	m := newMatcher(dir, b.opts.Ignore, b.opts.Gitignore)

	var (
		result  = New()
		mu      sync.Mutex
		pending []Entry
	)

	err = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path == dir {
			return nil
		}

		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)

		if d.IsDir() {
			if m.ignored(rel, true) {
				return filepath.SkipDir
			}
			return nil
		}
		// Symlinks, sockets, devices and pipes are not versioned.
		if !d.Type().IsRegular() {
			return nil
		}
		if m.ignored(rel, false) {
			return nil
		}

		fi, err := d.Info()
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}

		entry := Entry{
			Path:    rel,
			Mode:    fi.Mode().Perm(),
			Size:    fi.Size(),
			ModTime: fi.ModTime(),
		}

		if old, ok := prev[rel]; ok && !cfg.verify && old.SameStat(entry) && !isDirty(cfg.dirty, rel) && !isRacy(entry, start) {
			entry.Digest = old.Digest
			result[rel] = entry
			return nil
		}

		pending = append(pending, entry)
		return nil
	})
	if err != nil {
		return nil, terrors.IOFailure(fmt.Sprintf("walking %s", dir), err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(b.opts.Workers)
	for _, entry := range pending {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			d, err := HashFile(filepath.Join(dir, filepath.FromSlash(entry.Path)))
			if err != nil {
				if os.IsNotExist(err) {
					// Removed mid-walk; the next build sees it gone.
					return nil
				}
				return terrors.IOFailure(fmt.Sprintf("hashing %s", entry.Path), err)
			}
			entry.Digest = d

			mu.Lock()
			result[entry.Path] = entry
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	b.logger.Debug("built tree",
		zap.String("dir", dir),
		zap.Int("entries", len(result)),
		zap.Int("hashed", len(pending)),
		zap.Duration("took", time.Since(start)))

	return result, nil
}

// HashFile returns the content digest of the file at path.
func HashFile(path string) (digest.Digest, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	return digest.SHA256.FromReader(f)
}

// ReadFile reads the body behind entry. If the file changed since it was
// hashed, the returned entry describes the bytes actually read.
func ReadFile(dir string, entry Entry) ([]byte, Entry, error) {
	path := filepath.Join(dir, filepath.FromSlash(entry.Path))
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, entry, err
	}

	d := digest.FromBytes(content)
	if d != entry.Digest {
		entry.Digest = d
		entry.Size = int64(len(content))
		if fi, err := os.Stat(path); err == nil {
			entry.ModTime = fi.ModTime()
			entry.Mode = fi.Mode().Perm()
		}
	}
	return content, entry, nil
}

func isDirty(dirty map[string]struct{}, rel string) bool {
	if dirty == nil {
		return false
	}
	_, ok := dirty[rel]
	return ok
}

func isRacy(e Entry, walkStart time.Time) bool {
	return !e.ModTime.Before(walkStart.Add(-racyWindow))
}
