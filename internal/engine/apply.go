// internal/engine/apply.go
package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"tabasco/internal/commitlog"
	"tabasco/internal/diff"
	terrors "tabasco/internal/errors"
	"tabasco/internal/tree"
)

// ApplyResult describes what apply recorded.
type ApplyResult struct {
	Target   *commitlog.Commit `json:"target"`
	Snapshot *commitlog.Commit `json:"snapshot,omitempty"` // disk edits captured before restoring
	Forward  *commitlog.Commit `json:"forward,omitempty"`  // nil when the head already matched
}

// Apply restores the directory of commitID to that commit's tree and
// records the change as a new forward commit. Unsnapshotted edits on disk
// are committed first so nothing is lost.
func (e *Engine) Apply(ctx context.Context, commitID string) (*ApplyResult, error) {
	target, err := e.log.Resolve(commitID)
	if err != nil {
		return nil, err
	}
	m, err := e.monitors.Get(target.DirectoryID)
	if err != nil {
		return nil, fmt.Errorf("loading monitor of commit %s: %w", target.ID, err)
	}
	logger := e.logger.ForDirectory(m.Path)

	unlock := e.lock(m.ID)
	defer unlock()

	chain, err := e.log.Chain(m.ID)
	if err != nil {
		return nil, err
	}
	idx := indexOf(chain, target.ID)
	if idx < 0 {
		return nil, terrors.CommitNotFound(commitID)
	}
	want, err := e.replay(ctx, chain, idx)
	if err != nil {
		return nil, err
	}

	// Everything the target needs must be readable before the disk is
	// touched.
	for _, dg := range want.Digests() {
		if ok, err := e.safe.Exists(dg); err != nil {
			return nil, err
		} else if !ok {
			return nil, terrors.IOFailure(fmt.Sprintf("blob %s missing for commit %s", dg, target.ID), nil)
		}
	}

	result := &ApplyResult{Target: target}

	disk, err := e.builder.Build(ctx, m.Path, nil, tree.WithVerify())
	if err != nil {
		return nil, err
	}
	snap, disk, err := e.commitTree(ctx, m, disk)
	if err != nil {
		return nil, fmt.Errorf("snapshotting before apply: %w", err)
	}
	result.Snapshot = snap

	if err := e.materialize(m.Path, disk, want); err != nil {
		// The next tick records whatever was written.
		e.dropState(m.ID)
		return nil, err
	}

	_, headTree, err := e.headTree(m.ID)
	if err != nil {
		return nil, err
	}
	d := diff.Compute(headTree, want)
	if !diff.IsEmpty(d) {
		fwd, err := e.log.Append(ctx, m.ID, d, e.opts.Now())
		if err != nil {
			return nil, err
		}
		e.checkpoints.Add(fwd.ID, want.Clone())
		result.Forward = fwd
	}

	// The disk now matches the head again.
	e.settle(m, "")

	// Restored mtimes would fool the pre-filter; rehash on the next tick.
	e.mu.Lock()
	if st, ok := e.dirs[m.ID]; ok {
		st.last = nil
	}
	e.mu.Unlock()

	fields := []zap.Field{zap.String("target", target.ID)}
	if result.Forward != nil {
		fields = append(fields, zap.String("commit", result.Forward.ID))
	}
	logger.Info("applied commit", fields...)
	return result, nil
}

// materialize makes the files under dir match want exactly, given that
// they currently match have. Paths outside both trees (ignored files) are
// left alone.
func (e *Engine) materialize(dir string, have, want tree.Tree) error {
	for _, p := range have.Paths() {
		if _, ok := want[p]; ok {
			continue
		}
		path := filepath.Join(dir, filepath.FromSlash(p))
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return terrors.IOFailure(fmt.Sprintf("removing %s", p), err)
		}
		pruneEmptyDirs(dir, filepath.Dir(path))
	}

	for _, p := range want.Paths() {
		entry := want[p]
		if cur, ok := have[p]; ok && cur.SameContent(entry) {
			continue
		}

		content, err := e.safe.Get(entry.Digest)
		if err != nil {
			return terrors.IOFailure(fmt.Sprintf("loading %s", p), err)
		}
		if err := writeFileAtomic(dir, entry, content); err != nil {
			return terrors.IOFailure(fmt.Sprintf("writing %s", p), err)
		}
	}
	return nil
}

// writeFileAtomic replaces the file via temp file + rename and restores
// mode and mtime.
func writeFileAtomic(dir string, entry tree.Entry, content []byte) error {
	path := filepath.Join(dir, filepath.FromSlash(entry.Path))
	parent := filepath.Dir(path)

	if err := os.MkdirAll(parent, 0755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(parent, ".tabasco-apply-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	cleanup := func() { os.Remove(tmpPath) }

	if _, err := tmp.Write(content); err != nil {
		tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return err
	}

	mode := entry.Mode.Perm()
	if mode == 0 {
		mode = 0644
	}
	if err := os.Chmod(tmpPath, mode); err != nil {
		cleanup()
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		cleanup()
		return err
	}
	if !entry.ModTime.IsZero() {
		if err := os.Chtimes(path, entry.ModTime, entry.ModTime); err != nil {
			return err
		}
	}
	return nil
}

// pruneEmptyDirs removes empty directories from dir up to, not including,
// root.
func pruneEmptyDirs(root, dir string) {
	root = filepath.Clean(root)
	for {
		dir = filepath.Clean(dir)
		if dir == root || !strings.HasPrefix(dir, root+string(filepath.Separator)) {
			return
		}
		if err := os.Remove(dir); err != nil {
			return
		}
		dir = filepath.Dir(dir)
	}
}
