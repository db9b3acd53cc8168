// internal/engine/remove.go
package engine

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"tabasco/internal/commitlog"
	"tabasco/internal/diff"
	terrors "tabasco/internal/errors"
	"tabasco/internal/tree"
)

// Remove excises commitID from its chain. Its child, if any, is re-diffed
// against the removed commit's parent so every surviving commit still
// reconstructs the same tree. The disk is not touched.
func (e *Engine) Remove(ctx context.Context, commitID string) error {
	c, err := e.log.Resolve(commitID)
	if err != nil {
		return err
	}

	unlock := e.lock(c.DirectoryID)
	defer unlock()

	if err := e.log.MarkPending(commitlog.OpRemove, c.ID); err != nil {
		return err
	}
	if err := e.remove(ctx, c.ID); err != nil {
		if clearErr := e.log.ClearPending(commitlog.OpRemove, c.ID); clearErr != nil {
			e.logger.Error("clearing pending removal", zap.String("commit", c.ID), zap.Error(clearErr))
		}
		return err
	}
	return nil
}

// remove runs the excision with the directory lock and the pending marker
// in place. It only reads until the final Excise transaction, which also
// clears the marker.
func (e *Engine) remove(ctx context.Context, id string) error {
	c, err := e.log.Get(id)
	if err != nil {
		return err
	}
	chain, err := e.log.Chain(c.DirectoryID)
	if err != nil {
		return err
	}
	idx := indexOf(chain, c.ID)
	if idx < 0 {
		return terrors.Internal(fmt.Sprintf("commit %s is not on its directory's chain", c.ID), nil)
	}

	var childDiff *diff.Diff
	if idx+1 < len(chain) {
		d, err := e.rediffChild(ctx, chain, idx)
		if err != nil {
			return err
		}
		childDiff = &d
	}

	if _, err := e.log.Excise(ctx, c, childDiff); err != nil {
		return err
	}
	e.checkpoints.Remove(c.ID)
	if childDiff == nil {
		e.settleAfterTruncation(ctx, c.DirectoryID)
	}

	fields := []zap.Field{
		zap.String("commit", c.ID),
		zap.String("directory_id", c.DirectoryID),
	}
	if childDiff != nil {
		fields = append(fields, zap.String("relinked", chain[idx+1].ID))
	}
	e.logger.Info("removed commit", fields...)
	return nil
}

// settleAfterTruncation remembers the disk state that the removed head
// described so the next tick does not record it again. Directory lock
// required.
func (e *Engine) settleAfterTruncation(ctx context.Context, dirID string) {
	m, err := e.monitors.Get(dirID)
	if err != nil {
		e.logger.Warn("loading monitor after removal", zap.String("directory_id", dirID), zap.Error(err))
		return
	}

	var prev tree.Tree
	e.mu.Lock()
	st, ok := e.dirs[dirID]
	if ok {
		prev = st.last
	}
	e.mu.Unlock()

	disk, err := e.builder.Build(ctx, m.Path, prev)
	if err != nil {
		// Nothing on disk to protect.
		e.logger.ForDirectory(m.Path).Debug("skipping settled state", zap.Error(err))
		return
	}
	if ok {
		st.last = disk
	}
	e.settle(m, disk.Fingerprint())
}

// rediffChild computes the diff the child of chain[idx] must carry once
// chain[idx] is gone: from the tree before it to the tree after its child.
func (e *Engine) rediffChild(ctx context.Context, chain []*commitlog.Commit, idx int) (diff.Diff, error) {
	c, child := chain[idx], chain[idx+1]
	isRoot := idx == 0

	fail := func(err error) (diff.Diff, error) {
		if isRoot {
			return diff.Diff{}, terrors.RootRemovalAmbiguous(c.ID, err)
		}
		return diff.Diff{}, err
	}

	if child.Corrupt {
		return fail(terrors.Conflict(fmt.Sprintf("child commit %s is flagged corrupt", child.ID)))
	}

	before, err := e.replay(ctx, chain, idx-1)
	if err != nil {
		return fail(err)
	}

	afterC, err := diff.Apply(before, c.Diff)
	if err != nil {
		if errors.Is(err, terrors.ErrConflict) {
			e.flagCorrupt(c, err)
		}
		return fail(err)
	}
	afterChild, err := diff.Apply(afterC, child.Diff)
	if err != nil {
		if errors.Is(err, terrors.ErrConflict) {
			e.flagCorrupt(child, err)
		}
		return fail(err)
	}

	// The cached tree for the child, when present, must agree with the
	// replay or the chain is already inconsistent.
	if cached, ok := e.checkpoints.Get(child.ID); ok && !cached.Equal(afterChild) {
		return fail(terrors.Conflict(fmt.Sprintf("reconstruction of %s disagrees with its checkpoint", child.ID)))
	}

	// For the root, before is the empty tree and the child becomes a full
	// snapshot.
	return diff.Compute(before, afterChild), nil
}

// Recover re-runs removals interrupted by a crash, then deletes blob
// bodies no metadata points at. Run before the scheduler starts.
func (e *Engine) Recover(ctx context.Context) error {
	ids, err := e.log.Pending(commitlog.OpRemove)
	if err != nil {
		return fmt.Errorf("listing pending removals: %w", err)
	}

	for _, id := range ids {
		c, err := e.log.Get(id)
		if errors.Is(err, terrors.ErrCommitNotFound) {
			// The atomic step committed; only the marker survived.
			if err := e.log.ClearPending(commitlog.OpRemove, id); err != nil {
				return err
			}
			continue
		}
		if err != nil {
			return err
		}

		e.logger.Info("resuming interrupted removal", zap.String("commit", id))
		unlock := e.lock(c.DirectoryID)
		err = e.remove(ctx, id)
		unlock()
		if err != nil {
			e.logger.Error("resuming removal failed", zap.String("commit", id), zap.Error(err))
			if clearErr := e.log.ClearPending(commitlog.OpRemove, id); clearErr != nil {
				return clearErr
			}
		}
	}

	removed, err := e.safe.Sweep(ctx)
	if err != nil {
		return err
	}
	if removed > 0 {
		e.logger.Info("swept unreferenced blobs", zap.Int("files", removed))
	}
	return nil
}
