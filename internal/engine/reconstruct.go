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

// Reconstruct returns the tree recorded by commitID.
func (e *Engine) Reconstruct(ctx context.Context, commitID string) (tree.Tree, error) {
	c, err := e.log.Resolve(commitID)
	if err != nil {
		return nil, err
	}
	chain, err := e.log.Chain(c.DirectoryID)
	if err != nil {
		return nil, err
	}
	idx := indexOf(chain, c.ID)
	if idx < 0 {
		return nil, terrors.CommitNotFound(commitID)
	}
	return e.replay(ctx, chain, idx)
}

// headTree returns the directory's newest commit and its tree; the empty
// tree when there are no commits.
func (e *Engine) headTree(dirID string) (*commitlog.Commit, tree.Tree, error) {
	head, err := e.log.Head(dirID)
	if err != nil {
		return nil, nil, err
	}
	if head == nil {
		return nil, tree.New(), nil
	}
	if t, ok := e.checkpoints.Get(head.ID); ok {
		return head, t.Clone(), nil
	}

	chain, err := e.log.Chain(dirID)
	if err != nil {
		return nil, nil, err
	}
	t, err := e.replay(context.Background(), chain, len(chain)-1)
	if err != nil {
		return nil, nil, err
	}
	return head, t, nil
}

// replay rebuilds the tree after chain[idx], starting from the nearest
// cached checkpoint at or before idx. idx -1 is the empty tree. A diff
// that does not apply flags its commit corrupt.
func (e *Engine) replay(ctx context.Context, chain []*commitlog.Commit, idx int) (tree.Tree, error) {
	if idx < 0 {
		return tree.New(), nil
	}

	start := -1
	cur := tree.New()
	for k := idx; k >= 0; k-- {
		if t, ok := e.checkpoints.Get(chain[k].ID); ok {
			start, cur = k, t.Clone()
			break
		}
	}

	for k := start + 1; k <= idx; k++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		c := chain[k]
		next, err := diff.Apply(cur, c.Diff)
		if err != nil {
			if errors.Is(err, terrors.ErrConflict) {
				e.flagCorrupt(c, err)
			}
			return nil, fmt.Errorf("replaying commit %s: %w", c.ID, err)
		}
		cur = next
	}

	e.checkpoints.Add(chain[idx].ID, cur.Clone())
	return cur, nil
}

func (e *Engine) flagCorrupt(c *commitlog.Commit, cause error) {
	e.logger.Error("commit does not apply to its parent tree",
		zap.String("commit", c.ID),
		zap.String("directory_id", c.DirectoryID),
		zap.Error(cause))
	if err := e.log.MarkCorrupt(c.ID); err != nil {
		e.logger.Error("flagging corrupt commit", zap.String("commit", c.ID), zap.Error(err))
	}
}

func indexOf(chain []*commitlog.Commit, id string) int {
	for i, c := range chain {
		if c.ID == id {
			return i
		}
	}
	return -1
}
