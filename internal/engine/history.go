package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/opencontainers/go-digest"

	"tabasco/internal/commitlog"
	"tabasco/internal/diff"
	terrors "tabasco/internal/errors"
	"tabasco/internal/tree"
	"tabasco/internal/validation"
	"tabasco/shared/types"
)

// LogOptions filters `log` output.
type LogOptions struct {
	Directory string `json:"directory,omitempty"`
	Limit     int    `json:"limit,omitempty"`
	Patch     bool   `json:"patch,omitempty"`
}

// Log lists commits newest first across all directories, or for one.
func (e *Engine) Log(ctx context.Context, opts LogOptions) ([]types.LogEntry, error) {
	monitors, err := e.monitors.List()
	if err != nil {
		return nil, err
	}
	paths := make(map[string]string, len(monitors))
	for _, m := range monitors {
		paths[m.ID] = m.Path
	}

	var commits []*commitlog.Commit
	if opts.Directory != "" {
		abs, err := validation.Directory(opts.Directory)
		if err != nil {
			abs = validation.ResolvePath(opts.Directory)
		}
		m, err := e.monitors.GetByPath(abs)
		if err != nil {
			return nil, err
		}
		chain, err := e.log.Chain(m.ID)
		if err != nil {
			return nil, err
		}
		for i := len(chain) - 1; i >= 0; i-- {
			commits = append(commits, chain[i])
		}
	} else {
		commits, err = e.log.List()
		if err != nil {
			return nil, err
		}
	}

	if opts.Limit > 0 && len(commits) > opts.Limit {
		commits = commits[:opts.Limit]
	}

	entries := make([]types.LogEntry, 0, len(commits))
	for _, c := range commits {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		entry := types.LogEntry{
			ID:          c.ID,
			DirectoryID: c.DirectoryID,
			Directory:   paths[c.DirectoryID],
			ParentID:    c.ParentID,
			Timestamp:   c.Timestamp,
			Corrupt:     c.Corrupt,
			Changes:     diff.Summary(c.Diff),
		}
		if opts.Patch {
			e.attachPatches(entry.Changes)
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// attachPatches renders line diffs for added and modified text files.
func (e *Engine) attachPatches(changes []types.Change) {
	for i := range changes {
		ch := &changes[i]

		var oldContent []byte
		switch ch.Type {
		case types.ChangeRemoved:
			continue
		case types.ChangeModified:
			content, err := e.safe.Get(digest.Digest(ch.OldHash))
			if err != nil {
				ch.Diff = fmt.Sprintf("(previous content unavailable: %v)", err)
				continue
			}
			oldContent = content
		}

		newContent, err := e.safe.Get(digest.Digest(ch.NewHash))
		if err != nil {
			ch.Diff = fmt.Sprintf("(content unavailable: %v)", err)
			continue
		}

		res, err := e.lines.Diff(oldContent, newContent)
		if err != nil {
			ch.Diff = "(binary content)"
			continue
		}
		ch.Diff = res.Format()
		for _, h := range res.Hunks {
			hunk := types.DiffHunk{
				OldStart: h.OldStart,
				OldLines: h.OldLines,
				NewStart: h.NewStart,
				NewLines: h.NewLines,
			}
			for _, l := range h.Lines {
				prefix := " "
				switch l.Type {
				case diff.Addition:
					prefix = "+"
				case diff.Deletion:
					prefix = "-"
				}
				hunk.Lines = append(hunk.Lines, prefix+l.Content)
			}
			ch.DiffHunks = append(ch.DiffHunks, hunk)
		}
	}
}

// History returns the number of commits and the head id of a directory.
func (e *Engine) History(dirID string) (int, string, error) {
	chain, err := e.log.Chain(dirID)
	if err != nil {
		return 0, "", err
	}
	if len(chain) == 0 {
		return 0, "", nil
	}
	return len(chain), chain[len(chain)-1].ID, nil
}

// VerifyReport is the outcome of checking one directory's chain.
type VerifyReport struct {
	DirectoryID  string          `json:"directory_id"`
	Commits      int             `json:"commits"`
	Corrupt      []string        `json:"corrupt,omitempty"`
	MissingBlobs []digest.Digest `json:"missing_blobs,omitempty"`
}

func (r *VerifyReport) OK() bool {
	return len(r.Corrupt) == 0 && len(r.MissingBlobs) == 0
}

// Verify replays a directory's whole chain from the empty tree, ignoring
// checkpoints, and checks that every blob it references is stored. Diffs
// that do not apply are flagged corrupt.
func (e *Engine) Verify(ctx context.Context, dirID string) (*VerifyReport, error) {
	unlock := e.lock(dirID)
	defer unlock()

	chain, err := e.log.Chain(dirID)
	if err != nil {
		return nil, err
	}

	report := &VerifyReport{DirectoryID: dirID, Commits: len(chain)}
	seen := make(map[digest.Digest]bool)
	cur := tree.New()

	for _, c := range chain {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		for _, dg := range diff.Digests(c.Diff) {
			if seen[dg] {
				continue
			}
			seen[dg] = true
			ok, err := e.safe.Exists(dg)
			if err != nil {
				return nil, err
			}
			if !ok {
				report.MissingBlobs = append(report.MissingBlobs, dg)
			}
		}

		next, err := diff.Apply(cur, c.Diff)
		if err != nil {
			if !errors.Is(err, terrors.ErrConflict) {
				return nil, err
			}
			e.flagCorrupt(c, err)
			report.Corrupt = append(report.Corrupt, c.ID)
			// Later diffs are relative to a tree we cannot rebuild.
			break
		}
		cur = next
		e.checkpoints.Add(c.ID, cur.Clone())
	}
	return report, nil
}
