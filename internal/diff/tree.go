// internal/diff/tree.go
package diff

import (
	"fmt"
	"sort"

	"github.com/opencontainers/go-digest"

	terrors "tabasco/internal/errors"
	"tabasco/internal/tree"
	"tabasco/shared/types"
)

// Modification replaces the body or permissions at Path.
type Modification struct {
	Path string        `json:"path"`
	Old  digest.Digest `json:"old"`
	New  tree.Entry    `json:"new"`
}

// Diff is the delta from a base tree to a target tree. Base is the
// fingerprint of the tree it was computed against; Apply refuses any
// other base.
type Diff struct {
	Base     string         `json:"base"`
	Added    []tree.Entry   `json:"added,omitempty"`
	Modified []Modification `json:"modified,omitempty"`
	Removed  []string       `json:"removed,omitempty"`
}

// Compute returns the diff taking base to target. All lists are sorted by
// path.
func Compute(base, target tree.Tree) Diff {
	d := Diff{Base: base.Fingerprint()}

	for _, p := range target.Paths() {
		te := target[p]
		be, ok := base[p]
		switch {
		case !ok:
			d.Added = append(d.Added, te)
		case !be.SameContent(te):
			d.Modified = append(d.Modified, Modification{Path: p, Old: be.Digest, New: te})
		}
	}
	for _, p := range base.Paths() {
		if _, ok := target[p]; !ok {
			d.Removed = append(d.Removed, p)
		}
	}
	return d
}

// Apply reconstructs the target tree from base. It fails with a CONFLICT
// error when d was not computed against exactly base.
func Apply(base tree.Tree, d Diff) (tree.Tree, error) {
	if fp := base.Fingerprint(); fp != d.Base {
		return nil, conflict("diff base %s does not match tree %s", d.Base, fp)
	}

	out := base.Clone()
	for _, e := range d.Added {
		if _, ok := out[e.Path]; ok {
			return nil, conflict("added path already exists: %s", e.Path)
		}
		out[e.Path] = e
	}
	for _, m := range d.Modified {
		cur, ok := out[m.Path]
		if !ok {
			return nil, conflict("modified path missing: %s", m.Path)
		}
		if cur.Digest != m.Old {
			return nil, conflict("modified path %s has digest %s, expected %s", m.Path, cur.Digest, m.Old)
		}
		out[m.Path] = m.New
	}
	for _, p := range d.Removed {
		if _, ok := out[p]; !ok {
			return nil, conflict("removed path missing: %s", p)
		}
		delete(out, p)
	}
	return out, nil
}

// IsEmpty reports whether d changes nothing.
func IsEmpty(d Diff) bool {
	return len(d.Added) == 0 && len(d.Modified) == 0 && len(d.Removed) == 0
}

// Digests returns the distinct blobs a diff references: bodies of added
// entries and the new side of modifications. Sorted.
func Digests(d Diff) []digest.Digest {
	seen := make(map[digest.Digest]struct{})
	for _, e := range d.Added {
		seen[e.Digest] = struct{}{}
	}
	for _, m := range d.Modified {
		seen[m.New.Digest] = struct{}{}
	}

	out := make([]digest.Digest, 0, len(seen))
	for dg := range seen {
		out = append(out, dg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// References counts each referenced blob once per entry. Two paths with
// the same body hold two references.
func References(d Diff) map[digest.Digest]int {
	refs := make(map[digest.Digest]int)
	for _, e := range d.Added {
		refs[e.Digest]++
	}
	for _, m := range d.Modified {
		refs[m.New.Digest]++
	}
	return refs
}

// Summary lists the path-level changes, sorted by path.
func Summary(d Diff) []types.Change {
	changes := make([]types.Change, 0, len(d.Added)+len(d.Modified)+len(d.Removed))
	for _, e := range d.Added {
		changes = append(changes, types.Change{
			Path:    e.Path,
			Type:    types.ChangeAdded,
			NewHash: e.Digest.String(),
			Mode:    int(e.Mode),
			Size:    e.Size,
			ModTime: e.ModTime,
		})
	}
	for _, m := range d.Modified {
		changes = append(changes, types.Change{
			Path:    m.Path,
			Type:    types.ChangeModified,
			OldHash: m.Old.String(),
			NewHash: m.New.Digest.String(),
			Mode:    int(m.New.Mode),
			Size:    m.New.Size,
			ModTime: m.New.ModTime,
		})
	}
	for _, p := range d.Removed {
		changes = append(changes, types.Change{
			Path: p,
			Type: types.ChangeRemoved,
		})
	}
	sort.SliceStable(changes, func(i, j int) bool { return changes[i].Path < changes[j].Path })
	return changes
}

func conflict(format string, args ...any) error {
	return terrors.Conflict(fmt.Sprintf(format, args...))
}
