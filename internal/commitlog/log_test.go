package commitlog

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tabasco/internal/diff"
	terrors "tabasco/internal/errors"
	"tabasco/internal/safe"
	"tabasco/internal/tree"
)

type fixture struct {
	log  *Log
	safe *safe.Safe
	ts   time.Time
}

func setupTestLog(t *testing.T) *fixture {
	opts := badger.DefaultOptions("").WithInMemory(true)
	opts.Logger = nil

	db, err := badger.Open(opts)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	s, err := safe.New(db, safe.Options{Root: filepath.Join(t.TempDir(), "blobs")})
	require.NoError(t, err)

	return &fixture{
		log:  New(db, s),
		safe: s,
		ts:   time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

// commit stages the contents of target and appends diff(base, target).
func (f *fixture) commit(t *testing.T, dir string, base, target tree.Tree, contents map[string]string) *Commit {
	t.Helper()
	var staged []safe.Staged
	for _, content := range contents {
		st, err := f.safe.Stage([]byte(content))
		require.NoError(t, err)
		staged = append(staged, st)
	}
	f.ts = f.ts.Add(time.Second)
	c, err := f.log.Append(context.Background(), dir, diff.Compute(base, target), f.ts, staged...)
	require.NoError(t, err)
	return c
}

func mkTree(kv ...string) (tree.Tree, map[string]string) {
	t := tree.New()
	contents := make(map[string]string)
	for i := 0; i < len(kv); i += 2 {
		t[kv[i]] = tree.Entry{Path: kv[i], Digest: digest.FromString(kv[i+1]), Mode: 0644}
		contents[kv[i]] = kv[i+1]
	}
	return t, contents
}

func refCount(t *testing.T, s *safe.Safe, content string) uint32 {
	t.Helper()
	n, err := s.RefCount(digest.FromString(content))
	require.NoError(t, err)
	return n
}

func TestLog_AppendBuildsChain(t *testing.T) {
	f := setupTestLog(t)

	t0, c0 := mkTree("a.txt", "1")
	t1, c1 := mkTree("a.txt", "2")
	t2, c2 := mkTree("a.txt", "2", "b.txt", "3")

	root := f.commit(t, "dir", tree.New(), t0, c0)
	mid := f.commit(t, "dir", t0, t1, c1)
	head := f.commit(t, "dir", t1, t2, c2)

	assert.True(t, root.IsRoot())
	assert.Equal(t, root.ID, mid.ParentID)
	assert.Equal(t, mid.ID, head.ParentID)
	assert.Len(t, root.ID, 64)

	chain, err := f.log.Chain("dir")
	require.NoError(t, err)
	require.Len(t, chain, 3)
	assert.Equal(t, []string{root.ID, mid.ID, head.ID}, []string{chain[0].ID, chain[1].ID, chain[2].ID})
	assert.Equal(t, mid.ID, chain[0].ChildID)
	assert.True(t, chain[2].IsHead())

	h, err := f.log.Head("dir")
	require.NoError(t, err)
	assert.Equal(t, head.ID, h.ID)
	r, err := f.log.Root("dir")
	require.NoError(t, err)
	assert.Equal(t, root.ID, r.ID)

	// Replaying from empty reproduces the last tree.
	cur := tree.New()
	for _, c := range chain {
		cur, err = diff.Apply(cur, c.Diff)
		require.NoError(t, err)
	}
	assert.True(t, t2.Equal(cur))

	// "2" is referenced by mid only; b.txt's "3" by head.
	assert.Equal(t, uint32(1), refCount(t, f.safe, "1"))
	assert.Equal(t, uint32(1), refCount(t, f.safe, "2"))
	assert.Equal(t, uint32(1), refCount(t, f.safe, "3"))
}

func TestLog_EmptyDirectory(t *testing.T) {
	f := setupTestLog(t)

	h, err := f.log.Head("nothing")
	require.NoError(t, err)
	assert.Nil(t, h)

	chain, err := f.log.Chain("nothing")
	require.NoError(t, err)
	assert.Empty(t, chain)

	_, err = f.log.Get("deadbeef")
	assert.ErrorIs(t, err, terrors.ErrCommitNotFound)
}

func TestLog_Resolve(t *testing.T) {
	f := setupTestLog(t)
	t0, c0 := mkTree("a", "1")
	c := f.commit(t, "dir", tree.New(), t0, c0)

	got, err := f.log.Resolve(c.ID[:8])
	require.NoError(t, err)
	assert.Equal(t, c.ID, got.ID)

	got, err = f.log.Resolve(c.ID)
	require.NoError(t, err)
	assert.Equal(t, c.ID, got.ID)

	_, err = f.log.Resolve("zzzz")
	assert.ErrorIs(t, err, terrors.ErrCommitNotFound)
	_, err = f.log.Resolve("")
	assert.ErrorIs(t, err, terrors.ErrCommitNotFound)
}

func TestLog_ExciseMiddle(t *testing.T) {
	f := setupTestLog(t)
	ctx := context.Background()

	t0, c0 := mkTree("a", "1")
	t1, c1 := mkTree("a", "2")
	t2, c2 := mkTree("a", "2", "b", "3")

	root := f.commit(t, "dir", tree.New(), t0, c0)
	mid := f.commit(t, "dir", t0, t1, c1)
	head := f.commit(t, "dir", t1, t2, c2)

	// Reload mid so its ChildID is current.
	mid, err := f.log.Get(mid.ID)
	require.NoError(t, err)
	require.Equal(t, head.ID, mid.ChildID)

	newDiff := diff.Compute(t0, t2)
	_, err = f.log.Excise(ctx, mid, &newDiff)
	require.NoError(t, err)

	chain, err := f.log.Chain("dir")
	require.NoError(t, err)
	require.Len(t, chain, 2)
	assert.Equal(t, root.ID, chain[0].ID)
	assert.Equal(t, head.ID, chain[1].ID, "child keeps its id")
	assert.Equal(t, root.ID, chain[1].ParentID)
	assert.Equal(t, head.ID, chain[0].ChildID)

	_, err = f.log.Get(mid.ID)
	assert.ErrorIs(t, err, terrors.ErrCommitNotFound)

	// "2" moved from mid to head's new diff; "3" stays with head.
	assert.Equal(t, uint32(1), refCount(t, f.safe, "1"))
	assert.Equal(t, uint32(1), refCount(t, f.safe, "2"))
	assert.Equal(t, uint32(1), refCount(t, f.safe, "3"))
}

func TestLog_ExciseHeadTruncates(t *testing.T) {
	f := setupTestLog(t)
	ctx := context.Background()

	t0, c0 := mkTree("a", "1")
	t1, c1 := mkTree("a", "2")
	root := f.commit(t, "dir", tree.New(), t0, c0)
	head := f.commit(t, "dir", t0, t1, c1)

	_, err := f.log.Excise(ctx, head, nil)
	require.NoError(t, err)

	h, err := f.log.Head("dir")
	require.NoError(t, err)
	assert.Equal(t, root.ID, h.ID)
	assert.True(t, h.IsHead())
	assert.Equal(t, uint32(0), refCount(t, f.safe, "2"))

	_, err = f.log.Excise(ctx, h, nil)
	require.NoError(t, err)
	chain, err := f.log.Chain("dir")
	require.NoError(t, err)
	assert.Empty(t, chain)
	assert.Equal(t, uint32(0), refCount(t, f.safe, "1"))

	dirs, err := f.log.Directories()
	require.NoError(t, err)
	assert.Empty(t, dirs)
}

func TestLog_ExciseRootWithChild(t *testing.T) {
	f := setupTestLog(t)
	ctx := context.Background()

	t0, c0 := mkTree("a", "1")
	t1, c1 := mkTree("a", "2")
	root := f.commit(t, "dir", tree.New(), t0, c0)
	child := f.commit(t, "dir", t0, t1, c1)

	root, err := f.log.Get(root.ID)
	require.NoError(t, err)
	require.Equal(t, child.ID, root.ChildID)

	newDiff := diff.Compute(tree.New(), t1)
	_, err = f.log.Excise(ctx, root, &newDiff)
	require.NoError(t, err)

	r, err := f.log.Root("dir")
	require.NoError(t, err)
	assert.Equal(t, child.ID, r.ID)
	assert.True(t, r.IsRoot())

	got, err := diff.Apply(tree.New(), r.Diff)
	require.NoError(t, err)
	assert.True(t, t1.Equal(got))

	assert.Equal(t, uint32(0), refCount(t, f.safe, "1"))
	assert.Equal(t, uint32(1), refCount(t, f.safe, "2"))
}

func TestLog_ExciseStaleCommit(t *testing.T) {
	f := setupTestLog(t)
	t0, c0 := mkTree("a", "1")
	t1, c1 := mkTree("a", "2")
	root := f.commit(t, "dir", tree.New(), t0, c0)
	f.commit(t, "dir", t0, t1, c1)

	// root was loaded before its child existed.
	_, err := f.log.Excise(context.Background(), root, nil)
	assert.ErrorIs(t, err, terrors.ErrConflict)
}

func TestLog_PendingMarkers(t *testing.T) {
	f := setupTestLog(t)
	ctx := context.Background()

	t0, c0 := mkTree("a", "1")
	c := f.commit(t, "dir", tree.New(), t0, c0)

	require.NoError(t, f.log.MarkPending(OpRemove, c.ID))
	ids, err := f.log.Pending(OpRemove)
	require.NoError(t, err)
	assert.Equal(t, []string{c.ID}, ids)

	// The atomic step clears the marker with the rest of the rewrite.
	_, err = f.log.Excise(ctx, c, nil)
	require.NoError(t, err)
	ids, err = f.log.Pending(OpRemove)
	require.NoError(t, err)
	assert.Empty(t, ids)

	require.NoError(t, f.log.MarkPending(OpRemove, "gone"))
	require.NoError(t, f.log.ClearPending(OpRemove, "gone"))
	ids, err = f.log.Pending(OpRemove)
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestLog_MarkCorrupt(t *testing.T) {
	f := setupTestLog(t)
	t0, c0 := mkTree("a", "1")
	c := f.commit(t, "dir", tree.New(), t0, c0)

	require.NoError(t, f.log.MarkCorrupt(c.ID))
	got, err := f.log.Get(c.ID)
	require.NoError(t, err)
	assert.True(t, got.Corrupt)
}

func TestLog_ListAcrossDirectories(t *testing.T) {
	f := setupTestLog(t)

	ta, ca := mkTree("a", "1")
	tb, cb := mkTree("b", "2")
	ta2, ca2 := mkTree("a", "3")

	first := f.commit(t, "dir-a", tree.New(), ta, ca)
	second := f.commit(t, "dir-b", tree.New(), tb, cb)
	third := f.commit(t, "dir-a", ta, ta2, ca2)

	all, err := f.log.List()
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, []string{third.ID, second.ID, first.ID}, []string{all[0].ID, all[1].ID, all[2].ID})

	chainB, err := f.log.Chain("dir-b")
	require.NoError(t, err)
	require.Len(t, chainB, 1)
	assert.Equal(t, "dir-b", chainB[0].DirectoryID)
}
