package tree

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	terrors "tabasco/internal/errors"
)

func writeFile(t *testing.T, dir, rel, content string) {
	t.Helper()
	path := filepath.Join(dir, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
}

func TestFingerprint(t *testing.T) {
	a := Tree{
		"a.txt": {Path: "a.txt", Digest: digest.FromString("1"), Mode: 0644, Size: 1},
		"b.txt": {Path: "b.txt", Digest: digest.FromString("2"), Mode: 0644, Size: 1},
	}

	t.Run("ignores mtime and size", func(t *testing.T) {
		b := a.Clone()
		e := b["a.txt"]
		e.ModTime = time.Now()
		e.Size = 99
		b["a.txt"] = e
		assert.Equal(t, a.Fingerprint(), b.Fingerprint())
		assert.True(t, a.Equal(b))
	})

	t.Run("changes with content", func(t *testing.T) {
		b := a.Clone()
		e := b["a.txt"]
		e.Digest = digest.FromString("other")
		b["a.txt"] = e
		assert.NotEqual(t, a.Fingerprint(), b.Fingerprint())
		assert.False(t, a.Equal(b))
	})

	t.Run("changes with mode", func(t *testing.T) {
		b := a.Clone()
		e := b["b.txt"]
		e.Mode = 0755
		b["b.txt"] = e
		assert.NotEqual(t, a.Fingerprint(), b.Fingerprint())
	})

	t.Run("empty trees agree", func(t *testing.T) {
		assert.Equal(t, New().Fingerprint(), Tree{}.Fingerprint())
		assert.NotEqual(t, New().Fingerprint(), a.Fingerprint())
	})
}

func TestDigestsDeduplicates(t *testing.T) {
	d := digest.FromString("same")
	tr := Tree{
		"x": {Path: "x", Digest: d},
		"y": {Path: "y", Digest: d},
	}
	assert.Equal(t, []digest.Digest{d}, tr.Digests())
}

func TestBuilder_Build(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.txt", "1")
	writeFile(t, dir, "sub/b.txt", "2")
	writeFile(t, dir, "skip.log", "noise")
	writeFile(t, dir, ".gitignore", "*.log\n")
	writeFile(t, dir, ".git/HEAD", "ref")
	writeFile(t, dir, ".tabasco/state", "x")
	require.NoError(t, os.Symlink(filepath.Join(dir, "a.txt"), filepath.Join(dir, "link")))

	b := NewBuilder(Options{Gitignore: true, Ignore: []string{"tmp/"}}, nil)
	writeFile(t, dir, "tmp/c.txt", "3")

	tr, err := b.Build(context.Background(), dir, nil)
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{".gitignore", "a.txt", "sub/b.txt"}, tr.Paths())
	assert.Equal(t, digest.FromString("1"), tr["a.txt"].Digest)
	assert.Equal(t, digest.FromString("2"), tr["sub/b.txt"].Digest)
	assert.Equal(t, int64(1), tr["a.txt"].Size)
}

func TestBuilder_GitignoreDisabled(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, ".gitignore", "*.log\n")
	writeFile(t, dir, "keep.log", "x")

	tr, err := NewBuilder(Options{}, nil).Build(context.Background(), dir, nil)
	require.NoError(t, err)
	assert.Contains(t, tr, "keep.log")
}

func TestBuilder_PrefilterReusesDigest(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.txt", "1")
	old := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(filepath.Join(dir, "a.txt"), old, old))

	b := NewBuilder(Options{}, nil)
	first, err := b.Build(context.Background(), dir, nil)
	require.NoError(t, err)

	// A fake previous digest survives when metadata matches...
	fake := first.Clone()
	e := fake["a.txt"]
	e.Digest = digest.FromString("cached")
	fake["a.txt"] = e

	second, err := b.Build(context.Background(), dir, fake)
	require.NoError(t, err)
	assert.Equal(t, digest.FromString("cached"), second["a.txt"].Digest)

	// ...but not under verification or a dirty hint.
	verified, err := b.Build(context.Background(), dir, fake, WithVerify())
	require.NoError(t, err)
	assert.Equal(t, digest.FromString("1"), verified["a.txt"].Digest)

	hinted, err := b.Build(context.Background(), dir, fake, WithDirty(map[string]struct{}{"a.txt": {}}))
	require.NoError(t, err)
	assert.Equal(t, digest.FromString("1"), hinted["a.txt"].Digest)
}

func TestBuilder_RacyFilesAreRehashed(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.txt", "1")

	b := NewBuilder(Options{}, nil)
	first, err := b.Build(context.Background(), dir, nil)
	require.NoError(t, err)

	fake := first.Clone()
	e := fake["a.txt"]
	e.Digest = digest.FromString("cached")
	fake["a.txt"] = e

	second, err := b.Build(context.Background(), dir, fake)
	require.NoError(t, err)
	assert.Equal(t, digest.FromString("1"), second["a.txt"].Digest)
}

func TestBuilder_InvalidPath(t *testing.T) {
	b := NewBuilder(Options{}, nil)

	_, err := b.Build(context.Background(), filepath.Join(t.TempDir(), "missing"), nil)
	assert.ErrorIs(t, err, terrors.ErrInvalidPath)

	file := filepath.Join(t.TempDir(), "f")
	require.NoError(t, os.WriteFile(file, nil, 0644))
	_, err = b.Build(context.Background(), file, nil)
	assert.ErrorIs(t, err, terrors.ErrInvalidPath)
}

func TestReadFile_ObservedBytesWin(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.txt", "new")

	stale := Entry{Path: "a.txt", Digest: digest.FromString("old"), Size: 3}
	content, got, err := ReadFile(dir, stale)
	require.NoError(t, err)
	assert.Equal(t, "new", string(content))
	assert.Equal(t, digest.FromString("new"), got.Digest)
}

func TestWatcher_Drain(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWatcher(dir, nil)
	require.NoError(t, err)
	defer w.Close()

	writeFile(t, dir, "a.txt", "1")

	require.Eventually(t, func() bool {
		w.mu.Lock()
		defer w.mu.Unlock()
		_, ok := w.dirty["a.txt"]
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	got := w.Drain()
	assert.Contains(t, got, "a.txt")
	assert.Empty(t, w.Drain())
}
