// internal/tree/tree.go
package tree

import (
	"encoding/binary"
	"fmt"
	"io/fs"
	"sort"
	"time"

	"github.com/opencontainers/go-digest"
	"github.com/zeebo/xxh3"
)

// Entry is one regular file in a snapshot.
type Entry struct {
	Path    string        `json:"path"` // slash separated, relative to the directory
	Digest  digest.Digest `json:"digest"`
	Mode    fs.FileMode   `json:"mode"`
	Size    int64         `json:"size"`
	ModTime time.Time     `json:"mod_time"`
}

// Tree maps relative paths to entries; one directory at one instant.
type Tree map[string]Entry

func New() Tree {
	return make(Tree)
}

// Paths returns the tree's paths in sorted order.
func (t Tree) Paths() []string {
	paths := make([]string, 0, len(t))
	for p := range t {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

func (t Tree) Clone() Tree {
	out := make(Tree, len(t))
	for p, e := range t {
		out[p] = e
	}
	return out
}

// Fingerprint identifies the tree's content: an xxh3-128 digest over the
// sorted (path, digest, mode) triples. Sizes and mtimes are excluded.
func (t Tree) Fingerprint() string {
	h := xxh3.New()
	var mode [4]byte
	for _, p := range t.Paths() {
		e := t[p]
		h.WriteString(p)
		h.Write([]byte{0})
		h.WriteString(e.Digest.String())
		h.Write([]byte{0})
		binary.BigEndian.PutUint32(mode[:], uint32(e.Mode.Perm()))
		h.Write(mode[:])
	}
	return fmt.Sprintf("%x", h.Sum128().Bytes())
}

// Equal compares content the same way Fingerprint does.
func (t Tree) Equal(other Tree) bool {
	if len(t) != len(other) {
		return false
	}
	for p, e := range t {
		o, ok := other[p]
		if !ok || !e.SameContent(o) {
			return false
		}
	}
	return true
}

// Digests returns the distinct blob digests in the tree.
func (t Tree) Digests() []digest.Digest {
	seen := make(map[digest.Digest]struct{}, len(t))
	var out []digest.Digest
	for _, p := range t.Paths() {
		d := t[p].Digest
		if _, ok := seen[d]; ok {
			continue
		}
		seen[d] = struct{}{}
		out = append(out, d)
	}
	return out
}

// SameContent reports whether two entries have the same body and permissions.
func (e Entry) SameContent(o Entry) bool {
	return e.Digest == o.Digest && e.Mode.Perm() == o.Mode.Perm()
}

// SameStat reports whether the cheap metadata matches, i.e. the body can be
// assumed unchanged without reading it.
func (e Entry) SameStat(o Entry) bool {
	return e.Size == o.Size && e.ModTime.Equal(o.ModTime) && e.Mode == o.Mode
}
