// internal/safe/safe.go
package safe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/opencontainers/go-digest"

	terrors "tabasco/internal/errors"
	"tabasco/internal/storage"
)

var (
	ErrContentNotFound = terrors.ErrNotFound
	ErrInvalidHash     = errors.New("invalid content digest")
)

const metaPrefix = "blob:"

// BlobMeta stores metadata about stored content
type BlobMeta struct {
	Digest     digest.Digest `json:"digest"`
	Size       int64         `json:"size"`
	StoredSize int64         `json:"stored_size"`
	RefCount   uint32        `json:"ref_count"`
	Compressed bool          `json:"compressed"`
	CreatedAt  time.Time     `json:"created_at"`
}

// Staged is a body written to disk but not yet referenced. It keeps the
// encoded bytes so Tx.Add can rewrite a body swept in the meantime.
type Staged struct {
	Digest     digest.Digest
	Size       int64
	Compressed bool
	encoded    []byte
}

// Stats summarises the store.
type Stats struct {
	Blobs      int   `json:"blobs"`
	References int64 `json:"references"`
	Size       int64 `json:"size"`
	StoredSize int64 `json:"stored_size"`
}

// Safe provides deduplicated, reference-counted content storage. Bodies
// live on disk; metadata and reference counts live in badger.
type Safe struct {
	root  string                           // Root directory for content files
	db    *badger.DB                       // Metadata database
	cache *lru.Cache[digest.Digest, []byte] // Content cache
	cm    *compressionManager

	// mu serialises every reference-count change across all directories.
	mu sync.Mutex
}

// Options configures Safe behavior
type Options struct {
	Root        string // Root directory path
	CacheSize   int    // Number of items to cache
	Compression CompressionOptions
}

// New creates a new Safe instance
func New(db *badger.DB, opts Options) (*Safe, error) {
	if opts.Root == "" {
		return nil, fmt.Errorf("root directory is required")
	}
	if db == nil {
		return nil, fmt.Errorf("database cannot be nil")
	}

	if err := os.MkdirAll(opts.Root, 0755); err != nil {
		return nil, fmt.Errorf("creating root directory: %w", err)
	}

	if opts.CacheSize <= 0 {
		opts.CacheSize = 1000
	}
	cache, err := lru.New[digest.Digest, []byte](opts.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("creating cache: %w", err)
	}

	if opts.Compression.MinSize == 0 && opts.Compression.Level == 0 {
		opts.Compression = DefaultCompressionOptions()
	}
	cm, err := newCompressionManager(opts.Compression)
	if err != nil {
		return nil, fmt.Errorf("creating compression manager: %w", err)
	}

	return &Safe{
		root:  opts.Root,
		db:    db,
		cache: cache,
		cm:    cm,
	}, nil
}

// Put stores content if absent and adds one reference to it.
func (s *Safe) Put(ctx context.Context, content []byte) (digest.Digest, error) {
	st, err := s.Stage(content)
	if err != nil {
		return "", err
	}
	if err := s.Update(ctx, func(tx *Tx) error {
		return tx.Add(st)
	}); err != nil {
		return "", err
	}
	return st.Digest, nil
}

// Stage writes the body to disk without referencing it. Unreferenced
// bodies are removed by Sweep.
func (s *Safe) Stage(content []byte) (Staged, error) {
	if content == nil {
		content = []byte{}
	}

	d := digest.FromBytes(content)
	encoded, compressed := s.cm.encode(content)
	st := Staged{
		Digest:     d,
		Size:       int64(len(content)),
		Compressed: compressed,
		encoded:    encoded,
	}

	if err := s.writeBody(d, encoded); err != nil {
		return Staged{}, err
	}
	s.cache.Add(d, content)
	return st, nil
}

// Get retrieves content by digest
func (s *Safe) Get(d digest.Digest) ([]byte, error) {
	if err := d.Validate(); err != nil {
		return nil, ErrInvalidHash
	}

	if content, ok := s.cache.Get(d); ok {
		if _, err := s.Meta(d); err != nil {
			return nil, err
		}
		return content, nil
	}

	if _, err := s.Meta(d); err != nil {
		return nil, err
	}

	stored, err := os.ReadFile(s.contentPath(d))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, terrors.NotFound(fmt.Sprintf("blob body missing: %s", d))
		}
		return nil, terrors.IOFailure("reading blob", err)
	}

	content, err := s.cm.decode(stored)
	if err != nil {
		return nil, terrors.IOFailure(fmt.Sprintf("decoding blob %s", d), err)
	}

	if digest.FromBytes(content) != d {
		return nil, terrors.IOFailure(fmt.Sprintf("blob %s failed verification", d), nil)
	}

	s.cache.Add(d, content)
	return content, nil
}

// Retain adds a reference to an existing blob.
func (s *Safe) Retain(ctx context.Context, d digest.Digest) error {
	return s.Update(ctx, func(tx *Tx) error {
		return tx.Retain(d)
	})
}

// Release drops a reference and deletes the blob when none remain.
func (s *Safe) Release(ctx context.Context, d digest.Digest) error {
	return s.Update(ctx, func(tx *Tx) error {
		return tx.Release(d)
	})
}

// Exists checks if content exists
func (s *Safe) Exists(d digest.Digest) (bool, error) {
	_, err := s.Meta(d)
	if err != nil {
		if errors.Is(err, terrors.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// RefCount returns the current reference count, 0 when absent.
func (s *Safe) RefCount(d digest.Digest) (uint32, error) {
	meta, err := s.Meta(d)
	if err != nil {
		if errors.Is(err, terrors.ErrNotFound) {
			return 0, nil
		}
		return 0, err
	}
	return meta.RefCount, nil
}

func (s *Safe) Meta(d digest.Digest) (BlobMeta, error) {
	var meta BlobMeta
	err := s.db.View(func(txn *badger.Txn) error {
		m, err := getMeta(txn, d)
		meta = m
		return err
	})
	return meta, err
}

// Tx is a badger transaction that may change reference counts. Other
// stores write through Txn() so their records commit atomically with
// the counts.
type Tx struct {
	s    *Safe
	txn  *badger.Txn
	dead []digest.Digest
}

func (tx *Tx) Txn() *badger.Txn {
	return tx.txn
}

// Add references a staged body, creating its metadata on first use.
func (tx *Tx) Add(st Staged) error {
	meta, err := getMeta(tx.txn, st.Digest)
	switch {
	case err == nil:
		meta.RefCount++
	case errors.Is(err, terrors.ErrNotFound):
		meta = BlobMeta{
			Digest:     st.Digest,
			Size:       st.Size,
			StoredSize: int64(len(st.encoded)),
			RefCount:   1,
			Compressed: st.Compressed,
			CreatedAt:  time.Now(),
		}
		// A concurrent sweep may have removed the unreferenced body.
		if _, statErr := os.Stat(tx.s.contentPath(st.Digest)); os.IsNotExist(statErr) {
			if err := tx.s.writeBody(st.Digest, st.encoded); err != nil {
				return err
			}
		}
	default:
		return err
	}
	tx.forget(st.Digest)
	return putMeta(tx.txn, meta)
}

// Retain increments an existing blob's count.
func (tx *Tx) Retain(d digest.Digest) error {
	meta, err := getMeta(tx.txn, d)
	if err != nil {
		return err
	}
	meta.RefCount++
	tx.forget(d)
	return putMeta(tx.txn, meta)
}

// Release decrements a blob's count, scheduling deletion at zero.
func (tx *Tx) Release(d digest.Digest) error {
	meta, err := getMeta(tx.txn, d)
	if err != nil {
		return err
	}

	if meta.RefCount <= 1 {
		tx.dead = append(tx.dead, d)
		return tx.txn.Delete([]byte(metaPrefix + d.String()))
	}
	meta.RefCount--
	return putMeta(tx.txn, meta)
}

// forget un-schedules a deletion when a later step re-references d.
func (tx *Tx) forget(d digest.Digest) {
	for i, dd := range tx.dead {
		if dd == d {
			tx.dead = append(tx.dead[:i], tx.dead[i+1:]...)
			return
		}
	}
}

// Update runs fn in one transaction under the global refcount lock.
// Bodies whose count reached zero are deleted after the commit succeeds.
func (s *Safe) Update(ctx context.Context, fn func(tx *Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var dead []digest.Digest
	err := storage.Update(ctx, s.db, func(txn *badger.Txn) error {
		tx := &Tx{s: s, txn: txn}
		if err := fn(tx); err != nil {
			return err
		}
		dead = tx.dead
		return nil
	})
	if err != nil {
		return err
	}

	// A body that fails to delete here is left for Sweep; its metadata is
	// already gone.
	for _, d := range dead {
		s.cache.Remove(d)
		_ = os.Remove(s.contentPath(d))
	}
	return nil
}

// Sweep removes bodies without metadata and leftover temp files. It
// returns the number of files removed.
func (s *Safe) Sweep(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	err := filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() {
			return nil
		}

		if strings.HasPrefix(d.Name(), "tmp-") {
			if err := os.Remove(path); err == nil {
				removed++
			}
			return nil
		}

		dg, ok := s.digestFromPath(path)
		if !ok {
			return nil
		}
		if _, err := s.Meta(dg); errors.Is(err, terrors.ErrNotFound) {
			if err := os.Remove(path); err == nil {
				removed++
				s.cache.Remove(dg)
			}
		}
		return nil
	})
	if err != nil {
		return removed, fmt.Errorf("sweeping blobs: %w", err)
	}
	return removed, nil
}

// Stats walks all blob metadata.
func (s *Safe) Stats() (Stats, error) {
	var st Stats
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(metaPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			var meta BlobMeta
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &meta)
			}); err != nil {
				return err
			}
			st.Blobs++
			st.References += int64(meta.RefCount)
			st.Size += meta.Size
			st.StoredSize += meta.StoredSize
		}
		return nil
	})
	return st, err
}

// Internal helper functions

func (s *Safe) contentPath(d digest.Digest) string {
	hex := d.Encoded()
	return filepath.Join(s.root, d.Algorithm().String(), hex[:2], hex[2:])
}

func (s *Safe) digestFromPath(path string) (digest.Digest, bool) {
	rel, err := filepath.Rel(s.root, path)
	if err != nil {
		return "", false
	}
	parts := strings.Split(filepath.ToSlash(rel), "/")
	if len(parts) != 3 {
		return "", false
	}
	d := digest.NewDigestFromEncoded(digest.Algorithm(parts[0]), parts[1]+parts[2])
	if d.Validate() != nil {
		return "", false
	}
	return d, true
}

// writeBody writes atomically via temp file + rename; existing bodies are
// left alone since the path is content addressed.
func (s *Safe) writeBody(d digest.Digest, encoded []byte) error {
	path := s.contentPath(d)
	if _, err := os.Stat(path); err == nil {
		return nil
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return terrors.IOFailure("creating content directory", err)
	}

	tmp, err := os.CreateTemp(dir, "tmp-*")
	if err != nil {
		return terrors.IOFailure("creating temp blob", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(encoded); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return terrors.IOFailure("writing temp blob", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return terrors.IOFailure("syncing temp blob", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return terrors.IOFailure("closing temp blob", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return terrors.IOFailure("renaming blob", err)
	}
	return nil
}

func putMeta(txn *badger.Txn, meta BlobMeta) error {
	data, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	return txn.Set([]byte(metaPrefix+meta.Digest.String()), data)
}

func getMeta(txn *badger.Txn, d digest.Digest) (BlobMeta, error) {
	var meta BlobMeta

	item, err := txn.Get([]byte(metaPrefix + d.String()))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return meta, terrors.NotFound(fmt.Sprintf("blob not found: %s", d))
	}
	if err != nil {
		return meta, err
	}

	err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, &meta)
	})
	return meta, err
}
