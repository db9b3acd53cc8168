// internal/commitlog/log.go
package commitlog

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/opencontainers/go-digest"

	"tabasco/internal/diff"
	terrors "tabasco/internal/errors"
	"tabasco/internal/safe"
	"tabasco/internal/storage"
)

const (
	headPrefix    = "head:"
	rootPrefix    = "root:"
	pendingPrefix = "pending:"
)

// Pending operation kinds.
const (
	OpRemove = "rm"
)

// Log is the per-directory commit chain store. Every write also adjusts
// blob reference counts in the same transaction.
type Log struct {
	store *storage.BadgerStore
	db    *badger.DB
	safe  *safe.Safe
}

func New(db *badger.DB, s *safe.Safe) *Log {
	return &Log{
		store: storage.NewBadgerStore(db, "commit"),
		db:    db,
		safe:  s,
	}
}

// Append links a new commit after the directory's head. Bodies for blobs
// the store has not seen must be passed as staged; known blobs are
// retained.
func (l *Log) Append(ctx context.Context, directoryID string, d diff.Diff, ts time.Time, staged ...safe.Staged) (*Commit, error) {
	if directoryID == "" {
		return nil, fmt.Errorf("directory id is required")
	}

	bodies := make(map[digest.Digest]safe.Staged, len(staged))
	for _, st := range staged {
		bodies[st.Digest] = st
	}

	var c *Commit
	err := l.safe.Update(ctx, func(tx *safe.Tx) error {
		txn := tx.Txn()

		parentID, err := getPointer(txn, headPrefix+directoryID)
		if err != nil {
			return err
		}

		id, err := computeID(parentID, d, ts)
		if err != nil {
			return err
		}
		c = &Commit{
			ID:          id,
			DirectoryID: directoryID,
			ParentID:    parentID,
			Diff:        d,
			Timestamp:   ts,
		}

		if parentID != "" {
			parent, err := l.getTxn(txn, parentID)
			if err != nil {
				return err
			}
			parent.ChildID = id
			if err := l.store.PutTxn(txn, parent); err != nil {
				return err
			}
		} else if err := txn.Set([]byte(rootPrefix+directoryID), []byte(id)); err != nil {
			return err
		}

		if err := l.store.CreateTxn(txn, c); err != nil {
			return err
		}
		if err := txn.Set([]byte(headPrefix+directoryID), []byte(id)); err != nil {
			return err
		}

		for dg, n := range diff.References(d) {
			for i := 0; i < n; i++ {
				if st, ok := bodies[dg]; ok {
					err = tx.Add(st)
				} else {
					err = tx.Retain(dg)
				}
				if err != nil {
					return fmt.Errorf("referencing blob %s: %w", dg, err)
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

// Get returns COMMIT_NOT_FOUND when id is unknown.
func (l *Log) Get(id string) (*Commit, error) {
	var c *Commit
	err := l.db.View(func(txn *badger.Txn) error {
		var err error
		c, err = l.getTxn(txn, id)
		return err
	})
	return c, err
}

func (l *Log) getTxn(txn *badger.Txn, id string) (*Commit, error) {
	c := &Commit{}
	if err := l.store.GetTxn(txn, id, c); err != nil {
		if errors.Is(err, terrors.ErrNotFound) {
			return nil, terrors.CommitNotFound(id)
		}
		return nil, err
	}
	return c, nil
}

// Resolve accepts a full id or a unique prefix of one.
func (l *Log) Resolve(prefix string) (*Commit, error) {
	prefix = strings.ToLower(strings.TrimSpace(prefix))
	if prefix == "" {
		return nil, terrors.CommitNotFound(prefix)
	}

	ids, err := l.store.Keys()
	if err != nil {
		return nil, err
	}

	var match []string
	for _, id := range ids {
		if id == prefix {
			return l.Get(id)
		}
		if strings.HasPrefix(id, prefix) {
			match = append(match, id)
		}
	}

	switch len(match) {
	case 0:
		return nil, terrors.CommitNotFound(prefix)
	case 1:
		return l.Get(match[0])
	default:
		return nil, terrors.Conflict(fmt.Sprintf("commit prefix %s is ambiguous (%d matches)", prefix, len(match)))
	}
}

// Head returns the newest commit of the directory, or nil.
func (l *Log) Head(directoryID string) (*Commit, error) {
	return l.pointed(headPrefix + directoryID)
}

// Root returns the oldest commit of the directory, or nil.
func (l *Log) Root(directoryID string) (*Commit, error) {
	return l.pointed(rootPrefix + directoryID)
}

func (l *Log) pointed(key string) (*Commit, error) {
	var c *Commit
	err := l.db.View(func(txn *badger.Txn) error {
		id, err := getPointer(txn, key)
		if err != nil || id == "" {
			return err
		}
		c, err = l.getTxn(txn, id)
		return err
	})
	return c, err
}

// Chain returns the directory's commits from root to head.
func (l *Log) Chain(directoryID string) ([]*Commit, error) {
	var chain []*Commit
	err := l.db.View(func(txn *badger.Txn) error {
		id, err := getPointer(txn, rootPrefix+directoryID)
		if err != nil {
			return err
		}

		seen := make(map[string]bool)
		for id != "" {
			if seen[id] {
				return terrors.Internal(fmt.Sprintf("commit chain of %s loops at %s", directoryID, id), nil)
			}
			seen[id] = true

			c, err := l.getTxn(txn, id)
			if err != nil {
				return fmt.Errorf("walking chain of %s: %w", directoryID, err)
			}
			chain = append(chain, c)
			id = c.ChildID
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return chain, nil
}

// Directories returns every directory id that has at least one commit.
func (l *Log) Directories() ([]string, error) {
	var dirs []string
	err := l.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(headPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			dirs = append(dirs, strings.TrimPrefix(string(it.Item().Key()), headPrefix))
		}
		return nil
	})
	return dirs, err
}

// List returns the commits of every directory, newest first. Within one
// directory chain order breaks timestamp ties.
func (l *Log) List() ([]*Commit, error) {
	dirs, err := l.Directories()
	if err != nil {
		return nil, err
	}

	var all []*Commit
	for _, dir := range dirs {
		chain, err := l.Chain(dir)
		if err != nil {
			return nil, err
		}
		for i := len(chain) - 1; i >= 0; i-- {
			all = append(all, chain[i])
		}
	}

	sort.SliceStable(all, func(i, j int) bool {
		return all[i].Timestamp.After(all[j].Timestamp)
	})
	return all, nil
}

// Excise removes c from its chain in one transaction. When c has a child,
// the child is re-parented onto c's parent and its diff replaced by
// childDiff, keeping its id. Blob references move accordingly: childDiff's
// are taken before c's and the child's old ones are dropped, so shared
// blobs never reach zero in between.
func (l *Log) Excise(ctx context.Context, c *Commit, childDiff *diff.Diff) (released []digest.Digest, err error) {
	err = l.safe.Update(ctx, func(tx *safe.Tx) error {
		txn := tx.Txn()
		released = nil

		cur, err := l.getTxn(txn, c.ID)
		if err != nil {
			return err
		}
		if cur.ParentID != c.ParentID || cur.ChildID != c.ChildID {
			return terrors.Conflict(fmt.Sprintf("commit %s was relinked concurrently", c.ID))
		}

		if cur.ChildID != "" {
			if childDiff == nil {
				return terrors.Internal("child diff required to excise a non-head commit", nil)
			}
			child, err := l.getTxn(txn, cur.ChildID)
			if err != nil {
				return err
			}

			if err := retainAll(tx, diff.References(*childDiff)); err != nil {
				return err
			}
			rel, err := releaseAll(tx, diff.References(child.Diff))
			if err != nil {
				return err
			}
			released = append(released, rel...)

			child.ParentID = cur.ParentID
			child.Diff = *childDiff
			child.Corrupt = false
			if err := l.store.PutTxn(txn, child); err != nil {
				return err
			}
		}

		rel, err := releaseAll(tx, diff.References(cur.Diff))
		if err != nil {
			return err
		}
		released = append(released, rel...)

		if cur.ParentID != "" {
			parent, err := l.getTxn(txn, cur.ParentID)
			if err != nil {
				return err
			}
			parent.ChildID = cur.ChildID
			if err := l.store.PutTxn(txn, parent); err != nil {
				return err
			}
		} else if err := setPointer(txn, rootPrefix+cur.DirectoryID, cur.ChildID); err != nil {
			return err
		}

		if cur.ChildID == "" {
			if err := setPointer(txn, headPrefix+cur.DirectoryID, cur.ParentID); err != nil {
				return err
			}
		}

		if err := l.store.DeleteTxn(txn, cur.ID); err != nil {
			return err
		}
		return clearPendingTxn(txn, OpRemove, cur.ID)
	})
	return released, err
}

// MarkCorrupt flags a commit whose diff no longer applies.
func (l *Log) MarkCorrupt(id string) error {
	return storage.Update(context.Background(), l.db, func(txn *badger.Txn) error {
		c, err := l.getTxn(txn, id)
		if err != nil {
			return err
		}
		if c.Corrupt {
			return nil
		}
		c.Corrupt = true
		return l.store.PutTxn(txn, c)
	})
}

// MarkPending records an operation that must be re-run if the process
// dies before it commits.
func (l *Log) MarkPending(op, id string) error {
	return storage.Update(context.Background(), l.db, func(txn *badger.Txn) error {
		return txn.Set([]byte(pendingPrefix+op+":"+id), []byte(time.Now().UTC().Format(time.RFC3339Nano)))
	})
}

// ClearPending drops a marker without running the operation.
func (l *Log) ClearPending(op, id string) error {
	return storage.Update(context.Background(), l.db, func(txn *badger.Txn) error {
		return clearPendingTxn(txn, op, id)
	})
}

// Pending lists the ids with an outstanding marker for op.
func (l *Log) Pending(op string) ([]string, error) {
	prefix := pendingPrefix + op + ":"
	var ids []string
	err := l.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(prefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			ids = append(ids, strings.TrimPrefix(string(it.Item().Key()), prefix))
		}
		return nil
	})
	return ids, err
}

func clearPendingTxn(txn *badger.Txn, op, id string) error {
	return txn.Delete([]byte(pendingPrefix + op + ":" + id))
}

func retainAll(tx *safe.Tx, refs map[digest.Digest]int) error {
	for dg, n := range refs {
		for i := 0; i < n; i++ {
			if err := tx.Retain(dg); err != nil {
				return fmt.Errorf("retaining blob %s: %w", dg, err)
			}
		}
	}
	return nil
}

func releaseAll(tx *safe.Tx, refs map[digest.Digest]int) ([]digest.Digest, error) {
	var out []digest.Digest
	for dg, n := range refs {
		for i := 0; i < n; i++ {
			if err := tx.Release(dg); err != nil {
				return nil, fmt.Errorf("releasing blob %s: %w", dg, err)
			}
		}
		out = append(out, dg)
	}
	return out, nil
}

func getPointer(txn *badger.Txn, key string) (string, error) {
	item, err := txn.Get([]byte(key))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	val, err := item.ValueCopy(nil)
	if err != nil {
		return "", err
	}
	return string(val), nil
}

// setPointer deletes the key when id is empty.
func setPointer(txn *badger.Txn, key, id string) error {
	if id == "" {
		return txn.Delete([]byte(key))
	}
	return txn.Set([]byte(key), []byte(id))
}
