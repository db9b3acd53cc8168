// internal/tree/watch.go
package tree

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watcher collects paths touched under a directory between builds. It
// only ever adds work for the Builder: a quiet watcher does not mean an
// unchanged tree, since events can be dropped or coalesced.
type Watcher struct {
	root    string
	watcher *fsnotify.Watcher
	logger  *zap.Logger

	mu    sync.Mutex
	dirty map[string]struct{}
	done  chan struct{}
}

// NewWatcher watches root recursively.
func NewWatcher(root string, logger *zap.Logger) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating file watcher: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	w := &Watcher{
		root:    root,
		watcher: fw,
		logger:  logger,
		dirty:   make(map[string]struct{}),
		done:    make(chan struct{}),
	}

	if err := w.addTree(root); err != nil {
		fw.Close()
		return nil, err
	}

	go w.watchLoop()
	return w, nil
}

func (w *Watcher) addTree(dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if path != w.root && (d.Name() == ".git" || d.Name() == MetaDir) {
			return filepath.SkipDir
		}
		if err := w.watcher.Add(path); err != nil {
			return fmt.Errorf("adding directory to watcher: %w", err)
		}
		return nil
	})
}

// watchLoop processes filesystem events
func (w *Watcher) watchLoop() {
	defer close(w.done)
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("watcher error", zap.String("dir", w.root), zap.Error(err))
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	rel, err := filepath.Rel(w.root, event.Name)
	if err != nil || rel == "." {
		return
	}

	if event.Has(fsnotify.Create) {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if err := w.addTree(event.Name); err != nil {
				w.logger.Warn("watching new directory", zap.String("path", event.Name), zap.Error(err))
			}
		}
	}

	w.mu.Lock()
	w.dirty[filepath.ToSlash(rel)] = struct{}{}
	w.mu.Unlock()
}

// Drain returns the paths touched since the previous Drain and resets
// the set.
func (w *Watcher) Drain() map[string]struct{} {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := w.dirty
	w.dirty = make(map[string]struct{})
	return out
}

// Close stops watching.
func (w *Watcher) Close() error {
	err := w.watcher.Close()
	<-w.done
	return err
}
