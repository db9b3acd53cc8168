// internal/engine/engine.go
package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"tabasco/internal/commitlog"
	"tabasco/internal/diff"
	terrors "tabasco/internal/errors"
	"tabasco/internal/logging"
	"tabasco/internal/monitor"
	"tabasco/internal/safe"
	"tabasco/internal/tree"
	"tabasco/internal/validation"
)

// Options configures an Engine.
type Options struct {
	Tree tree.Options

	// CheckpointCacheSize bounds the reconstructed trees kept in memory.
	CheckpointCacheSize int

	// Watch enables fsnotify change hints for monitored directories.
	Watch bool

	// PatchContext is the number of context lines in log patches.
	PatchContext int

	Now func() time.Time
}

// Engine owns every mutation of monitored directories' history: ticks,
// apply, rm and crash recovery. Mutations of one directory are serialised
// by that directory's lock.
type Engine struct {
	log      *commitlog.Log
	safe     *safe.Safe
	monitors monitor.Box
	builder  *tree.Builder
	lines    *diff.Engine
	logger   *logging.Logger
	opts     Options

	checkpoints *lru.Cache[string, tree.Tree]

	mu    sync.Mutex
	locks map[string]*sync.Mutex
	dirs  map[string]*dirState
}

// dirState is what a directory's last tick observed.
type dirState struct {
	last    tree.Tree // stat data for the pre-filter; not a commit tree
	watcher *tree.Watcher
}

func New(log *commitlog.Log, s *safe.Safe, monitors monitor.Box, logger *logging.Logger, opts Options) (*Engine, error) {
	if log == nil || s == nil || monitors == nil {
		return nil, fmt.Errorf("log, safe and monitor store are required")
	}
	if logger == nil {
		logger = logging.Nop()
	}
	if opts.CheckpointCacheSize <= 0 {
		opts.CheckpointCacheSize = 64
	}
	if opts.PatchContext <= 0 {
		opts.PatchContext = 3
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	checkpoints, err := lru.New[string, tree.Tree](opts.CheckpointCacheSize)
	if err != nil {
		return nil, fmt.Errorf("creating checkpoint cache: %w", err)
	}

	return &Engine{
		log:         log,
		safe:        s,
		monitors:    monitors,
		builder:     tree.NewBuilder(opts.Tree, logger.Logger),
		lines:       diff.NewEngine(opts.PatchContext),
		logger:      logger,
		opts:        opts,
		checkpoints: checkpoints,
		locks:       make(map[string]*sync.Mutex),
		dirs:        make(map[string]*dirState),
	}, nil
}

// lock acquires the directory lock and returns its release.
func (e *Engine) lock(dirID string) func() {
	e.mu.Lock()
	l, ok := e.locks[dirID]
	if !ok {
		l = &sync.Mutex{}
		e.locks[dirID] = l
	}
	e.mu.Unlock()

	l.Lock()
	return l.Unlock
}

// state must be called with the directory lock held.
func (e *Engine) state(m *monitor.Monitor) *dirState {
	e.mu.Lock()
	defer e.mu.Unlock()

	st, ok := e.dirs[m.ID]
	if ok {
		return st
	}
	st = &dirState{}
	if e.opts.Watch {
		w, err := tree.NewWatcher(m.Path, e.logger.ForDirectory(m.Path))
		if err != nil {
			// Hints are optional; the metadata pre-filter still applies.
			e.logger.ForDirectory(m.Path).Warn("file watcher unavailable", zap.Error(err))
		} else {
			st.watcher = w
		}
	}
	e.dirs[m.ID] = st
	return st
}

func (e *Engine) dropState(dirID string) {
	e.mu.Lock()
	st, ok := e.dirs[dirID]
	delete(e.dirs, dirID)
	e.mu.Unlock()

	if ok && st.watcher != nil {
		st.watcher.Close()
	}
}

// Monitor creates or re-enables the monitor for path. The directory's
// current state becomes the pre-filter baseline; no commit is created.
// A zero frequency keeps the existing override (or the daemon default).
func (e *Engine) Monitor(ctx context.Context, path string, frequency time.Duration) (*monitor.Monitor, error) {
	abs, err := validation.Directory(path)
	if err != nil {
		return nil, err
	}
	if err := validation.Frequency(frequency); err != nil {
		return nil, err
	}

	m, err := e.monitors.GetByPath(abs)
	switch {
	case err == nil:
		m.Enabled = true
		if frequency > 0 {
			m.Frequency = frequency
		}
		if err := e.monitors.Update(m); err != nil {
			return nil, err
		}
	case errors.Is(err, terrors.ErrNotMonitored):
		m = &monitor.Monitor{Path: abs, Frequency: frequency, Enabled: true}
		if err := e.monitors.Create(m); err != nil {
			return nil, err
		}
	default:
		return nil, err
	}

	unlock := e.lock(m.ID)
	defer unlock()

	st := e.state(m)
	baseline, err := e.builder.Build(ctx, m.Path, st.last)
	if err != nil {
		return nil, err
	}
	st.last = baseline

	e.logger.ForDirectory(m.Path).Info("monitoring directory",
		zap.String("monitor", m.ID),
		zap.Int("files", len(baseline)))
	return m, nil
}

// Unmonitor disables the monitor for path. History is kept.
func (e *Engine) Unmonitor(ctx context.Context, path string) (*monitor.Monitor, error) {
	abs, err := validation.Directory(path)
	if err != nil {
		// The directory may be gone; its monitor can still be disabled.
		abs = validation.ResolvePath(path)
	}

	m, err := e.monitors.GetByPath(abs)
	if err != nil {
		return nil, err
	}
	if !m.Enabled {
		return nil, terrors.NotMonitored(abs)
	}

	unlock := e.lock(m.ID)
	defer unlock()

	m.Enabled = false
	if err := e.monitors.Update(m); err != nil {
		return nil, err
	}
	e.dropState(m.ID)

	e.logger.ForDirectory(m.Path).Info("stopped monitoring directory", zap.String("monitor", m.ID))
	return m, nil
}

// Snapshot is one scheduler tick: build the directory's tree and commit
// the difference from the chain head, if any. It returns nil when nothing
// changed. A directory without commits is diffed against the empty tree.
func (e *Engine) Snapshot(ctx context.Context, m *monitor.Monitor) (*commitlog.Commit, error) {
	unlock := e.lock(m.ID)
	defer unlock()

	// m may predate an unmonitor that ran while this tick waited.
	m, err := e.monitors.Get(m.ID)
	if err != nil {
		return nil, err
	}
	if !m.Enabled {
		return nil, nil
	}

	if _, err := os.Stat(m.Path); err != nil {
		return nil, terrors.IOFailure(fmt.Sprintf("directory unavailable: %s", m.Path), err)
	}

	st := e.state(m)
	var opts []tree.BuildOption
	if st.watcher != nil {
		opts = append(opts, tree.WithDirty(st.watcher.Drain()))
	}

	cur, err := e.builder.Build(ctx, m.Path, st.last, opts...)
	if err != nil {
		return nil, err
	}

	c, cur, err := e.commitTree(ctx, m, cur)
	if err != nil {
		return nil, err
	}
	st.last = cur
	return c, nil
}

// commitTree appends diff(head, cur) to the directory's chain, reading
// and staging every new body first. Files that changed after cur was
// built are recorded as read; files that vanished are dropped. It returns
// the tree actually committed. Directory lock required.
func (e *Engine) commitTree(ctx context.Context, m *monitor.Monitor, cur tree.Tree) (*commitlog.Commit, tree.Tree, error) {
	logger := e.logger.ForDirectory(m.Path)

	head, headTree, err := e.headTree(m.ID)
	if err != nil {
		return nil, nil, err
	}

	d := diff.Compute(headTree, cur)
	if diff.IsEmpty(d) {
		logger.Debug("no changes")
		return nil, cur, nil
	}
	if m.Settled != "" && cur.Fingerprint() == m.Settled {
		logger.Debug("unchanged since head removal")
		return nil, cur, nil
	}

	cur = cur.Clone()
	var staged []safe.Staged
	stage := func(entry tree.Entry) error {
		content, observed, err := tree.ReadFile(m.Path, entry)
		if err != nil {
			if os.IsNotExist(err) {
				delete(cur, entry.Path)
				return nil
			}
			return terrors.IOFailure(fmt.Sprintf("reading %s", entry.Path), err)
		}
		st, err := e.safe.Stage(content)
		if err != nil {
			return err
		}
		cur[entry.Path] = observed
		staged = append(staged, st)
		return nil
	}

	for _, entry := range d.Added {
		if err := stage(entry); err != nil {
			return nil, nil, err
		}
	}
	for _, mod := range d.Modified {
		if err := stage(mod.New); err != nil {
			return nil, nil, err
		}
	}

	d = diff.Compute(headTree, cur)
	if diff.IsEmpty(d) {
		return nil, cur, nil
	}

	if fn, ok := ctx.Value(commitNotifyKey{}).(func()); ok {
		fn()
	}
	c, err := e.log.Append(ctx, m.ID, d, e.opts.Now(), staged...)
	if err != nil {
		return nil, nil, err
	}
	e.checkpoints.Add(c.ID, cur.Clone())
	e.settle(m, "")

	parent := ""
	if head != nil {
		parent = head.ID
	}
	logger.Info("committed",
		zap.String("commit", c.ID),
		zap.String("parent", parent),
		zap.Int("added", len(d.Added)),
		zap.Int("modified", len(d.Modified)),
		zap.Int("removed", len(d.Removed)))
	return c, cur, nil
}

// settle records fp as the monitor's settled state. Failures are logged;
// at worst a removed head is proposed again.
func (e *Engine) settle(m *monitor.Monitor, fp string) {
	if m.Settled == fp {
		return
	}
	m.Settled = fp
	if err := e.monitors.Update(m); err != nil {
		e.logger.ForDirectory(m.Path).Warn("updating settled state", zap.Error(err))
	}
}

type commitNotifyKey struct{}

// WithCommitNotify returns a context under which fn is called once a tick
// has decided to commit, before the append.
func WithCommitNotify(ctx context.Context, fn func()) context.Context {
	return context.WithValue(ctx, commitNotifyKey{}, fn)
}

// Close releases file watchers.
func (e *Engine) Close() error {
	e.mu.Lock()
	ids := make([]string, 0, len(e.dirs))
	for id := range e.dirs {
		ids = append(ids, id)
	}
	e.mu.Unlock()

	for _, id := range ids {
		e.dropState(id)
	}
	return nil
}
