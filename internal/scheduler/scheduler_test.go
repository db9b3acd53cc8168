package scheduler

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tabasco/internal/commitlog"
	"tabasco/internal/engine"
	terrors "tabasco/internal/errors"
	"tabasco/internal/monitor"
	monitorstore "tabasco/internal/monitor/storage"
	"tabasco/internal/safe"
	"tabasco/internal/storage"
	"tabasco/internal/tree"
)

// fakeSnapshotter records calls and flags overlapping ticks of one
// directory.
type fakeSnapshotter struct {
	mu       sync.Mutex
	calls    map[string]int
	inflight map[string]int
	overlap  bool

	delay   time.Duration
	err     error
	block   chan struct{}
	entered chan string
}

func newFake() *fakeSnapshotter {
	return &fakeSnapshotter{
		calls:    make(map[string]int),
		inflight: make(map[string]int),
	}
}

func (f *fakeSnapshotter) Snapshot(ctx context.Context, m *monitor.Monitor) (*commitlog.Commit, error) {
	f.mu.Lock()
	f.inflight[m.ID]++
	if f.inflight[m.ID] > 1 {
		f.overlap = true
	}
	f.mu.Unlock()

	if f.entered != nil {
		select {
		case f.entered <- m.ID:
		default:
		}
	}
	if f.block != nil {
		<-f.block
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}

	f.mu.Lock()
	f.inflight[m.ID]--
	f.calls[m.ID]++
	f.mu.Unlock()
	return nil, f.err
}

func (f *fakeSnapshotter) count(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[id]
}

func (f *fakeSnapshotter) overlapped() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.overlap
}

func setupTestDB(t *testing.T) *badger.DB {
	db, err := storage.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func createMonitor(t *testing.T, box monitor.Box, path string, freq time.Duration) *monitor.Monitor {
	m := &monitor.Monitor{Path: path, Frequency: freq, Enabled: true}
	require.NoError(t, box.Create(m))
	return m
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "idle", Idle.String())
	assert.Equal(t, "ticking", Ticking.String())
	assert.Equal(t, "committing", Committing.String())
}

func TestScheduler_AddBeforeStart(t *testing.T) {
	box := monitorstore.NewStore(setupTestDB(t))
	s := New(newFake(), box, nil, time.Second)

	err := s.Add(&monitor.Monitor{ID: "x", Path: "/x"})
	assert.ErrorIs(t, err, ErrNotStarted)
}

func TestScheduler_DefaultFrequency(t *testing.T) {
	s := New(newFake(), nil, nil, 0)
	assert.Equal(t, 5*time.Second, s.Frequency())

	s.SetFrequency(time.Second)
	assert.Equal(t, time.Second, s.Frequency())
}

func TestScheduler_IndependentFrequencies(t *testing.T) {
	box := monitorstore.NewStore(setupTestDB(t))
	fast := createMonitor(t, box, "/fast", 10*time.Millisecond)
	slow := createMonitor(t, box, "/slow", 80*time.Millisecond)

	f := newFake()
	s := New(f, box, nil, time.Hour)
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	require.Eventually(t, func() bool {
		return f.count(slow.ID) >= 2
	}, 5*time.Second, 5*time.Millisecond)

	assert.Greater(t, f.count(fast.ID), f.count(slow.ID))
	assert.False(t, f.overlapped())
}

func TestScheduler_TicksNeverOverlap(t *testing.T) {
	box := monitorstore.NewStore(setupTestDB(t))
	m := createMonitor(t, box, "/busy", time.Millisecond)

	// Each tick takes far longer than the period.
	f := newFake()
	f.delay = 20 * time.Millisecond

	s := New(f, box, nil, time.Hour)
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	require.Eventually(t, func() bool {
		return f.count(m.ID) >= 5
	}, 5*time.Second, 5*time.Millisecond)
	assert.False(t, f.overlapped())
}

func TestScheduler_StopDrainsInFlightTick(t *testing.T) {
	box := monitorstore.NewStore(setupTestDB(t))
	m := createMonitor(t, box, "/slow", time.Millisecond)

	f := newFake()
	f.block = make(chan struct{})
	f.entered = make(chan string, 1)

	s := New(f, box, nil, time.Hour)
	require.NoError(t, s.Start(context.Background()))

	<-f.entered
	state, ok := s.State(m.ID)
	require.True(t, ok)
	assert.Equal(t, Ticking, state)

	stopped := make(chan struct{})
	go func() {
		s.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
		t.Fatal("Stop returned before the in-flight tick finished")
	case <-time.After(50 * time.Millisecond):
	}

	close(f.block)
	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop did not return")
	}

	assert.Equal(t, 1, f.count(m.ID))
	_, ok = s.State(m.ID)
	assert.False(t, ok)

	assert.ErrorIs(t, s.Add(m), ErrNotStarted)
}

func TestScheduler_SkipsDisabledMonitor(t *testing.T) {
	box := monitorstore.NewStore(setupTestDB(t))
	m := createMonitor(t, box, "/dir", 5*time.Millisecond)

	f := newFake()
	s := New(f, box, nil, time.Hour)
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	require.Eventually(t, func() bool { return f.count(m.ID) >= 1 }, 5*time.Second, 5*time.Millisecond)

	m.Enabled = false
	require.NoError(t, box.Update(m))

	// Let any tick that loaded the monitor before the update finish.
	ticks := s.Ticks(m.ID)
	require.Eventually(t, func() bool { return s.Ticks(m.ID) >= ticks+2 }, 5*time.Second, 5*time.Millisecond)
	calls := f.count(m.ID)

	require.Eventually(t, func() bool { return s.Ticks(m.ID) >= ticks+6 }, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, calls, f.count(m.ID))
}

func TestScheduler_IOFailureSkipsTick(t *testing.T) {
	box := monitorstore.NewStore(setupTestDB(t))
	m := createMonitor(t, box, "/gone", 5*time.Millisecond)

	f := newFake()
	f.err = terrors.IOFailure("directory unavailable", os.ErrNotExist)

	s := New(f, box, nil, time.Hour)
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	require.Eventually(t, func() bool { return f.count(m.ID) >= 3 }, 5*time.Second, 5*time.Millisecond)
}

func TestScheduler_Remove(t *testing.T) {
	box := monitorstore.NewStore(setupTestDB(t))
	m := createMonitor(t, box, "/dir", 5*time.Millisecond)

	f := newFake()
	s := New(f, box, nil, time.Hour)
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	require.Eventually(t, func() bool { return f.count(m.ID) >= 1 }, 5*time.Second, 5*time.Millisecond)

	s.Remove(m.ID)
	_, ok := s.State(m.ID)
	assert.False(t, ok)

	calls := f.count(m.ID)
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, calls, f.count(m.ID))

	// Removing twice is harmless; adding again resumes ticking.
	s.Remove(m.ID)
	require.NoError(t, s.Add(m))
	require.Eventually(t, func() bool { return f.count(m.ID) > calls }, 5*time.Second, 5*time.Millisecond)
}

// Two directories at different frequencies, ticking through a real engine.
func TestScheduler_TwoDirectoriesInterleave(t *testing.T) {
	db := setupTestDB(t)
	s, err := safe.New(db, safe.Options{Root: filepath.Join(t.TempDir(), "blobs")})
	require.NoError(t, err)
	log := commitlog.New(db, s)
	box := monitorstore.NewStore(db)

	e, err := engine.New(log, s, box, nil, engine.Options{Tree: tree.Options{Gitignore: true}})
	require.NoError(t, err)
	defer e.Close()

	ctx := context.Background()
	dirA, dirB := t.TempDir(), t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dirA, "a.txt"), []byte("a1"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dirB, "b.txt"), []byte("b1"), 0644))

	ma, err := e.Monitor(ctx, dirA, 100*time.Millisecond)
	require.NoError(t, err)
	mb, err := e.Monitor(ctx, dirB, 250*time.Millisecond)
	require.NoError(t, err)

	sched := New(e, box, nil, time.Hour)
	require.NoError(t, sched.Start(ctx))
	defer sched.Stop()

	chainLen := func(m *monitor.Monitor) int {
		chain, err := log.Chain(m.ID)
		require.NoError(t, err)
		return len(chain)
	}

	require.Eventually(t, func() bool {
		return chainLen(ma) == 1 && chainLen(mb) == 1
	}, 10*time.Second, 20*time.Millisecond)

	require.NoError(t, os.WriteFile(filepath.Join(dirA, "a.txt"), []byte("a2"), 0644))
	require.Eventually(t, func() bool { return chainLen(ma) == 2 }, 10*time.Second, 20*time.Millisecond)

	// Several of b's ticks pass without changes.
	ticks := sched.Ticks(mb.ID)
	require.Eventually(t, func() bool { return sched.Ticks(mb.ID) >= ticks+2 }, 10*time.Second, 20*time.Millisecond)
	assert.Equal(t, 1, chainLen(mb))

	// Neither chain sees the other directory's files.
	owned := map[string]string{ma.ID: "a.txt", mb.ID: "b.txt"}
	for id, path := range owned {
		chain, err := log.Chain(id)
		require.NoError(t, err)
		for _, c := range chain {
			assert.Equal(t, id, c.DirectoryID)
			for _, entry := range c.Diff.Added {
				assert.Equal(t, path, entry.Path)
			}
			for _, mod := range c.Diff.Modified {
				assert.Equal(t, path, mod.Path)
			}
		}
	}
}
