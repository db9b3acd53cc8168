package daemon

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tabasco/client"
	"tabasco/internal/command"
	"tabasco/internal/commitlog"
	"tabasco/internal/config"
	terrors "tabasco/internal/errors"
	"tabasco/shared/types"
)

func testConfig(t *testing.T) *config.Config {
	cfg := config.Default()
	cfg.Home = t.TempDir()
	cfg.DefaultFrequency = 100 * time.Millisecond
	return cfg
}

// startDaemon runs a daemon until the test ends and returns its client.
func startDaemon(t *testing.T, cfg *config.Config) (*Daemon, *client.Client, <-chan error) {
	d := New(cfg, nil, "test")
	ctx, cancel := context.WithCancel(context.Background())

	errCh := make(chan error, 1)
	done := make(chan struct{})
	go func() {
		defer close(done)
		errCh <- d.Run(ctx)
	}()

	select {
	case <-d.Ready():
	case err := <-errCh:
		cancel()
		t.Fatalf("daemon exited early: %v", err)
	case <-time.After(10 * time.Second):
		cancel()
		t.Fatal("daemon did not become ready")
	}

	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(10 * time.Second):
		}
	})
	return d, client.New(cfg.SocketPath()), errCh
}

func writeFile(t *testing.T, dir, name, content string) {
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0644))
}

func TestDaemon_ServesCommands(t *testing.T) {
	cfg := testConfig(t)
	_, c, errCh := startDaemon(t, cfg)
	ctx := context.Background()

	st, err := c.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), st.PID)
	assert.Equal(t, "test", st.Version)
	assert.Empty(t, st.Monitors)

	dir := t.TempDir()
	writeFile(t, dir, "a.txt", "1")

	ms, err := c.Monitor(ctx, dir, 0)
	require.NoError(t, err)
	assert.True(t, ms.Enabled)
	assert.Equal(t, 100*time.Millisecond, ms.Frequency)

	// The first tick records the root commit.
	require.Eventually(t, func() bool {
		entries, err := c.Log(ctx, command.Log{Directory: dir})
		return err == nil && len(entries) == 1
	}, 10*time.Second, 20*time.Millisecond)

	writeFile(t, dir, "a.txt", "2")
	require.Eventually(t, func() bool {
		entries, err := c.Log(ctx, command.Log{Directory: dir})
		return err == nil && len(entries) == 2
	}, 10*time.Second, 20*time.Millisecond)

	log, err := c.Log(ctx, command.Log{Directory: dir, Patch: true})
	require.NoError(t, err)
	require.Len(t, log, 2)
	root, head := log[1], log[0]
	assert.Equal(t, root.ID, head.ParentID)
	assert.Contains(t, head.Changes[0].Diff, "+ 2")

	res, err := c.Apply(ctx, root.ID[:8])
	require.NoError(t, err)
	assert.Equal(t, root.ID, res.Target)
	assert.NotEmpty(t, res.Forward)
	data, err := os.ReadFile(filepath.Join(dir, "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "1", string(data))

	// Stop ticking before rm so the disk, still at "1", is not recorded
	// again once the forward commit is gone.
	ms, err = c.Unmonitor(ctx, dir)
	require.NoError(t, err)
	assert.False(t, ms.Enabled)
	assert.Equal(t, "disabled", ms.State)

	rm, err := c.Rm(ctx, res.Forward)
	require.NoError(t, err)
	assert.Equal(t, res.Forward, rm.Removed)
	assert.Equal(t, 2, rm.Remaining)

	st, err = c.Status(ctx)
	require.NoError(t, err)
	require.Len(t, st.Monitors, 1)
	assert.Equal(t, 2, st.Monitors[0].Commits)
	assert.Greater(t, st.Blobs.Blobs, 0)

	require.NoError(t, c.Stop(ctx))
	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("daemon did not stop")
	}

	_, err = os.Stat(cfg.PidPath())
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(cfg.SocketPath())
	assert.True(t, os.IsNotExist(err))

	running, _, err := Running(cfg)
	require.NoError(t, err)
	assert.False(t, running)
}

func TestDaemon_TypedErrorsCrossTheSocket(t *testing.T) {
	cfg := testConfig(t)
	_, c, _ := startDaemon(t, cfg)
	ctx := context.Background()

	_, err := c.Apply(ctx, "deadbeef")
	assert.ErrorIs(t, err, terrors.ErrCommitNotFound)
	assert.Equal(t, 2, terrors.ExitCode(err))

	_, err = c.Rm(ctx, "not-an-id")
	assert.ErrorIs(t, err, terrors.ErrCommitNotFound)

	_, err = c.Unmonitor(ctx, t.TempDir())
	assert.ErrorIs(t, err, terrors.ErrNotMonitored)
	assert.Equal(t, 6, terrors.ExitCode(err))

	_, err = c.Monitor(ctx, filepath.Join(t.TempDir(), "missing"), 0)
	assert.ErrorIs(t, err, terrors.ErrInvalidPath)
	assert.Equal(t, 5, terrors.ExitCode(err))
}

func TestDaemon_AlreadyRunning(t *testing.T) {
	cfg := testConfig(t)
	startDaemon(t, cfg)

	running, pid, err := Running(cfg)
	require.NoError(t, err)
	assert.True(t, running)
	assert.Equal(t, os.Getpid(), pid)

	err = New(cfg, nil, "test").Run(context.Background())
	assert.ErrorIs(t, err, terrors.ErrAlreadyRunning)
	assert.Equal(t, 3, terrors.ExitCode(err))
}

func TestDaemon_RecoversPendingRemovalOnStart(t *testing.T) {
	cfg := testConfig(t)
	ctx := context.Background()
	dir := t.TempDir()

	b, err := Open(cfg, nil, false)
	require.NoError(t, err)
	writeFile(t, dir, "a.txt", "1")
	m, err := b.Engine.Monitor(ctx, dir, time.Hour)
	require.NoError(t, err)
	c0, err := b.Engine.Snapshot(ctx, m)
	require.NoError(t, err)
	writeFile(t, dir, "a.txt", "2")
	_, err = b.Engine.Snapshot(ctx, m)
	require.NoError(t, err)

	// As if the process died right after marking the removal.
	require.NoError(t, b.Log.MarkPending(commitlog.OpRemove, c0.ID))
	require.NoError(t, b.Close())

	_, c, _ := startDaemon(t, cfg)
	entries, err := c.Log(ctx, command.Log{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.NotEqual(t, c0.ID, entries[0].ID)
	assert.Empty(t, entries[0].ParentID)
}

func TestClient_NotRunning(t *testing.T) {
	c := client.New(filepath.Join(t.TempDir(), "daemon.sock"))

	_, err := c.Status(context.Background())
	assert.ErrorIs(t, err, terrors.ErrNotRunning)
	assert.Equal(t, 4, terrors.ExitCode(err))

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	assert.Error(t, c.WaitReady(ctx))
}

func TestService_WithoutDaemon(t *testing.T) {
	cfg := testConfig(t)
	b, err := Open(cfg, nil, false)
	require.NoError(t, err)
	defer b.Close()

	svc := NewService(b, "test")
	ctx := context.Background()

	_, err = svc.Handle(ctx, command.Status{})
	assert.ErrorIs(t, err, terrors.ErrNotRunning)
	_, err = svc.Handle(ctx, command.Stop{})
	assert.ErrorIs(t, err, terrors.ErrNotRunning)

	dir := t.TempDir()
	out, err := svc.Handle(ctx, command.Monitor{Path: dir})
	require.NoError(t, err)
	ms := out.(*types.MonitorStatus)
	assert.Equal(t, "stopped", ms.State)
}
