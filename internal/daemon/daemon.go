// internal/daemon/daemon.go
package daemon

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"go.uber.org/zap"

	"tabasco/internal/config"
	terrors "tabasco/internal/errors"
	"tabasco/internal/logging"
	"tabasco/internal/middleware"
	"tabasco/internal/scheduler"
)

// Daemon is the process-scoped state of a running instance. Run sets it
// up and tears it down; nothing outside reaches into it.
type Daemon struct {
	cfg     *config.Config
	logger  *logging.Logger
	version string

	// Frequency overrides cfg.DefaultFrequency when set.
	Frequency time.Duration

	ready    chan struct{}
	stopCh   chan struct{}
	stopOnce sync.Once
}

func New(cfg *config.Config, logger *logging.Logger, version string) *Daemon {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Daemon{
		cfg:     cfg,
		logger:  logger,
		version: version,
		ready:   make(chan struct{}),
		stopCh:  make(chan struct{}),
	}
}

// Ready is closed once the socket accepts requests.
func (d *Daemon) Ready() <-chan struct{} {
	return d.ready
}

// Stop asks Run to shut down.
func (d *Daemon) Stop() {
	d.stopOnce.Do(func() { close(d.stopCh) })
}

// Run starts the daemon and blocks until ctx is done or a stop is
// requested. Shutdown closes the socket, drains in-flight ticks and
// requests, flushes the store and releases the lock, in that order.
func (d *Daemon) Run(ctx context.Context) error {
	if err := d.cfg.EnsureHome(); err != nil {
		return err
	}

	lock := flock.New(d.cfg.LockPath())
	locked, err := lock.TryLock()
	if err != nil {
		return terrors.IOFailure("acquiring daemon lock", err)
	}
	if !locked {
		pid, _ := ReadPID(d.cfg.PidPath())
		return terrors.AlreadyRunning(pid)
	}
	defer lock.Unlock()

	if err := writePID(d.cfg.PidPath()); err != nil {
		return fmt.Errorf("writing pid file: %w", err)
	}
	defer os.Remove(d.cfg.PidPath())

	backend, err := Open(d.cfg, d.logger, true)
	if err != nil {
		return err
	}
	defer func() {
		if err := backend.Close(); err != nil {
			d.logger.Error("closing store", zap.Error(err))
		}
	}()

	// Interrupted removals are finished before any tick can observe them.
	if err := backend.Engine.Recover(ctx); err != nil {
		return fmt.Errorf("recovering pending operations: %w", err)
	}
	d.verifyHistories(ctx, backend)

	freq := d.Frequency
	if freq <= 0 {
		freq = d.cfg.DefaultFrequency
	}
	sched := scheduler.New(backend.Engine, backend.Monitors, d.logger, freq)
	if err := sched.Start(ctx); err != nil {
		return err
	}
	defer sched.Stop()

	service := NewService(backend, d.version)
	service.sched = sched
	service.stop = d.Stop

	handler := middleware.Chain(
		service.Handle,
		middleware.Validate,
		middleware.Recover(d.logger),
		middleware.Logger(d.logger),
		middleware.RequestID,
	)
	server := NewServer(d.cfg.SocketPath(), handler, d.logger)
	if err := server.Start(); err != nil {
		return err
	}
	defer server.Stop()

	d.logger.Info("daemon started",
		zap.Int("pid", os.Getpid()),
		zap.String("home", d.cfg.Home),
		zap.Duration("frequency", freq),
		zap.String("version", d.version))
	close(d.ready)

	select {
	case <-ctx.Done():
		d.logger.Info("shutting down", zap.Error(context.Cause(ctx)))
	case <-d.stopCh:
		d.logger.Info("stop requested, shutting down")
	}
	return nil
}

// verifyHistories replays every directory's chain once so corrupt commits
// are flagged before anyone reads them. Problems are logged, not fatal.
func (d *Daemon) verifyHistories(ctx context.Context, b *Backend) {
	dirs, err := b.Log.Directories()
	if err != nil {
		d.logger.Warn("listing histories", zap.Error(err))
		return
	}
	for _, dirID := range dirs {
		report, err := b.Engine.Verify(ctx, dirID)
		if err != nil {
			d.logger.Warn("verifying history", zap.String("directory_id", dirID), zap.Error(err))
			continue
		}
		if !report.OK() {
			d.logger.Warn("history damaged",
				zap.String("directory_id", dirID),
				zap.Strings("corrupt", report.Corrupt),
				zap.Int("missing_blobs", len(report.MissingBlobs)))
		}
	}
}
