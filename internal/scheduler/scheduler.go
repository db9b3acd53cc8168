// internal/scheduler/scheduler.go
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"tabasco/internal/commitlog"
	"tabasco/internal/engine"
	terrors "tabasco/internal/errors"
	"tabasco/internal/logging"
	"tabasco/internal/monitor"
)

// State is where a directory's timer loop currently is.
type State int32

const (
	Idle State = iota
	Ticking
	Committing
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Ticking:
		return "ticking"
	case Committing:
		return "committing"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Snapshotter takes one tick of a directory. *engine.Engine implements it.
type Snapshotter interface {
	Snapshot(ctx context.Context, m *monitor.Monitor) (*commitlog.Commit, error)
}

var ErrNotStarted = errors.New("scheduler not started")

// Scheduler runs one timer loop per enabled monitor. A directory's next
// timer is armed only after its previous tick returned, so ticks of one
// directory never overlap; ticks of different directories run in parallel.
type Scheduler struct {
	snap     Snapshotter
	monitors monitor.Box
	logger   *logging.Logger

	frequency atomic.Int64

	mu      sync.Mutex
	ctx     context.Context
	tasks   map[string]*task
	wg      sync.WaitGroup
	started bool
	stopped bool
}

type task struct {
	id    string
	state atomic.Int32
	ticks atomic.Int64
	stop  chan struct{}
	done  chan struct{}
}

func (t *task) setState(s State) { t.state.Store(int32(s)) }

func New(snap Snapshotter, monitors monitor.Box, logger *logging.Logger, frequency time.Duration) *Scheduler {
	if logger == nil {
		logger = logging.Nop()
	}
	s := &Scheduler{
		snap:     snap,
		monitors: monitors,
		logger:   logger,
		tasks:    make(map[string]*task),
	}
	s.SetFrequency(frequency)
	return s
}

// Frequency is the period of monitors without their own.
func (s *Scheduler) Frequency() time.Duration {
	return time.Duration(s.frequency.Load())
}

// SetFrequency changes the default period; running loops pick it up when
// they re-arm.
func (s *Scheduler) SetFrequency(d time.Duration) {
	if d <= 0 {
		d = 5 * time.Second
	}
	s.frequency.Store(int64(d))
}

// Start launches a loop for every enabled monitor. Ticks run under a
// context detached from ctx's cancellation; Stop is what ends them.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}
	s.started = true
	s.ctx = context.WithoutCancel(ctx)
	s.mu.Unlock()

	monitors, err := s.monitors.Enabled()
	if err != nil {
		return fmt.Errorf("loading monitors: %w", err)
	}
	for _, m := range monitors {
		if err := s.Add(m); err != nil {
			return err
		}
	}
	s.logger.Info("scheduler started",
		zap.Int("monitors", len(monitors)),
		zap.Duration("frequency", s.Frequency()))
	return nil
}

// Add starts the loop for m. Adding a running monitor is a no-op; its
// frequency is re-read on every tick anyway.
func (s *Scheduler) Add(m *monitor.Monitor) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started || s.stopped {
		return ErrNotStarted
	}
	if _, ok := s.tasks[m.ID]; ok {
		return nil
	}

	t := &task{
		id:   m.ID,
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	s.tasks[m.ID] = t
	s.wg.Add(1)
	go s.run(t, m.Interval(s.Frequency()))

	s.logger.ForDirectory(m.Path).Debug("timer armed", zap.Duration("interval", m.Interval(s.Frequency())))
	return nil
}

// Remove stops the loop of dirID, waiting for an in-flight tick.
func (s *Scheduler) Remove(dirID string) {
	s.mu.Lock()
	t, ok := s.tasks[dirID]
	delete(s.tasks, dirID)
	s.mu.Unlock()

	if !ok {
		return
	}
	close(t.stop)
	<-t.done
}

// Stop halts every timer after letting in-flight ticks finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	tasks := s.tasks
	s.tasks = make(map[string]*task)
	s.mu.Unlock()

	for _, t := range tasks {
		close(t.stop)
	}
	s.wg.Wait()
	s.logger.Info("scheduler stopped", zap.Int("monitors", len(tasks)))
}

// State returns the loop state of dirID; false when no loop runs for it.
func (s *Scheduler) State(dirID string) (State, bool) {
	s.mu.Lock()
	t, ok := s.tasks[dirID]
	s.mu.Unlock()
	if !ok {
		return Idle, false
	}
	return State(t.state.Load()), true
}

// Ticks returns how many ticks dirID's loop has completed.
func (s *Scheduler) Ticks(dirID string) int64 {
	s.mu.Lock()
	t, ok := s.tasks[dirID]
	s.mu.Unlock()
	if !ok {
		return 0
	}
	return t.ticks.Load()
}

func (s *Scheduler) run(t *task, interval time.Duration) {
	defer s.wg.Done()
	defer close(t.done)

	timer := time.NewTimer(interval)
	defer timer.Stop()

	for {
		select {
		case <-t.stop:
			return
		case <-timer.C:
		}

		next := s.tick(t)
		t.ticks.Add(1)

		// A stop that arrived during the tick wins over the next timer.
		select {
		case <-t.stop:
			return
		default:
		}
		timer.Reset(next)
	}
}

// tick runs one Idle -> Ticking -> (Committing | Idle) cycle and returns
// the period until the next one.
func (s *Scheduler) tick(t *task) time.Duration {
	m, err := s.monitors.Get(t.id)
	if err != nil {
		s.logger.Warn("loading monitor for tick", zap.String("monitor", t.id), zap.Error(err))
		return s.Frequency()
	}
	next := m.Interval(s.Frequency())
	if !m.Enabled {
		return next
	}

	logger := s.logger.ForDirectory(m.Path)

	t.setState(Ticking)
	defer t.setState(Idle)

	ctx := engine.WithCommitNotify(s.ctx, func() { t.setState(Committing) })
	c, err := s.snap.Snapshot(ctx, m)
	switch {
	case err == nil:
	case errors.Is(err, terrors.ErrIOFailure), errors.Is(err, terrors.ErrInvalidPath):
		logger.Warn("tick skipped", zap.Error(err))
		return next
	default:
		logger.Error("tick failed", zap.Error(err))
		return next
	}

	if c != nil {
		logger.Debug("tick committed", zap.String("commit", c.ID))
	}
	return next
}
