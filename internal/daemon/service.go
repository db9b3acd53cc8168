package daemon

import (
	"context"
	"fmt"
	"os"
	"time"

	"tabasco/internal/command"
	"tabasco/internal/diff"
	"tabasco/internal/engine"
	terrors "tabasco/internal/errors"
	"tabasco/internal/monitor"
	"tabasco/internal/scheduler"
	"tabasco/shared/types"
)

// Service executes commands against a Backend. The daemon serves it over
// the socket with a scheduler attached; the CLI calls it in-process, with
// no scheduler, when no daemon is running.
type Service struct {
	backend *Backend
	sched   *scheduler.Scheduler

	version   string
	startedAt time.Time
	stop      func()
}

func NewService(b *Backend, version string) *Service {
	return &Service{backend: b, version: version, startedAt: time.Now()}
}

func (s *Service) running() bool {
	return s.sched != nil
}

// Handle dispatches one command.
func (s *Service) Handle(ctx context.Context, cmd command.Command) (any, error) {
	switch c := cmd.(type) {
	case command.Stop:
		if !s.running() {
			return nil, terrors.NotRunning()
		}
		s.stop()
		return nil, nil
	case command.Status:
		if !s.running() {
			return nil, terrors.NotRunning()
		}
		return s.Status()
	case command.Monitor:
		return s.monitor(ctx, c)
	case command.Unmonitor:
		return s.unmonitor(ctx, c)
	case command.Log:
		return s.backend.Engine.Log(ctx, engine.LogOptions{
			Directory: c.Directory,
			Limit:     c.Limit,
			Patch:     c.Patch,
		})
	case command.Apply:
		return s.apply(ctx, c)
	case command.Rm:
		return s.rm(ctx, c)
	default:
		return nil, fmt.Errorf("command %s cannot be sent to the daemon", cmd.Name())
	}
}

func (s *Service) monitor(ctx context.Context, c command.Monitor) (*types.MonitorStatus, error) {
	m, err := s.backend.Engine.Monitor(ctx, c.Path, c.Frequency)
	if err != nil {
		return nil, err
	}
	if s.running() {
		if err := s.sched.Add(m); err != nil {
			return nil, err
		}
	}
	return s.monitorStatus(m)
}

func (s *Service) unmonitor(ctx context.Context, c command.Unmonitor) (*types.MonitorStatus, error) {
	m, err := s.backend.Engine.Unmonitor(ctx, c.Path)
	if err != nil {
		return nil, err
	}
	if s.running() {
		s.sched.Remove(m.ID)
	}
	return s.monitorStatus(m)
}

func (s *Service) apply(ctx context.Context, c command.Apply) (*types.ApplyResult, error) {
	res, err := s.backend.Engine.Apply(ctx, c.CommitID)
	if err != nil {
		return nil, err
	}
	out := &types.ApplyResult{Target: res.Target.ID}
	if res.Snapshot != nil {
		out.Snapshot = res.Snapshot.ID
	}
	if res.Forward != nil {
		out.Forward = res.Forward.ID
		out.Changes = diff.Summary(res.Forward.Diff)
	}
	return out, nil
}

func (s *Service) rm(ctx context.Context, c command.Rm) (*types.RemoveResult, error) {
	target, err := s.backend.Log.Resolve(c.CommitID)
	if err != nil {
		return nil, err
	}
	if err := s.backend.Engine.Remove(ctx, target.ID); err != nil {
		return nil, err
	}
	count, _, err := s.backend.Engine.History(target.DirectoryID)
	if err != nil {
		return nil, err
	}
	return &types.RemoveResult{
		Removed:     target.ID,
		DirectoryID: target.DirectoryID,
		Remaining:   count,
	}, nil
}

func (s *Service) monitorStatus(m *monitor.Monitor) (*types.MonitorStatus, error) {
	count, head, err := s.backend.Engine.History(m.ID)
	if err != nil {
		return nil, err
	}

	freq := m.Frequency
	state := "disabled"
	if s.running() {
		freq = m.Interval(s.sched.Frequency())
		if st, ok := s.sched.State(m.ID); ok {
			state = st.String()
		}
	} else if m.Enabled {
		state = "stopped"
	}

	return &types.MonitorStatus{
		ID:        m.ID,
		Path:      m.Path,
		Frequency: freq,
		Enabled:   m.Enabled,
		State:     state,
		Commits:   count,
		Head:      head,
	}, nil
}

// Status describes the running daemon.
func (s *Service) Status() (*types.Status, error) {
	monitors, err := s.backend.Monitors.List()
	if err != nil {
		return nil, err
	}

	st := &types.Status{
		PID:       os.Getpid(),
		Version:   s.version,
		StartedAt: s.startedAt,
		Monitors:  make([]types.MonitorStatus, 0, len(monitors)),
	}
	if s.running() {
		st.Frequency = s.sched.Frequency()
	}

	for _, m := range monitors {
		ms, err := s.monitorStatus(m)
		if err != nil {
			return nil, err
		}
		st.Monitors = append(st.Monitors, *ms)
	}

	stats, err := s.backend.Safe.Stats()
	if err != nil {
		return nil, err
	}
	st.Blobs = types.BlobStats{
		Blobs:      stats.Blobs,
		References: stats.References,
		Size:       stats.Size,
		StoredSize: stats.StoredSize,
	}
	return st, nil
}
