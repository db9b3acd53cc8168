// cmd/tabasco/main.go
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"tabasco/client"
	"tabasco/internal/command"
	"tabasco/internal/config"
	"tabasco/internal/daemon"
	terrors "tabasco/internal/errors"
	"tabasco/internal/logging"
	"tabasco/internal/middleware"
	"tabasco/shared/types"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "0.1.0"

var (
	homeDir    string
	configPath string
	debug      bool
)

var rootCmd = &cobra.Command{
	Use:   "tabasco",
	Short: "Tabasco is a time based source control daemon",
	Long: `Tabasco snapshots the directories you monitor on a timer and records every
change as a commit. Any commit can later be restored with apply or discarded
with rm, without ever committing by hand.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&homeDir, "home", "", "state directory (default $TABASCO_HOME or ~/.tabasco)")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default <home>/config.yaml)")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "log to stderr at debug level")

	var startCmd = &cobra.Command{
		Use:   "start",
		Short: "Start the daemon",
		Args:  cobra.NoArgs,
		RunE:  runStart,
	}
	startCmd.Flags().Float64("frequency", 0, "default snapshot frequency in seconds")
	startCmd.Flags().Bool("foreground", false, "run in the foreground")
	startCmd.Flags().Bool("log-file", false, "log to the daemon log file")
	startCmd.Flags().MarkHidden("log-file")

	var stopCmd = &cobra.Command{
		Use:   "stop",
		Short: "Stop the daemon after in-flight snapshots finish",
		Args:  cobra.NoArgs,
		RunE:  runStop,
	}

	var monitorCmd = &cobra.Command{
		Use:   "monitor <dir>",
		Short: "Start snapshotting a directory",
		Long: `Start snapshotting a directory. Its current state is the baseline; the first
snapshot is taken on the next tick.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			freq, err := frequencyFlag(cmd)
			if err != nil {
				return err
			}
			ms, err := dispatch[*types.MonitorStatus](cmd, command.Monitor{Path: args[0], Frequency: freq})
			if err != nil {
				return err
			}
			fmt.Printf("Monitoring %s (every %s)\n", ms.Path, describeFrequency(ms.Frequency))
			return nil
		},
	}
	monitorCmd.Flags().Float64("frequency", 0, "snapshot frequency in seconds for this directory")

	var unmonitorCmd = &cobra.Command{
		Use:   "unmonitor <dir>",
		Short: "Stop snapshotting a directory; its history is kept",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ms, err := dispatch[*types.MonitorStatus](cmd, command.Unmonitor{Path: args[0]})
			if err != nil {
				return err
			}
			fmt.Printf("Stopped monitoring %s (%d commits kept)\n", ms.Path, ms.Commits)
			return nil
		},
	}

	var logCmd = &cobra.Command{
		Use:   "log",
		Short: "Show commits, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")
			limit, _ := cmd.Flags().GetInt("number")
			patch, _ := cmd.Flags().GetBool("patch")

			entries, err := dispatch[[]types.LogEntry](cmd, command.Log{Directory: dir, Limit: limit, Patch: patch})
			if err != nil {
				return err
			}
			if len(entries) == 0 {
				fmt.Println("No commits yet")
				return nil
			}
			printLog(os.Stdout, entries, patch)
			return nil
		},
	}
	logCmd.Flags().String("dir", "", "only show commits of this directory")
	logCmd.Flags().IntP("number", "n", 0, "limit the number of commits")
	logCmd.Flags().BoolP("patch", "p", false, "show line diffs")

	var applyCmd = &cobra.Command{
		Use:   "apply <commit>",
		Short: "Restore a directory to the state of a commit",
		Long: `Restore a directory to the state of a commit. Unsaved edits are snapshotted
first, and the restore is recorded as a new commit, so nothing is lost.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := dispatch[*types.ApplyResult](cmd, command.Apply{CommitID: args[0]})
			if err != nil {
				return err
			}
			printApply(os.Stdout, res)
			return nil
		},
	}

	var rmCmd = &cobra.Command{
		Use:   "rm <commit>",
		Short: "Permanently remove a commit from history",
		Long: `Permanently remove a commit from history. Later commits keep their content;
files on disk are not touched.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := dispatch[*types.RemoveResult](cmd, command.Rm{CommitID: args[0]})
			if err != nil {
				return err
			}
			fmt.Printf("Removed commit %s (%d remaining in its directory)\n", res.Removed, res.Remaining)
			return nil
		},
	}

	var statusCmd = &cobra.Command{
		Use:   "status",
		Short: "Show the daemon and its monitored directories",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := dispatch[*types.Status](cmd, command.Status{})
			if err != nil {
				return err
			}
			printStatus(os.Stdout, st)
			return nil
		},
	}

	rootCmd.AddCommand(startCmd, stopCmd, monitorCmd, unmonitorCmd, logCmd, applyCmd, rmCmd, statusCmd)
}

func loadConfig() (*config.Config, error) {
	if homeDir != "" {
		os.Setenv(config.HomeEnv, homeDir)
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if homeDir != "" {
		cfg.Home = homeDir
	}
	return cfg, nil
}

func newLogger() (*logging.Logger, error) {
	if debug {
		l, err := zap.NewDevelopment()
		if err != nil {
			return nil, fmt.Errorf("initializing logger: %w", err)
		}
		return &logging.Logger{Logger: l}, nil
	}
	return logging.Nop(), nil
}

func frequencyFlag(cmd *cobra.Command) (time.Duration, error) {
	secs, _ := cmd.Flags().GetFloat64("frequency")
	if secs < 0 {
		return 0, fmt.Errorf("frequency cannot be negative")
	}
	return time.Duration(secs * float64(time.Second)), nil
}

// dispatch sends c to the running daemon. When none runs, commands that
// only touch the store are executed in-process instead.
func dispatch[T any](cmd *cobra.Command, c command.Command) (T, error) {
	var out T
	if err := c.Validate(); err != nil {
		return out, err
	}

	cfg, err := loadConfig()
	if err != nil {
		return out, err
	}
	ctx := cmd.Context()

	err = client.New(cfg.SocketPath()).Do(ctx, c, &out)
	if !errors.Is(err, terrors.ErrNotRunning) {
		return out, err
	}
	switch c.(type) {
	case command.Stop, command.Status:
		return out, err
	}
	if running, _, probeErr := daemon.Running(cfg); probeErr == nil && running {
		// Starting up or shutting down; the store is locked either way.
		return out, err
	}

	logger, err := newLogger()
	if err != nil {
		return out, err
	}
	b, err := daemon.Open(cfg, logger, false)
	if err != nil {
		return out, err
	}
	defer b.Close()

	handler := middleware.Chain(
		daemon.NewService(b, version).Handle,
		middleware.Recover(logger),
		middleware.Logger(logger),
		middleware.RequestID,
	)
	result, err := handler(ctx, c)
	if err != nil {
		return out, err
	}
	typed, ok := result.(T)
	if !ok {
		return out, terrors.Internal(fmt.Sprintf("unexpected %s result %T", c.Name(), result), nil)
	}
	return typed, nil
}

func runStart(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	freq, err := frequencyFlag(cmd)
	if err != nil {
		return err
	}
	if err := (command.Start{Frequency: freq}).Validate(); err != nil {
		return err
	}

	if running, pid, err := daemon.Running(cfg); err != nil {
		return err
	} else if running {
		return terrors.AlreadyRunning(pid)
	}

	foreground, _ := cmd.Flags().GetBool("foreground")
	if foreground {
		return runForeground(cmd, cfg, freq)
	}

	exe, err := os.Executable()
	if err != nil {
		return err
	}
	childArgs := []string{"start", "--foreground", "--log-file", "--home", cfg.Home}
	if configPath != "" {
		childArgs = append(childArgs, "--config", configPath)
	}
	if freq > 0 {
		childArgs = append(childArgs, "--frequency", strconv.FormatFloat(freq.Seconds(), 'f', -1, 64))
	}
	if _, err := daemon.Spawn(exe, childArgs); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
	defer cancel()
	if err := client.New(cfg.SocketPath()).WaitReady(ctx); err != nil {
		return fmt.Errorf("daemon did not start (see %s): %w", cfg.LogPath(), err)
	}

	pid, _ := daemon.ReadPID(cfg.PidPath())
	fmt.Printf("Daemon started (PID %d)\n", pid)
	return nil
}

func runForeground(cmd *cobra.Command, cfg *config.Config, freq time.Duration) error {
	var logger *logging.Logger
	var err error
	logFile, _ := cmd.Flags().GetBool("log-file")
	switch {
	case logFile:
		logger, err = logging.NewFileLogger(cfg.LogLevel, cfg.LogPath())
	case debug:
		logger, err = newLogger()
	default:
		logger, err = logging.NewLogger(cfg.LogLevel)
	}
	if err != nil {
		return fmt.Errorf("initializing logger: %w", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	d := daemon.New(cfg, logger, version)
	d.Frequency = freq
	return d.Run(ctx)
}

func runStop(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	running, pid, err := daemon.Running(cfg)
	if err != nil {
		return err
	}
	if !running {
		return terrors.NotRunning()
	}

	if err := client.New(cfg.SocketPath()).Stop(cmd.Context()); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), 60*time.Second)
	defer cancel()
	err = retry.Do(
		func() error {
			running, _, err := daemon.Running(cfg)
			if err != nil {
				return retry.Unrecoverable(err)
			}
			if running {
				return fmt.Errorf("daemon (PID %d) still running", pid)
			}
			return nil
		},
		retry.Attempts(0),
		retry.Delay(25*time.Millisecond),
		retry.MaxDelay(500*time.Millisecond),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
	)
	if err != nil {
		return err
	}

	fmt.Println("Daemon stopped")
	return nil
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, errorColor.Sprint("error: ")+err.Error())
		os.Exit(terrors.ExitCode(err))
	}
}
