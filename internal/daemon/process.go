package daemon

import (
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"syscall"

	"github.com/gofrs/flock"

	"tabasco/internal/config"
)

// Running reports whether a daemon holds the lock for cfg's home, and
// its PID when the PID file is readable.
func Running(cfg *config.Config) (bool, int, error) {
	if _, err := os.Stat(cfg.LockPath()); os.IsNotExist(err) {
		return false, 0, nil
	}

	lock := flock.New(cfg.LockPath())
	locked, err := lock.TryLock()
	if err != nil {
		return false, 0, fmt.Errorf("probing daemon lock: %w", err)
	}
	if locked {
		lock.Unlock()
		return false, 0, nil
	}

	pid, _ := ReadPID(cfg.PidPath())
	return true, pid, nil
}

func ReadPID(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("parsing pid file: %w", err)
	}
	return pid, nil
}

func writePID(path string) error {
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0600)
}

// Spawn starts executable detached from the terminal, in its own session.
func Spawn(executable string, args []string) (int, error) {
	cmd := exec.Command(executable, args...)
	cmd.Stdin = nil
	cmd.Stdout = nil
	cmd.Stderr = nil
	cmd.Env = os.Environ()
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setsid: true,
	}

	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("starting daemon process: %w", err)
	}
	pid := cmd.Process.Pid
	if err := cmd.Process.Release(); err != nil {
		return 0, err
	}
	return pid, nil
}
