package commands

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/vaultflow/vaultflow/vault"
)

// PIDFile lives in System_Log while a daemon runs against the vault.
const PIDFile = "vaultflow.pid"

// errNotRunning means no daemon holds the pid file.
var errNotRunning = errors.New("no daemon running")

func newStopCommand(flags *rootFlags) *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Signal the running daemon to shut down",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig(flags)
			if err != nil {
				return err
			}
			layout, err := vault.NewLayout(cfg.VaultPath, logger)
			if err != nil {
				return err
			}
			return stopDaemon(layout, timeout)
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "How long to wait for the daemon to exit")
	return cmd
}

func newRestartCommand(flags *rootFlags) *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "restart",
		Short: "Stop the running daemon, then start in the foreground",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig(flags)
			if err != nil {
				return err
			}
			layout, err := vault.NewLayout(cfg.VaultPath, logger)
			if err != nil {
				return err
			}
			if err := stopDaemon(layout, timeout); err != nil && !errors.Is(err, errNotRunning) {
				return err
			}
			return runDaemon(cmd.Context(), flags)
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "How long to wait for the old daemon to exit")
	return cmd
}

// stopDaemon sends SIGTERM to the pid on record and waits for the
// process to exit. A stale pid file (no such process) is cleaned up.
func stopDaemon(layout *vault.Layout, timeout time.Duration) error {
	path := layout.FilePath(vault.FolderSystemLog, PIDFile)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w (no pid file at %s)", errNotRunning, path)
		}
		return err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return fmt.Errorf("pid file %s is corrupt: %w", path, err)
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		os.Remove(path)
		return fmt.Errorf("%w: pid %d is dead; removed stale pid file", errNotRunning, pid)
	}

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if err := proc.Signal(syscall.Signal(0)); err != nil {
			fmt.Printf("daemon (pid %d) stopped\n", pid)
			return nil
		}
		time.Sleep(200 * time.Millisecond)
	}
	return fmt.Errorf("daemon (pid %d) did not exit within %s", pid, timeout)
}

// writePIDFile records the daemon's pid; the returned func removes it.
func writePIDFile(layout *vault.Layout) (func(), error) {
	path := layout.FilePath(vault.FolderSystemLog, PIDFile)
	if data, err := os.ReadFile(path); err == nil {
		if pid, perr := strconv.Atoi(strings.TrimSpace(string(data))); perr == nil {
			if proc, ferr := os.FindProcess(pid); ferr == nil && proc.Signal(syscall.Signal(0)) == nil {
				return nil, fmt.Errorf("daemon already running with pid %d", pid)
			}
		}
	}
	if err := vault.WriteAtomic(path, []byte(strconv.Itoa(os.Getpid())+"\n")); err != nil {
		return nil, err
	}
	return func() { os.Remove(path) }, nil
}
