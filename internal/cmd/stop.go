package cmd

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"

	"github.com/TechnicallyShaun/callscribe/internal/transcribe/pidfile"
)

// stopTimeout is the maximum time to wait for graceful shutdown before sending SIGKILL
var stopTimeout = 30 * time.Second

// ErrNotRunning indicates the daemon is not running
var ErrNotRunning = errors.New("callscribe is not running")

// ErrStaleProcess indicates the PID file exists but the process is not running
var ErrStaleProcess = errors.New("stale PID file (process not running)")

// NewStopCmd creates the stop command
func NewStopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop the transcription daemon",
		Long: `Stop the transcription daemon.

Sends SIGTERM to the process named in pid_file. A job in progress is
abandoned without a completion marker. If the process has not exited after
30 seconds it is sent SIGKILL. The PID file is removed afterwards.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			return runStop(cmd, cfg.PIDFile)
		},
	}
}

func runStop(cmd *cobra.Command, pidPath string) error {
	out := cmd.OutOrStdout()

	pid, err := pidfile.Signal(pidPath, unix.SIGTERM)
	switch {
	case errors.Is(err, pidfile.ErrNoPIDFile):
		return ErrNotRunning
	case errors.Is(err, os.ErrProcessDone):
		if rmErr := pidfile.Remove(pidPath); rmErr != nil {
			fmt.Fprintf(out, "Warning: %v\n", rmErr)
		}
		return ErrStaleProcess
	case err != nil:
		return err
	}

	fmt.Fprintf(out, "Stopping callscribe (PID %d)...\n", pid)

	if !waitForExit(pid, stopTimeout) {
		fmt.Fprintln(out, "Process did not exit gracefully, sending SIGKILL...")
		if err := unix.Kill(pid, unix.SIGKILL); err != nil && !errors.Is(err, unix.ESRCH) {
			return fmt.Errorf("send SIGKILL: %w", err)
		}
		waitForExit(pid, 2*time.Second)
	}

	if err := pidfile.Remove(pidPath); err != nil {
		fmt.Fprintf(out, "Warning: %v\n", err)
	}

	fmt.Fprintln(out, "callscribe stopped")
	return nil
}

// waitForExit polls until the process exits or timeout is reached
func waitForExit(pid int, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if err := unix.Kill(pid, 0); errors.Is(err, unix.ESRCH) {
			return true
		}
		time.Sleep(100 * time.Millisecond)
	}
	return false
}
