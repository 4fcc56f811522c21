// Package pidfile manages the daemon PID file used by start, stop and status.
package pidfile

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/renameio/v2"
	"golang.org/x/sys/unix"
)

// Common errors
var (
	ErrNoPIDFile      = errors.New("no PID file found")
	ErrInvalidPID     = errors.New("invalid PID in file")
	ErrAlreadyRunning = errors.New("daemon already running")
)

const (
	dirPerm  = 0755
	filePerm = 0644
)

// Write atomically records pid at path, creating parent directories.
func Write(path string, pid int) error {
	if err := os.MkdirAll(filepath.Dir(path), dirPerm); err != nil {
		return fmt.Errorf("create directory: %w", err)
	}

	content := strconv.Itoa(pid) + "\n"
	if err := renameio.WriteFile(path, []byte(content), filePerm); err != nil {
		return fmt.Errorf("write PID file: %w", err)
	}
	return nil
}

// Read returns the PID stored at path.
// Returns ErrNoPIDFile if the file doesn't exist.
// Returns ErrInvalidPID if the file contains invalid data.
func Read(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, ErrNoPIDFile
		}
		return 0, fmt.Errorf("read PID file: %w", err)
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, ErrInvalidPID
	}
	return pid, nil
}

// Remove deletes the PID file. A missing file is not an error.
func Remove(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove PID file: %w", err)
	}
	return nil
}

// IsRunning reports whether the process named in the PID file is alive.
// With no PID file it returns (false, 0, nil); with a stale one it returns
// (false, pid, nil).
func IsRunning(path string) (bool, int, error) {
	pid, err := Read(path)
	if err != nil {
		if errors.Is(err, ErrNoPIDFile) {
			return false, 0, nil
		}
		return false, 0, err
	}

	// Signal 0 checks existence without delivering anything.
	err = unix.Kill(pid, 0)
	switch {
	case err == nil:
		return true, pid, nil
	case errors.Is(err, unix.ESRCH):
		return false, pid, nil
	case errors.Is(err, unix.EPERM):
		// Exists, owned by someone else.
		return true, pid, nil
	default:
		return false, pid, fmt.Errorf("check process: %w", err)
	}
}

// CleanStale removes the PID file if its process is gone. It reports
// whether a file was removed.
func CleanStale(path string) (bool, error) {
	running, _, err := IsRunning(path)
	if err != nil && !errors.Is(err, ErrInvalidPID) {
		return false, err
	}
	if running {
		return false, nil
	}

	if _, statErr := os.Stat(path); statErr != nil {
		return false, nil
	}
	if err := Remove(path); err != nil {
		return false, err
	}
	return true, nil
}

// Acquire claims path for the current process. It fails with
// ErrAlreadyRunning when a live process holds it and replaces stale files.
func Acquire(path string) error {
	running, pid, err := IsRunning(path)
	if err != nil && !errors.Is(err, ErrInvalidPID) {
		return err
	}
	if running && pid != os.Getpid() {
		return fmt.Errorf("%w (pid %d, %s)", ErrAlreadyRunning, pid, path)
	}
	return Write(path, os.Getpid())
}

// Signal sends sig to the process named in the PID file and returns its pid.
func Signal(path string, sig unix.Signal) (int, error) {
	running, pid, err := IsRunning(path)
	if err != nil {
		return 0, err
	}
	if pid == 0 {
		return 0, ErrNoPIDFile
	}
	if !running {
		return pid, fmt.Errorf("process %d: %w", pid, os.ErrProcessDone)
	}
	if err := unix.Kill(pid, sig); err != nil {
		return pid, fmt.Errorf("signal %d: %w", pid, err)
	}
	return pid, nil
}
