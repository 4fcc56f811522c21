package transcribe

import (
	"errors"
	"fmt"
	"os"

	"golang.org/x/sys/unix"

	"github.com/TechnicallyShaun/callscribe/internal/transcribe/dispatch"
	"github.com/TechnicallyShaun/callscribe/internal/transcribe/engine"
	"github.com/TechnicallyShaun/callscribe/internal/transcribe/rescan"
)

// Startup errors. Any of them stops the daemon before it starts watching.
var (
	ErrWatchDirUnreachable  = errors.New("watch directory unreachable")
	ErrOutputDirUnwritable  = errors.New("output directory not writable")
	ErrScratchDirUnwritable = errors.New("scratch directory not writable")
	ErrEngineNotExecutable  = errors.New("engine command not executable")
)

// Preflight checks the filesystem and engine prerequisites of cfg. Output
// and scratch directories are created when missing.
func Preflight(cfg *Config) error {
	info, err := os.Stat(cfg.WatchDir)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrWatchDirUnreachable, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%w: %s is not a directory", ErrWatchDirUnreachable, cfg.WatchDir)
	}
	if err := unix.Access(cfg.WatchDir, unix.R_OK|unix.X_OK); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrWatchDirUnreachable, cfg.WatchDir, err)
	}

	if cfg.OutputDir != "" {
		if err := writableDir(cfg.OutputDir); err != nil {
			return fmt.Errorf("%w: %v", ErrOutputDirUnwritable, err)
		}
	}
	if err := writableDir(cfg.ScratchDir); err != nil {
		return fmt.Errorf("%w: %v", ErrScratchDirUnwritable, err)
	}

	if _, err := engine.LookPath(cfg.Engine.Command); err != nil {
		return fmt.Errorf("%w: %v", ErrEngineNotExecutable, err)
	}
	return nil
}

// Check runs everything start would verify without starting: validation,
// preflight, the rescan schedule, the dispatcher templates, and opening the
// tracker and directory backends.
func Check(cfg *Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := Preflight(cfg); err != nil {
		return err
	}
	if _, err := rescan.ParseSchedule(cfg.RescanSchedule); err != nil {
		return err
	}

	tr, err := OpenTracker(cfg)
	if err != nil {
		return err
	}
	defer tr.Close()

	dir, err := openDirectory(cfg)
	if err != nil {
		return err
	}
	if dir != nil {
		defer dir.Close()
	}

	_, err = dispatch.New(dispatchConfig(cfg), dir, newSender(cfg, nil), nil)
	return err
}

func writableDir(dir string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	if err := unix.Access(dir, unix.W_OK|unix.X_OK); err != nil {
		return fmt.Errorf("%s: %w", dir, err)
	}
	return nil
}
