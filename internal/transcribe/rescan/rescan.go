// Package rescan walks the watch root to recover recordings the event stream
// never delivered: files that arrived while the daemon was down, events lost
// to a watch overflow, and paths dropped by a full queue.
package rescan

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/TechnicallyShaun/callscribe/internal/transcribe/logging"
	"github.com/TechnicallyShaun/callscribe/internal/transcribe/stabilizer"
)

// Off disables the periodic schedule.
const Off = "off"

// ErrBusy is returned by Sweep when another sweep is running.
var ErrBusy = errors.New("sweep already running")

// OfferFunc receives every settled recording found by a sweep.
type OfferFunc func(ctx context.Context, path string)

// Options configures a Scanner.
type Options struct {
	Root   string
	Suffix string
	// Quiet is how long a file must be untouched to be offered directly.
	// Younger files are polled until they settle.
	Quiet  time.Duration
	Poller *stabilizer.Poller
	Offer  OfferFunc
	Logger logging.Logger
}

// Stats summarizes one sweep.
type Stats struct {
	Candidates int
	Offered    int
	Unsettled  int
	Elapsed    time.Duration
}

// Scanner runs sweeps on demand, on a cron schedule, and when triggered.
type Scanner struct {
	opts    Options
	sweepMu sync.Mutex
	trigger chan struct{}
	now     func() time.Time
}

// New creates a Scanner.
func New(opts Options) *Scanner {
	if opts.Logger == nil {
		opts.Logger = logging.Nop()
	}
	if opts.Poller == nil {
		opts.Poller = stabilizer.NewPoller(time.Second, 3, 5*time.Minute)
	}
	return &Scanner{
		opts:    opts,
		trigger: make(chan struct{}, 1),
		now:     time.Now,
	}
}

// ParseSchedule validates a cron schedule. Off and empty yield nil.
func ParseSchedule(spec string) (cron.Schedule, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" || strings.EqualFold(spec, Off) {
		return nil, nil
	}
	sched, err := cron.ParseStandard(spec)
	if err != nil {
		return nil, fmt.Errorf("invalid rescan schedule %q: %w", spec, err)
	}
	return sched, nil
}

// Trigger requests a sweep from Run without blocking. Requests made while
// one is pending collapse into it.
func (s *Scanner) Trigger() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

// Run services triggers and the cron schedule until ctx is done.
func (s *Scanner) Run(ctx context.Context, schedule string) error {
	sched, err := ParseSchedule(schedule)
	if err != nil {
		return err
	}

	if sched != nil {
		c := cron.New()
		c.Schedule(sched, cron.FuncJob(s.Trigger))
		c.Start()
		defer func() { <-c.Stop().Done() }()
		s.opts.Logger.Info("rescan scheduled", logging.String("schedule", schedule))
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.trigger:
			if _, err := s.Sweep(ctx); err != nil && !errors.Is(err, ErrBusy) && ctx.Err() == nil {
				s.opts.Logger.Error("rescan failed", err, logging.String("root", s.opts.Root))
			}
		}
	}
}

// Sweep walks the root once and offers every settled recording. It returns
// ErrBusy without walking if another sweep holds the lock.
func (s *Scanner) Sweep(ctx context.Context) (Stats, error) {
	if !s.sweepMu.TryLock() {
		return Stats{}, ErrBusy
	}
	defer s.sweepMu.Unlock()

	start := s.now()
	var (
		stats  Stats
		recent []string
	)

	err := filepath.WalkDir(s.opts.Root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == s.opts.Root {
				return err
			}
			s.opts.Logger.Warn("rescan skipped unreadable path",
				logging.String("path", path),
				logging.String("error", err.Error()),
			)
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if path != s.opts.Root && strings.HasPrefix(d.Name(), ".") {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() || !d.Type().IsRegular() || !hasSuffix(d.Name(), s.opts.Suffix) {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return nil
		}
		stats.Candidates++
		if !stabilizer.Quiet(info, s.opts.Quiet, s.now()) {
			recent = append(recent, path)
			return nil
		}
		s.opts.Offer(ctx, path)
		stats.Offered++
		return nil
	})
	if err != nil {
		return stats, fmt.Errorf("walk %s: %w", s.opts.Root, err)
	}

	for _, path := range recent {
		if _, err := s.opts.Poller.WaitForStable(ctx, path); err != nil {
			if ctx.Err() != nil {
				return stats, ctx.Err()
			}
			stats.Unsettled++
			if !errors.Is(err, os.ErrNotExist) {
				s.opts.Logger.Warn("recording did not settle",
					logging.String("path", path),
					logging.String("error", err.Error()),
				)
			}
			continue
		}
		s.opts.Offer(ctx, path)
		stats.Offered++
	}

	stats.Elapsed = s.now().Sub(start)
	s.opts.Logger.Info("rescan complete",
		logging.String("root", s.opts.Root),
		logging.Int("candidates", stats.Candidates),
		logging.Int("offered", stats.Offered),
		logging.Int("unsettled", stats.Unsettled),
		logging.Duration("elapsed", stats.Elapsed),
	)
	return stats, nil
}

func hasSuffix(name, suffix string) bool {
	return suffix == "" || strings.HasSuffix(strings.ToLower(name), strings.ToLower(suffix))
}
