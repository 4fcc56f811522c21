// Package stabilizer decides when a recording found outside the event stream
// has stopped growing.
package stabilizer

import (
	"context"
	"errors"
	"os"
	"time"
)

// ErrTimeout is returned when the file keeps changing past the timeout.
var ErrTimeout = errors.New("file did not settle in time")

// Poller watches size and modification time until both stay unchanged for
// Checks consecutive polls.
type Poller struct {
	Interval time.Duration
	Checks   int
	// Timeout caps the wait when ctx has no deadline. Zero relies on ctx.
	Timeout time.Duration
}

// NewPoller creates a Poller.
func NewPoller(interval time.Duration, checks int, timeout time.Duration) *Poller {
	if checks < 1 {
		checks = 1
	}
	return &Poller{Interval: interval, Checks: checks, Timeout: timeout}
}

// Quiet reports whether info was last modified at least quiet ago, in which
// case polling would only confirm what the timestamp already says.
func Quiet(info os.FileInfo, quiet time.Duration, now time.Time) bool {
	return now.Sub(info.ModTime()) >= quiet
}

// WaitForStable blocks until path stops changing and returns its final
// FileInfo.
func (p *Poller) WaitForStable(ctx context.Context, path string) (os.FileInfo, error) {
	internal := false
	if _, ok := ctx.Deadline(); !ok && p.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.Timeout)
		defer cancel()
		internal = true
	}

	ticker := time.NewTicker(p.Interval)
	defer ticker.Stop()

	var last os.FileInfo
	stable := 0

	for stable < p.Checks {
		select {
		case <-ctx.Done():
			if internal && errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, ErrTimeout
			}
			return nil, ctx.Err()
		case <-ticker.C:
		}

		info, err := os.Stat(path)
		if err != nil {
			return nil, err
		}

		if last != nil && info.Size() == last.Size() && info.ModTime().Equal(last.ModTime()) {
			stable++
		} else {
			stable = 0
		}
		last = info
	}

	return last, nil
}
