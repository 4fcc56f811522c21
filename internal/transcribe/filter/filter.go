// Package filter decides which candidate paths become transcription jobs.
package filter

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"

	"github.com/TechnicallyShaun/callscribe/internal/transcribe/logging"
	"github.com/TechnicallyShaun/callscribe/internal/transcribe/tracker"
)

// Reason names why a path was rejected.
type Reason string

// Rejection reasons, in the order they are checked.
const (
	ReasonSuffix     Reason = "suffix"
	ReasonMarkerFile Reason = "marker-file"
	ReasonMissing    Reason = "missing"
	ReasonTooSmall   Reason = "too-small"
	ReasonNotAudio   Reason = "not-audio"
	ReasonDone       Reason = "done"
)

// Reasons lists every rejection reason.
var Reasons = []Reason{ReasonSuffix, ReasonMarkerFile, ReasonMissing, ReasonTooSmall, ReasonNotAudio, ReasonDone}

// Decision is the verdict for one path.
type Decision struct {
	Accept bool
	Reason Reason
	// Size is the size read at check time, not the event's.
	Size int64
	MIME string
}

// DoneChecker reports whether a recording already has a completion marker.
type DoneChecker interface {
	Done(ctx context.Context, path string) (bool, error)
}

// Options configures a Filter.
type Options struct {
	Suffix  string
	MinSize int64
	// SniffAudio rejects files whose content is not recognised as audio.
	SniffAudio bool
	// ScratchDir holds engine logs; nothing inside it is a recording.
	ScratchDir string
	Logger     logging.Logger
}

// Filter applies the acceptance rules.
type Filter struct {
	opts Options
	done DoneChecker
}

// New creates a Filter that consults done for completion markers.
func New(opts Options, done DoneChecker) *Filter {
	if opts.Logger == nil {
		opts.Logger = logging.Nop()
	}
	return &Filter{opts: opts, done: done}
}

// Check evaluates path. An error means the verdict could not be reached
// (e.g. the tracker is unavailable); the path should be retried later.
func (f *Filter) Check(ctx context.Context, path string) (Decision, error) {
	d, err := f.check(ctx, path)
	if err != nil {
		return d, err
	}

	if !d.Accept {
		fields := []logging.Field{
			logging.String("path", path),
			logging.String("reason", string(d.Reason)),
		}
		if d.Reason == ReasonTooSmall {
			fields = append(fields, logging.Int64("size", d.Size), logging.Int64("min_size", f.opts.MinSize))
		}
		if d.Reason == ReasonNotAudio {
			fields = append(fields, logging.String("mime", d.MIME))
		}
		if d.Reason == ReasonSuffix || d.Reason == ReasonMarkerFile {
			f.opts.Logger.Debug("recording skipped", fields...)
		} else {
			f.opts.Logger.Info("recording skipped", fields...)
		}
	}
	return d, nil
}

func (f *Filter) check(ctx context.Context, path string) (Decision, error) {
	name := filepath.Base(path)

	if !strings.HasSuffix(strings.ToLower(name), strings.ToLower(f.opts.Suffix)) {
		return Decision{Reason: ReasonSuffix}, nil
	}

	if strings.HasPrefix(name, ".") || tracker.IsMarkerFile(name) || f.inScratch(path) {
		return Decision{Reason: ReasonMarkerFile}, nil
	}

	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		return Decision{Reason: ReasonMissing}, nil
	}

	d := Decision{Size: info.Size()}
	if d.Size < f.opts.MinSize {
		d.Reason = ReasonTooSmall
		return d, nil
	}

	if f.opts.SniffAudio {
		mt, err := mimetype.DetectFile(path)
		if errors.Is(err, os.ErrNotExist) {
			d.Reason = ReasonMissing
			return d, nil
		}
		if err != nil {
			return d, fmt.Errorf("sniff %s: %w", path, err)
		}
		d.MIME = mt.String()
		if !strings.HasPrefix(d.MIME, "audio/") {
			d.Reason = ReasonNotAudio
			return d, nil
		}
	}

	done, err := f.done.Done(ctx, path)
	if err != nil {
		return d, fmt.Errorf("check completion marker: %w", err)
	}
	if done {
		d.Reason = ReasonDone
		return d, nil
	}

	d.Accept = true
	return d, nil
}

func (f *Filter) inScratch(path string) bool {
	if f.opts.ScratchDir == "" {
		return false
	}
	rel, err := filepath.Rel(f.opts.ScratchDir, path)
	return err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
