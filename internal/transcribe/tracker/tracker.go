// Package tracker persists completion markers so a recording is transcribed
// at most once across restarts and duplicate events.
package tracker

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrAlreadyMarked is returned by Mark when a marker exists. The existing
	// marker is left untouched.
	ErrAlreadyMarked = errors.New("completion marker already exists")
	// ErrNotMarked is returned by Get and Clear when no marker exists.
	ErrNotMarked = errors.New("no completion marker")
)

// Marker records that a recording reached a terminal state.
type Marker struct {
	Path        string    `yaml:"recording"`
	JobID       string    `yaml:"job_id"`
	Outcome     string    `yaml:"outcome"`
	Delivered   bool      `yaml:"delivered"`
	CompletedAt time.Time `yaml:"completed_at"`
}

// Tracker stores at most one Marker per recording path.
type Tracker interface {
	// Done reports whether path has a marker.
	Done(ctx context.Context, path string) (bool, error)
	// Get returns the marker for path.
	Get(ctx context.Context, path string) (Marker, error)
	// Mark durably records m. It never replaces an existing marker.
	Mark(ctx context.Context, m Marker) error
	// Clear removes the marker for path so the recording is reprocessed.
	Clear(ctx context.Context, path string) error
	Close() error
}
