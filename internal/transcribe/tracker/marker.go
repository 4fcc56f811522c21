package tracker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/renameio/v2"
	"gopkg.in/yaml.v3"
)

// MarkerSuffix is appended to a recording path to form its marker file.
const MarkerSuffix = ".done"

// IsMarkerFile reports whether name is a completion marker.
func IsMarkerFile(name string) bool {
	return strings.HasSuffix(name, MarkerSuffix)
}

// MarkerStore keeps one small YAML file per recording, either next to the
// recording or mirrored under a separate directory.
type MarkerStore struct {
	root string
	dir  string
	// mu serializes check-then-write so a marker is never replaced.
	mu sync.Mutex
}

// NewMarkerStore creates a store for recordings under root. When dir is
// empty, markers are written as <recording>.done.
func NewMarkerStore(root, dir string) *MarkerStore {
	return &MarkerStore{root: root, dir: dir}
}

// MarkerPath returns the marker file location for a recording.
func (s *MarkerStore) MarkerPath(recording string) string {
	if s.dir == "" {
		return recording + MarkerSuffix
	}

	rel, err := filepath.Rel(s.root, recording)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		abs, _ := filepath.Abs(recording)
		rel = strings.TrimPrefix(abs, string(filepath.Separator))
	}
	return filepath.Join(s.dir, rel) + MarkerSuffix
}

// Done reports whether a marker exists for path.
func (s *MarkerStore) Done(_ context.Context, path string) (bool, error) {
	_, err := os.Stat(s.MarkerPath(path))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, fmt.Errorf("stat marker: %w", err)
}

// Get reads the marker for path.
func (s *MarkerStore) Get(_ context.Context, path string) (Marker, error) {
	data, err := os.ReadFile(s.MarkerPath(path))
	if errors.Is(err, os.ErrNotExist) {
		return Marker{}, fmt.Errorf("%w: %s", ErrNotMarked, path)
	}
	if err != nil {
		return Marker{}, fmt.Errorf("read marker: %w", err)
	}

	var m Marker
	if err := yaml.Unmarshal(data, &m); err != nil {
		return Marker{}, fmt.Errorf("parse marker %s: %w", s.MarkerPath(path), err)
	}
	if m.Path == "" {
		m.Path = path
	}
	return m, nil
}

// Mark writes the marker through a temp file, fsync and rename, then syncs
// the directory so the marker survives a crash once Mark returns.
func (s *MarkerStore) Mark(_ context.Context, m Marker) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	target := s.MarkerPath(m.Path)
	if _, err := os.Stat(target); err == nil {
		return fmt.Errorf("%w: %s", ErrAlreadyMarked, m.Path)
	}

	data, err := yaml.Marshal(m)
	if err != nil {
		return fmt.Errorf("encode marker: %w", err)
	}

	dir := filepath.Dir(target)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create marker directory: %w", err)
	}

	pending, err := renameio.NewPendingFile(target, renameio.WithPermissions(0644))
	if err != nil {
		return fmt.Errorf("create pending marker: %w", err)
	}
	defer pending.Cleanup()

	if _, err := pending.Write(data); err != nil {
		return fmt.Errorf("write marker: %w", err)
	}
	if err := pending.CloseAtomicallyReplace(); err != nil {
		return fmt.Errorf("commit marker: %w", err)
	}
	return syncDir(dir)
}

// Clear removes the marker for path.
func (s *MarkerStore) Clear(_ context.Context, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := os.Remove(s.MarkerPath(path))
	if errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%w: %s", ErrNotMarked, path)
	}
	return err
}

// Close is a no-op.
func (s *MarkerStore) Close() error {
	return nil
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("open marker directory: %w", err)
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		return fmt.Errorf("sync marker directory: %w", err)
	}
	return nil
}
