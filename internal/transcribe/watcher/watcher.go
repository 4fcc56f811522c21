// Package watcher turns filesystem notifications under a directory tree into
// write-complete events for recordings. On Linux the kernel reports when a
// writer closes a file; elsewhere a write-free quiet period stands in for it.
package watcher

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

	"github.com/fsnotify/fsnotify"

	"github.com/TechnicallyShaun/callscribe/internal/transcribe/logging"
)

// Defaults for Options.
const (
	DefaultQuiet  = 2 * time.Second
	DefaultBuffer = 100
)

// ErrNotDirectory is returned when the watch root is not a directory.
var ErrNotDirectory = errors.New("watch root is not a directory")

// Event reports a recording whose writer has finished with it.
type Event struct {
	Path      string
	Size      int64
	Timestamp time.Time
}

// Watcher reports write-complete recordings under a directory tree.
type Watcher interface {
	Watch(ctx context.Context, root string) (<-chan Event, error)
	Stop() error
}

// Options configures a Watcher.
type Options struct {
	// Suffix restricts events to names ending in it, case-insensitively.
	Suffix string
	// Quiet is the write-free period after which the fsnotify watcher counts
	// a file as complete. The inotify watcher waits for close instead.
	Quiet  time.Duration
	Buffer int
	Logger logging.Logger
	// OnOverflow is called when events may have been lost: the kernel queue
	// overflowed, or files appeared in a directory before it was watched. It
	// runs on the watcher goroutine and must not block.
	OnOverflow func()
}

// FSWatcher watches a directory tree recursively using fsnotify. A file
// counts as complete once it has gone Quiet without writes, so it is the
// fallback where close notifications are unavailable.
type FSWatcher struct {
	opts   Options
	fsw    *fsnotify.Watcher
	events chan Event

	mu      sync.Mutex
	pending map[string]*pendingFile
	stopped bool
	emits   sync.WaitGroup

	stop     chan struct{}
	quit     chan struct{}
	loopDone chan struct{}
	stopOnce sync.Once
}

type pendingFile struct {
	timer    *time.Timer
	deadline time.Time
}

func (o Options) withDefaults() Options {
	if o.Quiet <= 0 {
		o.Quiet = DefaultQuiet
	}
	if o.Buffer <= 0 {
		o.Buffer = DefaultBuffer
	}
	if o.Logger == nil {
		o.Logger = logging.Nop()
	}
	return o
}

// matchSuffix reports whether path names a visible file ending in suffix.
func matchSuffix(path, suffix string) bool {
	name := filepath.Base(path)
	if strings.HasPrefix(name, ".") {
		return false
	}
	if suffix == "" {
		return true
	}
	return strings.HasSuffix(strings.ToLower(name), strings.ToLower(suffix))
}

// NewFSWatcher creates an FSWatcher. Nothing is watched until Watch is called.
func NewFSWatcher(opts Options) *FSWatcher {
	opts = opts.withDefaults()
	return &FSWatcher{
		opts:     opts,
		events:   make(chan Event, opts.Buffer),
		pending:  make(map[string]*pendingFile),
		stop:     make(chan struct{}),
		quit:     make(chan struct{}),
		loopDone: make(chan struct{}),
	}
}

// Watch starts watching root and every directory below it. An unreadable or
// missing root is an error. The returned channel is closed when ctx ends or
// Stop is called.
func (w *FSWatcher) Watch(ctx context.Context, root string) (<-chan Event, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("watch root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%w: %s", ErrNotDirectory, root)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}
	if err := fsw.Add(root); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("watch %s: %w", root, err)
	}
	w.fsw = fsw
	w.addTree(root, false)

	go w.loop(ctx)
	return w.events, nil
}

// Stop ends the watch and waits for the event channel to close.
func (w *FSWatcher) Stop() error {
	if w.fsw == nil {
		return nil
	}
	w.stopOnce.Do(func() { close(w.stop) })
	<-w.loopDone
	return nil
}

// Pending returns the number of files waiting for their quiet period.
func (w *FSWatcher) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.pending)
}

func (w *FSWatcher) loop(ctx context.Context) {
	defer w.shutdown()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stop:
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handle(ev)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				w.opts.Logger.Warn("watch queue overflow, events lost")
				if w.opts.OnOverflow != nil {
					w.opts.OnOverflow()
				}
				continue
			}
			w.opts.Logger.Warn("watch error", logging.String("error", err.Error()))
		}
	}
}

func (w *FSWatcher) shutdown() {
	w.mu.Lock()
	w.stopped = true
	for _, p := range w.pending {
		p.timer.Stop()
	}
	w.pending = nil
	w.mu.Unlock()

	close(w.quit)
	w.emits.Wait()
	w.fsw.Close()
	close(w.events)
	close(w.loopDone)
}

func (w *FSWatcher) handle(ev fsnotify.Event) {
	switch {
	case ev.Has(fsnotify.Remove), ev.Has(fsnotify.Rename):
		w.cancel(ev.Name)
	case ev.Has(fsnotify.Create):
		info, err := os.Lstat(ev.Name)
		if err == nil && info.IsDir() {
			w.addTree(ev.Name, true)
			return
		}
		if w.matches(ev.Name) {
			w.arm(ev.Name)
		}
	case ev.Has(fsnotify.Write):
		if w.matches(ev.Name) {
			w.arm(ev.Name)
		}
	}
}

// addTree watches dir and its subdirectories. When armFiles is set, matching
// files already inside are armed: they were written before the watch existed.
func (w *FSWatcher) addTree(dir string, armFiles bool) {
	_ = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			w.opts.Logger.Warn("cannot read directory", logging.String("path", path), logging.String("error", err.Error()))
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			if err := w.fsw.Add(path); err != nil {
				w.opts.Logger.Warn("cannot watch directory", logging.String("path", path), logging.String("error", err.Error()))
				return fs.SkipDir
			}
			w.opts.Logger.Debug("watching directory", logging.String("path", path))
			return nil
		}
		if armFiles && w.matches(path) {
			w.arm(path)
		}
		return nil
	})
}

func (w *FSWatcher) matches(path string) bool {
	return matchSuffix(path, w.opts.Suffix)
}

func (w *FSWatcher) arm(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.stopped {
		return
	}

	deadline := time.Now().Add(w.opts.Quiet)
	if p, ok := w.pending[path]; ok {
		p.deadline = deadline
		p.timer.Reset(w.opts.Quiet)
		return
	}

	p := &pendingFile{deadline: deadline}
	p.timer = time.AfterFunc(w.opts.Quiet, func() { w.fire(path, p) })
	w.pending[path] = p
}

func (w *FSWatcher) cancel(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if p, ok := w.pending[path]; ok {
		p.timer.Stop()
		delete(w.pending, path)
	}
}

func (w *FSWatcher) fire(path string, p *pendingFile) {
	w.mu.Lock()
	if w.stopped || w.pending[path] != p {
		w.mu.Unlock()
		return
	}
	// A write re-armed the timer after it expired; the next fire will emit.
	if time.Now().Before(p.deadline) {
		w.mu.Unlock()
		return
	}
	delete(w.pending, path)
	w.emits.Add(1)
	w.mu.Unlock()
	defer w.emits.Done()

	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		return
	}

	select {
	case w.events <- Event{Path: path, Size: info.Size(), Timestamp: time.Now()}:
	case <-w.quit:
	}
}
