//go:build linux

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
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/TechnicallyShaun/callscribe/internal/transcribe/logging"
)

const (
	watchMask    = unix.IN_CLOSE_WRITE | unix.IN_MOVED_TO | unix.IN_MOVED_FROM | unix.IN_CREATE
	pollInterval = 10 * time.Millisecond
	readBuffer   = 64 * 1024
)

// New returns the watcher for this platform.
func New(opts Options) Watcher {
	return NewInotifyWatcher(opts)
}

// InotifyWatcher watches a directory tree using Linux inotify. A recording is
// reported when its writer closes it or when it is moved into the tree, so a
// recorder that stalls with the file open is never taken for finished.
// Directories created or moved in later are watched as they appear.
type InotifyWatcher struct {
	opts    Options
	fd      int
	events  chan Event
	started bool

	// Only the read loop touches these once Watch has returned.
	dirs map[int]string
	wds  map[string]int

	stop     chan struct{}
	loopDone chan struct{}
	stopOnce sync.Once
}

// NewInotifyWatcher creates an InotifyWatcher. Nothing is watched until
// Watch is called.
func NewInotifyWatcher(opts Options) *InotifyWatcher {
	opts = opts.withDefaults()
	return &InotifyWatcher{
		opts:     opts,
		fd:       -1,
		events:   make(chan Event, opts.Buffer),
		dirs:     make(map[int]string),
		wds:      make(map[string]int),
		stop:     make(chan struct{}),
		loopDone: make(chan struct{}),
	}
}

// Watch starts watching root and every directory below it. An unreadable or
// missing root is an error. The returned channel is closed when ctx ends or
// Stop is called.
func (w *InotifyWatcher) Watch(ctx context.Context, root string) (<-chan Event, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("watch root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%w: %s", ErrNotDirectory, root)
	}

	fd, err := unix.InotifyInit1(unix.IN_CLOEXEC | unix.IN_NONBLOCK)
	if err != nil {
		return nil, fmt.Errorf("create inotify instance: %w", err)
	}
	w.fd = fd
	if err := w.addWatch(root); err != nil {
		unix.Close(fd)
		w.fd = -1
		return nil, fmt.Errorf("watch %s: %w", root, err)
	}
	w.addTree(root, nil)

	w.started = true
	go w.loop(ctx)
	return w.events, nil
}

// Stop ends the watch and waits for the event channel to close.
func (w *InotifyWatcher) Stop() error {
	if !w.started {
		return nil
	}
	w.stopOnce.Do(func() { close(w.stop) })
	<-w.loopDone
	return nil
}

func (w *InotifyWatcher) loop(ctx context.Context) {
	defer w.shutdown()

	buf := make([]byte, readBuffer)
	tick := time.NewTicker(pollInterval)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stop:
			return
		default:
		}

		n, err := unix.Read(w.fd, buf)
		if err != nil {
			if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINTR) {
				select {
				case <-ctx.Done():
					return
				case <-w.stop:
					return
				case <-tick.C:
				}
				continue
			}
			w.opts.Logger.Error("inotify read failed", err)
			return
		}
		if !w.parse(ctx, buf[:n]) {
			return
		}
	}
}

func (w *InotifyWatcher) shutdown() {
	unix.Close(w.fd)
	close(w.events)
	close(w.loopDone)
}

// parse walks the raw events in buf. It returns false once the watch is
// ending.
func (w *InotifyWatcher) parse(ctx context.Context, buf []byte) bool {
	offset := 0
	for offset+unix.SizeofInotifyEvent <= len(buf) {
		raw := (*unix.InotifyEvent)(unsafe.Pointer(&buf[offset]))
		start := offset + unix.SizeofInotifyEvent
		end := start + int(raw.Len)
		if end > len(buf) {
			return true
		}
		name := strings.TrimRight(string(buf[start:end]), "\x00")
		offset = end

		if !w.handle(ctx, int(raw.Wd), raw.Mask, name) {
			return false
		}
	}
	return true
}

func (w *InotifyWatcher) handle(ctx context.Context, wd int, mask uint32, name string) bool {
	switch {
	case mask&unix.IN_Q_OVERFLOW != 0:
		w.opts.Logger.Warn("watch queue overflow, events lost")
		w.missed()
		return true
	case mask&unix.IN_IGNORED != 0:
		w.forget(wd)
		return true
	}

	dir, ok := w.dirs[wd]
	if !ok || name == "" {
		return true
	}
	path := filepath.Join(dir, name)

	if mask&unix.IN_ISDIR != 0 {
		switch {
		case mask&unix.IN_MOVED_FROM != 0:
			w.removeTree(path)
		case mask&unix.IN_MOVED_TO != 0:
			// Everything in a moved directory was written elsewhere.
			var found []string
			w.addTree(path, func(p string) { found = append(found, p) })
			for _, p := range found {
				if !w.emit(ctx, p) {
					return false
				}
			}
		case mask&unix.IN_CREATE != 0:
			// Files can land before the watch does; the rescan settles them.
			early := false
			w.addTree(path, func(string) { early = true })
			if early {
				w.missed()
			}
		}
		return true
	}

	if mask&(unix.IN_CLOSE_WRITE|unix.IN_MOVED_TO) == 0 || !matchSuffix(path, w.opts.Suffix) {
		return true
	}
	return w.emit(ctx, path)
}

func (w *InotifyWatcher) emit(ctx context.Context, path string) bool {
	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		return true
	}

	select {
	case w.events <- Event{Path: path, Size: info.Size(), Timestamp: time.Now()}:
		return true
	case <-ctx.Done():
		return false
	case <-w.stop:
		return false
	}
}

func (w *InotifyWatcher) missed() {
	if w.opts.OnOverflow != nil {
		w.opts.OnOverflow()
	}
}

func (w *InotifyWatcher) addWatch(dir string) error {
	wd, err := unix.InotifyAddWatch(w.fd, dir, watchMask)
	if err != nil {
		return err
	}
	if old, ok := w.dirs[wd]; ok && old != dir {
		delete(w.wds, old)
	}
	w.dirs[wd] = dir
	w.wds[dir] = wd
	w.opts.Logger.Debug("watching directory", logging.String("path", dir))
	return nil
}

// addTree watches the directories below dir, and dir itself. Matching files
// already present are passed to found when it is set.
func (w *InotifyWatcher) addTree(dir string, found func(path string)) {
	_ = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			w.opts.Logger.Warn("cannot read directory", logging.String("path", path), logging.String("error", err.Error()))
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			if _, ok := w.wds[path]; ok {
				return nil
			}
			if err := w.addWatch(path); err != nil {
				w.opts.Logger.Warn("cannot watch directory", logging.String("path", path), logging.String("error", err.Error()))
				return fs.SkipDir
			}
			return nil
		}
		if found != nil && d.Type().IsRegular() && matchSuffix(path, w.opts.Suffix) {
			found(path)
		}
		return nil
	})
}

// removeTree drops the watches on dir and below after it left the tree.
func (w *InotifyWatcher) removeTree(dir string) {
	prefix := dir + string(filepath.Separator)
	for path, wd := range w.wds {
		if path != dir && !strings.HasPrefix(path, prefix) {
			continue
		}
		_, _ = unix.InotifyRmWatch(w.fd, uint32(wd))
		delete(w.wds, path)
		delete(w.dirs, wd)
	}
}

func (w *InotifyWatcher) forget(wd int) {
	dir, ok := w.dirs[wd]
	if !ok {
		return
	}
	delete(w.dirs, wd)
	if w.wds[dir] == wd {
		delete(w.wds, dir)
	}
}
