//go:build !linux

package watcher

// New returns the watcher for this platform.
func New(opts Options) Watcher {
	return NewFSWatcher(opts)
}
