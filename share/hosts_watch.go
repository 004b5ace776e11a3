package ppshare

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// watchDebounce coalesces the bursts of write events editors and package
// managers produce when rewriting the hosts file.
const watchDebounce = 250 * time.Millisecond

// HostsWatcher re-installs the managed block when an external writer
// disturbs the hosts file. The registry's own atomic rewrites also produce
// events; those are filtered out by checking whether the block is intact
// before repairing.
type HostsWatcher struct {
	*Logger
	registry *DomainRegistry
	path     string
}

// NewHostsWatcher creates a watcher for the registry's hosts file.
func NewHostsWatcher(logger *Logger, registry *DomainRegistry, path string) *HostsWatcher {
	return &HostsWatcher{
		Logger:   logger.Fork("hostswatch"),
		registry: registry,
		path:     path,
	}
}

// Run watches until the context is cancelled. The watch is placed on the
// containing directory because atomic rewrites replace the file inode.
func (w *HostsWatcher) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return w.WLogErrorf("cannot create hosts watcher: %s", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(w.path)
	if err := watcher.Add(dir); err != nil {
		return w.WLogErrorf("cannot watch %s: %s", dir, err)
	}
	w.ILogf("watching %s for external changes", w.path)

	var debounce *time.Timer
	var fire <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) && !event.Has(fsnotify.Remove) {
				continue
			}
			if debounce == nil {
				debounce = time.NewTimer(watchDebounce)
			} else {
				if !debounce.Stop() {
					select {
					case <-debounce.C:
					default:
					}
				}
				debounce.Reset(watchDebounce)
			}
			fire = debounce.C
		case <-fire:
			fire = nil
			if w.registry.BlockIntact() {
				continue
			}
			w.WLogf("%s changed externally and the managed block was lost; re-installing", w.path)
			if err := w.registry.Install(); err != nil {
				w.WLogf("re-install failed (ignored): %s", err)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.WLogf("hosts watcher error (ignored): %s", err)
		}
	}
}
