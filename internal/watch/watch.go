// Package watch implements the drop-directory watcher: a debounced,
// recursive event loop over a directory tree backed by a rjeczalik/notify
// subscription. Raw filesystem events are noisy (a single large write can
// produce dozens), so every path gets its own settle timer and only the
// settled disk state is reported.
package watch

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"github.com/hbomb79/theapipe/pkg/logger"
	"github.com/rjeczalik/notify"
)

var log = logger.Get("Watch")

type EventKind int

const (
	Added EventKind = iota
	Changed
	Removed
)

func (k EventKind) String() string {
	switch k {
	case Added:
		return "added"
	case Changed:
		return "changed"
	case Removed:
		return "removed"
	default:
		return "unknown"
	}
}

// FileEvent is a single, debounced filesystem observation emitted on the
// channel returned by Events. The watcher never emits two events for the
// same path concurrently.
type FileEvent struct {
	Path string
	Kind EventKind
}

// Watcher observes a directory tree recursively and emits debounced
// add/change/remove events. Run performs an initial walk of the tree so
// pre-existing files are reported as Added before any live notify event is
// processed.
type Watcher struct {
	root      string
	blacklist []*regexp.Regexp
	debounce  time.Duration
	events    chan FileEvent

	ctx context.Context

	mu     sync.Mutex
	known  map[string]struct{}
	timers map[string]*time.Timer
}

// New constructs a Watcher rooted at root. root is created if it does not
// already exist. Each
// blacklist entry is a regular expression matched against the full path;
// matching paths are never reported.
func New(root string, blacklist []string, debounce time.Duration) (*Watcher, error) {
	if info, err := os.Stat(root); err == nil {
		if !info.IsDir() {
			return nil, fmt.Errorf("watch path %q is not a directory", root)
		}
	} else if os.IsNotExist(err) {
		if mkErr := os.MkdirAll(root, 0o755); mkErr != nil {
			return nil, fmt.Errorf("creating watch path %q: %w", root, mkErr)
		}
	} else {
		return nil, fmt.Errorf("accessing watch path %q: %w", root, err)
	}

	compiled := make([]*regexp.Regexp, 0, len(blacklist))
	for _, pattern := range blacklist {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid blacklist pattern %q: %w", pattern, err)
		}
		compiled = append(compiled, re)
	}

	return &Watcher{
		root:      root,
		blacklist: compiled,
		debounce:  debounce,
		events:    make(chan FileEvent, 64),
		known:     make(map[string]struct{}),
		timers:    make(map[string]*time.Timer),
	}, nil
}

// Events returns the channel FileEvents are published on. It is closed when
// Run returns. Callers must keep draining it for the watcher's lifetime.
func (w *Watcher) Events() <-chan FileEvent { return w.events }

// Run starts the watcher and blocks until ctx is cancelled or the
// underlying notify subscription fails to start.
func (w *Watcher) Run(ctx context.Context) error {
	w.ctx = ctx

	notifyCh := make(chan notify.EventInfo, 64)
	if err := notify.Watch(filepath.Join(w.root, "..."), notifyCh, notify.All); err != nil {
		return fmt.Errorf("starting filesystem watch on %q: %w", w.root, err)
	}
	defer notify.Stop(notifyCh)
	defer w.stopAllTimers()
	defer close(w.events)

	w.discoverExisting()
	log.Emit(logger.SUCCESS, "watching %s (debounce %s)\n", w.root, w.debounce)

	for {
		select {
		case ev := <-notifyCh:
			w.handleNotifyEvent(ev)
		case <-ctx.Done():
			return nil
		}
	}
}

// discoverExisting walks the tree once at startup, marking every
// non-blacklisted file as known and emitting an Added event for it. This is
// how a freshly-registered processor's applicable-file backlog is
// discovered without requiring an explicit rescan.
func (w *Watcher) discoverExisting() {
	err := filepath.WalkDir(w.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || w.isBlacklisted(path) {
			return nil
		}

		w.mu.Lock()
		w.known[path] = struct{}{}
		w.mu.Unlock()

		w.emit(FileEvent{Path: path, Kind: Added})
		return nil
	})
	if err != nil {
		log.Emit(logger.ERROR, "initial scan of %s failed: %v\n", w.root, err)
	}
}

func (w *Watcher) handleNotifyEvent(ev notify.EventInfo) {
	path := ev.Path()
	if w.isBlacklisted(path) {
		return
	}

	w.scheduleDebounce(path)
}

// scheduleDebounce (re)starts the debounce window for path. Repeated events
// for the same path within the window replace the pending timer rather than
// stacking, collapsing into a single settle call.
func (w *Watcher) scheduleDebounce(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if timer, ok := w.timers[path]; ok {
		timer.Stop()
	}

	w.timers[path] = time.AfterFunc(w.debounce, func() {
		w.settle(path)
	})
}

// settle resolves path's final disk state once its debounce window has
// elapsed with no further events, and emits the FileEvent that state
// implies.
func (w *Watcher) settle(path string) {
	w.mu.Lock()
	delete(w.timers, path)
	_, wasKnown := w.known[path]
	w.mu.Unlock()

	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			w.mu.Lock()
			delete(w.known, path)
			w.mu.Unlock()

			if wasKnown {
				w.emit(FileEvent{Path: path, Kind: Removed})
			}
			return
		}

		log.Emit(logger.WARNING, "failed to stat %s after debounce: %v\n", path, err)
		return
	}

	if info.IsDir() {
		return
	}

	w.mu.Lock()
	w.known[path] = struct{}{}
	w.mu.Unlock()

	if wasKnown {
		w.emit(FileEvent{Path: path, Kind: Changed})
	} else {
		w.emit(FileEvent{Path: path, Kind: Added})
	}
}

func (w *Watcher) emit(ev FileEvent) {
	if w.ctx == nil {
		w.events <- ev
		return
	}

	select {
	case w.events <- ev:
	case <-w.ctx.Done():
	}
}

func (w *Watcher) isBlacklisted(path string) bool {
	for _, re := range w.blacklist {
		if re.MatchString(path) {
			return true
		}
	}

	return false
}

func (w *Watcher) stopAllTimers() {
	w.mu.Lock()
	defer w.mu.Unlock()

	for path, timer := range w.timers {
		timer.Stop()
		delete(w.timers, path)
	}
}
