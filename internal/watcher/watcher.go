// Package watcher emits debounced file events for session log files under a
// root directory. It wraps fsnotify with recursive directory registration,
// an initial scan so a restart converges to the same state, per-path
// debouncing with a last-write-wins policy, and a path-traversal guard that
// drops anything resolving outside the root.
package watcher

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"

	"github.com/zjrosen/sessionscope/internal/log"
)

// Kind classifies a file event.
type Kind string

const (
	Added   Kind = "added"
	Changed Kind = "changed"
	Removed Kind = "removed"
)

// Event is one debounced file event.
type Event struct {
	Kind      Kind
	Path      string
	SessionID string
}

// DefaultDebounce collapses rapid successive writes to one event.
const DefaultDebounce = 100 * time.Millisecond

// DefaultExtension selects the assistant's session log files.
const DefaultExtension = ".jsonl"

var agentBasenameRe = regexp.MustCompile(`^agent-[0-9a-f]+$`)

// Config controls a Watcher.
type Config struct {
	// Root is the directory to watch recursively.
	Root string
	// Extension filters files; defaults to DefaultExtension.
	Extension string
	// Debounce is the per-path quiesce interval; defaults to DefaultDebounce.
	Debounce time.Duration
	// BufferSize is the capacity of the outbound event channel.
	BufferSize int
}

// Watcher watches a root directory tree for session log file changes.
type Watcher struct {
	root     string
	ext      string
	debounce time.Duration

	fsw    *fsnotify.Watcher
	events chan Event

	mu      sync.Mutex
	pending map[string]*time.Timer
	known   map[string]bool
	closed  bool

	done chan struct{}
	wg   sync.WaitGroup
}

// New creates a watcher for cfg.Root. The root must exist.
func New(cfg Config) (*Watcher, error) {
	if cfg.Extension == "" {
		cfg.Extension = DefaultExtension
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = DefaultDebounce
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 256
	}

	root, err := filepath.Abs(cfg.Root)
	if err != nil {
		return nil, fmt.Errorf("resolve root %s: %w", cfg.Root, err)
	}
	if resolved, err := filepath.EvalSymlinks(root); err == nil {
		root = resolved
	}

	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("stat root %s: %w", root, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("root %s is not a directory", root)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}

	return &Watcher{
		root:     root,
		ext:      cfg.Extension,
		debounce: cfg.Debounce,
		fsw:      fsw,
		events:   make(chan Event, cfg.BufferSize),
		pending:  make(map[string]*time.Timer),
		known:    make(map[string]bool),
		done:     make(chan struct{}),
	}, nil
}

// Events returns the outbound event channel. It is closed by Stop.
func (w *Watcher) Events() <-chan Event {
	return w.events
}

// Start registers the directory tree, emits synthetic added events for files
// already present, and begins forwarding filesystem notifications.
func (w *Watcher) Start() error {
	if err := w.watchTree(w.root); err != nil {
		return err
	}

	w.wg.Add(1)
	go w.run()

	log.Info(log.CatWatcher, "watching", "root", w.root, "ext", w.ext)
	return nil
}

// Stop tears the watcher down. Pending debounce timers are cancelled and the
// event channel is closed once the run loop exits.
func (w *Watcher) Stop() {
	close(w.done)
	_ = w.fsw.Close()
	w.wg.Wait()

	w.mu.Lock()
	for path, timer := range w.pending {
		timer.Stop()
		delete(w.pending, path)
	}
	w.closed = true
	w.mu.Unlock()

	close(w.events)
}

// watchTree registers dir and every subdirectory, scheduling synthetic added
// events for matching files found along the way.
func (w *Watcher) watchTree(dir string) error {
	return filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			log.Warn(log.CatWatcher, "walk error", "path", path, "error", err)
			return nil //nolint:nilerr // skip unreadable entries, keep walking
		}
		if d.IsDir() {
			if err := w.fsw.Add(path); err != nil {
				log.Warn(log.CatWatcher, "watch add failed", "path", path, "error", err)
			}
			return nil
		}
		if w.matches(path) {
			w.schedule(path)
		}
		return nil
	})
}

func (w *Watcher) run() {
	defer w.wg.Done()

	for {
		select {
		case <-w.done:
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
			log.Warn(log.CatWatcher, "fsnotify error", "error", err)
		}
	}
}

func (w *Watcher) handle(ev fsnotify.Event) {
	path := filepath.Clean(ev.Name)

	// New directories join the watch set; their pre-existing files are
	// scanned since fsnotify only reports the directory creation.
	if ev.Op.Has(fsnotify.Create) {
		if info, err := os.Stat(path); err == nil && info.IsDir() {
			if err := w.watchTree(path); err != nil {
				log.Warn(log.CatWatcher, "watch subtree failed", "path", path, "error", err)
			}
			return
		}
	}

	if !w.matches(path) {
		return
	}
	if !w.underRoot(path) {
		log.Warn(log.CatWatcher, "path outside root dropped", "path", path)
		return
	}

	switch {
	case ev.Op.Has(fsnotify.Remove) || ev.Op.Has(fsnotify.Rename):
		// Removals bypass debouncing and evict any pending change.
		w.cancelPending(path)
		w.mu.Lock()
		delete(w.known, path)
		w.mu.Unlock()
		w.emit(Event{Kind: Removed, Path: path, SessionID: SessionIDFromPath(path)})

	case ev.Op.Has(fsnotify.Create) || ev.Op.Has(fsnotify.Write):
		w.schedule(path)
	}
}

// schedule arms (or re-arms) the debounce timer for path. Multiple rapid
// writes collapse into a single downstream event after the file quiesces.
func (w *Watcher) schedule(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}

	if timer, ok := w.pending[path]; ok {
		timer.Reset(w.debounce)
		return
	}
	w.pending[path] = time.AfterFunc(w.debounce, func() {
		w.flush(path)
	})
}

func (w *Watcher) flush(path string) {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	delete(w.pending, path)
	kind := Changed
	if !w.known[path] {
		kind = Added
		w.known[path] = true
	}
	w.mu.Unlock()

	w.emit(Event{Kind: kind, Path: path, SessionID: SessionIDFromPath(path)})
}

func (w *Watcher) cancelPending(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if timer, ok := w.pending[path]; ok {
		timer.Stop()
		delete(w.pending, path)
	}
}

// emit delivers ev unless the watcher is stopping. The mutex is held across
// the send: Stop sets closed under the same mutex before closing the channel,
// so a flush that passed the check cannot race the close.
func (w *Watcher) emit(ev Event) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	select {
	case w.events <- ev:
	case <-w.done:
	}
}

func (w *Watcher) matches(path string) bool {
	return strings.HasSuffix(path, w.ext)
}

// underRoot reports whether path, after symlink resolution, is a descendant
// of the watch root. Removed files cannot be resolved; their parent
// directory is checked instead.
func (w *Watcher) underRoot(path string) bool {
	resolved, err := filepath.EvalSymlinks(path)
	if err != nil {
		dir, err := filepath.EvalSymlinks(filepath.Dir(path))
		if err != nil {
			return false
		}
		resolved = filepath.Join(dir, filepath.Base(path))
	}

	rel, err := filepath.Rel(w.root, resolved)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// SessionIDFromPath extracts a session id from a log file path: the basename
// with its extension stripped. Used as the last-resort session id for files
// whose entries carry no sessionId field.
func SessionIDFromPath(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// IsCanonicalSessionFile reports whether the basename has one of the two
// shapes the assistant writes: a lowercase UUID or agent-<hex>.
func IsCanonicalSessionFile(path, ext string) bool {
	base := strings.TrimSuffix(filepath.Base(path), ext)
	if len(base) == 36 {
		if _, err := uuid.Parse(base); err == nil {
			return true
		}
	}
	return agentBasenameRe.MatchString(base)
}
