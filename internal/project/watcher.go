package project

import (
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/agentbridge/gateway/internal/eventbus"
	"github.com/agentbridge/gateway/internal/logging"
)

// Watcher publishes eventbus.FileChange events for writes under a
// directory tree, letting the Index invalidate its cache and
// sessionlog.Tailer pick up newly committed records without polling.
// Grounded on the teacher's internal/vcs.Watcher (fsnotify.Watcher plus
// a stop/done channel pair), generalized from a single .git directory to
// a session-log tree whose subdirectories appear at runtime as projects
// and sessions are created.
type Watcher struct {
	fsw  *fsnotify.Watcher
	bus  *eventbus.Bus
	root string

	mu      sync.Mutex
	started bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewWatcher creates a Watcher rooted at root, registering root and any
// subdirectories that already exist. A root that does not exist yet is
// not an error, but nothing is watched for it: its parent is not
// watched, so the root is not picked up if it is created later.
func NewWatcher(bus *eventbus.Bus, root string) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &Watcher{
		fsw:    fsw,
		bus:    bus,
		root:   root,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
	if err := w.addTree(root); err != nil {
		fsw.Close()
		return nil, err
	}
	return w, nil
}

func (w *Watcher) addTree(root string) error {
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if err := w.fsw.Add(path); err != nil {
				logging.Component("project").Warn().Err(err).Str("path", path).Msg("watcher: failed to watch directory")
			}
		}
		return nil
	})
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// Start begins delivering file-change events to the bus. Safe to call at
// most once; later calls are no-ops.
func (w *Watcher) Start() {
	w.mu.Lock()
	if w.started {
		w.mu.Unlock()
		return
	}
	w.started = true
	w.mu.Unlock()
	go w.run()
}

func (w *Watcher) run() {
	defer close(w.doneCh)
	for {
		select {
		case <-w.stopCh:
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handleEvent(ev)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			logging.Component("project").Error().Err(err).Msg("watcher: fsnotify error")
		}
	}
}

func (w *Watcher) handleEvent(ev fsnotify.Event) {
	if ev.Op&fsnotify.Create != 0 {
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			if err := w.fsw.Add(ev.Name); err != nil {
				logging.Component("project").Warn().Err(err).Str("path", ev.Name).Msg("watcher: failed to watch new directory")
			}
		}
	}

	var kind string
	switch {
	case ev.Op&fsnotify.Write != 0:
		kind = "write"
	case ev.Op&fsnotify.Create != 0:
		kind = "create"
	case ev.Op&fsnotify.Remove != 0:
		kind = "remove"
	case ev.Op&fsnotify.Rename != 0:
		kind = "rename"
	default:
		return
	}

	w.bus.Publish(eventbus.Event{
		Kind: eventbus.FileChange,
		Data: eventbus.FileChangeData{Path: ev.Name, Kind: kind, FileType: classifyFile(ev.Name)},
	})
}

func classifyFile(path string) eventbus.FileChangeKind {
	if filepath.Ext(path) == ".jsonl" {
		return eventbus.FileChangeSession
	}
	return eventbus.FileChangeOther
}

// Close stops the watcher and releases the underlying fsnotify handle.
func (w *Watcher) Close() error {
	w.mu.Lock()
	started := w.started
	w.mu.Unlock()

	select {
	case <-w.stopCh:
	default:
		close(w.stopCh)
	}
	if started {
		<-w.doneCh
	}
	return w.fsw.Close()
}
