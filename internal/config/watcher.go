package config

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"

	"github.com/wlcore/wlcore/internal/logging"
)

// ReloadCallback is invoked with the freshly loaded config after a file
// change settles. A non-nil error is logged but does not stop watching.
type ReloadCallback func(*Config) error

// Watcher reloads a config file on write/create, debouncing rapid
// successive events from the same save (editors often write a file
// more than once per save).
type Watcher struct {
	path  string
	log   *logging.Logger
	fs    *fsnotify.Watcher
	debounce time.Duration

	mu        sync.Mutex
	callbacks []ReloadCallback
	timer     *time.Timer
}

// NewWatcher starts watching path's containing directory (so the watch
// survives editors that replace the file via rename rather than
// truncate-and-write) and returns a Watcher ready to have callbacks
// registered via OnReload before Start is called.
func NewWatcher(path string) (*Watcher, error) {
	fs, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(err, "config: create fsnotify watcher")
	}
	if err := fs.Add(filepath.Dir(path)); err != nil {
		fs.Close()
		return nil, errors.Wrapf(err, "config: watch directory of %s", path)
	}
	return &Watcher{
		path:     path,
		log:      logging.Default(),
		fs:       fs,
		debounce: 250 * time.Millisecond,
	}, nil
}

// OnReload registers a callback run (in watch-loop order) each time the
// file is reloaded.
func (w *Watcher) OnReload(cb ReloadCallback) {
	w.mu.Lock()
	w.callbacks = append(w.callbacks, cb)
	w.mu.Unlock()
}

// Start runs the watch loop in its own goroutine.
func (w *Watcher) Start() {
	go w.run()
}

func (w *Watcher) run() {
	for {
		select {
		case ev, ok := <-w.fs.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != filepath.Clean(w.path) {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			w.scheduleReload()
		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			w.log.Warnf("config: watcher error: %v", err)
		}
	}
}

func (w *Watcher) scheduleReload() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, w.reload)
}

func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		w.log.Warnf("config: reload failed: %v", err)
		return
	}
	w.log.Infof("config: reloaded %s", w.path)

	w.mu.Lock()
	callbacks := append([]ReloadCallback(nil), w.callbacks...)
	w.mu.Unlock()

	for _, cb := range callbacks {
		if err := cb(cfg); err != nil {
			w.log.Warnf("config: reload callback error: %v", err)
		}
	}
}

// Stop closes the underlying fsnotify watcher.
func (w *Watcher) Stop() error {
	return w.fs.Close()
}
