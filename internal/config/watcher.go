package config

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"memoria/internal/logging"
)

// Watcher watches a config file for changes and invokes onReload with the
// freshly parsed Config after each settled write, debounced so a single
// save (which often fires more than one fsnotify event) triggers one reload.
type Watcher struct {
	watcher  *fsnotify.Watcher
	path     string
	onReload func(*Config)
	debounce time.Duration

	mu      sync.Mutex
	pending time.Time

	stop chan struct{}
	done chan struct{}
}

// NewWatcher creates a Watcher for path. It does not start watching until
// Start is called.
func NewWatcher(path string, onReload func(*Config)) (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		watcher:  w,
		path:     path,
		onReload: onReload,
		debounce: 300 * time.Millisecond,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}, nil
}

// Start begins watching the config file's directory (fsnotify watches
// directories, not files directly, so editors that replace-via-rename on
// save are still caught). Non-blocking; runs the event loop in a goroutine.
func (w *Watcher) Start() error {
	dir := filepath.Dir(w.path)
	if err := w.watcher.Add(dir); err != nil {
		return err
	}
	go w.run()
	return nil
}

// Stop closes the underlying fsnotify watcher and waits for the event loop
// to exit.
func (w *Watcher) Stop() {
	close(w.stop)
	<-w.done
	_ = w.watcher.Close()
}

func (w *Watcher) run() {
	defer close(w.done)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-w.stop:
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != filepath.Clean(w.path) {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			w.mu.Lock()
			w.pending = time.Now()
			w.mu.Unlock()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logging.BootWarn("config watcher error: %v", err)
		case <-ticker.C:
			w.maybeReload()
		}
	}
}

func (w *Watcher) maybeReload() {
	w.mu.Lock()
	due := !w.pending.IsZero() && time.Since(w.pending) >= w.debounce
	if due {
		w.pending = time.Time{}
	}
	w.mu.Unlock()
	if !due {
		return
	}

	cfg, err := Load(w.path)
	if err != nil {
		logging.BootWarn("config reload from %s failed, keeping previous config: %v", w.path, err)
		return
	}
	logging.Boot("config reloaded from %s", w.path)
	w.onReload(cfg)
}
