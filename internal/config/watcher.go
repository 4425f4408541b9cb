package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher monitors config and policy files for changes. It uses filesystem
// notifications on the files' directories, so editors that replace a file by
// renaming are caught too. If notifications are unavailable it falls back to
// polling each file's modification time at interval.
//
// Bursts of events are coalesced: onChange runs once, interval after the last event.
type Watcher struct {
	paths    []string
	interval time.Duration
	logger   *slog.Logger
	onChange func()
	stop     chan struct{}
	once     sync.Once
	done     sync.WaitGroup
	lastMod  map[string]time.Time
	polling  bool
}

// NewWatcher creates a watcher for paths. Empty paths are ignored.
func NewWatcher(paths []string, interval time.Duration, logger *slog.Logger, onChange func()) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	var clean []string
	for _, p := range paths {
		if p != "" {
			clean = append(clean, filepath.Clean(p))
		}
	}
	return &Watcher{
		paths:    clean,
		interval: interval,
		logger:   logger.With("component", "config-watcher"),
		onChange: onChange,
		stop:     make(chan struct{}),
		lastMod:  make(map[string]time.Time),
	}
}

// Start begins watching in a goroutine.
func (w *Watcher) Start() {
	if !w.polling {
		fw, err := w.notifier()
		if err == nil {
			w.done.Add(1)
			go w.watch(fw)
			w.logger.Info("config watcher started", "paths", w.paths, "mode", "notify")
			return
		}
		w.logger.Warn("filesystem notifications unavailable, polling", "error", err)
	}

	// Record initial mod times
	for _, p := range w.paths {
		if info, err := os.Stat(p); err == nil {
			w.lastMod[p] = info.ModTime()
		}
	}
	w.done.Add(1)
	go w.poll()
	w.logger.Info("config watcher started", "paths", w.paths, "mode", "poll", "interval", w.interval)
}

// Stop stops the watcher and waits for its goroutine to exit.
func (w *Watcher) Stop() {
	w.once.Do(func() {
		close(w.stop)
		w.done.Wait()
		w.logger.Info("config watcher stopped")
	})
}

func (w *Watcher) notifier() (*fsnotify.Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	dirs := make(map[string]bool)
	for _, p := range w.paths {
		dir := filepath.Dir(p)
		if dirs[dir] {
			continue
		}
		if err := fw.Add(dir); err != nil {
			fw.Close()
			return nil, err
		}
		dirs[dir] = true
	}
	return fw, nil
}

func (w *Watcher) watched(name string) bool {
	name = filepath.Clean(name)
	for _, p := range w.paths {
		if p == name {
			return true
		}
	}
	return false
}

func (w *Watcher) watch(fw *fsnotify.Watcher) {
	defer w.done.Done()
	defer fw.Close()

	var debounce <-chan time.Time
	for {
		select {
		case <-w.stop:
			return
		case ev, ok := <-fw.Events:
			if !ok {
				return
			}
			if !w.watched(ev.Name) || !(ev.Op.Has(fsnotify.Write) || ev.Op.Has(fsnotify.Create) || ev.Op.Has(fsnotify.Rename)) {
				continue
			}
			w.logger.Debug("config file event", "path", ev.Name, "op", ev.Op.String())
			debounce = time.After(w.interval)
		case err, ok := <-fw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("config watcher error", "error", err)
		case <-debounce:
			debounce = nil
			w.logger.Info("config file changed")
			if w.onChange != nil {
				w.onChange()
			}
		}
	}
}

func (w *Watcher) poll() {
	defer w.done.Done()
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stop:
			return
		case <-ticker.C:
			w.check()
		}
	}
}

func (w *Watcher) check() {
	changed := false
	for _, p := range w.paths {
		info, err := os.Stat(p)
		if err != nil {
			w.logger.Warn("config watcher: cannot stat file", "path", p, "error", err)
			continue
		}
		modTime := info.ModTime()
		if modTime.After(w.lastMod[p]) {
			w.logger.Info("config file changed", "path", p, "modTime", modTime)
			w.lastMod[p] = modTime
			changed = true
		}
	}
	if changed && w.onChange != nil {
		w.onChange()
	}
}
