package logging

import (
	"bufio"
	"log/slog"
	"os"
	"strings"

	"github.com/fsnotify/fsnotify"
)

// LevelFileWatcher watches a small "component=level" text file and applies
// changes to a ComponentFilterHandler at runtime, without restarting the
// engine. This is an operational knob only: it adjusts log verbosity, never
// container size, fingerprint algorithm, or sampling factor (those remain
// fixed for the lifetime of a running engine).
type LevelFileWatcher struct {
	path    string
	handler *ComponentFilterHandler
	logger  *slog.Logger
	watcher *fsnotify.Watcher
	done    chan struct{}
}

// NewLevelFileWatcher starts watching path for changes. Call Close to stop.
// A missing file is not an error: the watcher simply never fires.
func NewLevelFileWatcher(path string, handler *ComponentFilterHandler, logger *slog.Logger) (*LevelFileWatcher, error) {
	logger = Default(logger).With("component", "logging.watcher")

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := w.Add(path); err != nil {
		// The file cannot be watched (e.g. it does not exist yet): replace
		// the watcher with a fresh one that watches nothing.
		_ = w.Close()
		w, err = fsnotify.NewWatcher()
		if err != nil {
			return nil, err
		}
	}

	lw := &LevelFileWatcher{path: path, handler: handler, logger: logger, watcher: w, done: make(chan struct{})}
	lw.reload()
	go lw.loop()
	return lw, nil
}

func (w *LevelFileWatcher) loop() {
	defer close(w.done)
	for {
		select {
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				w.reload()
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("level watcher error", "error", err)
		}
	}
}

func (w *LevelFileWatcher) reload() {
	f, err := os.Open(w.path)
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		component, levelStr, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		component = strings.TrimSpace(component)
		var level slog.Level
		if err := level.UnmarshalText([]byte(strings.TrimSpace(levelStr))); err != nil {
			w.logger.Warn("invalid level in level file", "component", component, "value", levelStr)
			continue
		}
		w.handler.SetLevel(component, level)
	}
	w.logger.Info("log levels reloaded", "path", w.path)
}

// Close stops the watcher.
func (w *LevelFileWatcher) Close() error {
	err := w.watcher.Close()
	<-w.done
	return err
}
