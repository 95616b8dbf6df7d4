package config

import (
	"context"
	"log/slog"

	"github.com/fsnotify/fsnotify"
)

// ReloadEvent signals that a watched config file changed on disk.
type ReloadEvent struct {
	Path string
	Op   fsnotify.Op
}

// Watcher watches the gateway config file (and, through it, the automation
// targets block) and emits a ReloadEvent per change. Consumers reload via
// Load and swap the new Config in.
type Watcher struct {
	paths  []string
	logger *slog.Logger
	events chan ReloadEvent
}

// NewWatcher watches the given file paths.
func NewWatcher(logger *slog.Logger, paths ...string) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{paths: paths, logger: logger, events: make(chan ReloadEvent, 16)}
}

// Events returns the reload event stream. Closed when the watcher stops.
func (w *Watcher) Events() <-chan ReloadEvent { return w.events }

// Start begins watching until ctx is cancelled.
func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	for _, p := range w.paths {
		// Editors often replace files, so a watch that fails now may
		// succeed after the next write; ignore per-file errors.
		_ = fsw.Add(p)
	}

	go func() {
		defer fsw.Close()
		defer close(w.events)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-fsw.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				select {
				case w.events <- ReloadEvent{Path: ev.Name, Op: ev.Op}:
				default:
				}
				w.logger.Info("config file changed", "path", ev.Name, "op", ev.Op.String())
			case err, ok := <-fsw.Errors:
				if !ok {
					return
				}
				w.logger.Error("config watcher error", "error", err)
			}
		}
	}()
	return nil
}
