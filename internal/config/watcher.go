package config

import (
	"context"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// ReloadEvent names a watched file that changed on disk.
type ReloadEvent struct {
	Path string
	Op   fsnotify.Op
}

// Watcher watches config.yaml and the active rule seed file for changes,
// so an operator editing DistributionRules doesn't need to restart the
// process — the caller re-runs Load/LoadRuleSeed on each event.
type Watcher struct {
	homeDir      string
	ruleSeedPath string
	logger       *slog.Logger
	events       chan ReloadEvent
}

func NewWatcher(homeDir string, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		homeDir: homeDir,
		logger:  logger,
		events:  make(chan ReloadEvent, 16),
	}
}

// WithRuleSeedPath adds a rule seed file to the watch list, returning w
// for chaining.
func (w *Watcher) WithRuleSeedPath(path string) *Watcher {
	w.ruleSeedPath = path
	return w
}

func (w *Watcher) Events() <-chan ReloadEvent {
	return w.events
}

func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	files := []string{filepath.Join(w.homeDir, "config.yaml")}
	if w.ruleSeedPath != "" {
		files = append(files, w.ruleSeedPath)
	}
	for _, file := range files {
		_ = fsw.Add(file)
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
