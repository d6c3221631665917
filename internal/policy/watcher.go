package policy

import (
	"context"
	"log"

	"github.com/fsnotify/fsnotify"
)

// Watcher merges a local policy cache directory into an Engine whenever a
// policy file is created or rewritten.
type Watcher struct {
	engine  *Engine
	dir     string
	watcher *fsnotify.Watcher
	logger  *log.Logger
	loaded  chan LoadReport
}

func NewWatcher(engine *Engine, dir string, logger *log.Logger) (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := w.Add(dir); err != nil {
		w.Close()
		return nil, err
	}
	return &Watcher{
		engine:  engine,
		dir:     dir,
		watcher: w,
		logger:  logger,
		loaded:  make(chan LoadReport, 8),
	}, nil
}

// Reloads emits a report after every reload. Reports are dropped if nobody
// is reading.
func (w *Watcher) Reloads() <-chan LoadReport {
	return w.loaded
}

// Reload reads the directory and merges it into the engine's active set.
func (w *Watcher) Reload() (LoadReport, error) {
	policies, err := LoadDir(w.dir, w.logger)
	if err != nil {
		return LoadReport{}, err
	}
	report := w.engine.Load(policies)
	select {
	case w.loaded <- report:
	default:
	}
	return report, nil
}

// Run blocks until ctx is done or the watcher is closed.
func (w *Watcher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if !IsPolicyFile(event.Name) {
				continue
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
				continue
			}
			if _, err := w.Reload(); err != nil {
				w.logger.Printf("Warning: policy reload failed: %v", err)
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Printf("Warning: policy watcher: %v", err)
		}
	}
}

func (w *Watcher) Stop() error {
	return w.watcher.Close()
}
