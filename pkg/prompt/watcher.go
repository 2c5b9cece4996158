package prompt

import (
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
)

// Watcher invalidates cached templates when their files change on disk.
// Intended for development; production setups typically run without it.
type Watcher struct {
	watcher *fsnotify.Watcher
	done    chan struct{}
}

// Watch starts watching the renderer's directory. Edits to *.txt files
// drop the corresponding cache entry.
func Watch(r *Renderer, logger *slog.Logger) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fw.Add(r.dir); err != nil {
		fw.Close()
		return nil, err
	}

	w := &Watcher{watcher: fw, done: make(chan struct{})}
	go w.run(r, logger)
	return w, nil
}

func (w *Watcher) run(r *Renderer, logger *slog.Logger) {
	defer close(w.done)
	for {
		select {
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			base := filepath.Base(ev.Name)
			if !strings.HasSuffix(base, ".txt") {
				continue
			}
			name := strings.TrimSuffix(base, ".txt")
			r.Invalidate(name)
			logger.Debug("prompt template reloaded", "prompt", name)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logger.Warn("prompt watcher error", "error", err)
		}
	}
}

// Close stops the watcher and waits for its goroutine to exit.
func (w *Watcher) Close() error {
	err := w.watcher.Close()
	<-w.done
	return err
}
